// Package imdb fetches public watchlists through IMDb's GraphQL API, using
// the same persisted query the watchlist web page issues.
package imdb

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/flurbudurbur/Eiga/internal/domain"
	"github.com/flurbudurbur/Eiga/internal/logger"
	"github.com/flurbudurbur/Eiga/pkg/errors"
)

const (
	defaultBaseURL  = "https://api.graphql.imdb.com/"
	operationName   = "WatchListPageRefiner"
	defaultPageSize = 250

	// Persisted-query hash captured from a live watchlist page. IMDb
	// rotates it every few months; imdb.query_hash overrides it without a
	// rebuild.
	defaultQueryHash = "21a0eb3a384bc1d2903b6b03b28a9b4e339ae1ec35f14b439a2e2afe4cf2e1ad"

	// IMDb's edge rejects requests without a browser-looking agent.
	userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

	requestTimeout = 30 * time.Second
)

// Client implements domain.Fetcher against IMDb.
type Client struct {
	log        zerolog.Logger
	httpClient *http.Client
	baseURL    string
	queryHash  string
	pageSize   int
}

func NewClient(log logger.Logger, cfg domain.ImdbConfig) *Client {
	c := &Client{
		log:        log.With().Str("module", "imdb").Logger(),
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    defaultBaseURL,
		queryHash:  cfg.QueryHash,
		pageSize:   cfg.PageSize,
	}
	if c.queryHash == "" {
		c.queryHash = defaultQueryHash
	}
	if c.pageSize <= 0 {
		c.pageSize = defaultPageSize
	}
	return c
}

type graphqlEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// FetchWatchlist pulls one user's public watchlist. The returned payload is
// the raw GraphQL data object; callers treat it as opaque bytes.
func (c *Client) FetchWatchlist(ctx context.Context, userID string) ([]byte, error) {
	if !strings.HasPrefix(userID, "ur") {
		return nil, errors.New("imdb: %q is not an imdb user id", userID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.requestURL(userID), nil)
	if err != nil {
		return nil, errors.Wrap(err, "imdb: building request for %s", userID)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "imdb: fetching watchlist for %s", userID)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errors.Wrap(err, "imdb: reading response for %s", userID)
	}

	switch {
	case res.StatusCode == http.StatusOK:
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return nil, errors.New("imdb: upstream unavailable (status %d)", res.StatusCode)
	default:
		return nil, errors.New("imdb: request for %s rejected (status %d)", userID, res.StatusCode)
	}

	var envelope graphqlEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, errors.Wrap(err, "imdb: unreadable response for %s", userID)
	}
	if len(envelope.Errors) > 0 {
		message := envelope.Errors[0].Message
		if strings.Contains(message, "PersistedQueryNotFound") {
			return nil, errors.New("imdb: persisted query hash expired, set imdb.query_hash to the current one")
		}
		return nil, errors.New("imdb: graphql error for %s: %s", userID, message)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil, errors.New("imdb: empty response for %s", userID)
	}

	c.log.Trace().Str("user", userID).Int("bytes", len(envelope.Data)).Msg("watchlist fetched")
	return envelope.Data, nil
}

func (c *Client) requestURL(userID string) string {
	variables, _ := json.Marshal(map[string]interface{}{
		"userId": userID,
		"first":  c.pageSize,
	})
	extensions, _ := json.Marshal(map[string]interface{}{
		"persistedQuery": map[string]interface{}{
			"version":    1,
			"sha256Hash": c.queryHash,
		},
	})

	q := url.Values{}
	q.Set("operationName", operationName)
	q.Set("variables", string(variables))
	q.Set("extensions", string(extensions))

	return c.baseURL + "?" + q.Encode()
}
