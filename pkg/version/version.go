// Package version implements a release checker against the GitHub releases
// API, used to surface newer builds to operators.
package version

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	goversion "github.com/hashicorp/go-version"

	"github.com/flurbudurbur/Eiga/pkg/errors"
)

// Release is a stripped-down GitHub release object.
type Release struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	URL         string    `json:"html_url"`
	Prerelease  bool      `json:"prerelease,omitempty"`
	Body        *string   `json:"body,omitempty"`
}

// Checker queries the latest published release of a repository.
type Checker struct {
	Owner string
	Repo  string

	// baseURL overrides the GitHub API endpoint in tests.
	baseURL string
}

func (c *Checker) apiURL() string {
	base := c.baseURL
	if base == "" {
		base = "https://api.github.com"
	}
	return fmt.Sprintf("%s/repos/%s/%s/releases/latest", base, c.Owner, c.Repo)
}

// GetLatestRelease fetches the most recent published release.
func (c *Checker) GetLatestRelease(ctx context.Context) (*Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "could not build release request")
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch latest release")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("unexpected status fetching latest release: %s", resp.Status)
	}

	var release Release
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, errors.Wrap(err, "could not decode release response")
	}

	return &release, nil
}

// CheckNewVersion compares the running version against the latest release.
// Development builds ("dev") never report an update.
func (c *Checker) CheckNewVersion(ctx context.Context, version string) (bool, *Release, error) {
	if version == "dev" {
		return false, nil, nil
	}

	release, err := c.GetLatestRelease(ctx)
	if err != nil {
		return false, nil, err
	}

	newAvailable, err := isNewerVersion(version, release.TagName)
	if err != nil {
		return false, nil, err
	}
	if !newAvailable {
		return false, nil, nil
	}

	return true, release, nil
}

func isNewerVersion(current, candidate string) (bool, error) {
	currentVersion, err := goversion.NewVersion(current)
	if err != nil {
		return false, errors.Wrap(err, "could not parse current version %q", current)
	}

	candidateVersion, err := goversion.NewVersion(candidate)
	if err != nil {
		return false, errors.Wrap(err, "could not parse release version %q", candidate)
	}

	return candidateVersion.GreaterThan(currentVersion), nil
}
