package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	valkey "github.com/valkey-io/valkey-go"

	"github.com/flurbudurbur/Eiga/internal/domain"
	"github.com/flurbudurbur/Eiga/internal/logger"
	"github.com/flurbudurbur/Eiga/pkg/errors"
)

// ValkeyStore is the durable backend. TTL expiry is native, so entries
// written with a ttl survive restarts and vanish server-side.
type ValkeyStore struct {
	log    zerolog.Logger
	client valkey.Client

	closeOnce sync.Once
}

// NewValkeyStore connects and pings the server before returning, so a
// misconfigured address fails at startup instead of on first use.
func NewValkeyStore(log logger.Logger, cfg domain.ValkeyConfig) (*ValkeyStore, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{cfg.Address},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not create valkey client for %s", cfg.Address)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "could not ping valkey at %s", cfg.Address)
	}

	return &ValkeyStore{
		log:    log.With().Str("module", "store").Str("backend", "valkey").Logger(),
		client: client,
	}, nil
}

func (s *ValkeyStore) Get(ctx context.Context, key string) ([]byte, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "valkey get %s", key)
	}

	value, err := resp.AsBytes()
	if err != nil {
		return nil, errors.Wrap(err, "valkey get %s: decode", key)
	}
	return value, nil
}

func (s *ValkeyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var cmd valkey.Completed
	if ttl > 0 {
		cmd = s.client.B().Set().Key(key).Value(string(value)).Ex(ttl).Build()
	} else {
		cmd = s.client.B().Set().Key(key).Value(string(value)).Build()
	}

	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return errors.Wrap(err, "valkey set %s", key)
	}
	return nil
}

func (s *ValkeyStore) AddToSet(ctx context.Context, key string, member string) error {
	if err := s.client.Do(ctx, s.client.B().Sadd().Key(key).Member(member).Build()).Error(); err != nil {
		return errors.Wrap(err, "valkey sadd %s", key)
	}
	return nil
}

func (s *ValkeyStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.Do(ctx, s.client.B().Smembers().Key(key).Build()).AsStrSlice()
	if err != nil {
		return nil, errors.Wrap(err, "valkey smembers %s", key)
	}
	return members, nil
}

func (s *ValkeyStore) MapSet(ctx context.Context, key string, field string, value string) error {
	cmd := s.client.B().Hset().Key(key).FieldValue().FieldValue(field, value).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return errors.Wrap(err, "valkey hset %s %s", key, field)
	}
	return nil
}

func (s *ValkeyStore) MapGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(key).Build()).AsStrMap()
	if err != nil {
		return nil, errors.Wrap(err, "valkey hgetall %s", key)
	}
	return fields, nil
}

func (s *ValkeyStore) MapDelete(ctx context.Context, key string, field string) error {
	if err := s.client.Do(ctx, s.client.B().Hdel().Key(key).Field(field).Build()).Error(); err != nil {
		return errors.Wrap(err, "valkey hdel %s %s", key, field)
	}
	return nil
}

func (s *ValkeyStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return errors.Wrap(err, "valkey del %s", key)
	}
	return nil
}

func (s *ValkeyStore) Ping(ctx context.Context) error {
	if err := s.client.Do(ctx, s.client.B().Ping().Build()).Error(); err != nil {
		return errors.Wrap(err, "valkey ping")
	}
	return nil
}

func (s *ValkeyStore) Name() string { return "valkey" }

// Client exposes the underlying connection for features that need raw
// commands, like the distributed rate limiter's server-side script.
func (s *ValkeyStore) Client() valkey.Client {
	return s.client
}

func (s *ValkeyStore) Close() error {
	s.closeOnce.Do(func() {
		s.client.Close()
		s.log.Debug().Msg("valkey connection closed")
	})
	return nil
}
