// Package store provides the key/value, set and map storage the sync
// subsystem runs on. Two backends implement the same contract: a durable
// valkey store and an in-memory fallback. A failover selector wraps both so
// callers never know which one is active.
package store

import (
	"context"
	"time"

	"github.com/flurbudurbur/Eiga/pkg/errors"
)

// ErrNotFound is returned by Get when the key holds no value.
var ErrNotFound = errors.New("store: key not found")

// Store is the uniform storage contract. A ttl of zero means no expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	AddToSet(ctx context.Context, key string, member string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	MapSet(ctx context.Context, key string, field string, value string) error
	MapGetAll(ctx context.Context, key string) (map[string]string, error)
	MapDelete(ctx context.Context, key string, field string) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Name() string
	Close() error
}
