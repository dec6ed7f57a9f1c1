package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_GetSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	t.Run("missing key", func(t *testing.T) {
		_, err := m.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("roundtrip", func(t *testing.T) {
		require.NoError(t, m.Set(ctx, "k", []byte("v"), 0))
		got, err := m.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), got)
	})

	t.Run("overwrite", func(t *testing.T) {
		require.NoError(t, m.Set(ctx, "k", []byte("v2"), 0))
		got, err := m.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)
	})

	t.Run("caller cannot mutate stored value", func(t *testing.T) {
		require.NoError(t, m.Set(ctx, "shared", []byte("abc"), 0))
		got, err := m.Get(ctx, "shared")
		require.NoError(t, err)
		got[0] = 'X'

		again, err := m.Get(ctx, "shared")
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), again)
	})
}

func TestMemoryStore_TTL(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	require.NoError(t, m.Set(ctx, "ephemeral", []byte("v"), 20*time.Millisecond))

	got, err := m.Get(ctx, "ephemeral")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	time.Sleep(30 * time.Millisecond)

	_, err = m.Get(ctx, "ephemeral")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Sets(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	members, err := m.SetMembers(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, members)

	require.NoError(t, m.AddToSet(ctx, "s", "a"))
	require.NoError(t, m.AddToSet(ctx, "s", "b"))
	require.NoError(t, m.AddToSet(ctx, "s", "a"))

	members, err = m.SetMembers(ctx, "s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)
}

func TestMemoryStore_Maps(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	require.NoError(t, m.MapSet(ctx, "h", "f1", "v1"))
	require.NoError(t, m.MapSet(ctx, "h", "f2", "v2"))
	require.NoError(t, m.MapSet(ctx, "h", "f1", "v1b"))

	fields, err := m.MapGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"f1": "v1b", "f2": "v2"}, fields)

	require.NoError(t, m.MapDelete(ctx, "h", "f1"))
	fields, err = m.MapGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"f2": "v2"}, fields)

	// deleting on a missing hash is a no-op
	assert.NoError(t, m.MapDelete(ctx, "missing", "f"))
}

func TestMemoryStore_Delete(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	require.NoError(t, m.Set(ctx, "x", []byte("v"), 0))
	require.NoError(t, m.AddToSet(ctx, "x", "member"))
	require.NoError(t, m.MapSet(ctx, "x", "f", "v"))

	require.NoError(t, m.Delete(ctx, "x"))

	_, err := m.Get(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)

	members, err := m.SetMembers(ctx, "x")
	require.NoError(t, err)
	assert.Empty(t, members)

	fields, err := m.MapGetAll(ctx, "x")
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestMemoryStore_Close(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	assert.NoError(t, m.Ping(ctx))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Error(t, m.Ping(ctx))
}
