package kvstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreGetMissing(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), "bitcoin_state")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreCreateOnlyOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rev, err := store.Create(ctx, "balance", []byte(`{"balance":1000}`))
	require.NoError(t, err)
	assert.NotZero(t, rev)

	_, err = store.Create(ctx, "balance", []byte(`{"balance":5}`))
	assert.ErrorIs(t, err, ErrExists)

	entry, err := store.Get(ctx, "balance")
	require.NoError(t, err)
	assert.Equal(t, `{"balance":1000}`, string(entry.Value))
	assert.Equal(t, rev, entry.Revision)
}

func TestMemoryStoreUpdateRequiresCurrentRevision(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rev, err := store.Create(ctx, "bitcoin_state", []byte("a"))
	require.NoError(t, err)

	next, err := store.Update(ctx, "bitcoin_state", []byte("b"), rev)
	require.NoError(t, err)
	assert.Greater(t, next, rev)

	_, err = store.Update(ctx, "bitcoin_state", []byte("c"), rev)
	assert.ErrorIs(t, err, ErrRevisionMismatch)

	_, err = store.Update(ctx, "ethereum_state", []byte("c"), 1)
	assert.ErrorIs(t, err, ErrRevisionMismatch)

	entry, err := store.Get(ctx, "bitcoin_state")
	require.NoError(t, err)
	assert.Equal(t, "b", string(entry.Value))
}

func TestMemoryStorePutIsIdempotentOnValue(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	value := []byte(`{"holding":true,"entry_price":25}`)

	_, err := store.Put(ctx, "bitcoin_state", value)
	require.NoError(t, err)
	first, err := store.Get(ctx, "bitcoin_state")
	require.NoError(t, err)

	_, err = store.Put(ctx, "bitcoin_state", value)
	require.NoError(t, err)
	second, err := store.Get(ctx, "bitcoin_state")
	require.NoError(t, err)

	assert.Equal(t, first.Value, second.Value)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	value := []byte("abc")
	_, err := store.Put(ctx, "k", value)
	require.NoError(t, err)
	value[0] = 'x'

	entry, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(entry.Value))
}
