package timeseries

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gregtusar/smacross/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func price(minute int, value int64) Record {
	return Record{
		Time:    base.Add(time.Duration(minute) * time.Minute),
		Asset:   "bitcoin",
		Measure: "price",
		Value:   decimal.NewFromInt(value),
	}
}

func TestMemoryStoreWriteReportsPartialRejection(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := price(0, 100)
	first.Version = 2
	result, err := store.Write(ctx, []Record{first})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	assert.NoError(t, result.Err())

	stale := price(0, 200)
	stale.Version = 1
	invalid := Record{Measure: "price", Time: base, Value: decimal.NewFromInt(1)}
	fresh := price(1, 300)

	result, err = store.Write(ctx, []Record{stale, invalid, fresh})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	require.Len(t, result.Rejected, 2)
	assert.Equal(t, 0, result.Rejected[0].Index)
	assert.Equal(t, 1, result.Rejected[1].Index)
	assert.True(t, errors.Is(result.Err(), models.ErrPartialRejection))

	latest, err := store.Latest(ctx, Query{Asset: "bitcoin", Measure: "price", Until: base.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.True(t, latest[1].Value.Equal(decimal.NewFromInt(100)), "stale version must not overwrite")
}

func TestMemoryStoreHigherVersionReplaces(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	older := price(0, 100)
	older.Version = 1
	newer := price(0, 150)
	newer.Version = 2

	_, err := store.Write(ctx, []Record{older, newer})
	require.NoError(t, err)

	latest, err := store.Latest(ctx, Query{Asset: "bitcoin", Measure: "price", Until: base})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.True(t, latest[0].Value.Equal(decimal.NewFromInt(150)))
}

func TestMemoryStoreLatestNewestFirstWithinRange(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Write(ctx, []Record{price(3, 4), price(0, 1), price(2, 3), price(1, 2)})
	require.NoError(t, err)

	latest, err := store.Latest(ctx, Query{
		Asset:   "bitcoin",
		Measure: "price",
		Since:   base,
		Until:   base.Add(2 * time.Minute),
		Limit:   5,
	})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.True(t, latest[0].Value.Equal(decimal.NewFromInt(3)))
	assert.True(t, latest[1].Value.Equal(decimal.NewFromInt(2)))
}

func TestMemoryStoreTrailingMean(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Write(ctx, []Record{price(0, 10), price(1, 20), price(2, 30), price(3, 40)})
	require.NoError(t, err)

	agg, err := store.TrailingMean(ctx, Query{Asset: "bitcoin", Measure: "price", Until: base.Add(time.Hour), Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, agg.Count)
	assert.True(t, agg.Mean.Equal(decimal.NewFromInt(30)), "got %s", agg.Mean)
	assert.Equal(t, base.Add(3*time.Minute), agg.Latest)

	empty, err := store.TrailingMean(ctx, Query{Asset: "ethereum", Measure: "price", Limit: 3})
	require.NoError(t, err)
	assert.Zero(t, empty.Count)
}

func TestMemoryStoreHonoursCancelledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Latest(ctx, Query{Asset: "bitcoin", Measure: "price"})
	assert.ErrorIs(t, err, context.Canceled)
}
