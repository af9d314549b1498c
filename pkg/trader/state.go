package trader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gregtusar/smacross/pkg/kvstore"
	"github.com/gregtusar/smacross/pkg/metrics"
	"github.com/gregtusar/smacross/pkg/models"
)

func StateKey(asset string) string {
	return asset + "_state"
}

// StateRepository persists one TradeState per asset. Writes are conditional on the revision the
// caller read.
type StateRepository struct {
	store kvstore.Store
}

func NewStateRepository(store kvstore.Store) *StateRepository {
	return &StateRepository{store: store}
}

// Ensure returns the asset's state and its revision, creating the default state if absent.
func (r *StateRepository) Ensure(ctx context.Context, asset string) (models.TradeState, uint64, error) {
	key := StateKey(asset)
	entry, err := r.store.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		state := models.NewTradeState(asset)
		data, encErr := json.Marshal(state)
		if encErr != nil {
			return models.TradeState{}, 0, fmt.Errorf("%w: encode %s: %v", models.ErrStoreWrite, key, encErr)
		}
		rev, createErr := r.store.Create(ctx, key, data)
		if createErr == nil {
			return state, rev, nil
		}
		if !errors.Is(createErr, kvstore.ErrExists) {
			return models.TradeState{}, 0, fmt.Errorf("%w: create %s: %v", models.ErrStoreWrite, key, createErr)
		}
		entry, err = r.store.Get(ctx, key)
	}
	if err != nil {
		return models.TradeState{}, 0, fmt.Errorf("%w: %s: %v", models.ErrStoreRead, key, err)
	}

	state, err := decodeState(asset, entry)
	if err != nil {
		return models.TradeState{}, 0, err
	}
	return state, entry.Revision, nil
}

// Load reads the asset's state without writing; a missing state reads as not holding.
func (r *StateRepository) Load(ctx context.Context, asset string) (models.TradeState, error) {
	entry, err := r.store.Get(ctx, StateKey(asset))
	if errors.Is(err, kvstore.ErrNotFound) {
		return models.NewTradeState(asset), nil
	}
	if err != nil {
		return models.TradeState{}, fmt.Errorf("%w: %s: %v", models.ErrStoreRead, StateKey(asset), err)
	}
	return decodeState(asset, entry)
}

// Save writes state if the stored revision is still revision. A concurrent change returns
// models.ErrConflict.
func (r *StateRepository) Save(ctx context.Context, state models.TradeState, revision uint64) (uint64, error) {
	key := StateKey(state.Asset)
	if err := state.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrStoreWrite, err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("%w: encode %s: %v", models.ErrStoreWrite, key, err)
	}

	rev, err := r.store.Update(ctx, key, data, revision)
	if errors.Is(err, kvstore.ErrRevisionMismatch) {
		metrics.StoreConflicts.WithLabelValues(key).Inc()
		return 0, fmt.Errorf("%w: %s changed since revision %d", models.ErrConflict, key, revision)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", models.ErrStoreWrite, key, err)
	}
	return rev, nil
}

func decodeState(asset string, entry kvstore.Entry) (models.TradeState, error) {
	var state models.TradeState
	if err := json.Unmarshal(entry.Value, &state); err != nil {
		return models.TradeState{}, fmt.Errorf("%w: decode %s: %v", models.ErrStoreRead, entry.Key, err)
	}
	state.Asset = asset
	return state, nil
}
