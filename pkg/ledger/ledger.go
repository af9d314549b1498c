package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gregtusar/smacross/pkg/kvstore"
	"github.com/gregtusar/smacross/pkg/metrics"
	"github.com/gregtusar/smacross/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const DefaultKey = "balance"

// Ledger is the shared cash balance. Each debit or credit is its own compare-and-swap against
// the stored revision, so concurrent cycles cannot lose each other's updates.
type Ledger struct {
	store   kvstore.Store
	key     string
	initial models.Balance
	retries int
	logger  *logrus.Logger
}

func New(store kvstore.Store, key string, initial decimal.Decimal, retries int, logger *logrus.Logger) *Ledger {
	if key == "" {
		key = DefaultKey
	}
	if retries < 1 {
		retries = 1
	}
	return &Ledger{
		store:   store,
		key:     key,
		initial: models.NewBalance(initial),
		retries: retries,
		logger:  logger,
	}
}

// Balance reads the balance, creating it with the initial value on first use.
func (l *Ledger) Balance(ctx context.Context) (models.Balance, error) {
	balance, _, err := l.load(ctx)
	return balance, err
}

// Current reads the balance without writing. A missing balance reports the initial value.
func (l *Ledger) Current(ctx context.Context) (models.Balance, error) {
	entry, err := l.store.Get(ctx, l.key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return l.initial, nil
	}
	if err != nil {
		return models.Balance{}, fmt.Errorf("%w: balance: %v", models.ErrStoreRead, err)
	}
	return decode(entry)
}

// Debit removes amount from the balance. It returns models.ErrInsufficientFunds, leaving the
// balance untouched, when the stored balance cannot cover amount.
func (l *Ledger) Debit(ctx context.Context, amount decimal.Decimal) (models.Balance, error) {
	return l.apply(ctx, func(current decimal.Decimal) (decimal.Decimal, error) {
		if current.LessThan(amount) {
			return decimal.Zero, fmt.Errorf("%w: have %s, need %s", models.ErrInsufficientFunds, current, amount)
		}
		return current.Sub(amount), nil
	})
}

func (l *Ledger) Credit(ctx context.Context, amount decimal.Decimal) (models.Balance, error) {
	return l.apply(ctx, func(current decimal.Decimal) (decimal.Decimal, error) {
		return current.Add(amount), nil
	})
}

func (l *Ledger) apply(ctx context.Context, change func(decimal.Decimal) (decimal.Decimal, error)) (models.Balance, error) {
	for attempt := 1; attempt <= l.retries; attempt++ {
		current, revision, err := l.load(ctx)
		if err != nil {
			return models.Balance{}, err
		}

		next, err := change(current.Value)
		if err != nil {
			return current, err
		}
		updated := models.NewBalance(next)

		data, err := json.Marshal(updated)
		if err != nil {
			return models.Balance{}, fmt.Errorf("%w: encode balance: %v", models.ErrStoreWrite, err)
		}

		_, err = l.store.Update(ctx, l.key, data, revision)
		if errors.Is(err, kvstore.ErrRevisionMismatch) {
			metrics.StoreConflicts.WithLabelValues(l.key).Inc()
			l.logger.WithFields(logrus.Fields{
				"key":     l.key,
				"attempt": attempt,
			}).Warn("Balance changed concurrently, retrying")
			continue
		}
		if err != nil {
			return models.Balance{}, fmt.Errorf("%w: balance: %v", models.ErrStoreWrite, err)
		}
		return updated, nil
	}
	return models.Balance{}, fmt.Errorf("%w: balance after %d attempts", models.ErrConflict, l.retries)
}

func (l *Ledger) load(ctx context.Context) (models.Balance, uint64, error) {
	entry, err := l.store.Get(ctx, l.key)
	if errors.Is(err, kvstore.ErrNotFound) {
		data, encErr := json.Marshal(l.initial)
		if encErr != nil {
			return models.Balance{}, 0, fmt.Errorf("%w: encode balance: %v", models.ErrStoreWrite, encErr)
		}
		rev, createErr := l.store.Create(ctx, l.key, data)
		if createErr == nil {
			l.logger.WithField("balance", l.initial.Value.String()).Info("Initialized balance")
			return l.initial, rev, nil
		}
		if !errors.Is(createErr, kvstore.ErrExists) {
			return models.Balance{}, 0, fmt.Errorf("%w: initialize balance: %v", models.ErrStoreWrite, createErr)
		}
		entry, err = l.store.Get(ctx, l.key)
	}
	if err != nil {
		return models.Balance{}, 0, fmt.Errorf("%w: balance: %v", models.ErrStoreRead, err)
	}

	balance, err := decode(entry)
	if err != nil {
		return models.Balance{}, 0, err
	}
	return balance, entry.Revision, nil
}

func decode(entry kvstore.Entry) (models.Balance, error) {
	var balance models.Balance
	if err := json.Unmarshal(entry.Value, &balance); err != nil {
		return models.Balance{}, fmt.Errorf("%w: decode balance: %v", models.ErrStoreRead, err)
	}
	return balance, nil
}
