package position

import (
	"math/rand"
	"testing"

	"github.com/gregtusar/smacross/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fraction = decimal.RequireFromString("0.0005")

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestOpenAndCloseRoundTrip(t *testing.T) {
	m := NewMachine(fraction)
	balance := dec("1000")

	open := m.Decide(models.NewTradeState("bitcoin"), models.SignalBullishCross, dec("50000"), balance)
	require.Equal(t, ActionOpen, open.Action)
	assert.True(t, open.Next.Holding)
	assert.True(t, open.Next.EntryPrice.Equal(dec("25")))
	assert.True(t, open.Amount.Equal(dec("25")))
	balance = balance.Sub(open.Amount)
	assert.True(t, balance.Equal(dec("975")))

	closed := m.Decide(open.Next, models.SignalBearishCross, dec("60000"), balance)
	require.Equal(t, ActionClose, closed.Action)
	assert.False(t, closed.Next.Holding)
	assert.True(t, closed.Next.EntryPrice.IsZero())
	assert.True(t, closed.Amount.Equal(dec("30")))
	assert.True(t, closed.PnL.Equal(dec("5")))
	balance = balance.Add(closed.Amount)
	assert.True(t, balance.Equal(dec("1005")))
}

func TestOpenRejectedOnInsufficientBalance(t *testing.T) {
	m := NewMachine(fraction)
	state := models.NewTradeState("bitcoin")

	tr := m.Decide(state, models.SignalBullishCross, dec("50000"), dec("10"))

	assert.Equal(t, ActionNone, tr.Action)
	assert.Equal(t, ReasonInsufficientBalance, tr.Reason)
	assert.Equal(t, state, tr.Next)
	assert.True(t, tr.Amount.IsZero())
}

func TestOpenAllowedAtExactBalance(t *testing.T) {
	tr := NewMachine(fraction).Decide(models.NewTradeState("bitcoin"), models.SignalBullishCross, dec("50000"), dec("25"))

	assert.Equal(t, ActionOpen, tr.Action)
}

func TestNoTransition(t *testing.T) {
	holding := models.TradeState{Asset: "bitcoin", Holding: true, EntryPrice: dec("25")}
	flat := models.NewTradeState("bitcoin")

	tests := []struct {
		name   string
		state  models.TradeState
		signal models.Signal
		price  decimal.Decimal
		reason string
	}{
		{"bullish while holding", holding, models.SignalBullishCross, dec("50000"), ReasonAlreadyHolding},
		{"bearish while flat", flat, models.SignalBearishCross, dec("50000"), ReasonNotHolding},
		{"no signal while holding", holding, models.SignalNone, dec("50000"), ReasonNoSignal},
		{"no signal while flat", flat, models.SignalNone, dec("50000"), ReasonNoSignal},
		{"indeterminate", holding, models.SignalIndeterminate, dec("50000"), ReasonIndeterminate},
		{"missing price", holding, models.SignalBearishCross, decimal.Zero, ReasonMissingPrice},
	}

	m := NewMachine(fraction)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := m.Decide(tt.state, tt.signal, tt.price, dec("1000"))
			assert.False(t, tr.Changed())
			assert.Equal(t, tt.reason, tr.Reason)
			assert.Equal(t, tt.state, tr.Next)
		})
	}
}

func TestStateInvariantHoldsOverRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	signals := []models.Signal{
		models.SignalBullishCross,
		models.SignalBearishCross,
		models.SignalNone,
		models.SignalIndeterminate,
	}
	m := NewMachine(fraction)

	for run := 0; run < 50; run++ {
		state := models.NewTradeState("bitcoin")
		balance := decimal.NewFromInt(int64(rng.Intn(60)))
		for step := 0; step < 200; step++ {
			price := decimal.NewFromInt(int64(10000 + rng.Intn(90000)))
			tr := m.Decide(state, signals[rng.Intn(len(signals))], price, balance)

			switch tr.Action {
			case ActionOpen:
				require.False(t, balance.LessThan(m.Cost(price)), "opened without funds")
				balance = balance.Sub(tr.Amount)
			case ActionClose:
				balance = balance.Add(tr.Amount)
			}
			state = tr.Next
			require.NoError(t, state.Validate())
			require.False(t, balance.IsNegative())
		}
	}
}
