package position

import (
	"github.com/gregtusar/smacross/pkg/models"
	"github.com/shopspring/decimal"
)

type Action string

const (
	ActionOpen  Action = "open"
	ActionClose Action = "close"
	ActionNone  Action = "none"
)

// Reasons a signal did not move the position.
const (
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonNoSignal            = "no_signal"
	ReasonAlreadyHolding      = "already_holding"
	ReasonNotHolding          = "not_holding"
	ReasonIndeterminate       = "indeterminate"
	ReasonMissingPrice        = "missing_price"
)

// Transition is the outcome of one decision. Amount is the cash debited on open or credited on
// close; PnL is only set on close.
type Transition struct {
	Action Action
	Next   models.TradeState
	Amount decimal.Decimal
	PnL    decimal.Decimal
	Reason string
}

func (t Transition) Changed() bool {
	return t.Action != ActionNone
}

// Machine decides position changes. Every trade is sized at Fraction units of the asset, so the
// cash moved scales with price.
type Machine struct {
	Fraction decimal.Decimal
}

func NewMachine(fraction decimal.Decimal) Machine {
	return Machine{Fraction: fraction}
}

// Cost is the cash value of one trade at price.
func (m Machine) Cost(price decimal.Decimal) decimal.Decimal {
	return price.Mul(m.Fraction)
}

// Decide is pure: it never touches storage and leaves state untouched unless it returns an
// open or close transition.
func (m Machine) Decide(state models.TradeState, sig models.Signal, price, balance decimal.Decimal) Transition {
	stay := func(reason string) Transition {
		return Transition{Action: ActionNone, Next: state, Amount: decimal.Zero, PnL: decimal.Zero, Reason: reason}
	}

	if sig == models.SignalIndeterminate {
		return stay(ReasonIndeterminate)
	}
	if !price.IsPositive() {
		return stay(ReasonMissingPrice)
	}

	switch sig {
	case models.SignalBullishCross:
		if state.Holding {
			return stay(ReasonAlreadyHolding)
		}
		cost := m.Cost(price)
		if balance.LessThan(cost) {
			return stay(ReasonInsufficientBalance)
		}
		return Transition{
			Action: ActionOpen,
			Next:   models.TradeState{Asset: state.Asset, Holding: true, EntryPrice: cost},
			Amount: cost,
			PnL:    decimal.Zero,
		}

	case models.SignalBearishCross:
		if !state.Holding {
			return stay(ReasonNotHolding)
		}
		proceeds := m.Cost(price)
		return Transition{
			Action: ActionClose,
			Next:   models.NewTradeState(state.Asset),
			Amount: proceeds,
			PnL:    proceeds.Sub(state.EntryPrice),
		}
	}

	return stay(ReasonNoSignal)
}
