package models

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

type Signal string

const (
	SignalBullishCross  Signal = "bullish_cross"
	SignalBearishCross  Signal = "bearish_cross"
	SignalNone          Signal = "no_signal"
	SignalIndeterminate Signal = "indeterminate"
)

// TradeState is the persisted position of one asset. EntryPrice is the cash cost paid on open,
// not a unit price.
type TradeState struct {
	Asset      string
	Holding    bool
	EntryPrice decimal.Decimal
}

type tradeStateJSON struct {
	Holding    bool        `json:"holding"`
	EntryPrice json.Number `json:"entry_price"`
}

func NewTradeState(asset string) TradeState {
	return TradeState{Asset: asset, EntryPrice: decimal.Zero}
}

// Validate checks the holding/entry price invariant.
func (s TradeState) Validate() error {
	if s.Holding && !s.EntryPrice.IsPositive() {
		return fmt.Errorf("trade state %s: holding with non-positive entry price %s", s.Asset, s.EntryPrice)
	}
	if !s.Holding && !s.EntryPrice.IsZero() {
		return fmt.Errorf("trade state %s: not holding but entry price is %s", s.Asset, s.EntryPrice)
	}
	return nil
}

func (s TradeState) MarshalJSON() ([]byte, error) {
	return json.Marshal(tradeStateJSON{
		Holding:    s.Holding,
		EntryPrice: json.Number(s.EntryPrice.String()),
	})
}

func (s *TradeState) UnmarshalJSON(data []byte) error {
	var raw tradeStateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	entry := decimal.Zero
	if raw.EntryPrice != "" {
		var err error
		entry, err = decimal.NewFromString(raw.EntryPrice.String())
		if err != nil {
			return fmt.Errorf("invalid entry_price %q: %w", raw.EntryPrice, err)
		}
	}
	s.Holding = raw.Holding
	s.EntryPrice = entry
	return nil
}

// Balance is the single cash pool shared by every asset. Values are kept at two decimal places.
type Balance struct {
	Value decimal.Decimal
}

type balanceJSON struct {
	Balance json.Number `json:"balance"`
}

func NewBalance(value decimal.Decimal) Balance {
	return Balance{Value: value.Round(2)}
}

func (b Balance) MarshalJSON() ([]byte, error) {
	return json.Marshal(balanceJSON{Balance: json.Number(b.Value.Round(2).String())})
}

func (b *Balance) UnmarshalJSON(data []byte) error {
	var raw balanceJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Balance == "" {
		return fmt.Errorf("balance missing")
	}
	value, err := decimal.NewFromString(raw.Balance.String())
	if err != nil {
		return fmt.Errorf("invalid balance %q: %w", raw.Balance, err)
	}
	b.Value = value.Round(2)
	return nil
}
