package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PricePoint is a single raw price sample for an asset.
type PricePoint struct {
	Timestamp time.Time
	Asset     string
	Price     decimal.Decimal
}

// Window describes one moving-average window and the measure its values are stored under.
type Window struct {
	Label   string
	Size    int
	Measure string
}

const (
	WindowShort = "short"
	WindowLong  = "long"
)

type AverageRecord struct {
	Timestamp time.Time
	Asset     string
	Window    string
	Value     decimal.Decimal
	Version   int64
}
