package signal

import (
	"sort"

	"github.com/gregtusar/smacross/pkg/models"
	"github.com/shopspring/decimal"
)

// Pair is the two most recent values of one window in chronological order.
type Pair struct {
	Prev decimal.Decimal
	Curr decimal.Decimal
}

// Latest picks the two newest records for label out of records, which may arrive in any order.
// ok is false when fewer than two records carry the label.
func Latest(records []models.AverageRecord, label string) (pair Pair, ok bool) {
	matching := make([]models.AverageRecord, 0, 2)
	for _, rec := range records {
		if rec.Window == label {
			matching = append(matching, rec)
		}
	}
	if len(matching) < 2 {
		return Pair{}, false
	}

	sort.SliceStable(matching, func(i, j int) bool {
		if matching[i].Timestamp.Equal(matching[j].Timestamp) {
			return matching[i].Version > matching[j].Version
		}
		return matching[i].Timestamp.After(matching[j].Timestamp)
	})
	return Pair{Prev: matching[1].Value, Curr: matching[0].Value}, true
}

// Classify compares consecutive short and long averages. Equal values never cross.
func Classify(short, long Pair) models.Signal {
	switch {
	case short.Prev.LessThan(long.Prev) && short.Curr.GreaterThan(long.Curr):
		return models.SignalBullishCross
	case short.Prev.GreaterThan(long.Prev) && short.Curr.LessThan(long.Curr):
		return models.SignalBearishCross
	default:
		return models.SignalNone
	}
}

// Detect classifies the crossover described by the newest two short and two long records.
func Detect(records []models.AverageRecord, shortLabel, longLabel string) models.Signal {
	short, ok := Latest(records, shortLabel)
	if !ok {
		return models.SignalIndeterminate
	}
	long, ok := Latest(records, longLabel)
	if !ok {
		return models.SignalIndeterminate
	}
	return Classify(short, long)
}
