package trader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/gregtusar/smacross/pkg/kvstore"
	"github.com/gregtusar/smacross/pkg/ledger"
	"github.com/gregtusar/smacross/pkg/models"
	"github.com/gregtusar/smacross/pkg/position"
	"github.com/gregtusar/smacross/pkg/timeseries"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type harness struct {
	t       *testing.T
	series  *timeseries.MemoryStore
	kv      kvstore.Store
	ledger  *ledger.Ledger
	journal *bytes.Buffer
	coord   *Coordinator
	now     time.Time
}

func newHarness(t *testing.T, kv kvstore.Store, series timeseries.Store, initial string, assets ...string) *harness {
	t.Helper()
	if kv == nil {
		kv = kvstore.NewMemoryStore()
	}
	mem := timeseries.NewMemoryStore()
	if series == nil {
		series = mem
	}
	h := &harness{t: t, series: mem, kv: kv, journal: &bytes.Buffer{}, now: base}
	h.ledger = ledger.New(kv, "", dec(initial), 5, quietLogger())
	h.coord = NewCoordinator(series, NewStateRepository(kv), h.ledger, NewJournal(h.journal), Options{
		Assets:          assets,
		Short:           models.Window{Label: models.WindowShort, Size: 3, Measure: "sma_short"},
		Long:            models.Window{Label: models.WindowLong, Size: 6, Measure: "sma_long"},
		PriceMeasure:    "price",
		TradeFraction:   dec("0.0005"),
		AverageLookback: 40 * time.Minute,
		PriceLookback:   5 * time.Minute,
		AssetTimeout:    time.Second,
	}, quietLogger())
	h.coord.now = func() time.Time { return h.now }
	return h
}

func (h *harness) write(asset, measure string, minute int, value string) {
	h.t.Helper()
	ts := base.Add(time.Duration(minute) * time.Minute)
	res, err := h.series.Write(context.Background(), []timeseries.Record{{
		Time:    ts,
		Asset:   asset,
		Measure: measure,
		Value:   dec(value),
		Version: ts.Unix(),
	}})
	require.NoError(h.t, err)
	require.NoError(h.t, res.Err())
}

// tick writes one short average, one long average and the price at minute.
func (h *harness) tick(asset string, minute int, short, long, price string) {
	h.write(asset, "sma_short", minute, short)
	h.write(asset, "sma_long", minute, long)
	if price != "" {
		h.write(asset, "price", minute, price)
	}
	h.now = base.Add(time.Duration(minute)*time.Minute + 10*time.Second)
}

func (h *harness) state(asset string) models.TradeState {
	h.t.Helper()
	state, err := NewStateRepository(h.kv).Load(context.Background(), asset)
	require.NoError(h.t, err)
	return state
}

func (h *harness) balance() string {
	h.t.Helper()
	b, err := h.ledger.Current(context.Background())
	require.NoError(h.t, err)
	return b.Value.String()
}

func assertFlat(t *testing.T, state models.TradeState) {
	t.Helper()
	assert.False(t, state.Holding)
	assert.True(t, state.EntryPrice.IsZero(), "entry price %s", state.EntryPrice)
}

func (h *harness) journalEntries() []JournalEntry {
	h.t.Helper()
	var entries []JournalEntry
	scanner := bufio.NewScanner(strings.NewReader(h.journal.String()))
	for scanner.Scan() {
		var e JournalEntry
		require.NoError(h.t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	return entries
}

func TestOpenThenCloseAcrossCycles(t *testing.T) {
	h := newHarness(t, nil, nil, "1000", "bitcoin")
	ctx := context.Background()

	h.tick("bitcoin", 0, "9", "10", "49000")
	h.tick("bitcoin", 1, "11", "10", "50000")

	report, err := h.coord.RunCycle(ctx)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	open := report.Outcomes[0]
	assert.Equal(t, models.SignalBullishCross, open.Signal)
	assert.Equal(t, position.ActionOpen, open.Action)
	assert.Equal(t, "25", open.Amount.String())
	assert.Equal(t, "975", h.balance())
	assert.Equal(t, "975", report.Balance.Value.String())
	state := h.state("bitcoin")
	assert.True(t, state.Holding)
	assert.Equal(t, "25", state.EntryPrice.String())

	h.tick("bitcoin", 2, "9", "10", "60000")

	report, err = h.coord.RunCycle(ctx)
	require.NoError(t, err)
	closed := report.Outcomes[0]
	assert.Equal(t, models.SignalBearishCross, closed.Signal)
	assert.Equal(t, position.ActionClose, closed.Action)
	assert.Equal(t, "30", closed.Amount.String())
	assert.Equal(t, "5", closed.PnL.String())
	assert.Equal(t, "1005", h.balance())
	assertFlat(t, h.state("bitcoin"))

	entries := h.journalEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, report.ID, entries[1].CycleID)
	assert.Equal(t, "close", entries[1].Action)
	assert.Equal(t, "5", entries[1].PnL)
	assert.Equal(t, "1005", entries[1].Balance)
	assert.NotEqual(t, entries[0].CycleID, entries[1].CycleID)
}

func TestInsufficientBalanceDropsSignal(t *testing.T) {
	h := newHarness(t, nil, nil, "10", "bitcoin")

	h.tick("bitcoin", 0, "9", "10", "49000")
	h.tick("bitcoin", 1, "11", "10", "50000")

	report, err := h.coord.RunCycle(context.Background())
	require.NoError(t, err)
	out := report.Outcomes[0]
	assert.Equal(t, models.SignalBullishCross, out.Signal)
	assert.Equal(t, position.ActionNone, out.Action)
	assert.Equal(t, position.ReasonInsufficientBalance, out.Reason)
	assert.Equal(t, "10", h.balance())
	assert.False(t, h.state("bitcoin").Holding)
}

func TestSingleShortRecordIsIndeterminate(t *testing.T) {
	h := newHarness(t, nil, nil, "1000", "bitcoin")

	h.write("bitcoin", "sma_long", 0, "10")
	h.tick("bitcoin", 1, "11", "10", "50000")

	report, err := h.coord.RunCycle(context.Background())
	require.NoError(t, err)
	out := report.Outcomes[0]
	assert.Equal(t, models.SignalIndeterminate, out.Signal)
	assert.Equal(t, position.ActionNone, out.Action)
	assert.Equal(t, "1000", h.balance())
	assertFlat(t, h.state("bitcoin"))
}

func TestMissingPriceSkipsAsset(t *testing.T) {
	h := newHarness(t, nil, nil, "1000", "bitcoin")

	h.tick("bitcoin", 0, "9", "10", "")
	h.tick("bitcoin", 1, "11", "10", "")

	report, err := h.coord.RunCycle(context.Background())
	require.NoError(t, err)
	out := report.Outcomes[0]
	assert.Equal(t, models.SignalBullishCross, out.Signal)
	assert.Equal(t, position.ReasonMissingPrice, out.Reason)
	assert.Equal(t, "1000", h.balance())
}

func TestAssetsShareBalanceInConfiguredOrder(t *testing.T) {
	h := newHarness(t, nil, nil, "30", "bitcoin", "ethereum")

	for _, asset := range []string{"bitcoin", "ethereum"} {
		h.tick(asset, 0, "9", "10", "49000")
		h.tick(asset, 1, "11", "10", "50000")
	}

	report, err := h.coord.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 2)
	assert.Equal(t, position.ActionOpen, report.Outcomes[0].Action)
	assert.Equal(t, position.ActionNone, report.Outcomes[1].Action)
	assert.Equal(t, position.ReasonInsufficientBalance, report.Outcomes[1].Reason)
	assert.Equal(t, "5", h.balance())
}

// flakyKV fails reads of one key and can lose writes of another to a concurrent writer.
type flakyKV struct {
	*kvstore.MemoryStore
	failGet      string
	conflictOn   string
	conflictLeft int
}

func (f *flakyKV) Get(ctx context.Context, key string) (kvstore.Entry, error) {
	if key == f.failGet {
		return kvstore.Entry{}, errors.New("read timeout")
	}
	return f.MemoryStore.Get(ctx, key)
}

func (f *flakyKV) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if key == f.conflictOn && f.conflictLeft > 0 {
		f.conflictLeft--
		return 0, kvstore.ErrRevisionMismatch
	}
	return f.MemoryStore.Update(ctx, key, value, revision)
}

func TestFailureIsIsolatedPerAsset(t *testing.T) {
	kv := &flakyKV{MemoryStore: kvstore.NewMemoryStore(), failGet: StateKey("bitcoin")}
	h := newHarness(t, kv, nil, "1000", "bitcoin", "ethereum")

	for _, asset := range []string{"bitcoin", "ethereum"} {
		h.tick(asset, 0, "9", "10", "49000")
		h.tick(asset, 1, "11", "10", "50000")
	}

	report, err := h.coord.RunCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrStoreRead)
	assert.ErrorIs(t, report.Outcomes[0].Err, models.ErrStoreRead)
	assert.Equal(t, position.ActionOpen, report.Outcomes[1].Action)
	assert.Equal(t, "975", h.balance())
}

func TestStateConflictRefundsReservation(t *testing.T) {
	kv := &flakyKV{MemoryStore: kvstore.NewMemoryStore(), conflictOn: StateKey("bitcoin"), conflictLeft: 1}
	h := newHarness(t, kv, nil, "1000", "bitcoin")

	h.tick("bitcoin", 0, "9", "10", "49000")
	h.tick("bitcoin", 1, "11", "10", "50000")

	report, err := h.coord.RunCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, report.Outcomes[0].Err, models.ErrConflict)
	assert.Equal(t, position.ActionNone, report.Outcomes[0].Action)
	assert.Equal(t, "1000", h.balance())
	assert.False(t, h.state("bitcoin").Holding)

	// The next cycle sees the same crossover and succeeds.
	report, err = h.coord.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, position.ActionOpen, report.Outcomes[0].Action)
	assert.Equal(t, "975", h.balance())
}

func TestFailedCreditReopensPosition(t *testing.T) {
	kv := &flakyKV{MemoryStore: kvstore.NewMemoryStore()}
	h := newHarness(t, kv, nil, "1000", "bitcoin")
	ctx := context.Background()

	h.tick("bitcoin", 0, "9", "10", "49000")
	h.tick("bitcoin", 1, "11", "10", "50000")
	_, err := h.coord.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, "975", h.balance())

	kv.conflictOn = ledger.DefaultKey
	kv.conflictLeft = 5
	h.tick("bitcoin", 2, "9", "10", "60000")

	report, err := h.coord.RunCycle(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, report.Outcomes[0].Err, models.ErrConflict)
	assert.Equal(t, position.ActionNone, report.Outcomes[0].Action)
	assert.Equal(t, "975", h.balance())
	state := h.state("bitcoin")
	assert.True(t, state.Holding)
	assert.Equal(t, "25", state.EntryPrice.String())

	// The crossover is still the newest pair, so the next cycle closes it.
	report, err = h.coord.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, position.ActionClose, report.Outcomes[0].Action)
	assert.Equal(t, "5", report.Outcomes[0].PnL.String())
	assert.Equal(t, "1005", h.balance())
	assertFlat(t, h.state("bitcoin"))
}

func TestCancelledCycleStillJournalsEveryAsset(t *testing.T) {
	h := newHarness(t, nil, nil, "1000", "bitcoin", "ethereum")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.coord.RunCycle(ctx)
	require.Error(t, err)
	require.Len(t, report.Outcomes, 2)

	entries := h.journalEntries()
	require.Len(t, entries, 2)
	for i, e := range entries {
		assert.Equal(t, report.Outcomes[i].Asset, e.Asset)
		assert.Contains(t, e.Error, "canceled")
	}
}

type failingSeries struct {
	*timeseries.MemoryStore
	panicFor string
}

func (f failingSeries) Latest(ctx context.Context, q timeseries.Query) ([]timeseries.Record, error) {
	if q.Asset == f.panicFor {
		panic("corrupt index")
	}
	return nil, errors.New("query timed out")
}

func TestQueryFailureAndPanicAreContained(t *testing.T) {
	series := failingSeries{MemoryStore: timeseries.NewMemoryStore(), panicFor: "bitcoin"}
	h := newHarness(t, nil, series, "1000", "bitcoin", "ethereum")

	report, err := h.coord.RunCycle(context.Background())
	require.Error(t, err)
	require.Len(t, report.Outcomes, 2)
	assert.Contains(t, report.Outcomes[0].Err.Error(), "panicked")
	assert.ErrorIs(t, report.Outcomes[1].Err, models.ErrQuery)
	for _, out := range report.Outcomes {
		assert.Equal(t, position.ActionNone, out.Action)
	}
	assert.Equal(t, "1000", h.balance())
}

func TestRunCycleRejectsOverlap(t *testing.T) {
	h := newHarness(t, nil, nil, "1000", "bitcoin")

	h.coord.running.Lock()
	_, err := h.coord.RunCycle(context.Background())
	h.coord.running.Unlock()

	assert.ErrorIs(t, err, ErrCycleRunning)
}

func TestReportIsReadOnly(t *testing.T) {
	h := newHarness(t, nil, nil, "1000", "bitcoin")
	ctx := context.Background()

	report, err := h.coord.Report(ctx, "bitcoin")
	require.NoError(t, err)
	data, err := json.Marshal(report)
	require.NoError(t, err)
	assert.JSONEq(t, `{"balance":{"balance":1000},"trade_state":{"holding":false,"entry_price":0}}`, string(data))

	_, err = h.kv.Get(ctx, StateKey("bitcoin"))
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
	_, err = h.kv.Get(ctx, ledger.DefaultKey)
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestReportSurfacesReadErrors(t *testing.T) {
	kv := &flakyKV{MemoryStore: kvstore.NewMemoryStore(), failGet: ledger.DefaultKey}
	h := newHarness(t, kv, nil, "1000", "bitcoin")

	_, err := h.coord.Report(context.Background(), "bitcoin")
	assert.ErrorIs(t, err, models.ErrStoreRead)
}
