package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/smacross/pkg/ledger"
	"github.com/gregtusar/smacross/pkg/metrics"
	"github.com/gregtusar/smacross/pkg/models"
	"github.com/gregtusar/smacross/pkg/position"
	"github.com/gregtusar/smacross/pkg/signal"
	"github.com/gregtusar/smacross/pkg/timeseries"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var ErrCycleRunning = errors.New("a cycle is already running")

type Options struct {
	Assets        []string
	Short         models.Window
	Long          models.Window
	PriceMeasure  string
	TradeFraction decimal.Decimal
	// AverageLookback bounds the query for the latest averages of each window.
	AverageLookback time.Duration
	// PriceLookback bounds how stale the price paired with the newest average may be.
	PriceLookback time.Duration
	AssetTimeout  time.Duration
}

// Coordinator runs evaluation cycles over the configured assets in order.
type Coordinator struct {
	series  timeseries.Store
	states  *StateRepository
	ledger  *ledger.Ledger
	machine position.Machine
	journal Journal
	opts    Options
	logger  *logrus.Logger
	now     func() time.Time
	running sync.Mutex
}

// Outcome is what happened to one asset during a cycle.
type Outcome struct {
	Asset   string
	Signal  models.Signal
	Price   decimal.Decimal
	Action  position.Action
	Reason  string
	Amount  decimal.Decimal
	PnL     decimal.Decimal
	Balance decimal.Decimal
	State   models.TradeState
	Err     error
}

type CycleReport struct {
	ID       string
	Started  time.Time
	Duration time.Duration
	Outcomes []Outcome
	Balance  models.Balance
}

// Err joins the errors of every failed asset.
func (r CycleReport) Err() error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.Asset, o.Err))
		}
	}
	return errors.Join(errs...)
}

// Report is the read-only view served to operators.
type Report struct {
	Balance    models.Balance    `json:"balance"`
	TradeState models.TradeState `json:"trade_state"`
}

func NewCoordinator(series timeseries.Store, states *StateRepository, l *ledger.Ledger, journal Journal, opts Options, logger *logrus.Logger) *Coordinator {
	if journal == nil {
		journal = nopJournal{}
	}
	return &Coordinator{
		series:  series,
		states:  states,
		ledger:  l,
		machine: position.NewMachine(opts.TradeFraction),
		journal: journal,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

// RunCycle evaluates every asset once. Failures are isolated per asset and collected in the
// report; the returned error joins them.
func (c *Coordinator) RunCycle(ctx context.Context) (CycleReport, error) {
	if !c.running.TryLock() {
		return CycleReport{}, ErrCycleRunning
	}
	defer c.running.Unlock()

	report := CycleReport{ID: uuid.NewString(), Started: c.now()}
	log := c.logger.WithField("cycle_id", report.ID)
	log.WithField("assets", len(c.opts.Assets)).Info("Starting cycle")

	for _, asset := range c.opts.Assets {
		if err := ctx.Err(); err != nil {
			outcome := Outcome{Asset: asset, Signal: models.SignalIndeterminate, Action: position.ActionNone, Err: err}
			report.Outcomes = append(report.Outcomes, outcome)
			c.record(report.ID, outcome)
			continue
		}
		outcome := c.evaluate(ctx, asset)
		report.Outcomes = append(report.Outcomes, outcome)
		c.record(report.ID, outcome)
	}

	balance, err := c.ledger.Current(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to read balance after cycle")
	} else {
		report.Balance = balance
		metrics.Balance.Set(balance.Value.InexactFloat64())
	}

	report.Duration = time.Since(report.Started)
	metrics.CycleDuration.Observe(report.Duration.Seconds())

	cycleErr := report.Err()
	if cycleErr != nil {
		metrics.Cycles.WithLabelValues("partial").Inc()
		log.WithError(cycleErr).Error("Cycle finished with failures")
	} else {
		metrics.Cycles.WithLabelValues("ok").Inc()
		log.WithFields(logrus.Fields{
			"balance":  report.Balance.Value.String(),
			"duration": report.Duration,
		}).Info("Cycle finished")
	}
	return report, cycleErr
}

func (c *Coordinator) evaluate(parent context.Context, asset string) (out Outcome) {
	ctx, cancel := context.WithTimeout(parent, c.opts.AssetTimeout)
	defer cancel()

	log := c.logger.WithField("asset", asset)
	out = Outcome{Asset: asset, Signal: models.SignalIndeterminate, Action: position.ActionNone}

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Recovered while evaluating asset")
			out.Action = position.ActionNone
			out.Err = fmt.Errorf("evaluation panicked: %v", r)
		}
	}()

	state, revision, err := c.states.Ensure(ctx, asset)
	if err != nil {
		log.WithError(err).Error("Failed to load trade state")
		out.Err = err
		return out
	}
	out.State = state

	balance, err := c.ledger.Balance(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to load balance")
		out.Err = err
		return out
	}
	out.Balance = balance.Value

	records, err := c.latestAverages(ctx, asset)
	if err != nil {
		log.WithError(err).Error("Failed to query moving averages")
		out.Err = err
		return out
	}

	out.Signal = signal.Detect(records, c.opts.Short.Label, c.opts.Long.Label)
	metrics.Signals.WithLabelValues(asset, string(out.Signal)).Inc()
	log = log.WithField("signal", out.Signal)
	if out.Signal == models.SignalIndeterminate {
		out.Reason = position.ReasonIndeterminate
		log.WithError(models.ErrInsufficientData).Debug("Skipping asset")
		return out
	}

	price, err := c.currentPrice(ctx, asset, records)
	if err != nil {
		log.WithError(err).Error("Failed to resolve current price")
		out.Err = err
		return out
	}
	out.Price = price

	tr := c.machine.Decide(state, out.Signal, price, balance.Value)
	out.Reason = tr.Reason
	if !tr.Changed() {
		log.WithField("reason", tr.Reason).Debug("No transition")
		return out
	}

	updated, err := c.apply(ctx, state, revision, tr)
	if err != nil {
		if errors.Is(err, models.ErrInsufficientFunds) {
			out.Reason = position.ReasonInsufficientBalance
			log.WithError(err).Info("Dropping signal")
			return out
		}
		log.WithError(err).Error("Failed to apply transition")
		out.Err = err
		return out
	}

	out.Action = tr.Action
	out.Amount = tr.Amount
	out.PnL = tr.PnL
	out.State = tr.Next
	out.Balance = updated.Value
	metrics.Transitions.WithLabelValues(asset, string(tr.Action)).Inc()

	fields := logrus.Fields{"action": tr.Action, "price": price.String(), "amount": tr.Amount.String()}
	if tr.Action == position.ActionClose {
		fields["pnl"] = tr.PnL.String()
	}
	log.WithFields(fields).Info("Position changed")
	return out
}

// apply persists a transition. Opening reserves cash before claiming the state and gives it back
// if the claim fails. Closing claims the state before crediting so proceeds are paid once, and
// reopens the position if the credit fails.
func (c *Coordinator) apply(ctx context.Context, state models.TradeState, revision uint64, tr position.Transition) (models.Balance, error) {
	switch tr.Action {
	case position.ActionOpen:
		balance, err := c.ledger.Debit(ctx, tr.Amount)
		if err != nil {
			return models.Balance{}, err
		}
		if _, err := c.states.Save(ctx, tr.Next, revision); err != nil {
			c.refund(ctx, state.Asset, tr.Amount)
			return models.Balance{}, err
		}
		return balance, nil

	case position.ActionClose:
		closedRev, err := c.states.Save(ctx, tr.Next, revision)
		if err != nil {
			return models.Balance{}, err
		}
		balance, err := c.ledger.Credit(ctx, tr.Amount)
		if err != nil {
			c.reopen(ctx, state, closedRev)
			return models.Balance{}, fmt.Errorf("proceeds not credited: %w", err)
		}
		return balance, nil
	}
	return models.Balance{}, fmt.Errorf("unknown action %q", tr.Action)
}

func (c *Coordinator) refund(ctx context.Context, asset string, amount decimal.Decimal) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.AssetTimeout)
	defer cancel()

	log := c.logger.WithFields(logrus.Fields{"asset": asset, "amount": amount.String()})
	if _, err := c.ledger.Credit(ctx, amount); err != nil {
		log.WithError(err).Error("Failed to refund reserved balance")
		return
	}
	log.Warn("Refunded reserved balance after failed state write")
}

// reopen restores the position closed at revision after its proceeds could not be credited.
func (c *Coordinator) reopen(ctx context.Context, state models.TradeState, revision uint64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.AssetTimeout)
	defer cancel()

	log := c.logger.WithFields(logrus.Fields{"asset": state.Asset, "entry_price": state.EntryPrice.String()})
	if _, err := c.states.Save(ctx, state, revision); err != nil {
		log.WithError(err).Error("Failed to reopen position after failed credit; proceeds are lost")
		return
	}
	log.Warn("Reopened position after failed credit")
}

func (c *Coordinator) latestAverages(ctx context.Context, asset string) ([]models.AverageRecord, error) {
	now := c.now()
	var out []models.AverageRecord
	for _, w := range []models.Window{c.opts.Short, c.opts.Long} {
		records, err := c.series.Latest(ctx, timeseries.Query{
			Asset:   asset,
			Measure: w.Measure,
			Since:   now.Add(-c.opts.AverageLookback),
			Until:   now,
			Limit:   2,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", models.ErrQuery, w.Measure, err)
		}
		for _, rec := range records {
			out = append(out, models.AverageRecord{
				Timestamp: rec.Time,
				Asset:     asset,
				Window:    w.Label,
				Value:     rec.Value,
				Version:   rec.Version,
			})
		}
	}
	return out, nil
}

// currentPrice is the newest raw price at or before the newest average. A zero result means no
// usable price.
func (c *Coordinator) currentPrice(ctx context.Context, asset string, records []models.AverageRecord) (decimal.Decimal, error) {
	var newest time.Time
	for _, rec := range records {
		if rec.Timestamp.After(newest) {
			newest = rec.Timestamp
		}
	}

	prices, err := c.series.Latest(ctx, timeseries.Query{
		Asset:   asset,
		Measure: c.opts.PriceMeasure,
		Since:   newest.Add(-c.opts.PriceLookback),
		Until:   newest,
		Limit:   1,
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", models.ErrQuery, c.opts.PriceMeasure, err)
	}
	if len(prices) == 0 {
		return decimal.Zero, nil
	}
	return prices[0].Value, nil
}

func (c *Coordinator) record(cycleID string, o Outcome) {
	entry := JournalEntry{
		CycleID: cycleID,
		Time:    c.now().UTC(),
		Asset:   o.Asset,
		Signal:  string(o.Signal),
		Action:  string(o.Action),
		Reason:  o.Reason,
		Holding: o.State.Holding,
	}
	if o.Price.IsPositive() {
		entry.Price = o.Price.String()
	}
	if o.Action != position.ActionNone {
		entry.Amount = o.Amount.String()
	}
	if o.Action == position.ActionClose {
		entry.PnL = o.PnL.String()
	}
	if o.Err != nil {
		entry.Error = o.Err.Error()
	} else {
		entry.Balance = o.Balance.String()
	}
	if err := c.journal.Record(entry); err != nil {
		c.logger.WithError(err).WithField("asset", o.Asset).Warn("Failed to write decision journal")
	}
}

// Report reads the balance and one asset's state without creating either.
func (c *Coordinator) Report(ctx context.Context, asset string) (Report, error) {
	balance, err := c.ledger.Current(ctx)
	if err != nil {
		return Report{}, err
	}
	state, err := c.states.Load(ctx, asset)
	if err != nil {
		return Report{}, err
	}
	return Report{Balance: balance, TradeState: state}, nil
}

func (c *Coordinator) Assets() []string {
	return c.opts.Assets
}
