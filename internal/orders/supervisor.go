package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/scranton_condor/internal/broker"
	"github.com/eddiefleurent/scranton_condor/internal/metrics"
	"github.com/eddiefleurent/scranton_condor/internal/models"
	"github.com/eddiefleurent/scranton_condor/internal/storage"
	"github.com/eddiefleurent/scranton_condor/internal/util"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// EntryExecutor fills the entry order. *Executor implements it.
type EntryExecutor interface {
	Execute(ctx context.Context, contract models.Contract, side models.Side, quantity int, increment decimal.Decimal) (*models.FillResult, error)
}

// ExitPlacer places the resting exit orders. *retry.Client implements it.
type ExitPlacer interface {
	PlaceWithRetry(ctx context.Context, req models.OrderRequest) (*models.OrderState, error)
}

// SupervisorConfig holds the supervisor's intervals.
type SupervisorConfig struct {
	Now              func() time.Time
	RetryInterval    time.Duration // cool-down between entry attempts
	ExitPollInterval time.Duration
	CallTimeout      time.Duration
	ShutdownTimeout  time.Duration // budget for cancelling exits on shutdown
}

// DefaultSupervisorConfig is used for unset fields.
var DefaultSupervisorConfig = SupervisorConfig{
	Now:              time.Now,
	RetryInterval:    5 * time.Minute,
	ExitPollInterval: 5 * time.Second,
	CallTimeout:      5 * time.Second,
	ShutdownTimeout:  30 * time.Second,
}

// Plan is everything the supervisor needs to trade one condor.
type Plan struct {
	Position     *models.Position
	Combo        models.Contract
	Increment    decimal.Decimal
	ProfitTarget decimal.Decimal // fraction of the entry credit
	StopLoss     decimal.Decimal // fraction of the entry credit
	WindowEnd    time.Time
}

// ExitPrices returns the profit and stop prices for a credit entry, each
// rounded to increment.
func ExitPrices(entry, profitTarget, stopLoss, increment decimal.Decimal) (profit, stop decimal.Decimal) {
	one := decimal.NewFromInt(1)
	profit = util.RoundToTick(entry.Mul(one.Sub(profitTarget)), increment)
	stop = util.RoundToTick(entry.Mul(one.Add(stopLoss)), increment)
	return profit, stop
}

// Supervisor runs a position from its first entry attempt to its journal
// row.
type Supervisor struct {
	broker   broker.Broker
	entry    EntryExecutor
	exits    ExitPlacer
	recorder storage.Recorder
	logger   *logrus.Entry
	config   SupervisorConfig

	// OnTransition, when set, is called after every state change.
	OnTransition func(pos *models.Position, from, to models.PositionState)
}

// NewSupervisor creates a supervisor.
func NewSupervisor(
	b broker.Broker,
	entry EntryExecutor,
	exits ExitPlacer,
	recorder storage.Recorder,
	logger *logrus.Entry,
	config ...SupervisorConfig,
) *Supervisor {
	if b == nil || entry == nil || exits == nil || recorder == nil {
		panic("orders.NewSupervisor: broker, entry, exits and recorder must not be nil")
	}
	cfg := DefaultSupervisorConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.Now == nil {
		cfg.Now = DefaultSupervisorConfig.Now
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultSupervisorConfig.RetryInterval
	}
	if cfg.ExitPollInterval <= 0 {
		cfg.ExitPollInterval = DefaultSupervisorConfig.ExitPollInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultSupervisorConfig.CallTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultSupervisorConfig.ShutdownTimeout
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Supervisor{broker: b, entry: entry, exits: exits, recorder: recorder, logger: logger, config: cfg}
}

// Run trades plan.Position and appends exactly one record for it. The
// returned error is non-nil only when the record could not be written.
func (s *Supervisor) Run(ctx context.Context, plan Plan) (*models.TradeRecord, error) {
	pos := plan.Position
	log := s.logger.WithField("position", pos.ID)

	var rec models.TradeRecord
	fill, err := s.awaitEntry(ctx, log, plan)
	if fill == nil {
		cond := models.ConditionWindowClosed
		switch {
		case errors.Is(err, models.ErrCancelUnconfirmed):
			cond = models.ConditionCancelUnconfirmed
		case ctx.Err() != nil:
			cond = models.ConditionShutdown
		}
		s.transition(log, pos, models.StateAbandoned, cond)
		rec = pos.NoFillRecord(s.config.Now())
	} else {
		pos.EntryPrice = fill.Price
		pos.Quantity = fill.Quantity
		pos.EntryOrderID = fill.OrderID
		s.transition(log, pos, models.StateOpen, models.ConditionEntryFilled)
		log.WithFields(logrus.Fields{
			"entry": fill.Price.String(), "qty": fill.Quantity, "credit": pos.Credit().StringFixed(2),
		}).Info("Entry filled")
		rec = s.manageExits(ctx, log, plan)
	}

	return s.record(ctx, log, rec)
}

// awaitEntry sells the combo until it fills or the window closes. A nil
// fill means no entry. An entry order that could not be pulled stops the
// loop and is returned as the error.
func (s *Supervisor) awaitEntry(ctx context.Context, log *logrus.Entry, plan Plan) (*models.FillResult, error) {
	pos := plan.Position
	for {
		if ctx.Err() != nil {
			return nil, nil
		}
		if !s.config.Now().Before(plan.WindowEnd) {
			log.WithField("window_end", plan.WindowEnd.Format(time.Kitchen)).Info("Trading window closed without an entry fill")
			return nil, nil
		}

		pos.EntryAttempts++
		alog := log.WithField("entry_attempt", pos.EntryAttempts)
		alog.Info("Entry attempt")
		fill, err := s.entry.Execute(ctx, plan.Combo, models.SideSell, pos.Quantity, plan.Increment)
		if fill != nil {
			return fill, nil
		}
		if errors.Is(err, models.ErrCancelUnconfirmed) {
			alog.WithError(err).Error("Entry order left at the venue, not re-entering")
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, nil
		}
		alog.WithError(err).Warn("Entry attempt failed")

		if err := s.coolDown(ctx, plan.WindowEnd); err != nil {
			return nil, nil
		}
	}
}

func (s *Supervisor) coolDown(ctx context.Context, until time.Time) error {
	d := s.config.RetryInterval
	if rem := until.Sub(s.config.Now()); rem < d {
		d = rem
	}
	if d <= 0 {
		return nil
	}
	s.logger.WithField("sleep", d.String()).Info("Cooling down before next entry attempt")
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// manageExits places the exit pair and watches it until one side resolves.
func (s *Supervisor) manageExits(ctx context.Context, log *logrus.Entry, plan Plan) models.TradeRecord {
	pos := plan.Position
	pos.ProfitPrice, pos.StopPrice = ExitPrices(pos.EntryPrice, plan.ProfitTarget, plan.StopLoss, plan.Increment)
	log.WithFields(logrus.Fields{
		"profit": pos.ProfitPrice.String(), "stop": pos.StopPrice.String(),
	}).Info("Exit prices")

	if ctx.Err() != nil {
		s.transition(log, pos, models.StateClosed, models.ConditionShutdown)
		return pos.IncompleteRecord(s.config.Now())
	}

	profit, err := s.exits.PlaceWithRetry(ctx, models.OrderRequest{
		Contract: plan.Combo, Side: models.SideBuy, Type: models.OrderTypeLimit,
		Quantity: pos.Quantity, LimitPrice: pos.ProfitPrice, Closing: true,
	})
	if err != nil {
		log.WithError(err).Error("Profit order could not be placed")
		s.transition(log, pos, models.StateClosed, models.ConditionExitPlacementFailed)
		return pos.IncompleteRecord(s.config.Now())
	}
	metrics.OrderPlaced("profit", string(models.OrderTypeLimit))
	pos.ProfitOrderID = profit.ID

	stop, err := s.exits.PlaceWithRetry(ctx, models.OrderRequest{
		Contract: plan.Combo, Side: models.SideBuy, Type: models.OrderTypeStop,
		Quantity: pos.Quantity, StopPrice: pos.StopPrice, Closing: true,
	})
	if err != nil {
		log.WithError(err).Error("Stop order could not be placed, cancelling profit order")
		if st := s.cancel(ctx, log, profit); st.IsFilled() {
			// The profit order filled before it could be pulled.
			s.transition(log, pos, models.StateClosed, models.ConditionExitPlacementFailed)
			return pos.ClosedRecord(exitPrice(st), s.config.Now())
		}
		s.transition(log, pos, models.StateClosed, models.ConditionExitPlacementFailed)
		return pos.IncompleteRecord(s.config.Now())
	}
	metrics.OrderPlaced("stop", string(models.OrderTypeStop))
	pos.StopOrderID = stop.ID

	s.transition(log, pos, models.StateAwaitingExit, models.ConditionExitsPlaced)
	return s.monitor(ctx, log, pos, profit, stop)
}

// monitor polls the exit pair. The first fill cancels the other order
// exactly once.
func (s *Supervisor) monitor(ctx context.Context, log *logrus.Entry, pos *models.Position, profit, stop *models.OrderState) models.TradeRecord {
	ticker := time.NewTicker(s.config.ExitPollInterval)
	defer ticker.Stop()

	for {
		switch {
		case profit.IsFilled():
			stop = s.cancel(ctx, log, stop)
			if stop.IsFilled() {
				log.WithField("stop_order", stop.ID).Error("Stop filled alongside profit order, position needs attention")
			}
			log.WithField("exit", exitPrice(profit).String()).Info("Profit target filled")
			s.transition(log, pos, models.StateClosed, closeCondition(models.ConditionProfitFilled, stop))
			return pos.ClosedRecord(exitPrice(profit), s.config.Now())
		case stop.IsFilled():
			profit = s.cancel(ctx, log, profit)
			if profit.IsFilled() {
				log.WithField("profit_order", profit.ID).Error("Profit filled alongside stop order, position needs attention")
			}
			log.WithField("exit", exitPrice(stop).String()).Info("Stop loss filled")
			s.transition(log, pos, models.StateClosed, closeCondition(models.ConditionStopFilled, profit))
			return pos.ClosedRecord(exitPrice(stop), s.config.Now())
		case profit.Status.IsTerminal() && stop.Status.IsTerminal():
			log.WithError(models.ErrInconsistentExit).WithFields(logrus.Fields{
				"profit_status": profit.Status, "stop_status": stop.Status,
			}).Error("Exit orders ended without a fill, position left open")
			s.transition(log, pos, models.StateClosed, models.ConditionExitsDead)
			return pos.IncompleteRecord(s.config.Now())
		}

		select {
		case <-ctx.Done():
			return s.shutdown(ctx, log, pos, profit, stop)
		case ev := <-s.broker.Events():
			if ev.Kind != broker.EventOrderStatus || ev.Order == nil {
				continue
			}
			switch ev.OrderID {
			case profit.ID:
				profit = ev.Order
			case stop.ID:
				stop = ev.Order
			}
		case <-ticker.C:
			profit = s.refresh(ctx, profit)
			stop = s.refresh(ctx, stop)
			log.WithFields(logrus.Fields{"profit_status": profit.Status, "stop_status": stop.Status}).Debug("Exit status")
		}
	}
}

// shutdown pulls both exits. A fill that beat the cancel is still recorded
// as a close.
func (s *Supervisor) shutdown(ctx context.Context, log *logrus.Entry, pos *models.Position, profit, stop *models.OrderState) models.TradeRecord {
	log.Warn("Shutdown while exits are resting, cancelling both")
	profit = s.cancel(ctx, log, profit)
	stop = s.cancel(ctx, log, stop)
	cond := models.ConditionShutdown
	if !profit.Status.IsTerminal() || !stop.Status.IsTerminal() {
		cond = models.ConditionCancelUnconfirmed
	}
	s.transition(log, pos, models.StateClosed, cond)
	switch {
	case profit.IsFilled():
		return pos.ClosedRecord(exitPrice(profit), s.config.Now())
	case stop.IsFilled():
		return pos.ClosedRecord(exitPrice(stop), s.config.Now())
	default:
		return pos.IncompleteRecord(s.config.Now())
	}
}

// cancel pulls a non-terminal order, re-sending the cancel up to
// cancelAttempts times, and returns its refreshed state. It runs even after
// ctx is done. An order still working afterwards is logged with
// models.ErrCancelUnconfirmed.
func (s *Supervisor) cancel(ctx context.Context, log *logrus.Entry, st *models.OrderState) *models.OrderState {
	if st.Status.IsTerminal() {
		return st
	}
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()

	for attempt := 1; attempt <= cancelAttempts; attempt++ {
		callCtx, callCancel := context.WithTimeout(bg, s.config.CallTimeout)
		err := s.broker.CancelOrder(callCtx, st.ID)
		callCancel()
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{"order_id": st.ID, "cancel_attempt": attempt}).Warn("Cancel failed")
		}
		st = s.refresh(bg, st)
		if st.Status.IsTerminal() {
			log.WithFields(logrus.Fields{"order_id": st.ID, "status": st.Status}).Info("Cancelled")
			return st
		}
		if attempt < cancelAttempts {
			t := time.NewTimer(s.config.ExitPollInterval)
			select {
			case <-bg.Done():
			case <-t.C:
			}
			t.Stop()
		}
	}
	log.WithError(models.ErrCancelUnconfirmed).WithFields(logrus.Fields{
		"order_id": st.ID, "status": st.Status,
	}).Error("Order still working after cancel, needs operator attention")
	return st
}

// closeCondition is the close condition after one exit filled and other was
// cancelled.
func closeCondition(filled string, other *models.OrderState) string {
	if !other.Status.IsTerminal() {
		return models.ConditionCancelUnconfirmed
	}
	return filled
}

func (s *Supervisor) refresh(ctx context.Context, st *models.OrderState) *models.OrderState {
	if st.Status.IsTerminal() {
		return st
	}
	callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()
	got, err := s.broker.OrderStatus(callCtx, st.ID)
	if err != nil || got == nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.WithError(err).WithField("order_id", st.ID).Warn("Exit status check failed")
		}
		return st
	}
	return got
}

func (s *Supervisor) transition(log *logrus.Entry, pos *models.Position, to models.PositionState, cond string) {
	from := pos.GetCurrentState()
	if err := pos.TransitionState(to, cond); err != nil {
		log.WithError(err).Error("Invalid state transition")
		return
	}
	log.WithFields(logrus.Fields{"from": from, "to": to, "condition": cond}).Info("State transition")
	if s.OnTransition != nil {
		s.OnTransition(pos, from, to)
	}
}

func (s *Supervisor) record(ctx context.Context, log *logrus.Entry, rec models.TradeRecord) (*models.TradeRecord, error) {
	rlog := log.WithFields(logrus.Fields{
		"outcome": rec.Outcome, "entry": models.FormatNullable(rec.EntryPrice),
		"exit": models.FormatNullable(rec.ExitPrice), "pnl": rec.PnL.StringFixed(2),
	})
	if err := s.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
		rlog.WithError(err).Error("Trade record could not be written")
		return &rec, fmt.Errorf("record trade: %w", err)
	}
	pnl, _ := rec.PnL.Float64()
	metrics.Trade(rec.Strategy, string(rec.Outcome), pnl)
	rlog.Info("Trade recorded")
	return &rec, nil
}

func exitPrice(st *models.OrderState) decimal.Decimal {
	if st.AvgFillPrice.Valid {
		return st.AvgFillPrice.Decimal
	}
	return st.RequestedPrice
}
