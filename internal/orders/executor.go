// Package orders executes entry orders by walking a limit price across the
// quote and supervises the exit pair of an open position.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/scranton_condor/internal/broker"
	"github.com/eddiefleurent/scranton_condor/internal/metrics"
	"github.com/eddiefleurent/scranton_condor/internal/models"
	"github.com/eddiefleurent/scranton_condor/internal/util"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ExecState is the executor's position in its state machine.
type ExecState string

const (
	ExecQuoting    ExecState = "Quoting"
	ExecWalking    ExecState = "Walking"
	ExecFinalizing ExecState = "Finalizing"
	ExecDone       ExecState = "Done"
)

// ExecutorConfig holds the executor's waits.
type ExecutorConfig struct {
	QuoteWait    time.Duration // bid/ask snapshot budget
	FillWait     time.Duration // per limit price
	PollInterval time.Duration // order status re-check
	CancelWait   time.Duration // cancel acknowledgement budget
	MarketWait   time.Duration // market fallback budget
	CallTimeout  time.Duration // per venue request
}

// DefaultExecutorConfig mirrors the timings used in live trading.
var DefaultExecutorConfig = ExecutorConfig{
	QuoteWait:    5 * time.Second,
	FillWait:     10 * time.Second,
	PollInterval: 500 * time.Millisecond,
	CancelWait:   1 * time.Second,
	MarketWait:   5 * time.Second,
	CallTimeout:  5 * time.Second,
}

// Executor drives one order to a fill: passive limit, walk toward the far
// touch, then market.
type Executor struct {
	broker broker.Broker
	logger *logrus.Entry
	config ExecutorConfig
}

// NewExecutor creates an executor. Non-positive waits fall back to
// DefaultExecutorConfig.
func NewExecutor(b broker.Broker, logger *logrus.Entry, config ...ExecutorConfig) *Executor {
	if b == nil {
		panic("orders.NewExecutor: broker must not be nil")
	}
	cfg := DefaultExecutorConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	def := DefaultExecutorConfig
	for _, f := range []struct{ v, d *time.Duration }{
		{&cfg.QuoteWait, &def.QuoteWait},
		{&cfg.FillWait, &def.FillWait},
		{&cfg.PollInterval, &def.PollInterval},
		{&cfg.CancelWait, &def.CancelWait},
		{&cfg.MarketWait, &def.MarketWait},
		{&cfg.CallTimeout, &def.CallTimeout},
	} {
		if *f.v <= 0 {
			*f.v = *f.d
		}
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Executor{broker: b, logger: logger, config: cfg}
}

// Execute fills quantity of contract on side. A failure wraps
// models.ErrInvalidQuote when no usable quote was seen,
// models.ErrNotFilled when the walk and the market fallback both missed, and
// models.ErrCancelUnconfirmed when an unfilled order could not be pulled.
func (e *Executor) Execute(ctx context.Context, contract models.Contract, side models.Side, quantity int, increment decimal.Decimal) (*models.FillResult, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity %d", models.ErrExecution, quantity)
	}
	log := e.logger.WithFields(logrus.Fields{"side": side, "qty": quantity, "contract": contract.String()})

	e.enter(log, ExecQuoting)
	quote, ok := e.snapshot(ctx, contract)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	failure := models.ErrNotFilled
	attempts := 0
	if !ok {
		log.WithField("quote", quote).Warn("No usable bid/ask, falling back to market")
		failure = models.ErrInvalidQuote
	} else {
		e.enter(log, ExecWalking)
		fill, n, err := e.walk(ctx, log, contract, side, quantity, quote, increment)
		attempts = n
		if err != nil || fill != nil {
			e.done(log, fill, err)
			return fill, err
		}
	}

	e.enter(log, ExecFinalizing)
	fill, err := e.market(ctx, log, contract, side, quantity, attempts, failure)
	e.done(log, fill, err)
	return fill, err
}

func (e *Executor) enter(log *logrus.Entry, s ExecState) {
	log.WithField("exec_state", s).Info("Executor state")
}

func (e *Executor) done(log *logrus.Entry, fill *models.FillResult, err error) {
	switch {
	case fill != nil:
		result := "limit"
		if fill.Market {
			result = "market"
		}
		metrics.Execution(result, fill.LimitAttempts)
		log.WithFields(logrus.Fields{
			"exec_state": ExecDone, "order_id": fill.OrderID, "price": fill.Price.String(), "attempts": fill.LimitAttempts,
		}).Info("Filled")
	case err != nil && !errors.Is(err, context.Canceled):
		metrics.Execution("failed", 0)
		log.WithError(err).WithField("exec_state", ExecDone).Warn("Execution failed")
	}
}

// snapshot subscribes to contract and waits up to QuoteWait for a tick
// carrying both bid and ask.
func (e *Executor) snapshot(ctx context.Context, contract models.Contract) (models.Quote, bool) {
	subCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	reqID, err := e.broker.SubscribeMarketData(subCtx, contract)
	cancel()
	if err != nil {
		e.logger.WithError(err).Warn("Quote subscription failed")
		return models.Quote{}, false
	}
	defer func() {
		if err := e.broker.CancelMarketData(reqID); err != nil {
			e.logger.WithError(err).WithField("req_id", reqID).Debug("Cancel market data failed")
		}
	}()

	var quote models.Quote
	timer := time.NewTimer(e.config.QuoteWait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return quote, false
		case <-timer.C:
			return quote, quote.HasBidAsk()
		case ev := <-e.broker.Events():
			if ev.Kind != broker.EventTick || ev.ReqID != reqID || ev.Quote == nil {
				continue
			}
			quote = quote.Merge(*ev.Quote)
			if quote.HasBidAsk() {
				return quote, true
			}
		}
	}
}

// walk tries limit prices from the passive touch to the far touch. It
// returns a nil fill and nil error when the far touch was tried unfilled.
func (e *Executor) walk(ctx context.Context, log *logrus.Entry, contract models.Contract, side models.Side, quantity int, quote models.Quote, increment decimal.Decimal) (*models.FillResult, int, error) {
	passive, far := quote.Bid.Decimal, quote.Ask.Decimal
	if side == models.SideSell {
		passive, far = far, passive
	}
	price := passive
	attempts := 0
	for {
		if ctx.Err() != nil {
			return nil, attempts, ctx.Err()
		}
		if !price.IsPositive() {
			log.WithField("price", price.String()).Warn("Limit price not positive, skipping to market")
			return nil, attempts, nil
		}
		attempts++
		plog := log.WithFields(logrus.Fields{"attempt": attempts, "limit": price.String()})

		state, err := e.place(ctx, models.OrderRequest{
			Contract: contract, Side: side, Type: models.OrderTypeLimit, Quantity: quantity, LimitPrice: price,
		})
		if err != nil {
			plog.WithError(err).Warn("Limit order placement failed")
		} else {
			plog.WithField("order_id", state.ID).Info("Limit order working")
			final := e.awaitFill(ctx, state, e.config.FillWait)
			if !final.IsFilled() {
				plog.WithField("status", final.Status).Info("Not filled, cancelling")
				final = e.cancelAndConfirm(ctx, final)
			}
			if final.IsFilled() {
				return fillResult(final, price, quantity, attempts, false), attempts, nil
			}
			if !final.Status.IsTerminal() {
				return nil, attempts, e.unconfirmed(plog, final)
			}
		}

		if price.Equal(far) {
			log.WithField("far", far.String()).Info("Walked to the far touch without a fill")
			return nil, attempts, nil
		}
		price = util.StepToward(price, far, increment)
	}
}

// market is the last resort. failure is the error returned on a miss.
func (e *Executor) market(ctx context.Context, log *logrus.Entry, contract models.Contract, side models.Side, quantity, attempts int, failure error) (*models.FillResult, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	state, err := e.place(ctx, models.OrderRequest{
		Contract: contract, Side: side, Type: models.OrderTypeMarket, Quantity: quantity,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: market order: %v", failure, err)
	}
	log.WithField("order_id", state.ID).Info("Market order working")

	final := e.awaitFill(ctx, state, e.config.MarketWait)
	if !final.IsFilled() {
		final = e.cancelAndConfirm(ctx, final)
	}
	if final.IsFilled() {
		return fillResult(final, decimal.Zero, quantity, attempts, true), nil
	}
	if !final.Status.IsTerminal() {
		return nil, e.unconfirmed(log, final)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, fmt.Errorf("%w: market order %d ended %s", failure, final.ID, final.Status)
}

func (e *Executor) place(ctx context.Context, req models.OrderRequest) (*models.OrderState, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	defer cancel()
	state, err := e.broker.PlaceOrder(callCtx, req)
	if err != nil {
		return nil, err
	}
	metrics.OrderPlaced("entry", string(req.Type))
	return state, nil
}

// awaitFill watches an order until it is terminal, wait elapses, or ctx is
// done, and returns the last known state. Status pushes on the event stream
// short-circuit the poll.
func (e *Executor) awaitFill(ctx context.Context, state *models.OrderState, wait time.Duration) *models.OrderState {
	if state.Status.IsTerminal() {
		return state
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return state
		case <-deadline.C:
			return state
		case ev := <-e.broker.Events():
			if ev.Kind == broker.EventOrderStatus && ev.OrderID == state.ID && ev.Order != nil {
				state = ev.Order
			}
		case <-ticker.C:
			state = e.status(ctx, state)
		}
		if state.Status.IsTerminal() {
			return state
		}
	}
}

func (e *Executor) status(ctx context.Context, state *models.OrderState) *models.OrderState {
	callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout)
	defer cancel()
	got, err := e.broker.OrderStatus(callCtx, state.ID)
	if err != nil || got == nil {
		e.logger.WithError(err).WithField("order_id", state.ID).Debug("Order status check failed")
		return state
	}
	return got
}

// cancelAttempts bounds the cancel requests sent for one order.
const cancelAttempts = 3

// cancelAndConfirm cancels a resting order and waits up to CancelWait for a
// terminal status, re-sending the cancel up to cancelAttempts times. A fill
// that raced the cancel is returned as filled. The cancel is sent even when
// ctx is already done. A non-terminal result means the order may still be
// working.
func (e *Executor) cancelAndConfirm(ctx context.Context, state *models.OrderState) *models.OrderState {
	if state.Status.IsTerminal() {
		return state
	}
	bg := context.WithoutCancel(ctx)
	final := state
	for attempt := 1; attempt <= cancelAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(bg, e.config.CallTimeout)
		err := e.broker.CancelOrder(callCtx, final.ID)
		cancel()
		if err != nil {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"order_id": final.ID, "cancel_attempt": attempt,
			}).Warn("Cancel request failed")
		}

		confirmCtx, cancel := context.WithTimeout(bg, e.config.CancelWait)
		final = e.awaitFill(confirmCtx, final, e.config.CancelWait)
		cancel()
		if !final.Status.IsTerminal() {
			// Last look before trying again.
			final = e.status(bg, final)
		}
		if final.Status.IsTerminal() {
			break
		}
	}
	if final.IsFilled() {
		e.logger.WithField("order_id", final.ID).Info("Order filled while cancelling")
	}
	return final
}

// unconfirmed reports an order whose cancel the venue never confirmed. No
// further order is placed after it.
func (e *Executor) unconfirmed(log *logrus.Entry, state *models.OrderState) error {
	err := fmt.Errorf("%w: order %d still %s", models.ErrCancelUnconfirmed, state.ID, state.Status)
	log.WithError(err).WithField("order_id", state.ID).Error("Order may still be working at the venue, stopping execution")
	return err
}

func fillResult(state *models.OrderState, limit decimal.Decimal, quantity, attempts int, market bool) *models.FillResult {
	price := limit
	if state.AvgFillPrice.Valid {
		price = state.AvgFillPrice.Decimal
	}
	qty := quantity
	if state.FilledQuantity > 0 {
		qty = state.FilledQuantity
	}
	return &models.FillResult{
		OrderID:       state.ID,
		Price:         price,
		Quantity:      qty,
		LimitAttempts: attempts,
		Market:        market,
	}
}
