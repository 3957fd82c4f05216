// Package runner drives configured strategies end to end: session, chain,
// trade window, strike selection and position supervision.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eddiefleurent/scranton_condor/internal/broker"
	"github.com/eddiefleurent/scranton_condor/internal/config"
	"github.com/eddiefleurent/scranton_condor/internal/models"
	"github.com/eddiefleurent/scranton_condor/internal/orders"
	"github.com/eddiefleurent/scranton_condor/internal/retry"
	"github.com/eddiefleurent/scranton_condor/internal/storage"
	"github.com/eddiefleurent/scranton_condor/internal/strategy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Settings configure one worker.
type Settings struct {
	Strategy  config.NamedStrategy
	Location  *time.Location
	Endpoints []string
	ClientID  int
	Timings   config.Timings
	Retry     retry.Config
	Connect   ConnectPolicy

	// Now and Sleep are replaced in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Runner drives one strategy instance through one trading session.
type Runner struct {
	settings Settings
	broker   broker.Broker
	recorder storage.Recorder
	registry *Registry
	logger   *logrus.Entry
	newID    func() string
}

// New creates a runner. b is owned by the runner for the session and is
// closed when Run returns.
func New(settings Settings, b broker.Broker, recorder storage.Recorder, registry *Registry, logger *logrus.Entry) *Runner {
	if b == nil || recorder == nil {
		panic("runner.New: broker and recorder must not be nil")
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	if settings.Sleep == nil {
		settings.Sleep = sleep
	}
	if settings.Location == nil {
		settings.Location = time.Local
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Runner{
		settings: settings,
		broker:   b,
		recorder: recorder,
		registry: registry,
		logger:   logger.WithField("client_id", settings.ClientID),
		newID:    func() string { return uuid.New().String() },
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes the strategy once and returns its journal row. A nil record
// with an error means the worker stopped before any position existed.
func (r *Runner) Run(ctx context.Context) (rec *models.TradeRecord, err error) {
	cfg := r.settings.Strategy
	log := r.logger
	defer func() {
		outcome := ""
		if rec != nil {
			outcome = string(rec.Outcome)
		}
		r.registry.Finish(cfg.Name, outcome, err)
	}()

	r.registry.SetState(cfg.Name, PhaseConnecting)
	if _, err := connect(ctx, r.broker, r.settings.Endpoints, r.settings.ClientID, r.settings.Connect, log); err != nil {
		log.WithError(err).Error("Could not open venue session")
		return nil, err
	}
	defer func() {
		if cerr := r.broker.Close(); cerr != nil {
			log.WithError(cerr).Warn("Closing venue session")
		}
		log.Info("Disconnected")
	}()

	underlying, err := r.resolveUnderlying(ctx)
	if err != nil {
		return nil, err
	}
	chain, err := r.optionChain(ctx, underlying)
	if err != nil {
		return nil, err
	}
	expiry, err := r.pickExpiry(chain)
	if err != nil {
		return nil, err
	}
	log = log.WithField("expiry", expiry)

	r.registry.SetState(cfg.Name, PhaseWaiting)
	windowEnd, open, err := r.awaitWindow(ctx, log)
	if err != nil {
		return nil, err
	}
	if !open {
		pos := models.NewPosition(r.newID(), cfg.Name, cfg.Symbol, expiry, models.SpreadLegs{}, 0, cfg.Multiplier)
		if terr := pos.TransitionState(models.StateAbandoned, models.ConditionWindowClosed); terr != nil {
			log.WithError(terr).Warn("State transition rejected")
		}
		rec := pos.NoFillRecord(r.settings.Now())
		if err := r.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
			return nil, fmt.Errorf("recording elapsed window: %w", err)
		}
		return &rec, nil
	}

	r.registry.SetState(cfg.Name, PhaseSelecting)
	spot, err := r.spotPrice(ctx, underlying, log)
	if err != nil {
		return nil, err
	}

	qty := strategy.ContractsForCapital(decimal.NewFromFloat(*cfg.MaxCapital), decimal.NewFromFloat(*cfg.Width), cfg.Multiplier, cfg.MaxContracts)
	if qty <= 0 {
		return nil, fmt.Errorf("%w: max_capital %.2f does not cover one contract", models.ErrSelection, *cfg.MaxCapital)
	}

	sel, err := r.selectStrikes(ctx, chain, expiry, spot, log)
	if err != nil {
		return nil, err
	}
	combo, err := r.qualifyCombo(ctx, expiry, sel.Legs)
	if err != nil {
		return nil, err
	}

	pos := models.NewPosition(r.newID(), cfg.Name, cfg.Symbol, expiry, sel.Legs, qty, cfg.Multiplier)
	pos.ReferencePrice = models.Price(spot)
	r.registry.SetPosition(cfg.Name, pos.ID)
	r.registry.SetState(cfg.Name, string(pos.GetCurrentState()))
	log.WithFields(logrus.Fields{
		"position": pos.ID, "legs": sel.Legs.String(), "qty": qty, "spot": spot.String(),
	}).Info("Condor selected")

	sup := r.supervisor(log)
	return sup.Run(ctx, orders.Plan{
		Position:     pos,
		Combo:        combo,
		Increment:    decimal.NewFromFloat(*cfg.PriceIncrement),
		ProfitTarget: decimal.NewFromFloat(*cfg.ProfitTarget),
		StopLoss:     decimal.NewFromFloat(*cfg.StopLoss),
		WindowEnd:    windowEnd,
	})
}

func (r *Runner) supervisor(log *logrus.Entry) *orders.Supervisor {
	t := r.settings.Timings
	exec := orders.NewExecutor(r.broker, log, orders.ExecutorConfig{
		QuoteWait:    t.QuoteWait,
		FillWait:     t.FillWait,
		PollInterval: t.PollInterval,
		CancelWait:   t.CancelWait,
		MarketWait:   t.MarketWait,
		CallTimeout:  t.CallTimeout,
	})
	exits := retry.NewClient(r.broker, log, r.settings.Retry)
	sup := orders.NewSupervisor(r.broker, exec, exits, r.recorder, log, orders.SupervisorConfig{
		Now:              r.settings.Now,
		RetryInterval:    r.settings.Strategy.RetryInterval(),
		ExitPollInterval: t.ExitPollInterval,
		CallTimeout:      t.CallTimeout,
		ShutdownTimeout:  t.ShutdownTimeout,
	})
	name := r.settings.Strategy.Name
	sup.OnTransition = func(_ *models.Position, _, to models.PositionState) {
		r.registry.SetState(name, string(to))
	}
	return sup
}

func (r *Runner) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := r.settings.Timings.CallTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// resolveUnderlying qualifies the index or stock the options are written on.
func (r *Runner) resolveUnderlying(ctx context.Context) (models.Contract, error) {
	cfg := r.settings.Strategy
	secType := models.SecTypeStock
	if cfg.SecType == string(models.SecTypeIndex) {
		secType = models.SecTypeIndex
	}
	want := models.Contract{Symbol: cfg.Symbol, SecType: secType, Exchange: cfg.Exchange, Currency: cfg.Currency}

	callCtx, cancel := r.callCtx(ctx)
	defer cancel()
	details, err := r.broker.ContractDetails(callCtx, want)
	if err != nil {
		return models.Contract{}, fmt.Errorf("resolving %s: %w", want, err)
	}
	if len(details) == 0 {
		return models.Contract{}, fmt.Errorf("%w: %s contract not found", models.ErrSelection, want)
	}
	r.logger.WithField("con_id", details[0].ConID).Infof("%s contract found", cfg.Symbol)
	return details[0], nil
}

// optionChain returns the chain listed on the option exchange for the
// configured trading class.
func (r *Runner) optionChain(ctx context.Context, underlying models.Contract) (*models.OptionChain, error) {
	cfg := r.settings.Strategy
	callCtx, cancel := r.callCtx(ctx)
	defer cancel()
	chains, err := r.broker.OptionChainParams(callCtx, underlying)
	if err != nil {
		return nil, fmt.Errorf("option chain for %s: %w", cfg.Symbol, err)
	}
	for i := range chains {
		if chains[i].Exchange == cfg.OptionExchange && chains[i].TradingClass == cfg.TradingClass {
			c := chains[i]
			r.logger.WithFields(logrus.Fields{
				"expirations": len(c.Expirations), "strikes": len(c.Strikes),
			}).Info("Option chain loaded")
			return &c, nil
		}
	}
	return nil, fmt.Errorf("%w: no option chain for %s %s", models.ErrSelection, cfg.OptionExchange, cfg.TradingClass)
}

func (r *Runner) pickExpiry(chain *models.OptionChain) (string, error) {
	cfg := r.settings.Strategy
	if cfg.Expiry != "" {
		if !chain.HasExpiry(cfg.Expiry) {
			r.logger.WithField("expiry", cfg.Expiry).Warn("Configured expiry is not listed in the chain")
		}
		return cfg.Expiry, nil
	}
	exp, ok := chain.NextExpiry(r.settings.Now().In(r.settings.Location))
	if !ok {
		return "", fmt.Errorf("%w: no listed expiry on or after today", models.ErrSelection)
	}
	r.logger.WithField("expiry", exp).Info("Auto-selected next expiry")
	return exp, nil
}

// awaitWindow sleeps until the trade window opens. open is false when the
// window has already closed for the day.
func (r *Runner) awaitWindow(ctx context.Context, log *logrus.Entry) (end time.Time, open bool, err error) {
	cfg := r.settings.Strategy
	now := r.settings.Now()
	start, end, err := cfg.TradeWindow(now, r.settings.Location)
	if err != nil {
		return time.Time{}, false, err
	}
	log = log.WithFields(logrus.Fields{"window_start": start.Format("15:04"), "window_end": end.Format("15:04")})
	switch {
	case now.Before(start):
		wait := start.Sub(now)
		log.Infof("Waiting %.1f minutes until trade window opens", wait.Minutes())
		if err := r.settings.Sleep(ctx, wait); err != nil {
			return time.Time{}, false, err
		}
	case !now.Before(end):
		log.Warn("Trade window has closed for today")
		return end, false, nil
	default:
		log.Info("Trade window is open")
	}
	return end, true, nil
}

func (r *Runner) spotPrice(ctx context.Context, underlying models.Contract, log *logrus.Entry) (decimal.Decimal, error) {
	cfg := r.settings.Strategy
	q, err := liveQuote(ctx, r.broker, underlying, r.settings.Timings.QuoteWait)
	if err != nil {
		if ctx.Err() != nil {
			return decimal.Zero, ctx.Err()
		}
		log.WithError(err).Warn("Underlying quote unavailable")
	}
	spot, source, ok := ReferencePrice(q, decimal.NewFromFloat(cfg.FallbackPrice))
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no price for %s and no fallback_price configured", models.ErrSelection, cfg.Symbol)
	}
	entry := log.WithFields(logrus.Fields{"spot": spot.String(), "source": source})
	if source == SourceLast || source == SourceMark {
		entry.Info("Underlying price")
	} else {
		entry.Warn("Underlying price from fallback source")
	}
	return spot, nil
}

func (r *Runner) optionTemplate(expiry string) models.Contract {
	cfg := r.settings.Strategy
	return models.OptionContract(cfg.Symbol, cfg.OptionExchange, cfg.Currency, cfg.TradingClass, expiry,
		cfg.Multiplier, decimal.Zero, "")
}

func (r *Runner) selectStrikes(ctx context.Context, chain *models.OptionChain, expiry string, spot decimal.Decimal, log *logrus.Entry) (*strategy.Selection, error) {
	cfg := r.settings.Strategy
	sel := strategy.NewSelector(r.broker, r.optionTemplate(expiry), log, strategy.Config{
		StrikeWindow:   cfg.StrikeWindow,
		RangePct:       cfg.StrikeRangePct,
		QualifyStrikes: cfg.QualifyStrikes,
		GreeksTimeout:  cfg.GetGreeksTimeout(),
		WarnThreshold:  cfg.DeltaWarnThreshold,
		WarnFraction:   cfg.DeltaWarnFraction,
	})
	targets := strategy.Targets{
		ShortCall: *cfg.ShortCallDelta,
		ShortPut:  *cfg.ShortPutDelta,
		LongCall:  cfg.LongCallDelta,
		LongPut:   cfg.LongPutDelta,
	}
	result, err := sel.SelectSpread(ctx, chain, spot, targets, decimal.NewFromFloat(*cfg.Width))
	if err != nil {
		return nil, err
	}
	if result.Flagged {
		log.WithField("warnings", result.Warnings).Warn("Delta matches are loose, trading anyway")
	}
	return result, nil
}

// qualifyCombo resolves each leg to a listed contract and builds the combo.
func (r *Runner) qualifyCombo(ctx context.Context, expiry string, legs models.SpreadLegs) (models.Contract, error) {
	cfg := r.settings.Strategy
	tmpl := r.optionTemplate(expiry)
	wanted := []struct {
		strike decimal.Decimal
		right  models.Right
	}{
		{legs.ShortCall, models.RightCall},
		{legs.LongCall, models.RightCall},
		{legs.ShortPut, models.RightPut},
		{legs.LongPut, models.RightPut},
	}
	resolved := make([]models.Contract, len(wanted))
	for i, w := range wanted {
		c := tmpl
		c.Strike = w.strike
		c.Right = w.right
		callCtx, cancel := r.callCtx(ctx)
		details, err := r.broker.ContractDetails(callCtx, c)
		cancel()
		if err != nil {
			return models.Contract{}, fmt.Errorf("qualifying %s: %w", c, err)
		}
		if len(details) == 0 {
			return models.Contract{}, fmt.Errorf("%w: %s is not listed", models.ErrSelection, c)
		}
		resolved[i] = details[0]
	}
	spec := models.NewIronCondorCombo(cfg.Symbol, cfg.OptionExchange, cfg.Currency,
		resolved[0], resolved[1], resolved[2], resolved[3])
	return spec.Contract(), nil
}

// IsSetupError reports whether err stopped a worker before any order was
// sent.
func IsSetupError(err error) bool {
	return errors.Is(err, models.ErrConnectivity) || errors.Is(err, models.ErrSelection)
}
