package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eddiefleurent/scranton_condor/internal/broker"
	"github.com/eddiefleurent/scranton_condor/internal/config"
	"github.com/eddiefleurent/scranton_condor/internal/models"
	"github.com/eddiefleurent/scranton_condor/internal/retry"
	"github.com/eddiefleurent/scranton_condor/internal/storage"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// BrokerFactory opens a fresh venue client for one worker. Workers never
// share a broker.
type BrokerFactory func(s config.NamedStrategy) (broker.Broker, error)

// LoggerFactory returns the logger for one strategy.
type LoggerFactory func(strategy string) (*logrus.Entry, error)

// Pool runs every active strategy concurrently, one worker each.
type Pool struct {
	runners  []*Runner
	registry *Registry
	logger   *logrus.Entry
	stagger  time.Duration
}

// Result is the outcome of one worker.
type Result struct {
	Strategy string
	Record   *models.TradeRecord
	Err      error
}

// SettingsFor derives the worker settings of strategy s from the
// top-level config.
func SettingsFor(cfg *config.Config, s config.NamedStrategy, clientID int) Settings {
	timings := cfg.GetTimings()
	rt := cfg.GetRetry()
	policy := DefaultConnectPolicy
	policy.MaxElapsed = timings.ConnectMaxWait
	return Settings{
		Strategy:  s,
		Location:  cfg.Location(),
		Endpoints: cfg.Broker.Endpoints,
		ClientID:  clientID,
		Timings:   timings,
		Retry: retry.Config{
			MaxRetries:     rt.MaxRetries,
			InitialBackoff: rt.InitialBackoff,
			MaxBackoff:     rt.MaxBackoff,
			Timeout:        rt.TotalTimeout,
		},
		Connect: policy,
	}
}

// NewPool builds one runner per active strategy. Client ids are
// client_id_base plus the strategy's position in active_strategies.
func NewPool(cfg *config.Config, newBroker BrokerFactory, recorder storage.Recorder, registry *Registry, loggers LoggerFactory, logger *logrus.Entry) (*Pool, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if registry == nil {
		registry = NewRegistry()
	}

	p := &Pool{registry: registry, logger: logger, stagger: time.Second}
	for i, s := range cfg.Active() {
		clientID := cfg.ClientIDBase + i
		b, err := newBroker(s)
		if err != nil {
			return nil, fmt.Errorf("venue client for %s: %w", s.Name, err)
		}
		log := logger.WithField("strategy", s.Name)
		if loggers != nil {
			if log, err = loggers(s.Name); err != nil {
				return nil, err
			}
		}
		registry.Register(s.Name, s.Symbol, clientID)
		p.runners = append(p.runners, New(SettingsFor(cfg, s, clientID), b, recorder, registry, log))
	}
	return p, nil
}

// Registry exposes the worker status registry.
func (p *Pool) Registry() *Registry {
	return p.registry
}

// Run starts every worker and waits for all of them. A failing worker is
// logged and never cancels the others; the joined failures are returned.
func (p *Pool) Run(ctx context.Context) ([]Result, error) {
	results := make([]Result, len(p.runners))
	var mu sync.Mutex
	var errs []error

	var g errgroup.Group
	for i, r := range p.runners {
		name := r.settings.Strategy.Name
		if i > 0 && p.stagger > 0 {
			if err := sleep(ctx, p.stagger); err != nil {
				mu.Lock()
				for j, rest := range p.runners[i:] {
					n := rest.settings.Strategy.Name
					results[i+j] = Result{Strategy: n, Err: err}
					p.registry.Finish(n, "", err)
					errs = append(errs, fmt.Errorf("%s: not started: %w", n, err))
				}
				mu.Unlock()
				break
			}
		}
		g.Go(func() error {
			rec, err := r.Run(ctx)
			results[i] = Result{Strategy: name, Record: rec, Err: err}
			if err != nil {
				p.logger.WithError(err).WithField("strategy", name).Error("Strategy worker failed")
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
				return nil
			}
			if rec != nil {
				p.logger.WithFields(logrus.Fields{
					"strategy": name, "outcome": rec.Outcome, "pnl": rec.PnL.StringFixed(2),
				}).Info("Strategy worker finished")
			}
			return nil
		})
	}
	_ = g.Wait()
	p.logger.Info("All strategies completed")
	return results, errors.Join(errs...)
}
