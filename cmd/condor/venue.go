package main

import (
	"fmt"

	"github.com/eddiefleurent/scranton_condor/internal/broker"
	"github.com/eddiefleurent/scranton_condor/internal/config"
	"github.com/eddiefleurent/scranton_condor/internal/mock"
	"github.com/sirupsen/logrus"
)

// venueFactory returns the per-worker broker constructor for the
// configured provider. Every call yields an independent session.
func venueFactory(cfg *config.Config, log *logrus.Entry) func(config.NamedStrategy) (broker.Broker, error) {
	return func(s config.NamedStrategy) (broker.Broker, error) {
		switch cfg.Broker.Provider {
		case config.ProviderPaper, "":
			return newPaperVenue(cfg, s), nil
		case config.ProviderTradier:
			return broker.NewCircuitBreakerBroker(newTradier(cfg, log.WithField("strategy", s.Name))), nil
		default:
			return nil, fmt.Errorf("unsupported broker provider %q", cfg.Broker.Provider)
		}
	}
}

func newPaperVenue(cfg *config.Config, s config.NamedStrategy) *mock.PaperBroker {
	p := cfg.Broker.Paper
	spot := p.Spot
	if spot <= 0 {
		spot = s.FallbackPrice
	}
	return mock.NewPaperBroker(mock.PaperConfig{
		Symbol:       s.Symbol,
		Exchange:     s.OptionExchange,
		TradingClass: s.TradingClass,
		Multiplier:   s.Multiplier,
		Spot:         spot,
		StrikeStep:   p.StrikeStep,
		Vol:          p.Vol,
		HalfSpread:   p.HalfSpread,
	})
}

func newTradier(cfg *config.Config, log *logrus.Entry) *broker.TradierClient {
	b := cfg.Broker
	return broker.NewTradierClient(broker.TradierConfig{
		APIKey:    b.APIKey,
		AccountID: b.AccountID,
		Sandbox:   b.Sandbox,
		Limits: broker.RateLimits{
			MarketData: b.RateLimits.MarketData,
			Trading:    b.RateLimits.Trading,
			Standard:   b.RateLimits.Standard,
		},
		QuotePollInterval: cfg.GetQuotePollInterval(),
		Logger:            log,
	})
}

// historyVenue returns a venue that serves daily bars. The paper venue
// synthesizes history for any symbol.
func historyVenue(cfg *config.Config, log *logrus.Entry) (broker.Broker, error) {
	var s config.NamedStrategy
	if active := cfg.Active(); len(active) > 0 {
		s = active[0]
	}
	b, err := venueFactory(cfg, log)(s)
	if err != nil {
		return nil, err
	}
	if _, ok := b.(broker.HistoryProvider); !ok {
		return nil, fmt.Errorf("broker provider %q does not serve history", cfg.Broker.Provider)
	}
	return b, nil
}
