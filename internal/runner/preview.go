package runner

import (
	"context"
	"fmt"

	"github.com/eddiefleurent/scranton_condor/internal/models"
	"github.com/eddiefleurent/scranton_condor/internal/strategy"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Preview is a dry-run strike selection. No order is sent and nothing is
// journaled.
type Preview struct {
	Strategy  string
	Symbol    string
	Expiry    string
	Spot      decimal.Decimal
	Contracts int
	RiskWidth decimal.Decimal // wider wing of the selected legs
	Selection *strategy.Selection
}

// Preview connects, resolves the chain and selects strikes as Run would,
// ignoring the trade window.
func (r *Runner) Preview(ctx context.Context) (*Preview, error) {
	cfg := r.settings.Strategy
	log := r.logger.WithField("mode", "preview")

	if _, err := connect(ctx, r.broker, r.settings.Endpoints, r.settings.ClientID, r.settings.Connect, log); err != nil {
		return nil, err
	}
	defer func() {
		if cerr := r.broker.Close(); cerr != nil {
			log.WithError(cerr).Warn("Closing venue session")
		}
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
	spot, err := r.spotPrice(ctx, underlying, log)
	if err != nil {
		return nil, err
	}
	sel, err := r.selectStrikes(ctx, chain, expiry, spot, log)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Name, err)
	}

	qty := strategy.ContractsForCapital(decimal.NewFromFloat(*cfg.MaxCapital), decimal.NewFromFloat(*cfg.Width), cfg.Multiplier, cfg.MaxContracts)
	log.WithFields(logrus.Fields{"legs": sel.Legs.String(), "qty": qty}).Info("Preview selection")
	return &Preview{
		Strategy:  cfg.Name,
		Symbol:    cfg.Symbol,
		Expiry:    expiry,
		Spot:      spot,
		Contracts: qty,
		RiskWidth: strategy.RiskWidth(sel.Legs.LongCall.Sub(sel.Legs.ShortCall), sel.Legs.ShortPut.Sub(sel.Legs.LongPut)),
		Selection: sel,
	}, nil
}

// Readings returns the delta readings of one side, sorted as the venue
// served them.
func (p *Preview) Readings(right models.Right) []models.GreekReading {
	var out []models.GreekReading
	for _, g := range p.Selection.Readings {
		if g.Right == right {
			out = append(out, g)
		}
	}
	return out
}
