// Package resolver turns symbolic UI intents into usable element handles by
// walking the selector strategy table in priority order. Presence in the
// DOM is never enough: a strategy only wins if its element is visible and
// enabled at discovery time.
package resolver

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/stenobot-io/stenobot/api/schemas"
	"github.com/stenobot-io/stenobot/internal/selectors"
)

// Snapshotter receives a page snapshot when resolution fails outright.
type Snapshotter interface {
	Snapshot(ctx context.Context, page schemas.Page, label string)
}

// Resolver resolves intents against one session's pages.
type Resolver struct {
	table    *selectors.Table
	platform schemas.Platform
	snap     Snapshotter
	logger   *zap.Logger
}

// New creates a resolver bound to a platform's strategy table. snap may be
// nil when failure snapshots are not wanted (tests).
func New(table *selectors.Table, platform schemas.Platform, snap Snapshotter, logger *zap.Logger) *Resolver {
	return &Resolver{
		table:    table,
		platform: platform,
		snap:     snap,
		logger:   logger.Named("resolver"),
	}
}

// Resolve tries each strategy for the intent within a share of the total
// budget and returns the first visible, enabled element. On failure it
// returns a *schemas.ElementNotFoundError listing every attempted strategy
// and why it failed, after snapshotting the page for post-mortem debugging.
func (r *Resolver) Resolve(ctx context.Context, page schemas.Page, intent schemas.Intent, budget time.Duration) (*schemas.ElementHandle, error) {
	strategies := r.table.Strategies(r.platform, intent)
	if len(strategies) == 0 {
		return nil, &schemas.ElementNotFoundError{Intent: intent}
	}

	attempts := make([]schemas.StrategyAttempt, 0, len(strategies))
	shares := budgetShares(strategies, budget)

	for i, strategy := range strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		el, outcome := r.tryStrategy(ctx, page, strategy, shares[i])
		if el != nil {
			r.logger.Debug("Intent resolved.",
				zap.String("intent", string(intent)),
				zap.String("strategy", strategy.Description),
				zap.Int("strategy_rank", i))
			return el, nil
		}
		attempts = append(attempts, schemas.StrategyAttempt{Strategy: strategy, Outcome: outcome})
	}

	notFound := &schemas.ElementNotFoundError{Intent: intent, Attempts: attempts}
	r.logger.Debug("Intent resolution failed.", zap.String("intent", string(intent)), zap.Error(notFound))

	if r.snap != nil {
		r.snap.Snapshot(ctx, page, "resolve-"+string(intent))
	}
	return nil, notFound
}

// tryStrategy runs one strategy within its sub-timeout and classifies the
// failure mode for the audit trail.
func (r *Resolver) tryStrategy(ctx context.Context, page schemas.Page, strategy schemas.Strategy, share time.Duration) (*schemas.ElementHandle, schemas.AttemptOutcome) {
	strategyCtx, cancel := context.WithTimeout(ctx, share)
	defer cancel()

	el, err := page.Find(strategyCtx, strategy)
	if err != nil {
		if errors.Is(err, schemas.ErrElementAbsent) {
			return nil, schemas.OutcomeAbsent
		}
		return nil, schemas.OutcomeTimeout
	}
	switch {
	case el == nil:
		return nil, schemas.OutcomeAbsent
	case !el.Visible:
		return nil, schemas.OutcomeHidden
	case !el.Enabled:
		return nil, schemas.OutcomeDisabled
	}
	return el, ""
}

// budgetShares divides the budget across strategies, weighted when strategy
// weights are set and evenly otherwise. Every strategy gets a floor so a
// heavily weighted head cannot starve the fallbacks entirely.
func budgetShares(strategies []schemas.Strategy, budget time.Duration) []time.Duration {
	const floor = 250 * time.Millisecond

	total := 0.0
	for _, s := range strategies {
		if s.Weight > 0 {
			total += s.Weight
		} else {
			total += 1.0
		}
	}

	shares := make([]time.Duration, len(strategies))
	for i, s := range strategies {
		w := s.Weight
		if w <= 0 {
			w = 1.0
		}
		share := time.Duration(float64(budget) * w / total)
		if share < floor {
			share = floor
		}
		shares[i] = share
	}
	return shares
}
