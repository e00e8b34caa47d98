// Package discovery implements the discovery loop (§4.5): it walks wallet
// cohorts and the wallet registry, fetching positions across all five
// sub-exchanges and feeding survivors into the position cache.
package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"liqsentinel"
	"liqsentinel/internal/util"
	"liqsentinel/pkg/upstream"
)

const (
	cohortPageSize         = 500
	cohortPagePause        = time.Second
	cohortAggregateMinimum = 300_000
)

// DefaultCohortIDs are the size/PnL buckets the discovery endpoint serves.
var DefaultCohortIDs = []string{
	"kraken", "large_whale", "whale", "rekt", "shark",
	"extremely_profitable", "very_unprofitable", "very_profitable", "profitable", "unprofitable",
}

// Fetcher is the subset of pkg/fetcher.Fetcher the discovery loop needs.
type Fetcher interface {
	GetPositions(ctx context.Context, address, dex string) (upstream.ClearinghouseStateResponse, error)
	GetMarkPrices(ctx context.Context, dex string) (upstream.MidsResponse, error)
	GetCohortPage(ctx context.Context, cohortID string, offset, limit int) (upstream.CohortPage, error)
}

// Registry is the subset of pkg/registry.Registry the discovery loop needs.
type Registry interface {
	Upsert(address string, source liqsentinel.DiscoverySource, cohort string, aggregateValue *float64) error
	MarkScanned(address string, aggregateValue float64, positionsFound int) error
	IterDue(now time.Time) []liqsentinel.Wallet
}

// Cache is the subset of pkg/cache.Cache the discovery loop needs.
type Cache interface {
	Get(key string) (liqsentinel.CachedPosition, bool)
	ApplyObservation(pos liqsentinel.Position, now time.Time) (liqsentinel.CachedPosition, bool)
	Reschedule(pos liqsentinel.CachedPosition, now time.Time)
	Remove(key string) (liqsentinel.CachedPosition, bool)
	CountByTier(tier liqsentinel.Tier) int
}

// Detector is the subset of pkg/alerts.Detector the discovery loop needs: the
// same state-change classifier the refresh scheduler runs (§4.6), so a
// transition observed between cohort cycles doesn't go unalerted.
type Detector interface {
	Detect(ctx context.Context, prev *liqsentinel.CachedPosition, next *liqsentinel.CachedPosition, fetchSucceeded bool) (liqsentinel.AlertKind, error)
}

// Loop runs the discovery cycle.
type Loop struct {
	fetcher   Fetcher
	registry  Registry
	cache     Cache
	detector  Detector
	logger    zerolog.Logger
	cohortIDs []string

	notionalOverrides map[string]float64
}

// New builds a discovery Loop.
func New(fetcher Fetcher, registry Registry, c Cache, detector Detector, logger zerolog.Logger, cohortIDs []string, notionalOverrides map[string]float64) *Loop {
	if len(cohortIDs) == 0 {
		cohortIDs = DefaultCohortIDs
	}
	return &Loop{
		fetcher:           fetcher,
		registry:          registry,
		cache:             c,
		detector:          detector,
		logger:            logger,
		cohortIDs:         cohortIDs,
		notionalOverrides: notionalOverrides,
	}
}

// AdaptiveInterval implements §4.5's adaptive cadence based on the current
// number of critical-tier cache entries.
func (l *Loop) AdaptiveInterval() time.Duration {
	return util.AdaptiveDiscoveryInterval(l.cache.CountByTier(liqsentinel.TierCritical))
}

// RunCycle performs one full discovery cycle: cohort walk, due-wallet scan,
// cache updates. Errors for a single wallet or cohort page are logged and
// isolated, per §7's propagation rule — only context cancellation aborts the
// whole cycle.
func (l *Loop) RunCycle(ctx context.Context) error {
	if err := l.walkCohorts(ctx); err != nil {
		if ctx.Err() != nil {
			return err
		}
		l.logger.Warn().Err(err).Msg("cohort walk failed, continuing to due-wallet scan")
	}

	due := l.registry.IterDue(time.Now())
	for _, w := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.scanWallet(ctx, w)
	}
	return nil
}

func (l *Loop) walkCohorts(ctx context.Context) error {
	for _, cohortID := range l.cohortIDs {
		offset := 0
		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			page, err := l.fetcher.GetCohortPage(ctx, cohortID, offset, cohortPageSize)
			if err != nil {
				l.logger.Warn().Err(err).Str("cohort", cohortID).Msg("cohort page fetch failed")
				break
			}

			for _, trader := range page.Traders {
				l.maybeUpsertFromCohort(trader, cohortID)
			}

			if !page.HasMore {
				break
			}
			offset += cohortPageSize

			timer := time.NewTimer(cohortPagePause)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}
	return nil
}

// maybeUpsertFromCohort rejects cohort traders whose total notional is under
// $300K and upserts the rest. Leverage and directional bias aren't present on
// the cohort payload, and scanWallet does not check them either: no
// leverage/long-bias filter is applied to discovered wallets.
func (l *Loop) maybeUpsertFromCohort(trader upstream.CohortTrader, cohortID string) {
	if trader.TotalNotional < cohortAggregateMinimum {
		return
	}
	val := trader.AccountValue
	if err := l.registry.Upsert(trader.Address, liqsentinel.SourceCohort, cohortID, &val); err != nil {
		l.logger.Error().Err(err).Str("address", trader.Address).Msg("failed to upsert cohort wallet")
	}
}

// IngestLiquidationHistory ingests entries appended by the external
// historical-liquidation import tool (§4.5 step 2), a supplemented feature:
// the import tool itself is out of scope, but the registry must still learn
// from what it produces.
func (l *Loop) IngestLiquidationHistory(entries []upstream.HistoryEntry) error {
	for _, e := range entries {
		if e.HistoricalNotional < util.LiquidationHistoryMinNotional {
			continue
		}
		val := e.HistoricalNotional
		if err := l.registry.Upsert(e.Address, liqsentinel.SourceLiquidationHistory, "liq_history", &val); err != nil {
			return fmt.Errorf("ingest liquidation history for %s: %w", e.Address, err)
		}
	}
	return nil
}

// scanWallet fetches positions on every sub-exchange for w, applies the
// notional and liquidation-price filters, and inserts/updates the cache.
func (l *Loop) scanWallet(ctx context.Context, w liqsentinel.Wallet) {
	var aggregate float64
	var positionsFound int
	now := time.Now()

	for _, exchange := range liqsentinel.Exchanges {
		dex := dexTag(exchange)

		resp, err := l.fetcher.GetPositions(ctx, w.Address, dex)
		if err != nil {
			l.logger.Warn().Err(err).Str("address", w.Address).Str("exchange", string(exchange)).Msg("position fetch failed, skipping this exchange this cycle")
			continue
		}

		mids, err := l.fetcher.GetMarkPrices(ctx, dex)
		if err != nil {
			l.logger.Warn().Err(err).Str("exchange", string(exchange)).Msg("mark price fetch failed, skipping this exchange this cycle")
			continue
		}

		for _, wrapped := range resp.AssetPositions {
			pos, ok := convertPosition(w.Address, exchange, wrapped.Position, mids, now)
			if !ok {
				continue
			}

			threshold := util.NotionalThreshold(strings.TrimPrefix(pos.Key.Token, "xyz:"), l.notionalOverrides)
			if pos.Margin == liqsentinel.MarginIsolated {
				threshold /= 5
			}
			if pos.Notional < threshold {
				continue
			}
			if !pos.Eligible() {
				continue
			}

			aggregate += pos.Notional
			positionsFound++

			var priorPtr *liqsentinel.CachedPosition
			if prior, exists := l.cache.Get(pos.Key.String()); exists {
				priorPtr = &prior
			}

			updated, retained := l.cache.ApplyObservation(pos, now)

			kind, err := l.detector.Detect(ctx, priorPtr, &updated, true)
			if err != nil {
				l.logger.Error().Err(err).Str("position_key", pos.Key.String()).Msg("detector failed")
			}
			switch kind {
			case liqsentinel.AlertApproaching:
				updated.ApproachingAlerted = true
			case liqsentinel.AlertImminent:
				updated.CriticalAlerted = true
			}

			if retained {
				l.cache.Reschedule(updated, now)
			} else {
				l.cache.Remove(pos.Key.String())
			}
		}
	}

	if err := l.registry.MarkScanned(w.Address, aggregate, positionsFound); err != nil {
		l.logger.Error().Err(err).Str("address", w.Address).Msg("failed to mark wallet scanned")
	}
}

func dexTag(exchange liqsentinel.Exchange) string {
	if exchange == liqsentinel.ExchangeMain {
		return ""
	}
	return string(exchange)
}

// convertPosition parses the wire RawPosition into the domain Position type.
// The xyz exchange prefixes coin symbols with "xyz:"; the position key keeps
// the prefix intact, scanWallet strips it for the notional-threshold lookup,
// and the mark-price lookup here falls back to the unprefixed symbol.
func convertPosition(address string, exchange liqsentinel.Exchange, raw upstream.RawPosition, mids upstream.MidsResponse, now time.Time) (liqsentinel.Position, bool) {
	size, err := strconv.ParseFloat(raw.Szi, 64)
	if err != nil {
		return liqsentinel.Position{}, false
	}
	side := liqsentinel.SideLong
	if size < 0 {
		side = liqsentinel.SideShort
		size = -size
	}

	entry, _ := strconv.ParseFloat(raw.EntryPx, 64)
	notional, _ := strconv.ParseFloat(raw.PositionValue, 64)

	lookupCoin := strings.TrimPrefix(raw.Coin, "xyz:")
	markStr, ok := mids[raw.Coin]
	if !ok {
		markStr, ok = mids[lookupCoin]
	}
	var mark float64
	if ok {
		mark, _ = strconv.ParseFloat(markStr, 64)
	}

	var liqPx *float64
	if raw.LiquidationPx != nil {
		if v, err := strconv.ParseFloat(*raw.LiquidationPx, 64); err == nil {
			liqPx = &v
		}
	}

	margin := liqsentinel.MarginCross
	if raw.Leverage.Type == "isolated" {
		margin = liqsentinel.MarginIsolated
	}

	return liqsentinel.Position{
		Key: liqsentinel.PositionKey{
			Address:  address,
			Token:    raw.Coin,
			Exchange: exchange,
			Side:     side,
		},
		Size:          size,
		EntryPrice:    entry,
		MarkPrice:     mark,
		LiquidationPx: liqPx,
		Notional:      notional,
		Leverage:      float64(raw.Leverage.Value),
		Margin:        margin,
		ObservedAt:    now,
	}, true
}
