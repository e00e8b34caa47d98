// Package scheduler implements the tiered refresh scheduler (§4.4): a
// single-writer loop that repeatedly refreshes the cached position with the
// earliest deadline, coalescing same-wallet/same-exchange positions into one
// upstream call.
package scheduler

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"liqsentinel"
	"liqsentinel/pkg/upstream"
)

// coalesceWindow bounds how far ahead of "now" a sibling position's deadline
// may sit and still be folded into the same upstream call (§4.4 fairness).
const coalesceWindow = 500 * time.Millisecond

// idleSleep is how long the loop waits when the cache is empty, to re-check
// for newly discovered positions without busy-spinning.
const idleSleep = time.Second

// Fetcher is the subset of pkg/fetcher.Fetcher the scheduler needs.
type Fetcher interface {
	GetPositions(ctx context.Context, address, dex string) (upstream.ClearinghouseStateResponse, error)
	GetMarkPrices(ctx context.Context, dex string) (upstream.MidsResponse, error)
}

// Cache is the subset of pkg/cache.Cache the scheduler needs.
type Cache interface {
	PopDue(now time.Time) (liqsentinel.CachedPosition, bool)
	NextDeadline() (time.Time, bool)
	DueWithSameWalletExchange(address string, exchange liqsentinel.Exchange, now time.Time, window time.Duration) []liqsentinel.CachedPosition
	ApplyObservation(pos liqsentinel.Position, now time.Time) (liqsentinel.CachedPosition, bool)
	Reschedule(pos liqsentinel.CachedPosition, now time.Time)
	Remove(key string) (liqsentinel.CachedPosition, bool)
}

// Detector is the subset of pkg/alerts.Detector the scheduler needs.
type Detector interface {
	Detect(ctx context.Context, prev *liqsentinel.CachedPosition, next *liqsentinel.CachedPosition, fetchSucceeded bool) (liqsentinel.AlertKind, error)
}

// Scheduler drives the refresh loop.
type Scheduler struct {
	fetcher  Fetcher
	cache    Cache
	detector Detector
	logger   zerolog.Logger
}

// New builds a Scheduler.
func New(fetcher Fetcher, c Cache, detector Detector, logger zerolog.Logger) *Scheduler {
	return &Scheduler{fetcher: fetcher, cache: c, detector: detector, logger: logger}
}

// Run drives the refresh loop until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		now := time.Now()
		due, ok := s.cache.PopDue(now)
		if !ok {
			if err := s.sleepUntilNextDeadline(ctx, now); err != nil {
				return err
			}
			continue
		}

		group := append([]liqsentinel.CachedPosition{due},
			s.cache.DueWithSameWalletExchange(due.Key.Address, due.Key.Exchange, now, coalesceWindow)...)
		s.refreshGroup(ctx, group)
	}
}

func (s *Scheduler) sleepUntilNextDeadline(ctx context.Context, now time.Time) error {
	wait := idleSleep
	if deadline, ok := s.cache.NextDeadline(); ok {
		if d := deadline.Sub(now); d > 0 && d < wait {
			wait = d
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// refreshGroup issues one upstream call for the group's shared wallet and
// exchange, then applies the state-change detector to every member.
func (s *Scheduler) refreshGroup(ctx context.Context, group []liqsentinel.CachedPosition) {
	address := group[0].Key.Address
	exchange := group[0].Key.Exchange
	dex := dexTag(exchange)
	now := time.Now()

	resp, err := s.fetcher.GetPositions(ctx, address, dex)
	fetchSucceeded := err == nil
	if err != nil {
		s.logger.Warn().Err(err).Str("address", address).Str("exchange", string(exchange)).Msg("refresh fetch failed, rescheduling group unchanged")
		for _, prev := range group {
			s.cache.Reschedule(prev, now)
		}
		return
	}

	mids, err := s.fetcher.GetMarkPrices(ctx, dex)
	if err != nil {
		s.logger.Warn().Err(err).Str("exchange", string(exchange)).Msg("mark price fetch failed, rescheduling group unchanged")
		for _, prev := range group {
			s.cache.Reschedule(prev, now)
		}
		return
	}

	byTokenSide := make(map[string]upstream.RawPosition, len(resp.AssetPositions))
	for _, wrapped := range resp.AssetPositions {
		side := liqsentinel.SideLong
		if sz, err := strconv.ParseFloat(wrapped.Position.Szi, 64); err == nil && sz < 0 {
			side = liqsentinel.SideShort
		}
		byTokenSide[wrapped.Position.Coin+":"+string(side)] = wrapped.Position
	}

	for _, prev := range group {
		prev := prev
		raw, found := byTokenSide[prev.Key.Token+":"+string(prev.Key.Side)]
		if !found {
			if _, err := s.detector.Detect(ctx, &prev, nil, fetchSucceeded); err != nil {
				s.logger.Error().Err(err).Str("position_key", prev.Key.String()).Msg("detector failed on full-liquidation transition")
			}
			continue
		}

		next := buildPosition(prev.Key, raw, mids, now)
		// PopDue took the entry out of the cache; put it back so that
		// ApplyObservation sees the prior state (alert flags, hysteresis,
		// staleness check) for this key.
		s.cache.Reschedule(prev, now)
		updated, retained := s.cache.ApplyObservation(next, now)

		kind, err := s.detector.Detect(ctx, &prev, &updated, fetchSucceeded)
		if err != nil {
			s.logger.Error().Err(err).Str("position_key", prev.Key.String()).Msg("detector failed")
		}
		switch kind {
		case liqsentinel.AlertApproaching:
			updated.ApproachingAlerted = true
		case liqsentinel.AlertImminent:
			updated.CriticalAlerted = true
		}

		if retained {
			s.cache.Reschedule(updated, now)
		} else {
			s.cache.Remove(prev.Key.String())
		}
	}
}

func dexTag(exchange liqsentinel.Exchange) string {
	if exchange == liqsentinel.ExchangeMain {
		return ""
	}
	return string(exchange)
}

func buildPosition(key liqsentinel.PositionKey, raw upstream.RawPosition, mids upstream.MidsResponse, now time.Time) liqsentinel.Position {
	size, _ := strconv.ParseFloat(raw.Szi, 64)
	if size < 0 {
		size = -size
	}
	entry, _ := strconv.ParseFloat(raw.EntryPx, 64)
	notional, _ := strconv.ParseFloat(raw.PositionValue, 64)

	var mark float64
	if markStr, ok := mids[raw.Coin]; ok {
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
		Key:           key,
		Size:          size,
		EntryPrice:    entry,
		MarkPrice:     mark,
		LiquidationPx: liqPx,
		Notional:      notional,
		Leverage:      float64(raw.Leverage.Value),
		Margin:        margin,
		ObservedAt:    now,
	}
}
