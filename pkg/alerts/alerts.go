// Package alerts implements the state-change detector and alerter (§4.6): it
// classifies the transition between a previous cached state and a freshly
// fetched one, deduplicates against a persisted alert log, and dispatches the
// result to the outbound Notifier.
package alerts

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"liqsentinel"
	"liqsentinel/pkg/upstream"
)

const (
	partialLiquidationNotionalRatio = 0.9
	collateralMoveThresholdPct      = 0.005 // 0.5%
)

// Store is the alert-log persistence contract: dedup lookups and writes.
type Store interface {
	Exists(positionKey string, kind liqsentinel.AlertKind, dayBucket string) (bool, error)
	Record(rec liqsentinel.AlertRecord) error
}

// shardCount bounds the sharded lock table used for the per-key dedup
// check-then-write, keeping contention low without one lock per position.
const shardCount = 64

// Detector classifies position transitions and emits deduplicated alerts.
type Detector struct {
	store    Store
	notifier upstream.Notifier
	logger   zerolog.Logger

	shards [shardCount]sync.Mutex
}

// New builds a Detector.
func New(store Store, notifier upstream.Notifier, logger zerolog.Logger) *Detector {
	return &Detector{store: store, notifier: notifier, logger: logger}
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

// Classify implements the §4.6 classification table. prev is nil only when
// the position is newly inserted (no alert is possible on first sight); next
// is nil when the wallet's latest fetch no longer returned this key.
func Classify(prev *liqsentinel.CachedPosition, next *liqsentinel.CachedPosition, fetchSucceeded bool) liqsentinel.AlertKind {
	if prev == nil {
		return liqsentinel.AlertSilentUpdate
	}

	if next == nil {
		if fetchSucceeded {
			return liqsentinel.AlertFullLiquidation
		}
		return liqsentinel.AlertSilentUpdate
	}

	if next.Notional < partialLiquidationNotionalRatio*prev.Notional &&
		next.Key.Side == prev.Key.Side &&
		next.Size < prev.Size {
		return liqsentinel.AlertPartialLiquidation
	}

	if next.LiquidationPx != nil && prev.LiquidationPx != nil && *prev.LiquidationPx != 0 &&
		next.Size == prev.Size {
		delta := *next.LiquidationPx - *prev.LiquidationPx
		movedSafer := false
		switch next.Key.Side {
		case liqsentinel.SideLong:
			movedSafer = delta < 0 // lower liq is safer for longs
		case liqsentinel.SideShort:
			movedSafer = delta > 0 // higher liq is safer for shorts
		}
		relMove := abs(delta) / abs(*prev.LiquidationPx)
		if movedSafer && relMove >= collateralMoveThresholdPct {
			return liqsentinel.AlertCollateralAdded
		}
	}

	imminent := next.DistancePct <= liqsentinel.DefaultCriticalMaxDistancePct && !prev.CriticalAlerted
	if imminent {
		return liqsentinel.AlertImminent
	}

	if next.DistancePct <= liqsentinel.DefaultHighMaxDistancePct && !prev.ApproachingAlerted {
		return liqsentinel.AlertApproaching
	}

	return liqsentinel.AlertSilentUpdate
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// Summary renders the one-line alert text sent to the outbound channel.
func Summary(kind liqsentinel.AlertKind, key liqsentinel.PositionKey, next *liqsentinel.CachedPosition) string {
	switch kind {
	case liqsentinel.AlertFullLiquidation:
		return fmt.Sprintf("[FULL LIQUIDATION] %s %s %s on %s", key.Address, key.Side, key.Token, key.Exchange)
	case liqsentinel.AlertPartialLiquidation:
		return fmt.Sprintf("[PARTIAL LIQUIDATION] %s %s %s on %s: notional now %.2f", key.Address, key.Side, key.Token, key.Exchange, next.Notional)
	case liqsentinel.AlertCollateralAdded:
		return fmt.Sprintf("[COLLATERAL ADDED] %s %s %s on %s: distance now %.3f%%", key.Address, key.Side, key.Token, key.Exchange, next.DistancePct)
	case liqsentinel.AlertImminent:
		return fmt.Sprintf("[IMMINENT] %s %s %s on %s: distance %.3f%%, liq %.4f", key.Address, key.Side, key.Token, key.Exchange, next.DistancePct, valueOr(next.LiquidationPx))
	case liqsentinel.AlertApproaching:
		return fmt.Sprintf("[APPROACHING] %s %s %s on %s: distance %.3f%%, liq %.4f", key.Address, key.Side, key.Token, key.Exchange, next.DistancePct, valueOr(next.LiquidationPx))
	default:
		return ""
	}
}

func valueOr(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

// Detect classifies the transition, and — for every kind but silent-update —
// checks and writes the dedup record before dispatching to the Notifier.
// Emission is idempotent per (position key, kind, day): if a matching record
// already exists, the send is suppressed but the caller still receives the
// classified kind so it can update cache flags consistently.
func (d *Detector) Detect(ctx context.Context, prev *liqsentinel.CachedPosition, next *liqsentinel.CachedPosition, fetchSucceeded bool) (liqsentinel.AlertKind, error) {
	key := positionKeyString(prev, next)
	kind := Classify(prev, next, fetchSucceeded)
	if kind == liqsentinel.AlertSilentUpdate {
		return kind, nil
	}

	day := liqsentinel.DayBucket(time.Now())
	idx := shardIndex(key)
	d.shards[idx].Lock()
	defer d.shards[idx].Unlock()

	exists, err := d.store.Exists(key, kind, day)
	if err != nil {
		return kind, fmt.Errorf("%w: %v", liqsentinel.ErrPersistenceFailure, err)
	}
	if exists {
		d.logger.Debug().Str("position_key", key).Str("kind", string(kind)).Msg("alert already emitted today, suppressing")
		return kind, nil
	}

	summary := Summary(kind, positionKey(prev, next), next)

	rec := liqsentinel.AlertRecord{
		PositionKey: key,
		Kind:        kind,
		EmittedAt:   time.Now(),
		DayBucket:   day,
		Summary:     summary,
	}
	if err := d.store.Record(rec); err != nil {
		return kind, fmt.Errorf("%w: %v", liqsentinel.ErrPersistenceFailure, err)
	}

	if err := d.notifier.Send(ctx, summary); err != nil {
		d.logger.Error().Err(err).Str("position_key", key).Msg("outbound send failed, not retrying")
	}

	return kind, nil
}

func positionKeyString(prev, next *liqsentinel.CachedPosition) string {
	return positionKey(prev, next).String()
}

func positionKey(prev, next *liqsentinel.CachedPosition) liqsentinel.PositionKey {
	if next != nil {
		return next.Key
	}
	return prev.Key
}
