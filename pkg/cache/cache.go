// Package cache implements the position cache and tier classifier (§4.3): an
// in-memory map from position key to cached state, indexed additionally by a
// min-heap on next-refresh deadline so the scheduler can pick the next
// candidate in O(log n).
package cache

import (
	"container/heap"
	"sync"
	"time"

	"liqsentinel"
)

// ClassifyTier computes the tier for a distance percentage, and whether the
// position is still retainable at all (§4.3: anything beyond max-watch or at
// or below zero is only kept if it was previously in a higher tier).
func ClassifyTier(distancePct, criticalMax, highMax, maxWatch float64) (tier liqsentinel.Tier, retained bool) {
	switch {
	case distancePct <= 0:
		return liqsentinel.TierNormal, false
	case distancePct <= criticalMax:
		return liqsentinel.TierCritical, true
	case distancePct <= highMax:
		return liqsentinel.TierHigh, true
	case distancePct <= maxWatch:
		return liqsentinel.TierNormal, true
	default:
		return liqsentinel.TierNormal, false
	}
}

// Thresholds bundles the tier boundaries and refresh periods, read once from
// configuration and passed to Cache by value.
type Thresholds struct {
	CriticalMaxDistancePct float64
	HighMaxDistancePct     float64
	MaxWatchDistancePct    float64

	CriticalRefreshPeriod time.Duration
	HighRefreshPeriod     time.Duration
	NormalRefreshPeriod   time.Duration

	HysteresisApproachingPct float64
	HysteresisCriticalPct    float64
}

// DefaultThresholds returns the thresholds named in the tier table.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CriticalMaxDistancePct:   liqsentinel.DefaultCriticalMaxDistancePct,
		HighMaxDistancePct:       liqsentinel.DefaultHighMaxDistancePct,
		MaxWatchDistancePct:      liqsentinel.DefaultMaxWatchDistancePct,
		CriticalRefreshPeriod:    liqsentinel.DefaultCriticalRefreshPeriod,
		HighRefreshPeriod:        liqsentinel.DefaultHighRefreshPeriod,
		NormalRefreshPeriod:      liqsentinel.DefaultNormalRefreshPeriod,
		HysteresisApproachingPct: liqsentinel.HysteresisApproachingPct,
		HysteresisCriticalPct:    liqsentinel.HysteresisCriticalPct,
	}
}

func (t Thresholds) periodFor(tier liqsentinel.Tier) time.Duration {
	switch tier {
	case liqsentinel.TierCritical:
		return t.CriticalRefreshPeriod
	case liqsentinel.TierHigh:
		return t.HighRefreshPeriod
	default:
		return t.NormalRefreshPeriod
	}
}

// entry is the heap element; index tracks its position for container/heap's
// update-in-place support.
type entry struct {
	pos   liqsentinel.CachedPosition
	index int
}

type deadlineHeap []*entry

func (h deadlineHeap) Len() int { return len(h) }
func (h deadlineHeap) Less(i, j int) bool {
	return h[i].pos.NextRefreshDeadline.Before(h[j].pos.NextRefreshDeadline)
}
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *deadlineHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Cache is the position cache: O(1) lookup by key, O(log n) pick of the
// earliest refresh deadline. A single RWMutex guards both indexes, per §5's
// reader/writer-lock design: read-only operations (Get, Len, CountByTier,
// All, NextDeadline) take the shared lock, and every operation that touches
// the heap or map for writing takes the exclusive lock.
type Cache struct {
	mu         sync.RWMutex
	thresholds Thresholds
	byKey      map[string]*entry
	heap       deadlineHeap
}

// New builds an empty Cache with the given thresholds.
func New(thresholds Thresholds) *Cache {
	c := &Cache{
		thresholds: thresholds,
		byKey:      make(map[string]*entry),
	}
	heap.Init(&c.heap)
	return c
}

// Get returns the cached position for key, if present.
func (c *Cache) Get(key string) (liqsentinel.CachedPosition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byKey[key]
	if !ok {
		return liqsentinel.CachedPosition{}, false
	}
	return e.pos, true
}

// Len returns the number of cached positions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byKey)
}

// CountByTier returns how many cached positions currently sit in tier.
func (c *Cache) CountByTier(tier liqsentinel.Tier) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, e := range c.byKey {
		if e.pos.Tier == tier {
			n++
		}
	}
	return n
}

// All returns a snapshot of every cached position, used by the daily summary.
func (c *Cache) All() []liqsentinel.CachedPosition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]liqsentinel.CachedPosition, 0, len(c.byKey))
	for _, e := range c.byKey {
		out = append(out, e.pos)
	}
	return out
}

// NextDeadline returns the earliest next-refresh deadline in the cache.
func (c *Cache) NextDeadline() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.heap) == 0 {
		return time.Time{}, false
	}
	return c.heap[0].pos.NextRefreshDeadline, true
}

// PopDue removes and returns the cached position with the earliest deadline,
// if that deadline is at or before now. It does not reinsert the entry —
// callers must call Reschedule after refreshing it.
func (c *Cache) PopDue(now time.Time) (liqsentinel.CachedPosition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.heap) == 0 || c.heap[0].pos.NextRefreshDeadline.After(now) {
		return liqsentinel.CachedPosition{}, false
	}
	e := heap.Pop(&c.heap).(*entry)
	delete(c.byKey, e.pos.Key.String())
	return e.pos, true
}

// DueWithSameWalletExchange removes and returns every other cached position
// sharing the given address and exchange whose deadline falls within window
// of now, implementing the scheduler's wallet/exchange coalescing (§4.4).
func (c *Cache) DueWithSameWalletExchange(address string, exchange liqsentinel.Exchange, now time.Time, window time.Duration) []liqsentinel.CachedPosition {
	c.mu.Lock()
	defer c.mu.Unlock()

	var matched []*entry
	for _, e := range c.byKey {
		if e.pos.Key.Address == address && e.pos.Key.Exchange == exchange &&
			!e.pos.NextRefreshDeadline.After(now.Add(window)) {
			matched = append(matched, e)
		}
	}

	out := make([]liqsentinel.CachedPosition, 0, len(matched))
	for _, e := range matched {
		heap.Remove(&c.heap, e.index)
		delete(c.byKey, e.pos.Key.String())
		out = append(out, e.pos)
	}
	return out
}

// Reschedule reinserts pos into the cache with its deadline advanced to
// now + period(tier). Used after a refresh has been applied and classified.
// An entry already cached under the same key is replaced, so a key is never
// held twice in the heap.
func (c *Cache) Reschedule(pos liqsentinel.CachedPosition, now time.Time) {
	pos.NextRefreshDeadline = now.Add(c.thresholds.periodFor(pos.Tier))
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.byKey[pos.Key.String()]; ok {
		heap.Remove(&c.heap, old.index)
	}
	e := &entry{pos: pos}
	heap.Push(&c.heap, e)
	c.byKey[pos.Key.String()] = e
}

// Remove evicts a position by key, used on full-liquidation removal or
// threshold/ineligibility eviction.
func (c *Cache) Remove(key string) (liqsentinel.CachedPosition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byKey[key]
	if !ok {
		return liqsentinel.CachedPosition{}, false
	}
	heap.Remove(&c.heap, e.index)
	delete(c.byKey, key)
	return e.pos, true
}

// ApplyObservation classifies a freshly observed Position against any prior
// cached state for the same key and returns the new CachedPosition plus
// whether it should be retained in the cache. The caller (the state-change
// detector) is responsible for comparing prev/next and emitting alerts
// before calling Reschedule or Remove.
//
// Staleness rejection (§5 "Ordering guarantees"): if a prior entry exists and
// its ObservedAt is at or after pos.ObservedAt, the observation is discarded
// and the prior entry is returned unchanged.
func (c *Cache) ApplyObservation(pos liqsentinel.Position, now time.Time) (updated liqsentinel.CachedPosition, retained bool) {
	key := pos.Key.String()

	c.mu.RLock()
	e, exists := c.byKey[key]
	var prior liqsentinel.CachedPosition
	if exists {
		prior = e.pos
	}
	c.mu.RUnlock()

	if exists && !prior.ObservedAt.IsZero() && !pos.ObservedAt.After(prior.ObservedAt) {
		return prior, true
	}

	if !pos.Eligible() {
		return liqsentinel.CachedPosition{}, false
	}

	distance := pos.DistancePct()
	tier, retainedByDistance := ClassifyTier(distance, c.thresholds.CriticalMaxDistancePct, c.thresholds.HighMaxDistancePct, c.thresholds.MaxWatchDistancePct)

	wasHigherTier := exists && tierRank(prior.Tier) < tierRank(tier)
	if !retainedByDistance && !wasHigherTier {
		return liqsentinel.CachedPosition{}, false
	}
	if !retainedByDistance {
		tier = prior.Tier
	}

	next := liqsentinel.CachedPosition{
		Position:    pos,
		Tier:        tier,
		DistancePct: distance,
		LastRefresh: now,
	}

	if exists {
		next.ApproachingAlerted = prior.ApproachingAlerted
		next.CriticalAlerted = prior.CriticalAlerted
		next.PrevLiquidationPx = prior.LiquidationPx
		next.PrevNotional = prior.Notional
		next.Generation = prior.Generation + 1

		if distance > c.thresholds.HysteresisApproachingPct {
			next.ApproachingAlerted = false
		}
		if distance > c.thresholds.HysteresisCriticalPct {
			next.CriticalAlerted = false
		}
	}

	return next, true
}

// tierRank gives critical the lowest (most urgent) rank, for "previously
// higher tier" comparisons.
func tierRank(t liqsentinel.Tier) int {
	switch t {
	case liqsentinel.TierCritical:
		return 0
	case liqsentinel.TierHigh:
		return 1
	default:
		return 2
	}
}
