// Package liqsentinel implements the monitoring engine: a wallet registry, a
// tier-classified position cache, a rate-limited fetcher, a discovery loop, a
// tiered refresh scheduler and a state-change detector that together watch
// publicly visible perpetual-futures positions and raise liquidation alerts.
package liqsentinel

import (
	"fmt"
	"strings"
	"time"
)

// Exchange identifies one of the sub-exchanges a position can live on.
type Exchange string

const (
	ExchangeMain Exchange = "main"
	ExchangeXYZ  Exchange = "xyz"
	ExchangeFLX  Exchange = "flx"
	ExchangeHYNA Exchange = "hyna"
	ExchangeKM   Exchange = "km"
)

// Exchanges lists every sub-exchange the discovery loop scans per wallet.
var Exchanges = []Exchange{ExchangeMain, ExchangeXYZ, ExchangeFLX, ExchangeHYNA, ExchangeKM}

// Side is the position direction.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// MarginType distinguishes cross margin (shared wallet balance) from isolated
// margin (position's own margin only).
type MarginType string

const (
	MarginCross    MarginType = "cross"
	MarginIsolated MarginType = "isolated"
)

// DiscoverySource records how a wallet entered the registry.
type DiscoverySource string

const (
	SourceCohort            DiscoverySource = "cohort"
	SourceLiquidationHistory DiscoverySource = "liquidation-history"
	SourceManual            DiscoverySource = "manual"
)

// ScanFrequency is the wallet's scan-cadence class.
type ScanFrequency string

const (
	FrequencyNormal     ScanFrequency = "normal"
	FrequencyInfrequent ScanFrequency = "infrequent"
)

// NormalFrequencyThreshold is the aggregate position value at or above which a
// wallet is scanned every discovery cycle instead of once per 24h (§3).
const NormalFrequencyThreshold = 60_000.0

// Tier is the urgency classification of a cached position, driving refresh
// cadence (§4.3).
type Tier string

const (
	TierCritical Tier = "critical"
	TierHigh     Tier = "high"
	TierNormal   Tier = "normal"
)

// Tier thresholds and refresh periods, expressed as configuration defaults.
// The tiers section of the YAML config overrides them for tier
// classification and refresh cadence (cache.Thresholds); alerts.Classify
// reads the distance constants below directly, so its approaching/imminent
// thresholds do not follow the configured values.
const (
	DefaultCriticalMaxDistancePct = 0.125
	DefaultHighMaxDistancePct     = 0.25
	DefaultMaxWatchDistancePct    = 5.0

	DefaultCriticalRefreshPeriod = 500 * time.Millisecond
	DefaultHighRefreshPeriod     = 3 * time.Second
	DefaultNormalRefreshPeriod   = 30 * time.Second

	// Hysteresis margins: re-arming a flag requires distance to rise above
	// threshold * 1.20 (§4.3).
	HysteresisApproachingPct = DefaultHighMaxDistancePct * 1.2
	HysteresisCriticalPct    = DefaultCriticalMaxDistancePct * 1.2
)

// AlertKind enumerates the state-transition classifications from §4.6, in
// descending priority order.
type AlertKind string

const (
	AlertFullLiquidation    AlertKind = "full-liquidation"
	AlertPartialLiquidation AlertKind = "partial-liquidation"
	AlertCollateralAdded    AlertKind = "collateral-added"
	AlertImminent           AlertKind = "imminent"
	AlertApproaching        AlertKind = "approaching"
	AlertSilentUpdate       AlertKind = "silent-update"
)

// PositionKey is the composite identity (address, token, exchange, side) from §3.
type PositionKey struct {
	Address  string
	Token    string
	Exchange Exchange
	Side     Side
}

// String renders a stable, human-readable key used for map lookups, log
// fields and the alert_log's position_key column.
func (k PositionKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", strings.ToLower(k.Address), k.Token, k.Exchange, k.Side)
}

// Wallet is a monitored address (§3). Wallets are only added or updated, never
// removed — the registry is append-only.
type Wallet struct {
	Address        string
	Sources        []DiscoverySource
	Cohort         string
	LastValue      float64
	Frequency      ScanFrequency
	FirstSeen      time.Time
	LastScanned    time.Time
	ScanCount      int
}

// HasSource reports whether the wallet already carries the given discovery tag.
func (w Wallet) HasSource(s DiscoverySource) bool {
	for _, existing := range w.Sources {
		if existing == s {
			return true
		}
	}
	return false
}

// FrequencyFor computes the scan-frequency class for an aggregate value,
// applied at mark_scanned time (§4.2).
func FrequencyFor(aggregateValue float64) ScanFrequency {
	if aggregateValue >= NormalFrequencyThreshold {
		return FrequencyNormal
	}
	return FrequencyInfrequent
}

// Position is one observed leveraged exposure (§3). LiquidationPx is a
// pointer because upstream may omit it; a nil LiquidationPx makes the
// position ineligible for monitoring.
type Position struct {
	Key           PositionKey
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	LiquidationPx *float64
	Notional      float64
	Leverage      float64
	Margin        MarginType
	ObservedAt    time.Time
}

// Eligible reports whether the position carries a liquidation price, the
// precondition for cache admission (§3).
func (p Position) Eligible() bool {
	return p.LiquidationPx != nil
}

// DistancePct computes signed distance-to-liquidation from mark and
// liquidation price, recomputed on every observation and never trusted from
// upstream (§3, §4.3).
func (p Position) DistancePct() float64 {
	if p.LiquidationPx == nil || p.MarkPrice == 0 {
		return 0
	}
	liq := *p.LiquidationPx
	switch p.Key.Side {
	case SideLong:
		return (p.MarkPrice - liq) / p.MarkPrice * 100
	case SideShort:
		return (liq - p.MarkPrice) / p.MarkPrice * 100
	default:
		return 0
	}
}

// CachedPosition is a Position plus cache bookkeeping (§3).
type CachedPosition struct {
	Position

	Tier               Tier
	DistancePct        float64
	LastRefresh        time.Time
	NextRefreshDeadline time.Time

	ApproachingAlerted bool
	CriticalAlerted    bool

	PrevLiquidationPx *float64
	PrevNotional      float64

	// Generation increments on every update applied over a prior cached
	// entry. Stale out-of-order observations are rejected by comparing
	// ObservedAt only (§5 "Ordering guarantees"); Generation is not consulted.
	Generation uint64
}

// AlertRecord is the dedup/emission tuple from §3 and §4.6.
type AlertRecord struct {
	PositionKey  string
	Kind         AlertKind
	EmittedAt    time.Time
	DayBucket    string
	Summary      string
}

// DayBucket formats t into the alert_log day-bucket key (§4.7) as a
// YYYY-MM-DD date in t's own location; the detector passes time.Now(), so
// days roll over at midnight in the process's local time zone.
func DayBucket(t time.Time) string {
	return t.Format("2006-01-02")
}
