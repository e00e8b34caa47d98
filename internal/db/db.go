// Package db is the persistence layer (§4.7): durable storage for the wallet
// registry, a snapshot of the position cache, and alert-dedup markers, backed
// by GORM and MySQL (NewMySQLStore(dsn), AutoMigrate, TableName() methods).
package db

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"liqsentinel"
)

// WalletRecord is the wallet_registry row (§4.7).
type WalletRecord struct {
	Address     string `gorm:"column:address;primaryKey"`
	Source      string `gorm:"column:source"` // comma-joined DiscoverySource tags
	Cohort      string `gorm:"column:cohort"`
	LastValue   float64 `gorm:"column:last_value"`
	Frequency   string  `gorm:"column:frequency"`
	FirstSeen   time.Time `gorm:"column:first_seen"`
	LastScanned time.Time `gorm:"column:last_scanned"`
	ScanCount   int       `gorm:"column:scan_count"`
}

// TableName pins the wallet_registry table name.
func (WalletRecord) TableName() string { return "wallet_registry" }

// PositionCacheRecord is the position_cache row (§4.7).
type PositionCacheRecord struct {
	PositionKey        string    `gorm:"column:position_key;primaryKey"`
	Address            string    `gorm:"column:address"`
	Token              string    `gorm:"column:token"`
	Exchange           string    `gorm:"column:exchange"`
	Side               string    `gorm:"column:side"`
	Size               float64   `gorm:"column:size"`
	Entry              float64   `gorm:"column:entry"`
	Mark               float64   `gorm:"column:mark"`
	Liq                *float64  `gorm:"column:liq"`
	Notional           float64   `gorm:"column:notional"`
	Leverage           float64   `gorm:"column:leverage"`
	MarginType         string    `gorm:"column:margin_type"`
	Tier               string    `gorm:"column:tier"`
	DistancePct        float64   `gorm:"column:distance_pct"`
	ApproachingAlerted bool      `gorm:"column:approaching_alerted"`
	CriticalAlerted    bool      `gorm:"column:critical_alerted"`
	PrevLiq            *float64  `gorm:"column:prev_liq"`
	PrevNotional       float64   `gorm:"column:prev_notional"`
	LastUpdated        time.Time `gorm:"column:last_updated"`
}

// TableName pins the position_cache table name.
func (PositionCacheRecord) TableName() string { return "position_cache" }

// AlertLogRecord is the alert_log row (§4.7), indexed by
// (position_key, kind, day_bucket) for the dedup lookup.
type AlertLogRecord struct {
	ID          uint      `gorm:"column:id;primaryKey;autoIncrement"`
	PositionKey string    `gorm:"column:position_key;index:idx_alert_dedup,unique"`
	Kind        string    `gorm:"column:kind;index:idx_alert_dedup,unique"`
	DayBucket   string    `gorm:"column:day_bucket;index:idx_alert_dedup,unique"`
	EmittedAt   time.Time `gorm:"column:emitted_at"`
	Summary     string    `gorm:"column:summary"`
}

// TableName pins the alert_log table name.
func (AlertLogRecord) TableName() string { return "alert_log" }

// Store is the GORM-backed persistence layer. It satisfies registry.Store
// and alerts.Store without importing either package, keeping this package a
// leaf dependency.
type Store struct {
	db *gorm.DB
}

// NewMySQLStore opens a MySQL connection via dsn and migrates every table.
func NewMySQLStore(dsn string) (*Store, error) {
	gdb, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open mysql: %v", liqsentinel.ErrPersistenceFailure, err)
	}
	s := &Store{db: gdb}
	if err := s.AutoMigrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewMySQLStoreWithDB wraps an already-open *gorm.DB, used by tests against
// sqlmock.
func NewMySQLStoreWithDB(gdb *gorm.DB) *Store {
	return &Store{db: gdb}
}

// AutoMigrate creates or updates every table this package owns.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&WalletRecord{}, &PositionCacheRecord{}, &AlertLogRecord{}); err != nil {
		return fmt.Errorf("%w: automigrate: %v", liqsentinel.ErrPersistenceFailure, err)
	}
	return nil
}

// GetDB exposes the underlying *gorm.DB for callers that need it directly
// (tests, migrations).
func (s *Store) GetDB() *gorm.DB { return s.db }

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func joinSources(sources []liqsentinel.DiscoverySource) string {
	parts := make([]string, len(sources))
	for i, s := range sources {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

func splitSources(s string) []liqsentinel.DiscoverySource {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]liqsentinel.DiscoverySource, len(parts))
	for i, p := range parts {
		out[i] = liqsentinel.DiscoverySource(p)
	}
	return out
}

// UpsertWallet writes a wallet_registry row, overwriting on conflict. Writes
// to the registry are synchronous, per §4.7.
func (s *Store) UpsertWallet(w liqsentinel.Wallet) error {
	rec := WalletRecord{
		Address:     w.Address,
		Source:      joinSources(w.Sources),
		Cohort:      w.Cohort,
		LastValue:   w.LastValue,
		Frequency:   string(w.Frequency),
		FirstSeen:   w.FirstSeen,
		LastScanned: w.LastScanned,
		ScanCount:   w.ScanCount,
	}
	err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("%w: upsert wallet: %v", liqsentinel.ErrPersistenceFailure, err)
	}
	return nil
}

// LoadWallets restores every wallet_registry row, for startup restore.
func (s *Store) LoadWallets() ([]liqsentinel.Wallet, error) {
	var recs []WalletRecord
	if err := s.db.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("%w: load wallets: %v", liqsentinel.ErrPersistenceFailure, err)
	}
	out := make([]liqsentinel.Wallet, len(recs))
	for i, r := range recs {
		out[i] = liqsentinel.Wallet{
			Address:     r.Address,
			Sources:     splitSources(r.Source),
			Cohort:      r.Cohort,
			LastValue:   r.LastValue,
			Frequency:   liqsentinel.ScanFrequency(r.Frequency),
			FirstSeen:   r.FirstSeen,
			LastScanned: r.LastScanned,
			ScanCount:   r.ScanCount,
		}
	}
	return out, nil
}

func toRecord(p liqsentinel.CachedPosition) PositionCacheRecord {
	return PositionCacheRecord{
		PositionKey:        p.Key.String(),
		Address:            p.Key.Address,
		Token:              p.Key.Token,
		Exchange:           string(p.Key.Exchange),
		Side:               string(p.Key.Side),
		Size:               p.Size,
		Entry:              p.EntryPrice,
		Mark:               p.MarkPrice,
		Liq:                p.LiquidationPx,
		Notional:           p.Notional,
		Leverage:           p.Leverage,
		MarginType:         string(p.Margin),
		Tier:               string(p.Tier),
		DistancePct:        p.DistancePct,
		ApproachingAlerted: p.ApproachingAlerted,
		CriticalAlerted:    p.CriticalAlerted,
		PrevLiq:            p.PrevLiquidationPx,
		PrevNotional:       p.PrevNotional,
		LastUpdated:        p.LastRefresh,
	}
}

func fromRecord(r PositionCacheRecord) liqsentinel.CachedPosition {
	return liqsentinel.CachedPosition{
		Position: liqsentinel.Position{
			Key: liqsentinel.PositionKey{
				Address:  r.Address,
				Token:    r.Token,
				Exchange: liqsentinel.Exchange(r.Exchange),
				Side:     liqsentinel.Side(r.Side),
			},
			Size:          r.Size,
			EntryPrice:    r.Entry,
			MarkPrice:     r.Mark,
			LiquidationPx: r.Liq,
			Notional:      r.Notional,
			Leverage:      r.Leverage,
			Margin:        liqsentinel.MarginType(r.MarginType),
			ObservedAt:    r.LastUpdated,
		},
		Tier:               liqsentinel.Tier(r.Tier),
		DistancePct:        r.DistancePct,
		LastRefresh:        r.LastUpdated,
		ApproachingAlerted: r.ApproachingAlerted,
		CriticalAlerted:    r.CriticalAlerted,
		PrevLiquidationPx:  r.PrevLiq,
		PrevNotional:       r.PrevNotional,
	}
}

// BatchWritePositions upserts a coalesced batch of cache entries in one
// transaction, the write-amplification mitigation required by §4.7.
func (s *Store) BatchWritePositions(positions []liqsentinel.CachedPosition) error {
	if len(positions) == 0 {
		return nil
	}
	recs := make([]PositionCacheRecord, len(positions))
	for i, p := range positions {
		recs[i] = toRecord(p)
	}
	err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&recs).Error
	if err != nil {
		return fmt.Errorf("%w: batch write positions: %v", liqsentinel.ErrPersistenceFailure, err)
	}
	return nil
}

// LoadPositions restores every position_cache row, for startup restore.
// Entries whose LastUpdated is older than 24h are still returned; the
// scheduler lazily revalidates distance on first refresh per §4.7.
func (s *Store) LoadPositions() ([]liqsentinel.CachedPosition, error) {
	var recs []PositionCacheRecord
	if err := s.db.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("%w: load positions: %v", liqsentinel.ErrPersistenceFailure, err)
	}
	out := make([]liqsentinel.CachedPosition, len(recs))
	for i, r := range recs {
		out[i] = fromRecord(r)
	}
	return out, nil
}

// Exists implements the alert log's dedup check for
// (position_key, kind, day_bucket).
func (s *Store) Exists(positionKey string, kind liqsentinel.AlertKind, dayBucket string) (bool, error) {
	var count int64
	err := s.db.Model(&AlertLogRecord{}).
		Where("position_key = ? AND kind = ? AND day_bucket = ?", positionKey, string(kind), dayBucket).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("%w: alert log lookup: %v", liqsentinel.ErrPersistenceFailure, err)
	}
	return count > 0, nil
}

// Record writes a new alert_log row. The alert log is written synchronously,
// per §4.7.
func (s *Store) Record(rec liqsentinel.AlertRecord) error {
	row := AlertLogRecord{
		PositionKey: rec.PositionKey,
		Kind:        string(rec.Kind),
		DayBucket:   rec.DayBucket,
		EmittedAt:   rec.EmittedAt,
		Summary:     rec.Summary,
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("%w: record alert: %v", liqsentinel.ErrPersistenceFailure, err)
	}
	return nil
}

// ClearPositionCache truncates position_cache only, leaving the wallet
// registry intact — backs the --clear-cache CLI flag.
func (s *Store) ClearPositionCache() error {
	if err := s.db.Exec("DELETE FROM position_cache").Error; err != nil {
		return fmt.Errorf("%w: clear position cache: %v", liqsentinel.ErrPersistenceFailure, err)
	}
	return nil
}

// ClearAll truncates position_cache and alert_log but preserves
// wallet_registry (its source history must never shrink) — backs the
// --clear-db CLI flag.
func (s *Store) ClearAll() error {
	if err := s.ClearPositionCache(); err != nil {
		return err
	}
	if err := s.db.Exec("DELETE FROM alert_log").Error; err != nil {
		return fmt.Errorf("%w: clear alert log: %v", liqsentinel.ErrPersistenceFailure, err)
	}
	return nil
}
