package db

import (
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"liqsentinel"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	gdb, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	return NewMySQLStoreWithDB(gdb), mock
}

func TestUpsertWallet(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `wallet_registry`")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	w := liqsentinel.Wallet{
		Address:   "0xaa",
		Sources:   []liqsentinel.DiscoverySource{liqsentinel.SourceCohort},
		Frequency: liqsentinel.FrequencyNormal,
		FirstSeen: time.Now(),
	}

	err := store.UpsertWallet(w)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordAlert(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `alert_log`")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	rec := liqsentinel.AlertRecord{
		PositionKey: "0xaa:BTC:main:long",
		Kind:        liqsentinel.AlertImminent,
		EmittedAt:   time.Now(),
		DayBucket:   "2026-07-31",
		Summary:     "test",
	}

	err := store.Record(rec)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExists(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"count"}).AddRow(1)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM `alert_log`")).
		WillReturnRows(rows)

	exists, err := store.Exists("0xaa:BTC:main:long", liqsentinel.AlertImminent, "2026-07-31")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClearPositionCache(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM position_cache")).
		WillReturnResult(sqlmock.NewResult(0, 5))

	err := store.ClearPositionCache()
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJoinSplitSources(t *testing.T) {
	sources := []liqsentinel.DiscoverySource{liqsentinel.SourceCohort, liqsentinel.SourceManual}
	joined := joinSources(sources)
	assert.Equal(t, "cohort,manual", joined)
	assert.Equal(t, sources, splitSources(joined))
	assert.Nil(t, splitSources(""))
}

func TestToFromRecordRoundTrip(t *testing.T) {
	liq := 99_000.0
	pos := liqsentinel.CachedPosition{
		Position: liqsentinel.Position{
			Key: liqsentinel.PositionKey{
				Address:  "0xaa",
				Token:    "BTC",
				Exchange: liqsentinel.ExchangeMain,
				Side:     liqsentinel.SideLong,
			},
			LiquidationPx: &liq,
			Notional:      500_000,
		},
		Tier:        liqsentinel.TierNormal,
		DistancePct: 1.0,
	}

	rec := toRecord(pos)
	restored := fromRecord(rec)
	assert.Equal(t, pos.Key, restored.Key)
	assert.Equal(t, pos.Tier, restored.Tier)
	assert.Equal(t, *pos.LiquidationPx, *restored.LiquidationPx)
}
