package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liqsentinel"
	"liqsentinel/pkg/alerts"
	"liqsentinel/pkg/cache"
	"liqsentinel/pkg/upstream"
)

type fakeFetcher struct{}

func (fakeFetcher) GetPositions(ctx context.Context, address, dex string) (upstream.ClearinghouseStateResponse, error) {
	return upstream.ClearinghouseStateResponse{}, nil
}
func (fakeFetcher) GetMarkPrices(ctx context.Context, dex string) (upstream.MidsResponse, error) {
	return upstream.MidsResponse{}, nil
}
func (fakeFetcher) GetCohortPage(ctx context.Context, cohortID string, offset, limit int) (upstream.CohortPage, error) {
	return upstream.CohortPage{}, nil
}

type fakeStore struct {
	wallets   []liqsentinel.Wallet
	positions []liqsentinel.CachedPosition
	flushed   [][]liqsentinel.CachedPosition
}

func (s *fakeStore) LoadWallets() ([]liqsentinel.Wallet, error)             { return s.wallets, nil }
func (s *fakeStore) LoadPositions() ([]liqsentinel.CachedPosition, error)  { return s.positions, nil }
func (s *fakeStore) BatchWritePositions(p []liqsentinel.CachedPosition) error {
	s.flushed = append(s.flushed, p)
	return nil
}
func (s *fakeStore) ClearPositionCache() error { s.positions = nil; return nil }
func (s *fakeStore) ClearAll() error            { s.positions = nil; return nil }
func (s *fakeStore) UpsertWallet(w liqsentinel.Wallet) error {
	s.wallets = append(s.wallets, w)
	return nil
}
func (s *fakeStore) Exists(positionKey string, kind liqsentinel.AlertKind, day string) (bool, error) {
	return false, nil
}
func (s *fakeStore) Record(rec liqsentinel.AlertRecord) error { return nil }

type fakeNotifier struct{}

func (fakeNotifier) Send(ctx context.Context, text string) error { return nil }

func TestEngine_RestoreSeedsRegistryAndCache(t *testing.T) {
	store := &fakeStore{
		wallets: []liqsentinel.Wallet{{Address: "0xaa", Frequency: liqsentinel.FrequencyNormal}},
	}

	liq := 99_000.0
	store.positions = []liqsentinel.CachedPosition{{
		Position: liqsentinel.Position{
			Key:           liqsentinel.PositionKey{Address: "0xaa", Token: "BTC", Exchange: liqsentinel.ExchangeMain, Side: liqsentinel.SideLong},
			LiquidationPx: &liq,
			Notional:      500_000,
		},
		Tier: liqsentinel.TierNormal,
	}}

	detector := alerts.New(store, fakeNotifier{}, zerolog.Nop())

	e, err := New(Config{
		Logger:     zerolog.Nop(),
		Fetcher:    fakeFetcher{},
		Notifier:   fakeNotifier{},
		Store:      store,
		Alerts:     detector,
		Thresholds: cache.DefaultThresholds(),
	})
	require.NoError(t, err)

	require.NoError(t, e.Restore())
	assert.Equal(t, 1, e.registry.Size())
	assert.Equal(t, 1, e.cache.Len())
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	store := &fakeStore{}
	detector := alerts.New(store, fakeNotifier{}, zerolog.Nop())

	e, err := New(Config{
		Logger:     zerolog.Nop(),
		Fetcher:    fakeFetcher{},
		Notifier:   fakeNotifier{},
		Store:      store,
		Alerts:     detector,
		Thresholds: cache.DefaultThresholds(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = e.Run(ctx)
	require.NoError(t, err)
}
