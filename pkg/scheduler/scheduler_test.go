package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liqsentinel"
	"liqsentinel/pkg/cache"
	"liqsentinel/pkg/upstream"
)

type fakeFetcher struct {
	resp upstream.ClearinghouseStateResponse
	mids upstream.MidsResponse
	err  error
}

func (f *fakeFetcher) GetPositions(ctx context.Context, address, dex string) (upstream.ClearinghouseStateResponse, error) {
	return f.resp, f.err
}

func (f *fakeFetcher) GetMarkPrices(ctx context.Context, dex string) (upstream.MidsResponse, error) {
	return f.mids, nil
}

type fakeDetector struct {
	calls []string
}

func (d *fakeDetector) Detect(ctx context.Context, prev *liqsentinel.CachedPosition, next *liqsentinel.CachedPosition, fetchSucceeded bool) (liqsentinel.AlertKind, error) {
	if next == nil {
		d.calls = append(d.calls, "full-liquidation")
		return liqsentinel.AlertFullLiquidation, nil
	}
	d.calls = append(d.calls, "observed")
	return liqsentinel.AlertSilentUpdate, nil
}

func ptr(f float64) *float64 { return &f }

func TestScheduler_RefreshGroup_MatchesAndUpdates(t *testing.T) {
	c := cache.New(cache.DefaultThresholds())
	now := time.Now()

	liq := 99_000.0
	seed := liqsentinel.Position{
		Key: liqsentinel.PositionKey{
			Address: "0xaa", Token: "BTC", Exchange: liqsentinel.ExchangeMain, Side: liqsentinel.SideLong,
		},
		LiquidationPx: &liq, MarkPrice: 100_000, Notional: 500_000, ObservedAt: now,
	}
	updated, _ := c.ApplyObservation(seed, now)
	c.Reschedule(updated, now.Add(-time.Minute)) // deadline now-1m+30s: already due

	liqStr := "99000"
	ff := &fakeFetcher{
		resp: upstream.ClearinghouseStateResponse{AssetPositions: []upstream.AssetPositionWrapper{
			{Position: upstream.RawPosition{Coin: "BTC", Szi: "1.0", EntryPx: "95000", LiquidationPx: &liqStr, PositionValue: "500000"}},
		}},
		mids: upstream.MidsResponse{"BTC": "100500"},
	}
	det := &fakeDetector{}
	s := New(ff, c, det, zerolog.Nop())

	due, ok := c.PopDue(time.Now())
	require.True(t, ok)
	s.refreshGroup(context.Background(), []liqsentinel.CachedPosition{due})

	assert.Equal(t, []string{"observed"}, det.calls)
}

func TestScheduler_RefreshGroup_MissingPositionIsFullLiquidation(t *testing.T) {
	c := cache.New(cache.DefaultThresholds())
	now := time.Now()

	liq := 99_000.0
	seed := liqsentinel.Position{
		Key: liqsentinel.PositionKey{
			Address: "0xaa", Token: "BTC", Exchange: liqsentinel.ExchangeMain, Side: liqsentinel.SideLong,
		},
		LiquidationPx: &liq, MarkPrice: 100_000, Notional: 500_000, ObservedAt: now,
	}
	updated, _ := c.ApplyObservation(seed, now)
	c.Reschedule(updated, now.Add(-time.Minute)) // deadline now-1m+30s: already due

	ff := &fakeFetcher{resp: upstream.ClearinghouseStateResponse{}, mids: upstream.MidsResponse{}}
	det := &fakeDetector{}
	s := New(ff, c, det, zerolog.Nop())

	due, ok := c.PopDue(time.Now())
	require.True(t, ok)
	s.refreshGroup(context.Background(), []liqsentinel.CachedPosition{due})

	assert.Equal(t, []string{"full-liquidation"}, det.calls)
}
