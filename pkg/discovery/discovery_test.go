package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liqsentinel"
	"liqsentinel/pkg/upstream"
)

type fakeFetcher struct {
	cohortPages map[string]upstream.CohortPage
	positions   map[string]upstream.ClearinghouseStateResponse
	mids        upstream.MidsResponse
}

func (f *fakeFetcher) GetPositions(ctx context.Context, address, dex string) (upstream.ClearinghouseStateResponse, error) {
	return f.positions[address+dex], nil
}

func (f *fakeFetcher) GetMarkPrices(ctx context.Context, dex string) (upstream.MidsResponse, error) {
	return f.mids, nil
}

func (f *fakeFetcher) GetCohortPage(ctx context.Context, cohortID string, offset, limit int) (upstream.CohortPage, error) {
	return f.cohortPages[cohortID], nil
}

type fakeRegistry struct {
	upserted []string
	due      []liqsentinel.Wallet
	scanned  map[string]float64
}

func (r *fakeRegistry) Upsert(address string, source liqsentinel.DiscoverySource, cohort string, aggregateValue *float64) error {
	r.upserted = append(r.upserted, address)
	return nil
}

func (r *fakeRegistry) MarkScanned(address string, aggregateValue float64, positionsFound int) error {
	if r.scanned == nil {
		r.scanned = make(map[string]float64)
	}
	r.scanned[address] = aggregateValue
	return nil
}

func (r *fakeRegistry) IterDue(now time.Time) []liqsentinel.Wallet { return r.due }

type fakeCache struct {
	applied []liqsentinel.Position
}

func (c *fakeCache) Get(key string) (liqsentinel.CachedPosition, bool) {
	return liqsentinel.CachedPosition{}, false
}

func (c *fakeCache) ApplyObservation(pos liqsentinel.Position, now time.Time) (liqsentinel.CachedPosition, bool) {
	c.applied = append(c.applied, pos)
	return liqsentinel.CachedPosition{Position: pos, Tier: liqsentinel.TierNormal}, true
}

func (c *fakeCache) Reschedule(pos liqsentinel.CachedPosition, now time.Time) {}
func (c *fakeCache) Remove(key string) (liqsentinel.CachedPosition, bool)    { return liqsentinel.CachedPosition{}, false }
func (c *fakeCache) CountByTier(tier liqsentinel.Tier) int                   { return 0 }

type fakeDetector struct {
	calls []string
}

func (d *fakeDetector) Detect(ctx context.Context, prev *liqsentinel.CachedPosition, next *liqsentinel.CachedPosition, fetchSucceeded bool) (liqsentinel.AlertKind, error) {
	d.calls = append(d.calls, next.Key.String())
	return liqsentinel.AlertSilentUpdate, nil
}

func TestLoop_WalkCohorts_FiltersLowAggregate(t *testing.T) {
	ff := &fakeFetcher{cohortPages: map[string]upstream.CohortPage{
		"whale": {Traders: []upstream.CohortTrader{
			{Address: "0xbig", AccountValue: 1_000_000, TotalNotional: 1_000_000},
			{Address: "0xsmall", AccountValue: 100, TotalNotional: 100},
		}},
	}}
	reg := &fakeRegistry{}
	c := &fakeCache{}

	loop := New(ff, reg, c, &fakeDetector{}, zerolog.Nop(), []string{"whale"}, nil)
	err := loop.walkCohorts(context.Background())
	require.NoError(t, err)

	assert.Contains(t, reg.upserted, "0xbig")
	assert.NotContains(t, reg.upserted, "0xsmall")
}

func TestLoop_IngestLiquidationHistory_FiltersBelowThreshold(t *testing.T) {
	reg := &fakeRegistry{}
	loop := New(&fakeFetcher{}, reg, &fakeCache{}, &fakeDetector{}, zerolog.Nop(), nil, nil)

	err := loop.IngestLiquidationHistory([]upstream.HistoryEntry{
		{Address: "0xbig", HistoricalNotional: 200_000},
		{Address: "0xsmall", HistoricalNotional: 1_000},
	})
	require.NoError(t, err)
	assert.Contains(t, reg.upserted, "0xbig")
	assert.NotContains(t, reg.upserted, "0xsmall")
}

func TestLoop_ScanWallet_AppliesNotionalAndEligibilityFilters(t *testing.T) {
	liq := "99000"
	ff := &fakeFetcher{
		positions: map[string]upstream.ClearinghouseStateResponse{
			"0xaa": {AssetPositions: []upstream.AssetPositionWrapper{
				{Position: upstream.RawPosition{
					Coin: "BTC", Szi: "1.5", EntryPx: "95000",
					Leverage: upstream.Leverage{Type: "cross", Value: 10},
					LiquidationPx: &liq, PositionValue: "500000",
				}},
				{Position: upstream.RawPosition{
					Coin: "DOGE", Szi: "100", EntryPx: "0.1",
					Leverage: upstream.Leverage{Type: "cross", Value: 2},
					LiquidationPx: nil, PositionValue: "1000",
				}},
			}},
		},
		mids: upstream.MidsResponse{"BTC": "100000"},
	}
	reg := &fakeRegistry{due: []liqsentinel.Wallet{{Address: "0xaa"}}}
	c := &fakeCache{}
	det := &fakeDetector{}

	loop := New(ff, reg, c, det, zerolog.Nop(), nil, nil)
	err := loop.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, c.applied, 1, "only the eligible, above-threshold BTC position should reach the cache")
	assert.Equal(t, "BTC", c.applied[0].Key.Token)
	assert.Equal(t, liqsentinel.SideLong, c.applied[0].Key.Side)
	assert.Len(t, det.calls, 1, "the detector must run on the surviving position before it's rescheduled")
}
