package fetcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liqsentinel/pkg/upstream"
)

type fakePositionClient struct {
	calls     int32
	failTimes int32
	response  upstream.ClearinghouseStateResponse
}

func (f *fakePositionClient) GetPositions(ctx context.Context, address, dex string) (upstream.ClearinghouseStateResponse, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= f.failTimes {
		return upstream.ClearinghouseStateResponse{}, upstream.ErrTransport
	}
	return f.response, nil
}

func (f *fakePositionClient) GetMarkPrices(ctx context.Context, dex string) (upstream.MidsResponse, error) {
	return upstream.MidsResponse{"BTC": "100000"}, nil
}

type fakeDiscoveryClient struct{}

func (fakeDiscoveryClient) GetCohortPage(ctx context.Context, cohortID string, offset, limit int) (upstream.CohortPage, error) {
	return upstream.CohortPage{}, nil
}

func TestFetcher_GetPositions_RetriesTransientThenSucceeds(t *testing.T) {
	pc := &fakePositionClient{failTimes: 2, response: upstream.ClearinghouseStateResponse{
		AssetPositions: []upstream.AssetPositionWrapper{{Position: upstream.RawPosition{Coin: "BTC"}}},
	}}

	f := New(pc, fakeDiscoveryClient{}, zerolog.Nop(),
		WithRequestDelay(time.Millisecond),
		WithBackoff(time.Millisecond, 10*time.Millisecond),
		WithMaxAttempts(5),
	)

	resp, err := f.GetPositions(context.Background(), "0xabc", "")
	require.NoError(t, err)
	assert.Len(t, resp.AssetPositions, 1)
	assert.Equal(t, int32(3), pc.calls)
}

func TestFetcher_GetPositions_ExhaustsRetries(t *testing.T) {
	pc := &fakePositionClient{failTimes: 100}

	f := New(pc, fakeDiscoveryClient{}, zerolog.Nop(),
		WithRequestDelay(time.Millisecond),
		WithBackoff(time.Millisecond, 5*time.Millisecond),
		WithMaxAttempts(3),
	)

	_, err := f.GetPositions(context.Background(), "0xabc", "")
	require.Error(t, err)
	assert.Equal(t, int32(3), pc.calls)
}

func TestFetcher_ConcurrencyGateLimitsInFlight(t *testing.T) {
	pc := &fakePositionClient{}
	f := New(pc, fakeDiscoveryClient{}, zerolog.Nop(),
		WithConcurrency(2),
		WithRequestDelay(time.Microsecond),
	)
	assert.Equal(t, 2, cap(f.sem))
}
