// Package fetcher implements the rate-limited wrapper around the upstream
// position and discovery clients: a concurrency gate, per-call pacing, a
// periodic batch pause, per-address cross-dex separation, and exponential
// backoff with full jitter on transient failures.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"liqsentinel"
	"liqsentinel/internal/util"
	"liqsentinel/pkg/upstream"
)

const (
	defaultConcurrency  = 5
	defaultRequestDelay = 250 * time.Millisecond
	defaultBatchSize    = 50
	defaultBatchPause   = 2 * time.Second
	defaultDexDelay     = 100 * time.Millisecond
	defaultMaxAttempts  = 5
	defaultBackoffBase  = time.Second
	defaultBackoffCap   = 60 * time.Second
	callTimeout         = 10 * time.Second
)

// Option configures a Fetcher at construction time.
type Option func(*Fetcher)

// WithConcurrency sets C, the max number of in-flight requests.
func WithConcurrency(c int) Option { return func(f *Fetcher) { f.concurrency = c } }

// WithRequestDelay sets d_req, the pacing delay between successive requests.
func WithRequestDelay(d time.Duration) Option { return func(f *Fetcher) { f.requestDelay = d } }

// WithBatchPause sets B (batch size) and d_batch (the pause injected after
// every B requests).
func WithBatchPause(batchSize int, pause time.Duration) Option {
	return func(f *Fetcher) {
		f.batchSize = batchSize
		f.batchPause = pause
	}
}

// WithDexDelay sets d_dex, the minimum gap between queries for distinct
// sub-exchanges against the same address.
func WithDexDelay(d time.Duration) Option { return func(f *Fetcher) { f.dexDelay = d } }

// WithMaxAttempts sets the retry ceiling for transient failures.
func WithMaxAttempts(n int) Option { return func(f *Fetcher) { f.maxAttempts = n } }

// WithBackoff sets the base and cap durations for full-jitter backoff.
func WithBackoff(base, cap time.Duration) Option {
	return func(f *Fetcher) {
		f.backoffBase = base
		f.backoffCap = cap
	}
}

// Fetcher serializes and paces all calls to the upstream position and
// discovery clients.
type Fetcher struct {
	positions upstream.PositionClient
	discovery upstream.DiscoveryClient
	logger    zerolog.Logger

	concurrency  int
	requestDelay time.Duration
	batchSize    int
	batchPause   time.Duration
	dexDelay     time.Duration
	maxAttempts  int
	backoffBase  time.Duration
	backoffCap   time.Duration

	sem     chan struct{}
	limiter *rate.Limiter

	mu           sync.Mutex
	requestCount int
	lastDexCall  map[string]dexCall
}

type dexCall struct {
	dex string
	at  time.Time
}

// New builds a Fetcher around the given upstream clients.
func New(positions upstream.PositionClient, discovery upstream.DiscoveryClient, logger zerolog.Logger, opts ...Option) *Fetcher {
	f := &Fetcher{
		positions:    positions,
		discovery:    discovery,
		logger:       logger,
		concurrency:  defaultConcurrency,
		requestDelay: defaultRequestDelay,
		batchSize:    defaultBatchSize,
		batchPause:   defaultBatchPause,
		dexDelay:     defaultDexDelay,
		maxAttempts:  defaultMaxAttempts,
		backoffBase:  defaultBackoffBase,
		backoffCap:   defaultBackoffCap,
		lastDexCall:  make(map[string]dexCall),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.sem = make(chan struct{}, f.concurrency)
	f.limiter = rate.NewLimiter(rate.Every(f.requestDelay), 1)
	return f
}

// acquire blocks for a semaphore slot, the pacing limiter, any per-address
// cross-dex separation delay, and the periodic batch pause — in that order —
// then returns a release function.
func (f *Fetcher) acquire(ctx context.Context, address, dex string) (func(), error) {
	select {
	case f.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := f.limiter.Wait(ctx); err != nil {
		<-f.sem
		return nil, err
	}

	if address != "" {
		f.mu.Lock()
		if prev, ok := f.lastDexCall[address]; ok && prev.dex != dex {
			wait := f.dexDelay - time.Since(prev.at)
			f.mu.Unlock()
			if wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					<-f.sem
					return nil, ctx.Err()
				}
			}
		} else {
			f.mu.Unlock()
		}
	}

	f.mu.Lock()
	f.lastDexCall[address] = dexCall{dex: dex, at: time.Now()}
	f.requestCount++
	needsBatchPause := f.batchSize > 0 && f.requestCount%f.batchSize == 0
	f.mu.Unlock()

	if needsBatchPause {
		timer := time.NewTimer(f.batchPause)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			<-f.sem
			return nil, ctx.Err()
		}
	}

	return func() { <-f.sem }, nil
}

// withRetry runs op under the concurrency/pacing gate, retrying transient
// upstream failures with full-jitter exponential backoff.
func (f *Fetcher) withRetry(ctx context.Context, address, dex string, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		release, err := f.acquire(ctx, address, dex)
		if err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		err = op(callCtx)
		cancel()
		release()

		if err == nil {
			return nil
		}

		if !errors.Is(err, upstream.ErrTransport) {
			if errors.Is(err, upstream.ErrSchema) {
				return fmt.Errorf("%w: %v", liqsentinel.ErrMalformedResponse, err)
			}
			return err
		}

		lastErr = err
		f.logger.Warn().Err(err).Int("attempt", attempt).Str("address", address).Str("dex", dex).Msg("transient upstream error, retrying")

		if attempt == f.maxAttempts {
			break
		}
		wait := util.Backoff(attempt, f.backoffBase, f.backoffCap)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %v", liqsentinel.ErrTransientUpstream, lastErr)
}

// GetPositions fetches every open position for address on dex, with retry.
func (f *Fetcher) GetPositions(ctx context.Context, address, dex string) (upstream.ClearinghouseStateResponse, error) {
	var out upstream.ClearinghouseStateResponse
	err := f.withRetry(ctx, address, dex, func(callCtx context.Context) error {
		resp, err := f.positions.GetPositions(callCtx, address, dex)
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	return out, err
}

// GetMarkPrices fetches the coin->price map for dex, with retry.
func (f *Fetcher) GetMarkPrices(ctx context.Context, dex string) (upstream.MidsResponse, error) {
	var out upstream.MidsResponse
	err := f.withRetry(ctx, "", dex, func(callCtx context.Context) error {
		resp, err := f.positions.GetMarkPrices(callCtx, dex)
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	return out, err
}

// GetCohortPage fetches one page of a discovery cohort, with retry.
func (f *Fetcher) GetCohortPage(ctx context.Context, cohortID string, offset, limit int) (upstream.CohortPage, error) {
	var out upstream.CohortPage
	err := f.withRetry(ctx, "", "cohort:"+cohortID, func(callCtx context.Context) error {
		resp, err := f.discovery.GetCohortPage(callCtx, cohortID, offset, limit)
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	return out, err
}
