// Package engine wires the three independent long-lived loops — the tiered
// refresh scheduler, the discovery loop, and the daily summary scheduler —
// around the shared fetcher, cache, registry and persistence layer, and
// exposes the single Run(ctx) entrypoint cmd/sentinel drives.
//
// Engine lives in its own package rather than the domain-types root package:
// every other component package already imports the root package for its
// types, so the root package importing this one back would be a cycle.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"liqsentinel"
	"liqsentinel/pkg/cache"
	"liqsentinel/pkg/discovery"
	"liqsentinel/pkg/registry"
	"liqsentinel/pkg/scheduler"
	"liqsentinel/pkg/summary"
	"liqsentinel/pkg/upstream"
)

// shutdownDrain is the hard deadline for every loop to drain in-flight work
// after cancellation (§5 "Cancellation").
const shutdownDrain = 30 * time.Second

// persistenceFlushInterval is the coalescing window for batched position_cache
// writes (§4.7).
const persistenceFlushInterval = time.Second

// Store is the persistence contract Engine needs beyond what registry/alerts
// already declare: startup restore and periodic cache flush.
type Store interface {
	LoadWallets() ([]liqsentinel.Wallet, error)
	LoadPositions() ([]liqsentinel.CachedPosition, error)
	BatchWritePositions(positions []liqsentinel.CachedPosition) error
	ClearPositionCache() error
	ClearAll() error
}

// Fetcher is the shared rate-limited upstream client used by both the
// refresh scheduler and the discovery loop.
type Fetcher interface {
	scheduler.Fetcher
	discovery.Fetcher
}

// Engine is the top-level object wiring every component.
type Engine struct {
	logger zerolog.Logger

	registry *registry.Registry
	cache    *cache.Cache
	store    Store

	refreshScheduler *scheduler.Scheduler
	discoveryLoop    *discovery.Loop
	summaryScheduler *summary.Scheduler
}

// Config bundles the collaborators and tuning values needed to build an
// Engine. cmd/sentinel constructs one from loaded configuration.
type Config struct {
	Logger zerolog.Logger

	Fetcher  Fetcher
	Notifier upstream.Notifier
	Store    Store
	Alerts   interface {
		Detect(ctx context.Context, prev *liqsentinel.CachedPosition, next *liqsentinel.CachedPosition, fetchSucceeded bool) (liqsentinel.AlertKind, error)
	}

	Thresholds        cache.Thresholds
	CohortIDs         []string
	NotionalOverrides map[string]float64

	SummaryCronSpec string
	SummaryTimezone *time.Location
	SummaryLogPath  string
}

// New builds an Engine from cfg, wiring the registry and cache fresh — call
// Restore before Run to seed them from persistence.
func New(cfg Config) (*Engine, error) {
	reg := registry.New(cfg.Store)
	c := cache.New(cfg.Thresholds)

	refreshScheduler := scheduler.New(cfg.Fetcher, c, cfg.Alerts, cfg.Logger)
	discoveryLoop := discovery.New(cfg.Fetcher, reg, c, cfg.Alerts, cfg.Logger, cfg.CohortIDs, cfg.NotionalOverrides)

	summaryScheduler, err := summary.New(c, cfg.Notifier, cfg.Logger, cfg.SummaryCronSpec, cfg.SummaryTimezone, cfg.SummaryLogPath)
	if err != nil {
		return nil, err
	}

	return &Engine{
		logger:           cfg.Logger,
		registry:         reg,
		cache:            c,
		store:            cfg.Store,
		refreshScheduler: refreshScheduler,
		discoveryLoop:    discoveryLoop,
		summaryScheduler: summaryScheduler,
	}, nil
}

// Restore loads persisted wallets and positions into the in-memory registry
// and cache, run once at startup before Run.
func (e *Engine) Restore() error {
	wallets, err := e.store.LoadWallets()
	if err != nil {
		return fmt.Errorf("restore wallets: %w", err)
	}
	e.registry.Restore(wallets)

	positions, err := e.store.LoadPositions()
	if err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	now := time.Now()
	for _, p := range positions {
		e.cache.Reschedule(p, now)
	}

	e.logger.Info().Int("wallets", len(wallets)).Int("positions", len(positions)).Msg("restored persisted state")
	return nil
}

// IngestLiquidationHistory forwards to the discovery loop's ingestion entry
// point, exposed here so cmd/sentinel can wire an external import trigger.
func (e *Engine) IngestLiquidationHistory(entries []upstream.HistoryEntry) error {
	return e.discoveryLoop.IngestLiquidationHistory(entries)
}

// ClearCache truncates the position cache only — backs --clear-cache.
func (e *Engine) ClearCache() error {
	return e.store.ClearPositionCache()
}

// ClearAll truncates position_cache and alert_log, preserving wallet_registry
// source history — backs --clear-db.
func (e *Engine) ClearAll() error {
	return e.store.ClearAll()
}

// Run drives the refresh scheduler, discovery loop, summary scheduler and
// persistence flush concurrently until ctx is canceled, then gives every
// loop up to 30s to drain before returning.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := e.refreshScheduler.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("refresh scheduler: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.runDiscoveryLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := e.summaryScheduler.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("summary scheduler: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.runPersistenceFlush(ctx)
	}()

	<-ctx.Done()
	e.logger.Info().Msg("shutdown signal received, draining loops")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownDrain):
		e.logger.Warn().Msg("shutdown drain deadline exceeded, returning with persistence possibly incomplete")
	}

	close(errCh)
	for err := range errCh {
		e.logger.Error().Err(err).Msg("loop exited with error")
	}
	return nil
}

func (e *Engine) runDiscoveryLoop(ctx context.Context) {
	for {
		if err := e.discoveryLoop.RunCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Error().Err(err).Msg("discovery cycle failed")
		}

		interval := e.discoveryLoop.AdaptiveInterval()
		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (e *Engine) runPersistenceFlush(ctx context.Context) {
	ticker := time.NewTicker(persistenceFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.store.BatchWritePositions(e.cache.All()); err != nil {
				e.logger.Error().Err(err).Msg("batched position cache flush failed")
			}
		case <-ctx.Done():
			_ = e.store.BatchWritePositions(e.cache.All())
			return
		}
	}
}
