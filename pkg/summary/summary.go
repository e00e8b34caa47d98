// Package summary implements the daily summary scheduler (§4.8): at a fixed
// wall-clock time it produces one summary alert grouping every cached
// position by tier. No dedup — it fires once per scheduled instant.
package summary

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"liqsentinel"
	"liqsentinel/pkg/upstream"
)

// DefaultCronSpec fires at 06:00 every day, in the scheduler's configured
// location (America/New_York by default, per §4.8).
const DefaultCronSpec = "0 6 * * *"

// Cache is the subset of pkg/cache.Cache the summary scheduler needs.
type Cache interface {
	All() []liqsentinel.CachedPosition
}

// Scheduler runs the daily summary job on a cron trigger.
type Scheduler struct {
	cron     *cron.Cron
	cache    Cache
	notifier upstream.Notifier
	logger   zerolog.Logger
	logPath  string
}

// New builds a Scheduler. cronSpec is a standard 5-field cron expression
// evaluated in loc; logPath is where the rendered digest is additionally
// appended (empty disables file logging).
func New(c Cache, notifier upstream.Notifier, logger zerolog.Logger, cronSpec string, loc *time.Location, logPath string) (*Scheduler, error) {
	if cronSpec == "" {
		cronSpec = DefaultCronSpec
	}
	if loc == nil {
		var err error
		loc, err = time.LoadLocation("America/New_York")
		if err != nil {
			loc = time.UTC
		}
	}

	s := &Scheduler{
		cron:     cron.New(cron.WithLocation(loc)),
		cache:    c,
		notifier: notifier,
		logger:   logger,
		logPath:  logPath,
	}

	_, err := s.cron.AddFunc(cronSpec, s.emit)
	if err != nil {
		return nil, fmt.Errorf("%w: parse cron spec %q: %v", liqsentinel.ErrConfigError, cronSpec, err)
	}
	return s, nil
}

// Run starts the cron scheduler and blocks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	return ctx.Err()
}

func (s *Scheduler) emit() {
	text := s.render()
	if text == "" {
		return
	}

	if err := s.notifier.Send(context.Background(), text); err != nil {
		s.logger.Error().Err(err).Msg("daily summary send failed")
	}

	if s.logPath != "" {
		if err := s.appendToLog(text); err != nil {
			s.logger.Error().Err(err).Msg("failed to append daily summary to log file")
		}
	}
}

func (s *Scheduler) render() string {
	positions := s.cache.All()
	if len(positions) == 0 {
		return ""
	}

	byTier := map[liqsentinel.Tier][]liqsentinel.CachedPosition{}
	for _, p := range positions {
		byTier[p.Tier] = append(byTier[p.Tier], p)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Daily summary — %d positions watched\n", len(positions))
	for _, tier := range []liqsentinel.Tier{liqsentinel.TierCritical, liqsentinel.TierHigh, liqsentinel.TierNormal} {
		group := byTier[tier]
		if len(group) == 0 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].DistancePct < group[j].DistancePct })

		fmt.Fprintf(&b, "\n%s (%d):\n", tier, len(group))
		for _, p := range group {
			liq := 0.0
			if p.LiquidationPx != nil {
				liq = *p.LiquidationPx
			}
			fmt.Fprintf(&b, "  %s %s %s: notional %.2f, distance %.3f%%, liq %.4f\n",
				p.Key.Token, p.Key.Side, p.Key.Exchange, p.Notional, p.DistancePct, liq)
		}
	}
	return b.String()
}

func (s *Scheduler) appendToLog(text string) error {
	f, err := os.OpenFile(s.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "--- %s ---\n%s\n", time.Now().Format(time.RFC3339), text)
	return err
}
