package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Default maintenance specs, standard five-field cron in the feeding timezone.
const (
	HistoryPruneSpec = "0 3 * * *"
	DedupSweepSpec   = "*/5 * * * *"
)

// MaintenanceService runs housekeeping on a cron: the nightly history prune and the
// detection dedup sweep.
type MaintenanceService struct {
	store     InterfaceFeedingStore
	telemetry *TelemetryHandler
	clock     clockwork.Clock
	retention time.Duration
	loc       *time.Location
	log       zerolog.Logger

	mu sync.Mutex
	c  *cron.Cron
}

// NewMaintenanceService creates the service; Start registers and runs the jobs.
func NewMaintenanceService(store InterfaceFeedingStore, telemetry *TelemetryHandler, clock clockwork.Clock, retention time.Duration, loc *time.Location, log zerolog.Logger) *MaintenanceService {
	if loc == nil {
		loc = time.UTC
	}
	return &MaintenanceService{
		store:     store,
		telemetry: telemetry,
		clock:     clock,
		retention: retention,
		loc:       loc,
		log:       log,
	}
}

// Start registers the jobs and starts the cron. Calling it twice is a no-op.
func (m *MaintenanceService) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c != nil {
		return nil
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(m.loc))

	if _, err := c.AddFunc(HistoryPruneSpec, func() { m.PruneHistory(context.Background()) }); err != nil {
		return fmt.Errorf("register history prune: %w", err)
	}
	if _, err := c.AddFunc(DedupSweepSpec, func() { m.SweepDedup() }); err != nil {
		return fmt.Errorf("register dedup sweep: %w", err)
	}

	c.Start()
	m.c = c
	m.log.Info().Str("tz", m.loc.String()).Msg("maintenance started")
	return nil
}

// Stop stops the cron and waits for a running job to finish.
func (m *MaintenanceService) Stop(ctx context.Context) {
	m.mu.Lock()
	c := m.c
	m.c = nil
	m.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		m.log.Warn().Msg("maintenance stop timed out")
	}
}

// PruneHistory deletes history older than the retention window.
func (m *MaintenanceService) PruneHistory(ctx context.Context) int64 {
	cutoff := m.clock.Now().Add(-m.retention)
	n, err := m.store.PruneHistory(ctx, cutoff)
	if err != nil {
		m.log.Error().Err(err).Msg("history prune failed")
		return 0
	}
	if n > 0 {
		m.log.Info().Int64("deleted", n).Time("before", cutoff).Msg("history pruned")
	}
	return n
}

// SweepDedup drops expired detection keys.
func (m *MaintenanceService) SweepDedup() int {
	n := m.telemetry.SweepProcessed()
	if n > 0 {
		m.log.Debug().Int("swept", n).Msg("detection dedup entries expired")
	}
	return n
}
