package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/recallkit/recall-go-sdk/core"
	"github.com/recallkit/recall-go-sdk/memory"
	"github.com/recallkit/recall-go-sdk/session"
)

// Maintenance schedules the periodic housekeeping jobs: an hourly TTL
// sweep over sessions and a consolidation pass over every registered
// user's memories. Per-item failures are logged and never abort a run.
type Maintenance struct {
	sessions *session.Store
	memories *memory.Store
	logger   *slog.Logger
	clock    func() time.Time

	consolidateHours int
	cron             *cron.Cron

	mu    sync.Mutex
	users map[string]struct{}
}

// MaintenanceOption configures maintenance.
type MaintenanceOption func(*Maintenance)

// WithConsolidationInterval sets how often consolidation runs, in hours.
func WithConsolidationInterval(hours int) MaintenanceOption {
	return func(m *Maintenance) { m.consolidateHours = hours }
}

// WithMaintenanceLogger sets the logger.
func WithMaintenanceLogger(l *slog.Logger) MaintenanceOption {
	return func(m *Maintenance) { m.logger = l }
}

// WithMaintenanceClock overrides the time source. Intended for tests.
func WithMaintenanceClock(clock func() time.Time) MaintenanceOption {
	return func(m *Maintenance) { m.clock = clock }
}

// NewMaintenance creates the maintenance scheduler. Consolidation defaults
// to every 24 hours.
func NewMaintenance(sessions *session.Store, memories *memory.Store, opts ...MaintenanceOption) *Maintenance {
	m := &Maintenance{
		sessions:         sessions,
		memories:         memories,
		logger:           slog.Default(),
		clock:            time.Now,
		consolidateHours: 24,
		users:            make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterUser adds a user to the consolidation rotation.
func (m *Maintenance) RegisterUser(userID string) {
	if userID == "" {
		return
	}
	m.mu.Lock()
	m.users[userID] = struct{}{}
	m.mu.Unlock()
}

// Start arms the cron schedule and returns. Stop releases it.
func (m *Maintenance) Start() error {
	if m.consolidateHours <= 0 {
		return goerr.Wrap(core.ErrValidation, "consolidation interval must be positive",
			goerr.V("hours", m.consolidateHours))
	}

	c := cron.New()

	if _, err := c.AddFunc("@hourly", m.RunSweep); err != nil {
		return goerr.Wrap(err, "schedule sweep")
	}
	spec := fmt.Sprintf("@every %dh", m.consolidateHours)
	if _, err := c.AddFunc(spec, m.RunConsolidation); err != nil {
		return goerr.Wrap(err, "schedule consolidation", goerr.V("spec", spec))
	}

	c.Start()
	m.cron = c
	m.logger.Info("maintenance started",
		"consolidation_interval_hours", m.consolidateHours)
	return nil
}

// Stop halts the schedule. Jobs already running finish on their own.
func (m *Maintenance) Stop() {
	if m.cron != nil {
		m.cron.Stop()
	}
}

// RunSweep archives sessions idle past their TTL.
func (m *Maintenance) RunSweep() {
	ctx := context.Background()
	if _, err := m.sessions.SweepExpired(ctx, m.clock(), m.sessions.TTLDays()); err != nil {
		m.logger.Warn("maintenance: session sweep failed", "err", err)
	}
}

// RunConsolidation consolidates memories for every registered user.
// Users fail independently.
func (m *Maintenance) RunConsolidation() {
	m.mu.Lock()
	users := make([]string, 0, len(m.users))
	for u := range m.users {
		users = append(users, u)
	}
	m.mu.Unlock()

	ctx := context.Background()
	g := new(errgroup.Group)
	g.SetLimit(4)
	for _, userID := range users {
		userID := userID
		g.Go(func() error {
			if err := m.memories.Consolidate(ctx, userID); err != nil {
				m.logger.Warn("maintenance: consolidation failed",
					"user_id", userID, "err", err)
			}
			return nil
		})
	}
	g.Wait()
}
