// Package jobs runs the periodic housekeeping of the worker on a cron
// schedule (github.com/robfig/cron/v3, seconds precision):
//
//   - lease reaper: clears outbox and endpoint leases left by dead workers;
//   - handoff expiry: rejects custody handoffs pending longer than the TTL;
//   - outbox lag: publishes the unpublished outbox count as a gauge.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/ParcelFlow/internal/metrics"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

type LeaseReaper interface {
	ReapExpiredLeases(ctx context.Context) (int64, error)
}

type HandoffExpirer interface {
	ExpireHandoffs(ctx context.Context, ttl time.Duration, batch int) (int, error)
}

type OutboxCounter interface {
	OutboxPending(ctx context.Context) (int64, error)
}

type Settings struct {
	ReapSpec     string
	HandoffSpec  string
	LagSpec      string
	HandoffTTL   time.Duration
	HandoffBatch int
	RunTimeout   time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		ReapSpec:     "*/30 * * * * *",
		HandoffSpec:  "0 * * * * *",
		LagSpec:      "*/15 * * * * *",
		HandoffTTL:   24 * time.Hour,
		HandoffBatch: 100,
		RunTimeout:   20 * time.Second,
	}
}

// Manager owns the cron scheduler and the jobs registered on it.
type Manager struct {
	reaper   LeaseReaper
	handoffs HandoffExpirer
	outbox   OutboxCounter
	cfg      Settings
	cron     *cron.Cron
	logger   *slog.Logger
}

func NewManager(reaper LeaseReaper, handoffs HandoffExpirer, outbox OutboxCounter, cfg Settings, logger *slog.Logger) *Manager {
	def := DefaultSettings()
	if cfg.ReapSpec == "" {
		cfg.ReapSpec = def.ReapSpec
	}
	if cfg.HandoffSpec == "" {
		cfg.HandoffSpec = def.HandoffSpec
	}
	if cfg.LagSpec == "" {
		cfg.LagSpec = def.LagSpec
	}
	if cfg.HandoffTTL <= 0 {
		cfg.HandoffTTL = def.HandoffTTL
	}
	if cfg.HandoffBatch <= 0 {
		cfg.HandoffBatch = def.HandoffBatch
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = def.RunTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "jobs")
	return &Manager{
		reaper:   reaper,
		handoffs: handoffs,
		outbox:   outbox,
		cfg:      cfg,
		cron:     cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:   logger,
	}
}

// Start registers every wired job and starts the scheduler. A bad spec
// stops the scheduler and returns the error.
func (m *Manager) Start() error {
	type entry struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}
	var entries []entry
	if m.reaper != nil {
		entries = append(entries, entry{"lease_reaper", m.cfg.ReapSpec, m.ReapLeases})
	}
	if m.handoffs != nil {
		entries = append(entries, entry{"handoff_expiry", m.cfg.HandoffSpec, m.ExpireHandoffs})
	}
	if m.outbox != nil {
		entries = append(entries, entry{"outbox_lag", m.cfg.LagSpec, m.OutboxLag})
	}

	for _, e := range entries {
		_, err := m.cron.AddFunc(e.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RunTimeout)
			defer cancel()
			if err := e.run(ctx); err != nil {
				m.logger.ErrorContext(ctx, "job failed", "job", e.name, "error", err)
			}
		})
		if err != nil {
			m.cron.Stop()
			return errors.Wrapf(err, "schedule %s", e.name)
		}
	}

	m.cron.Start()
	m.logger.Info("jobs started", "count", len(entries))
	return nil
}

// Stop stops the scheduler and waits for running jobs up to ctx.
func (m *Manager) Stop(ctx context.Context) {
	done := m.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	m.logger.Info("jobs stopped")
}

func (m *Manager) ReapLeases(ctx context.Context) error {
	n, err := m.reaper.ReapExpiredLeases(ctx)
	if err != nil {
		return errors.Wrap(err, "reap leases")
	}
	if n > 0 {
		m.logger.Warn("expired leases released", "count", n)
	}
	return nil
}

func (m *Manager) ExpireHandoffs(ctx context.Context) error {
	_, err := m.handoffs.ExpireHandoffs(ctx, m.cfg.HandoffTTL, m.cfg.HandoffBatch)
	return errors.Wrap(err, "expire handoffs")
}

func (m *Manager) OutboxLag(ctx context.Context) error {
	n, err := m.outbox.OutboxPending(ctx)
	if err != nil {
		return errors.Wrap(err, "count outbox")
	}
	metrics.OutboxPending.Set(float64(n))
	return nil
}
