// Package triggers implements cron-driven run starts in addition to the
// webhook-style StartRun call, adapted from the teacher's
// services/orchestrator/scheduler.go (which wraps robfig/cron.Cron over
// a bbolt-persisted schedule set).
package triggers

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/workflow-engine/internal/store"
)

// RunStarter is the minimal surface triggers needs to kick off a run.
type RunStarter interface {
	StartRunByWorkflowID(ctx context.Context, workflowID string, tenantID string, trigger map[string]any, idempotencyKey string) (string, error)
}

// CronTriggers owns a robfig/cron scheduler over the persisted
// ScheduleConfig set, restoring and re-registering them on startup.
type CronTriggers struct {
	cron    *cron.Cron
	store   *store.ScheduleStore
	starter RunStarter
	entries map[string]cron.EntryID
}

// New constructs a CronTriggers bound to a ScheduleStore and RunStarter.
func New(st *store.ScheduleStore, starter RunStarter) *CronTriggers {
	return &CronTriggers{
		cron:    cron.New(cron.WithSeconds()),
		store:   st,
		starter: starter,
		entries: make(map[string]cron.EntryID),
	}
}

// Start begins the cron scheduler and restores every persisted,
// enabled, cron-typed schedule.
func (t *CronTriggers) Start(ctx context.Context) error {
	schedules, err := t.store.List()
	if err != nil {
		return err
	}
	for _, cfg := range schedules {
		if cfg.Enabled && cfg.CronExpr != "" {
			if err := t.register(ctx, cfg); err != nil {
				slog.Error("restore schedule failed", "schedule_id", cfg.ID, "error", err)
			}
		}
	}
	t.cron.Start()
	return nil
}

// Stop drains the cron scheduler.
func (t *CronTriggers) Stop() { t.cron.Stop() }

// AddSchedule persists and registers a new cron-triggered workflow
// binding.
func (t *CronTriggers) AddSchedule(ctx context.Context, cfg store.ScheduleConfig) error {
	if err := t.store.Put(cfg); err != nil {
		return err
	}
	if cfg.Enabled && cfg.CronExpr != "" {
		return t.register(ctx, cfg)
	}
	return nil
}

// RemoveSchedule deletes a schedule and stops its cron entry.
func (t *CronTriggers) RemoveSchedule(id string) error {
	if entryID, ok := t.entries[id]; ok {
		t.cron.Remove(entryID)
		delete(t.entries, id)
	}
	return t.store.Delete(id)
}

func (t *CronTriggers) register(ctx context.Context, cfg store.ScheduleConfig) error {
	entryID, err := t.cron.AddFunc(cfg.CronExpr, func() {
		idemKey := cfg.ID + ":" + time.Now().UTC().Format("20060102T150405")
		runID, err := t.starter.StartRunByWorkflowID(ctx, cfg.WorkflowID, cfg.TenantID, cfg.TriggerPayload, idemKey)
		if err != nil {
			slog.Error("cron trigger start run failed", "schedule_id", cfg.ID, "error", err)
			return
		}
		slog.Info("cron trigger started run", "schedule_id", cfg.ID, "run_id", runID)
	})
	if err != nil {
		return err
	}
	t.entries[cfg.ID] = entryID
	return nil
}
