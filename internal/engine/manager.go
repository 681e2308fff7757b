// Package engine wires the Store, Scheduler, Dispatcher, EventPublisher,
// and per-run Coordinators together behind the RunStarter surface that
// controlapi and triggers depend on. It owns the map of live
// Coordinators and the crash-recovery scan of spec.md section 4.6.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/workflow-engine/internal/coordinator"
	"github.com/swarmguard/workflow-engine/internal/dispatcher"
	"github.com/swarmguard/workflow-engine/internal/events"
	"github.com/swarmguard/workflow-engine/internal/model"
	"github.com/swarmguard/workflow-engine/internal/scheduler"
	"github.com/swarmguard/workflow-engine/internal/store"
	"github.com/swarmguard/workflow-engine/internal/workflow"
)

// Manager is the top-level run lifecycle owner: it implements both
// controlapi.RunStarter and triggers.RunStarter so both entry points
// (HTTP StartRun and cron triggers) funnel through the same path.
type Manager struct {
	store    *store.Store
	registry *workflow.Registry
	sched    *scheduler.Scheduler
	disp     *dispatcher.Dispatcher
	pub      *events.Publisher

	coordinatorID string
	leaseTTL      time.Duration
	inboxCapacity int

	mu           sync.Mutex
	coordinators map[string]*coordinator.Coordinator
}

// New constructs a Manager bound to the already-open Store/Bus-backed
// collaborators.
func New(st *store.Store, reg *workflow.Registry, sched *scheduler.Scheduler, disp *dispatcher.Dispatcher, pub *events.Publisher, coordinatorID string, leaseTTL time.Duration, inboxCapacity int) *Manager {
	return &Manager{
		store: st, registry: reg, sched: sched, disp: disp, pub: pub,
		coordinatorID: coordinatorID, leaseTTL: leaseTTL, inboxCapacity: inboxCapacity,
		coordinators: make(map[string]*coordinator.Coordinator),
	}
}

// StartRun validates the workflow, creates the run row (deduplicating on
// idempotency key per spec.md section 4.7), and spawns its Coordinator.
func (m *Manager) StartRun(ctx context.Context, wfStub *workflow.Workflow, tenantID string, trigger map[string]any, priority int, idempotencyKey string) (string, error) {
	wf, err := m.registry.Get(wfStub.ID, wfStub.Version)
	if err != nil {
		return "", err
	}
	return m.startValidated(ctx, wf, tenantID, trigger, priority, idempotencyKey)
}

// StartRunByWorkflowID is the cron-trigger entry point (triggers.RunStarter).
func (m *Manager) StartRunByWorkflowID(ctx context.Context, workflowID, tenantID string, trigger map[string]any, idempotencyKey string) (string, error) {
	wf, err := m.registry.Get(workflowID, 0)
	if err != nil {
		return "", err
	}
	return m.startValidated(ctx, wf, tenantID, trigger, 0, idempotencyKey)
}

func (m *Manager) startValidated(ctx context.Context, wf *workflow.Workflow, tenantID string, trigger map[string]any, priority int, idempotencyKey string) (string, error) {
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	run := &model.Run{
		ID: uuid.NewString(), WorkflowID: wf.ID, WorkflowVersion: wf.Version,
		TenantID: tenantID, IdempotencyKey: idempotencyKey, TriggerPayload: trigger,
		Priority: priority, State: model.RunPending, CreatedAt: time.Now(),
		NodeStates: initialNodeStates(wf),
	}

	existingID, err := m.store.CreateRun(ctx, run)
	if err == store.ErrAlreadyExists {
		return existingID, nil
	}
	if err != nil {
		return "", err
	}

	m.spawn(wf, run.ID)
	return run.ID, nil
}

// Cancel submits a Cancel message to the run's live Coordinator if this
// process holds it; otherwise it returns an error. Cancel is not routed
// to a Coordinator held by another process (see DESIGN.md "Known
// limitations").
func (m *Manager) Cancel(ctx context.Context, runID string) error {
	m.mu.Lock()
	c, ok := m.coordinators[runID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %q is not owned by this coordinator process", runID)
	}
	return c.Submit(ctx, coordinator.Message{Cancel: true})
}

// Deliver routes a message decoded off the Bus (a real StepResult from
// the Dispatcher's result consumer, or any other async inbox signal) to
// its owning run's Coordinator. Dropped with a warning if this process
// doesn't hold that run's Coordinator — acceptable in this module's
// single-process wiring (see Cancel above); a multi-process deployment
// would need to re-route by lease owner instead.
func (m *Manager) Deliver(ctx context.Context, runID string, msg coordinator.Message) {
	m.mu.Lock()
	c, ok := m.coordinators[runID]
	m.mu.Unlock()
	if !ok {
		slog.Warn("dropping message for run not owned by this process", "run_id", runID)
		return
	}
	if err := c.Submit(ctx, msg); err != nil {
		slog.Warn("submit to coordinator inbox failed", "run_id", runID, "error", err)
	}
}

// RecoverAll scans for runs needing recovery (spec.md section 4.6) and
// spawns a Coordinator for each, re-claiming their lease.
func (m *Manager) RecoverAll(ctx context.Context) error {
	ids, err := m.store.ListRunsNeedingRecovery(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		run, _, err := m.store.LoadRun(ctx, id)
		if err != nil {
			slog.Error("recovery load run failed", "run_id", id, "error", err)
			continue
		}
		wf, err := m.registry.Get(run.WorkflowID, run.WorkflowVersion)
		if err != nil {
			slog.Error("recovery workflow lookup failed", "run_id", id, "error", err)
			continue
		}
		m.spawn(wf, id)
	}
	return nil
}

func (m *Manager) spawn(wf *workflow.Workflow, runID string) {
	c := coordinator.New(runID, m.coordinatorID, m.leaseTTL, wf, m.store, m.sched, m.disp, m.pub, m.inboxCapacity)
	m.mu.Lock()
	m.coordinators[runID] = c
	m.mu.Unlock()

	go func() {
		if err := c.Run(context.Background()); err != nil {
			slog.Error("coordinator exited", "run_id", runID, "error", err)
		}
		m.mu.Lock()
		delete(m.coordinators, runID)
		m.mu.Unlock()
	}()
}

func initialNodeStates(wf *workflow.Workflow) map[string]model.NodeState {
	states := make(map[string]model.NodeState, len(wf.Nodes))
	for _, n := range wf.Nodes {
		states[n.ID] = model.NodePending
	}
	return states
}
