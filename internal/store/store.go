// Package store implements the durable Store contract of spec.md section
// 4.1 against PostgreSQL via jackc/pgx/v5, using hand-written SQL so the
// compare-and-swap run-state update and the multi-row step-commit
// transaction keep their explicit WHERE-predicate semantics.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/swarmguard/workflow-engine/internal/model"
)

// Store is the Postgres-backed implementation of the run/step ledger.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// CreateRun atomically inserts a new run row. Duplicate (tenant,
// workflow, idempotency key) returns ErrAlreadyExists with the
// existing run id, backing ControlAPI.StartRun's dedup contract.
func (s *Store) CreateRun(ctx context.Context, r *model.Run) (existingID string, err error) {
	statesJSON, err := json.Marshal(r.NodeStates)
	if err != nil {
		return "", err
	}
	payloadJSON, err := json.Marshal(r.TriggerPayload)
	if err != nil {
		return "", err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO runs (id, workflow_id, workflow_version, tenant_id, idempotency_key,
			trigger_payload, priority, state, node_states, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.ID, r.WorkflowID, r.WorkflowVersion, r.TenantID, r.IdempotencyKey,
		payloadJSON, r.Priority, r.State, statesJSON, r.CreatedAt)
	if err == nil {
		return "", nil
	}
	if !isUniqueViolation(err) {
		return "", err
	}

	var existing string
	lookupErr := s.pool.QueryRow(ctx, `
		SELECT id FROM runs WHERE tenant_id=$1 AND workflow_id=$2 AND idempotency_key=$3`,
		r.TenantID, r.WorkflowID, r.IdempotencyKey).Scan(&existing)
	if lookupErr != nil {
		return "", err
	}
	return existing, ErrAlreadyExists
}

// LoadRun loads a run plus its node-state map and each node's latest step
// row (terminal or not), used by the RunCoordinator on recovery (spec.md
// section 4.6).
func (s *Store) LoadRun(ctx context.Context, id string) (*model.Run, []model.Step, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, workflow_id, workflow_version, tenant_id, idempotency_key,
			trigger_payload, priority, state, failure_reason, retry_count,
			node_states, lease_owner, lease_expiry, seq_counter,
			created_at, started_at, finished_at
		FROM runs WHERE id=$1`, id)

	var (
		r                        model.Run
		payloadJSON, statesJSON  []byte
		leaseExpiry              *time.Time
		startedAt, finishedAt    *time.Time
	)
	err := row.Scan(&r.ID, &r.WorkflowID, &r.WorkflowVersion, &r.TenantID, &r.IdempotencyKey,
		&payloadJSON, &r.Priority, &r.State, &r.FailureReason, &r.RetryCount,
		&statesJSON, &r.LeaseOwner, &leaseExpiry, &r.SeqCounter,
		&r.CreatedAt, &startedAt, &finishedAt)
	if err == pgx.ErrNoRows {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	r.StartedAt = startedAt
	r.FinishedAt = finishedAt
	if leaseExpiry != nil {
		r.LeaseExpiry = *leaseExpiry
	}
	_ = json.Unmarshal(payloadJSON, &r.TriggerPayload)
	_ = json.Unmarshal(statesJSON, &r.NodeStates)

	steps, err := s.loadLatestStepsPerNode(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return &r, steps, nil
}

// loadLatestStepsPerNode returns each node's highest-attempt step row,
// terminal or not. The Scheduler's retry-vs-fail-vs-skip decision and
// resolveInput's predecessor-output binding both need the last attempt
// regardless of outcome, so a recovering Coordinator can resume exactly
// where a crashed one left off instead of losing history for any node
// whose last attempt already reached a terminal state.
func (s *Store) loadLatestStepsPerNode(ctx context.Context, runID string) ([]model.Step, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (node_id)
			id, run_id, node_id, attempt, state, idempotency_key, input, output,
			error_kind, error_message, retryable, wait_token,
			duration_ms, retries_seen, bytes_in, bytes_out,
			queued_at, started_at, finished_at
		FROM steps WHERE run_id=$1
		ORDER BY node_id, attempt DESC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStep(row rowScanner) (model.Step, error) {
	var (
		st                     model.Step
		inputJSON, outputJSON  []byte
		startedAt, finishedAt  *time.Time
		durationMS             int64
	)
	err := row.Scan(&st.ID, &st.RunID, &st.NodeID, &st.Attempt, &st.State, &st.IdempotencyKey,
		&inputJSON, &outputJSON, &st.ErrorKind, &st.ErrorMessage, &st.Retryable, &st.WaitToken,
		&durationMS, &st.Cost.RetriesSeen, &st.Cost.BytesIn, &st.Cost.BytesOut,
		&st.QueuedAt, &startedAt, &finishedAt)
	if err != nil {
		return st, err
	}
	st.StartedAt = startedAt
	st.FinishedAt = finishedAt
	st.Cost.Duration = time.Duration(durationMS) * time.Millisecond
	_ = json.Unmarshal(inputJSON, &st.Input)
	_ = json.Unmarshal(outputJSON, &st.Output)
	return st, nil
}

// AppendStepAttempt inserts a new step row. The (run_id, node_id, attempt)
// unique constraint enforces the strictly-increasing-attempt invariant;
// a violation here signals a caller bug (replaying the same attempt
// number), not a legitimate duplicate-delivery case.
func (s *Store) AppendStepAttempt(ctx context.Context, st *model.Step) error {
	inputJSON, err := json.Marshal(st.Input)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO steps (id, run_id, node_id, attempt, state, idempotency_key, input, queued_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		st.ID, st.RunID, st.NodeID, st.Attempt, st.State, st.IdempotencyKey, inputJSON, st.QueuedAt)
	return err
}

// CommitStepResult writes the terminal step outcome and updates the run's
// node-state map in one transaction (spec.md section 4.1). The step row
// already carries its idempotency key from AppendStepAttempt; a row that
// is already terminal counts as committed, and CommitStepResult returns
// ErrAlreadyCommitted, implementing invariant 3 of section 8. The one
// exception is a succeeded row still holding a wait token: a result with
// no wait token (the wake that redeems it) commits over it once.
func (s *Store) CommitStepResult(ctx context.Context, runID, nodeID string, attempt int, outcome model.StepOutcome, st model.Step, newNodeState model.NodeState) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var currentState, currentWaitToken string
	err = tx.QueryRow(ctx, `
		SELECT state, wait_token FROM steps WHERE run_id=$1 AND node_id=$2 AND attempt=$3 FOR UPDATE`,
		runID, nodeID, attempt).Scan(&currentState, &currentWaitToken)
	if err != nil {
		return err
	}
	parked := model.StepState(currentState) == model.StepSucceeded && currentWaitToken != "" && st.WaitToken == ""
	if isTerminalStepState(model.StepState(currentState)) && !parked {
		return ErrAlreadyCommitted
	}

	outputJSON, err := json.Marshal(st.Output)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		UPDATE steps SET state=$1, output=$2, error_kind=$3, error_message=$4,
			retryable=$5, wait_token=$6, duration_ms=$7, retries_seen=$8,
			bytes_in=$9, bytes_out=$10, started_at=$11, finished_at=$12
		WHERE run_id=$13 AND node_id=$14 AND attempt=$15`,
		outcomeToStepState(outcome), outputJSON, st.ErrorKind, st.ErrorMessage,
		st.Retryable, st.WaitToken, st.Cost.Duration.Milliseconds(), st.Cost.RetriesSeen,
		st.Cost.BytesIn, st.Cost.BytesOut, st.StartedAt, st.FinishedAt,
		runID, nodeID, attempt)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE runs SET node_states = jsonb_set(node_states, $1, $2)
		WHERE id=$3`,
		pgJSONPathArray(nodeID), mustJSON(string(newNodeState)), runID)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// SetNodeState persists a node-state-map entry outside of a step attempt
// commit — used for Scheduler-driven Skip and FailNode decisions, which
// have no associated step row of their own.
func (s *Store) SetNodeState(ctx context.Context, runID, nodeID string, state model.NodeState) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE runs SET node_states = jsonb_set(node_states, $1, $2)
		WHERE id=$3`,
		pgJSONPathArray(nodeID), mustJSON(string(state)), runID)
	return err
}

// UpdateRunState performs the compare-and-swap transition of spec.md
// section 4.1: the UPDATE only matches rows still in fromState, so a
// caller racing a concurrent transition observes zero rows affected and
// gets ErrStaleState.
func (s *Store) UpdateRunState(ctx context.Context, runID string, from, to model.RunState, reason string) error {
	now := time.Now()
	var startedAt, finishedAt any
	if to == model.RunRunning {
		startedAt = now
	}
	if to.Terminal() {
		finishedAt = now
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET state=$1, failure_reason=$2,
			started_at = COALESCE(started_at, $3),
			finished_at = COALESCE($4, finished_at)
		WHERE id=$5 AND state=$6`,
		to, reason, startedAt, finishedAt, runID, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleState
	}
	return nil
}

// ClaimLease attempts the compare-and-swap lease claim of spec.md section
// 4.6: succeeds if the run is unclaimed or its lease has expired.
func (s *Store) ClaimLease(ctx context.Context, runID, owner string, ttl time.Duration) error {
	now := time.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET lease_owner=$1, lease_expiry=$2
		WHERE id=$3 AND (lease_owner='' OR lease_expiry < $4)`,
		owner, now.Add(ttl), runID, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleState
	}
	return nil
}

// RenewLease extends an already-held lease; fails if another coordinator
// has since claimed it.
func (s *Store) RenewLease(ctx context.Context, runID, owner string, ttl time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET lease_expiry=$1 WHERE id=$2 AND lease_owner=$3`,
		time.Now().Add(ttl), runID, owner)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleState
	}
	return nil
}

// ListRunsNeedingRecovery returns non-terminal runs whose lease has
// expired, for a restarting coordinator to re-claim.
func (s *Store) ListRunsNeedingRecovery(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM runs
		WHERE state NOT IN ('succeeded','failed','cancelled','timed_out')
		AND (lease_expiry IS NULL OR lease_expiry < now())`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// NextEventSeq increments and returns the run's monotonic event sequence
// counter. Called only from inside the RunCoordinator's single-writer
// loop, so no additional locking is required beyond the row's own
// UPDATE ... RETURNING atomicity.
func (s *Store) NextEventSeq(ctx context.Context, runID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `
		UPDATE runs SET seq_counter = seq_counter + 1 WHERE id=$1 RETURNING seq_counter`,
		runID).Scan(&seq)
	return seq, err
}

// AppendRunEvent appends one row to the replay log backing
// EventPublisher's gap-tolerant re-fetch (spec.md section 4.8).
func (s *Store) AppendRunEvent(ctx context.Context, ev model.RunEvent) error {
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO run_events (seq, run_id, workflow_id, tenant_id, node_id, attempt, kind, occurred_at, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		ev.Seq, ev.RunID, ev.WorkflowID, ev.TenantID, ev.NodeID, ev.Attempt, ev.Kind, ev.OccurredAt, payloadJSON)
	return err
}

// EventsSince returns run events with seq > afterSeq, for reconnecting
// Subscribe clients to catch up.
func (s *Store) EventsSince(ctx context.Context, runID string, afterSeq int64) ([]model.RunEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, run_id, workflow_id, tenant_id, node_id, attempt, kind, occurred_at, payload
		FROM run_events WHERE run_id=$1 AND seq > $2 ORDER BY seq`, runID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RunEvent
	for rows.Next() {
		var ev model.RunEvent
		var payloadJSON []byte
		if err := rows.Scan(&ev.Seq, &ev.RunID, &ev.WorkflowID, &ev.TenantID, &ev.NodeID, &ev.Attempt, &ev.Kind, &ev.OccurredAt, &payloadJSON); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(payloadJSON, &ev.Payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func isTerminalStepState(s model.StepState) bool {
	switch s {
	case model.StepSucceeded, model.StepFailed, model.StepCancelled, model.StepTimedOut:
		return true
	default:
		return false
	}
}

func outcomeToStepState(o model.StepOutcome) model.StepState {
	switch o {
	case model.OutcomeSucceeded:
		return model.StepSucceeded
	case model.OutcomeFailed:
		return model.StepFailed
	case model.OutcomeCancelled:
		return model.StepCancelled
	case model.OutcomeTimedOut:
		return model.StepTimedOut
	default:
		return model.StepFailed
	}
}

func pgJSONPathArray(key string) string {
	b, _ := json.Marshal([]string{key})
	return string(b)
}

func mustJSON(v string) []byte {
	b, _ := json.Marshal(v)
	return b
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
