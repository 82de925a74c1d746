package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/superfly/storagemgr/commit"
)

// Run is one commit attempt.
type Run struct {
	ID            string
	Status        string
	Code          int
	Actions       int
	Destructive   bool
	LastAction    string
	ExtendedError string
	TraceID       string
	StartedAt     time.Time
	FinishedAt    *time.Time
	Duration      time.Duration
}

// StepRecord is one executed action of a run.
type StepRecord struct {
	RunID       string
	Index       int
	Stage       string
	Op          string
	Target      string
	Description string
	Destructive bool
	Status      string
	Output      string
	Error       string
	StartedAt   time.Time
	Duration    time.Duration
}

// Run status constants
const (
	RunStatusRunning = "running"
	RunStatusOK      = "ok"
	RunStatusFailed  = "failed"
)

var _ commit.Observer = (*Journal)(nil)

// CommitStarted implements commit.Observer.
func (j *Journal) CommitStarted(ctx context.Context, plan *commit.Plan) {
	id, err := j.BeginRun(ctx, plan)
	if err != nil {
		j.log.WithError(err).Error("failed to record commit start")
		return
	}
	j.mu.Lock()
	j.current = id
	j.mu.Unlock()
}

// StepFinished implements commit.Observer.
func (j *Journal) StepFinished(ctx context.Context, index int, step commit.Step) {
	id := j.currentRun()
	if id == "" {
		return
	}
	if err := j.RecordStep(ctx, id, index, step); err != nil {
		j.log.WithError(err).WithField("action", step.Action.Description).Error("failed to record step")
	}
}

// CommitFinished implements commit.Observer.
func (j *Journal) CommitFinished(ctx context.Context, res *commit.Result) {
	id := j.currentRun()
	if id == "" {
		return
	}
	if err := j.FinishRun(ctx, id, res); err != nil {
		j.log.WithError(err).WithField("run", id).Error("failed to record commit result")
	}
	if n, err := j.Prune(ctx, j.retention); err != nil {
		j.log.WithError(err).Warn("failed to prune history")
	} else if n > 0 {
		j.log.WithField("runs", n).Debug("history pruned")
	}
	j.mu.Lock()
	j.current = ""
	j.mu.Unlock()
}

func (j *Journal) currentRun() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.current
}

// BeginRun stores a new run for plan and returns its id.
func (j *Journal) BeginRun(ctx context.Context, plan *commit.Plan) (string, error) {
	id := ulid.Make().String()
	var traceID string
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}

	query := `
		INSERT INTO commit_runs (id, status, actions, destructive, started_at, trace_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := j.db.ExecContext(ctx, query, id, RunStatusRunning, plan.Len(), plan.Destructive(), time.Now().UTC(), traceID)
	if err != nil {
		return "", fmt.Errorf("failed to store run: %w", err)
	}
	j.log.WithFields(logrus.Fields{
		"run":     id,
		"actions": plan.Len(),
	}).Debug("run started")
	return id, nil
}

// RecordStep stores the outcome of one action.
func (j *Journal) RecordStep(ctx context.Context, runID string, index int, step commit.Step) error {
	a := step.Action
	query := `
		INSERT INTO commit_steps (run_id, idx, stage, op, target, description, destructive,
		                          status, output, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, idx) DO UPDATE SET
			status = excluded.status,
			output = excluded.output,
			error = excluded.error,
			duration_ms = excluded.duration_ms
	`
	started := step.Started
	if started.IsZero() {
		started = time.Now()
	}
	_, err := j.db.ExecContext(ctx, query, runID, index, a.Stage.String(), a.Op.String(), a.Target(),
		a.Description, a.Destructive, string(step.Status), step.Output, step.Error, started.UTC(), millis(step.Duration))
	if err != nil {
		return fmt.Errorf("failed to store step: %w", err)
	}
	return nil
}

// FinishRun stores the result of a run.
func (j *Journal) FinishRun(ctx context.Context, runID string, res *commit.Result) error {
	status := RunStatusOK
	if res.Code != 0 {
		status = RunStatusFailed
	}
	query := `
		UPDATE commit_runs
		SET status = ?, code = ?, last_action = ?, extended_error = ?, finished_at = ?, duration_ms = ?
		WHERE id = ?
	`
	r, err := j.db.ExecContext(ctx, query, status, int(res.Code), res.LastAction, res.ExtendedError,
		time.Now().UTC(), millis(res.Duration), runID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	j.log.WithFields(logrus.Fields{
		"run":    runID,
		"status": status,
		"code":   int(res.Code),
	}).Debug("run finished")
	return nil
}

const runColumns = `id, status, code, actions, destructive, last_action, extended_error,
		       trace_id, started_at, finished_at, duration_ms`

func scanRun(scan func(...interface{}) error) (*Run, error) {
	var r Run
	var lastAction, extended, traceID sql.NullString
	var finished sql.NullTime
	var duration sql.NullInt64
	err := scan(&r.ID, &r.Status, &r.Code, &r.Actions, &r.Destructive, &lastAction, &extended,
		&traceID, &r.StartedAt, &finished, &duration)
	if err != nil {
		return nil, err
	}
	r.LastAction = lastAction.String
	r.ExtendedError = extended.String
	r.TraceID = traceID.String
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}
	r.Duration = time.Duration(duration.Int64) * time.Millisecond
	return &r, nil
}

// GetRun returns a run by id, or nil if there is none.
func (j *Journal) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM commit_runs WHERE id = ?`
	r, err := scanRun(j.db.QueryRowContext(ctx, query, id).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return r, nil
}

// Runs returns the most recent runs, newest first. A limit of zero returns all.
func (j *Journal) Runs(ctx context.Context, limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM commit_runs ORDER BY id DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Steps returns the steps of a run in execution order.
func (j *Journal) Steps(ctx context.Context, runID string) ([]*StepRecord, error) {
	return j.querySteps(ctx, `WHERE run_id = ? ORDER BY idx`, runID)
}

// DeviceHistory returns every step that touched target, newest run first.
func (j *Journal) DeviceHistory(ctx context.Context, target string) ([]*StepRecord, error) {
	return j.querySteps(ctx, `WHERE target = ? ORDER BY run_id DESC, idx`, target)
}

func (j *Journal) querySteps(ctx context.Context, where string, args ...interface{}) ([]*StepRecord, error) {
	query := `
		SELECT run_id, idx, stage, op, target, description, destructive, status,
		       output, error, started_at, duration_ms
		FROM commit_steps ` + where
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []*StepRecord
	for rows.Next() {
		var s StepRecord
		var output, errText sql.NullString
		var duration int64
		if err := rows.Scan(&s.RunID, &s.Index, &s.Stage, &s.Op, &s.Target, &s.Description,
			&s.Destructive, &s.Status, &output, &errText, &s.StartedAt, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		s.Output = output.String
		s.Error = errText.String
		s.Duration = time.Duration(duration) * time.Millisecond
		steps = append(steps, &s)
	}
	return steps, rows.Err()
}

// MarkInterrupted flags runs left in running state by a process that died mid-commit.
// It returns how many runs were flagged.
func (j *Journal) MarkInterrupted(ctx context.Context) (int64, error) {
	query := `
		UPDATE commit_runs
		SET status = ?, extended_error = 'interrupted', finished_at = ?
		WHERE status = ?
	`
	r, err := j.db.ExecContext(ctx, query, RunStatusFailed, time.Now().UTC(), RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted runs: %w", err)
	}
	n, _ := r.RowsAffected()
	if n > 0 {
		j.log.WithField("runs", n).Warn("found interrupted commits")
	}
	return n, nil
}

// Prune deletes all but the newest keep runs together with their steps.
func (j *Journal) Prune(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	query := `
		DELETE FROM commit_runs
		WHERE id NOT IN (SELECT id FROM commit_runs ORDER BY id DESC LIMIT ?)
	`
	r, err := j.db.ExecContext(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	n, _ := r.RowsAffected()
	return n, nil
}
