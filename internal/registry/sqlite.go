// Package registry persists run and approval records in SQLite, beside the
// journal files. The journal is the source of truth for a run's history; the
// registry is the durable index used to look runs up across processes.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/runforge/runforge/internal/domain"
)

// SQLite implements the run registry on a SQLite database.
type SQLite struct {
	db *sql.DB
}

// Open opens (creating if needed) the registry database at dsn.
func Open(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	r := &SQLite{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return r, nil
}

func (r *SQLite) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			workspace_root TEXT NOT NULL DEFAULT '',
			parent_run_id TEXT,
			fork_index INTEGER,
			resume_strategy TEXT NOT NULL DEFAULT 'none',
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			ended_at DATETIME,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_parent ON runs(parent_run_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			approval_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			call_id TEXT,
			approval_key TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			resource TEXT NOT NULL,
			state TEXT NOT NULL,
			decision TEXT,
			scope TEXT,
			decided_by TEXT,
			reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			decided_at DATETIME,
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_run ON approvals(run_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_state ON approvals(state, created_at)`,
	}

	for _, m := range migrations {
		if _, err := r.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (r *SQLite) Close() error {
	return r.db.Close()
}

// CreateRun inserts a new run record.
func (r *SQLite) CreateRun(ctx context.Context, run *domain.Run) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, workspace_root, parent_run_id, fork_index, resume_strategy, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.WorkspaceRoot, nullString(run.ParentRunID), nullInt(run.ForkIndex),
		string(run.ResumeStrategy), string(run.Status), run.CreatedAt)
	if err != nil {
		return domain.WrapErr(domain.KindFatalIO, err, "insert run %s", run.RunID)
	}
	return nil
}

// GetRun fetches a run by id. Unknown ids are not_found.
func (r *SQLite) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	var run domain.Run
	var parent sql.NullString
	var forkIndex sql.NullInt64
	var endedAt sql.NullTime
	var errData sql.NullString

	err := r.db.QueryRowContext(ctx,
		`SELECT run_id, workspace_root, parent_run_id, fork_index, resume_strategy, status, created_at, ended_at, error
		 FROM runs WHERE run_id = ?`, runID).
		Scan(&run.RunID, &run.WorkspaceRoot, &parent, &forkIndex, &run.ResumeStrategy, &run.Status, &run.CreatedAt, &endedAt, &errData)
	if err == sql.ErrNoRows {
		return nil, domain.Errorf(domain.KindNotFound, "run %s not found", runID)
	}
	if err != nil {
		return nil, domain.WrapErr(domain.KindFatalIO, err, "query run %s", runID)
	}

	if parent.Valid {
		run.ParentRunID = parent.String
	}
	if forkIndex.Valid {
		v := forkIndex.Int64
		run.ForkIndex = &v
	}
	if endedAt.Valid {
		t := endedAt.Time
		run.EndedAt = &t
	}
	if errData.Valid && errData.String != "" {
		run.Error = json.RawMessage(errData.String)
	}
	return &run, nil
}

// UpdateRunStatus transitions a non-terminal run's status.
func (r *SQLite) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE runs SET status = ? WHERE run_id = ?`, string(status), runID)
	if err != nil {
		return domain.WrapErr(domain.KindFatalIO, err, "update run %s", runID)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.Errorf(domain.KindNotFound, "run %s not found", runID)
	}
	return nil
}

// UpdateRunCompleted marks a run terminal with an optional error payload.
func (r *SQLite) UpdateRunCompleted(ctx context.Context, runID string, status domain.RunStatus, errData []byte) error {
	var errStr sql.NullString
	if len(errData) > 0 {
		errStr = sql.NullString{String: string(errData), Valid: true}
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, ended_at = ?, error = ? WHERE run_id = ?`,
		string(status), time.Now(), errStr, runID)
	if err != nil {
		return domain.WrapErr(domain.KindFatalIO, err, "complete run %s", runID)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.Errorf(domain.KindNotFound, "run %s not found", runID)
	}
	return nil
}

// ListChildRuns returns the runs spawned under a parent, oldest first.
func (r *SQLite) ListChildRuns(ctx context.Context, parentRunID string) ([]domain.Run, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT run_id, workspace_root, parent_run_id, fork_index, resume_strategy, status, created_at, ended_at, error
		 FROM runs WHERE parent_run_id = ? ORDER BY created_at`, parentRunID)
	if err != nil {
		return nil, domain.WrapErr(domain.KindFatalIO, err, "list children of run %s", parentRunID)
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		var run domain.Run
		var parent sql.NullString
		var forkIndex sql.NullInt64
		var endedAt sql.NullTime
		var errData sql.NullString
		if err := rows.Scan(&run.RunID, &run.WorkspaceRoot, &parent, &forkIndex, &run.ResumeStrategy, &run.Status, &run.CreatedAt, &endedAt, &errData); err != nil {
			return nil, domain.WrapErr(domain.KindFatalIO, err, "scan child run")
		}
		if parent.Valid {
			run.ParentRunID = parent.String
		}
		if forkIndex.Valid {
			v := forkIndex.Int64
			run.ForkIndex = &v
		}
		if endedAt.Valid {
			t := endedAt.Time
			run.EndedAt = &t
		}
		if errData.Valid && errData.String != "" {
			run.Error = json.RawMessage(errData.String)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CreateApproval inserts a pending approval record.
func (r *SQLite) CreateApproval(ctx context.Context, a *domain.ApprovalRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO approvals (approval_id, run_id, call_id, approval_key, tool_name, resource, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ApprovalID, a.RunID, nullString(a.CallID), a.Key, a.ToolName, a.Resource, string(a.State), a.CreatedAt)
	if err != nil {
		return domain.WrapErr(domain.KindFatalIO, err, "insert approval %s", a.ApprovalID)
	}
	return nil
}

// GetApproval fetches an approval by id.
func (r *SQLite) GetApproval(ctx context.Context, approvalID string) (*domain.ApprovalRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT approval_id, run_id, call_id, approval_key, tool_name, resource, state, decision, scope, decided_by, reason, created_at, decided_at
		 FROM approvals WHERE approval_id = ?`, approvalID)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, domain.Errorf(domain.KindNotFound, "approval %s not found", approvalID)
	}
	if err != nil {
		return nil, domain.WrapErr(domain.KindFatalIO, err, "query approval %s", approvalID)
	}
	return a, nil
}

// UpdateApprovalDecision records a decision on a pending approval.
func (r *SQLite) UpdateApprovalDecision(ctx context.Context, approvalID string, decision domain.ApprovalDecision, scope domain.ApprovalScope, decidedBy, reason string) error {
	state := domain.ApprovalStateApproved
	if decision == domain.DecisionDenied {
		state = domain.ApprovalStateDenied
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE approvals SET state = ?, decision = ?, scope = ?, decided_by = ?, reason = ?, decided_at = ?
		 WHERE approval_id = ? AND state = ?`,
		string(state), string(decision), string(scope), decidedBy, reason, time.Now(),
		approvalID, string(domain.ApprovalStateRequested))
	if err != nil {
		return domain.WrapErr(domain.KindFatalIO, err, "update approval %s", approvalID)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.Errorf(domain.KindConflict, "approval %s is not pending", approvalID)
	}
	return nil
}

// ListPendingApprovals returns approvals still waiting for a decision.
func (r *SQLite) ListPendingApprovals(ctx context.Context) ([]domain.ApprovalRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT approval_id, run_id, call_id, approval_key, tool_name, resource, state, decision, scope, decided_by, reason, created_at, decided_at
		 FROM approvals WHERE state = ? ORDER BY created_at`, string(domain.ApprovalStateRequested))
	if err != nil {
		return nil, domain.WrapErr(domain.KindFatalIO, err, "list pending approvals")
	}
	defer rows.Close()

	var approvals []domain.ApprovalRecord
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, domain.WrapErr(domain.KindFatalIO, err, "scan approval")
		}
		approvals = append(approvals, *a)
	}
	return approvals, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (*domain.ApprovalRecord, error) {
	var a domain.ApprovalRecord
	var callID, decision, scope, decidedBy, reason sql.NullString
	var decidedAt sql.NullTime

	err := row.Scan(&a.ApprovalID, &a.RunID, &callID, &a.Key, &a.ToolName, &a.Resource, &a.State,
		&decision, &scope, &decidedBy, &reason, &a.CreatedAt, &decidedAt)
	if err != nil {
		return nil, err
	}
	if callID.Valid {
		a.CallID = callID.String
	}
	if decision.Valid {
		a.Decision = domain.ApprovalDecision(decision.String)
	}
	if scope.Valid {
		a.Scope = domain.ApprovalScope(scope.String)
	}
	if decidedBy.Valid {
		a.DecidedBy = decidedBy.String
	}
	if reason.Valid {
		a.Reason = reason.String
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		a.DecidedAt = &t
	}
	return &a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
