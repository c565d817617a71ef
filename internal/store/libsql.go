package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/sethdford/vibex-sub011/pkg/schema"
)

const defaultListLimit = 50

// LibSQLStore implements ReportStore on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens the database at dbPath, a file URI such as
// "file:/home/me/.flowctl/flowctl.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return a row, so they go through QueryRow.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	} {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}
	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying handle, shared with the event log.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate applies pending migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// SaveReport stores report and its step rows, replacing an earlier copy
// with the same run id.
func (s *LibSQLStore) SaveReport(ctx context.Context, report *schema.RunReport) error {
	if report == nil || report.RunID == "" {
		return schema.NewError(schema.ErrCodeValidation, "report has no run id")
	}
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	failed := 0
	for _, st := range report.Steps {
		if st.Status == schema.StepStatusFailure {
			failed++
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save report: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, workflow_id, status, started_at, ended_at, duration_ms,
		                   cancelled, aborted, retry_of, step_count, failed_count, report, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   workflow_id=excluded.workflow_id, status=excluded.status,
		   started_at=excluded.started_at, ended_at=excluded.ended_at,
		   duration_ms=excluded.duration_ms, cancelled=excluded.cancelled,
		   aborted=excluded.aborted, retry_of=excluded.retry_of,
		   step_count=excluded.step_count, failed_count=excluded.failed_count,
		   report=excluded.report`,
		report.RunID, report.WorkflowID, string(report.Status),
		formatTime(report.Timing.StartedAt), formatTime(report.Timing.EndedAt), report.Timing.DurationMs,
		boolInt(report.Cancelled), boolInt(report.Aborted), nullStr(report.RetryOf),
		len(report.Steps), failed, string(body), formatTime(time.Now()),
	)
	if err != nil {
		return storeError("save report", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM step_results WHERE run_id = ?`, report.RunID); err != nil {
		return storeError("clear step results", err)
	}
	for i, st := range report.Steps {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO step_results (run_id, position, step_id, status, retries, duration_ms, error_code, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			report.RunID, i, st.StepID, string(st.Status), st.Retries, st.DurationMs,
			nullStr(st.ErrorCode), nullStr(st.Error),
		)
		if err != nil {
			return storeError("save step result", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storeError("commit report", err)
	}
	return nil
}

// GetReport returns the report of runID.
func (s *LibSQLStore) GetReport(ctx context.Context, runID string) (*schema.RunReport, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM runs WHERE run_id = ?`, runID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("run", runID)
	}
	if err != nil {
		return nil, storeError("get report", err)
	}
	return decodeReport(body)
}

// LatestReport returns the most recently started run, optionally limited
// to one workflow.
func (s *LibSQLStore) LatestReport(ctx context.Context, workflowID string) (*schema.RunReport, error) {
	query := `SELECT report FROM runs`
	var args []any
	if workflowID != "" {
		query += ` WHERE workflow_id = ?`
		args = append(args, workflowID)
	}
	query += ` ORDER BY started_at DESC, created_at DESC LIMIT 1`

	var body string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("run for workflow", workflowID)
	}
	if err != nil {
		return nil, storeError("latest report", err)
	}
	return decodeReport(body)
}

// ListReports returns summaries, newest first.
func (s *LibSQLStore) ListReports(ctx context.Context, filter ReportFilter) ([]*ReportSummary, error) {
	query := `SELECT run_id, workflow_id, status, started_at, ended_at, duration_ms,
	                 cancelled, aborted, retry_of, step_count, failed_count
	          FROM runs`
	var (
		where []string
		args  []any
	)
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, formatTime(*filter.Since))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += fmt.Sprintf(" ORDER BY started_at DESC, created_at DESC LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeError("list reports", err)
	}
	defer rows.Close()

	var out []*ReportSummary
	for rows.Next() {
		var (
			r                  ReportSummary
			status             string
			started, ended     string
			cancelled, aborted int
			retryOf            sql.NullString
		)
		if err := rows.Scan(&r.RunID, &r.WorkflowID, &status, &started, &ended, &r.DurationMs,
			&cancelled, &aborted, &retryOf, &r.StepCount, &r.FailedCount); err != nil {
			return nil, storeError("scan report", err)
		}
		r.Status = schema.RunStatus(status)
		r.StartedAt = parseTime(started)
		r.EndedAt = parseTime(ended)
		r.Cancelled = cancelled != 0
		r.Aborted = aborted != 0
		r.RetryOf = retryOf.String
		out = append(out, &r)
	}
	return out, rows.Err()
}

// DeleteReport removes a run, its step rows and its control events.
func (s *LibSQLStore) DeleteReport(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin delete", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return storeError("delete report", err)
	}
	if err := checkRowsAffected(res, "run", runID); err != nil {
		return err
	}
	for _, q := range []string{
		`DELETE FROM step_results WHERE run_id = ?`,
		`DELETE FROM control_events WHERE run_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, runID); err != nil {
			return storeError("delete report", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeError("commit delete", err)
	}
	return nil
}

// StepHistory returns the latest outcomes of one step across runs of a
// workflow, newest first.
func (s *LibSQLStore) StepHistory(ctx context.Context, workflowID, stepID string, limit int) ([]*StepRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT sr.run_id, sr.step_id, sr.status, sr.retries, sr.duration_ms, sr.error_code, sr.error, r.started_at
		 FROM step_results sr JOIN runs r ON r.run_id = sr.run_id
		 WHERE r.workflow_id = ? AND sr.step_id = ?
		 ORDER BY r.started_at DESC LIMIT ?`,
		workflowID, stepID, limit,
	)
	if err != nil {
		return nil, storeError("step history", err)
	}
	defer rows.Close()

	var out []*StepRecord
	for rows.Next() {
		var (
			rec       StepRecord
			status    string
			code, msg sql.NullString
			started   string
		)
		if err := rows.Scan(&rec.RunID, &rec.StepID, &status, &rec.Retries, &rec.DurationMs, &code, &msg, &started); err != nil {
			return nil, storeError("scan step history", err)
		}
		rec.Status = schema.StepStatus(status)
		rec.ErrorCode = code.String
		rec.Error = msg.String
		rec.StartedAt = parseTime(started)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

var _ ReportStore = (*LibSQLStore)(nil)

// --- Helpers ---

func decodeReport(body string) (*schema.RunReport, error) {
	var r schema.RunReport
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &r, nil
}

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeError(op string, err error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

// Times are stored as fixed-width RFC 3339 text in UTC so they sort
// lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}
