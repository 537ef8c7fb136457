package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/phasegate/internal/approval"
	"github.com/fyrsmithlabs/phasegate/internal/review"
)

const requestColumns = `id,task_id,gate_type,quality_report,requested_at,expires_at,status,updated_at`

// CreateRequest inserts an approval request.
func (s *DB) CreateRequest(ctx context.Context, r approval.Request) error {
	var report sql.NullString
	if r.QualityReport != nil {
		body, err := jsonString(r.QualityReport)
		if err != nil {
			return err
		}
		report = sql.NullString{String: body, Valid: true}
	}
	var expires sql.NullString
	if r.ExpiresAt != nil {
		expires = sql.NullString{String: formatTime(*r.ExpiresAt), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO approval_requests(`+requestColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		r.ID, r.TaskID, r.GateType, report, formatTime(r.RequestedAt), expires, string(r.Status), formatTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert approval request: %w", err)
	}
	return nil
}

func scanRequest(row scanner) (approval.Request, error) {
	var (
		r                  approval.Request
		report, expires    sql.NullString
		requested, updated string
		status             string
	)
	if err := row.Scan(&r.ID, &r.TaskID, &r.GateType, &report, &requested, &expires, &status, &updated); err != nil {
		return approval.Request{}, err
	}
	r.Status = approval.Status(status)
	var err error
	if r.RequestedAt, err = parseTime(requested); err != nil {
		return approval.Request{}, err
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return approval.Request{}, err
	}
	if expires.Valid {
		at, err := parseTime(expires.String)
		if err != nil {
			return approval.Request{}, err
		}
		r.ExpiresAt = &at
	}
	if report.Valid {
		var rep review.Report
		if err := jsonDecode(report.String, &rep); err != nil {
			return approval.Request{}, err
		}
		r.QualityReport = &rep
	}
	return r, nil
}

// GetRequest loads an approval request.
func (s *DB) GetRequest(ctx context.Context, id string) (approval.Request, error) {
	return getRequest(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRequest(ctx context.Context, q queryer, id string) (approval.Request, error) {
	r, err := scanRequest(q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM approval_requests WHERE id=?`, id))
	if err != nil {
		if isNoRows(err) {
			return approval.Request{}, approval.ErrUnknownRequest
		}
		return approval.Request{}, fmt.Errorf("select approval request: %w", err)
	}
	return r, nil
}

// ListRequests returns matching requests ordered by request time.
func (s *DB) ListRequests(ctx context.Context, f approval.Filter) ([]approval.Request, error) {
	var (
		where []string
		args  []any
	)
	if f.TaskID != "" {
		where = append(where, `task_id=?`)
		args = append(args, f.TaskID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, `status IN (`+placeholders(len(f.Statuses))+`)`)
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	query := `SELECT ` + requestColumns + ` FROM approval_requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY requested_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approval requests: %w", err)
	}
	defer rows.Close()
	var out []approval.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TransitionRequest conditionally moves a request to a new status and
// records the decision in the same transaction.
func (s *DB) TransitionRequest(ctx context.Context, id string, from []approval.Status, to approval.Status, d *approval.Decision, at time.Time) (approval.Request, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return approval.Request{}, err
	}
	defer func() { _ = tx.Rollback() }()

	args := []any{string(to), formatTime(at), id}
	for _, st := range from {
		args = append(args, string(st))
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE approval_requests SET status=?, updated_at=? WHERE id=? AND status IN (`+placeholders(len(from))+`)`,
		args...)
	if err != nil {
		return approval.Request{}, fmt.Errorf("transition approval request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return approval.Request{}, err
	}
	current, err := getRequest(ctx, tx, id)
	if err != nil {
		return approval.Request{}, err
	}
	if n == 0 {
		return current, approval.ErrConflict
	}
	if d != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO approval_decisions(request_id,decision,reviewer,justification,decided_at) VALUES (?,?,?,?,?)`,
			d.RequestID, string(d.Verdict), d.Reviewer, d.Justification, formatTime(d.DecidedAt)); err != nil {
			return approval.Request{}, fmt.Errorf("insert approval decision: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return approval.Request{}, err
	}
	return current, nil
}

// ListDecisions returns a request's decisions in the order they were made.
func (s *DB) ListDecisions(ctx context.Context, requestID string) ([]approval.Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id,decision,reviewer,justification,decided_at FROM approval_decisions WHERE request_id=? ORDER BY rowid`,
		requestID)
	if err != nil {
		return nil, fmt.Errorf("list approval decisions: %w", err)
	}
	defer rows.Close()
	var out []approval.Decision
	for rows.Next() {
		var (
			d       approval.Decision
			verdict string
			ts      string
		)
		if err := rows.Scan(&d.RequestID, &verdict, &d.Reviewer, &d.Justification, &ts); err != nil {
			return nil, err
		}
		d.Verdict = approval.Verdict(verdict)
		if d.DecidedAt, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func jsonString(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %T: %w", v, err)
	}
	return string(b), nil
}

func jsonDecode(s string, v any) error {
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
