package store

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/phasegate/internal/bootstrap"
	"github.com/fyrsmithlabs/phasegate/internal/defects"
	"github.com/fyrsmithlabs/phasegate/internal/stage"
)

// AppendRecord inserts an execution record.
func (s *DB) AppendRecord(ctx context.Context, r stage.ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO execution_records
		(id,task_id,phase,executor,attempt_number,latency_ns,tokens_in,tokens_out,cost,outcome,error,transition,recorded_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.TaskID, string(r.Phase), r.Executor, r.AttemptNumber, int64(r.Latency),
		r.TokensIn, r.TokensOut, r.Cost, string(r.Outcome), r.Error, r.Transition, formatTime(r.Timestamp))
	if err != nil {
		return fmt.Errorf("insert execution record: %w", err)
	}
	return nil
}

// ListRecords returns a task's records ordered by timestamp.
func (s *DB) ListRecords(ctx context.Context, taskID string) ([]stage.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		id,task_id,phase,executor,attempt_number,latency_ns,tokens_in,tokens_out,cost,outcome,error,transition,recorded_at
		FROM execution_records WHERE task_id=? ORDER BY recorded_at, rowid`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list execution records: %w", err)
	}
	defer rows.Close()

	var out []stage.ExecutionRecord
	for rows.Next() {
		var (
			r       stage.ExecutionRecord
			phase   string
			outcome string
			latency int64
			ts      string
		)
		if err := rows.Scan(&r.ID, &r.TaskID, &phase, &r.Executor, &r.AttemptNumber, &latency,
			&r.TokensIn, &r.TokensOut, &r.Cost, &outcome, &r.Error, &r.Transition, &ts); err != nil {
			return nil, err
		}
		r.Phase = stage.Phase(phase)
		r.Outcome = stage.Outcome(outcome)
		r.Latency = time.Duration(latency)
		if r.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertDefect appends a defect.
func (s *DB) InsertDefect(ctx context.Context, d defects.Defect) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO defects
		(id,task_id,defect_type,severity,phase_injected,phase_removed,effort_to_fix_ns,
		 flagged_by_agent,validated_by_human,false_positive,description,created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.TaskID, string(d.Type), string(d.Severity), string(d.PhaseInjected), string(d.PhaseRemoved),
		int64(d.EffortToFix), boolInt(d.FlaggedByAgent), boolInt(d.ValidatedByHuman), boolInt(d.FalsePositive),
		d.Description, formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert defect: %w", err)
	}
	return nil
}

const defectColumns = `id,task_id,defect_type,severity,phase_injected,phase_removed,effort_to_fix_ns,
	flagged_by_agent,validated_by_human,false_positive,description,created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDefect(row scanner) (defects.Defect, error) {
	var (
		d                           defects.Defect
		typ, sev, injected, removed string
		effort                      int64
		flagged, validated, fp      int
		ts                          string
	)
	if err := row.Scan(&d.ID, &d.TaskID, &typ, &sev, &injected, &removed, &effort,
		&flagged, &validated, &fp, &d.Description, &ts); err != nil {
		return defects.Defect{}, err
	}
	d.Type = defects.Type(typ)
	d.Severity = defects.Severity(sev)
	d.PhaseInjected = stage.Phase(injected)
	d.PhaseRemoved = stage.Phase(removed)
	d.EffortToFix = time.Duration(effort)
	d.FlaggedByAgent = flagged != 0
	d.ValidatedByHuman = validated != 0
	d.FalsePositive = fp != 0
	created, err := parseTime(ts)
	if err != nil {
		return defects.Defect{}, err
	}
	d.CreatedAt = created
	return d, nil
}

// GetDefect loads a defect.
func (s *DB) GetDefect(ctx context.Context, id string) (defects.Defect, error) {
	d, err := scanDefect(s.db.QueryRowContext(ctx, `SELECT `+defectColumns+` FROM defects WHERE id=?`, id))
	if err != nil {
		if isNoRows(err) {
			return defects.Defect{}, defects.ErrNotFound
		}
		return defects.Defect{}, fmt.Errorf("select defect: %w", err)
	}
	return d, nil
}

// UpdateDefect rewrites only the removal and annotation fields.
func (s *DB) UpdateDefect(ctx context.Context, d defects.Defect) error {
	res, err := s.db.ExecContext(ctx, `UPDATE defects SET
		phase_removed=?, effort_to_fix_ns=?, validated_by_human=?, false_positive=? WHERE id=?`,
		string(d.PhaseRemoved), int64(d.EffortToFix), boolInt(d.ValidatedByHuman), boolInt(d.FalsePositive), d.ID)
	if err != nil {
		return fmt.Errorf("update defect: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return defects.ErrNotFound
	}
	return nil
}

// ListDefects returns defects in creation order.
func (s *DB) ListDefects(ctx context.Context, f defects.Filter) ([]defects.Defect, error) {
	query := `SELECT ` + defectColumns + ` FROM defects`
	var args []any
	if f.TaskID != "" {
		query += ` WHERE task_id=?`
		args = append(args, f.TaskID)
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list defects: %w", err)
	}
	defer rows.Close()
	var out []defects.Defect
	for rows.Next() {
		d, err := scanDefect(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SaveMetric appends a metric snapshot.
func (s *DB) SaveMetric(ctx context.Context, m bootstrap.Metric) error {
	body, err := jsonString(m)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO bootstrap_metrics(capability,body,updated_at) VALUES (?,?,?)`,
		m.Capability, body, formatTime(m.UpdatedAt)); err != nil {
		return fmt.Errorf("insert bootstrap metric: %w", err)
	}
	return nil
}

// LatestMetric returns the newest snapshot for capability.
func (s *DB) LatestMetric(ctx context.Context, capability string) (bootstrap.Metric, bool, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM bootstrap_metrics WHERE capability=? ORDER BY id DESC LIMIT 1`, capability).Scan(&body)
	if isNoRows(err) {
		return bootstrap.Metric{}, false, nil
	}
	if err != nil {
		return bootstrap.Metric{}, false, fmt.Errorf("select bootstrap metric: %w", err)
	}
	var m bootstrap.Metric
	if err := jsonDecode(body, &m); err != nil {
		return bootstrap.Metric{}, false, err
	}
	return m, true, nil
}
