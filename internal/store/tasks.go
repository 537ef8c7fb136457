package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/phasegate/internal/orchestrator"
)

// CreateTask inserts a new task.
func (s *DB) CreateTask(ctx context.Context, t orchestrator.Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(id,status,current_phase,created_at,updated_at,body) VALUES (?,?,?,?,?,?)`,
		t.ID, string(t.Status), string(t.CurrentPhase), formatTime(t.CreatedAt), formatTime(t.UpdatedAt), string(body))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", orchestrator.ErrTaskExists, t.ID)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask loads a task.
func (s *DB) GetTask(ctx context.Context, id string) (orchestrator.Task, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM tasks WHERE id=?`, id).Scan(&body)
	if isNoRows(err) {
		return orchestrator.Task{}, fmt.Errorf("%w: %s", orchestrator.ErrTaskNotFound, id)
	}
	if err != nil {
		return orchestrator.Task{}, fmt.Errorf("select task: %w", err)
	}
	return decodeTask(body)
}

// UpdateTask replaces a task.
func (s *DB) UpdateTask(ctx context.Context, t orchestrator.Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status=?, current_phase=?, updated_at=?, body=? WHERE id=?`,
		string(t.Status), string(t.CurrentPhase), formatTime(t.UpdatedAt), string(body), t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", orchestrator.ErrTaskNotFound, t.ID)
	}
	return nil
}

// ListTasks returns matching tasks ordered by creation time.
func (s *DB) ListTasks(ctx context.Context, f orchestrator.TaskFilter) ([]orchestrator.Task, error) {
	query := `SELECT body FROM tasks`
	var args []any
	if len(f.Statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(f.Statuses)) + `)`
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []orchestrator.Task
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		t, err := decodeTask(body)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func decodeTask(body string) (orchestrator.Task, error) {
	var t orchestrator.Task
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return orchestrator.Task{}, fmt.Errorf("decode task: %w", err)
	}
	return t, nil
}
