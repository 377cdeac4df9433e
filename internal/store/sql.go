package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sqlStore implements Store over database/sql. It is shared by the SQLite
// and Postgres backends; the only divergence is placeholder style.
type sqlStore struct {
	db       *sql.DB
	postgres bool
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id %s,
	user_id TEXT NOT NULL,
	project_id BIGINT,
	repo_url TEXT NOT NULL,
	target_branch TEXT NOT NULL,
	agent_kind TEXT NOT NULL,
	prompt TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	reason TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	chat TEXT NOT NULL DEFAULT '[]',
	sandbox_handle TEXT NOT NULL DEFAULT '',
	branch TEXT NOT NULL DEFAULT '',
	commit_hash TEXT NOT NULL DEFAULT '',
	diff_text TEXT NOT NULL DEFAULT '',
	patch BYTEA,
	files TEXT NOT NULL DEFAULT '[]',
	exit_code INTEGER,
	pr_branch TEXT NOT NULL DEFAULT '',
	pr_number INTEGER,
	pr_url TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id);
CREATE INDEX IF NOT EXISTS idx_tasks_sandbox ON tasks(sandbox_handle);
`

func (s *sqlStore) migrate() error {
	idCol := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.postgres {
		idCol = "BIGSERIAL PRIMARY KEY"
	}
	_, err := s.db.Exec(fmt.Sprintf(schema, idCol))
	return err
}

// rebind converts ?-style placeholders to $n for Postgres.
func (s *sqlStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) Create(ctx context.Context, spec TaskSpec) (int64, error) {
	now := time.Now().UTC()
	query := `INSERT INTO tasks (user_id, project_id, repo_url, target_branch, agent_kind, prompt, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	if s.postgres {
		var id int64
		err := s.db.QueryRowContext(ctx, s.rebind(query)+" RETURNING id",
			spec.UserID, spec.ProjectID, spec.RepoURL, spec.TargetBranch, spec.AgentKind, spec.Prompt, StatusPending, now).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("failed to create task: %w", err)
		}
		return id, nil
	}

	res, err := s.db.ExecContext(ctx, query,
		spec.UserID, spec.ProjectID, spec.RepoURL, spec.TargetBranch, spec.AgentKind, spec.Prompt, StatusPending, now)
	if err != nil {
		return 0, fmt.Errorf("failed to create task: %w", err)
	}
	return res.LastInsertId()
}

const taskColumns = `id, user_id, project_id, repo_url, target_branch, agent_kind, prompt,
	status, reason, error, chat, sandbox_handle, branch, commit_hash, diff_text, patch, files,
	exit_code, pr_branch, pr_number, pr_url, created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t          Task
		projectID  sql.NullInt64
		chatJSON   string
		filesJSON  string
		patch      []byte
		exitCode   sql.NullInt64
		prNumber   sql.NullInt64
		startedAt  sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(&t.ID, &t.UserID, &projectID, &t.RepoURL, &t.TargetBranch, &t.AgentKind, &t.Prompt,
		&t.Status, &t.Reason, &t.Error, &chatJSON, &t.SandboxHandle, &t.Branch, &t.CommitHash,
		&t.DiffText, &patch, &filesJSON, &exitCode, &t.PRBranch, &prNumber, &t.PRURL,
		&t.CreatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if projectID.Valid {
		t.ProjectID = &projectID.Int64
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		t.ExitCode = &v
	}
	if prNumber.Valid {
		v := int(prNumber.Int64)
		t.PRNumber = &v
	}
	if startedAt.Valid {
		ts := startedAt.Time
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := completedAt.Time
		t.CompletedAt = &ts
	}
	t.Patch = patch
	if err := json.Unmarshal([]byte(chatJSON), &t.Chat); err != nil {
		return nil, fmt.Errorf("corrupt chat transcript for task %d: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(filesJSON), &t.Files); err != nil {
		return nil, fmt.Errorf("corrupt file changes for task %d: %w", t.ID, err)
	}
	return &t, nil
}

func (s *sqlStore) Get(ctx context.Context, userID string, id int64) (*Task, error) {
	query := s.rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE id = ? AND user_id = ?`)
	return scanTask(s.db.QueryRowContext(ctx, query, id, userID))
}

func (s *sqlStore) GetByID(ctx context.Context, id int64) (*Task, error) {
	query := s.rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`)
	return scanTask(s.db.QueryRowContext(ctx, query, id))
}

func (s *sqlStore) ListByUser(ctx context.Context, userID string, statuses ...Status) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE user_id = ?`
	args := []any{userID}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(", ?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// setClause builds the assignment list for a status update.
func setClause(status Status, f Fields) (string, []any) {
	sets := []string{"status = ?"}
	args := []any{status}
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if f.Reason != nil {
		add("reason", *f.Reason)
	}
	if f.Error != nil {
		add("error", *f.Error)
	}
	if f.SandboxHandle != nil {
		add("sandbox_handle", *f.SandboxHandle)
	}
	if f.Branch != nil {
		add("branch", *f.Branch)
	}
	if f.CommitHash != nil {
		add("commit_hash", *f.CommitHash)
	}
	if f.DiffText != nil {
		add("diff_text", *f.DiffText)
	}
	if f.Patch != nil {
		add("patch", f.Patch)
	}
	if f.Files != nil {
		data, _ := json.Marshal(f.Files)
		add("files", string(data))
	}
	if f.ExitCode != nil {
		add("exit_code", *f.ExitCode)
	}
	if f.StartedAt != nil {
		add("started_at", f.StartedAt.UTC())
	}
	if f.CompletedAt != nil {
		add("completed_at", f.CompletedAt.UTC())
	}
	return strings.Join(sets, ", "), args
}

func (s *sqlStore) UpdateStatus(ctx context.Context, id int64, status Status, f Fields) error {
	sets, args := setClause(status, f)
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE tasks SET `+sets+` WHERE id = ?`), args...)
	if err != nil {
		return fmt.Errorf("failed to update task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) CompareAndSwapStatus(ctx context.Context, id int64, from, to Status, f Fields) (bool, error) {
	sets, args := setClause(to, f)
	args = append(args, id, from)
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE tasks SET `+sets+` WHERE id = ? AND status = ?`), args...)
	if err != nil {
		return false, fmt.Errorf("failed to swap task %d status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqlStore) AppendChat(ctx context.Context, id int64, msg Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var chatJSON string
	query := `SELECT chat FROM tasks WHERE id = ?`
	if s.postgres {
		query += ` FOR UPDATE`
	}
	if err := tx.QueryRowContext(ctx, s.rebind(query), id).Scan(&chatJSON); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}

	var chat []Message
	if err := json.Unmarshal([]byte(chatJSON), &chat); err != nil {
		return fmt.Errorf("corrupt chat transcript for task %d: %w", id, err)
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	// Transcript timestamps are totally ordered within a task.
	if n := len(chat); n > 0 && !msg.Timestamp.After(chat[n-1].Timestamp) {
		msg.Timestamp = chat[n-1].Timestamp.Add(time.Microsecond)
	}
	chat = append(chat, msg)

	data, err := json.Marshal(chat)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE tasks SET chat = ? WHERE id = ?`), string(data), id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) RunningBySandbox(ctx context.Context, handle string) (*Task, error) {
	query := s.rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE sandbox_handle = ? AND status = ? LIMIT 1`)
	return scanTask(s.db.QueryRowContext(ctx, query, handle, StatusRunning))
}
