package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tutu-network/appgrader/internal/domain"
)

// ─── Task Repository ────────────────────────────────────────────────────────

const taskColumns = `id, email, task, round, nonce, brief, attachments, checks, evaluation_url,
	endpoint, statuscode, secret, repo_url, commit_sha, pages_url, created_at`

// RecordTask inserts a submitted task. A second insert for the same
// (email, task, round) affects no rows and returns ErrAlreadySubmitted.
// Any other failure is a critical StoreError.
func (d *DB) RecordTask(ctx context.Context, t *domain.Task) error {
	secret, err := d.seal(t.Secret)
	if err != nil {
		return &domain.StoreError{Op: "seal secret", Critical: true, Err: err}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = d.now()
	}

	res, err := d.db.ExecContext(ctx,
		`INSERT INTO tasks (email, task, round, nonce, brief, attachments, checks, evaluation_url,
			endpoint, statuscode, secret, repo_url, commit_sha, pages_url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(email, task, round) DO NOTHING`,
		t.Email, t.Task, t.Round, t.Nonce, t.Brief,
		marshalJSON(t.Attachments), marshalJSON(t.Checks), t.EvaluationURL,
		t.Endpoint, t.StatusCode, secret,
		nullableString(t.Publication.RepoURL), nullableString(t.Publication.CommitSHA),
		nullableString(t.Publication.PagesURL), t.CreatedAt.Unix(),
	)
	if err != nil {
		return &domain.StoreError{Op: "record task", Critical: true, Err: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrAlreadySubmitted
	}
	t.ID, _ = res.LastInsertId()
	return nil
}

// GetTask returns the task for (email, task, round) or ErrNotFound.
func (d *DB) GetTask(ctx context.Context, email, task string, round int) (*domain.Task, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE email = ? AND task = ? AND round = ?`,
		email, task, round,
	)
	t, err := d.scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return t, err
}

// ListTasks returns tasks matching f, oldest first.
func (d *DB) ListTasks(ctx context.Context, f domain.Filter) ([]domain.Task, error) {
	clause, args := where(f.Email, f.Task, f.Round)
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks`+clause+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := d.scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (d *DB) scanTask(s scanner) (*domain.Task, error) {
	var t domain.Task
	var attachments, checks, secret string
	var repoURL, commitSHA, pagesURL sql.NullString
	var createdAt int64

	err := s.Scan(&t.ID, &t.Email, &t.Task, &t.Round, &t.Nonce, &t.Brief,
		&attachments, &checks, &t.EvaluationURL, &t.Endpoint, &t.StatusCode, &secret,
		&repoURL, &commitSHA, &pagesURL, &createdAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(attachments), &t.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments of task %d: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(checks), &t.Checks); err != nil {
		return nil, fmt.Errorf("decode checks of task %d: %w", t.ID, err)
	}
	if t.Secret, err = d.open(secret); err != nil {
		return nil, fmt.Errorf("open secret of task %d: %w", t.ID, err)
	}
	t.Publication = domain.Publication{
		RepoURL:   repoURL.String,
		CommitSHA: commitSHA.String,
		PagesURL:  pagesURL.String,
	}
	t.CreatedAt = fromUnix(sql.NullInt64{Int64: createdAt, Valid: true})
	return &t, nil
}
