package sqlite

import (
	"context"
	"database/sql"

	"github.com/tutu-network/appgrader/internal/domain"
)

// ─── Repos ──────────────────────────────────────────────────────────────────

// RecordRepo stores a reported repo. A repeated report of the same commit is
// ignored and returns false.
func (d *DB) RecordRepo(ctx context.Context, r *domain.Repo) (bool, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = d.now()
	}
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO repos (email, task, round, repo_url, commit_sha, pages_url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(email, task, round, commit_sha) DO NOTHING`,
		r.Email, r.Task, r.Round, r.RepoURL, r.CommitSHA, r.PagesURL, r.CreatedAt.Unix(),
	)
	if err != nil {
		return false, &domain.StoreError{Op: "record repo", Critical: true, Err: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	r.ID, _ = res.LastInsertId()
	return true, nil
}

// ListRepos returns reported repos matching f, oldest first.
func (d *DB) ListRepos(ctx context.Context, f domain.Filter) ([]domain.Repo, error) {
	clause, args := where(f.Email, f.Task, f.Round)
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, email, task, round, repo_url, commit_sha, pages_url, created_at
		 FROM repos`+clause+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var repos []domain.Repo
	for rows.Next() {
		var r domain.Repo
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.Email, &r.Task, &r.Round, &r.RepoURL,
			&r.CommitSHA, &r.PagesURL, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt = fromUnix(sql.NullInt64{Int64: createdAt, Valid: true})
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// ─── Results ────────────────────────────────────────────────────────────────

// RecordResult appends one check outcome. Failures are best-effort
// StoreErrors: the evaluator logs them and moves on.
func (d *DB) RecordResult(ctx context.Context, r *domain.Result) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = d.now()
	}
	if r.Target == "" {
		r.Target = domain.TargetName(r.Email, r.Task)
	}
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO results (email, task, round, target, repo_url, commit_sha, pages_url,
			check_name, score, reason, logs, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Email, r.Task, r.Round, r.Target, r.RepoURL, r.CommitSHA, r.PagesURL,
		string(r.Check), r.Score, r.Reason, nullableString(r.Logs), r.CreatedAt.Unix(),
	)
	if err != nil {
		return &domain.StoreError{Op: "record result", Err: err}
	}
	r.ID, _ = res.LastInsertId()
	return nil
}

// ListResults returns results matching f in insertion order.
func (d *DB) ListResults(ctx context.Context, f domain.Filter) ([]domain.Result, error) {
	clause, args := where(f.Email, f.Task, f.Round)
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, email, task, round, target, repo_url, commit_sha, pages_url,
			check_name, score, reason, logs, created_at
		 FROM results`+clause+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.Result
	for rows.Next() {
		var r domain.Result
		var check string
		var logs sql.NullString
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.Email, &r.Task, &r.Round, &r.Target, &r.RepoURL,
			&r.CommitSHA, &r.PagesURL, &check, &r.Score, &r.Reason, &logs, &createdAt); err != nil {
			return nil, err
		}
		r.Check = domain.CheckName(check)
		r.Logs = logs.String
		r.CreatedAt = fromUnix(sql.NullInt64{Int64: createdAt, Valid: true})
		results = append(results, r)
	}
	return results, rows.Err()
}
