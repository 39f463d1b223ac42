package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tutu-network/appgrader/internal/domain"
)

// ─── Dispatch Repository ────────────────────────────────────────────────────
// A round driver claims (email, round) before POSTing. The unique constraint
// makes the claim atomic, so two drivers racing on the same roster cannot both
// dispatch to one recipient.

const dispatchColumns = `id, email, task, round, nonce, brief, attachments, checks, evaluation_url,
	endpoint, statuscode, error, secret, expect_text, created_at, completed_at`

// ClaimDispatch records a pending dispatch. It returns ErrAlreadyDispatched
// when the recipient already has a dispatch for that round.
func (d *DB) ClaimDispatch(ctx context.Context, disp *domain.Dispatch) error {
	secret, err := d.seal(disp.Secret)
	if err != nil {
		return &domain.StoreError{Op: "seal secret", Critical: true, Err: err}
	}
	if disp.CreatedAt.IsZero() {
		disp.CreatedAt = d.now()
	}
	disp.StatusCode = domain.DispatchPending

	res, err := d.db.ExecContext(ctx,
		`INSERT INTO dispatches (email, task, round, nonce, brief, attachments, checks,
			evaluation_url, endpoint, statuscode, secret, expect_text, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(email, round) DO NOTHING`,
		disp.Email, disp.Task, disp.Round, disp.Nonce, disp.Brief,
		marshalJSON(disp.Attachments), marshalJSON(disp.Checks),
		disp.EvaluationURL, disp.Endpoint, disp.StatusCode, secret, disp.ExpectText,
		disp.CreatedAt.Unix(),
	)
	if err != nil {
		return &domain.StoreError{Op: "claim dispatch", Critical: true, Err: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrAlreadyDispatched
	}
	disp.ID, _ = res.LastInsertId()
	return nil
}

// CompleteDispatch stores the delivery outcome of a claimed dispatch.
func (d *DB) CompleteDispatch(ctx context.Context, id int64, status int, errText string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE dispatches SET statuscode = ?, error = ?, completed_at = ? WHERE id = ?`,
		status, errText, d.now().Unix(), id,
	)
	if err != nil {
		return &domain.StoreError{Op: "complete dispatch", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetDispatch returns the dispatch for (email, round) or ErrNotFound.
func (d *DB) GetDispatch(ctx context.Context, email string, round int) (*domain.Dispatch, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+dispatchColumns+` FROM dispatches WHERE email = ? AND round = ?`,
		email, round,
	)
	disp, err := d.scanDispatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return disp, err
}

// ListDispatches returns dispatches matching f, oldest first.
func (d *DB) ListDispatches(ctx context.Context, f domain.Filter) ([]domain.Dispatch, error) {
	clause, args := where(f.Email, f.Task, f.Round)
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+dispatchColumns+` FROM dispatches`+clause+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Dispatch
	for rows.Next() {
		disp, err := d.scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *disp)
	}
	return out, rows.Err()
}

func (d *DB) scanDispatch(s scanner) (*domain.Dispatch, error) {
	var disp domain.Dispatch
	var attachments, checks, secret string
	var createdAt int64
	var completedAt sql.NullInt64

	err := s.Scan(&disp.ID, &disp.Email, &disp.Task, &disp.Round, &disp.Nonce, &disp.Brief,
		&attachments, &checks, &disp.EvaluationURL, &disp.Endpoint, &disp.StatusCode,
		&disp.Error, &secret, &disp.ExpectText, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(attachments), &disp.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments of dispatch %d: %w", disp.ID, err)
	}
	if err := json.Unmarshal([]byte(checks), &disp.Checks); err != nil {
		return nil, fmt.Errorf("decode checks of dispatch %d: %w", disp.ID, err)
	}
	if disp.Secret, err = d.open(secret); err != nil {
		return nil, fmt.Errorf("open secret of dispatch %d: %w", disp.ID, err)
	}
	disp.CreatedAt = fromUnix(sql.NullInt64{Int64: createdAt, Valid: true})
	disp.CompletedAt = fromUnix(completedAt)
	return &disp, nil
}
