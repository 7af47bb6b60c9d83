package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// Account is a dev server user. Token authenticates the WebSocket and REST calls.
type Account struct {
	ID           string
	Token        string
	ShowStatus   bool
	LastOnlineAt time.Time // zero = never seen
}

// UpsertAccount creates an account or updates its token and visibility.
// The last-online time is left alone.
func (db *DB) UpsertAccount(ctx context.Context, a Account) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO accounts (id, token, show_status)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			token = excluded.token,
			show_status = excluded.show_status`,
		a.ID, a.Token, a.ShowStatus)
	return err
}

// AccountByToken resolves a bearer token.
func (db *DB) AccountByToken(ctx context.Context, token string) (*Account, error) {
	row := db.QueryRowContext(ctx, `SELECT id, token, show_status, last_online_at FROM accounts WHERE token = ?`, token)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// Accounts loads the listed accounts. Unknown ids are skipped.
func (db *DB) Accounts(ctx context.Context, ids []string) ([]Account, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err := db.QueryContext(ctx, `
		SELECT id, token, show_status, last_online_at
		FROM accounts
		WHERE id IN (`+placeholders+`)
		ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// SetLastOnline records when an account's last connection closed.
func (db *DB) SetLastOnline(ctx context.Context, id string, at time.Time) error {
	res, err := db.ExecContext(ctx, `UPDATE accounts SET last_online_at = ? WHERE id = ?`, at.UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner) (*Account, error) {
	var (
		a          Account
		lastOnline sql.NullInt64
	)
	if err := s.Scan(&a.ID, &a.Token, &a.ShowStatus, &lastOnline); err != nil {
		return nil, err
	}
	if lastOnline.Valid {
		a.LastOnlineAt = time.UnixMilli(lastOnline.Int64).UTC()
	}
	return &a, nil
}
