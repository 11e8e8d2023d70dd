package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SaveCredential stores the token and identity, replacing any previous one.
func (db *DB) SaveCredential(c *Credential) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO credentials (id, token, user_id, user_code, username, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			token = excluded.token,
			user_id = excluded.user_id,
			user_code = excluded.user_code,
			username = excluded.username,
			updated_at = excluded.updated_at`,
		c.Token, c.UserID, c.UserCode, c.Username, now)
	return err
}

// Credential returns the stored credential, or nil when none is stored.
func (db *DB) Credential() (*Credential, error) {
	var c Credential
	err := db.QueryRow(`SELECT token, user_id, user_code, username, updated_at FROM credentials WHERE id = 1`).
		Scan(&c.Token, &c.UserID, &c.UserCode, &c.Username, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Token returns the stored token, or "" when signed out.
func (db *DB) Token(ctx context.Context) (string, error) {
	var token string
	err := db.QueryRowContext(ctx, `SELECT token FROM credentials WHERE id = 1`).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return token, err
}

// ClearToken forgets the token but keeps the identity.
func (db *DB) ClearToken() error {
	_, err := db.Exec(`UPDATE credentials SET token = '', updated_at = ? WHERE id = 1`, time.Now().UnixMilli())
	return err
}
