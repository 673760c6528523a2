// ABOUTME: Signing key persistence for SQLiteStore
// ABOUTME: Keys are never deleted; rotation flips the active flag and records rotated_at

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const signingKeyColumns = `kid, algorithm, public_key, private_key, active, created_at, expires_at, rotated_at`

// CreateSigningKey inserts a signing key. A second active key for the same
// algorithm is rejected with ErrConflict by the partial unique index.
func (q *sqliteQueries) CreateSigningKey(ctx context.Context, k *SigningKey) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO signing_keys (`+signingKeyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		k.KID,
		k.Algorithm,
		nullString(k.PublicKey),
		k.PrivateKey,
		boolInt(k.Active),
		formatTime(k.CreatedAt),
		nullTime(k.ExpiresAt),
		nullTime(k.RotatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("inserting signing key: %w", err)
	}
	return nil
}

// GetSigningKey retrieves a key by kid regardless of status.
func (q *sqliteQueries) GetSigningKey(ctx context.Context, kid string) (*SigningKey, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+signingKeyColumns+` FROM signing_keys WHERE kid = ?`, kid)
	return scanSigningKey(row)
}

// GetActiveSigningKey retrieves the active key for an algorithm.
func (q *sqliteQueries) GetActiveSigningKey(ctx context.Context, algorithm string) (*SigningKey, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+signingKeyColumns+` FROM signing_keys
		WHERE algorithm = ? AND active = 1
		ORDER BY created_at DESC LIMIT 1
	`, algorithm)
	return scanSigningKey(row)
}

// ListSigningKeys returns keys for an algorithm, newest first. An empty
// algorithm lists every key.
func (q *sqliteQueries) ListSigningKeys(ctx context.Context, algorithm string, activeOnly bool) ([]*SigningKey, error) {
	query := `SELECT ` + signingKeyColumns + ` FROM signing_keys WHERE 1 = 1`
	var args []any
	if algorithm != "" {
		query += ` AND algorithm = ?`
		args = append(args, algorithm)
	}
	if activeOnly {
		query += ` AND active = 1`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying signing keys: %w", err)
	}
	defer rows.Close()

	var keys []*SigningKey
	for rows.Next() {
		k, err := scanSigningKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating signing keys: %w", err)
	}
	return keys, nil
}

// DeactivateSigningKeys marks every active key of an algorithm inactive and
// returns how many were changed.
func (q *sqliteQueries) DeactivateSigningKeys(ctx context.Context, algorithm string, rotatedAt time.Time) (int, error) {
	result, err := q.db.ExecContext(ctx, `
		UPDATE signing_keys SET active = 0, rotated_at = ?
		WHERE algorithm = ? AND active = 1
	`, formatTime(rotatedAt), algorithm)
	if err != nil {
		return 0, fmt.Errorf("deactivating signing keys: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(n), nil
}

func scanSigningKey(row scanner) (*SigningKey, error) {
	var (
		k                    SigningKey
		publicKey            sql.NullString
		active               int
		createdAt            string
		expiresAt, rotatedAt sql.NullString
	)
	err := row.Scan(&k.KID, &k.Algorithm, &publicKey, &k.PrivateKey, &active,
		&createdAt, &expiresAt, &rotatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning signing key: %w", err)
	}

	k.PublicKey = publicKey.String
	k.Active = active != 0
	if k.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if k.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if k.RotatedAt, err = parseNullTime(rotatedAt); err != nil {
		return nil, fmt.Errorf("parsing rotated_at: %w", err)
	}
	return &k, nil
}
