// ABOUTME: Principal persistence for SQLiteStore
// ABOUTME: Create, lookup by id/email/nick, filtered listing and cascading delete

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const principalColumns = `id, nick, email, first_name, second_name, phone_number,
	enabled, admin, created_at, updated_at`

// NormalizeEmail lowercases and trims an email for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreatePrincipal inserts a new principal.
func (q *sqliteQueries) CreatePrincipal(ctx context.Context, p *Principal) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO principals (`+principalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID,
		nullString(p.Nick),
		nullString(NormalizeEmail(p.Email)),
		nullString(p.FirstName),
		nullString(p.SecondName),
		nullString(p.PhoneNumber),
		boolInt(p.Enabled),
		boolInt(p.Admin),
		formatTime(p.CreatedAt),
		formatTime(p.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("inserting principal: %w", err)
	}
	return nil
}

// GetPrincipal retrieves a principal by id.
func (q *sqliteQueries) GetPrincipal(ctx context.Context, id string) (*Principal, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+principalColumns+` FROM principals WHERE id = ?`, id)
	return scanPrincipal(row)
}

// GetPrincipalByEmail retrieves a principal by email, case-insensitively.
func (q *sqliteQueries) GetPrincipalByEmail(ctx context.Context, email string) (*Principal, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, ErrNotFound
	}
	row := q.db.QueryRowContext(ctx, `SELECT `+principalColumns+` FROM principals WHERE email = ?`, email)
	return scanPrincipal(row)
}

// GetPrincipalByNick retrieves the first principal with the given nick.
func (q *sqliteQueries) GetPrincipalByNick(ctx context.Context, nick string) (*Principal, error) {
	if nick == "" {
		return nil, ErrNotFound
	}
	row := q.db.QueryRowContext(ctx, `
		SELECT `+principalColumns+` FROM principals WHERE nick = ?
		ORDER BY created_at ASC LIMIT 1
	`, nick)
	return scanPrincipal(row)
}

// UpdatePrincipal writes all mutable principal fields.
func (q *sqliteQueries) UpdatePrincipal(ctx context.Context, p *Principal) error {
	result, err := q.db.ExecContext(ctx, `
		UPDATE principals
		SET nick = ?, email = ?, first_name = ?, second_name = ?, phone_number = ?,
			enabled = ?, admin = ?, updated_at = ?
		WHERE id = ?
	`,
		nullString(p.Nick),
		nullString(NormalizeEmail(p.Email)),
		nullString(p.FirstName),
		nullString(p.SecondName),
		nullString(p.PhoneNumber),
		boolInt(p.Enabled),
		boolInt(p.Admin),
		formatTime(p.UpdatedAt),
		p.ID,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("updating principal: %w", err)
	}
	return requireAffected(result)
}

// ListPrincipals returns principals matching filter, newest first.
func (q *sqliteQueries) ListPrincipals(ctx context.Context, filter PrincipalFilter) ([]*Principal, error) {
	where, args := principalWhere(filter)
	query := `SELECT ` + principalColumns + ` FROM principals` + where + ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying principals: %w", err)
	}
	defer rows.Close()

	var principals []*Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		principals = append(principals, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating principals: %w", err)
	}
	return principals, nil
}

// CountPrincipals counts principals matching filter. Limit and Offset are ignored.
func (q *sqliteQueries) CountPrincipals(ctx context.Context, filter PrincipalFilter) (int, error) {
	where, args := principalWhere(filter)
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM principals`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting principals: %w", err)
	}
	return n, nil
}

// DeletePrincipal removes a principal and, through the foreign key, its credentials.
func (q *sqliteQueries) DeletePrincipal(ctx context.Context, id string) error {
	result, err := q.db.ExecContext(ctx, `DELETE FROM principals WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting principal: %w", err)
	}
	return requireAffected(result)
}

func principalWhere(filter PrincipalFilter) (string, []any) {
	var clauses []string
	var args []any
	if filter.Enabled != nil {
		clauses = append(clauses, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if filter.Admin != nil {
		clauses = append(clauses, "admin = ?")
		args = append(args, boolInt(*filter.Admin))
	}
	if s := strings.TrimSpace(filter.Search); s != "" {
		like := "%" + strings.ToLower(s) + "%"
		clauses = append(clauses, `(LOWER(COALESCE(nick, '')) LIKE ? OR COALESCE(email, '') LIKE ?
			OR LOWER(COALESCE(first_name, '')) LIKE ? OR LOWER(COALESCE(second_name, '')) LIKE ?)`)
		args = append(args, like, like, like, like)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanPrincipal(row scanner) (*Principal, error) {
	var (
		p                                 Principal
		nick, email, first, second, phone sql.NullString
		enabled, admin                    int
		createdAt, updatedAt              string
	)
	err := row.Scan(&p.ID, &nick, &email, &first, &second, &phone,
		&enabled, &admin, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning principal: %w", err)
	}

	p.Nick = nick.String
	p.Email = email.String
	p.FirstName = first.String
	p.SecondName = second.String
	p.PhoneNumber = phone.String
	p.Enabled = enabled != 0
	p.Admin = admin != 0

	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &p, nil
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
