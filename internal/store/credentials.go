// ABOUTME: Credential persistence for SQLiteStore
// ABOUTME: Stores all four credential variants in one table keyed by a type discriminator

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const credentialColumns = `id, principal_id, type, identifier, enabled, requires_approval,
	approved, approved_by, approved_at, created_at, updated_at,
	credential_id, public_key, sign_count, transports, rp_id, attestation_type, aaguid,
	backup_eligible, backup_state,
	password_hash, password_changed_at,
	provider, provider_subject, access_token, refresh_token, oauth_expires_at,
	token_hash, description, expires_at, last_used_at`

// credentialRow flattens a Credential into column values.
type credentialRow struct {
	credentialID    any
	publicKey       any
	signCount       int64
	transports      any
	rpID            any
	attestationType any
	aaguid          any
	backupEligible  int
	backupState     int

	passwordHash      any
	passwordChangedAt any

	provider        any
	providerSubject any
	accessToken     any
	refreshToken    any
	oauthExpiresAt  any

	tokenHash   any
	description any
	expiresAt   any
	lastUsedAt  any
}

func flattenCredential(c *Credential) (*credentialRow, error) {
	if !c.Type.Valid() {
		return nil, fmt.Errorf("unknown credential type %q", c.Type)
	}

	r := &credentialRow{}
	switch c.Type {
	case CredentialPasskey:
		pk := c.Passkey
		if pk == nil {
			return nil, fmt.Errorf("passkey credential missing payload")
		}
		var transports any
		if len(pk.Transports) > 0 {
			b, err := json.Marshal(pk.Transports)
			if err != nil {
				return nil, fmt.Errorf("encoding transports: %w", err)
			}
			transports = string(b)
		}
		r.credentialID = nullBytes(pk.CredentialID)
		r.publicKey = nullBytes(pk.PublicKey)
		r.signCount = int64(pk.SignCount)
		r.transports = transports
		r.rpID = nullString(pk.RPID)
		r.attestationType = nullString(pk.AttestationType)
		r.aaguid = nullBytes(pk.AAGUID)
		r.backupEligible = boolInt(pk.BackupEligible)
		r.backupState = boolInt(pk.BackupState)

	case CredentialPassword:
		pw := c.Password
		if pw == nil {
			return nil, fmt.Errorf("password credential missing payload")
		}
		r.passwordHash = pw.Hash
		r.passwordChangedAt = formatTime(pw.LastChangedAt)

	case CredentialOAuth2:
		o := c.OAuth2
		if o == nil {
			return nil, fmt.Errorf("oauth2 credential missing payload")
		}
		r.provider = o.Provider
		r.providerSubject = o.ProviderSubject
		r.accessToken = nullString(o.AccessToken)
		r.refreshToken = nullString(o.RefreshToken)
		r.oauthExpiresAt = nullTime(o.ExpiresAt)

	case CredentialToken:
		t := c.Token
		if t == nil {
			return nil, fmt.Errorf("token credential missing payload")
		}
		r.tokenHash = t.Hash
		r.description = nullString(t.Description)
		r.expiresAt = nullTime(t.ExpiresAt)
		r.lastUsedAt = nullTime(t.LastUsedAt)
	}
	return r, nil
}

// CreateCredential inserts a credential of any variant.
// Returns ErrNotFound if the principal does not exist and ErrConflict on a
// duplicate passkey id, token hash or oauth2 subject.
func (q *sqliteQueries) CreateCredential(ctx context.Context, c *Credential) error {
	r, err := flattenCredential(c)
	if err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO credentials (`+credentialColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			?, ?, ?, ?, ?, ?, ?, ?, ?,
			?, ?,
			?, ?, ?, ?, ?,
			?, ?, ?, ?)
	`,
		c.ID, c.PrincipalID, string(c.Type), nullString(c.Identifier),
		boolInt(c.Enabled), boolInt(c.RequiresApproval), boolInt(c.Approved),
		nullString(c.ApprovedBy), nullTime(c.ApprovedAt),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
		r.credentialID, r.publicKey, r.signCount, r.transports, r.rpID, r.attestationType, r.aaguid,
		r.backupEligible, r.backupState,
		r.passwordHash, r.passwordChangedAt,
		r.provider, r.providerSubject, r.accessToken, r.refreshToken, r.oauthExpiresAt,
		r.tokenHash, r.description, r.expiresAt, r.lastUsedAt,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrConflict
		}
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("inserting credential: %w", err)
	}
	return nil
}

// GetCredential retrieves a credential by id.
func (q *sqliteQueries) GetCredential(ctx context.Context, id string) (*Credential, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id)
	return scanCredential(row)
}

// UpdateCredential writes the envelope and payload of an existing credential.
// The owning principal and type are immutable.
func (q *sqliteQueries) UpdateCredential(ctx context.Context, c *Credential) error {
	r, err := flattenCredential(c)
	if err != nil {
		return err
	}

	result, err := q.db.ExecContext(ctx, `
		UPDATE credentials SET
			identifier = ?, enabled = ?, requires_approval = ?, approved = ?,
			approved_by = ?, approved_at = ?, updated_at = ?,
			credential_id = ?, public_key = ?, sign_count = ?, transports = ?, rp_id = ?,
			attestation_type = ?, aaguid = ?, backup_eligible = ?, backup_state = ?,
			password_hash = ?, password_changed_at = ?,
			provider = ?, provider_subject = ?, access_token = ?, refresh_token = ?, oauth_expires_at = ?,
			token_hash = ?, description = ?, expires_at = ?, last_used_at = ?
		WHERE id = ? AND type = ?
	`,
		nullString(c.Identifier), boolInt(c.Enabled), boolInt(c.RequiresApproval), boolInt(c.Approved),
		nullString(c.ApprovedBy), nullTime(c.ApprovedAt), formatTime(c.UpdatedAt),
		r.credentialID, r.publicKey, r.signCount, r.transports, r.rpID,
		r.attestationType, r.aaguid, r.backupEligible, r.backupState,
		r.passwordHash, r.passwordChangedAt,
		r.provider, r.providerSubject, r.accessToken, r.refreshToken, r.oauthExpiresAt,
		r.tokenHash, r.description, r.expiresAt, r.lastUsedAt,
		c.ID, string(c.Type),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("updating credential: %w", err)
	}
	return requireAffected(result)
}

// DeleteCredential removes a credential by id.
func (q *sqliteQueries) DeleteCredential(ctx context.Context, id string) error {
	result, err := q.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	return requireAffected(result)
}

// ListCredentialsByPrincipal returns all credentials of a principal, oldest first.
func (q *sqliteQueries) ListCredentialsByPrincipal(ctx context.Context, principalID string) ([]*Credential, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+credentialColumns+` FROM credentials
		WHERE principal_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, principalID)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	return scanCredentials(rows)
}

// GetPasskeyByCredentialID retrieves a passkey by its WebAuthn credential id.
func (q *sqliteQueries) GetPasskeyByCredentialID(ctx context.Context, credentialID []byte) (*Credential, error) {
	if len(credentialID) == 0 {
		return nil, ErrNotFound
	}
	row := q.db.QueryRowContext(ctx, `
		SELECT `+credentialColumns+` FROM credentials
		WHERE type = 'passkey' AND credential_id = ?
	`, credentialID)
	return scanCredential(row)
}

// GetTokenByHash retrieves a token credential by the hash of its secret.
func (q *sqliteQueries) GetTokenByHash(ctx context.Context, hash string) (*Credential, error) {
	if hash == "" {
		return nil, ErrNotFound
	}
	row := q.db.QueryRowContext(ctx, `
		SELECT `+credentialColumns+` FROM credentials
		WHERE type = 'token' AND token_hash = ?
	`, hash)
	return scanCredential(row)
}

// ListPendingCredentials returns credentials awaiting approval, oldest first.
func (q *sqliteQueries) ListPendingCredentials(ctx context.Context, limit int) ([]*Credential, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+credentialColumns+` FROM credentials
		WHERE requires_approval = 1 AND approved = 0
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending credentials: %w", err)
	}
	return scanCredentials(rows)
}

// CountUsableCredentials counts a principal's enabled and approved credentials.
func (q *sqliteQueries) CountUsableCredentials(ctx context.Context, principalID string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM credentials
		WHERE principal_id = ? AND enabled = 1 AND approved = 1
	`, principalID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting credentials: %w", err)
	}
	return n, nil
}

// UpdateSignCount raises a passkey's stored counter to signCount. A lower
// reported value leaves the stored counter untouched.
func (q *sqliteQueries) UpdateSignCount(ctx context.Context, id string, signCount uint32) error {
	result, err := q.db.ExecContext(ctx, `
		UPDATE credentials
		SET sign_count = MAX(sign_count, ?), updated_at = ?
		WHERE id = ? AND type = 'passkey'
	`, int64(signCount), formatTime(timeNow()), id)
	if err != nil {
		return fmt.Errorf("updating sign count: %w", err)
	}
	return requireAffected(result)
}

// TouchTokenLastUsed records when a token credential was last presented.
// Only last_used_at changes.
func (q *sqliteQueries) TouchTokenLastUsed(ctx context.Context, id string, at time.Time) error {
	result, err := q.db.ExecContext(ctx, `
		UPDATE credentials SET last_used_at = ?
		WHERE id = ? AND type = 'token'
	`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("recording token use: %w", err)
	}
	return requireAffected(result)
}

func scanCredentials(rows *sql.Rows) ([]*Credential, error) {
	defer rows.Close()

	var creds []*Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating credentials: %w", err)
	}
	return creds, nil
}

func scanCredential(row scanner) (*Credential, error) {
	var (
		c                           Credential
		typ                         string
		identifier, approvedBy      sql.NullString
		approvedAt                  sql.NullString
		enabled, requires, approved int
		createdAt, updatedAt        string
		credentialID, publicKey     []byte
		aaguid                      []byte
		signCount                   int64
		transports, rpID, attType   sql.NullString
		backupEligible, backupState int
		passwordHash, pwChangedAt   sql.NullString
		provider, subject           sql.NullString
		accessToken, refreshToken   sql.NullString
		oauthExpiresAt              sql.NullString
		tokenHash, description      sql.NullString
		expiresAt, lastUsedAt       sql.NullString
	)

	err := row.Scan(
		&c.ID, &c.PrincipalID, &typ, &identifier, &enabled, &requires,
		&approved, &approvedBy, &approvedAt, &createdAt, &updatedAt,
		&credentialID, &publicKey, &signCount, &transports, &rpID, &attType, &aaguid,
		&backupEligible, &backupState,
		&passwordHash, &pwChangedAt,
		&provider, &subject, &accessToken, &refreshToken, &oauthExpiresAt,
		&tokenHash, &description, &expiresAt, &lastUsedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning credential: %w", err)
	}

	c.Type = CredentialType(typ)
	c.Identifier = identifier.String
	c.Enabled = enabled != 0
	c.RequiresApproval = requires != 0
	c.Approved = approved != 0
	c.ApprovedBy = approvedBy.String
	if c.ApprovedAt, err = parseNullTime(approvedAt); err != nil {
		return nil, fmt.Errorf("parsing approved_at: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	switch c.Type {
	case CredentialPasskey:
		pk := &Passkey{
			CredentialID:    credentialID,
			PublicKey:       publicKey,
			SignCount:       uint32(signCount),
			RPID:            rpID.String,
			AttestationType: attType.String,
			AAGUID:          aaguid,
			BackupEligible:  backupEligible != 0,
			BackupState:     backupState != 0,
		}
		if transports.Valid && transports.String != "" {
			if err := json.Unmarshal([]byte(transports.String), &pk.Transports); err != nil {
				return nil, fmt.Errorf("decoding transports: %w", err)
			}
		}
		c.Passkey = pk

	case CredentialPassword:
		pw := &Password{Hash: passwordHash.String}
		changed, err := parseNullTime(pwChangedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing password_changed_at: %w", err)
		}
		if changed != nil {
			pw.LastChangedAt = *changed
		}
		c.Password = pw

	case CredentialOAuth2:
		o := &OAuth2{
			Provider:        provider.String,
			ProviderSubject: subject.String,
			AccessToken:     accessToken.String,
			RefreshToken:    refreshToken.String,
		}
		if o.ExpiresAt, err = parseNullTime(oauthExpiresAt); err != nil {
			return nil, fmt.Errorf("parsing oauth_expires_at: %w", err)
		}
		c.OAuth2 = o

	case CredentialToken:
		t := &Token{
			Hash:        tokenHash.String,
			Description: description.String,
		}
		if t.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
			return nil, fmt.Errorf("parsing expires_at: %w", err)
		}
		if t.LastUsedAt, err = parseNullTime(lastUsedAt); err != nil {
			return nil, fmt.Errorf("parsing last_used_at: %w", err)
		}
		c.Token = t

	default:
		return nil, fmt.Errorf("unknown credential type %q", typ)
	}

	return &c, nil
}
