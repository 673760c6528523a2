// ABOUTME: Credential lifecycle manager: add, approve, enable, delete and verify credentials
// ABOUTME: Every mutation runs in one store transaction and keeps the usable-credential floor

package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/hoa/internal/metrics"
	"github.com/2389/hoa/internal/secure"
	"github.com/2389/hoa/internal/store"
)

var (
	// ErrPrecondition is returned when a change would leave a principal
	// without any enabled and approved credential.
	ErrPrecondition = errors.New("principal must keep at least one usable credential")

	// ErrApproverRequired is returned when approving without naming the approver.
	ErrApproverRequired = errors.New("approver id is required")

	// ErrWrongType is returned when an operation targets a credential of
	// another variant.
	ErrWrongType = errors.New("credential has the wrong type")
)

// Policy holds the credential rules an operator configures.
type Policy struct {
	RequireApproval bool
	GuardDisable    bool
	Password        secure.PasswordPolicy
}

// AddOptions are the envelope inputs shared by every variant.
type AddOptions struct {
	Identifier string
	// RequireApproval overrides Policy.RequireApproval for this credential.
	RequireApproval *bool
}

// Manager owns credential state transitions.
type Manager struct {
	store   store.Store
	policy  Policy
	box     *secure.Box
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates a Manager. box seals OAuth2 provider tokens and may be
// nil; m may be nil.
func NewManager(s store.Store, policy Policy, box *secure.Box, m *metrics.Metrics) *Manager {
	return &Manager{
		store:   s,
		policy:  policy,
		box:     box,
		metrics: m,
		logger:  slog.Default().With("component", "credential"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Add attaches a credential to a principal. Duplicate passkey ids, token
// hashes, provider subjects and a second enabled password all fail with
// store.ErrConflict; a missing principal fails with store.ErrNotFound.
func (m *Manager) Add(ctx context.Context, principalID string, payload Payload, opts AddOptions) (*store.Credential, error) {
	now := m.now()

	requiresApproval := m.policy.RequireApproval
	if opts.RequireApproval != nil {
		requiresApproval = *opts.RequireApproval
	}
	if payload.credentialType() == store.CredentialToken {
		requiresApproval = false
	}

	cred := &store.Credential{
		ID:               uuid.New().String(),
		PrincipalID:      principalID,
		Type:             payload.credentialType(),
		Identifier:       opts.Identifier,
		Enabled:          !requiresApproval,
		RequiresApproval: requiresApproval,
		Approved:         !requiresApproval,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := m.fillPayload(cred, payload, now); err != nil {
		return nil, err
	}

	err := m.store.InTx(ctx, func(q store.Queries) error {
		if _, err := q.GetPrincipal(ctx, principalID); err != nil {
			return err
		}
		if cred.Type == store.CredentialPassword {
			existing, err := enabledPassword(ctx, q, principalID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if existing != nil {
				return store.ErrConflict
			}
		}
		if err := q.CreateCredential(ctx, cred); err != nil {
			return err
		}
		return audit(ctx, q, store.AuditAddCredential, cred, map[string]any{
			"principal_id": principalID,
			"type":         string(cred.Type),
			"pending":      requiresApproval,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("adding %s credential: %w", cred.Type, err)
	}

	m.metrics.CredentialChanged(string(cred.Type), "add")
	m.logger.Info("credential added",
		"credential_id", cred.ID,
		"principal_id", principalID,
		"type", cred.Type,
		"pending", requiresApproval)
	return cred, nil
}

func (m *Manager) fillPayload(cred *store.Credential, payload Payload, now time.Time) error {
	switch p := payload.(type) {
	case Passkey:
		if len(p.CredentialID) == 0 || len(p.PublicKey) == 0 {
			return fmt.Errorf("passkey requires a credential id and public key")
		}
		cred.Passkey = &store.Passkey{
			CredentialID:    p.CredentialID,
			PublicKey:       p.PublicKey,
			SignCount:       p.SignCount,
			Transports:      p.Transports,
			RPID:            p.RPID,
			AttestationType: p.AttestationType,
			AAGUID:          p.AAGUID,
			BackupEligible:  p.BackupEligible,
			BackupState:     p.BackupState,
		}

	case Password:
		if p.Plaintext == "" {
			return secure.ErrWeakPassword
		}
		if err := m.policy.Password.Check(p.Plaintext); err != nil {
			return err
		}
		hash, err := secure.HashPassword(p.Plaintext)
		if err != nil {
			return err
		}
		cred.Password = &store.Password{Hash: hash, LastChangedAt: now}

	case OAuth2:
		if p.Provider == "" || p.ProviderSubject == "" {
			return fmt.Errorf("oauth2 credential requires provider and subject")
		}
		access, err := m.box.Seal(p.AccessToken)
		if err != nil {
			return fmt.Errorf("sealing access token: %w", err)
		}
		refresh, err := m.box.Seal(p.RefreshToken)
		if err != nil {
			return fmt.Errorf("sealing refresh token: %w", err)
		}
		cred.OAuth2 = &store.OAuth2{
			Provider:        p.Provider,
			ProviderSubject: p.ProviderSubject,
			AccessToken:     access,
			RefreshToken:    refresh,
			ExpiresAt:       p.ExpiresAt,
		}

	case Token:
		if p.Secret == "" {
			return fmt.Errorf("token credential requires a secret")
		}
		cred.Token = &store.Token{
			Hash:        secure.HashToken(p.Secret),
			Description: p.Description,
			ExpiresAt:   p.ExpiresAt,
		}

	default:
		return fmt.Errorf("unsupported credential payload %T", payload)
	}
	return nil
}

// AddPasskey attaches a verified passkey.
func (m *Manager) AddPasskey(ctx context.Context, principalID string, pk Passkey, opts AddOptions) (*store.Credential, error) {
	return m.Add(ctx, principalID, pk, opts)
}

// AddPassword hashes and attaches a password.
func (m *Manager) AddPassword(ctx context.Context, principalID, password string, opts AddOptions) (*store.Credential, error) {
	return m.Add(ctx, principalID, Password{Plaintext: password}, opts)
}

// AddOAuth2 links a third-party identity.
func (m *Manager) AddOAuth2(ctx context.Context, principalID string, link OAuth2, opts AddOptions) (*store.Credential, error) {
	return m.Add(ctx, principalID, link, opts)
}

// AddToken generates an opaque secret and attaches its hash. The secret is
// returned once and cannot be recovered later.
func (m *Manager) AddToken(ctx context.Context, principalID, description string, expiresAt *time.Time, opts AddOptions) (*store.Credential, string, error) {
	secret, err := secure.GenerateToken(secure.TokenBytes)
	if err != nil {
		return nil, "", err
	}
	cred, err := m.Add(ctx, principalID, Token{Secret: secret, Description: description, ExpiresAt: expiresAt}, opts)
	if err != nil {
		return nil, "", err
	}
	return cred, secret, nil
}

// Approve records an approval decision. Rejecting clears the approver fields.
func (m *Manager) Approve(ctx context.Context, id, approverID string, approved bool) (*store.Credential, error) {
	if approved && approverID == "" {
		return nil, ErrApproverRequired
	}

	var cred *store.Credential
	err := m.store.InTx(ctx, func(q store.Queries) error {
		c, err := q.GetCredential(ctx, id)
		if err != nil {
			return err
		}
		now := m.now()
		c.Approved = approved
		if approved {
			c.ApprovedBy = approverID
			c.ApprovedAt = &now
		} else {
			c.ApprovedBy = ""
			c.ApprovedAt = nil
		}
		c.UpdatedAt = now
		if err := q.UpdateCredential(ctx, c); err != nil {
			return err
		}
		cred = c

		action := store.AuditApproveCredential
		if !approved {
			action = store.AuditRejectCredential
		}
		actx := ctx
		if approverID != "" {
			actx = store.WithActor(ctx, approverID)
		}
		return audit(actx, q, action, c, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("approving credential: %w", err)
	}

	op := "approve"
	if !approved {
		op = "reject"
	}
	m.metrics.CredentialChanged(string(cred.Type), op)
	m.logger.Info("credential approval changed",
		"credential_id", id,
		"approved", approved,
		"approver", approverID)
	return cred, nil
}

// SetEnabled enables or disables a credential. Setting the current value is
// a no-op. Enabling a password while another password of the principal is
// enabled fails with store.ErrConflict.
func (m *Manager) SetEnabled(ctx context.Context, id string, enabled bool) (*store.Credential, error) {
	var (
		cred    *store.Credential
		changed bool
	)
	err := m.store.InTx(ctx, func(q store.Queries) error {
		c, err := q.GetCredential(ctx, id)
		if err != nil {
			return err
		}
		cred = c
		if c.Enabled == enabled {
			return nil
		}
		if !enabled && m.policy.GuardDisable && c.Usable() {
			if err := checkFloor(ctx, q, c.PrincipalID); err != nil {
				return err
			}
		}
		if enabled && c.Type == store.CredentialPassword {
			existing, err := enabledPassword(ctx, q, c.PrincipalID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if existing != nil {
				return store.ErrConflict
			}
		}
		c.Enabled = enabled
		c.UpdatedAt = m.now()
		changed = true
		if err := q.UpdateCredential(ctx, c); err != nil {
			return err
		}
		action := store.AuditEnableCredential
		if !enabled {
			action = store.AuditDisableCredential
		}
		return audit(ctx, q, action, c, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("setting credential enabled: %w", err)
	}

	if changed {
		op := "enable"
		if !enabled {
			op = "disable"
		}
		m.metrics.CredentialChanged(string(cred.Type), op)
		m.logger.Info("credential enabled changed", "credential_id", id, "enabled", enabled)
	}
	return cred, nil
}

// Delete removes a credential. Removing the principal's last enabled and
// approved credential fails with ErrPrecondition; disabled or pending
// credentials can always be removed.
func (m *Manager) Delete(ctx context.Context, id string) error {
	var credType store.CredentialType
	err := m.store.InTx(ctx, func(q store.Queries) error {
		c, err := q.GetCredential(ctx, id)
		if err != nil {
			return err
		}
		credType = c.Type
		if c.Usable() {
			if err := checkFloor(ctx, q, c.PrincipalID); err != nil {
				return err
			}
		}
		if err := q.DeleteCredential(ctx, id); err != nil {
			return err
		}
		return audit(ctx, q, store.AuditDeleteCredential, c, map[string]any{
			"principal_id": c.PrincipalID,
			"type":         string(c.Type),
		})
	})
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}

	m.metrics.CredentialChanged(string(credType), "delete")
	m.logger.Info("credential deleted", "credential_id", id)
	return nil
}

func audit(ctx context.Context, q store.Queries, action store.AuditAction, c *store.Credential, detail map[string]any) error {
	return q.AppendAudit(ctx, &store.AuditEntry{
		Action:     action,
		TargetType: store.TargetCredential,
		TargetID:   c.ID,
		Detail:     detail,
	})
}

// AuditTrail returns the audit entries recorded for one credential, newest first.
func (m *Manager) AuditTrail(ctx context.Context, id string, limit int) ([]store.AuditEntry, error) {
	target := store.TargetCredential
	return m.store.ListAudit(ctx, store.AuditFilter{TargetType: &target, TargetID: &id, Limit: limit})
}

// checkFloor fails when the principal has at most one usable credential,
// i.e. when removing a usable one would leave none.
func checkFloor(ctx context.Context, q store.Queries, principalID string) error {
	n, err := q.CountUsableCredentials(ctx, principalID)
	if err != nil {
		return err
	}
	if n <= 1 {
		return ErrPrecondition
	}
	return nil
}

// SetPassword replaces the hash of a password credential.
func (m *Manager) SetPassword(ctx context.Context, id, password string) error {
	if err := m.policy.Password.Check(password); err != nil {
		return err
	}
	hash, err := secure.HashPassword(password)
	if err != nil {
		return err
	}

	err = m.store.InTx(ctx, func(q store.Queries) error {
		c, err := q.GetCredential(ctx, id)
		if err != nil {
			return err
		}
		if c.Type != store.CredentialPassword {
			return ErrWrongType
		}
		now := m.now()
		c.Password.Hash = hash
		c.Password.LastChangedAt = now
		c.UpdatedAt = now
		if err := q.UpdateCredential(ctx, c); err != nil {
			return err
		}
		return audit(ctx, q, store.AuditChangePassword, c, nil)
	})
	if err != nil {
		return fmt.Errorf("setting password: %w", err)
	}

	m.metrics.CredentialChanged(string(store.CredentialPassword), "change")
	m.logger.Info("password changed", "credential_id", id)
	return nil
}

// VerifyPassword reports whether candidate matches the stored password.
// Missing, disabled and unapproved credentials verify false.
func (m *Manager) VerifyPassword(ctx context.Context, id, candidate string) bool {
	c, err := m.store.GetCredential(ctx, id)
	if err != nil || c.Type != store.CredentialPassword || !c.Usable() {
		secure.VerifyPassword(candidate, "")
		return false
	}
	return secure.VerifyPassword(candidate, c.Password.Hash)
}

// VerifyOpaqueToken reports whether candidate is the secret of the token
// credential id. A match records the last-used time.
func (m *Manager) VerifyOpaqueToken(ctx context.Context, id, candidate string) bool {
	var matched bool
	err := m.store.InTx(ctx, func(q store.Queries) error {
		c, err := q.GetCredential(ctx, id)
		if err != nil || c.Type != store.CredentialToken {
			return nil
		}

		now := m.now()
		if !secure.VerifyToken(candidate, c.Token.Hash) || !c.Usable() {
			return nil
		}
		if c.Token.ExpiresAt != nil && !now.Before(*c.Token.ExpiresAt) {
			return nil
		}
		matched = true
		return q.TouchTokenLastUsed(ctx, id, now)
	})
	if err != nil {
		m.logger.Warn("failed to record token use", "credential_id", id, "error", err)
	}
	return matched
}

// ListPendingApprovals returns credentials awaiting approval, oldest first.
func (m *Manager) ListPendingApprovals(ctx context.Context, limit int) ([]*store.Credential, error) {
	return m.store.ListPendingCredentials(ctx, limit)
}

// UpdateSignCount stores max(stored, reported) for a passkey.
func (m *Manager) UpdateSignCount(ctx context.Context, id string, reported uint32) error {
	if err := m.store.UpdateSignCount(ctx, id, reported); err != nil {
		return fmt.Errorf("updating sign count: %w", err)
	}
	return nil
}

// Get returns a credential by id.
func (m *Manager) Get(ctx context.Context, id string) (*store.Credential, error) {
	return m.store.GetCredential(ctx, id)
}

// ListForPrincipal returns all credentials of a principal, oldest first.
func (m *Manager) ListForPrincipal(ctx context.Context, principalID string) ([]*store.Credential, error) {
	return m.store.ListCredentialsByPrincipal(ctx, principalID)
}

// PasskeysForPrincipal returns the principal's passkeys bound to rpID in
// any state. An empty rpID matches every relying party.
func (m *Manager) PasskeysForPrincipal(ctx context.Context, principalID, rpID string) ([]*store.Credential, error) {
	all, err := m.store.ListCredentialsByPrincipal(ctx, principalID)
	if err != nil {
		return nil, err
	}
	var out []*store.Credential
	for _, c := range all {
		if c.Type != store.CredentialPasskey {
			continue
		}
		if rpID != "" && c.Passkey.RPID != rpID {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// GetPasskeyByCredentialID looks a passkey up by its WebAuthn credential id.
func (m *Manager) GetPasskeyByCredentialID(ctx context.Context, credentialID []byte) (*store.Credential, error) {
	return m.store.GetPasskeyByCredentialID(ctx, credentialID)
}

// FindTokenBySecret looks a token credential up by its plaintext secret.
func (m *Manager) FindTokenBySecret(ctx context.Context, secret string) (*store.Credential, error) {
	return m.store.GetTokenByHash(ctx, secure.HashToken(secret))
}

// PasswordForPrincipal returns the principal's enabled password credential.
func (m *Manager) PasswordForPrincipal(ctx context.Context, principalID string) (*store.Credential, error) {
	return enabledPassword(ctx, m.store, principalID)
}

func enabledPassword(ctx context.Context, q store.Queries, principalID string) (*store.Credential, error) {
	all, err := q.ListCredentialsByPrincipal(ctx, principalID)
	if err != nil {
		return nil, err
	}
	for _, c := range all {
		if c.Type == store.CredentialPassword && c.Enabled {
			return c, nil
		}
	}
	return nil, store.ErrNotFound
}

// CountUsable returns the number of enabled and approved credentials.
func (m *Manager) CountUsable(ctx context.Context, principalID string) (int, error) {
	return m.store.CountUsableCredentials(ctx, principalID)
}

// OAuth2Tokens returns the unsealed provider tokens of an oauth2 credential.
func (m *Manager) OAuth2Tokens(ctx context.Context, id string) (access, refresh string, err error) {
	c, err := m.store.GetCredential(ctx, id)
	if err != nil {
		return "", "", err
	}
	if c.Type != store.CredentialOAuth2 {
		return "", "", ErrWrongType
	}
	if access, err = m.box.Open(c.OAuth2.AccessToken); err != nil {
		return "", "", fmt.Errorf("opening access token: %w", err)
	}
	if refresh, err = m.box.Open(c.OAuth2.RefreshToken); err != nil {
		return "", "", fmt.Errorf("opening refresh token: %w", err)
	}
	return access, refresh, nil
}
