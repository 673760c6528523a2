// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows service tests to run without SQLite while keeping store constraints

package store

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
// It enforces the same uniqueness rules as SQLiteStore.
type MockStore struct {
	txMu sync.Mutex // serializes InTx callers

	mu          sync.RWMutex
	principals  map[string]*Principal  // keyed by principal ID
	credentials map[string]*Credential // keyed by credential ID
	keys        map[string]*SigningKey // keyed by kid
	seq         map[string]int64       // credential ID -> insertion order
	audit       []AuditEntry           // append order
	nextSeq     int64
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		principals:  make(map[string]*Principal),
		credentials: make(map[string]*Credential),
		keys:        make(map[string]*SigningKey),
		seq:         make(map[string]int64),
	}
}

// InTx runs fn with all other transactions excluded. State is restored if fn fails.
func (m *MockStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	principals := make(map[string]*Principal, len(m.principals))
	for k, v := range m.principals {
		principals[k] = v
	}
	credentials := make(map[string]*Credential, len(m.credentials))
	for k, v := range m.credentials {
		credentials[k] = v
	}
	keys := make(map[string]*SigningKey, len(m.keys))
	for k, v := range m.keys {
		keys[k] = v
	}
	seq := make(map[string]int64, len(m.seq))
	for k, v := range m.seq {
		seq[k] = v
	}
	audit := m.audit[:len(m.audit):len(m.audit)]
	m.mu.RUnlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.principals = principals
		m.credentials = credentials
		m.keys = keys
		m.seq = seq
		m.audit = audit
		m.mu.Unlock()
		return err
	}
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// CreatePrincipal stores a new principal.
func (m *MockStore) CreatePrincipal(ctx context.Context, p *Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.principals[p.ID]; ok {
		return ErrConflict
	}
	cp := *p
	cp.Email = NormalizeEmail(cp.Email)
	if cp.Email != "" && m.emailTaken(cp.Email, "") {
		return ErrConflict
	}
	m.principals[cp.ID] = &cp
	return nil
}

func (m *MockStore) emailTaken(email, exceptID string) bool {
	for id, p := range m.principals {
		if id != exceptID && p.Email == email {
			return true
		}
	}
	return false
}

// GetPrincipal retrieves a principal by ID.
func (m *MockStore) GetPrincipal(ctx context.Context, id string) (*Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.principals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// GetPrincipalByEmail retrieves a principal by email.
func (m *MockStore) GetPrincipalByEmail(ctx context.Context, email string) (*Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	email = NormalizeEmail(email)
	if email == "" {
		return nil, ErrNotFound
	}
	for _, p := range m.principals {
		if p.Email == email {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// GetPrincipalByNick retrieves the oldest principal with the given nick.
func (m *MockStore) GetPrincipalByNick(ctx context.Context, nick string) (*Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *Principal
	for _, p := range m.principals {
		if nick != "" && p.Nick == nick && (found == nil || p.CreatedAt.Before(found.CreatedAt)) {
			found = p
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

// UpdatePrincipal replaces a principal's fields.
func (m *MockStore) UpdatePrincipal(ctx context.Context, p *Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.principals[p.ID]
	if !ok {
		return ErrNotFound
	}
	cp := *p
	cp.Email = NormalizeEmail(cp.Email)
	cp.CreatedAt = existing.CreatedAt
	if cp.Email != "" && m.emailTaken(cp.Email, cp.ID) {
		return ErrConflict
	}
	m.principals[cp.ID] = &cp
	return nil
}

// ListPrincipals returns principals matching filter, newest first.
func (m *MockStore) ListPrincipals(ctx context.Context, filter PrincipalFilter) ([]*Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := m.filterPrincipals(filter)
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Limit > 0 {
		start := filter.Offset
		if start > len(matched) {
			start = len(matched)
		}
		end := start + filter.Limit
		if end > len(matched) {
			end = len(matched)
		}
		matched = matched[start:end]
	}
	return matched, nil
}

// CountPrincipals counts principals matching filter.
func (m *MockStore) CountPrincipals(ctx context.Context, filter PrincipalFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.filterPrincipals(filter)), nil
}

func (m *MockStore) filterPrincipals(filter PrincipalFilter) []*Principal {
	search := strings.ToLower(strings.TrimSpace(filter.Search))
	var out []*Principal
	for _, p := range m.principals {
		if filter.Enabled != nil && p.Enabled != *filter.Enabled {
			continue
		}
		if filter.Admin != nil && p.Admin != *filter.Admin {
			continue
		}
		if search != "" {
			hay := strings.ToLower(strings.Join([]string{p.Nick, p.Email, p.FirstName, p.SecondName}, "\x00"))
			if !strings.Contains(hay, search) {
				continue
			}
		}
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// DeletePrincipal removes a principal and its credentials.
func (m *MockStore) DeletePrincipal(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.principals[id]; !ok {
		return ErrNotFound
	}
	delete(m.principals, id)
	for cid, c := range m.credentials {
		if c.PrincipalID == id {
			delete(m.credentials, cid)
			delete(m.seq, cid)
		}
	}
	return nil
}

// CreateCredential stores a new credential.
func (m *MockStore) CreateCredential(ctx context.Context, c *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.principals[c.PrincipalID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.credentials[c.ID]; ok {
		return ErrConflict
	}
	if m.credentialConflicts(c) {
		return ErrConflict
	}
	m.credentials[c.ID] = cloneCredential(c)
	m.nextSeq++
	m.seq[c.ID] = m.nextSeq
	return nil
}

func (m *MockStore) credentialConflicts(c *Credential) bool {
	for id, other := range m.credentials {
		if id == c.ID || other.Type != c.Type {
			continue
		}
		switch c.Type {
		case CredentialPasskey:
			if len(c.Passkey.CredentialID) > 0 && bytes.Equal(other.Passkey.CredentialID, c.Passkey.CredentialID) {
				return true
			}
		case CredentialToken:
			if other.Token.Hash == c.Token.Hash {
				return true
			}
		case CredentialOAuth2:
			if other.OAuth2.Provider == c.OAuth2.Provider && other.OAuth2.ProviderSubject == c.OAuth2.ProviderSubject {
				return true
			}
		}
	}
	return false
}

// GetCredential retrieves a credential by ID.
func (m *MockStore) GetCredential(ctx context.Context, id string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.credentials[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCredential(c), nil
}

// UpdateCredential replaces a credential's envelope and payload.
func (m *MockStore) UpdateCredential(ctx context.Context, c *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.credentials[c.ID]
	if !ok || existing.Type != c.Type {
		return ErrNotFound
	}
	if m.credentialConflicts(c) {
		return ErrConflict
	}
	cp := cloneCredential(c)
	cp.PrincipalID = existing.PrincipalID
	cp.CreatedAt = existing.CreatedAt
	m.credentials[c.ID] = cp
	return nil
}

// DeleteCredential removes a credential by ID.
func (m *MockStore) DeleteCredential(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.credentials[id]; !ok {
		return ErrNotFound
	}
	delete(m.credentials, id)
	delete(m.seq, id)
	return nil
}

// ListCredentialsByPrincipal returns a principal's credentials, oldest first.
func (m *MockStore) ListCredentialsByPrincipal(ctx context.Context, principalID string) ([]*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.sortedCredentials(func(c *Credential) bool {
		return c.PrincipalID == principalID
	}, 0), nil
}

// GetPasskeyByCredentialID retrieves a passkey by WebAuthn credential ID.
func (m *MockStore) GetPasskeyByCredentialID(ctx context.Context, credentialID []byte) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(credentialID) == 0 {
		return nil, ErrNotFound
	}
	for _, c := range m.credentials {
		if c.Type == CredentialPasskey && bytes.Equal(c.Passkey.CredentialID, credentialID) {
			return cloneCredential(c), nil
		}
	}
	return nil, ErrNotFound
}

// GetTokenByHash retrieves a token credential by secret hash.
func (m *MockStore) GetTokenByHash(ctx context.Context, hash string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if hash == "" {
		return nil, ErrNotFound
	}
	for _, c := range m.credentials {
		if c.Type == CredentialToken && c.Token.Hash == hash {
			return cloneCredential(c), nil
		}
	}
	return nil, ErrNotFound
}

// ListPendingCredentials returns credentials awaiting approval, oldest first.
func (m *MockStore) ListPendingCredentials(ctx context.Context, limit int) ([]*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		return nil, nil
	}
	return m.sortedCredentials(func(c *Credential) bool {
		return c.RequiresApproval && !c.Approved
	}, limit), nil
}

// CountUsableCredentials counts a principal's enabled and approved credentials.
func (m *MockStore) CountUsableCredentials(ctx context.Context, principalID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, c := range m.credentials {
		if c.PrincipalID == principalID && c.Usable() {
			n++
		}
	}
	return n, nil
}

// UpdateSignCount raises a passkey's stored counter.
func (m *MockStore) UpdateSignCount(ctx context.Context, id string, signCount uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.credentials[id]
	if !ok || c.Type != CredentialPasskey {
		return ErrNotFound
	}
	cp := cloneCredential(c)
	if signCount > cp.Passkey.SignCount {
		cp.Passkey.SignCount = signCount
	}
	cp.UpdatedAt = timeNow().UTC()
	m.credentials[id] = cp
	return nil
}

// TouchTokenLastUsed records when a token credential was last presented.
func (m *MockStore) TouchTokenLastUsed(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.credentials[id]
	if !ok || c.Type != CredentialToken {
		return ErrNotFound
	}
	cp := cloneCredential(c)
	used := at.UTC()
	cp.Token.LastUsedAt = &used
	m.credentials[id] = cp
	return nil
}

func (m *MockStore) sortedCredentials(match func(*Credential) bool, limit int) []*Credential {
	var out []*Credential
	for _, c := range m.credentials {
		if match(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return m.seq[out[i].ID] < m.seq[out[j].ID]
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i, c := range out {
		out[i] = cloneCredential(c)
	}
	return out
}

// CreateSigningKey stores a new signing key.
func (m *MockStore) CreateSigningKey(ctx context.Context, k *SigningKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.keys[k.KID]; ok {
		return ErrConflict
	}
	if k.Active {
		for _, other := range m.keys {
			if other.Algorithm == k.Algorithm && other.Active {
				return ErrConflict
			}
		}
	}
	m.keys[k.KID] = cloneSigningKey(k)
	return nil
}

// GetSigningKey retrieves a key by kid.
func (m *MockStore) GetSigningKey(ctx context.Context, kid string) (*SigningKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k, ok := m.keys[kid]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSigningKey(k), nil
}

// GetActiveSigningKey retrieves the active key for an algorithm.
func (m *MockStore) GetActiveSigningKey(ctx context.Context, algorithm string) (*SigningKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, k := range m.keys {
		if k.Algorithm == algorithm && k.Active {
			return cloneSigningKey(k), nil
		}
	}
	return nil, ErrNotFound
}

// ListSigningKeys returns keys for an algorithm, newest first.
func (m *MockStore) ListSigningKeys(ctx context.Context, algorithm string, activeOnly bool) ([]*SigningKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*SigningKey
	for _, k := range m.keys {
		if algorithm != "" && k.Algorithm != algorithm {
			continue
		}
		if activeOnly && !k.Active {
			continue
		}
		out = append(out, cloneSigningKey(k))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// DeactivateSigningKeys marks an algorithm's active keys inactive.
func (m *MockStore) DeactivateSigningKeys(ctx context.Context, algorithm string, rotatedAt time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for kid, k := range m.keys {
		if k.Algorithm == algorithm && k.Active {
			cp := cloneSigningKey(k)
			cp.Active = false
			at := rotatedAt
			cp.RotatedAt = &at
			m.keys[kid] = cp
			n++
		}
	}
	return n, nil
}

// AppendAudit records an audit entry.
func (m *MockStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	prepareAuditEntry(ctx, e)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, *e)
	return nil
}

// ListAudit returns matching entries newest first.
func (m *MockStore) ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := []AuditEntry{}
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		switch {
		case f.Since != nil && e.Timestamp.Before(*f.Since),
			f.Until != nil && e.Timestamp.After(*f.Until),
			f.ActorPrincipalID != nil && e.ActorPrincipalID != *f.ActorPrincipalID,
			f.Action != nil && e.Action != *f.Action,
			f.TargetType != nil && e.TargetType != *f.TargetType,
			f.TargetID != nil && e.TargetID != *f.TargetID:
			continue
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	if limit := normalizeAuditLimit(f.Limit); len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func cloneCredential(c *Credential) *Credential {
	cp := *c
	if c.ApprovedAt != nil {
		t := *c.ApprovedAt
		cp.ApprovedAt = &t
	}
	if c.Passkey != nil {
		pk := *c.Passkey
		pk.CredentialID = bytes.Clone(c.Passkey.CredentialID)
		pk.PublicKey = bytes.Clone(c.Passkey.PublicKey)
		pk.AAGUID = bytes.Clone(c.Passkey.AAGUID)
		pk.Transports = append([]string(nil), c.Passkey.Transports...)
		cp.Passkey = &pk
	}
	if c.Password != nil {
		pw := *c.Password
		cp.Password = &pw
	}
	if c.OAuth2 != nil {
		o := *c.OAuth2
		cp.OAuth2 = &o
	}
	if c.Token != nil {
		t := *c.Token
		cp.Token = &t
	}
	return &cp
}

func cloneSigningKey(k *SigningKey) *SigningKey {
	cp := *k
	return &cp
}
