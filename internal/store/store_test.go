package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func newTestPrincipal(id, email string) *Principal {
	now := time.Now().UTC()
	return &Principal{
		ID:        id,
		Email:     email,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func newTestPasskey(id, principalID string, credID []byte) *Credential {
	now := time.Now().UTC()
	return &Credential{
		ID:          id,
		PrincipalID: principalID,
		Type:        CredentialPasskey,
		Enabled:     true,
		Approved:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
		Passkey: &Passkey{
			CredentialID: credID,
			PublicKey:    []byte("cose-key"),
			Transports:   []string{"usb", "internal"},
			RPID:         "example.com",
			AAGUID:       make([]byte, 16),
		},
	}
}

func TestStore_CreatePrincipal(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	p := newTestPrincipal("p-1", "  Alice@Example.COM ")
	p.Nick = "alice"
	require.NoError(t, store.CreatePrincipal(ctx, p))

	got, err := store.GetPrincipal(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got.Email)
	assert.Equal(t, "alice", got.Nick)
	assert.True(t, got.Enabled)
	assert.False(t, got.Admin)
	assert.WithinDuration(t, p.CreatedAt, got.CreatedAt, time.Microsecond)

	byEmail, err := store.GetPrincipalByEmail(ctx, "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, "p-1", byEmail.ID)

	byNick, err := store.GetPrincipalByNick(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "p-1", byNick.ID)
}

func TestStore_CreatePrincipal_DuplicateEmail(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreatePrincipal(ctx, newTestPrincipal("p-1", "a@example.com")))
	err := store.CreatePrincipal(ctx, newTestPrincipal("p-2", "A@example.com"))
	assert.ErrorIs(t, err, ErrConflict)

	// Principals without email do not collide
	require.NoError(t, store.CreatePrincipal(ctx, newTestPrincipal("p-3", "")))
	require.NoError(t, store.CreatePrincipal(ctx, newTestPrincipal("p-4", "")))
}

func TestStore_GetPrincipal_NotFound(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.GetPrincipal(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetPrincipalByEmail(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListAndCountPrincipals(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		p := newTestPrincipal(string(rune('a'+i)), email)
		p.CreatedAt = base.Add(time.Duration(i) * time.Second)
		p.Admin = i == 0
		require.NoError(t, store.CreatePrincipal(ctx, p))
	}

	all, err := store.ListPrincipals(ctx, PrincipalFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID, "newest first")

	admin := true
	admins, err := store.ListPrincipals(ctx, PrincipalFilter{Admin: &admin})
	require.NoError(t, err)
	require.Len(t, admins, 1)
	assert.Equal(t, "a", admins[0].ID)

	page, err := store.ListPrincipals(ctx, PrincipalFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].ID)

	found, err := store.ListPrincipals(ctx, PrincipalFilter{Search: "B@EX"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "b", found[0].ID)

	n, err := store.CountPrincipals(ctx, PrincipalFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestStore_DeletePrincipal_CascadesCredentials(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreatePrincipal(ctx, newTestPrincipal("p-1", "")))
	require.NoError(t, store.CreateCredential(ctx, newTestPasskey("c-1", "p-1", []byte{1, 2, 3})))

	require.NoError(t, store.DeletePrincipal(ctx, "p-1"))

	_, err := store.GetCredential(ctx, "c-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.DeletePrincipal(ctx, "p-1"), ErrNotFound)
}

func TestStore_CredentialVariantsRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreatePrincipal(ctx, newTestPrincipal("p-1", "")))

	now := time.Now().UTC()
	expires := now.Add(time.Hour)

	passkey := newTestPasskey("pk", "p-1", []byte{9, 9})
	passkey.Passkey.BackupEligible = true
	passkey.Passkey.SignCount = 7

	password := &Credential{
		ID: "pw", PrincipalID: "p-1", Type: CredentialPassword,
		Enabled: true, Approved: true, CreatedAt: now, UpdatedAt: now,
		Password: &Password{Hash: "$2a$10$hash", LastChangedAt: now},
	}
	oauth := &Credential{
		ID: "oa", PrincipalID: "p-1", Type: CredentialOAuth2, Identifier: "github",
		Enabled: true, Approved: true, CreatedAt: now, UpdatedAt: now,
		OAuth2: &OAuth2{Provider: "github", ProviderSubject: "42", AccessToken: "sealed", ExpiresAt: &expires},
	}
	token := &Credential{
		ID: "tk", PrincipalID: "p-1", Type: CredentialToken,
		Enabled: true, Approved: true, CreatedAt: now, UpdatedAt: now,
		Token: &Token{Hash: "abc123", Description: "ci", ExpiresAt: &expires},
	}

	for _, c := range []*Credential{passkey, password, oauth, token} {
		require.NoError(t, store.CreateCredential(ctx, c))
	}

	got, err := store.GetCredential(ctx, "pk")
	require.NoError(t, err)
	require.NotNil(t, got.Passkey)
	assert.Nil(t, got.Password)
	assert.Equal(t, []byte{9, 9}, got.Passkey.CredentialID)
	assert.Equal(t, uint32(7), got.Passkey.SignCount)
	assert.Equal(t, []string{"usb", "internal"}, got.Passkey.Transports)
	assert.True(t, got.Passkey.BackupEligible)

	got, err = store.GetCredential(ctx, "pw")
	require.NoError(t, err)
	require.NotNil(t, got.Password)
	assert.Equal(t, "$2a$10$hash", got.Password.Hash)

	got, err = store.GetCredential(ctx, "oa")
	require.NoError(t, err)
	require.NotNil(t, got.OAuth2)
	assert.Equal(t, "github", got.Identifier)
	assert.Equal(t, "42", got.OAuth2.ProviderSubject)
	require.NotNil(t, got.OAuth2.ExpiresAt)

	got, err = store.GetTokenByHash(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "tk", got.ID)
	assert.Equal(t, "ci", got.Token.Description)
	assert.Nil(t, got.Token.LastUsedAt)

	got, err = store.GetPasskeyByCredentialID(ctx, []byte{9, 9})
	require.NoError(t, err)
	assert.Equal(t, "pk", got.ID)

	list, err := store.ListCredentialsByPrincipal(ctx, "p-1")
	require.NoError(t, err)
	assert.Len(t, list, 4)
}

func TestStore_CreateCredential_Constraints(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreatePrincipal(ctx, newTestPrincipal("p-1", "")))

	require.NoError(t, store.CreateCredential(ctx, newTestPasskey("c-1", "p-1", []byte{1})))

	err := store.CreateCredential(ctx, newTestPasskey("c-2", "p-1", []byte{1}))
	assert.ErrorIs(t, err, ErrConflict, "duplicate passkey credential id")

	err = store.CreateCredential(ctx, newTestPasskey("c-3", "missing", []byte{2}))
	assert.ErrorIs(t, err, ErrNotFound, "unknown principal")

	bad := newTestPasskey("c-4", "p-1", []byte{3})
	bad.Passkey = nil
	assert.Error(t, store.CreateCredential(ctx, bad))
}

func TestStore_UpdateCredential(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreatePrincipal(ctx, newTestPrincipal("p-1", "")))

	c := newTestPasskey("c-1", "p-1", []byte{1})
	c.RequiresApproval = true
	c.Approved = false
	require.NoError(t, store.CreateCredential(ctx, c))

	at := time.Now().UTC()
	c.Approved = true
	c.ApprovedBy = "admin"
	c.ApprovedAt = &at
	c.Enabled = false
	require.NoError(t, store.UpdateCredential(ctx, c))

	got, err := store.GetCredential(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, got.Approved)
	assert.False(t, got.Enabled)
	assert.Equal(t, "admin", got.ApprovedBy)
	require.NotNil(t, got.ApprovedAt)

	c.ID = "missing"
	assert.ErrorIs(t, store.UpdateCredential(ctx, c), ErrNotFound)
}

func TestStore_ListPendingCredentials_OldestFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreatePrincipal(ctx, newTestPrincipal("p-1", "")))

	base := time.Now().UTC()
	offsets := []struct {
		id     string
		offset time.Duration
	}{
		{"newest", 2 * time.Minute},
		{"oldest", -time.Hour},
		{"middle", 0},
	}
	for i, o := range offsets {
		c := newTestPasskey(o.id, "p-1", []byte{byte(i + 1)})
		c.RequiresApproval = true
		c.Approved = false
		c.CreatedAt = base.Add(o.offset)
		require.NoError(t, store.CreateCredential(ctx, c))
	}
	approved := newTestPasskey("approved", "p-1", []byte{42})
	require.NoError(t, store.CreateCredential(ctx, approved))

	pending, err := store.ListPendingCredentials(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "oldest", pending[0].ID)
	assert.Equal(t, "middle", pending[1].ID)

	none, err := store.ListPendingCredentials(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_CountUsableCredentials(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreatePrincipal(ctx, newTestPrincipal("p-1", "")))

	usable := newTestPasskey("c-1", "p-1", []byte{1})
	disabled := newTestPasskey("c-2", "p-1", []byte{2})
	disabled.Enabled = false
	pending := newTestPasskey("c-3", "p-1", []byte{3})
	pending.RequiresApproval = true
	pending.Approved = false

	for _, c := range []*Credential{usable, disabled, pending} {
		require.NoError(t, store.CreateCredential(ctx, c))
	}

	n, err := store.CountUsableCredentials(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_UpdateSignCount_NeverDecreases(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreatePrincipal(ctx, newTestPrincipal("p-1", "")))
	require.NoError(t, store.CreateCredential(ctx, newTestPasskey("c-1", "p-1", []byte{1})))

	for _, reported := range []uint32{5, 3, 9, 0} {
		require.NoError(t, store.UpdateSignCount(ctx, "c-1", reported))
	}

	got, err := store.GetCredential(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(9), got.Passkey.SignCount)

	assert.ErrorIs(t, store.UpdateSignCount(ctx, "missing", 1), ErrNotFound)
}

func TestStore_SigningKeys_OneActivePerAlgorithm(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	first := &SigningKey{KID: "k1", Algorithm: "HS256", PrivateKey: "secret-1", Active: true, CreatedAt: now}
	require.NoError(t, store.CreateSigningKey(ctx, first))

	second := &SigningKey{KID: "k2", Algorithm: "HS256", PrivateKey: "secret-2", Active: true, CreatedAt: now.Add(time.Second)}
	assert.ErrorIs(t, store.CreateSigningKey(ctx, second), ErrConflict)

	// Other algorithms are independent
	other := &SigningKey{KID: "k3", Algorithm: "RS256", PublicKey: "pem", PrivateKey: "pem", Active: true, CreatedAt: now}
	require.NoError(t, store.CreateSigningKey(ctx, other))

	n, err := store.DeactivateSigningKeys(ctx, "HS256", now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, store.CreateSigningKey(ctx, second))

	active, err := store.GetActiveSigningKey(ctx, "HS256")
	require.NoError(t, err)
	assert.Equal(t, "k2", active.KID)

	old, err := store.GetSigningKey(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, old.Active)
	require.NotNil(t, old.RotatedAt)

	keys, err := store.ListSigningKeys(ctx, "HS256", false)
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	activeKeys, err := store.ListSigningKeys(ctx, "", true)
	require.NoError(t, err)
	assert.Len(t, activeKeys, 2)
}

func TestStore_InTx_RollsBackOnError(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.InTx(ctx, func(q Queries) error {
		require.NoError(t, q.CreatePrincipal(ctx, newTestPrincipal("p-1", "")))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetPrincipal(ctx, "p-1")
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.InTx(ctx, func(q Queries) error {
		return q.CreatePrincipal(ctx, newTestPrincipal("p-2", ""))
	})
	require.NoError(t, err)
	_, err = store.GetPrincipal(ctx, "p-2")
	assert.NoError(t, err)
}

func TestStore_InTx_SerializesWriters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// Each goroutine deactivates and inserts under one transaction. The
	// partial unique index would reject any interleaving.
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- store.InTx(ctx, func(q Queries) error {
				now := time.Now().UTC()
				if _, err := q.DeactivateSigningKeys(ctx, "HS256", now); err != nil {
					return err
				}
				return q.CreateSigningKey(ctx, &SigningKey{
					KID:        "k" + string(rune('a'+i)),
					Algorithm:  "HS256",
					PrivateKey: "s",
					Active:     true,
					CreatedAt:  now,
				})
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	active, err := store.ListSigningKeys(ctx, "HS256", true)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestStore_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.CreatePrincipal(ctx, newTestPrincipal("p-1", "p1@example.com")))
	require.NoError(t, s.CreateCredential(ctx, newTestPasskey("c-1", "p-1", []byte("cred-1"))))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(dbPath)
	require.NoError(t, err, "migrations must be idempotent")
	defer s.Close()

	p, err := s.GetPrincipal(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "p1@example.com", p.Email)

	c, err := s.GetCredential(ctx, "c-1")
	require.NoError(t, err)
	require.NotNil(t, c.Passkey)
	assert.False(t, c.Passkey.BackupEligible)
}

func TestStore_TouchTokenLastUsed(t *testing.T) {
	for name, s := range map[string]Store{"sqlite": setupTestStore(t), "mock": NewMockStore()} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()
			require.NoError(t, s.CreatePrincipal(ctx, newTestPrincipal("p-1", "")))
			require.NoError(t, s.CreateCredential(ctx, &Credential{
				ID: "tk", PrincipalID: "p-1", Type: CredentialToken,
				Enabled: true, Approved: true, CreatedAt: now, UpdatedAt: now,
				Token: &Token{Hash: "abc123"},
			}))

			disabled, err := s.GetCredential(ctx, "tk")
			require.NoError(t, err)
			disabled.Enabled = false
			require.NoError(t, s.UpdateCredential(ctx, disabled))

			used := now.Add(time.Minute)
			require.NoError(t, s.TouchTokenLastUsed(ctx, "tk", used))

			got, err := s.GetCredential(ctx, "tk")
			require.NoError(t, err)
			assert.False(t, got.Enabled)
			require.NotNil(t, got.Token.LastUsedAt)
			assert.True(t, used.Equal(*got.Token.LastUsedAt))

			require.NoError(t, s.CreateCredential(ctx, newTestPasskey("pk", "p-1", []byte("cred-1"))))
			assert.ErrorIs(t, s.TouchTokenLastUsed(ctx, "pk", used), ErrNotFound)
			assert.ErrorIs(t, s.TouchTokenLastUsed(ctx, "missing", used), ErrNotFound)
		})
	}
}
