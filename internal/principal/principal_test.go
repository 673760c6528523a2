package principal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/hoa/internal/store"
)

func strPtr(s string) *string { return &s }

func TestCreate(t *testing.T) {
	svc := NewService(store.NewMockStore())
	ctx := context.Background()

	p, err := svc.Create(ctx, CreateInput{Nick: " alice ", Email: "Alice@Example.COM"})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "alice", p.Nick)
	assert.Equal(t, "alice@example.com", p.Email)
	assert.True(t, p.Enabled)
	assert.False(t, p.Admin)
	assert.False(t, p.CreatedAt.IsZero())

	got, err := svc.GetByEmail(ctx, "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	byNick, err := svc.GetByNick(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byNick.ID)
}

func TestCreate_ExplicitIDAndFlags(t *testing.T) {
	svc := NewService(store.NewMockStore())
	p, err := svc.Create(context.Background(), CreateInput{ID: "fixed-id", Admin: true, Disabled: true})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", p.ID)
	assert.True(t, p.Admin)
	assert.False(t, p.Enabled)
	assert.Empty(t, p.Email)
}

func TestCreate_EmailErrors(t *testing.T) {
	svc := NewService(store.NewMockStore())
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateInput{Email: "not-an-email"})
	assert.ErrorIs(t, err, ErrInvalidEmail)

	_, err = svc.Create(ctx, CreateInput{Email: "Bob <bob@example.com>"})
	assert.ErrorIs(t, err, ErrInvalidEmail)

	_, err = svc.Create(ctx, CreateInput{Email: "bob@example.com"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateInput{Email: "BOB@example.com"})
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestGetByEmail_Empty(t *testing.T) {
	svc := NewService(store.NewMockStore())
	_, err := svc.GetByEmail(context.Background(), "  ")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSearchListCount(t *testing.T) {
	svc := NewService(store.NewMockStore())
	ctx := context.Background()

	for _, in := range []CreateInput{
		{Nick: "alice", Email: "alice@example.com", Admin: true},
		{Nick: "bob", Email: "bob@example.com"},
		{Nick: "carol", FirstName: "Alicia", Disabled: true},
	} {
		_, err := svc.Create(ctx, in)
		require.NoError(t, err)
	}

	found, err := svc.Search(ctx, "ali", 0)
	require.NoError(t, err)
	assert.Len(t, found, 2)

	yes := true
	enabled, err := svc.List(ctx, store.PrincipalFilter{Enabled: &yes})
	require.NoError(t, err)
	assert.Len(t, enabled, 2)

	page, err := svc.List(ctx, store.PrincipalFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page, 1)

	n, err := svc.Count(ctx, store.PrincipalFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	admins, err := svc.Count(ctx, store.PrincipalFilter{Admin: &yes})
	require.NoError(t, err)
	assert.Equal(t, 1, admins)
}

func TestUpdateProfile(t *testing.T) {
	svc := NewService(store.NewMockStore())
	ctx := context.Background()

	p, err := svc.Create(ctx, CreateInput{Nick: "alice", Email: "alice@example.com", FirstName: "Alice"})
	require.NoError(t, err)
	other, err := svc.Create(ctx, CreateInput{Email: "other@example.com"})
	require.NoError(t, err)

	updated, err := svc.UpdateProfile(ctx, p.ID, ProfileUpdate{
		Email:       strPtr("New@Example.com"),
		PhoneNumber: strPtr("+1 555 0100"),
	})
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", updated.Email)
	assert.Equal(t, "+1 555 0100", updated.PhoneNumber)
	assert.Equal(t, "Alice", updated.FirstName, "untouched fields keep their value")
	assert.Equal(t, "alice", updated.Nick)

	_, err = svc.UpdateProfile(ctx, p.ID, ProfileUpdate{Email: strPtr(other.Email)})
	assert.ErrorIs(t, err, ErrEmailTaken)

	_, err = svc.UpdateProfile(ctx, p.ID, ProfileUpdate{Email: strPtr("bogus")})
	assert.ErrorIs(t, err, ErrInvalidEmail)

	_, err = svc.UpdateProfile(ctx, "missing", ProfileUpdate{Nick: strPtr("x")})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSetEnabledAndAdmin_LastAdmin(t *testing.T) {
	svc := NewService(store.NewMockStore())
	ctx := context.Background()

	root, err := svc.Create(ctx, CreateInput{Nick: "root", Admin: true})
	require.NoError(t, err)
	user, err := svc.Create(ctx, CreateInput{Nick: "user"})
	require.NoError(t, err)

	_, err = svc.SetEnabled(ctx, root.ID, false)
	assert.ErrorIs(t, err, ErrLastAdmin)
	_, err = svc.SetAdmin(ctx, root.ID, false)
	assert.ErrorIs(t, err, ErrLastAdmin)
	assert.ErrorIs(t, svc.Delete(ctx, root.ID), ErrLastAdmin)

	promoted, err := svc.SetAdmin(ctx, user.ID, true)
	require.NoError(t, err)
	assert.True(t, promoted.Admin)

	demoted, err := svc.SetAdmin(ctx, root.ID, false)
	require.NoError(t, err)
	assert.False(t, demoted.Admin)

	disabled, err := svc.SetEnabled(ctx, root.ID, false)
	require.NoError(t, err)
	assert.False(t, disabled.Enabled)

	got, err := svc.Get(ctx, root.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
}

func TestDelete_CascadesCredentials(t *testing.T) {
	s, err := store.NewSQLiteStore(t.TempDir() + "/principals.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	svc := NewService(s)
	ctx := context.Background()

	p, err := svc.Create(ctx, CreateInput{Email: "gone@example.com"})
	require.NoError(t, err)
	require.NoError(t, s.CreateCredential(ctx, &store.Credential{
		ID:          "cred-1",
		PrincipalID: p.ID,
		Type:        store.CredentialToken,
		Enabled:     true,
		Approved:    true,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.CreatedAt,
		Token:       &store.Token{Hash: "hash"},
	}))

	require.NoError(t, svc.Delete(ctx, p.ID))

	_, err = svc.Get(ctx, p.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetCredential(ctx, "cred-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, svc.Delete(ctx, p.ID), store.ErrNotFound)
}

func TestAuditLog(t *testing.T) {
	svc := NewService(store.NewMockStore())
	ctx := store.WithActor(context.Background(), "root")

	p, err := svc.Create(ctx, CreateInput{Email: "bob@example.com"})
	require.NoError(t, err)
	_, err = svc.SetAdmin(ctx, p.ID, true)
	require.NoError(t, err)
	_, err = svc.SetEnabled(ctx, p.ID, false)
	assert.ErrorIs(t, err, ErrLastAdmin)

	target := p.ID
	entries, err := svc.AuditLog(ctx, store.AuditFilter{TargetID: &target})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, store.AuditGrantAdmin, entries[0].Action)
	assert.Equal(t, store.AuditCreatePrincipal, entries[1].Action)
	for _, e := range entries {
		assert.Equal(t, "root", e.ActorPrincipalID)
		assert.Equal(t, store.TargetPrincipal, e.TargetType)
	}
}
