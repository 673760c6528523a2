// ABOUTME: Tests for principals store operations
// ABOUTME: Covers lookups, updates, filtering and pagination for the principals table

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrincipalStore_Create(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	p := &Principal{
		ID:          "principal-123",
		Nick:        "tester",
		Email:       "Tester@Example.com",
		FirstName:   "Test",
		SecondName:  "Person",
		PhoneNumber: "+15550100",
		Enabled:     true,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
		UpdatedAt:   time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.CreatePrincipal(ctx, p))

	retrieved, err := store.GetPrincipal(ctx, "principal-123")
	require.NoError(t, err)
	assert.Equal(t, "tester", retrieved.Nick)
	assert.Equal(t, "tester@example.com", retrieved.Email)
	assert.Equal(t, "Test", retrieved.FirstName)
	assert.Equal(t, "Person", retrieved.SecondName)
	assert.Equal(t, "+15550100", retrieved.PhoneNumber)
	assert.True(t, retrieved.Enabled)
	assert.False(t, retrieved.Admin)
	assert.True(t, p.CreatedAt.Equal(retrieved.CreatedAt))
}

func TestPrincipalStore_Create_DuplicateID(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreatePrincipal(ctx, newTestPrincipal("principal-1", "")))
	err := store.CreatePrincipal(ctx, newTestPrincipal("principal-1", ""))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestPrincipalStore_EmptyEmailsDoNotConflict(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreatePrincipal(ctx, newTestPrincipal("principal-1", "")))
	require.NoError(t, store.CreatePrincipal(ctx, newTestPrincipal("principal-2", "")))
}

func TestPrincipalStore_GetByNick(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := newTestPrincipal("principal-1", "")
	first.Nick = "sam"
	first.CreatedAt = time.Now().UTC().Add(-time.Minute)
	second := newTestPrincipal("principal-2", "")
	second.Nick = "sam"
	require.NoError(t, store.CreatePrincipal(ctx, second))
	require.NoError(t, store.CreatePrincipal(ctx, first))

	got, err := store.GetPrincipalByNick(ctx, "sam")
	require.NoError(t, err)
	assert.Equal(t, "principal-1", got.ID, "oldest principal wins")

	_, err = store.GetPrincipalByNick(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetPrincipalByNick(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPrincipalStore_Update(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreatePrincipal(ctx, newTestPrincipal("principal-1", "one@example.com")))
	require.NoError(t, store.CreatePrincipal(ctx, newTestPrincipal("principal-2", "two@example.com")))

	p, err := store.GetPrincipal(ctx, "principal-1")
	require.NoError(t, err)
	p.Nick = "uno"
	p.Admin = true
	p.Enabled = false
	p.UpdatedAt = time.Now().UTC()
	require.NoError(t, store.UpdatePrincipal(ctx, p))

	got, err := store.GetPrincipal(ctx, "principal-1")
	require.NoError(t, err)
	assert.Equal(t, "uno", got.Nick)
	assert.True(t, got.Admin)
	assert.False(t, got.Enabled)

	got.Email = "TWO@example.com"
	assert.ErrorIs(t, store.UpdatePrincipal(ctx, got), ErrConflict)

	missing := newTestPrincipal("nonexistent", "")
	assert.ErrorIs(t, store.UpdatePrincipal(ctx, missing), ErrNotFound)
}

func TestPrincipalStore_List_Pagination(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := range 5 {
		p := newTestPrincipal(generateTestID("principal", i), "")
		p.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.CreatePrincipal(ctx, p))
	}

	page1, err := store.ListPrincipals(ctx, PrincipalFilter{Limit: 2, Offset: 0})
	require.NoError(t, err)
	assert.Len(t, page1, 2)

	page2, err := store.ListPrincipals(ctx, PrincipalFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page2, 2)

	page3, err := store.ListPrincipals(ctx, PrincipalFilter{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, page3, 1)

	assert.NotEqual(t, page1[0].ID, page2[0].ID)
	assert.Equal(t, "principal-a", page3[0].ID)
}

func TestPrincipalStore_Count_ByEnabled(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i, enabled := range []bool{false, true, true} {
		p := newTestPrincipal(generateTestID("principal", i), "")
		p.Enabled = enabled
		require.NoError(t, store.CreatePrincipal(ctx, p))
	}

	total, err := store.CountPrincipals(ctx, PrincipalFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	yes := true
	enabled, err := store.CountPrincipals(ctx, PrincipalFilter{Enabled: &yes})
	require.NoError(t, err)
	assert.Equal(t, 2, enabled)
}

func TestDeletePrincipal_NotFound(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.DeletePrincipal(ctx, "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func generateTestID(prefix string, i int) string {
	return prefix + "-" + string(rune('a'+i))
}
