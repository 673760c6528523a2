// ABOUTME: Tests for audit log store operations
// ABOUTME: Covers append and filtered listing on SQLite and the mock store

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditStore_Append(t *testing.T) {
	s := setupTestStore(t)
	ctx := WithActor(context.Background(), "principal-123")

	entry := &AuditEntry{
		Action:     AuditApproveCredential,
		TargetType: TargetCredential,
		TargetID:   "cred-456",
		Detail:     map[string]any{"reason": "approved by admin"},
	}
	require.NoError(t, s.AppendAudit(ctx, entry))

	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Timestamp.IsZero())
	assert.Equal(t, "principal-123", entry.ActorPrincipalID)

	entries, err := s.ListAudit(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "approved by admin", entries[0].Detail["reason"])
}

func TestAuditStore_DefaultActor(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	entry := &AuditEntry{Action: AuditRotateKey, TargetType: TargetSigningKey, TargetID: "kid-1"}
	require.NoError(t, s.AppendAudit(ctx, entry))
	assert.Equal(t, ActorSystem, entry.ActorPrincipalID)
}

func auditStores(t *testing.T) map[string]Queries {
	return map[string]Queries{
		"sqlite": setupTestStore(t),
		"mock":   NewMockStore(),
	}
}

func TestAuditStore_ListFilters(t *testing.T) {
	for name, s := range auditStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC().Add(-time.Hour)

			actions := []AuditAction{AuditAddCredential, AuditApproveCredential, AuditDeleteCredential, AuditCreatePrincipal}
			for i, action := range actions {
				target := TargetCredential
				if action == AuditCreatePrincipal {
					target = TargetPrincipal
				}
				require.NoError(t, s.AppendAudit(ctx, &AuditEntry{
					ActorPrincipalID: fmt.Sprintf("actor-%d", i%2),
					Action:           action,
					TargetType:       target,
					TargetID:         fmt.Sprintf("target-%d", i),
					Timestamp:        base.Add(time.Duration(i) * 10 * time.Minute),
				}))
			}

			all, err := s.ListAudit(ctx, AuditFilter{})
			require.NoError(t, err)
			require.Len(t, all, 4)
			assert.Equal(t, AuditCreatePrincipal, all[0].Action, "newest first")

			since := base.Add(15 * time.Minute)
			recent, err := s.ListAudit(ctx, AuditFilter{Since: &since})
			require.NoError(t, err)
			assert.Len(t, recent, 2)

			until := base.Add(5 * time.Minute)
			early, err := s.ListAudit(ctx, AuditFilter{Until: &until})
			require.NoError(t, err)
			require.Len(t, early, 1)
			assert.Equal(t, AuditAddCredential, early[0].Action)

			actor := "actor-1"
			byActor, err := s.ListAudit(ctx, AuditFilter{ActorPrincipalID: &actor})
			require.NoError(t, err)
			assert.Len(t, byActor, 2)

			action := AuditApproveCredential
			byAction, err := s.ListAudit(ctx, AuditFilter{Action: &action})
			require.NoError(t, err)
			require.Len(t, byAction, 1)
			assert.Equal(t, "target-1", byAction[0].TargetID)

			targetType := TargetPrincipal
			byType, err := s.ListAudit(ctx, AuditFilter{TargetType: &targetType})
			require.NoError(t, err)
			assert.Len(t, byType, 1)

			limited, err := s.ListAudit(ctx, AuditFilter{Limit: 3})
			require.NoError(t, err)
			assert.Len(t, limited, 3)
		})
	}
}

func TestAuditStore_SurvivesPrincipalDelete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreatePrincipal(ctx, newTestPrincipal("p-1", "p1@example.com")))
	require.NoError(t, s.AppendAudit(ctx, &AuditEntry{Action: AuditCreatePrincipal, TargetType: TargetPrincipal, TargetID: "p-1"}))
	require.NoError(t, s.DeletePrincipal(ctx, "p-1"))

	target := "p-1"
	entries, err := s.ListAudit(ctx, AuditFilter{TargetID: &target})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAuditStore_RolledBackWithTransaction(t *testing.T) {
	for name, s := range map[string]Store{"sqlite": setupTestStore(t), "mock": NewMockStore()} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			err := s.InTx(ctx, func(q Queries) error {
				if err := q.AppendAudit(ctx, &AuditEntry{Action: AuditRotateKey, TargetType: TargetSigningKey, TargetID: "k"}); err != nil {
					return err
				}
				return ErrConflict
			})
			require.ErrorIs(t, err, ErrConflict)

			entries, err := s.ListAudit(ctx, AuditFilter{})
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestNormalizeAuditLimit(t *testing.T) {
	assert.Equal(t, 100, normalizeAuditLimit(0))
	assert.Equal(t, 100, normalizeAuditLimit(-5))
	assert.Equal(t, 50, normalizeAuditLimit(50))
	assert.Equal(t, 1000, normalizeAuditLimit(5000))
}
