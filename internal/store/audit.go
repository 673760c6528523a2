// ABOUTME: Audit log entity and store methods for credential and principal changes
// ABOUTME: Records who did what to which principal, credential or signing key

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditCreatePrincipal   AuditAction = "create_principal"
	AuditDeletePrincipal   AuditAction = "delete_principal"
	AuditEnablePrincipal   AuditAction = "enable_principal"
	AuditDisablePrincipal  AuditAction = "disable_principal"
	AuditGrantAdmin        AuditAction = "grant_admin"
	AuditRevokeAdmin       AuditAction = "revoke_admin"
	AuditAddCredential     AuditAction = "add_credential"
	AuditApproveCredential AuditAction = "approve_credential"
	AuditRejectCredential  AuditAction = "reject_credential"
	AuditEnableCredential  AuditAction = "enable_credential"
	AuditDisableCredential AuditAction = "disable_credential"
	AuditDeleteCredential  AuditAction = "delete_credential"
	AuditChangePassword    AuditAction = "change_password"
	AuditRotateKey         AuditAction = "rotate_signing_key"
)

// Audit target types.
const (
	TargetPrincipal  = "principal"
	TargetCredential = "credential"
	TargetSigningKey = "signing_key"
)

// ActorSystem is recorded when no actor is attached to the context.
const ActorSystem = "system"

// AuditEntry represents a single audit log entry. Entries outlive the
// principals and credentials they name.
type AuditEntry struct {
	ID               string         // UUID v4
	ActorPrincipalID string         // who performed the action
	Action           AuditAction    // what action was performed
	TargetType       string         // "principal", "credential", "signing_key"
	TargetID         string         // ID of the affected resource
	Timestamp        time.Time      // when it happened
	Detail           map[string]any // additional context
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since            *time.Time   // entries at or after this time
	Until            *time.Time   // entries at or before this time
	ActorPrincipalID *string      // filter by actor
	Action           *AuditAction // filter by action type
	TargetType       *string      // filter by target type
	TargetID         *string      // filter by target ID
	Limit            int          // max results (default 100, max 1000)
}

type actorKey struct{}

// WithActor attaches the id of whoever is making changes to ctx.
func WithActor(ctx context.Context, principalID string) context.Context {
	return context.WithValue(ctx, actorKey{}, principalID)
}

// ActorFromContext returns the actor attached with WithActor, or ActorSystem.
func ActorFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(actorKey{}).(string); ok && id != "" {
		return id
	}
	return ActorSystem
}

// prepareAuditEntry fills in ID, Timestamp and a missing actor.
func prepareAuditEntry(ctx context.Context, e *AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = timeNow().UTC()
	}
	if e.ActorPrincipalID == "" {
		e.ActorPrincipalID = ActorFromContext(ctx)
	}
}

// AppendAudit appends a new entry to the audit log.
// Generates ID and Timestamp if not set and takes the actor from ctx when empty.
func (q *sqliteQueries) AppendAudit(ctx context.Context, e *AuditEntry) error {
	prepareAuditEntry(ctx, e)

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO audit_log (audit_id, actor_principal_id, action, target_type, target_id, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.ActorPrincipalID,
		e.Action,
		e.TargetType,
		e.TargetID,
		formatTime(e.Timestamp),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

func scanAuditEntry(row scanner) (AuditEntry, error) {
	var e AuditEntry
	var actionStr, tsStr string
	var detailJSON *string

	if err := row.Scan(
		&e.ID,
		&e.ActorPrincipalID,
		&actionStr,
		&e.TargetType,
		&e.TargetID,
		&tsStr,
		&detailJSON,
	); err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}

	e.Action = AuditAction(actionStr)
	var err error
	e.Timestamp, err = parseTime(tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}

const auditLogQuery = `
	SELECT audit_id, actor_principal_id, action, target_type, target_id, ts, detail_json
	FROM audit_log
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR ts <= ?)
	  AND (? IS NULL OR actor_principal_id = ?)
	  AND (? IS NULL OR action = ?)
	  AND (? IS NULL OR target_type = ?)
	  AND (? IS NULL OR target_id = ?)
	ORDER BY ts DESC, rowid DESC
	LIMIT ?
`

// ListAudit returns audit entries matching the filter, newest first.
func (q *sqliteQueries) ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	var action *string
	if f.Action != nil {
		a := string(*f.Action)
		action = &a
	}
	since, until := nullTime(f.Since), nullTime(f.Until)

	rows, err := q.db.QueryContext(ctx, auditLogQuery,
		since, since,
		until, until,
		f.ActorPrincipalID, f.ActorPrincipalID,
		action, action,
		f.TargetType, f.TargetType,
		f.TargetID, f.TargetID,
		normalizeAuditLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []AuditEntry{}
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}
