package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists engine state in PostgreSQL. Writes are single-row
// upserts so that every in-memory mutation maps to exactly one round trip.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore returns a PGStore backed by the provided pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// EnsureSchema creates the store's tables when they do not exist yet.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS rbac_roles (
	role_id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	hierarchy_level INT NOT NULL,
	feature_permissions JSONB NOT NULL DEFAULT '[]',
	data_classification_access JSONB NOT NULL DEFAULT '{}',
	can_approve BOOLEAN NOT NULL DEFAULT FALSE,
	can_modify_policies BOOLEAN NOT NULL DEFAULT FALSE,
	can_audit_logs BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS rbac_assignments (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	role_id TEXT NOT NULL,
	assigned_by TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	assigned_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	is_active BOOLEAN NOT NULL
);
CREATE INDEX IF NOT EXISTS rbac_assignments_user_idx ON rbac_assignments (user_id);
CREATE TABLE IF NOT EXISTS rbac_feature_permissions (
	feature_name TEXT PRIMARY KEY,
	required_actions JSONB NOT NULL DEFAULT '[]',
	minimum_level INT NOT NULL DEFAULT 0,
	requires_approval INT NOT NULL DEFAULT 0,
	prerequisite_features JSONB NOT NULL DEFAULT '[]',
	requires_audit_log BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS rbac_data_classifications (
	data_id TEXT PRIMARY KEY,
	data_type TEXT NOT NULL DEFAULT '',
	level TEXT NOT NULL,
	authorized_roles JSONB NOT NULL DEFAULT '[]',
	authorized_users JSONB NOT NULL DEFAULT '[]',
	requires_export_approval BOOLEAN NOT NULL DEFAULT FALSE,
	classified_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS rbac_approval_requests (
	request_id TEXT PRIMARY KEY,
	requested_by TEXT NOT NULL,
	action_type TEXT NOT NULL,
	resource_id TEXT NOT NULL DEFAULT '',
	details JSONB NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	approval_chain JSONB NOT NULL,
	current_approver_index INT NOT NULL DEFAULT 0,
	comments JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS rbac_delegations (
	delegation_id TEXT PRIMARY KEY,
	from_user TEXT NOT NULL,
	to_user TEXT NOT NULL,
	feature_name TEXT NOT NULL,
	granted_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS rbac_access_audit (
	audit_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	action TEXT NOT NULL,
	resource_type TEXT NOT NULL DEFAULT '',
	resource_id TEXT NOT NULL DEFAULT '',
	was_allowed BOOLEAN NOT NULL,
	denial_reason TEXT NOT NULL DEFAULT '',
	context JSONB NOT NULL DEFAULT '{}',
	accessed_at TIMESTAMPTZ NOT NULL,
	ip_address TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS rbac_access_audit_at_idx ON rbac_access_audit (accessed_at);`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return storeErr("ensure schema", err)
	}
	return nil
}

// SaveRole upserts a role definition.
func (s *PGStore) SaveRole(ctx context.Context, role Role) error {
	features, err := json.Marshal(role.FeaturePermissions)
	if err != nil {
		return storeErr("marshal role", err)
	}
	access, err := json.Marshal(role.DataClassificationAccess)
	if err != nil {
		return storeErr("marshal role", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO rbac_roles
(role_id, name, description, hierarchy_level, feature_permissions, data_classification_access, can_approve, can_modify_policies, can_audit_logs, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (role_id) DO UPDATE SET
name = EXCLUDED.name, description = EXCLUDED.description, hierarchy_level = EXCLUDED.hierarchy_level,
feature_permissions = EXCLUDED.feature_permissions, data_classification_access = EXCLUDED.data_classification_access,
can_approve = EXCLUDED.can_approve, can_modify_policies = EXCLUDED.can_modify_policies, can_audit_logs = EXCLUDED.can_audit_logs`,
		role.ID, role.Name, role.Description, role.HierarchyLevel, features, access,
		role.CanApprove, role.CanModifyPolicies, role.CanAuditLogs, role.CreatedAt)
	if err != nil {
		return storeErr("save role", err)
	}
	return nil
}

// DeleteRole removes a role definition.
func (s *PGStore) DeleteRole(ctx context.Context, roleID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM rbac_roles WHERE role_id = $1`, roleID); err != nil {
		return storeErr("delete role", err)
	}
	return nil
}

// SaveAssignment appends a grant row.
func (s *PGStore) SaveAssignment(ctx context.Context, a RoleAssignment) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO rbac_assignments
(user_id, role_id, assigned_by, reason, assigned_at, expires_at, is_active)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.UserID, a.RoleID, a.AssignedBy, a.Reason, a.AssignedAt, a.ExpiresAt, a.Active)
	if err != nil {
		return storeErr("save assignment", err)
	}
	return nil
}

// DeleteAssignment removes the oldest grant row matching the pair,
// mirroring the engine's first-match revoke semantics.
func (s *PGStore) DeleteAssignment(ctx context.Context, userID, roleID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM rbac_assignments WHERE id = (
SELECT id FROM rbac_assignments WHERE user_id = $1 AND role_id = $2 ORDER BY id LIMIT 1)`,
		userID, roleID)
	if err != nil {
		return storeErr("delete assignment", err)
	}
	return nil
}

// UpdateAssignmentExpiry moves the expiry of the oldest matching grant row.
func (s *PGStore) UpdateAssignmentExpiry(ctx context.Context, userID, roleID string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE rbac_assignments SET expires_at = $3 WHERE id = (
SELECT id FROM rbac_assignments WHERE user_id = $1 AND role_id = $2 ORDER BY id LIMIT 1)`,
		userID, roleID, expiresAt)
	if err != nil {
		return storeErr("update assignment expiry", err)
	}
	return nil
}

// SaveFeaturePermission upserts a feature gate definition.
func (s *PGStore) SaveFeaturePermission(ctx context.Context, f FeaturePermission) error {
	actions, err := json.Marshal(f.RequiredActions)
	if err != nil {
		return storeErr("marshal feature permission", err)
	}
	prereqs, err := json.Marshal(f.PrerequisiteFeatures)
	if err != nil {
		return storeErr("marshal feature permission", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO rbac_feature_permissions
(feature_name, required_actions, minimum_level, requires_approval, prerequisite_features, requires_audit_log)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (feature_name) DO UPDATE SET
required_actions = EXCLUDED.required_actions, minimum_level = EXCLUDED.minimum_level,
requires_approval = EXCLUDED.requires_approval, prerequisite_features = EXCLUDED.prerequisite_features,
requires_audit_log = EXCLUDED.requires_audit_log`,
		f.FeatureName, actions, int(f.MinimumLevel), int(f.RequiresApproval), prereqs, f.RequiresAuditLog)
	if err != nil {
		return storeErr("save feature permission", err)
	}
	return nil
}

// SaveDataClassification upserts a classification record.
func (s *PGStore) SaveDataClassification(ctx context.Context, c DataClassification) error {
	roles, err := json.Marshal(c.AuthorizedRoles)
	if err != nil {
		return storeErr("marshal data classification", err)
	}
	users, err := json.Marshal(c.AuthorizedUsers)
	if err != nil {
		return storeErr("marshal data classification", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO rbac_data_classifications
(data_id, data_type, level, authorized_roles, authorized_users, requires_export_approval, classified_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (data_id) DO UPDATE SET
data_type = EXCLUDED.data_type, level = EXCLUDED.level, authorized_roles = EXCLUDED.authorized_roles,
authorized_users = EXCLUDED.authorized_users, requires_export_approval = EXCLUDED.requires_export_approval,
classified_at = EXCLUDED.classified_at`,
		c.DataID, c.DataType, string(c.Level), roles, users, c.RequiresExportApproval, c.ClassifiedAt)
	if err != nil {
		return storeErr("save data classification", err)
	}
	return nil
}

// SaveApprovalRequest upserts the full request state after each transition.
func (s *PGStore) SaveApprovalRequest(ctx context.Context, r ApprovalRequest) error {
	details, err := json.Marshal(r.Details)
	if err != nil {
		return storeErr("marshal approval request", err)
	}
	chain, err := json.Marshal(r.ApprovalChain)
	if err != nil {
		return storeErr("marshal approval request", err)
	}
	comments, err := json.Marshal(r.Comments)
	if err != nil {
		return storeErr("marshal approval request", err)
	}
	var resolvedAt *time.Time
	if !r.ResolvedAt.IsZero() {
		resolvedAt = &r.ResolvedAt
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO rbac_approval_requests
(request_id, requested_by, action_type, resource_id, details, status, approval_chain, current_approver_index, comments, created_at, resolved_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (request_id) DO UPDATE SET
status = EXCLUDED.status, current_approver_index = EXCLUDED.current_approver_index,
comments = EXCLUDED.comments, resolved_at = EXCLUDED.resolved_at`,
		r.ID, r.RequestedBy, r.ActionType, r.ResourceID, details, string(r.Status), chain,
		r.CurrentApproverIndex, comments, r.CreatedAt, resolvedAt)
	if err != nil {
		return storeErr("save approval request", err)
	}
	return nil
}

// SaveDelegation upserts a delegation grant.
func (s *PGStore) SaveDelegation(ctx context.Context, d Delegation) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO rbac_delegations
(delegation_id, from_user, to_user, feature_name, granted_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (delegation_id) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		d.ID, d.FromUser, d.ToUser, d.FeatureName, d.GrantedAt, d.ExpiresAt)
	if err != nil {
		return storeErr("save delegation", err)
	}
	return nil
}

// DeleteDelegation removes a delegation grant.
func (s *PGStore) DeleteDelegation(ctx context.Context, delegationID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM rbac_delegations WHERE delegation_id = $1`, delegationID); err != nil {
		return storeErr("delete delegation", err)
	}
	return nil
}

// SaveAuditRecord appends an audit row. Inserts only: the trail is
// append-only and existing rows are never touched.
func (s *PGStore) SaveAuditRecord(ctx context.Context, r AccessAuditRecord) error {
	contextJSON, err := json.Marshal(r.Context)
	if err != nil {
		return storeErr("marshal audit record", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO rbac_access_audit
(audit_id, user_id, action, resource_type, resource_id, was_allowed, denial_reason, context, accessed_at, ip_address)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.UserID, r.Action, r.ResourceType, r.ResourceID, r.WasAllowed,
		r.DenialReason, contextJSON, r.AccessedAt, r.IPAddress)
	if err != nil {
		return storeErr("save audit record", err)
	}
	return nil
}

// LoadRoles reads every role definition.
func (s *PGStore) LoadRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `SELECT role_id, name, description, hierarchy_level,
feature_permissions, data_classification_access, can_approve, can_modify_policies, can_audit_logs, created_at
FROM rbac_roles`)
	if err != nil {
		return nil, storeErr("load roles", err)
	}
	defer rows.Close()
	var out []Role
	for rows.Next() {
		var r Role
		var features, access []byte
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.HierarchyLevel, &features, &access,
			&r.CanApprove, &r.CanModifyPolicies, &r.CanAuditLogs, &r.CreatedAt); err != nil {
			return nil, storeErr("scan role", err)
		}
		if err := json.Unmarshal(features, &r.FeaturePermissions); err != nil {
			return nil, storeErr("decode role", err)
		}
		if err := json.Unmarshal(access, &r.DataClassificationAccess); err != nil {
			return nil, storeErr("decode role", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("load roles", err)
	}
	return out, nil
}

// LoadAssignments reads every grant row in insertion order.
func (s *PGStore) LoadAssignments(ctx context.Context) ([]RoleAssignment, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id, role_id, assigned_by, reason, assigned_at, expires_at, is_active
FROM rbac_assignments ORDER BY id`)
	if err != nil {
		return nil, storeErr("load assignments", err)
	}
	defer rows.Close()
	var out []RoleAssignment
	for rows.Next() {
		var a RoleAssignment
		if err := rows.Scan(&a.UserID, &a.RoleID, &a.AssignedBy, &a.Reason, &a.AssignedAt, &a.ExpiresAt, &a.Active); err != nil {
			return nil, storeErr("scan assignment", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("load assignments", err)
	}
	return out, nil
}

// LoadFeaturePermissions reads every feature gate definition.
func (s *PGStore) LoadFeaturePermissions(ctx context.Context) ([]FeaturePermission, error) {
	rows, err := s.pool.Query(ctx, `SELECT feature_name, required_actions, minimum_level, requires_approval,
prerequisite_features, requires_audit_log FROM rbac_feature_permissions`)
	if err != nil {
		return nil, storeErr("load feature permissions", err)
	}
	defer rows.Close()
	var out []FeaturePermission
	for rows.Next() {
		var f FeaturePermission
		var actions, prereqs []byte
		var minLevel, approval int
		if err := rows.Scan(&f.FeatureName, &actions, &minLevel, &approval, &prereqs, &f.RequiresAuditLog); err != nil {
			return nil, storeErr("scan feature permission", err)
		}
		f.MinimumLevel = PermissionLevel(minLevel)
		f.RequiresApproval = ApprovalLevel(approval)
		if err := json.Unmarshal(actions, &f.RequiredActions); err != nil {
			return nil, storeErr("decode feature permission", err)
		}
		if err := json.Unmarshal(prereqs, &f.PrerequisiteFeatures); err != nil {
			return nil, storeErr("decode feature permission", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("load feature permissions", err)
	}
	return out, nil
}

// LoadDataClassifications reads every classification record.
func (s *PGStore) LoadDataClassifications(ctx context.Context) ([]DataClassification, error) {
	rows, err := s.pool.Query(ctx, `SELECT data_id, data_type, level, authorized_roles, authorized_users,
requires_export_approval, classified_at FROM rbac_data_classifications`)
	if err != nil {
		return nil, storeErr("load data classifications", err)
	}
	defer rows.Close()
	var out []DataClassification
	for rows.Next() {
		var c DataClassification
		var level string
		var roles, users []byte
		if err := rows.Scan(&c.DataID, &c.DataType, &level, &roles, &users, &c.RequiresExportApproval, &c.ClassifiedAt); err != nil {
			return nil, storeErr("scan data classification", err)
		}
		c.Level = ClassificationLevel(level)
		if err := json.Unmarshal(roles, &c.AuthorizedRoles); err != nil {
			return nil, storeErr("decode data classification", err)
		}
		if err := json.Unmarshal(users, &c.AuthorizedUsers); err != nil {
			return nil, storeErr("decode data classification", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("load data classifications", err)
	}
	return out, nil
}

// LoadApprovalRequests reads every approval request.
func (s *PGStore) LoadApprovalRequests(ctx context.Context) ([]ApprovalRequest, error) {
	rows, err := s.pool.Query(ctx, `SELECT request_id, requested_by, action_type, resource_id, details, status,
approval_chain, current_approver_index, comments, created_at, resolved_at FROM rbac_approval_requests`)
	if err != nil {
		return nil, storeErr("load approval requests", err)
	}
	defer rows.Close()
	var out []ApprovalRequest
	for rows.Next() {
		var r ApprovalRequest
		var status string
		var details, chain, comments []byte
		var resolvedAt *time.Time
		if err := rows.Scan(&r.ID, &r.RequestedBy, &r.ActionType, &r.ResourceID, &details, &status,
			&chain, &r.CurrentApproverIndex, &comments, &r.CreatedAt, &resolvedAt); err != nil {
			return nil, storeErr("scan approval request", err)
		}
		r.Status = ApprovalStatus(status)
		if resolvedAt != nil {
			r.ResolvedAt = *resolvedAt
		}
		if err := json.Unmarshal(details, &r.Details); err != nil {
			return nil, storeErr("decode approval request", err)
		}
		if err := json.Unmarshal(chain, &r.ApprovalChain); err != nil {
			return nil, storeErr("decode approval request", err)
		}
		if err := json.Unmarshal(comments, &r.Comments); err != nil {
			return nil, storeErr("decode approval request", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("load approval requests", err)
	}
	return out, nil
}

// LoadDelegations reads every delegation grant.
func (s *PGStore) LoadDelegations(ctx context.Context) ([]Delegation, error) {
	rows, err := s.pool.Query(ctx, `SELECT delegation_id, from_user, to_user, feature_name, granted_at, expires_at
FROM rbac_delegations`)
	if err != nil {
		return nil, storeErr("load delegations", err)
	}
	defer rows.Close()
	var out []Delegation
	for rows.Next() {
		var d Delegation
		if err := rows.Scan(&d.ID, &d.FromUser, &d.ToUser, &d.FeatureName, &d.GrantedAt, &d.ExpiresAt); err != nil {
			return nil, storeErr("scan delegation", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("load delegations", err)
	}
	return out, nil
}

// LoadAuditWindow reads audit rows at or after the cutoff, oldest first.
func (s *PGStore) LoadAuditWindow(ctx context.Context, since time.Time) ([]AccessAuditRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT audit_id, user_id, action, resource_type, resource_id, was_allowed,
denial_reason, context, accessed_at, ip_address FROM rbac_access_audit WHERE accessed_at >= $1 ORDER BY accessed_at`, since)
	if err != nil {
		return nil, storeErr("load audit window", err)
	}
	defer rows.Close()
	var out []AccessAuditRecord
	for rows.Next() {
		var r AccessAuditRecord
		var contextJSON []byte
		if err := rows.Scan(&r.ID, &r.UserID, &r.Action, &r.ResourceType, &r.ResourceID, &r.WasAllowed,
			&r.DenialReason, &contextJSON, &r.AccessedAt, &r.IPAddress); err != nil {
			return nil, storeErr("scan audit record", err)
		}
		if err := json.Unmarshal(contextJSON, &r.Context); err != nil {
			return nil, storeErr("decode audit record", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("load audit window", err)
	}
	return out, nil
}

// storeErr annotates driver failures, surfacing the SQLSTATE when postgres
// reported one.
func storeErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("rbac/pgstore: %s: %s (%s)", op, pgErr.Message, pgErr.Code)
	}
	return fmt.Errorf("rbac/pgstore: %s: %w", op, err)
}
