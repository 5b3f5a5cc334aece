package rbac

import (
	"context"
	"time"
)

// Store is the persistence collaborator boundary. The engine dictates no
// schema: implementations own their storage layout. Mutations are saved
// one record at a time as they happen; Load* is called once at startup.
// All calls happen outside the engine lock.
type Store interface {
	SaveRole(ctx context.Context, role Role) error
	DeleteRole(ctx context.Context, roleID string) error
	SaveAssignment(ctx context.Context, assignment RoleAssignment) error
	DeleteAssignment(ctx context.Context, userID, roleID string) error
	UpdateAssignmentExpiry(ctx context.Context, userID, roleID string, expiresAt time.Time) error
	SaveFeaturePermission(ctx context.Context, feature FeaturePermission) error
	SaveDataClassification(ctx context.Context, classification DataClassification) error
	SaveApprovalRequest(ctx context.Context, request ApprovalRequest) error
	SaveDelegation(ctx context.Context, delegation Delegation) error
	DeleteDelegation(ctx context.Context, delegationID string) error
	SaveAuditRecord(ctx context.Context, record AccessAuditRecord) error

	LoadRoles(ctx context.Context) ([]Role, error)
	LoadAssignments(ctx context.Context) ([]RoleAssignment, error)
	LoadFeaturePermissions(ctx context.Context) ([]FeaturePermission, error)
	LoadDataClassifications(ctx context.Context) ([]DataClassification, error)
	LoadApprovalRequests(ctx context.Context) ([]ApprovalRequest, error)
	LoadDelegations(ctx context.Context) ([]Delegation, error)
	LoadAuditWindow(ctx context.Context, since time.Time) ([]AccessAuditRecord, error)
}
