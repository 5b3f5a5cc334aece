// Package rbac implements the access-control decision core: a
// role-hierarchy RBAC engine with data-sensitivity classification,
// sequential approval workflows, and an append-only audit trail.
//
// Authorization is a two-call contract. CheckAccess is the coarse gate: it
// establishes that the caller holds at least one sufficiently senior active
// role and writes one audit record per invocation. It deliberately does not
// consult the feature-permission or data-classification registries. A
// complete decision for a specific feature or resource requires the caller
// to additionally invoke CanAccessFeature, CanAccessData, or CanExportData.
// Callers must make both calls; the engine never merges the gates.
package rbac

import "time"

// ResourceType categorises the resource a decision is about.
type ResourceType string

const (
	ResourceRule           ResourceType = "RULE"
	ResourceDecision       ResourceType = "DECISION"
	ResourceAnalytics      ResourceType = "ANALYTICS"
	ResourcePolicy         ResourceType = "POLICY"
	ResourceAlert          ResourceType = "ALERT"
	ResourceUserManagement ResourceType = "USER_MANAGEMENT"
	ResourceAuditLog       ResourceType = "AUDIT_LOG"
	ResourceSystemConfig   ResourceType = "SYSTEM_CONFIG"
)

// Action enumerates the operations a caller may attempt on a resource.
type Action string

const (
	ActionCreate  Action = "CREATE"
	ActionRead    Action = "READ"
	ActionUpdate  Action = "UPDATE"
	ActionDelete  Action = "DELETE"
	ActionExecute Action = "EXECUTE"
	ActionApprove Action = "APPROVE"
	ActionReject  Action = "REJECT"
	ActionExport  Action = "EXPORT"
)

// PermissionLevel is the normalized seniority band derived from role
// hierarchy levels. Ordering is significant: higher values dominate.
type PermissionLevel int

const (
	PermissionDeny PermissionLevel = iota
	PermissionReadOnly
	PermissionModify
	PermissionAdmin
)

// String returns the canonical label for the level.
func (l PermissionLevel) String() string {
	switch l {
	case PermissionReadOnly:
		return "READ_ONLY"
	case PermissionModify:
		return "MODIFY"
	case PermissionAdmin:
		return "ADMIN"
	default:
		return "DENY"
	}
}

// NormalizeLevel maps a role hierarchy level (0..10) onto a
// PermissionLevel via min(3, level/3).
func NormalizeLevel(hierarchyLevel int) PermissionLevel {
	band := hierarchyLevel / 3
	if band > int(PermissionAdmin) {
		band = int(PermissionAdmin)
	}
	if band < int(PermissionDeny) {
		band = int(PermissionDeny)
	}
	return PermissionLevel(band)
}

// ApprovalLevel states which tier of approver must sign off on an action.
type ApprovalLevel int

const (
	ApprovalNone ApprovalLevel = iota
	ApprovalManager
	ApprovalDirector
	ApprovalExecutive
	ApprovalCompliance
)

// String returns the canonical label for the approval level.
func (l ApprovalLevel) String() string {
	switch l {
	case ApprovalManager:
		return "MANAGER"
	case ApprovalDirector:
		return "DIRECTOR"
	case ApprovalExecutive:
		return "EXECUTIVE"
	case ApprovalCompliance:
		return "COMPLIANCE"
	default:
		return "NONE"
	}
}

// ClassificationLevel is the sensitivity label attached to a resource.
type ClassificationLevel string

const (
	ClassificationPublic       ClassificationLevel = "PUBLIC"
	ClassificationInternal     ClassificationLevel = "INTERNAL"
	ClassificationConfidential ClassificationLevel = "CONFIDENTIAL"
	ClassificationRestricted   ClassificationLevel = "RESTRICTED"
)

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "PENDING"
	StatusApproved ApprovalStatus = "APPROVED"
	StatusRejected ApprovalStatus = "REJECTED"
	// StatusExpired is set only by the expiry sweep. Like REJECTED it is
	// terminal: no transition leaves it.
	StatusExpired ApprovalStatus = "EXPIRED"
)

// Terminal reports whether the status permits no further transitions.
func (s ApprovalStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// Role bundles capabilities under a named seniority level.
// HierarchyLevel totally orders seniority: 0 = viewer, 10 = admin.
type Role struct {
	ID                       string `validate:"required"`
	Name                     string `validate:"required"`
	Description              string
	HierarchyLevel           int `validate:"min=0,max=10"`
	FeaturePermissions       []string
	DataClassificationAccess map[string]ClassificationLevel
	CanApprove               bool
	CanModifyPolicies        bool
	CanAuditLogs             bool
	CreatedAt                time.Time
}

// RoleAssignment is a time-bound grant linking a user to a role. A grant is
// active iff Active is set and ExpiresAt is in the future. Overlapping
// grants for the same user/role pair are permitted; effective access is the
// union across active grants, so a later expiry simply extends coverage.
type RoleAssignment struct {
	UserID     string `validate:"required"`
	RoleID     string `validate:"required"`
	AssignedBy string
	Reason     string
	AssignedAt time.Time
	ExpiresAt  time.Time `validate:"required,gtfield=AssignedAt"`
	Active     bool
}

// ActiveAt reports whether the grant confers access at the given instant.
func (a RoleAssignment) ActiveAt(now time.Time) bool {
	return a.Active && now.Before(a.ExpiresAt)
}

// FeaturePermission is a named gate required to invoke a platform function.
type FeaturePermission struct {
	FeatureName          string `validate:"required"`
	RequiredActions      []Action
	MinimumLevel         PermissionLevel
	RequiresApproval     ApprovalLevel
	PrerequisiteFeatures []string
	RequiresAuditLog     bool
}

// DataClassification labels a resource with a sensitivity level and the
// roles/users explicitly allowed to read it. Absence of a classification
// record means the resource is implicitly PUBLIC.
type DataClassification struct {
	DataID                 string `validate:"required"`
	DataType               string
	Level                  ClassificationLevel `validate:"required,oneof=PUBLIC INTERNAL CONFIDENTIAL RESTRICTED"`
	AuthorizedRoles        []string
	AuthorizedUsers        []string
	RequiresExportApproval bool
	ClassifiedAt           time.Time
}

// ApprovalRequest tracks a sequential approval chain for a sensitive
// action. CurrentApproverIndex only ever increases; the request is APPROVED
// when the index reaches the chain length and REJECTED/EXPIRED terminally
// from any index.
type ApprovalRequest struct {
	ID                   string
	RequestedBy          string `validate:"required"`
	ActionType           string `validate:"required"`
	ResourceID           string
	Details              map[string]any
	Status               ApprovalStatus
	ApprovalChain        []string `validate:"min=1,dive,required"`
	CurrentApproverIndex int
	Comments             map[string]string
	CreatedAt            time.Time
	ResolvedAt           time.Time
}

// Delegation is a temporary feature grant from one user to another. It is
// honoured only while the delegator can still access the feature.
type Delegation struct {
	ID          string
	FromUser    string `validate:"required"`
	ToUser      string `validate:"required"`
	FeatureName string `validate:"required"`
	GrantedAt   time.Time
	ExpiresAt   time.Time
}

// ActiveAt reports whether the delegation window covers the given instant.
func (d Delegation) ActiveAt(now time.Time) bool {
	return now.Before(d.ExpiresAt)
}

// AccessAuditRecord is one immutable entry in the audit trail. Records are
// never mutated or deleted once written.
type AccessAuditRecord struct {
	ID           string
	UserID       string
	Action       string
	ResourceType string
	ResourceID   string
	WasAllowed   bool
	DenialReason string
	Context      map[string]any
	AccessedAt   time.Time
	IPAddress    string
}

// AccessDecision is the outcome of the coarse CheckAccess gate. Denial is a
// normal result, not an error.
type AccessDecision struct {
	Allowed           bool
	RequiredApproval  ApprovalLevel
	DenialReason      string
	RequiredApprovers []string
}

// ComplianceReport aggregates audit activity over a trailing window.
type ComplianceReport struct {
	TotalAccessAttempts int
	DeniedAccesses      int
	DenialRate          float64
	PeriodDays          int
	GeneratedAt         time.Time
}

// Stats summarises the engine's current registries.
type Stats struct {
	TotalUsers             int
	TotalRoles             int
	TotalActiveAssignments int
	PendingApprovals       int
	AuditRecords30Days     int
	AccessDenialRate       float64
	CalculatedAt           time.Time
}

// Callers always receive defensive copies of registry state.

func (r Role) clone() Role {
	out := r
	out.FeaturePermissions = append([]string(nil), r.FeaturePermissions...)
	if r.DataClassificationAccess != nil {
		out.DataClassificationAccess = make(map[string]ClassificationLevel, len(r.DataClassificationAccess))
		for k, v := range r.DataClassificationAccess {
			out.DataClassificationAccess[k] = v
		}
	}
	return out
}

func (f FeaturePermission) clone() FeaturePermission {
	out := f
	out.RequiredActions = append([]Action(nil), f.RequiredActions...)
	out.PrerequisiteFeatures = append([]string(nil), f.PrerequisiteFeatures...)
	return out
}

func (c DataClassification) clone() DataClassification {
	out := c
	out.AuthorizedRoles = append([]string(nil), c.AuthorizedRoles...)
	out.AuthorizedUsers = append([]string(nil), c.AuthorizedUsers...)
	return out
}

func (r AccessAuditRecord) clone() AccessAuditRecord {
	out := r
	if r.Context != nil {
		out.Context = make(map[string]any, len(r.Context))
		for k, v := range r.Context {
			out.Context[k] = v
		}
	}
	return out
}

func (r ApprovalRequest) clone() ApprovalRequest {
	out := r
	out.ApprovalChain = append([]string(nil), r.ApprovalChain...)
	if r.Comments != nil {
		out.Comments = make(map[string]string, len(r.Comments))
		for k, v := range r.Comments {
			out.Comments[k] = v
		}
	}
	if r.Details != nil {
		out.Details = make(map[string]any, len(r.Details))
		for k, v := range r.Details {
			out.Details[k] = v
		}
	}
	return out
}
