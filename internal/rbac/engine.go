package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gaigenticai/regulens-access/internal/shared"
)

// ExpiryPolicy controls the optional auto-expiry of pending approval
// requests. Disabled by default: whether stale requests should expire is a
// deployment decision, never a silent engine default.
type ExpiryPolicy struct {
	Enabled bool
	TTL     time.Duration
}

// ApproverResolver maps an approval level to the ordered chain of user ids
// who must sign off. Registered at setup time; nil means chains are always
// supplied by the caller.
type ApproverResolver func(level ApprovalLevel) []string

// EngineConfig collects the collaborators an Engine is built from. All
// fields are optional; a zero config yields a purely in-memory engine.
type EngineConfig struct {
	Store    Store
	Cache    *RoleCache
	Logger   *slog.Logger
	Clock    func() time.Time
	Expiry   ExpiryPolicy
	Resolver ApproverResolver
}

// Engine owns every registry of the decision core behind a single lock.
// Operations are in-memory and bounded by registry size; storage round
// trips always happen outside the critical section.
type Engine struct {
	mu              sync.Mutex
	roles           map[string]Role
	assignments     []RoleAssignment
	features        map[string]FeaturePermission
	classifications map[string]DataClassification
	requests        map[string]*ApprovalRequest
	delegations     []Delegation
	audit           []AccessAuditRecord

	store    Store
	cache    *RoleCache
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time
	expiry   ExpiryPolicy
	resolver ApproverResolver
}

// NewEngine constructs an Engine instance.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		roles:           make(map[string]Role),
		features:        make(map[string]FeaturePermission),
		classifications: make(map[string]DataClassification),
		requests:        make(map[string]*ApprovalRequest),
		store:           cfg.Store,
		cache:           cfg.Cache,
		logger:          logger,
		validate:        validator.New(),
		now:             clock,
		expiry:          cfg.Expiry,
		resolver:        cfg.Resolver,
	}
}

// CheckAccess is the coarse authorization gate. It verifies that the user
// holds at least one active role whose normalized hierarchy level is above
// DENY, and appends exactly one audit record whether the decision is allow
// or deny. It does not consult the feature or data registries; see the
// package documentation for the two-call contract.
//
// The returned error never signals denial. A non-nil error wrapping
// ErrStorageUnavailable means the decision stands but its audit record
// could not be persisted.
func (e *Engine) CheckAccess(ctx context.Context, userID, resourceID string, resourceType ResourceType, action Action, auditCtx map[string]any) (AccessDecision, error) {
	now := e.now()

	e.mu.Lock()
	var decision AccessDecision
	roleIDs := e.activeRoleIDsLocked(userID, now)
	switch {
	case len(roleIDs) == 0:
		decision.DenialReason = "user has no active roles"
	case e.userLevelLocked(roleIDs) == PermissionDeny:
		decision.DenialReason = "insufficient permission level"
	default:
		decision.Allowed = true
	}
	record := AccessAuditRecord{
		ID:           uuid.NewString(),
		UserID:       userID,
		Action:       string(action),
		ResourceType: string(resourceType),
		ResourceID:   resourceID,
		WasAllowed:   decision.Allowed,
		DenialReason: decision.DenialReason,
		Context:      auditCtx,
		AccessedAt:   now,
		IPAddress:    shared.ActorFromContext(ctx).IPAddress,
	}
	e.audit = append(e.audit, record)
	e.mu.Unlock()

	if decision.Allowed {
		e.logger.Debug("access allowed",
			slog.String("user_id", userID),
			slog.String("resource_id", resourceID),
			slog.String("action", string(action)))
	} else {
		e.logger.Warn("access denied",
			slog.String("user_id", userID),
			slog.String("resource_id", resourceID),
			slog.String("reason", decision.DenialReason))
	}

	if err := e.persistAudit(ctx, record); err != nil {
		return decision, err
	}
	return decision, nil
}

// ResolveApprovalChain returns the ordered approvers for a level using the
// resolver registered at setup, or nil when none is configured.
func (e *Engine) ResolveApprovalChain(level ApprovalLevel) []string {
	if e.resolver == nil || level == ApprovalNone {
		return nil
	}
	return append([]string(nil), e.resolver(level)...)
}

// Statistics reports the current shape of the registries.
func (e *Engine) Statistics() Stats {
	now := e.now()
	cutoff := now.AddDate(0, 0, -30)

	e.mu.Lock()
	defer e.mu.Unlock()

	users := make(map[string]struct{}, len(e.assignments))
	active := 0
	for _, a := range e.assignments {
		users[a.UserID] = struct{}{}
		if a.ActiveAt(now) {
			active++
		}
	}
	pending := 0
	for _, req := range e.requests {
		if req.Status == StatusPending {
			pending++
		}
	}
	recent, denied := 0, 0
	for _, rec := range e.audit {
		if rec.AccessedAt.Before(cutoff) {
			continue
		}
		recent++
		if !rec.WasAllowed {
			denied++
		}
	}
	rate := 0.0
	if recent > 0 {
		rate = float64(denied) / float64(recent)
	}
	return Stats{
		TotalUsers:             len(users),
		TotalRoles:             len(e.roles),
		TotalActiveAssignments: active,
		PendingApprovals:       pending,
		AuditRecords30Days:     recent,
		AccessDenialRate:       rate,
		CalculatedAt:           now,
	}
}

// LoadFromStore replaces the in-memory registries with the persisted state.
// Collections load in parallel; the swap happens atomically under the lock
// only after every load succeeded.
func (e *Engine) LoadFromStore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	var (
		roles           []Role
		assignments     []RoleAssignment
		features        []FeaturePermission
		classifications []DataClassification
		requests        []ApprovalRequest
		delegations     []Delegation
		audit           []AccessAuditRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { roles, err = e.store.LoadRoles(gctx); return err })
	g.Go(func() (err error) { assignments, err = e.store.LoadAssignments(gctx); return err })
	g.Go(func() (err error) { features, err = e.store.LoadFeaturePermissions(gctx); return err })
	g.Go(func() (err error) { classifications, err = e.store.LoadDataClassifications(gctx); return err })
	g.Go(func() (err error) { requests, err = e.store.LoadApprovalRequests(gctx); return err })
	g.Go(func() (err error) { delegations, err = e.store.LoadDelegations(gctx); return err })
	g.Go(func() (err error) {
		audit, err = e.store.LoadAuditWindow(gctx, e.now().AddDate(0, 0, -auditLoadWindowDays))
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("rbac: load from store: %w (%v)", ErrStorageUnavailable, err)
	}

	e.mu.Lock()
	e.roles = make(map[string]Role, len(roles))
	for _, r := range roles {
		e.roles[r.ID] = r
	}
	e.assignments = assignments
	e.features = make(map[string]FeaturePermission, len(features))
	for _, f := range features {
		e.features[f.FeatureName] = f
	}
	e.classifications = make(map[string]DataClassification, len(classifications))
	for _, c := range classifications {
		e.classifications[c.DataID] = c
	}
	e.requests = make(map[string]*ApprovalRequest, len(requests))
	for i := range requests {
		req := requests[i]
		e.requests[req.ID] = &req
	}
	e.delegations = delegations
	e.audit = audit
	e.mu.Unlock()

	e.logger.Info("state loaded from store",
		slog.Int("roles", len(roles)),
		slog.Int("assignments", len(assignments)),
		slog.Int("approval_requests", len(requests)))
	return nil
}

const auditLoadWindowDays = 90

// userLevelLocked computes the user's normalized permission level as the
// maximum across the given roles. Callers must hold e.mu.
func (e *Engine) userLevelLocked(roleIDs []string) PermissionLevel {
	level := PermissionDeny
	for _, id := range roleIDs {
		role, ok := e.roles[id]
		if !ok {
			continue
		}
		if lvl := NormalizeLevel(role.HierarchyLevel); lvl > level {
			level = lvl
		}
	}
	return level
}

func (e *Engine) persist(ctx context.Context, op string, fn func(context.Context, Store) error) error {
	if e.store == nil {
		return nil
	}
	if err := fn(ctx, e.store); err != nil {
		e.logger.Error("persist "+op, slog.Any("error", err))
		return fmt.Errorf("rbac: persist %s: %w (%v)", op, ErrStorageUnavailable, err)
	}
	return nil
}

func (e *Engine) persistAudit(ctx context.Context, record AccessAuditRecord) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveAuditRecord(ctx, record); err != nil {
		e.logger.Error("audit record lost",
			slog.String("audit_id", record.ID),
			slog.String("user_id", record.UserID),
			slog.Any("error", err))
		return fmt.Errorf("rbac: persist audit record: %w (%v)", ErrStorageUnavailable, err)
	}
	return nil
}

func (e *Engine) invalidateUser(ctx context.Context, userID string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.InvalidateUser(ctx, userID); err != nil {
		e.logger.Warn("cache invalidate", slog.String("user_id", userID), slog.Any("error", err))
	}
}
