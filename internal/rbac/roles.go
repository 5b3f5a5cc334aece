package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CreateRole registers a new role definition.
func (e *Engine) CreateRole(ctx context.Context, role Role) error {
	if err := e.validate.Struct(role); err != nil {
		return fmt.Errorf("rbac: create role: %w", err)
	}
	if role.CreatedAt.IsZero() {
		role.CreatedAt = e.now()
	}

	e.mu.Lock()
	if _, ok := e.roles[role.ID]; ok {
		e.mu.Unlock()
		return fmt.Errorf("create role %s: %w", role.ID, ErrDuplicateRole)
	}
	e.roles[role.ID] = role.clone()
	e.mu.Unlock()

	e.logger.Info("role created", slog.String("role_id", role.ID), slog.String("name", role.Name))
	return e.persist(ctx, "role", func(ctx context.Context, s Store) error {
		return s.SaveRole(ctx, role)
	})
}

// UpdateRole replaces an existing role definition.
func (e *Engine) UpdateRole(ctx context.Context, roleID string, role Role) error {
	role.ID = roleID
	if err := e.validate.Struct(role); err != nil {
		return fmt.Errorf("rbac: update role: %w", err)
	}

	e.mu.Lock()
	existing, ok := e.roles[roleID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("update role %s: %w", roleID, ErrNotFound)
	}
	// Updates never move the creation timestamp.
	role.CreatedAt = existing.CreatedAt
	e.roles[roleID] = role.clone()
	affected := e.usersWithRoleLocked(roleID)
	e.mu.Unlock()

	e.logger.Info("role updated", slog.String("role_id", roleID))
	for _, userID := range affected {
		e.invalidateUser(ctx, userID)
	}
	return e.persist(ctx, "role", func(ctx context.Context, s Store) error {
		return s.SaveRole(ctx, role)
	})
}

// DeleteRole removes a role definition. Existing assignments referencing
// the role stop conferring access because the role can no longer resolve.
func (e *Engine) DeleteRole(ctx context.Context, roleID string) error {
	e.mu.Lock()
	if _, ok := e.roles[roleID]; !ok {
		e.mu.Unlock()
		return fmt.Errorf("delete role %s: %w", roleID, ErrNotFound)
	}
	delete(e.roles, roleID)
	affected := e.usersWithRoleLocked(roleID)
	e.mu.Unlock()

	e.logger.Info("role deleted", slog.String("role_id", roleID))
	for _, userID := range affected {
		e.invalidateUser(ctx, userID)
	}
	return e.persist(ctx, "role delete", func(ctx context.Context, s Store) error {
		return s.DeleteRole(ctx, roleID)
	})
}

// Role fetches a role definition by id.
func (e *Engine) Role(roleID string) (Role, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	role, ok := e.roles[roleID]
	if !ok {
		return Role{}, fmt.Errorf("role %s: %w", roleID, ErrNotFound)
	}
	return role.clone(), nil
}

// Roles returns every registered role definition.
func (e *Engine) Roles() []Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Role, 0, len(e.roles))
	for _, role := range e.roles {
		out = append(out, role.clone())
	}
	return out
}

// AssignRole appends a time-bound grant for the user. The role must be
// registered; overlapping grants for the same pair are allowed. The grant
// is always stored active regardless of the Active field supplied by the
// caller: a grant leaves the active set only through expiry or RevokeRole.
// Inactive grants enter the engine exclusively via LoadFromStore.
func (e *Engine) AssignRole(ctx context.Context, assignment RoleAssignment) error {
	if assignment.AssignedAt.IsZero() {
		assignment.AssignedAt = e.now()
	}
	if err := e.validate.Struct(assignment); err != nil {
		return fmt.Errorf("rbac: assign role: %w", err)
	}
	assignment.Active = true

	e.mu.Lock()
	if _, ok := e.roles[assignment.RoleID]; !ok {
		e.mu.Unlock()
		return fmt.Errorf("assign role %s: %w", assignment.RoleID, ErrUnknownRole)
	}
	e.assignments = append(e.assignments, assignment)
	e.mu.Unlock()

	e.logger.Info("user role assigned",
		slog.String("user_id", assignment.UserID),
		slog.String("role_id", assignment.RoleID),
		slog.Time("expires_at", assignment.ExpiresAt))
	e.invalidateUser(ctx, assignment.UserID)
	return e.persist(ctx, "assignment", func(ctx context.Context, s Store) error {
		return s.SaveAssignment(ctx, assignment)
	})
}

// RevokeRole removes the first grant matching the user/role pair.
func (e *Engine) RevokeRole(ctx context.Context, userID, roleID string) error {
	e.mu.Lock()
	idx := -1
	for i, a := range e.assignments {
		if a.UserID == userID && a.RoleID == roleID {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return fmt.Errorf("revoke role %s from %s: %w", roleID, userID, ErrNotFound)
	}
	e.assignments = append(e.assignments[:idx], e.assignments[idx+1:]...)
	e.mu.Unlock()

	e.logger.Info("user role revoked", slog.String("user_id", userID), slog.String("role_id", roleID))
	e.invalidateUser(ctx, userID)
	return e.persist(ctx, "assignment delete", func(ctx context.Context, s Store) error {
		return s.DeleteAssignment(ctx, userID, roleID)
	})
}

// UpdateAssignmentExpiry moves the expiry of the first grant matching the
// user/role pair.
func (e *Engine) UpdateAssignmentExpiry(ctx context.Context, userID, roleID string, newExpiry time.Time) error {
	e.mu.Lock()
	idx := -1
	for i, a := range e.assignments {
		if a.UserID == userID && a.RoleID == roleID {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return fmt.Errorf("update expiry for %s/%s: %w", userID, roleID, ErrNotFound)
	}
	if !newExpiry.After(e.assignments[idx].AssignedAt) {
		e.mu.Unlock()
		return fmt.Errorf("rbac: update expiry for %s/%s: expiry must be after assignment", userID, roleID)
	}
	e.assignments[idx].ExpiresAt = newExpiry
	e.mu.Unlock()

	e.logger.Info("assignment expiry updated",
		slog.String("user_id", userID),
		slog.String("role_id", roleID),
		slog.Time("expires_at", newExpiry))
	e.invalidateUser(ctx, userID)
	return e.persist(ctx, "assignment expiry", func(ctx context.Context, s Store) error {
		return s.UpdateAssignmentExpiry(ctx, userID, roleID, newExpiry)
	})
}

// UserRoles returns every grant for the user, active or not.
func (e *Engine) UserRoles(userID string) []RoleAssignment {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []RoleAssignment
	for _, a := range e.assignments {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out
}

// ActiveRoles returns the ids of the user's currently active roles. This is
// the hottest read in the engine; when a cache is configured the snapshot
// is served from it and concurrent loads for the same user are collapsed.
func (e *Engine) ActiveRoles(ctx context.Context, userID string) ([]string, error) {
	load := func(ctx context.Context) ([]string, error) {
		now := e.now()
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.activeRoleIDsLocked(userID, now), nil
	}
	if e.cache == nil {
		return load(ctx)
	}
	roleIDs, err := e.cache.ActiveRoles(ctx, userID, load)
	if err != nil {
		e.logger.Warn("role cache read", slog.String("user_id", userID), slog.Any("error", err))
		return load(ctx)
	}
	return roleIDs, nil
}

// activeRoleIDsLocked filters assignments by activity and expiry. Callers
// must hold e.mu.
func (e *Engine) activeRoleIDsLocked(userID string, now time.Time) []string {
	var out []string
	for _, a := range e.assignments {
		if a.UserID == userID && a.ActiveAt(now) {
			out = append(out, a.RoleID)
		}
	}
	return out
}

func (e *Engine) usersWithRoleLocked(roleID string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, a := range e.assignments {
		if a.RoleID != roleID {
			continue
		}
		if _, ok := seen[a.UserID]; ok {
			continue
		}
		seen[a.UserID] = struct{}{}
		out = append(out, a.UserID)
	}
	return out
}
