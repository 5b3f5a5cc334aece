package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
)

// RegisterFeaturePermission records the gate definition for a feature.
// Registering an existing feature replaces its definition.
func (e *Engine) RegisterFeaturePermission(ctx context.Context, feature FeaturePermission) error {
	if err := e.validate.Struct(feature); err != nil {
		return fmt.Errorf("rbac: register feature permission: %w", err)
	}

	e.mu.Lock()
	e.features[feature.FeatureName] = feature.clone()
	e.mu.Unlock()

	e.logger.Info("feature permission registered", slog.String("feature", feature.FeatureName))
	return e.persist(ctx, "feature permission", func(ctx context.Context, s Store) error {
		return s.SaveFeaturePermission(ctx, feature)
	})
}

// FeaturePermission looks up a feature gate. found is false when the
// feature was never registered, in which case the gate carries no
// enforceable constraints: callers must treat the feature as
// open-by-default and decide for themselves whether that is acceptable.
func (e *Engine) FeaturePermission(featureName string) (perm FeaturePermission, found bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.features[featureName]
	if !ok {
		return FeaturePermission{FeatureName: featureName}, false
	}
	return f.clone(), true
}

// CanAccessFeature reports whether any of the user's active roles lists the
// feature, or a live delegation grants it. This is the baseline membership
// check: it does not cross-reference the registered gate's MinimumLevel or
// RequiredActions. Use CanPerformFeatureAction for the stricter variant.
func (e *Engine) CanAccessFeature(userID, featureName string, action Action) bool {
	now := e.now()
	e.mu.Lock()
	allowed := e.canAccessFeatureLocked(userID, featureName, now)
	e.mu.Unlock()

	if allowed {
		e.logger.Debug("feature access allowed", slog.String("user_id", userID), slog.String("feature", featureName))
	} else {
		e.logger.Warn("feature access denied", slog.String("user_id", userID), slog.String("feature", featureName))
	}
	return allowed
}

// CanPerformFeatureAction is the opt-in strict variant of CanAccessFeature.
// On top of membership it enforces the registered gate: the action must be
// among RequiredActions (when declared), the user's normalized level must
// reach MinimumLevel, and every prerequisite feature must be accessible.
// An unregistered feature falls back to the membership check alone.
func (e *Engine) CanPerformFeatureAction(userID, featureName string, action Action) bool {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.canAccessFeatureLocked(userID, featureName, now) {
		return false
	}
	feature, ok := e.features[featureName]
	if !ok {
		return true
	}
	if len(feature.RequiredActions) > 0 && !slices.Contains(feature.RequiredActions, action) {
		return false
	}
	if e.userLevelLocked(e.activeRoleIDsLocked(userID, now)) < feature.MinimumLevel {
		return false
	}
	for _, prereq := range feature.PrerequisiteFeatures {
		if !e.canAccessFeatureLocked(userID, prereq, now) {
			return false
		}
	}
	return true
}

// ClassifyData records or replaces the sensitivity label for a resource.
func (e *Engine) ClassifyData(ctx context.Context, classification DataClassification) error {
	if err := e.validate.Struct(classification); err != nil {
		return fmt.Errorf("rbac: classify data: %w", err)
	}
	if classification.ClassifiedAt.IsZero() {
		classification.ClassifiedAt = e.now()
	}

	e.mu.Lock()
	e.classifications[classification.DataID] = classification.clone()
	e.mu.Unlock()

	e.logger.Info("data classified",
		slog.String("data_id", classification.DataID),
		slog.String("level", string(classification.Level)))
	return e.persist(ctx, "data classification", func(ctx context.Context, s Store) error {
		return s.SaveDataClassification(ctx, classification)
	})
}

// DataClassification looks up the label for a resource. found is false for
// unclassified data, which is implicitly PUBLIC.
func (e *Engine) DataClassification(dataID string) (classification DataClassification, found bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.classifications[dataID]
	if !ok {
		return DataClassification{DataID: dataID, Level: ClassificationPublic}, false
	}
	return c.clone(), true
}

// CanAccessData reports whether the user may read the resource: allowed
// when the user is explicitly authorized, when any active role is
// authorized, or unconditionally when no classification record exists.
func (e *Engine) CanAccessData(userID, dataID string) bool {
	now := e.now()
	e.mu.Lock()
	allowed := e.canAccessDataLocked(userID, dataID, now)
	e.mu.Unlock()

	if !allowed {
		e.logger.Warn("data access denied", slog.String("user_id", userID), slog.String("data_id", dataID))
	}
	return allowed
}

// CanExportData reports whether the user may export the resource. Export
// requires read access and a classification that does not demand export
// approval. When approval is required the call denies outright; it never
// submits an ApprovalRequest on the caller's behalf.
func (e *Engine) CanExportData(userID, dataID string) bool {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.canAccessDataLocked(userID, dataID, now) {
		e.logger.Warn("export denied, no data access", slog.String("user_id", userID), slog.String("data_id", dataID))
		return false
	}
	if c, ok := e.classifications[dataID]; ok && c.RequiresExportApproval {
		e.logger.Warn("export requires approval", slog.String("user_id", userID), slog.String("data_id", dataID))
		return false
	}
	return true
}

// DelegateFeature grants the target user temporary access to a feature the
// delegator currently holds. The grant stays valid only while the
// delegator retains access themselves.
func (e *Engine) DelegateFeature(ctx context.Context, fromUser, toUser, featureName string, duration time.Duration) (Delegation, error) {
	now := e.now()
	delegation := Delegation{
		ID:          uuid.NewString(),
		FromUser:    fromUser,
		ToUser:      toUser,
		FeatureName: featureName,
		GrantedAt:   now,
		ExpiresAt:   now.Add(duration),
	}
	if err := e.validate.Struct(delegation); err != nil {
		return Delegation{}, fmt.Errorf("rbac: delegate feature: %w", err)
	}
	if duration <= 0 {
		return Delegation{}, fmt.Errorf("rbac: delegate feature %s: duration must be positive", featureName)
	}

	e.mu.Lock()
	if !e.roleGrantsFeatureLocked(fromUser, featureName, now) {
		e.mu.Unlock()
		return Delegation{}, fmt.Errorf("rbac: delegate feature %s: delegator %s lacks feature access", featureName, fromUser)
	}
	e.delegations = append(e.delegations, delegation)
	e.mu.Unlock()

	e.logger.Info("feature delegated",
		slog.String("from", fromUser),
		slog.String("to", toUser),
		slog.String("feature", featureName),
		slog.Time("expires_at", delegation.ExpiresAt))
	if err := e.persist(ctx, "delegation", func(ctx context.Context, s Store) error {
		return s.SaveDelegation(ctx, delegation)
	}); err != nil {
		return delegation, err
	}
	return delegation, nil
}

// RevokeDelegation removes a delegation by id.
func (e *Engine) RevokeDelegation(ctx context.Context, delegationID string) error {
	e.mu.Lock()
	idx := -1
	for i, d := range e.delegations {
		if d.ID == delegationID {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return fmt.Errorf("revoke delegation %s: %w", delegationID, ErrNotFound)
	}
	e.delegations = append(e.delegations[:idx], e.delegations[idx+1:]...)
	e.mu.Unlock()

	e.logger.Info("delegation revoked", slog.String("delegation_id", delegationID))
	return e.persist(ctx, "delegation delete", func(ctx context.Context, s Store) error {
		return s.DeleteDelegation(ctx, delegationID)
	})
}

// canAccessFeatureLocked checks role membership first, then live
// delegations. Callers must hold e.mu.
func (e *Engine) canAccessFeatureLocked(userID, featureName string, now time.Time) bool {
	if e.roleGrantsFeatureLocked(userID, featureName, now) {
		return true
	}
	for _, d := range e.delegations {
		if d.ToUser != userID || d.FeatureName != featureName || !d.ActiveAt(now) {
			continue
		}
		// The delegation dies with the delegator's own access.
		if e.roleGrantsFeatureLocked(d.FromUser, featureName, now) {
			return true
		}
	}
	return false
}

func (e *Engine) roleGrantsFeatureLocked(userID, featureName string, now time.Time) bool {
	for _, roleID := range e.activeRoleIDsLocked(userID, now) {
		role, ok := e.roles[roleID]
		if !ok {
			continue
		}
		if slices.Contains(role.FeaturePermissions, featureName) {
			return true
		}
	}
	return false
}

func (e *Engine) canAccessDataLocked(userID, dataID string, now time.Time) bool {
	c, ok := e.classifications[dataID]
	if !ok {
		// No classification record means implicit PUBLIC access.
		return true
	}
	if slices.Contains(c.AuthorizedUsers, userID) {
		return true
	}
	for _, roleID := range e.activeRoleIDsLocked(userID, now) {
		if slices.Contains(c.AuthorizedRoles, roleID) {
			return true
		}
	}
	return false
}
