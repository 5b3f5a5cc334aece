package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanAccessFeatureMembership(t *testing.T) {
	e := newTestEngine(EngineConfig{})
	seedRole(t, e, "r1", 9, "rule_creation")
	grantRole(t, e, "u1", "r1", time.Hour)

	assert.True(t, e.CanAccessFeature("u1", "rule_creation", ActionCreate))
	assert.False(t, e.CanAccessFeature("u1", "unknown_feature", ActionCreate))
	assert.False(t, e.CanAccessFeature("stranger", "rule_creation", ActionCreate))
}

func TestCanAccessFeatureIgnoresRegisteredConstraints(t *testing.T) {
	e := newTestEngine(EngineConfig{})
	seedRole(t, e, "junior", 1, "rule_creation")
	grantRole(t, e, "u1", "junior", time.Hour)

	require.NoError(t, e.RegisterFeaturePermission(context.Background(), FeaturePermission{
		FeatureName:     "rule_creation",
		RequiredActions: []Action{ActionRead},
		MinimumLevel:    PermissionAdmin,
	}))

	// Baseline check is membership-only: the registered minimum level and
	// required actions do not apply.
	assert.True(t, e.CanAccessFeature("u1", "rule_creation", ActionCreate))
}

func TestCanPerformFeatureActionEnforcesGate(t *testing.T) {
	e := newTestEngine(EngineConfig{})
	seedRole(t, e, "junior", 1, "rule_creation")
	seedRole(t, e, "senior", 9, "rule_creation", "decision_analysis")
	grantRole(t, e, "u1", "junior", time.Hour)
	grantRole(t, e, "u2", "senior", time.Hour)

	require.NoError(t, e.RegisterFeaturePermission(context.Background(), FeaturePermission{
		FeatureName:     "rule_creation",
		RequiredActions: []Action{ActionCreate, ActionUpdate},
		MinimumLevel:    PermissionModify,
	}))

	assert.False(t, e.CanPerformFeatureAction("u1", "rule_creation", ActionCreate), "level below minimum")
	assert.True(t, e.CanPerformFeatureAction("u2", "rule_creation", ActionCreate))
	assert.False(t, e.CanPerformFeatureAction("u2", "rule_creation", ActionDelete), "action not declared")
}

func TestCanPerformFeatureActionChecksPrerequisites(t *testing.T) {
	e := newTestEngine(EngineConfig{})
	seedRole(t, e, "analyst", 9, "decision_analysis")
	grantRole(t, e, "u1", "analyst", time.Hour)

	require.NoError(t, e.RegisterFeaturePermission(context.Background(), FeaturePermission{
		FeatureName:          "decision_analysis",
		PrerequisiteFeatures: []string{"rule_creation"},
	}))

	assert.False(t, e.CanPerformFeatureAction("u1", "decision_analysis", ActionExecute))
}

func TestFeaturePermissionOpenByDefault(t *testing.T) {
	e := newTestEngine(EngineConfig{})

	perm, found := e.FeaturePermission("never_registered")
	assert.False(t, found)
	assert.Equal(t, "never_registered", perm.FeatureName)
}

func TestCanAccessDataUnclassifiedIsPublic(t *testing.T) {
	e := newTestEngine(EngineConfig{})

	assert.True(t, e.CanAccessData("anyone", "unclassified-doc"))
}

func TestCanAccessDataAuthorization(t *testing.T) {
	e := newTestEngine(EngineConfig{})
	seedRole(t, e, "auditor", 6)
	grantRole(t, e, "role-holder", "auditor", time.Hour)

	require.NoError(t, e.ClassifyData(context.Background(), DataClassification{
		DataID:          "case-42",
		DataType:        "investigation",
		Level:           ClassificationConfidential,
		AuthorizedRoles: []string{"auditor"},
		AuthorizedUsers: []string{"special-user"},
	}))

	assert.True(t, e.CanAccessData("role-holder", "case-42"))
	assert.True(t, e.CanAccessData("special-user", "case-42"))
	assert.False(t, e.CanAccessData("outsider", "case-42"))
}

func TestCanExportData(t *testing.T) {
	e := newTestEngine(EngineConfig{})
	seedRole(t, e, "auditor", 6)
	grantRole(t, e, "u1", "auditor", time.Hour)

	require.NoError(t, e.ClassifyData(context.Background(), DataClassification{
		DataID:                 "report-1",
		Level:                  ClassificationRestricted,
		AuthorizedRoles:        []string{"auditor"},
		RequiresExportApproval: true,
	}))
	require.NoError(t, e.ClassifyData(context.Background(), DataClassification{
		DataID:          "report-2",
		Level:           ClassificationInternal,
		AuthorizedRoles: []string{"auditor"},
	}))

	// Export approval required: denied outright even with read access.
	assert.True(t, e.CanAccessData("u1", "report-1"))
	assert.False(t, e.CanExportData("u1", "report-1"))

	assert.True(t, e.CanExportData("u1", "report-2"))
	assert.False(t, e.CanExportData("outsider", "report-2"))
}

func TestClassifyDataValidatesLevel(t *testing.T) {
	e := newTestEngine(EngineConfig{})

	err := e.ClassifyData(context.Background(), DataClassification{DataID: "d1", Level: "TOP_SECRET"})
	require.Error(t, err)
}

func TestDelegateFeature(t *testing.T) {
	e := newTestEngine(EngineConfig{})
	seedRole(t, e, "owner", 9, "rule_creation")
	grantRole(t, e, "alice", "owner", 2*time.Hour)

	delegation, err := e.DelegateFeature(context.Background(), "alice", "bob", "rule_creation", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, delegation.ID)

	assert.True(t, e.CanAccessFeature("bob", "rule_creation", ActionCreate))

	require.NoError(t, e.RevokeDelegation(context.Background(), delegation.ID))
	assert.False(t, e.CanAccessFeature("bob", "rule_creation", ActionCreate))

	err = e.RevokeDelegation(context.Background(), delegation.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelegateFeatureRequiresDelegatorAccess(t *testing.T) {
	e := newTestEngine(EngineConfig{})

	_, err := e.DelegateFeature(context.Background(), "alice", "bob", "rule_creation", time.Hour)
	require.Error(t, err)
}

func TestDelegationDiesWithDelegatorAccess(t *testing.T) {
	e := newTestEngine(EngineConfig{})
	seedRole(t, e, "owner", 9, "rule_creation")
	grantRole(t, e, "alice", "owner", 2*time.Hour)

	_, err := e.DelegateFeature(context.Background(), "alice", "bob", "rule_creation", time.Hour)
	require.NoError(t, err)
	require.NoError(t, e.RevokeRole(context.Background(), "alice", "owner"))

	assert.False(t, e.CanAccessFeature("bob", "rule_creation", ActionCreate))
}
