package rbac

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// MOCK STORE
// ============================================================================

type mockStore struct {
	mu sync.Mutex

	savedRoles           []Role
	deletedRoles         []string
	savedAssignments     []RoleAssignment
	deletedAssignments   [][2]string
	expiryUpdates        [][2]string
	savedFeatures        []FeaturePermission
	savedClassifications []DataClassification
	savedRequests        []ApprovalRequest
	savedDelegations     []Delegation
	deletedDelegations   []string
	savedAudit           []AccessAuditRecord

	// Load fixtures
	loadRoles           []Role
	loadAssignments     []RoleAssignment
	loadFeatures        []FeaturePermission
	loadClassifications []DataClassification
	loadRequests        []ApprovalRequest
	loadDelegations     []Delegation
	loadAudit           []AccessAuditRecord

	// Error injection
	auditErr error
	saveErr  error
	loadErr  error
}

func (m *mockStore) SaveRole(ctx context.Context, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.savedRoles = append(m.savedRoles, role)
	return nil
}

func (m *mockStore) DeleteRole(ctx context.Context, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletedRoles = append(m.deletedRoles, roleID)
	return nil
}

func (m *mockStore) SaveAssignment(ctx context.Context, a RoleAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.savedAssignments = append(m.savedAssignments, a)
	return nil
}

func (m *mockStore) DeleteAssignment(ctx context.Context, userID, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletedAssignments = append(m.deletedAssignments, [2]string{userID, roleID})
	return nil
}

func (m *mockStore) UpdateAssignmentExpiry(ctx context.Context, userID, roleID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiryUpdates = append(m.expiryUpdates, [2]string{userID, roleID})
	return nil
}

func (m *mockStore) SaveFeaturePermission(ctx context.Context, f FeaturePermission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.savedFeatures = append(m.savedFeatures, f)
	return nil
}

func (m *mockStore) SaveDataClassification(ctx context.Context, c DataClassification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.savedClassifications = append(m.savedClassifications, c)
	return nil
}

func (m *mockStore) SaveApprovalRequest(ctx context.Context, r ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.savedRequests = append(m.savedRequests, r)
	return nil
}

func (m *mockStore) SaveDelegation(ctx context.Context, d Delegation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.savedDelegations = append(m.savedDelegations, d)
	return nil
}

func (m *mockStore) DeleteDelegation(ctx context.Context, delegationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletedDelegations = append(m.deletedDelegations, delegationID)
	return nil
}

func (m *mockStore) SaveAuditRecord(ctx context.Context, r AccessAuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.auditErr != nil {
		return m.auditErr
	}
	m.savedAudit = append(m.savedAudit, r)
	return nil
}

func (m *mockStore) LoadRoles(ctx context.Context) ([]Role, error) {
	return m.loadRoles, m.loadErr
}

func (m *mockStore) LoadAssignments(ctx context.Context) ([]RoleAssignment, error) {
	return m.loadAssignments, m.loadErr
}

func (m *mockStore) LoadFeaturePermissions(ctx context.Context) ([]FeaturePermission, error) {
	return m.loadFeatures, m.loadErr
}

func (m *mockStore) LoadDataClassifications(ctx context.Context) ([]DataClassification, error) {
	return m.loadClassifications, m.loadErr
}

func (m *mockStore) LoadApprovalRequests(ctx context.Context) ([]ApprovalRequest, error) {
	return m.loadRequests, m.loadErr
}

func (m *mockStore) LoadDelegations(ctx context.Context) ([]Delegation, error) {
	return m.loadDelegations, m.loadErr
}

func (m *mockStore) LoadAuditWindow(ctx context.Context, since time.Time) ([]AccessAuditRecord, error) {
	return m.loadAudit, m.loadErr
}

// ============================================================================
// HELPERS
// ============================================================================

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(cfg EngineConfig) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return testNow }
	}
	return NewEngine(cfg)
}

func grantRole(t *testing.T, e *Engine, userID, roleID string, expiresIn time.Duration) {
	t.Helper()
	err := e.AssignRole(context.Background(), RoleAssignment{
		UserID:     userID,
		RoleID:     roleID,
		AssignedBy: "admin",
		ExpiresAt:  testNow.Add(expiresIn),
	})
	require.NoError(t, err)
}

func seedRole(t *testing.T, e *Engine, id string, level int, features ...string) {
	t.Helper()
	err := e.CreateRole(context.Background(), Role{
		ID:                 id,
		Name:               id,
		HierarchyLevel:     level,
		FeaturePermissions: features,
	})
	require.NoError(t, err)
}

// ============================================================================
// CHECK ACCESS
// ============================================================================

func TestCheckAccessDeniesWithoutActiveRoles(t *testing.T) {
	e := newTestEngine(EngineConfig{})

	decision, err := e.CheckAccess(context.Background(), "ghost", "res-1", ResourceRule, ActionRead, nil)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "user has no active roles", decision.DenialReason)
}

func TestCheckAccessDeniesLowHierarchy(t *testing.T) {
	e := newTestEngine(EngineConfig{})
	seedRole(t, e, "viewer", 2)
	grantRole(t, e, "u1", "viewer", time.Hour)

	decision, err := e.CheckAccess(context.Background(), "u1", "res-1", ResourceRule, ActionRead, nil)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "insufficient permission level", decision.DenialReason)
}

func TestCheckAccessAllowsSeniorRole(t *testing.T) {
	e := newTestEngine(EngineConfig{})
	seedRole(t, e, "senior", 9)
	seedRole(t, e, "junior", 2)
	grantRole(t, e, "u1", "senior", time.Hour)
	grantRole(t, e, "u2", "junior", time.Hour)

	require.Greater(t, NormalizeLevel(9), NormalizeLevel(2))

	decision, err := e.CheckAccess(context.Background(), "u1", "res-1", ResourceDecision, ActionUpdate, nil)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Empty(t, decision.DenialReason)
}

func TestCheckAccessWritesExactlyOneAuditRecord(t *testing.T) {
	e := newTestEngine(EngineConfig{})
	seedRole(t, e, "senior", 9)
	grantRole(t, e, "u1", "senior", time.Hour)

	_, err := e.CheckAccess(context.Background(), "u1", "res-9", ResourcePolicy, ActionUpdate, nil)
	require.NoError(t, err)
	_, err = e.CheckAccess(context.Background(), "nobody", "res-9", ResourcePolicy, ActionUpdate, nil)
	require.NoError(t, err)

	trail := e.AuditTrail("", "", 1)
	require.Len(t, trail, 2)

	allowed := trail[0]
	assert.Equal(t, "u1", allowed.UserID)
	assert.Equal(t, "res-9", allowed.ResourceID)
	assert.Equal(t, string(ActionUpdate), allowed.Action)
	assert.True(t, allowed.WasAllowed)

	denied := trail[1]
	assert.Equal(t, "nobody", denied.UserID)
	assert.False(t, denied.WasAllowed)
	assert.NotEmpty(t, denied.DenialReason)
}

func TestCheckAccessSurfacesLostAuditWrite(t *testing.T) {
	store := &mockStore{auditErr: errors.New("connection refused")}
	e := newTestEngine(EngineConfig{Store: store})
	seedRole(t, e, "senior", 9)
	grantRole(t, e, "u1", "senior", time.Hour)

	decision, err := e.CheckAccess(context.Background(), "u1", "res-1", ResourceRule, ActionRead, nil)
	// The decision stands even though the audit write was lost.
	assert.True(t, decision.Allowed)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	// The in-memory trail still has the record.
	assert.Len(t, e.AuditTrail("u1", "", 1), 1)
}

func TestCheckAccessPersistsAuditRecord(t *testing.T) {
	store := &mockStore{}
	e := newTestEngine(EngineConfig{Store: store})

	_, err := e.CheckAccess(context.Background(), "u1", "res-1", ResourceRule, ActionRead, nil)
	require.NoError(t, err)
	require.Len(t, store.savedAudit, 1)
	assert.Equal(t, "u1", store.savedAudit[0].UserID)
	assert.False(t, store.savedAudit[0].WasAllowed)
}

// ============================================================================
// LOAD / STATS
// ============================================================================

func TestLoadFromStoreRestoresState(t *testing.T) {
	store := &mockStore{
		loadRoles: []Role{{ID: "senior", Name: "Senior", HierarchyLevel: 9}},
		loadAssignments: []RoleAssignment{{
			UserID:     "u1",
			RoleID:     "senior",
			AssignedAt: testNow.Add(-time.Hour),
			ExpiresAt:  testNow.Add(time.Hour),
			Active:     true,
		}},
		loadFeatures:        []FeaturePermission{{FeatureName: "rule_creation"}},
		loadClassifications: []DataClassification{{DataID: "d1", Level: ClassificationRestricted}},
		loadRequests: []ApprovalRequest{{
			ID:            "req-1",
			RequestedBy:   "u1",
			ActionType:    "rule_modification",
			Status:        StatusPending,
			ApprovalChain: []string{"a1"},
			CreatedAt:     testNow.Add(-time.Minute),
		}},
	}
	e := newTestEngine(EngineConfig{Store: store})
	require.NoError(t, e.LoadFromStore(context.Background()))

	roleIDs, err := e.ActiveRoles(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"senior"}, roleIDs)

	_, found := e.FeaturePermission("rule_creation")
	assert.True(t, found)
	_, found = e.DataClassification("d1")
	assert.True(t, found)

	pending := e.PendingApprovalsFor("a1")
	require.Len(t, pending, 1)
	assert.Equal(t, "req-1", pending[0].ID)
}

func TestLoadFromStoreFailure(t *testing.T) {
	store := &mockStore{loadErr: errors.New("relation does not exist")}
	e := newTestEngine(EngineConfig{Store: store})

	err := e.LoadFromStore(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestStatistics(t *testing.T) {
	e := newTestEngine(EngineConfig{})
	seedRole(t, e, "senior", 9)
	seedRole(t, e, "junior", 2)
	grantRole(t, e, "u1", "senior", time.Hour)
	grantRole(t, e, "u2", "junior", time.Hour)
	// Same user again with an already expired grant: still one distinct user.
	require.NoError(t, e.AssignRole(context.Background(), RoleAssignment{
		UserID:     "u1",
		RoleID:     "junior",
		AssignedAt: testNow.Add(-2 * time.Hour),
		ExpiresAt:  testNow.Add(-time.Hour),
	}))

	_, err := e.SubmitApprovalRequest(context.Background(), ApprovalRequest{
		RequestedBy:   "u1",
		ActionType:    "decision_override",
		ApprovalChain: []string{"a1"},
	})
	require.NoError(t, err)

	_, err = e.CheckAccess(context.Background(), "nobody", "res", ResourceRule, ActionRead, nil)
	require.NoError(t, err)

	stats := e.Statistics()
	assert.Equal(t, 2, stats.TotalUsers)
	assert.Equal(t, 2, stats.TotalRoles)
	assert.Equal(t, 2, stats.TotalActiveAssignments)
	assert.Equal(t, 1, stats.PendingApprovals)
	assert.Equal(t, 1, stats.AuditRecords30Days)
	assert.Equal(t, 1.0, stats.AccessDenialRate)
}
