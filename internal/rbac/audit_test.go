package rbac

import (
	"context"
	"testing"
	"time"
)

func TestLogAccessFillsDefaults(t *testing.T) {
	e := newTestEngine(EngineConfig{})

	err := e.LogAccess(context.Background(), AccessAuditRecord{
		UserID:     "u1",
		Action:     string(ActionExport),
		ResourceID: "doc-1",
		WasAllowed: false,
	})
	if err != nil {
		t.Fatalf("log access: %v", err)
	}

	trail := e.AuditTrail("u1", "", 1)
	if len(trail) != 1 {
		t.Fatalf("expected 1 record, got %d", len(trail))
	}
	if trail[0].ID == "" {
		t.Fatalf("expected generated audit id")
	}
	if !trail[0].AccessedAt.Equal(testNow) {
		t.Fatalf("expected accessed_at %v, got %v", testNow, trail[0].AccessedAt)
	}
}

func TestAuditTrailFilters(t *testing.T) {
	e := newTestEngine(EngineConfig{})
	ctx := context.Background()

	records := []AccessAuditRecord{
		{UserID: "u1", Action: "READ", ResourceType: string(ResourceRule), AccessedAt: testNow.Add(-time.Hour)},
		{UserID: "u2", Action: "READ", ResourceType: string(ResourcePolicy), AccessedAt: testNow.Add(-2 * time.Hour)},
		{UserID: "u1", Action: "UPDATE", ResourceType: string(ResourcePolicy), AccessedAt: testNow.AddDate(0, 0, -10)},
	}
	for _, rec := range records {
		if err := e.LogAccess(ctx, rec); err != nil {
			t.Fatalf("log access: %v", err)
		}
	}

	if got := len(e.AuditTrail("", "", 30)); got != 3 {
		t.Fatalf("expected 3 records in 30d window, got %d", got)
	}
	if got := len(e.AuditTrail("", "", 7)); got != 2 {
		t.Fatalf("expected 2 records in 7d window, got %d", got)
	}
	if got := len(e.AuditTrail("u1", "", 30)); got != 2 {
		t.Fatalf("expected 2 records for u1, got %d", got)
	}
	if got := len(e.AuditTrail("u1", ResourcePolicy, 30)); got != 1 {
		t.Fatalf("expected 1 policy record for u1, got %d", got)
	}
}

func TestAuditTrailReturnsCopies(t *testing.T) {
	e := newTestEngine(EngineConfig{})

	err := e.LogAccess(context.Background(), AccessAuditRecord{
		UserID:  "u1",
		Action:  "READ",
		Context: map[string]any{"source": "api"},
	})
	if err != nil {
		t.Fatalf("log access: %v", err)
	}

	trail := e.AuditTrail("u1", "", 1)
	if len(trail) != 1 {
		t.Fatalf("expected 1 record, got %d", len(trail))
	}
	trail[0].Context["source"] = "tampered"

	fresh := e.AuditTrail("u1", "", 1)
	if fresh[0].Context["source"] != "api" {
		t.Fatalf("trail record mutated through caller copy: %v", fresh[0].Context)
	}
}

func TestGenerateComplianceReport(t *testing.T) {
	e := newTestEngine(EngineConfig{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := e.LogAccess(ctx, AccessAuditRecord{UserID: "u1", Action: "READ", WasAllowed: true, AccessedAt: testNow}); err != nil {
			t.Fatalf("log access: %v", err)
		}
	}
	if err := e.LogAccess(ctx, AccessAuditRecord{UserID: "u2", Action: "READ", WasAllowed: false, DenialReason: "no access", AccessedAt: testNow}); err != nil {
		t.Fatalf("log access: %v", err)
	}

	report := e.GenerateComplianceReport(90)
	if report.TotalAccessAttempts != 4 {
		t.Fatalf("expected 4 attempts, got %d", report.TotalAccessAttempts)
	}
	if report.DeniedAccesses != 1 {
		t.Fatalf("expected 1 denial, got %d", report.DeniedAccesses)
	}
	if report.DenialRate != 0.25 {
		t.Fatalf("expected denial rate 0.25, got %f", report.DenialRate)
	}
	if report.PeriodDays != 90 {
		t.Fatalf("expected period 90, got %d", report.PeriodDays)
	}
}

func TestGenerateComplianceReportEmptyTrail(t *testing.T) {
	e := newTestEngine(EngineConfig{})

	report := e.GenerateComplianceReport(30)
	if report.TotalAccessAttempts != 0 || report.DenialRate != 0 {
		t.Fatalf("expected empty report, got %+v", report)
	}
}
