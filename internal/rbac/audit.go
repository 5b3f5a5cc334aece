package rbac

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// LogAccess appends a record to the audit trail unconditionally. Missing id
// and timestamp are filled in. The trail never drops or overwrites an
// entry; a failed store write is surfaced wrapping ErrStorageUnavailable
// while the in-memory append stands.
func (e *Engine) LogAccess(ctx context.Context, record AccessAuditRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.AccessedAt.IsZero() {
		record.AccessedAt = e.now()
	}

	e.mu.Lock()
	e.audit = append(e.audit, record)
	e.mu.Unlock()

	if !record.WasAllowed {
		e.logger.Warn("access denied",
			slog.String("user_id", record.UserID),
			slog.String("reason", record.DenialReason))
	}
	return e.persistAudit(ctx, record)
}

// AuditTrail returns records within the trailing window, optionally
// filtered by user and resource type. Empty filters match everything.
func (e *Engine) AuditTrail(userID string, resourceType ResourceType, days int) []AccessAuditRecord {
	cutoff := e.now().AddDate(0, 0, -days)

	e.mu.Lock()
	defer e.mu.Unlock()
	var out []AccessAuditRecord
	for _, rec := range e.audit {
		if rec.AccessedAt.Before(cutoff) {
			continue
		}
		if userID != "" && rec.UserID != userID {
			continue
		}
		if resourceType != "" && rec.ResourceType != string(resourceType) {
			continue
		}
		out = append(out, rec.clone())
	}
	return out
}

// GenerateComplianceReport aggregates allow/deny counts over the window.
func (e *Engine) GenerateComplianceReport(days int) ComplianceReport {
	trail := e.AuditTrail("", "", days)
	denied := 0
	for _, rec := range trail {
		if !rec.WasAllowed {
			denied++
		}
	}
	rate := 0.0
	if len(trail) > 0 {
		rate = float64(denied) / float64(len(trail))
	}
	return ComplianceReport{
		TotalAccessAttempts: len(trail),
		DeniedAccesses:      denied,
		DenialRate:          rate,
		PeriodDays:          days,
		GeneratedAt:         e.now(),
	}
}
