package casework

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/meg/meg/internal/platform/apperror"
)

var auditLabels = map[string]string{
	"status":      "Status",
	"priority":    "Priority",
	"patient_id":  "Patient",
	"case_date":   "Date",
	"assigned_to": "Assigned To",
}

// AuditRecorder appends field-level change rows. It must run inside the
// transaction of the mutation it documents.
type AuditRecorder struct {
	audits AuditRepository
	now    func() time.Time
}

func NewAuditRecorder(audits AuditRepository) *AuditRecorder {
	return &AuditRecorder{audits: audits, now: time.Now}
}

// Record appends one audit row for field on c, tied to c's current version.
// Empty values are stored as NULL.
func (r *AuditRecorder) Record(ctx context.Context, c *MedicalCase, field, oldValue, newValue string, changedBy int64) (*CaseAudit, error) {
	a := &CaseAudit{
		CaseID:        c.ID,
		CaseVersionID: c.CurrentVersionID,
		FieldName:     field,
		OldValue:      nullable(oldValue),
		NewValue:      nullable(newValue),
		ChangedAt:     r.now().UTC(),
	}
	if changedBy != 0 {
		a.ChangedBy = ptr(changedBy)
	}
	if err := r.audits.Append(ctx, a); err != nil {
		if !errors.Is(err, apperror.ErrPersistenceFailed) {
			err = fmt.Errorf("%w: %w", apperror.ErrPersistenceFailed, err)
		}
		return nil, fmt.Errorf("record %s audit for case %d: %w", field, c.ID, err)
	}
	return a, nil
}

// Trail returns the audit rows of a case, newest first.
func (r *AuditRecorder) Trail(ctx context.Context, caseID int64) ([]*CaseAudit, error) {
	return r.audits.ListByCase(ctx, caseID)
}

// Describe renders an audit row as `{Label} changed from "{old}" to "{new}"`.
// Values are written as stored, without escaping.
func Describe(a *CaseAudit) string {
	return fmt.Sprintf("%s changed from \"%s\" to \"%s\"", FieldLabel(a.FieldName), deref(a.OldValue), deref(a.NewValue))
}

// FieldLabel returns the display label of an audited field.
func FieldLabel(field string) string {
	if l, ok := auditLabels[field]; ok {
		return l
	}
	h := strings.TrimSpace(strings.ReplaceAll(field, "_", " "))
	if h == "" {
		return field
	}
	return strings.ToUpper(h[:1]) + h[1:]
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
