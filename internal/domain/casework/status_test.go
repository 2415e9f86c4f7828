package casework

import (
	"context"
	"errors"
	"testing"

	"github.com/meg/meg/internal/platform/apperror"
)

func TestOverallStatus_Grid(t *testing.T) {
	vocab := []Status{StatusDraft, StatusAssigned, StatusInProgress, StatusCompleted}
	has := func(tracks [3]Status, s Status) bool {
		return tracks[0] == s || tracks[1] == s || tracks[2] == s
	}

	for _, a := range vocab {
		for _, b := range vocab {
			for _, c := range vocab {
				tracks := [3]Status{a, b, c}
				var want Status
				switch {
				case has(tracks, StatusCompleted):
					want = StatusCompleted
				case has(tracks, StatusAssigned):
					want = StatusAssigned
				case has(tracks, StatusInProgress):
					want = StatusInProgress
				default:
					want = StatusDraft
				}
				if got := OverallStatus(a, b, c); got != want {
					t.Errorf("OverallStatus(%s, %s, %s) = %s, want %s", a, b, c, got, want)
				}
			}
		}
	}
}

func TestOverallStatus_Example(t *testing.T) {
	if got := OverallStatus(StatusDraft, StatusAssigned, StatusInProgress); got != StatusAssigned {
		t.Errorf("expected assigned, got %s", got)
	}
}

func TestOverallStatus_UnsetIsDraft(t *testing.T) {
	if got := OverallStatus("", "", ""); got != StatusDraft {
		t.Errorf("expected draft, got %s", got)
	}
	if got := OverallStatus("", StatusInProgress, ""); got != StatusInProgress {
		t.Errorf("expected in_progress, got %s", got)
	}
}

func TestOverallStatus_ReviewAndCancelled(t *testing.T) {
	tests := []struct {
		name       string
		t, s, d    Status
		wantStatus Status
	}{
		{"review beats in_progress", StatusReview, StatusInProgress, StatusDraft, StatusReview},
		{"assigned beats review", StatusReview, StatusAssigned, StatusDraft, StatusAssigned},
		{"completed beats review", StatusCompleted, StatusReview, StatusDraft, StatusCompleted},
		{"cancelled counts as draft", StatusCancelled, StatusDraft, StatusDraft, StatusDraft},
		{"cancelled does not hide progress", StatusCancelled, StatusInProgress, StatusCancelled, StatusInProgress},
		{"all cancelled", StatusCancelled, StatusCancelled, StatusCancelled, StatusCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OverallStatus(tt.t, tt.s, tt.d); got != tt.wantStatus {
				t.Errorf("got %s, want %s", got, tt.wantStatus)
			}
		})
	}
}

func TestStatusPresentation_CoversVocabulary(t *testing.T) {
	for _, s := range []Status{StatusDraft, StatusAssigned, StatusInProgress, StatusReview, StatusCompleted, StatusCancelled} {
		if StatusLabel(s) == string(s) {
			t.Errorf("missing label for %s", s)
		}
		if ColorClass(s) == "" {
			t.Errorf("missing color class for %s", s)
		}
	}
	if StatusLabel(StatusInProgress) != "In Progress" {
		t.Errorf("unexpected label %q", StatusLabel(StatusInProgress))
	}
	if PriorityLabel(PriorityUrgent) != "Urgent" {
		t.Errorf("unexpected priority label %q", PriorityLabel(PriorityUrgent))
	}
	if PriorityColor("bogus") != PriorityColor(PriorityMedium) {
		t.Error("expected unknown priority to fall back to medium color")
	}
}

func TestParseStatus(t *testing.T) {
	if s, err := ParseStatus("in_progress"); err != nil || s != StatusInProgress {
		t.Errorf("expected in_progress, got %s, %v", s, err)
	}
	if _, err := ParseStatus("done"); !errors.Is(err, apperror.ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestParseRole(t *testing.T) {
	if r, err := ParseRole("scientist"); err != nil || r != RoleScientist {
		t.Errorf("expected scientist, got %s, %v", r, err)
	}
	if _, err := ParseRole("nurse"); !errors.Is(err, apperror.ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}
	if RoleDoctor.Field() != "doctor_status" {
		t.Errorf("unexpected field %s", RoleDoctor.Field())
	}
}

func TestNextStep(t *testing.T) {
	c := &MedicalCase{}
	if r, ok := c.NextStep(); !ok || r != RoleTechnician {
		t.Errorf("expected technician, got %s %v", r, ok)
	}
	c.TechnicianStatus = StatusCompleted
	if r, _ := c.NextStep(); r != RoleScientist {
		t.Errorf("expected scientist, got %s", r)
	}
	c.ScientistStatus = StatusCancelled
	if r, _ := c.NextStep(); r != RoleDoctor {
		t.Errorf("expected doctor, got %s", r)
	}
	c.DoctorStatus = StatusCompleted
	if _, ok := c.NextStep(); ok {
		t.Error("expected no step once every track is closed")
	}
}

func TestSetRoleStatus_WritesOneAudit(t *testing.T) {
	svc, store, _ := newTestService(SkipUnchanged)
	c := seedCase(svc)

	updated, err := svc.SetRoleStatus(context.Background(), c.ID, RoleScientist, StatusInProgress, 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.ScientistStatus != StatusInProgress {
		t.Errorf("expected in_progress, got %s", updated.ScientistStatus)
	}

	stored := store.cases[c.ID]
	if stored.TechnicianStatus != StatusDraft || stored.DoctorStatus != StatusDraft {
		t.Error("other tracks must not change")
	}
	if stored.Status != StatusDraft {
		t.Error("global status must not change")
	}

	audits := store.auditsFor(c.ID, "scientist_status")
	if len(audits) != 1 {
		t.Fatalf("expected 1 audit, got %d", len(audits))
	}
	a := audits[0]
	if deref(a.OldValue) != "draft" || deref(a.NewValue) != "in_progress" {
		t.Errorf("unexpected audit values %q -> %q", deref(a.OldValue), deref(a.NewValue))
	}
	if a.ChangedBy == nil || *a.ChangedBy != 7 {
		t.Error("expected changed_by 7")
	}
	if a.CaseVersionID == nil || *a.CaseVersionID != *c.CurrentVersionID {
		t.Error("expected audit tied to the current version")
	}
}

func TestSetRoleStatus_NoOpSkipsAudit(t *testing.T) {
	svc, store, _ := newTestService(SkipUnchanged)
	c := seedCase(svc)
	ctx := context.Background()

	if _, err := svc.SetRoleStatus(ctx, c.ID, RoleDoctor, StatusReview, 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.SetRoleStatus(ctx, c.ID, RoleDoctor, StatusReview, 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := len(store.auditsFor(c.ID, "doctor_status")); n != 1 {
		t.Errorf("expected 1 audit under SkipUnchanged, got %d", n)
	}
}

func TestSetRoleStatus_NoOpAuditAlways(t *testing.T) {
	svc, store, _ := newTestService(AuditAlways)
	c := seedCase(svc)
	ctx := context.Background()

	if _, err := svc.SetRoleStatus(ctx, c.ID, RoleDoctor, StatusReview, 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.SetRoleStatus(ctx, c.ID, RoleDoctor, StatusReview, 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	audits := store.auditsFor(c.ID, "doctor_status")
	if len(audits) != 2 {
		t.Fatalf("expected 2 audits under AuditAlways, got %d", len(audits))
	}
	if deref(audits[1].OldValue) != "review" || deref(audits[1].NewValue) != "review" {
		t.Error("expected the repeat audit to carry equal values")
	}
}

func TestSetRoleStatus_InvalidStatus(t *testing.T) {
	svc, store, tx := newTestService(SkipUnchanged)
	c := seedCase(svc)
	before := len(store.audits)
	commits := tx.commits

	_, err := svc.SetRoleStatus(context.Background(), c.ID, RoleTechnician, "finished", 7)
	if !errors.Is(err, apperror.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if len(store.audits) != before || tx.commits != commits {
		t.Error("invalid status must not open a transaction or write")
	}
	if store.cases[c.ID].TechnicianStatus != StatusDraft {
		t.Error("track must be unchanged")
	}
}

func TestSetRoleStatus_UnknownRole(t *testing.T) {
	svc, _, _ := newTestService(SkipUnchanged)
	c := seedCase(svc)
	_, err := svc.SetRoleStatus(context.Background(), c.ID, Role("nurse"), StatusAssigned, 7)
	if !errors.Is(err, apperror.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestSetRoleStatus_NotFound(t *testing.T) {
	svc, _, _ := newTestService(SkipUnchanged)
	_, err := svc.SetRoleStatus(context.Background(), 999, RoleTechnician, StatusAssigned, 7)
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetRoleStatus_AuditFailureRollsBack(t *testing.T) {
	svc, store, tx := newTestService(SkipUnchanged)
	c := seedCase(svc)
	store.failAuditAppend = true

	_, err := svc.SetRoleStatus(context.Background(), c.ID, RoleTechnician, StatusCompleted, 7)
	if !errors.Is(err, apperror.ErrPersistenceFailed) {
		t.Fatalf("expected ErrPersistenceFailed, got %v", err)
	}
	if tx.rolls != 1 {
		t.Errorf("expected one rollback, got %d", tx.rolls)
	}
	if store.cases[c.ID].TechnicianStatus != StatusDraft {
		t.Error("status write must be rolled back with the failed audit")
	}
}

func TestSetGlobalStatus(t *testing.T) {
	svc, store, _ := newTestService(SkipUnchanged)
	c := seedCase(svc)

	if _, err := svc.SetGlobalStatus(context.Background(), c.ID, StatusCancelled, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.cases[c.ID].Status != StatusCancelled {
		t.Error("expected global status cancelled")
	}
	if store.cases[c.ID].TechnicianStatus != StatusDraft {
		t.Error("role tracks must not change")
	}
	if n := len(store.auditsFor(c.ID, "status")); n != 1 {
		t.Errorf("expected 1 status audit, got %d", n)
	}

	if _, err := svc.SetGlobalStatus(context.Background(), c.ID, "archived", 3); !errors.Is(err, apperror.ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}
}
