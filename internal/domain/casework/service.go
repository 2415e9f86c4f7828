package casework

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/meg/meg/internal/platform/apperror"
	"github.com/meg/meg/internal/platform/db"
)

const dateLayout = "2006-01-02"

// Service owns case records, their versions, and the status, assignment and
// audit ledgers built on them.
type Service struct {
	tx       db.Transactor
	cases    CaseRepository
	versions VersionRepository
	audit    *AuditRecorder
	status   *StatusEngine
	ledger   *Ledger
	now      func() time.Time
}

func NewService(tx db.Transactor, repos Repositories, policy NoOpPolicy) *Service {
	audit := NewAuditRecorder(repos.Audits)
	return &Service{
		tx:       tx,
		cases:    repos.Cases,
		versions: repos.Versions,
		audit:    audit,
		status:   NewStatusEngine(tx, repos.Cases, audit, policy),
		ledger:   NewLedger(tx, repos.Cases, repos.Assignments, audit),
		now:      time.Now,
	}
}

// CreateCase opens a case with every track in draft and commits version 1.
func (s *Service) CreateCase(ctx context.Context, c *MedicalCase, createdBy int64) error {
	if c.HospitalID == 0 {
		return fmt.Errorf("%w: hospital_id is required", apperror.ErrValidationFailed)
	}
	if c.PatientID == 0 {
		return fmt.Errorf("%w: patient_id is required", apperror.ErrValidationFailed)
	}
	if c.Priority == "" {
		c.Priority = PriorityMedium
	}
	if !c.Priority.Valid() {
		return fmt.Errorf("%w: invalid priority %q", apperror.ErrValidationFailed, c.Priority)
	}
	if c.CaseDate.IsZero() {
		c.CaseDate = s.now().UTC().Truncate(24 * time.Hour)
	}
	c.Status = StatusDraft
	c.TechnicianStatus = StatusDraft
	c.ScientistStatus = StatusDraft
	c.DoctorStatus = StatusDraft
	c.AssignedTo = nil
	if createdBy != 0 {
		c.CreatedBy = ptr(createdBy)
	}

	return s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.cases.Create(ctx, c); err != nil {
			return err
		}
		_, err := s.commitVersion(ctx, c, createdBy)
		return err
	})
}

func (s *Service) GetCase(ctx context.Context, id int64) (*MedicalCase, error) {
	return s.cases.GetByID(ctx, id)
}

// LockCase reads the case under a row lock. Only meaningful inside InTx.
func (s *Service) LockCase(ctx context.Context, id int64) (*MedicalCase, error) {
	return s.cases.GetForUpdate(ctx, id)
}

func (s *Service) ListCases(ctx context.Context, f ListFilter, limit, offset int) ([]*MedicalCase, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: %q", apperror.ErrInvalidStatus, f.Status)
	}
	return s.cases.List(ctx, f, limit, offset)
}

type fieldChange struct {
	field    string
	from, to string
}

// UpdateCase applies an edit, commits a new version and writes one audit
// row per changed field. An edit that changes nothing writes nothing.
func (s *Service) UpdateCase(ctx context.Context, id int64, u CaseUpdate, changedBy int64) (*MedicalCase, error) {
	if u.Priority != nil && !u.Priority.Valid() {
		return nil, fmt.Errorf("%w: invalid priority %q", apperror.ErrValidationFailed, *u.Priority)
	}
	if u.PatientID != nil && *u.PatientID == 0 {
		return nil, fmt.Errorf("%w: patient_id is required", apperror.ErrValidationFailed)
	}

	var out *MedicalCase
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := s.cases.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		changes := applyUpdate(c, u)
		if len(changes) == 0 {
			out = c
			return nil
		}
		if err := s.cases.Update(ctx, c); err != nil {
			return err
		}
		if _, err := s.commitVersion(ctx, c, changedBy); err != nil {
			return err
		}
		for _, ch := range changes {
			if _, err := s.audit.Record(ctx, c, ch.field, ch.from, ch.to, changedBy); err != nil {
				return err
			}
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func applyUpdate(c *MedicalCase, u CaseUpdate) []fieldChange {
	var changes []fieldChange
	if u.PatientID != nil && *u.PatientID != c.PatientID {
		changes = append(changes, fieldChange{"patient_id", formatID(&c.PatientID), formatID(u.PatientID)})
		c.PatientID = *u.PatientID
	}
	if u.DepartmentID != nil && (c.DepartmentID == nil || *c.DepartmentID != *u.DepartmentID) {
		changes = append(changes, fieldChange{"department_id", formatID(c.DepartmentID), formatID(u.DepartmentID)})
		c.DepartmentID = ptr(*u.DepartmentID)
	}
	if u.CaseDate != nil && u.CaseDate.Format(dateLayout) != c.CaseDate.Format(dateLayout) {
		changes = append(changes, fieldChange{"case_date", c.CaseDate.Format(dateLayout), u.CaseDate.Format(dateLayout)})
		c.CaseDate = *u.CaseDate
	}
	if u.Priority != nil && *u.Priority != c.Priority {
		changes = append(changes, fieldChange{"priority", string(c.Priority), string(*u.Priority)})
		c.Priority = *u.Priority
	}
	if u.Notes != nil && *u.Notes != deref(c.Notes) {
		changes = append(changes, fieldChange{"notes", deref(c.Notes), *u.Notes})
		c.Notes = nullable(*u.Notes)
	}
	if u.Symptoms != nil && *u.Symptoms != deref(c.Symptoms) {
		changes = append(changes, fieldChange{"symptoms", deref(c.Symptoms), *u.Symptoms})
		c.Symptoms = nullable(*u.Symptoms)
	}
	return changes
}

func formatID(id *int64) string {
	if id == nil {
		return ""
	}
	return strconv.FormatInt(*id, 10)
}

// commitVersion snapshots c as its next version and moves the case's
// current_version pointer to it.
func (s *Service) commitVersion(ctx context.Context, c *MedicalCase, createdBy int64) (*CaseVersion, error) {
	v := &CaseVersion{
		CaseID:    c.ID,
		Snapshot:  Snapshot(c),
		CreatedAt: s.now().UTC(),
	}
	if createdBy != 0 {
		v.CreatedBy = ptr(createdBy)
	}
	if err := s.versions.Create(ctx, v); err != nil {
		return nil, err
	}
	if err := s.cases.SetCurrentVersion(ctx, c.ID, v.ID); err != nil {
		return nil, err
	}
	c.CurrentVersionID = ptr(v.ID)
	return v, nil
}

// Snapshot captures the case-defining fields stored with a version.
func Snapshot(c *MedicalCase) map[string]interface{} {
	snap := map[string]interface{}{
		"hospital_id": c.HospitalID,
		"patient_id":  c.PatientID,
		"case_date":   c.CaseDate.Format(dateLayout),
		"priority":    string(c.Priority),
	}
	if c.DepartmentID != nil {
		snap["department_id"] = *c.DepartmentID
	}
	if c.Notes != nil {
		snap["notes"] = *c.Notes
	}
	if c.Symptoms != nil {
		snap["symptoms"] = *c.Symptoms
	}
	return snap
}

func (s *Service) Versions(ctx context.Context, caseID int64) ([]*CaseVersion, error) {
	if _, err := s.cases.GetByID(ctx, caseID); err != nil {
		return nil, err
	}
	return s.versions.ListByCase(ctx, caseID)
}

// -- Status engine --

func (s *Service) SetRoleStatus(ctx context.Context, caseID int64, role Role, status Status, changedBy int64) (*MedicalCase, error) {
	return s.status.SetRoleStatus(ctx, caseID, role, status, changedBy)
}

func (s *Service) SetGlobalStatus(ctx context.Context, caseID int64, status Status, changedBy int64) (*MedicalCase, error) {
	return s.status.SetGlobalStatus(ctx, caseID, status, changedBy)
}

// -- Assignment ledger --

func (s *Service) Assign(ctx context.Context, caseID, byUserID int64, to Assignee, step Role, notes string) (*CaseAssignment, error) {
	return s.ledger.Assign(ctx, caseID, byUserID, to, step, notes)
}

func (s *Service) CurrentAssignment(ctx context.Context, caseID int64) (*CaseAssignment, error) {
	return s.ledger.Current(ctx, caseID)
}

func (s *Service) AssignmentHistory(ctx context.Context, caseID int64) ([]*CaseAssignment, error) {
	return s.ledger.History(ctx, caseID)
}

// -- Audit trail --

func (s *Service) AuditTrail(ctx context.Context, caseID int64) ([]*CaseAudit, error) {
	if _, err := s.cases.GetByID(ctx, caseID); err != nil {
		return nil, err
	}
	return s.audit.Trail(ctx, caseID)
}
