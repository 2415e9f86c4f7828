// Package workflow is the entry point for case mutations. It composes the
// case ledgers, user profiles, procedure scheduling and the document store,
// and emits activity and metrics once a change has committed.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/meg/meg/internal/domain/casework"
	"github.com/meg/meg/internal/domain/identity"
	"github.com/meg/meg/internal/domain/procedure"
	"github.com/meg/meg/internal/platform/activity"
	"github.com/meg/meg/internal/platform/apperror"
	"github.com/meg/meg/internal/platform/blobstore"
	"github.com/meg/meg/internal/platform/db"
	"github.com/meg/meg/internal/platform/telemetry"
)

// Cases is the slice of casework.Service the facade drives.
type Cases interface {
	CreateCase(ctx context.Context, c *casework.MedicalCase, createdBy int64) error
	UpdateCase(ctx context.Context, id int64, u casework.CaseUpdate, changedBy int64) (*casework.MedicalCase, error)
	GetCase(ctx context.Context, id int64) (*casework.MedicalCase, error)
	LockCase(ctx context.Context, id int64) (*casework.MedicalCase, error)
	SetRoleStatus(ctx context.Context, caseID int64, role casework.Role, status casework.Status, changedBy int64) (*casework.MedicalCase, error)
	SetGlobalStatus(ctx context.Context, caseID int64, status casework.Status, changedBy int64) (*casework.MedicalCase, error)
	Assign(ctx context.Context, caseID, byUserID int64, to casework.Assignee, step casework.Role, notes string) (*casework.CaseAssignment, error)
	CurrentAssignment(ctx context.Context, caseID int64) (*casework.CaseAssignment, error)
	AssignmentHistory(ctx context.Context, caseID int64) ([]*casework.CaseAssignment, error)
	AuditTrail(ctx context.Context, caseID int64) ([]*casework.CaseAudit, error)
}

// Users is the slice of identity.Service the facade drives.
type Users interface {
	GetUser(ctx context.Context, id int64) (*identity.User, error)
	RoleTypeOf(ctx context.Context, u *identity.User) (identity.RoleType, error)
	ChangeUserRole(ctx context.Context, userID, newRoleID int64, fields identity.FormFields) (*identity.User, identity.Profile, int64, error)
}

// Procedures is the slice of procedure.Service the facade drives.
type Procedures interface {
	Schedule(ctx context.Context, caseID, examProcedureID int64, scheduledAt time.Time, notes string) (*procedure.CaseProcedure, error)
	Advance(ctx context.Context, id int64, next procedure.Status) (*procedure.CaseProcedure, procedure.Status, error)
	Get(ctx context.Context, id int64) (*procedure.CaseProcedure, error)
	ListByCase(ctx context.Context, caseID int64) ([]*procedure.CaseProcedure, error)
	AttachDocument(ctx context.Context, procedureID int64, d *procedure.Document) (*procedure.CaseProcedure, error)
	GetDocument(ctx context.Context, id int64) (*procedure.Document, error)
	DeleteDocument(ctx context.Context, id int64) (*procedure.Document, error)
}

type Options struct {
	SignedURLTTL time.Duration
}

type Service struct {
	tx         db.Transactor
	cases      Cases
	users      Users
	procedures Procedures
	store      blobstore.Store
	activity   *activity.Recorder
	metrics    *telemetry.Metrics
	logger     zerolog.Logger
	urlTTL     time.Duration
	now        func() time.Time
}

func NewService(
	tx db.Transactor,
	cases Cases,
	users Users,
	procedures Procedures,
	store blobstore.Store,
	recorder *activity.Recorder,
	metrics *telemetry.Metrics,
	logger zerolog.Logger,
	opts Options,
) *Service {
	ttl := opts.SignedURLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Service{
		tx:         tx,
		cases:      cases,
		users:      users,
		procedures: procedures,
		store:      store,
		activity:   recorder,
		metrics:    metrics,
		logger:     logger.With().Str("component", "workflow").Logger(),
		urlTTL:     ttl,
		now:        time.Now,
	}
}

func (s *Service) observe(op string, start time.Time, err *error) {
	s.metrics.ObserveOperation(op, start, *err)
}

// -- Cases --

func (s *Service) CreateCase(ctx context.Context, c *casework.MedicalCase, byUserID int64) (err error) {
	defer s.observe("create_case", time.Now(), &err)

	if err = s.cases.CreateCase(ctx, c, byUserID); err != nil {
		return err
	}
	s.activity.Record(ctx, activity.EventCaseCreated, activity.Entry{
		ActorID:     byUserID,
		CaseID:      c.ID,
		Description: fmt.Sprintf("Case %d opened for patient %d", c.ID, c.PatientID),
		Data: map[string]interface{}{
			"hospital_id": c.HospitalID,
			"patient_id":  c.PatientID,
			"priority":    string(c.Priority),
		},
	})
	return nil
}

func (s *Service) UpdateCase(ctx context.Context, caseID int64, u casework.CaseUpdate, byUserID int64) (out *casework.MedicalCase, err error) {
	defer s.observe("update_case", time.Now(), &err)

	out, err = s.cases.UpdateCase(ctx, caseID, u, byUserID)
	if err != nil {
		return nil, err
	}
	s.activity.Record(ctx, activity.EventCaseUpdated, activity.Entry{
		ActorID:     byUserID,
		CaseID:      caseID,
		Description: fmt.Sprintf("Case %d updated", caseID),
		Data:        map[string]interface{}{"hospital_id": out.HospitalID, "version_id": out.CurrentVersionID},
	})
	return out, nil
}

// PromoteCase hands the case to toUserID for its next open step. The step is
// the first of technician, scientist and doctor whose track is neither
// completed nor cancelled, and the assignee must hold that role. The
// assignment, the step track and the global status (draft to assigned) commit
// together.
func (s *Service) PromoteCase(ctx context.Context, caseID, byUserID, toUserID int64, notes string) (out *casework.CaseAssignment, err error) {
	defer s.observe("promote_case", time.Now(), &err)

	var (
		step     casework.Role
		hospital int64
	)
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := s.cases.LockCase(ctx, caseID)
		if err != nil {
			return err
		}
		hospital = c.HospitalID
		var ok bool
		if step, ok = c.NextStep(); !ok {
			return fmt.Errorf("%w: case %d has no open step", apperror.ErrNotEligible, caseID)
		}

		assignee, err := s.users.GetUser(ctx, toUserID)
		if err != nil {
			return err
		}
		if h := assignee.ProfileHospital(); h != 0 && h != c.HospitalID {
			return fmt.Errorf("%w: user %d belongs to hospital %d", apperror.ErrNotEligible, toUserID, h)
		}
		roleType, err := s.users.RoleTypeOf(ctx, assignee)
		if err != nil {
			return err
		}

		out, err = s.cases.Assign(ctx, caseID, byUserID,
			casework.Assignee{UserID: toUserID, RoleType: string(roleType)}, step, notes)
		if err != nil {
			return err
		}
		if c.RoleStatus(step) == casework.StatusDraft {
			if _, err := s.cases.SetRoleStatus(ctx, caseID, step, casework.StatusAssigned, byUserID); err != nil {
				return err
			}
		}
		if c.Status == casework.StatusDraft || c.Status == "" {
			if _, err := s.cases.SetGlobalStatus(ctx, caseID, casework.StatusAssigned, byUserID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.activity.Record(ctx, activity.EventCasePromoted, activity.Entry{
		ActorID:     byUserID,
		CaseID:      caseID,
		Description: fmt.Sprintf("Case %d assigned to user %d for the %s step", caseID, toUserID, step),
		Data: map[string]interface{}{
			"hospital_id":   hospital,
			"assigned_to":   toUserID,
			"step":          string(step),
			"assignment_id": out.ID,
		},
	})
	return out, nil
}

// SetRoleStatus writes one role track of a case.
func (s *Service) SetRoleStatus(ctx context.Context, caseID int64, role, status string, byUserID int64) (out *casework.MedicalCase, err error) {
	defer s.observe("set_role_status", time.Now(), &err)

	r, err := casework.ParseRole(role)
	if err != nil {
		return nil, err
	}
	st, err := casework.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	out, err = s.cases.SetRoleStatus(ctx, caseID, r, st, byUserID)
	if err != nil {
		return nil, err
	}

	overall := out.OverallStatus()
	s.activity.Record(ctx, activity.EventCaseStatusChanged, activity.Entry{
		ActorID:     byUserID,
		CaseID:      caseID,
		Description: fmt.Sprintf("Case %d %s set to %s", caseID, casework.FieldLabel(r.Field()), casework.StatusLabel(st)),
		Data: map[string]interface{}{
			"hospital_id":    out.HospitalID,
			"field":          r.Field(),
			"status":         string(st),
			"overall_status": string(overall),
		},
	})
	return out, nil
}

// -- Users --

// ChangeUserRole moves a user to another role and resynchronizes their
// specialized profile in the same transaction.
func (s *Service) ChangeUserRole(ctx context.Context, userID, newRoleID int64, fields identity.FormFields, byUserID int64) (u *identity.User, p identity.Profile, err error) {
	defer s.observe("change_user_role", time.Now(), &err)

	u, p, previous, err := s.users.ChangeUserRole(ctx, userID, newRoleID, fields)
	if err != nil {
		return nil, nil, err
	}
	data := map[string]interface{}{"previous_role_id": previous, "role_id": newRoleID}
	if p != nil {
		data["profile_type"] = string(p.RoleType())
	}
	s.activity.Record(ctx, activity.EventUserRoleChanged, activity.Entry{
		ActorID:     byUserID,
		Description: fmt.Sprintf("User %d moved from role %d to role %d", userID, previous, newRoleID),
		Data:        data,
	})
	return u, p, nil
}

// -- Procedures --

func (s *Service) ScheduleProcedure(ctx context.Context, caseID, examProcedureID int64, scheduledAt time.Time, notes string, byUserID int64) (out *procedure.CaseProcedure, err error) {
	defer s.observe("schedule_procedure", time.Now(), &err)

	out, err = s.procedures.Schedule(ctx, caseID, examProcedureID, scheduledAt, notes)
	if err != nil {
		return nil, err
	}
	s.activity.Record(ctx, activity.EventProcedureScheduled, activity.Entry{
		ActorID:     byUserID,
		CaseID:      caseID,
		Description: fmt.Sprintf("Exam/procedure %d scheduled on case %d for %s", examProcedureID, caseID, out.ScheduledAt.Format(time.RFC3339)),
		Data: map[string]interface{}{
			"procedure_id":      out.ID,
			"exam_procedure_id": examProcedureID,
			"scheduled_at":      out.ScheduledAt,
		},
	})
	return out, nil
}

func (s *Service) AdvanceProcedure(ctx context.Context, procedureID int64, status string, byUserID int64) (out *procedure.CaseProcedure, err error) {
	defer s.observe("advance_procedure", time.Now(), &err)

	next, err := procedure.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	out, from, err := s.procedures.Advance(ctx, procedureID, next)
	if err != nil {
		return nil, err
	}
	s.activity.Record(ctx, activity.EventProcedureStatusChanged, activity.Entry{
		ActorID:     byUserID,
		CaseID:      out.CaseID,
		Description: fmt.Sprintf("Procedure %d changed from %s to %s", procedureID, from.Label(), next.Label()),
		Data:        map[string]interface{}{"procedure_id": procedureID, "from": string(from), "to": string(next)},
	})
	return out, nil
}

// -- Documents --

// DocumentUpload is a file posted against a procedure.
type DocumentUpload struct {
	DocumentType string
	FileName     string
	ContentType  string
	Body         io.Reader
}

// UploadProcedureDocument stores the file under the case's prefix and then
// attaches it to the procedure. When the attach fails the stored object is
// removed again.
func (s *Service) UploadProcedureDocument(ctx context.Context, procedureID int64, in DocumentUpload, byUserID int64) (out *procedure.CaseProcedure, doc *procedure.Document, err error) {
	defer s.observe("upload_document", time.Now(), &err)

	p, err := s.procedures.Get(ctx, procedureID)
	if err != nil {
		return nil, nil, err
	}
	c, err := s.cases.GetCase(ctx, p.CaseID)
	if err != nil {
		return nil, nil, err
	}

	obj, err := s.store.Upload(ctx, blobstore.UploadInput{
		CaseID:       c.ID,
		PatientID:    c.PatientID,
		DocumentType: in.DocumentType,
		FileName:     in.FileName,
		ContentType:  in.ContentType,
		Body:         in.Body,
	})
	if err != nil {
		return nil, nil, storeError(err)
	}

	doc = &procedure.Document{
		PatientID:    c.PatientID,
		DocumentType: in.DocumentType,
		FileName:     in.FileName,
		Path:         obj.Path,
		Size:         obj.Size,
		MimeType:     obj.MimeType,
	}
	if byUserID != 0 {
		doc.UploadedBy = &byUserID
	}
	out, err = s.procedures.AttachDocument(ctx, procedureID, doc)
	if err != nil {
		if _, delErr := s.store.Delete(ctx, obj.Path); delErr != nil {
			s.logger.Error().Err(delErr).Str("path", obj.Path).Msg("failed to remove orphaned document")
		}
		return nil, nil, err
	}

	s.activity.Record(ctx, activity.EventDocumentUploaded, activity.Entry{
		ActorID:     byUserID,
		CaseID:      c.ID,
		Description: fmt.Sprintf("%s uploaded to procedure %d", in.FileName, procedureID),
		Data: map[string]interface{}{
			"hospital_id":   c.HospitalID,
			"procedure_id":  procedureID,
			"document_id":   doc.ID,
			"document_type": in.DocumentType,
			"size":          obj.Size,
			"mime_type":     obj.MimeType,
		},
	})
	return out, doc, nil
}

// DeleteDocument removes the document row, then the stored object. A store
// failure is logged; the row is already gone.
func (s *Service) DeleteDocument(ctx context.Context, documentID, byUserID int64) (err error) {
	defer s.observe("delete_document", time.Now(), &err)

	d, err := s.procedures.DeleteDocument(ctx, documentID)
	if err != nil {
		return err
	}
	removed, delErr := s.store.Delete(ctx, d.Path)
	switch {
	case delErr != nil:
		s.logger.Error().Err(delErr).Str("path", d.Path).Int64("document_id", documentID).Msg("failed to delete stored document")
	case !removed:
		s.logger.Warn().Str("path", d.Path).Int64("document_id", documentID).Msg("stored document was already missing")
	}

	s.activity.Record(ctx, activity.EventDocumentDeleted, activity.Entry{
		ActorID:     byUserID,
		CaseID:      d.CaseID,
		Description: fmt.Sprintf("%s deleted", d.FileName),
		Data:        map[string]interface{}{"document_id": documentID, "path": d.Path, "object_removed": removed},
	})
	return nil
}

// DocumentLink is a time-limited download URL.
type DocumentLink struct {
	DocumentID int64     `json:"document_id"`
	FileName   string    `json:"file_name"`
	URL        string    `json:"url"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (s *Service) DocumentURL(ctx context.Context, documentID int64) (link *DocumentLink, err error) {
	defer s.observe("document_url", time.Now(), &err)

	d, err := s.procedures.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	url, err := s.store.SignedURL(ctx, d.Path, s.urlTTL)
	if err != nil {
		return nil, storeError(err)
	}
	return &DocumentLink{
		DocumentID: d.ID,
		FileName:   d.FileName,
		URL:        url,
		ExpiresAt:  s.now().UTC().Add(s.urlTTL),
	}, nil
}

// storeError maps document store failures onto the shared error kinds.
func storeError(err error) error {
	switch {
	case errors.Is(err, blobstore.ErrBlobNotFound):
		return fmt.Errorf("%w: %v", apperror.ErrNotFound, err)
	case errors.Is(err, blobstore.ErrFileTooLarge),
		errors.Is(err, blobstore.ErrInvalidContentType),
		errors.Is(err, blobstore.ErrMissingFileName),
		errors.Is(err, blobstore.ErrInvalidKey):
		return fmt.Errorf("%w: %v", apperror.ErrValidationFailed, err)
	default:
		return err
	}
}

// -- Timeline --

// Timeline is everything a case board shows for one case.
type Timeline struct {
	Case        *casework.CaseView         `json:"case"`
	Current     *casework.CaseAssignment   `json:"current_assignment"`
	Assignments []*casework.CaseAssignment `json:"assignments"`
	Audits      []*casework.AuditView      `json:"audits"`
	Procedures  []*procedure.ProcedureView `json:"procedures"`
}

func (s *Service) CaseTimeline(ctx context.Context, caseID int64) (*Timeline, error) {
	c, err := s.cases.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	current, err := s.cases.CurrentAssignment(ctx, caseID)
	if err != nil {
		return nil, err
	}
	history, err := s.cases.AssignmentHistory(ctx, caseID)
	if err != nil {
		return nil, err
	}
	audits, err := s.cases.AuditTrail(ctx, caseID)
	if err != nil {
		return nil, err
	}
	procs, err := s.procedures.ListByCase(ctx, caseID)
	if err != nil {
		return nil, err
	}

	views := make([]*casework.AuditView, len(audits))
	for i, a := range audits {
		views[i] = casework.NewAuditView(a)
	}
	if history == nil {
		history = []*casework.CaseAssignment{}
	}
	pviews := make([]*procedure.ProcedureView, len(procs))
	for i, p := range procs {
		pviews[i] = procedure.NewProcedureView(p)
	}
	return &Timeline{
		Case:        casework.NewCaseView(c),
		Current:     current,
		Assignments: history,
		Audits:      views,
		Procedures:  pviews,
	}, nil
}
