package procedure

import (
	"fmt"
	"time"

	"github.com/meg/meg/internal/platform/apperror"
)

// Status is the lifecycle of a procedure scheduled for a case.
type Status string

const (
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// allowedStatusTransitions lists the statuses reachable from each status.
// completed and cancelled are terminal.
var allowedStatusTransitions = map[Status]map[Status]bool{
	StatusPending:    {StatusScheduled: true, StatusCancelled: true},
	StatusScheduled:  {StatusInProgress: true, StatusCancelled: true},
	StatusInProgress: {StatusCompleted: true, StatusCancelled: true},
	StatusCompleted:  {},
	StatusCancelled:  {},
}

var statusLabels = map[Status]string{
	StatusPending:    "Pending",
	StatusScheduled:  "Scheduled",
	StatusInProgress: "In Progress",
	StatusCompleted:  "Completed",
	StatusCancelled:  "Cancelled",
}

func (s Status) Valid() bool {
	_, ok := allowedStatusTransitions[s]
	return ok
}

// Terminal reports whether no further transition leaves s.
func (s Status) Terminal() bool {
	return s.Valid() && len(allowedStatusTransitions[s]) == 0
}

// CanTransition reports whether a procedure may move from s to next.
func (s Status) CanTransition(next Status) bool {
	return allowedStatusTransitions[s][next]
}

func (s Status) Label() string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return string(s)
}

// ParseStatus validates a raw status value.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: procedure status %q", apperror.ErrInvalidStatus, s)
	}
	return st, nil
}

// Kind separates diagnostic exams from interventions in the catalog.
type Kind string

const (
	KindExam      Kind = "exam"
	KindProcedure Kind = "procedure"
)

func (k Kind) Valid() bool {
	return k == KindExam || k == KindProcedure
}

// ExamProcedure maps to the exam_procedures catalog table.
type ExamProcedure struct {
	ID         int64     `db:"id" json:"id"`
	HospitalID int64     `db:"hospital_id" json:"hospital_id"`
	Name       string    `db:"name" json:"name"`
	Kind       Kind      `db:"kind" json:"kind"`
	Code       *string   `db:"code" json:"code,omitempty"`
	Active     bool      `db:"active" json:"active"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// CaseProcedure maps to cases_exams_procedures: one exam or procedure
// ordered for a case.
type CaseProcedure struct {
	ID              int64       `db:"id" json:"id"`
	CaseID          int64       `db:"case_id" json:"case_id"`
	ExamProcedureID int64       `db:"exam_procedure_id" json:"exam_procedure_id"`
	ScheduledAt     time.Time   `db:"scheduled_at" json:"scheduled_at"`
	Status          Status      `db:"status" json:"status"`
	Notes           *string     `db:"notes" json:"notes,omitempty"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time   `db:"updated_at" json:"updated_at"`
	Documents       []*Document `db:"-" json:"documents"`
}

func (p *CaseProcedure) HasDocuments() bool { return len(p.Documents) > 0 }

func (p *CaseProcedure) DocumentCount() int { return len(p.Documents) }

// Document maps to the documents table. Path is the key in the document
// store.
type Document struct {
	ID              int64     `db:"id" json:"id"`
	CaseID          int64     `db:"case_id" json:"case_id"`
	PatientID       int64     `db:"patient_id" json:"patient_id"`
	CaseProcedureID *int64    `db:"case_procedure_id" json:"case_procedure_id,omitempty"`
	DocumentType    string    `db:"document_type" json:"document_type"`
	FileName        string    `db:"file_name" json:"file_name"`
	Path            string    `db:"path" json:"path"`
	Size            int64     `db:"size" json:"size"`
	MimeType        string    `db:"mime_type" json:"mime_type"`
	UploadedBy      *int64    `db:"uploaded_by" json:"uploaded_by,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

func (d *Document) Validate() error {
	if d.CaseID == 0 {
		return fmt.Errorf("%w: document case_id is required", apperror.ErrValidationFailed)
	}
	if d.DocumentType == "" {
		return fmt.Errorf("%w: document_type is required", apperror.ErrValidationFailed)
	}
	if d.FileName == "" || d.Path == "" {
		return fmt.Errorf("%w: document file_name and path are required", apperror.ErrValidationFailed)
	}
	return nil
}
