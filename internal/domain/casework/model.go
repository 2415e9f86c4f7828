package casework

import "time"

// Status is shared by the global case flag and the three role tracks.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Role names one of the three professional tracks on a case.
type Role string

const (
	RoleTechnician Role = "technician"
	RoleScientist  Role = "scientist"
	RoleDoctor     Role = "doctor"
)

// Roles lists the tracks in the order a case is handed between them.
var Roles = []Role{RoleTechnician, RoleScientist, RoleDoctor}

// Field is the column and audit field name of the role's track.
func (r Role) Field() string { return string(r) + "_status" }

// MedicalCase maps to the medical_cases table.
type MedicalCase struct {
	ID               int64     `db:"id" json:"id"`
	HospitalID       int64     `db:"hospital_id" json:"hospital_id"`
	PatientID        int64     `db:"patient_id" json:"patient_id"`
	DepartmentID     *int64    `db:"department_id" json:"department_id,omitempty"`
	AssignedTo       *int64    `db:"assigned_to" json:"assigned_to,omitempty"`
	CurrentVersionID *int64    `db:"current_version_id" json:"current_version_id,omitempty"`
	CreatedBy        *int64    `db:"created_by" json:"created_by,omitempty"`
	CaseDate         time.Time `db:"case_date" json:"case_date"`
	Priority         Priority  `db:"priority" json:"priority"`
	Notes            *string   `db:"notes" json:"notes,omitempty"`
	Symptoms         *string   `db:"symptoms" json:"symptoms,omitempty"`
	Status           Status    `db:"status" json:"status"`
	TechnicianStatus Status    `db:"technician_status" json:"technician_status"`
	ScientistStatus  Status    `db:"scientist_status" json:"scientist_status"`
	DoctorStatus     Status    `db:"doctor_status" json:"doctor_status"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// RoleStatus returns the role's track, draft when unset.
func (c *MedicalCase) RoleStatus(r Role) Status {
	var s Status
	switch r {
	case RoleTechnician:
		s = c.TechnicianStatus
	case RoleScientist:
		s = c.ScientistStatus
	case RoleDoctor:
		s = c.DoctorStatus
	}
	if s == "" {
		return StatusDraft
	}
	return s
}

func (c *MedicalCase) setRoleStatus(r Role, s Status) {
	switch r {
	case RoleTechnician:
		c.TechnicianStatus = s
	case RoleScientist:
		c.ScientistStatus = s
	case RoleDoctor:
		c.DoctorStatus = s
	}
}

// OverallStatus derives the display status from the three tracks.
func (c *MedicalCase) OverallStatus() Status {
	return OverallStatus(c.RoleStatus(RoleTechnician), c.RoleStatus(RoleScientist), c.RoleStatus(RoleDoctor))
}

// NextStep returns the first track, in hand-off order, that is neither
// completed nor cancelled. ok is false once every track is closed.
func (c *MedicalCase) NextStep() (Role, bool) {
	for _, r := range Roles {
		switch c.RoleStatus(r) {
		case StatusCompleted, StatusCancelled:
			continue
		}
		return r, true
	}
	return "", false
}

// CaseVersion maps to case_versions. Rows are never updated.
type CaseVersion struct {
	ID            int64                  `db:"id" json:"id"`
	CaseID        int64                  `db:"case_id" json:"case_id"`
	VersionNumber int                    `db:"version_number" json:"version_number"`
	CreatedBy     *int64                 `db:"created_by" json:"created_by,omitempty"`
	Snapshot      map[string]interface{} `db:"snapshot" json:"snapshot"`
	CreatedAt     time.Time              `db:"created_at" json:"created_at"`
}

// CaseAssignment maps to case_assignments. Rows are never updated.
type CaseAssignment struct {
	ID            int64     `db:"id" json:"id"`
	CaseID        int64     `db:"case_id" json:"case_id"`
	CaseVersionID *int64    `db:"case_version_id" json:"case_version_id,omitempty"`
	AssignedBy    int64     `db:"assigned_by" json:"assigned_by"`
	AssignedTo    int64     `db:"assigned_to" json:"assigned_to"`
	AssignedAt    time.Time `db:"assigned_at" json:"assigned_at"`
	Notes         *string   `db:"notes" json:"notes,omitempty"`
}

// CaseAudit maps to case_audits. Rows are never updated.
type CaseAudit struct {
	ID            int64     `db:"id" json:"id"`
	CaseID        int64     `db:"case_id" json:"case_id"`
	CaseVersionID *int64    `db:"case_version_id" json:"case_version_id,omitempty"`
	FieldName     string    `db:"field_name" json:"field_name"`
	OldValue      *string   `db:"old_value" json:"old_value,omitempty"`
	NewValue      *string   `db:"new_value" json:"new_value,omitempty"`
	ChangedBy     *int64    `db:"changed_by" json:"changed_by,omitempty"`
	ChangedAt     time.Time `db:"changed_at" json:"changed_at"`
}

// ListFilter narrows ListCases. Zero values match everything.
type ListFilter struct {
	HospitalID int64
	Status     Status
	AssignedTo int64
}

// CaseUpdate carries the case-defining fields an edit may change. nil fields
// are left alone.
type CaseUpdate struct {
	PatientID    *int64     `json:"patient_id,omitempty"`
	DepartmentID *int64     `json:"department_id,omitempty"`
	CaseDate     *time.Time `json:"case_date,omitempty"`
	Priority     *Priority  `json:"priority,omitempty"`
	Notes        *string    `json:"notes,omitempty"`
	Symptoms     *string    `json:"symptoms,omitempty"`
}

func ptr[T any](v T) *T { return &v }
