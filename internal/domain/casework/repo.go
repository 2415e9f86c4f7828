package casework

import "context"

type CaseRepository interface {
	Create(ctx context.Context, c *MedicalCase) error
	GetByID(ctx context.Context, id int64) (*MedicalCase, error)
	// GetForUpdate reads the case and locks its row until the surrounding
	// transaction ends.
	GetForUpdate(ctx context.Context, id int64) (*MedicalCase, error)
	Update(ctx context.Context, c *MedicalCase) error
	SetRoleStatus(ctx context.Context, id int64, role Role, status Status) error
	SetStatus(ctx context.Context, id int64, status Status) error
	SetAssignedTo(ctx context.Context, id int64, userID int64) error
	SetCurrentVersion(ctx context.Context, id int64, versionID int64) error
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*MedicalCase, int, error)
}

type VersionRepository interface {
	// Create assigns the next version_number for the case.
	Create(ctx context.Context, v *CaseVersion) error
	ListByCase(ctx context.Context, caseID int64) ([]*CaseVersion, error)
}

type AssignmentRepository interface {
	Append(ctx context.Context, a *CaseAssignment) error
	// Latest returns nil without error when the case was never assigned.
	Latest(ctx context.Context, caseID int64) (*CaseAssignment, error)
	// ListByCase orders by assigned_at DESC, id DESC.
	ListByCase(ctx context.Context, caseID int64) ([]*CaseAssignment, error)
}

type AuditRepository interface {
	Append(ctx context.Context, a *CaseAudit) error
	ListByCase(ctx context.Context, caseID int64) ([]*CaseAudit, error)
}

// Repositories bundles the storage of the casework package.
type Repositories struct {
	Cases       CaseRepository
	Versions    VersionRepository
	Assignments AssignmentRepository
	Audits      AuditRepository
}
