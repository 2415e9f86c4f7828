package procedure

import "context"

type CatalogRepository interface {
	Create(ctx context.Context, e *ExamProcedure) error
	GetByID(ctx context.Context, id int64) (*ExamProcedure, error)
	// List returns the hospital's catalog; hospitalID 0 lists every hospital.
	List(ctx context.Context, hospitalID int64, activeOnly bool, limit, offset int) ([]*ExamProcedure, int, error)
}

type CaseProcedureRepository interface {
	Create(ctx context.Context, p *CaseProcedure) error
	GetByID(ctx context.Context, id int64) (*CaseProcedure, error)
	GetForUpdate(ctx context.Context, id int64) (*CaseProcedure, error)
	SetStatus(ctx context.Context, id int64, status Status) error
	// ListByCase orders by scheduled_at, id.
	ListByCase(ctx context.Context, caseID int64) ([]*CaseProcedure, error)
}

type DocumentRepository interface {
	Create(ctx context.Context, d *Document) error
	GetByID(ctx context.Context, id int64) (*Document, error)
	ListByProcedure(ctx context.Context, procedureID int64) ([]*Document, error)
	ListByCase(ctx context.Context, caseID int64) ([]*Document, error)
	Delete(ctx context.Context, id int64) error
}

type Repositories struct {
	Catalog    CatalogRepository
	Procedures CaseProcedureRepository
	Documents  DocumentRepository
}
