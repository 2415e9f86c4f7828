package procedure

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/meg/meg/internal/domain/casework"
	"github.com/meg/meg/internal/platform/apperror"
	"github.com/meg/meg/internal/platform/db"
)

// CaseReader resolves the case a procedure is scheduled for.
type CaseReader interface {
	GetCase(ctx context.Context, id int64) (*casework.MedicalCase, error)
}

type Service struct {
	tx         db.Transactor
	catalog    CatalogRepository
	procedures CaseProcedureRepository
	documents  DocumentRepository
	cases      CaseReader
}

func NewService(tx db.Transactor, repos Repositories, cases CaseReader) *Service {
	return &Service{
		tx:         tx,
		catalog:    repos.Catalog,
		procedures: repos.Procedures,
		documents:  repos.Documents,
		cases:      cases,
	}
}

// -- Catalog --

func (s *Service) CreateExamProcedure(ctx context.Context, e *ExamProcedure) error {
	e.Name = strings.TrimSpace(e.Name)
	if e.Name == "" {
		return fmt.Errorf("%w: name is required", apperror.ErrValidationFailed)
	}
	if e.HospitalID == 0 {
		return fmt.Errorf("%w: hospital_id is required", apperror.ErrValidationFailed)
	}
	if e.Kind == "" {
		e.Kind = KindExam
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: invalid kind %q", apperror.ErrValidationFailed, e.Kind)
	}
	return s.catalog.Create(ctx, e)
}

func (s *Service) GetExamProcedure(ctx context.Context, id int64) (*ExamProcedure, error) {
	return s.catalog.GetByID(ctx, id)
}

func (s *Service) ListExamProcedures(ctx context.Context, hospitalID int64, activeOnly bool, limit, offset int) ([]*ExamProcedure, int, error) {
	return s.catalog.List(ctx, hospitalID, activeOnly, limit, offset)
}

// -- Scheduling --

// Schedule orders an active catalog entry for a case. The record starts
// pending.
func (s *Service) Schedule(ctx context.Context, caseID, examProcedureID int64, scheduledAt time.Time, notes string) (*CaseProcedure, error) {
	if scheduledAt.IsZero() {
		return nil, fmt.Errorf("%w: scheduled_at is required", apperror.ErrValidationFailed)
	}

	p := &CaseProcedure{
		CaseID:          caseID,
		ExamProcedureID: examProcedureID,
		ScheduledAt:     scheduledAt.UTC(),
		Status:          StatusPending,
	}
	if n := strings.TrimSpace(notes); n != "" {
		p.Notes = &n
	}

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := s.cases.GetCase(ctx, caseID)
		if err != nil {
			return err
		}
		e, err := s.catalog.GetByID(ctx, examProcedureID)
		if err != nil {
			return err
		}
		if !e.Active {
			return fmt.Errorf("%w: exam/procedure %d is inactive", apperror.ErrValidationFailed, e.ID)
		}
		if e.HospitalID != c.HospitalID {
			return fmt.Errorf("%w: exam/procedure %d belongs to another hospital", apperror.ErrValidationFailed, e.ID)
		}
		return s.procedures.Create(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	p.Documents = []*Document{}
	return p, nil
}

// Advance moves a procedure along pending → scheduled → in_progress →
// completed, or to cancelled from any non-terminal status. It returns the
// updated record and the status it left. The parent case is not touched.
func (s *Service) Advance(ctx context.Context, id int64, next Status) (*CaseProcedure, Status, error) {
	if !next.Valid() {
		return nil, "", fmt.Errorf("%w: procedure status %q", apperror.ErrInvalidStatus, next)
	}

	var out *CaseProcedure
	var from Status
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.procedures.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if p.Status.Terminal() {
			return fmt.Errorf("%w: procedure is already %s", apperror.ErrInvalidTransition, p.Status)
		}
		if !p.Status.CanTransition(next) {
			return fmt.Errorf("%w: %s to %s", apperror.ErrInvalidTransition, p.Status, next)
		}
		if err := s.procedures.SetStatus(ctx, id, next); err != nil {
			return err
		}
		from = p.Status
		p.Status = next
		out = p
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	if err := s.loadDocuments(ctx, out); err != nil {
		return nil, "", err
	}
	return out, from, nil
}

// Get returns the procedure with its documents.
func (s *Service) Get(ctx context.Context, id int64) (*CaseProcedure, error) {
	p, err := s.procedures.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.loadDocuments(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) ListByCase(ctx context.Context, caseID int64) ([]*CaseProcedure, error) {
	if _, err := s.cases.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	items, err := s.procedures.ListByCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	docs, err := s.documents.ListByCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	byProcedure := make(map[int64][]*Document)
	for _, d := range docs {
		if d.CaseProcedureID != nil {
			byProcedure[*d.CaseProcedureID] = append(byProcedure[*d.CaseProcedureID], d)
		}
	}
	for _, p := range items {
		p.Documents = byProcedure[p.ID]
		if p.Documents == nil {
			p.Documents = []*Document{}
		}
	}
	return items, nil
}

func (s *Service) loadDocuments(ctx context.Context, p *CaseProcedure) error {
	docs, err := s.documents.ListByProcedure(ctx, p.ID)
	if err != nil {
		return err
	}
	if docs == nil {
		docs = []*Document{}
	}
	p.Documents = docs
	return nil
}

// -- Documents --

// AttachDocument appends a stored document to the procedure's set. Documents
// may be attached in any status, completed and cancelled included.
func (s *Service) AttachDocument(ctx context.Context, procedureID int64, d *Document) (*CaseProcedure, error) {
	var out *CaseProcedure
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.procedures.GetByID(ctx, procedureID)
		if err != nil {
			return err
		}
		d.CaseID = p.CaseID
		d.CaseProcedureID = &p.ID
		if err := d.Validate(); err != nil {
			return err
		}
		if err := s.documents.Create(ctx, d); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.loadDocuments(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) GetDocument(ctx context.Context, id int64) (*Document, error) {
	return s.documents.GetByID(ctx, id)
}

func (s *Service) CaseDocuments(ctx context.Context, caseID int64) ([]*Document, error) {
	return s.documents.ListByCase(ctx, caseID)
}

// DeleteDocument removes the row and returns it so the caller can drop the
// stored object.
func (s *Service) DeleteDocument(ctx context.Context, id int64) (*Document, error) {
	var out *Document
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		d, err := s.documents.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := s.documents.Delete(ctx, id); err != nil {
			return err
		}
		out = d
		return nil
	})
	return out, err
}
