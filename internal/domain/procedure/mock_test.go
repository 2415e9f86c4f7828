package procedure

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/meg/meg/internal/domain/casework"
	"github.com/meg/meg/internal/platform/apperror"
)

type memStore struct {
	cases      map[int64]*casework.MedicalCase
	catalog    map[int64]*ExamProcedure
	procedures map[int64]*CaseProcedure
	documents  map[int64]*Document
	nextID     int64

	failDocumentCreate bool
}

func newMemStore() *memStore {
	return &memStore{
		cases:      map[int64]*casework.MedicalCase{},
		catalog:    map[int64]*ExamProcedure{},
		procedures: map[int64]*CaseProcedure{},
		documents:  map[int64]*Document{},
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) snapshot() *memStore {
	cp := newMemStore()
	cp.cases = m.cases
	cp.nextID = m.nextID
	for id, e := range m.catalog {
		v := *e
		cp.catalog[id] = &v
	}
	for id, p := range m.procedures {
		v := *p
		cp.procedures[id] = &v
	}
	for id, d := range m.documents {
		v := *d
		cp.documents[id] = &v
	}
	return cp
}

func (m *memStore) restore(s *memStore) {
	m.catalog = s.catalog
	m.procedures = s.procedures
	m.documents = s.documents
	m.nextID = s.nextID
}

type mockTx struct {
	store   *memStore
	commits int
	rolls   int
}

type txKey struct{}

func (t *mockTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	saved := t.store.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		t.store.restore(saved)
		t.rolls++
		return err
	}
	t.commits++
	return nil
}

// -- Cases --

type mockCases struct{ s *memStore }

func (r *mockCases) GetCase(_ context.Context, id int64) (*casework.MedicalCase, error) {
	c, ok := r.s.cases[id]
	if !ok {
		return nil, fmt.Errorf("%w: case %d", apperror.ErrNotFound, id)
	}
	cp := *c
	return &cp, nil
}

// -- Catalog --

type mockCatalogRepo struct{ s *memStore }

func (r *mockCatalogRepo) Create(_ context.Context, e *ExamProcedure) error {
	e.ID = r.s.id()
	e.CreatedAt = time.Now()
	v := *e
	r.s.catalog[e.ID] = &v
	return nil
}

func (r *mockCatalogRepo) GetByID(_ context.Context, id int64) (*ExamProcedure, error) {
	e, ok := r.s.catalog[id]
	if !ok {
		return nil, fmt.Errorf("%w: exam procedure %d", apperror.ErrNotFound, id)
	}
	v := *e
	return &v, nil
}

func (r *mockCatalogRepo) List(_ context.Context, hospitalID int64, activeOnly bool, limit, offset int) ([]*ExamProcedure, int, error) {
	var out []*ExamProcedure
	for _, e := range r.s.catalog {
		if hospitalID != 0 && e.HospitalID != hospitalID {
			continue
		}
		if activeOnly && !e.Active {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

// -- Case procedures --

type mockProcedureRepo struct{ s *memStore }

func (r *mockProcedureRepo) Create(_ context.Context, p *CaseProcedure) error {
	p.ID = r.s.id()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	v := *p
	r.s.procedures[p.ID] = &v
	return nil
}

func (r *mockProcedureRepo) GetByID(_ context.Context, id int64) (*CaseProcedure, error) {
	p, ok := r.s.procedures[id]
	if !ok {
		return nil, fmt.Errorf("%w: case procedure %d", apperror.ErrNotFound, id)
	}
	v := *p
	return &v, nil
}

func (r *mockProcedureRepo) GetForUpdate(ctx context.Context, id int64) (*CaseProcedure, error) {
	if ctx.Value(txKey{}) == nil {
		return nil, fmt.Errorf("GetForUpdate called outside a transaction")
	}
	return r.GetByID(ctx, id)
}

func (r *mockProcedureRepo) SetStatus(_ context.Context, id int64, status Status) error {
	p, ok := r.s.procedures[id]
	if !ok {
		return fmt.Errorf("%w: case procedure %d", apperror.ErrNotFound, id)
	}
	p.Status = status
	return nil
}

func (r *mockProcedureRepo) ListByCase(_ context.Context, caseID int64) ([]*CaseProcedure, error) {
	var out []*CaseProcedure
	for _, p := range r.s.procedures {
		if p.CaseID == caseID {
			v := *p
			out = append(out, &v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// -- Documents --

type mockDocumentRepo struct{ s *memStore }

func (r *mockDocumentRepo) Create(_ context.Context, d *Document) error {
	if r.s.failDocumentCreate {
		return fmt.Errorf("%w: insert document: connection reset", apperror.ErrPersistenceFailed)
	}
	d.ID = r.s.id()
	d.CreatedAt = time.Now()
	v := *d
	r.s.documents[d.ID] = &v
	return nil
}

func (r *mockDocumentRepo) GetByID(_ context.Context, id int64) (*Document, error) {
	d, ok := r.s.documents[id]
	if !ok {
		return nil, fmt.Errorf("%w: document %d", apperror.ErrNotFound, id)
	}
	v := *d
	return &v, nil
}

func (r *mockDocumentRepo) filter(keep func(*Document) bool) []*Document {
	var out []*Document
	for _, d := range r.s.documents {
		if keep(d) {
			v := *d
			out = append(out, &v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *mockDocumentRepo) ListByProcedure(_ context.Context, procedureID int64) ([]*Document, error) {
	return r.filter(func(d *Document) bool {
		return d.CaseProcedureID != nil && *d.CaseProcedureID == procedureID
	}), nil
}

func (r *mockDocumentRepo) ListByCase(_ context.Context, caseID int64) ([]*Document, error) {
	return r.filter(func(d *Document) bool { return d.CaseID == caseID }), nil
}

func (r *mockDocumentRepo) Delete(_ context.Context, id int64) error {
	if _, ok := r.s.documents[id]; !ok {
		return fmt.Errorf("%w: document %d", apperror.ErrNotFound, id)
	}
	delete(r.s.documents, id)
	return nil
}

// -- Fixtures --

func newTestService() (*Service, *memStore, *mockTx) {
	store := newMemStore()
	tx := &mockTx{store: store}
	svc := NewService(tx, Repositories{
		Catalog:    &mockCatalogRepo{s: store},
		Procedures: &mockProcedureRepo{s: store},
		Documents:  &mockDocumentRepo{s: store},
	}, &mockCases{s: store})
	return svc, store, tx
}

// seedCase adds case 42 of hospital 1 and an active MRI exam, returning the
// exam id.
func seedCase(store *memStore) int64 {
	store.cases[42] = &casework.MedicalCase{ID: 42, HospitalID: 1, PatientID: 7, Status: casework.StatusDraft}
	e := &ExamProcedure{ID: store.id(), HospitalID: 1, Name: "MRI Brain", Kind: KindExam, Active: true}
	store.catalog[e.ID] = e
	return e.ID
}

func schedule(svc *Service, store *memStore) *CaseProcedure {
	examID := seedCase(store)
	p, err := svc.Schedule(context.Background(), 42, examID, time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), "fasting")
	if err != nil {
		panic(err)
	}
	return p
}

func testDocument(name string) *Document {
	return &Document{
		PatientID:    7,
		DocumentType: "report",
		FileName:     name,
		Path:         "Case_XXXXXX42/report/" + name,
		Size:         128,
		MimeType:     "application/pdf",
	}
}
