package casework

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/meg/meg/internal/platform/apperror"
)

// -- In-memory store shared by the mock repositories --

type memStore struct {
	cases       map[int64]*MedicalCase
	versions    []*CaseVersion
	assignments []*CaseAssignment
	audits      []*CaseAudit
	nextID      int64

	failAuditAppend bool
	locks           int
}

func newMemStore() *memStore {
	return &memStore{cases: make(map[int64]*MedicalCase)}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func cloneCase(c *MedicalCase) *MedicalCase {
	cp := *c
	return &cp
}

func (m *memStore) snapshot() *memStore {
	cp := &memStore{cases: make(map[int64]*MedicalCase), nextID: m.nextID}
	for id, c := range m.cases {
		cp.cases[id] = cloneCase(c)
	}
	cp.versions = append(cp.versions, m.versions...)
	cp.assignments = append(cp.assignments, m.assignments...)
	cp.audits = append(cp.audits, m.audits...)
	return cp
}

func (m *memStore) restore(s *memStore) {
	m.cases = s.cases
	m.versions = s.versions
	m.assignments = s.assignments
	m.audits = s.audits
	m.nextID = s.nextID
}

func (m *memStore) auditsFor(caseID int64, field string) []*CaseAudit {
	var out []*CaseAudit
	for _, a := range m.audits {
		if a.CaseID == caseID && (field == "" || a.FieldName == field) {
			out = append(out, a)
		}
	}
	return out
}

// -- Transactor that rolls the store back when fn fails --

type txKey struct{}

type mockTx struct {
	store   *memStore
	commits int
	rolls   int
}

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

// -- Case repository --

type mockCaseRepo struct{ s *memStore }

func (r *mockCaseRepo) Create(_ context.Context, c *MedicalCase) error {
	c.ID = r.s.id()
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	r.s.cases[c.ID] = cloneCase(c)
	return nil
}

func (r *mockCaseRepo) GetByID(_ context.Context, id int64) (*MedicalCase, error) {
	c, ok := r.s.cases[id]
	if !ok {
		return nil, fmt.Errorf("%w: case %d", apperror.ErrNotFound, id)
	}
	return cloneCase(c), nil
}

func (r *mockCaseRepo) GetForUpdate(ctx context.Context, id int64) (*MedicalCase, error) {
	if ctx.Value(txKey{}) == nil {
		return nil, errors.New("GetForUpdate called outside a transaction")
	}
	r.s.locks++
	return r.GetByID(ctx, id)
}

func (r *mockCaseRepo) mutate(id int64, fn func(c *MedicalCase)) error {
	c, ok := r.s.cases[id]
	if !ok {
		return fmt.Errorf("%w: case %d", apperror.ErrNotFound, id)
	}
	fn(c)
	c.UpdatedAt = time.Now()
	return nil
}

func (r *mockCaseRepo) Update(_ context.Context, c *MedicalCase) error {
	return r.mutate(c.ID, func(stored *MedicalCase) {
		stored.PatientID = c.PatientID
		stored.DepartmentID = c.DepartmentID
		stored.CaseDate = c.CaseDate
		stored.Priority = c.Priority
		stored.Notes = c.Notes
		stored.Symptoms = c.Symptoms
	})
}

func (r *mockCaseRepo) SetRoleStatus(_ context.Context, id int64, role Role, status Status) error {
	return r.mutate(id, func(c *MedicalCase) { c.setRoleStatus(role, status) })
}

func (r *mockCaseRepo) SetStatus(_ context.Context, id int64, status Status) error {
	return r.mutate(id, func(c *MedicalCase) { c.Status = status })
}

func (r *mockCaseRepo) SetAssignedTo(_ context.Context, id int64, userID int64) error {
	return r.mutate(id, func(c *MedicalCase) { c.AssignedTo = ptr(userID) })
}

func (r *mockCaseRepo) SetCurrentVersion(_ context.Context, id int64, versionID int64) error {
	return r.mutate(id, func(c *MedicalCase) { c.CurrentVersionID = ptr(versionID) })
}

func (r *mockCaseRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*MedicalCase, int, error) {
	var out []*MedicalCase
	for _, c := range r.s.cases {
		if f.HospitalID != 0 && c.HospitalID != f.HospitalID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.AssignedTo != 0 && (c.AssignedTo == nil || *c.AssignedTo != f.AssignedTo) {
			continue
		}
		out = append(out, cloneCase(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	total := len(out)
	if offset > total {
		offset = total
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

// -- Version repository --

type mockVersionRepo struct{ s *memStore }

func (r *mockVersionRepo) Create(_ context.Context, v *CaseVersion) error {
	n := 0
	for _, existing := range r.s.versions {
		if existing.CaseID == v.CaseID && existing.VersionNumber > n {
			n = existing.VersionNumber
		}
	}
	v.ID = r.s.id()
	v.VersionNumber = n + 1
	r.s.versions = append(r.s.versions, v)
	return nil
}

func (r *mockVersionRepo) ListByCase(_ context.Context, caseID int64) ([]*CaseVersion, error) {
	var out []*CaseVersion
	for i := len(r.s.versions) - 1; i >= 0; i-- {
		if r.s.versions[i].CaseID == caseID {
			out = append(out, r.s.versions[i])
		}
	}
	return out, nil
}

// -- Assignment repository --

type mockAssignmentRepo struct{ s *memStore }

func (r *mockAssignmentRepo) Append(_ context.Context, a *CaseAssignment) error {
	a.ID = r.s.id()
	r.s.assignments = append(r.s.assignments, a)
	return nil
}

func (r *mockAssignmentRepo) ListByCase(_ context.Context, caseID int64) ([]*CaseAssignment, error) {
	var out []*CaseAssignment
	for _, a := range r.s.assignments {
		if a.CaseID == caseID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AssignedAt.Equal(out[j].AssignedAt) {
			return out[i].AssignedAt.After(out[j].AssignedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (r *mockAssignmentRepo) Latest(ctx context.Context, caseID int64) (*CaseAssignment, error) {
	all, _ := r.ListByCase(ctx, caseID)
	if len(all) == 0 {
		return nil, nil
	}
	return all[0], nil
}

// -- Audit repository --

type mockAuditRepo struct{ s *memStore }

func (r *mockAuditRepo) Append(_ context.Context, a *CaseAudit) error {
	if r.s.failAuditAppend {
		return errors.New("disk full")
	}
	a.ID = r.s.id()
	r.s.audits = append(r.s.audits, a)
	return nil
}

func (r *mockAuditRepo) ListByCase(_ context.Context, caseID int64) ([]*CaseAudit, error) {
	var out []*CaseAudit
	for i := len(r.s.audits) - 1; i >= 0; i-- {
		if r.s.audits[i].CaseID == caseID {
			out = append(out, r.s.audits[i])
		}
	}
	return out, nil
}

// -- Fixtures --

func newTestService(policy NoOpPolicy) (*Service, *memStore, *mockTx) {
	store := newMemStore()
	tx := &mockTx{store: store}
	svc := NewService(tx, Repositories{
		Cases:       &mockCaseRepo{s: store},
		Versions:    &mockVersionRepo{s: store},
		Assignments: &mockAssignmentRepo{s: store},
		Audits:      &mockAuditRepo{s: store},
	}, policy)
	return svc, store, tx
}

func seedCase(svc *Service) *MedicalCase {
	c := &MedicalCase{HospitalID: 1, PatientID: 10, Priority: PriorityHigh}
	if err := svc.CreateCase(context.Background(), c, 100); err != nil {
		panic(err)
	}
	return c
}
