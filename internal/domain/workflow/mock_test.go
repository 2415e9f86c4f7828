package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meg/meg/internal/domain/casework"
	"github.com/meg/meg/internal/domain/identity"
	"github.com/meg/meg/internal/domain/procedure"
	"github.com/meg/meg/internal/platform/activity"
	"github.com/meg/meg/internal/platform/apperror"
	"github.com/meg/meg/internal/platform/blobstore"
	"github.com/meg/meg/internal/platform/telemetry"
)

// ---------------------------------------------------------------------------
// State shared by the fakes, snapshotted by mockTx
// ---------------------------------------------------------------------------

type memState struct {
	cases       map[int64]*casework.MedicalCase
	assignments []*casework.CaseAssignment
	audits      []*casework.CaseAudit
	procedures  map[int64]*procedure.CaseProcedure
	documents   map[int64]*procedure.Document
	nextID      int64
}

func newMemState() *memState {
	return &memState{
		cases:      map[int64]*casework.MedicalCase{},
		procedures: map[int64]*procedure.CaseProcedure{},
		documents:  map[int64]*procedure.Document{},
	}
}

func (m *memState) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memState) snapshot() *memState {
	cp := newMemState()
	cp.nextID = m.nextID
	for id, c := range m.cases {
		v := *c
		cp.cases[id] = &v
	}
	cp.assignments = append([]*casework.CaseAssignment(nil), m.assignments...)
	cp.audits = append([]*casework.CaseAudit(nil), m.audits...)
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

func (m *memState) restore(s *memState) {
	*m = *s
}

type mockTx struct {
	state   *memState
	commits int
	rolls   int
}

type txKey struct{}

func (t *mockTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	saved := t.state.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		t.state.restore(saved)
		t.rolls++
		return err
	}
	t.commits++
	return nil
}

// ---------------------------------------------------------------------------
// Cases
// ---------------------------------------------------------------------------

type fakeCases struct {
	state *memState

	failGlobalStatus bool
}

func (f *fakeCases) get(id int64) (*casework.MedicalCase, error) {
	c, ok := f.state.cases[id]
	if !ok {
		return nil, fmt.Errorf("%w: case %d", apperror.ErrNotFound, id)
	}
	v := *c
	return &v, nil
}

func (f *fakeCases) audit(caseID int64, field, oldValue, newValue string, by int64) {
	f.state.audits = append(f.state.audits, &casework.CaseAudit{
		ID:        f.state.id(),
		CaseID:    caseID,
		FieldName: field,
		OldValue:  &oldValue,
		NewValue:  &newValue,
		ChangedBy: &by,
		ChangedAt: time.Now().UTC(),
	})
}

func (f *fakeCases) CreateCase(_ context.Context, c *casework.MedicalCase, createdBy int64) error {
	if c.PatientID == 0 {
		return fmt.Errorf("%w: patient_id is required", apperror.ErrValidationFailed)
	}
	c.ID = f.state.id()
	c.Status = casework.StatusDraft
	c.TechnicianStatus = casework.StatusDraft
	c.ScientistStatus = casework.StatusDraft
	c.DoctorStatus = casework.StatusDraft
	c.CreatedBy = &createdBy
	v := *c
	f.state.cases[c.ID] = &v
	return nil
}

func (f *fakeCases) UpdateCase(_ context.Context, id int64, u casework.CaseUpdate, by int64) (*casework.MedicalCase, error) {
	c, ok := f.state.cases[id]
	if !ok {
		return nil, fmt.Errorf("%w: case %d", apperror.ErrNotFound, id)
	}
	if u.Notes != nil {
		f.audit(id, "notes", "", *u.Notes, by)
		c.Notes = u.Notes
	}
	v := *c
	return &v, nil
}

func (f *fakeCases) GetCase(_ context.Context, id int64) (*casework.MedicalCase, error) {
	return f.get(id)
}

func (f *fakeCases) LockCase(_ context.Context, id int64) (*casework.MedicalCase, error) {
	return f.get(id)
}

func (f *fakeCases) SetRoleStatus(_ context.Context, caseID int64, role casework.Role, status casework.Status, by int64) (*casework.MedicalCase, error) {
	c, ok := f.state.cases[caseID]
	if !ok {
		return nil, fmt.Errorf("%w: case %d", apperror.ErrNotFound, caseID)
	}
	old := c.RoleStatus(role)
	switch role {
	case casework.RoleTechnician:
		c.TechnicianStatus = status
	case casework.RoleScientist:
		c.ScientistStatus = status
	case casework.RoleDoctor:
		c.DoctorStatus = status
	}
	if old != status {
		f.audit(caseID, role.Field(), string(old), string(status), by)
	}
	v := *c
	return &v, nil
}

func (f *fakeCases) SetGlobalStatus(_ context.Context, caseID int64, status casework.Status, by int64) (*casework.MedicalCase, error) {
	if f.failGlobalStatus {
		return nil, fmt.Errorf("%w: status write", apperror.ErrPersistenceFailed)
	}
	c, ok := f.state.cases[caseID]
	if !ok {
		return nil, fmt.Errorf("%w: case %d", apperror.ErrNotFound, caseID)
	}
	if c.Status != status {
		f.audit(caseID, "status", string(c.Status), string(status), by)
		c.Status = status
	}
	v := *c
	return &v, nil
}

func (f *fakeCases) Assign(_ context.Context, caseID, by int64, to casework.Assignee, step casework.Role, notes string) (*casework.CaseAssignment, error) {
	if to.RoleType != string(step) {
		return nil, fmt.Errorf("%w: user %d has role %q", apperror.ErrNotEligible, to.UserID, to.RoleType)
	}
	c, ok := f.state.cases[caseID]
	if !ok {
		return nil, fmt.Errorf("%w: case %d", apperror.ErrNotFound, caseID)
	}
	a := &casework.CaseAssignment{
		ID:         f.state.id(),
		CaseID:     caseID,
		AssignedBy: by,
		AssignedTo: to.UserID,
		AssignedAt: time.Now().UTC(),
	}
	if notes != "" {
		a.Notes = &notes
	}
	f.state.assignments = append(f.state.assignments, a)
	c.AssignedTo = &to.UserID
	f.audit(caseID, "assigned_to", "", fmt.Sprint(to.UserID), by)
	return a, nil
}

func (f *fakeCases) CurrentAssignment(_ context.Context, caseID int64) (*casework.CaseAssignment, error) {
	if _, err := f.get(caseID); err != nil {
		return nil, err
	}
	for i := len(f.state.assignments) - 1; i >= 0; i-- {
		if f.state.assignments[i].CaseID == caseID {
			return f.state.assignments[i], nil
		}
	}
	return nil, nil
}

func (f *fakeCases) AssignmentHistory(_ context.Context, caseID int64) ([]*casework.CaseAssignment, error) {
	if _, err := f.get(caseID); err != nil {
		return nil, err
	}
	var out []*casework.CaseAssignment
	for i := len(f.state.assignments) - 1; i >= 0; i-- {
		if f.state.assignments[i].CaseID == caseID {
			out = append(out, f.state.assignments[i])
		}
	}
	return out, nil
}

func (f *fakeCases) AuditTrail(_ context.Context, caseID int64) ([]*casework.CaseAudit, error) {
	if _, err := f.get(caseID); err != nil {
		return nil, err
	}
	var out []*casework.CaseAudit
	for i := len(f.state.audits) - 1; i >= 0; i-- {
		if f.state.audits[i].CaseID == caseID {
			out = append(out, f.state.audits[i])
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

type fakeUsers struct {
	users map[int64]*identity.User
	roles map[int64]identity.RoleType
	// lastFields is the form passed to the latest ChangeUserRole.
	lastFields identity.FormFields
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{
		users: map[int64]*identity.User{},
		roles: map[int64]identity.RoleType{
			1: identity.RoleTypeAdmin,
			2: identity.RoleTypeDoctor,
			3: identity.RoleTypeNurse,
			4: identity.RoleTypeScientist,
			5: identity.RoleTypeTechnician,
			6: identity.RoleTypePatient,
		},
	}
}

func (f *fakeUsers) add(id, hospitalID, roleID int64) *identity.User {
	u := &identity.User{ID: id, RoleID: roleID, Name: fmt.Sprintf("user %d", id), Active: true}
	if hospitalID != 0 {
		u.HospitalID = &hospitalID
	}
	f.users[id] = u
	return u
}

func (f *fakeUsers) GetUser(_ context.Context, id int64) (*identity.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %d", apperror.ErrNotFound, id)
	}
	v := *u
	return &v, nil
}

func (f *fakeUsers) RoleTypeOf(_ context.Context, u *identity.User) (identity.RoleType, error) {
	t, ok := f.roles[u.RoleID]
	if !ok {
		return "", fmt.Errorf("%w: role %d", apperror.ErrNotFound, u.RoleID)
	}
	return t, nil
}

func (f *fakeUsers) ChangeUserRole(_ context.Context, userID, newRoleID int64, fields identity.FormFields) (*identity.User, identity.Profile, int64, error) {
	u, ok := f.users[userID]
	if !ok {
		return nil, nil, 0, fmt.Errorf("%w: user %d", apperror.ErrNotFound, userID)
	}
	t, ok := f.roles[newRoleID]
	if !ok {
		return nil, nil, 0, fmt.Errorf("%w: role %d", apperror.ErrNotFound, newRoleID)
	}
	f.lastFields = fields
	previous := u.RoleID
	u.RoleID = newRoleID
	v := *u

	var p identity.Profile
	if t == identity.RoleTypeDoctor {
		p = &identity.DoctorProfile{ProfileBase: identity.ProfileBase{UserID: userID, HospitalID: u.ProfileHospital()}}
	}
	return &v, p, previous, nil
}

// ---------------------------------------------------------------------------
// Procedures
// ---------------------------------------------------------------------------

type fakeProcedures struct {
	state *memState

	failAttach bool
}

func (f *fakeProcedures) Schedule(_ context.Context, caseID, examID int64, at time.Time, notes string) (*procedure.CaseProcedure, error) {
	if _, ok := f.state.cases[caseID]; !ok {
		return nil, fmt.Errorf("%w: case %d", apperror.ErrNotFound, caseID)
	}
	if at.IsZero() {
		return nil, fmt.Errorf("%w: scheduled_at is required", apperror.ErrValidationFailed)
	}
	p := &procedure.CaseProcedure{
		ID:              f.state.id(),
		CaseID:          caseID,
		ExamProcedureID: examID,
		ScheduledAt:     at,
		Status:          procedure.StatusPending,
	}
	if notes != "" {
		p.Notes = &notes
	}
	f.state.procedures[p.ID] = p
	v := *p
	return &v, nil
}

func (f *fakeProcedures) Advance(_ context.Context, id int64, next procedure.Status) (*procedure.CaseProcedure, procedure.Status, error) {
	p, ok := f.state.procedures[id]
	if !ok {
		return nil, "", fmt.Errorf("%w: procedure %d", apperror.ErrNotFound, id)
	}
	from := p.Status
	if !from.CanTransition(next) {
		return nil, "", fmt.Errorf("%w: %s to %s", apperror.ErrInvalidTransition, from, next)
	}
	p.Status = next
	v := *p
	return &v, from, nil
}

func (f *fakeProcedures) Get(_ context.Context, id int64) (*procedure.CaseProcedure, error) {
	p, ok := f.state.procedures[id]
	if !ok {
		return nil, fmt.Errorf("%w: procedure %d", apperror.ErrNotFound, id)
	}
	v := *p
	v.Documents = f.documentsOf(id)
	return &v, nil
}

func (f *fakeProcedures) documentsOf(procID int64) []*procedure.Document {
	var out []*procedure.Document
	for _, d := range f.state.documents {
		if d.CaseProcedureID != nil && *d.CaseProcedureID == procID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeProcedures) ListByCase(_ context.Context, caseID int64) ([]*procedure.CaseProcedure, error) {
	var out []*procedure.CaseProcedure
	for _, p := range f.state.procedures {
		if p.CaseID == caseID {
			v := *p
			v.Documents = f.documentsOf(p.ID)
			out = append(out, &v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeProcedures) AttachDocument(ctx context.Context, procID int64, d *procedure.Document) (*procedure.CaseProcedure, error) {
	if f.failAttach {
		return nil, fmt.Errorf("%w: documents insert", apperror.ErrPersistenceFailed)
	}
	p, ok := f.state.procedures[procID]
	if !ok {
		return nil, fmt.Errorf("%w: procedure %d", apperror.ErrNotFound, procID)
	}
	d.ID = f.state.id()
	d.CaseID = p.CaseID
	d.CaseProcedureID = &procID
	d.CreatedAt = time.Now().UTC()
	f.state.documents[d.ID] = d
	return f.Get(ctx, procID)
}

func (f *fakeProcedures) GetDocument(_ context.Context, id int64) (*procedure.Document, error) {
	d, ok := f.state.documents[id]
	if !ok {
		return nil, fmt.Errorf("%w: document %d", apperror.ErrNotFound, id)
	}
	v := *d
	return &v, nil
}

func (f *fakeProcedures) DeleteDocument(_ context.Context, id int64) (*procedure.Document, error) {
	d, ok := f.state.documents[id]
	if !ok {
		return nil, fmt.Errorf("%w: document %d", apperror.ErrNotFound, id)
	}
	delete(f.state.documents, id)
	return d, nil
}

// ---------------------------------------------------------------------------
// Activity capture
// ---------------------------------------------------------------------------

type captureSink struct {
	mu     sync.Mutex
	events []activity.Event
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Write(_ context.Context, ev activity.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *captureSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type fixture struct {
	svc        *Service
	state      *memState
	tx         *mockTx
	cases      *fakeCases
	users      *fakeUsers
	procedures *fakeProcedures
	store      *blobstore.InMemoryBlobStore
	sink       *captureSink
	metrics    *telemetry.Metrics
}

func newFixture() *fixture {
	state := newMemState()
	f := &fixture{
		state:      state,
		tx:         &mockTx{state: state},
		cases:      &fakeCases{state: state},
		users:      newFakeUsers(),
		procedures: &fakeProcedures{state: state},
		store:      blobstore.NewInMemoryBlobStore(blobstore.NewSigner("test-key", "/files")),
		sink:       &captureSink{},
		metrics:    telemetry.New(telemetry.Config{ServiceName: "meg-test"}),
	}
	recorder := activity.NewRecorder(zerolog.Nop(), f.sink)
	f.svc = NewService(f.tx, f.cases, f.users, f.procedures, f.store, recorder, f.metrics, zerolog.Nop(),
		Options{SignedURLTTL: 10 * time.Minute})
	return f
}

// seedCase opens a case in hospital 1 for patient 50.
func (f *fixture) seedCase() *casework.MedicalCase {
	c := &casework.MedicalCase{HospitalID: 1, PatientID: 50, Priority: casework.PriorityHigh}
	if err := f.cases.CreateCase(context.Background(), c, 10); err != nil {
		panic(err)
	}
	return c
}

// seedStaff adds a technician (20), scientist (21) and doctor (22) in
// hospital 1, a technician in hospital 2 (30) and a nurse (23).
func (f *fixture) seedStaff() {
	f.users.add(20, 1, 5)
	f.users.add(21, 1, 4)
	f.users.add(22, 1, 2)
	f.users.add(23, 1, 3)
	f.users.add(30, 2, 5)
}
