package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/meg/meg/internal/platform/apperror"
)

type memStore struct {
	roles    map[int64]*Role
	users    map[int64]*User
	profiles map[RoleType]map[int64]Profile
	nextID   int64

	failInsert bool
	locks      int
	deletes    []RoleType
}

func newMemStore() *memStore {
	s := &memStore{
		roles:    make(map[int64]*Role),
		users:    make(map[int64]*User),
		profiles: make(map[RoleType]map[int64]Profile),
	}
	for i, r := range []struct {
		name string
		t    RoleType
	}{
		{"Doctor", RoleTypeDoctor},
		{"Nurse", RoleTypeNurse},
		{"Scientist", RoleTypeScientist},
		{"Patient", RoleTypePatient},
		{"Technician", RoleTypeTechnician},
		{"Hospital Admin", RoleTypeAdmin},
		{"Super Admin", RoleTypeSuper},
		{"Attending", RoleTypeDoctor},
	} {
		id := int64(i + 1)
		s.roles[id] = &Role{ID: id, Name: r.name, Type: r.t}
	}
	return s
}

// Role ids seeded by newMemStore.
const (
	roleDoctor     int64 = 1
	roleNurse      int64 = 2
	roleScientist  int64 = 3
	rolePatient    int64 = 4
	roleTechnician int64 = 5
	roleAdmin      int64 = 6
	roleSuper      int64 = 7
	roleAttending  int64 = 8
)

func cloneProfile(p Profile) Profile {
	switch v := p.(type) {
	case *DoctorProfile:
		cp := *v
		return &cp
	case *ScientistProfile:
		cp := *v
		return &cp
	case *TechnicianProfile:
		cp := *v
		return &cp
	case *NurseProfile:
		cp := *v
		return &cp
	case *PatientProfile:
		cp := *v
		return &cp
	}
	return nil
}

func (m *memStore) snapshot() *memStore {
	cp := &memStore{
		roles:    m.roles,
		users:    make(map[int64]*User),
		profiles: make(map[RoleType]map[int64]Profile),
		nextID:   m.nextID,
	}
	for id, u := range m.users {
		uc := *u
		cp.users[id] = &uc
	}
	for t, byUser := range m.profiles {
		cp.profiles[t] = make(map[int64]Profile)
		for uid, p := range byUser {
			cp.profiles[t][uid] = cloneProfile(p)
		}
	}
	return cp
}

func (m *memStore) restore(s *memStore) {
	m.users = s.users
	m.profiles = s.profiles
	m.nextID = s.nextID
}

// profilesOf lists every profile the user holds across all tables.
func (m *memStore) profilesOf(userID int64) []Profile {
	var out []Profile
	for _, byUser := range m.profiles {
		if p, ok := byUser[userID]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoleType() < out[j].RoleType() })
	return out
}

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

// -- Roles --

type mockRoleRepo struct{ s *memStore }

func (r *mockRoleRepo) GetByID(_ context.Context, id int64) (*Role, error) {
	role, ok := r.s.roles[id]
	if !ok {
		return nil, fmt.Errorf("%w: role %d", apperror.ErrNotFound, id)
	}
	return role, nil
}

func (r *mockRoleRepo) List(_ context.Context) ([]*Role, error) {
	var out []*Role
	for _, role := range r.s.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// -- Users --

type mockUserRepo struct{ s *memStore }

func (r *mockUserRepo) Create(_ context.Context, u *User) error {
	r.s.nextID++
	u.ID = r.s.nextID
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt
	cp := *u
	r.s.users[u.ID] = &cp
	return nil
}

func (r *mockUserRepo) GetByID(_ context.Context, id int64) (*User, error) {
	u, ok := r.s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %d", apperror.ErrNotFound, id)
	}
	cp := *u
	return &cp, nil
}

func (r *mockUserRepo) GetForUpdate(ctx context.Context, id int64) (*User, error) {
	if ctx.Value(txKey{}) == nil {
		return nil, errors.New("GetForUpdate called outside a transaction")
	}
	r.s.locks++
	return r.GetByID(ctx, id)
}

func (r *mockUserRepo) UpdateRole(_ context.Context, id, roleID int64) error {
	u, ok := r.s.users[id]
	if !ok {
		return fmt.Errorf("%w: user %d", apperror.ErrNotFound, id)
	}
	u.RoleID = roleID
	return nil
}

func (r *mockUserRepo) List(_ context.Context, roleType RoleType, limit, offset int) ([]*User, int, error) {
	var out []*User
	for _, u := range r.s.users {
		if roleType != "" && r.s.roles[u.RoleID].Type != roleType {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

// -- Profiles --

type mockProfileRepo struct{ s *memStore }

func (r *mockProfileRepo) Get(_ context.Context, t RoleType, userID int64) (Profile, error) {
	p, ok := r.s.profiles[t][userID]
	if !ok {
		return nil, nil
	}
	return cloneProfile(p), nil
}

func (r *mockProfileRepo) Insert(_ context.Context, p Profile) error {
	if r.s.failInsert {
		return fmt.Errorf("%w: insert profile: connection reset", apperror.ErrPersistenceFailed)
	}
	t := p.RoleType()
	if _, exists := r.s.profiles[t][p.Base().UserID]; exists {
		return fmt.Errorf("%w: duplicate %s profile", apperror.ErrPersistenceFailed, t)
	}
	if r.s.profiles[t] == nil {
		r.s.profiles[t] = make(map[int64]Profile)
	}
	r.s.nextID++
	p.Base().ID = r.s.nextID
	p.Base().CreatedAt = time.Now()
	r.s.profiles[t][p.Base().UserID] = cloneProfile(p)
	return nil
}

func (r *mockProfileRepo) Update(_ context.Context, p Profile) error {
	t := p.RoleType()
	if _, ok := r.s.profiles[t][p.Base().UserID]; !ok {
		return fmt.Errorf("%w: %s profile", apperror.ErrNotFound, t)
	}
	r.s.profiles[t][p.Base().UserID] = cloneProfile(p)
	return nil
}

func (r *mockProfileRepo) ProfileTypes(_ context.Context, userID int64) ([]RoleType, error) {
	var out []RoleType
	for _, t := range ProfileTypes {
		if _, ok := r.s.profiles[t][userID]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *mockProfileRepo) Delete(_ context.Context, t RoleType, userID int64) (bool, error) {
	r.s.deletes = append(r.s.deletes, t)
	if _, ok := r.s.profiles[t][userID]; !ok {
		return false, nil
	}
	delete(r.s.profiles[t], userID)
	return true, nil
}

// -- Fixtures --

func newTestService() (*Service, *memStore, *mockTx) {
	store := newMemStore()
	tx := &mockTx{store: store}
	svc := NewService(tx, &mockUserRepo{s: store}, &mockRoleRepo{s: store}, &mockProfileRepo{s: store})
	return svc, store, tx
}

func seedUser(svc *Service, roleID int64, fields FormFields) *User {
	hospital := int64(1)
	u, _, err := svc.CreateUser(context.Background(), UserInput{
		HospitalID: &hospital,
		RoleID:     roleID,
		Name:       "Dana Reyes",
		Email:      fmt.Sprintf("dana%d@example.org", time.Now().UnixNano()),
		Fields:     fields,
	})
	if err != nil {
		panic(err)
	}
	return u
}
