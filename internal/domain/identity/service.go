package identity

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/meg/meg/internal/platform/apperror"
	"github.com/meg/meg/internal/platform/db"
)

type Service struct {
	tx    db.Transactor
	users UserRepository
	roles RoleRepository
	sync  *ProfileSync
}

func NewService(tx db.Transactor, users UserRepository, roles RoleRepository, profiles ProfileRepository) *Service {
	return &Service{
		tx:    tx,
		users: users,
		roles: roles,
		sync:  NewProfileSync(tx, roles, profiles),
	}
}

// CreateUser stores a user and the profile for its role in one transaction.
func (s *Service) CreateUser(ctx context.Context, in UserInput) (*User, Profile, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, nil, fmt.Errorf("%w: name is required", apperror.ErrValidationFailed)
	}
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return nil, nil, fmt.Errorf("%w: invalid email %q", apperror.ErrValidationFailed, in.Email)
	}
	if in.RoleID == 0 {
		return nil, nil, fmt.Errorf("%w: role_id is required", apperror.ErrValidationFailed)
	}

	u := &User{HospitalID: in.HospitalID, RoleID: in.RoleID, Name: in.Name, Email: in.Email, Active: true}
	var p Profile
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.roles.GetByID(ctx, in.RoleID); err != nil {
			return err
		}
		if err := s.users.Create(ctx, u); err != nil {
			return err
		}
		var err error
		p, err = s.sync.Create(ctx, u, in.Fields)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return u, p, nil
}

func (s *Service) GetUser(ctx context.Context, id int64) (*User, error) {
	return s.users.GetByID(ctx, id)
}

func (s *Service) ListUsers(ctx context.Context, roleType RoleType, limit, offset int) ([]*User, int, error) {
	if roleType != "" && !roleType.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown role type %q", apperror.ErrValidationFailed, roleType)
	}
	return s.users.List(ctx, roleType, limit, offset)
}

func (s *Service) GetRole(ctx context.Context, id int64) (*Role, error) {
	return s.roles.GetByID(ctx, id)
}

func (s *Service) ListRoles(ctx context.Context) ([]*Role, error) {
	return s.roles.List(ctx)
}

// RoleTypeOf resolves the role type of a user.
func (s *Service) RoleTypeOf(ctx context.Context, u *User) (RoleType, error) {
	return s.sync.roleType(ctx, u.RoleID)
}

// Profile returns the user's current specialized profile, nil when the role
// type has none.
func (s *Service) Profile(ctx context.Context, userID int64) (*User, Profile, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	p, err := s.sync.Current(ctx, u)
	if err != nil {
		return nil, nil, err
	}
	return u, p, nil
}

// UpdateProfile applies fields to the user's current profile.
func (s *Service) UpdateProfile(ctx context.Context, userID int64, fields FormFields) (Profile, error) {
	var p Profile
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		u, err := s.users.GetForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		p, err = s.sync.Update(ctx, u, fields)
		return err
	})
	return p, err
}

// ChangeUserRole moves a user to newRoleID and resynchronizes the profile
// under a lock on the user row. It returns the user's previous role id.
func (s *Service) ChangeUserRole(ctx context.Context, userID, newRoleID int64, fields FormFields) (*User, Profile, int64, error) {
	var (
		u        *User
		p        Profile
		previous int64
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.roles.GetByID(ctx, newRoleID); err != nil {
			return err
		}
		var err error
		u, err = s.users.GetForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		previous = u.RoleID
		if previous != newRoleID {
			if err := s.users.UpdateRole(ctx, userID, newRoleID); err != nil {
				return err
			}
			u.RoleID = newRoleID
		}
		p, err = s.sync.OnRoleChange(ctx, u, previous, fields)
		return err
	})
	if err != nil {
		return nil, nil, 0, err
	}
	return u, p, previous, nil
}
