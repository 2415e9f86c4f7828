package identity

import "context"

type RoleRepository interface {
	GetByID(ctx context.Context, id int64) (*Role, error)
	List(ctx context.Context) ([]*Role, error)
}

type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id int64) (*User, error)
	// GetForUpdate locks the user row for the enclosing transaction.
	GetForUpdate(ctx context.Context, id int64) (*User, error)
	UpdateRole(ctx context.Context, id, roleID int64) error
	List(ctx context.Context, roleType RoleType, limit, offset int) ([]*User, int, error)
}

// ProfileRepository stores every profile variant, dispatching on its type.
type ProfileRepository interface {
	// Get returns nil, nil when the user has no profile of type t.
	Get(ctx context.Context, t RoleType, userID int64) (Profile, error)
	Insert(ctx context.Context, p Profile) error
	Update(ctx context.Context, p Profile) error
	// ProfileTypes lists the variant tables holding a row for the user.
	ProfileTypes(ctx context.Context, userID int64) ([]RoleType, error)
	// Delete reports whether a row was removed.
	Delete(ctx context.Context, t RoleType, userID int64) (bool, error)
}
