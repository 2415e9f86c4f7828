package identity

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/meg/meg/internal/platform/apperror"
	"github.com/meg/meg/internal/platform/db"
)

const dobLayout = "2006-01-02"

// Defaults for demographic fields a role requires but the form omitted.
var (
	DefaultGender = "M"
	DefaultDOB    = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	DefaultAge    = 30
)

// ProfileSync keeps a user's specialized profile in step with their role.
// A user has at most one profile and its type matches the current role type.
type ProfileSync struct {
	tx       db.Transactor
	roles    RoleRepository
	profiles ProfileRepository
	now      func() time.Time
}

func NewProfileSync(tx db.Transactor, roles RoleRepository, profiles ProfileRepository) *ProfileSync {
	return &ProfileSync{tx: tx, roles: roles, profiles: profiles, now: time.Now}
}

func (s *ProfileSync) roleType(ctx context.Context, roleID int64) (RoleType, error) {
	role, err := s.roles.GetByID(ctx, roleID)
	if err != nil {
		return "", err
	}
	return role.Type, nil
}

// Create builds and stores the profile for the user's current role. Any
// profile the user holds in another variant table is removed first, in the
// same transaction, so at most one variant survives. Role types without a
// profile table return nil, nil.
func (s *ProfileSync) Create(ctx context.Context, u *User, fields FormFields) (Profile, error) {
	var out Profile
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		t, err := s.roleType(ctx, u.RoleID)
		if err != nil {
			return err
		}
		if err := s.removeStale(ctx, u.ID, t); err != nil {
			return err
		}
		if !t.HasProfile() {
			return nil
		}
		existing, err := s.profiles.Get(ctx, t, u.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: user %d already has a %s profile", apperror.ErrValidationFailed, u.ID, t)
		}
		p, err := s.build(u, t, fields)
		if err != nil {
			return err
		}
		if err := s.profiles.Insert(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// removeStale deletes the user's profiles of every type other than keep.
func (s *ProfileSync) removeStale(ctx context.Context, userID int64, keep RoleType) error {
	held, err := s.profiles.ProfileTypes(ctx, userID)
	if err != nil {
		return err
	}
	for _, t := range held {
		if t == keep {
			continue
		}
		if _, err := s.profiles.Delete(ctx, t, userID); err != nil {
			return err
		}
	}
	return nil
}

// build returns a new profile of type t with defaults applied, then fields.
func (s *ProfileSync) build(u *User, t RoleType, fields FormFields) (Profile, error) {
	base := ProfileBase{UserID: u.ID, HospitalID: u.ProfileHospital()}
	var p Profile
	switch t {
	case RoleTypeDoctor:
		p = &DoctorProfile{ProfileBase: base}
	case RoleTypeScientist:
		p = &ScientistProfile{ProfileBase: base}
	case RoleTypeTechnician:
		p = &TechnicianProfile{ProfileBase: base}
	case RoleTypeNurse:
		p = &NurseProfile{
			ProfileBase:  base,
			Gender:       DefaultGender,
			DOB:          DefaultDOB,
			Age:          DefaultAge,
			RecordNumber: strconv.FormatInt(s.now().Unix(), 10),
		}
	case RoleTypePatient:
		p = &PatientProfile{ProfileBase: base, Gender: DefaultGender, DOB: DefaultDOB, Age: DefaultAge}
	default:
		return nil, fmt.Errorf("%w: role type %q has no profile", apperror.ErrValidationFailed, t)
	}
	if err := applyFields(p, fields); err != nil {
		return nil, err
	}
	return p, nil
}

// Update applies the present, non-empty fields to the profile of the user's
// current role. A user without one is left alone.
func (s *ProfileSync) Update(ctx context.Context, u *User, fields FormFields) (Profile, error) {
	p, err := s.Current(ctx, u)
	if err != nil || p == nil {
		return nil, err
	}
	if err := applyFields(p, fields); err != nil {
		return nil, err
	}
	if err := s.profiles.Update(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// OnRoleChange moves the user's profile from previousRoleID's type to the
// type of u.RoleID in one transaction: the old profile is deleted before
// the new one is created. When both roles share a type the existing profile
// is updated instead.
func (s *ProfileSync) OnRoleChange(ctx context.Context, u *User, previousRoleID int64, fields FormFields) (Profile, error) {
	var out Profile
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		prev, err := s.roleType(ctx, previousRoleID)
		if err != nil {
			return err
		}
		next, err := s.roleType(ctx, u.RoleID)
		if err != nil {
			return err
		}
		if prev == next {
			out, err = s.Update(ctx, u, fields)
			return err
		}
		if prev.HasProfile() {
			if _, err := s.profiles.Delete(ctx, prev, u.ID); err != nil {
				return err
			}
		}
		out, err = s.Create(ctx, u, fields)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the user's profile of roleID's type. Absence is not an error.
func (s *ProfileSync) Delete(ctx context.Context, userID, roleID int64) error {
	t, err := s.roleType(ctx, roleID)
	if err != nil {
		return err
	}
	if !t.HasProfile() {
		return nil
	}
	_, err = s.profiles.Delete(ctx, t, userID)
	return err
}

// Current returns the profile for the user's current role, or nil.
func (s *ProfileSync) Current(ctx context.Context, u *User) (Profile, error) {
	t, err := s.roleType(ctx, u.RoleID)
	if err != nil {
		return nil, err
	}
	if !t.HasProfile() {
		return nil, nil
	}
	return s.profiles.Get(ctx, t, u.ID)
}

// -- Field parsing --

func applyFields(p Profile, fields FormFields) error {
	t := p.RoleType()
	switch v := p.(type) {
	case *DoctorProfile:
		setString(&v.Phone, fields, t, "phone")
	case *ScientistProfile:
		setString(&v.Phone, fields, t, "phone")
	case *TechnicianProfile:
		setString(&v.Phone, fields, t, "phone")
	case *NurseProfile:
		if err := setDemographics(&v.Gender, &v.DOB, &v.Age, fields, t); err != nil {
			return err
		}
		if rn, ok := fields.get(t, "record_number"); ok {
			v.RecordNumber = rn
		}
		setString(&v.Phone, fields, t, "phone")
	case *PatientProfile:
		if err := setDemographics(&v.Gender, &v.DOB, &v.Age, fields, t); err != nil {
			return err
		}
		setString(&v.MedicalRecordNumber, fields, t, "medical_record_number")
		setString(&v.FinancialRecordNumber, fields, t, "financial_record_number")
		setString(&v.Phone, fields, t, "phone")
	}
	return nil
}

func setString(dst **string, fields FormFields, t RoleType, field string) {
	if v, ok := fields.get(t, field); ok {
		*dst = &v
	}
}

func setDemographics(gender *string, dob *time.Time, age *int, fields FormFields, t RoleType) error {
	if v, ok := fields.get(t, "gender"); ok {
		g := strings.ToUpper(strings.TrimSpace(v))
		switch g {
		case "M", "F", "O":
			*gender = g
		default:
			return fmt.Errorf("%w: %s_gender must be M, F or O", apperror.ErrValidationFailed, t)
		}
	}
	if v, ok := fields.get(t, "dob"); ok {
		d, err := time.Parse(dobLayout, strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s_dob must be YYYY-MM-DD", apperror.ErrValidationFailed, t)
		}
		*dob = d
	}
	if v, ok := fields.get(t, "age"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 0 {
			return fmt.Errorf("%w: %s_age must be a non-negative integer", apperror.ErrValidationFailed, t)
		}
		*age = n
	}
	return nil
}
