package identity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// RoleType is the behavioural class of a role. Several roles may share a type.
type RoleType string

const (
	RoleTypeDoctor     RoleType = "doctor"
	RoleTypeNurse      RoleType = "nurse"
	RoleTypeScientist  RoleType = "scientist"
	RoleTypePatient    RoleType = "patient"
	RoleTypeTechnician RoleType = "technician"
	RoleTypeAdmin      RoleType = "admin"
	RoleTypeSuper      RoleType = "super"
	RoleTypeOther      RoleType = "other"
)

// ProfileTypes lists the role types that carry a specialized profile.
var ProfileTypes = []RoleType{RoleTypeDoctor, RoleTypeNurse, RoleTypeScientist, RoleTypePatient, RoleTypeTechnician}

// HasProfile reports whether users of this type carry a specialized profile.
func (t RoleType) HasProfile() bool {
	switch t {
	case RoleTypeDoctor, RoleTypeNurse, RoleTypeScientist, RoleTypePatient, RoleTypeTechnician:
		return true
	}
	return false
}

func (t RoleType) Valid() bool {
	switch t {
	case RoleTypeAdmin, RoleTypeSuper, RoleTypeOther:
		return true
	}
	return t.HasProfile()
}

type Role struct {
	ID   int64    `db:"id" json:"id"`
	Name string   `db:"name" json:"name"`
	Type RoleType `db:"type" json:"type"`
}

type User struct {
	ID         int64     `db:"id" json:"id"`
	HospitalID *int64    `db:"hospital_id" json:"hospital_id,omitempty"`
	RoleID     int64     `db:"role_id" json:"role_id"`
	Name       string    `db:"name" json:"name"`
	Email      string    `db:"email" json:"email"`
	Active     bool      `db:"active" json:"active"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// ProfileHospital is the hospital stored on the user's profile; 0 for users
// without a hospital (super users).
func (u *User) ProfileHospital() int64 {
	if u.HospitalID == nil {
		return 0
	}
	return *u.HospitalID
}

// Profile is one of DoctorProfile, NurseProfile, ScientistProfile,
// PatientProfile or TechnicianProfile. Each lives in its own table.
type Profile interface {
	RoleType() RoleType
	Base() *ProfileBase
}

type ProfileBase struct {
	ID         int64     `db:"id" json:"id"`
	UserID     int64     `db:"user_id" json:"user_id"`
	HospitalID int64     `db:"hospital_id" json:"hospital_id"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

func (b *ProfileBase) Base() *ProfileBase { return b }

type DoctorProfile struct {
	ProfileBase
	Phone *string `db:"phone" json:"phone,omitempty"`
}

func (*DoctorProfile) RoleType() RoleType { return RoleTypeDoctor }

type ScientistProfile struct {
	ProfileBase
	Phone *string `db:"phone" json:"phone,omitempty"`
}

func (*ScientistProfile) RoleType() RoleType { return RoleTypeScientist }

type TechnicianProfile struct {
	ProfileBase
	Phone *string `db:"phone" json:"phone,omitempty"`
}

func (*TechnicianProfile) RoleType() RoleType { return RoleTypeTechnician }

type NurseProfile struct {
	ProfileBase
	Gender       string    `db:"gender" json:"gender"`
	DOB          time.Time `db:"dob" json:"dob"`
	Age          int       `db:"age" json:"age"`
	RecordNumber string    `db:"record_number" json:"record_number"`
	Phone        *string   `db:"phone" json:"phone,omitempty"`
}

func (*NurseProfile) RoleType() RoleType { return RoleTypeNurse }

type PatientProfile struct {
	ProfileBase
	Gender                string    `db:"gender" json:"gender"`
	DOB                   time.Time `db:"dob" json:"dob"`
	Age                   int       `db:"age" json:"age"`
	MedicalRecordNumber   *string   `db:"medical_record_number" json:"medical_record_number,omitempty"`
	FinancialRecordNumber *string   `db:"financial_record_number" json:"financial_record_number,omitempty"`
	Phone                 *string   `db:"phone" json:"phone,omitempty"`
}

func (*PatientProfile) RoleType() RoleType { return RoleTypePatient }

// FormFields carries submitted profile values keyed "{role type}_{field}",
// e.g. patient_phone or nurse_gender.
type FormFields map[string]string

// UnmarshalJSON accepts string, number and boolean values and keeps each in
// its string form, so {"patient_age":34} and {"patient_age":"34"} decode the
// same. null values are dropped. Entries already in f are kept.
func (f *FormFields) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if *f == nil {
		*f = make(FormFields, len(raw))
	}
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
		case string:
			(*f)[k] = val
		case json.Number:
			(*f)[k] = val.String()
		case bool:
			(*f)[k] = strconv.FormatBool(val)
		default:
			return fmt.Errorf("field %q must be a string, number or boolean", k)
		}
	}
	return nil
}

// get returns the non-empty value of t's namespaced field.
func (f FormFields) get(t RoleType, field string) (string, bool) {
	v, ok := f[string(t)+"_"+field]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// UserInput is the payload for creating a user together with its profile.
type UserInput struct {
	HospitalID *int64     `json:"hospital_id,omitempty"`
	RoleID     int64      `json:"role_id"`
	Name       string     `json:"name"`
	Email      string     `json:"email"`
	Fields     FormFields `json:"fields,omitempty"`
}
