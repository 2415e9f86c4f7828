package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meg/meg/internal/platform/db"
)

// -- Role Repository --

type roleRepoPG struct{ pool *pgxpool.Pool }

func NewRoleRepoPG(pool *pgxpool.Pool) RoleRepository { return &roleRepoPG{pool: pool} }

func (r *roleRepoPG) GetByID(ctx context.Context, id int64) (*Role, error) {
	var role Role
	var t string
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT id, name, type FROM roles WHERE id = $1`, id).
		Scan(&role.ID, &role.Name, &t)
	if err != nil {
		return nil, db.Wrap(fmt.Sprintf("role %d", id), err)
	}
	role.Type = RoleType(t)
	return &role, nil
}

func (r *roleRepoPG) List(ctx context.Context) ([]*Role, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT id, name, type FROM roles ORDER BY id`)
	if err != nil {
		return nil, db.Wrap("list roles", err)
	}
	defer rows.Close()
	var out []*Role
	for rows.Next() {
		var role Role
		var t string
		if err := rows.Scan(&role.ID, &role.Name, &t); err != nil {
			return nil, db.Wrap("scan role", err)
		}
		role.Type = RoleType(t)
		out = append(out, &role)
	}
	return out, db.Wrap("list roles", rows.Err())
}

// -- User Repository --

type userRepoPG struct{ pool *pgxpool.Pool }

func NewUserRepoPG(pool *pgxpool.Pool) UserRepository { return &userRepoPG{pool: pool} }

const userCols = `u.id, u.hospital_id, u.role_id, u.name, u.email, u.active, u.created_at, u.updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.HospitalID, &u.RoleID, &u.Name, &u.Email, &u.Active, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *userRepoPG) Create(ctx context.Context, u *User) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO users (hospital_id, role_id, name, email, active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`,
		u.HospitalID, u.RoleID, u.Name, u.Email, u.Active,
	).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	return db.Wrap("insert user", err)
}

func (r *userRepoPG) GetByID(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+userCols+` FROM users u WHERE u.id = $1`, id))
	return u, db.Wrap(fmt.Sprintf("user %d", id), err)
}

func (r *userRepoPG) GetForUpdate(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+userCols+` FROM users u WHERE u.id = $1 FOR UPDATE`, id))
	return u, db.Wrap(fmt.Sprintf("user %d", id), err)
}

func (r *userRepoPG) UpdateRole(ctx context.Context, id, roleID int64) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE users SET role_id = $2, updated_at = NOW() WHERE id = $1`, id, roleID)
	if err == nil && tag.RowsAffected() == 0 {
		err = pgx.ErrNoRows
	}
	return db.Wrap(fmt.Sprintf("update role of user %d", id), err)
}

func (r *userRepoPG) List(ctx context.Context, roleType RoleType, limit, offset int) ([]*User, int, error) {
	from := ` FROM users u JOIN roles ro ON ro.id = u.role_id`
	var args []interface{}
	if roleType != "" {
		from += ` WHERE ro.type = $1`
		args = append(args, string(roleType))
	}

	var total int
	if err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*)`+from, args...).Scan(&total); err != nil {
		return nil, 0, db.Wrap("count users", err)
	}

	n := len(args)
	query := `SELECT ` + userCols + from + fmt.Sprintf(` ORDER BY u.name, u.id LIMIT $%d OFFSET $%d`, n+1, n+2)
	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, db.Wrap("list users", err)
	}
	defer rows.Close()
	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, db.Wrap("scan user", err)
		}
		out = append(out, u)
	}
	return out, total, db.Wrap("list users", rows.Err())
}

// -- Profile Repository --

// profileTables maps each profile type to its table. Table names never come
// from caller input.
var profileTables = map[RoleType]string{
	RoleTypeDoctor:     "doctors",
	RoleTypeNurse:      "nurses",
	RoleTypeScientist:  "scientists",
	RoleTypePatient:    "patients",
	RoleTypeTechnician: "technicians",
}

type profileRepoPG struct{ pool *pgxpool.Pool }

func NewProfileRepoPG(pool *pgxpool.Pool) ProfileRepository { return &profileRepoPG{pool: pool} }

func tableFor(t RoleType) (string, error) {
	table, ok := profileTables[t]
	if !ok {
		return "", fmt.Errorf("role type %q has no profile table", t)
	}
	return table, nil
}

func (r *profileRepoPG) Get(ctx context.Context, t RoleType, userID int64) (Profile, error) {
	conn := db.Conn(ctx, r.pool)
	const base = `id, user_id, hospital_id, created_at, updated_at`
	var (
		p   Profile
		err error
	)
	switch t {
	case RoleTypeDoctor, RoleTypeScientist, RoleTypeTechnician:
		var b ProfileBase
		var phone *string
		err = conn.QueryRow(ctx, `SELECT `+base+`, phone FROM `+profileTables[t]+` WHERE user_id = $1`, userID).
			Scan(&b.ID, &b.UserID, &b.HospitalID, &b.CreatedAt, &b.UpdatedAt, &phone)
		switch t {
		case RoleTypeDoctor:
			p = &DoctorProfile{ProfileBase: b, Phone: phone}
		case RoleTypeScientist:
			p = &ScientistProfile{ProfileBase: b, Phone: phone}
		default:
			p = &TechnicianProfile{ProfileBase: b, Phone: phone}
		}
	case RoleTypeNurse:
		n := &NurseProfile{}
		err = conn.QueryRow(ctx, `SELECT `+base+`, gender, dob, age, record_number, phone FROM nurses WHERE user_id = $1`, userID).
			Scan(&n.ID, &n.UserID, &n.HospitalID, &n.CreatedAt, &n.UpdatedAt,
				&n.Gender, &n.DOB, &n.Age, &n.RecordNumber, &n.Phone)
		p = n
	case RoleTypePatient:
		pt := &PatientProfile{}
		err = conn.QueryRow(ctx, `SELECT `+base+`, gender, dob, age, medical_record_number,
			financial_record_number, phone FROM patients WHERE user_id = $1`, userID).
			Scan(&pt.ID, &pt.UserID, &pt.HospitalID, &pt.CreatedAt, &pt.UpdatedAt,
				&pt.Gender, &pt.DOB, &pt.Age, &pt.MedicalRecordNumber, &pt.FinancialRecordNumber, &pt.Phone)
		p = pt
	default:
		return nil, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, db.Wrap(fmt.Sprintf("%s profile of user %d", t, userID), err)
	}
	return p, nil
}

func (r *profileRepoPG) Insert(ctx context.Context, p Profile) error {
	conn := db.Conn(ctx, r.pool)
	b := p.Base()
	var row pgx.Row
	switch v := p.(type) {
	case *DoctorProfile, *ScientistProfile, *TechnicianProfile:
		row = conn.QueryRow(ctx, `INSERT INTO `+profileTables[p.RoleType()]+` (user_id, hospital_id, phone)
			VALUES ($1, $2, $3) RETURNING id, created_at, updated_at`,
			b.UserID, b.HospitalID, staffPhone(v))
	case *NurseProfile:
		row = conn.QueryRow(ctx, `INSERT INTO nurses (user_id, hospital_id, gender, dob, age, record_number, phone)
			VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at, updated_at`,
			b.UserID, b.HospitalID, v.Gender, v.DOB, v.Age, v.RecordNumber, v.Phone)
	case *PatientProfile:
		row = conn.QueryRow(ctx, `INSERT INTO patients (user_id, hospital_id, gender, dob, age,
			medical_record_number, financial_record_number, phone)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id, created_at, updated_at`,
			b.UserID, b.HospitalID, v.Gender, v.DOB, v.Age, v.MedicalRecordNumber, v.FinancialRecordNumber, v.Phone)
	default:
		return fmt.Errorf("unsupported profile %T", p)
	}
	return db.Wrap(fmt.Sprintf("insert %s profile", p.RoleType()), row.Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt))
}

func (r *profileRepoPG) Update(ctx context.Context, p Profile) error {
	conn := db.Conn(ctx, r.pool)
	b := p.Base()
	var err error
	switch v := p.(type) {
	case *DoctorProfile, *ScientistProfile, *TechnicianProfile:
		_, err = conn.Exec(ctx, `UPDATE `+profileTables[p.RoleType()]+` SET phone = $2, updated_at = NOW() WHERE user_id = $1`,
			b.UserID, staffPhone(v))
	case *NurseProfile:
		_, err = conn.Exec(ctx, `UPDATE nurses SET gender = $2, dob = $3, age = $4, record_number = $5,
			phone = $6, updated_at = NOW() WHERE user_id = $1`,
			b.UserID, v.Gender, v.DOB, v.Age, v.RecordNumber, v.Phone)
	case *PatientProfile:
		_, err = conn.Exec(ctx, `UPDATE patients SET gender = $2, dob = $3, age = $4, medical_record_number = $5,
			financial_record_number = $6, phone = $7, updated_at = NOW() WHERE user_id = $1`,
			b.UserID, v.Gender, v.DOB, v.Age, v.MedicalRecordNumber, v.FinancialRecordNumber, v.Phone)
	default:
		return fmt.Errorf("unsupported profile %T", p)
	}
	return db.Wrap(fmt.Sprintf("update %s profile", p.RoleType()), err)
}

// ProfileTypes checks every variant table in one statement.
func (r *profileRepoPG) ProfileTypes(ctx context.Context, userID int64) ([]RoleType, error) {
	parts := make([]string, 0, len(ProfileTypes))
	for _, t := range ProfileTypes {
		parts = append(parts, `SELECT '`+string(t)+`' FROM `+profileTables[t]+` WHERE user_id = $1`)
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, strings.Join(parts, " UNION ALL "), userID)
	if err != nil {
		return nil, db.Wrap("list profile types", err)
	}
	defer rows.Close()
	var out []RoleType
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, db.Wrap("scan profile type", err)
		}
		out = append(out, RoleType(t))
	}
	return out, db.Wrap("list profile types", rows.Err())
}

func (r *profileRepoPG) Delete(ctx context.Context, t RoleType, userID int64) (bool, error) {
	table, err := tableFor(t)
	if err != nil {
		return false, err
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM `+table+` WHERE user_id = $1`, userID)
	if err != nil {
		return false, db.Wrap(fmt.Sprintf("delete %s profile", t), err)
	}
	return tag.RowsAffected() > 0, nil
}

func staffPhone(p Profile) *string {
	switch v := p.(type) {
	case *DoctorProfile:
		return v.Phone
	case *ScientistProfile:
		return v.Phone
	case *TechnicianProfile:
		return v.Phone
	}
	return nil
}
