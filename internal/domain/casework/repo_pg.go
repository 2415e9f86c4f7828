package casework

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meg/meg/internal/platform/db"
)

// NewRepositoriesPG wires every casework repository to pool.
func NewRepositoriesPG(pool *pgxpool.Pool) Repositories {
	return Repositories{
		Cases:       NewCaseRepoPG(pool),
		Versions:    NewVersionRepoPG(pool),
		Assignments: NewAssignmentRepoPG(pool),
		Audits:      NewAuditRepoPG(pool),
	}
}

// =========== Case Repository ===========

type caseRepoPG struct{ pool *pgxpool.Pool }

func NewCaseRepoPG(pool *pgxpool.Pool) CaseRepository { return &caseRepoPG{pool: pool} }

func (r *caseRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const caseCols = `id, hospital_id, patient_id, department_id, assigned_to, current_version_id,
	created_by, case_date, priority, notes, symptoms, status,
	COALESCE(technician_status, 'draft'), COALESCE(scientist_status, 'draft'), COALESCE(doctor_status, 'draft'),
	created_at, updated_at`

func (r *caseRepoPG) scanCase(row pgx.Row) (*MedicalCase, error) {
	var c MedicalCase
	var priority, status, tech, sci, doc string
	err := row.Scan(&c.ID, &c.HospitalID, &c.PatientID, &c.DepartmentID, &c.AssignedTo, &c.CurrentVersionID,
		&c.CreatedBy, &c.CaseDate, &priority, &c.Notes, &c.Symptoms, &status,
		&tech, &sci, &doc, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Priority = Priority(priority)
	c.Status = Status(status)
	c.TechnicianStatus = Status(tech)
	c.ScientistStatus = Status(sci)
	c.DoctorStatus = Status(doc)
	return &c, nil
}

func (r *caseRepoPG) Create(ctx context.Context, c *MedicalCase) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO medical_cases (hospital_id, patient_id, department_id, created_by, case_date,
			priority, notes, symptoms, status, technician_status, scientist_status, doctor_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id, created_at, updated_at`,
		c.HospitalID, c.PatientID, c.DepartmentID, c.CreatedBy, c.CaseDate,
		string(c.Priority), c.Notes, c.Symptoms, string(c.Status),
		string(c.TechnicianStatus), string(c.ScientistStatus), string(c.DoctorStatus),
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	return db.Wrap("insert case", err)
}

func (r *caseRepoPG) GetByID(ctx context.Context, id int64) (*MedicalCase, error) {
	c, err := r.scanCase(r.conn(ctx).QueryRow(ctx, `SELECT `+caseCols+` FROM medical_cases WHERE id = $1`, id))
	return c, db.Wrap(fmt.Sprintf("case %d", id), err)
}

func (r *caseRepoPG) GetForUpdate(ctx context.Context, id int64) (*MedicalCase, error) {
	c, err := r.scanCase(r.conn(ctx).QueryRow(ctx, `SELECT `+caseCols+` FROM medical_cases WHERE id = $1 FOR UPDATE`, id))
	return c, db.Wrap(fmt.Sprintf("case %d", id), err)
}

func (r *caseRepoPG) Update(ctx context.Context, c *MedicalCase) error {
	return r.exec(ctx, fmt.Sprintf("update case %d", c.ID), `
		UPDATE medical_cases SET patient_id=$2, department_id=$3, case_date=$4, priority=$5,
			notes=$6, symptoms=$7, updated_at=NOW()
		WHERE id = $1`,
		c.ID, c.PatientID, c.DepartmentID, c.CaseDate, string(c.Priority), c.Notes, c.Symptoms)
}

// roleColumns keeps the column name out of caller input.
var roleColumns = map[Role]string{
	RoleTechnician: "technician_status",
	RoleScientist:  "scientist_status",
	RoleDoctor:     "doctor_status",
}

func (r *caseRepoPG) SetRoleStatus(ctx context.Context, id int64, role Role, status Status) error {
	col, ok := roleColumns[role]
	if !ok {
		return fmt.Errorf("unknown role track %q", role)
	}
	return r.exec(ctx, fmt.Sprintf("set %s on case %d", col, id),
		`UPDATE medical_cases SET `+col+` = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
}

func (r *caseRepoPG) SetStatus(ctx context.Context, id int64, status Status) error {
	return r.exec(ctx, fmt.Sprintf("set status on case %d", id),
		`UPDATE medical_cases SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
}

func (r *caseRepoPG) SetAssignedTo(ctx context.Context, id int64, userID int64) error {
	return r.exec(ctx, fmt.Sprintf("set assigned_to on case %d", id),
		`UPDATE medical_cases SET assigned_to = $2, updated_at = NOW() WHERE id = $1`, id, userID)
}

func (r *caseRepoPG) SetCurrentVersion(ctx context.Context, id int64, versionID int64) error {
	return r.exec(ctx, fmt.Sprintf("set current version on case %d", id),
		`UPDATE medical_cases SET current_version_id = $2 WHERE id = $1`, id, versionID)
}

func (r *caseRepoPG) exec(ctx context.Context, op, sql string, args ...interface{}) error {
	tag, err := r.conn(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return db.Wrap(op, err)
	}
	if tag.RowsAffected() == 0 {
		return db.Wrap(op, pgx.ErrNoRows)
	}
	return nil
}

func (r *caseRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*MedicalCase, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.HospitalID != 0 {
		where += fmt.Sprintf(` AND hospital_id = $%d`, idx)
		args = append(args, f.HospitalID)
		idx++
	}
	if f.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, string(f.Status))
		idx++
	}
	if f.AssignedTo != 0 {
		where += fmt.Sprintf(` AND assigned_to = $%d`, idx)
		args = append(args, f.AssignedTo)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM medical_cases`+where, args...).Scan(&total); err != nil {
		return nil, 0, db.Wrap("count cases", err)
	}

	query := `SELECT ` + caseCols + ` FROM medical_cases` + where +
		fmt.Sprintf(` ORDER BY case_date DESC, id DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, db.Wrap("list cases", err)
	}
	defer rows.Close()
	var items []*MedicalCase
	for rows.Next() {
		c, err := r.scanCase(rows)
		if err != nil {
			return nil, 0, db.Wrap("scan case", err)
		}
		items = append(items, c)
	}
	return items, total, db.Wrap("list cases", rows.Err())
}

// =========== Version Repository ===========

type versionRepoPG struct{ pool *pgxpool.Pool }

func NewVersionRepoPG(pool *pgxpool.Pool) VersionRepository { return &versionRepoPG{pool: pool} }

func (r *versionRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

// Create computes the next number inside the insert. Callers hold the case
// row lock, so two versions of one case never race for a number.
func (r *versionRepoPG) Create(ctx context.Context, v *CaseVersion) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO case_versions (case_id, version_number, created_by, snapshot)
		SELECT $1, COALESCE(MAX(version_number), 0) + 1, $2, $3
		FROM case_versions WHERE case_id = $1
		RETURNING id, version_number, created_at`,
		v.CaseID, v.CreatedBy, v.Snapshot,
	).Scan(&v.ID, &v.VersionNumber, &v.CreatedAt)
	return db.Wrap(fmt.Sprintf("insert version for case %d", v.CaseID), err)
}

func (r *versionRepoPG) ListByCase(ctx context.Context, caseID int64) ([]*CaseVersion, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, case_id, version_number, created_by, snapshot, created_at
		FROM case_versions WHERE case_id = $1 ORDER BY version_number DESC`, caseID)
	if err != nil {
		return nil, db.Wrap("list versions", err)
	}
	defer rows.Close()
	var items []*CaseVersion
	for rows.Next() {
		var v CaseVersion
		if err := rows.Scan(&v.ID, &v.CaseID, &v.VersionNumber, &v.CreatedBy, &v.Snapshot, &v.CreatedAt); err != nil {
			return nil, db.Wrap("scan version", err)
		}
		items = append(items, &v)
	}
	return items, db.Wrap("list versions", rows.Err())
}

// =========== Assignment Repository ===========

type assignmentRepoPG struct{ pool *pgxpool.Pool }

func NewAssignmentRepoPG(pool *pgxpool.Pool) AssignmentRepository {
	return &assignmentRepoPG{pool: pool}
}

func (r *assignmentRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const assignmentCols = `id, case_id, case_version_id, assigned_by, assigned_to, assigned_at, notes`

func scanAssignment(row pgx.Row) (*CaseAssignment, error) {
	var a CaseAssignment
	err := row.Scan(&a.ID, &a.CaseID, &a.CaseVersionID, &a.AssignedBy, &a.AssignedTo, &a.AssignedAt, &a.Notes)
	return &a, err
}

func (r *assignmentRepoPG) Append(ctx context.Context, a *CaseAssignment) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO case_assignments (case_id, case_version_id, assigned_by, assigned_to, assigned_at, notes)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		a.CaseID, a.CaseVersionID, a.AssignedBy, a.AssignedTo, a.AssignedAt, a.Notes,
	).Scan(&a.ID)
	return db.Wrap(fmt.Sprintf("insert assignment for case %d", a.CaseID), err)
}

func (r *assignmentRepoPG) Latest(ctx context.Context, caseID int64) (*CaseAssignment, error) {
	a, err := scanAssignment(r.conn(ctx).QueryRow(ctx, `SELECT `+assignmentCols+`
		FROM case_assignments WHERE case_id = $1
		ORDER BY assigned_at DESC, id DESC LIMIT 1`, caseID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, db.Wrap("latest assignment", err)
	}
	return a, nil
}

func (r *assignmentRepoPG) ListByCase(ctx context.Context, caseID int64) ([]*CaseAssignment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+assignmentCols+`
		FROM case_assignments WHERE case_id = $1
		ORDER BY assigned_at DESC, id DESC`, caseID)
	if err != nil {
		return nil, db.Wrap("list assignments", err)
	}
	defer rows.Close()
	var items []*CaseAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, db.Wrap("scan assignment", err)
		}
		items = append(items, a)
	}
	return items, db.Wrap("list assignments", rows.Err())
}

// =========== Audit Repository ===========

type auditRepoPG struct{ pool *pgxpool.Pool }

func NewAuditRepoPG(pool *pgxpool.Pool) AuditRepository { return &auditRepoPG{pool: pool} }

func (r *auditRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *auditRepoPG) Append(ctx context.Context, a *CaseAudit) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO case_audits (case_id, case_version_id, field_name, old_value, new_value, changed_by, changed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		a.CaseID, a.CaseVersionID, a.FieldName, a.OldValue, a.NewValue, a.ChangedBy, a.ChangedAt,
	).Scan(&a.ID)
	return db.Wrap(fmt.Sprintf("insert %s audit for case %d", a.FieldName, a.CaseID), err)
}

func (r *auditRepoPG) ListByCase(ctx context.Context, caseID int64) ([]*CaseAudit, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, case_id, case_version_id, field_name, old_value, new_value, changed_by, changed_at
		FROM case_audits WHERE case_id = $1
		ORDER BY changed_at DESC, id DESC`, caseID)
	if err != nil {
		return nil, db.Wrap("list audits", err)
	}
	defer rows.Close()
	var items []*CaseAudit
	for rows.Next() {
		var a CaseAudit
		if err := rows.Scan(&a.ID, &a.CaseID, &a.CaseVersionID, &a.FieldName, &a.OldValue,
			&a.NewValue, &a.ChangedBy, &a.ChangedAt); err != nil {
			return nil, db.Wrap("scan audit", err)
		}
		items = append(items, &a)
	}
	return items, db.Wrap("list audits", rows.Err())
}
