package procedure

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meg/meg/internal/platform/db"
)

func NewRepositoriesPG(pool *pgxpool.Pool) Repositories {
	return Repositories{
		Catalog:    &catalogRepoPG{pool: pool},
		Procedures: &caseProcedureRepoPG{pool: pool},
		Documents:  &documentRepoPG{pool: pool},
	}
}

// =========== Catalog Repository ===========

type catalogRepoPG struct{ pool *pgxpool.Pool }

func (r *catalogRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const catalogCols = `id, hospital_id, name, kind, code, active, created_at`

func scanExamProcedure(row pgx.Row) (*ExamProcedure, error) {
	var e ExamProcedure
	var kind string
	if err := row.Scan(&e.ID, &e.HospitalID, &e.Name, &kind, &e.Code, &e.Active, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Kind = Kind(kind)
	return &e, nil
}

func (r *catalogRepoPG) Create(ctx context.Context, e *ExamProcedure) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO exam_procedures (hospital_id, name, kind, code, active)
		VALUES ($1,$2,$3,$4,$5) RETURNING id, created_at`,
		e.HospitalID, e.Name, string(e.Kind), e.Code, e.Active,
	).Scan(&e.ID, &e.CreatedAt)
	return db.Wrap("insert exam procedure", err)
}

func (r *catalogRepoPG) GetByID(ctx context.Context, id int64) (*ExamProcedure, error) {
	e, err := scanExamProcedure(r.conn(ctx).QueryRow(ctx, `SELECT `+catalogCols+` FROM exam_procedures WHERE id = $1`, id))
	return e, db.Wrap(fmt.Sprintf("exam procedure %d", id), err)
}

func (r *catalogRepoPG) List(ctx context.Context, hospitalID int64, activeOnly bool, limit, offset int) ([]*ExamProcedure, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if hospitalID != 0 {
		where += fmt.Sprintf(` AND hospital_id = $%d`, idx)
		args = append(args, hospitalID)
		idx++
	}
	if activeOnly {
		where += ` AND active`
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM exam_procedures`+where, args...).Scan(&total); err != nil {
		return nil, 0, db.Wrap("count exam procedures", err)
	}

	query := `SELECT ` + catalogCols + ` FROM exam_procedures` + where +
		fmt.Sprintf(` ORDER BY name, id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, db.Wrap("list exam procedures", err)
	}
	defer rows.Close()
	var items []*ExamProcedure
	for rows.Next() {
		e, err := scanExamProcedure(rows)
		if err != nil {
			return nil, 0, db.Wrap("scan exam procedure", err)
		}
		items = append(items, e)
	}
	return items, total, db.Wrap("list exam procedures", rows.Err())
}

// =========== Case Procedure Repository ===========

type caseProcedureRepoPG struct{ pool *pgxpool.Pool }

func (r *caseProcedureRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const procedureCols = `id, case_id, exam_procedure_id, scheduled_at, status, notes, created_at, updated_at`

func scanCaseProcedure(row pgx.Row) (*CaseProcedure, error) {
	var p CaseProcedure
	var status string
	if err := row.Scan(&p.ID, &p.CaseID, &p.ExamProcedureID, &p.ScheduledAt, &status,
		&p.Notes, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = Status(status)
	return &p, nil
}

func (r *caseProcedureRepoPG) Create(ctx context.Context, p *CaseProcedure) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO cases_exams_procedures (case_id, exam_procedure_id, scheduled_at, status, notes)
		VALUES ($1,$2,$3,$4,$5) RETURNING id, created_at, updated_at`,
		p.CaseID, p.ExamProcedureID, p.ScheduledAt, string(p.Status), p.Notes,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	return db.Wrap(fmt.Sprintf("schedule procedure for case %d", p.CaseID), err)
}

func (r *caseProcedureRepoPG) GetByID(ctx context.Context, id int64) (*CaseProcedure, error) {
	p, err := scanCaseProcedure(r.conn(ctx).QueryRow(ctx,
		`SELECT `+procedureCols+` FROM cases_exams_procedures WHERE id = $1`, id))
	return p, db.Wrap(fmt.Sprintf("case procedure %d", id), err)
}

func (r *caseProcedureRepoPG) GetForUpdate(ctx context.Context, id int64) (*CaseProcedure, error) {
	p, err := scanCaseProcedure(r.conn(ctx).QueryRow(ctx,
		`SELECT `+procedureCols+` FROM cases_exams_procedures WHERE id = $1 FOR UPDATE`, id))
	return p, db.Wrap(fmt.Sprintf("case procedure %d", id), err)
}

func (r *caseProcedureRepoPG) SetStatus(ctx context.Context, id int64, status Status) error {
	op := fmt.Sprintf("set status on case procedure %d", id)
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE cases_exams_procedures SET status = $2, updated_at = NOW() WHERE id = $1`, id, string(status))
	if err != nil {
		return db.Wrap(op, err)
	}
	if tag.RowsAffected() == 0 {
		return db.Wrap(op, pgx.ErrNoRows)
	}
	return nil
}

func (r *caseProcedureRepoPG) ListByCase(ctx context.Context, caseID int64) ([]*CaseProcedure, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+procedureCols+`
		FROM cases_exams_procedures WHERE case_id = $1 ORDER BY scheduled_at, id`, caseID)
	if err != nil {
		return nil, db.Wrap("list case procedures", err)
	}
	defer rows.Close()
	var items []*CaseProcedure
	for rows.Next() {
		p, err := scanCaseProcedure(rows)
		if err != nil {
			return nil, db.Wrap("scan case procedure", err)
		}
		items = append(items, p)
	}
	return items, db.Wrap("list case procedures", rows.Err())
}

// =========== Document Repository ===========

type documentRepoPG struct{ pool *pgxpool.Pool }

func (r *documentRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const documentCols = `id, case_id, patient_id, case_procedure_id, document_type, file_name, path,
	size, mime_type, uploaded_by, created_at`

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.CaseID, &d.PatientID, &d.CaseProcedureID, &d.DocumentType, &d.FileName,
		&d.Path, &d.Size, &d.MimeType, &d.UploadedBy, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *documentRepoPG) Create(ctx context.Context, d *Document) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO documents (case_id, patient_id, case_procedure_id, document_type, file_name, path,
			size, mime_type, uploaded_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id, created_at`,
		d.CaseID, d.PatientID, d.CaseProcedureID, d.DocumentType, d.FileName, d.Path,
		d.Size, d.MimeType, d.UploadedBy,
	).Scan(&d.ID, &d.CreatedAt)
	return db.Wrap("insert document", err)
}

func (r *documentRepoPG) GetByID(ctx context.Context, id int64) (*Document, error) {
	d, err := scanDocument(r.conn(ctx).QueryRow(ctx, `SELECT `+documentCols+` FROM documents WHERE id = $1`, id))
	return d, db.Wrap(fmt.Sprintf("document %d", id), err)
}

func (r *documentRepoPG) list(ctx context.Context, where string, arg int64) ([]*Document, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+documentCols+` FROM documents WHERE `+where+
		` = $1 ORDER BY created_at, id`, arg)
	if err != nil {
		return nil, db.Wrap("list documents", err)
	}
	defer rows.Close()
	var items []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, db.Wrap("scan document", err)
		}
		items = append(items, d)
	}
	return items, db.Wrap("list documents", rows.Err())
}

func (r *documentRepoPG) ListByProcedure(ctx context.Context, procedureID int64) ([]*Document, error) {
	return r.list(ctx, "case_procedure_id", procedureID)
}

func (r *documentRepoPG) ListByCase(ctx context.Context, caseID int64) ([]*Document, error) {
	return r.list(ctx, "case_id", caseID)
}

func (r *documentRepoPG) Delete(ctx context.Context, id int64) error {
	op := fmt.Sprintf("delete document %d", id)
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return db.Wrap(op, err)
	}
	if tag.RowsAffected() == 0 {
		return db.Wrap(op, pgx.ErrNoRows)
	}
	return nil
}
