package workflow

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/meg/meg/internal/domain/casework"
	"github.com/meg/meg/internal/domain/identity"
	"github.com/meg/meg/internal/domain/procedure"
	"github.com/meg/meg/internal/platform/apperror"
	"github.com/meg/meg/internal/platform/auth"
)

// Handler serves every case mutation.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := api.Group("", auth.RequireRole("doctor", "nurse", "scientist", "technician"))
	staff.GET("/cases/:id/timeline", h.GetTimeline)
	staff.GET("/documents/:id/url", h.GetDocumentURL)

	intake := api.Group("", auth.RequireRole("doctor", "nurse"))
	intake.POST("/cases", h.CreateCase)
	intake.PUT("/cases/:id", h.UpdateCase)
	intake.POST("/cases/:id/promote", h.PromoteCase)
	intake.POST("/cases/:id/procedures", h.ScheduleProcedure)

	tracks := api.Group("", auth.RequireRole("doctor", "scientist", "technician"))
	tracks.PUT("/cases/:id/status/:role", h.SetRoleStatus)
	tracks.PUT("/procedures/:id/status", h.AdvanceProcedure)
	tracks.POST("/procedures/:id/documents", h.UploadDocument)
	tracks.DELETE("/documents/:id", h.DeleteDocument)

	admin := api.Group("", auth.RequireRole("admin"))
	admin.PUT("/users/:id/role", h.ChangeUserRole)
}

// CaseRequest is the body of POST /cases.
type CaseRequest struct {
	HospitalID   int64             `json:"hospital_id"`
	PatientID    int64             `json:"patient_id"`
	DepartmentID *int64            `json:"department_id"`
	CaseDate     *time.Time        `json:"case_date"`
	Priority     casework.Priority `json:"priority"`
	Notes        *string           `json:"notes"`
	Symptoms     *string           `json:"symptoms"`
}

func (h *Handler) CreateCase(c echo.Context) error {
	var req CaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if req.HospitalID == 0 {
		req.HospitalID = auth.HospitalFromContext(ctx)
	}

	mc := &casework.MedicalCase{
		HospitalID:   req.HospitalID,
		PatientID:    req.PatientID,
		DepartmentID: req.DepartmentID,
		Priority:     req.Priority,
		Notes:        req.Notes,
		Symptoms:     req.Symptoms,
	}
	if req.CaseDate != nil {
		mc.CaseDate = *req.CaseDate
	}
	if err := h.svc.CreateCase(ctx, mc, auth.UserIDFromContext(ctx)); err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, casework.NewCaseView(mc))
}

func (h *Handler) UpdateCase(c echo.Context) error {
	id, err := casework.ParseID(c, "id")
	if err != nil {
		return err
	}
	var u casework.CaseUpdate
	if err := c.Bind(&u); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	mc, err := h.svc.UpdateCase(ctx, id, u, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, casework.NewCaseView(mc))
}

func (h *Handler) GetTimeline(c echo.Context) error {
	id, err := casework.ParseID(c, "id")
	if err != nil {
		return err
	}
	tl, err := h.svc.CaseTimeline(c.Request().Context(), id)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, tl)
}

// PromoteRequest is the body of POST /cases/:id/promote.
type PromoteRequest struct {
	AssignTo int64  `json:"assign_to"`
	Notes    string `json:"notes"`
}

func (h *Handler) PromoteCase(c echo.Context) error {
	id, err := casework.ParseID(c, "id")
	if err != nil {
		return err
	}
	var req PromoteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.AssignTo <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "assign_to is required")
	}
	ctx := c.Request().Context()
	a, err := h.svc.PromoteCase(ctx, id, auth.UserIDFromContext(ctx), req.AssignTo, req.Notes)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, a)
}

// StatusRequest is the body of the status routes.
type StatusRequest struct {
	Status string `json:"status"`
}

// SetRoleStatus lets each professional move only their own track.
func (h *Handler) SetRoleStatus(c echo.Context) error {
	id, err := casework.ParseID(c, "id")
	if err != nil {
		return err
	}
	role := c.Param("role")
	ctx := c.Request().Context()
	if !auth.HasRole(ctx, role) {
		return echo.NewHTTPError(http.StatusForbidden, fmt.Sprintf("required role: %s", role))
	}
	var req StatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	mc, err := h.svc.SetRoleStatus(ctx, id, role, req.Status, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, casework.NewCaseView(mc))
}

// RoleChangeRequest is the body of PUT /users/:id/role. Fields carries the
// prefixed form fields used to build the new profile.
type RoleChangeRequest struct {
	RoleID int64               `json:"role_id"`
	Fields identity.FormFields `json:"fields"`
}

// RoleChangeResponse pairs the user with their resynchronized profile.
type RoleChangeResponse struct {
	User    *identity.User   `json:"user"`
	Profile identity.Profile `json:"profile,omitempty"`
}

func (h *Handler) ChangeUserRole(c echo.Context) error {
	id, err := casework.ParseID(c, "id")
	if err != nil {
		return err
	}
	var req RoleChangeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.RoleID <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "role_id is required")
	}
	ctx := c.Request().Context()
	u, p, err := h.svc.ChangeUserRole(ctx, id, req.RoleID, req.Fields, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, RoleChangeResponse{User: u, Profile: p})
}

// ScheduleRequest is the body of POST /cases/:id/procedures.
type ScheduleRequest struct {
	ExamProcedureID int64     `json:"exam_procedure_id"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	Notes           string    `json:"notes"`
}

func (h *Handler) ScheduleProcedure(c echo.Context) error {
	id, err := casework.ParseID(c, "id")
	if err != nil {
		return err
	}
	var req ScheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ExamProcedureID <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "exam_procedure_id is required")
	}
	ctx := c.Request().Context()
	p, err := h.svc.ScheduleProcedure(ctx, id, req.ExamProcedureID, req.ScheduledAt, req.Notes, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, procedure.NewProcedureView(p))
}

func (h *Handler) AdvanceProcedure(c echo.Context) error {
	id, err := casework.ParseID(c, "id")
	if err != nil {
		return err
	}
	var req StatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	p, err := h.svc.AdvanceProcedure(ctx, id, req.Status, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, procedure.NewProcedureView(p))
}

// UploadResponse is returned by POST /procedures/:id/documents.
type UploadResponse struct {
	Document  *procedure.Document      `json:"document"`
	Procedure *procedure.ProcedureView `json:"procedure"`
}

// UploadDocument accepts a multipart form with a "file" part and a
// "document_type" field.
func (h *Handler) UploadDocument(c echo.Context) error {
	id, err := casework.ParseID(c, "id")
	if err != nil {
		return err
	}
	docType := c.FormValue("document_type")
	if docType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "document_type is required")
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable file")
	}
	defer f.Close()

	ctx := c.Request().Context()
	p, doc, err := h.svc.UploadProcedureDocument(ctx, id, DocumentUpload{
		DocumentType: docType,
		FileName:     fh.Filename,
		ContentType:  fh.Header.Get(echo.HeaderContentType),
		Body:         f,
	}, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, UploadResponse{Document: doc, Procedure: procedure.NewProcedureView(p)})
}

func (h *Handler) GetDocumentURL(c echo.Context) error {
	id, err := casework.ParseID(c, "id")
	if err != nil {
		return err
	}
	link, err := h.svc.DocumentURL(c.Request().Context(), id)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, link)
}

func (h *Handler) DeleteDocument(c echo.Context) error {
	id, err := casework.ParseID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.DeleteDocument(ctx, id, auth.UserIDFromContext(ctx)); err != nil {
		return apperror.ToHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}
