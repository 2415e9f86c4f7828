package procedure

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/meg/meg/internal/platform/apperror"
	"github.com/meg/meg/internal/platform/auth"
	"github.com/meg/meg/pkg/pagination"
)

// ProcedureView adds the derived document queries to a procedure.
type ProcedureView struct {
	*CaseProcedure
	StatusLabel   string `json:"status_label"`
	HasDocuments  bool   `json:"has_documents"`
	DocumentCount int    `json:"document_count"`
}

func NewProcedureView(p *CaseProcedure) *ProcedureView {
	return &ProcedureView{
		CaseProcedure: p,
		StatusLabel:   p.Status.Label(),
		HasDocuments:  p.HasDocuments(),
		DocumentCount: p.DocumentCount(),
	}
}

// Handler serves the catalog and procedure reads. Scheduling, status changes
// and uploads go through the workflow facade.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("doctor", "nurse", "scientist", "technician"))
	read.GET("/exam-procedures", h.ListExamProcedures)
	read.GET("/exam-procedures/:id", h.GetExamProcedure)
	read.GET("/cases/:id/procedures", h.ListCaseProcedures)
	read.GET("/cases/:id/documents", h.ListCaseDocuments)
	read.GET("/procedures/:id", h.GetProcedure)

	admin := api.Group("", auth.RequireRole("admin"))
	admin.POST("/exam-procedures", h.CreateExamProcedure)
}

func parseID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) CreateExamProcedure(c echo.Context) error {
	e := ExamProcedure{Active: true}
	if err := c.Bind(&e); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if e.HospitalID == 0 {
		e.HospitalID = auth.HospitalFromContext(c.Request().Context())
	}
	if err := h.svc.CreateExamProcedure(c.Request().Context(), &e); err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) GetExamProcedure(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.GetExamProcedure(c.Request().Context(), id)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) ListExamProcedures(c echo.Context) error {
	pg := pagination.FromContext(c)
	var hospitalID int64
	if v := c.QueryParam("hospital_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid hospital_id")
		}
		hospitalID = id
	}
	activeOnly := c.QueryParam("include_inactive") != "true"

	items, total, err := h.svc.ListExamProcedures(c.Request().Context(), hospitalID, activeOnly, pg.Limit, pg.Offset)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, total, pg).WithLinks(c.Request().URL))
}

func (h *Handler) ListCaseProcedures(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListByCase(c.Request().Context(), id)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	views := make([]*ProcedureView, len(items))
	for i, p := range items {
		views[i] = NewProcedureView(p)
	}
	return c.JSON(http.StatusOK, views)
}

// ListCaseDocuments returns every document of the case, procedure bound or not.
func (h *Handler) ListCaseDocuments(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	docs, err := h.svc.CaseDocuments(c.Request().Context(), id)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	if docs == nil {
		docs = []*Document{}
	}
	return c.JSON(http.StatusOK, docs)
}

func (h *Handler) GetProcedure(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, NewProcedureView(p))
}
