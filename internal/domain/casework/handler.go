package casework

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/meg/meg/internal/platform/apperror"
	"github.com/meg/meg/internal/platform/auth"
	"github.com/meg/meg/pkg/pagination"
)

// CaseView is a case plus its derived presentation fields.
type CaseView struct {
	*MedicalCase
	OverallStatus Status `json:"overall_status"`
	StatusLabel   string `json:"status_label"`
	StatusColor   string `json:"status_color"`
	PriorityLabel string `json:"priority_label"`
	PriorityColor string `json:"priority_color"`
}

func NewCaseView(c *MedicalCase) *CaseView {
	overall := c.OverallStatus()
	return &CaseView{
		MedicalCase:   c,
		OverallStatus: overall,
		StatusLabel:   StatusLabel(overall),
		StatusColor:   ColorClass(overall),
		PriorityLabel: PriorityLabel(c.Priority),
		PriorityColor: PriorityColor(c.Priority),
	}
}

// AuditView is an audit row with its rendered sentence.
type AuditView struct {
	*CaseAudit
	Label       string `json:"label"`
	Description string `json:"description"`
}

func NewAuditView(a *CaseAudit) *AuditView {
	return &AuditView{CaseAudit: a, Label: FieldLabel(a.FieldName), Description: Describe(a)}
}

// Handler serves the read side of cases. Mutations go through the workflow
// facade.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("doctor", "nurse", "scientist", "technician"))
	read.GET("/cases", h.ListCases)
	read.GET("/cases/:id", h.GetCase)
	read.GET("/cases/:id/versions", h.ListVersions)
	read.GET("/cases/:id/audits", h.ListAudits)
	read.GET("/cases/:id/assignments", h.ListAssignments)
}

// ParseID reads a positive int64 path parameter.
func ParseID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func queryID(c echo.Context, name string) (int64, error) {
	v := c.QueryParam(name)
	if v == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func (h *Handler) ListCases(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f ListFilter
	var err error
	if f.HospitalID, err = queryID(c, "hospital_id"); err != nil {
		return err
	}
	if f.AssignedTo, err = queryID(c, "assigned_to"); err != nil {
		return err
	}
	f.Status = Status(c.QueryParam("status"))

	items, total, err := h.svc.ListCases(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	views := make([]*CaseView, len(items))
	for i, item := range items {
		views[i] = NewCaseView(item)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(views, total, pg).WithLinks(c.Request().URL))
}

func (h *Handler) GetCase(c echo.Context) error {
	id, err := ParseID(c, "id")
	if err != nil {
		return err
	}
	mc, err := h.svc.GetCase(c.Request().Context(), id)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, NewCaseView(mc))
}

func (h *Handler) ListVersions(c echo.Context) error {
	id, err := ParseID(c, "id")
	if err != nil {
		return err
	}
	versions, err := h.svc.Versions(c.Request().Context(), id)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, versions)
}

func (h *Handler) ListAudits(c echo.Context) error {
	id, err := ParseID(c, "id")
	if err != nil {
		return err
	}
	audits, err := h.svc.AuditTrail(c.Request().Context(), id)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	views := make([]*AuditView, len(audits))
	for i, a := range audits {
		views[i] = NewAuditView(a)
	}
	return c.JSON(http.StatusOK, views)
}

func (h *Handler) ListAssignments(c echo.Context) error {
	id, err := ParseID(c, "id")
	if err != nil {
		return err
	}
	history, err := h.svc.AssignmentHistory(c.Request().Context(), id)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, history)
}
