package identity

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/meg/meg/internal/platform/apperror"
	"github.com/meg/meg/internal/platform/auth"
	"github.com/meg/meg/internal/platform/hipaa"
	"github.com/meg/meg/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("doctor", "nurse", "scientist", "technician", "patient"))
	read.GET("/roles", h.ListRoles)
	read.GET("/roles/:id", h.GetRole)
	read.GET("/users/:id", h.GetUser)
	read.GET("/users/:id/profile", h.GetProfile)

	admin := api.Group("", auth.RequireRole("admin"))
	admin.GET("/users", h.ListUsers)
	admin.POST("/users", h.CreateUser)
	admin.PUT("/users/:id/profile", h.UpdateProfile)
}

// ProfileResponse is a user with their role type and specialized profile.
// Patient profiles are masked for the viewer.
type ProfileResponse struct {
	User     *User       `json:"user"`
	RoleType RoleType    `json:"role_type"`
	Profile  interface{} `json:"profile"`
}

func parseUserID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) CreateUser(c echo.Context) error {
	var in UserInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	u, p, err := h.svc.CreateUser(c.Request().Context(), in)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	t, err := h.svc.RoleTypeOf(c.Request().Context(), u)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, ProfileResponse{User: u, RoleType: t, Profile: p})
}

func (h *Handler) GetUser(c echo.Context) error {
	id, err := parseUserID(c)
	if err != nil {
		return err
	}
	u, err := h.svc.GetUser(c.Request().Context(), id)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) ListUsers(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListUsers(c.Request().Context(), RoleType(c.QueryParam("role_type")), pg.Limit, pg.Offset)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, total, pg))
}

func (h *Handler) ListRoles(c echo.Context) error {
	roles, err := h.svc.ListRoles(c.Request().Context())
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, roles)
}

func (h *Handler) GetRole(c echo.Context) error {
	id, err := parseUserID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.GetRole(c.Request().Context(), id)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) GetProfile(c echo.Context) error {
	id, err := parseUserID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	u, p, err := h.svc.Profile(ctx, id)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	t, err := h.svc.RoleTypeOf(ctx, u)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	resp := ProfileResponse{User: u, RoleType: t, Profile: p}
	if pt, ok := p.(*PatientProfile); ok {
		viewer := hipaa.Viewer{UserID: auth.UserIDFromContext(ctx), Roles: auth.RolesFromContext(ctx)}
		resp.Profile = hipaa.MaskForViewer(PatientRecord(u, pt), viewer)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) UpdateProfile(c echo.Context) error {
	id, err := parseUserID(c)
	if err != nil {
		return err
	}
	var fields FormFields
	if err := c.Bind(&fields); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.UpdateProfile(c.Request().Context(), id, fields)
	if err != nil {
		return apperror.ToHTTP(err)
	}
	if p == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, p)
}

// PatientRecord converts a patient profile to the masking input.
func PatientRecord(u *User, p *PatientProfile) hipaa.PatientRecord {
	rec := hipaa.PatientRecord{
		UserID: u.ID,
		Name:   u.Name,
		Gender: p.Gender,
		DOB:    p.DOB.Format(dobLayout),
		Age:    p.Age,
	}
	if p.Phone != nil {
		rec.Phone = *p.Phone
	}
	if p.MedicalRecordNumber != nil {
		rec.MedicalRecordNumber = *p.MedicalRecordNumber
	}
	if p.FinancialRecordNumber != nil {
		rec.FinancialRecordNumber = *p.FinancialRecordNumber
	}
	return rec
}
