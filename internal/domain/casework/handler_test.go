package casework

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTestHandler() (*Handler, *Service, *echo.Echo) {
	svc, _, _ := newTestService(SkipUnchanged)
	return NewHandler(svc), svc, echo.New()
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	return he.Code
}

func TestHandler_GetCase(t *testing.T) {
	h, svc, e := newTestHandler()
	mc := seedCase(svc)
	svc.SetRoleStatus(context.Background(), mc.ID, RoleScientist, StatusInProgress, 1)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("1")

	if err := h.GetCase(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body["overall_status"] != "in_progress" {
		t.Errorf("expected overall_status in_progress, got %v", body["overall_status"])
	}
	if body["status_label"] != "In Progress" {
		t.Errorf("unexpected status label %v", body["status_label"])
	}
	if body["priority"] != "high" {
		t.Errorf("expected priority high, got %v", body["priority"])
	}
}

func TestHandler_GetCase_NotFound(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("99")

	if code := httpCode(t, h.GetCase(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_GetCase_BadID(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("abc")

	if code := httpCode(t, h.GetCase(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_ListCases(t *testing.T) {
	h, svc, e := newTestHandler()
	seedCase(svc)
	seedCase(svc)

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/cases?status=draft&limit=1", nil), rec)
	if err := h.ListCases(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Total   int                      `json:"total"`
		HasMore bool                     `json:"has_more"`
		Data    []map[string]interface{} `json:"data"`
		Links   struct {
			Next string `json:"next"`
		} `json:"links"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body.Total != 2 {
		t.Errorf("expected total 2, got %d", body.Total)
	}
	if len(body.Data) != 1 || !body.HasMore {
		t.Errorf("expected one item and more pages, got %d", len(body.Data))
	}
	if body.Links.Next != "/api/v1/cases?limit=1&offset=1&status=draft" {
		t.Errorf("unexpected next link %q", body.Links.Next)
	}
}

func TestHandler_ListCases_InvalidStatus(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?status=open", nil), httptest.NewRecorder())
	if code := httpCode(t, h.ListCases(c)); code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", code)
	}
}

func TestHandler_ListAudits(t *testing.T) {
	h, svc, e := newTestHandler()
	mc := seedCase(svc)
	svc.SetRoleStatus(context.Background(), mc.ID, RoleDoctor, StatusReview, 1)

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues("1")
	if err := h.ListAudits(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(body) != 1 {
		t.Fatalf("expected 1 audit, got %d", len(body))
	}
	if body[0]["description"] != `Doctor status changed from "draft" to "review"` {
		t.Errorf("unexpected description %v", body[0]["description"])
	}
}

func TestHandler_ListAssignments_NotFound(t *testing.T) {
	h, _, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("12")
	if code := httpCode(t, h.ListAssignments(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}
