package linkage

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/patientlink/internal/platform/auth"
)

func expectHTTPError(t *testing.T, err error, code int) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	if he.Code != code {
		t.Errorf("expected %d, got %d", code, he.Code)
	}
}

func TestHandler_LinkProfile(t *testing.T) {
	f := newFixture()
	h, e := NewHandler(f.engine), echo.New()
	p := f.patients.add("8326073630", "")
	f.appointment(3, withPhone("+18326073630"))

	req := httptest.NewRequest(http.MethodPost, "/?window_days=7", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(p.ID.String())

	if err := h.LinkProfile(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		LinksCreated int          `json:"links_created"`
		Results      []LinkResult `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.LinksCreated != 1 || len(resp.Results) != 1 {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestHandler_LinkProfile_BadWindow(t *testing.T) {
	f := newFixture()
	h, e := NewHandler(f.engine), echo.New()
	req := httptest.NewRequest(http.MethodPost, "/?window_days=soon", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	expectHTTPError(t, h.LinkProfile(c), http.StatusBadRequest)
}

func TestHandler_LinkProfile_NotFound(t *testing.T) {
	f := newFixture()
	h, e := NewHandler(f.engine), echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	expectHTTPError(t, h.LinkProfile(c), http.StatusNotFound)
}

func TestHandler_ManualLink_RecordsActor(t *testing.T) {
	f := newFixture()
	h, e := NewHandler(f.engine), echo.New()
	p := f.patients.add("8326073630", "")
	a := f.appointment(1, nil)

	body := `{"profile_id":"` + p.ID.String() + `","note":"confirmed by phone"}`
	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithUser(req.Context(), "dana", []string{auth.RoleRegistrar}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())

	if err := h.ManualLink(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got LinkRecord
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.LinkedBy != "dana" || got.MatchedOn != MatchManual {
		t.Errorf("unexpected record %+v", got)
	}
}

func TestHandler_ManualLink_BadProfile(t *testing.T) {
	f := newFixture()
	h, e := NewHandler(f.engine), echo.New()
	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"profile_id":"x"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	expectHTTPError(t, h.ManualLink(c), http.StatusBadRequest)
}

func revokeCtx(e *echo.Echo, id uuid.UUID, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id.String())
	return c, rec
}

func TestHandler_RevokeLink(t *testing.T) {
	f := newFixture()
	h, e := NewHandler(f.engine), echo.New()
	p := f.patients.add("8326073630", "")
	a := f.appointment(1, withCanonical("8326073630"))
	f.engine.LinkProfileToAppointments(t.Context(), p.ID, 30)
	link := f.links.active(a.ID)[0]

	c, _ := revokeCtx(e, link.ID, `{}`)
	expectHTTPError(t, h.RevokeLink(c), http.StatusBadRequest)

	c, rec := revokeCtx(e, link.ID, `{"reason":"different patient"}`)
	if err := h.RevokeLink(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}

	c, _ = revokeCtx(e, link.ID, `{"reason":"again"}`)
	expectHTTPError(t, h.RevokeLink(c), http.StatusConflict)
}

func TestHandler_ListLinks(t *testing.T) {
	f := newFixture()
	h, e := NewHandler(f.engine), echo.New()
	p := f.patients.add("8326073630", "")
	f.appointment(1, withCanonical("8326073630"))
	f.appointment(2, withCanonical("8326073630"))
	f.engine.LinkProfileToAppointments(t.Context(), p.ID, 30)

	req := httptest.NewRequest(http.MethodGet, "/?profile_id="+p.ID.String(), nil)
	rec := httptest.NewRecorder()
	if err := h.ListLinks(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 2 {
		t.Errorf("expected 2 links, got %d", resp.Total)
	}
}

func TestHandler_RunBatch(t *testing.T) {
	f := newFixture()
	h, e := NewHandler(f.engine), echo.New()
	f.patients.add("8326073630", "")

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	if err := h.RunBatch(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Profiles  int              `json:"profiles"`
		Summaries []ProfileSummary `json:"summaries"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Profiles != 1 || resp.Summaries[0].Status != StatusNoMatches {
		t.Errorf("unexpected response %+v", resp)
	}
}
