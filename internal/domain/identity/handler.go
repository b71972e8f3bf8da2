package identity

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/patientlink/internal/platform/auth"
	"github.com/ehr/patientlink/internal/platform/phone"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleRegistrar, auth.RoleScheduler, auth.RoleIntake, auth.RoleViewer))
	read.GET("/phone/normalize", h.NormalizePhone)
	read.GET("/identities/search", h.SearchPatients)
	read.GET("/identities/:id", h.GetPatient)

	write := api.Group("", auth.RequireRole(auth.RoleRegistrar, auth.RoleIntake))
	write.POST("/identities/resolve", h.ResolvePatient)
}

type normalizeResponse struct {
	Canonical  string   `json:"canonical"`
	E164       string   `json:"e164"`
	National   string   `json:"national"`
	Assignable bool     `json:"assignable"`
	Formats    []string `json:"formats"`
}

func (h *Handler) NormalizePhone(c echo.Context) error {
	raw := c.QueryParam("raw")
	canonical, err := phone.Normalize(raw)
	if err != nil {
		return httpError(err)
	}
	formats, _ := phone.AllFormats(raw)
	return c.JSON(http.StatusOK, normalizeResponse{
		Canonical:  string(canonical),
		E164:       phone.ToE164(canonical),
		National:   phone.National(canonical),
		Assignable: phone.Assignable(canonical),
		Formats:    formats,
	})
}

type resolveRequest struct {
	Phone       string `json:"phone"`
	Source      string `json:"source"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Email       string `json:"email"`
	MRN         string `json:"mrn"`
	DateOfBirth string `json:"date_of_birth"`
}

type resolveResponse struct {
	Patient    *Patient `json:"patient"`
	WasCreated bool     `json:"was_created"`
}

func (h *Handler) ResolvePatient(c echo.Context) error {
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	src, err := ParseSource(req.Source)
	if err != nil {
		return httpError(err)
	}
	dob, err := parseDate(req.DateOfBirth)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "date_of_birth must be YYYY-MM-DD")
	}

	p, created, err := h.svc.FindOrCreate(c.Request().Context(), req.Phone, PartialAttributes{
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		Email:       req.Email,
		MRN:         req.MRN,
		DateOfBirth: dob,
	}, src)
	if err != nil {
		return httpError(err)
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, resolveResponse{Patient: p, WasCreated: created})
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) SearchPatients(c echo.Context) error {
	crit := SearchCriteria{
		HumanID:   c.QueryParam("human_id"),
		Phone:     c.QueryParam("phone"),
		MRN:       c.QueryParam("mrn"),
		FirstName: c.QueryParam("first_name"),
		LastName:  c.QueryParam("last_name"),
		Email:     c.QueryParam("email"),
		Query:     c.QueryParam("q"),
	}
	if v := c.QueryParam("short_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "short_id must be numeric")
		}
		crit.ShortID = id
	}
	dob, err := parseDate(c.QueryParam("dob"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "dob must be YYYY-MM-DD")
	}
	crit.DOB = dob

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	results, err := h.svc.Search(c.Request().Context(), crit, limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"total":   len(results),
		"results": results,
	})
}

func parseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidPhone), errors.Is(err, ErrUnknownSource), errors.Is(err, ErrInvalidCriteria):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "patient identity not found")
	case errors.Is(err, ErrConflictRetryExhausted):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "identity service is busy, retry later")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
