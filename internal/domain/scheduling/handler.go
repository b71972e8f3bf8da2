package scheduling

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/patientlink/internal/platform/auth"
	"github.com/ehr/patientlink/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleRegistrar, auth.RoleScheduler, auth.RoleIntake, auth.RoleViewer))
	read.GET("/appointments", h.ListAppointments)
	read.GET("/appointments/:id", h.GetAppointment)

	write := api.Group("", auth.RequireRole(auth.RoleRegistrar, auth.RoleScheduler, auth.RoleIntake))
	write.POST("/appointments", h.CreateAppointment)
}

type createRequest struct {
	ExternalRef      string `json:"external_ref"`
	AppointmentDate  string `json:"appointment_date"`
	AppointmentTime  string `json:"appointment_time"`
	ProviderName     string `json:"provider_name"`
	Status           string `json:"status"`
	Source           string `json:"source"`
	PatientPhone     string `json:"patient_phone"`
	PatientMRN       string `json:"patient_mrn"`
	PatientFirstName string `json:"patient_first_name"`
	PatientLastName  string `json:"patient_last_name"`
	PatientDOB       string `json:"patient_dob"`
}

func (h *Handler) CreateAppointment(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.AppointmentDate) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "appointment_date is required")
	}
	date, err := ParseDate(req.AppointmentDate)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a := &Appointment{
		AppointmentDate:  date,
		Status:           req.Status,
		Source:           req.Source,
		ExternalRef:      optional(req.ExternalRef),
		AppointmentTime:  optional(req.AppointmentTime),
		ProviderName:     optional(req.ProviderName),
		PatientPhone:     optional(req.PatientPhone),
		PatientMRN:       optional(req.PatientMRN),
		PatientFirstName: optional(req.PatientFirstName),
		PatientLastName:  optional(req.PatientLastName),
	}
	if strings.TrimSpace(req.PatientDOB) != "" {
		dob, err := ParseDate(req.PatientDOB)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		a.PatientDOB = &dob
	}

	if err := h.svc.CreateAppointment(c.Request().Context(), a); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ListFilter{Limit: pg.Limit, Offset: pg.Offset, UnlinkedOnly: c.QueryParam("unlinked") == "true"}
	if v := c.QueryParam("profile_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid profile_id")
		}
		f.ProfileID = &id
	}
	for param, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		if v := c.QueryParam(param); v != "" {
			t, err := ParseDate(v)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, err.Error())
			}
			*dst = &t
		}
	}

	items, total, err := h.svc.ListAppointments(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidAppointment):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "appointment not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
