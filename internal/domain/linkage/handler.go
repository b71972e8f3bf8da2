package linkage

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/patientlink/internal/domain/identity"
	"github.com/ehr/patientlink/internal/domain/scheduling"
	"github.com/ehr/patientlink/internal/platform/auth"
	"github.com/ehr/patientlink/pkg/pagination"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleRegistrar, auth.RoleScheduler, auth.RoleViewer))
	read.GET("/links", h.ListLinks)
	read.GET("/links/:id", h.GetLink)

	write := api.Group("", auth.RequireRole(auth.RoleRegistrar, auth.RoleScheduler))
	write.POST("/identities/:id/link-appointments", h.LinkProfile)
	write.PUT("/appointments/:id/link", h.ManualLink)
	write.POST("/links/:id/revoke", h.RevokeLink)

	batch := api.Group("", auth.RequireRole(auth.RoleScheduler))
	batch.POST("/linking/run", h.RunBatch)
}

func (h *Handler) LinkProfile(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	window, err := windowParam(c)
	if err != nil {
		return err
	}
	results, err := h.engine.LinkProfileToAppointments(c.Request().Context(), id, window)
	if err != nil {
		return httpError(err)
	}
	created := 0
	for _, r := range results {
		if r.LinkCreated {
			created++
		}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"profile_id":    id,
		"links_created": created,
		"results":       results,
	})
}

func (h *Handler) RunBatch(c echo.Context) error {
	window, err := windowParam(c)
	if err != nil {
		return err
	}
	summaries, err := h.engine.LinkAllProfiles(c.Request().Context(), window)
	if err != nil {
		return httpError(err)
	}
	if summaries == nil {
		summaries = []ProfileSummary{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"profiles":  len(summaries),
		"summaries": summaries,
	})
}

type manualLinkRequest struct {
	ProfileID string `json:"profile_id"`
	Note      string `json:"note"`
}

func (h *Handler) ManualLink(c echo.Context) error {
	apptID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req manualLinkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	profileID, err := uuid.Parse(req.ProfileID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "profile_id is required")
	}
	ctx := c.Request().Context()
	rec, err := h.engine.ManualLink(ctx, apptID, profileID, auth.ActorFromContext(ctx), req.Note)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) RevokeLink(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req revokeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	if err := h.engine.RevokeLink(ctx, id, req.Reason, auth.ActorFromContext(ctx)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetLink(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.engine.GetLink(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ListLinks(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := LinkFilter{Limit: pg.Limit, Offset: pg.Offset, ActiveOnly: c.QueryParam("active") == "true"}
	for param, dst := range map[string]**uuid.UUID{"profile_id": &f.ProfileID, "appointment_id": &f.AppointmentID} {
		if v := c.QueryParam(param); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid "+param)
			}
			*dst = &id
		}
	}
	items, total, err := h.engine.ListLinks(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func windowParam(c echo.Context) (int, error) {
	v := c.QueryParam("window_days")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "window_days must be a non-negative integer")
	}
	return n, nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrReasonRequired):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "link record not found")
	case errors.Is(err, identity.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "patient identity not found")
	case errors.Is(err, scheduling.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "appointment not found")
	case errors.Is(err, ErrLinkNotActive), errors.Is(err, ErrProfileInactive):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
