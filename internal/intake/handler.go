package intake

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/patientlink/internal/platform/auth"
)

const maxUploadBytes = 20 << 20

type Handler struct {
	importer *Importer
}

func NewHandler(importer *Importer) *Handler {
	return &Handler{importer: importer}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	write := api.Group("", auth.RequireRole(auth.RoleScheduler, auth.RoleIntake))
	write.POST("/imports/schedule", h.ImportSchedule)
}

// ImportSchedule accepts a multipart "file" field holding a CSV or XLSX
// export.
func (h *Handler) ImportSchedule(c echo.Context) error {
	mode, err := ParseMode(c.QueryParam("mode"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	if fh.Size > maxUploadBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "file too large")
	}
	src, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read upload")
	}
	defer src.Close()

	rows, err := Read(fh.Filename, src, c.QueryParam("sheet"))
	if err != nil {
		if errors.Is(err, ErrUnsupportedFormat) || errors.Is(err, ErrMissingDateColumn) || errors.Is(err, ErrEmptyFile) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	report, err := h.importer.Import(c.Request().Context(), rows, mode)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "import failed")
	}
	return c.JSON(http.StatusOK, report)
}
