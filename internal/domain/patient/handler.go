package patient

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/patients/internal/platform/metrics"
)

const (
	greetingMessage = "Message from backend: Hello"
	createdMessage  = "Patient created successfully"
	duplicateDetail = "Patient already exists"
	notFoundDetail  = "Patient not found"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the patient API on the root router. createMW applies
// to POST /create only. There are no update or delete routes; echo answers
// other methods on these paths with 405.
func (h *Handler) RegisterRoutes(e *echo.Echo, createMW ...echo.MiddlewareFunc) {
	e.GET("/", h.Hello)
	e.POST("/create", h.CreatePatient, createMW...)
	e.GET("/patients", h.ListPatients)
	e.GET("/patient/:id", h.GetPatient)
	e.GET("/health", h.Health)
}

func (h *Handler) Hello(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"message": greetingMessage})
}

func (h *Handler) CreatePatient(c echo.Context) error {
	in, err := DecodeInput(c.Request().Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		var verr *ValidationError
		if errors.As(err, &verr) {
			h.svc.record(metrics.ResultInvalid)
		}
		return toHTTPError(err)
	}
	if _, err := h.svc.CreateFromInput(c.Request().Context(), in); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"message": createdMessage})
}

func (h *Handler) ListPatients(c echo.Context) error {
	patients, err := h.svc.List(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, patients)
}

func (h *Handler) GetPatient(c echo.Context) error {
	v, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

// Health reports whether the store can currently be read.
func (h *Handler) Health(c echo.Context) error {
	store := h.svc.Store()
	data, err := store.Load(c.Request().Context())
	if err != nil {
		rid, _ := c.Get("request_id").(string)
		h.svc.logger.Error().Err(err).
			Str("request_id", rid).
			Str("store", store.Driver()).
			Msg("health check failed")
		return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"store":  store.Driver(),
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"store":    store.Driver(),
		"patients": len(data),
	})
}

// toHTTPError maps service errors onto status codes. Anything unrecognised,
// including *StorageError, is a 500 with the cause kept as the internal
// error for logging.
func toHTTPError(err error) *echo.HTTPError {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, verr.Fields).SetInternal(err)
	case errors.Is(err, ErrDuplicate):
		return echo.NewHTTPError(http.StatusBadRequest, duplicateDetail).SetInternal(err)
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, notFoundDetail).SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
}

// ErrorHandler renders every error as {"detail": ...}. Server errors are
// logged with their internal cause; client errors are left to the request
// logger.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		he, ok := err.(*echo.HTTPError)
		if !ok {
			he = toHTTPError(err)
		}

		if he.Code >= http.StatusInternalServerError {
			rid, _ := c.Get("request_id").(string)
			cause := he.Internal
			if cause == nil {
				cause = err
			}
			logger.Error().Err(cause).
				Str("request_id", rid).
				Int("status", he.Code).
				Str("path", c.Request().URL.Path).
				Msg("request failed")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(he.Code)
		} else {
			werr = c.JSON(he.Code, map[string]interface{}{"detail": he.Message})
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("write error response")
		}
	}
}
