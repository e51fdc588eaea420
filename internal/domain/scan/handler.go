package scan

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/wheezy049/dicomscan/internal/platform/auth"
	"github.com/wheezy049/dicomscan/pkg/pagination"
)

type Handler struct {
	svc      *Service
	expander *Expander
	logger   zerolog.Logger
}

func NewHandler(svc *Service, expander *Expander, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, expander: expander, logger: logger}
}

// RegisterRoutes mounts the scan routes behind the session middleware.
func (h *Handler) RegisterRoutes(authed *echo.Group) {
	authed.POST("/scans", h.Submit)
	authed.GET("/scans", h.List)
	authed.GET("/scans/:id", h.Get)
	authed.DELETE("/scans/:id", h.Delete)
	authed.PUT("/scans/:id/review", h.Review)
}

// submitResponse is the POST /scans payload. Warning is set when the result
// came back but one or more records could not be saved.
type submitResponse struct {
	*SubmitOutcome
	Expansion ExpansionSummary `json:"expansion"`
	Metadata  *Extraction      `json:"metadata,omitempty"`
	Locked    *DisabledFields  `json:"locked_fields,omitempty"`
	Warning   string           `json:"warning,omitempty"`
}

func (h *Handler) Submit(c echo.Context) error {
	userID, err := sessionUserID(c)
	if err != nil {
		return err
	}

	mf, err := c.MultipartForm()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart form required")
	}

	var inputs []InputFile
	for _, fh := range mf.File["files"] {
		src, err := fh.Open()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unreadable file "+fh.Filename)
		}
		data, err := io.ReadAll(src)
		src.Close()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unreadable file "+fh.Filename)
		}
		inputs = append(inputs, InputFile{Name: fh.Filename, Data: data})
	}

	form, err := bindForm(c)
	if err != nil {
		return err
	}

	files, expansion := h.expander.Expand(inputs)

	resp := submitResponse{Expansion: expansion}
	if AllDicom(files) {
		var locked DisabledFields
		ex := ExtractBatch(h.logger, files, &form, &locked)
		resp.Metadata = &ex
		resp.Locked = &locked
	}

	outcome, err := h.svc.Submit(c.Request().Context(), userID, files, form)
	if err != nil && !errors.Is(err, ErrPersistence) {
		return submitError(err)
	}
	resp.SubmitOutcome = outcome
	if err != nil {
		resp.Warning = err.Error()
	}
	return c.JSON(http.StatusCreated, resp)
}

func bindForm(c echo.Context) (PatientForm, error) {
	form := NewPatientForm()
	form.Name = c.FormValue("name")
	form.Age = c.FormValue("age")
	form.Gender = c.FormValue("gender")
	form.Clinical = c.FormValue("clinical")
	form.Date = c.FormValue("date")

	if raw := c.FormValue("threshold"); raw != "" {
		threshold, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return form, echo.NewHTTPError(http.StatusBadRequest, "threshold must be a number")
		}
		form.Threshold = threshold
	}
	return form, nil
}

func submitError(err error) error {
	switch {
	case errors.Is(err, ErrMissingInput), errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrBusy):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrTimeout):
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrInference):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) List(c echo.Context) error {
	userID, err := sessionUserID(c)
	if err != nil {
		return err
	}

	page, err := h.svc.History(c.Request().Context(), userID, pagination.FromContext(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load scan history")
	}
	return c.JSON(http.StatusOK, page)
}

func (h *Handler) Get(c echo.Context) error {
	userID, err := sessionUserID(c)
	if err != nil {
		return err
	}
	recordID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid record id")
	}

	rec, err := h.svc.Record(c.Request().Context(), userID, recordID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Delete(c echo.Context) error {
	userID, err := sessionUserID(c)
	if err != nil {
		return err
	}
	recordID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid record id")
	}

	if err := h.svc.DeleteRecord(c.Request().Context(), userID, recordID); err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

type reviewRequest struct {
	Status          string `json:"status"`
	Details         string `json:"details"`
	ReviewerName    string `json:"reviewer_name"`
	AdditionalNotes string `json:"additional_notes"`
}

func (h *Handler) Review(c echo.Context) error {
	userID, err := sessionUserID(c)
	if err != nil {
		return err
	}
	recordID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid record id")
	}

	var req reviewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	rec, err := h.svc.AttachReview(c.Request().Context(), userID, recordID, ExpertReview{
		Status:          req.Status,
		Details:         req.Details,
		ReviewerName:    req.ReviewerName,
		AdditionalNotes: req.AdditionalNotes,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrValidation):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrRecordNotFound):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, rec)
}

func sessionUserID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(auth.UserID(c))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "not signed in")
	}
	return id, nil
}
