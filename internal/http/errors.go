package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// statusOf maps the pipeline error taxonomy to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrInvalidTransition), errors.Is(err, pipeline.ErrUnresolvedIssues):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// apiError converts a coordinator or gate error into an echo error whose
// message is an ErrorResponse.
func apiError(err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	status := statusOf(err)
	resp := ErrorResponse{Error: err.Error()}
	if kind := pipeline.KindOf(err); kind != nil {
		resp.Kind = kind.Error()
		resp.Reason = pipeline.ReasonOf(err)
	}
	if status == http.StatusInternalServerError && resp.Kind == "" {
		resp.Error = "internal error"
	}
	return echo.NewHTTPError(status, resp).SetInternal(err)
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, ErrorResponse{Error: msg})
}
