package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowlearn/internal/cooccurrence"
	"github.com/fyrsmithlabs/flowlearn/internal/feedback"
	"github.com/fyrsmithlabs/flowlearn/internal/patterns"
	"github.com/fyrsmithlabs/flowlearn/internal/prompts"
	"github.com/fyrsmithlabs/flowlearn/internal/retrieval"
	"github.com/fyrsmithlabs/flowlearn/internal/training"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

var statusBySentinel = []struct {
	err    error
	status int
}{
	{patterns.ErrPatternNotFound, http.StatusNotFound},
	{training.ErrExampleNotFound, http.StatusNotFound},
	{feedback.ErrFeedbackNotFound, http.StatusNotFound},
	{feedback.ErrAnomalyNotFound, http.StatusNotFound},
	{prompts.ErrVersionNotFound, http.StatusNotFound},
	{prompts.ErrNoActiveVersion, http.StatusNotFound},
	{cooccurrence.ErrPairNotFound, http.StatusNotFound},

	{patterns.ErrDuplicateSignalConflict, http.StatusConflict},
	{training.ErrAlreadyResolved, http.StatusConflict},
	{training.ErrDuplicateJob, http.StatusConflict},
	{prompts.ErrVersionExists, http.StatusConflict},
	{feedback.ErrClaimed, http.StatusConflict},
	{feedback.ErrAlreadyProcessed, http.StatusConflict},

	{training.ErrNotEligible, http.StatusUnprocessableEntity},

	{patterns.ErrInvalidPattern, http.StatusBadRequest},
	{training.ErrInvalidExample, http.StatusBadRequest},
	{training.ErrInvalidWeight, http.StatusBadRequest},
	{feedback.ErrInvalidFeedback, http.StatusBadRequest},
	{prompts.ErrInvalidVersion, http.StatusBadRequest},
	{prompts.ErrInvalidRating, http.StatusBadRequest},
	{cooccurrence.ErrInvalidPair, http.StatusBadRequest},
	{retrieval.ErrEmptyQuery, http.StatusBadRequest},
}

// statusOf maps a domain error to its HTTP status. Unknown errors are 500.
func statusOf(err error) int {
	for _, m := range statusBySentinel {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// errorHandler renders domain errors with their mapped status and hides the
// detail of internal errors.
func errorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := statusOf(err)
		msg := err.Error()
		var he *echo.HTTPError
		switch {
		case errors.As(err, &he):
			status = he.Code
			if m, ok := he.Message.(string); ok {
				msg = m
			} else {
				msg = http.StatusText(he.Code)
			}
		case status == http.StatusInternalServerError:
			logger.Error("request failed",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Path()),
				zap.Error(err),
			)
			msg = "internal error"
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, ErrorResponse{Error: msg})
		}
		if err != nil {
			logger.Warn("writing error response", zap.Error(err))
		}
	}
}
