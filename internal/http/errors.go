package http

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/s11ngh/supermemory-selfhosted/internal/embeddings"
	"github.com/s11ngh/supermemory-selfhosted/internal/memory"
	"github.com/s11ngh/supermemory-selfhosted/internal/store"
)

// statusFor maps an error to its HTTP status and client message.
func statusFor(err error) (int, string) {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok && m != "" {
			msg = m
		} else if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
		return he.Code, msg
	case errors.Is(err, memory.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "document not found"
	case errors.Is(err, embeddings.ErrEmbeddingFailed):
		return http.StatusBadGateway, err.Error()
	case errors.Is(err, store.ErrPoolExhausted):
		return http.StatusServiceUnavailable, "storage busy, retry later"
	case errors.Is(err, store.ErrDimensionMismatch):
		return http.StatusInternalServerError, err.Error()
	case errors.Is(err, store.ErrStorage):
		return http.StatusInternalServerError, "storage failure"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// handleError renders every error as {"error": msg}.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, msg := statusFor(err)
	ctx := c.Request().Context()
	if status >= 500 {
		s.logger.Error(ctx, "request failed",
			zap.String("route", c.Path()),
			zap.Int("status", status),
			zap.Error(err))
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, ErrorResponse{Error: msg})
	}
	if err != nil {
		s.logger.Warn(ctx, "writing error response", zap.Error(err))
	}
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}
