package server

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/agrichat/knowledge/internal/knowledge"
	"github.com/agrichat/knowledge/internal/retrieval"
	"github.com/labstack/echo/v4"
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var he *echo.HTTPError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, knowledge.ErrUnsupportedMediaType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, knowledge.ErrFileTooLarge), errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, knowledge.ErrEmptyUpload),
		errors.Is(err, retrieval.ErrEmptyQuery),
		errors.Is(err, retrieval.ErrInvalidThreshold):
		return http.StatusBadRequest
	case errors.Is(err, knowledge.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, knowledge.ErrQueueClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorHandler writes every failure as {"error": msg} and logs it.
func errorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code := statusFor(err)
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok && he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
		if code == http.StatusInternalServerError {
			// internal details stay in the log
			msg = http.StatusText(code)
		}
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
}
