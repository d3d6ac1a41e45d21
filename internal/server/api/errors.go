package api

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"dropbeam/internal/server/service"

	"github.com/getsentry/sentry-go"
	"github.com/labstack/echo/v4"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// mapServiceError translates service-layer errors into HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	var (
		ve *service.ValidationError
		fe *service.ForbiddenError
		rl *service.RateLimitedError
		ce *service.ConflictError
		tl *service.TooLargeError
		se *service.StorageError
	)

	switch {
	case errors.As(err, &ve):
		return c.JSON(http.StatusBadRequest, errorBody{Error: ve.Error(), Reason: ve.Field})
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorBody{Error: err.Error(), Reason: "not_found"})
	case errors.Is(err, service.ErrGone):
		return c.JSON(http.StatusGone, errorBody{Error: err.Error(), Reason: "expired"})
	case errors.As(err, &fe):
		return c.JSON(http.StatusForbidden, errorBody{Error: err.Error(), Reason: fe.Reason})
	case errors.As(err, &rl):
		secs := int(math.Ceil(rl.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
		return c.JSON(http.StatusTooManyRequests, errorBody{Error: err.Error(), Reason: "rate_limited"})
	case errors.As(err, &ce):
		if ce.Offset >= 0 {
			c.Response().Header().Set(headerUploadOffset, strconv.FormatInt(ce.Offset, 10))
		}
		return c.JSON(http.StatusConflict, errorBody{Error: err.Error(), Reason: ce.Reason})
	case errors.As(err, &tl):
		return c.JSON(http.StatusRequestEntityTooLarge, errorBody{Error: err.Error(), Reason: "too_large"})
	case errors.As(err, &se):
		reportError(c, err)
		return c.JSON(http.StatusServiceUnavailable, errorBody{Error: "storage temporarily unavailable", Reason: "storage_error"})
	default:
		reportError(c, err)
		return c.JSON(http.StatusInternalServerError, errorBody{Error: "internal server error"})
	}
}

// reportError logs an unexpected failure and forwards it to Sentry when a
// client is configured.
func reportError(c echo.Context, err error) {
	req := c.Request()
	slog.Error("request failed",
		"method", req.Method,
		"path", req.URL.Path,
		"error", err,
	)

	hub := sentry.CurrentHub().Clone()
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetTag("route", c.Path())
		hub.CaptureException(err)
	})
}
