// Package handlers holds the HTTP surface shared by the auth and admin handlers.
package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Skotchmaster/deed_portal/internal/autherr"
)

// Error maps a service error to an HTTP error. Server-side failures never echo the cause.
func Error(err error, msg string) *echo.HTTPError {
	status := autherr.Status(err)
	if status >= http.StatusInternalServerError {
		return echo.NewHTTPError(status, "internal server error").SetInternal(err)
	}
	if msg == "" {
		msg = err.Error()
	}
	return echo.NewHTTPError(status, msg).SetInternal(err)
}
