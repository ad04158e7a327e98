// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"codeberg.org/oliverandrich/kopter/internal/i18n"
	"github.com/labstack/echo/v4"
)

// ErrorHandler renders echo errors (404, 405, 413, panics recovered upstream)
// as envelopes. Anything that is not an *echo.HTTPError is a dependency
// failure: it is logged in full and the caller gets a generic message.
func ErrorHandler(catalog *i18n.Catalog) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if !errors.As(err, &he) {
			serverError(c, catalog, err)
			return
		}

		kind := KindForStatus(he.Code)
		if kind == KindServerError {
			serverError(c, catalog, err)
			return
		}

		var data any = he.Message
		switch kind {
		case KindUnauthorized:
			data = translate(c, catalog, "unauthorized")
		case KindNotFound:
			data = translate(c, catalog, "not_found")
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(he.Code)
		} else {
			err = c.JSON(he.Code, Envelope{Code: kind, Data: data})
		}
		if err != nil {
			slog.Error("error_render_failed", "error", err)
		}
	}
}

func serverError(c echo.Context, catalog *i18n.Catalog, err error) {
	slog.Error("request_failed",
		"method", c.Request().Method,
		"uri", c.Request().RequestURI,
		"error", err,
	)
	if renderErr := Respond(c, ServerError(translate(c, catalog, "server_error"))); renderErr != nil {
		slog.Error("error_render_failed", "error", renderErr)
	}
}

func translate(c echo.Context, catalog *i18n.Catalog, messageID string) string {
	if catalog == nil {
		return messageID
	}
	return catalog.T(c.Request().Context(), messageID)
}
