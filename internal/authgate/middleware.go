// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package authgate

import (
	"github.com/labstack/echo/v4"
)

const subjectKey = "authgate.subject"

// ErrorHandler renders a rejected request.
type ErrorHandler func(c echo.Context, err error) error

// Middleware rejects requests without a valid bearer token and stores the
// verified subject for Subject. A nil onError responds with echo.ErrUnauthorized.
func (g *Gate) Middleware(onError ErrorHandler) echo.MiddlewareFunc {
	if onError == nil {
		onError = func(_ echo.Context, err error) error {
			return echo.ErrUnauthorized.WithInternal(err)
		}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			subject, err := g.Authenticate(c.Request().Header.Get(echo.HeaderAuthorization))
			if err != nil {
				return onError(c, err)
			}
			c.Set(subjectKey, subject)
			return next(c)
		}
	}
}

// Subject returns the verified subject stored by Middleware.
func Subject(c echo.Context) (string, bool) {
	subject, ok := c.Get(subjectKey).(string)
	return subject, ok && subject != ""
}
