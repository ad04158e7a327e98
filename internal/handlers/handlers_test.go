// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package handlers_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"codeberg.org/oliverandrich/kopter/internal/handlers"
	"codeberg.org/oliverandrich/kopter/internal/i18n"
	"codeberg.org/oliverandrich/kopter/internal/testutil"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	_, repo := testutil.NewTestDB(t)

	h := handlers.New(repo)

	assert.NotNil(t, h)
}

func TestHealth(t *testing.T) {
	_, repo := testutil.NewTestDB(t)
	h := handlers.New(repo)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.Health(c)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHealth_DatabaseDown(t *testing.T) {
	db, repo := testutil.NewTestDB(t)
	require.NoError(t, db.Close())
	h := handlers.New(repo)

	e := echo.New()
	c, rec := testutil.NewEchoContext(e, http.MethodGet, "/health", nil)

	require.NoError(t, h.Health(c))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unavailable"}`, rec.Body.String())
}

func newErrorEcho(t *testing.T) *echo.Echo {
	t.Helper()
	catalog, err := i18n.NewCatalog("")
	require.NoError(t, err)

	e := echo.New()
	e.HTTPErrorHandler = handlers.ErrorHandler(catalog)
	e.GET("/boom", func(echo.Context) error {
		return errors.New("database is locked")
	})
	e.GET("/too-large", func(echo.Context) error {
		return echo.ErrStatusRequestEntityTooLarge
	})
	e.GET("/denied", func(echo.Context) error {
		return echo.ErrUnauthorized
	})
	return e
}

func TestErrorHandler(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		status int
		kind   handlers.Kind
		data   string
	}{
		{"unknown route", http.MethodGet, "/nope", http.StatusNotFound, handlers.KindNotFound, "Not found."},
		{"wrong method", http.MethodPost, "/boom", http.StatusMethodNotAllowed, handlers.KindNotFound, "Not found."},
		{"dependency failure", http.MethodGet, "/boom", http.StatusInternalServerError, handlers.KindServerError,
			"Something went wrong. Please try again later."},
		{"body too large", http.MethodGet, "/too-large", http.StatusRequestEntityTooLarge, handlers.KindBadRequest,
			"Request Entity Too Large"},
		{"unauthorized", http.MethodGet, "/denied", http.StatusUnauthorized, handlers.KindUnauthorized,
			"Authentication required."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newErrorEcho(t)
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rec := httptest.NewRecorder()

			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			env := decode(t, rec)
			assert.Equal(t, tt.kind, env.Code)
			assert.Equal(t, tt.data, dataString(t, env))
			assert.NotContains(t, rec.Body.String(), "database is locked")
		})
	}
}

func TestErrorHandler_Head(t *testing.T) {
	e := newErrorEcho(t)
	req := httptest.NewRequest(http.MethodHead, "/nope", nil)
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   handlers.Kind
	}{
		{http.StatusOK, handlers.KindOK},
		{http.StatusCreated, handlers.KindCreated},
		{http.StatusBadRequest, handlers.KindBadRequest},
		{http.StatusUnprocessableEntity, handlers.KindBadRequest},
		{http.StatusUnauthorized, handlers.KindUnauthorized},
		{http.StatusForbidden, handlers.KindForbidden},
		{http.StatusNotFound, handlers.KindNotFound},
		{http.StatusMethodNotAllowed, handlers.KindNotFound},
		{http.StatusServiceUnavailable, handlers.KindServerError},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, handlers.KindForStatus(tt.status))
		})
	}
}
