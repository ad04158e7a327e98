// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Kind is the closed set of response codes carried in every envelope.
type Kind string

const (
	KindOK           Kind = "ok"
	KindCreated      Kind = "created"
	KindBadRequest   Kind = "badRequest"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindNotFound     Kind = "notFound"
	KindServerError  Kind = "serverError"
)

var kindStatus = map[Kind]int{
	KindOK:           http.StatusOK,
	KindCreated:      http.StatusCreated,
	KindBadRequest:   http.StatusBadRequest,
	KindUnauthorized: http.StatusUnauthorized,
	KindForbidden:    http.StatusForbidden,
	KindNotFound:     http.StatusNotFound,
	KindServerError:  http.StatusInternalServerError,
}

// Status returns the HTTP status of the kind. Unknown kinds map to 500.
func (k Kind) Status() int {
	if status, ok := kindStatus[k]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// KindForStatus maps an HTTP status back onto the closest kind.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusNotFound, status == http.StatusMethodNotAllowed:
		return KindNotFound
	case status >= 400 && status < 500:
		return KindBadRequest
	case status >= 500:
		return KindServerError
	case status == http.StatusCreated:
		return KindCreated
	default:
		return KindOK
	}
}

// Envelope is the body of every API response.
type Envelope struct {
	Data any  `json:"data"`
	Code Kind `json:"code"`
}

// Outcome is what a handler produced, before it is rendered.
type Outcome struct {
	Data any
	Kind Kind
}

func OK(data any) Outcome           { return Outcome{Kind: KindOK, Data: data} }
func Created(data any) Outcome      { return Outcome{Kind: KindCreated, Data: data} }
func BadRequest(data any) Outcome   { return Outcome{Kind: KindBadRequest, Data: data} }
func Unauthorized(data any) Outcome { return Outcome{Kind: KindUnauthorized, Data: data} }
func Forbidden(data any) Outcome    { return Outcome{Kind: KindForbidden, Data: data} }
func NotFound(data any) Outcome     { return Outcome{Kind: KindNotFound, Data: data} }
func ServerError(data any) Outcome  { return Outcome{Kind: KindServerError, Data: data} }

// renderOutcome turns an outcome into its status code and body.
// Unknown kinds are rendered as serverError.
func renderOutcome(o Outcome) (int, Envelope) {
	if _, ok := kindStatus[o.Kind]; !ok {
		return http.StatusInternalServerError, Envelope{Code: KindServerError, Data: o.Data}
	}
	return o.Kind.Status(), Envelope{Code: o.Kind, Data: o.Data}
}

// Respond writes the outcome as JSON.
func Respond(c echo.Context, o Outcome) error {
	status, body := renderOutcome(o)
	return c.JSON(status, body)
}
