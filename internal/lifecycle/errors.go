package lifecycle

import (
	"context"
	"errors"
	"net/http"

	"qazna.org/tenancy/internal/authz"
	"qazna.org/tenancy/internal/identity"
	"qazna.org/tenancy/internal/tenancy"
)

// Error is the client-facing form of a failed operation. Extensions renders the wire contract.
type Error struct {
	Code    int
	Type    string
	Field   string
	Message string
	cause   error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.cause }

// Extensions is {code:403} for a deny and {code:409, type, field} for a conflict; other
// failures carry only their code.
func (e *Error) Extensions() map[string]any {
	ext := map[string]any{"code": e.Code}
	if e.Code == http.StatusConflict {
		ext["type"] = e.Type
		ext["field"] = e.Field
	}
	return ext
}

// FromError classifies err. A nil error yields nil.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return le
	}
	var ce *tenancy.ConflictError
	switch {
	case errors.Is(err, authz.ErrForbidden):
		return &Error{Code: http.StatusForbidden, Message: "forbidden", cause: authz.ErrForbidden}
	case errors.As(err, &ce):
		return &Error{Code: http.StatusConflict, Type: ce.EntityType, Field: ce.Field, Message: ce.Error(), cause: ce}
	case errors.Is(err, tenancy.ErrNotFound), errors.Is(err, identity.ErrNotFound):
		return &Error{Code: http.StatusNotFound, Message: "not found", cause: err}
	case errors.Is(err, tenancy.ErrInconsistent),
		errors.Is(err, tenancy.ErrInvalidInput),
		errors.Is(err, tenancy.ErrHasDependents):
		return &Error{Code: http.StatusBadRequest, Message: err.Error(), cause: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: http.StatusGatewayTimeout, Message: "timeout", cause: err}
	}
	return &Error{Code: http.StatusInternalServerError, Message: "internal error", cause: err}
}

// FromExtensions rebuilds an Error received over the wire so errors.Is and errors.As keep working
// on the client side.
func FromExtensions(code int, typ, field, message string) *Error {
	e := &Error{Code: code, Type: typ, Field: field, Message: message}
	switch code {
	case http.StatusForbidden:
		e.cause = authz.ErrForbidden
	case http.StatusConflict:
		e.cause = &tenancy.ConflictError{EntityType: typ, Field: field}
	case http.StatusNotFound:
		e.cause = tenancy.ErrNotFound
	case http.StatusBadRequest:
		e.cause = tenancy.ErrInvalidInput
	}
	return e
}
