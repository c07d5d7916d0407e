package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"qazna.org/tenancy/internal/auth"
	"qazna.org/tenancy/internal/obs"
)

// Op is the kind of mutation an entry records.
type Op string

const (
	OpCreate  Op = "create"
	OpUpdate  Op = "update"
	OpDelete  Op = "delete"
	OpMembers Op = "members"
)

// Entry is one audited mutation. Subject is the entity type name ("Customer", "Office", ...);
// IDs lists every row the mutation touched.
type Entry struct {
	Op      Op
	Subject string
	IDs     []string
	Fields  map[string]any
}

type requestIDKey struct{}

// WithRequestID attaches the request identifier to ctx.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}

// Log writes e as a structured audit line, stamped with the acting principal and request id.
func Log(ctx context.Context, e Entry) error {
	if e.Op == "" || strings.TrimSpace(e.Subject) == "" {
		return errors.New("audit: op and subject are required")
	}
	fields := logrus.Fields{
		"type":    "audit",
		"op":      string(e.Op),
		"subject": e.Subject,
		"ids":     append([]string(nil), e.IDs...),
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		fields["request_id"] = rid
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok && !p.Anonymous() {
		fields["principal"] = p.ID
		if p.Realm != "" {
			fields["realm"] = p.Realm
		}
	} else {
		fields["principal"] = "anonymous"
	}
	if len(e.Fields) > 0 {
		extra := make(map[string]any, len(e.Fields))
		for k, v := range e.Fields {
			extra[k] = v
		}
		fields["fields"] = extra
	}
	obs.Component("audit").WithFields(fields).Info(e.Subject + "." + string(e.Op))
	return nil
}
