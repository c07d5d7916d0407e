package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"qazna.org/tenancy/internal/access"
	"qazna.org/tenancy/internal/authz"
	"qazna.org/tenancy/internal/tenancy"
)

type authorizeRequest struct {
	PrincipalID string                    `json:"principal_id,omitempty"`
	Action      access.ResourceAction     `json:"action"`
	Target      *tenancy.OwnershipContext `json:"target,omitempty"`
	TargetID    string                    `json:"target_id,omitempty"`
}

type authorizeResponse struct {
	authz.Decision
	Level string `json:"level,omitempty"`
}

// handleAuthorize answers a decision for the caller, or for principal_id when the caller may view
// users. The target is either an explicit context or the id of a node to resolve; an unknown node
// is decided against the empty context.
func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	c := caller(r)
	if c.PrincipalID == "" {
		unauthorized(w, "authentication required")
		return
	}
	var req authorizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	subject := strings.TrimSpace(req.PrincipalID)
	if subject == "" {
		subject = c.PrincipalID
	}
	if subject != c.PrincipalID {
		err := a.resolver.Require(r.Context(), authz.Request{
			PrincipalID: c.PrincipalID,
			Realm:       c.Realm,
			Action:      access.Action(access.ResourceUser, access.View),
		})
		if err != nil {
			writeError(w, err)
			return
		}
	}

	var target tenancy.OwnershipContext
	switch {
	case req.Target != nil:
		target = *req.Target
	case req.TargetID != "" && a.contexts != nil:
		oc, err := a.contexts.ResolveContext(r.Context(), req.TargetID)
		if err != nil && !errors.Is(err, tenancy.ErrNotFound) {
			writeError(w, err)
			return
		}
		target = oc
	}

	realm := ""
	if subject == c.PrincipalID {
		realm = c.Realm
	}
	d, err := a.resolver.Authorize(r.Context(), authz.Request{
		PrincipalID: subject,
		Realm:       realm,
		Action:      req.Action,
		Target:      target,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	resp := authorizeResponse{Decision: d}
	if d.Allowed {
		resp.Level = d.Level.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handlePrincipal(w http.ResponseWriter, r *http.Request) {
	c := caller(r)
	id := pathID(r)
	if a.principals == nil {
		writeStatus(w, http.StatusNotImplemented, "identity projection is not configured")
		return
	}
	if id != c.PrincipalID {
		err := a.resolver.Require(r.Context(), authz.Request{
			PrincipalID: c.PrincipalID,
			Realm:       c.Realm,
			Action:      access.Action(access.ResourceUser, access.View),
		})
		if err != nil {
			writeError(w, err)
			return
		}
	}
	p, err := a.principals.Principal(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
