package httpapi

import (
	"net/http"

	"qazna.org/tenancy/internal/access"
	"qazna.org/tenancy/internal/audit"
	"qazna.org/tenancy/internal/entity"
)

type createEntityRequest struct {
	Type       access.Resource `json:"type"`
	OwnerID    string          `json:"owner_id"`
	Name       string          `json:"name"`
	Attributes map[string]any  `json:"attributes,omitempty"`
}

func (a *API) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	var req createEntityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	e, err := a.mgr.CreateEntity(r.Context(), caller(r), req.Type, req.OwnerID, req.Name, req.Attributes)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = audit.Log(r.Context(), audit.Entry{
		Op:      audit.OpCreate,
		Subject: e.Type.TypeName(),
		IDs:     []string{e.ID},
		Fields:  map[string]any{"owner": e.OwnerID},
	})
	w.Header().Set("Location", "/v1/entities/"+e.ID)
	writeJSON(w, http.StatusCreated, e)
}

func (a *API) handleListEntities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	typ, err := access.ParseResource(q.Get("type"))
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "type is required")
		return
	}
	f := entity.Filter{
		Type:       typ,
		OwnerID:    q.Get("owner_id"),
		CustomerID: q.Get("customer_id"),
	}
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Offset, err = queryInt(r, "offset"); err != nil {
		writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	items, err := a.mgr.ListEntities(r.Context(), caller(r), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []entity.Entity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	e, err := a.mgr.GetEntity(r.Context(), caller(r), pathID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *API) handleUpdateEntity(w http.ResponseWriter, r *http.Request) {
	var patch entity.Patch
	if err := decodeJSON(r, &patch); err != nil {
		writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	e, err := a.mgr.UpdateEntity(r.Context(), caller(r), pathID(r), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = audit.Log(r.Context(), audit.Entry{Op: audit.OpUpdate, Subject: e.Type.TypeName(), IDs: []string{e.ID}})
	writeJSON(w, http.StatusOK, e)
}

func (a *API) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	e, err := a.mgr.DeleteEntity(r.Context(), caller(r), pathID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	_ = audit.Log(r.Context(), audit.Entry{Op: audit.OpDelete, Subject: e.Type.TypeName(), IDs: []string{e.ID}})
	writeJSON(w, http.StatusOK, e)
}
