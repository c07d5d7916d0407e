package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"qazna.org/tenancy/internal/audit"
	"qazna.org/tenancy/internal/tenancy"
)

type createNodeRequest struct {
	Name           string `json:"name"`
	Type           string `json:"ty"`
	OrganizationID string `json:"organization_id,omitempty"`
}

type setMembersRequest struct {
	InstitutionIDs []string `json:"institution_ids"`
}

// NodeView is the wire form of a node: its columns plus its kind.
type NodeView struct {
	Kind string `json:"kind"`
	tenancy.Node
}

func viewNode(n tenancy.Node) NodeView {
	return NodeView{Kind: n.Kind.String(), Node: n}
}

func viewNodes(nodes []tenancy.Node) []NodeView {
	out := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, viewNode(n))
	}
	return out
}

func (a *API) createdNode(w http.ResponseWriter, r *http.Request, node tenancy.Node) {
	_ = audit.Log(r.Context(), audit.Entry{
		Op:      audit.OpCreate,
		Subject: node.Kind.EntityType(),
		IDs:     []string{node.ID},
		Fields:  map[string]any{"name": node.Name},
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/nodes/%s", node.ID))
	writeJSON(w, http.StatusCreated, viewNode(node))
}

func (a *API) handleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req createNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	node, err := a.mgr.CreateCustomer(r.Context(), caller(r), req.Name, req.Type)
	if err != nil {
		writeError(w, err)
		return
	}
	a.createdNode(w, r, node)
}

func (a *API) handleCreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req createNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	node, err := a.mgr.CreateOrganization(r.Context(), caller(r), pathID(r), req.Name, req.Type)
	if err != nil {
		writeError(w, err)
		return
	}
	a.createdNode(w, r, node)
}

func (a *API) handleCreateInstitution(w http.ResponseWriter, r *http.Request) {
	var req createNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	node, err := a.mgr.CreateInstitution(r.Context(), caller(r), pathID(r), req.Name, req.Type)
	if err != nil {
		writeError(w, err)
		return
	}
	a.createdNode(w, r, node)
}

func (a *API) handleCreateUnit(w http.ResponseWriter, r *http.Request) {
	var req createNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	node, err := a.mgr.CreateOrganizationUnit(r.Context(), caller(r), pathID(r), req.OrganizationID, req.Name, req.Type)
	if err != nil {
		writeError(w, err)
		return
	}
	a.createdNode(w, r, node)
}

func (a *API) listNodes(w http.ResponseWriter, r *http.Request, f tenancy.Filter) {
	var err error
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Offset, err = queryInt(r, "offset"); err != nil {
		writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	f.Type = strings.TrimSpace(r.URL.Query().Get("ty"))
	nodes, err := a.mgr.ListNodes(r.Context(), caller(r), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": viewNodes(nodes)})
}

func (a *API) handleListCustomers(w http.ResponseWriter, r *http.Request) {
	a.listNodes(w, r, tenancy.Filter{Kind: tenancy.KindCustomer})
}

func (a *API) handleListOrganizations(w http.ResponseWriter, r *http.Request) {
	a.listNodes(w, r, tenancy.Filter{Kind: tenancy.KindOrganization, CustomerID: pathID(r)})
}

func (a *API) handleListUnits(w http.ResponseWriter, r *http.Request) {
	a.listNodes(w, r, tenancy.Filter{
		Kind:           tenancy.KindOrganizationUnit,
		CustomerID:     pathID(r),
		OrganizationID: r.URL.Query().Get("organization_id"),
	})
}

func (a *API) handleListInstitutions(w http.ResponseWriter, r *http.Request) {
	a.listNodes(w, r, tenancy.Filter{Kind: tenancy.KindInstitution, OrganizationID: pathID(r)})
}

func (a *API) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := a.mgr.GetNode(r.Context(), caller(r), pathID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewNode(node))
}

func (a *API) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	var patch tenancy.Patch
	if err := decodeJSON(r, &patch); err != nil {
		writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	node, err := a.mgr.UpdateNode(r.Context(), caller(r), pathID(r), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = audit.Log(r.Context(), audit.Entry{Op: audit.OpUpdate, Subject: node.Kind.EntityType(), IDs: []string{node.ID}})
	writeJSON(w, http.StatusOK, viewNode(node))
}

func (a *API) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	mode := tenancy.DeleteCascade
	switch strings.ToLower(r.URL.Query().Get("mode")) {
	case "", "cascade":
	case "restrict":
		mode = tenancy.DeleteRestrict
	default:
		writeStatus(w, http.StatusBadRequest, "mode must be cascade or restrict")
		return
	}
	removal, err := a.mgr.DeleteNode(r.Context(), caller(r), pathID(r), mode)
	if err != nil {
		writeError(w, err)
		return
	}
	subject := "Node"
	for _, n := range removal.Nodes {
		if n.ID == pathID(r) {
			subject = n.Kind.EntityType()
		}
	}
	_ = audit.Log(r.Context(), audit.Entry{
		Op:      audit.OpDelete,
		Subject: subject,
		IDs:     removal.IDs(),
		Fields:  map[string]any{"mode": mode.String(), "members": len(removal.Members)},
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"nodes":   viewNodes(removal.Nodes),
		"members": removal.Members,
	})
}

func (a *API) handleNodeContext(w http.ResponseWriter, r *http.Request) {
	oc, err := a.mgr.ResolveContext(r.Context(), caller(r), pathID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, oc)
}

func (a *API) handleSetMembers(w http.ResponseWriter, r *http.Request) {
	var req setMembersRequest
	if err := decodeJSON(r, &req); err != nil {
		writeStatus(w, http.StatusBadRequest, err.Error())
		return
	}
	members, err := a.mgr.SetUnitMembers(r.Context(), caller(r), pathID(r), req.InstitutionIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = audit.Log(r.Context(), audit.Entry{
		Op:      audit.OpMembers,
		Subject: tenancy.KindOrganizationUnit.EntityType(),
		IDs:     []string{pathID(r)},
		Fields:  map[string]any{"institutions": len(members)},
	})
	writeJSON(w, http.StatusOK, map[string]any{"items": members})
}

func (a *API) handleMembers(w http.ResponseWriter, r *http.Request) {
	members, err := a.mgr.UnitMembers(r.Context(), caller(r), pathID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": members})
}
