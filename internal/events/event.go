// Package events turns committed row changes into mutation events and publishes them to a
// per-domain topic keyed by entity id. Delivery is at least once: consumers see every change,
// possibly more than once, in commit order per entity.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"qazna.org/tenancy/internal/access"
	"qazna.org/tenancy/internal/cdc"
)

// ErrUnsupportedTable marks changes on tables that have no event namespace.
var ErrUnsupportedTable = errors.New("events: unsupported table")

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Namespaces, one topic each.
const (
	NamespaceCustomer         = "customer"
	NamespaceOrganization     = "organization"
	NamespaceInstitution      = "institution"
	NamespaceOrganizationUnit = "organization_unit"
	NamespaceEntity           = "entity"
	NamespaceUser             = "user"
	NamespaceRole             = "role"
)

// MutationEvent describes one committed create, update or delete. A create carries no
// before-image and a delete no after-image.
type MutationEvent struct {
	ID         string          `json:"id"`
	Op         Op              `json:"op"`
	Namespace  string          `json:"namespace"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Seq        int64           `json:"seq,omitempty"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Key partitions the event stream; all events of one entity share it.
func (e MutationEvent) Key() string { return e.EntityID }

// Topic is the topic of e under prefix.
func (e MutationEvent) Topic(prefix string) string { return Topic(prefix, e.Namespace) }

// Topic joins prefix and namespace, e.g. "tenancy.customer".
func Topic(prefix, namespace string) string {
	if prefix == "" {
		return namespace
	}
	return prefix + "." + namespace
}

type source struct {
	namespace  string
	entityType string
	key        []string
	// typed reports the entity type from the row itself.
	typed bool
}

var sources = map[string]source{
	"customers":                 {namespace: NamespaceCustomer, entityType: "Customer", key: []string{"id"}},
	"organizations":             {namespace: NamespaceOrganization, entityType: "Organization", key: []string{"id"}},
	"institutions":              {namespace: NamespaceInstitution, entityType: "Institution", key: []string{"id"}},
	"organization_units":        {namespace: NamespaceOrganizationUnit, entityType: "OrganizationUnit", key: []string{"id"}},
	"organization_unit_members": {namespace: NamespaceOrganizationUnit, entityType: "OrganizationUnitMember", key: []string{"organization_unit_id", "institution_id"}},
	"entities":                  {namespace: NamespaceEntity, key: []string{"id"}, typed: true},
	"user_entity":               {namespace: NamespaceUser, entityType: "User", key: []string{"id"}},
	"user_group_membership":     {namespace: NamespaceUser, entityType: "UserGroupMembership", key: []string{"user_id", "group_id"}},
	"keycloak_role":             {namespace: NamespaceRole, entityType: "Role", key: []string{"id"}},
	"keycloak_group":            {namespace: NamespaceRole, entityType: "Group", key: []string{"id"}},
	"group_role_mapping":        {namespace: NamespaceRole, entityType: "GroupRole", key: []string{"group_id", "role_id"}},
	"user_role_mapping":         {namespace: NamespaceRole, entityType: "UserRole", key: []string{"user_id", "role_id"}},
}

// Tables lists the tables that produce events.
func Tables() []string {
	out := make([]string, 0, len(sources))
	for t := range sources {
		out = append(out, t)
	}
	return out
}

// FromChange converts a decoded change on table into an event. now stamps changes that carry
// no commit time of their own.
func FromChange(table string, c cdc.Change, now time.Time) (MutationEvent, error) {
	src, ok := sources[table]
	if !ok {
		return MutationEvent{}, fmt.Errorf("%w: %s", ErrUnsupportedTable, table)
	}
	if c.Truncated {
		return MutationEvent{}, fmt.Errorf("%w: change %d is truncated", cdc.ErrMalformed, c.Seq)
	}
	id, err := c.RowKey(src.key...)
	if err != nil {
		return MutationEvent{}, err
	}
	ev := MutationEvent{
		Namespace:  src.namespace,
		EntityType: src.entityType,
		EntityID:   id,
		Seq:        c.Seq,
		Timestamp:  c.At,
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now.UTC()
	}
	switch c.Op {
	case cdc.OpInsert:
		ev.Op, ev.After = OpCreate, c.New
	case cdc.OpUpdate:
		ev.Op, ev.Before, ev.After = OpUpdate, c.Old, c.New
	case cdc.OpDelete:
		ev.Op, ev.Before = OpDelete, c.Old
	default:
		return MutationEvent{}, fmt.Errorf("%w: unknown op %q", cdc.ErrMalformed, c.Op)
	}
	if src.typed {
		if ev.EntityType, err = entityType(c); err != nil {
			return MutationEvent{}, err
		}
	}
	ev.ID = eventID(table, ev)
	return ev, nil
}

func entityType(c cdc.Change) (string, error) {
	fields, err := c.Fields()
	if err != nil {
		return "", err
	}
	raw, _ := fields["type"].(string)
	r, err := access.ParseResource(raw)
	if err != nil {
		return "", fmt.Errorf("%w: entity type %q", cdc.ErrMalformed, raw)
	}
	return r.TypeName(), nil
}

// eventID is stable across republication of the same change so consumers can deduplicate.
func eventID(table string, ev MutationEvent) string {
	if ev.Seq > 0 {
		return fmt.Sprintf("%s:%d", table, ev.Seq)
	}
	return strings.Join([]string{table, ev.EntityID, string(ev.Op), ev.Timestamp.Format(time.RFC3339Nano)}, ":")
}

// Decode parses an event published by this package.
func Decode(b []byte) (MutationEvent, error) {
	var ev MutationEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return MutationEvent{}, fmt.Errorf("events: decode: %w", err)
	}
	return ev, nil
}
