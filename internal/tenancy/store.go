package tenancy

import "context"

// Store persists the tenancy graph. Every mutating call runs in one storage transaction and
// enforces name uniqueness and parent consistency itself.
type Store interface {
	CreateNode(ctx context.Context, node Node) (Node, error)
	GetNode(ctx context.Context, id string) (Node, error)
	UpdateNode(ctx context.Context, id string, patch Patch, updatedBy string) (Node, error)
	DeleteNode(ctx context.Context, id string, mode DeleteMode) (Removal, error)
	ListNodes(ctx context.Context, filter Filter) ([]Node, error)
	SetMembers(ctx context.Context, unitID string, institutionIDs []string) ([]Member, error)
	ListMembers(ctx context.Context, unitID string) ([]Member, error)
}
