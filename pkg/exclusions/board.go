package exclusions

import (
	"context"

	"github.com/shoalstack/shoal/pkg/coordination"
)

// PlaneAPI is the slice of the coordination plane the board needs.
type PlaneAPI interface {
	SetNodeValue(ctx context.Context, key, value string) error
	ListNodeValues(key string) (map[string]string, error)
	ClearNodeValue(node, key string) error
}

// StoreBoard keeps cleanup markers in the replicated store, one entry
// per member under its node namespace. Markers written by a stopping
// member survive its restart, so the coordinator sees them on its next
// sweep even if the writer never comes back.
type StoreBoard struct {
	plane PlaneAPI
}

// NewStoreBoard creates a board over the coordination plane.
func NewStoreBoard(plane PlaneAPI) *StoreBoard {
	return &StoreBoard{plane: plane}
}

// MarkPending records a cleanup marker for the local member.
func (b *StoreBoard) MarkPending(ctx context.Context, kind string) error {
	return b.plane.SetNodeValue(ctx, coordination.KeyExclusionsCleanup, kind)
}

// Pending lists outstanding markers by node.
func (b *StoreBoard) Pending() (map[string]string, error) {
	return b.plane.ListNodeValues(coordination.KeyExclusionsCleanup)
}

// ClearPending retires a node's marker.
func (b *StoreBoard) ClearPending(node string) error {
	return b.plane.ClearNodeValue(node, coordination.KeyExclusionsCleanup)
}
