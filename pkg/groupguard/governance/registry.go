package governance

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Registry caches group id → owner. A group's creator never changes, so an
// entry is written once and never invalidated for the life of the process.
type Registry struct {
	gw     Gateway
	owners map[string]string
	mu     sync.RWMutex
	flight singleflight.Group
}

// NewRegistry creates an empty registry backed by gw.
func NewRegistry(gw Gateway) *Registry {
	return &Registry{
		gw:     gw,
		owners: make(map[string]string),
	}
}

// Lookup returns the recorded owner without touching the gateway.
func (r *Registry) Lookup(groupID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.owners[groupID]
	return owner, ok
}

// Record stores owner for groupID if no owner is recorded yet.
// Returns true when the entry was created.
func (r *Registry) Record(groupID, owner string) bool {
	if groupID == "" || owner == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.owners[groupID]; ok {
		return false
	}
	r.owners[groupID] = owner
	return true
}

// Len returns the number of recorded groups.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}

// ResolveOwner returns the owner of groupID, fetching group metadata on the
// first sighting only. Concurrent misses for the same group share one fetch.
func (r *Registry) ResolveOwner(ctx context.Context, groupID string) (string, error) {
	if owner, ok := r.Lookup(groupID); ok {
		return owner, nil
	}

	v, err, _ := r.flight.Do(groupID, func() (any, error) {
		if owner, ok := r.Lookup(groupID); ok {
			return owner, nil
		}
		g, err := r.gw.GroupMetadata(ctx, groupID)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrMetadataFetch, groupID, err)
		}
		if g == nil || g.Owner == "" {
			return "", fmt.Errorf("%w: %s: no owner in metadata", ErrMetadataFetch, groupID)
		}
		r.Record(groupID, g.Owner)
		owner, _ := r.Lookup(groupID)
		return owner, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
