package workspace

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/atelier-ai/atelier/internal/tenant"
)

// Registry owns all live worker spaces, one per (user, project). Creation is
// deduplicated so concurrent callers share one initialization.
type Registry struct {
	deps Deps

	mu     sync.RWMutex
	spaces map[string]*Space
	sf     singleflight.Group
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:   deps,
		spaces: make(map[string]*Space),
	}
}

func spaceKey(userID, projectID string) string {
	return userID + "/" + projectID
}

// GetOrCreate returns the space for the scope's (user, project), creating it
// if needed. Concurrent callers for the same key receive the same instance;
// at most one initialization runs.
func (r *Registry) GetOrCreate(ctx context.Context, scope tenant.Scope, projectID string) (*Space, error) {
	key := spaceKey(scope.UserID, projectID)

	r.mu.RLock()
	space, ok := r.spaces[key]
	r.mu.RUnlock()
	if ok {
		return space, nil
	}

	v, err, _ := r.sf.Do(key, func() (any, error) {
		r.mu.RLock()
		existing, ok := r.spaces[key]
		r.mu.RUnlock()
		if ok {
			return existing, nil
		}

		// The project must exist and belong to the tenant before a space
		// materializes for it.
		if _, err := r.deps.Repo.GetProject(ctx, scope, projectID); err != nil {
			return nil, err
		}

		created := NewSpace(scope, projectID, r.deps)
		r.mu.Lock()
		r.spaces[key] = created
		r.mu.Unlock()

		r.deps.Log.Info("worker space created",
			zap.String("user_id", scope.UserID),
			zap.String("project_id", projectID))
		return created, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Space), nil
}

// Get returns an existing space or nil.
func (r *Registry) Get(scope tenant.Scope, projectID string) *Space {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.spaces[spaceKey(scope.UserID, projectID)]
}

// Remove drains and releases one space.
func (r *Registry) Remove(ctx context.Context, scope tenant.Scope, projectID string) {
	key := spaceKey(scope.UserID, projectID)

	r.mu.Lock()
	space, ok := r.spaces[key]
	if ok {
		delete(r.spaces, key)
	}
	r.mu.Unlock()

	if ok {
		space.Cleanup(ctx)
		r.deps.Log.Info("worker space removed",
			zap.String("user_id", scope.UserID),
			zap.String("project_id", projectID))
	}
}

// RemoveUserSpaces drains and releases every space owned by a user.
func (r *Registry) RemoveUserSpaces(ctx context.Context, userID string) {
	prefix := userID + "/"

	r.mu.Lock()
	var victims []*Space
	for key, space := range r.spaces {
		if strings.HasPrefix(key, prefix) {
			victims = append(victims, space)
			delete(r.spaces, key)
		}
	}
	r.mu.Unlock()

	for _, space := range victims {
		space.Cleanup(ctx)
	}
}

// CleanupAll drains every space; the process shutdown hook calls it.
func (r *Registry) CleanupAll(ctx context.Context) {
	r.mu.Lock()
	victims := make([]*Space, 0, len(r.spaces))
	for _, space := range r.spaces {
		victims = append(victims, space)
	}
	r.spaces = make(map[string]*Space)
	r.mu.Unlock()

	for _, space := range victims {
		space.Cleanup(ctx)
	}
}

// Count reports live spaces, for metrics.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.spaces)
}
