package roster

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Source loads the full agent roster of a project. Agents are returned in a
// stable order; the resolvers depend on it.
type Source interface {
	ProjectAgents(ctx context.Context, projectID string) ([]Agent, error)
}

// Directory is a cached, read-only view over a Source.
type Directory struct {
	source Source
	cache  *cache.Cache
	group  singleflight.Group
	logger *slog.Logger
}

// NewDirectory caches project rosters for ttl. A ttl <= 0 disables expiry.
func NewDirectory(source Source, ttl time.Duration, logger *slog.Logger) *Directory {
	exp := cache.NoExpiration
	if ttl > 0 {
		exp = ttl
	}
	return &Directory{
		source: source,
		cache:  cache.New(exp, 2*exp),
		logger: logger,
	}
}

// ProjectRoster returns every agent of the project. Concurrent misses for the
// same project share one load. The returned slice is a copy.
func (d *Directory) ProjectRoster(ctx context.Context, projectID string) ([]Agent, error) {
	if v, ok := d.cache.Get(projectID); ok {
		return clone(v.([]Agent)), nil
	}

	v, err, shared := d.group.Do(projectID, func() (any, error) {
		agents, err := d.source.ProjectAgents(ctx, projectID)
		if err != nil {
			return nil, err
		}
		d.cache.SetDefault(projectID, agents)
		return agents, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load roster for project %s: %w", projectID, err)
	}
	if !shared {
		d.logger.Debug("roster loaded", "project_id", projectID, "agents", len(v.([]Agent)))
	}
	return clone(v.([]Agent)), nil
}

// ScopeRoster returns the agents visible in scope.
func (d *Directory) ScopeRoster(ctx context.Context, scope Scope) ([]Agent, error) {
	agents, err := d.ProjectRoster(ctx, scope.ProjectID)
	if err != nil {
		return nil, err
	}
	return FilterScope(agents, scope), nil
}

// Invalidate drops cached rosters for the given projects, or all of them when none are given.
func (d *Directory) Invalidate(projectIDs ...string) {
	if len(projectIDs) == 0 {
		d.cache.Flush()
		return
	}
	for _, id := range projectIDs {
		d.cache.Delete(id)
	}
}
