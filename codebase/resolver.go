package codebase

import (
	"context"
)

// ProfileSource yields the manually curated context profile attached to
// a project record. project.Store implements it; the resolver depends
// only on this method so the storage layer stays swappable.
type ProfileSource interface {
	// ContextProfile returns a fresh copy of the project's context
	// profile, or nil when the project has none. Implementations apply
	// the description fallback: a project with a description but no
	// description in its profile reports the project description.
	ContextProfile(ctx context.Context, projectID string) (*Context, error)
}

// Resolver merges the three context layers into the single Context
// threaded through every pipeline stage. Precedence, lowest to highest:
// workspace extraction, project profile, per-request override.
type Resolver struct {
	profiles ProfileSource
}

// NewResolver returns a resolver. profiles may be nil when no project
// layer exists (CLI use, tests).
func NewResolver(profiles ProfileSource) *Resolver {
	return &Resolver{profiles: profiles}
}

// Resolve produces the merged context for one optimization request.
// Any argument may be zero: a nil workspace skips extraction, an empty
// projectID skips the profile layer, a nil override skips the top
// layer. The result is always a fresh value; callers may mutate it
// freely without reaching stored state.
func (r *Resolver) Resolve(ctx context.Context, ws *Workspace, projectID string, override *Context) (*Context, error) {
	merged := Extract(ws)

	if projectID != "" && r.profiles != nil {
		profile, err := r.profiles.ContextProfile(ctx, projectID)
		if err != nil {
			return nil, err
		}
		merged = Merge(merged, profile)
	}

	if override != nil {
		merged = Merge(merged, override)
	}

	if merged != nil && merged.IsEmpty() {
		return nil, nil
	}
	return merged, nil
}
