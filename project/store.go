package project

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/promptforge/promptforge/codebase"
)

// Store holds the project tree and prompts in process memory. All
// methods are safe for concurrent use and return fresh copies;
// mutating a returned value never changes stored state.
type Store struct {
	mu       sync.RWMutex
	projects map[string]*Project
	prompts  map[string]*Prompt
	versions map[string][]*PromptVersion // promptID -> snapshots, version-ordered
}

func NewStore() *Store {
	return &Store{
		projects: make(map[string]*Project),
		prompts:  make(map[string]*Prompt),
		versions: make(map[string][]*PromptVersion),
	}
}

// visibleProject resolves an ID to a non-deleted project. Callers hold
// the lock.
func (s *Store) visibleProject(id string) (*Project, error) {
	p, ok := s.projects[id]
	if !ok || p.Status == StatusDeleted {
		return nil, ErrNotFound
	}
	return p, nil
}

// nameTaken reports whether a non-deleted sibling already uses name.
// Callers hold the lock.
func (s *Store) nameTaken(parentID, name, excludeID string) bool {
	for _, p := range s.projects {
		if p.ID == excludeID || p.Status == StatusDeleted {
			continue
		}
		if p.ParentID == parentID && strings.EqualFold(p.Name, name) {
			return true
		}
	}
	return false
}

// CreateProject adds a project under parentID ("" for root).
func (s *Store) CreateProject(ctx context.Context, name, parentID, description string) (*Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	depth := 0
	if parentID != "" {
		parent, err := s.visibleProject(parentID)
		if err != nil {
			return nil, err
		}
		if parent.Status == StatusArchived {
			return nil, ErrArchived
		}
		depth = parent.Depth + 1
		if depth > MaxTreeDepth {
			return nil, ErrDepthExceeded
		}
	}
	if s.nameTaken(parentID, name, "") {
		return nil, ErrNameConflict
	}

	now := time.Now().UTC()
	p := &Project{
		ID:          uuid.NewString(),
		Name:        name,
		ParentID:    parentID,
		Depth:       depth,
		Status:      StatusActive,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.projects[p.ID] = p
	return cloneProject(p), nil
}

// GetProject returns a project; deleted projects are invisible.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := s.visibleProject(id)
	if err != nil {
		return nil, err
	}
	return cloneProject(p), nil
}

// ListProjects returns non-deleted children of parentID ("" for
// roots), name-sorted.
func (s *Store) ListProjects(ctx context.Context, parentID string) ([]*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Project
	for _, p := range s.projects {
		if p.Status == StatusDeleted || p.ParentID != parentID {
			continue
		}
		out = append(out, cloneProject(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpdateProject renames a project and/or changes its description.
// Empty arguments keep the current value.
func (s *Store) UpdateProject(ctx context.Context, id, name, description string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.visibleProject(id)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusArchived {
		return nil, ErrArchived
	}

	if name = strings.TrimSpace(name); name != "" && !strings.EqualFold(name, p.Name) {
		if s.nameTaken(p.ParentID, name, p.ID) {
			return nil, ErrNameConflict
		}
		p.Name = name
	}
	if description != "" {
		p.Description = description
	}
	p.UpdatedAt = time.Now().UTC()
	return cloneProject(p), nil
}

// ArchiveProject freezes a project: reads keep working, mutations are
// rejected until it is unarchived.
func (s *Store) ArchiveProject(ctx context.Context, id string) error {
	return s.setStatus(id, StatusArchived)
}

// UnarchiveProject reactivates an archived project.
func (s *Store) UnarchiveProject(ctx context.Context, id string) error {
	return s.setStatus(id, StatusActive)
}

// DeleteProject soft-deletes a project; it disappears from all reads
// but EnsureProjectByName can resurrect it.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	return s.setStatus(id, StatusDeleted)
}

func (s *Store) setStatus(id string, status ProjectStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.visibleProject(id)
	if err != nil {
		return err
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// MoveProject reparents a project, recomputing the depth of the moved
// node and every descendant in one pass. It rejects circular moves and
// moves that would push any descendant past MaxTreeDepth.
func (s *Store) MoveProject(ctx context.Context, id, newParentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.visibleProject(id)
	if err != nil {
		return err
	}
	if p.Status == StatusArchived {
		return ErrArchived
	}

	newDepth := 0
	if newParentID != "" {
		if newParentID == id {
			return ErrCircularMove
		}
		parent, err := s.visibleProject(newParentID)
		if err != nil {
			return err
		}
		if parent.Status == StatusArchived {
			return ErrArchived
		}
		// Walk the new parent's ancestry; hitting the moved node means
		// the destination is inside its own subtree.
		for cursor := parent; cursor != nil && cursor.ParentID != ""; {
			if cursor.ParentID == id {
				return ErrCircularMove
			}
			cursor = s.projects[cursor.ParentID]
		}
		newDepth = parent.Depth + 1
	}

	subtree := s.collectSubtree(id)
	delta := newDepth - p.Depth
	for _, node := range subtree {
		if node.Depth+delta > MaxTreeDepth {
			return ErrDepthExceeded
		}
	}
	if s.nameTaken(newParentID, p.Name, p.ID) {
		return ErrNameConflict
	}

	// Batched cascade: all depths change together or not at all.
	now := time.Now().UTC()
	for _, node := range subtree {
		node.Depth += delta
		node.UpdatedAt = now
	}
	p.ParentID = newParentID
	return nil
}

// collectSubtree returns the project and every descendant, including
// soft-deleted ones so their depths stay consistent for resurrection.
// Callers hold the lock.
func (s *Store) collectSubtree(rootID string) []*Project {
	out := []*Project{s.projects[rootID]}
	frontier := []string{rootID}
	for len(frontier) > 0 {
		var next []string
		for _, p := range s.projects {
			for _, parentID := range frontier {
				if p.ParentID == parentID {
					out = append(out, p)
					next = append(next, p.ID)
					break
				}
			}
		}
		frontier = next
	}
	return out
}

// EnsureProjectByName finds the root-level project with the given name
// or creates it. A soft-deleted match is reactivated instead of
// shadowed by a duplicate; calling twice always yields the same ID.
func (s *Store) EnsureProjectByName(ctx context.Context, name string) (*Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted *Project
	for _, p := range s.projects {
		if p.ParentID != "" || !strings.EqualFold(p.Name, name) {
			continue
		}
		if p.Status != StatusDeleted {
			return cloneProject(p), nil
		}
		deleted = p
	}
	if deleted != nil {
		deleted.Status = StatusActive
		deleted.UpdatedAt = time.Now().UTC()
		return cloneProject(deleted), nil
	}

	now := time.Now().UTC()
	p := &Project{
		ID:        uuid.NewString(),
		Name:      name,
		Depth:     0,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.projects[p.ID] = p
	return cloneProject(p), nil
}

// SetContextProfile stores the curated codebase context for a project.
func (s *Store) SetContextProfile(ctx context.Context, id string, profile *codebase.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.visibleProject(id)
	if err != nil {
		return err
	}
	if p.Status == StatusArchived {
		return ErrArchived
	}
	p.Profile = profile.Clone()
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// ContextProfile returns the project's curated context, with the
// project description injected when the profile itself has none. The
// result is always a fresh copy. Implements codebase.ProfileSource.
func (s *Store) ContextProfile(ctx context.Context, projectID string) (*codebase.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := s.visibleProject(projectID)
	if err != nil {
		return nil, err
	}

	profile := p.Profile.Clone()
	if profile == nil && p.Description == "" {
		return nil, nil
	}
	if profile == nil {
		profile = &codebase.Context{}
	}
	if profile.Description == "" && p.Description != "" {
		profile.Description = p.Description
	}
	return profile, nil
}

// visiblePrompt resolves an ID to a prompt whose owning project (if
// any) has not been deleted. Callers hold the lock.
func (s *Store) visiblePrompt(id string) (*Prompt, error) {
	p, ok := s.prompts[id]
	if !ok {
		return nil, ErrNotFound
	}
	if p.ProjectID != "" {
		if _, err := s.visibleProject(p.ProjectID); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// promptOwnerWritable rejects mutations on prompts owned by an
// archived project. Callers hold the lock.
func (s *Store) promptOwnerWritable(p *Prompt) error {
	if p.ProjectID == "" {
		return nil
	}
	owner, err := s.visibleProject(p.ProjectID)
	if err != nil {
		return err
	}
	if owner.Status == StatusArchived {
		return ErrArchived
	}
	return nil
}

// snapshotPrompt records the prompt's current content at its current
// version number. Callers hold the lock and bump Version afterwards.
func (s *Store) snapshotPrompt(p *Prompt) {
	s.versions[p.ID] = append(s.versions[p.ID], &PromptVersion{
		PromptID:  p.ID,
		Version:   p.Version,
		Content:   p.Content,
		CreatedAt: time.Now().UTC(),
	})
}

// CreatePrompt adds a prompt to projectID, or at root level when
// projectID is empty. New prompts start at version 1.
func (s *Store) CreatePrompt(ctx context.Context, projectID, title, content string) (*Prompt, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if projectID != "" {
		owner, err := s.visibleProject(projectID)
		if err != nil {
			return nil, err
		}
		if owner.Status == StatusArchived {
			return nil, ErrArchived
		}
	}

	now := time.Now().UTC()
	p := &Prompt{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Title:     strings.TrimSpace(title),
		Content:   content,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.prompts[p.ID] = p
	return clonePrompt(p), nil
}

func (s *Store) GetPrompt(ctx context.Context, id string) (*Prompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := s.visiblePrompt(id)
	if err != nil {
		return nil, err
	}
	return clonePrompt(p), nil
}

// ListPrompts returns the prompts owned by projectID, oldest first.
// An empty projectID lists root-level prompts.
func (s *Store) ListPrompts(ctx context.Context, projectID string) ([]*Prompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if projectID != "" {
		if _, err := s.visibleProject(projectID); err != nil {
			return nil, err
		}
	}

	var out []*Prompt
	for _, p := range s.prompts {
		if p.ProjectID == projectID {
			out = append(out, clonePrompt(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// RenamePrompt changes the title only. Titles are cosmetic: no
// snapshot is taken and the version counter does not move.
func (s *Store) RenamePrompt(ctx context.Context, id, title string) (*Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.visiblePrompt(id)
	if err != nil {
		return nil, err
	}
	if err := s.promptOwnerWritable(p); err != nil {
		return nil, err
	}
	p.Title = strings.TrimSpace(title)
	p.UpdatedAt = time.Now().UTC()
	return clonePrompt(p), nil
}

// UpdatePromptContent replaces the prompt body. The prior value is
// snapshotted at the current version number before the counter
// increments; updates that do not change the content are no-ops.
func (s *Store) UpdatePromptContent(ctx context.Context, id, content string) (*Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.visiblePrompt(id)
	if err != nil {
		return nil, err
	}
	if err := s.promptOwnerWritable(p); err != nil {
		return nil, err
	}
	if content == p.Content {
		return clonePrompt(p), nil
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	s.snapshotPrompt(p)
	p.Content = content
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	return clonePrompt(p), nil
}

// ListPromptVersions returns the prompt's snapshots in version order.
func (s *Store) ListPromptVersions(ctx context.Context, promptID string) ([]*PromptVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.visiblePrompt(promptID); err != nil {
		return nil, err
	}
	snaps := s.versions[promptID]
	out := make([]*PromptVersion, 0, len(snaps))
	for _, v := range snaps {
		copied := *v
		out = append(out, &copied)
	}
	return out, nil
}

func (s *Store) GetPromptVersion(ctx context.Context, promptID string, version int) (*PromptVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.visiblePrompt(promptID); err != nil {
		return nil, err
	}
	for _, v := range s.versions[promptID] {
		if v.Version == version {
			copied := *v
			return &copied, nil
		}
	}
	return nil, ErrVersionNotFound
}

// RestorePromptVersion sets the prompt's content back to a snapshot.
// The pre-restore value is itself snapshotted and the version counter
// increments, so a restore never loses history.
func (s *Store) RestorePromptVersion(ctx context.Context, promptID string, version int) (*Prompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.visiblePrompt(promptID)
	if err != nil {
		return nil, err
	}
	if err := s.promptOwnerWritable(p); err != nil {
		return nil, err
	}

	var snap *PromptVersion
	for _, v := range s.versions[promptID] {
		if v.Version == version {
			snap = v
			break
		}
	}
	if snap == nil {
		return nil, ErrVersionNotFound
	}

	s.snapshotPrompt(p)
	p.Content = snap.Content
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	return clonePrompt(p), nil
}

// EnsurePromptInProject returns the project's prompt whose content
// matches after whitespace normalization, creating one when no match
// exists. Calling twice with the same content yields the same ID, so
// pipeline runs can link prompts without duplicating them. The title
// is only applied when a new prompt is created.
func (s *Store) EnsurePromptInProject(ctx context.Context, projectID, title, content string) (*Prompt, error) {
	norm := NormalizeContent(content)
	if norm == "" {
		return nil, ErrEmptyContent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var owner *Project
	if projectID != "" {
		var err error
		owner, err = s.visibleProject(projectID)
		if err != nil {
			return nil, err
		}
	}

	// Oldest match wins so repeated calls stay deterministic.
	var match *Prompt
	for _, p := range s.prompts {
		if p.ProjectID != projectID || NormalizeContent(p.Content) != norm {
			continue
		}
		if match == nil || p.CreatedAt.Before(match.CreatedAt) ||
			(p.CreatedAt.Equal(match.CreatedAt) && p.ID < match.ID) {
			match = p
		}
	}
	if match != nil {
		return clonePrompt(match), nil
	}

	if owner != nil && owner.Status == StatusArchived {
		return nil, ErrArchived
	}

	now := time.Now().UTC()
	p := &Prompt{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Title:     strings.TrimSpace(title),
		Content:   content,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.prompts[p.ID] = p
	return clonePrompt(p), nil
}
