// Package project manages the project tree and the prompts inside it.
// Projects nest like folders with a bounded depth; prompts carry
// versioned content where every change snapshots the prior value. The
// store hands out fresh copies only and implements the context
// ProfileSource consumed by the resolver.
package project

import (
	"errors"
	"strings"
	"time"

	"github.com/promptforge/promptforge/codebase"
)

// MaxTreeDepth caps project nesting. Root projects sit at depth 0.
const MaxTreeDepth = 8

var (
	// ErrNotFound covers missing and soft-deleted entities.
	ErrNotFound = errors.New("not found")
	// ErrArchived rejects mutations on archived projects.
	ErrArchived = errors.New("project is archived")
	// ErrNameConflict rejects duplicate names within one parent.
	ErrNameConflict = errors.New("name already exists in parent")
	// ErrDepthExceeded rejects nesting beyond MaxTreeDepth.
	ErrDepthExceeded = errors.New("maximum tree depth exceeded")
	// ErrCircularMove rejects moving a project under its own subtree.
	ErrCircularMove = errors.New("move would create a circular reference")
	// ErrInvalidName rejects empty or whitespace-only names.
	ErrInvalidName = errors.New("invalid name")
	// ErrVersionNotFound is returned for an unknown prompt version.
	ErrVersionNotFound = errors.New("prompt version not found")
	// ErrEmptyContent rejects prompts with no content.
	ErrEmptyContent = errors.New("prompt content is empty")
)

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	StatusActive   ProjectStatus = "active"
	StatusArchived ProjectStatus = "archived"
	StatusDeleted  ProjectStatus = "deleted"
)

// Project is one node in the tree.
type Project struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	ParentID string        `json:"parent_id,omitempty"`
	Depth    int           `json:"depth"`
	Status   ProjectStatus `json:"status"`

	Description string `json:"description,omitempty"`

	// Profile is the manually curated codebase context for runs in
	// this project. Nil when never set.
	Profile *codebase.Context `json:"profile,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Prompt is a reusable prompt, optionally owned by a project.
type Prompt struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id,omitempty"`
	Title     string `json:"title,omitempty"`
	Content   string `json:"content"`

	// Version counts content changes, starting at 1.
	Version int `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PromptVersion is an immutable snapshot of a prompt's prior content,
// written before every content change.
type PromptVersion struct {
	PromptID  string    `json:"prompt_id"`
	Version   int       `json:"version"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NormalizeContent collapses whitespace runs so prompts that differ
// only in spacing compare equal for the ensure helpers.
func NormalizeContent(content string) string {
	return strings.Join(strings.Fields(content), " ")
}

func cloneProject(p *Project) *Project {
	if p == nil {
		return nil
	}
	out := *p
	out.Profile = p.Profile.Clone()
	return &out
}

func clonePrompt(p *Prompt) *Prompt {
	if p == nil {
		return nil
	}
	out := *p
	return &out
}
