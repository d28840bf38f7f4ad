// Package vfs is an app-scoped virtual filesystem: folders nest with a
// bounded depth, files carry auto-versioned content, and every
// content-changing write snapshots the prior bytes first. Most of the
// package is invariant enforcement around move operations.
package vfs

import (
	"errors"
	"time"
)

// MaxFolderDepth caps folder nesting. Root folders sit at depth 0.
const MaxFolderDepth = 8

var (
	ErrNotFound        = errors.New("not found")
	ErrNameConflict    = errors.New("name already exists in folder")
	ErrDepthExceeded   = errors.New("maximum folder depth exceeded")
	ErrCircularMove    = errors.New("move would create a circular reference")
	ErrInvalidName     = errors.New("invalid name")
	ErrVersionNotFound = errors.New("file version not found")
)

// Folder is one directory node. ParentID is empty for root folders.
type Folder struct {
	ID       string `json:"id"`
	AppID    string `json:"app_id"`
	ParentID string `json:"parent_id,omitempty"`
	Name     string `json:"name"`
	Depth    int    `json:"depth"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// File holds content plus a version counter that starts at 1 and
// increments on every content change.
type File struct {
	ID       string `json:"id"`
	AppID    string `json:"app_id"`
	FolderID string `json:"folder_id,omitempty"`
	Name     string `json:"name"`
	Content  string `json:"content"`
	Version  int    `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileVersion is an immutable snapshot of a file's prior content.
type FileVersion struct {
	FileID    string    `json:"file_id"`
	Version   int       `json:"version"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func cloneFolder(f *Folder) *Folder {
	if f == nil {
		return nil
	}
	out := *f
	return &out
}

func cloneFile(f *File) *File {
	if f == nil {
		return nil
	}
	out := *f
	return &out
}
