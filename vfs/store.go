package vfs

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store keeps the filesystem in process memory. Every method scopes by
// app ID, is safe for concurrent use, and returns fresh copies.
type Store struct {
	mu       sync.RWMutex
	folders  map[string]*Folder
	files    map[string]*File
	versions map[string][]*FileVersion // fileID -> snapshots, version-ordered
}

func NewStore() *Store {
	return &Store{
		folders:  make(map[string]*Folder),
		files:    make(map[string]*File),
		versions: make(map[string][]*FileVersion),
	}
}

// folderInApp resolves an ID inside one app's tree. Callers hold the
// lock.
func (s *Store) folderInApp(appID, id string) (*Folder, error) {
	f, ok := s.folders[id]
	if !ok || f.AppID != appID {
		return nil, ErrNotFound
	}
	return f, nil
}

func (s *Store) fileInApp(appID, id string) (*File, error) {
	f, ok := s.files[id]
	if !ok || f.AppID != appID {
		return nil, ErrNotFound
	}
	return f, nil
}

// folderNameTaken reports whether a sibling folder already uses name.
// Uniqueness is exact-match within (app, parent). Callers hold the
// lock.
func (s *Store) folderNameTaken(appID, parentID, name, excludeID string) bool {
	for _, f := range s.folders {
		if f.ID == excludeID || f.AppID != appID {
			continue
		}
		if f.ParentID == parentID && f.Name == name {
			return true
		}
	}
	return false
}

func (s *Store) fileNameTaken(appID, folderID, name, excludeID string) bool {
	for _, f := range s.files {
		if f.ID == excludeID || f.AppID != appID {
			continue
		}
		if f.FolderID == folderID && f.Name == name {
			return true
		}
	}
	return false
}

// CreateFolder adds a folder under parentID ("" for root).
func (s *Store) CreateFolder(ctx context.Context, appID, parentID, name string) (*Folder, error) {
	name = strings.TrimSpace(name)
	if name == "" || appID == "" {
		return nil, ErrInvalidName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	depth := 0
	if parentID != "" {
		parent, err := s.folderInApp(appID, parentID)
		if err != nil {
			return nil, err
		}
		depth = parent.Depth + 1
		if depth > MaxFolderDepth {
			return nil, ErrDepthExceeded
		}
	}
	if s.folderNameTaken(appID, parentID, name, "") {
		return nil, ErrNameConflict
	}

	now := time.Now().UTC()
	f := &Folder{
		ID:        uuid.NewString(),
		AppID:     appID,
		ParentID:  parentID,
		Name:      name,
		Depth:     depth,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.folders[f.ID] = f
	return cloneFolder(f), nil
}

func (s *Store) GetFolder(ctx context.Context, appID, id string) (*Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := s.folderInApp(appID, id)
	if err != nil {
		return nil, err
	}
	return cloneFolder(f), nil
}

// ListFolders returns the folders directly under parentID, name-sorted.
func (s *Store) ListFolders(ctx context.Context, appID, parentID string) ([]*Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if parentID != "" {
		if _, err := s.folderInApp(appID, parentID); err != nil {
			return nil, err
		}
	}

	var out []*Folder
	for _, f := range s.folders {
		if f.AppID == appID && f.ParentID == parentID {
			out = append(out, cloneFolder(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RenameFolder changes a folder's name in place. Renames are cosmetic
// and never touch depth or children.
func (s *Store) RenameFolder(ctx context.Context, appID, id, name string) (*Folder, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.folderInApp(appID, id)
	if err != nil {
		return nil, err
	}
	if s.folderNameTaken(appID, f.ParentID, name, f.ID) {
		return nil, ErrNameConflict
	}
	f.Name = name
	f.UpdatedAt = time.Now().UTC()
	return cloneFolder(f), nil
}

// MoveFolder reparents a folder. The folder's depth is recomputed from
// the new parent and the delta cascades to every descendant in one
// batched update; the move is rejected outright when any descendant
// would land past MaxFolderDepth.
func (s *Store) MoveFolder(ctx context.Context, appID, id, newParentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.folderInApp(appID, id)
	if err != nil {
		return err
	}

	newDepth := 0
	if newParentID != "" {
		if newParentID == id {
			return ErrCircularMove
		}
		parent, err := s.folderInApp(appID, newParentID)
		if err != nil {
			return err
		}
		for cursor := parent; cursor != nil && cursor.ParentID != ""; {
			if cursor.ParentID == id {
				return ErrCircularMove
			}
			cursor = s.folders[cursor.ParentID]
		}
		newDepth = parent.Depth + 1
	}

	subtree := s.folderSubtree(id)
	delta := newDepth - f.Depth
	for _, node := range subtree {
		if node.Depth+delta > MaxFolderDepth {
			return ErrDepthExceeded
		}
	}
	if s.folderNameTaken(appID, newParentID, f.Name, f.ID) {
		return ErrNameConflict
	}

	now := time.Now().UTC()
	for _, node := range subtree {
		node.Depth += delta
		node.UpdatedAt = now
	}
	f.ParentID = newParentID
	return nil
}

// DeleteFolder removes a folder, its descendant folders, and every
// file (with version history) inside the subtree.
func (s *Store) DeleteFolder(ctx context.Context, appID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.folderInApp(appID, id); err != nil {
		return err
	}

	doomed := make(map[string]bool)
	for _, node := range s.folderSubtree(id) {
		doomed[node.ID] = true
	}
	for fid := range doomed {
		delete(s.folders, fid)
	}
	for fileID, file := range s.files {
		if file.AppID == appID && doomed[file.FolderID] {
			delete(s.files, fileID)
			delete(s.versions, fileID)
		}
	}
	return nil
}

// folderSubtree returns the folder and all descendants. Callers hold
// the lock.
func (s *Store) folderSubtree(rootID string) []*Folder {
	out := []*Folder{s.folders[rootID]}
	frontier := []string{rootID}
	for len(frontier) > 0 {
		var next []string
		for _, f := range s.folders {
			for _, parentID := range frontier {
				if f.ParentID == parentID {
					out = append(out, f)
					next = append(next, f.ID)
					break
				}
			}
		}
		frontier = next
	}
	return out
}

// CreateFile adds a file to folderID ("" for root level) at version 1.
func (s *Store) CreateFile(ctx context.Context, appID, folderID, name, content string) (*File, error) {
	name = strings.TrimSpace(name)
	if name == "" || appID == "" {
		return nil, ErrInvalidName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if folderID != "" {
		if _, err := s.folderInApp(appID, folderID); err != nil {
			return nil, err
		}
	}
	if s.fileNameTaken(appID, folderID, name, "") {
		return nil, ErrNameConflict
	}

	now := time.Now().UTC()
	f := &File{
		ID:        uuid.NewString(),
		AppID:     appID,
		FolderID:  folderID,
		Name:      name,
		Content:   content,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.files[f.ID] = f
	return cloneFile(f), nil
}

func (s *Store) GetFile(ctx context.Context, appID, id string) (*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := s.fileInApp(appID, id)
	if err != nil {
		return nil, err
	}
	return cloneFile(f), nil
}

// ListFiles returns the files directly inside folderID, name-sorted.
func (s *Store) ListFiles(ctx context.Context, appID, folderID string) ([]*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if folderID != "" {
		if _, err := s.folderInApp(appID, folderID); err != nil {
			return nil, err
		}
	}

	var out []*File
	for _, f := range s.files {
		if f.AppID == appID && f.FolderID == folderID {
			out = append(out, cloneFile(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RenameFile changes the name only. Renames never snapshot and never
// move the version counter.
func (s *Store) RenameFile(ctx context.Context, appID, id, name string) (*File, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fileInApp(appID, id)
	if err != nil {
		return nil, err
	}
	if s.fileNameTaken(appID, f.FolderID, name, f.ID) {
		return nil, ErrNameConflict
	}
	f.Name = name
	f.UpdatedAt = time.Now().UTC()
	return cloneFile(f), nil
}

// MoveFile relocates a file into another folder. Files carry no depth,
// so only the destination and name uniqueness are checked.
func (s *Store) MoveFile(ctx context.Context, appID, id, newFolderID string) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fileInApp(appID, id)
	if err != nil {
		return nil, err
	}
	if newFolderID != "" {
		if _, err := s.folderInApp(appID, newFolderID); err != nil {
			return nil, err
		}
	}
	if s.fileNameTaken(appID, newFolderID, f.Name, f.ID) {
		return nil, ErrNameConflict
	}
	f.FolderID = newFolderID
	f.UpdatedAt = time.Now().UTC()
	return cloneFile(f), nil
}

// snapshotFile records the file's current content at its current
// version number. Callers hold the lock and bump Version afterwards.
func (s *Store) snapshotFile(f *File) {
	s.versions[f.ID] = append(s.versions[f.ID], &FileVersion{
		FileID:    f.ID,
		Version:   f.Version,
		Content:   f.Content,
		CreatedAt: time.Now().UTC(),
	})
}

// UpdateFileContent overwrites the file body. When the bytes differ
// the previous content is snapshotted at the current version number
// before the counter increments; identical content is a no-op.
func (s *Store) UpdateFileContent(ctx context.Context, appID, id, content string) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fileInApp(appID, id)
	if err != nil {
		return nil, err
	}
	if content == f.Content {
		return cloneFile(f), nil
	}

	s.snapshotFile(f)
	f.Content = content
	f.Version++
	f.UpdatedAt = time.Now().UTC()
	return cloneFile(f), nil
}

// ListFileVersions returns the file's snapshots in version order.
func (s *Store) ListFileVersions(ctx context.Context, appID, fileID string) ([]*FileVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.fileInApp(appID, fileID); err != nil {
		return nil, err
	}
	snaps := s.versions[fileID]
	out := make([]*FileVersion, 0, len(snaps))
	for _, v := range snaps {
		copied := *v
		out = append(out, &copied)
	}
	return out, nil
}

func (s *Store) GetFileVersion(ctx context.Context, appID, fileID string, version int) (*FileVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.fileInApp(appID, fileID); err != nil {
		return nil, err
	}
	for _, v := range s.versions[fileID] {
		if v.Version == version {
			copied := *v
			return &copied, nil
		}
	}
	return nil, ErrVersionNotFound
}

// RestoreFileVersion sets the file's content back to a snapshot. The
// pre-restore content is snapshotted first and the counter increments,
// so restores are themselves undoable.
func (s *Store) RestoreFileVersion(ctx context.Context, appID, fileID string, version int) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fileInApp(appID, fileID)
	if err != nil {
		return nil, err
	}

	var snap *FileVersion
	for _, v := range s.versions[fileID] {
		if v.Version == version {
			snap = v
			break
		}
	}
	if snap == nil {
		return nil, ErrVersionNotFound
	}

	s.snapshotFile(f)
	f.Content = snap.Content
	f.Version++
	f.UpdatedAt = time.Now().UTC()
	return cloneFile(f), nil
}

// DeleteFile removes a file and its version history.
func (s *Store) DeleteFile(ctx context.Context, appID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.fileInApp(appID, id); err != nil {
		return err
	}
	delete(s.files, id)
	delete(s.versions, id)
	return nil
}
