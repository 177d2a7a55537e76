package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"imgbed/internal/models"
	"imgbed/internal/storage"
)

// Bootstrap folders created by Init.
var defaultFolders = []models.Folder{
	{ID: "avatar", Name: "Avatar"},
	{ID: "chat", Name: "Chat"},
}

// Folders returns every folder ordered by creation time, then id.
func (s *Store) Folders(ctx context.Context) ([]models.Folder, error) {
	const op = "metastore.Folders"

	raw, err := s.kv.HGetAll(ctx, s.foldersKey())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	folders := make([]models.Folder, 0, len(raw))
	for id, data := range raw {
		var f models.Folder
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			return nil, fmt.Errorf("%s: corrupt folder %q: %w", op, id, err)
		}
		folders = append(folders, f)
	}
	sort.Slice(folders, func(i, j int) bool {
		if !folders[i].CreatedAt.Equal(folders[j].CreatedAt) {
			return folders[i].CreatedAt.Before(folders[j].CreatedAt)
		}
		return folders[i].ID < folders[j].ID
	})
	return folders, nil
}

func (s *Store) Folder(ctx context.Context, id string) (*models.Folder, error) {
	const op = "metastore.Folder"

	data, err := s.kv.HGet(ctx, s.foldersKey(), id)
	if errors.Is(err, storage.ErrNil) {
		return nil, fmt.Errorf("%s: folder %q: %w", op, id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var f models.Folder
	if err := json.Unmarshal([]byte(data), &f); err != nil {
		return nil, fmt.Errorf("%s: corrupt folder %q: %w", op, id, err)
	}
	return &f, nil
}

// CreateFolder stores a new folder. The parent, when given, must already
// exist; folders cannot be moved afterwards, so the tree stays acyclic.
func (s *Store) CreateFolder(ctx context.Context, name string, parentID *string) (*models.Folder, error) {
	const op = "metastore.CreateFolder"

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%s: %w", op, models.Invalid("folder name is required"))
	}
	if parentID != nil && *parentID == "" {
		parentID = nil
	}
	if parentID != nil {
		if _, err := s.Folder(ctx, *parentID); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return nil, fmt.Errorf("%s: %w", op, models.Invalid("parent folder %q does not exist", *parentID))
			}
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	f := &models.Folder{
		ID:        "folder_" + s.newID(),
		Name:      name,
		ParentID:  parentID,
		CreatedAt: s.now().UTC(),
	}
	if err := s.putFolder(ctx, f); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return f, nil
}

// EnsureDefaultFolders creates the bootstrap folders that are missing.
func (s *Store) EnsureDefaultFolders(ctx context.Context) error {
	const op = "metastore.EnsureDefaultFolders"

	for _, def := range defaultFolders {
		_, err := s.Folder(ctx, def.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("%s: %w", op, err)
		}
		f := def
		f.CreatedAt = s.now().UTC()
		if err := s.putFolder(ctx, &f); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}

func (s *Store) putFolder(ctx context.Context, f *models.Folder) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.kv.HSet(ctx, s.foldersKey(), map[string]string{f.ID: string(data)})
}
