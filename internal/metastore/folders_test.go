package metastore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgbed/internal/models"
)

func TestCreateFolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parent, err := f.store.CreateFolder(ctx, "  Photos  ", nil)
	require.NoError(t, err)
	assert.Equal(t, "Photos", parent.Name)
	assert.Equal(t, "folder_id001", parent.ID)
	assert.Nil(t, parent.ParentID)

	child, err := f.store.CreateFolder(ctx, "2024", &parent.ID)
	require.NoError(t, err)
	require.NotNil(t, child.ParentID)
	assert.Equal(t, parent.ID, *child.ParentID)

	folders, err := f.store.Folders(ctx)
	require.NoError(t, err)
	require.Len(t, folders, 2)
	assert.Equal(t, parent.ID, folders[0].ID)
	assert.Equal(t, child.ID, folders[1].ID)
}

func TestCreateFolderValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.CreateFolder(ctx, "   ", nil)
	assert.True(t, errors.Is(err, models.ErrValidation))

	_, err = f.store.CreateFolder(ctx, "orphan", strPtr("folder_missing"))
	assert.True(t, errors.Is(err, models.ErrValidation))

	root, err := f.store.CreateFolder(ctx, "root", strPtr(""))
	require.NoError(t, err)
	assert.Nil(t, root.ParentID)
}
