package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFileStore(t *testing.T) {
	t.Parallel()

	_, err := NewFileStore("  ")
	assert.Error(t, err)

	fs, err := NewFileStore("relative/specs.json")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(fs.Path()))
	assert.Equal(t, "file", fs.Name())
}

func TestFileStore_LoadSnapshot(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content *string
		want    []byte
	}{
		{name: "Missing file is a miss"},
		{name: "Blank file is a miss", content: ptr("  \n")},
		{name: "Content is returned as is", content: ptr(`{"time":1}`), want: []byte(`{"time":1}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// Arrange
			path := filepath.Join(t.TempDir(), "specs.json")
			if tt.content != nil {
				require.NoError(t, os.WriteFile(path, []byte(*tt.content), 0o600))
			}
			fs, err := NewFileStore(path)
			require.NoError(t, err)

			// Act
			got, err := fs.LoadSnapshot(context.Background())

			// Assert
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFileStore_SaveSnapshot(t *testing.T) {
	t.Parallel()

	// Arrange
	dir := t.TempDir()
	path := filepath.Join(dir, "specs.json")
	fs, err := NewFileStore(path)
	require.NoError(t, err)

	// Act
	require.NoError(t, fs.SaveSnapshot(context.Background(), []byte(`{"time":1}`), 1))
	require.NoError(t, fs.SaveSnapshot(context.Background(), []byte(`{"time":2}`), 2))

	// Assert
	got, err := fs.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `{"time":2}`, string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must be cleaned up")
}

func TestFileStore_SaveSnapshot_Errors(t *testing.T) {
	t.Parallel()

	t.Run("Missing directory", func(t *testing.T) {
		t.Parallel()
		fs, err := NewFileStore(filepath.Join(t.TempDir(), "missing", "specs.json"))
		require.NoError(t, err)
		assert.Error(t, fs.SaveSnapshot(context.Background(), []byte(`{}`), 1))
	})

	t.Run("Cancelled context", func(t *testing.T) {
		t.Parallel()
		fs, err := NewFileStore(filepath.Join(t.TempDir(), "specs.json"))
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, fs.SaveSnapshot(ctx, []byte(`{}`), 1), context.Canceled)
	})
}

func ptr(s string) *string { return &s }
