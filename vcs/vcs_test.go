package vcs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "institutions.json"), []byte(`{}`), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vault.key"), []byte(`{}`), 0600))

	repo, err := Open(dir)
	require.NoError(t, err)
	messages, err := repo.Log(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"Initial commit"}, messages)

	reopened, err := Open(dir)
	require.NoError(t, err)
	messages, err = reopened.Log(0)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestOpenEmpty(t *testing.T) {
	repo, err := Open(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	messages, err := repo.Log(0)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestCommitFiles(t *testing.T) {
	dir := t.TempDir()
	repo, err := Open(dir)
	require.NoError(t, err)
	path := filepath.Join(dir, "institutions.json")
	write := func(contents string) func() error {
		return func() error {
			return os.WriteFile(path, []byte(contents), 0600)
		}
	}

	require.NoError(t, repo.CommitFiles(write(`{"Version":"2"}`), "Update institutions", path))
	require.NoError(t, repo.CommitFiles(write(`{"Version":"2"}`), "Unchanged", path))
	require.NoError(t, repo.CommitFiles(write(`{"Version":"2","Data":{}}`), "Update institutions again", path))

	messages, err := repo.Log(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"Update institutions again", "Update institutions"}, messages)

	messages, err = repo.Log(1)
	require.NoError(t, err)
	assert.Equal(t, []string{"Update institutions again"}, messages)
}

func TestCommitFilesErrors(t *testing.T) {
	repo, err := Open(t.TempDir())
	require.NoError(t, err)
	assert.EqualError(t, repo.CommitFiles(func() error { return nil }, "nothing"), "No files to commit")

	prepErr := assert.AnError
	assert.Equal(t, prepErr, repo.CommitFiles(func() error { return prepErr }, "failed", "file.json"))
}
