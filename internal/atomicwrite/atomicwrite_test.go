package atomicwrite

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agent-intercom/agent-intercom/internal/ierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplySucceedsWhenHashMatches(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(path, []byte("package main\n"), 0o644))

	preHash, err := HashFile(path)
	require.NoError(t, err)

	res, err := Apply(path, preHash, []byte("package main\n\nfunc main() {}\n"), false)
	require.NoError(t, err)
	assert.Equal(t, preHash, res.PreImageHash)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "package main\n\nfunc main() {}\n", string(data))
}

func TestApplyRejectsStalePreImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0o644))

	staleHash, err := HashFile(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("changed out from under us"), 0o644))

	_, err = Apply(path, staleHash, []byte("new content"), false)
	require.Error(t, err)
	assert.Equal(t, ierr.PatchConflict, ierr.CodeOf(err))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "changed out from under us", string(data), "rejected apply must not touch the file")
}

func TestApplyForceBypassesHashCheck(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0o644))

	res, err := Apply(path, "wrong-hash", []byte("forced content"), true)
	require.NoError(t, err)
	assert.NotEmpty(t, res.PostImageHash)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "forced content", string(data))
}

func TestApplyCreatesNewFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "new.go")

	emptyHash, err := HashFile(path)
	require.NoError(t, err)

	_, err = Apply(path, emptyHash, []byte("package main\n"), false)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))
}
