package pathsafe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agent-intercom/agent-intercom/internal/ierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveAcceptsPathWithinRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))

	got, err := Resolve(root, "src/main.go")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "src/main.go"), got)
}

func TestResolveRejectsParentEscape(t *testing.T) {
	root := t.TempDir()

	_, err := Resolve(root, "../../etc/passwd")
	require.Error(t, err)
	assert.Equal(t, ierr.PathViolation, ierr.CodeOf(err))
}

func TestResolveRejectsAbsoluteEscape(t *testing.T) {
	root := t.TempDir()

	_, err := Resolve(root, "/etc/passwd")
	require.Error(t, err)
	assert.Equal(t, ierr.PathViolation, ierr.CodeOf(err))
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	outsideFile := filepath.Join(outside, "secret.txt")
	require.NoError(t, os.WriteFile(outsideFile, []byte("data"), 0o644))

	link := filepath.Join(root, "link.txt")
	require.NoError(t, os.Symlink(outsideFile, link))

	_, err := Resolve(root, "link.txt")
	require.Error(t, err)
	assert.Equal(t, ierr.PathViolation, ierr.CodeOf(err))
}

func TestResolveAllowsNonexistentFileWithinRoot(t *testing.T) {
	root := t.TempDir()

	got, err := Resolve(root, "new/file.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "new/file.txt"), got)
}
