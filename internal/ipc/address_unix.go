//go:build !windows

package ipc

import (
	"os"
	"path/filepath"

	"github.com/agent-intercom/agent-intercom/internal/ierr"
)

const dialNetwork = "unix"

// controlAddress resolves the unix domain socket path for this instance,
// namespaced under the invoking user's home directory so two users on the
// same host never collide, and by ipcName+modeSuffix so two agent-intercom
// instances run by the same user don't either (spec §4.13).
func controlAddress(ipcName, modeSuffix string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", ierr.Wrap(ierr.Io, "resolve home directory for ipc socket", err)
	}
	dir := filepath.Join(home, ".agent-intercom", "run")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", ierr.Wrap(ierr.Io, "create ipc run directory", err)
	}
	return filepath.Join(dir, ipcName+modeSuffix+".sock"), nil
}
