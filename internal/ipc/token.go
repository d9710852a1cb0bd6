package ipc

import (
	"crypto/rand"
	"encoding/hex"
	"os"

	"github.com/agent-intercom/agent-intercom/internal/ierr"
)

// generateToken produces a fresh random auth token, regenerated every
// process lifetime — there is no need for it to survive a restart since a
// companion CLI invocation always reads the current one off disk first.
func generateToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", ierr.Wrap(ierr.Io, "generate ipc token", err)
	}
	return hex.EncodeToString(buf), nil
}

func writeTokenFile(path, token string) error {
	return ierr.Wrap(ierr.Io, "write ipc token file", os.WriteFile(path, []byte(token), 0600))
}

// ReadTokenFile reads back a token written by writeTokenFile, used by the
// companion CLI to authenticate a request.
func ReadTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", ierr.Wrap(ierr.Io, "read ipc token file", err)
	}
	return string(data), nil
}
