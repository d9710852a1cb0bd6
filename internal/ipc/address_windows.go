//go:build windows

package ipc

import (
	"fmt"
	"hash/fnv"
)

const dialNetwork = "tcp"

// controlAddress falls back to a loopback-only TCP port on Windows: no
// example in this codebase's dependency pack reaches for a named-pipe
// library, and kdlbs-kandev's own agentctl instance manager (C14's nearest
// grounding) already solves per-instance collision the same way — a
// dedicated port per instance rather than a shared pipe namespace. The port
// is derived deterministically from ipcName+modeSuffix so two instances on
// one host still don't collide (spec §4.13), and the token handshake (not
// filesystem permissions) is what keeps the channel private.
func controlAddress(ipcName, modeSuffix string) (string, error) {
	h := fnv.New32a()
	h.Write([]byte(ipcName + modeSuffix))
	port := 40000 + int(h.Sum32()%9000)
	return fmt.Sprintf("127.0.0.1:%d", port), nil
}
