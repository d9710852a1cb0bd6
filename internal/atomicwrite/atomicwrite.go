// Package atomicwrite applies approved patches to disk with optimistic
// concurrency: the caller states the SHA-256 hash of the file as it was when
// the clearance request was built, and the write is refused if the file has
// since changed underneath it (spec §4.2). The actual write goes through a
// temp-file-then-rename sequence so a crash mid-write never leaves a
// half-written file in place.
package atomicwrite

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"

	"github.com/agent-intercom/agent-intercom/internal/ierr"
)

// Result reports the hashes observed around a successful write, so the
// caller can persist the new pre-image hash for the next patch in the chain.
type Result struct {
	PreImageHash  string
	PostImageHash string
}

// HashFile returns the hex-encoded SHA-256 digest of the file at path. A
// missing file hashes to the digest of the empty byte string, which lets
// callers treat "file does not exist yet" as a legitimate pre-image state
// for a create-new-file patch.
func HashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return hashBytes(nil), nil
		}
		return "", ierr.Wrap(ierr.Io, "read file for hashing", err)
	}
	return hashBytes(data), nil
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Apply verifies path's current content hashes to expectedPreImageHash, then
// atomically replaces its content with newContent. If the hash check fails
// it returns an *ierr.Error with code ierr.PatchConflict and does not touch
// the file. force bypasses the hash check (SPEC_FULL.md §E.3's forced-apply
// decision) but the caller is still told what the actual pre-image hash was,
// so it can update its own bookkeeping.
func Apply(path, expectedPreImageHash string, newContent []byte, force bool) (Result, error) {
	actualPreImageHash, err := HashFile(path)
	if err != nil {
		return Result{}, err
	}

	if !force && actualPreImageHash != expectedPreImageHash {
		return Result{}, ierr.New(ierr.PatchConflict,
			"file changed since clearance request was created: expected "+expectedPreImageHash+" got "+actualPreImageHash)
	}

	if err := writeAtomic(path, newContent); err != nil {
		return Result{}, err
	}

	return Result{
		PreImageHash:  actualPreImageHash,
		PostImageHash: hashBytes(newContent),
	}, nil
}

func writeAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ierr.Wrap(ierr.Io, "create parent directory", err)
	}

	tmp, err := os.CreateTemp(dir, ".atomicwrite-*.tmp")
	if err != nil {
		return ierr.Wrap(ierr.Io, "create temp file", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return ierr.Wrap(ierr.Io, "write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return ierr.Wrap(ierr.Io, "sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return ierr.Wrap(ierr.Io, "close temp file", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return ierr.Wrap(ierr.Io, "rename temp file into place", err)
	}
	return nil
}
