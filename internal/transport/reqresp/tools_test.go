package reqresp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initSession(t *testing.T, srv *Server, workspaceRoot string) string {
	t.Helper()
	_, out := doRPC(t, srv, "", "initialize", map[string]interface{}{
		"protocolVersion": "2025-06-18",
		"capabilities": map[string]interface{}{
			"experimental": map[string]interface{}{
				"agentIntercom": map[string]interface{}{"ownerId": "U1", "workspaceRoot": workspaceRoot},
			},
		},
	})
	return out["result"].(map[string]interface{})["sessionId"].(string)
}

// TestApplyWritesApprovedClearanceToDisk drives the full approve-then-apply
// flow over HTTP: request_clearance blocks until an operator decides, so the
// call runs in a goroutine while the test polls the store for the pending
// request and decides it, mirroring clearance.TestRequestClearanceApproved.
func TestApplyWritesApprovedClearanceToDisk(t *testing.T) {
	srv := newTestServer(t)
	root := t.TempDir()
	path := filepath.Join(root, "main.go")
	require.NoError(t, os.WriteFile(path, []byte("package main\n"), 0o644))

	sessionID := initSession(t, srv, root)

	type rpcOut struct {
		rec *httptest.ResponseRecorder
		out map[string]interface{}
	}
	resultCh := make(chan rpcOut, 1)
	go func() {
		rec, out := doRPC(t, srv, sessionID, "tools/call", map[string]interface{}{
			"name": "request_clearance",
			"arguments": map[string]interface{}{
				"title":    "add main func",
				"filePath": "main.go",
				"diff":     "package main\n\nfunc main() {}\n",
			},
		})
		resultCh <- rpcOut{rec, out}
	}()

	var requestID string
	require.Eventually(t, func() bool {
		pending, err := srv.st.ListPendingClearances(context.Background(), sessionID)
		require.NoError(t, err)
		if len(pending) == 1 {
			requestID = pending[0].ID
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)

	ok, err := srv.clearance.DecideClearance(context.Background(), requestID, true)
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case got := <-resultCh:
		require.Contains(t, got.out, "result")
		result := got.out["result"].(map[string]interface{})
		assert.Equal(t, "Approved", result["status"])
	case <-time.After(2 * time.Second):
		t.Fatal("request_clearance did not return")
	}

	_, applyOut := doRPC(t, srv, sessionID, "tools/call", map[string]interface{}{
		"name":      "apply",
		"arguments": map[string]interface{}{"requestId": requestID},
	})
	require.Contains(t, applyOut, "result")
	applyResult := applyOut["result"].(map[string]interface{})
	assert.Equal(t, "applied", applyResult["status"])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "package main\n\nfunc main() {}\n", string(data))
}

func TestApplyRejectsUnknownRequest(t *testing.T) {
	srv := newTestServer(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0o644))
	sessionID := initSession(t, srv, root)

	rec, applyOut := doRPC(t, srv, sessionID, "tools/call", map[string]interface{}{
		"name":      "apply",
		"arguments": map[string]interface{}{"requestId": "nonexistent"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, applyOut, "result")
	result := applyOut["result"].(map[string]interface{})
	assert.Equal(t, "error", result["status"])
	assert.Equal(t, "not_found", result["error_code"])
}
