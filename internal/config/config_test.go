package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agent-intercom.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
default_workspace_root = "."

[[workspace]]
id = "main"
root = "."
channel_id = "C123"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	want := TimeoutsConfig{ApprovalSeconds: 900, PromptSeconds: 900, WaitSeconds: 1800}
	if diff := cmp.Diff(want, cfg.Timeouts); diff != "" {
		t.Errorf("default timeouts mismatch (-want +got):\n%s", diff)
	}

	wantStall := StallConfig{
		Enabled:                    true,
		InactivityThresholdSeconds: 300,
		EscalationThresholdSeconds: 180,
		MaxRetries:                 3,
		DefaultNudgeMessage:        "Still there? Reply to continue or say stop.",
	}
	if diff := cmp.Diff(wantStall, cfg.Stall); diff != "" {
		t.Errorf("default stall config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeTempConfig(t, `
http_port = 9999
ipc_name = "my-instance"
retention_days = 7

[[workspace]]
id = "a"
root = "."
channel_id = "C1"

[[workspace]]
id = "b"
root = "."
channel_id = "C2"

[timeouts]
approval_seconds = 60
prompt_seconds = 60
wait_seconds = 120
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9999, cfg.HTTPPort)
	require.Equal(t, "my-instance", cfg.IPCName)
	require.Equal(t, 7, cfg.RetentionDays)

	wantWorkspaces := []WorkspaceConfig{
		{ID: "a", Root: ".", ChannelID: "C1"},
		{ID: "b", Root: ".", ChannelID: "C2"},
	}
	if diff := cmp.Diff(wantWorkspaces, cfg.Workspace); diff != "" {
		t.Errorf("workspace entries mismatch (-want +got):\n%s", diff)
	}
	require.False(t, cfg.IsSingleChannelDeployment())
}

func TestLoadRejectsInvalidHTTPPort(t *testing.T) {
	path := writeTempConfig(t, `http_port = 0`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.Error(t, err)
}

func TestDumpRendersYAML(t *testing.T) {
	path := writeTempConfig(t, `
[[workspace]]
id = "main"
root = "."
channel_id = "C123"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	out, err := cfg.Dump()
	require.NoError(t, err)
	require.Contains(t, string(out), "httpport")
}
