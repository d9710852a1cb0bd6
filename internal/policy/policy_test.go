package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agent-intercom/agent-intercom/internal/obslog"
	"github.com/agent-intercom/agent-intercom/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPolicy = `{
	"enabled": true,
	"tools": ["read_file"],
	"auto_approve_commands": ["^go test \\./\\.\\.\\.$", "^go vet \\./\\.\\.\\.$"],
	"write_patterns": ["src/**"],
	"read_patterns": ["**"],
	"risk_level_threshold": "Low"
}`

func writeSettingsFile(t *testing.T, workspaceRoot, content string) {
	t.Helper()
	dir := filepath.Join(workspaceRoot, ".intercom")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(content), 0o644))
}

func TestClassifyPathReflectsThreshold(t *testing.T) {
	root := t.TempDir()
	writeSettingsFile(t, root, testPolicy)

	rs, err := loadRuleSet(filepath.Join(root, SettingsFile))
	require.NoError(t, err)

	assert.Equal(t, store.RiskLow, rs.ClassifyPath("internal/obslog/logger.go"))
}

func TestEvaluateGrantsOnToolBypass(t *testing.T) {
	root := t.TempDir()
	writeSettingsFile(t, root, testPolicy)

	rs, err := loadRuleSet(filepath.Join(root, SettingsFile))
	require.NoError(t, err)

	assert.True(t, rs.Evaluate(EvalInput{
		Tool:      "read_file",
		FilePath:  "README.md",
		Intent:    "read",
		RiskLevel: store.RiskLow,
	}))
	assert.False(t, rs.Evaluate(EvalInput{
		Tool:      "write_file",
		FilePath:  "README.md",
		Intent:    "write",
		RiskLevel: store.RiskLow,
	}))
}

func TestEvaluateGrantsOnCommandBypass(t *testing.T) {
	root := t.TempDir()
	writeSettingsFile(t, root, testPolicy)

	rs, err := loadRuleSet(filepath.Join(root, SettingsFile))
	require.NoError(t, err)

	assert.True(t, rs.Evaluate(EvalInput{Command: "go test ./...", RiskLevel: store.RiskLow}))
	assert.False(t, rs.Evaluate(EvalInput{Command: "rm -rf /", RiskLevel: store.RiskLow}))
}

func TestEvaluateDeniesAboveThreshold(t *testing.T) {
	root := t.TempDir()
	writeSettingsFile(t, root, testPolicy)

	rs, err := loadRuleSet(filepath.Join(root, SettingsFile))
	require.NoError(t, err)

	assert.False(t, rs.Evaluate(EvalInput{
		Tool:      "read_file",
		FilePath:  "README.md",
		Intent:    "read",
		RiskLevel: store.RiskCritical,
	}))
}

func TestWatchFallsBackToDenyAllWhenFileAbsent(t *testing.T) {
	root := t.TempDir()
	cache, err := NewCache(obslog.Default())
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, cache.Watch(root))
	rs := cache.Get(root)
	require.NotNil(t, rs)
	assert.False(t, rs.Evaluate(EvalInput{Tool: "read_file", RiskLevel: store.RiskLow}))
}

func TestWatchFallsBackToDenyAllOnMalformedJSON(t *testing.T) {
	root := t.TempDir()
	writeSettingsFile(t, root, `{not json`)

	cache, err := NewCache(obslog.Default())
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, cache.Watch(root))
	rs := cache.Get(root)
	require.NotNil(t, rs)
	assert.False(t, rs.Evaluate(EvalInput{Tool: "read_file", RiskLevel: store.RiskLow}))
}

func TestCacheHotReloadsOnWrite(t *testing.T) {
	root := t.TempDir()
	writeSettingsFile(t, root, testPolicy)

	cache, err := NewCache(obslog.Default())
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, cache.Watch(root))
	rs := cache.Get(root)
	require.NotNil(t, rs)
	assert.True(t, rs.Evaluate(EvalInput{Tool: "read_file", FilePath: "a", Intent: "read", RiskLevel: store.RiskLow}))

	writeSettingsFile(t, root, `{"enabled": false}`)

	require.Eventually(t, func() bool {
		return !cache.Get(root).Evaluate(EvalInput{Tool: "read_file", FilePath: "a", Intent: "read", RiskLevel: store.RiskLow})
	}, 2*time.Second, 20*time.Millisecond, "policy cache did not pick up the file change")
}
