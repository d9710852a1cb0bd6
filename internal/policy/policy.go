// Package policy hot-reloads a per-workspace auto-approve configuration that
// lets the clearance engine skip chat entirely for low-risk, pre-declared
// operations (spec §4.3). The compiled rule set is swapped atomically behind
// a pointer so readers never observe a partially parsed file, and a missing
// or malformed settings file always resolves to an explicit deny-all policy
// rather than an error or a stale value.
package policy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agent-intercom/agent-intercom/internal/ierr"
	"github.com/agent-intercom/agent-intercom/internal/obslog"
	"github.com/agent-intercom/agent-intercom/internal/store"
)

// SettingsFile is the workspace-relative path a policy is read from.
const SettingsFile = ".intercom/settings.json"

// fileDoc is the on-disk schema of a workspace's settings.json.
type fileDoc struct {
	Enabled             bool     `json:"enabled"`
	Tools               []string `json:"tools"`
	AutoApproveCommands []string `json:"auto_approve_commands"`
	WritePatterns       []string `json:"write_patterns"`
	ReadPatterns        []string `json:"read_patterns"`
	RiskLevelThreshold  string   `json:"risk_level_threshold"`
}

var riskRank = map[store.RiskLevel]int{
	store.RiskLow:      0,
	store.RiskHigh:     1,
	store.RiskCritical: 2,
}

// EvalInput is one auto-approve decision's inputs (P5).
type EvalInput struct {
	Tool     string
	Command  string
	FilePath string
	// Intent selects which glob list governs FilePath: "read" consults
	// ReadPatterns, anything else (including the zero value) consults
	// WritePatterns, since a ClearanceRequest's glossary definition is
	// specifically a proposal to mutate a file.
	Intent    string
	RiskLevel store.RiskLevel
}

// RuleSet is an immutable, already-compiled snapshot of one workspace's
// settings.json — or the deny-all fallback installed in its place.
type RuleSet struct {
	enabled             bool
	tools               map[string]struct{}
	autoApproveCommands []*regexp.Regexp
	writePatterns       []string
	readPatterns        []string
	riskThreshold       store.RiskLevel
	loadedAt            time.Time
}

// denyAll is the RuleSet a workspace gets whenever its settings.json is
// absent or fails to parse (spec §4.3: "Absent file = deny-all").
func denyAll() *RuleSet {
	return &RuleSet{
		tools:         map[string]struct{}{},
		riskThreshold: store.RiskLow,
		loadedAt:      time.Now().UTC(),
	}
}

// ClassifyPath returns the risk label to show an operator for relPath. The
// settings.json schema carries one workspace-wide threshold rather than a
// per-pattern risk list, so every path under an enabled policy is labeled at
// that threshold; a disabled or absent policy defaults to RiskHigh, the
// conservative choice for anything the policy author hasn't opted into.
func (rs *RuleSet) ClassifyPath(relPath string) store.RiskLevel {
	if rs == nil || !rs.enabled {
		return store.RiskHigh
	}
	return rs.riskThreshold
}

// Evaluate reports whether in should bypass chat and resolve as Approved
// immediately (P5): the policy must be enabled, the risk must be at or under
// the configured threshold, either the tool name or the command must match
// the policy's bypass set, and any file path involved must satisfy the
// relevant glob list.
func (rs *RuleSet) Evaluate(in EvalInput) bool {
	if rs == nil || !rs.enabled {
		return false
	}
	if riskRank[in.RiskLevel] > riskRank[rs.riskThreshold] {
		return false
	}

	matched := false
	if in.Tool != "" {
		if _, ok := rs.tools[in.Tool]; ok {
			matched = true
		}
	}
	if !matched && in.Command != "" {
		for _, re := range rs.autoApproveCommands {
			if re.MatchString(in.Command) {
				matched = true
				break
			}
		}
	}
	if !matched {
		return false
	}

	if in.FilePath == "" {
		return true
	}
	patterns := rs.writePatterns
	if in.Intent == "read" {
		patterns = rs.readPatterns
	}
	return matchesAny(patterns, in.FilePath)
}

func matchesAny(patterns []string, relPath string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, relPath); ok {
			return true
		}
	}
	return false
}

// Cache holds the currently active RuleSet per workspace root and reloads it
// whenever the backing settings.json changes on disk.
type Cache struct {
	sets    map[string]*atomic.Pointer[RuleSet] // keyed by workspace root
	paths   map[string]string                   // settings.json path -> workspace root
	watcher *fsnotify.Watcher
	logger  *obslog.Logger
	done    chan struct{}
}

// NewCache creates a Cache watching no workspaces yet; call Watch per
// configured workspace.
func NewCache(logger *obslog.Logger) (*Cache, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, ierr.Wrap(ierr.Io, "create policy file watcher", err)
	}
	c := &Cache{
		sets:    make(map[string]*atomic.Pointer[RuleSet]),
		paths:   make(map[string]string),
		watcher: w,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go c.run()
	return c, nil
}

// Watch registers workspaceRoot for hot reload of its
// <workspaceRoot>/.intercom/settings.json. A missing or malformed file
// installs the deny-all fallback and logs a structured warning rather than
// failing the call — every configured workspace always has some active
// RuleSet once Watch returns nil.
func (c *Cache) Watch(workspaceRoot string) error {
	path := filepath.Join(workspaceRoot, SettingsFile)
	rs, err := loadRuleSet(path)
	if err != nil {
		c.logger.Warn("workspace policy missing or invalid, falling back to deny-all",
			zap.String("path", path), zap.Error(err))
		rs = denyAll()
	}

	ptr := &atomic.Pointer[RuleSet]{}
	ptr.Store(rs)
	c.sets[workspaceRoot] = ptr
	c.paths[path] = workspaceRoot

	dir := filepath.Dir(path)
	if err := c.watcher.Add(dir); err != nil {
		c.logger.Warn("policy directory not watchable, hot reload disabled for this workspace",
			zap.String("dir", dir), zap.Error(err))
	}
	return nil
}

// Get returns the currently active RuleSet for workspaceRoot, or nil if it
// was never registered with Watch.
func (c *Cache) Get(workspaceRoot string) *RuleSet {
	ptr, ok := c.sets[workspaceRoot]
	if !ok {
		return nil
	}
	return ptr.Load()
}

func (c *Cache) run() {
	for {
		select {
		case <-c.done:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			c.reload(event.Name)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("policy watcher error", zap.Error(err))
		}
	}
}

func (c *Cache) reload(changedPath string) {
	workspaceRoot, ok := c.paths[changedPath]
	if !ok {
		return
	}
	ptr := c.sets[workspaceRoot]

	rs, err := loadRuleSet(changedPath)
	if err != nil {
		c.logger.Error("policy reload failed, falling back to deny-all",
			zap.String("path", changedPath), zap.Error(err))
		ptr.Store(denyAll())
		return
	}
	ptr.Store(rs)
	c.logger.Info("policy reloaded: " + changedPath)
}

// Close stops the watcher goroutine and releases its file descriptor.
func (c *Cache) Close() error {
	close(c.done)
	return c.watcher.Close()
}

func loadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ierr.Wrap(ierr.Io, "read policy file", err)
	}

	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, ierr.Wrap(ierr.Policy, "parse policy file", err)
	}

	tools := make(map[string]struct{}, len(doc.Tools))
	for _, t := range doc.Tools {
		tools[t] = struct{}{}
	}

	cmds := make([]*regexp.Regexp, 0, len(doc.AutoApproveCommands))
	for _, pattern := range doc.AutoApproveCommands {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, ierr.Wrap(ierr.Policy, "compile auto_approve_commands pattern "+pattern, err)
		}
		cmds = append(cmds, re)
	}

	threshold := store.RiskLevel(doc.RiskLevelThreshold)
	if _, ok := riskRank[threshold]; !ok {
		threshold = store.RiskLow
	}

	return &RuleSet{
		enabled:             doc.Enabled,
		tools:               tools,
		autoApproveCommands: cmds,
		writePatterns:       doc.WritePatterns,
		readPatterns:        doc.ReadPatterns,
		riskThreshold:       threshold,
		loadedAt:            time.Now().UTC(),
	}, nil
}
