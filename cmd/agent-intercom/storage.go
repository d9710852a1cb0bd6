package main

import (
	"path/filepath"

	"github.com/agent-intercom/agent-intercom/internal/audit"
	"github.com/agent-intercom/agent-intercom/internal/config"
	"github.com/agent-intercom/agent-intercom/internal/obslog"
	"github.com/agent-intercom/agent-intercom/internal/policy"
	"github.com/agent-intercom/agent-intercom/internal/store"
)

// buildPolicyCache registers one watch per configured workspace root's
// .intercom/settings.json. Watch itself installs the spec-mandated deny-all
// fallback when that file is absent or malformed, so every workspace always
// ends up with a live RuleSet to consult.
func buildPolicyCache(cfg *config.Config, logger *obslog.Logger) (*policy.Cache, error) {
	cache, err := policy.NewCache(logger)
	if err != nil {
		return nil, err
	}
	for _, ws := range cfg.Workspace {
		if err := cache.Watch(ws.Root); err != nil {
			return nil, err
		}
	}
	return cache, nil
}

func buildAuditLogger(cfg *config.Config, logger *obslog.Logger) (*audit.Logger, error) {
	return audit.New(audit.Config{
		Path: filepath.Join(filepath.Dir(cfg.Database.Path), "audit.log"),
	}, logger)
}

func buildStore(cfg *config.Config) (*store.Store, error) {
	return store.New(cfg.Database.Path)
}
