// Package secretsource resolves chat vendor credentials through the fallback
// chain described in spec §6: keychain("agent-intercom-{mode}") → env
// "{VAR}_{MODE}" → keychain("agent-intercom") → env "{VAR}". Values are
// never logged; callers that need to log anything adjacent to a resolved
// secret must go through Redact.
package secretsource

import (
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// Mode is the protocol mode suffix used to scope per-mode credentials.
type Mode string

const (
	ModeReqResp Mode = "reqresp"
	ModeStream  Mode = "stream"
)

const baseService = "agent-intercom"

// Resolver resolves a named credential for a given mode.
type Resolver struct {
	mode Mode
}

// NewResolver builds a Resolver scoped to mode.
func NewResolver(mode Mode) *Resolver {
	return &Resolver{mode: mode}
}

// Resolve walks the four-step fallback chain for variable name varName
// (e.g. "SLACK_BOT_TOKEN"). The returned ok is false only when none of the
// four sources had a value; errors from the keychain backend (e.g. no
// keychain service on this OS) are treated as "not found", not fatal.
func (r *Resolver) Resolve(varName string) (string, bool) {
	modeSuffix := strings.ToUpper(string(r.mode))

	if v, err := keyring.Get(serviceName(r.mode), varName); err == nil && v != "" {
		return v, true
	}
	if v := os.Getenv(fmt.Sprintf("%s_%s", varName, modeSuffix)); v != "" {
		return v, true
	}
	if v, err := keyring.Get(baseService, varName); err == nil && v != "" {
		return v, true
	}
	if v := os.Getenv(varName); v != "" {
		return v, true
	}
	return "", false
}

func serviceName(mode Mode) string {
	return fmt.Sprintf("%s-%s", baseService, mode)
}

// Credentials bundles the set of secrets the Slack adapter needs.
type Credentials struct {
	BotToken          string
	AppToken          string
	TeamID            string
	AuthorizedUserIDs []string
}

// ResolveSlackCredentials resolves the standard Slack credential set for mode.
// Missing individual values are returned as empty strings; callers decide
// whether that is fatal (e.g. Unavailable error for every blocking tool).
func ResolveSlackCredentials(mode Mode) Credentials {
	r := NewResolver(mode)
	bot, _ := r.Resolve("SLACK_BOT_TOKEN")
	app, _ := r.Resolve("SLACK_APP_TOKEN")
	team, _ := r.Resolve("SLACK_TEAM_ID")
	ids, _ := r.Resolve("SLACK_AUTHORIZED_MEMBER_IDS")
	var idList []string
	if ids != "" {
		for _, id := range strings.Split(ids, ",") {
			id = strings.TrimSpace(id)
			if id != "" {
				idList = append(idList, id)
			}
		}
	}
	return Credentials{BotToken: bot, AppToken: app, TeamID: team, AuthorizedUserIDs: idList}
}

// Redact returns s with all but the first and last two characters replaced,
// for the rare debug log line that must reference a secret's identity
// without disclosing its value.
func Redact(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
