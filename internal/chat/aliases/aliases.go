// Package aliases is the `[commands]` chat-slash alias lookup (spec §6,
// SPEC_FULL.md §D): a small exact-match table mapping a short operator
// shorthand (e.g. "!status") to the steering text it expands to, consulted
// by the interaction dispatcher before a free-text message is treated as a
// raw steering injection. Deliberately unrelated to the policy cache's
// auto-approve matching — aliases never bypass a clearance or command gate,
// they only abbreviate what an operator types.
package aliases

import "strings"

// Matcher is the compiled alias table.
type Matcher struct {
	table map[string]string
}

// New builds a Matcher from the `[commands]` config section.
func New(commands map[string]string) *Matcher {
	table := make(map[string]string, len(commands))
	for alias, expansion := range commands {
		table[normalize(alias)] = expansion
	}
	return &Matcher{table: table}
}

// Match reports whether text is a registered alias and, if so, returns the
// steering text it expands to.
func (m *Matcher) Match(text string) (string, bool) {
	expansion, ok := m.table[normalize(text)]
	return expansion, ok
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
