package aliases

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchIsCaseAndWhitespaceInsensitive(t *testing.T) {
	m := New(map[string]string{"!status": "report current progress"})

	expansion, ok := m.Match("  !STATUS  ")
	assert.True(t, ok)
	assert.Equal(t, "report current progress", expansion)
}

func TestMatchRejectsUnregisteredText(t *testing.T) {
	m := New(map[string]string{"!status": "report current progress"})

	_, ok := m.Match("!nope")
	assert.False(t, ok)
}
