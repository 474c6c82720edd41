package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		tok := NewToken()
		assert.Len(t, tok, 12)
		for _, r := range tok {
			ok := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
			assert.True(t, ok, "unexpected rune %q in token %q", r, tok)
		}
		assert.False(t, seen[tok], "duplicate token %q", tok)
		seen[tok] = true
	}
}

func TestNewWorkspaceID(t *testing.T) {
	a := NewWorkspaceID()
	b := NewWorkspaceID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)
}
