// Package ids generates the opaque identifiers used across the runtime.
// Workspaces and workflows get UUIDs; sessions and runs get short
// 12-character tokens that are safe inside tmux session names and redis
// keys.
package ids

import (
	"crypto/rand"
	"math/big"

	"github.com/google/uuid"
)

const (
	tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	tokenLength   = 12
)

// NewWorkspaceID returns a new workspace identifier.
func NewWorkspaceID() string {
	return uuid.NewString()
}

// NewWorkflowID returns a new workflow definition identifier.
func NewWorkflowID() string {
	return uuid.NewString()
}

// NewToken returns a 12-character lowercase alphanumeric token. Sessions
// and workflow runs share this generator.
func NewToken() string {
	max := big.NewInt(int64(len(tokenAlphabet)))
	b := make([]byte, tokenLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand never fails on supported platforms; if it does
			// there is no safe fallback.
			panic(err)
		}
		b[i] = tokenAlphabet[n.Int64()]
	}
	return string(b)
}
