package docker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMuxSessionName(t *testing.T) {
	assert.Equal(t, "termflux-abc123def456", MuxSessionName("abc123def456"))
}

func TestMuxNewSession(t *testing.T) {
	argv := MuxNewSession("termflux-s1", 120, 40)
	assert.Equal(t, []string{"tmux", "new-session", "-d", "-s", "termflux-s1", "-x", "120", "-y", "40"}, argv)
}

func TestMuxAttach(t *testing.T) {
	assert.Equal(t, []string{"tmux", "attach-session", "-t", "termflux-s1"}, MuxAttach("termflux-s1"))
}

func TestMuxResizeWindow(t *testing.T) {
	argv := MuxResizeWindow("termflux-s1", 80, 24)
	assert.Equal(t, []string{"tmux", "resize-window", "-t", "termflux-s1", "-x", "80", "-y", "24"}, argv)
}

func TestMuxKillSession(t *testing.T) {
	assert.Equal(t, []string{"tmux", "kill-session", "-t", "termflux-s1"}, MuxKillSession("termflux-s1"))
}
