package docker

import "strconv"

// Multiplexer session naming: termflux-{sessionID}. Session ids come from
// the same 12-character token generator as run ids, so the name is always
// safe as a tmux target.
func MuxSessionName(sessionID string) string {
	return "termflux-" + sessionID
}

// MuxNewSession builds the argv that starts a detached tmux session with
// the given name and geometry inside the workspace.
func MuxNewSession(name string, cols, rows int) []string {
	return []string{
		"tmux", "new-session", "-d",
		"-s", name,
		"-x", strconv.Itoa(cols),
		"-y", strconv.Itoa(rows),
	}
}

// MuxAttach builds the argv that attaches to an existing tmux session.
// Run through AttachStream so the hijacked TTY carries the raw terminal
// bytes.
func MuxAttach(name string) []string {
	return []string{"tmux", "attach-session", "-t", name}
}

// MuxResizeWindow builds the argv that resizes the session's window.
func MuxResizeWindow(name string, cols, rows int) []string {
	return []string{
		"tmux", "resize-window", "-t", name,
		"-x", strconv.Itoa(cols),
		"-y", strconv.Itoa(rows),
	}
}

// MuxKillSession builds the argv that terminates a tmux session.
func MuxKillSession(name string) []string {
	return []string{"tmux", "kill-session", "-t", name}
}

// MuxHasSession builds the argv that probes for a session; tmux exits 0
// when the session exists.
func MuxHasSession(name string) []string {
	return []string{"tmux", "has-session", "-t", name}
}
