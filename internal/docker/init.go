package docker

import (
	"context"
	"fmt"
	"strings"
)

// Default dotfiles written on first boot when the volume does not already
// carry them.
const defaultBashrc = `# ~/.bashrc
export PS1='\u@\h:\w\$ '
export HISTSIZE=10000
export HISTFILESIZE=20000
export HISTCONTROL=ignoredups:erasedups
shopt -s histappend
export EDITOR=vim
alias ll='ls -la'
`

const defaultGitconfig = `[init]
	defaultBranch = main
[pull]
	rebase = false
[core]
	autocrlf = input
`

const defaultTmuxConf = `set -g default-terminal "screen-256color"
set -ga terminal-overrides ",xterm-256color:Tc"
set -g mouse on
set -g history-limit 50000
set -g base-index 1
setw -g pane-base-index 1
set -g status-style bg=colour235,fg=colour250
`

// firstBootDirs are created relative to the home directory.
var firstBootDirs = []struct {
	path string
	mode string
}{
	{".config", "0755"},
	{".ssh", "0700"},
	{".local/bin", "0755"},
	{"projects", "0755"},
}

// InitFilesystem lays out the home directory on first boot: standard
// directories, then default shell, git and tmux configuration for any
// file the volume does not already carry.
func InitFilesystem(ctx context.Context, drv Driver, workspaceID string) error {
	for _, d := range firstBootDirs {
		cmd := fmt.Sprintf("mkdir -p %s && chmod %s %s", ShellQuote(d.path), d.mode, ShellQuote(d.path))
		if err := runShell(ctx, drv, workspaceID, cmd); err != nil {
			return fmt.Errorf("create %s: %w", d.path, err)
		}
	}

	files := []struct {
		path    string
		content string
	}{
		{".bashrc", defaultBashrc},
		{".gitconfig", defaultGitconfig},
		{".tmux.conf", defaultTmuxConf},
	}
	for _, f := range files {
		if err := WriteFileIfAbsent(ctx, drv, workspaceID, f.path, f.content, "0644"); err != nil {
			return fmt.Errorf("write %s: %w", f.path, err)
		}
	}
	return nil
}

// WriteFileIfAbsent writes content to path (relative to the home dir or
// absolute) only when the file does not exist yet, then sets its mode.
func WriteFileIfAbsent(ctx context.Context, drv Driver, workspaceID, path, content, mode string) error {
	q := ShellQuote(path)
	cmd := fmt.Sprintf("[ -f %s ] || { printf '%%s' %s > %s && chmod %s %s; }",
		q, ShellQuote(content), q, mode, q)
	return runShell(ctx, drv, workspaceID, cmd)
}

// WriteFile writes content to path unconditionally with the given mode.
func WriteFile(ctx context.Context, drv Driver, workspaceID, path, content, mode string) error {
	q := ShellQuote(path)
	cmd := fmt.Sprintf("printf '%%s' %s > %s && chmod %s %s", ShellQuote(content), q, mode, q)
	return runShell(ctx, drv, workspaceID, cmd)
}

// AppendLineOnce appends line to path unless the sentinel string already
// occurs in the file. Used for the guarded .bashrc source blocks.
func AppendLineOnce(ctx context.Context, drv Driver, workspaceID, path, sentinel, line string) error {
	cmd := fmt.Sprintf("touch %s && { grep -qF %s %s || printf '%%s\\n' %s >> %s; }",
		ShellQuote(path), ShellQuote(sentinel), ShellQuote(path), ShellQuote(line), ShellQuote(path))
	return runShell(ctx, drv, workspaceID, cmd)
}

// runShell runs a shell command string in the workspace and converts a
// non-zero exit into an error carrying the combined output.
func runShell(ctx context.Context, drv Driver, workspaceID, cmd string) error {
	res, err := drv.Exec(ctx, workspaceID, []string{"sh", "-c", cmd}, ExecOptions{})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("command exited %d: %s", res.ExitCode, strings.TrimSpace(string(res.Output)))
	}
	return nil
}

// ShellQuote single-quotes s for POSIX shells, escaping embedded single
// quotes.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
