package docker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/termflux/termflux/internal/errs"
)

// Exec runs a command in the workspace container and collects combined
// stdout/stderr with the engine's stream framing stripped. No timeout is
// imposed here; callers own deadlines via ctx or their own timers.
func (c *Client) Exec(ctx context.Context, workspaceID string, argv []string, opts ExecOptions) (ExecResult, error) {
	user := opts.User
	if user == "" {
		user = DefaultUser
	}
	workdir := opts.WorkingDir
	if workdir == "" {
		workdir = HomeDir
	}

	execCfg := container.ExecOptions{
		Cmd:          argv,
		User:         user,
		WorkingDir:   workdir,
		Env:          opts.Env,
		AttachStdout: true,
		AttachStderr: true,
	}

	execID, err := c.cli.ContainerExecCreate(ctx, ContainerName(workspaceID), execCfg)
	if err != nil {
		return ExecResult{}, &errs.BackendError{Backend: "docker", Err: fmt.Errorf("exec create: %w", err)}
	}

	resp, err := c.cli.ContainerExecAttach(ctx, execID.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, &errs.BackendError{Backend: "docker", Err: fmt.Errorf("exec attach: %w", err)}
	}
	defer resp.Close()

	// Non-TTY exec output is multiplexed; stdcopy strips the 8-byte
	// headers and splits the streams, which we re-combine in read order.
	var combined bytes.Buffer
	if _, err := stdcopy.StdCopy(&combined, &combined, resp.Reader); err != nil && err != io.EOF {
		return ExecResult{}, &errs.BackendError{Backend: "docker", Err: fmt.Errorf("exec read: %w", err)}
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return ExecResult{}, &errs.BackendError{Backend: "docker", Err: fmt.Errorf("exec inspect: %w", err)}
	}

	return ExecResult{Output: combined.Bytes(), ExitCode: inspect.ExitCode}, nil
}

// AttachStream opens a hijacked bidirectional stream running argv with a
// TTY, suitable for attaching a terminal multiplexer. The caller owns the
// stream lifetime.
func (c *Client) AttachStream(ctx context.Context, workspaceID string, argv []string) (io.ReadWriteCloser, error) {
	execCfg := container.ExecOptions{
		Cmd:          argv,
		User:         DefaultUser,
		WorkingDir:   HomeDir,
		Env:          []string{"TERM=xterm-256color"},
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}

	execID, err := c.cli.ContainerExecCreate(ctx, ContainerName(workspaceID), execCfg)
	if err != nil {
		return nil, &errs.BackendError{Backend: "docker", Err: fmt.Errorf("attach create: %w", err)}
	}

	resp, err := c.cli.ContainerExecAttach(ctx, execID.ID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return nil, &errs.BackendError{Backend: "docker", Err: fmt.Errorf("attach: %w", err)}
	}

	return &hijackedStream{resp: resp}, nil
}

// hijackedStream adapts a HijackedResponse to io.ReadWriteCloser.
type hijackedStream struct {
	resp types.HijackedResponse
}

func (h *hijackedStream) Read(p []byte) (int, error) {
	return h.resp.Reader.Read(p)
}

func (h *hijackedStream) Write(p []byte) (int, error) {
	return h.resp.Conn.Write(p)
}

func (h *hijackedStream) Close() error {
	h.resp.Close()
	return nil
}

// StripExecFraming removes the engine's 8-byte multiplexing header from a
// raw chunk when present: [streamType, 0, 0, 0, size uint32 BE] followed
// by size payload bytes, streamType 1 (stdout) or 2 (stderr). Chunks read
// from TTY-attached streams carry no framing and pass through unchanged.
func StripExecFraming(chunk []byte) []byte {
	if len(chunk) < 9 {
		return chunk
	}
	if chunk[0] != 1 && chunk[0] != 2 {
		return chunk
	}

	// A chunk may carry several frames back to back.
	var out []byte
	rest := chunk
	for len(rest) >= 8 && (rest[0] == 1 || rest[0] == 2) && rest[1] == 0 && rest[2] == 0 && rest[3] == 0 {
		size := binary.BigEndian.Uint32(rest[4:8])
		end := 8 + int(size)
		if end > len(rest) {
			end = len(rest)
		}
		out = append(out, rest[8:end]...)
		rest = rest[end:]
	}
	out = append(out, rest...)
	return out
}
