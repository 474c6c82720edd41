package gateway

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/termflux/termflux/internal/docker"
	"github.com/termflux/termflux/internal/store"
)

// termConn is one client websocket bound to one terminal session.
type termConn struct {
	srv *Server
	ws  *websocket.Conn

	// writeMu serializes data-frame writes; gorilla allows a single
	// concurrent writer. Control frames go through WriteControl, which
	// is safe alongside it.
	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}

	evicted    atomic.Bool
	clientGone atomic.Bool
	pongSeen   atomic.Bool
}

func newTermConn(s *Server, ws *websocket.Conn) *termConn {
	return &termConn{srv: s, ws: ws, done: make(chan struct{})}
}

// writeFrame sends one JSON frame, compressing messages past the
// deflate threshold.
func (c *termConn) writeFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.EnableWriteCompression(len(f.Data) >= compressThreshold)
	return c.ws.WriteJSON(f)
}

func (c *termConn) sendError(msg string) {
	_ = c.writeFrame(Frame{Type: FrameError, Data: msg, Error: msg})
}

// closeWith sends a close control frame and tears the socket down.
// Idempotent.
func (c *termConn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}

// evict is called by the registry when a newer attach takes the
// session over.
func (c *termConn) evict() {
	c.evicted.Store(true)
	c.sendError("session attached from another client")
	c.closeWith(CloseNormal, "attached from another client")
}

// run drives both pump directions until the connection ends. The
// caller has already sent the ready frame.
func (c *termConn) run(ctx context.Context, workspaceID, sessionID, muxName string, stream io.ReadWriteCloser) {
	defer close(c.done)

	var terminated atomic.Bool
	streamClosed := make(chan struct{})

	go func() {
		defer close(streamClosed)
		c.pumpOutput(sessionID, stream, &terminated)
	}()
	go c.keepalive()

	c.pumpInput(ctx, workspaceID, sessionID, muxName, stream)

	// Client direction ended: socket close, eviction or shutdown.
	c.clientGone.Store(true)
	_ = stream.Close()
	<-streamClosed

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if terminated.Load() {
		// Multiplexer ended; the session is gone for good.
		if err := c.srv.cache.RemoveSession(cleanupCtx, sessionID); err != nil {
			c.srv.log.Warn("removing cached session failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		if err := c.srv.st.CloseSession(cleanupCtx, sessionID); err != nil {
			c.srv.log.Warn("closing session row failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		c.srv.log.Info("session terminated", zap.String("session_id", sessionID))
		return
	}

	if c.evicted.Load() {
		// A newer attach owns the session record now; writing status from
		// here would clobber the new owner's active state.
		c.srv.log.Info("session handed off", zap.String("session_id", sessionID))
		return
	}

	// The multiplexer session stays alive; the replay buffer keeps
	// accruing TTL so a reconnect can resume.
	if err := c.srv.cache.SetSessionStatus(cleanupCtx, sessionID, store.SessionDisconnected); err != nil {
		c.srv.log.Warn("marking cached session disconnected failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	if err := c.srv.st.SetSessionStatus(cleanupCtx, sessionID, store.SessionDisconnected); err != nil {
		c.srv.log.Warn("marking session row disconnected failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	c.closeWith(CloseNormal, "")
	c.srv.log.Info("session disconnected", zap.String("session_id", sessionID))
}

// pumpInput forwards client frames to the container until the socket
// errors. A panic tears down this connection only.
func (c *termConn) pumpInput(ctx context.Context, workspaceID, sessionID, muxName string, stream io.Writer) {
	defer func() {
		if r := recover(); r != nil {
			c.srv.log.Error("input pump panicked", zap.String("session_id", sessionID), zap.Any("panic", r))
			c.closeWith(CloseNormal, "internal error")
		}
	}()

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case FrameInput:
			if _, err := stream.Write([]byte(f.Data)); err != nil {
				return
			}
			if err := c.srv.cache.TouchSession(ctx, sessionID); err != nil {
				c.srv.log.Debug("touch session failed", zap.Error(err))
			}
		case FrameResize:
			if f.Cols <= 0 || f.Rows <= 0 {
				continue
			}
			// Best effort; a failed resize never kills the session.
			argv := docker.MuxResizeWindow(muxName, f.Cols, f.Rows)
			if _, err := c.srv.drv.Exec(ctx, workspaceID, argv, docker.ExecOptions{}); err != nil {
				c.srv.log.Warn("resize failed", zap.String("session_id", sessionID), zap.Error(err))
			}
			if err := c.srv.st.SetSessionGeometry(ctx, sessionID, f.Cols, f.Rows); err != nil {
				c.srv.log.Debug("persisting geometry failed", zap.Error(err))
			}
		case FramePing:
			_ = c.writeFrame(Frame{Type: FramePong})
		}
	}
}

// pumpOutput forwards container bytes to the client and the replay
// buffer. When the stream itself ends (multiplexer exit, container
// stop) the session is terminal; terminated signals that to run.
func (c *termConn) pumpOutput(sessionID string, stream io.Reader, terminated *atomic.Bool) {
	defer func() {
		if r := recover(); r != nil {
			c.srv.log.Error("output pump panicked", zap.String("session_id", sessionID), zap.Any("panic", r))
			c.closeWith(CloseNormal, "internal error")
		}
	}()

	buf := make([]byte, 4096)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			data := docker.StripExecFraming(append([]byte(nil), buf[:n]...))
			if werr := c.writeFrame(Frame{Type: FrameOutput, Data: string(data)}); werr != nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if aerr := c.srv.cache.AppendBuffer(ctx, sessionID, data); aerr != nil {
				c.srv.log.Debug("appending replay buffer failed", zap.Error(aerr))
			}
			cancel()
		}
		if err != nil {
			if !c.clientGone.Load() && !c.evicted.Load() {
				terminated.Store(true)
				c.sendError("session ended")
				c.closeWith(CloseNormal, "session ended")
			}
			return
		}
	}
}

// keepalive sends a transport ping every interval and closes the
// connection when the prior ping went unanswered.
func (c *termConn) keepalive() {
	c.pongSeen.Store(true)
	c.ws.SetPongHandler(func(string) error {
		c.pongSeen.Store(true)
		return nil
	})

	ticker := time.NewTicker(c.srv.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if !c.pongSeen.Swap(false) {
				c.srv.log.Info("keepalive timeout, closing connection")
				c.closeWith(CloseNormal, "keepalive timeout")
				return
			}
			deadline := time.Now().Add(5 * time.Second)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
