package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/termflux/termflux/internal/cache"
	"github.com/termflux/termflux/internal/docker"
	"github.com/termflux/termflux/internal/errs"
	"github.com/termflux/termflux/internal/ids"
	"github.com/termflux/termflux/internal/store"
)

const (
	defaultCols = 80
	defaultRows = 24

	// authCacheTTL bounds how stale a cached token lookup may be.
	authCacheTTL = 5 * time.Minute

	defaultPingInterval = 30 * time.Second
)

// Server is the terminal gateway. It upgrades websocket connections at
// /ws/terminal and owns every live session binding in this process.
type Server struct {
	drv      docker.Driver
	cache    *cache.Cache
	st       *store.Store
	log      *zap.Logger
	upgrader websocket.Upgrader
	registry *registry

	// pingInterval drives the transport keepalive; tests shorten it.
	pingInterval time.Duration
}

// New builds a gateway server.
func New(drv docker.Driver, c *cache.Cache, st *store.Store, log *zap.Logger) *Server {
	return &Server{
		drv:   drv,
		cache: c,
		st:    st,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			EnableCompression: true,
			// The browser client is served from arbitrary dev hosts.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		registry:     newRegistry(),
		pingInterval: defaultPingInterval,
	}
}

// Router returns the gateway's HTTP routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/ws/terminal", s.handleTerminal)
	return r
}

// handleTerminal is the single entry point: authenticate, authorize,
// then attach (new session) or reattach (existing session id).
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	q := r.URL.Query()
	token := q.Get("token")
	workspaceID := q.Get("workspaceId")
	sessionID := q.Get("sessionId")

	c := newTermConn(s, ws)

	if token == "" || workspaceID == "" {
		c.closeWith(CloseMissingParams, "token and workspaceId are required")
		return
	}

	ctx := r.Context()
	userID, err := s.authenticate(ctx, token)
	if err != nil {
		c.sendError("authentication failed")
		c.closeWith(CloseAuthFailed, "authentication failed")
		return
	}

	if err := s.authorizeWorkspace(ctx, workspaceID, userID); err != nil {
		c.sendError(err.Error())
		c.closeWith(CloseNotFound, err.Error())
		return
	}

	cols := intParam(q.Get("cols"), defaultCols)
	rows := intParam(q.Get("rows"), defaultRows)

	if sessionID == "" {
		s.attachNew(ctx, c, workspaceID, userID, cols, rows)
	} else {
		s.reattach(ctx, c, workspaceID, userID, sessionID)
	}
}

// authenticate resolves a bearer token, reading through the cache to
// the relational auth table.
func (s *Server) authenticate(ctx context.Context, token string) (string, error) {
	userID, err := s.cache.GetAuthToken(ctx, token)
	if err == nil {
		return userID, nil
	}
	if !errs.IsNotFound(err) {
		s.log.Warn("auth cache read failed", zap.Error(err))
	}

	userID, err = s.st.LookupAuthToken(ctx, token)
	if err != nil {
		return "", err
	}
	if cerr := s.cache.SetAuthToken(ctx, token, userID, authCacheTTL); cerr != nil {
		s.log.Warn("auth cache write failed", zap.Error(cerr))
	}
	return userID, nil
}

// authorizeWorkspace verifies ownership and that the container is
// running, preferring the cache record over the relational row.
func (s *Server) authorizeWorkspace(ctx context.Context, workspaceID, userID string) error {
	if cw, err := s.cache.GetWorkspace(ctx, workspaceID); err == nil {
		if cw.UserID != userID {
			return errors.New("workspace not found or access denied")
		}
		if cw.Status != store.WorkspaceRunning {
			return errors.New("workspace is not running")
		}
		return nil
	}

	ws, err := s.st.GetWorkspace(ctx, workspaceID)
	if err != nil || ws.UserID != userID {
		return errors.New("workspace not found or access denied")
	}
	if ws.Status != store.WorkspaceRunning {
		return errors.New("workspace is not running")
	}
	return nil
}

// attachNew mints a session, starts a multiplexer session in the
// container and binds the connection to it.
func (s *Server) attachNew(ctx context.Context, c *termConn, workspaceID, userID string, cols, rows int) {
	sessionID := ids.NewToken()
	muxName := docker.MuxSessionName(sessionID)

	res, err := s.drv.Exec(ctx, workspaceID, docker.MuxNewSession(muxName, cols, rows), docker.ExecOptions{})
	if err != nil || res.ExitCode != 0 {
		s.log.Error("creating multiplexer session failed",
			zap.String("workspace_id", workspaceID), zap.Error(err), zap.Int("exit", res.ExitCode))
		c.sendError("session setup failed")
		c.closeWith(CloseSetupFailed, "session setup failed")
		return
	}

	now := time.Now().Unix()
	if err := s.st.CreateSession(ctx, &store.Session{
		ID:          sessionID,
		WorkspaceID: workspaceID,
		UserID:      userID,
		MuxName:     muxName,
		Cols:        cols,
		Rows:        rows,
		Status:      store.SessionActive,
	}); err != nil {
		s.log.Error("persisting session failed", zap.Error(err))
		c.sendError("session setup failed")
		c.closeWith(CloseSetupFailed, "session setup failed")
		return
	}
	if err := s.cache.SetSession(ctx, &cache.CacheSession{
		ID:          sessionID,
		WorkspaceID: workspaceID,
		UserID:      userID,
		MuxName:     muxName,
		Cols:        cols,
		Rows:        rows,
		Status:      store.SessionActive,
		CreatedAt:   now,
		LastActive:  now,
	}); err != nil {
		s.log.Error("caching session failed", zap.Error(err))
	}

	s.bindAndPump(ctx, c, workspaceID, sessionID, muxName, nil)
}

// reattach validates the cached session, emits the replay prefix and
// rebinds the connection.
func (s *Server) reattach(ctx context.Context, c *termConn, workspaceID, userID, sessionID string) {
	cs, err := s.cache.GetSession(ctx, sessionID)
	if err != nil || cs.UserID != userID || cs.WorkspaceID != workspaceID {
		c.sendError("session not found or access denied")
		c.closeWith(CloseNotFound, "session not found or access denied")
		return
	}

	// The container may have restarted since the disconnect, taking the
	// multiplexer session with it. Probe before promising a resume.
	if res, perr := s.drv.Exec(ctx, workspaceID, docker.MuxHasSession(cs.MuxName), docker.ExecOptions{}); perr == nil && res.ExitCode != 0 {
		if rerr := s.cache.RemoveSession(ctx, sessionID); rerr != nil {
			s.log.Warn("removing stale session failed", zap.String("session_id", sessionID), zap.Error(rerr))
		}
		if cerr := s.st.CloseSession(ctx, sessionID); cerr != nil && !errs.IsNotFound(cerr) {
			s.log.Warn("closing stale session row failed", zap.String("session_id", sessionID), zap.Error(cerr))
		}
		c.sendError("session no longer exists")
		c.closeWith(CloseNotFound, "session no longer exists")
		return
	}

	chunks, err := s.cache.ReadBuffer(ctx, sessionID)
	if err != nil {
		s.log.Warn("reading replay buffer failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	var replay []byte
	for _, chunk := range chunks {
		replay = append(replay, chunk...)
	}
	// One prefix frame, then normal output; no extra sentinel framing.
	if err := c.writeFrame(Frame{Type: FrameReconnect, Data: string(replay)}); err != nil {
		return
	}

	if err := s.st.SetSessionStatus(ctx, sessionID, store.SessionActive); err != nil && !errs.IsNotFound(err) {
		s.log.Warn("updating session row failed", zap.Error(err))
	}
	if err := s.cache.SetSessionStatus(ctx, sessionID, store.SessionActive); err != nil {
		s.log.Warn("updating cached session failed", zap.Error(err))
	}

	s.bindAndPump(ctx, c, workspaceID, sessionID, cs.MuxName, nil)
}

// bindAndPump claims the single-writer binding, opens the attach stream
// and runs the pumps until the connection ends. attachArgv overrides the
// multiplexer attach command when non-nil.
func (s *Server) bindAndPump(ctx context.Context, c *termConn, workspaceID, sessionID, muxName string, attachArgv []string) {
	if prev := s.registry.bind(sessionID, c); prev != nil {
		// Drive the prior owner to disconnected before we take over.
		prev.evict()
	}
	defer s.registry.release(sessionID, c)

	if attachArgv == nil {
		attachArgv = docker.MuxAttach(muxName)
	}
	stream, err := s.drv.AttachStream(ctx, workspaceID, attachArgv)
	if err != nil {
		s.log.Error("attach stream failed",
			zap.String("session_id", sessionID), zap.Error(err))
		c.sendError("session setup failed")
		c.closeWith(CloseSetupFailed, "session setup failed")
		return
	}

	if err := c.writeFrame(Frame{Type: FrameReady, SessionID: sessionID}); err != nil {
		_ = stream.Close()
		return
	}

	s.log.Info("session attached",
		zap.String("session_id", sessionID),
		zap.String("workspace_id", workspaceID))
	c.run(ctx, workspaceID, sessionID, muxName, stream)
}

// DeleteSession kills the multiplexer session, clears cache state and
// marks the row terminated.
func (s *Server) DeleteSession(ctx context.Context, sessionID string) error {
	cs, err := s.cache.GetSession(ctx, sessionID)
	if err != nil && !errs.IsNotFound(err) {
		return err
	}

	if owner := s.registry.owner(sessionID); owner != nil {
		owner.evict()
	}

	if cs != nil {
		argv := docker.MuxKillSession(cs.MuxName)
		if _, kerr := s.drv.Exec(ctx, cs.WorkspaceID, argv, docker.ExecOptions{}); kerr != nil {
			s.log.Warn("killing multiplexer session failed",
				zap.String("session_id", sessionID), zap.Error(kerr))
		}
	}

	if err := s.cache.RemoveSession(ctx, sessionID); err != nil {
		return err
	}
	if err := s.st.CloseSession(ctx, sessionID); err != nil {
		return err
	}
	return nil
}

// Shutdown closes every live connection with a going-away code.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, c := range s.registry.all() {
		c.closeWith(CloseGoingAway, "server shutting down")
	}
	// Give pumps a moment to unwind before the process exits.
	select {
	case <-ctx.Done():
	case <-time.After(100 * time.Millisecond):
	}
	return nil
}

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
