// Package cache is the redis-backed session/state index. It is
// authoritative for live routing (which gateway owns which session, what
// the replay buffer holds) and advisory for everything else; the
// relational store wins for historical reads.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/termflux/termflux/internal/errs"
)

// SessionTTL is how long session state survives without activity. Every
// write refreshes it.
const SessionTTL = 24 * time.Hour

// BufferCap is the maximum number of output chunks kept per session.
const BufferCap = 1000

// CacheSession mirrors a terminal session for routing and reconnect.
type CacheSession struct {
	ID          string `redis:"id"`
	WorkspaceID string `redis:"workspace_id"`
	UserID      string `redis:"user_id"`
	ContainerID string `redis:"container_id"`
	MuxName     string `redis:"mux_name"`
	WindowIndex int    `redis:"window_index"`
	Cols        int    `redis:"cols"`
	Rows        int    `redis:"rows"`
	Status      string `redis:"status"`
	CreatedAt   int64  `redis:"created_at"`
	LastActive  int64  `redis:"last_active"`
}

// CacheWorkspace mirrors workspace liveness for hot reads.
type CacheWorkspace struct {
	ID          string `redis:"id"`
	UserID      string `redis:"user_id"`
	Name        string `redis:"name"`
	ContainerID string `redis:"container_id"`
	Status      string `redis:"status"`
}

// Cache wraps the redis client with the termflux key layout.
type Cache struct {
	rdb *redis.Client
}

// New connects to redis and verifies the connection.
func New(ctx context.Context, addr, password string, db int) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, &errs.BackendError{Backend: "redis", Err: err}
	}
	return &Cache{rdb: rdb}, nil
}

// NewFromClient wraps an existing client. Used by tests with miniredis.
func NewFromClient(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// Client exposes the raw redis client for collaborators (the workflow
// queue shares the connection).
func (c *Cache) Client() *redis.Client {
	return c.rdb
}

func sessionKey(id string) string   { return "session:" + id }
func bufferKey(id string) string    { return "session:" + id + ":buffer" }
func workspaceKey(id string) string { return "workspace:" + id }

func workspaceSessionsKey(id string) string { return "workspace:" + id + ":sessions" }
func userSessionsKey(id string) string      { return "user:" + id + ":sessions" }
func userWorkspacesKey(id string) string    { return "user:" + id + ":workspaces" }
func authKey(token string) string           { return "auth:" + token }

// SetSession writes the full session record, registers it in the
// workspace and user membership sets, and resets the TTL.
func (c *Cache) SetSession(ctx context.Context, s *CacheSession) error {
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, sessionKey(s.ID), s)
	pipe.Expire(ctx, sessionKey(s.ID), SessionTTL)
	pipe.SAdd(ctx, workspaceSessionsKey(s.WorkspaceID), s.ID)
	pipe.SAdd(ctx, userSessionsKey(s.UserID), s.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return &errs.BackendError{Backend: "redis", Err: fmt.Errorf("set session: %w", err)}
	}
	return nil
}

// GetSession fetches a session record; errs.ErrNotFound when absent.
func (c *Cache) GetSession(ctx context.Context, id string) (*CacheSession, error) {
	res := c.rdb.HGetAll(ctx, sessionKey(id))
	if err := res.Err(); err != nil {
		return nil, &errs.BackendError{Backend: "redis", Err: err}
	}
	if len(res.Val()) == 0 {
		return nil, errs.ErrNotFound
	}
	var s CacheSession
	if err := res.Scan(&s); err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &s, nil
}

// TouchSession refreshes the session and buffer TTLs and stamps
// last-seen time.
func (c *Cache) TouchSession(ctx context.Context, id string) error {
	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, sessionKey(id), "last_active", time.Now().Unix())
	pipe.Expire(ctx, sessionKey(id), SessionTTL)
	pipe.Expire(ctx, bufferKey(id), SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return &errs.BackendError{Backend: "redis", Err: err}
	}
	return nil
}

// SetSessionStatus updates only the status field, refreshing the TTL.
func (c *Cache) SetSessionStatus(ctx context.Context, id, status string) error {
	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, sessionKey(id), "status", status, "last_active", time.Now().Unix())
	pipe.Expire(ctx, sessionKey(id), SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return &errs.BackendError{Backend: "redis", Err: err}
	}
	return nil
}

// RemoveSession deletes the session record, its replay buffer, and its
// membership in the workspace and user sets.
func (c *Cache) RemoveSession(ctx context.Context, id string) error {
	s, err := c.GetSession(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		// Still clear the buffer in case the hash expired first.
		return c.rdb.Del(ctx, bufferKey(id)).Err()
	}
	if err != nil {
		return err
	}

	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, sessionKey(id), bufferKey(id))
	pipe.SRem(ctx, workspaceSessionsKey(s.WorkspaceID), id)
	pipe.SRem(ctx, userSessionsKey(s.UserID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return &errs.BackendError{Backend: "redis", Err: err}
	}
	return nil
}

// AppendBuffer appends one output chunk to the session's replay ring,
// trimming to the newest BufferCap entries and refreshing the TTL.
func (c *Cache) AppendBuffer(ctx context.Context, id string, chunk []byte) error {
	pipe := c.rdb.Pipeline()
	pipe.RPush(ctx, bufferKey(id), chunk)
	pipe.LTrim(ctx, bufferKey(id), -BufferCap, -1)
	pipe.Expire(ctx, bufferKey(id), SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return &errs.BackendError{Backend: "redis", Err: err}
	}
	return nil
}

// ReadBuffer returns the replay ring oldest-first.
func (c *Cache) ReadBuffer(ctx context.Context, id string) ([][]byte, error) {
	vals, err := c.rdb.LRange(ctx, bufferKey(id), 0, -1).Result()
	if err != nil {
		return nil, &errs.BackendError{Backend: "redis", Err: err}
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// SessionCount returns the number of cached sessions for a workspace.
func (c *Cache) SessionCount(ctx context.Context, workspaceID string) (int64, error) {
	n, err := c.rdb.SCard(ctx, workspaceSessionsKey(workspaceID)).Result()
	if err != nil {
		return 0, &errs.BackendError{Backend: "redis", Err: err}
	}
	return n, nil
}

// WorkspaceSessions lists the session ids registered for a workspace.
func (c *Cache) WorkspaceSessions(ctx context.Context, workspaceID string) ([]string, error) {
	ids, err := c.rdb.SMembers(ctx, workspaceSessionsKey(workspaceID)).Result()
	if err != nil {
		return nil, &errs.BackendError{Backend: "redis", Err: err}
	}
	return ids, nil
}

// SetWorkspace writes the workspace record and registers it for its user.
func (c *Cache) SetWorkspace(ctx context.Context, w *CacheWorkspace) error {
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, workspaceKey(w.ID), w)
	pipe.SAdd(ctx, userWorkspacesKey(w.UserID), w.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return &errs.BackendError{Backend: "redis", Err: err}
	}
	return nil
}

// GetWorkspace fetches a workspace record; errs.ErrNotFound when absent.
func (c *Cache) GetWorkspace(ctx context.Context, id string) (*CacheWorkspace, error) {
	res := c.rdb.HGetAll(ctx, workspaceKey(id))
	if err := res.Err(); err != nil {
		return nil, &errs.BackendError{Backend: "redis", Err: err}
	}
	if len(res.Val()) == 0 {
		return nil, errs.ErrNotFound
	}
	var w CacheWorkspace
	if err := res.Scan(&w); err != nil {
		return nil, fmt.Errorf("scan workspace: %w", err)
	}
	return &w, nil
}

// SetWorkspaceStatus updates only the status field.
func (c *Cache) SetWorkspaceStatus(ctx context.Context, id, status string) error {
	if err := c.rdb.HSet(ctx, workspaceKey(id), "status", status).Err(); err != nil {
		return &errs.BackendError{Backend: "redis", Err: err}
	}
	return nil
}

// RemoveWorkspace deletes the workspace record and its user membership.
func (c *Cache) RemoveWorkspace(ctx context.Context, id string) error {
	w, err := c.GetWorkspace(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, workspaceKey(id), workspaceSessionsKey(id))
	pipe.SRem(ctx, userWorkspacesKey(w.UserID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return &errs.BackendError{Backend: "redis", Err: err}
	}
	return nil
}

// SetAuthToken caches a bearer token to user id mapping until expiry.
func (c *Cache) SetAuthToken(ctx context.Context, token, userID string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, authKey(token), userID, ttl).Err(); err != nil {
		return &errs.BackendError{Backend: "redis", Err: err}
	}
	return nil
}

// GetAuthToken resolves a bearer token to a user id; errs.ErrNotFound
// when the token is unknown or expired.
func (c *Cache) GetAuthToken(ctx context.Context, token string) (string, error) {
	userID, err := c.rdb.Get(ctx, authKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", errs.ErrNotFound
	}
	if err != nil {
		return "", &errs.BackendError{Backend: "redis", Err: err}
	}
	return userID, nil
}

// DeleteAuthToken drops a cached token.
func (c *Cache) DeleteAuthToken(ctx context.Context, token string) error {
	if err := c.rdb.Del(ctx, authKey(token)).Err(); err != nil {
		return &errs.BackendError{Backend: "redis", Err: err}
	}
	return nil
}
