package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termflux/termflux/internal/errs"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromClient(rdb), mr
}

func sIsMember(t *testing.T, mr *miniredis.Miniredis, key, member string) bool {
	t.Helper()
	ok, err := mr.SIsMember(key, member)
	if err == miniredis.ErrKeyNotFound {
		return false
	}
	require.NoError(t, err)
	return ok
}

func testSession() *CacheSession {
	return &CacheSession{
		ID:          "sess1",
		WorkspaceID: "ws1",
		UserID:      "user1",
		ContainerID: "ctr1",
		MuxName:     "termflux-sess1",
		WindowIndex: 1,
		Cols:        120,
		Rows:        40,
		Status:      "active",
		CreatedAt:   time.Now().Unix(),
		LastActive:  time.Now().Unix(),
	}
}

func TestSessionRoundTrip(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	want := testSession()
	require.NoError(t, c.SetSession(ctx, want))

	got, err := c.GetSession(ctx, "sess1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Membership sets are maintained alongside the record.
	assert.True(t, sIsMember(t, mr, "workspace:ws1:sessions", "sess1"))
	assert.True(t, sIsMember(t, mr, "user:user1:sessions", "sess1"))

	ttl := mr.TTL("session:sess1")
	assert.Equal(t, SessionTTL, ttl)
}

func TestGetSessionNotFound(t *testing.T) {
	c, _ := newTestCache(t)

	_, err := c.GetSession(context.Background(), "nope")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestTouchSessionRefreshesTTL(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetSession(ctx, testSession()))
	require.NoError(t, c.AppendBuffer(ctx, "sess1", []byte("hello")))

	mr.FastForward(12 * time.Hour)
	require.NoError(t, c.TouchSession(ctx, "sess1"))

	assert.Equal(t, SessionTTL, mr.TTL("session:sess1"))
	assert.Equal(t, SessionTTL, mr.TTL("session:sess1:buffer"))
}

func TestRemoveSessionClearsEverything(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetSession(ctx, testSession()))
	require.NoError(t, c.AppendBuffer(ctx, "sess1", []byte("output")))

	require.NoError(t, c.RemoveSession(ctx, "sess1"))

	_, err := c.GetSession(ctx, "sess1")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.False(t, mr.Exists("session:sess1:buffer"))
	assert.False(t, sIsMember(t, mr, "workspace:ws1:sessions", "sess1"))
	assert.False(t, sIsMember(t, mr, "user:user1:sessions", "sess1"))
}

func TestRemoveSessionMissingIsQuiet(t *testing.T) {
	c, _ := newTestCache(t)
	assert.NoError(t, c.RemoveSession(context.Background(), "ghost"))
}

func TestAppendBufferOrderAndTrim(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.AppendBuffer(ctx, "sess1", []byte("one")))
	require.NoError(t, c.AppendBuffer(ctx, "sess1", []byte("two")))
	require.NoError(t, c.AppendBuffer(ctx, "sess1", []byte("three")))

	chunks, err := c.ReadBuffer(ctx, "sess1")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two"), []byte("three")}, chunks)
}

func TestAppendBufferCapsAtNewest(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	for i := 0; i < BufferCap+50; i++ {
		require.NoError(t, c.AppendBuffer(ctx, "sess1", []byte{byte(i)}))
	}

	chunks, err := c.ReadBuffer(ctx, "sess1")
	require.NoError(t, err)
	require.Len(t, chunks, BufferCap)
	// Oldest 50 chunks were trimmed away.
	last := BufferCap + 49
	assert.Equal(t, []byte{50}, chunks[0])
	assert.Equal(t, []byte{byte(last)}, chunks[len(chunks)-1])
}

func TestSessionCount(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	s1 := testSession()
	s2 := testSession()
	s2.ID = "sess2"
	require.NoError(t, c.SetSession(ctx, s1))
	require.NoError(t, c.SetSession(ctx, s2))

	n, err := c.SessionCount(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestWorkspaceRoundTrip(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	want := &CacheWorkspace{
		ID:          "ws1",
		UserID:      "user1",
		Name:        "dev box",
		ContainerID: "ctr1",
		Status:      "running",
	}
	require.NoError(t, c.SetWorkspace(ctx, want))
	assert.True(t, sIsMember(t, mr, "user:user1:workspaces", "ws1"))

	got, err := c.GetWorkspace(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, c.SetWorkspaceStatus(ctx, "ws1", "stopped"))
	got, err = c.GetWorkspace(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, "stopped", got.Status)

	require.NoError(t, c.RemoveWorkspace(ctx, "ws1"))
	_, err = c.GetWorkspace(ctx, "ws1")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.False(t, sIsMember(t, mr, "user:user1:workspaces", "ws1"))
}

func TestAuthTokens(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetAuthToken(ctx, "tok123", "user1", time.Hour))

	userID, err := c.GetAuthToken(ctx, "tok123")
	require.NoError(t, err)
	assert.Equal(t, "user1", userID)

	mr.FastForward(2 * time.Hour)
	_, err = c.GetAuthToken(ctx, "tok123")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, c.SetAuthToken(ctx, "tok456", "user2", time.Hour))
	require.NoError(t, c.DeleteAuthToken(ctx, "tok456"))
	_, err = c.GetAuthToken(ctx, "tok456")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}
