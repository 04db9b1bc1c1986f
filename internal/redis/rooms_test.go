package redis

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/realtime-chat/internal/messaging"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Requires Redis running on localhost:6379.
const testRedisAddr = "localhost:6379"

func setupClient(t *testing.T) *Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		t.Skipf("Redis not available at %s: %v", testRedisAddr, err)
	}
	t.Cleanup(func() { rdb.Close() })
	return NewClient(rdb)
}

func TestRoomStore_Lifecycle(t *testing.T) {
	store := NewRoomStore(setupClient(t))
	ctx := context.Background()

	room, members, err := store.CreateRoom(ctx, "alice", "general", []string{"bob", "alice", "", "carol"})
	require.NoError(t, err)
	t.Cleanup(func() { store.DeleteRoom(ctx, room.ID, "alice") })
	assert.Equal(t, []string{"alice", "bob", "carol"}, members)
	assert.Equal(t, "alice", room.CreatorID)

	got, err := store.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, "general", got.Name)
	assert.Equal(t, 3, got.MemberCount)

	require.NoError(t, store.AddMember(ctx, room.ID, "dave"))
	require.NoError(t, store.RemoveMember(ctx, room.ID, "bob"))

	ids, err := store.Members(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "carol", "dave"}, ids)

	ok, err := store.IsMember(ctx, room.ID, "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, store.DeleteRoom(ctx, room.ID, "carol"), ErrNotCreator)
	require.NoError(t, store.DeleteRoom(ctx, room.ID, "alice"))

	_, err = store.Members(ctx, room.ID)
	assert.ErrorIs(t, err, messaging.ErrNoSuchRoom)
}

func TestRoomStore_UnknownRoom(t *testing.T) {
	store := NewRoomStore(setupClient(t))
	ctx := context.Background()
	id := uuid.New().String()

	_, err := store.GetRoom(ctx, id)
	assert.ErrorIs(t, err, ErrRoomNotFound)
	_, err = store.Members(ctx, id)
	assert.ErrorIs(t, err, messaging.ErrNoSuchRoom)
	assert.ErrorIs(t, store.AddMember(ctx, id, "alice"), ErrRoomNotFound)
	assert.ErrorIs(t, store.DeleteRoom(ctx, id, "alice"), ErrRoomNotFound)
}

func TestLastSeenStore(t *testing.T) {
	client := setupClient(t)
	store := NewLastSeenStore(client)
	ctx := context.Background()
	userID := "user-" + uuid.New().String()
	t.Cleanup(func() { client.rdb.Del(ctx, lastSeenKey(userID)) })

	_, ok, err := store.LastSeen(ctx, userID)
	require.NoError(t, err)
	assert.False(t, ok)

	at := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	require.NoError(t, store.SetLastSeen(ctx, userID, at))

	got, ok, err := store.LastSeen(ctx, userID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, at.Equal(got))
}

func TestDedupe(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, dedupe([]string{"a", "", "b", "a"}))
	assert.Empty(t, dedupe(nil))
}
