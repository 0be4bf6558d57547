package presence

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arvindchoudhary21/editor/domain"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	store, _ := setupTestRedis(t)

	assert.NoError(t, store.Ping(context.Background()))
}

func TestNewRedisStore_BadURL(t *testing.T) {
	_, err := NewRedisStore("not-a-url")

	assert.Error(t, err)
}

func TestRedisStore_AddAndRemove(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()
	alice := domain.Participant{Identity: "a1", Username: "alice", RoomID: "r1"}
	bob := domain.Participant{Identity: "b1", Username: "bob", RoomID: "r1"}

	require.NoError(t, store.Add(ctx, alice))
	require.NoError(t, store.Add(ctx, bob))

	members, err := store.Members(ctx, "r1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.Member{
		{Identity: "a1", Username: "alice"},
		{Identity: "b1", Username: "bob"},
	}, members)
	rooms, err := store.Rooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, rooms)

	// When alice leaves, only bob remains and the room is still listed
	require.NoError(t, store.Remove(ctx, alice))
	members, err = store.Members(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []domain.Member{{Identity: "b1", Username: "bob"}}, members)
	assert.True(t, s.Exists("codesync:room:r1"))

	// When the last member leaves, no trace of the room is left
	require.NoError(t, store.Remove(ctx, bob))
	assert.False(t, s.Exists("codesync:room:r1"))
	rooms, err = store.Rooms(ctx)
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestRedisStore_RemoveUnknown(t *testing.T) {
	store, _ := setupTestRedis(t)

	err := store.Remove(context.Background(), domain.Participant{Identity: "ghost", RoomID: "r9"})

	assert.NoError(t, err)
}
