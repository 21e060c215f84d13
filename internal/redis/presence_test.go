package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/callrelay/config"
	"github.com/mossy-p/callrelay/internal/models"
)

func newPresence(t *testing.T) (*Presence, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewPresence(client), mr
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), config.RedisConfig{Host: mr.Host(), Port: mr.Port()})
	require.NoError(t, err)
	defer client.Close()

	mr.Close()
	_, err = Connect(context.Background(), config.RedisConfig{Host: mr.Host(), Port: mr.Port()})
	assert.Error(t, err)
}

func TestPresence_JoinAndLeave(t *testing.T) {
	p, mr := newPresence(t)
	ctx := context.Background()

	require.NoError(t, p.Joined(ctx, "r1", models.Member{ConnID: "a", Email: "a@example.com"}))
	require.NoError(t, p.Joined(ctx, "r1", models.Member{ConnID: "b", Email: "b@example.com"}))

	peers, err := p.RoomPeers(ctx, "r1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, peers)
	assert.Equal(t, presenceTTL, mr.TTL(roomKey("r1")))

	require.NoError(t, p.Left(ctx, "r1", models.Member{ConnID: "a", Email: "a@example.com"}))
	peers, err = p.RoomPeers(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, peers)
}

func TestPresence_Status(t *testing.T) {
	p, _ := newPresence(t)
	ctx := context.Background()

	_, err := p.Status(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrNoPresence)

	require.NoError(t, p.Joined(ctx, "r1", models.Member{ConnID: "a", Email: "a@example.com"}))
	require.NoError(t, p.SetStatus(ctx, "a@example.com", models.PresenceInCall))

	got, err := p.Status(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.PresenceInCall, got.Status)
	assert.Equal(t, "a", got.ConnID)
	assert.False(t, got.LastActive.IsZero())
}

func TestPresence_ServerDown(t *testing.T) {
	p, mr := newPresence(t)
	mr.Close()

	err := p.SetStatus(context.Background(), "a@example.com", models.PresenceOnline)
	assert.Error(t, err)
}
