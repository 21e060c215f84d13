package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/callrelay/internal/models"
)

const presenceTTL = 24 * time.Hour

var ErrNoPresence = errors.New("no presence recorded")

// Presence mirrors room membership and participant status into Redis:
//
//	room:<room>:peers   set of connection ids
//	presence:<email>    hash {status, connId, lastActive}
//
// Keys expire after a day so a crashed relay does not leave stale entries
// forever.
type Presence struct {
	client *redis.Client
}

func NewPresence(client *redis.Client) *Presence {
	return &Presence{client: client}
}

func roomKey(room string) string     { return "room:" + room + ":peers" }
func presenceKey(email string) string { return "presence:" + email }

func (p *Presence) Joined(ctx context.Context, room string, m models.Member) error {
	pipe := p.client.TxPipeline()
	pipe.SAdd(ctx, roomKey(room), m.ConnID)
	pipe.Expire(ctx, roomKey(room), presenceTTL)
	pipe.HSet(ctx, presenceKey(m.Email), "connId", m.ConnID)
	pipe.Expire(ctx, presenceKey(m.Email), presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record join of %s in %s: %w", m.ConnID, room, err)
	}
	return nil
}

func (p *Presence) Left(ctx context.Context, room string, m models.Member) error {
	if err := p.client.SRem(ctx, roomKey(room), m.ConnID).Err(); err != nil {
		return fmt.Errorf("record leave of %s from %s: %w", m.ConnID, room, err)
	}
	return nil
}

func (p *Presence) SetStatus(ctx context.Context, email string, status models.PresenceStatus) error {
	pipe := p.client.TxPipeline()
	pipe.HSet(ctx, presenceKey(email),
		"status", string(status),
		"lastActive", time.Now().UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, presenceKey(email), presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set status of %s: %w", email, err)
	}
	return nil
}

// Status returns the last recorded presence for email.
func (p *Presence) Status(ctx context.Context, email string) (models.Presence, error) {
	fields, err := p.client.HGetAll(ctx, presenceKey(email)).Result()
	if err != nil {
		return models.Presence{}, err
	}
	if len(fields) == 0 || fields["status"] == "" {
		return models.Presence{}, ErrNoPresence
	}

	out := models.Presence{
		Email:  email,
		Status: models.PresenceStatus(fields["status"]),
		ConnID: fields["connId"],
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["lastActive"]); err == nil {
		out.LastActive = ts
	}
	return out, nil
}

// RoomPeers returns the connection ids recorded for room.
func (p *Presence) RoomPeers(ctx context.Context, room string) ([]string, error) {
	return p.client.SMembers(ctx, roomKey(room)).Result()
}
