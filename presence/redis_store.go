// Package presence mirrors room rosters into Redis so that processes other
// than the relay (dashboards, a second relay's /stats) can see who is where.
// The relay's own hub stays the source of truth.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Arvindchoudhary21/editor/domain"
)

const (
	roomPrefix = "codesync:room:"
	roomsKey   = "codesync:rooms"
)

// RedisStore keeps one hash per room (identity -> username) plus a set of
// room ids that currently have members.
type RedisStore struct {
	client *redis.Client
}

var _ domain.Presence = (*RedisStore)(nil)

// NewRedisStore connects to redisURL and checks the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) key(roomID string) string {
	return roomPrefix + roomID
}

func (s *RedisStore) Add(ctx context.Context, p domain.Participant) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key(p.RoomID), p.Identity, p.Username)
		pipe.SAdd(ctx, roomsKey, p.RoomID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add %s to room %s: %w", p.Identity, p.RoomID, err)
	}
	return nil
}

// Remove drops p from its room. Redis deletes a hash once its last field is
// gone; the room id is then removed from the room set as well.
func (s *RedisStore) Remove(ctx context.Context, p domain.Participant) error {
	key := s.key(p.RoomID)
	if err := s.client.HDel(ctx, key, p.Identity).Err(); err != nil {
		return fmt.Errorf("remove %s from room %s: %w", p.Identity, p.RoomID, err)
	}
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("check room %s: %w", p.RoomID, err)
	}
	if n == 0 {
		if err := s.client.SRem(ctx, roomsKey, p.RoomID).Err(); err != nil {
			return fmt.Errorf("drop room %s: %w", p.RoomID, err)
		}
	}
	return nil
}

// Members returns the mirrored roster of roomID.
func (s *RedisStore) Members(ctx context.Context, roomID string) ([]domain.Member, error) {
	fields, err := s.client.HGetAll(ctx, s.key(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}
	members := make([]domain.Member, 0, len(fields))
	for identity, username := range fields {
		members = append(members, domain.Member{Identity: identity, Username: username})
	}
	return members, nil
}

// Rooms returns the ids of all rooms that currently have members.
func (s *RedisStore) Rooms(ctx context.Context) ([]string, error) {
	rooms, err := s.client.SMembers(ctx, roomsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
