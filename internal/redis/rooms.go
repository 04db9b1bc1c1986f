package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/realtime-chat/internal/messaging"
	"github.com/mossy-p/realtime-chat/internal/models"
	"github.com/redis/go-redis/v9"
)

var (
	ErrRoomNotFound = fmt.Errorf("redis: %w", messaging.ErrNoSuchRoom)
	ErrNotCreator   = errors.New("only the room creator can do this")
)

func roomKey(roomID string) string    { return "room:" + roomID }
func membersKey(roomID string) string { return "room:" + roomID + ":members" }

// RoomStore keeps room metadata and membership. It is the membership lookup
// consumed by message routing and typing.
type RoomStore struct {
	client *Client
	now    func() time.Time
}

func NewRoomStore(c *Client) *RoomStore {
	return &RoomStore{client: c, now: time.Now}
}

// CreateRoom stores a new room whose members are the creator plus memberIDs.
func (s *RoomStore) CreateRoom(ctx context.Context, creatorID, name string, memberIDs []string) (models.RoomMetadata, []string, error) {
	members := dedupe(append([]string{creatorID}, memberIDs...))
	room := models.RoomMetadata{
		ID:          uuid.New().String(),
		Name:        name,
		CreatorID:   creatorID,
		CreatedAt:   s.now().UTC(),
		MemberCount: len(members),
	}

	roomData, err := json.Marshal(room)
	if err != nil {
		return models.RoomMetadata{}, nil, fmt.Errorf("marshal room: %w", err)
	}

	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	_, err = s.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, roomKey(room.ID), roomData, 0)
		pipe.SAdd(ctx, membersKey(room.ID), args...)
		return nil
	})
	if err != nil {
		return models.RoomMetadata{}, nil, fmt.Errorf("store room: %w", err)
	}
	return room, members, nil
}

// GetRoom returns room metadata with the current member count.
func (s *RoomStore) GetRoom(ctx context.Context, roomID string) (models.RoomMetadata, error) {
	var (
		data  *redis.StringCmd
		count *redis.IntCmd
	)
	_, err := s.client.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		data = pipe.Get(ctx, roomKey(roomID))
		count = pipe.SCard(ctx, membersKey(roomID))
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return models.RoomMetadata{}, ErrRoomNotFound
	}
	if err != nil {
		return models.RoomMetadata{}, fmt.Errorf("get room: %w", err)
	}

	var room models.RoomMetadata
	if err := json.Unmarshal([]byte(data.Val()), &room); err != nil {
		return models.RoomMetadata{}, fmt.Errorf("failed to parse room data: %w", err)
	}
	room.MemberCount = int(count.Val())
	return room, nil
}

// Members implements the membership lookup. Unknown rooms yield
// ErrRoomNotFound, which matches messaging.ErrNoSuchRoom.
func (s *RoomStore) Members(ctx context.Context, roomID string) ([]string, error) {
	var (
		exists  *redis.IntCmd
		members *redis.StringSliceCmd
	)
	_, err := s.client.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.Exists(ctx, roomKey(roomID))
		members = pipe.SMembers(ctx, membersKey(roomID))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get members: %w", err)
	}
	if exists.Val() == 0 {
		return nil, ErrRoomNotFound
	}
	ids := members.Val()
	sort.Strings(ids)
	return ids, nil
}

func (s *RoomStore) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	if err := s.requireRoom(ctx, roomID); err != nil {
		return false, err
	}
	ok, err := s.client.rdb.SIsMember(ctx, membersKey(roomID), userID).Result()
	if err != nil {
		return false, fmt.Errorf("check member: %w", err)
	}
	return ok, nil
}

func (s *RoomStore) AddMember(ctx context.Context, roomID, userID string) error {
	if err := s.requireRoom(ctx, roomID); err != nil {
		return err
	}
	if err := s.client.rdb.SAdd(ctx, membersKey(roomID), userID).Err(); err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (s *RoomStore) RemoveMember(ctx context.Context, roomID, userID string) error {
	if err := s.requireRoom(ctx, roomID); err != nil {
		return err
	}
	if err := s.client.rdb.SRem(ctx, membersKey(roomID), userID).Err(); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

// DeleteRoom removes a room. Only its creator may delete it.
func (s *RoomStore) DeleteRoom(ctx context.Context, roomID, requesterID string) error {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if room.CreatorID != requesterID {
		return ErrNotCreator
	}
	if err := s.client.rdb.Del(ctx, roomKey(roomID), membersKey(roomID)).Err(); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	return nil
}

func (s *RoomStore) requireRoom(ctx context.Context, roomID string) error {
	n, err := s.client.rdb.Exists(ctx, roomKey(roomID)).Result()
	if err != nil {
		return fmt.Errorf("check room: %w", err)
	}
	if n == 0 {
		return ErrRoomNotFound
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
