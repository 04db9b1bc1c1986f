package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const lastSeenTTL = 30 * 24 * time.Hour

func lastSeenKey(userID string) string { return "presence:lastseen:" + userID }

// LastSeenStore mirrors the time users went offline so it survives restarts
// and is visible to other instances.
type LastSeenStore struct {
	client *Client
}

func NewLastSeenStore(c *Client) *LastSeenStore {
	return &LastSeenStore{client: c}
}

func (s *LastSeenStore) SetLastSeen(ctx context.Context, userID string, at time.Time) error {
	err := s.client.rdb.Set(ctx, lastSeenKey(userID), at.UnixMilli(), lastSeenTTL).Err()
	if err != nil {
		return fmt.Errorf("set last seen: %w", err)
	}
	return nil
}

// LastSeen reports false when nothing is recorded for userID.
func (s *LastSeenStore) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	v, err := s.client.rdb.Get(ctx, lastSeenKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get last seen: %w", err)
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last seen %q: %w", v, err)
	}
	return time.UnixMilli(ms), true, nil
}
