package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mossy-p/realtime-chat/internal/models"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// SaveMessage inserts msg. Saving the same message twice is a no-op.
func (r *MessageRepository) SaveMessage(ctx context.Context, msg models.ChatMessage) error {
	var toUserID, roomID *string
	id := msg.Target.ID()
	if msg.Target.IsRoom() {
		roomID = &id
	} else {
		toUserID = &id
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO messages (id, from_user_id, to_user_id, room_id, content, message_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.FromUserID, toUserID, roomID, msg.Content, msg.MessageType, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message %s: %w", msg.ID, err)
	}
	return nil
}

// CountMessages returns how many messages were stored for a conversation
// key, used by tests and diagnostics.
func (r *MessageRepository) CountMessages(ctx context.Context, target models.ChatTarget) (int, error) {
	column := "to_user_id"
	if target.IsRoom() {
		column = "room_id"
	}
	var n int
	err := r.pool.QueryRow(ctx, "SELECT count(*) FROM messages WHERE "+column+" = $1", target.ID()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
