package sqldb

import (
	"context"
	"database/sql"
	"hearth/internal/core/domain"
	"slices"
)

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{
		db: db,
	}
}

func (r *MessageRepo) SaveMessage(ctx context.Context, msg *domain.Message) error {
	exec := GetExecutor(ctx, r.db)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO messages (
			id, channel_id, guild_id, author_id, content, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`,
		msg.ID,
		msg.ChannelID,
		msg.GuildID,
		msg.AuthorID,
		msg.Content,
		toMillis(msg.CreatedAt),
	)
	return err
}

// RecentMessages returns the newest limit messages of a channel, oldest first.
func (r *MessageRepo) RecentMessages(ctx context.Context, channelID string, limit int) ([]domain.Message, error) {
	exec := GetExecutor(ctx, r.db)
	rows, err := exec.QueryContext(ctx, `
		SELECT id, channel_id, guild_id, author_id, content, created_at
		FROM messages
		WHERE channel_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, channelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var created int64
		if err := rows.Scan(
			&m.ID,
			&m.ChannelID,
			&m.GuildID,
			&m.AuthorID,
			&m.Content,
			&created,
		); err != nil {
			return nil, err
		}
		m.CreatedAt = fromMillis(created)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}
