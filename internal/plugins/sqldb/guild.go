package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"hearth/internal/core/domain"
	"time"
)

type GuildRepo struct {
	db *sql.DB
}

func NewGuildRepo(db *sql.DB) *GuildRepo {
	return &GuildRepo{db: db}
}

func (r *GuildRepo) CreateGuild(ctx context.Context, g *domain.Guild) error {
	exec := GetExecutor(ctx, r.db)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO guilds (id, name, owner_id, created_at)
		VALUES ($1, $2, $3, $4)
	`, g.ID, g.Name, g.OwnerID, toMillis(g.CreatedAt))
	return err
}

func (r *GuildRepo) GetGuildByID(ctx context.Context, id string) (*domain.Guild, error) {
	g := domain.Guild{ID: id}
	var created int64
	exec := GetExecutor(ctx, r.db)
	err := exec.QueryRowContext(ctx, `
		SELECT name, owner_id, created_at FROM guilds WHERE id = $1
	`, id).Scan(&g.Name, &g.OwnerID, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrGuildNotFound
		}
		return nil, err
	}
	g.CreatedAt = fromMillis(created)
	return &g, nil
}

func (r *GuildRepo) GuildsForUser(ctx context.Context, userID string) ([]domain.Guild, error) {
	exec := GetExecutor(ctx, r.db)
	rows, err := exec.QueryContext(ctx, `
		SELECT g.id, g.name, g.owner_id, g.created_at
		FROM guilds g
		JOIN guild_members m ON m.guild_id = g.id
		WHERE m.user_id = $1
		ORDER BY m.joined_at ASC, g.id ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var guilds []domain.Guild
	for rows.Next() {
		var g domain.Guild
		var created int64
		if err := rows.Scan(&g.ID, &g.Name, &g.OwnerID, &created); err != nil {
			return nil, err
		}
		g.CreatedAt = fromMillis(created)
		guilds = append(guilds, g)
	}
	return guilds, rows.Err()
}

func (r *GuildRepo) Members(ctx context.Context, guildID string) ([]domain.Member, error) {
	exec := GetExecutor(ctx, r.db)
	rows, err := exec.QueryContext(ctx, `
		SELECT u.id, u.username, u.created_at, m.joined_at
		FROM guild_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.guild_id = $1
		ORDER BY m.joined_at ASC, u.id ASC
	`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []domain.Member
	for rows.Next() {
		m := domain.Member{GuildID: guildID}
		var created, joined int64
		if err := rows.Scan(&m.User.ID, &m.User.Username, &created, &joined); err != nil {
			return nil, err
		}
		m.User.CreatedAt = fromMillis(created)
		m.JoinedAt = fromMillis(joined)
		members = append(members, m)
	}
	return members, rows.Err()
}

func (r *GuildRepo) IsMember(ctx context.Context, guildID, userID string) (bool, error) {
	var one int
	exec := GetExecutor(ctx, r.db)
	err := exec.QueryRowContext(ctx, `
		SELECT 1 FROM guild_members WHERE guild_id = $1 AND user_id = $2
	`, guildID, userID).Scan(&one)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, err
	}
}

func (r *GuildRepo) AddMember(ctx context.Context, guildID, userID string) (*domain.Member, error) {
	exec := GetExecutor(ctx, r.db)
	m := &domain.Member{GuildID: guildID, JoinedAt: time.Now().UTC().Truncate(time.Millisecond)}
	var created int64
	err := exec.QueryRowContext(ctx, `SELECT id, username, created_at FROM users WHERE id = $1`, userID).
		Scan(&m.User.ID, &m.User.Username, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}
	m.User.CreatedAt = fromMillis(created)
	result, err := exec.ExecContext(ctx, `
		INSERT INTO guild_members (guild_id, user_id, joined_at)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, guildID, userID, toMillis(m.JoinedAt))
	if err != nil {
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, domain.ErrAlreadyMember
	}
	return m, nil
}

func (r *GuildRepo) RemoveMember(ctx context.Context, guildID, userID string) error {
	exec := GetExecutor(ctx, r.db)
	result, err := exec.ExecContext(ctx, `
		DELETE FROM guild_members WHERE guild_id = $1 AND user_id = $2
	`, guildID, userID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotMember
	}
	return nil
}

func (r *GuildRepo) CreateChannel(ctx context.Context, c *domain.Channel) error {
	exec := GetExecutor(ctx, r.db)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO channels (id, guild_id, name, created_at)
		VALUES ($1, $2, $3, $4)
	`, c.ID, c.GuildID, c.Name, toMillis(c.CreatedAt))
	return err
}

func (r *GuildRepo) GetChannelByID(ctx context.Context, id string) (*domain.Channel, error) {
	c := domain.Channel{ID: id}
	var created int64
	exec := GetExecutor(ctx, r.db)
	err := exec.QueryRowContext(ctx, `
		SELECT guild_id, name, created_at FROM channels WHERE id = $1
	`, id).Scan(&c.GuildID, &c.Name, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrChannelNotFound
		}
		return nil, err
	}
	c.CreatedAt = fromMillis(created)
	return &c, nil
}

func (r *GuildRepo) Channels(ctx context.Context, guildID string) ([]domain.Channel, error) {
	exec := GetExecutor(ctx, r.db)
	rows, err := exec.QueryContext(ctx, `
		SELECT id, name, created_at FROM channels
		WHERE guild_id = $1
		ORDER BY created_at ASC, id ASC
	`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var channels []domain.Channel
	for rows.Next() {
		c := domain.Channel{GuildID: guildID}
		var created int64
		if err := rows.Scan(&c.ID, &c.Name, &created); err != nil {
			return nil, err
		}
		c.CreatedAt = fromMillis(created)
		channels = append(channels, c)
	}
	return channels, rows.Err()
}
