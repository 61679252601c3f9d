package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type BlockRepo struct {
	db *sql.DB
}

func NewBlockRepo(db *sql.DB) *BlockRepo {
	return &BlockRepo{db: db}
}

func (r *BlockRepo) Block(ctx context.Context, userID, blockedID string) error {
	exec := GetExecutor(ctx, r.db)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO blocks (user_id, blocked_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, userID, blockedID, toMillis(time.Now()))
	return err
}

func (r *BlockRepo) Unblock(ctx context.Context, userID, blockedID string) error {
	exec := GetExecutor(ctx, r.db)
	_, err := exec.ExecContext(ctx, `
		DELETE FROM blocks WHERE user_id = $1 AND blocked_id = $2
	`, userID, blockedID)
	return err
}

func (r *BlockRepo) IsBlocked(ctx context.Context, userID, blockedID string) (bool, error) {
	var one int
	exec := GetExecutor(ctx, r.db)
	err := exec.QueryRowContext(ctx, `
		SELECT 1 FROM blocks WHERE user_id = $1 AND blocked_id = $2
	`, userID, blockedID).Scan(&one)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, err
	}
}
