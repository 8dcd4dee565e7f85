package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/zuptin/internal/model"
)

// PostgresAvatarRepo はPostgreSQLを使用したアバター画像リポジトリ。
// 画像はユーザーごとに1行のBYTEAとして保存する。
type PostgresAvatarRepo struct {
	db *sql.DB
}

// NewPostgresAvatarRepo はPostgresAvatarRepoを生成する。
func NewPostgresAvatarRepo(db *sql.DB) *PostgresAvatarRepo {
	return &PostgresAvatarRepo{db: db}
}

// Find はユーザーのアバターを取得する。見つからない場合はnilを返す。
func (r *PostgresAvatarRepo) Find(ctx context.Context, userID string) (*model.Avatar, error) {
	a := &model.Avatar{UserID: userID}
	err := r.db.QueryRowContext(ctx,
		`SELECT object_name, content_type, data, created_at FROM avatars WHERE user_id = $1`,
		userID,
	).Scan(&a.ObjectName, &a.ContentType, &a.Data, &a.CreatedAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to find avatar: %w", err)
	}
	return a, nil
}

// Replace はユーザーのアバターを保存する。既存の画像は置き換える。
func (r *PostgresAvatarRepo) Replace(ctx context.Context, avatar *model.Avatar) error {
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO avatars (user_id, object_name, content_type, data, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			object_name  = EXCLUDED.object_name,
			content_type = EXCLUDED.content_type,
			data         = EXCLUDED.data,
			created_at   = EXCLUDED.created_at`,
		avatar.UserID, avatar.ObjectName, avatar.ContentType, avatar.Data, avatar.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to save avatar: %w", err)
	}
	return nil
}
