package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/zuptin/internal/model"
)

// PostgresTokenRepo はPostgreSQLを使用したワンタイムトークンリポジトリ。
type PostgresTokenRepo struct {
	db *sql.DB
}

// NewPostgresTokenRepo はPostgresTokenRepoを生成する。
func NewPostgresTokenRepo(db *sql.DB) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: db}
}

// Create はトークンを作成する。
func (r *PostgresTokenRepo) Create(ctx context.Context, token *model.AuthToken) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO auth_tokens (id, user_id, purpose, new_email, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		tokenDigest(token.ID), token.UserID, string(token.Purpose),
		sql.NullString{String: token.NewEmail, Valid: token.NewEmail != ""},
		token.ExpiresAt, token.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create auth token: %w", err)
	}
	return nil
}

// Consume は未使用かつ有効期限内のトークンを使用済みにして返す。
// UPDATE ... RETURNINGで1文にまとめているため、並行して使用されても1回しか成功しない。
func (r *PostgresTokenRepo) Consume(ctx context.Context, id string, purpose model.TokenPurpose) (*model.AuthToken, error) {
	token := &model.AuthToken{ID: id}
	var p string
	var newEmail sql.NullString
	err := r.db.QueryRowContext(ctx,
		`UPDATE auth_tokens SET consumed_at = now()
		 WHERE id = $1 AND purpose = $2 AND consumed_at IS NULL AND expires_at > now()
		 RETURNING user_id, purpose, new_email, expires_at, created_at`,
		tokenDigest(id), string(purpose),
	).Scan(&token.UserID, &p, &newEmail, &token.ExpiresAt, &token.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume auth token: %w", err)
	}
	token.Purpose = model.TokenPurpose(p)
	token.NewEmail = newEmail.String
	return token, nil
}

// DeleteByUserID は指定ユーザーの全トークンを削除する。
func (r *PostgresTokenRepo) DeleteByUserID(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM auth_tokens WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete user auth tokens: %w", err)
	}
	return nil
}

// DeleteStale は期限切れまたは使用済みのトークンを削除し、削除件数を返す。
func (r *PostgresTokenRepo) DeleteStale(ctx context.Context) (int64, error) {
	return execCount(ctx, r.db, "stale auth tokens",
		`DELETE FROM auth_tokens WHERE expires_at <= now() OR consumed_at IS NOT NULL`)
}

// compile-time interface check
var _ TokenRepository = (*PostgresTokenRepo)(nil)
