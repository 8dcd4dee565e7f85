// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"

	"github.com/hitoshi/zuptin/internal/model"
)

// UserRepository はユーザー（認証レコード）の永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを検索する。大文字小文字は区別しない。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// CreateWithProfile はユーザーとプロフィール行を同一トランザクションで作成する。
	// メールアドレスが登録済みの場合はErrEmailTakenを返す。
	CreateWithProfile(ctx context.Context, user *model.User, profile *model.Profile) error

	// UpdateEmail はメールアドレスを変更し、プロフィール行のemailも更新する。確認日時はリセットしない。
	UpdateEmail(ctx context.Context, id, email string) error

	// UpdatePasswordHash はパスワードハッシュを変更する。
	UpdatePasswordHash(ctx context.Context, id, hash string) error

	// MarkEmailConfirmed はメールアドレス確認日時を記録する。確認済みの場合は変更しない。
	MarkEmailConfirmed(ctx context.Context, id string) error

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するsessions、auth_tokens、profiles、user_preferencesはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
	// DeleteExpired は期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// TokenRepository はメール確認・パスワード再設定トークンの永続化インターフェース。
type TokenRepository interface {
	// Create はトークンを作成する。
	Create(ctx context.Context, token *model.AuthToken) error
	// Consume は未使用かつ有効期限内のトークンを使用済みにして返す。
	// 該当するトークンがない場合はnilを返す。同じトークンは一度しか返らない。
	Consume(ctx context.Context, id string, purpose model.TokenPurpose) (*model.AuthToken, error)
	// DeleteByUserID は指定ユーザーの全トークンを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
	// DeleteStale は期限切れまたは使用済みのトークンを削除し、削除件数を返す。
	DeleteStale(ctx context.Context) (int64, error)
}

// RowRepository はユーザーIDをキーとする行（profiles、user_preferences）の永続化インターフェース。
// 行はカラム名をキーとするJSON互換のマップで扱う。
type RowRepository interface {
	// Find は行を取得する。見つからない場合はnilを返す。
	Find(ctx context.Context, table model.Table, userID string) (map[string]any, error)
	// InsertIfAbsent は行が存在しない場合のみ挿入し、保存済みの行を返す。
	// 既存の行は変更しない。
	InsertIfAbsent(ctx context.Context, table model.Table, userID string, fields map[string]any) (map[string]any, error)
	// Merge は行を挿入し、既存の場合は指定カラムのみ上書きして保存後の行を返す。
	Merge(ctx context.Context, table model.Table, userID string, fields map[string]any) (map[string]any, error)
	// Delete は行を削除する。行が存在しない場合もエラーにしない。
	Delete(ctx context.Context, table model.Table, userID string) error
}

// AvatarRepository はアバター画像の永続化インターフェース。ユーザーごとに1つ保持する。
type AvatarRepository interface {
	// Find はユーザーのアバターを取得する。見つからない場合はnilを返す。
	Find(ctx context.Context, userID string) (*model.Avatar, error)
	// Replace はアバターを保存し、既存の画像を置き換える。
	Replace(ctx context.Context, avatar *model.Avatar) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
