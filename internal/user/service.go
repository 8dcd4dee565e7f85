// Package user はユーザー管理（退会・データエクスポート）のドメインロジックを提供する。
package user

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hitoshi/zuptin/internal/model"
	"github.com/hitoshi/zuptin/internal/repository"
)

// TokenDeleter はワンタイムトークンの一括削除インターフェース。
type TokenDeleter interface {
	DeleteByUserID(ctx context.Context, userID string) error
}

// RowStore はユーザー行の取得・削除インターフェース。
type RowStore interface {
	Find(ctx context.Context, table model.Table, userID string) (map[string]any, error)
	Delete(ctx context.Context, table model.Table, userID string) error
}

// Service はユーザー管理のサービス層。
// 退会処理とデータエクスポートのビジネスロジックを提供する。
type Service struct {
	userRepo     repository.UserRepository
	sessionRepo  repository.SessionRepository
	tokenDeleter TokenDeleter
	rows         RowStore
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	tokenDeleter TokenDeleter,
	rows RowStore,
) *Service {
	return &Service{
		userRepo:     userRepo,
		sessionRepo:  sessionRepo,
		tokenDeleter: tokenDeleter,
		rows:         rows,
	}
}

// DeleteAccount はユーザーの退会処理を実行する。
// 削除順序: auth_tokens → sessions → user_preferences → profiles → user
// 途中で失敗した場合はそこで中断し、残りのデータは次回の退会処理で削除する。
func (s *Service) DeleteAccount(ctx context.Context, userID string) error {
	// ユーザー存在確認
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}

	slog.Info("退会処理を開始します",
		slog.String("user_id", userID),
	)

	// 1. ワンタイムトークンを削除
	if err := s.tokenDeleter.DeleteByUserID(ctx, userID); err != nil {
		return fmt.Errorf("トークンの削除に失敗しました: %w", err)
	}

	// 2. セッションを削除
	if err := s.sessionRepo.DeleteByUserID(ctx, userID); err != nil {
		return fmt.Errorf("セッションの削除に失敗しました: %w", err)
	}

	// 3. ユーザー設定とプロフィールを削除
	for _, table := range []model.Table{model.TablePreferences, model.TableProfiles} {
		if err := s.rows.Delete(ctx, table, userID); err != nil {
			return fmt.Errorf("%sの削除に失敗しました: %w", table, err)
		}
	}

	// 4. ユーザーを削除
	if err := s.userRepo.DeleteByID(ctx, userID); err != nil {
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}

	slog.Info("退会処理が完了しました",
		slog.String("user_id", userID),
	)

	return nil
}

// Export はユーザーのデータ（メールアドレス、登録日時、プロフィール、設定）をまとめて返す。
// プロフィールや設定の行が未作成の場合はnullになる。
func (s *Service) Export(ctx context.Context, userID string) (*model.UserExport, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}

	export := &model.UserExport{
		Email:     user.Email,
		CreatedAt: user.CreatedAt,
	}
	if err := s.load(ctx, model.TableProfiles, userID, &export.Profile); err != nil {
		return nil, err
	}
	if err := s.load(ctx, model.TablePreferences, userID, &export.Preferences); err != nil {
		return nil, err
	}
	return export, nil
}

// load は行をdstにデコードする。行がない場合dstは変更しない。
func (s *Service) load(ctx context.Context, table model.Table, userID string, dst any) error {
	row, err := s.rows.Find(ctx, table, userID)
	if err != nil {
		return fmt.Errorf("%sの取得に失敗しました: %w", table, err)
	}
	if row == nil {
		return nil
	}
	b, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to encode %s row: %w", table, err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("failed to decode %s row: %w", table, err)
	}
	return nil
}
