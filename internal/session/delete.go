package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hitoshi/zuptin/internal/model"
)

// ConfirmFunc はユーザーに確認を求め、同意した場合にtrueを返す。
type ConfirmFunc func(prompt string) bool

// DeletionPrompts はアカウント削除前に順に表示する2回の確認メッセージ。
var DeletionPrompts = [2]string{
	"Are you sure you want to permanently delete your account? This action cannot be undone.",
	"This will permanently delete all your data. Are you absolutely sure?",
}

// deletionOrder は削除するユーザーごとの行。アカウント本体より先に削除する。
var deletionOrder = []model.Table{model.TablePreferences, model.TableProfiles}

// DeleteAccount はuserIDのアカウントを削除する。
//
// confirmで2回の確認が取れた場合のみリモートを呼ぶ。ユーザーごとの行を削除してから
// アカウントの削除を依頼し、結果にかかわらずローカルではログアウトする。
// いずれかの段階で失敗した場合は、原因を含むACCOUNT_DELETION_FAILEDを返す。
func (s *Store) DeleteAccount(ctx context.Context, userID string, confirm ConfirmFunc) error {
	if _, err := s.requireUser(userID); err != nil {
		return err
	}
	if confirm == nil {
		return model.NewDeletionCancelledError()
	}
	for _, prompt := range DeletionPrompts {
		if !confirm(prompt) {
			return model.NewDeletionCancelledError()
		}
	}

	defer func() {
		s.signOutLocal()
		// 削除が成功していればサービス側のセッションは既に破棄されている
		if signOutErr := s.svc.SignOut(ctx); signOutErr != nil {
			s.logger.Debug("sign out after account deletion failed",
				slog.String("user_id", userID),
				slog.String("error", signOutErr.Error()),
			)
		}
	}()

	for _, table := range deletionOrder {
		if err := s.svc.DeleteRow(ctx, table, userID); err != nil {
			s.logger.Error("failed to delete user rows",
				slog.String("user_id", userID),
				slog.String("table", string(table)),
				slog.String("error", err.Error()),
			)
			return errors.Join(model.NewAccountDeletionError(), err)
		}
	}

	if err := s.svc.DeleteAccount(ctx, userID); err != nil {
		s.logger.Error("failed to delete account",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return errors.Join(model.NewAccountDeletionError(), err)
	}

	s.logger.Info("account deleted", slog.String("user_id", userID))
	return nil
}
