package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/zuptin/internal/model"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// DeleteAccount はトークン、セッション、設定、プロフィール、ユーザーの順に削除する。
	DeleteAccount(ctx context.Context, userID string) error
	// Export はユーザーのプロフィールと設定をまとめて返す。
	Export(ctx context.Context, userID string) (*model.UserExport, error)
}

// AccountDeletionRecorder はアカウント削除を記録する。metrics.Collectorが満たす。
type AccountDeletionRecorder interface {
	RecordAccountDeleted()
}

// UserHandler はアカウント管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
	events  AccountDeletionRecorder
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface, events AccountDeletionRecorder) *UserHandler {
	return &UserHandler{service: service, events: events}
}

// DeleteAccount はログイン中ユーザーのアカウントを削除する。
// DELETE /auth/v1/user
func (h *UserHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteAccount(r.Context(), userID); err != nil {
		handleServiceError(w, err)
		return
	}
	h.events.RecordAccountDeleted()
	w.WriteHeader(http.StatusNoContent)
}

// Export はユーザーデータをJSONファイルとして返す。
// GET /api/users/me/export
func (h *UserHandler) Export(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	data, err := h.service.Export(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="zuptin-export.json"`)
	writeJSON(w, http.StatusOK, data)
}
