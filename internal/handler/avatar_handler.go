package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/zuptin/internal/model"
)

// AvatarServiceInterface はアバターハンドラーが必要とするサービスインターフェース。
type AvatarServiceInterface interface {
	Upload(ctx context.Context, userID string, data []byte) (map[string]any, error)
	Get(ctx context.Context, userID, name string) (*model.Avatar, error)
}

// AvatarHandler はプロフィール画像のHTTPハンドラー。
type AvatarHandler struct {
	service AvatarServiceInterface
}

// NewAvatarHandler はAvatarHandlerを生成する。
func NewAvatarHandler(service AvatarServiceInterface) *AvatarHandler {
	return &AvatarHandler{service: service}
}

// Upload はリクエストボディの画像をアバターとして保存し、更新後のプロフィール行を返す。
// PUT /storage/v1/avatars/{id}
func (h *AvatarHandler) Upload(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	if chi.URLParam(r, "id") != userID {
		handleServiceError(w, model.NewForbiddenError())
		return
	}

	// 上限を1バイト超えるまで読み、超過の判定はサービスに任せる
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, model.MaxAvatarSize+1))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			handleServiceError(w, model.NewFileTooLargeError())
			return
		}
		handleServiceError(w, model.NewValidationError(model.ErrCodeInvalidRequest, "Failed to read the uploaded file."))
		return
	}

	row, err := h.service.Upload(r.Context(), userID, data)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// Get はアバター画像を返す。置き換え済みの古い名前は404を返す。
// GET /storage/v1/avatars/{id}/{name}
func (h *AvatarHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.service.Get(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "name"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if a == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(a.Data)))
	// オブジェクト名はアップロードごとに変わるため、内容は変化しない
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d, immutable", 365*24*60*60))
	w.WriteHeader(http.StatusOK)
	w.Write(a.Data)
}
