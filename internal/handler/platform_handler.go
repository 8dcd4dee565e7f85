package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/zuptin/internal/platform"
)

// PlatformIconProvider はプラットフォームのアイコンを取得する。platform.IconProxyが満たす。
type PlatformIconProvider interface {
	Icon(ctx context.Context, id string) (*platform.Icon, error)
}

// PlatformHandler は配達プラットフォームのカタログとアイコンのHTTPハンドラー。
type PlatformHandler struct {
	icons PlatformIconProvider
}

// NewPlatformHandler はPlatformHandlerを生成する。
func NewPlatformHandler(icons PlatformIconProvider) *PlatformHandler {
	return &PlatformHandler{icons: icons}
}

// List はカタログ全体を掲載順で返す。
// GET /api/platforms
func (h *PlatformHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, platform.All())
}

// Icon はプラットフォームのアイコン画像を返す。取得できない場合は404を返す。
// GET /api/platforms/{id}/icon
func (h *PlatformHandler) Icon(w http.ResponseWriter, r *http.Request) {
	icon, err := h.icons.Icon(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if icon == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", icon.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(icon.Data)))
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", 24*60*60))
	w.WriteHeader(http.StatusOK)
	w.Write(icon.Data)
}
