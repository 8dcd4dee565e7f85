package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/zuptin/internal/contact"
)

// ContactSubmitter は問い合わせを受け付ける。contact.Serviceが満たす。
type ContactSubmitter interface {
	Submit(ctx context.Context, in contact.Submission) error
}

// ContactHandler は問い合わせフォームのHTTPハンドラー。
type ContactHandler struct {
	service ContactSubmitter
}

// NewContactHandler はContactHandlerを生成する。
func NewContactHandler(service ContactSubmitter) *ContactHandler {
	return &ContactHandler{service: service}
}

// Submit は問い合わせを受け付ける。
// POST /api/contact
func (h *ContactHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req contact.Submission
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.service.Submit(r.Context(), req); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
