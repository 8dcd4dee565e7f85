package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/zuptin/internal/model"
	"github.com/hitoshi/zuptin/internal/rows"
)

// RowServiceInterface は行ハンドラーが必要とするサービスインターフェース。
type RowServiceInterface interface {
	Get(ctx context.Context, table model.Table, userID string) (map[string]any, error)
	Upsert(ctx context.Context, table model.Table, userID string, fields map[string]any, res rows.Resolution) (map[string]any, error)
	Delete(ctx context.Context, table model.Table, userID string) error
}

// RowWriteRecorder は行の書き込みを記録する。metrics.Collectorが満たす。
type RowWriteRecorder interface {
	RecordRowWrite(table, resolution string)
}

// RowHandler はユーザーごとの行（profiles, user_preferences）のHTTPハンドラー。
// URLの{id}はログイン中のユーザーIDと一致しなければならない。
type RowHandler struct {
	service RowServiceInterface
	events  RowWriteRecorder
}

// NewRowHandler はRowHandlerを生成する。
func NewRowHandler(service RowServiceInterface, events RowWriteRecorder) *RowHandler {
	return &RowHandler{service: service, events: events}
}

// target はURLパラメータからテーブルと行のユーザーIDを取り出し、所有者を確認する。
func (h *RowHandler) target(w http.ResponseWriter, r *http.Request) (model.Table, string, bool) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return "", "", false
	}
	if chi.URLParam(r, "id") != userID {
		handleServiceError(w, model.NewForbiddenError())
		return "", "", false
	}
	return model.Table(chi.URLParam(r, "table")), userID, true
}

// Get は行を返す。存在しない場合はnullを返す。
// GET /rest/v1/{table}/{id}
func (h *RowHandler) Get(w http.ResponseWriter, r *http.Request) {
	table, userID, ok := h.target(w, r)
	if !ok {
		return
	}
	row, err := h.service.Get(r.Context(), table, userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// Upsert は行をUPSERTし、保存された行を返す。
// 競合時の動作はPreferヘッダーのresolution（merge-duplicates / ignore-duplicates）で指定する。
// POST /rest/v1/{table}/{id}
func (h *RowHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	table, userID, ok := h.target(w, r)
	if !ok {
		return
	}
	res, err := rows.ParseResolution(preference(r.Header.Get("Prefer"), "resolution"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	var fields map[string]any
	if !decodeJSON(w, r, &fields) {
		return
	}

	row, err := h.service.Upsert(r.Context(), table, userID, fields, res)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	h.events.RecordRowWrite(string(table), string(res))
	writeJSON(w, http.StatusOK, row)
}

// Delete は行を削除する。存在しない行の削除も204を返す。
// DELETE /rest/v1/{table}/{id}
func (h *RowHandler) Delete(w http.ResponseWriter, r *http.Request) {
	table, userID, ok := h.target(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), table, userID); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// preference はPreferヘッダー（カンマ区切りのkey=value）からkeyの値を取り出す。
func preference(header, key string) string {
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.EqualFold(strings.TrimSpace(k), key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
