package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/hitoshi/zuptin/internal/middleware"
	"github.com/hitoshi/zuptin/internal/model"
)

// maxRequestBody はJSONリクエストボディの最大サイズ（1MB）。
const maxRequestBody = 1 << 20

// writeJSON はvをJSONで書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON はリクエストボディをdstにデコードする。
// 解析に失敗した場合は統一フォーマットの400を書き込み、falseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil {
		msg := "Failed to parse the request body."
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			msg = "Request body is too large."
		} else if errors.Is(err, io.EOF) {
			msg = "Request body is empty."
		}
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError(model.ErrCodeInvalidRequest, msg))
		return false
	}
	return true
}

// handleServiceError はサービス層から返されたエラーを統一フォーマットで書き込む。
func handleServiceError(w http.ResponseWriter, err error) {
	middleware.WriteError(w, err)
}

// requireUserID はセッションミドルウェアが注入したユーザーIDを返す。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, model.NewUnauthorizedError())
		return "", false
	}
	return userID, true
}

// outcome はエラーの有無をメトリクスの結果ラベルに変換する。
func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
