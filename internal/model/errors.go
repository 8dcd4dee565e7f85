// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"strings"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
// サーバーはこの形式でJSONを返し、クライアントは同じ形式にデコードして呼び出し元へ返す。
type APIError struct {
	Code     string `json:"code"`     // エラーコード
	Message  string `json:"message"`  // エラーメッセージ
	Category string `json:"category"` // カテゴリ: validation, auth, persistence, transport, system
	Action   string `json:"action"`   // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// エラーカテゴリ
const (
	// CategoryValidation はリモート呼び出し前のローカル事前条件違反。リトライしない。
	CategoryValidation = "validation"
	// CategoryAuth は資格情報・トークンの拒否。呼び出し元が再入力を促す。
	CategoryAuth = "auth"
	// CategoryPersistence は行の取得・更新・削除の失敗。ローカルキャッシュは変更しない。
	CategoryPersistence = "persistence"
	// CategoryTransport はネットワーク・サービス不達。詳細は隠して汎用メッセージにする。
	CategoryTransport = "transport"
	// CategorySystem はサーバー内部エラー。
	CategorySystem = "system"
)

// 定義済みエラーコード
const (
	ErrCodeInvalidPassword      = "INVALID_PASSWORD"
	ErrCodeInvalidEmail         = "INVALID_EMAIL"
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeInvalidPlatform      = "INVALID_PLATFORM"
	ErrCodeInvalidFileType      = "INVALID_FILE_TYPE"
	ErrCodeFileTooLarge         = "FILE_TOO_LARGE"
	ErrCodeInvalidCredentials   = "INVALID_CREDENTIALS"
	ErrCodeEmailNotConfirmed    = "EMAIL_NOT_CONFIRMED"
	ErrCodeUserAlreadyExists    = "USER_ALREADY_EXISTS"
	ErrCodeInvalidToken         = "INVALID_TOKEN"
	ErrCodeSessionChanged       = "SESSION_CHANGED"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeForbidden            = "FORBIDDEN"
	ErrCodeUserNotFound         = "USER_NOT_FOUND"
	ErrCodeTableNotFound        = "TABLE_NOT_FOUND"
	ErrCodePlatformNotFound     = "PLATFORM_NOT_FOUND"
	ErrCodePersistenceFailed    = "PERSISTENCE_FAILED"
	ErrCodeServiceUnavailable   = "SERVICE_UNAVAILABLE"
	ErrCodeDeletionCancelled    = "DELETION_CANCELLED"
	ErrCodeAccountDeletionError = "ACCOUNT_DELETION_FAILED"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// NewValidationError はローカル検証エラーを生成する。
func NewValidationError(code, message string) *APIError {
	return &APIError{
		Code:     code,
		Message:  message,
		Category: CategoryValidation,
		Action:   "Please correct the highlighted fields and try again.",
	}
}

// NewPasswordPolicyError はパスワードポリシー違反エラーを生成する。
// failedは満たしていないルールの説明の一覧。
func NewPasswordPolicyError(failed []string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPassword,
		Message:  "Password must contain " + strings.Join(failed, ", ") + ".",
		Category: CategoryValidation,
		Action:   "Use at least 8 characters with upper and lower case letters, a number and one of !@#$%^&*.",
	}
}

// NewInvalidPlatformError は未知のプラットフォームIDが指定された場合のエラーを生成する。
func NewInvalidPlatformError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPlatform,
		Message:  fmt.Sprintf("Unknown platform: %s", id),
		Category: CategoryValidation,
		Action:   "Choose one of the listed grocery platforms.",
	}
}

// NewInvalidFileTypeError はアバターとして受け付けない形式のファイルのエラーを生成する。
func NewInvalidFileTypeError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFileType,
		Message:  "Please upload a JPEG, PNG, WebP, or GIF image.",
		Category: CategoryValidation,
		Action:   "Choose an image file and try again.",
	}
}

// NewFileTooLargeError はアバターの上限サイズを超えた場合のエラーを生成する。
func NewFileTooLargeError() *APIError {
	return &APIError{
		Code:     ErrCodeFileTooLarge,
		Message:  "Please upload an image smaller than 5MB.",
		Category: CategoryValidation,
		Action:   "Resize or compress the image and try again.",
	}
}

// NewAuthError はリモートが資格情報を拒否した場合のエラーを生成する。
// messageにはサービスが返したメッセージをそのまま渡す。
func NewAuthError(code, message string) *APIError {
	return &APIError{
		Code:     code,
		Message:  message,
		Category: CategoryAuth,
		Action:   "Please sign in again.",
	}
}

// NewInvalidCredentialsError はメールアドレスまたはパスワードが誤っている場合のエラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "Invalid login credentials",
		Category: CategoryAuth,
		Action:   "Check your email and password and try again.",
	}
}

// NewUnauthorizedError は認証が必要なリクエストにセッションがない場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Authentication required.",
		Category: CategoryAuth,
		Action:   "Please sign in.",
	}
}

// NewForbiddenError は他ユーザーの行へアクセスしようとした場合のエラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "You can only access your own records.",
		Category: CategoryAuth,
		Action:   "Sign in with the account that owns this record.",
	}
}

// NewSessionChangedError は処理中にセッションが切り替わり、結果を破棄した場合のエラーを生成する。
func NewSessionChangedError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionChanged,
		Message:  "Your session changed while the request was in progress.",
		Category: CategoryAuth,
		Action:   "Please sign in again.",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "User not found.",
		Category: CategoryAuth,
		Action:   "Please sign in again.",
	}
}

// NewPersistenceError は行の永続化に失敗した場合のエラーを生成する。
func NewPersistenceError(message string) *APIError {
	return &APIError{
		Code:     ErrCodePersistenceFailed,
		Message:  message,
		Category: CategoryPersistence,
		Action:   "Please try again.",
	}
}

// NewDeletionCancelledError はアカウント削除の確認が拒否された場合のエラーを生成する。
func NewDeletionCancelledError() *APIError {
	return &APIError{
		Code:     ErrCodeDeletionCancelled,
		Message:  "Account deletion was cancelled.",
		Category: CategoryValidation,
		Action:   "Your account has not been changed.",
	}
}

// NewAccountDeletionError はアカウント削除の途中で失敗した場合のエラーを生成する。
// ローカルのセッションは破棄済みのため、手動での後始末が必要な可能性を伝える。
func NewAccountDeletionError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountDeletionError,
		Message:  "Your account could not be fully deleted. You have been signed out.",
		Category: CategoryPersistence,
		Action:   "Sign in again and retry, or contact support to remove your remaining data.",
	}
}

// NewTransportError はサービスに到達できない場合の汎用エラーを生成する。
// 内部の詳細はメッセージに含めない。
func NewTransportError() *APIError {
	return &APIError{
		Code:     ErrCodeServiceUnavailable,
		Message:  "The service is temporarily unavailable.",
		Category: CategoryTransport,
		Action:   "Check your connection and try again in a moment.",
	}
}

// NewInternalError は内部サーバーエラーを生成する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "An internal error occurred.",
		Category: CategorySystem,
		Action:   "Please wait a moment and try again.",
	}
}

// CategoryOf はエラーチェーンに含まれるAPIErrorのカテゴリを返す。
// APIErrorを含まない場合は空文字列を返す。
func CategoryOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Category
	}
	return ""
}

// IsValidation はerrがValidationErrorかどうかを返す。
func IsValidation(err error) bool { return CategoryOf(err) == CategoryValidation }

// IsAuth はerrがAuthErrorかどうかを返す。
func IsAuth(err error) bool { return CategoryOf(err) == CategoryAuth }

// IsPersistence はerrがPersistenceErrorかどうかを返す。
func IsPersistence(err error) bool { return CategoryOf(err) == CategoryPersistence }

// IsTransport はerrがTransportErrorかどうかを返す。
func IsTransport(err error) bool { return CategoryOf(err) == CategoryTransport }
