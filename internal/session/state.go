package session

import (
	"time"

	"github.com/hitoshi/zuptin/internal/model"
)

// Status は認証状態。
type Status int

const (
	// StatusInitializing は初回のセッション確認中。
	StatusInitializing Status = iota
	// StatusUnauthenticated は未ログイン。
	StatusUnauthenticated
	// StatusAuthenticated はログイン済み。
	StatusAuthenticated
)

// String はログ出力用の状態名を返す。
func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusUnauthenticated:
		return "unauthenticated"
	case StatusAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// State はストアが公開する現在の認証状態のスナップショット。
// ProfileはStatusAuthenticatedの場合のみ設定され、Profile.UserIDは常にUserIDと一致する。
type State struct {
	Status    Status
	UserID    string
	Email     string
	CreatedAt time.Time
	Profile   *model.Profile
	// IsLoading は初回のセッション確認中のみtrueになる。
	IsLoading bool
}

// Authenticated はログイン済みかどうかを返す。
func (s State) Authenticated() bool {
	return s.Status == StatusAuthenticated
}

func (s State) clone() State {
	if s.Profile != nil {
		p := *s.Profile
		s.Profile = &p
	}
	return s
}

// Token は非同期処理の発行時点のセッションを識別する。
// 結果の反映時にストアの現在のTokenと一致しない場合、その結果は破棄する。
type Token struct {
	UserID string
	Epoch  uint64
}
