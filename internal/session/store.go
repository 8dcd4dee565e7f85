// Package session はクライアント側の認証状態とプロフィールを管理するセッションストアを提供する。
//
// ストアは identity.Service のセッション変更通知を購読し、
// Initializing → Unauthenticated | Authenticated の状態遷移を発行順に適用する。
// 未認証への遷移ではプロフィールのキャッシュを同期的に破棄し、
// 遷移前に発行されたプロフィール取得の結果はTokenの不一致により破棄する。
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/zuptin/internal/config"
	"github.com/hitoshi/zuptin/internal/identity"
	"github.com/hitoshi/zuptin/internal/model"
)

// Store はプロセス内で唯一の認証状態を保持する。
// 状態の変更はストアのメソッドとセッション変更通知のみで行う。
//
// 購読者のコールバックは遷移ごとに同期的に呼ばれる。
// コールバック内でストアの遷移系メソッド（SignIn, SignOut等）を呼んではならない。
type Store struct {
	svc       identity.Service
	redirects config.Redirects
	logger    *slog.Logger
	validate  *validator.Validate
	now       func() time.Time

	// notifyMu は状態遷移と購読者への通知を直列化する。muより先に取得する。
	notifyMu sync.Mutex

	mu          sync.Mutex
	state       State
	epoch       uint64
	lastSeq     uint64
	started     bool
	closed      bool
	unsubscribe func()
	listeners   map[int]func(State)
	nextID      int

	fetches  singleflight.Group
	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

// NewStore はStoreの新しいインスタンスを生成する。状態はInitializingで始まる。
func NewStore(svc identity.Service, redirects config.Redirects, logger *slog.Logger) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		svc:       svc,
		redirects: redirects,
		logger:    logger,
		validate:  validator.New(),
		now:       time.Now,
		state:     State{Status: StatusInitializing, IsLoading: true},
		listeners: make(map[int]func(State)),
		bgCtx:     ctx,
		bgCancel:  cancel,
	}
}

// Start はセッション変更通知を購読し、初回のセッション確認を行う。
// 確認に失敗した場合はUnauthenticatedに遷移してエラーを返す。2回目以降の呼び出しは何もしない。
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	startSeq := s.lastSeq
	s.mu.Unlock()

	// 確認中に発生した通知を取りこぼさないよう、確認より先に購読する
	unsubscribe := s.svc.OnSessionChange(s.handleEvent)
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	sess, err := s.svc.GetSession(ctx)
	if err != nil {
		s.logger.Warn("initial session check failed", slog.String("error", err.Error()))
		s.commit(startSeq, nil)
		return fmt.Errorf("initial session check: %w", err)
	}
	if sess != nil {
		s.commit(startSeq, &sess.User)
	} else {
		s.commit(startSeq, nil)
	}
	return nil
}

// Close は購読を解除し、バックグラウンドのプロフィール取得の終了を待つ。
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.bgCancel()
	s.wg.Wait()
}

// Current は現在の状態のスナップショットを返す。
func (s *Store) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Token は現在のセッションを識別するTokenを返す。未ログインの場合UserIDは空になる。
func (s *Store) Token() Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Token{UserID: s.state.UserID, Epoch: s.epoch}
}

// Valid はtokがログイン中の現在のセッションを指しているかどうかを返す。
func (s *Store) Valid(tok Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validLocked(tok)
}

func (s *Store) validLocked(tok Token) bool {
	return s.state.Status == StatusAuthenticated && s.state.UserID == tok.UserID && s.epoch == tok.Epoch
}

// Subscribe は状態遷移の通知を購読する。戻り値の関数で購読を解除する。
func (s *Store) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// handleEvent はセッション変更通知を適用する。Seqが適用済みのもの以下の通知は破棄する。
func (s *Store) handleEvent(ev identity.Event) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if ev.Seq <= s.lastSeq {
		s.mu.Unlock()
		s.logger.Debug("stale session event dropped",
			slog.Uint64("seq", ev.Seq),
			slog.String("kind", string(ev.Kind)),
		)
		return
	}
	s.lastSeq = ev.Seq

	var changed bool
	var fetchFor string
	if ev.Authenticated() {
		changed, fetchFor = s.setAuthenticatedLocked(ev.Session.User)
	} else {
		changed = s.setUnauthenticatedLocked()
	}
	st := s.state.clone()
	s.mu.Unlock()

	s.logger.Debug("session event applied",
		slog.Uint64("seq", ev.Seq),
		slog.String("kind", string(ev.Kind)),
		slog.String("status", st.Status.String()),
	)
	if changed {
		s.notifyLocked(st)
	}
	if fetchFor != "" {
		s.prefetch(fetchFor)
	}
}

// commit は操作の結果を状態に反映する。userがnilの場合はUnauthenticatedに遷移する。
// startSeq以降に通知が適用されていれば、通知側が結果を反映済みとみなして何もしない。
func (s *Store) commit(startSeq uint64, user *identity.User) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.lastSeq != startSeq {
		s.mu.Unlock()
		return
	}
	var changed bool
	var fetchFor string
	if user != nil {
		changed, fetchFor = s.setAuthenticatedLocked(*user)
	} else {
		changed = s.setUnauthenticatedLocked()
	}
	st := s.state.clone()
	s.mu.Unlock()

	if changed {
		s.notifyLocked(st)
	}
	if fetchFor != "" {
		s.prefetch(fetchFor)
	}
}

// signOutLocal は通知の有無にかかわらずUnauthenticatedに遷移する。
func (s *Store) signOutLocal() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	changed := s.setUnauthenticatedLocked()
	st := s.state.clone()
	s.mu.Unlock()

	if changed {
		s.notifyLocked(st)
	}
}

// setAuthenticatedLocked はuserでログイン済み状態に遷移する。
// 別ユーザーへの切り替えではepochを進め、プロフィールを取得すべきユーザーIDを返す。
func (s *Store) setAuthenticatedLocked(user identity.User) (changed bool, fetchFor string) {
	if s.state.Status == StatusAuthenticated && s.state.UserID == user.ID {
		if s.state.Email == user.Email {
			return false, ""
		}
		s.state.Email = user.Email
		return true, ""
	}

	s.epoch++
	s.state = State{
		Status:    StatusAuthenticated,
		UserID:    user.ID,
		Email:     user.Email,
		CreatedAt: user.CreatedAt,
	}
	return true, user.ID
}

// setUnauthenticatedLocked は未ログイン状態に遷移し、プロフィールのキャッシュを破棄する。
func (s *Store) setUnauthenticatedLocked() bool {
	if s.state.Status == StatusUnauthenticated && s.state.Profile == nil {
		return false
	}
	s.epoch++
	s.state = State{Status: StatusUnauthenticated}
	return true
}

// notifyLocked は購読者へ状態を通知する。notifyMuを保持した状態で呼ぶ。
func (s *Store) notifyLocked(st State) {
	s.mu.Lock()
	fns := make([]func(State), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(st.clone())
	}
}

// prefetch はログイン直後のプロフィールをバックグラウンドで取得する。
func (s *Store) prefetch(userID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if _, err := s.FetchProfile(s.bgCtx, userID); err != nil {
			var apiErr *model.APIError
			if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeSessionChanged {
				return
			}
			s.logger.Warn("failed to fetch profile",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// requireUser はuserIDでログイン中であることを確認し、現在のTokenを返す。
func (s *Store) requireUser(userID string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Status != StatusAuthenticated {
		return Token{}, model.NewUnauthorizedError()
	}
	if s.state.UserID != userID {
		return Token{}, model.NewForbiddenError()
	}
	return Token{UserID: userID, Epoch: s.epoch}, nil
}

// seq は適用済みの通知の最大Seqを返す。
func (s *Store) seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}
