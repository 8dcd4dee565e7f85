package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/hitoshi/zuptin/internal/config"
	"github.com/hitoshi/zuptin/internal/identity"
	"github.com/hitoshi/zuptin/internal/identity/identitytest"
	"github.com/hitoshi/zuptin/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testRedirects = config.Redirects{BaseURL: "https://zuptin.app"}

func newTestStore(t *testing.T) (*Store, *identitytest.Service) {
	t.Helper()
	svc := identitytest.New()
	var buf bytes.Buffer
	s := NewStore(svc, testRedirects, slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(s.Close)
	return s, svc
}

// waitFor はcondがtrueになるまで待つ。
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// signedInStore はログイン済みでプロフィール取得まで完了したストアを返す。
func signedInStore(t *testing.T) (*Store, *identitytest.Service, identity.User) {
	t.Helper()
	s, svc := newTestStore(t)
	u := svc.AddUser("alice@example.com", "Abcdef1!")
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := s.SignIn(context.Background(), "alice@example.com", "Abcdef1!"); err != nil {
		t.Fatalf("SignIn returned error: %v", err)
	}
	waitFor(t, func() bool { return s.Current().Profile != nil })
	return s, svc, u
}

func TestStore_InitialState_IsLoading(t *testing.T) {
	s, _ := newTestStore(t)

	st := s.Current()
	if st.Status != StatusInitializing || !st.IsLoading {
		t.Errorf("initial state = %+v, want Initializing with IsLoading", st)
	}
}

func TestStore_Start_NoSession_TransitionsToUnauthenticated(t *testing.T) {
	s, svc := newTestStore(t)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if diff := cmp.Diff(State{Status: StatusUnauthenticated}, s.Current()); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
	if svc.Subscribers() != 1 {
		t.Errorf("Subscribers = %d, want 1", svc.Subscribers())
	}
}

func TestStore_Start_ExistingSession_AuthenticatesAndCreatesProfile(t *testing.T) {
	s, svc := newTestStore(t)
	u := svc.AddUser("alice@example.com", "Abcdef1!")
	svc.SetSession(identitytest.SessionFor(u))

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	st := s.Current()
	if st.Status != StatusAuthenticated || st.UserID != u.ID || st.IsLoading {
		t.Fatalf("state = %+v, want Authenticated(%s)", st, u.ID)
	}

	waitFor(t, func() bool { return s.Current().Profile != nil })
	p := s.Current().Profile
	if p.UserID != u.ID {
		t.Errorf("Profile.UserID = %q, want %q", p.UserID, u.ID)
	}
	if p.FullName != nil || p.PhoneNumber != nil || p.AvatarURL != nil {
		t.Errorf("optional fields should be empty, got %+v", p)
	}
	if svc.Inserts(model.TableProfiles) != 1 {
		t.Errorf("profile inserts = %d, want 1", svc.Inserts(model.TableProfiles))
	}
}

func TestStore_Start_CheckFails_TransitionsToUnauthenticated(t *testing.T) {
	svc := &failingSessionService{Service: identitytest.New()}
	var buf bytes.Buffer
	s := NewStore(svc, testRedirects, slog.New(slog.NewJSONHandler(&buf, nil)))
	defer s.Close()

	if err := s.Start(context.Background()); !model.IsTransport(err) {
		t.Errorf("expected TransportError, got %v", err)
	}
	if st := s.Current(); st.Status != StatusUnauthenticated || st.IsLoading {
		t.Errorf("state = %+v, want Unauthenticated", st)
	}
}

type failingSessionService struct {
	*identitytest.Service
}

func (f *failingSessionService) GetSession(context.Context) (*identity.Session, error) {
	return nil, model.NewTransportError()
}

func TestStore_Close_Unsubscribes(t *testing.T) {
	s, svc := newTestStore(t)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	s.Close()
	s.Close()

	if svc.Subscribers() != 0 {
		t.Errorf("Subscribers = %d after Close, want 0", svc.Subscribers())
	}
}

func TestStore_SignUp_RejectsWeakPasswordBeforeRemoteCall(t *testing.T) {
	s, svc := newTestStore(t)

	for _, pw := range []string{"short1!", "alllower1!", "ALLUPPER1!", "NoDigits!!", "NoSymbol11", "Abcdefg1?"} {
		_, err := s.SignUp(context.Background(), SignUpInput{Email: "alice@example.com", Password: pw})
		if !model.IsValidation(err) {
			t.Errorf("SignUp(%q): expected ValidationError, got %v", pw, err)
		}
	}
	if svc.Calls("SignUp") != 0 {
		t.Errorf("SignUp calls = %d, want 0", svc.Calls("SignUp"))
	}
}

func TestStore_SignUp_RejectsMalformedEmail(t *testing.T) {
	s, svc := newTestStore(t)

	_, err := s.SignUp(context.Background(), SignUpInput{Email: "not-an-email", Password: "Abcdef1!"})
	if !model.IsValidation(err) {
		t.Errorf("expected ValidationError, got %v", err)
	}
	if svc.Calls("SignUp") != 0 {
		t.Error("remote must not be called for a malformed email")
	}
}

func TestStore_SignUp_SessionIssued_Authenticates(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	outcome, err := s.SignUp(context.Background(), SignUpInput{
		Email: "alice@example.com", Password: "Abcdef1!", FullName: "Alice", PhoneNumber: "9999999999",
	})
	if err != nil {
		t.Fatalf("SignUp returned error: %v", err)
	}
	if outcome != SignUpSignedIn {
		t.Errorf("outcome = %v, want %v", outcome, SignUpSignedIn)
	}
	if st := s.Current(); st.Status != StatusAuthenticated || st.Email != "alice@example.com" {
		t.Errorf("state = %+v, want Authenticated", st)
	}
}

func TestStore_SignUp_ConfirmationRequired_StaysUnauthenticated(t *testing.T) {
	s, svc := newTestStore(t)
	svc.RequireConfirmation = true
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	outcome, err := s.SignUp(context.Background(), SignUpInput{Email: "alice@example.com", Password: "Abcdef1!"})
	if err != nil {
		t.Fatalf("SignUp returned error: %v", err)
	}
	if outcome != SignUpConfirmationRequired {
		t.Errorf("outcome = %v, want %v", outcome, SignUpConfirmationRequired)
	}
	if st := s.Current(); st.Status != StatusUnauthenticated {
		t.Errorf("state = %+v, want Unauthenticated", st)
	}
}

func TestStore_ConfirmEmail_Authenticates(t *testing.T) {
	s, svc := newTestStore(t)
	svc.RequireConfirmation = true
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if _, err := s.SignUp(context.Background(), SignUpInput{Email: "alice@example.com", Password: "Abcdef1!"}); err != nil {
		t.Fatalf("SignUp returned error: %v", err)
	}

	if err := s.ConfirmEmail(context.Background(), "bogus"); !model.IsAuth(err) {
		t.Errorf("expected AuthError for unknown token, got %v", err)
	}

	tok := svc.IssueToken("alice@example.com")
	if err := s.ConfirmEmail(context.Background(), tok); err != nil {
		t.Fatalf("ConfirmEmail returned error: %v", err)
	}
	if !s.Current().Authenticated() {
		t.Error("expected Authenticated after email confirmation")
	}
}

func TestStore_SignIn_InvalidCredentials_ReturnsServiceMessage(t *testing.T) {
	s, svc := newTestStore(t)
	svc.AddUser("alice@example.com", "Abcdef1!")
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	err := s.SignIn(context.Background(), "alice@example.com", "wrong")
	if !model.IsAuth(err) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if !strings.Contains(err.Error(), "Invalid login credentials") {
		t.Errorf("error %q should carry the service message", err.Error())
	}
	if s.Current().Authenticated() {
		t.Error("state must stay Unauthenticated")
	}
}

func TestStore_SignOut_IsIdempotent(t *testing.T) {
	s, _, _ := signedInStore(t)

	for i := 0; i < 2; i++ {
		if err := s.SignOut(context.Background()); err != nil {
			t.Fatalf("SignOut #%d returned error: %v", i+1, err)
		}
		if diff := cmp.Diff(State{Status: StatusUnauthenticated}, s.Current()); diff != "" {
			t.Errorf("SignOut #%d state mismatch (-want +got):\n%s", i+1, diff)
		}
	}
}

func TestStore_SignOut_RemoteFailure_StillUnauthenticated(t *testing.T) {
	s, svc, _ := signedInStore(t)
	svc.SignOutFn = func(context.Context) error { return model.NewTransportError() }

	err := s.SignOut(context.Background())
	if !model.IsTransport(err) {
		t.Errorf("expected remote failure to be reported, got %v", err)
	}
	if diff := cmp.Diff(State{Status: StatusUnauthenticated}, s.Current()); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_Subscribe_ReceivesTransitions(t *testing.T) {
	s, svc := newTestStore(t)
	svc.AddUser("alice@example.com", "Abcdef1!")

	var mu sync.Mutex
	var statuses []Status
	unsubscribe := s.Subscribe(func(st State) {
		mu.Lock()
		statuses = append(statuses, st.Status)
		mu.Unlock()
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := s.SignIn(context.Background(), "alice@example.com", "Abcdef1!"); err != nil {
		t.Fatalf("SignIn returned error: %v", err)
	}
	waitFor(t, func() bool { return s.Current().Profile != nil })
	unsubscribe()
	if err := s.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut returned error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []Status{StatusUnauthenticated, StatusAuthenticated, StatusAuthenticated}
	if diff := cmp.Diff(want, statuses); diff != "" {
		t.Errorf("notified statuses mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_HandleEvent_DropsOlderSequence(t *testing.T) {
	s, svc := newTestStore(t)
	u := svc.AddUser("alice@example.com", "Abcdef1!")
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	signedIn := svc.Emit(identity.EventSignedIn, identitytest.SessionFor(u))
	svc.Emit(identity.EventSignedOut, nil)

	// 古い認証済み通知が遅れて届いても、新しい未認証状態を上書きしない
	s.handleEvent(signedIn)

	if st := s.Current(); st.Status != StatusUnauthenticated {
		t.Errorf("state = %+v, want Unauthenticated", st)
	}
}

func TestStore_SessionExpiredEvent_ClearsProfile(t *testing.T) {
	s, svc, _ := signedInStore(t)

	svc.Emit(identity.EventSessionExpired, nil)

	if diff := cmp.Diff(State{Status: StatusUnauthenticated}, s.Current()); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
}

func TestStore_FetchProfile_ConcurrentCallsCreateOneRow(t *testing.T) {
	s, svc := newTestStore(t)
	u := svc.AddUser("bob@example.com", "Abcdef1!")
	svc.Silent = true
	svc.SetSession(identitytest.SessionFor(u))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.FetchProfile(context.Background(), u.ID)
			if err == nil && p.UserID != u.ID {
				err = errors.New("profile belongs to another user")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("FetchProfile returned error: %v", err)
		}
	}
	if n := svc.Inserts(model.TableProfiles); n != 1 {
		t.Errorf("profile inserts = %d, want 1", n)
	}
}

func TestStore_FetchProfile_ResultDiscardedAfterSignOut(t *testing.T) {
	s, svc := newTestStore(t)
	u := svc.AddUser("alice@example.com", "Abcdef1!")
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	svc.GetRowFn = func(ctx context.Context, table model.Table, userID string) (identity.Row, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
		return identity.Row{"user_id": userID, "full_name": "Alice"}, nil
	}

	// サインインでプロフィール取得が始まり、GetRowで停止する
	if err := s.SignIn(context.Background(), "alice@example.com", "Abcdef1!"); err != nil {
		t.Fatalf("SignIn returned error: %v", err)
	}
	<-entered
	tok := s.Token()

	if err := s.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut returned error: %v", err)
	}
	close(gate)
	s.Close() // バックグラウンドの取得の完了を待つ

	if diff := cmp.Diff(State{Status: StatusUnauthenticated}, s.Current()); diff != "" {
		t.Errorf("profile must not repopulate after sign-out (-want +got):\n%s", diff)
	}
	if s.Valid(tok) {
		t.Error("token issued before sign-out must be stale")
	}

	// 同じユーザーで再ログインしてもepochが異なるため古い結果は反映されない
	if err := s.SignIn(context.Background(), "alice@example.com", "Abcdef1!"); err != nil {
		t.Fatalf("SignIn returned error: %v", err)
	}
	name := "Alice"
	err := s.storeProfile(tok, &model.Profile{UserID: u.ID, FullName: &name})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeSessionChanged {
		t.Errorf("expected SESSION_CHANGED, got %v", err)
	}
	if s.Current().Profile != nil {
		t.Error("stale profile must not be cached")
	}
}

func TestStore_FetchProfile_CallerCancellationDoesNotAbortSharedLoad(t *testing.T) {
	s, svc, u := signedInStore(t)

	gate := make(chan struct{})
	entered := make(chan struct{})
	loadErr := make(chan error, 1)
	svc.GetRowFn = func(ctx context.Context, _ model.Table, userID string) (identity.Row, error) {
		close(entered)
		<-gate
		loadErr <- ctx.Err()
		return identity.Row{"user_id": userID, "full_name": "Alice"}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := s.FetchProfile(ctx, u.ID)
		errc <- err
	}()

	<-entered
	cancel()
	close(gate)

	if err := <-loadErr; err != nil {
		t.Errorf("shared load saw the first caller's cancellation: %v", err)
	}
	if err := <-errc; err != nil {
		t.Errorf("FetchProfile returned error: %v", err)
	}
}

func TestStore_FetchProfile_RequiresMatchingSession(t *testing.T) {
	s, _, _ := signedInStore(t)

	if _, err := s.FetchProfile(context.Background(), "someone-else"); !model.IsAuth(err) {
		t.Errorf("expected AuthError, got %v", err)
	}
}

func TestStore_UpdateProfile_RoundTrip(t *testing.T) {
	s, _, u := signedInStore(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	name := "Alice"
	updated, err := s.UpdateProfile(context.Background(), u.ID, model.ProfileUpdate{FullName: &name})
	if err != nil {
		t.Fatalf("UpdateProfile returned error: %v", err)
	}
	if !updated.UpdatedAt.Equal(fixed) {
		t.Errorf("UpdatedAt = %v, want %v", updated.UpdatedAt, fixed)
	}

	got, err := s.FetchProfile(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("FetchProfile returned error: %v", err)
	}
	if got.FullName == nil || *got.FullName != "Alice" {
		t.Errorf("FullName = %v, want Alice", got.FullName)
	}
	if cached := s.Current().Profile; cached == nil || *cached.FullName != "Alice" {
		t.Errorf("cached profile = %+v, want FullName Alice", cached)
	}
}

func TestStore_UpdateProfile_FailureLeavesCacheUnchanged(t *testing.T) {
	s, svc, u := signedInStore(t)
	before := s.Current().Profile

	svc.UpsertRowFn = func(context.Context, model.Table, string, identity.Row, identity.UpsertOptions) (identity.Row, error) {
		return nil, errors.New("connection reset")
	}
	name := "Mallory"
	_, err := s.UpdateProfile(context.Background(), u.ID, model.ProfileUpdate{FullName: &name})
	if !model.IsPersistence(err) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if diff := cmp.Diff(before, s.Current().Profile); diff != "" {
		t.Errorf("cached profile changed (-want +got):\n%s", diff)
	}
}

func TestStore_UpdateProfile_EmptyUpdate_ReturnsValidationError(t *testing.T) {
	s, svc, u := signedInStore(t)
	before := svc.Calls("UpsertRow")

	if _, err := s.UpdateProfile(context.Background(), u.ID, model.ProfileUpdate{}); !model.IsValidation(err) {
		t.Errorf("expected ValidationError, got %v", err)
	}
	if svc.Calls("UpsertRow") != before {
		t.Error("remote must not be called for an empty update")
	}
}

func TestStore_RequestPasswordReset(t *testing.T) {
	s, svc := newTestStore(t)

	var redirect string
	svc.ResetFn = func(_ context.Context, _ string, redirectURL string) error {
		redirect = redirectURL
		return model.NewAuthError(model.ErrCodeUserNotFound, "User not found")
	}
	// アカウントの有無を漏らさない
	if err := s.RequestPasswordReset(context.Background(), "nobody@example.com"); err != nil {
		t.Errorf("expected generic success, got %v", err)
	}
	if redirect != "https://zuptin.app/reset-password" {
		t.Errorf("redirect = %q", redirect)
	}

	svc.ResetFn = func(context.Context, string, string) error { return model.NewTransportError() }
	if err := s.RequestPasswordReset(context.Background(), "alice@example.com"); !model.IsTransport(err) {
		t.Errorf("expected TransportError, got %v", err)
	}
}

func TestStore_ConfirmPasswordReset(t *testing.T) {
	s, svc := newTestStore(t)
	svc.AddUser("alice@example.com", "Abcdef1!")
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	tok := svc.IssueToken("alice@example.com")

	if err := s.ConfirmPasswordReset(context.Background(), tok, "weak"); !model.IsValidation(err) {
		t.Errorf("expected ValidationError, got %v", err)
	}
	if svc.Calls("ConfirmPasswordReset") != 0 {
		t.Error("remote must not be called for a weak password")
	}

	if err := s.ConfirmPasswordReset(context.Background(), tok, "NewPass1@"); err != nil {
		t.Fatalf("ConfirmPasswordReset returned error: %v", err)
	}
	if s.Current().Authenticated() {
		t.Error("password reset must not sign the user in")
	}
	if err := s.SignIn(context.Background(), "alice@example.com", "NewPass1@"); err != nil {
		t.Errorf("SignIn with new password returned error: %v", err)
	}
}

func TestStore_UpdateEmailAndChangePassword(t *testing.T) {
	s, _, _ := signedInStore(t)

	if err := s.UpdateEmail(context.Background(), "alice@new.example.com"); err != nil {
		t.Fatalf("UpdateEmail returned error: %v", err)
	}
	if got := s.Current().Email; got != "alice@new.example.com" {
		t.Errorf("Email = %q, want alice@new.example.com", got)
	}

	if err := s.ChangePassword(context.Background(), "weak"); !model.IsValidation(err) {
		t.Errorf("expected ValidationError, got %v", err)
	}
	if err := s.ChangePassword(context.Background(), "Changed1#"); err != nil {
		t.Fatalf("ChangePassword returned error: %v", err)
	}
	if err := s.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut returned error: %v", err)
	}
	if err := s.SignIn(context.Background(), "alice@new.example.com", "Changed1#"); err != nil {
		t.Errorf("SignIn with new credentials returned error: %v", err)
	}
}

func TestStore_UpdateEmail_RequiresSession(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.UpdateEmail(context.Background(), "alice@example.com"); !model.IsAuth(err) {
		t.Errorf("expected AuthError, got %v", err)
	}
}
