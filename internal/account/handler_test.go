package account_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/gatehouse-auth/gatehouse/internal/account"
	"github.com/gatehouse-auth/gatehouse/internal/auth"
	"github.com/gatehouse-auth/gatehouse/internal/shared"
	"github.com/gatehouse-auth/gatehouse/internal/token"
	"github.com/gatehouse-auth/gatehouse/internal/view"
	_ "github.com/gatehouse-auth/gatehouse/testing"
)

// stubRepo serves a single active user, enough for the account area.
type stubRepo struct {
	user     auth.User
	sessions map[string]int64
}

func newStubRepo(password string) *stubRepo {
	hash, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	return &stubRepo{
		user: auth.User{
			ID:           1,
			Email:        "a@example.com",
			Username:     "alice",
			PasswordHash: string(hash),
			IsActive:     true,
		},
		sessions: make(map[string]int64),
	}
}

func (s *stubRepo) CreateUser(ctx context.Context, email, username, passwordHash string) (*auth.User, error) {
	return nil, shared.ErrEmailTaken
}

func (s *stubRepo) FindByID(ctx context.Context, id int64) (*auth.User, error) {
	if id != s.user.ID {
		return nil, shared.ErrNotFound
	}
	clone := s.user
	return &clone, nil
}

func (s *stubRepo) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	if email != s.user.Email {
		return nil, shared.ErrNotFound
	}
	clone := s.user
	return &clone, nil
}

func (s *stubRepo) Activate(ctx context.Context, id int64) error { return shared.ErrNotFound }

func (s *stubRepo) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	s.user.PasswordHash = passwordHash
	return nil
}

func (s *stubRepo) CreateSession(ctx context.Context, id string, userID int64, expiresAt time.Time, ip, ua string) error {
	s.sessions[id] = userID
	return nil
}

func (s *stubRepo) DeleteSession(ctx context.Context, id string) error {
	delete(s.sessions, id)
	return nil
}

func (s *stubRepo) DeleteUserSessions(ctx context.Context, userID int64, keepID string) ([]string, error) {
	var ids []string
	for id := range s.sessions {
		if id != keepID {
			delete(s.sessions, id)
			ids = append(ids, id)
		}
	}
	return ids, nil
}

type fixture struct {
	handler  *account.Handler
	repo     *stubRepo
	sessions *shared.SessionManager
}

func newFixture(t *testing.T, password string) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sessions := shared.NewSessionManager(client, "gatehouse_session", "secret", 720*time.Hour, 12*time.Hour, false)
	csrf := shared.NewCSRFManager("csrfsecret")

	templates, err := view.NewEngine()
	require.NoError(t, err)

	activation, err := token.NewEngine(token.Config{Secret: []byte("secret"), Purpose: token.PurposeActivation})
	require.NoError(t, err)
	reset, err := token.NewEngine(token.Config{Secret: []byte("secret"), Purpose: token.PurposeReset})
	require.NoError(t, err)

	repo := newStubRepo(password)
	svc := auth.NewService(auth.ServiceConfig{Repo: repo, Activation: activation, Reset: reset, Mailer: nopMailer{}})

	return &fixture{
		handler:  account.NewHandler(nil, svc, templates, sessions, csrf),
		repo:     repo,
		sessions: sessions,
	}
}

type nopMailer struct{}

func (nopMailer) SendActivation(ctx context.Context, user *auth.User, ref, tok string) error {
	return nil
}

func (nopMailer) SendPasswordReset(ctx context.Context, user *auth.User, ref, tok string) error {
	return nil
}

func (f *fixture) loggedInRequest(t *testing.T, method, path string, values url.Values) (*http.Request, *shared.Session) {
	t.Helper()
	var req *http.Request
	if values != nil {
		req = httptest.NewRequest(method, path, strings.NewReader(values.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	sess, err := f.sessions.Load(req.Context(), req)
	require.NoError(t, err)
	sess.SetUser("1")
	return req.WithContext(shared.ContextWithSession(req.Context(), sess)), sess
}

func TestPasswordChangeSuccess(t *testing.T) {
	f := newFixture(t, "correcthorse")
	f.repo.sessions["current"] = 1
	f.repo.sessions["other"] = 1

	req, sess := f.loggedInRequest(t, http.MethodPost, "/account/password", url.Values{
		"current_password": {"correcthorse"},
		"password":         {"newpassword1"},
		"password_confirm": {"newpassword1"},
	})
	// The request session must match one of the stored records.
	sess.ID = "current"

	rr := httptest.NewRecorder()
	f.handler.HandlePasswordChangeForTest(rr, req)

	require.Equal(t, http.StatusSeeOther, rr.Code)
	require.Equal(t, "/account", rr.Header().Get("Location"))

	// The new hash is stored and other sessions are revoked.
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(f.repo.user.PasswordHash), []byte("newpassword1")))
	_, kept := f.repo.sessions["current"]
	require.True(t, kept)
	_, other := f.repo.sessions["other"]
	require.False(t, other)
}

func TestPasswordChangeWrongCurrent(t *testing.T) {
	f := newFixture(t, "correcthorse")

	req, _ := f.loggedInRequest(t, http.MethodPost, "/account/password", url.Values{
		"current_password": {"wrongcurrent"},
		"password":         {"newpassword1"},
		"password_confirm": {"newpassword1"},
	})
	rr := httptest.NewRecorder()
	f.handler.HandlePasswordChangeForTest(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "Current password is incorrect")
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(f.repo.user.PasswordHash), []byte("correcthorse")))
}

func TestPasswordChangeMustDiffer(t *testing.T) {
	f := newFixture(t, "correcthorse")

	req, _ := f.loggedInRequest(t, http.MethodPost, "/account/password", url.Values{
		"current_password": {"correcthorse"},
		"password":         {"correcthorse"},
		"password_confirm": {"correcthorse"},
	})
	rr := httptest.NewRecorder()
	f.handler.HandlePasswordChangeForTest(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(f.repo.user.PasswordHash), []byte("correcthorse")))
}
