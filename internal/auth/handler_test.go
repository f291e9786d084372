package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-auth/gatehouse/internal/auth"
	"github.com/gatehouse-auth/gatehouse/internal/shared"
	"github.com/gatehouse-auth/gatehouse/internal/token"
	"github.com/gatehouse-auth/gatehouse/internal/view"
)

type handlerFixture struct {
	handler  *auth.Handler
	service  *auth.Service
	repo     *memRepo
	mailer   *capturingMailer
	sessions *shared.SessionManager
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sessions := shared.NewSessionManager(client, "gatehouse_session", "session-secret", 720*time.Hour, 12*time.Hour, false)
	csrf := shared.NewCSRFManager("csrf-secret")

	templates, err := view.NewEngine()
	require.NoError(t, err)

	activation, err := token.NewEngine(token.Config{Secret: []byte("secret"), Purpose: token.PurposeActivation})
	require.NoError(t, err)
	reset, err := token.NewEngine(token.Config{Secret: []byte("secret"), Purpose: token.PurposeReset})
	require.NoError(t, err)

	repo := newMemRepo()
	mailer := &capturingMailer{}
	svc := auth.NewService(auth.ServiceConfig{
		Repo:       repo,
		Activation: activation,
		Reset:      reset,
		Mailer:     mailer,
		Sessions:   sessions,
	})

	return &handlerFixture{
		handler:  auth.NewHandler(nil, svc, templates, sessions, csrf),
		service:  svc,
		repo:     repo,
		mailer:   mailer,
		sessions: sessions,
	}
}

// withSession attaches a fresh session the way the app middleware does.
func (f *handlerFixture) withSession(t *testing.T, r *http.Request) (*http.Request, *shared.Session) {
	t.Helper()
	sess, err := f.sessions.Load(r.Context(), r)
	require.NoError(t, err)
	return r.WithContext(shared.ContextWithSession(r.Context(), sess)), sess
}

// activeUser registers and activates an account for login tests.
func (f *handlerFixture) activeUser(t *testing.T, email, password string) *auth.User {
	t.Helper()
	_, err := f.service.Register(context.Background(), email, "tester", password)
	require.NoError(t, err)
	user, err := f.service.VerifyActivation(context.Background(), f.mailer.lastRef, f.mailer.lastTok)
	require.NoError(t, err)
	return user
}

func newAuthRouter(f *handlerFixture) chi.Router {
	r := chi.NewRouter()
	r.Route("/auth", f.handler.MountRoutes)
	return r
}

func formRequest(path string, values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestShowLoginRendersForm(t *testing.T) {
	f := newHandlerFixture(t)

	req, _ := f.withSession(t, httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	rr := httptest.NewRecorder()
	f.handler.ShowLoginForTest(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `name="csrf_token"`)
	require.Contains(t, rr.Body.String(), "Remember me")
}

func TestHandleLoginInvalidCredentials(t *testing.T) {
	f := newHandlerFixture(t)
	f.activeUser(t, "a@example.com", "correcthorse")

	req, _ := f.withSession(t, formRequest("/auth/login", url.Values{
		"email":    {"a@example.com"},
		"password": {"wrongpassword"},
	}))
	rr := httptest.NewRecorder()
	f.handler.HandleLoginForTest(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "Invalid email or password")
}

func TestHandleLoginSuccess(t *testing.T) {
	f := newHandlerFixture(t)
	user := f.activeUser(t, "a@example.com", "correcthorse")

	req, sess := f.withSession(t, formRequest("/auth/login", url.Values{
		"email":    {"a@example.com"},
		"password": {"correcthorse"},
		"remember": {"on"},
	}))
	rr := httptest.NewRecorder()
	f.handler.HandleLoginForTest(rr, req)

	require.Equal(t, http.StatusSeeOther, rr.Code)
	require.Equal(t, "/", rr.Header().Get("Location"))
	require.Equal(t, "1", sess.User())
	require.True(t, sess.Persistent())

	// Login also records the session server side for later revocation.
	require.Equal(t, user.ID, f.repo.sessions[sess.ID])
}

func TestHandleLoginRotatesSessionID(t *testing.T) {
	f := newHandlerFixture(t)
	f.activeUser(t, "a@example.com", "correcthorse")

	req, sess := f.withSession(t, formRequest("/auth/login", url.Values{
		"email":    {"a@example.com"},
		"password": {"correcthorse"},
	}))
	before := sess.ID
	rr := httptest.NewRecorder()
	f.handler.HandleLoginForTest(rr, req)

	require.Equal(t, http.StatusSeeOther, rr.Code)
	require.NotEqual(t, before, sess.ID)
	require.False(t, sess.Persistent())
}

func TestHandleRegisterValidationErrors(t *testing.T) {
	f := newHandlerFixture(t)

	req, _ := f.withSession(t, formRequest("/auth/register", url.Values{
		"email":            {"not-an-email"},
		"username":         {"ab"},
		"password":         {"short"},
		"password_confirm": {"different"},
	}))
	rr := httptest.NewRecorder()
	f.handler.HandleRegisterForTest(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Empty(t, f.repo.users)
}

func TestHandleRegisterSuccessRedirects(t *testing.T) {
	f := newHandlerFixture(t)

	req, _ := f.withSession(t, formRequest("/auth/register", url.Values{
		"email":            {"new@example.com"},
		"username":         {"newuser"},
		"password":         {"correcthorse"},
		"password_confirm": {"correcthorse"},
	}))
	rr := httptest.NewRecorder()
	f.handler.HandleRegisterForTest(rr, req)

	require.Equal(t, http.StatusSeeOther, rr.Code)
	require.Equal(t, "/auth/register/done", rr.Header().Get("Location"))
	require.Equal(t, 1, f.mailer.activations)
}

func TestVerifyRouteActivatesAccount(t *testing.T) {
	f := newHandlerFixture(t)
	user, err := f.service.Register(context.Background(), "a@example.com", "alice", "correcthorse")
	require.NoError(t, err)

	router := newAuthRouter(f)

	rr := httptest.NewRecorder()
	req, _ := f.withSession(t, httptest.NewRequest(http.MethodGet, "/auth/verify/"+f.mailer.lastRef+"/"+f.mailer.lastTok, nil))
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "has been verified")

	stored, err := f.repo.FindByID(context.Background(), user.ID)
	require.NoError(t, err)
	require.True(t, stored.IsActive)

	// Clicking the same link again must fail with the generic message.
	rr = httptest.NewRecorder()
	req, _ = f.withSession(t, httptest.NewRequest(http.MethodGet, "/auth/verify/"+f.mailer.lastRef+"/"+f.mailer.lastTok, nil))
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "This link is invalid or has expired.")
}

func TestVerifyRouteGarbageLink(t *testing.T) {
	f := newHandlerFixture(t)
	router := newAuthRouter(f)

	rr := httptest.NewRecorder()
	req, _ := f.withSession(t, httptest.NewRequest(http.MethodGet, "/auth/verify/%21%21/nonsense", nil))
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "This link is invalid or has expired.")
}

func TestResetConfirmRoute(t *testing.T) {
	f := newHandlerFixture(t)
	f.activeUser(t, "a@example.com", "correcthorse")
	f.service.RequestPasswordReset(context.Background(), "a@example.com")
	require.Equal(t, 1, f.mailer.resets)

	router := newAuthRouter(f)
	path := "/auth/password/reset/confirm/" + f.mailer.lastRef + "/" + f.mailer.lastTok

	rr := httptest.NewRecorder()
	req, _ := f.withSession(t, httptest.NewRequest(http.MethodGet, path, nil))
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "new password")

	rr = httptest.NewRecorder()
	req, _ = f.withSession(t, formRequest(path, url.Values{
		"password":         {"brandnewpass1"},
		"password_confirm": {"brandnewpass1"},
	}))
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusSeeOther, rr.Code)
	require.Equal(t, "/auth/password/reset/done", rr.Header().Get("Location"))

	_, err := f.service.Authenticate(context.Background(), "a@example.com", "brandnewpass1")
	require.NoError(t, err)
}

func TestHandleLoginShortPasswordNotRejectedByPolicy(t *testing.T) {
	// Length policy belongs to registration; at login a short password must
	// go through credential checking and fail like any other wrong password.
	f := newHandlerFixture(t)
	f.activeUser(t, "a@example.com", "correcthorse")

	req, _ := f.withSession(t, formRequest("/auth/login", url.Values{
		"email":    {"a@example.com"},
		"password": {"short"},
	}))
	rr := httptest.NewRecorder()
	f.handler.HandleLoginForTest(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "Invalid email or password")
}

func TestPasswordResetRevokesLiveSessions(t *testing.T) {
	f := newHandlerFixture(t)
	user := f.activeUser(t, "a@example.com", "correcthorse")

	// A second browser signs in and keeps its cookie.
	otherReq := httptest.NewRequest(http.MethodGet, "/", nil)
	other, err := f.sessions.Load(otherReq.Context(), otherReq)
	require.NoError(t, err)
	other.SetUser("1")
	rr := httptest.NewRecorder()
	require.NoError(t, f.sessions.Commit(context.Background(), rr, otherReq, other))
	cookie := findSessionCookie(t, rr)
	require.NoError(t, f.service.RegisterSession(context.Background(), other.ID, user.ID, time.Now().Add(time.Hour), "", ""))

	f.service.RequestPasswordReset(context.Background(), "a@example.com")
	_, err = f.service.ConfirmPasswordReset(context.Background(), f.mailer.lastRef, f.mailer.lastTok, "brandnewpass1")
	require.NoError(t, err)
	require.Empty(t, f.repo.sessions)

	// The surviving cookie must no longer authenticate: its redis record is
	// gone, so loading it yields a fresh anonymous session.
	replay := httptest.NewRequest(http.MethodGet, "/", nil)
	replay.AddCookie(cookie)
	loaded, err := f.sessions.Load(replay.Context(), replay)
	require.NoError(t, err)
	require.Equal(t, "", loaded.User())
}

func findSessionCookie(t *testing.T, rr *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	res := rr.Result()
	defer res.Body.Close()
	for _, c := range res.Cookies() {
		if c.Name == "gatehouse_session" {
			return c
		}
	}
	t.Fatal("session cookie not set")
	return nil
}

func TestResetRequestAlwaysRedirects(t *testing.T) {
	f := newHandlerFixture(t)
	router := newAuthRouter(f)

	rr := httptest.NewRecorder()
	req, _ := f.withSession(t, formRequest("/auth/password/reset", url.Values{
		"email": {"nobody@example.com"},
	}))
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusSeeOther, rr.Code)
	require.Equal(t, "/auth/password/reset/sent", rr.Header().Get("Location"))
	require.Equal(t, 0, f.mailer.resets)
}
