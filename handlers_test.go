package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/nileauth/internal/config"
	"github.com/example/nileauth/internal/store"
)

func testConfig(env string) *config.Config {
	return &config.Config{
		Environment:   env,
		JwtSecret:     "test-access-secret",
		RefreshSecret: "test-refresh-secret",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		BcryptCost:    bcrypt.MinCost,
	}
}

type testServer struct {
	t       *testing.T
	app     *App
	handler http.Handler
	users   store.Users
}

func newTestServer(t *testing.T, env string, users store.Users) *testServer {
	t.Helper()
	if users == nil {
		users = store.NewMemory()
	}
	app, err := NewApp(testConfig(env), users, zap.NewNop())
	require.NoError(t, err)
	return &testServer{t: t, app: app, handler: app.Routes(), users: users}
}

type reqOpt func(*http.Request)

func withBearer(tok string) reqOpt {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok) }
}

func withCookie(c *http.Cookie) reqOpt {
	return func(r *http.Request) { r.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value}) }
}

func (s *testServer) do(method, path string, body any, opts ...reqOpt) *httptest.ResponseRecorder {
	s.t.Helper()
	return s.serve(method, path, body, opts...)
}

// serve sends a request without touching s.t, so goroutines may call it.
func (s *testServer) serve(method, path string, body any, opts ...reqOpt) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, o := range opts {
		o(req)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

type sessionResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Token   string `json:"token"`
	Data    struct {
		User map[string]any `json:"user"`
	} `json:"data"`
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) sessionResponse {
	t.Helper()
	var out sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func sessionCookieFrom(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookie {
			return c
		}
	}
	t.Fatalf("no %s cookie in response", sessionCookie)
	return nil
}

var alice = map[string]string{"name": "Alice", "email": "alice@example.com", "password": "correct-horse"}

func (s *testServer) register(creds map[string]string) (*httptest.ResponseRecorder, sessionResponse) {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/register", creds)
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return rec, decodeBody(s.t, rec)
}

func TestRegisterLoginCookieMatchesSlot(t *testing.T) {
	s := newTestServer(t, "development", nil)

	rec, body := s.register(alice)
	assert.Equal(t, "success", body.Status)
	assert.NotEmpty(t, body.Token)
	assert.Equal(t, "alice@example.com", body.Data.User["email"])
	assert.NotContains(t, body.Data.User, "password")
	assert.NotContains(t, body.Data.User, "PasswordHash")
	assert.NotContains(t, body.Data.User, "refreshToken")
	assert.NotContains(t, body.Data.User, "RefreshToken")

	c := sessionCookieFrom(t, rec)
	assert.True(t, c.HttpOnly)
	assert.False(t, c.Secure)
	assert.Equal(t, http.SameSiteStrictMode, c.SameSite)

	rec = s.do(http.MethodPost, "/login", map[string]string{"email": "alice@example.com", "password": "correct-horse"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decodeBody(t, rec)
	assert.NotEmpty(t, body.Token)

	c = sessionCookieFrom(t, rec)
	u, err := s.users.FindByField(context.Background(), store.FieldEmail, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, c.Value, u.RefreshToken)
}

func TestLoginFailuresLookIdentical(t *testing.T) {
	s := newTestServer(t, "development", nil)
	s.register(alice)

	wrong := s.do(http.MethodPost, "/login", map[string]string{"email": "alice@example.com", "password": "wrong-password"})
	unknown := s.do(http.MethodPost, "/login", map[string]string{"email": "nobody@example.com", "password": "wrong-password"})

	assert.Equal(t, http.StatusUnauthorized, wrong.Code)
	assert.Equal(t, http.StatusUnauthorized, unknown.Code)
	assert.JSONEq(t, wrong.Body.String(), unknown.Body.String())
	assert.Equal(t, "fail", decodeBody(t, wrong).Status)
}

func TestLoginMissingFields(t *testing.T) {
	s := newTestServer(t, "development", nil)

	rec := s.do(http.MethodPost, "/login", map[string]string{"email": "alice@example.com"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Please provide email and password", decodeBody(t, rec).Message)

	req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewBufferString("{not json"))
	bad := httptest.NewRecorder()
	s.handler.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestRegisterValidation(t *testing.T) {
	s := newTestServer(t, "development", nil)
	s.register(alice)

	tooLong := string(bytes.Repeat([]byte("x"), 73))
	cases := map[string]map[string]string{
		"duplicate email":   alice,
		"missing name":      {"email": "bob@example.com", "password": "long-enough"},
		"missing email":     {"name": "Bob", "password": "long-enough"},
		"missing password":  {"name": "Bob", "email": "bob@example.com"},
		"password too long": {"name": "Bob", "email": "bob@example.com", "password": tooLong},
	}
	for name, creds := range cases {
		t.Run(name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/register", creds)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "fail", decodeBody(t, rec).Status)
		})
	}
}

func TestRegisterAcceptsPlainIdentifiers(t *testing.T) {
	s := newTestServer(t, "development", nil)

	// emails are identifiers here, not validated addresses, and there is no
	// minimum password length
	_, body := s.register(map[string]string{"name": "Bob", "email": "not-an-email", "password": "short"})
	assert.Equal(t, "not-an-email", body.Data.User["email"])
	rec := s.do(http.MethodPost, "/login", map[string]string{"email": "not-an-email", "password": "short"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

// TestUserStoryScenario replays the register, login, protect, logout and
// replay story with the exact credentials it is told with.
func TestUserStoryScenario(t *testing.T) {
	s := newTestServer(t, "development", nil)

	rec := s.do(http.MethodPost, "/register", map[string]string{"name": "u1", "email": "u1", "password": "secret1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decodeBody(t, rec).Data.User["id"]

	rec = s.do(http.MethodPost, "/login", map[string]string{"email": "u1", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Incorrect email or password", decodeBody(t, rec).Message)

	rec = s.do(http.MethodPost, "/login", map[string]string{"email": "u1", "password": "secret1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	access := decodeBody(t, rec).Token
	require.NotEmpty(t, access)
	cookie := sessionCookieFrom(t, rec)
	require.NotEmpty(t, cookie.Value)

	rec = s.do(http.MethodGet, "/me", nil, withBearer(access))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decodeBody(t, rec).Data.User["id"])

	rec = s.do(http.MethodPost, "/logout", nil, withCookie(cookie))
	assert.Equal(t, http.StatusOK, rec.Code)
	u, err := s.users.FindByField(context.Background(), store.FieldEmail, "u1")
	require.NoError(t, err)
	assert.Empty(t, u.RefreshToken, "slot cleared")

	rec = s.do(http.MethodGet, "/refresh", nil, withCookie(cookie))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, decodeBody(t, rec).Token)
}

func TestConcurrentLogoutAndLoginKeepsNewSession(t *testing.T) {
	s := newTestServer(t, "development", nil)
	rec, _ := s.register(alice)
	stale := sessionCookieFrom(t, rec)

	for i := 0; i < 10; i++ {
		var (
			wg     sync.WaitGroup
			logout *httptest.ResponseRecorder
			login  *httptest.ResponseRecorder
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			logout = s.serve(http.MethodPost, "/logout", nil, withCookie(stale))
		}()
		go func() {
			defer wg.Done()
			login = s.serve(http.MethodPost, "/login", map[string]string{"email": alice["email"], "password": alice["password"]})
		}()
		wg.Wait()

		assert.Contains(t, []int{http.StatusOK, http.StatusNoContent}, logout.Code)
		require.Equal(t, http.StatusOK, login.Code, login.Body.String())
		fresh := sessionCookieFrom(t, login)

		rec := s.do(http.MethodGet, "/refresh", nil, withCookie(fresh))
		require.Equal(t, http.StatusOK, rec.Code, "login session survived a concurrent logout")
		rec = s.do(http.MethodGet, "/refresh", nil, withCookie(stale))
		assert.Equal(t, http.StatusForbidden, rec.Code)
		stale = fresh
	}
}

func TestEndToEndSessionLifecycle(t *testing.T) {
	s := newTestServer(t, "development", nil)

	rec, _ := s.register(alice)
	registerCookie := sessionCookieFrom(t, rec)

	rec = s.do(http.MethodPost, "/api/v1/auth/login", map[string]string{"email": alice["email"], "password": alice["password"]})
	require.Equal(t, http.StatusOK, rec.Code)
	access := decodeBody(t, rec).Token
	loginCookie := sessionCookieFrom(t, rec)

	rec = s.do(http.MethodGet, "/me", nil, withBearer(access))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, alice["email"], decodeBody(t, rec).Data.User["email"])

	// login rotated the slot, so the register cookie no longer refreshes
	rec = s.do(http.MethodGet, "/refresh", nil, withCookie(registerCookie))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodGet, "/refresh", nil, withCookie(loginCookie))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decodeBody(t, rec).Token)

	rec = s.do(http.MethodPost, "/logout", nil, withCookie(loginCookie))
	assert.Equal(t, http.StatusOK, rec.Code)
	cleared := sessionCookieFrom(t, rec)
	assert.Empty(t, cleared.Value)
	assert.True(t, cleared.MaxAge < 0)

	rec = s.do(http.MethodGet, "/logout", nil, withCookie(loginCookie))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(http.MethodGet, "/refresh", nil, withCookie(loginCookie))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "fail", decodeBody(t, rec).Status)
}

func TestLogoutWithoutCookie(t *testing.T) {
	s := newTestServer(t, "development", nil)
	for i := 0; i < 2; i++ {
		rec := s.do(http.MethodPost, "/logout", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
}

func TestRefreshWithoutCookie(t *testing.T) {
	s := newTestServer(t, "development", nil)
	rec := s.do(http.MethodGet, "/refresh", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProtectRejectsMissingAndBadTokens(t *testing.T) {
	s := newTestServer(t, "development", nil)

	for _, opts := range [][]reqOpt{nil, {withBearer("garbage")}} {
		rec := s.do(http.MethodGet, "/api/v1/me", nil, opts...)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "fail", decodeBody(t, rec).Status)
	}

	// a refresh token is not an access token
	rec, _ := s.register(alice)
	rec = s.do(http.MethodGet, "/me", nil, withBearer(sessionCookieFrom(t, rec).Value))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUpdateMyPassword(t *testing.T) {
	s := newTestServer(t, "development", nil)
	rec, body := s.register(alice)
	oldCookie := sessionCookieFrom(t, rec)

	rec = s.do(http.MethodPatch, "/updateMyPassword",
		map[string]string{"passwordCurrent": "wrong-password", "password": "new-password"},
		withBearer(body.Token))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Your current password is wrong", decodeBody(t, rec).Message)

	rec = s.do(http.MethodPatch, "/updateMyPassword",
		map[string]string{"passwordCurrent": alice["password"]},
		withBearer(body.Token))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPatch, "/updateMyPassword",
		map[string]string{"passwordCurrent": alice["password"], "password": "new-password"},
		withBearer(body.Token))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	newCookie := sessionCookieFrom(t, rec)
	assert.NotEqual(t, oldCookie.Value, newCookie.Value)

	rec = s.do(http.MethodGet, "/refresh", nil, withCookie(oldCookie))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPost, "/login", map[string]string{"email": alice["email"], "password": "new-password"})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(http.MethodPost, "/login", map[string]string{"email": alice["email"], "password": alice["password"]})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeleteUserRequiresAdmin(t *testing.T) {
	s := newTestServer(t, "development", nil)
	_, victim := s.register(alice)
	_, admin := s.register(map[string]string{"name": "Root", "email": "root@example.com", "password": "admin-password"})

	rec := s.do(http.MethodDelete, "/users/"+admin.Data.User["id"].(string), nil, withBearer(victim.Token))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	role := store.RoleAdmin
	_, err := s.users.Update(context.Background(), admin.Data.User["id"].(string), store.Update{Role: &role})
	require.NoError(t, err)

	rec = s.do(http.MethodDelete, "/api/v1/users/"+victim.Data.User["id"].(string), nil, withBearer(admin.Token))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(http.MethodDelete, "/users/"+victim.Data.User["id"].(string), nil, withBearer(admin.Token))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodGet, "/me", nil, withBearer(victim.Token))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "The user belonging to this token does no longer exist", decodeBody(t, rec).Message)
}

func TestProductionCookieIsSecure(t *testing.T) {
	s := newTestServer(t, "production", nil)
	rec, _ := s.register(alice)
	assert.True(t, sessionCookieFrom(t, rec).Secure)
}

type brokenUsers struct {
	store.Users
}

func (brokenUsers) FindByField(context.Context, store.Field, string) (*store.User, error) {
	return nil, errors.New("connection reset by peer")
}

func (brokenUsers) Ping(context.Context) error { return errors.New("down") }

func TestInternalErrorsHiddenInProduction(t *testing.T) {
	prod := newTestServer(t, "production", brokenUsers{store.NewMemory()})
	rec := prod.do(http.MethodPost, "/login", map[string]string{"email": "a@b.co", "password": "whatever1"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "error", body.Status)
	assert.Equal(t, "Something went very wrong!", body.Message)

	dev := newTestServer(t, "development", brokenUsers{store.NewMemory()})
	rec = dev.do(http.MethodPost, "/login", map[string]string{"email": "a@b.co", "password": "whatever1"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decodeBody(t, rec).Message, "connection reset by peer")
}

func TestRecoverFromPanic(t *testing.T) {
	s := newTestServer(t, "production", nil)
	h := s.app.Recover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Something went very wrong!", decodeBody(t, rec).Message)
}

func TestNotFoundAndHealth(t *testing.T) {
	s := newTestServer(t, "development", nil)

	rec := s.do(http.MethodGet, "/api/v1/products", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "fail", body.Status)
	assert.Equal(t, "Can't find /api/v1/products on this server", body.Message)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = s.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	broken := newTestServer(t, "development", brokenUsers{store.NewMemory()})
	rec = broken.do(http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, "development", nil)
	req := httptest.NewRequest(http.MethodOptions, "/login", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestRequestBodyLimit(t *testing.T) {
	s := newTestServer(t, "development", nil)
	huge := map[string]string{"email": "a@b.co", "password": string(bytes.Repeat([]byte("x"), 20<<10))}
	rec := s.do(http.MethodPost, "/login", huge)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
