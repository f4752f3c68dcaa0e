package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libracirc/internal/errkind"
	"libracirc/internal/storage/storagetest"
)

func setupService(t *testing.T, opts Options) *service {
	t.Helper()
	db := storagetest.SQLite(t)
	return NewService(db, storagetest.Logger(), opts).(*service)
}

func TestPassword(t *testing.T) {
	hash, salt, err := hashPassword("correct horse")
	require.NoError(t, err)
	assert.Len(t, salt, saltLen)
	assert.True(t, verifyPassword("correct horse", salt, hash))
	assert.False(t, verifyPassword("wrong horse", salt, hash))
}

func TestLoginAuthenticateLogout(t *testing.T) {
	svc := setupService(t, Options{LoginsPerMinute: 100})
	ctx := context.Background()
	require.NoError(t, svc.CreateStaff(ctx, "desk", "s3cret-pass"))
	assert.ErrorIs(t, svc.CreateStaff(ctx, "desk", "s3cret-pass"), ErrStaffExists)

	_, err := svc.Login(ctx, "desk", "nope-nope")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, "ghost", "s3cret-pass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	session, err := svc.Login(ctx, "desk", "s3cret-pass")
	require.NoError(t, err)

	got, err := svc.Authenticate(ctx, session.Token)
	require.NoError(t, err)
	assert.Equal(t, "desk", got.Username)

	require.NoError(t, svc.Logout(ctx, session.Token))
	_, err = svc.Authenticate(ctx, session.Token)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, errkind.Unauthorized, errkind.KindOf(err))
}

func TestSessionExpiry(t *testing.T) {
	svc := setupService(t, Options{SessionTTL: time.Hour, LoginsPerMinute: 100})
	ctx := context.Background()
	require.NoError(t, svc.CreateStaff(ctx, "desk", "s3cret-pass"))

	start := time.Date(2024, 1, 5, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return start }
	session, err := svc.Login(ctx, "desk", "s3cret-pass")
	require.NoError(t, err)

	svc.now = func() time.Time { return start.Add(2 * time.Hour) }
	_, err = svc.Authenticate(ctx, session.Token)
	assert.ErrorIs(t, err, ErrSessionExpired)

	purged, err := svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	purged, err = svc.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, purged)
}

func TestLoginRateLimit(t *testing.T) {
	svc := setupService(t, Options{LoginsPerMinute: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := svc.Login(ctx, "ghost", "whatever1")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}
	_, err := svc.Login(ctx, "ghost", "whatever1")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestMiddleware(t *testing.T) {
	svc := setupService(t, Options{LoginsPerMinute: 100})
	ctx := context.Background()
	require.NoError(t, svc.CreateStaff(ctx, "desk", "s3cret-pass"))

	h := NewHandler(svc, storagetest.Logger())
	r := chi.NewRouter()
	h.Routes(r)
	r.Group(func(r chi.Router) {
		r.Use(Middleware(svc, storagetest.Logger()))
		h.ProtectedRoutes(r)
		r.Get("/whoami", func(w http.ResponseWriter, r *http.Request) {
			s, _ := SessionFromContext(r.Context())
			w.Write([]byte(s.Username))
		})
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"username":"desk","password":"s3cret-pass"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+body.Token)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "desk", rec.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+body.Token)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
