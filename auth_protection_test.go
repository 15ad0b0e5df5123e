package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAuthRateLimitFirstAttempt(t *testing.T) {
	app, mock := newTestApp(t)
	now := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM auth_rate_limits`).WithArgs("192.0.2.1", authActionLogin).
		WillReturnRows(sqlmock.NewRows([]string{"window_start", "attempt_count"}))
	mock.ExpectExec(`INSERT INTO auth_rate_limits`).WithArgs("192.0.2.1", authActionLogin, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	allowed, retry, err := checkAuthRateLimit(context.Background(), app.db, "192.0.2.1", authActionLogin, 5, time.Minute, now)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Zero(t, retry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckAuthRateLimitExhausted(t *testing.T) {
	app, mock := newTestApp(t)
	now := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM auth_rate_limits`).WithArgs("192.0.2.1", authActionOTP).
		WillReturnRows(sqlmock.NewRows([]string{"window_start", "attempt_count"}).AddRow(now.Add(-20*time.Second), 5))
	mock.ExpectCommit()

	allowed, retry, err := checkAuthRateLimit(context.Background(), app.db, "192.0.2.1", authActionOTP, 5, time.Minute, now)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 40, retry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckAuthRateLimitWindowReset(t *testing.T) {
	app, mock := newTestApp(t)
	now := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM auth_rate_limits`).WithArgs("192.0.2.1", authActionSignup).
		WillReturnRows(sqlmock.NewRows([]string{"window_start", "attempt_count"}).AddRow(now.Add(-2*time.Minute), 9))
	mock.ExpectExec(`SET window_start = \$3`).WithArgs("192.0.2.1", authActionSignup, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	allowed, _, err := checkAuthRateLimit(context.Background(), app.db, "192.0.2.1", authActionSignup, 5, time.Minute, now)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckAuthRateLimitDisabled(t *testing.T) {
	app, mock := newTestApp(t)
	allowed, _, err := checkAuthRateLimit(context.Background(), app.db, "192.0.2.1", authActionLogin, 0, time.Minute, time.Now())
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthThrottleKeysOnPeerAddress(t *testing.T) {
	app, mock := newTestApp(t)
	app.cfg.LoginRateLimit = 5
	app.cfg.AuthRateWindow = time.Minute

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM auth_rate_limits`).WithArgs("192.0.2.1", authActionLogin).
		WillReturnRows(sqlmock.NewRows([]string{"window_start", "attempt_count"}).AddRow(time.Now().UTC(), 5))
	mock.ExpectCommit()

	h := app.authThrottle(authActionLogin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	req.RemoteAddr = "192.0.2.1:4000"
	req.Header.Set("X-Forwarded-For", "203.0.113.99")
	req.Header.Set("X-Real-IP", "203.0.113.98")
	rec := httptest.NewRecorder()
	clientIPMiddleware(nil)(h).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
