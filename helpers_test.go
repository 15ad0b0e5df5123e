package main

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testJWTSecret = "pixelfuel-test-secret"

func init() {
	passwordHashCost = bcrypt.MinCost
	logger.SetLevel(logrus.WarnLevel)
}

func newTestApp(t *testing.T) (*App, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &Config{
		Env:       EnvDevelopment,
		JWTSecret: testJWTSecret,
		JWTExpiry: tokenTTL(time.Hour),
		Razorpay:  RazorpayConfig{KeyID: dummyRazorpayKeyID, KeySecret: "test_secret", Currency: "INR"},
	}
	metrics := newMetrics()
	app := &App{
		db:       db,
		cfg:      cfg,
		gateway:  newPaymentGateway(cfg, metrics),
		cache:    noopCache{},
		mailer:   newMailer(SMTPConfig{}),
		metrics:  metrics,
		notifier: newNotifier(db, false),
	}
	return app, mock
}

var userColumnNames = []string{
	"id", "name", "email", "phone", "role", "gaming_profile", "address", "is_verified",
	"avatar", "is_active", "wallet_balance", "created_at", "updated_at",
	"password_hash", "otp_code", "otp_expires_at",
}

func testUser(id string, role string) *User {
	return &User{
		ID:         id,
		Name:       "Test " + role,
		Email:      id + "@example.com",
		Phone:      "9876543210",
		Role:       role,
		IsVerified: true,
		IsActive:   true,
	}
}

func userRows(users ...*User) *sqlmock.Rows {
	rows := sqlmock.NewRows(userColumnNames)
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, u := range users {
		rows.AddRow(u.ID, u.Name, u.Email, u.Phone, u.Role, []byte(`{}`), []byte(`{}`), u.IsVerified,
			u.Avatar, u.IsActive, int64(u.WalletBalance), now, now, u.PasswordHash, u.OTPCode, nil)
	}
	return rows
}

func bearerFor(t *testing.T, user *User) string {
	t.Helper()
	token, err := issueToken(testJWTSecret, time.Hour, user, time.Now().UTC())
	require.NoError(t, err)
	return "Bearer " + token
}

type testEnvelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) testEnvelope {
	t.Helper()
	var env testEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}
