package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParseToken(t *testing.T) {
	user := testUser("u-1", RoleCoach)
	now := time.Now().UTC()
	raw, err := issueToken(testJWTSecret, time.Hour, user, now)
	require.NoError(t, err)

	claims, err := parseToken(testJWTSecret, raw)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.UserID)
	assert.Equal(t, RoleCoach, claims.Role)

	_, err = parseToken("other-secret", raw)
	assert.Error(t, err)

	expired, err := issueToken(testJWTSecret, time.Minute, user, now.Add(-time.Hour))
	require.NoError(t, err)
	_, err = parseToken(testJWTSecret, expired)
	assert.Error(t, err)
}

func TestParseTokenRejectsOtherAlgorithms(t *testing.T) {
	claims := tokenClaims{UserID: "u-1", Role: RoleAdmin}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = parseToken(testJWTSecret, raw)
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "", bearerToken(r))
	r.Header.Set("Authorization", "bearer abc.def")
	assert.Equal(t, "abc.def", bearerToken(r))
	r.Header.Set("Authorization", "Basic xyz")
	assert.Equal(t, "", bearerToken(r))
}

func TestPasswordHashing(t *testing.T) {
	hash, err := hashPassword("secret1")
	require.NoError(t, err)
	assert.True(t, verifyPassword(hash, "secret1"))
	assert.False(t, verifyPassword(hash, "secret2"))
}

func TestRoles(t *testing.T) {
	assert.Equal(t, RoleUser, normalizeRole("gamer"))
	assert.Equal(t, RoleProvider, normalizeRole(" Service-Provider "))
	assert.Equal(t, RoleUser, selfAssignableRole("admin"))
	assert.Equal(t, RoleCoach, selfAssignableRole("coach"))
	assert.True(t, testUser("x", RoleProvider).isProvider())
	assert.False(t, testUser("x", RoleAdmin).isProvider())
}

func TestGenerateOTP(t *testing.T) {
	for i := 0; i < 50; i++ {
		otp, err := generateOTP()
		require.NoError(t, err)
		assert.Regexp(t, `^[1-9][0-9]{5}$`, otp)
	}
}

func TestAuthenticateMiddleware(t *testing.T) {
	app, mock := newTestApp(t)
	var seen *User
	h := app.authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = accountFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("missing token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth/profile", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "UNAUTHORIZED", decodeEnvelope(t, rec).Error)
	})

	t.Run("active user", func(t *testing.T) {
		user := testUser("u-1", RoleUser)
		mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE id = $1`)).
			WithArgs("u-1").
			WillReturnRows(userRows(user))

		req := httptest.NewRequest(http.MethodGet, "/api/auth/profile", nil)
		req.Header.Set("Authorization", bearerFor(t, user))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		require.NotNil(t, seen)
		assert.Equal(t, "u-1", seen.ID)
	})

	t.Run("deactivated user", func(t *testing.T) {
		user := testUser("u-2", RoleUser)
		user.IsActive = false
		mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE id = $1`)).
			WithArgs("u-2").
			WillReturnRows(userRows(user))

		req := httptest.NewRequest(http.MethodGet, "/api/auth/profile", nil)
		req.Header.Set("Authorization", bearerFor(t, user))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "ACCOUNT_DEACTIVATED", decodeEnvelope(t, rec).Error)
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthorizeRejectsOtherRoles(t *testing.T) {
	h := authorize(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/admin/dashboard", nil)
	req = req.WithContext(withAccount(req.Context(), testUser("u-1", RoleCoach)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "User role coach is not authorized to access this route", env.Message)

	req = req.WithContext(withAccount(req.Context(), testUser("u-2", RoleAdmin)))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func otpUserRows(u *User, code string, expires interface{}) *sqlmock.Rows {
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(userColumnNames).AddRow(u.ID, u.Name, u.Email, u.Phone, u.Role, []byte(`{}`), []byte(`{}`), false,
		"", true, int64(0), now, now, "", code, expires)
}

func TestCreateUserProviderGetsProfile(t *testing.T) {
	app, mock := newTestApp(t)
	now := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)
	created := testUser("u-new", RoleProvider)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO users`)).
		WithArgs("Riya", "riya@example.com", "9876543210", sqlmock.AnyArg(), RoleProvider, sqlmock.AnyArg(), "123456", now.Add(otpTTL)).
		WillReturnRows(userRows(created))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO coaches`)).
		WithArgs(created.ID, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), true).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("c-new"))
	mock.ExpectCommit()

	user, err := createUser(context.Background(), app.db, registerInput{
		Name: "Riya", Email: "riya@example.com", Phone: "9876543210", Password: "secret1", Role: RoleProvider,
	}, "123456", now)
	require.NoError(t, err)
	assert.Equal(t, "u-new", user.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUserDuplicate(t *testing.T) {
	app, mock := newTestApp(t)
	now := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO users`)).
		WithArgs("Riya", "riya@example.com", "9876543210", sqlmock.AnyArg(), RoleUser, sqlmock.AnyArg(), "123456", now.Add(otpTTL)).
		WillReturnError(&pq.Error{Code: pqUniqueViolation})
	mock.ExpectRollback()

	_, err := createUser(context.Background(), app.db, registerInput{
		Name: "Riya", Email: "riya@example.com", Phone: "9876543210", Password: "secret1", Role: RoleAdmin,
	}, "123456", now)
	assert.Equal(t, ErrUserExists, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthenticateUser(t *testing.T) {
	app, mock := newTestApp(t)
	hash, err := hashPassword("secret1")
	require.NoError(t, err)
	user := testUser("u-1", RoleUser)
	user.PasswordHash = hash

	mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE email = $1`)).WithArgs(user.Email).WillReturnRows(userRows(user))
	got, err := authenticateUser(context.Background(), app.db, " U-1@Example.com ", "secret1")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE email = $1`)).WithArgs(user.Email).WillReturnRows(userRows(user))
	_, err = authenticateUser(context.Background(), app.db, user.Email, "wrong")
	assert.Equal(t, ErrInvalidCredentials, err)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE email = $1`)).WithArgs("nobody@example.com").
		WillReturnRows(sqlmock.NewRows(userColumnNames))
	_, err = authenticateUser(context.Background(), app.db, "nobody@example.com", "secret1")
	assert.Equal(t, ErrInvalidCredentials, err)

	user.IsActive = false
	mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE email = $1`)).WithArgs(user.Email).WillReturnRows(userRows(user))
	_, err = authenticateUser(context.Background(), app.db, user.Email, "secret1")
	assert.Equal(t, ErrAccountDeactivated, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyUserOTP(t *testing.T) {
	app, mock := newTestApp(t)
	now := time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)
	user := testUser("u-1", RoleUser)
	byEmail := regexp.QuoteMeta(`FROM users WHERE email = $1`)

	mock.ExpectQuery(byEmail).WithArgs(user.Email).WillReturnRows(otpUserRows(user, "", nil))
	_, err := verifyUserOTP(context.Background(), app.db, user.Email, "123456", now)
	assert.Equal(t, ErrOTPMissing, err)

	mock.ExpectQuery(byEmail).WithArgs(user.Email).WillReturnRows(otpUserRows(user, "123456", now.Add(-time.Minute)))
	_, err = verifyUserOTP(context.Background(), app.db, user.Email, "123456", now)
	assert.Equal(t, ErrOTPExpired, err)

	mock.ExpectQuery(byEmail).WithArgs(user.Email).WillReturnRows(otpUserRows(user, "123456", now.Add(time.Minute)))
	_, err = verifyUserOTP(context.Background(), app.db, user.Email, "123457", now)
	assert.Equal(t, ErrOTPInvalid, err)

	mock.ExpectQuery(byEmail).WithArgs(user.Email).WillReturnRows(otpUserRows(user, "123456", now.Add(time.Minute)))
	_, err = verifyUserOTP(context.Background(), app.db, user.Email, "12345", now)
	assert.Equal(t, ErrOTPInvalid, err, "length mismatch")

	mock.ExpectQuery(byEmail).WithArgs(user.Email).WillReturnRows(otpUserRows(user, "123456", now.Add(time.Minute)))
	mock.ExpectExec(regexp.QuoteMeta(`SET is_verified = true`)).WithArgs(user.ID).WillReturnResult(sqlmock.NewResult(0, 1))
	verified, err := verifyUserOTP(context.Background(), app.db, user.Email, " 123456 ", now)
	require.NoError(t, err)
	assert.True(t, verified.IsVerified)
	assert.Empty(t, verified.OTPCode)
	assert.Nil(t, verified.OTPExpiresAt)

	assert.NoError(t, mock.ExpectationsWereMet())
}
