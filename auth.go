package main

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const otpTTL = 10 * time.Minute

const (
	RoleUser     = "user"
	RoleCoach    = "coach"
	RoleProvider = "service-provider"
	RoleAdmin    = "admin"
)

// passwordHashCost is lowered in tests.
var passwordHashCost = 12

type GamingProfile struct {
	FavoriteGames    []string `json:"favoriteGames"`
	Platforms        []string `json:"platforms"`
	GamingExperience string   `json:"gamingExperience,omitempty"`
	SteamID          string   `json:"steamId,omitempty"`
	DiscordTag       string   `json:"discordTag,omitempty"`
	PreferredGenres  []string `json:"preferredGenres"`
}

func (g GamingProfile) Value() (driver.Value, error) { return jsonValue(g) }
func (g *GamingProfile) Scan(src interface{}) error  { return scanJSON(src, g) }

type Address struct {
	Street  string `json:"street,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Pincode string `json:"pincode,omitempty"`
	Country string `json:"country,omitempty"`
}

func (a Address) Value() (driver.Value, error) { return jsonValue(a) }
func (a *Address) Scan(src interface{}) error  { return scanJSON(src, a) }

type User struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Email         string        `json:"email"`
	Phone         string        `json:"phone"`
	Role          string        `json:"role"`
	GamingProfile GamingProfile `json:"gamingProfile"`
	Address       Address       `json:"address"`
	IsVerified    bool          `json:"isVerified"`
	Avatar        string        `json:"avatar,omitempty"`
	IsActive      bool          `json:"isActive"`
	WalletBalance Money         `json:"walletBalance"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`

	PasswordHash string     `json:"-"`
	OTPCode      string     `json:"-"`
	OTPExpiresAt *time.Time `json:"-"`
}

func (u *User) isProvider() bool {
	return u.Role == RoleCoach || u.Role == RoleProvider
}

const userColumns = `
	id, name, email, phone, role, gaming_profile, address, is_verified,
	COALESCE(avatar, ''), is_active, wallet_balance, created_at, updated_at,
	password_hash, COALESCE(otp_code, ''), otp_expires_at
`

func scanUser(row rowScanner) (*User, error) {
	var u User
	var otpExpires sql.NullTime
	if err := row.Scan(
		&u.ID, &u.Name, &u.Email, &u.Phone, &u.Role, &u.GamingProfile, &u.Address, &u.IsVerified,
		&u.Avatar, &u.IsActive, &u.WalletBalance, &u.CreatedAt, &u.UpdatedAt,
		&u.PasswordHash, &u.OTPCode, &otpExpires,
	); err != nil {
		return nil, err
	}
	u.Role = normalizeRole(u.Role)
	u.OTPExpiresAt = timePtr(otpExpires)
	return &u, nil
}

func normalizeRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleCoach:
		return RoleCoach
	case RoleProvider:
		return RoleProvider
	case RoleAdmin:
		return RoleAdmin
	default:
		return RoleUser
	}
}

// selfAssignableRole drops the admin role from self-registration.
func selfAssignableRole(role string) string {
	role = normalizeRole(role)
	if role == RoleAdmin {
		return RoleUser
	}
	return role
}

func createUser(ctx context.Context, db *sql.DB, in registerInput, otp string, now time.Time) (*User, error) {
	hash, err := hashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	role := selfAssignableRole(in.Role)
	profile := GamingProfile{}
	if in.GamingProfile != nil {
		profile = *in.GamingProfile
	}
	otpExpires := now.Add(otpTTL)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	user, err := scanUser(tx.QueryRowContext(ctx, `
		INSERT INTO users (name, email, phone, password_hash, role, gaming_profile, otp_code, otp_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+userColumns,
		in.Name, in.Email, in.Phone, hash, role, profile, otp, otpExpires))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUserExists
		}
		return nil, err
	}

	if user.isProvider() {
		if _, err := createCoachProfileTx(ctx, tx, user.ID, coachProfileInput{}); err != nil {
			return nil, fmt.Errorf("create provider profile: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return user, nil
}

func loadUser(ctx context.Context, db queryerContext, userID string) (*User, error) {
	user, err := scanUser(db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	if err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return user, nil
}

func loadUserByEmail(ctx context.Context, db queryerContext, email string) (*User, error) {
	user, err := scanUser(db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, normalizeEmail(email)))
	if err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return user, nil
}

func authenticateUser(ctx context.Context, db *sql.DB, email string, password string) (*User, error) {
	user, err := loadUserByEmail(ctx, db, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !verifyPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, ErrAccountDeactivated
	}
	return user, nil
}

func verifyUserOTP(ctx context.Context, db *sql.DB, email string, otp string, now time.Time) (*User, error) {
	user, err := loadUserByEmail(ctx, db, email)
	if err != nil {
		return nil, err
	}
	if user.OTPCode == "" || user.OTPExpiresAt == nil {
		return nil, ErrOTPMissing
	}
	if now.After(*user.OTPExpiresAt) {
		return nil, ErrOTPExpired
	}
	if subtle.ConstantTimeCompare([]byte(user.OTPCode), []byte(strings.TrimSpace(otp))) != 1 {
		return nil, ErrOTPInvalid
	}

	if _, err := db.ExecContext(ctx, `
		UPDATE users
		SET is_verified = true, otp_code = NULL, otp_expires_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, user.ID); err != nil {
		return nil, err
	}
	user.IsVerified = true
	user.OTPCode = ""
	user.OTPExpiresAt = nil
	return user, nil
}

func setUserOTP(ctx context.Context, db *sql.DB, userID string, otp string, now time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE users
		SET otp_code = $2, otp_expires_at = $3, updated_at = NOW()
		WHERE id = $1
	`, userID, otp, now.Add(otpTTL))
	return err
}

type profileUpdate struct {
	Name          *string        `json:"name"`
	Phone         *string        `json:"phone"`
	Avatar        *string        `json:"avatar"`
	Address       *Address       `json:"address"`
	GamingProfile *GamingProfile `json:"gamingProfile"`
}

func (p *profileUpdate) validate() error {
	if p.Name != nil && !isValidName(*p.Name) {
		return errValidation("Name must be between 2 and 50 characters")
	}
	if p.Phone != nil && !isValidPhone(*p.Phone) {
		return errValidation("Please provide a valid 10-digit phone number")
	}
	return nil
}

func updateUserProfile(ctx context.Context, db *sql.DB, user *User, p profileUpdate) (*User, error) {
	if p.Name != nil {
		user.Name = strings.TrimSpace(*p.Name)
	}
	if p.Phone != nil {
		user.Phone = strings.TrimSpace(*p.Phone)
	}
	if p.Avatar != nil {
		user.Avatar = strings.TrimSpace(*p.Avatar)
	}
	if p.Address != nil {
		user.Address = *p.Address
	}
	if p.GamingProfile != nil {
		user.GamingProfile = *p.GamingProfile
	}

	updated, err := scanUser(db.QueryRowContext(ctx, `
		UPDATE users
		SET name = $2, phone = $3, avatar = $4, address = $5, gaming_profile = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING `+userColumns,
		user.ID, user.Name, user.Phone, nullableString(user.Avatar), user.Address, user.GamingProfile))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUserExists
		}
		return nil, notFound(err, ErrUserNotFound)
	}
	return updated, nil
}

func changeUserPassword(ctx context.Context, db *sql.DB, user *User, current string, next string) error {
	if !verifyPassword(user.PasswordHash, current) {
		return ErrWrongPassword
	}
	if !isValidPassword(next) {
		return errValidation("Password must be at least 6 characters")
	}
	hash, err := hashPassword(next)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2, updated_at = NOW()
		WHERE id = $1
	`, user.ID, hash)
	return err
}

func generateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), passwordHashCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func verifyPassword(stored string, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
}

/* ======================
   Tokens
   ====================== */

type tokenClaims struct {
	UserID string `json:"id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

func issueToken(secret string, ttl time.Duration, user *User, now time.Time) (string, error) {
	claims := tokenClaims{
		UserID: user.ID,
		Role:   user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseToken(secret string, raw string) (*tokenClaims, error) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.UserID == "" {
		return nil, errors.New("INVALID_TOKEN")
	}
	return claims, nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

/* ======================
   Middleware
   ====================== */

func withAccount(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, ctxKeyAccount, user)
}

func accountFromContext(ctx context.Context) *User {
	user, _ := ctx.Value(ctxKeyAccount).(*User)
	return user
}

func (a *App) resolveAccount(r *http.Request) (*User, error) {
	raw := bearerToken(r)
	if raw == "" {
		return nil, ErrUnauthorized
	}
	claims, err := parseToken(a.cfg.JWTSecret, raw)
	if err != nil {
		return nil, ErrUnauthorized
	}
	user, err := loadUser(r.Context(), a.db, claims.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrAccountDeactivated
	}
	return user, nil
}

// authenticate rejects requests without a valid bearer token for an active user.
func (a *App) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := a.resolveAccount(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withAccount(r.Context(), user)))
	})
}

// optionalAuth attaches the caller when a valid token is present.
func (a *App) optionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, err := a.resolveAccount(r); err == nil {
			r = r.WithContext(withAccount(r.Context(), user))
		}
		next.ServeHTTP(w, r)
	})
}

func authorize(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, role := range roles {
		allowed[role] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := accountFromContext(r.Context())
			if user == nil {
				writeError(w, r, ErrUnauthorized)
				return
			}
			if !allowed[user.Role] {
				writeError(w, r, newAPIError(http.StatusForbidden, ErrForbidden.Code,
					fmt.Sprintf("User role %s is not authorized to access this route", user.Role)))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
