package main

import (
	"context"
	"database/sql"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	authActionLogin  = "login"
	authActionSignup = "signup"
	authActionOTP    = "otp"
)

func (a *App) authRateLimitConfig(action string) (int, time.Duration) {
	switch action {
	case authActionSignup:
		return a.cfg.SignupRateLimit, a.cfg.AuthRateWindow
	case authActionLogin:
		return a.cfg.LoginRateLimit, a.cfg.AuthRateWindow
	default:
		return a.cfg.OTPRateLimit, a.cfg.AuthRateWindow
	}
}

// checkAuthRateLimit counts an attempt for ip/action in a fixed window and
// reports whether it is allowed, with seconds to wait when it is not.
func checkAuthRateLimit(ctx context.Context, db *sql.DB, ip string, action string, limit int, window time.Duration, now time.Time) (bool, int, error) {
	ip = strings.TrimSpace(ip)
	if ip == "" || limit <= 0 || window <= 0 {
		return true, 0, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, err
	}
	defer tx.Rollback()

	var windowStart time.Time
	var attempts int
	err = tx.QueryRowContext(ctx, `
		SELECT window_start, attempt_count
		FROM auth_rate_limits
		WHERE ip = $1 AND action = $2
		FOR UPDATE
	`, ip, action).Scan(&windowStart, &attempts)
	if err == sql.ErrNoRows {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO auth_rate_limits (ip, action, window_start, attempt_count, updated_at)
			VALUES ($1, $2, $3, 1, $3)
			ON CONFLICT (ip, action) DO UPDATE SET attempt_count = auth_rate_limits.attempt_count + 1, updated_at = $3
		`, ip, action, now)
		if err != nil {
			return false, 0, err
		}
		return true, 0, tx.Commit()
	}
	if err != nil {
		return false, 0, err
	}

	elapsed := now.Sub(windowStart)
	if elapsed >= window {
		_, err = tx.ExecContext(ctx, `
			UPDATE auth_rate_limits
			SET window_start = $3,
				attempt_count = 1,
				updated_at = $3
			WHERE ip = $1 AND action = $2
		`, ip, action, now)
		if err != nil {
			return false, 0, err
		}
		return true, 0, tx.Commit()
	}

	if attempts >= limit {
		retryAfter := int((window - elapsed).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		if err := tx.Commit(); err != nil {
			return false, 0, err
		}
		return false, retryAfter, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE auth_rate_limits
		SET attempt_count = attempt_count + 1,
			updated_at = $3
		WHERE ip = $1 AND action = $2
	`, ip, action, now)
	if err != nil {
		return false, 0, err
	}
	return true, 0, tx.Commit()
}

// authThrottle guards credential endpoints with the per-IP attempt window.
// Storage failures are logged and the request is let through.
func (a *App) authThrottle(action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limit, window := a.authRateLimitConfig(action)
			allowed, retryAfter, err := checkAuthRateLimit(r.Context(), a.db, getClientIP(r), action, limit, window, time.Now().UTC())
			if err != nil {
				requestLogger(r.Context()).WithError(err).WithField("action", action).Warn("auth rate limit check failed")
			} else if !allowed {
				a.metrics.rateLimited.WithLabelValues(action).Inc()
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, r, ErrRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func pruneAuthRateLimits(ctx context.Context, db *sql.DB, olderThan time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM auth_rate_limits WHERE updated_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
