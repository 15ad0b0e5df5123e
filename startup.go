package main

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

const startupAdvisoryLockID int64 = 824173921

// acquireStartupLock elects one instance to run bootstrap and background
// jobs. The returned connection holds the lock until it is closed.
func acquireStartupLock(ctx context.Context, db *sql.DB) (*sql.Conn, bool, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, false, err
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, startupAdvisoryLockID).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, false, err
	}
	if !acquired {
		_ = conn.Close()
		return nil, false, nil
	}
	return conn, true, nil
}

// ensureBootstrapAdmin creates the first admin from ADMIN_BOOTSTRAP_* when
// no admin exists yet.
func ensureBootstrapAdmin(ctx context.Context, db *sql.DB, cfg *Config) error {
	email := normalizeEmail(cfg.AdminBootstrapEmail)
	password := strings.TrimSpace(cfg.AdminBootstrapPassword)

	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var adminID string
	err = tx.QueryRowContext(ctx, `
		SELECT id
		FROM users
		WHERE role = 'admin'
		LIMIT 1
	`).Scan(&adminID)
	if err == nil {
		logger.Debug("admin bootstrap: admin already exists, skipping")
		return nil
	}
	if err != sql.ErrNoRows {
		return err
	}

	if email == "" || password == "" {
		logger.Warn("admin bootstrap: no admin exists and ADMIN_BOOTSTRAP_EMAIL/PASSWORD are unset")
		return nil
	}
	if !isValidEmail(email) {
		return errors.New("ADMIN_BOOTSTRAP_EMAIL is not a valid email")
	}
	if len(password) < 8 || len(password) > 128 {
		return errors.New("ADMIN_BOOTSTRAP_PASSWORD must be 8-128 characters")
	}

	var existing string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE email = $1`, email).Scan(&existing); err == nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET role = 'admin', is_active = true, is_verified = true, updated_at = NOW()
			WHERE id = $1
		`, existing); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		logger.WithField("user_id", existing).Info("admin bootstrap: promoted existing user")
		return nil
	} else if err != sql.ErrNoRows {
		return err
	}

	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (name, email, phone, password_hash, role, is_verified)
		VALUES ('PixelFuel Admin', $1, $2, $3, 'admin', true)
	`, email, cfg.AdminBootstrapPhone, hash); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logger.WithField("email", email).Info("admin bootstrap: created admin")
	return nil
}
