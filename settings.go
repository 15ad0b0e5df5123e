package main

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

type GlobalSettings struct {
	TaxRateBps                int64 `json:"taxRateBps"`
	RefundFullHours           int   `json:"refundFullHours"`
	RefundPartialHours        int   `json:"refundPartialHours"`
	RefundPartialPercent      int64 `json:"refundPartialPercent"`
	PendingBookingGraceHours  int   `json:"pendingBookingGraceHours"`
	NotificationRetentionDays int   `json:"notificationRetentionDays"`
}

func defaultSettings() GlobalSettings {
	return GlobalSettings{
		TaxRateBps:                1800,
		RefundFullHours:           24,
		RefundPartialHours:        2,
		RefundPartialPercent:      50,
		PendingBookingGraceHours:  0,
		NotificationRetentionDays: 30,
	}
}

var (
	settingsMu     sync.RWMutex
	cachedSettings = defaultSettings()
)

func LoadGlobalSettings(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `
		SELECT key, value
		FROM app_settings
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	settingsMu.Lock()
	defer settingsMu.Unlock()

	for rows.Next() {
		var key string
		var value string
		if err := rows.Scan(&key, &value); err != nil {
			continue
		}
		if err := applySetting(&cachedSettings, key, value); err != nil {
			logger.WithError(err).WithField("key", key).Warn("ignoring stored setting")
		}
	}
	return rows.Err()
}

func GetGlobalSettings() GlobalSettings {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return cachedSettings
}

// UpdateGlobalSettings validates every update before persisting any of them.
func UpdateGlobalSettings(ctx context.Context, db *sql.DB, updates map[string]string) (GlobalSettings, error) {
	settingsMu.Lock()
	defer settingsMu.Unlock()

	next := cachedSettings
	for key, value := range updates {
		if err := applySetting(&next, key, value); err != nil {
			return cachedSettings, errValidation(err.Error())
		}
	}
	if next.RefundPartialHours > next.RefundFullHours {
		return cachedSettings, errValidation("refund_partial_hours cannot exceed refund_full_hours")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return cachedSettings, err
	}
	defer tx.Rollback()
	for key, value := range updates {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO app_settings (key, value, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
		`, strings.ToLower(strings.TrimSpace(key)), strings.TrimSpace(value))
		if err != nil {
			return cachedSettings, err
		}
	}
	if err := tx.Commit(); err != nil {
		return cachedSettings, err
	}
	cachedSettings = next
	return cachedSettings, nil
}

func applySetting(target *GlobalSettings, key string, value string) error {
	value = strings.TrimSpace(value)
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "tax_rate_bps":
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil || v < 0 || v > 10000 {
			return fmt.Errorf("tax_rate_bps must be between 0 and 10000")
		}
		target.TaxRateBps = v
	case "refund_full_hours":
		v, err := strconv.Atoi(value)
		if err != nil || v < 0 {
			return fmt.Errorf("refund_full_hours must be a non-negative integer")
		}
		target.RefundFullHours = v
	case "refund_partial_hours":
		v, err := strconv.Atoi(value)
		if err != nil || v < 0 {
			return fmt.Errorf("refund_partial_hours must be a non-negative integer")
		}
		target.RefundPartialHours = v
	case "refund_partial_percent":
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil || v < 0 || v > 100 {
			return fmt.Errorf("refund_partial_percent must be between 0 and 100")
		}
		target.RefundPartialPercent = v
	case "pending_booking_grace_hours":
		v, err := strconv.Atoi(value)
		if err != nil || v < 0 {
			return fmt.Errorf("pending_booking_grace_hours must be a non-negative integer")
		}
		target.PendingBookingGraceHours = v
	case "notification_retention_days":
		v, err := strconv.Atoi(value)
		if err != nil || v < 1 {
			return fmt.Errorf("notification_retention_days must be a positive integer")
		}
		target.NotificationRetentionDays = v
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	return nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	default:
		return false, strconv.ErrSyntax
	}
}

func (s GlobalSettings) refundPolicy() RefundPolicy {
	return RefundPolicy{
		FullAbove:      time.Duration(s.RefundFullHours) * time.Hour,
		PartialAbove:   time.Duration(s.RefundPartialHours) * time.Hour,
		PartialPercent: s.RefundPartialPercent,
	}
}

func (s GlobalSettings) notificationRetention() time.Duration {
	if s.NotificationRetentionDays <= 0 {
		return 30 * 24 * time.Hour
	}
	return time.Duration(s.NotificationRetentionDays) * 24 * time.Hour
}
