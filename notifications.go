package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const (
	NotificationCategoryBooking = "booking"
	NotificationCategoryPayment = "payment"
	NotificationCategoryAccount = "account"
	NotificationCategoryAdmin   = "admin"
	NotificationCategorySystem  = "system"
)

var notificationCategoryList = []string{
	NotificationCategoryBooking,
	NotificationCategoryPayment,
	NotificationCategoryAccount,
	NotificationCategoryAdmin,
	NotificationCategorySystem,
}

type NotificationInput struct {
	Category    string
	Type        string
	Message     string
	Link        string
	Payload     interface{}
	ExpiresAt   *time.Time
	DedupKey    string
	DedupWindow time.Duration
}

type NotificationItem struct {
	ID        int64           `json:"id"`
	Category  string          `json:"category"`
	Type      string          `json:"type"`
	Message   string          `json:"message"`
	Link      string          `json:"link,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	IsRead    bool            `json:"isRead"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
}

func normalizeNotificationCategory(category string) string {
	category = strings.ToLower(strings.TrimSpace(category))
	for _, item := range notificationCategoryList {
		if category == item {
			return category
		}
	}
	return NotificationCategorySystem
}

// Notifier writes in-app notifications. Delivery failures are logged and
// never fail the request that raised them.
type Notifier struct {
	db      *sql.DB
	enabled bool
}

func newNotifier(db *sql.DB, enabled bool) *Notifier {
	return &Notifier{db: db, enabled: enabled}
}

func (n *Notifier) notifyUser(ctx context.Context, userID string, input NotificationInput) {
	if n == nil || !n.enabled || userID == "" {
		return
	}
	if err := insertNotification(ctx, n.db, userID, "", input, time.Now().UTC()); err != nil {
		logger.WithError(err).WithFields(logrus.Fields{"recipient": userID, "type": input.Type}).Warn("notification emit failed")
	}
}

// notifyRole fans a notification out to every active user holding role.
func (n *Notifier) notifyRole(ctx context.Context, role string, input NotificationInput) {
	if n == nil || !n.enabled {
		return
	}
	if err := insertNotification(ctx, n.db, "", normalizeRole(role), input, time.Now().UTC()); err != nil {
		logger.WithError(err).WithFields(logrus.Fields{"role": role, "type": input.Type}).Warn("notification emit failed")
	}
}

func insertNotification(ctx context.Context, db *sql.DB, userID string, role string, input NotificationInput, now time.Time) error {
	category := normalizeNotificationCategory(input.Category)

	var payload []byte
	if input.Payload != nil {
		encoded, err := json.Marshal(input.Payload)
		if err == nil {
			payload = encoded
		}
	}

	expires := now.Add(GetGlobalSettings().notificationRetention())
	if input.ExpiresAt != nil {
		expires = *input.ExpiresAt
	}

	if input.DedupKey != "" && input.DedupWindow > 0 {
		var exists bool
		if err := db.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1
				FROM notifications
				WHERE dedupe_key = $1
					AND COALESCE(recipient_id::text, '') = $2
					AND COALESCE(recipient_role, '') = $3
					AND created_at > $4
			)
		`, input.DedupKey, userID, role, now.Add(-input.DedupWindow)).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return nil
		}
	}

	if userID != "" {
		_, err := db.ExecContext(ctx, `
			INSERT INTO notifications (
				recipient_id,
				category,
				type,
				message,
				link,
				payload,
				dedupe_key,
				created_at,
				expires_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, userID, category, strings.TrimSpace(input.Type), strings.TrimSpace(input.Message),
			strings.TrimSpace(input.Link), payload, nullableString(input.DedupKey), now, expires)
		return err
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO notifications (
			recipient_id,
			recipient_role,
			category,
			type,
			message,
			link,
			payload,
			dedupe_key,
			created_at,
			expires_at
		)
		SELECT id, $1, $2, $3, $4, $5, $6, $7, $8, $9
		FROM users
		WHERE role = $1 AND is_active = true
	`, role, category, strings.TrimSpace(input.Type), strings.TrimSpace(input.Message),
		strings.TrimSpace(input.Link), payload, nullableString(input.DedupKey), now, expires)
	return err
}

func fetchNotifications(ctx context.Context, db *sql.DB, userID string, unreadOnly bool, p pageParams) ([]NotificationItem, int, int, error) {
	var where placeholders
	where.add("recipient_id = ?", userID)
	where.addRaw("(expires_at IS NULL OR expires_at > NOW())")
	if unreadOnly {
		where.addRaw("is_read = false")
	}

	var total, unread int
	if err := db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE is_read = false)
		FROM notifications
		WHERE `+where.where(), where.args...).Scan(&total, &unread); err != nil {
		return nil, 0, 0, err
	}

	limitSQL, args := where.page(p.Limit, p.offset())
	rows, err := db.QueryContext(ctx, `
		SELECT id, category, type, message, link, payload, is_read, created_at, expires_at
		FROM notifications
		WHERE `+where.where()+`
		ORDER BY id DESC
		`+limitSQL, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := []NotificationItem{}
	for rows.Next() {
		var item NotificationItem
		var payload []byte
		var expires sql.NullTime
		if err := rows.Scan(&item.ID, &item.Category, &item.Type, &item.Message, &item.Link, &payload,
			&item.IsRead, &item.CreatedAt, &expires); err != nil {
			return nil, 0, 0, err
		}
		if len(payload) > 0 {
			item.Payload = json.RawMessage(payload)
		}
		item.ExpiresAt = timePtr(expires)
		items = append(items, item)
	}
	return items, total, unread, rows.Err()
}

func markNotificationsRead(ctx context.Context, db *sql.DB, userID string, ids []int64, all bool) (int64, error) {
	var res sql.Result
	var err error
	if all {
		res, err = db.ExecContext(ctx, `
			UPDATE notifications SET is_read = true
			WHERE recipient_id = $1 AND is_read = false
		`, userID)
	} else {
		res, err = db.ExecContext(ctx, `
			UPDATE notifications SET is_read = true
			WHERE recipient_id = $1 AND id = ANY($2)
		`, userID, pq.Array(ids))
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func deleteNotifications(ctx context.Context, db *sql.DB, userID string, ids []int64) (int64, error) {
	res, err := db.ExecContext(ctx, `
		DELETE FROM notifications
		WHERE recipient_id = $1 AND id = ANY($2)
	`, userID, pq.Array(ids))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func pruneNotifications(ctx context.Context, db *sql.DB, now time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
		DELETE FROM notifications
		WHERE expires_at IS NOT NULL AND expires_at < $1
	`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

/* ======================
   Handlers
   ====================== */

func notificationsHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := accountFromContext(r.Context())
		unreadOnly, _ := parseBool(r.URL.Query().Get("unread"))
		p := parsePageParams(r, 20)
		items, total, unread, err := fetchNotifications(r.Context(), app.db, user.ID, unreadOnly, p)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, map[string]interface{}{
			"notifications": items,
			"unreadCount":   unread,
			"pagination":    newPagination(p, total, "totalNotifications"),
		})
	}
}

type notificationIDsInput struct {
	IDs []int64 `json:"ids"`
	All bool    `json:"all"`
}

func markNotificationsReadHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in notificationIDsInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		if !in.All && len(in.IDs) == 0 {
			writeError(w, r, errValidation("Provide notification ids or all=true"))
			return
		}
		updated, err := markNotificationsRead(r.Context(), app.db, accountFromContext(r.Context()).ID, in.IDs, in.All)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, "Notifications marked as read", map[string]interface{}{"updated": updated})
	}
}

func deleteNotificationsHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in notificationIDsInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		if len(in.IDs) == 0 {
			writeError(w, r, errValidation("Provide notification ids"))
			return
		}
		deleted, err := deleteNotifications(r.Context(), app.db, accountFromContext(r.Context()).ID, in.IDs)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, "Notifications deleted", map[string]interface{}{"deleted": deleted})
	}
}
