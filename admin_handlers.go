package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

type DashboardStats struct {
	Users            int                   `json:"totalUsers"`
	Coaches          int                   `json:"totalCoaches"`
	VerifiedCoaches  int                   `json:"verifiedCoaches"`
	PendingCoaches   int                   `json:"pendingCoaches"`
	ActiveServices   int                   `json:"activeServices"`
	Games            int                   `json:"totalGames"`
	Bookings         int                   `json:"totalBookings"`
	BookingsByStatus map[BookingStatus]int `json:"bookingsByStatus"`
	Revenue          Money                 `json:"totalRevenue"`
	Refunded         Money                 `json:"totalRefunded"`
}

func dashboardStats(ctx context.Context, db *sql.DB) (*DashboardStats, error) {
	stats := DashboardStats{BookingsByStatus: map[BookingStatus]int{}}
	if err := db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM coaches),
			(SELECT COUNT(*) FROM coaches WHERE is_verified = true),
			(SELECT COUNT(*) FROM services WHERE is_active = true),
			(SELECT COUNT(*) FROM games WHERE is_active = true),
			(SELECT COALESCE(SUM(total_price), 0) FROM bookings WHERE payment_status = 'paid'),
			(SELECT COALESCE(SUM(refund_amount), 0) FROM bookings WHERE payment_status = 'refunded')
	`).Scan(&stats.Users, &stats.Coaches, &stats.VerifiedCoaches, &stats.ActiveServices, &stats.Games,
		&stats.Revenue, &stats.Refunded); err != nil {
		return nil, err
	}
	stats.PendingCoaches = stats.Coaches - stats.VerifiedCoaches

	for status := range bookingTransitions {
		stats.BookingsByStatus[status] = 0
	}
	rows, err := db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM bookings
		GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.BookingsByStatus[BookingStatus(status)] = count
		stats.Bookings += count
	}
	return &stats, rows.Err()
}

type userFilter struct {
	Role   string
	Search string
	Active *bool
}

func listUsers(ctx context.Context, db *sql.DB, f userFilter, p pageParams) ([]User, int, error) {
	var where placeholders
	if f.Role != "" {
		where.add("role = ?", f.Role)
	}
	if f.Active != nil {
		where.add("is_active = ?", *f.Active)
	}
	if f.Search != "" {
		where.add("(name ILIKE ? OR email ILIKE ? OR phone ILIKE ?)", "%"+f.Search+"%")
	}

	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE `+where.where(), where.args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limitSQL, args := where.page(p.Limit, p.offset())
	rows, err := db.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE `+where.where()+`
		ORDER BY created_at DESC, id
		`+limitSQL, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, *u)
	}
	return users, total, rows.Err()
}

func setUserActive(ctx context.Context, db *sql.DB, userID string, active bool) error {
	res, err := db.ExecContext(ctx, `UPDATE users SET is_active = $2, updated_at = NOW() WHERE id = $1`, userID, active)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// setUserRole changes a role and makes sure provider roles own a profile.
func setUserRole(ctx context.Context, db *sql.DB, userID string, role string) (*User, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	user, err := scanUser(tx.QueryRowContext(ctx, `
		UPDATE users SET role = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+userColumns, userID, role))
	if err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	if user.isProvider() {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM coaches WHERE user_id = $1)`, user.ID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			if _, err := createCoachProfileTx(ctx, tx, user.ID, coachProfileInput{}); err != nil {
				return nil, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return user, nil
}

func parseRoleParam(value string) (string, bool) {
	value = strings.ToLower(strings.TrimSpace(value))
	switch value {
	case RoleUser, RoleCoach, RoleProvider, RoleAdmin:
		return value, true
	default:
		return "", false
	}
}

/* ======================
   Handlers
   ====================== */

func adminDashboardHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := dashboardStats(r.Context(), app.db)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, map[string]interface{}{"stats": stats})
	}
}

func adminUsersHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		f := userFilter{Search: strings.TrimSpace(query.Get("search"))}
		if raw := query.Get("role"); raw != "" {
			role, ok := parseRoleParam(raw)
			if !ok {
				writeError(w, r, errValidation("Invalid role filter"))
				return
			}
			f.Role = role
		}
		if raw := query.Get("isActive"); raw != "" {
			active, err := parseBool(raw)
			if err != nil {
				writeError(w, r, errValidation("isActive must be true or false"))
				return
			}
			f.Active = &active
		}
		p := parsePageParams(r, 20)
		users, total, err := listUsers(r.Context(), app.db, f, p)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, map[string]interface{}{
			"users":      users,
			"pagination": newPagination(p, total, "totalUsers"),
		})
	}
}

func adminUserStatusHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			IsActive *bool `json:"isActive"`
		}
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		if in.IsActive == nil {
			writeError(w, r, errValidation("isActive is required"))
			return
		}
		id := pathVar(r, "id")
		admin := accountFromContext(r.Context())
		if id == admin.ID && !*in.IsActive {
			writeError(w, r, errValidation("You cannot deactivate your own account"))
			return
		}
		if err := setUserActive(r.Context(), app.db, id, *in.IsActive); err != nil {
			writeError(w, r, err)
			return
		}
		requestLogger(r.Context()).WithFields(logrus.Fields{"target": id, "active": *in.IsActive}).Info("user status changed")
		message := "User deactivated successfully"
		if *in.IsActive {
			message = "User activated successfully"
		}
		writeData(w, http.StatusOK, message, nil)
	}
}

func adminUserRoleHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Role string `json:"role"`
		}
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		role, ok := parseRoleParam(in.Role)
		if !ok {
			writeError(w, r, errValidation("Invalid role"))
			return
		}
		id := pathVar(r, "id")
		if id == accountFromContext(r.Context()).ID && role != RoleAdmin {
			writeError(w, r, errValidation("You cannot remove your own admin role"))
			return
		}
		user, err := setUserRole(r.Context(), app.db, id, role)
		if err != nil {
			writeError(w, r, err)
			return
		}
		requestLogger(r.Context()).WithFields(logrus.Fields{"target": id, "role": role}).Info("user role changed")
		writeData(w, http.StatusOK, "User role updated successfully", map[string]interface{}{"user": user})
	}
}

func adminWalletHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in walletAdjustInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		if err := in.validate(); err != nil {
			writeError(w, r, err)
			return
		}
		id := pathVar(r, "id")
		admin := accountFromContext(r.Context())
		balance, err := adjustWallet(r.Context(), app.db, id, in.Type, in.Amount, in.Description, "admin:"+admin.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		requestLogger(r.Context()).WithFields(logrus.Fields{
			"target": id,
			"type":   in.Type,
			"amount": in.Amount.String(),
		}).Info("wallet adjusted")
		app.notifier.notifyUser(r.Context(), id, NotificationInput{
			Category: NotificationCategoryAccount,
			Type:     "wallet_" + in.Type,
			Message:  fmt.Sprintf("Your wallet was %sed ₹%s: %s", in.Type, in.Amount.String(), in.Description),
			Link:     "/wallet",
		})
		writeData(w, http.StatusOK, "Wallet updated successfully", map[string]interface{}{"balance": balance})
	}
}

func adminCoachesHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := parseCoachFilter(r)
		if raw := r.URL.Query().Get("verified"); raw != "" {
			verified, err := parseBool(raw)
			if err != nil {
				writeError(w, r, errValidation("verified must be true or false"))
				return
			}
			f.Verified = &verified
		}
		p := parsePageParams(r, 20)
		coaches, total, err := listCoaches(r.Context(), app.db, f, p)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, map[string]interface{}{
			"coaches":    coaches,
			"pagination": newPagination(p, total, "totalCoaches"),
		})
	}
}

func adminVerifyCoachHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in := struct {
			IsVerified *bool `json:"isVerified"`
		}{}
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		verified := true
		if in.IsVerified != nil {
			verified = *in.IsVerified
		}
		coach, err := loadCoach(r.Context(), app.db, pathVar(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := setCoachVerified(r.Context(), app.db, coach.ID, verified); err != nil {
			writeError(w, r, err)
			return
		}
		app.cache.Invalidate(r.Context())
		message := "Your provider profile has been verified. You can now receive bookings."
		if !verified {
			message = "Your provider verification has been revoked."
		}
		app.notifier.notifyUser(r.Context(), coach.UserID, NotificationInput{
			Category: NotificationCategoryAccount,
			Type:     "provider_verification",
			Message:  message,
			Link:     "/coach/profile",
		})
		coach.IsVerified = verified
		writeData(w, http.StatusOK, "Coach verification updated", map[string]interface{}{"coach": coach})
	}
}

func adminServicesHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := parseServiceFilter(r)
		f.IncludeInactive = true
		p := parsePageParams(r, 20)
		services, total, err := listServices(r.Context(), app.db, f, p, orderBy(r, serviceSortColumns, "createdAt", true))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, map[string]interface{}{
			"services":   services,
			"pagination": newPagination(p, total, "totalServices"),
		})
	}
}

func adminBookingsHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := parseBookingFilter(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		p := parsePageParams(r, 20)
		bookings, total, err := listBookings(r.Context(), app.db, f, p, orderBy(r, bookingSortColumns, "createdAt", true))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, map[string]interface{}{
			"bookings":   bookings,
			"pagination": newPagination(p, total, "totalBookings"),
		})
	}
}

func adminSettingsHandler(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]interface{}{"settings": GetGlobalSettings()})
}

func adminUpdateSettingsHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]json.RawMessage
		if err := decodeJSON(r, &raw); err != nil {
			writeError(w, r, err)
			return
		}
		if len(raw) == 0 {
			writeError(w, r, errValidation("No settings provided"))
			return
		}
		updates := make(map[string]string, len(raw))
		for key, value := range raw {
			var s string
			if err := json.Unmarshal(value, &s); err != nil {
				s = string(value)
			}
			updates[key] = s
		}
		settings, err := UpdateGlobalSettings(r.Context(), app.db, updates)
		if err != nil {
			writeError(w, r, err)
			return
		}
		requestLogger(r.Context()).WithField("keys", len(updates)).Info("settings updated")
		writeData(w, http.StatusOK, "Settings updated successfully", map[string]interface{}{"settings": settings})
	}
}
