package main

import (
	"context"
	"database/sql"
	"net/http"
	"time"
)

const (
	BookingEventCreated       = "created"
	BookingEventStatusChanged = "status_changed"
	BookingEventCancelled     = "cancelled"
	BookingEventRated         = "rated"
	BookingEventExpired       = "expired"
	BookingEventPaymentOrder  = "payment_order_created"
	BookingEventPaid          = "payment_verified"
	BookingEventPaymentFailed = "payment_failed"
	BookingEventRefunded      = "refunded"
)

// BookingEvent is one row of the append-only booking audit trail.
type BookingEvent struct {
	ID         int64                  `json:"id"`
	BookingID  string                 `json:"bookingId"`
	ActorID    string                 `json:"actorId,omitempty"`
	ActorRole  string                 `json:"actorRole"`
	Type       string                 `json:"type"`
	FromStatus BookingStatus          `json:"fromStatus,omitempty"`
	ToStatus   BookingStatus          `json:"toStatus,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
}

func recordBookingEvent(ctx context.Context, db queryerContext, e BookingEvent) error {
	payload, err := jsonValue(e.Payload)
	if err != nil {
		return err
	}
	if e.Payload == nil {
		payload = nil
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO booking_events (
			booking_id,
			actor_id,
			actor_role,
			event_type,
			from_status,
			to_status,
			payload,
			created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, e.BookingID, nullableString(e.ActorID), e.ActorRole, e.Type,
		nullableString(string(e.FromStatus)), nullableString(string(e.ToStatus)), payload)
	return err
}

func listBookingEvents(ctx context.Context, db *sql.DB, bookingID string) ([]BookingEvent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, booking_id, COALESCE(actor_id::text, ''), actor_role, event_type,
			COALESCE(from_status, ''), COALESCE(to_status, ''), payload, created_at
		FROM booking_events
		WHERE booking_id = $1
		ORDER BY id ASC
	`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []BookingEvent{}
	for rows.Next() {
		var e BookingEvent
		var from, to string
		var payload jsonObject
		if err := rows.Scan(&e.ID, &e.BookingID, &e.ActorID, &e.ActorRole, &e.Type, &from, &to, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.FromStatus = BookingStatus(from)
		e.ToStatus = BookingStatus(to)
		e.Payload = payload
		events = append(events, e)
	}
	return events, rows.Err()
}

func bookingEventsHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		booking, err := loadBooking(r.Context(), app.db, pathVar(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !relationTo(booking, accountFromContext(r.Context())).any() {
			writeError(w, r, ErrForbidden)
			return
		}
		events, err := listBookingEvents(r.Context(), app.db, booking.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeOK(w, map[string]interface{}{"events": events})
	}
}
