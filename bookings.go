package main

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// jsonObject is a free-form JSONB document.
type jsonObject map[string]interface{}

func (o jsonObject) Value() (driver.Value, error) {
	if o == nil {
		return "{}", nil
	}
	return jsonValue(map[string]interface{}(o))
}

func (o *jsonObject) Scan(src interface{}) error { return scanJSON(src, (*map[string]interface{})(o)) }

type BookingParty struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Phone  string `json:"phone,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

type BookingServiceRef struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Duration int    `json:"duration"`
	Image    string `json:"image,omitempty"`
}

type PaymentDetails struct {
	PaymentID string     `json:"paymentId,omitempty"`
	OrderID   string     `json:"orderId,omitempty"`
	Signature string     `json:"-"`
	Method    string     `json:"method,omitempty"`
	Amount    *Money     `json:"amount,omitempty"`
	PaidAt    *time.Time `json:"paidAt,omitempty"`
}

type BookingNotes struct {
	UserNotes     string `json:"userNotes"`
	ProviderNotes string `json:"providerNotes"`
	AdminNotes    string `json:"adminNotes"`
}

type BookingRating struct {
	Score   int        `json:"score"`
	Review  string     `json:"review"`
	RatedAt *time.Time `json:"ratedAt"`
}

type Cancellation struct {
	CancelledBy  string     `json:"cancelledBy"`
	Reason       string     `json:"reason"`
	CancelledAt  *time.Time `json:"cancelledAt"`
	RefundAmount Money      `json:"refundAmount"`
	RefundID     string     `json:"refundId,omitempty"`
	RefundedAt   *time.Time `json:"refundedAt,omitempty"`
}

type Booking struct {
	ID             string            `json:"id"`
	Reference      string            `json:"bookingReference"`
	BookingType    string            `json:"bookingType"`
	ScheduledDate  string            `json:"scheduledDate"`
	ScheduledTime  TimeSlot          `json:"scheduledTime"`
	Duration       int               `json:"duration"`
	Price          Pricing           `json:"price"`
	Status         BookingStatus     `json:"status"`
	PaymentStatus  PaymentStatus     `json:"paymentStatus"`
	PaymentDetails PaymentDetails    `json:"paymentDetails"`
	GameDetails    jsonObject        `json:"gameDetails"`
	ServiceDetails jsonObject        `json:"serviceDetails"`
	Notes          BookingNotes      `json:"notes"`
	Rating         *BookingRating    `json:"rating,omitempty"`
	Cancellation   *Cancellation     `json:"cancellation,omitempty"`
	User           BookingParty      `json:"user"`
	Service        BookingServiceRef `json:"service"`
	Provider       BookingParty      `json:"provider"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`

	scheduledOn    time.Time
	providerUserID string
}

func (b *Booking) startsAt() time.Time {
	return scheduledStart(b.scheduledOn, b.ScheduledTime.Start)
}

const bookingColumns = `
	b.id, b.booking_type, b.scheduled_date, b.start_time, b.end_time, b.duration_minutes,
	b.base_price, b.taxes, b.total_price, b.status, b.payment_status,
	COALESCE(b.payment_id, ''), COALESCE(b.order_id, ''), COALESCE(b.payment_signature, ''),
	COALESCE(b.payment_method, ''), b.payment_amount, b.paid_at,
	b.game_details, b.service_details, b.user_notes, b.provider_notes, b.admin_notes,
	b.rating_score, COALESCE(b.rating_review, ''), b.rated_at,
	COALESCE(b.cancelled_by, ''), COALESCE(b.cancellation_reason, ''), b.cancelled_at, b.refund_amount,
	COALESCE(b.refund_id, ''), b.refunded_at, b.created_at, b.updated_at,
	u.id, u.name, u.email, u.phone, COALESCE(u.avatar, ''),
	s.id, s.name, s.category, s.duration_minutes, COALESCE(s.image, ''),
	c.id, pu.id, pu.name, pu.email, pu.phone, COALESCE(pu.avatar, '')
`

const bookingFrom = `
	FROM bookings b
	JOIN users u ON u.id = b.user_id
	JOIN services s ON s.id = b.service_id
	JOIN coaches c ON c.id = b.provider_id
	JOIN users pu ON pu.id = c.user_id
`

func scanBooking(row rowScanner) (*Booking, error) {
	var b Booking
	var status, paymentStatus string
	var paymentAmount, refundAmount sql.NullInt64
	var paidAt, ratedAt, cancelledAt, refundedAt sql.NullTime
	var ratingScore sql.NullInt64
	var ratingReview string
	var cancelledBy, cancelReason, refundID string

	if err := row.Scan(
		&b.ID, &b.BookingType, &b.scheduledOn, &b.ScheduledTime.Start, &b.ScheduledTime.End, &b.Duration,
		&b.Price.BasePrice, &b.Price.Taxes, &b.Price.TotalPrice, &status, &paymentStatus,
		&b.PaymentDetails.PaymentID, &b.PaymentDetails.OrderID, &b.PaymentDetails.Signature,
		&b.PaymentDetails.Method, &paymentAmount, &paidAt,
		&b.GameDetails, &b.ServiceDetails, &b.Notes.UserNotes, &b.Notes.ProviderNotes, &b.Notes.AdminNotes,
		&ratingScore, &ratingReview, &ratedAt,
		&cancelledBy, &cancelReason, &cancelledAt, &refundAmount,
		&refundID, &refundedAt, &b.CreatedAt, &b.UpdatedAt,
		&b.User.ID, &b.User.Name, &b.User.Email, &b.User.Phone, &b.User.Avatar,
		&b.Service.ID, &b.Service.Name, &b.Service.Category, &b.Service.Duration, &b.Service.Image,
		&b.Provider.ID, &b.providerUserID, &b.Provider.Name, &b.Provider.Email, &b.Provider.Phone, &b.Provider.Avatar,
	); err != nil {
		return nil, err
	}

	b.Status = BookingStatus(status)
	b.PaymentStatus = PaymentStatus(paymentStatus)
	b.scheduledOn = b.scheduledOn.UTC()
	b.ScheduledDate = b.scheduledOn.Format("2006-01-02")
	b.Reference = bookingReference(b.ID)
	if paymentAmount.Valid {
		amount := Money(paymentAmount.Int64)
		b.PaymentDetails.Amount = &amount
	}
	b.PaymentDetails.PaidAt = timePtr(paidAt)
	if ratingScore.Valid {
		b.Rating = &BookingRating{Score: int(ratingScore.Int64), Review: ratingReview, RatedAt: timePtr(ratedAt)}
	}
	if cancelledBy != "" {
		b.Cancellation = &Cancellation{
			CancelledBy:  cancelledBy,
			Reason:       cancelReason,
			CancelledAt:  timePtr(cancelledAt),
			RefundAmount: Money(refundAmount.Int64),
			RefundID:     refundID,
			RefundedAt:   timePtr(refundedAt),
		}
	}
	if b.GameDetails == nil {
		b.GameDetails = jsonObject{}
	}
	if b.ServiceDetails == nil {
		b.ServiceDetails = jsonObject{}
	}
	return &b, nil
}

func loadBooking(ctx context.Context, db queryerContext, id string) (*Booking, error) {
	b, err := scanBooking(db.QueryRowContext(ctx, `SELECT `+bookingColumns+bookingFrom+` WHERE b.id = $1`, id))
	if err != nil {
		return nil, notFound(err, ErrBookingNotFound)
	}
	return b, nil
}

func loadBookingForUpdate(ctx context.Context, tx *sql.Tx, id string) (*Booking, error) {
	b, err := scanBooking(tx.QueryRowContext(ctx, `SELECT `+bookingColumns+bookingFrom+` WHERE b.id = $1 FOR UPDATE OF b`, id))
	if err != nil {
		return nil, notFound(err, ErrBookingNotFound)
	}
	return b, nil
}

// saveBookingState writes every mutable booking field.
func saveBookingState(ctx context.Context, tx *sql.Tx, b *Booking) error {
	var ratingScore, ratingReview, ratedAt interface{}
	if b.Rating != nil {
		ratingScore = b.Rating.Score
		ratingReview = b.Rating.Review
		ratedAt = nullableTime(b.Rating.RatedAt)
	}
	var cancelledBy, cancelReason, cancelledAt, refundAmount, refundID, refundedAt interface{}
	if b.Cancellation != nil {
		cancelledBy = b.Cancellation.CancelledBy
		cancelReason = b.Cancellation.Reason
		cancelledAt = nullableTime(b.Cancellation.CancelledAt)
		refundAmount = int64(b.Cancellation.RefundAmount)
		refundID = nullableString(b.Cancellation.RefundID)
		refundedAt = nullableTime(b.Cancellation.RefundedAt)
	}
	var paymentAmount interface{}
	if b.PaymentDetails.Amount != nil {
		paymentAmount = int64(*b.PaymentDetails.Amount)
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE bookings
		SET status = $2,
			payment_status = $3,
			payment_id = $4,
			order_id = $5,
			payment_signature = $6,
			payment_method = $7,
			payment_amount = $8,
			paid_at = $9,
			user_notes = $10,
			provider_notes = $11,
			admin_notes = $12,
			rating_score = $13,
			rating_review = $14,
			rated_at = $15,
			cancelled_by = $16,
			cancellation_reason = $17,
			cancelled_at = $18,
			refund_amount = $19,
			refund_id = $20,
			refunded_at = $21,
			updated_at = NOW()
		WHERE id = $1
	`,
		b.ID, string(b.Status), string(b.PaymentStatus),
		nullableString(b.PaymentDetails.PaymentID), nullableString(b.PaymentDetails.OrderID),
		nullableString(b.PaymentDetails.Signature), nullableString(b.PaymentDetails.Method),
		paymentAmount, nullableTime(b.PaymentDetails.PaidAt),
		b.Notes.UserNotes, b.Notes.ProviderNotes, b.Notes.AdminNotes,
		ratingScore, ratingReview, ratedAt,
		cancelledBy, cancelReason, cancelledAt, refundAmount, refundID, refundedAt,
	)
	return err
}

/* ======================
   Access
   ====================== */

type bookingRelation struct {
	owner    bool
	provider bool
	admin    bool
}

func relationTo(b *Booking, u *User) bookingRelation {
	if u == nil {
		return bookingRelation{}
	}
	return bookingRelation{
		owner:    b.User.ID == u.ID,
		provider: b.providerUserID == u.ID,
		admin:    u.Role == RoleAdmin,
	}
}

func (r bookingRelation) any() bool {
	return r.owner || r.provider || r.admin
}

// actorRole names the party acting on a booking. An owner who is also an
// admin acts as the user.
func (r bookingRelation) actorRole() string {
	switch {
	case r.owner:
		return CancelledByUser
	case r.provider:
		return CancelledByProvider
	default:
		return CancelledByAdmin
	}
}

// transitionAllowed decides who may drive a status change. Users may only
// cancel their own bookings; refunds are recorded by admins.
func transitionAllowed(r bookingRelation, to BookingStatus) bool {
	switch {
	case r.admin:
		return true
	case r.provider:
		return to != StatusRefunded
	case r.owner:
		return to == StatusCancelled
	default:
		return false
	}
}

/* ======================
   Operations
   ====================== */

type createBookingInput struct {
	ServiceID      string     `json:"serviceId"`
	ProviderID     string     `json:"providerId"`
	ScheduledDate  string     `json:"scheduledDate"`
	ScheduledTime  *TimeSlot  `json:"scheduledTime"`
	GameDetails    jsonObject `json:"gameDetails"`
	ServiceDetails jsonObject `json:"serviceDetails"`
	UserNotes      string     `json:"userNotes"`
}

func (in *createBookingInput) validate(now time.Time) (time.Time, error) {
	in.ServiceID = strings.TrimSpace(in.ServiceID)
	in.ProviderID = strings.TrimSpace(in.ProviderID)
	if in.ServiceID == "" || in.ProviderID == "" || strings.TrimSpace(in.ScheduledDate) == "" || in.ScheduledTime == nil {
		return time.Time{}, ErrBookingMissingField
	}
	date, err := parseScheduledDate(in.ScheduledDate)
	if err != nil {
		return time.Time{}, err
	}
	if err := in.ScheduledTime.validate(); err != nil {
		return time.Time{}, err
	}
	if !scheduledStart(date, in.ScheduledTime.Start).After(now) {
		return time.Time{}, errValidation("Scheduled time must be in the future")
	}
	if len(in.UserNotes) > 1000 {
		return time.Time{}, errValidation("Notes cannot exceed 1000 characters")
	}
	return date, nil
}

func createBooking(ctx context.Context, db *sql.DB, user *User, in createBookingInput, settings GlobalSettings, now time.Time) (*Booking, error) {
	date, err := in.validate(now)
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	service, err := loadService(ctx, tx, in.ServiceID)
	if err != nil || !service.IsActive {
		if err == nil || err == ErrServiceNotFound {
			return nil, ErrServiceUnavailable
		}
		return nil, err
	}

	// The provider row lock serializes concurrent bookings for the same provider.
	provider, err := scanCoach(tx.QueryRowContext(ctx, `
		SELECT `+coachColumns+`
		FROM coaches c
		JOIN users u ON u.id = c.user_id
		WHERE c.id = $1
		FOR UPDATE OF c
	`, in.ProviderID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrProviderUnavailable
		}
		return nil, err
	}
	if !provider.bookable() {
		return nil, ErrProviderUnavailable
	}

	var custom sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT custom_price
		FROM coach_services
		WHERE coach_id = $1 AND service_id = $2
	`, provider.ID, service.ID).Scan(&custom)
	if err == sql.ErrNoRows {
		return nil, ErrProviderNotOffering
	}
	if err != nil {
		return nil, err
	}
	var customPrice *Money
	if custom.Valid && custom.Int64 > 0 {
		price := Money(custom.Int64)
		customPrice = &price
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT start_time, end_time
		FROM bookings
		WHERE provider_id = $1 AND scheduled_date = $2 AND status = ANY($3)
	`, provider.ID, date, pq.Array(blockingStatuses))
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var existing TimeSlot
		if err := rows.Scan(&existing.Start, &existing.End); err != nil {
			rows.Close()
			return nil, err
		}
		if slotsOverlap(*in.ScheduledTime, existing) {
			rows.Close()
			return nil, ErrSlotTaken
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	pricing := computePricing(service.BasePrice, customPrice, settings.TaxRateBps)
	var id string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO bookings (
			user_id, service_id, provider_id, booking_type, scheduled_date, start_time, end_time,
			duration_minutes, base_price, taxes, total_price, game_details, service_details, user_notes
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`, user.ID, service.ID, provider.ID, bookingTypeForCategory(service.Category), date,
		in.ScheduledTime.Start, in.ScheduledTime.End, service.Duration,
		pricing.BasePrice, pricing.Taxes, pricing.TotalPrice,
		in.GameDetails, in.ServiceDetails, strings.TrimSpace(in.UserNotes)).Scan(&id)
	if err != nil {
		return nil, err
	}

	if err := recordBookingEvent(ctx, tx, BookingEvent{
		BookingID: id,
		ActorID:   user.ID,
		ActorRole: CancelledByUser,
		Type:      BookingEventCreated,
		ToStatus:  StatusPending,
		Payload:   map[string]interface{}{"totalPrice": pricing.TotalPrice},
	}); err != nil {
		return nil, err
	}

	booking, err := loadBooking(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return booking, nil
}

// cancelBookingTx applies the cancellation rules to a locked booking.
func cancelBookingTx(b *Booking, rel bookingRelation, reason string, policy RefundPolicy, now time.Time) Money {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultCancelReason
	}
	refund := policy.refundFor(b.Price.TotalPrice, b.startsAt().Sub(now))
	cancelledAt := now
	b.Status = StatusCancelled
	b.Cancellation = &Cancellation{
		CancelledBy:  rel.actorRole(),
		Reason:       reason,
		CancelledAt:  &cancelledAt,
		RefundAmount: refund,
	}
	return refund
}

func cancelBooking(ctx context.Context, db *sql.DB, actor *User, id string, reason string, settings GlobalSettings, now time.Time) (*Booking, Money, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()

	b, err := loadBookingForUpdate(ctx, tx, id)
	if err != nil {
		return nil, 0, err
	}
	if !b.Status.cancellable() {
		return nil, 0, ErrNotCancellable
	}
	rel := relationTo(b, actor)
	if !rel.any() {
		return nil, 0, ErrForbidden
	}

	from := b.Status
	refund := cancelBookingTx(b, rel, reason, settings.refundPolicy(), now)
	if err := saveBookingState(ctx, tx, b); err != nil {
		return nil, 0, err
	}
	if err := recordBookingEvent(ctx, tx, BookingEvent{
		BookingID:  b.ID,
		ActorID:    actor.ID,
		ActorRole:  rel.actorRole(),
		Type:       BookingEventCancelled,
		FromStatus: from,
		ToStatus:   StatusCancelled,
		Payload:    map[string]interface{}{"reason": b.Cancellation.Reason, "refundAmount": refund},
	}); err != nil {
		return nil, 0, err
	}
	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}
	return b, refund, nil
}

type statusUpdateInput struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
	Reason string `json:"reason"`
}

func updateBookingStatus(ctx context.Context, db *sql.DB, actor *User, id string, in statusUpdateInput, settings GlobalSettings, now time.Time) (*Booking, BookingStatus, error) {
	to, ok := parseBookingStatus(in.Status)
	if !ok {
		return nil, "", errValidation("Invalid status")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", err
	}
	defer tx.Rollback()

	b, err := loadBookingForUpdate(ctx, tx, id)
	if err != nil {
		return nil, "", err
	}
	rel := relationTo(b, actor)
	if !rel.any() {
		return nil, "", ErrForbidden
	}
	from := b.Status
	if !canTransition(from, to) {
		return nil, "", errInvalidTransition(from, to)
	}
	if !transitionAllowed(rel, to) {
		return nil, "", ErrForbidden
	}

	if notes := strings.TrimSpace(in.Notes); notes != "" {
		switch {
		case rel.provider:
			b.Notes.ProviderNotes = notes
		case rel.admin:
			b.Notes.AdminNotes = notes
		}
	}

	payload := map[string]interface{}{}
	switch to {
	case StatusCancelled:
		payload["refundAmount"] = cancelBookingTx(b, rel, in.Reason, settings.refundPolicy(), now)
	case StatusRefunded:
		// Money only moves through the payments refund route.
		if b.PaymentStatus == PaymentPaid {
			return nil, "", ErrRefundViaPayments
		}
		b.Status = StatusRefunded
	default:
		b.Status = to
	}

	if err := saveBookingState(ctx, tx, b); err != nil {
		return nil, "", err
	}
	if to == StatusCompleted {
		if _, err := tx.ExecContext(ctx, `
			UPDATE coaches
			SET completed_sessions = completed_sessions + 1, updated_at = NOW()
			WHERE id = $1
		`, b.Provider.ID); err != nil {
			return nil, "", err
		}
	}
	if err := recordBookingEvent(ctx, tx, BookingEvent{
		BookingID:  b.ID,
		ActorID:    actor.ID,
		ActorRole:  rel.actorRole(),
		Type:       BookingEventStatusChanged,
		FromStatus: from,
		ToStatus:   to,
		Payload:    payload,
	}); err != nil {
		return nil, "", err
	}
	if err := tx.Commit(); err != nil {
		return nil, "", err
	}
	return b, from, nil
}

type rateInput struct {
	Rating int    `json:"rating"`
	Review string `json:"review"`
}

func rateBooking(ctx context.Context, db *sql.DB, actor *User, id string, in rateInput, now time.Time) (*Booking, error) {
	if !isValidRating(in.Rating) {
		return nil, ErrInvalidRating
	}
	if len(in.Review) > 1000 {
		return nil, errValidation("Review cannot exceed 1000 characters")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	b, err := loadBookingForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if b.User.ID != actor.ID {
		return nil, ErrRateOwnOnly
	}
	if b.Status != StatusCompleted {
		return nil, ErrRateCompletedOnly
	}
	if b.Rating != nil {
		return nil, ErrAlreadyRated
	}

	ratedAt := now
	b.Rating = &BookingRating{Score: in.Rating, Review: strings.TrimSpace(in.Review), RatedAt: &ratedAt}
	if err := saveBookingState(ctx, tx, b); err != nil {
		return nil, err
	}

	// Lock the provider before recomputing so concurrent ratings serialize.
	if _, err := tx.ExecContext(ctx, `SELECT id FROM coaches WHERE id = $1 FOR UPDATE`, b.Provider.ID); err != nil {
		return nil, err
	}
	var count int
	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(rating_score)
		FROM bookings
		WHERE provider_id = $1 AND rating_score IS NOT NULL
	`, b.Provider.ID).Scan(&count, &avg); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE coaches
		SET rating_average = $2, rating_count = $3, updated_at = NOW()
		WHERE id = $1
	`, b.Provider.ID, roundRating(avg.Float64), count); err != nil {
		return nil, err
	}
	if err := recordBookingEvent(ctx, tx, BookingEvent{
		BookingID: b.ID,
		ActorID:   actor.ID,
		ActorRole: CancelledByUser,
		Type:      BookingEventRated,
		Payload:   map[string]interface{}{"rating": in.Rating},
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return b, nil
}

func roundRating(avg float64) float64 {
	return math.Round(avg*10) / 10
}

type bookingFilter struct {
	UserID        string
	ProviderID    string
	Status        string
	PaymentStatus string
	BookingType   string
}

func parseBookingFilter(r *http.Request) (bookingFilter, error) {
	query := r.URL.Query()
	f := bookingFilter{}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status, ok := parseBookingStatus(raw)
		if !ok {
			return f, errValidation("Invalid status filter")
		}
		f.Status = string(status)
	}
	if raw := strings.TrimSpace(query.Get("paymentStatus")); raw != "" {
		status, ok := parsePaymentStatus(raw)
		if !ok {
			return f, errValidation("Invalid payment status filter")
		}
		f.PaymentStatus = string(status)
	}
	switch raw := strings.TrimSpace(query.Get("bookingType")); raw {
	case "":
	case BookingTypeService, BookingTypeCoaching:
		f.BookingType = raw
	default:
		return f, errValidation("Invalid booking type filter")
	}
	return f, nil
}

var bookingSortColumns = map[string]string{
	"createdAt":     "b.created_at",
	"scheduledDate": "b.scheduled_date",
	"totalPrice":    "b.total_price",
	"status":        "b.status",
}

func listBookings(ctx context.Context, db *sql.DB, f bookingFilter, p pageParams, order string) ([]Booking, int, error) {
	var where placeholders
	if f.UserID != "" {
		where.add("b.user_id = ?", f.UserID)
	}
	if f.ProviderID != "" {
		where.add("b.provider_id = ?", f.ProviderID)
	}
	if f.Status != "" {
		where.add("b.status = ?", f.Status)
	}
	if f.PaymentStatus != "" {
		where.add("b.payment_status = ?", f.PaymentStatus)
	}
	if f.BookingType != "" {
		where.add("b.booking_type = ?", f.BookingType)
	}

	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bookings b WHERE `+where.where(), where.args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limitSQL, args := where.page(p.Limit, p.offset())
	rows, err := db.QueryContext(ctx, `SELECT `+bookingColumns+bookingFrom+`
		WHERE `+where.where()+`
		ORDER BY `+order+`, b.id
		`+limitSQL, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	bookings := []Booking{}
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, 0, err
		}
		bookings = append(bookings, *b)
	}
	return bookings, total, rows.Err()
}

// expirePendingBookings cancels unpaid pending bookings whose start time
// passed more than grace ago. Slot times are wall-clock UTC.
func expirePendingBookings(ctx context.Context, db *sql.DB, now time.Time, grace time.Duration) ([]Booking, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		UPDATE bookings
		SET status = 'cancelled',
			cancelled_by = 'admin',
			cancellation_reason = 'Booking expired before payment',
			cancelled_at = $1,
			refund_amount = 0,
			updated_at = NOW()
		WHERE status = 'pending'
			AND payment_status <> 'paid'
			AND (scheduled_date + start_time::time) AT TIME ZONE 'UTC' < $2
		RETURNING id
	`, now, now.Add(-grace).UTC())
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	expired := make([]Booking, 0, len(ids))
	for _, id := range ids {
		if err := recordBookingEvent(ctx, tx, BookingEvent{
			BookingID:  id,
			ActorRole:  CancelledByAdmin,
			Type:       BookingEventExpired,
			FromStatus: StatusPending,
			ToStatus:   StatusCancelled,
		}); err != nil {
			return nil, err
		}
		b, err := loadBooking(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		expired = append(expired, *b)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return expired, nil
}

/* ======================
   Handlers
   ====================== */

func (a *App) notifyBookingParties(ctx context.Context, b *Booking, notifyType string, message string, toUser bool, toProvider bool) {
	input := NotificationInput{
		Category: NotificationCategoryBooking,
		Type:     notifyType,
		Message:  message,
		Link:     "/bookings/" + b.ID,
		Payload:  map[string]interface{}{"bookingId": b.ID, "reference": b.Reference, "status": b.Status},
	}
	if toUser {
		a.notifier.notifyUser(ctx, b.User.ID, input)
	}
	if toProvider && b.providerUserID != b.User.ID {
		a.notifier.notifyUser(ctx, b.providerUserID, input)
	}
}

func createBookingHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in createBookingInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		if providerID := pathVar(r, "id"); providerID != "" {
			in.ProviderID = providerID
		}
		user := accountFromContext(r.Context())
		booking, err := createBooking(r.Context(), app.db, user, in, GetGlobalSettings(), time.Now().UTC())
		if err != nil {
			writeError(w, r, err)
			return
		}
		app.metrics.bookingsCreated.WithLabelValues(booking.BookingType).Inc()
		requestLogger(r.Context()).WithFields(logrus.Fields{
			"booking_id": booking.ID,
			"provider":   booking.Provider.ID,
			"total":      booking.Price.TotalPrice.String(),
		}).Info("booking created")
		app.notifyBookingParties(r.Context(), booking, "booking_created",
			fmt.Sprintf("New booking %s for %s on %s at %s", booking.Reference, booking.Service.Name, booking.ScheduledDate, booking.ScheduledTime.Start),
			false, true)
		writeData(w, http.StatusCreated, "Booking created successfully", map[string]interface{}{"booking": booking})
	}
}

func userBookingsHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := parseBookingFilter(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		f.UserID = accountFromContext(r.Context()).ID
		p := parsePageParams(r, 10)
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

func providerBookingsHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := accountFromContext(r.Context())
		provider, err := loadCoachByUser(r.Context(), app.db, user.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		f, err := parseBookingFilter(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		f.ProviderID = provider.ID
		p := parsePageParams(r, 10)
		bookings, total, err := listBookings(r.Context(), app.db, f, p, orderBy(r, bookingSortColumns, "scheduledDate", false))
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

func getBookingHandler(app *App) http.HandlerFunc {
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
		writeOK(w, map[string]interface{}{"booking": booking})
	}
}

func updateBookingStatusHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in statusUpdateInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		user := accountFromContext(r.Context())
		booking, from, err := updateBookingStatus(r.Context(), app.db, user, pathVar(r, "id"), in, GetGlobalSettings(), time.Now().UTC())
		if err != nil {
			writeError(w, r, err)
			return
		}
		app.metrics.bookingTransitions.WithLabelValues(string(from), string(booking.Status)).Inc()
		requestLogger(r.Context()).WithFields(logrus.Fields{
			"booking_id": booking.ID,
			"from":       from,
			"to":         booking.Status,
		}).Info("booking status changed")

		switch booking.Status {
		case StatusConfirmed:
			app.notifyBookingParties(r.Context(), booking, "booking_confirmed", "Booking "+booking.Reference+" has been confirmed", true, true)
		case StatusCompleted:
			app.notifyBookingParties(r.Context(), booking, "booking_completed", "Booking "+booking.Reference+" is complete. Rate your session!", true, true)
		case StatusCancelled:
			app.notifyBookingParties(r.Context(), booking, "booking_cancelled", "Booking "+booking.Reference+" was cancelled", true, true)
		case StatusRefunded:
			app.notifyBookingParties(r.Context(), booking, "booking_refunded", "Booking "+booking.Reference+" has been refunded", true, false)
		case StatusInProgress:
			app.notifyBookingParties(r.Context(), booking, "booking_started", "Booking "+booking.Reference+" is in progress", true, false)
		}
		writeData(w, http.StatusOK, "Booking status updated successfully", map[string]interface{}{"booking": booking})
	}
}

func cancelBookingHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Reason string `json:"reason"`
		}
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		user := accountFromContext(r.Context())
		booking, refund, err := cancelBooking(r.Context(), app.db, user, pathVar(r, "id"), in.Reason, GetGlobalSettings(), time.Now().UTC())
		if err != nil {
			writeError(w, r, err)
			return
		}
		app.metrics.bookingTransitions.WithLabelValues("cancel", string(StatusCancelled)).Inc()
		app.notifyBookingParties(r.Context(), booking, "booking_cancelled",
			fmt.Sprintf("Booking %s was cancelled by the %s", booking.Reference, booking.Cancellation.CancelledBy), true, true)
		writeData(w, http.StatusOK, "Booking cancelled successfully", map[string]interface{}{
			"booking":      booking,
			"refundAmount": refund,
		})
	}
}

func rateBookingHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in rateInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		user := accountFromContext(r.Context())
		booking, err := rateBooking(r.Context(), app.db, user, pathVar(r, "id"), in, time.Now().UTC())
		if err != nil {
			writeError(w, r, err)
			return
		}
		app.cache.Invalidate(r.Context())
		app.notifyBookingParties(r.Context(), booking, "booking_rated",
			fmt.Sprintf("%s rated booking %s %d/5", booking.User.Name, booking.Reference, in.Rating), false, true)
		writeData(w, http.StatusOK, "Rating submitted successfully", map[string]interface{}{"booking": booking})
	}
}
