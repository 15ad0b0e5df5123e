package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type PaymentOrder struct {
	OrderID       string            `json:"orderId"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	KeyID         string            `json:"key"`
	IsDevelopment bool              `json:"isDevelopment"`
	Booking       PaymentOrderOwner `json:"booking"`
}

type PaymentOrderOwner struct {
	ID          string `json:"id"`
	BookingRef  string `json:"bookingRef"`
	ServiceName string `json:"serviceName"`
	TotalPrice  Money  `json:"totalPrice"`
}

func createPaymentOrder(ctx context.Context, db *sql.DB, gateway PaymentGateway, user *User, bookingID string) (*PaymentOrder, error) {
	if strings.TrimSpace(bookingID) == "" {
		return nil, errValidation("bookingId is required")
	}
	b, err := loadBooking(ctx, db, bookingID)
	if err != nil {
		return nil, err
	}
	if b.User.ID != user.ID {
		return nil, ErrForbidden
	}
	if b.Status != StatusPending {
		return nil, ErrNotPayable
	}
	if b.PaymentStatus == PaymentPaid {
		return nil, ErrAlreadyPaid
	}

	order, err := gateway.CreateOrder(ctx, b.Price.TotalPrice, "booking_"+b.ID, map[string]string{
		"bookingId":   b.ID,
		"userId":      user.ID,
		"serviceName": b.Service.Name,
	})
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE bookings
		SET order_id = $2,
			payment_amount = $3,
			payment_status = CASE WHEN payment_status = 'failed' THEN 'pending' ELSE payment_status END,
			updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND payment_status <> 'paid'
	`, b.ID, order.ID, b.Price.TotalPrice)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotPayable
	}
	if err := recordBookingEvent(ctx, tx, BookingEvent{
		BookingID: b.ID,
		ActorID:   user.ID,
		ActorRole: CancelledByUser,
		Type:      BookingEventPaymentOrder,
		Payload:   map[string]interface{}{"orderId": order.ID, "amount": order.Amount},
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &PaymentOrder{
		OrderID:       order.ID,
		Amount:        order.Amount,
		Currency:      order.Currency,
		KeyID:         gateway.KeyID(),
		IsDevelopment: gateway.DevMode(),
		Booking: PaymentOrderOwner{
			ID:          b.ID,
			BookingRef:  b.Reference,
			ServiceName: b.Service.Name,
			TotalPrice:  b.Price.TotalPrice,
		},
	}, nil
}

// verifyInput carries the checkout callback. A client-supplied
// isDevelopment flag is accepted for compatibility and ignored.
type verifyInput struct {
	OrderID       string `json:"razorpay_order_id"`
	PaymentID     string `json:"razorpay_payment_id"`
	Signature     string `json:"razorpay_signature"`
	BookingID     string `json:"bookingId"`
	IsDevelopment bool   `json:"isDevelopment"`
}

func verifyPayment(ctx context.Context, db *sql.DB, gateway PaymentGateway, user *User, in verifyInput, now time.Time) (*Booking, error) {
	if strings.TrimSpace(in.BookingID) == "" {
		return nil, errValidation("bookingId is required")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	b, err := loadBookingForUpdate(ctx, tx, in.BookingID)
	if err != nil {
		return nil, err
	}
	if b.User.ID != user.ID {
		return nil, ErrForbidden
	}
	if b.PaymentStatus == PaymentPaid {
		return nil, ErrAlreadyPaid
	}
	if b.Status != StatusPending {
		return nil, ErrNotPayable
	}
	orderID := strings.TrimSpace(in.OrderID)
	if orderID == "" && gateway.DevMode() {
		orderID = b.PaymentDetails.OrderID
	}
	if b.PaymentDetails.OrderID == "" || orderID != b.PaymentDetails.OrderID {
		return nil, ErrOrderMismatch
	}

	if !gateway.VerifySignature(orderID, in.PaymentID, in.Signature) {
		b.PaymentStatus = PaymentFailed
		b.PaymentDetails.PaymentID = firstNonEmpty(in.PaymentID, "dev_payment_failed")
		b.PaymentDetails.Signature = firstNonEmpty(in.Signature, "dev_signature")
		if err := saveBookingState(ctx, tx, b); err != nil {
			return nil, err
		}
		if err := recordBookingEvent(ctx, tx, BookingEvent{
			BookingID: b.ID,
			ActorID:   user.ID,
			ActorRole: CancelledByUser,
			Type:      BookingEventPaymentFailed,
			Payload:   map[string]interface{}{"orderId": orderID, "reason": "signature mismatch"},
		}); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return b, ErrPaymentVerification
	}

	paidAt := now
	amount := b.Price.TotalPrice
	method := "razorpay"
	if gateway.DevMode() {
		method = "development"
	}
	b.Status = StatusConfirmed
	b.PaymentStatus = PaymentPaid
	b.PaymentDetails.PaymentID = firstNonEmpty(in.PaymentID, fmt.Sprintf("dev_payment_%d", now.UnixMilli()))
	b.PaymentDetails.Signature = firstNonEmpty(in.Signature, "dev_signature")
	b.PaymentDetails.Method = method
	b.PaymentDetails.Amount = &amount
	b.PaymentDetails.PaidAt = &paidAt
	if err := saveBookingState(ctx, tx, b); err != nil {
		return nil, err
	}
	if err := recordBookingEvent(ctx, tx, BookingEvent{
		BookingID:  b.ID,
		ActorID:    user.ID,
		ActorRole:  CancelledByUser,
		Type:       BookingEventPaid,
		FromStatus: StatusPending,
		ToStatus:   StatusConfirmed,
		Payload:    map[string]interface{}{"orderId": orderID, "paymentId": b.PaymentDetails.PaymentID, "method": method},
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return b, nil
}

func recordPaymentFailure(ctx context.Context, db *sql.DB, user *User, bookingID string, description string) (*Booking, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	b, err := loadBookingForUpdate(ctx, tx, bookingID)
	if err != nil {
		return nil, err
	}
	rel := relationTo(b, user)
	if !rel.owner && !rel.admin {
		return nil, ErrForbidden
	}
	if b.PaymentStatus == PaymentPaid || b.PaymentStatus == PaymentRefunded {
		return nil, ErrAlreadyPaid
	}
	description = firstNonEmpty(strings.TrimSpace(description), "Unknown error")
	b.PaymentStatus = PaymentFailed
	b.Notes.AdminNotes = "Payment failed: " + description
	if err := saveBookingState(ctx, tx, b); err != nil {
		return nil, err
	}
	if err := recordBookingEvent(ctx, tx, BookingEvent{
		BookingID: b.ID,
		ActorID:   user.ID,
		ActorRole: rel.actorRole(),
		Type:      BookingEventPaymentFailed,
		Payload:   map[string]interface{}{"description": description},
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return b, nil
}

type refundInput struct {
	RefundAmount *Money `json:"refundAmount"`
	Reason       string `json:"reason"`
	ToWallet     bool   `json:"toWallet"`
}

// refundableAmount checks a booking against the refund rules and returns
// the amount to send back.
func refundableAmount(b *Booking, requested *Money) (Money, error) {
	if b.PaymentStatus != PaymentPaid {
		return 0, ErrNotRefundable
	}
	if b.Status != StatusCancelled {
		return 0, ErrRefundRequiresCancel
	}
	amount := Money(0)
	if b.Cancellation != nil {
		amount = b.Cancellation.RefundAmount
	}
	if requested != nil {
		amount = *requested
	}
	if amount <= 0 {
		return 0, errValidation("Refund amount must be greater than zero")
	}
	paid := b.Price.TotalPrice
	if b.PaymentDetails.Amount != nil {
		paid = *b.PaymentDetails.Amount
	}
	if amount > paid {
		return 0, ErrRefundTooLarge
	}
	return amount, nil
}

// refundPayment holds the booking row lock across the gateway call so two
// concurrent refunds of the same booking cannot both reach the gateway.
func refundPayment(ctx context.Context, db *sql.DB, gateway PaymentGateway, admin *User, bookingID string, in refundInput, now time.Time) (*Booking, string, Money, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", 0, err
	}
	defer tx.Rollback()

	b, err := loadBookingForUpdate(ctx, tx, bookingID)
	if err != nil {
		return nil, "", 0, err
	}
	amount, err := refundableAmount(b, in.RefundAmount)
	if err != nil {
		return nil, "", 0, err
	}
	reason := firstNonEmpty(strings.TrimSpace(in.Reason), "Booking cancellation")

	var refundID string
	if in.ToWallet {
		if _, err := applyWalletTx(ctx, tx, b.User.ID, WalletCredit, amount, "Refund for booking "+b.Reference, b.ID); err != nil {
			return nil, "", 0, err
		}
		refundID = "wallet_" + b.Reference
	} else {
		var refund *GatewayRefund
		refund, err = gateway.Refund(ctx, b.PaymentDetails.PaymentID, amount, map[string]string{
			"reason":    reason,
			"bookingId": b.ID,
		})
		if err != nil {
			return nil, "", 0, err
		}
		refundID = refund.ID
		defer func() {
			if err != nil {
				logger.WithFields(logrus.Fields{"booking_id": b.ID, "refund_id": refundID}).WithError(err).
					Error("gateway refund issued but booking update failed")
			}
		}()
	}

	refundedAt := now
	from := b.Status
	b.Status = StatusRefunded
	b.PaymentStatus = PaymentRefunded
	if b.Cancellation == nil {
		b.Cancellation = &Cancellation{CancelledBy: CancelledByAdmin, Reason: reason}
	}
	b.Cancellation.RefundAmount = amount
	b.Cancellation.RefundID = refundID
	b.Cancellation.RefundedAt = &refundedAt
	b.Notes.AdminNotes = "Refund processed: ₹" + amount.String()
	if err = saveBookingState(ctx, tx, b); err != nil {
		return nil, "", 0, err
	}
	if err = recordBookingEvent(ctx, tx, BookingEvent{
		BookingID:  b.ID,
		ActorID:    admin.ID,
		ActorRole:  CancelledByAdmin,
		Type:       BookingEventRefunded,
		FromStatus: from,
		ToStatus:   StatusRefunded,
		Payload:    map[string]interface{}{"refundId": refundID, "amount": amount, "toWallet": in.ToWallet, "reason": reason},
	}); err != nil {
		return nil, "", 0, err
	}
	if err = tx.Commit(); err != nil {
		return nil, "", 0, err
	}
	return b, refundID, amount, nil
}

type PaymentRecord struct {
	BookingID      string            `json:"bookingId"`
	BookingRef     string            `json:"bookingRef"`
	Service        BookingServiceRef `json:"service"`
	ProviderName   string            `json:"providerName"`
	Price          Pricing           `json:"price"`
	Status         BookingStatus     `json:"status"`
	PaymentStatus  PaymentStatus     `json:"paymentStatus"`
	PaymentDetails PaymentDetails    `json:"paymentDetails"`
	RefundAmount   *Money            `json:"refundAmount,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

func paymentRecord(b Booking) PaymentRecord {
	rec := PaymentRecord{
		BookingID:      b.ID,
		BookingRef:     b.Reference,
		Service:        b.Service,
		ProviderName:   b.Provider.Name,
		Price:          b.Price,
		Status:         b.Status,
		PaymentStatus:  b.PaymentStatus,
		PaymentDetails: b.PaymentDetails,
		CreatedAt:      b.CreatedAt,
	}
	if b.Cancellation != nil && b.PaymentStatus == PaymentRefunded {
		amount := b.Cancellation.RefundAmount
		rec.RefundAmount = &amount
	}
	return rec
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

/* ======================
   Handlers
   ====================== */

func createPaymentOrderHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			BookingID string `json:"bookingId"`
		}
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		order, err := createPaymentOrder(r.Context(), app.db, app.gateway, accountFromContext(r.Context()), in.BookingID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		app.metrics.payments.WithLabelValues("order_created").Inc()
		requestLogger(r.Context()).WithFields(logrus.Fields{
			"booking_id": order.Booking.ID,
			"order_id":   order.OrderID,
			"dev":        order.IsDevelopment,
		}).Info("payment order created")
		writeOK(w, order)
	}
}

func verifyPaymentHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in verifyInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		booking, err := verifyPayment(r.Context(), app.db, app.gateway, accountFromContext(r.Context()), in, time.Now().UTC())
		if errors.Is(err, ErrPaymentVerification) {
			app.metrics.payments.WithLabelValues("verification_failed").Inc()
			requestLogger(r.Context()).WithField("booking_id", in.BookingID).Warn("payment signature mismatch")
			app.notifier.notifyRole(r.Context(), RoleAdmin, NotificationInput{
				Category: NotificationCategoryAdmin,
				Type:     "payment_verification_failed",
				Message:  "Payment verification failed for booking " + booking.Reference,
				Link:     "/admin/bookings/" + booking.ID,
				Payload:  map[string]interface{}{"bookingId": booking.ID},
			})
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		app.metrics.payments.WithLabelValues("verified").Inc()
		app.metrics.bookingTransitions.WithLabelValues(string(StatusPending), string(StatusConfirmed)).Inc()
		app.notifyBookingParties(r.Context(), booking, "booking_confirmed", "Payment received. Booking "+booking.Reference+" is confirmed", true, true)
		writeData(w, http.StatusOK, "Payment verified successfully", map[string]interface{}{"booking": booking})
	}
}

func paymentFailureHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			BookingID string `json:"bookingId"`
			Error     struct {
				Code        string `json:"code"`
				Description string `json:"description"`
			} `json:"error"`
		}
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		booking, err := recordPaymentFailure(r.Context(), app.db, accountFromContext(r.Context()), in.BookingID, in.Error.Description)
		if err != nil {
			writeError(w, r, err)
			return
		}
		app.metrics.payments.WithLabelValues("failed").Inc()
		app.notifier.notifyRole(r.Context(), RoleAdmin, NotificationInput{
			Category: NotificationCategoryAdmin,
			Type:     "payment_failed",
			Message:  booking.Notes.AdminNotes + " (" + booking.Reference + ")",
			Link:     "/admin/bookings/" + booking.ID,
			Payload:  map[string]interface{}{"bookingId": booking.ID, "code": in.Error.Code},
		})
		writeData(w, http.StatusOK, "Payment failure recorded", nil)
	}
}

func paymentHistoryHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := bookingFilter{UserID: accountFromContext(r.Context()).ID}
		if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
			status, ok := parsePaymentStatus(raw)
			if !ok {
				writeError(w, r, errValidation("Invalid payment status filter"))
				return
			}
			f.PaymentStatus = string(status)
		}
		p := parsePageParams(r, 10)
		bookings, total, err := listBookings(r.Context(), app.db, f, p, orderBy(r, bookingSortColumns, "createdAt", true))
		if err != nil {
			writeError(w, r, err)
			return
		}
		payments := make([]PaymentRecord, 0, len(bookings))
		for _, b := range bookings {
			payments = append(payments, paymentRecord(b))
		}
		writeOK(w, map[string]interface{}{
			"payments":   payments,
			"pagination": newPagination(p, total, "totalPayments"),
		})
	}
}

func refundPaymentHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in refundInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		admin := accountFromContext(r.Context())
		booking, refundID, amount, err := refundPayment(r.Context(), app.db, app.gateway, admin, pathVar(r, "bookingId"), in, time.Now().UTC())
		if err != nil {
			writeError(w, r, err)
			return
		}
		app.metrics.payments.WithLabelValues("refunded").Inc()
		app.metrics.refundedPaise.Add(float64(amount.Paise()))
		app.metrics.bookingTransitions.WithLabelValues(string(StatusCancelled), string(StatusRefunded)).Inc()
		requestLogger(r.Context()).WithFields(logrus.Fields{
			"booking_id": booking.ID,
			"refund_id":  refundID,
			"amount":     amount.String(),
			"to_wallet":  in.ToWallet,
		}).Info("refund processed")
		app.notifyBookingParties(r.Context(), booking, "booking_refunded",
			fmt.Sprintf("Refund of ₹%s processed for booking %s", amount.String(), booking.Reference), true, false)
		writeData(w, http.StatusOK, "Refund processed successfully", map[string]interface{}{
			"refundId":     refundID,
			"refundAmount": amount,
			"booking":      booking,
		})
	}
}
