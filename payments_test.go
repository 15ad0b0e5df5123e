package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefundableAmount(t *testing.T) {
	b := &Booking{Status: StatusCancelled, PaymentStatus: PaymentPaid}
	b.Price.TotalPrice = rupees(1770)
	b.Cancellation = &Cancellation{RefundAmount: rupees(885)}

	amount, err := refundableAmount(b, nil)
	require.NoError(t, err)
	assert.Equal(t, rupees(885), amount)

	requested := rupees(1000)
	amount, err = refundableAmount(b, &requested)
	require.NoError(t, err)
	assert.Equal(t, rupees(1000), amount)

	tooMuch := rupees(2000)
	_, err = refundableAmount(b, &tooMuch)
	assert.ErrorIs(t, err, ErrRefundTooLarge)

	paid := rupees(900)
	b.PaymentDetails.Amount = &paid
	_, err = refundableAmount(b, &requested)
	assert.ErrorIs(t, err, ErrRefundTooLarge, "paid amount caps the refund")

	zero := Money(0)
	_, err = refundableAmount(b, &zero)
	assert.Error(t, err)

	b.Cancellation.RefundAmount = 0
	_, err = refundableAmount(b, nil)
	assert.Error(t, err, "a zero-tier cancellation has nothing to refund")
}

func TestRefundableAmountRequiresCancelledPaidBooking(t *testing.T) {
	b := &Booking{Status: StatusConfirmed, PaymentStatus: PaymentPaid}
	_, err := refundableAmount(b, nil)
	assert.ErrorIs(t, err, ErrRefundRequiresCancel)

	b = &Booking{Status: StatusCancelled, PaymentStatus: PaymentPending}
	_, err = refundableAmount(b, nil)
	assert.ErrorIs(t, err, ErrNotRefundable)
}

func expectBookingForUpdate(mock sqlmock.Sqlmock, f bookingFixture) {
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE OF b`).WithArgs(f.ID).WillReturnRows(bookingRows(f))
}

func TestVerifyPaymentRejectsOtherUsers(t *testing.T) {
	app, mock := newTestApp(t)
	f := newBookingFixture()
	expectBookingForUpdate(mock, f)
	mock.ExpectRollback()

	_, err := verifyPayment(context.Background(), app.db, app.gateway, testUser("u-other", RoleUser),
		verifyInput{BookingID: f.ID, OrderID: "order_1"}, time.Now())
	assert.ErrorIs(t, err, ErrForbidden)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyPaymentOrderMismatch(t *testing.T) {
	app, mock := newTestApp(t)
	f := newBookingFixture()
	expectBookingForUpdate(mock, f)
	mock.ExpectRollback()

	_, err := verifyPayment(context.Background(), app.db, app.gateway, testUser(f.UserID, RoleUser),
		verifyInput{BookingID: f.ID, OrderID: "order_someone_else"}, time.Now())
	assert.ErrorIs(t, err, ErrOrderMismatch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyPaymentAlreadyPaid(t *testing.T) {
	app, mock := newTestApp(t)
	f := newBookingFixture()
	f.Status = StatusConfirmed
	f.PaymentStatus = PaymentPaid
	expectBookingForUpdate(mock, f)
	mock.ExpectRollback()

	_, err := verifyPayment(context.Background(), app.db, app.gateway, testUser(f.UserID, RoleUser),
		verifyInput{BookingID: f.ID, OrderID: "order_1"}, time.Now())
	assert.ErrorIs(t, err, ErrAlreadyPaid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyPaymentDevModeConfirmsBooking(t *testing.T) {
	app, mock := newTestApp(t)
	f := newBookingFixture()
	expectBookingForUpdate(mock, f)
	mock.ExpectExec(`UPDATE bookings`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO booking_events`).
		WithArgs(f.ID, f.UserID, CancelledByUser, BookingEventPaid, string(StatusPending), string(StatusConfirmed), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	now := time.Date(2030, 5, 20, 12, 0, 0, 0, time.UTC)
	b, err := verifyPayment(context.Background(), app.db, app.gateway, testUser(f.UserID, RoleUser),
		verifyInput{BookingID: f.ID}, now)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, b.Status)
	assert.Equal(t, PaymentPaid, b.PaymentStatus)
	assert.Equal(t, "development", b.PaymentDetails.Method)
	assert.Equal(t, "order_1", b.PaymentDetails.OrderID)
	require.NotNil(t, b.PaymentDetails.Amount)
	assert.Equal(t, f.Total, *b.PaymentDetails.Amount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePaymentOrderRequiresPendingBooking(t *testing.T) {
	app, mock := newTestApp(t)
	f := newBookingFixture()
	f.Status = StatusCancelled
	mock.ExpectQuery(`WHERE b.id = \$1`).WithArgs(f.ID).WillReturnRows(bookingRows(f))

	_, err := createPaymentOrder(context.Background(), app.db, app.gateway, testUser(f.UserID, RoleUser), f.ID)
	assert.ErrorIs(t, err, ErrNotPayable)

	_, err = createPaymentOrder(context.Background(), app.db, app.gateway, testUser(f.UserID, RoleUser), " ")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRecordIncludesRefund(t *testing.T) {
	b := Booking{ID: "b1", Reference: "PF00000001", Status: StatusRefunded, PaymentStatus: PaymentRefunded}
	b.Cancellation = &Cancellation{RefundAmount: rupees(500)}
	rec := paymentRecord(b)
	require.NotNil(t, rec.RefundAmount)
	assert.Equal(t, rupees(500), *rec.RefundAmount)

	b.PaymentStatus = PaymentPaid
	assert.Nil(t, paymentRecord(b).RefundAmount)
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
	assert.Equal(t, "", firstNonEmpty("", ""))
}

func TestApplyWalletTxRejectsOverdraft(t *testing.T) {
	app, mock := newTestApp(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT wallet_balance`).WithArgs("u-1").
		WillReturnRows(sqlmock.NewRows([]string{"wallet_balance"}).AddRow(int64(rupees(5))))
	mock.ExpectRollback()

	balance, err := adjustWallet(context.Background(), app.db, "u-1", WalletDebit, rupees(10), "test", "")
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, rupees(5), balance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyWalletTxCredit(t *testing.T) {
	app, mock := newTestApp(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT wallet_balance`).WithArgs("u-1").
		WillReturnRows(sqlmock.NewRows([]string{"wallet_balance"}).AddRow(int64(rupees(5))))
	mock.ExpectExec(`UPDATE users`).WithArgs("u-1", int64(rupees(15))).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO wallet_transactions`).
		WithArgs("u-1", WalletCredit, int64(rupees(10)), int64(rupees(15)), "Refund", "wallet_PF1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	balance, err := adjustWallet(context.Background(), app.db, "u-1", WalletCredit, rupees(10), "Refund", "wallet_PF1")
	require.NoError(t, err)
	assert.Equal(t, rupees(15), balance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyWalletTxValidatesInput(t *testing.T) {
	app, mock := newTestApp(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err := adjustWallet(context.Background(), app.db, "u-1", "transfer", rupees(10), "", "")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWalletAdjustInputValidate(t *testing.T) {
	in := walletAdjustInput{Type: " CREDIT ", Amount: rupees(10)}
	require.NoError(t, in.validate())
	assert.Equal(t, WalletCredit, in.Type)
	assert.Equal(t, "Admin adjustment", in.Description)

	assert.Error(t, (&walletAdjustInput{Type: "credit"}).validate())
	assert.Error(t, (&walletAdjustInput{Type: "gift", Amount: rupees(1)}).validate())
}

type recordingGateway struct {
	PaymentGateway
	refunds []Money
	err     error
}

func (g *recordingGateway) Refund(_ context.Context, paymentID string, amount Money, _ map[string]string) (*GatewayRefund, error) {
	g.refunds = append(g.refunds, amount)
	if g.err != nil {
		return nil, g.err
	}
	return &GatewayRefund{ID: "rfnd_1", PaymentID: paymentID, Amount: amount.Paise(), Status: "processed"}, nil
}

func cancelledPaidFixture() bookingFixture {
	f := newBookingFixture()
	f.Status = StatusCancelled
	f.PaymentStatus = PaymentPaid
	return f
}

func TestRefundPaymentThroughGateway(t *testing.T) {
	app, mock := newTestApp(t)
	gateway := &recordingGateway{PaymentGateway: app.gateway}
	f := cancelledPaidFixture()
	admin := testUser("u-admin", RoleAdmin)

	expectBookingForUpdate(mock, f)
	mock.ExpectExec(`UPDATE bookings`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO booking_events`).
		WithArgs(f.ID, admin.ID, CancelledByAdmin, BookingEventRefunded, string(StatusCancelled), string(StatusRefunded), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	amount := rupees(885)
	b, refundID, refunded, err := refundPayment(context.Background(), app.db, gateway, admin, f.ID,
		refundInput{RefundAmount: &amount}, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, "rfnd_1", refundID)
	assert.Equal(t, amount, refunded)
	assert.Equal(t, []Money{amount}, gateway.refunds)
	assert.Equal(t, StatusRefunded, b.Status)
	assert.Equal(t, PaymentRefunded, b.PaymentStatus)
	require.NotNil(t, b.Cancellation)
	assert.Equal(t, "rfnd_1", b.Cancellation.RefundID)
	assert.NotNil(t, b.Cancellation.RefundedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefundPaymentToWallet(t *testing.T) {
	app, mock := newTestApp(t)
	gateway := &recordingGateway{PaymentGateway: app.gateway}
	f := cancelledPaidFixture()

	expectBookingForUpdate(mock, f)
	mock.ExpectQuery(`SELECT wallet_balance`).WithArgs(f.UserID).
		WillReturnRows(sqlmock.NewRows([]string{"wallet_balance"}).AddRow(int64(rupees(100))))
	mock.ExpectExec(`UPDATE users`).WithArgs(f.UserID, int64(rupees(985))).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO wallet_transactions`).
		WithArgs(f.UserID, WalletCredit, int64(rupees(885)), int64(rupees(985)), "Refund for booking PF0000ABCD", f.ID).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE bookings`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO booking_events`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	amount := rupees(885)
	b, refundID, _, err := refundPayment(context.Background(), app.db, gateway, testUser("u-admin", RoleAdmin), f.ID,
		refundInput{RefundAmount: &amount, ToWallet: true}, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, "wallet_PF0000ABCD", refundID)
	assert.Empty(t, gateway.refunds, "wallet refunds never reach the gateway")
	assert.Equal(t, PaymentRefunded, b.PaymentStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefundPaymentChecksLockedRowBeforeGateway(t *testing.T) {
	app, mock := newTestApp(t)
	gateway := &recordingGateway{PaymentGateway: app.gateway}
	f := cancelledPaidFixture()
	f.Status = StatusRefunded
	f.PaymentStatus = PaymentRefunded

	expectBookingForUpdate(mock, f)
	mock.ExpectRollback()

	amount := rupees(885)
	_, _, _, err := refundPayment(context.Background(), app.db, gateway, testUser("u-admin", RoleAdmin), f.ID,
		refundInput{RefundAmount: &amount}, time.Now().UTC())
	assert.Error(t, err)
	assert.Empty(t, gateway.refunds)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefundPaymentGatewayFailureRollsBack(t *testing.T) {
	app, mock := newTestApp(t)
	gateway := &recordingGateway{PaymentGateway: app.gateway, err: errors.New("gateway down")}
	f := cancelledPaidFixture()

	expectBookingForUpdate(mock, f)
	mock.ExpectRollback()

	amount := rupees(885)
	_, _, _, err := refundPayment(context.Background(), app.db, gateway, testUser("u-admin", RoleAdmin), f.ID,
		refundInput{RefundAmount: &amount}, time.Now().UTC())
	assert.EqualError(t, err, "gateway down")
	assert.Len(t, gateway.refunds, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}
