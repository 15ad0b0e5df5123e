package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bookingFixture struct {
	ID             string
	UserID         string
	ProviderID     string
	ProviderUserID string
	Status         BookingStatus
	PaymentStatus  PaymentStatus
	Date           time.Time
	Start, End     string
	Total          Money
	RatingScore    interface{}
}

func newBookingFixture() bookingFixture {
	return bookingFixture{
		ID:             "bk-0000-0000-0000-00000000abcd",
		UserID:         "u-owner",
		ProviderID:     "c-1",
		ProviderUserID: "u-coach",
		Status:         StatusPending,
		PaymentStatus:  PaymentPending,
		Date:           time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC),
		Start:          "10:00",
		End:            "11:00",
		Total:          rupees(1770),
	}
}

func bookingRows(fixtures ...bookingFixture) *sqlmock.Rows {
	cols := make([]string, 49)
	for i := range cols {
		cols[i] = "c" + string(rune('a'+i%26)) + string(rune('a'+i/26))
	}
	rows := sqlmock.NewRows(cols)
	created := time.Date(2030, 5, 1, 0, 0, 0, 0, time.UTC)
	for _, f := range fixtures {
		base := f.Total * 100 / 118
		rows.AddRow(
			f.ID, BookingTypeCoaching, f.Date, f.Start, f.End, int64(60),
			int64(base), int64(f.Total-base), int64(f.Total), string(f.Status), string(f.PaymentStatus),
			"", "order_1", "", "", nil, nil,
			[]byte(`{"game":"Valorant"}`), []byte(`{}`), "", "", "",
			f.RatingScore, "", nil,
			"", "", nil, nil,
			"", nil, created, created,
			f.UserID, "Owner", "owner@example.com", "9876543210", "",
			"svc-1", "Valorant 1v1 Coaching", CategoryGamingCoaching, int64(60), "",
			f.ProviderID, f.ProviderUserID, "Coach", "coach@example.com", "9123456780", "",
		)
	}
	return rows
}

func TestTransitionAllowed(t *testing.T) {
	owner := bookingRelation{owner: true}
	provider := bookingRelation{provider: true}
	admin := bookingRelation{admin: true}

	assert.True(t, transitionAllowed(owner, StatusCancelled))
	assert.False(t, transitionAllowed(owner, StatusConfirmed))
	assert.False(t, transitionAllowed(owner, StatusCompleted))

	assert.True(t, transitionAllowed(provider, StatusConfirmed))
	assert.True(t, transitionAllowed(provider, StatusCompleted))
	assert.False(t, transitionAllowed(provider, StatusRefunded))

	assert.True(t, transitionAllowed(admin, StatusRefunded))
	assert.False(t, transitionAllowed(bookingRelation{}, StatusCancelled))
}

func TestRelationTo(t *testing.T) {
	b := &Booking{User: BookingParty{ID: "u-owner"}, providerUserID: "u-coach"}

	rel := relationTo(b, testUser("u-owner", RoleUser))
	assert.True(t, rel.owner)
	assert.Equal(t, CancelledByUser, rel.actorRole())

	rel = relationTo(b, testUser("u-coach", RoleCoach))
	assert.True(t, rel.provider)
	assert.Equal(t, CancelledByProvider, rel.actorRole())

	rel = relationTo(b, testUser("u-admin", RoleAdmin))
	assert.True(t, rel.admin)
	assert.Equal(t, CancelledByAdmin, rel.actorRole())

	assert.False(t, relationTo(b, testUser("u-other", RoleUser)).any())
	assert.False(t, relationTo(b, nil).any())
}

func TestCancelBookingTxAppliesRefundTier(t *testing.T) {
	policy := defaultSettings().refundPolicy()
	start := time.Date(2030, 6, 1, 10, 0, 0, 0, time.UTC)

	b := &Booking{scheduledOn: time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC), ScheduledTime: TimeSlot{Start: "10:00", End: "11:00"}}
	b.Price.TotalPrice = rupees(1770)

	refund := cancelBookingTx(b, bookingRelation{owner: true}, "  ", policy, start.Add(-48*time.Hour))
	assert.Equal(t, rupees(1770), refund)
	assert.Equal(t, StatusCancelled, b.Status)
	require.NotNil(t, b.Cancellation)
	assert.Equal(t, CancelledByUser, b.Cancellation.CancelledBy)
	assert.Equal(t, defaultCancelReason, b.Cancellation.Reason)

	refund = cancelBookingTx(b, bookingRelation{provider: true}, "sick", policy, start.Add(-5*time.Hour))
	assert.Equal(t, rupees(885), refund)
	assert.Equal(t, CancelledByProvider, b.Cancellation.CancelledBy)

	refund = cancelBookingTx(b, bookingRelation{admin: true}, "late", policy, start.Add(-time.Hour))
	assert.Equal(t, Money(0), refund)
}

func TestCreateBookingInputValidate(t *testing.T) {
	now := time.Date(2030, 6, 1, 9, 0, 0, 0, time.UTC)
	in := createBookingInput{ServiceID: "s", ProviderID: "c", ScheduledDate: "2030-06-01", ScheduledTime: &TimeSlot{Start: "10:00", End: "11:00"}}
	date, err := in.validate(now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC), date)

	past := in
	past.ScheduledTime = &TimeSlot{Start: "08:00", End: "09:00"}
	_, err = past.validate(now)
	assert.Error(t, err)

	missing := in
	missing.ProviderID = " "
	_, err = missing.validate(now)
	assert.Equal(t, ErrBookingMissingField, err)

	long := in
	long.UserNotes = strings.Repeat("x", 1001)
	_, err = long.validate(now)
	assert.Error(t, err)
}

func TestGetBookingVisibility(t *testing.T) {
	app, mock := newTestApp(t)
	router := newRouter(app)
	fixture := newBookingFixture()

	outsider := testUser("u-other", RoleUser)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE id = $1`)).WithArgs("u-other").WillReturnRows(userRows(outsider))
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE b.id = $1`)).WithArgs(fixture.ID).WillReturnRows(bookingRows(fixture))

	req := httptest.NewRequest(http.MethodGet, "/api/bookings/"+fixture.ID, nil)
	req.Header.Set("Authorization", bearerFor(t, outsider))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	coach := testUser("u-coach", RoleCoach)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE id = $1`)).WithArgs("u-coach").WillReturnRows(userRows(coach))
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE b.id = $1`)).WithArgs(fixture.ID).WillReturnRows(bookingRows(fixture))

	req = httptest.NewRequest(http.MethodGet, "/api/bookings/"+fixture.ID, nil)
	req.Header.Set("Authorization", bearerFor(t, coach))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Contains(t, string(env.Data), `"bookingReference":"PF0000ABCD"`)
	assert.Contains(t, string(env.Data), `"totalPrice":1770`)
	assert.NotContains(t, string(env.Data), "signature")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusUserCannotConfirm(t *testing.T) {
	app, mock := newTestApp(t)
	fixture := newBookingFixture()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE OF b`)).WithArgs(fixture.ID).WillReturnRows(bookingRows(fixture))
	mock.ExpectRollback()

	_, _, err := updateBookingStatus(context.Background(), app.db, testUser("u-owner", RoleUser), fixture.ID,
		statusUpdateInput{Status: "confirmed"}, defaultSettings(), time.Now().UTC())
	assert.Equal(t, ErrForbidden, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusRejectsInvalidTransition(t *testing.T) {
	app, mock := newTestApp(t)
	fixture := newBookingFixture()
	fixture.Status = StatusCompleted

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE OF b`)).WithArgs(fixture.ID).WillReturnRows(bookingRows(fixture))
	mock.ExpectRollback()

	_, _, err := updateBookingStatus(context.Background(), app.db, testUser("u-admin", RoleAdmin), fixture.ID,
		statusUpdateInput{Status: "cancelled"}, defaultSettings(), time.Now().UTC())
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "INVALID_TRANSITION", apiErr.Code)
	assert.Equal(t, "Cannot change status from completed to cancelled", apiErr.Message)
	require.NoError(t, mock.ExpectationsWereMet())

	_, _, err = updateBookingStatus(context.Background(), app.db, testUser("u-admin", RoleAdmin), fixture.ID,
		statusUpdateInput{Status: "archived"}, defaultSettings(), time.Now().UTC())
	assert.Error(t, err)
}

func TestCancelBookingByOwner(t *testing.T) {
	app, mock := newTestApp(t)
	fixture := newBookingFixture()
	now := time.Date(2030, 5, 30, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE OF b`)).WithArgs(fixture.ID).WillReturnRows(bookingRows(fixture))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE bookings`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO booking_events`)).
		WithArgs(fixture.ID, "u-owner", CancelledByUser, BookingEventCancelled, "pending", "cancelled", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	b, refund, err := cancelBooking(context.Background(), app.db, testUser("u-owner", RoleUser), fixture.ID, "", defaultSettings(), now)
	require.NoError(t, err)
	assert.Equal(t, rupees(1770), refund)
	assert.Equal(t, StatusCancelled, b.Status)
	assert.Equal(t, defaultCancelReason, b.Cancellation.Reason)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelBookingRejectsInProgress(t *testing.T) {
	app, mock := newTestApp(t)
	fixture := newBookingFixture()
	fixture.Status = StatusInProgress

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE OF b`)).WithArgs(fixture.ID).WillReturnRows(bookingRows(fixture))
	mock.ExpectRollback()

	_, _, err := cancelBooking(context.Background(), app.db, testUser("u-owner", RoleUser), fixture.ID, "", defaultSettings(), time.Now().UTC())
	assert.Equal(t, ErrNotCancellable, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRateBookingRules(t *testing.T) {
	app, mock := newTestApp(t)

	_, err := rateBooking(context.Background(), app.db, testUser("u-owner", RoleUser), "bk", rateInput{Rating: 6}, time.Now())
	assert.Equal(t, ErrInvalidRating, err)

	fixture := newBookingFixture()
	fixture.Status = StatusCompleted
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE OF b`)).WithArgs(fixture.ID).WillReturnRows(bookingRows(fixture))
	mock.ExpectRollback()
	_, err = rateBooking(context.Background(), app.db, testUser("u-coach", RoleCoach), fixture.ID, rateInput{Rating: 5}, time.Now())
	assert.Equal(t, ErrRateOwnOnly, err)

	fixture.Status = StatusConfirmed
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE OF b`)).WithArgs(fixture.ID).WillReturnRows(bookingRows(fixture))
	mock.ExpectRollback()
	_, err = rateBooking(context.Background(), app.db, testUser("u-owner", RoleUser), fixture.ID, rateInput{Rating: 5}, time.Now())
	assert.Equal(t, ErrRateCompletedOnly, err)

	fixture.Status = StatusCompleted
	fixture.RatingScore = int64(4)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE OF b`)).WithArgs(fixture.ID).WillReturnRows(bookingRows(fixture))
	mock.ExpectRollback()
	_, err = rateBooking(context.Background(), app.db, testUser("u-owner", RoleUser), fixture.ID, rateInput{Rating: 5}, time.Now())
	assert.Equal(t, ErrAlreadyRated, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRoundRating(t *testing.T) {
	assert.Equal(t, 4.3, roundRating(4.333))
	assert.Equal(t, 4.7, roundRating(4.666))
	assert.Equal(t, 0.0, roundRating(0))
}

func TestParseBookingFilter(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?status=Confirmed&paymentStatus=paid&bookingType=coaching", nil)
	f, err := parseBookingFilter(r)
	require.NoError(t, err)
	assert.Equal(t, "confirmed", f.Status)
	assert.Equal(t, "paid", f.PaymentStatus)
	assert.Equal(t, BookingTypeCoaching, f.BookingType)

	_, err = parseBookingFilter(httptest.NewRequest(http.MethodGet, "/?bookingType=rental", nil))
	assert.Error(t, err)
}

func TestUpdateStatusRefundedRejectsPaidBooking(t *testing.T) {
	app, mock := newTestApp(t)
	fixture := newBookingFixture()
	fixture.Status = StatusCancelled
	fixture.PaymentStatus = PaymentPaid

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE OF b`)).WithArgs(fixture.ID).WillReturnRows(bookingRows(fixture))
	mock.ExpectRollback()

	_, _, err := updateBookingStatus(context.Background(), app.db, testUser("u-admin", RoleAdmin), fixture.ID,
		statusUpdateInput{Status: "refunded"}, defaultSettings(), time.Now().UTC())
	assert.Equal(t, ErrRefundViaPayments, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusRefundedKeepsUnpaidPaymentStatus(t *testing.T) {
	app, mock := newTestApp(t)
	fixture := newBookingFixture()
	fixture.Status = StatusCancelled
	fixture.PaymentStatus = PaymentFailed

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE OF b`)).WithArgs(fixture.ID).WillReturnRows(bookingRows(fixture))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE bookings`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO booking_events`)).
		WithArgs(fixture.ID, "u-admin", CancelledByAdmin, BookingEventStatusChanged, "cancelled", "refunded", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	b, from, err := updateBookingStatus(context.Background(), app.db, testUser("u-admin", RoleAdmin), fixture.ID,
		statusUpdateInput{Status: "refunded"}, defaultSettings(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, from)
	assert.Equal(t, StatusRefunded, b.Status)
	assert.Equal(t, PaymentFailed, b.PaymentStatus)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExpirePendingBookingsWritesEventsInTransaction(t *testing.T) {
	app, mock := newTestApp(t)
	fixture := newBookingFixture()
	fixture.Status = StatusCancelled
	now := time.Date(2030, 6, 1, 14, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`(scheduled_date + start_time::time) AT TIME ZONE 'UTC' < $2`)).
		WithArgs(now, now.Add(-2*time.Hour)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(fixture.ID))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO booking_events`)).
		WithArgs(fixture.ID, nil, CancelledByAdmin, BookingEventExpired, "pending", "cancelled", nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE b.id = $1`)).WithArgs(fixture.ID).WillReturnRows(bookingRows(fixture))
	mock.ExpectCommit()

	expired, err := expirePendingBookings(context.Background(), app.db, now, 2*time.Hour)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, StatusCancelled, expired[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExpirePendingBookingsRollsBackOnEventFailure(t *testing.T) {
	app, mock := newTestApp(t)
	now := time.Date(2030, 6, 1, 14, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE bookings`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("bk-1"))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO booking_events`)).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	expired, err := expirePendingBookings(context.Background(), app.db, now, time.Hour)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, expired)
	require.NoError(t, mock.ExpectationsWereMet())
}

func serviceRows(active bool) *sqlmock.Rows {
	created := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	return sqlmock.NewRows([]string{
		"id", "name", "description", "category", "base_price", "duration_minutes", "image",
		"is_active", "tags", "requirements", "supported_games", "skill_level", "created_at", "updated_at",
	}).AddRow("svc-1", "Valorant 1v1 Coaching", "Aim and game sense", CategoryGamingCoaching, int64(rupees(1500)), int64(60), "",
		active, []byte(`{}`), []byte(`{}`), []byte(`{valorant}`), "intermediate", created, created)
}

func coachRows(verified bool) *sqlmock.Rows {
	created := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	return sqlmock.NewRows([]string{
		"id", "user_id", "name", "avatar", "role", "bio", "gaming_profile", "skills",
		"availability", "social_links", "rating_average", "rating_count", "completed_sessions",
		"is_verified", "is_available", "created_at", "updated_at", "is_active",
	}).AddRow("c-1", "u-coach", "Coach", "", RoleCoach, "", []byte(`{}`), []byte(`{}`),
		[]byte(`{}`), []byte(`{}`), 4.5, int64(10), int64(3),
		verified, true, created, created, true)
}

func newCreateBookingInput() createBookingInput {
	return createBookingInput{
		ServiceID:     "svc-1",
		ProviderID:    "c-1",
		ScheduledDate: "2030-06-01",
		ScheduledTime: &TimeSlot{Start: "10:00", End: "11:00"},
		GameDetails:   jsonObject{"game": "Valorant"},
		UserNotes:     " gg ",
	}
}

var createBookingNow = time.Date(2030, 5, 20, 12, 0, 0, 0, time.UTC)

func TestCreateBookingUsesCustomPrice(t *testing.T) {
	app, mock := newTestApp(t)
	fixture := newBookingFixture()
	date := time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM services s WHERE s.id = $1`)).WithArgs("svc-1").WillReturnRows(serviceRows(true))
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE OF c`)).WithArgs("c-1").WillReturnRows(coachRows(true))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT custom_price`)).WithArgs("c-1", "svc-1").
		WillReturnRows(sqlmock.NewRows([]string{"custom_price"}).AddRow(int64(rupees(1000))))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT start_time, end_time`)).WithArgs("c-1", date, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"start_time", "end_time"}).AddRow("11:00", "12:00"))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO bookings`)).
		WithArgs("u-owner", "svc-1", "c-1", BookingTypeCoaching, date, "10:00", "11:00", 60,
			int64(rupees(1000)), int64(rupees(180)), int64(rupees(1180)), sqlmock.AnyArg(), sqlmock.AnyArg(), "gg").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(fixture.ID))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO booking_events`)).
		WithArgs(fixture.ID, "u-owner", CancelledByUser, BookingEventCreated, nil, "pending", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE b.id = $1`)).WithArgs(fixture.ID).WillReturnRows(bookingRows(fixture))
	mock.ExpectCommit()

	b, err := createBooking(context.Background(), app.db, testUser("u-owner", RoleUser), newCreateBookingInput(), defaultSettings(), createBookingNow)
	require.NoError(t, err)
	assert.Equal(t, fixture.ID, b.ID)
	assert.Equal(t, StatusPending, b.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBookingRejectsOverlappingSlot(t *testing.T) {
	app, mock := newTestApp(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM services s WHERE s.id = $1`)).WithArgs("svc-1").WillReturnRows(serviceRows(true))
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE OF c`)).WithArgs("c-1").WillReturnRows(coachRows(true))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT custom_price`)).WithArgs("c-1", "svc-1").
		WillReturnRows(sqlmock.NewRows([]string{"custom_price"}).AddRow(nil))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT start_time, end_time`)).
		WillReturnRows(sqlmock.NewRows([]string{"start_time", "end_time"}).AddRow("10:30", "11:30"))
	mock.ExpectRollback()

	_, err := createBooking(context.Background(), app.db, testUser("u-owner", RoleUser), newCreateBookingInput(), defaultSettings(), createBookingNow)
	assert.Equal(t, ErrSlotTaken, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBookingProviderNotOffering(t *testing.T) {
	app, mock := newTestApp(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM services s WHERE s.id = $1`)).WithArgs("svc-1").WillReturnRows(serviceRows(true))
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE OF c`)).WithArgs("c-1").WillReturnRows(coachRows(true))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT custom_price`)).WithArgs("c-1", "svc-1").
		WillReturnRows(sqlmock.NewRows([]string{"custom_price"}))
	mock.ExpectRollback()

	_, err := createBooking(context.Background(), app.db, testUser("u-owner", RoleUser), newCreateBookingInput(), defaultSettings(), createBookingNow)
	assert.Equal(t, ErrProviderNotOffering, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBookingUnavailableServiceOrProvider(t *testing.T) {
	app, mock := newTestApp(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM services s WHERE s.id = $1`)).WithArgs("svc-1").WillReturnRows(serviceRows(false))
	mock.ExpectRollback()
	_, err := createBooking(context.Background(), app.db, testUser("u-owner", RoleUser), newCreateBookingInput(), defaultSettings(), createBookingNow)
	assert.Equal(t, ErrServiceUnavailable, err)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM services s WHERE s.id = $1`)).WithArgs("svc-1").WillReturnRows(serviceRows(true))
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE OF c`)).WithArgs("c-1").WillReturnRows(coachRows(false))
	mock.ExpectRollback()
	_, err = createBooking(context.Background(), app.db, testUser("u-owner", RoleUser), newCreateBookingInput(), defaultSettings(), createBookingNow)
	assert.Equal(t, ErrProviderUnavailable, err)

	require.NoError(t, mock.ExpectationsWereMet())
}
