package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type BookingStatus string

const (
	StatusPending    BookingStatus = "pending"
	StatusConfirmed  BookingStatus = "confirmed"
	StatusInProgress BookingStatus = "in-progress"
	StatusCompleted  BookingStatus = "completed"
	StatusCancelled  BookingStatus = "cancelled"
	StatusRefunded   BookingStatus = "refunded"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

const (
	BookingTypeService  = "service"
	BookingTypeCoaching = "coaching"
)

const (
	CancelledByUser     = "user"
	CancelledByProvider = "provider"
	CancelledByAdmin    = "admin"
)

const defaultCancelReason = "No reason provided"

var bookingTransitions = map[BookingStatus][]BookingStatus{
	StatusPending:    {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
	StatusCancelled:  {StatusRefunded},
	StatusCompleted:  {},
	StatusRefunded:   {},
}

func parseBookingStatus(value string) (BookingStatus, bool) {
	status := BookingStatus(strings.ToLower(strings.TrimSpace(value)))
	_, ok := bookingTransitions[status]
	return status, ok
}

func parsePaymentStatus(value string) (PaymentStatus, bool) {
	switch status := PaymentStatus(strings.ToLower(strings.TrimSpace(value))); status {
	case PaymentPending, PaymentPaid, PaymentFailed, PaymentRefunded:
		return status, true
	default:
		return "", false
	}
}

func canTransition(from BookingStatus, to BookingStatus) bool {
	for _, next := range bookingTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// cancellable reports whether the explicit cancel operation accepts s.
func (s BookingStatus) cancellable() bool {
	return s == StatusPending || s == StatusConfirmed
}

// blockingStatuses hold a provider's slot.
var blockingStatuses = []string{string(StatusPending), string(StatusConfirmed), string(StatusInProgress)}

type Pricing struct {
	BasePrice  Money `json:"basePrice"`
	Taxes      Money `json:"taxes"`
	TotalPrice Money `json:"totalPrice"`
}

// computePricing applies the provider's custom price when set and adds tax
// at taxBps basis points.
func computePricing(servicePrice Money, customPrice *Money, taxBps int64) Pricing {
	base := servicePrice
	if customPrice != nil {
		base = *customPrice
	}
	taxes := base.percentOf(taxBps)
	return Pricing{BasePrice: base, Taxes: taxes, TotalPrice: base + taxes}
}

func bookingTypeForCategory(category string) string {
	if category == CategoryGamingCoaching {
		return BookingTypeCoaching
	}
	return BookingTypeService
}

type TimeSlot struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func parseClock(value string) (int, error) {
	if !isValidClock(value) {
		return 0, fmt.Errorf("invalid time %q", value)
	}
	h, _ := strconv.Atoi(value[:2])
	m, _ := strconv.Atoi(value[3:])
	return h*60 + m, nil
}

func (t TimeSlot) minutes() (int, int, error) {
	start, err := parseClock(t.Start)
	if err != nil {
		return 0, 0, err
	}
	end, err := parseClock(t.End)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func (t TimeSlot) validate() error {
	start, end, err := t.minutes()
	if err != nil {
		return errValidation("Time must be in HH:MM format")
	}
	if end <= start {
		return errValidation("End time must be after start time")
	}
	return nil
}

// slotsOverlap is strict: a slot ending at 11:00 does not clash with one
// starting at 11:00.
func slotsOverlap(a TimeSlot, b TimeSlot) bool {
	aStart, aEnd, err := a.minutes()
	if err != nil {
		return false
	}
	bStart, bEnd, err := b.minutes()
	if err != nil {
		return false
	}
	return aStart < bEnd && aEnd > bStart
}

// scheduledStart combines the booking date and its start clock in UTC.
func scheduledStart(date time.Time, start string) time.Time {
	y, mo, d := date.Date()
	base := time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
	minutes, err := parseClock(start)
	if err != nil {
		return base
	}
	return base.Add(time.Duration(minutes) * time.Minute)
}

type RefundPolicy struct {
	FullAbove      time.Duration
	PartialAbove   time.Duration
	PartialPercent int64
}

// refundFor returns the refund owed for a booking cancelled `until` before
// its start. Both thresholds are exclusive.
func (p RefundPolicy) refundFor(total Money, until time.Duration) Money {
	switch {
	case until > p.FullAbove:
		return total
	case until > p.PartialAbove:
		return total.percentOf(p.PartialPercent * 100)
	default:
		return 0
	}
}

func bookingReference(id string) string {
	compact := strings.ReplaceAll(id, "-", "")
	if len(compact) > 8 {
		compact = compact[len(compact)-8:]
	}
	return "PF" + strings.ToUpper(compact)
}

func parseScheduledDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, errValidation("scheduledDate must be YYYY-MM-DD")
	}
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
}
