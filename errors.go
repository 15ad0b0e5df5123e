package main

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/lib/pq"
)

// apiError is a failure with a stable code and the HTTP status it maps to.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	return e.Code
}

func newAPIError(status int, code string, message string) *apiError {
	return &apiError{Status: status, Code: code, Message: message}
}

var (
	ErrInvalidRequest     = newAPIError(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
	ErrUnauthorized       = newAPIError(http.StatusUnauthorized, "UNAUTHORIZED", "Not authorized, please log in")
	ErrForbidden          = newAPIError(http.StatusForbidden, "ACCESS_DENIED", "Access denied")
	ErrRateLimited        = newAPIError(http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests, please try again later")
	ErrInvalidCredentials = newAPIError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid credentials")
	ErrAccountDeactivated = newAPIError(http.StatusUnauthorized, "ACCOUNT_DEACTIVATED", "Account has been deactivated")
	ErrUserExists         = newAPIError(http.StatusBadRequest, "USER_EXISTS", "User already exists with this email or phone number")
	ErrUserNotFound       = newAPIError(http.StatusNotFound, "USER_NOT_FOUND", "User not found")
	ErrOTPMissing         = newAPIError(http.StatusBadRequest, "OTP_MISSING", "No OTP found. Please request a new one.")
	ErrOTPExpired         = newAPIError(http.StatusBadRequest, "OTP_EXPIRED", "OTP has expired. Please request a new one.")
	ErrOTPInvalid         = newAPIError(http.StatusBadRequest, "OTP_INVALID", "Invalid OTP")
	ErrAlreadyVerified    = newAPIError(http.StatusBadRequest, "ALREADY_VERIFIED", "Account is already verified")
	ErrWrongPassword      = newAPIError(http.StatusBadRequest, "WRONG_PASSWORD", "Current password is incorrect")

	ErrServiceNotFound    = newAPIError(http.StatusNotFound, "SERVICE_NOT_FOUND", "Service not found")
	ErrServiceInactive    = newAPIError(http.StatusNotFound, "SERVICE_INACTIVE", "Service is not available")
	ErrServiceUnavailable = newAPIError(http.StatusNotFound, "SERVICE_UNAVAILABLE", "Service not found or not available")

	ErrCoachNotFound           = newAPIError(http.StatusNotFound, "COACH_NOT_FOUND", "Coach not found")
	ErrProviderUnavailable     = newAPIError(http.StatusNotFound, "PROVIDER_UNAVAILABLE", "Provider not found or not available")
	ErrProviderNotOffering     = newAPIError(http.StatusBadRequest, "PROVIDER_SERVICE_MISMATCH", "Provider does not offer this service")
	ErrProviderProfileNotFound = newAPIError(http.StatusNotFound, "PROVIDER_PROFILE_NOT_FOUND", "Provider profile not found")
	ErrAlreadyProvider         = newAPIError(http.StatusBadRequest, "ALREADY_PROVIDER", "You already have a provider profile")

	ErrBookingNotFound     = newAPIError(http.StatusNotFound, "BOOKING_NOT_FOUND", "Booking not found")
	ErrSlotTaken           = newAPIError(http.StatusBadRequest, "SLOT_UNAVAILABLE", "Provider is not available at the selected time")
	ErrBookingMissingField = newAPIError(http.StatusBadRequest, "MISSING_FIELDS", "Please provide all required booking details")
	ErrNotCancellable      = newAPIError(http.StatusBadRequest, "NOT_CANCELLABLE", "Booking cannot be cancelled at this stage")
	ErrInvalidRating       = newAPIError(http.StatusBadRequest, "INVALID_RATING", "Please provide a valid rating (1-5)")
	ErrRateOwnOnly         = newAPIError(http.StatusForbidden, "RATE_OWN_ONLY", "You can only rate your own bookings")
	ErrRateCompletedOnly   = newAPIError(http.StatusBadRequest, "RATE_COMPLETED_ONLY", "You can only rate completed bookings")
	ErrAlreadyRated        = newAPIError(http.StatusBadRequest, "ALREADY_RATED", "Booking has already been rated")

	ErrNotPayable           = newAPIError(http.StatusBadRequest, "NOT_PAYABLE", "Booking is not in a payable state")
	ErrAlreadyPaid          = newAPIError(http.StatusBadRequest, "ALREADY_PAID", "Booking is already paid")
	ErrOrderMismatch        = newAPIError(http.StatusBadRequest, "ORDER_MISMATCH", "Order does not belong to this booking")
	ErrPaymentVerification  = newAPIError(http.StatusBadRequest, "PAYMENT_VERIFICATION_FAILED", "Payment verification failed")
	ErrNotRefundable        = newAPIError(http.StatusBadRequest, "NOT_REFUNDABLE", "Booking payment is not in a refundable state")
	ErrRefundRequiresCancel = newAPIError(http.StatusBadRequest, "NOT_CANCELLED", "Booking must be cancelled before refund")
	ErrRefundViaPayments    = newAPIError(http.StatusBadRequest, "USE_REFUND_ENDPOINT", "Paid bookings are refunded through POST /api/payments/refund/{bookingId}")
	ErrRefundTooLarge       = newAPIError(http.StatusBadRequest, "REFUND_EXCEEDS_TOTAL", "Refund amount cannot exceed the amount paid")
	ErrGatewayFailure       = newAPIError(http.StatusBadGateway, "GATEWAY_ERROR", "Payment gateway request failed")

	ErrGameNotFound      = newAPIError(http.StatusNotFound, "GAME_NOT_FOUND", "Game not found")
	ErrGameOwned         = newAPIError(http.StatusBadRequest, "GAME_OWNED", "You already own this game")
	ErrGameStoreDisabled = newAPIError(http.StatusNotFound, "GAME_STORE_DISABLED", "Game store is not available")
	ErrInsufficientFunds = newAPIError(http.StatusBadRequest, "INSUFFICIENT_FUNDS", "Insufficient wallet balance")
)

func errValidation(message string) *apiError {
	return newAPIError(http.StatusBadRequest, "VALIDATION_FAILED", message)
}

func errInvalidTransition(from BookingStatus, to BookingStatus) *apiError {
	return newAPIError(http.StatusBadRequest, "INVALID_TRANSITION", fmt.Sprintf("Cannot change status from %s to %s", from, to))
}

const pqUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}
