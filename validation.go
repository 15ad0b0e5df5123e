package main

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	emailPattern = regexp.MustCompile(`^\w+([.-]?\w+)*@\w+([.-]?\w+)*(\.\w{2,3})+$`)
	phonePattern = regexp.MustCompile(`^[0-9]{10}$`)
	clockPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)
	otpPattern   = regexp.MustCompile(`^[0-9]{6}$`)
)

func isValidEmail(email string) bool {
	return emailPattern.MatchString(strings.TrimSpace(email))
}

func isValidPhone(phone string) bool {
	return phonePattern.MatchString(strings.TrimSpace(phone))
}

func isValidPassword(password string) bool {
	return len(password) >= 6 && len(password) <= 128
}

func isValidName(name string) bool {
	n := utf8.RuneCountInString(strings.TrimSpace(name))
	return n >= 2 && n <= 50
}

func isValidRating(rating int) bool {
	return rating >= 1 && rating <= 5
}

// isValidClock accepts 24-hour "HH:MM".
func isValidClock(value string) bool {
	return clockPattern.MatchString(value)
}

func isValidOTP(otp string) bool {
	return otpPattern.MatchString(strings.TrimSpace(otp))
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type registerInput struct {
	Name          string         `json:"name"`
	Email         string         `json:"email"`
	Phone         string         `json:"phone"`
	Password      string         `json:"password"`
	Role          string         `json:"role"`
	GamingProfile *GamingProfile `json:"gamingProfile"`
}

func (in *registerInput) validate() error {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = normalizeEmail(in.Email)
	in.Phone = strings.TrimSpace(in.Phone)

	if in.Name == "" || in.Email == "" || in.Phone == "" || in.Password == "" {
		return errValidation("Please provide all required fields")
	}
	if !isValidName(in.Name) {
		return errValidation("Name must be between 2 and 50 characters")
	}
	if !isValidEmail(in.Email) {
		return errValidation("Please provide a valid email")
	}
	if !isValidPhone(in.Phone) {
		return errValidation("Please provide a valid 10-digit phone number")
	}
	if !isValidPassword(in.Password) {
		return errValidation("Password must be at least 6 characters")
	}
	return nil
}

type loginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (in *loginInput) validate() error {
	in.Email = normalizeEmail(in.Email)
	if in.Email == "" || in.Password == "" {
		return errValidation("Please provide email and password")
	}
	if !isValidEmail(in.Email) {
		return errValidation("Please provide a valid email")
	}
	return nil
}

type otpInput struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

func (in *otpInput) validate() error {
	in.Email = normalizeEmail(in.Email)
	in.OTP = strings.TrimSpace(in.OTP)
	if in.Email == "" || in.OTP == "" {
		return errValidation("Please provide email and OTP")
	}
	if !isValidOTP(in.OTP) {
		return errValidation("OTP must be 6 digits")
	}
	return nil
}
