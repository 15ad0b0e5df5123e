package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// sendOTP mails a verification code in the background. Mail failures
// never fail the request.
func (a *App) sendOTP(user *User, otp string) {
	if !a.cfg.Flags.OTPEmail {
		return
	}
	go func() {
		if err := a.mailer.SendOTP(user.Email, user.Name, otp); err != nil {
			entry := logger.WithError(err).WithField("user_id", user.ID)
			if errors.Is(err, errEmailNotConfigured) && a.cfg.isDevelopment() {
				entry.WithField("otp", otp).Info("email not configured, otp logged for development")
				return
			}
			entry.Warn("otp email failed")
		}
	}()
}

func (a *App) authResponse(w http.ResponseWriter, r *http.Request, status int, message string, user *User) {
	token, err := issueToken(a.cfg.JWTSecret, a.cfg.JWTExpiry.Duration(), user, time.Now().UTC())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, status, message, map[string]interface{}{
		"user":  user,
		"token": token,
	})
}

func registerHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in registerInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		if err := in.validate(); err != nil {
			writeError(w, r, err)
			return
		}
		otp, err := generateOTP()
		if err != nil {
			writeError(w, r, err)
			return
		}
		user, err := createUser(r.Context(), app.db, in, otp, time.Now().UTC())
		if err != nil {
			writeError(w, r, err)
			return
		}
		requestLogger(r.Context()).WithFields(logrus.Fields{"user_id": user.ID, "role": user.Role}).Info("user registered")
		app.sendOTP(user, otp)
		if user.isProvider() {
			app.notifier.notifyRole(r.Context(), RoleAdmin, NotificationInput{
				Category: NotificationCategoryAdmin,
				Type:     "provider_registered",
				Message:  user.Name + " registered as " + user.Role + " and awaits verification",
				Link:     "/admin/coaches",
				Payload:  map[string]interface{}{"userId": user.ID},
			})
		}
		app.authResponse(w, r, http.StatusCreated, "User registered successfully. Please verify your email with the OTP sent.", user)
	}
}

func loginHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in loginInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		if err := in.validate(); err != nil {
			writeError(w, r, err)
			return
		}
		user, err := authenticateUser(r.Context(), app.db, in.Email, in.Password)
		if err != nil {
			writeError(w, r, err)
			return
		}
		app.authResponse(w, r, http.StatusOK, "Login successful", user)
	}
}

func verifyOTPHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in otpInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		if err := in.validate(); err != nil {
			writeError(w, r, err)
			return
		}
		user, err := verifyUserOTP(r.Context(), app.db, in.Email, in.OTP, time.Now().UTC())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, "Email verified successfully", map[string]interface{}{"user": user})
	}
}

func resendOTPHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Email string `json:"email"`
		}
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		email := normalizeEmail(in.Email)
		if !isValidEmail(email) {
			writeError(w, r, errValidation("Please provide a valid email"))
			return
		}
		user, err := loadUserByEmail(r.Context(), app.db, email)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if user.IsVerified {
			writeError(w, r, ErrAlreadyVerified)
			return
		}
		otp, err := generateOTP()
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := setUserOTP(r.Context(), app.db, user.ID, otp, time.Now().UTC()); err != nil {
			writeError(w, r, err)
			return
		}
		app.sendOTP(user, otp)
		writeData(w, http.StatusOK, "A new OTP has been sent to your email", nil)
	}
}

func profileHandler(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]interface{}{"user": accountFromContext(r.Context())})
}

func updateProfileHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in profileUpdate
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		if err := in.validate(); err != nil {
			writeError(w, r, err)
			return
		}
		user, err := updateUserProfile(r.Context(), app.db, accountFromContext(r.Context()), in)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, "Profile updated successfully", map[string]interface{}{"user": user})
	}
}

func changePasswordHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			CurrentPassword string `json:"currentPassword"`
			NewPassword     string `json:"newPassword"`
		}
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		if in.CurrentPassword == "" || in.NewPassword == "" {
			writeError(w, r, errValidation("Please provide current and new password"))
			return
		}
		if err := changeUserPassword(r.Context(), app.db, accountFromContext(r.Context()), in.CurrentPassword, in.NewPassword); err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, "Password changed successfully", nil)
	}
}
