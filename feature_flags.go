package main

import (
	"net/http"
)

type FeatureFlags struct {
	OTPEmail       bool `envconfig:"ENABLE_OTP_EMAIL" default:"true"`
	GameStore      bool `envconfig:"ENABLE_GAME_STORE" default:"true"`
	Notifications  bool `envconfig:"ENABLE_NOTIFICATIONS" default:"true"`
	BackgroundJobs bool `envconfig:"ENABLE_BACKGROUND_JOBS" default:"true"`
}

// requireFlag hides a route group when its flag is off.
func requireFlag(enabled bool, disabled error) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, r, disabled)
		})
	}
}
