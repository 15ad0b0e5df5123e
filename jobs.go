package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const jobTimeout = 2 * time.Minute

// startJobs schedules the maintenance jobs. Only the instance holding the
// startup lock calls it.
func (a *App) startJobs(limiter *RateLimiter) *cron.Cron {
	c := cron.New(cron.WithLocation(time.UTC))
	a.addJob(c, "@every 30m", "prune_notifications", func(ctx context.Context) error {
		n, err := pruneNotifications(ctx, a.db, time.Now().UTC())
		if n > 0 {
			logger.WithField("deleted", n).Info("pruned expired notifications")
		}
		return err
	})
	a.addJob(c, "@every 15m", "expire_pending_bookings", a.expirePendingJob)
	a.addJob(c, "@hourly", "clear_expired_otps", func(ctx context.Context) error {
		_, err := clearExpiredOTPs(ctx, a.db, time.Now().UTC())
		return err
	})
	a.addJob(c, "@hourly", "prune_auth_rate_limits", func(ctx context.Context) error {
		_, err := pruneAuthRateLimits(ctx, a.db, time.Now().UTC().Add(-24*time.Hour))
		return err
	})
	a.addJob(c, "@every 5m", "rate_limiter_cleanup", func(context.Context) error {
		limiter.Cleanup(time.Now())
		return nil
	})
	a.addJob(c, "@every 5m", "reload_settings", func(ctx context.Context) error {
		return LoadGlobalSettings(ctx, a.db)
	})
	c.Start()
	return c
}

func (a *App) addJob(c *cron.Cron, spec string, name string, run func(ctx context.Context) error) {
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		err := run(ctx)
		a.metrics.recordJob(name, err)
		if err != nil {
			logger.WithError(err).WithField("job", name).Error("background job failed")
		}
	}); err != nil {
		logger.WithError(err).WithField("job", name).Fatal("invalid job schedule")
	}
}

func (a *App) expirePendingJob(ctx context.Context) error {
	grace := time.Duration(GetGlobalSettings().PendingBookingGraceHours) * time.Hour
	expired, err := expirePendingBookings(ctx, a.db, time.Now().UTC(), grace)
	for i := range expired {
		b := &expired[i]
		a.metrics.bookingTransitions.WithLabelValues(string(StatusPending), string(StatusCancelled)).Inc()
		a.notifyBookingParties(ctx, b, "booking_expired",
			"Booking "+b.Reference+" was cancelled because it was not paid before its start time", true, true)
	}
	if len(expired) > 0 {
		logger.WithFields(logrus.Fields{"count": len(expired)}).Info("expired unpaid bookings")
	}
	return err
}

func clearExpiredOTPs(ctx context.Context, db *sql.DB, now time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE users
		SET otp_code = NULL, otp_expires_at = NULL
		WHERE otp_expires_at IS NOT NULL AND otp_expires_at < $1
	`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
