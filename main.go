package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// App carries the shared dependencies every handler closes over.
type App struct {
	db       *sql.DB
	cfg      *Config
	gateway  PaymentGateway
	cache    catalogCache
	mailer   otpMailer
	metrics  *Metrics
	notifier *Notifier
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	configureLogger(cfg)
	exposeErrors = cfg.isDevelopment()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("failed to open database")
	}
	db.SetMaxOpenConns(cfg.DBMaxConns)
	db.SetMaxIdleConns(cfg.DBMaxConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx := context.Background()
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		logger.WithError(err).Fatal("failed to ping database")
	}
	logger.Info("connected to PostgreSQL")

	if err := runMigrations(db); err != nil {
		logger.WithError(err).Fatal("failed to migrate schema")
	}
	if err := LoadGlobalSettings(ctx, db); err != nil {
		logger.WithError(err).Warn("failed to load global settings, using defaults")
	}

	metrics := newMetrics()
	cache, closeCache, err := newCatalogCache(ctx, cfg, metrics)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect catalog cache")
	}
	defer func() {
		if err := closeCache(); err != nil {
			logger.WithError(err).Warn("catalog cache close failed")
		}
	}()

	app := &App{
		db:       db,
		cfg:      cfg,
		gateway:  newPaymentGateway(cfg, metrics),
		cache:    cache,
		mailer:   newMailer(cfg.SMTP),
		metrics:  metrics,
		notifier: newNotifier(db, cfg.Flags.Notifications),
	}
	if app.gateway.DevMode() {
		logger.Warn("payment gateway running in development mode, signatures are not checked against Razorpay")
	}

	limiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, metrics)

	lockConn, acquired, err := acquireStartupLock(ctx, db)
	if err != nil {
		logger.WithError(err).Fatal("failed to acquire startup lock")
	}
	if acquired {
		defer lockConn.Close()
		logger.Info("startup lock acquired, running leader initialization")
		if err := ensureBootstrapAdmin(ctx, db, cfg); err != nil {
			logger.WithError(err).Fatal("admin bootstrap failed")
		}
		if cfg.Flags.BackgroundJobs {
			jobs := app.startJobs(limiter)
			defer jobs.Stop()
		}
	} else {
		logger.Info("startup lock held by another instance, skipping leader-only initialization")
	}

	handler := NewCORSMiddleware(cfg.allowedOrigins()).Handler(
		clientIPMiddleware(cfg.TrustedProxies)(
			requestLogMiddleware(
				recoverMiddleware(cfg)(
					limiter.Handler(newRouter(app)),
				),
			),
		),
	)

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{"addr": srv.Addr, "env": cfg.Env}).Info("PixelFuel API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
	}
	if err := db.Close(); err != nil {
		logger.WithError(err).Warn("database close failed")
	}
}

/* ======================
   Routes
   ====================== */

func newRouter(app *App) *mux.Router {
	router := mux.NewRouter()
	router.Use(app.metrics.Instrument)
	router.NotFoundHandler = http.HandlerFunc(notFoundHandler)
	router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowedHandler)

	router.Handle("/metrics", app.metrics.Handler()).Methods(http.MethodGet)
	router.PathPrefix("/uploads/").Handler(
		http.StripPrefix("/uploads/", http.FileServer(http.Dir(app.cfg.UploadsDir))),
	).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", healthHandler(app)).Methods(http.MethodGet)

	registerAuthRoutes(api, app)
	registerServiceRoutes(api, app)
	registerCoachRoutes(api, app)
	registerGameRoutes(api, app)
	registerBookingRoutes(api, app)
	registerPaymentRoutes(api, app)
	registerAccountRoutes(api, app)
	registerAdminRoutes(api, app)

	return router
}

// protected wraps h with authentication and, when roles are given, a role check.
func protected(app *App, h http.Handler, roles ...string) http.Handler {
	if len(roles) > 0 {
		h = authorize(roles...)(h)
	}
	return app.authenticate(h)
}

func registerAuthRoutes(api *mux.Router, app *App) {
	auth := api.PathPrefix("/auth").Subrouter()
	auth.Handle("/register", app.authThrottle(authActionSignup)(registerHandler(app))).Methods(http.MethodPost)
	auth.Handle("/login", app.authThrottle(authActionLogin)(loginHandler(app))).Methods(http.MethodPost)
	auth.Handle("/verify-otp", app.authThrottle(authActionOTP)(verifyOTPHandler(app))).Methods(http.MethodPost)
	auth.Handle("/resend-otp", app.authThrottle(authActionOTP)(resendOTPHandler(app))).Methods(http.MethodPost)
	auth.Handle("/profile", protected(app, http.HandlerFunc(profileHandler))).Methods(http.MethodGet)
	auth.Handle("/profile", protected(app, updateProfileHandler(app))).Methods(http.MethodPut)
	auth.Handle("/password", protected(app, changePasswordHandler(app))).Methods(http.MethodPut)
}

func registerServiceRoutes(api *mux.Router, app *App) {
	api.HandleFunc("/services", listServicesHandler(app)).Methods(http.MethodGet)
	api.HandleFunc("/services/categories", serviceCategoriesHandler(app)).Methods(http.MethodGet)
	api.HandleFunc("/services/{id}", getServiceHandler(app)).Methods(http.MethodGet)
	api.Handle("/services", protected(app, createServiceHandler(app), RoleAdmin)).Methods(http.MethodPost)
	api.Handle("/services/{id}", protected(app, updateServiceHandler(app), RoleAdmin)).Methods(http.MethodPut)
	api.Handle("/services/{id}", protected(app, deleteServiceHandler(app), RoleAdmin)).Methods(http.MethodDelete)
}

func registerCoachRoutes(api *mux.Router, app *App) {
	api.HandleFunc("/coaches", listCoachesHandler(app)).Methods(http.MethodGet)
	api.HandleFunc("/coaches/games", coachGamesHandler).Methods(http.MethodGet)
	api.Handle("/coaches/profile", protected(app, myCoachProfileHandler(app), RoleCoach, RoleProvider)).Methods(http.MethodGet)
	api.Handle("/coaches/profile", protected(app, updateMyCoachProfileHandler(app), RoleCoach, RoleProvider)).Methods(http.MethodPut)
	api.Handle("/coaches/apply", protected(app, applyCoachHandler(app))).Methods(http.MethodPost)
	api.Handle("/coaches/services", protected(app, upsertCoachServiceHandler(app), RoleCoach, RoleProvider)).Methods(http.MethodPut)
	api.Handle("/coaches/services/{serviceId}", protected(app, deleteCoachServiceHandler(app), RoleCoach, RoleProvider)).Methods(http.MethodDelete)
	api.Handle("/coaches/{id}", app.optionalAuth(getCoachHandler(app))).Methods(http.MethodGet)
	api.Handle("/coaches/{id}/book", protected(app, createBookingHandler(app))).Methods(http.MethodPost)
}

func registerGameRoutes(api *mux.Router, app *App) {
	games := api.PathPrefix("/games").Subrouter()
	games.Use(requireFlag(app.cfg.Flags.GameStore, ErrGameStoreDisabled))
	games.HandleFunc("", listGamesHandler(app)).Methods(http.MethodGet)
	games.HandleFunc("/featured", featuredGamesHandler(app)).Methods(http.MethodGet)
	games.HandleFunc("/genres", gameGenresHandler).Methods(http.MethodGet)
	games.Handle("/wishlist", protected(app, wishlistHandler(app))).Methods(http.MethodGet)
	games.Handle("/library", protected(app, libraryHandler(app))).Methods(http.MethodGet)
	games.Handle("", protected(app, createGameHandler(app), RoleAdmin)).Methods(http.MethodPost)
	games.HandleFunc("/{id}", getGameHandler(app)).Methods(http.MethodGet)
	games.Handle("/{id}", protected(app, updateGameHandler(app), RoleAdmin)).Methods(http.MethodPut)
	games.Handle("/{id}/purchase", protected(app, purchaseGameHandler(app))).Methods(http.MethodPost)
	games.Handle("/{id}/wishlist", protected(app, addWishlistHandler(app))).Methods(http.MethodPost)
	games.Handle("/{id}/wishlist", protected(app, removeWishlistHandler(app))).Methods(http.MethodDelete)
}

func registerBookingRoutes(api *mux.Router, app *App) {
	bookings := api.PathPrefix("/bookings").Subrouter()
	bookings.Use(app.authenticate)
	bookings.HandleFunc("", createBookingHandler(app)).Methods(http.MethodPost)
	bookings.HandleFunc("/user", userBookingsHandler(app)).Methods(http.MethodGet)
	bookings.Handle("/provider", authorize(RoleCoach, RoleProvider)(providerBookingsHandler(app))).Methods(http.MethodGet)
	bookings.HandleFunc("/{id}", getBookingHandler(app)).Methods(http.MethodGet)
	bookings.HandleFunc("/{id}/status", updateBookingStatusHandler(app)).Methods(http.MethodPut)
	bookings.HandleFunc("/{id}/cancel", cancelBookingHandler(app)).Methods(http.MethodPut)
	bookings.HandleFunc("/{id}/rate", rateBookingHandler(app)).Methods(http.MethodPost)
	bookings.HandleFunc("/{id}/events", bookingEventsHandler(app)).Methods(http.MethodGet)
}

func registerPaymentRoutes(api *mux.Router, app *App) {
	payments := api.PathPrefix("/payments").Subrouter()
	payments.Use(app.authenticate)
	payments.HandleFunc("/create-order", createPaymentOrderHandler(app)).Methods(http.MethodPost)
	payments.HandleFunc("/verify", verifyPaymentHandler(app)).Methods(http.MethodPost)
	payments.HandleFunc("/failure", paymentFailureHandler(app)).Methods(http.MethodPost)
	payments.HandleFunc("/history", paymentHistoryHandler(app)).Methods(http.MethodGet)
	payments.Handle("/refund/{bookingId}", authorize(RoleAdmin)(refundPaymentHandler(app))).Methods(http.MethodPost)
}

func registerAccountRoutes(api *mux.Router, app *App) {
	api.Handle("/wallet", protected(app, walletHandler(app))).Methods(http.MethodGet)
	api.Handle("/notifications", protected(app, notificationsHandler(app))).Methods(http.MethodGet)
	api.Handle("/notifications/read", protected(app, markNotificationsReadHandler(app))).Methods(http.MethodPost)
	api.Handle("/notifications", protected(app, deleteNotificationsHandler(app))).Methods(http.MethodDelete)
}

func registerAdminRoutes(api *mux.Router, app *App) {
	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(app.authenticate, authorize(RoleAdmin))
	admin.HandleFunc("/dashboard", adminDashboardHandler(app)).Methods(http.MethodGet)
	admin.HandleFunc("/users", adminUsersHandler(app)).Methods(http.MethodGet)
	admin.HandleFunc("/users/{id}/status", adminUserStatusHandler(app)).Methods(http.MethodPut)
	admin.HandleFunc("/users/{id}/role", adminUserRoleHandler(app)).Methods(http.MethodPut)
	admin.HandleFunc("/users/{id}/wallet", adminWalletHandler(app)).Methods(http.MethodPost)
	admin.HandleFunc("/coaches", adminCoachesHandler(app)).Methods(http.MethodGet)
	admin.HandleFunc("/coaches/{id}/verify", adminVerifyCoachHandler(app)).Methods(http.MethodPut)
	admin.HandleFunc("/services", adminServicesHandler(app)).Methods(http.MethodGet)
	admin.HandleFunc("/bookings", adminBookingsHandler(app)).Methods(http.MethodGet)
	admin.HandleFunc("/settings", adminSettingsHandler).Methods(http.MethodGet)
	admin.HandleFunc("/settings", adminUpdateSettingsHandler(app)).Methods(http.MethodPut)
}
