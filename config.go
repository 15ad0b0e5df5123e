package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type AppEnv string

const (
	EnvDevelopment AppEnv = "development"
	EnvStaging     AppEnv = "staging"
	EnvProduction  AppEnv = "production"
)

const dummyRazorpayKeyID = "rzp_test_dummy_key_id"

type SMTPConfig struct {
	Host string `envconfig:"EMAIL_HOST"`
	Port int    `envconfig:"EMAIL_PORT" default:"587"`
	User string `envconfig:"EMAIL_USER"`
	Pass string `envconfig:"EMAIL_PASS"`
	From string `envconfig:"EMAIL_FROM"`
}

type RazorpayConfig struct {
	KeyID     string `envconfig:"RAZORPAY_KEY_ID" default:"rzp_test_dummy_key_id"`
	KeySecret string `envconfig:"RAZORPAY_KEY_SECRET" default:"dummy_key_secret_for_development"`
	BaseURL   string `envconfig:"RAZORPAY_BASE_URL" default:"https://api.razorpay.com/v1"`
	RetryMax  int    `envconfig:"RAZORPAY_RETRY_MAX" default:"2"`
	Currency  string `envconfig:"PAYMENT_CURRENCY" default:"INR"`
}

type Config struct {
	RawEnv      string   `envconfig:"APP_ENV"`
	Port        string   `envconfig:"PORT" default:"5001"`
	DatabaseURL string   `envconfig:"DATABASE_URL" required:"true"`
	DBMaxConns  int      `envconfig:"DB_MAX_OPEN_CONNS" default:"10"`
	JWTSecret   string   `envconfig:"JWT_SECRET" required:"true"`
	JWTExpiry   tokenTTL `envconfig:"JWT_EXPIRES_IN" default:"7d"`
	FrontendURL string   `envconfig:"FRONTEND_URL"`
	AdminURL    string   `envconfig:"ADMIN_URL"`
	UploadsDir  string   `envconfig:"UPLOADS_DIR" default:"uploads"`
	LogLevel    string   `envconfig:"LOG_LEVEL" default:"info"`

	RedisURL string        `envconfig:"REDIS_URL"`
	CacheTTL time.Duration `envconfig:"CATALOG_CACHE_TTL" default:"60s"`

	RateLimitRPS   float64 `envconfig:"RATE_LIMIT_RPS" default:"20"`
	RateLimitBurst int     `envconfig:"RATE_LIMIT_BURST" default:"40"`

	TrustedProxies proxyTrust `envconfig:"TRUSTED_PROXIES"`

	LoginRateLimit  int           `envconfig:"LOGIN_RATE_LIMIT" default:"12"`
	SignupRateLimit int           `envconfig:"SIGNUP_RATE_LIMIT" default:"5"`
	OTPRateLimit    int           `envconfig:"OTP_RATE_LIMIT" default:"10"`
	AuthRateWindow  time.Duration `envconfig:"AUTH_RATE_WINDOW" default:"10m"`

	AdminBootstrapEmail    string `envconfig:"ADMIN_BOOTSTRAP_EMAIL"`
	AdminBootstrapPassword string `envconfig:"ADMIN_BOOTSTRAP_PASSWORD"`
	AdminBootstrapPhone    string `envconfig:"ADMIN_BOOTSTRAP_PHONE" default:"0000000000"`

	Env      AppEnv `ignored:"true"`
	SMTP     SMTPConfig
	Razorpay RazorpayConfig
	Flags    FeatureFlags
}

// tokenTTL accepts Go durations as well as a whole number of days ("7d").
type tokenTTL time.Duration

func (t *tokenTTL) Decode(value string) error {
	value = strings.TrimSpace(value)
	if strings.HasSuffix(value, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(value, "d"))
		if err != nil || days <= 0 {
			return fmt.Errorf("invalid day duration %q", value)
		}
		*t = tokenTTL(time.Duration(days) * 24 * time.Hour)
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("duration must be positive: %q", value)
	}
	*t = tokenTTL(d)
	return nil
}

func (t tokenTTL) Duration() time.Duration {
	return time.Duration(t)
}

// loadConfig reads an optional .env file and then the process environment.
func loadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	raw := cfg.RawEnv
	if raw == "" {
		raw = os.Getenv("NODE_ENV")
	}
	env, err := parseAppEnv(raw)
	if err != nil {
		return nil, err
	}
	cfg.Env = env

	if env == EnvProduction && cfg.paymentsDevMode() {
		return nil, errors.New("RAZORPAY_KEY_ID must be set in production")
	}
	return &cfg, nil
}

func parseAppEnv(value string) (AppEnv, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "dev", string(EnvDevelopment), "local":
		return EnvDevelopment, nil
	case string(EnvStaging):
		return EnvStaging, nil
	case "prod", string(EnvProduction):
		return EnvProduction, nil
	default:
		return "", fmt.Errorf("unsupported APP_ENV: %s", value)
	}
}

func (c *Config) isDevelopment() bool {
	return c.Env == EnvDevelopment
}

// paymentsDevMode reports whether orders and verification are simulated.
func (c *Config) paymentsDevMode() bool {
	key := strings.TrimSpace(c.Razorpay.KeyID)
	return key == "" || key == dummyRazorpayKeyID
}

func (c *Config) allowedOrigins() []string {
	origins := []string{}
	for _, origin := range []string{c.FrontendURL, c.AdminURL} {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}
