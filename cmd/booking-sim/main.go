package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

type SimConfig struct {
	BaseURL        string        `envconfig:"API_BASE_URL" required:"true"`
	Enabled        bool          `envconfig:"SIM_ENABLED" default:"true"`
	Users          int           `envconfig:"SIM_USERS" default:"3"`
	PayProbability float64       `envconfig:"SIM_PAY_PROBABILITY" default:"0.8"`
	MinDelay       time.Duration `envconfig:"SIM_DELAY_MIN" default:"500ms"`
	MaxDelay       time.Duration `envconfig:"SIM_DELAY_MAX" default:"2s"`
	DaysAhead      int           `envconfig:"SIM_DAYS_AHEAD" default:"3"`
	EmailDomain    string        `envconfig:"SIM_EMAIL_DOMAIN" default:"sim.pixelfuel.io"`
	Password       string        `envconfig:"SIM_PASSWORD" default:"sim-password-123"`
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type authData struct {
	Token string `json:"token"`
	User  struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

type servicesData struct {
	Services []struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Category string `json:"category"`
	} `json:"services"`
}

type coachesData struct {
	Coaches []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"coaches"`
}

type bookingData struct {
	Booking struct {
		ID        string `json:"id"`
		Reference string `json:"bookingReference"`
		Status    string `json:"status"`
	} `json:"booking"`
}

type orderData struct {
	OrderID       string `json:"orderId"`
	Amount        int64  `json:"amount"`
	IsDevelopment bool   `json:"isDevelopment"`
}

type simulator struct {
	cfg    SimConfig
	client *retryablehttp.Client
	log    *logrus.Logger
}

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var cfg SimConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.WithError(err).Error("invalid configuration")
		os.Exit(1)
	}
	if !cfg.Enabled {
		log.Info("booking simulation disabled")
		return
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")

	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil
	client.HTTPClient.Timeout = 15 * time.Second

	sim := &simulator{cfg: cfg, client: client, log: log}
	ctx := context.Background()

	completed := 0
	for i := 0; i < cfg.Users; i++ {
		if err := sim.runOnce(ctx); err != nil {
			log.WithError(err).Warn("simulated user failed")
		} else {
			completed++
		}
		sleepJitter(cfg.MinDelay, cfg.MaxDelay)
	}
	log.WithFields(logrus.Fields{"users": cfg.Users, "completed": completed}).Info("booking simulation finished")
}

// runOnce walks one fresh account through register, browse, book and pay.
func (s *simulator) runOnce(ctx context.Context) error {
	email := fmt.Sprintf("sim-%s@%s", uuid.NewString()[:8], s.cfg.EmailDomain)
	var auth authData
	if err := s.call(ctx, http.MethodPost, "/api/auth/register", "", map[string]string{
		"name":     "Sim " + email[4:12],
		"email":    email,
		"phone":    fmt.Sprintf("9%09d", rand.Intn(1_000_000_000)),
		"password": s.cfg.Password,
	}, &auth); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	entry := s.log.WithField("email", email)

	var services servicesData
	if err := s.call(ctx, http.MethodGet, "/api/services?limit=50", "", nil, &services); err != nil {
		return fmt.Errorf("list services: %w", err)
	}
	if len(services.Services) == 0 {
		return errors.New("no services available")
	}
	rand.Shuffle(len(services.Services), func(i, j int) {
		services.Services[i], services.Services[j] = services.Services[j], services.Services[i]
	})

	for _, service := range services.Services {
		var coaches coachesData
		if err := s.call(ctx, http.MethodGet, "/api/coaches?serviceId="+service.ID, "", nil, &coaches); err != nil {
			return fmt.Errorf("list coaches: %w", err)
		}
		if len(coaches.Coaches) == 0 {
			continue
		}
		coach := coaches.Coaches[rand.Intn(len(coaches.Coaches))]

		hour := 9 + rand.Intn(10)
		date := time.Now().UTC().AddDate(0, 0, s.cfg.DaysAhead+rand.Intn(7)).Format("2006-01-02")
		var booked bookingData
		if err := s.call(ctx, http.MethodPost, "/api/bookings", auth.Token, map[string]interface{}{
			"serviceId":     service.ID,
			"providerId":    coach.ID,
			"scheduledDate": date,
			"scheduledTime": map[string]string{
				"start": fmt.Sprintf("%02d:00", hour),
				"end":   fmt.Sprintf("%02d:00", hour+1),
			},
			"userNotes": "booked by simulator",
		}, &booked); err != nil {
			return fmt.Errorf("create booking: %w", err)
		}
		entry = entry.WithFields(logrus.Fields{"booking": booked.Booking.Reference, "service": service.Name, "coach": coach.Name})
		entry.Info("booking created")

		if rand.Float64() > s.cfg.PayProbability {
			entry.Info("left booking unpaid")
			return nil
		}
		return s.pay(ctx, auth.Token, booked.Booking.ID, entry)
	}
	return errors.New("no bookable coach for any service")
}

func (s *simulator) pay(ctx context.Context, token string, bookingID string, entry *logrus.Entry) error {
	var order orderData
	if err := s.call(ctx, http.MethodPost, "/api/payments/create-order", token, map[string]string{"bookingId": bookingID}, &order); err != nil {
		return fmt.Errorf("create order: %w", err)
	}
	if !order.IsDevelopment {
		// Live orders need the checkout widget to produce a signature.
		entry.WithField("order", order.OrderID).Info("live gateway order created, skipping verification")
		return nil
	}
	if err := s.call(ctx, http.MethodPost, "/api/payments/verify", token, map[string]string{
		"bookingId":           bookingID,
		"razorpay_order_id":   order.OrderID,
		"razorpay_payment_id": "pay_sim_" + uuid.NewString()[:12],
		"razorpay_signature":  "sim_signature",
	}, nil); err != nil {
		return fmt.Errorf("verify payment: %w", err)
	}
	entry.WithField("amount_paise", order.Amount).Info("booking paid")
	return nil
}

func (s *simulator) call(ctx context.Context, method string, path string, token string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, s.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	var response envelope
	if err := json.NewDecoder(res.Body).Decode(&response); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	if !response.Success {
		return fmt.Errorf("%s %s: %d %s", method, path, res.StatusCode, response.Message)
	}
	if out == nil || len(response.Data) == 0 {
		return nil
	}
	return json.Unmarshal(response.Data, out)
}

func sleepJitter(min time.Duration, max time.Duration) {
	if min <= 0 {
		return
	}
	if max < min {
		max = min
	}
	time.Sleep(min + time.Duration(rand.Int63n(int64(max-min)+1)))
}
