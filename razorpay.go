package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

type GatewayOrder struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

type GatewayRefund struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

// PaymentGateway creates orders, checks checkout signatures and issues
// refunds. Amounts cross the boundary in paise.
type PaymentGateway interface {
	CreateOrder(ctx context.Context, amount Money, receipt string, notes map[string]string) (*GatewayOrder, error)
	VerifySignature(orderID string, paymentID string, signature string) bool
	Refund(ctx context.Context, paymentID string, amount Money, notes map[string]string) (*GatewayRefund, error)
	KeyID() string
	DevMode() bool
}

func newPaymentGateway(cfg *Config, metrics *Metrics) PaymentGateway {
	if cfg.paymentsDevMode() {
		return &mockGateway{keyID: cfg.Razorpay.KeyID, currency: cfg.Razorpay.Currency, now: time.Now}
	}
	return newRazorpayClient(cfg.Razorpay, metrics)
}

// paymentSignature is the Razorpay checkout signature:
// hex(HMAC-SHA256(order_id + "|" + payment_id, key_secret)).
func paymentSignature(orderID string, paymentID string, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

/* ======================
   Development gateway
   ====================== */

type mockGateway struct {
	keyID    string
	currency string
	now      func() time.Time
}

func (g *mockGateway) CreateOrder(_ context.Context, amount Money, receipt string, _ map[string]string) (*GatewayOrder, error) {
	return &GatewayOrder{
		ID:       fmt.Sprintf("order_%d", g.now().UnixMilli()),
		Amount:   amount.Paise(),
		Currency: g.currency,
		Receipt:  receipt,
		Status:   "created",
	}, nil
}

func (g *mockGateway) VerifySignature(string, string, string) bool { return true }

func (g *mockGateway) Refund(_ context.Context, paymentID string, amount Money, _ map[string]string) (*GatewayRefund, error) {
	return &GatewayRefund{
		ID:        fmt.Sprintf("rfnd_dev_%d", g.now().UnixMilli()),
		PaymentID: paymentID,
		Amount:    amount.Paise(),
		Status:    "processed",
	}, nil
}

func (g *mockGateway) KeyID() string { return g.keyID }
func (g *mockGateway) DevMode() bool { return true }

/* ======================
   Razorpay REST client
   ====================== */

type razorpayClient struct {
	http      *retryablehttp.Client
	baseURL   string
	keyID     string
	keySecret string
	currency  string
	metrics   *Metrics
}

func newRazorpayClient(cfg RazorpayConfig, metrics *Metrics) *razorpayClient {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 15 * time.Second
	client.Logger = nil
	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			logger.WithField("url", req.URL.Path).WithField("attempt", attempt).Warn("retrying razorpay request")
		}
	}
	return &razorpayClient{
		http:      client,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		keyID:     cfg.KeyID,
		keySecret: cfg.KeySecret,
		currency:  cfg.Currency,
		metrics:   metrics,
	}
}

type razorpayError struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

func (c *razorpayClient) post(ctx context.Context, operation string, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.keyID, c.keySecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.gatewayRequests.WithLabelValues(operation, "error").Inc()
		return fmt.Errorf("%w: %v", ErrGatewayFailure, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.metrics.gatewayRequests.WithLabelValues(operation, "error").Inc()
		return fmt.Errorf("%w: %v", ErrGatewayFailure, err)
	}

	if resp.StatusCode >= 300 {
		c.metrics.gatewayRequests.WithLabelValues(operation, "rejected").Inc()
		var apiErr razorpayError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Description != "" {
			return fmt.Errorf("%w: %s (%s)", ErrGatewayFailure, apiErr.Error.Description, apiErr.Error.Code)
		}
		return fmt.Errorf("%w: status %d", ErrGatewayFailure, resp.StatusCode)
	}
	c.metrics.gatewayRequests.WithLabelValues(operation, "ok").Inc()
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrGatewayFailure, err)
	}
	return nil
}

func (c *razorpayClient) CreateOrder(ctx context.Context, amount Money, receipt string, notes map[string]string) (*GatewayOrder, error) {
	var order GatewayOrder
	err := c.post(ctx, "create_order", "/orders", map[string]interface{}{
		"amount":   amount.Paise(),
		"currency": c.currency,
		"receipt":  receipt,
		"notes":    notes,
	}, &order)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *razorpayClient) VerifySignature(orderID string, paymentID string, signature string) bool {
	if orderID == "" || paymentID == "" || signature == "" {
		return false
	}
	expected := paymentSignature(orderID, paymentID, c.keySecret)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

func (c *razorpayClient) Refund(ctx context.Context, paymentID string, amount Money, notes map[string]string) (*GatewayRefund, error) {
	var refund GatewayRefund
	err := c.post(ctx, "refund", "/payments/"+paymentID+"/refund", map[string]interface{}{
		"amount": amount.Paise(),
		"notes":  notes,
	}, &refund)
	if err != nil {
		return nil, err
	}
	return &refund, nil
}

func (c *razorpayClient) KeyID() string { return c.keyID }
func (c *razorpayClient) DevMode() bool { return false }
