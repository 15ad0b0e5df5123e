package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentSignature(t *testing.T) {
	sig := paymentSignature("order_1", "pay_1", "secret")
	assert.Equal(t, "52115a0d3400de9e86aade1f1b6eba9e8974604f4e267a9e9a16633a4c8dd2cb", sig)
	assert.NotEqual(t, sig, paymentSignature("order_1", "pay_2", "secret"))
}

func TestNewPaymentGatewayPicksMockForDummyKey(t *testing.T) {
	cfg := &Config{Razorpay: RazorpayConfig{KeyID: dummyRazorpayKeyID, Currency: "INR"}}
	gw := newPaymentGateway(cfg, newMetrics())
	assert.True(t, gw.DevMode())
	assert.True(t, gw.VerifySignature("order_1", "", ""))

	order, err := gw.CreateOrder(context.Background(), rupees(1770), "PF1234", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(177000), order.Amount)
	assert.Equal(t, "INR", order.Currency)
	assert.Regexp(t, `^order_\d+$`, order.ID)

	refund, err := gw.Refund(context.Background(), "pay_1", rupees(100), nil)
	require.NoError(t, err)
	assert.Regexp(t, `^rfnd_dev_\d+$`, refund.ID)

	cfg.Razorpay.KeyID = "rzp_test_real"
	assert.False(t, newPaymentGateway(cfg, newMetrics()).DevMode())
}

func newTestRazorpay(t *testing.T, handler http.HandlerFunc) (*razorpayClient, *Metrics) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	metrics := newMetrics()
	client := newRazorpayClient(RazorpayConfig{
		KeyID:     "rzp_test_key",
		KeySecret: "rzp_secret",
		BaseURL:   srv.URL + "/v1/",
		RetryMax:  0,
		Currency:  "INR",
	}, metrics)
	client.http.RetryWaitMin = time.Millisecond
	client.http.RetryWaitMax = time.Millisecond
	return client, metrics
}

func TestRazorpayCreateOrder(t *testing.T) {
	client, metrics := newTestRazorpay(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/orders", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "rzp_test_key", user)
		assert.Equal(t, "rzp_secret", pass)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(177000), body["amount"])
		assert.Equal(t, "INR", body["currency"])
		assert.Equal(t, "PF0001", body["receipt"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"order_abc","amount":177000,"currency":"INR","receipt":"PF0001","status":"created"}`))
	})

	order, err := client.CreateOrder(context.Background(), rupees(1770), "PF0001", map[string]string{"bookingId": "b-1"})
	require.NoError(t, err)
	assert.Equal(t, "order_abc", order.ID)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.gatewayRequests.WithLabelValues("create_order", "ok")))
}

func TestRazorpayRejectedRequest(t *testing.T) {
	client, metrics := newTestRazorpay(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"BAD_REQUEST_ERROR","description":"The amount must be at least INR 1.00"}}`))
	})

	_, err := client.Refund(context.Background(), "pay_1", Money(10), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGatewayFailure)
	assert.Contains(t, err.Error(), "BAD_REQUEST_ERROR")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.gatewayRequests.WithLabelValues("refund", "rejected")))
}

func TestRazorpayRefundPath(t *testing.T) {
	client, _ := newTestRazorpay(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments/pay_9/refund", r.URL.Path)
		w.Write([]byte(`{"id":"rfnd_1","payment_id":"pay_9","amount":5000,"status":"processed"}`))
	})

	refund, err := client.Refund(context.Background(), "pay_9", rupees(50), nil)
	require.NoError(t, err)
	assert.Equal(t, "rfnd_1", refund.ID)
	assert.Equal(t, int64(5000), refund.Amount)
}

func TestRazorpayVerifySignature(t *testing.T) {
	client := newRazorpayClient(RazorpayConfig{KeyID: "k", KeySecret: "rzp_secret"}, newMetrics())
	good := paymentSignature("order_1", "pay_1", "rzp_secret")

	assert.True(t, client.VerifySignature("order_1", "pay_1", good))
	assert.False(t, client.VerifySignature("order_1", "pay_1", paymentSignature("order_1", "pay_1", "wrong")))
	assert.False(t, client.VerifySignature("order_1", "pay_2", good))
	assert.False(t, client.VerifySignature("order_1", "pay_1", ""))
}
