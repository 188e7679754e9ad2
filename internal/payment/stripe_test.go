package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"

	"github.com/blockspeak/orchestrator/internal/models"
)

const webhookSecret = "whsec_test_secret"

func sign(payload string, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func checkoutPayload(eventType, paymentStatus string) string {
	return fmt.Sprintf(`{
  "id": "evt_1",
  "object": "event",
  "api_version": "2023-10-16",
  "type": %q,
  "data": {"object": {
    "id": "cs_test_a1",
    "object": "checkout.session",
    "client_reference_id": "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
    "payment_status": %q,
    "metadata": {"plan": "pro", "address": "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"}
  }}
}`, eventType, paymentStatus)
}

func newTestStripe(backends *stripe.Backends) *StripeProvider {
	return NewStripeProvider(StripeConfig{
		SecretKey:     "sk_test_123",
		WebhookSecret: webhookSecret,
		Prices:        map[models.Plan]string{models.PlanBasic: "price_basic", models.PlanPro: "price_pro"},
		SuccessURL:    "https://app.test/success",
		CancelURL:     "https://app.test/cancel",
		Backends:      backends,
	})
}

func TestStripe_ParseCheckoutCompleted(t *testing.T) {
	p := newTestStripe(nil)
	payload := checkoutPayload("checkout.session.completed", "paid")

	event, err := p.ParseEvent([]byte(payload), sign(payload, webhookSecret))
	require.NoError(t, err)
	assert.Equal(t, CheckoutEvent{
		SessionID: "cs_test_a1",
		Plan:      models.PlanPro,
		Address:   "0x70997970c51812dc3a010c7d01b50e0d17dc79c8",
		Success:   true,
	}, event)
}

func TestStripe_ParseUnpaidAndFailed(t *testing.T) {
	p := newTestStripe(nil)

	payload := checkoutPayload("checkout.session.completed", "unpaid")
	event, err := p.ParseEvent([]byte(payload), sign(payload, webhookSecret))
	require.NoError(t, err)
	assert.Nil(t, event, "an unpaid completion waits for the async outcome")

	payload = checkoutPayload("checkout.session.async_payment_failed", "unpaid")
	event, err = p.ParseEvent([]byte(payload), sign(payload, webhookSecret))
	require.NoError(t, err)
	require.IsType(t, CheckoutEvent{}, event)
	assert.False(t, event.(CheckoutEvent).Success)

	payload = checkoutPayload("checkout.session.expired", "unpaid")
	event, err = p.ParseEvent([]byte(payload), sign(payload, webhookSecret))
	require.NoError(t, err)
	assert.False(t, event.(CheckoutEvent).Success)
}

func TestStripe_ParseSubscriptionDeleted(t *testing.T) {
	p := newTestStripe(nil)
	payload := `{"id":"evt_2","object":"event","type":"customer.subscription.deleted",
  "data":{"object":{"id":"sub_1","object":"subscription","metadata":{"address":"0xAbC0000000000000000000000000000000000001"}}}}`

	event, err := p.ParseEvent([]byte(payload), sign(payload, webhookSecret))
	require.NoError(t, err)
	assert.Equal(t, LapseEvent{Address: "0xabc0000000000000000000000000000000000001"}, event)
}

func TestStripe_RejectsBadSignature(t *testing.T) {
	p := newTestStripe(nil)
	payload := checkoutPayload("checkout.session.completed", "paid")

	_, err := p.ParseEvent([]byte(payload), sign(payload, "whsec_other"))
	assert.Error(t, err)
	_, err = p.ParseEvent([]byte(payload), "")
	assert.Error(t, err)

	tampered := checkoutPayload("checkout.session.completed", "no_payment_required")
	_, err = p.ParseEvent([]byte(tampered), sign(payload, webhookSecret))
	assert.Error(t, err)
}

func TestStripe_IgnoresOtherEvents(t *testing.T) {
	p := newTestStripe(nil)
	payload := `{"id":"evt_3","object":"event","type":"customer.created","data":{"object":{"id":"cus_1","object":"customer"}}}`
	event, err := p.ParseEvent([]byte(payload), sign(payload, webhookSecret))
	require.NoError(t, err)
	assert.Nil(t, event)
}

func invoicePayload(billingReason, metadata string) string {
	return fmt.Sprintf(`{"id":"evt_4","object":"event","type":"invoice.paid",
  "data":{"object":{"id":"in_1","object":"invoice","billing_reason":%q,
    "subscription_details":{"metadata":%s},
    "lines":{"object":"list","data":[{"id":"il_1","price":{"id":"price_pro"},"metadata":{"address":"0x70997970c51812dc3a010c7d01b50e0d17dc79c8"},"period":{"start":1709251200,"end":1711929600}}]}}}}`, billingReason, metadata)
}

func TestStripe_ParseRenewal(t *testing.T) {
	p := newTestStripe(nil)
	want := RenewalEvent{
		Address:   "0x70997970c51812dc3a010c7d01b50e0d17dc79c8",
		Plan:      models.PlanPro,
		PeriodEnd: time.Unix(1711929600, 0).UTC(),
	}

	payload := invoicePayload("subscription_cycle", `{"plan":"pro","address":"0x70997970C51812dc3A010C7d01b50e0d17dc79C8"}`)
	event, err := p.ParseEvent([]byte(payload), sign(payload, webhookSecret))
	require.NoError(t, err)
	assert.Equal(t, want, event)

	payload = invoicePayload("subscription_cycle", `{}`)
	event, err = p.ParseEvent([]byte(payload), sign(payload, webhookSecret))
	require.NoError(t, err)
	assert.Equal(t, want, event, "plan from the price and address from the line item")

	payload = invoicePayload("subscription_create", `{"plan":"pro"}`)
	event, err = p.ParseEvent([]byte(payload), sign(payload, webhookSecret))
	require.NoError(t, err)
	assert.Nil(t, event, "the first invoice is covered by the checkout events")
}

func stripeBackends(srv *httptest.Server) *stripe.Backends {
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return &stripe.Backends{API: backend, Connect: backend, Uploads: backend}
}

func TestStripe_CreateCheckout(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_test_new","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_test_new"}`))
	}))
	defer srv.Close()

	p := newTestStripe(stripeBackends(srv))
	checkout, err := p.CreateCheckout(context.Background(), "0xabc", models.PlanBasic)
	require.NoError(t, err)
	assert.Equal(t, "cs_test_new", checkout.SessionID)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_new", checkout.URL)

	assert.Equal(t, "subscription", form.Get("mode"))
	assert.Equal(t, "price_basic", form.Get("line_items[0][price]"))
	assert.Equal(t, "0xabc", form.Get("client_reference_id"))
	assert.Equal(t, "basic", form.Get("metadata[plan]"))
	assert.Equal(t, "0xabc", form.Get("subscription_data[metadata][address]"))
}

func TestStripe_CreateCheckoutFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"No such price"}}`))
	}))
	defer srv.Close()

	p := newTestStripe(stripeBackends(srv))
	_, err := p.CreateCheckout(context.Background(), "0xabc", models.PlanPro)
	assert.ErrorIs(t, err, models.ErrRailUnavailable)

	_, err = newTestStripe(nil).CreateCheckout(context.Background(), "0xabc", models.Plan("gold"))
	assert.ErrorIs(t, err, models.ErrRailUnavailable)
}
