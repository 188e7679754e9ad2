package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
	"github.com/tidwall/gjson"

	"github.com/blockspeak/orchestrator/internal/models"
)

// StripeConfig configures the Stripe checkout rail.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Prices        map[models.Plan]string
	SuccessURL    string
	CancelURL     string
	// Backends overrides the API endpoints, nil for the defaults.
	Backends *stripe.Backends
}

// StripeProvider runs subscription-mode Stripe Checkout.
type StripeProvider struct {
	client        *client.API
	webhookSecret string
	prices        map[models.Plan]string
	successURL    string
	cancelURL     string
}

func NewStripeProvider(cfg StripeConfig) *StripeProvider {
	sc := &client.API{}
	sc.Init(cfg.SecretKey, cfg.Backends)
	return &StripeProvider{
		client:        sc,
		webhookSecret: cfg.WebhookSecret,
		prices:        cfg.Prices,
		successURL:    cfg.SuccessURL,
		cancelURL:     cfg.CancelURL,
	}
}

func (p *StripeProvider) CreateCheckout(ctx context.Context, address string, plan models.Plan) (*Checkout, error) {
	price, ok := p.prices[plan]
	if !ok || price == "" {
		return nil, fmt.Errorf("%w: no Stripe price for plan %s", models.ErrRailUnavailable, plan)
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(price), Quantity: stripe.Int64(1)},
		},
		SuccessURL:        stripe.String(p.successURL),
		CancelURL:         stripe.String(p.cancelURL),
		ClientReferenceID: stripe.String(address),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"plan": string(plan), "address": address},
		},
	}
	params.Context = ctx
	params.AddMetadata("plan", string(plan))
	params.AddMetadata("address", address)

	session, err := p.client.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create checkout session: %v", models.ErrRailUnavailable, err)
	}
	return &Checkout{SessionID: session.ID, URL: session.URL}, nil
}

func (p *StripeProvider) ParseEvent(payload []byte, signatureHeader string) (Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("invalid webhook: %w", err)
	}
	if event.Data == nil {
		return nil, fmt.Errorf("webhook %s has no data", event.ID)
	}

	switch string(event.Type) {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded",
		"checkout.session.async_payment_failed", "checkout.session.expired":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("failed to decode checkout session: %w", err)
		}
		address := session.ClientReferenceID
		if address == "" {
			address = session.Metadata["address"]
		}
		paid := string(session.PaymentStatus) == "paid" || string(session.PaymentStatus) == "no_payment_required"
		success := paid && (event.Type == "checkout.session.completed" || event.Type == "checkout.session.async_payment_succeeded")
		if event.Type == "checkout.session.completed" && !paid {
			// async payment methods report the outcome in a later event
			return nil, nil
		}
		return CheckoutEvent{
			SessionID: session.ID,
			Plan:      models.Plan(session.Metadata["plan"]),
			Address:   strings.ToLower(address),
			Success:   success,
		}, nil

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("failed to decode subscription: %w", err)
		}
		address := sub.Metadata["address"]
		if address == "" {
			return nil, fmt.Errorf("subscription %s carries no wallet address", sub.ID)
		}
		return LapseEvent{Address: strings.ToLower(address)}, nil

	case "invoice.paid":
		return p.parseRenewal(event.Data.Raw)

	default:
		return nil, nil
	}
}

// parseRenewal maps a paid cycle invoice to a RenewalEvent. The first
// invoice of a subscription is covered by the checkout events.
func (p *StripeProvider) parseRenewal(raw json.RawMessage) (Event, error) {
	invoice := gjson.ParseBytes(raw)
	if invoice.Get("billing_reason").String() != "subscription_cycle" {
		return nil, nil
	}

	metadata := invoice.Get("subscription_details.metadata")
	address := metadata.Get("address").String()
	if address == "" {
		address = invoice.Get("lines.data.0.metadata.address").String()
	}
	if address == "" {
		return nil, fmt.Errorf("invoice %s carries no wallet address", invoice.Get("id").String())
	}

	plan := models.Plan(metadata.Get("plan").String())
	if plan == "" {
		plan = p.planForPrice(invoice.Get("lines.data.0.price.id").String())
	}
	if !plan.Paid() {
		return nil, fmt.Errorf("invoice %s has no paid plan", invoice.Get("id").String())
	}

	end := invoice.Get("lines.data.0.period.end").Int()
	if end == 0 {
		return nil, fmt.Errorf("invoice %s has no billing period", invoice.Get("id").String())
	}
	return RenewalEvent{
		Address:   strings.ToLower(address),
		Plan:      plan,
		PeriodEnd: time.Unix(end, 0).UTC(),
	}, nil
}

func (p *StripeProvider) planForPrice(priceID string) models.Plan {
	for plan, id := range p.prices {
		if id != "" && id == priceID {
			return plan
		}
	}
	return ""
}
