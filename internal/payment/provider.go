package payment

import (
	"context"
	"time"

	"github.com/blockspeak/orchestrator/internal/models"
)

// Checkout is a hosted payment page created by a custodial provider.
type Checkout struct {
	SessionID string
	URL       string
}

// Event is a verified provider notification.
type Event interface {
	providerEvent()
}

// CheckoutEvent reports the end of a checkout session.
type CheckoutEvent struct {
	SessionID string
	Plan      models.Plan
	Address   string
	Success   bool
}

// LapseEvent reports that the provider ended a wallet's subscription.
type LapseEvent struct {
	Address string
}

// RenewalEvent reports that the provider charged a wallet for another
// billing period ending at PeriodEnd.
type RenewalEvent struct {
	Address   string
	Plan      models.Plan
	PeriodEnd time.Time
}

func (CheckoutEvent) providerEvent() {}
func (LapseEvent) providerEvent()    {}
func (RenewalEvent) providerEvent()  {}

// CheckoutProvider is the custodial payment rail.
type CheckoutProvider interface {
	CreateCheckout(ctx context.Context, address string, plan models.Plan) (*Checkout, error)
	// ParseEvent verifies the signature and normalizes the payload. A nil
	// Event with a nil error means the event type is not relevant.
	ParseEvent(payload []byte, signatureHeader string) (Event, error)
}
