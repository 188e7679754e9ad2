package payment

import (
	"fmt"
	"time"

	"github.com/blockspeak/orchestrator/internal/models"
)

// The functions below are the only way a Subscription changes state.
// free -> pending_payment -> active -> (lapse) free, with pending_payment
// falling back to the prior entitlement when its payment fails.

func canBegin(sub *models.Subscription, ref string) error {
	switch sub.Status {
	case models.StatusFree, models.StatusActive:
		return nil
	case models.StatusPendingPayment:
		if sub.PendingReference == ref {
			return nil
		}
		return fmt.Errorf("%w: another payment is being reconciled", models.ErrStateConflict)
	default:
		return fmt.Errorf("%w: from %q", models.ErrInvalidTransition, sub.Status)
	}
}

func beginPending(sub *models.Subscription, plan models.Plan, rail models.Rail, ref string, now time.Time) error {
	if !plan.Paid() {
		return models.ErrInvalidPlan
	}
	if err := canBegin(sub, ref); err != nil {
		return err
	}
	if sub.Status == models.StatusPendingPayment && sub.PendingPlan != plan {
		return fmt.Errorf("%w: reference already pending for plan %s", models.ErrStateConflict, sub.PendingPlan)
	}

	// An entitlement that already ran out is dropped on the way into pending.
	if !sub.Plan.Paid() || !now.Before(sub.ExpiresAt) {
		sub.Plan = models.PlanFree
	}
	sub.Status = models.StatusPendingPayment
	sub.PendingPlan = plan
	sub.PendingRail = rail
	sub.PendingReference = ref
	sub.UpdatedAt = now
	return nil
}

// activate confirms the pending payment ref. Renewing an unexpired plan
// extends it from its current expiry.
func activate(sub *models.Subscription, plan models.Plan, ref string, now time.Time, period time.Duration) error {
	if sub.Status != models.StatusPendingPayment || sub.PendingReference != ref || sub.PendingPlan != plan {
		return fmt.Errorf("%w: activate %s from %q", models.ErrInvalidTransition, plan, sub.Status)
	}

	start := now
	if sub.Plan == plan && now.Before(sub.ExpiresAt) {
		start = sub.ExpiresAt
	}
	sub.Status = models.StatusActive
	sub.Plan = plan
	sub.ExpiresAt = start.Add(period)
	clearPending(sub)
	sub.UpdatedAt = now
	return nil
}

// abandonPending drops the pending payment ref and falls back to whatever
// the wallet was entitled to before.
func abandonPending(sub *models.Subscription, ref string, now time.Time) error {
	if sub.Status != models.StatusPendingPayment || sub.PendingReference != ref {
		return fmt.Errorf("%w: abandon from %q", models.ErrInvalidTransition, sub.Status)
	}

	if sub.Plan.Paid() && now.Before(sub.ExpiresAt) {
		sub.Status = models.StatusActive
	} else {
		sub.Status = models.StatusFree
		sub.Plan = models.PlanFree
	}
	clearPending(sub)
	sub.UpdatedAt = now
	return nil
}

// renew extends the wallet's plan to until. A lapsed wallet becomes active
// again; a pending payment stays pending on top of the renewed plan.
func renew(sub *models.Subscription, plan models.Plan, until, now time.Time) error {
	if !plan.Paid() {
		return models.ErrInvalidPlan
	}
	if !now.Before(until) {
		return fmt.Errorf("%w: renewal period already ended", models.ErrInvalidTransition)
	}

	if sub.Status == models.StatusFree {
		sub.Status = models.StatusActive
	}
	sub.Plan = plan
	if until.After(sub.ExpiresAt) {
		sub.ExpiresAt = until
	}
	sub.UpdatedAt = now
	return nil
}

func lapse(sub *models.Subscription, now time.Time) error {
	if sub.Status != models.StatusActive || now.Before(sub.ExpiresAt) {
		return fmt.Errorf("%w: lapse from %q", models.ErrInvalidTransition, sub.Status)
	}
	sub.Status = models.StatusFree
	sub.Plan = models.PlanFree
	sub.UpdatedAt = now
	return nil
}

func clearPending(sub *models.Subscription) {
	sub.PendingPlan = ""
	sub.PendingRail = ""
	sub.PendingReference = ""
}
