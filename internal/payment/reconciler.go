package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blockspeak/orchestrator/internal/blockchain"
	"github.com/blockspeak/orchestrator/internal/metrics"
	"github.com/blockspeak/orchestrator/internal/models"
	"github.com/blockspeak/orchestrator/pkg/logger"
	"github.com/blockspeak/orchestrator/pkg/validation"
)

const (
	bpsDenominator = 10_000
	// writeTimeout bounds the DB writes that record a verification outcome.
	writeTimeout = 10 * time.Second
)

// Options configures the non-custodial rail and subscription periods.
type Options struct {
	PaymentAddress common.Address
	Prices         map[models.Plan]*big.Int
	ToleranceBps   int64
	Poll           blockchain.PollPolicy
	Period         time.Duration
}

// Verification is the outcome of checking one ETH payment.
type Verification struct {
	Outcome   models.PaymentStatus
	Reason    string
	AmountWei string
}

// StatusView is what a wallet sees of its subscription.
type StatusView struct {
	Address     string                    `json:"address"`
	Status      models.SubscriptionStatus `json:"status"`
	Tier        models.Plan               `json:"tier"`
	ExpiresAt   *time.Time                `json:"expires_at,omitempty"`
	PendingPlan models.Plan               `json:"pending_plan,omitempty"`
	PendingRail models.Rail               `json:"pending_rail,omitempty"`
	Payment     *models.PaymentRecord     `json:"payment,omitempty"`
}

// Reconciler owns the subscription state machine. It is the only writer of
// subscriptions; every transition of one wallet runs under that wallet's lock.
type Reconciler struct {
	logger   *logger.Logger
	repo     models.SubscriptionRepository
	chain    models.BlockchainService
	provider CheckoutProvider
	notifier models.NotificationService
	opts     Options
	now      func() time.Time

	locks    *keyedMutex
	onChange func(address string, tier models.Plan)

	baseCtx context.Context
	stop    context.CancelFunc
	mu      sync.Mutex
	tasks   map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewReconciler creates a reconciler. provider may be nil when the custodial
// rail is not configured.
func NewReconciler(repo models.SubscriptionRepository, chain models.BlockchainService, provider CheckoutProvider, notifier models.NotificationService, opts Options, logger *logger.Logger) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		logger:   logger,
		repo:     repo,
		chain:    chain,
		provider: provider,
		notifier: notifier,
		opts:     opts,
		now:      time.Now,
		locks:    newKeyedMutex(),
		baseCtx:  ctx,
		stop:     cancel,
		tasks:    make(map[string]context.CancelFunc),
	}
}

// OnEntitlementChange registers fn to be called whenever a wallet's tier may have changed.
func (r *Reconciler) OnEntitlementChange(fn func(address string, tier models.Plan)) {
	r.onChange = fn
}

// Start resumes verification of ETH payments a previous process left pending.
func (r *Reconciler) Start(ctx context.Context) error {
	pending, err := r.repo.ListPayments(ctx, models.RailNonCustodial, models.PaymentPending)
	if err != nil {
		return fmt.Errorf("failed to list pending payments: %w", err)
	}
	for _, rec := range pending {
		r.spawn(rec.Reference, rec.Address, rec.Plan)
	}
	if len(pending) > 0 {
		r.logger.Info("Resumed pending payment verifications", "count", len(pending))
	}
	return nil
}

// Shutdown cancels verification tasks and waits for them. Interrupted
// payments stay pending and are resumed by the next Start.
func (r *Reconciler) Shutdown() {
	r.stop()
	r.wg.Wait()
}

// Tier returns the plan the wallet is entitled to now.
func (r *Reconciler) Tier(ctx context.Context, address string) (models.Plan, error) {
	sub, err := r.repo.GetSubscription(ctx, strings.ToLower(address))
	if err != nil {
		return models.PlanFree, err
	}
	return sub.Tier(r.now()), nil
}

// Status returns the wallet's subscription and its pending payment, if any.
func (r *Reconciler) Status(ctx context.Context, address string) (*StatusView, error) {
	address = strings.ToLower(address)
	sub, err := r.repo.GetSubscription(ctx, address)
	if err != nil {
		return nil, err
	}

	view := &StatusView{
		Address:     address,
		Status:      sub.Status,
		Tier:        sub.Tier(r.now()),
		PendingPlan: sub.PendingPlan,
		PendingRail: sub.PendingRail,
	}
	if !sub.ExpiresAt.IsZero() {
		expires := sub.ExpiresAt
		view.ExpiresAt = &expires
	}
	if sub.PendingReference != "" {
		rec, err := r.repo.GetPayment(ctx, sub.PendingReference)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		view.Payment = rec
	}
	return view, nil
}

// SubmitEthPayment claims txHash for the wallet, moves the subscription to
// pending and starts verifying the payment in the background. The same
// wallet resubmitting a pending or timed-out hash restarts verification; a
// different hash replaces a timed-out one.
func (r *Reconciler) SubmitEthPayment(ctx context.Context, address, planName, txHash string) (*models.PaymentRecord, error) {
	plan, err := models.ParsePlan(planName)
	if err != nil {
		return nil, err
	}
	ref, err := validation.ValidateAndNormalizeTxHash(txHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPaymentUnverified, err)
	}
	address = strings.ToLower(address)

	unlock := r.locks.Lock(address)
	defer unlock()

	sub, err := r.repo.GetSubscription(ctx, address)
	if err != nil {
		return nil, err
	}
	if err := r.dropStalePending(ctx, sub, ref); err != nil {
		return nil, err
	}
	if err := canBegin(sub, ref); err != nil {
		return nil, err
	}

	rec, created, err := r.repo.ClaimPayment(ctx, &models.PaymentRecord{
		Reference: ref,
		Rail:      models.RailNonCustodial,
		Address:   address,
		Plan:      plan,
		Status:    models.PaymentPending,
	})
	if err != nil {
		return nil, err
	}

	if !created {
		if err := checkResubmission(rec, address, plan); err != nil {
			return nil, err
		}
		if rec.Status == models.PaymentTimeout {
			if err := r.repo.UpdatePayment(ctx, ref, models.PaymentPending, rec.AmountWei, ""); err != nil {
				return nil, err
			}
			rec.Status = models.PaymentPending
			rec.Reason = ""
		}
	}

	if err := beginPending(sub, plan, models.RailNonCustodial, ref, r.now()); err != nil {
		return nil, err
	}
	if err := r.repo.SaveSubscription(ctx, sub); err != nil {
		return nil, err
	}

	r.logger.Info("ETH payment submitted", "address", address, "plan", plan, "tx", ref, "resubmitted", !created)
	r.spawn(ref, address, plan)
	return rec, nil
}

func checkResubmission(rec *models.PaymentRecord, address string, plan models.Plan) error {
	switch {
	case rec.Address != address:
		return fmt.Errorf("%w: reference claimed by another wallet", models.ErrDuplicatePayment)
	case rec.Status == models.PaymentConfirmed:
		return fmt.Errorf("%w: reference already confirmed", models.ErrDuplicatePayment)
	case rec.Status == models.PaymentRejected:
		return fmt.Errorf("%w: %s", models.ErrPaymentUnverified, rec.Reason)
	case rec.Plan != plan:
		return fmt.Errorf("%w: reference was submitted for plan %s", models.ErrStateConflict, rec.Plan)
	case rec.Rail != models.RailNonCustodial:
		return fmt.Errorf("%w: reference belongs to another rail", models.ErrDuplicatePayment)
	}
	return nil
}

// dropStalePending abandons a pending state whose payment record was
// rejected, timed out or is gone, unless ref is that same reference. A
// timed-out reference stays claimed by the wallet, so resubmitting it later
// still re-polls and can confirm.
func (r *Reconciler) dropStalePending(ctx context.Context, sub *models.Subscription, ref string) error {
	if sub.Status != models.StatusPendingPayment || sub.PendingReference == ref {
		return nil
	}
	rec, err := r.repo.GetPayment(ctx, sub.PendingReference)
	switch {
	case errors.Is(err, models.ErrNotFound):
	case err != nil:
		return err
	case rec.Status == models.PaymentRejected, rec.Status == models.PaymentTimeout:
	default:
		return nil
	}
	r.logger.Info("Dropping stale pending payment", "address", sub.Address, "reference", sub.PendingReference)
	if err := abandonPending(sub, sub.PendingReference, r.now()); err != nil {
		return err
	}
	return r.repo.SaveSubscription(ctx, sub)
}

// spawn starts the verification task for ref unless one is already running.
func (r *Reconciler) spawn(ref, address string, plan models.Plan) {
	r.mu.Lock()
	if _, running := r.tasks[ref]; running || r.baseCtx.Err() != nil {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(r.baseCtx)
	r.tasks[ref] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	metrics.VerificationStarted()
	go func() {
		defer r.wg.Done()
		defer metrics.VerificationFinished()
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.tasks, ref)
			r.mu.Unlock()
		}()

		v := r.VerifyEthPayment(ctx, ref, plan, address)
		if ctx.Err() != nil && v.Outcome == models.PaymentTimeout {
			return
		}

		writeCtx, cancelWrite := context.WithTimeout(context.Background(), writeTimeout)
		defer cancelWrite()
		if err := r.applyVerification(writeCtx, ref, address, plan, v); err != nil {
			r.logger.Error("Failed to record payment verification", "tx", ref, "address", address, "error", err)
			r.alert(writeCtx, fmt.Sprintf("Payment %s of %s verified as %s but not recorded: %v", ref, address, v.Outcome, err))
		}
	}()
}

// VerifyEthPayment polls for the transaction and checks it pays the plan
// price to the configured address from the paying wallet.
func (r *Reconciler) VerifyEthPayment(ctx context.Context, txHash string, plan models.Plan, payer string) Verification {
	price, ok := r.opts.Prices[plan]
	if !ok || price == nil {
		return Verification{Outcome: models.PaymentRejected, Reason: "unknown plan"}
	}
	hash := common.HexToHash(txHash)

	var transfer *models.Transfer
	err := blockchain.Poll(ctx, r.opts.Poll, func(ctx context.Context) (bool, error) {
		t, err := r.chain.GetTransfer(ctx, hash)
		switch {
		case err == nil:
			transfer = t
			return true, nil
		case errors.Is(err, models.ErrNotMined), errors.Is(err, models.ErrChainTransient):
			return false, nil
		default:
			return false, err
		}
	})
	switch {
	case err == nil:
	case errors.Is(err, blockchain.ErrPollExhausted), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Verification{Outcome: models.PaymentTimeout, Reason: "transaction not confirmed yet"}
	default:
		return Verification{Outcome: models.PaymentRejected, Reason: err.Error()}
	}

	amount := ""
	if transfer.Value != nil {
		amount = transfer.Value.String()
	}
	reject := func(reason string) Verification {
		return Verification{Outcome: models.PaymentRejected, Reason: reason, AmountWei: amount}
	}

	if transfer.Status != 1 {
		return reject("transaction failed")
	}
	if transfer.To == nil || *transfer.To != r.opts.PaymentAddress {
		return reject("wrong recipient")
	}
	if !strings.EqualFold(transfer.From.Hex(), payer) {
		return reject("sender is not the subscribing wallet")
	}
	if transfer.Value == nil || transfer.Value.Cmp(r.minimumAmount(price)) < 0 {
		return reject(fmt.Sprintf("amount %s wei below plan price %s wei", amount, price))
	}
	return Verification{Outcome: models.PaymentConfirmed, AmountWei: amount}
}

func (r *Reconciler) minimumAmount(price *big.Int) *big.Int {
	floor := new(big.Int).Mul(price, big.NewInt(bpsDenominator-r.opts.ToleranceBps))
	return floor.Div(floor, big.NewInt(bpsDenominator))
}

func (r *Reconciler) applyVerification(ctx context.Context, ref, address string, plan models.Plan, v Verification) error {
	unlock := r.locks.Lock(address)
	defer unlock()

	metrics.RecordPayment(string(models.RailNonCustodial), string(v.Outcome))
	r.logger.Info("ETH payment verified", "address", address, "tx", ref, "outcome", v.Outcome, "reason", v.Reason)

	switch v.Outcome {
	case models.PaymentConfirmed:
		return r.confirm(ctx, ref, address, plan, v.AmountWei)
	case models.PaymentRejected:
		return r.reject(ctx, ref, address, v.AmountWei, v.Reason)
	default:
		return r.repo.UpdatePayment(ctx, ref, models.PaymentTimeout, v.AmountWei, v.Reason)
	}
}

// confirm must run under the wallet lock.
func (r *Reconciler) confirm(ctx context.Context, ref, address string, plan models.Plan, amountWei string) error {
	sub, err := r.repo.GetSubscription(ctx, address)
	if err != nil {
		return err
	}
	now := r.now()
	if err := activate(sub, plan, ref, now, r.opts.Period); err != nil {
		return err
	}
	if err := r.repo.ConfirmPayment(ctx, ref, amountWei, sub); err != nil {
		return err
	}
	r.logger.Info("Subscription activated", "address", address, "plan", plan, "expires_at", sub.ExpiresAt)
	r.changed(address, sub.Tier(now))
	return nil
}

// reject must run under the wallet lock.
func (r *Reconciler) reject(ctx context.Context, ref, address, amountWei, reason string) error {
	if err := r.repo.UpdatePayment(ctx, ref, models.PaymentRejected, amountWei, reason); err != nil {
		return err
	}
	sub, err := r.repo.GetSubscription(ctx, address)
	if err != nil {
		return err
	}
	if sub.Status != models.StatusPendingPayment || sub.PendingReference != ref {
		return nil
	}
	now := r.now()
	if err := abandonPending(sub, ref, now); err != nil {
		return err
	}
	if err := r.repo.SaveSubscription(ctx, sub); err != nil {
		return err
	}
	r.changed(address, sub.Tier(now))
	return nil
}

// BeginCheckout starts a custodial checkout and returns its URL.
func (r *Reconciler) BeginCheckout(ctx context.Context, address, planName string) (string, error) {
	if r.provider == nil {
		return "", models.ErrRailUnavailable
	}
	plan, err := models.ParsePlan(planName)
	if err != nil {
		return "", err
	}
	address = strings.ToLower(address)

	unlock := r.locks.Lock(address)
	defer unlock()

	sub, err := r.repo.GetSubscription(ctx, address)
	if err != nil {
		return "", err
	}
	if err := r.dropStalePending(ctx, sub, ""); err != nil {
		return "", err
	}
	if sub.Status == models.StatusPendingPayment {
		return "", fmt.Errorf("%w: another payment is being reconciled", models.ErrStateConflict)
	}

	checkout, err := r.provider.CreateCheckout(ctx, address, plan)
	if err != nil {
		return "", err
	}

	_, created, err := r.repo.ClaimPayment(ctx, &models.PaymentRecord{
		Reference: checkout.SessionID,
		Rail:      models.RailCustodial,
		Address:   address,
		Plan:      plan,
		Status:    models.PaymentPending,
	})
	if err != nil {
		return "", err
	}
	if !created {
		return "", fmt.Errorf("%w: checkout session %s", models.ErrDuplicatePayment, checkout.SessionID)
	}

	if err := beginPending(sub, plan, models.RailCustodial, checkout.SessionID, r.now()); err != nil {
		return "", err
	}
	if err := r.repo.SaveSubscription(ctx, sub); err != nil {
		return "", err
	}
	r.logger.Info("Checkout started", "address", address, "plan", plan, "session", checkout.SessionID)
	return checkout.URL, nil
}

// HandleProviderEvent applies a signed provider notification. Redelivered
// events for an already confirmed session are accepted and ignored.
func (r *Reconciler) HandleProviderEvent(ctx context.Context, payload []byte, signatureHeader string) error {
	if r.provider == nil {
		return models.ErrRailUnavailable
	}
	event, err := r.provider.ParseEvent(payload, signatureHeader)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrPaymentUnverified, err)
	}

	switch ev := event.(type) {
	case nil:
		return nil
	case CheckoutEvent:
		return r.handleCheckout(ctx, ev)
	case LapseEvent:
		return r.handleLapse(ctx, ev)
	case RenewalEvent:
		return r.handleRenewal(ctx, ev)
	default:
		return fmt.Errorf("unexpected provider event %T", event)
	}
}

func (r *Reconciler) handleCheckout(ctx context.Context, ev CheckoutEvent) error {
	rec, err := r.repo.GetPayment(ctx, ev.SessionID)
	if errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("%w: unknown checkout session", models.ErrPaymentUnverified)
	}
	if err != nil {
		return err
	}
	if rec.Rail != models.RailCustodial || rec.Address != strings.ToLower(ev.Address) || rec.Plan != ev.Plan {
		return fmt.Errorf("%w: checkout session does not match its claim", models.ErrPaymentUnverified)
	}

	unlock := r.locks.Lock(rec.Address)
	defer unlock()

	outcome := models.PaymentConfirmed
	if !ev.Success {
		outcome = models.PaymentRejected
	}
	metrics.RecordPayment(string(models.RailCustodial), string(outcome))

	if ev.Success {
		err := r.confirm(ctx, rec.Reference, rec.Address, rec.Plan, "")
		if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrDuplicatePayment) {
			if current, gerr := r.repo.GetPayment(ctx, rec.Reference); gerr == nil && current.Status == models.PaymentConfirmed {
				return nil
			}
		}
		return err
	}
	if rec.Status == models.PaymentConfirmed {
		return nil
	}
	return r.reject(ctx, rec.Reference, rec.Address, "", "checkout not completed")
}

func (r *Reconciler) handleLapse(ctx context.Context, ev LapseEvent) error {
	address := strings.ToLower(ev.Address)
	unlock := r.locks.Lock(address)
	defer unlock()

	sub, err := r.repo.GetSubscription(ctx, address)
	if err != nil {
		return err
	}
	if sub.Status != models.StatusActive {
		return nil
	}
	now := r.now()
	if now.Before(sub.ExpiresAt) {
		sub.ExpiresAt = now
	}
	if err := lapse(sub, now); err != nil {
		return err
	}
	if err := r.repo.SaveSubscription(ctx, sub); err != nil {
		return err
	}
	r.logger.Info("Subscription ended by provider", "address", address)
	r.changed(address, models.PlanFree)
	return nil
}

func (r *Reconciler) handleRenewal(ctx context.Context, ev RenewalEvent) error {
	address := strings.ToLower(ev.Address)
	unlock := r.locks.Lock(address)
	defer unlock()

	sub, err := r.repo.GetSubscription(ctx, address)
	if err != nil {
		return err
	}
	now := r.now()
	if err := renew(sub, ev.Plan, ev.PeriodEnd, now); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			r.logger.Warn("Ignoring stale renewal", "address", address, "period_end", ev.PeriodEnd)
			return nil
		}
		return err
	}
	if err := r.repo.SaveSubscription(ctx, sub); err != nil {
		return err
	}
	metrics.RecordPayment(string(models.RailCustodial), "renewed")
	r.logger.Info("Subscription renewed by provider", "address", address, "plan", ev.Plan, "expires_at", sub.ExpiresAt)
	r.changed(address, sub.Tier(now))
	return nil
}

// ExpireLapsed moves every active subscription whose period ended to free.
func (r *Reconciler) ExpireLapsed(ctx context.Context, now time.Time) (int, error) {
	lapsed, err := r.repo.ListLapsed(ctx, now)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, candidate := range lapsed {
		ok, err := r.expireOne(ctx, candidate.Address, now)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	metrics.RecordLapsed(count)
	return count, nil
}

func (r *Reconciler) expireOne(ctx context.Context, address string, now time.Time) (bool, error) {
	unlock := r.locks.Lock(address)
	defer unlock()

	sub, err := r.repo.GetSubscription(ctx, address)
	if err != nil {
		return false, err
	}
	if err := lapse(sub, now); err != nil {
		// renewed or changed since it was listed
		return false, nil
	}
	if err := r.repo.SaveSubscription(ctx, sub); err != nil {
		return false, err
	}
	r.changed(address, models.PlanFree)
	return true, nil
}

func (r *Reconciler) changed(address string, tier models.Plan) {
	if r.onChange != nil {
		r.onChange(address, tier)
	}
}

func (r *Reconciler) alert(ctx context.Context, message string) {
	if r.notifier != nil {
		r.notifier.Notify(ctx, message)
	}
}
