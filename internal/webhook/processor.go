package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/relaybill/relaybill/internal/dedup"
	"github.com/relaybill/relaybill/internal/identity"
	ledgerdomain "github.com/relaybill/relaybill/internal/ledger/domain"
	"github.com/relaybill/relaybill/internal/observability/metrics"
	providerbilling "github.com/relaybill/relaybill/internal/providers/billing"
	subscriptiondomain "github.com/relaybill/relaybill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Outcome classifies one delivery. Duplicate and Ignored are both success
// from the provider's point of view; only errors should trigger a retry.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

const creditReasonInvoicePaid = "invoice_paid"

type ProcessorParams struct {
	fx.In

	Log        *zap.Logger
	Verifier   *providerbilling.Verifier
	Dedup      *dedup.Store
	Ledger     ledgerdomain.Service
	Subs       subscriptiondomain.Repository
	Identity   *identity.Resolver
	ObsMetrics *metrics.Metrics `optional:"true"`
}

type handlerFunc func(ctx context.Context, event Event) (Outcome, error)

// Processor applies provider webhook deliveries to local state. Every
// handler is idempotent on the event ID: the dedup store short-circuits
// replays before dispatch, and the invoice.paid credit is additionally
// keyed on the event ID inside the ledger so concurrent first deliveries
// cannot double-apply.
type Processor struct {
	log      *zap.Logger
	verifier *providerbilling.Verifier
	dedup    *dedup.Store
	ledger   ledgerdomain.Service
	subs     subscriptiondomain.Repository
	identity *identity.Resolver
	metrics  *metrics.Metrics

	handlers map[EventType]handlerFunc
}

func NewProcessor(p ProcessorParams) *Processor {
	processor := &Processor{
		log:      p.Log.Named("webhook.processor"),
		verifier: p.Verifier,
		dedup:    p.Dedup,
		ledger:   p.Ledger,
		subs:     p.Subs,
		identity: p.Identity,
		metrics:  p.ObsMetrics,
	}
	processor.handlers = map[EventType]handlerFunc{
		EventSubscriptionCreated:  processor.handleSubscriptionUpsert,
		EventSubscriptionUpdated:  processor.handleSubscriptionUpsert,
		EventSubscriptionCanceled: processor.handleSubscriptionCanceled,
		EventInvoicePaid:          processor.handleInvoicePaid,
		EventInvoicePaymentFailed: processor.handleInvoicePaymentFailed,
	}
	return processor
}

// Process verifies, dedups, and dispatches one delivery. The dedup row is
// written only after the handler succeeds, so a failed apply stays eligible
// for the provider's retry.
func (p *Processor) Process(ctx context.Context, provider, signatureHeader string, payload []byte) (Outcome, error) {
	if err := p.verifier.Verify(signatureHeader, payload); err != nil {
		p.metrics.RecordWebhookEvent(provider, "unknown", "signature_invalid")
		return "", err
	}

	event, err := ParseEvent(payload)
	if err != nil {
		p.metrics.RecordWebhookEvent(provider, "unknown", "malformed")
		return "", err
	}

	log := p.log.With(
		zap.String("provider", provider),
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
	)

	seen, err := p.dedup.Seen(ctx, event.ID)
	if err != nil {
		return "", fmt.Errorf("dedup lookup: %w", err)
	}
	if seen {
		log.Debug("webhook replay short-circuited")
		p.metrics.RecordWebhookEvent(provider, string(event.Type), string(OutcomeDuplicate))
		return OutcomeDuplicate, nil
	}

	handler, known := p.handlers[event.Type]
	if !known {
		log.Info("ignoring unrecognized webhook event type")
		if _, err := p.dedup.MarkProcessed(ctx, event.ID, provider, nil); err != nil {
			return "", fmt.Errorf("dedup mark: %w", err)
		}
		p.metrics.RecordWebhookEvent(provider, string(event.Type), string(OutcomeIgnored))
		return OutcomeIgnored, nil
	}

	outcome, err := handler(ctx, event)
	if err != nil {
		log.Error("webhook handler failed", zap.Error(err))
		p.metrics.RecordWebhookEvent(provider, string(event.Type), "error")
		return "", err
	}

	if _, err := p.dedup.MarkProcessed(ctx, event.ID, provider, nil); err != nil {
		return "", fmt.Errorf("dedup mark: %w", err)
	}
	log.Info("webhook event applied", zap.String("outcome", string(outcome)))
	p.metrics.RecordWebhookEvent(provider, string(event.Type), string(outcome))
	return outcome, nil
}

func (p *Processor) handleSubscriptionUpsert(ctx context.Context, event Event) (Outcome, error) {
	if event.ExternalSubscriptionID == "" {
		return "", fmt.Errorf("%w: missing subscription id", ErrMalformedEvent)
	}

	status := subscriptiondomain.StatusTrialing
	if event.Status != "" {
		parsed, err := subscriptiondomain.ParseStatus(event.Status)
		if err != nil {
			return "", fmt.Errorf("%w: status %q", ErrMalformedEvent, event.Status)
		}
		status = parsed
	}

	_, err := p.subs.Upsert(ctx, subscriptiondomain.UpsertRequest{
		PrincipalID:            event.PrincipalID,
		PlanCode:               event.PlanCode,
		Status:                 status,
		ExternalSubscriptionID: event.ExternalSubscriptionID,
		CurrentPeriodEnd:       event.CurrentPeriodEnd,
	})
	if errors.Is(err, subscriptiondomain.ErrTransitionNotAllowed) {
		// Late delivery behind a terminal transition. Local state stays as is.
		p.log.Warn("ignoring out-of-order subscription event",
			zap.String("event_id", event.ID),
			zap.String("external_subscription_id", event.ExternalSubscriptionID),
			zap.String("requested_status", string(status)),
		)
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

func (p *Processor) handleSubscriptionCanceled(ctx context.Context, event Event) (Outcome, error) {
	if event.ExternalSubscriptionID == "" {
		return "", fmt.Errorf("%w: missing subscription id", ErrMalformedEvent)
	}

	_, err := p.subs.SetStatus(ctx, event.ExternalSubscriptionID, subscriptiondomain.StatusCanceled)
	if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		p.log.Warn("cancel for unknown subscription",
			zap.String("event_id", event.ID),
			zap.String("external_subscription_id", event.ExternalSubscriptionID),
		)
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

// handleInvoicePaid credits the principal's pool with the payload amount
// verbatim. Granted credits from a paid invoice always survive a later
// cancellation; there is no clawback path here.
func (p *Processor) handleInvoicePaid(ctx context.Context, event Event) (Outcome, error) {
	if event.PrincipalID == 0 {
		return "", fmt.Errorf("%w: invoice.paid without principal", ErrMalformedEvent)
	}
	if event.AmountMilliCredits <= 0 {
		return "", fmt.Errorf("%w: invoice.paid amount %d", ErrMalformedEvent, event.AmountMilliCredits)
	}

	owner, err := p.identity.ResolvePoolOwner(ctx, event.PrincipalID)
	if err != nil {
		return "", fmt.Errorf("resolve pool owner: %w", err)
	}
	pool, err := p.ledger.EnsurePool(ctx, owner.OwnerType, owner.OwnerID)
	if err != nil {
		return "", fmt.Errorf("ensure pool: %w", err)
	}

	applied, err := p.ledger.Credit(ctx, pool.ID, event.AmountMilliCredits, creditReasonInvoicePaid, event.ID)
	if err != nil {
		return "", fmt.Errorf("credit pool: %w", err)
	}
	if !applied {
		return OutcomeDuplicate, nil
	}
	return OutcomeApplied, nil
}

func (p *Processor) handleInvoicePaymentFailed(ctx context.Context, event Event) (Outcome, error) {
	if event.ExternalSubscriptionID == "" {
		return "", fmt.Errorf("%w: missing subscription id", ErrMalformedEvent)
	}

	// Already-granted credits are untouched; only the subscription status moves.
	_, err := p.subs.SetStatus(ctx, event.ExternalSubscriptionID, subscriptiondomain.StatusPastDue)
	switch {
	case errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound):
		p.log.Warn("payment failure for unknown subscription",
			zap.String("event_id", event.ID),
			zap.String("external_subscription_id", event.ExternalSubscriptionID),
		)
		return OutcomeIgnored, nil
	case errors.Is(err, subscriptiondomain.ErrTransitionNotAllowed):
		return OutcomeIgnored, nil
	case err != nil:
		return "", err
	}
	return OutcomeApplied, nil
}

var Module = fx.Module("webhook",
	fx.Provide(NewProcessor),
)
