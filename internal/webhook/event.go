package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

type EventType string

const (
	EventSubscriptionCreated  EventType = "subscription.created"
	EventSubscriptionUpdated  EventType = "subscription.updated"
	EventSubscriptionCanceled EventType = "subscription.canceled"
	EventInvoicePaid          EventType = "invoice.paid"
	EventInvoicePaymentFailed EventType = "invoice.payment_failed"
)

var ErrMalformedEvent = errors.New("malformed_event")

// Event is the canonical form of one provider delivery. The payload amount
// is applied verbatim on invoice.paid, never recomputed locally.
type Event struct {
	ID                     string
	Type                   EventType
	ExternalSubscriptionID string
	PrincipalID            snowflake.ID
	PlanCode               string
	Status                 string
	AmountMilliCredits     int64
	CurrentPeriodEnd       *time.Time
	OccurredAt             time.Time
}

type eventEnvelope struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       struct {
		SubscriptionID     string     `json:"subscription_id"`
		PrincipalID        string     `json:"principal_id"`
		PlanCode           string     `json:"plan_code"`
		Status             string     `json:"status"`
		AmountMilliCredits int64      `json:"amount_milli_credits"`
		CurrentPeriodEnd   *time.Time `json:"current_period_end"`
	} `json:"data"`
}

// ParseEvent decodes a provider payload into canonical form.
func ParseEvent(payload []byte) (Event, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	eventID := strings.TrimSpace(envelope.ID)
	if eventID == "" {
		return Event{}, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}
	eventType := strings.TrimSpace(envelope.Type)
	if eventType == "" {
		return Event{}, fmt.Errorf("%w: missing event type", ErrMalformedEvent)
	}

	event := Event{
		ID:                     eventID,
		Type:                   EventType(eventType),
		ExternalSubscriptionID: strings.TrimSpace(envelope.Data.SubscriptionID),
		PlanCode:               strings.TrimSpace(envelope.Data.PlanCode),
		Status:                 strings.TrimSpace(envelope.Data.Status),
		AmountMilliCredits:     envelope.Data.AmountMilliCredits,
		CurrentPeriodEnd:       envelope.Data.CurrentPeriodEnd,
		OccurredAt:             envelope.OccurredAt,
	}
	if raw := strings.TrimSpace(envelope.Data.PrincipalID); raw != "" {
		principalID, err := snowflake.ParseString(raw)
		if err != nil {
			return Event{}, fmt.Errorf("%w: bad principal id", ErrMalformedEvent)
		}
		event.PrincipalID = principalID
	}
	return event, nil
}
