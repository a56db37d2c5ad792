package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds correlation and causation IDs
func (e *Event) WithCorrelation(correlationID, causationID string) *Event {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// SubjectPrefix prefixes every event subject on the broker.
const SubjectPrefix = "events."

// Subject is the broker subject the event is published on.
func (e *Event) Subject() string {
	return SubjectPrefix + e.Type
}

// OutboxEntry represents an event waiting in the outbox table
type OutboxEntry struct {
	ID          string     `db:"id"`
	EventID     string     `db:"event_id"`
	EventType   string     `db:"event_type"`
	Payload     []byte     `db:"payload"`
	CreatedAt   time.Time  `db:"created_at"`
	PublishedAt *time.Time `db:"published_at"`
	Attempts    int        `db:"attempts"`
	LastError   *string    `db:"last_error"`
}

// NewOutboxEntry serializes an event for the outbox.
func NewOutboxEntry(event *Event) (*OutboxEntry, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return &OutboxEntry{
		ID:        ulid.Make().String(),
		EventID:   event.ID,
		EventType: event.Type,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Event decodes the stored payload.
func (o *OutboxEntry) Event() (*Event, error) {
	var e Event
	if err := json.Unmarshal(o.Payload, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Event types
const (
	EventPledgeCreated = "pledge.created"

	EventProjectCreated    = "project.created"
	EventProjectSuccessful = "project.successful"
	EventProjectCanceled   = "project.canceled"
	EventProjectCompleted  = "project.completed"

	EventQuotationCreated  = "quotation.created"
	EventQuotationApproved = "quotation.approved"

	EventFloristReviewed = "florist.reviewed"

	EventPayoutRequested = "payout.requested"
	EventPayoutCompleted = "payout.completed"
	EventPayoutRejected  = "payout.rejected"

	EventPointsCredited = "points.credited"

	// EventPointsPurchased is produced by the payment gateway, not by this service.
	EventPointsPurchased = "points.purchased"
)

// Event data structures

// PledgeCreatedData is the data for pledge.created events
type PledgeCreatedData struct {
	PledgeID        string `json:"pledge_id"`
	ProjectID       string `json:"project_id"`
	UserID          string `json:"user_id"`
	Amount          int64  `json:"amount"`
	CollectedAmount int64  `json:"collected_amount"`
}

// ProjectStatusData is the data for project.* status events
type ProjectStatusData struct {
	ProjectID       string `json:"project_id"`
	PlannerID       string `json:"planner_id"`
	Status          string `json:"status"`
	CollectedAmount int64  `json:"collected_amount"`
	TargetAmount    int64  `json:"target_amount"`
	RefundedPledges int    `json:"refunded_pledges,omitempty"`
}

// QuotationApprovedData is the data for quotation.approved events
type QuotationApprovedData struct {
	QuotationID  string `json:"quotation_id"`
	ProjectID    string `json:"project_id"`
	FloristID    string `json:"florist_id"`
	TotalAmount  int64  `json:"total_amount"`
	Commission   int64  `json:"commission"`
	FloristShare int64  `json:"florist_share"`
}

// QuotationCreatedData is the data for quotation.created events
type QuotationCreatedData struct {
	QuotationID string `json:"quotation_id"`
	ProjectID   string `json:"project_id"`
	FloristID   string `json:"florist_id"`
	TotalAmount int64  `json:"total_amount"`
}

// FloristReviewedData is the data for florist.reviewed events
type FloristReviewedData struct {
	FloristID string `json:"florist_id"`
	Status    string `json:"status"`
}

// PayoutData is the data for payout.* events
type PayoutData struct {
	PayoutID  string `json:"payout_id"`
	FloristID string `json:"florist_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

// PointsCreditedData is the data for points.credited events
type PointsCreditedData struct {
	TopUpID        string `json:"topup_id"`
	UserID         string `json:"user_id"`
	Points         int64  `json:"points"`
	IdempotencyKey string `json:"idempotency_key"`
	Source         string `json:"source"`
}

// PointsPurchasedData is the payload the payment gateway publishes once per
// completed purchase.
type PointsPurchasedData struct {
	UserID         string `json:"user_id"`
	Points         int64  `json:"points"`
	IdempotencyKey string `json:"idempotency_key"`
}
