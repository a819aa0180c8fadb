package domain

import "time"

type EventType string

const (
	EventCreated              EventType = "created"
	EventPaymentIntentCreated EventType = "payment_intent_created"
	EventPaymentReceived      EventType = "payment_received"
	EventFileUploaded         EventType = "file_uploaded"
	EventBuyerFileUploaded    EventType = "buyer_file_uploaded"
	EventCompleted            EventType = "completed"
	EventCancelled            EventType = "cancelled"
	EventRefunded             EventType = "refunded"
)

type Actor string

const (
	ActorBuyer  Actor = "buyer"
	ActorSeller Actor = "seller"
	ActorAdmin  Actor = "admin"
	ActorSystem Actor = "system"
)

// Event is one entry in a transaction's lifecycle timeline. Events are
// append-only and ordered by Seq within a transaction.
type Event struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id"`
	Seq           int64     `json:"seq"`
	Type          EventType `json:"type"`
	Actor         Actor     `json:"actor"`
	Detail        string    `json:"detail,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
