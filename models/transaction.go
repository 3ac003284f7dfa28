package models

import (
	"time"

	"github.com/google/uuid"
)

// TransactionStatus tracks a single attempt/event against a payment.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "Pending"
	TransactionCompleted TransactionStatus = "Completed"
	TransactionFailed    TransactionStatus = "Failed"
)

func (s TransactionStatus) Terminal() bool {
	return s == TransactionCompleted || s == TransactionFailed
}

// Initiator records who caused a transaction event.
type Initiator string

const (
	InitiatorUser   Initiator = "user"
	InitiatorSystem Initiator = "system"
)

// Transaction is the append-only audit trail of a payment. Once a
// transaction reaches a terminal status it is never mutated; refunds and
// other inverse operations append a new compensating transaction instead.
type Transaction struct {
	ID        uuid.UUID `bson:"_id" json:"id"`
	PaymentID uuid.UUID `bson:"payment_id" json:"payment_id"`
	OrderID   uuid.UUID `bson:"order_id" json:"order_id"`
	UserID    uuid.UUID `bson:"user_id" json:"user_id"`

	Amount   int64    `bson:"amount" json:"amount"`
	Currency Currency `bson:"currency" json:"currency"`

	Status        TransactionStatus `bson:"status" json:"status"`
	PaymentMethod PaymentMethod     `bson:"payment_method" json:"payment_method"`

	// TransactionID mirrors the provider-assigned id; TransactionRef is the
	// provider's own correlation id and may differ (e.g. MoMo requestId vs
	// transId).
	TransactionID  string `bson:"transaction_id,omitempty" json:"transaction_id,omitempty"`
	TransactionRef string `bson:"transaction_ref,omitempty" json:"transaction_ref,omitempty"`

	Description     string    `bson:"description" json:"description"`
	Initiator       Initiator `bson:"initiator" json:"initiator"`
	TransactionDate time.Time `bson:"transaction_date" json:"transaction_date"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}
