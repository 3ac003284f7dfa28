package models

import (
	"time"

	"github.com/google/uuid"
)

// Notification kinds emitted by the reconciliation engine.
const (
	NotifyPaymentSuccess = "payment_success"
	NotifyOutOfStock     = "out_of_stock"
	NotifyAdminAlert     = "admin_alert"
)

// Notification is a persisted in-app notification. Its id is pushed onto
// the recipient's notification list, which is why a failed success-path
// notification forces the whole completion to roll back: the reference must
// not dangle.
type Notification struct {
	ID        uuid.UUID              `bson:"_id" json:"id"`
	UserID    uuid.UUID              `bson:"user_id" json:"user_id"`
	Kind      string                 `bson:"kind" json:"kind"`
	Title     string                 `bson:"title" json:"title"`
	Message   string                 `bson:"message" json:"message"`
	Data      map[string]interface{} `bson:"data,omitempty" json:"data,omitempty"`
	Read      bool                   `bson:"read" json:"read"`
	CreatedAt time.Time              `bson:"created_at" json:"created_at"`
}
