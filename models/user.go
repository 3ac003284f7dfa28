package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
)

// User carries only the fields the payment flows touch: loyalty balance and
// the notification list that success notifications are pushed onto.
type User struct {
	ID    uuid.UUID `bson:"_id" json:"id"`
	Email string    `bson:"email" json:"email"`
	Name  string    `bson:"name" json:"name"`
	Role  string    `bson:"role" json:"role"`

	LoyaltyPoints int64       `bson:"loyalty_points" json:"loyalty_points"`
	Notifications []uuid.UUID `bson:"notifications" json:"notifications"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}
