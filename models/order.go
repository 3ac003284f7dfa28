package models

import (
	"time"

	"github.com/google/uuid"
)

// OrderStatus is the order-side lifecycle. The reconciliation engine only
// drives the transitions tied to payment outcomes.
type OrderStatus string

const (
	OrderPending    OrderStatus = "Pending"
	OrderProcessing OrderStatus = "processing"
	OrderShipped    OrderStatus = "Shipped"
	OrderDelivered  OrderStatus = "Delivered"
	OrderCancelled  OrderStatus = "Cancelled"
)

// OrderItem is a single line of an order. Price is the unit price captured
// at payment-creation time from the live product record, never from the
// client.
type OrderItem struct {
	PhoneID  uuid.UUID `bson:"phone_id" json:"phone_id"`
	Quantity int       `bson:"quantity" json:"quantity"`
	Price    int64     `bson:"price" json:"price"`
	Currency Currency  `bson:"currency" json:"currency"`
}

type Order struct {
	ID     uuid.UUID `bson:"_id" json:"id"`
	UserID uuid.UUID `bson:"user_id" json:"user_id"`

	Items []OrderItem `bson:"items" json:"items"`

	// TotalAmount is recomputed from current item prices when a payment is
	// created and is the only amount the engine trusts.
	TotalAmount   int64         `bson:"total_amount" json:"total_amount"`
	ShippingFee   int64         `bson:"shipping_fee" json:"shipping_fee"`
	PaymentMethod PaymentMethod `bson:"payment_method" json:"payment_method"`

	OrderStatus   OrderStatus   `bson:"order_status" json:"order_status"`
	PaymentStatus PaymentStatus `bson:"payment_status" json:"payment_status"`

	Payments []uuid.UUID `bson:"payments" json:"payments"`

	// LoyaltyPoints is the points value of this order, recomputed alongside
	// the total. UseLoyaltyPoints means the customer is redeeming points on
	// this order, in which case no new points are credited.
	LoyaltyPoints    int64 `bson:"loyalty_points" json:"loyalty_points"`
	UseLoyaltyPoints bool  `bson:"use_loyalty_points" json:"use_loyalty_points"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}
