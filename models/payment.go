package models

import (
	"time"

	"github.com/google/uuid"
)

// PaymentMethod identifies how an order is paid. Gateway-backed methods
// require a provider transaction before a payment can complete; direct
// methods are confirmed by staff.
type PaymentMethod string

const (
	MethodPayPal         PaymentMethod = "PayPal"
	MethodMoMo           PaymentMethod = "MoMo"
	MethodVNPay          PaymentMethod = "VNPay"
	MethodZaloPay        PaymentMethod = "ZaloPay"
	MethodStripe         PaymentMethod = "Stripe"
	MethodCreditCard     PaymentMethod = "CreditCard"
	MethodCashOnDelivery PaymentMethod = "CashOnDelivery"
	MethodInStore        PaymentMethod = "InStore"
	MethodVietQR         PaymentMethod = "VietQR"
)

// IsGatewayMethod reports whether the method goes through an external
// payment provider (and therefore must carry a provider transaction id).
func (m PaymentMethod) IsGatewayMethod() bool {
	switch m {
	case MethodPayPal, MethodMoMo, MethodVNPay, MethodZaloPay, MethodStripe:
		return true
	}
	return false
}

// Expires reports whether a pending payment with this method times out and
// must release its stock reservation.
func (m PaymentMethod) Expires() bool {
	switch m {
	case MethodMoMo, MethodZaloPay, MethodVietQR:
		return true
	}
	return false
}

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodPayPal, MethodMoMo, MethodVNPay, MethodZaloPay, MethodStripe,
		MethodCreditCard, MethodCashOnDelivery, MethodInStore, MethodVietQR:
		return true
	}
	return false
}

// PaymentStatus is the reconciliation state machine's state field.
//
//	Pending -> Completed | Failed | Expired | Cancelled
//	Completed -> Refunded | Partially Refunded
type PaymentStatus string

const (
	PaymentPending           PaymentStatus = "Pending"
	PaymentCompleted         PaymentStatus = "Completed"
	PaymentFailed            PaymentStatus = "Failed"
	PaymentExpired           PaymentStatus = "Expired"
	PaymentCancelled         PaymentStatus = "Cancelled"
	PaymentRefunded          PaymentStatus = "Refunded"
	PaymentPartiallyRefunded PaymentStatus = "Partially Refunded"
)

// Terminal reports whether no further transition is permitted, other than
// the refund operation on the two refundable states.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentCompleted, PaymentFailed, PaymentExpired, PaymentCancelled,
		PaymentRefunded, PaymentPartiallyRefunded:
		return true
	}
	return false
}

// Refundable reports whether the refund operation may be applied.
func (s PaymentStatus) Refundable() bool {
	return s == PaymentCompleted || s == PaymentPartiallyRefunded
}

type Currency string

const (
	CurrencyVND Currency = "VND"
	CurrencyUSD Currency = "USD"
)

func (c Currency) Valid() bool { return c == CurrencyVND || c == CurrencyUSD }

// Payment is the record of an intent to pay an order. At most one
// non-cancelled payment may exist per order; the repository enforces that
// at create time and callers treat a violation as a conflict.
type Payment struct {
	ID            uuid.UUID     `bson:"_id" json:"id"`
	OrderID       uuid.UUID     `bson:"order_id" json:"order_id"`
	UserID        uuid.UUID     `bson:"user_id" json:"user_id"`
	PaymentMethod PaymentMethod `bson:"payment_method" json:"payment_method"`
	Amount        int64         `bson:"amount" json:"amount"`
	Currency      Currency      `bson:"currency" json:"currency"`
	PaymentStatus PaymentStatus `bson:"payment_status" json:"payment_status"`

	// TransactionID is the provider-assigned id, globally unique once set.
	TransactionID   string                 `bson:"transaction_id,omitempty" json:"transaction_id,omitempty"`
	GatewayResponse map[string]interface{} `bson:"gateway_response,omitempty" json:"gateway_response,omitempty"`

	RefundAmount int64      `bson:"refund_amount" json:"refund_amount"`
	IsRefunded   bool       `bson:"is_refunded" json:"is_refunded"`
	RefundedAt   *time.Time `bson:"refunded_at,omitempty" json:"refunded_at,omitempty"`

	// Stock bookkeeping. Compensations are keyed off these flags so that a
	// rollback never restores quantity it did not remove.
	StockReserved  bool `bson:"stock_reserved" json:"-"`
	StockCommitted bool `bson:"stock_committed" json:"-"`

	// LoyaltyCredited guards the one-time points credit at confirmation.
	LoyaltyCredited bool `bson:"loyalty_credited" json:"-"`

	ExpiresAt    *time.Time  `bson:"expires_at,omitempty" json:"expires_at,omitempty"`
	Transactions []uuid.UUID `bson:"transactions" json:"transactions"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// Active reports whether this payment blocks the creation of another
// payment for the same order.
func (p *Payment) Active() bool {
	return p.PaymentStatus != PaymentCancelled
}

// RemainingRefundable is the amount still eligible for refund.
func (p *Payment) RemainingRefundable() int64 {
	return p.Amount - p.RefundAmount
}
