package gateways

import (
	"context"
	"errors"
	"time"

	"payment-service/models"
)

// Sentinel errors surfaced by adapters. Callers map these onto the service
// error taxonomy.
var (
	ErrInvalidSignature = errors.New("callback signature verification failed")
	ErrProvider         = errors.New("payment provider error")
	ErrUnsupported      = errors.New("payment method has no gateway adapter")
)

// CallbackStatus is the normalized outcome of a provider callback.
type CallbackStatus string

const (
	CallbackSuccess CallbackStatus = "success"
	CallbackFailed  CallbackStatus = "failed"
	// CallbackExpired covers provider signals that the payment session no
	// longer exists (e.g. MoMo resultCode 1005) and must release stock.
	CallbackExpired CallbackStatus = "expired"
)

// CreateResult is what an adapter returns after building a payment intent
// with its provider.
type CreateResult struct {
	// TransactionRef is the provider's correlation id for this intent
	// (MoMo requestId, ZaloPay app_trans_id, PayPal order id, Stripe
	// session id, VNPay txn ref).
	TransactionRef string
	// PayURL is where the client is redirected; for QR-based flows it is
	// the QR target.
	PayURL string
	// Raw is the provider's response, stored verbatim for audit.
	Raw map[string]interface{}
}

// CallbackResult is the normalized, signature-verified view of a provider
// webhook or return redirect.
type CallbackResult struct {
	Status CallbackStatus
	// PaymentRef correlates back to our payment (the value we handed the
	// provider at create time).
	PaymentRef string
	// TransactionID is the provider-assigned transaction id.
	TransactionID string
	Amount        int64
	// Code is the provider's own result code, kept for the audit trail.
	Code string
	Raw  map[string]interface{}
}

// Gateway is the per-provider adapter contract. Implementations build the
// provider-specific signed request and verify the provider's signature over
// callback payloads; they never mutate engine state.
type Gateway interface {
	// CreatePayment builds a payment intent with the provider and returns
	// the redirect/QR target plus the provider's correlation ref.
	CreatePayment(ctx context.Context, order *models.Order, payment *models.Payment) (*CreateResult, error)

	// VerifyCallback checks the provider's signature over the payload and
	// normalizes the outcome. A signature failure returns
	// ErrInvalidSignature and the payload must be rejected without any
	// state change.
	VerifyCallback(payload map[string]string) (*CallbackResult, error)
}

// Registry maps a payment method to its adapter, resolved once at startup.
type Registry struct {
	adapters map[models.PaymentMethod]Gateway
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.PaymentMethod]Gateway)}
}

func (r *Registry) Register(method models.PaymentMethod, gw Gateway) {
	r.adapters[method] = gw
}

// Lookup returns the adapter for a method, or ErrUnsupported for direct
// methods that have none.
func (r *Registry) Lookup(method models.PaymentMethod) (Gateway, error) {
	gw, ok := r.adapters[method]
	if !ok {
		return nil, ErrUnsupported
	}
	return gw, nil
}

// retry runs fn up to attempts times with exponential backoff, stopping
// early on success or context cancellation.
func retry(ctx context.Context, attempts int, initial time.Duration, fn func() error) error {
	var err error
	backoff := initial
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
