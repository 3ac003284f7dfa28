package gateways

import (
	"context"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/checkout/session"
	"github.com/stripe/stripe-go/v80/webhook"
	"go.uber.org/zap"

	"payment-service/config"
	"payment-service/models"
)

type StripeGateway struct {
	cfg    config.StripeConfig
	logger *zap.Logger
}

func NewStripeGateway(cfg config.StripeConfig, logger *zap.Logger) *StripeGateway {
	stripe.Key = cfg.SecretKey
	return &StripeGateway{cfg: cfg, logger: logger}
}

// CreatePayment creates a hosted Checkout Session. Reconciliation is driven
// by the order id embedded in the session metadata.
func (g *StripeGateway) CreatePayment(ctx context.Context, order *models.Order, payment *models.Payment) (*CreateResult, error) {
	unitAmount := payment.Amount
	currency := string(stripe.CurrencyUSD)
	if payment.Currency == models.CurrencyVND {
		currency = "vnd"
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(g.cfg.SuccessURL),
		CancelURL:  stripe.String(g.cfg.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(unitAmount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Order " + payment.OrderID.String()),
				},
			},
			Quantity: stripe.Int64(1),
		}},
	}
	params.AddMetadata("order_id", payment.OrderID.String())
	params.AddMetadata("payment_id", payment.ID.String())

	sess, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("%w: stripe checkout session: %v", ErrProvider, err)
	}

	return &CreateResult{
		TransactionRef: sess.ID,
		PayURL:         sess.URL,
		Raw: map[string]interface{}{
			"id":     sess.ID,
			"status": string(sess.Status),
			"url":    sess.URL,
		},
	}, nil
}

// CaptureSession re-reads the session from Stripe and normalizes its status
// rather than trusting anything the client relays.
func (g *StripeGateway) CaptureSession(ctx context.Context, sessionID string) (*CallbackResult, error) {
	sess, err := session.Get(sessionID, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: stripe session get: %v", ErrProvider, err)
	}

	result := &CallbackResult{
		Status:        CallbackFailed,
		PaymentRef:    sess.Metadata["payment_id"],
		TransactionID: sess.ID,
		Code:          string(sess.PaymentStatus),
		Raw: map[string]interface{}{
			"id":             sess.ID,
			"status":         string(sess.Status),
			"payment_status": string(sess.PaymentStatus),
			"order_id":       sess.Metadata["order_id"],
		},
	}
	if sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
		result.Status = CallbackSuccess
		result.Amount = sess.AmountTotal
	} else if sess.Status == stripe.CheckoutSessionStatusExpired {
		result.Status = CallbackExpired
	}
	return result, nil
}

// ParseWebhook verifies the Stripe-Signature header and returns the event.
func (g *StripeGateway) ParseWebhook(r *http.Request, body []byte) (stripe.Event, error) {
	event, err := webhook.ConstructEvent(body, r.Header.Get("Stripe-Signature"), g.cfg.WebhookSecret)
	if err != nil {
		g.logger.Warn("stripe webhook signature verification failed", zap.Error(err))
		return event, ErrInvalidSignature
	}
	return event, nil
}

// VerifyCallback handles the success-URL return: the only trusted field is
// the session id, which CaptureSession then re-reads from Stripe.
func (g *StripeGateway) VerifyCallback(payload map[string]string) (*CallbackResult, error) {
	id := payload["session_id"]
	if id == "" {
		return nil, fmt.Errorf("%w: missing stripe session id", ErrProvider)
	}
	return &CallbackResult{Status: CallbackSuccess, PaymentRef: id, Raw: rawMap(payload)}, nil
}
