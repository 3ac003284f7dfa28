package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"payment-service/gateways"
	"payment-service/models"
	"payment-service/repository"
)

// PaymentEngine is the reconciliation state machine. It turns create /
// callback / confirm / refund requests into guarded state transitions,
// coordinating stock and notifications. The store offers no multi-document
// transaction, so every multi-entity change runs under a compensation list
// and every status write is a compare-and-swap: the first writer to observe
// Pending wins, every later writer is rejected by the status guard.
type PaymentEngine struct {
	payments      repository.PaymentRepository
	transactions  repository.TransactionRepository
	orders        repository.OrderRepository
	phones        repository.PhoneRepository
	users         repository.UserRepository
	stock         *StockCoordinator
	sink          NotificationSink
	registry      *gateways.Registry
	paymentExpiry time.Duration
	logger        *zap.Logger
}

func NewPaymentEngine(
	payments repository.PaymentRepository,
	transactions repository.TransactionRepository,
	orders repository.OrderRepository,
	phones repository.PhoneRepository,
	users repository.UserRepository,
	stock *StockCoordinator,
	sink NotificationSink,
	registry *gateways.Registry,
	paymentExpiry time.Duration,
	logger *zap.Logger,
) *PaymentEngine {
	return &PaymentEngine{
		payments:      payments,
		transactions:  transactions,
		orders:        orders,
		phones:        phones,
		users:         users,
		stock:         stock,
		sink:          sink,
		registry:      registry,
		paymentExpiry: paymentExpiry,
		logger:        logger,
	}
}

// CreatePaymentRequest is the client-facing input to recording a payment.
type CreatePaymentRequest struct {
	OrderID         uuid.UUID              `json:"order_id" binding:"required"`
	PaymentMethod   models.PaymentMethod   `json:"payment_method" binding:"required"`
	Amount          int64                  `json:"amount" binding:"required,min=1"`
	Currency        models.Currency        `json:"currency" binding:"required"`
	TransactionID   string                 `json:"transaction_id"`
	GatewayResponse map[string]interface{} `json:"gateway_response"`
	Description     string                 `json:"description"`
}

// CreatePaymentResponse carries the recorded payment plus, for gateway
// flows, where to send the client next.
type CreatePaymentResponse struct {
	Payment        *models.Payment        `json:"payment"`
	PayURL         string                 `json:"pay_url,omitempty"`
	TransactionRef string                 `json:"transaction_ref,omitempty"`
	GatewayRaw     map[string]interface{} `json:"gateway_raw,omitempty"`
}

// orderPricing is the server-side recomputation of what an order costs
// right now. Client-submitted amounts are only ever compared against it.
type orderPricing struct {
	Total         int64
	Currency      models.Currency
	LoyaltyPoints int64
}

// priceOrder recomputes the order total from live product prices, applies
// each product's active discount, adds the shipping fee and recomputes the
// loyalty points. It also enforces currency consistency across items.
func (e *PaymentEngine) priceOrder(ctx context.Context, order *models.Order) (*orderPricing, *ServiceError) {
	if len(order.Items) == 0 {
		return nil, validationErr("order has no items")
	}

	var total int64
	currency := order.Items[0].Currency
	for _, item := range order.Items {
		if item.Currency != currency {
			return nil, validationErr("order items have inconsistent currencies")
		}
		phone, err := e.phones.FindByID(ctx, item.PhoneID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, validationErr(fmt.Sprintf("product %s no longer exists", item.PhoneID))
			}
			return nil, internalErr("failed to load product", err)
		}
		if phone.Currency != currency {
			return nil, validationErr("order items have inconsistent currencies")
		}
		total += phone.EffectivePrice() * int64(item.Quantity)
	}
	total += order.ShippingFee

	return &orderPricing{
		Total:         total,
		Currency:      currency,
		LoyaltyPoints: total * 2,
	}, nil
}

// validateNewPayment runs the create-time guards shared by the direct
// create and the gateway-order endpoints.
func (e *PaymentEngine) validateNewPayment(ctx context.Context, userID uuid.UUID, orderID uuid.UUID, method models.PaymentMethod) (*models.Order, *orderPricing, *ServiceError) {
	if !method.Valid() {
		return nil, nil, validationErr("unknown payment method")
	}

	order, err := e.orders.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, notFoundErr("order not found")
		}
		return nil, nil, internalErr("failed to load order", err)
	}
	if order.UserID != userID {
		return nil, nil, notFoundErr("order not found")
	}
	if order.OrderStatus == models.OrderCancelled {
		return nil, nil, validationErr("order is cancelled")
	}
	if method != order.PaymentMethod {
		return nil, nil, validationErr("payment method does not match the order")
	}

	if _, err := e.payments.FindActiveByOrder(ctx, orderID); err == nil {
		return nil, nil, conflictErr("order already has an active payment")
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, nil, internalErr("failed to check existing payments", err)
	}

	pricing, svcErr := e.priceOrder(ctx, order)
	if svcErr != nil {
		return nil, nil, svcErr
	}
	return order, pricing, nil
}

// CreatePayment records a payment intent supplied by the client. Gateway
// methods must arrive with a provider transaction id and response; direct
// methods (cash, in-store) carry neither.
func (e *PaymentEngine) CreatePayment(ctx context.Context, userID uuid.UUID, req *CreatePaymentRequest) (*CreatePaymentResponse, *ServiceError) {
	order, pricing, svcErr := e.validateNewPayment(ctx, userID, req.OrderID, req.PaymentMethod)
	if svcErr != nil {
		return nil, svcErr
	}

	if !req.Currency.Valid() || req.Currency != pricing.Currency {
		return nil, validationErr("currency does not match the order items")
	}
	if req.Amount != pricing.Total {
		return nil, validationErr(fmt.Sprintf("amount %d does not match the recomputed order total %d", req.Amount, pricing.Total))
	}

	if req.PaymentMethod.IsGatewayMethod() {
		if req.TransactionID == "" || len(req.GatewayResponse) == 0 {
			return nil, validationErr("gateway payments require transaction_id and gateway_response")
		}
		if _, err := e.payments.FindByTransactionID(ctx, req.TransactionID); err == nil {
			return nil, conflictErr("transaction id already in use")
		} else if !errors.Is(err, repository.ErrNotFound) {
			return nil, internalErr("failed to check transaction id", err)
		}
	}

	payment := e.newPayment(order, req.PaymentMethod, pricing)
	payment.TransactionID = req.TransactionID
	payment.GatewayResponse = req.GatewayResponse

	resp, svcErr := e.persistNewPayment(ctx, order, payment, pricing, req.Description)
	if svcErr != nil {
		return nil, svcErr
	}
	return resp, nil
}

// CreateGatewayOrder builds a payment intent with the provider for the
// order and records the resulting Pending payment. This backs the
// createMomoOrder / createVnPayOrder / createZaloPayPayment /
// paypal/createOrder / stripe session endpoints.
func (e *PaymentEngine) CreateGatewayOrder(ctx context.Context, userID uuid.UUID, orderID uuid.UUID, method models.PaymentMethod) (*CreatePaymentResponse, *ServiceError) {
	order, pricing, svcErr := e.validateNewPayment(ctx, userID, orderID, method)
	if svcErr != nil {
		return nil, svcErr
	}

	gw, err := e.registry.Lookup(method)
	if err != nil {
		return nil, validationErr("payment method has no gateway")
	}

	payment := e.newPayment(order, method, pricing)

	result, err := gw.CreatePayment(ctx, order, payment)
	if err != nil {
		e.logger.Error("gateway create failed",
			zap.String("method", string(method)),
			zap.String("order_id", orderID.String()),
			zap.Error(err))
		return nil, providerErr("payment provider is unavailable", err)
	}
	payment.TransactionID = result.TransactionRef
	payment.GatewayResponse = result.Raw

	resp, svcErr := e.persistNewPayment(ctx, order, payment, pricing, "Payment initiated via "+string(method))
	if svcErr != nil {
		return nil, svcErr
	}
	resp.PayURL = result.PayURL
	resp.TransactionRef = result.TransactionRef
	resp.GatewayRaw = result.Raw
	return resp, nil
}

func (e *PaymentEngine) newPayment(order *models.Order, method models.PaymentMethod, pricing *orderPricing) *models.Payment {
	payment := &models.Payment{
		ID:            uuid.New(),
		OrderID:       order.ID,
		UserID:        order.UserID,
		PaymentMethod: method,
		Amount:        pricing.Total,
		Currency:      pricing.Currency,
		PaymentStatus: models.PaymentPending,
		Transactions:  []uuid.UUID{},
	}
	if method.Expires() {
		expiresAt := time.Now().UTC().Add(e.paymentExpiry)
		payment.ExpiresAt = &expiresAt
	}
	return payment
}

// persistNewPayment writes the payment, its opening Pending transaction and
// the order-side bookkeeping, reserving stock for expiring methods. Runs
// under a compensation list: a failure at any step undoes the earlier ones.
func (e *PaymentEngine) persistNewPayment(ctx context.Context, order *models.Order, payment *models.Payment, pricing *orderPricing, description string) (*CreatePaymentResponse, *ServiceError) {
	// Store the recomputed totals on the order: completion credits
	// loyalty from the order record, which may predate a price change.
	if order.TotalAmount != pricing.Total || order.LoyaltyPoints != pricing.LoyaltyPoints {
		if err := e.orders.SetFields(ctx, order.ID, bson.M{
			"total_amount":   pricing.Total,
			"loyalty_points": pricing.LoyaltyPoints,
		}); err != nil {
			return nil, internalErr("failed to store recomputed order totals", err)
		}
		order.TotalAmount = pricing.Total
		order.LoyaltyPoints = pricing.LoyaltyPoints
	}

	sg := newSaga(e.logger)

	if payment.PaymentMethod.Expires() {
		if err := e.stock.Reserve(ctx, order.Items); err != nil {
			if errors.Is(err, repository.ErrInsufficientStock) {
				return nil, validationErr("insufficient stock for order")
			}
			return nil, internalErr("failed to reserve stock", err)
		}
		payment.StockReserved = true
		sg.push("release stock reservation", func(ctx context.Context) error {
			return e.stock.Release(ctx, order.Items)
		})
	}

	if err := e.payments.Create(ctx, payment); err != nil {
		sg.unwind(ctx)
		switch {
		case errors.Is(err, repository.ErrDuplicatePayment):
			return nil, conflictErr("order already has an active payment")
		case errors.Is(err, repository.ErrDuplicateTransactionID):
			return nil, conflictErr("transaction id already in use")
		}
		return nil, internalErr("failed to create payment", err)
	}
	sg.push("delete payment", func(ctx context.Context) error {
		return e.payments.Delete(ctx, payment.ID)
	})

	txn := &models.Transaction{
		ID:            uuid.New(),
		PaymentID:     payment.ID,
		OrderID:       order.ID,
		UserID:        order.UserID,
		Amount:        payment.Amount,
		Currency:      payment.Currency,
		Status:        models.TransactionPending,
		PaymentMethod: payment.PaymentMethod,
		TransactionID: payment.TransactionID,
		Description:   description,
		Initiator:     models.InitiatorUser,
	}
	if err := e.transactions.Create(ctx, txn); err != nil {
		sg.unwind(ctx)
		return nil, internalErr("failed to create transaction", err)
	}
	if err := e.payments.AppendTransaction(ctx, payment.ID, txn.ID); err != nil {
		sg.unwind(ctx)
		return nil, internalErr("failed to link transaction", err)
	}
	payment.Transactions = append(payment.Transactions, txn.ID)

	if err := e.orders.AddPaymentRef(ctx, order.ID, payment.ID); err != nil {
		sg.unwind(ctx)
		return nil, internalErr("failed to link payment to order", err)
	}

	e.logger.Info("payment created",
		zap.String("payment_id", payment.ID.String()),
		zap.String("order_id", order.ID.String()),
		zap.String("method", string(payment.PaymentMethod)),
		zap.Int64("amount", payment.Amount))

	return &CreatePaymentResponse{Payment: payment}, nil
}

// HandleCallback verifies a provider callback and applies the normalized
// outcome. Callbacks arriving after a terminal state are acknowledged as
// duplicates and produce no further effect; the returned result lets the
// controller answer the provider's expected acknowledgment shape.
func (e *PaymentEngine) HandleCallback(ctx context.Context, method models.PaymentMethod, payload map[string]string) (*gateways.CallbackResult, *ServiceError) {
	gw, err := e.registry.Lookup(method)
	if err != nil {
		return nil, validationErr("payment method has no gateway")
	}

	result, err := gw.VerifyCallback(payload)
	if err != nil {
		if errors.Is(err, gateways.ErrInvalidSignature) {
			e.logger.Warn("callback signature rejected", zap.String("method", string(method)))
			return nil, signatureErr("invalid callback signature")
		}
		return nil, providerErr("malformed callback payload", err)
	}

	return result, e.ApplyGatewayResult(ctx, result)
}

// ApplyGatewayResult drives a payment to the state a verified provider
// result dictates. Idempotent: a duplicate delivery finds the payment
// already terminal and returns nil without touching anything.
func (e *PaymentEngine) ApplyGatewayResult(ctx context.Context, result *gateways.CallbackResult) *ServiceError {
	payment, svcErr := e.resolvePayment(ctx, result)
	if svcErr != nil {
		return svcErr
	}

	if payment.PaymentStatus != models.PaymentPending {
		e.logger.Info("duplicate callback acknowledged",
			zap.String("payment_id", payment.ID.String()),
			zap.String("status", string(payment.PaymentStatus)))
		return nil
	}

	// Re-derive the expected amount instead of trusting the callback for
	// anything beyond status.
	if result.Status == gateways.CallbackSuccess && result.Amount > 0 && result.Amount != payment.Amount {
		e.logger.Warn("callback amount mismatch",
			zap.String("payment_id", payment.ID.String()),
			zap.Int64("expected", payment.Amount),
			zap.Int64("got", result.Amount))
		return validationErr("callback amount does not match payment")
	}

	switch result.Status {
	case gateways.CallbackSuccess:
		return e.completePayment(ctx, payment, result.TransactionID, result.Raw, models.InitiatorSystem)
	case gateways.CallbackExpired:
		return e.expirePayment(ctx, payment, "payment session expired at provider")
	default:
		return e.failPayment(ctx, payment, result)
	}
}

func (e *PaymentEngine) resolvePayment(ctx context.Context, result *gateways.CallbackResult) (*models.Payment, *ServiceError) {
	if id, err := uuid.Parse(result.PaymentRef); err == nil {
		payment, err := e.payments.FindByID(ctx, id)
		if err == nil {
			return payment, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, internalErr("failed to load payment", err)
		}
	}
	payment, err := e.payments.FindByTransactionID(ctx, result.PaymentRef)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFoundErr("no payment matches callback reference")
		}
		return nil, internalErr("failed to load payment", err)
	}
	return payment, nil
}

// ConfirmPayment is the manual completion path (staff confirming a direct
// payment, or an operator reconciling against the provider dashboard).
func (e *PaymentEngine) ConfirmPayment(ctx context.Context, paymentID uuid.UUID) *ServiceError {
	payment, err := e.payments.FindByID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return notFoundErr("payment not found")
		}
		return internalErr("failed to load payment", err)
	}
	return e.completePayment(ctx, payment, payment.TransactionID, nil, models.InitiatorUser)
}

// completePayment is the Pending -> Completed transition. Atomic-or-fully-
// compensated: the store offers no multi-document transaction, so each
// mutating step pushes its inverse and any later failure unwinds the stack.
func (e *PaymentEngine) completePayment(ctx context.Context, payment *models.Payment, transactionID string, gatewayResponse map[string]interface{}, initiator models.Initiator) *ServiceError {
	if payment.PaymentStatus != models.PaymentPending {
		return conflictErr("payment is not pending")
	}

	// Duplicate confirms find the opening transaction already closed.
	pendingTxn, err := e.transactions.FindPendingByPayment(ctx, payment.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return conflictErr("payment already has a completed transaction")
		}
		return internalErr("failed to load transaction", err)
	}

	order, err := e.orders.FindByID(ctx, payment.OrderID)
	if err != nil {
		return internalErr("failed to load order", err)
	}

	sg := newSaga(e.logger)

	// Stock first: a shortfall must abort before the payment moves.
	if err := e.stock.Commit(ctx, order.Items, payment.StockReserved); err != nil {
		if errors.Is(err, repository.ErrInsufficientStock) {
			return e.cancelOrderOutOfStock(ctx, order, payment)
		}
		return internalErr("failed to commit stock", err)
	}
	hadReservation := payment.StockReserved
	sg.push("rollback stock", func(ctx context.Context) error {
		return e.stock.Rollback(ctx, order.Items, hadReservation)
	})

	set := bson.M{
		"stock_committed": true,
		"stock_reserved":  false,
	}
	if transactionID != "" {
		set["transaction_id"] = transactionID
	}
	if gatewayResponse != nil {
		set["gateway_response"] = gatewayResponse
	}
	if err := e.payments.UpdateStatusFrom(ctx, payment.ID, models.PaymentPending, models.PaymentCompleted, set); err != nil {
		sg.unwind(ctx)
		if errors.Is(err, repository.ErrStaleStatus) {
			// Another writer observed Pending first; this one loses.
			return conflictErr("payment was already processed")
		}
		return internalErr("failed to update payment", err)
	}
	sg.push("revert payment status", func(ctx context.Context) error {
		return e.payments.SetFields(ctx, payment.ID, bson.M{
			"payment_status":  models.PaymentPending,
			"stock_committed": false,
			"stock_reserved":  hadReservation,
		})
	})

	prevOrderStatus := order.OrderStatus
	prevPayStatus := order.PaymentStatus
	if err := e.orders.SetFields(ctx, order.ID, bson.M{
		"order_status":   models.OrderProcessing,
		"payment_status": models.PaymentCompleted,
	}); err != nil {
		sg.unwind(ctx)
		return compensationErr("failed to update order; completion rolled back", err)
	}
	sg.push("revert order status", func(ctx context.Context) error {
		return e.orders.SetFields(ctx, order.ID, bson.M{
			"order_status":   prevOrderStatus,
			"payment_status": prevPayStatus,
		})
	})

	if svcErr := e.creditLoyalty(ctx, sg, order, payment); svcErr != nil {
		sg.unwind(ctx)
		return svcErr
	}

	if svcErr := e.sendCompletionNotifications(ctx, sg, order, payment); svcErr != nil {
		sg.unwind(ctx)
		return svcErr
	}

	// The audit trail closes last: transactions are never reopened, so this
	// write happens only after every other step has succeeded.
	txnSet := bson.M{"description": "Payment completed", "initiator": initiator}
	if transactionID != "" {
		txnSet["transaction_id"] = transactionID
	}
	if err := e.transactions.CompleteFrom(ctx, pendingTxn.ID, models.TransactionCompleted, txnSet); err != nil {
		sg.unwind(ctx)
		if errors.Is(err, repository.ErrStaleStatus) {
			return conflictErr("payment was already processed")
		}
		return compensationErr("failed to close transaction; completion rolled back", err)
	}

	e.logger.Info("payment completed",
		zap.String("payment_id", payment.ID.String()),
		zap.String("order_id", order.ID.String()),
		zap.Int64("amount", payment.Amount))
	return nil
}

// cancelOrderOutOfStock handles the shortfall branch of completion: the
// order is cancelled, an out-of-stock notification goes out and the payment
// stays Pending so it can be retried or expired. No stock was mutated.
func (e *PaymentEngine) cancelOrderOutOfStock(ctx context.Context, order *models.Order, payment *models.Payment) *ServiceError {
	if err := e.orders.UpdateStatusFrom(ctx, order.ID,
		[]models.OrderStatus{models.OrderPending, models.OrderProcessing},
		models.OrderCancelled, nil); err != nil && !errors.Is(err, repository.ErrStaleStatus) {
		return internalErr("failed to cancel order", err)
	}

	if payment.StockReserved {
		if err := e.stock.Release(ctx, order.Items); err != nil {
			e.logger.Error("failed to release reservation for cancelled order", zap.Error(err))
		} else if err := e.payments.SetFields(ctx, payment.ID, bson.M{"stock_reserved": false}); err != nil {
			e.logger.Error("failed to clear reservation flag", zap.Error(err))
		}
	}

	if _, err := e.sink.Notify(ctx, models.NotifyOutOfStock, order.UserID,
		"Order cancelled",
		"Your order was cancelled because an item went out of stock.",
		map[string]interface{}{"order_id": order.ID.String()}); err != nil {
		e.logger.Warn("failed to send out-of-stock notification", zap.Error(err))
	}

	return validationErr("insufficient stock; order cancelled")
}

func (e *PaymentEngine) creditLoyalty(ctx context.Context, sg *saga, order *models.Order, payment *models.Payment) *ServiceError {
	if order.UseLoyaltyPoints || payment.LoyaltyCredited {
		return nil
	}
	points := order.LoyaltyPoints
	if points <= 0 {
		points = payment.Amount * 2
	}
	if err := e.users.AdjustLoyaltyPoints(ctx, order.UserID, points); err != nil {
		return compensationErr("failed to credit loyalty points; completion rolled back", err)
	}
	sg.push("revert loyalty credit", func(ctx context.Context) error {
		return e.users.AdjustLoyaltyPoints(ctx, order.UserID, -points)
	})

	if err := e.payments.SetFields(ctx, payment.ID, bson.M{"loyalty_credited": true}); err != nil {
		return compensationErr("failed to flag loyalty credit; completion rolled back", err)
	}
	sg.push("clear loyalty flag", func(ctx context.Context) error {
		return e.payments.SetFields(ctx, payment.ID, bson.M{"loyalty_credited": false})
	})
	return nil
}

// sendCompletionNotifications notifies the paying user and every admin. A
// failure here rolls back the entire completion: the notification ids live
// on user documents and must not dangle.
func (e *PaymentEngine) sendCompletionNotifications(ctx context.Context, sg *saga, order *models.Order, payment *models.Payment) *ServiceError {
	data := map[string]interface{}{
		"order_id":   order.ID.String(),
		"payment_id": payment.ID.String(),
		"amount":     payment.Amount,
		"currency":   string(payment.Currency),
	}

	userNotif, err := e.sink.Notify(ctx, models.NotifyPaymentSuccess, order.UserID,
		"Payment received",
		fmt.Sprintf("Your payment of %d %s was received.", payment.Amount, payment.Currency),
		data)
	if err != nil {
		return compensationErr("failed to notify user; completion rolled back", err)
	}
	userID := order.UserID
	sg.push("remove user notification", func(ctx context.Context) error {
		return e.sink.Remove(ctx, userID, userNotif)
	})

	admins, err := e.users.FindAdmins(ctx)
	if err != nil {
		return compensationErr("failed to list admins; completion rolled back", err)
	}
	for _, admin := range admins {
		notifID, err := e.sink.Notify(ctx, models.NotifyAdminAlert, admin.ID,
			"Order paid",
			fmt.Sprintf("Order %s was paid (%d %s).", order.ID, payment.Amount, payment.Currency),
			data)
		if err != nil {
			return compensationErr("failed to notify admin; completion rolled back", err)
		}
		adminID := admin.ID
		sg.push("remove admin notification", func(ctx context.Context) error {
			return e.sink.Remove(ctx, adminID, notifID)
		})
	}
	return nil
}

// failPayment records a provider-reported failure: Pending -> Failed, the
// opening transaction closes Failed and any hold is released.
func (e *PaymentEngine) failPayment(ctx context.Context, payment *models.Payment, result *gateways.CallbackResult) *ServiceError {
	set := bson.M{}
	if result.Raw != nil {
		set["gateway_response"] = result.Raw
	}
	if err := e.payments.UpdateStatusFrom(ctx, payment.ID, models.PaymentPending, models.PaymentFailed, set); err != nil {
		if errors.Is(err, repository.ErrStaleStatus) {
			return conflictErr("payment was already processed")
		}
		return internalErr("failed to update payment", err)
	}

	if txn, err := e.transactions.FindPendingByPayment(ctx, payment.ID); err == nil {
		if err := e.transactions.CompleteFrom(ctx, txn.ID, models.TransactionFailed, bson.M{
			"description": fmt.Sprintf("Provider reported failure (code %s)", result.Code),
			"initiator":   models.InitiatorSystem,
		}); err != nil {
			e.logger.Error("failed to close transaction for failed payment", zap.Error(err))
		}
	}

	e.releaseReservation(ctx, payment)

	e.logger.Info("payment failed",
		zap.String("payment_id", payment.ID.String()),
		zap.String("code", result.Code))
	return nil
}

// expirePayment is Pending -> Expired: the order is cancelled and any
// reserved quantity restored. Driven by the expiry sweep or by a provider
// signal that the session no longer exists.
func (e *PaymentEngine) expirePayment(ctx context.Context, payment *models.Payment, reason string) *ServiceError {
	if err := e.payments.UpdateStatusFrom(ctx, payment.ID, models.PaymentPending, models.PaymentExpired, nil); err != nil {
		if errors.Is(err, repository.ErrStaleStatus) {
			return conflictErr("payment is no longer pending")
		}
		return internalErr("failed to expire payment", err)
	}

	if err := e.orders.UpdateStatusFrom(ctx, payment.OrderID,
		[]models.OrderStatus{models.OrderPending, models.OrderProcessing},
		models.OrderCancelled, nil); err != nil && !errors.Is(err, repository.ErrStaleStatus) {
		e.logger.Error("failed to cancel order for expired payment",
			zap.String("order_id", payment.OrderID.String()), zap.Error(err))
	}

	if txn, err := e.transactions.FindPendingByPayment(ctx, payment.ID); err == nil {
		if err := e.transactions.CompleteFrom(ctx, txn.ID, models.TransactionFailed, bson.M{
			"description": reason,
			"initiator":   models.InitiatorSystem,
		}); err != nil {
			e.logger.Error("failed to close transaction for expired payment", zap.Error(err))
		}
	}

	e.releaseReservation(ctx, payment)

	e.logger.Info("payment expired",
		zap.String("payment_id", payment.ID.String()),
		zap.String("reason", reason))
	return nil
}

// releaseReservation drops the payment's stock hold exactly once, keyed off
// the recorded flag so repeated calls cannot double-restore.
func (e *PaymentEngine) releaseReservation(ctx context.Context, payment *models.Payment) {
	if !payment.StockReserved {
		return
	}
	order, err := e.orders.FindByID(ctx, payment.OrderID)
	if err != nil {
		e.logger.Error("failed to load order for reservation release", zap.Error(err))
		return
	}
	if err := e.stock.Release(ctx, order.Items); err != nil {
		e.logger.Error("failed to release stock reservation", zap.Error(err))
		return
	}
	if err := e.payments.SetFields(ctx, payment.ID, bson.M{"stock_reserved": false}); err != nil {
		e.logger.Error("failed to clear reservation flag", zap.Error(err))
	}
	payment.StockReserved = false
}

// RefundRequest is the input to the refund operation.
type RefundRequest struct {
	Amount     int64      `json:"amount" binding:"required,min=1"`
	Reason     string     `json:"reason"`
	RefundDate *time.Time `json:"refund_date"`
}

// RefundPayment applies a (possibly partial) refund. Repeatable while the
// cumulative refund stays below the paid amount; the resulting status is
// Refunded when they are equal.
func (e *PaymentEngine) RefundPayment(ctx context.Context, paymentID uuid.UUID, req *RefundRequest) (*models.Payment, *ServiceError) {
	payment, err := e.payments.FindByID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFoundErr("payment not found")
		}
		return nil, internalErr("failed to load payment", err)
	}

	if !payment.PaymentStatus.Refundable() {
		return nil, conflictErr("only completed or partially refunded payments can be refunded")
	}
	if req.Amount <= 0 {
		return nil, validationErr("refund amount must be positive")
	}
	if req.Amount > payment.RemainingRefundable() {
		return nil, validationErr(fmt.Sprintf("refund amount %d exceeds refundable remainder %d", req.Amount, payment.RemainingRefundable()))
	}
	refundDate := time.Now().UTC()
	if req.RefundDate != nil {
		if req.RefundDate.After(time.Now()) {
			return nil, validationErr("refund date may not be in the future")
		}
		refundDate = req.RefundDate.UTC()
	}

	newRefundTotal := payment.RefundAmount + req.Amount
	newStatus := models.PaymentPartiallyRefunded
	if newRefundTotal == payment.Amount {
		newStatus = models.PaymentRefunded
	}

	// The swap compares both the status and the refund total: two refunds
	// racing from the same Partially Refunded snapshot carry identical
	// source and target statuses, so only the refund_amount compare can
	// tell the loser apart.
	if err := e.payments.ApplyRefund(ctx, payment.ID, payment.PaymentStatus, payment.RefundAmount, newStatus, bson.M{
		"refund_amount": newRefundTotal,
		"is_refunded":   newStatus == models.PaymentRefunded,
		"refunded_at":   refundDate,
	}); err != nil {
		if errors.Is(err, repository.ErrStaleStatus) {
			return nil, conflictErr("payment was modified concurrently; retry the refund")
		}
		return nil, internalErr("failed to apply refund", err)
	}

	// Compensating transaction: the original completion stays untouched.
	txn := &models.Transaction{
		ID:              uuid.New(),
		PaymentID:       payment.ID,
		OrderID:         payment.OrderID,
		UserID:          payment.UserID,
		Amount:          -req.Amount,
		Currency:        payment.Currency,
		Status:          models.TransactionCompleted,
		PaymentMethod:   payment.PaymentMethod,
		TransactionID:   payment.TransactionID,
		Description:     "Refund: " + req.Reason,
		Initiator:       models.InitiatorUser,
		TransactionDate: refundDate,
	}
	if err := e.transactions.Create(ctx, txn); err != nil {
		e.logger.Error("failed to record refund transaction", zap.Error(err))
	} else if err := e.payments.AppendTransaction(ctx, payment.ID, txn.ID); err != nil {
		e.logger.Error("failed to link refund transaction", zap.Error(err))
	}

	payment.RefundAmount = newRefundTotal
	payment.PaymentStatus = newStatus
	payment.IsRefunded = newStatus == models.PaymentRefunded
	payment.RefundedAt = &refundDate
	return payment, nil
}

// UpdatePaymentRequest is the administrative update. Provider-owned and
// refund fields are not updatable here; refunds go through RefundPayment.
type UpdatePaymentRequest struct {
	PaymentMethod models.PaymentMethod `json:"payment_method"`
}

func (e *PaymentEngine) UpdatePayment(ctx context.Context, paymentID uuid.UUID, req *UpdatePaymentRequest) (*models.Payment, *ServiceError) {
	payment, err := e.payments.FindByID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFoundErr("payment not found")
		}
		return nil, internalErr("failed to load payment", err)
	}
	if payment.PaymentStatus != models.PaymentPending {
		return nil, conflictErr("only pending payments can be updated")
	}

	set := bson.M{}
	if req.PaymentMethod != "" {
		if !req.PaymentMethod.Valid() {
			return nil, validationErr("unknown payment method")
		}
		set["payment_method"] = req.PaymentMethod
		payment.PaymentMethod = req.PaymentMethod
	}
	if len(set) == 0 {
		return payment, nil
	}
	if err := e.payments.SetFields(ctx, paymentID, set); err != nil {
		return nil, internalErr("failed to update payment", err)
	}
	return payment, nil
}

// DeletePayment removes a payment record and its reference on the order.
func (e *PaymentEngine) DeletePayment(ctx context.Context, paymentID uuid.UUID) *ServiceError {
	payment, err := e.payments.FindByID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return notFoundErr("payment not found")
		}
		return internalErr("failed to load payment", err)
	}

	if err := e.payments.Delete(ctx, paymentID); err != nil {
		return internalErr("failed to delete payment", err)
	}
	if err := e.orders.RemovePaymentRef(ctx, payment.OrderID, paymentID); err != nil {
		e.logger.Error("failed to remove payment ref from order",
			zap.String("order_id", payment.OrderID.String()), zap.Error(err))
	}
	return nil
}

func (e *PaymentEngine) GetPayment(ctx context.Context, paymentID uuid.UUID) (*models.Payment, *ServiceError) {
	payment, err := e.payments.FindByID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFoundErr("payment not found")
		}
		return nil, internalErr("failed to load payment", err)
	}
	return payment, nil
}

func (e *PaymentEngine) ListPayments(ctx context.Context, page, limit int64) ([]models.Payment, int64, *ServiceError) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	payments, total, err := e.payments.List(ctx, bson.M{}, page, limit)
	if err != nil {
		return nil, 0, internalErr("failed to list payments", err)
	}
	return payments, total, nil
}

func (e *PaymentEngine) ListTransactions(ctx context.Context, paymentID uuid.UUID) ([]models.Transaction, *ServiceError) {
	txns, err := e.transactions.FindByPayment(ctx, paymentID)
	if err != nil {
		return nil, internalErr("failed to list transactions", err)
	}
	return txns, nil
}

// ExpireDuePayments sweeps pending payments past their deadline. Returns
// how many were expired; used by the background worker.
func (e *PaymentEngine) ExpireDuePayments(ctx context.Context, limit int64) (int, error) {
	due, err := e.payments.FindExpiredPending(ctx, time.Now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to find expired payments: %w", err)
	}

	expired := 0
	for i := range due {
		payment := due[i]
		if svcErr := e.expirePayment(ctx, &payment, "payment expired after deadline"); svcErr != nil {
			if svcErr.Kind != KindConflict {
				e.logger.Error("failed to expire payment",
					zap.String("payment_id", payment.ID.String()),
					zap.Error(svcErr))
			}
			continue
		}
		expired++
	}
	return expired, nil
}
