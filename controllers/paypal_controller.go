package controllers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"payment-service/gateways"
	"payment-service/middleware"
	"payment-service/models"
	"payment-service/services"
)

// PayPalController serves the PayPal create/capture/webhook endpoints. The
// capture endpoint is the primary completion path; the webhook covers
// captures the client never came back from.
type PayPalController struct {
	engine  *services.PaymentEngine
	gateway *gateways.PayPalGateway
	logger  *zap.Logger
}

func NewPayPalController(engine *services.PaymentEngine, gateway *gateways.PayPalGateway, logger *zap.Logger) *PayPalController {
	return &PayPalController{engine: engine, gateway: gateway, logger: logger}
}

// CreateOrder handles POST /payment/paypal/createOrder.
func (pp *PayPalController) CreateOrder(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "missing user identity"})
		return
	}
	var req createGatewayOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid payload: " + err.Error()})
		return
	}

	resp, svcErr := pp.engine.CreateGatewayOrder(c.Request.Context(), userID, req.OrderID, models.MethodPayPal)
	if svcErr != nil {
		respondError(c, svcErr)
		return
	}
	respondOK(c, http.StatusCreated, "paypal order created", resp)
}

// CaptureOrder handles GET /payment/paypal/captureOrder?token=<order-id>,
// the return leg of the approval redirect. The capture response from
// PayPal, not the redirect, decides the outcome.
func (pp *PayPalController) CaptureOrder(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "missing token"})
		return
	}

	result, err := pp.gateway.CaptureOrder(c.Request.Context(), token)
	if err != nil {
		pp.logger.Error("paypal capture failed", zap.String("token", token), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "message": "paypal capture failed"})
		return
	}

	if svcErr := pp.engine.ApplyGatewayResult(c.Request.Context(), result); svcErr != nil && svcErr.Kind != services.KindConflict {
		respondError(c, svcErr)
		return
	}
	respondOK(c, http.StatusOK, "paypal capture processed", gin.H{
		"status":         result.Status,
		"payment_ref":    result.PaymentRef,
		"transaction_id": result.TransactionID,
	})
}

type paypalWebhookEvent struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID                string `json:"id"`
		Status            string `json:"status"`
		CustomID          string `json:"custom_id"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
	} `json:"resource"`
}

// Webhook handles POST /payment/paypal/webhook. Authenticity is checked
// through PayPal's verification endpoint before anything is applied.
func (pp *PayPalController) Webhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	verified, err := pp.gateway.VerifyWebhook(c.Request.Context(), c.Request.Header, body)
	if err != nil {
		pp.logger.Error("paypal webhook verification errored", zap.Error(err))
		c.Status(http.StatusBadGateway)
		return
	}
	if !verified {
		pp.logger.Warn("paypal webhook verification rejected")
		c.Status(http.StatusUnauthorized)
		return
	}

	var event paypalWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	switch event.EventType {
	case "CHECKOUT.ORDER.APPROVED":
		result, err := pp.gateway.CaptureOrder(c.Request.Context(), event.Resource.ID)
		if err != nil {
			pp.logger.Error("paypal webhook capture failed", zap.Error(err))
			c.Status(http.StatusBadGateway)
			return
		}
		pp.apply(c, result)
	case "PAYMENT.CAPTURE.COMPLETED":
		pp.apply(c, &gateways.CallbackResult{
			Status:        gateways.CallbackSuccess,
			PaymentRef:    event.Resource.SupplementaryData.RelatedIDs.OrderID,
			TransactionID: event.Resource.ID,
			Code:          event.Resource.Status,
		})
	case "PAYMENT.CAPTURE.DENIED":
		pp.apply(c, &gateways.CallbackResult{
			Status:     gateways.CallbackFailed,
			PaymentRef: event.Resource.SupplementaryData.RelatedIDs.OrderID,
			Code:       event.Resource.Status,
		})
	default:
		// Unsubscribed event types are acknowledged and dropped.
		c.Status(http.StatusOK)
	}
}

func (pp *PayPalController) apply(c *gin.Context, result *gateways.CallbackResult) {
	if svcErr := pp.engine.ApplyGatewayResult(c.Request.Context(), result); svcErr != nil {
		switch svcErr.Kind {
		case services.KindConflict:
			// Duplicate delivery; already settled.
		case services.KindNotFound:
			c.Status(http.StatusNotFound)
			return
		default:
			pp.logger.Error("paypal webhook processing failed", zap.Error(svcErr))
			c.Status(http.StatusInternalServerError)
			return
		}
	}
	c.Status(http.StatusOK)
}
