package controllers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v80"
	"go.uber.org/zap"

	"payment-service/gateways"
	"payment-service/middleware"
	"payment-service/models"
	"payment-service/services"
)

// StripeController serves the Checkout Session create/capture/webhook
// endpoints. Both capture and webhook re-read the session from Stripe
// rather than trusting anything the client relays.
type StripeController struct {
	engine  *services.PaymentEngine
	gateway *gateways.StripeGateway
	logger  *zap.Logger
}

func NewStripeController(engine *services.PaymentEngine, gateway *gateways.StripeGateway, logger *zap.Logger) *StripeController {
	return &StripeController{engine: engine, gateway: gateway, logger: logger}
}

// CreateCheckoutSession handles POST /payment/stripe/createCheckoutSession.
func (sc *StripeController) CreateCheckoutSession(c *gin.Context) {
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

	resp, svcErr := sc.engine.CreateGatewayOrder(c.Request.Context(), userID, req.OrderID, models.MethodStripe)
	if svcErr != nil {
		respondError(c, svcErr)
		return
	}
	respondOK(c, http.StatusCreated, "checkout session created", resp)
}

// CaptureSession handles GET /payment/stripe/captureSession?session_id=...,
// the success-URL return leg.
func (sc *StripeController) CaptureSession(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "missing session_id"})
		return
	}

	result, err := sc.gateway.CaptureSession(c.Request.Context(), sessionID)
	if err != nil {
		sc.logger.Error("stripe session capture failed", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "message": "stripe capture failed"})
		return
	}

	if svcErr := sc.engine.ApplyGatewayResult(c.Request.Context(), result); svcErr != nil && svcErr.Kind != services.KindConflict {
		respondError(c, svcErr)
		return
	}
	respondOK(c, http.StatusOK, "stripe capture processed", gin.H{
		"status":      result.Status,
		"payment_ref": result.PaymentRef,
	})
}

// Webhook handles POST /payment/stripe/webhook.
func (sc *StripeController) Webhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	event, err := sc.gateway.ParseWebhook(c.Request, body)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	switch event.Type {
	case "checkout.session.completed", "checkout.session.expired":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		result, err := sc.gateway.CaptureSession(c.Request.Context(), sess.ID)
		if err != nil {
			sc.logger.Error("stripe webhook session read failed", zap.Error(err))
			c.Status(http.StatusBadGateway)
			return
		}
		if svcErr := sc.engine.ApplyGatewayResult(c.Request.Context(), result); svcErr != nil && svcErr.Kind != services.KindConflict {
			sc.logger.Error("stripe webhook processing failed", zap.Error(svcErr))
			c.Status(http.StatusInternalServerError)
			return
		}
	}
	c.Status(http.StatusOK)
}
