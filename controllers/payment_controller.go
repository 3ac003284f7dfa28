package controllers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"payment-service/middleware"
	"payment-service/models"
	"payment-service/services"
)

// PaymentController serves the generic payment CRUD, refund and confirm
// endpoints. Gateway-specific flows live in their own controllers.
type PaymentController struct {
	engine *services.PaymentEngine
	logger *zap.Logger
}

func NewPaymentController(engine *services.PaymentEngine, logger *zap.Logger) *PaymentController {
	return &PaymentController{engine: engine, logger: logger}
}

func respondError(c *gin.Context, err *services.ServiceError) {
	c.JSON(err.StatusCode, gin.H{
		"success": false,
		"message": err.Message,
		"error":   string(err.Kind),
	})
}

func respondOK(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, gin.H{
		"success": true,
		"message": message,
		"data":    data,
	})
}

func paymentID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false, "message": "invalid payment id",
		})
		return uuid.Nil, false
	}
	return id, true
}

// AddPayment handles POST /payment/add.
func (pc *PaymentController) AddPayment(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "missing user identity"})
		return
	}

	var req services.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid payload: " + err.Error()})
		return
	}

	resp, svcErr := pc.engine.CreatePayment(c.Request.Context(), userID, &req)
	if svcErr != nil {
		respondError(c, svcErr)
		return
	}
	respondOK(c, http.StatusCreated, "payment created", resp)
}

// GetPayment handles GET /payment/:id.
func (pc *PaymentController) GetPayment(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}
	payment, svcErr := pc.engine.GetPayment(c.Request.Context(), id)
	if svcErr != nil {
		respondError(c, svcErr)
		return
	}
	respondOK(c, http.StatusOK, "payment found", payment)
}

// ListPayments handles GET /payment (admin).
func (pc *PaymentController) ListPayments(c *gin.Context) {
	page, _ := strconv.ParseInt(c.DefaultQuery("page", "1"), 10, 64)
	limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "20"), 10, 64)

	payments, total, svcErr := pc.engine.ListPayments(c.Request.Context(), page, limit)
	if svcErr != nil {
		respondError(c, svcErr)
		return
	}
	respondOK(c, http.StatusOK, "payments listed", gin.H{
		"payments": payments,
		"total":    total,
		"page":     page,
		"limit":    limit,
	})
}

// ListTransactions handles GET /payment/:id/transactions.
func (pc *PaymentController) ListTransactions(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}
	txns, svcErr := pc.engine.ListTransactions(c.Request.Context(), id)
	if svcErr != nil {
		respondError(c, svcErr)
		return
	}
	respondOK(c, http.StatusOK, "transactions listed", txns)
}

// UpdatePayment handles PUT /payment/:id.
func (pc *PaymentController) UpdatePayment(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}
	var req services.UpdatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid payload: " + err.Error()})
		return
	}
	payment, svcErr := pc.engine.UpdatePayment(c.Request.Context(), id, &req)
	if svcErr != nil {
		respondError(c, svcErr)
		return
	}
	respondOK(c, http.StatusOK, "payment updated", payment)
}

// DeletePayment handles DELETE /payment/:id (admin).
func (pc *PaymentController) DeletePayment(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}
	if svcErr := pc.engine.DeletePayment(c.Request.Context(), id); svcErr != nil {
		respondError(c, svcErr)
		return
	}
	respondOK(c, http.StatusOK, "payment deleted", nil)
}

// RefundPayment handles POST /payment/refund/:id (admin).
func (pc *PaymentController) RefundPayment(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}
	var req services.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid payload: " + err.Error()})
		return
	}
	payment, svcErr := pc.engine.RefundPayment(c.Request.Context(), id, &req)
	if svcErr != nil {
		respondError(c, svcErr)
		return
	}
	respondOK(c, http.StatusOK, "refund applied", payment)
}

// ConfirmPayment handles POST /payment/payment/:id/confirm.
func (pc *PaymentController) ConfirmPayment(c *gin.Context) {
	id, ok := paymentID(c)
	if !ok {
		return
	}
	if svcErr := pc.engine.ConfirmPayment(c.Request.Context(), id); svcErr != nil {
		respondError(c, svcErr)
		return
	}
	respondOK(c, http.StatusOK, "payment confirmed", gin.H{
		"payment_id": id,
		"status":     models.PaymentCompleted,
	})
}

// Health handles GET /health.
func (pc *PaymentController) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
