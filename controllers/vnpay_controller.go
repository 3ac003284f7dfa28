package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"payment-service/middleware"
	"payment-service/models"
	"payment-service/services"
)

// VNPayController serves the VNPay create/return/IPN endpoints. The IPN
// acknowledgment codes follow VNPay's contract: 00 success, 01 order not
// found, 02 already confirmed, 97 invalid signature, 99 internal error.
// Every IPN response is HTTP 200; a non-200 or unexpected body puts the
// merchant on VNPay's retry schedule.
type VNPayController struct {
	engine *services.PaymentEngine
	logger *zap.Logger
}

func NewVNPayController(engine *services.PaymentEngine, logger *zap.Logger) *VNPayController {
	return &VNPayController{engine: engine, logger: logger}
}

type vnpayAck struct {
	RspCode string `json:"RspCode"`
	Message string `json:"Message"`
}

// CreateVnPayOrder handles POST /payment/vnpay/createVnPayOrder.
func (vc *VNPayController) CreateVnPayOrder(c *gin.Context) {
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

	resp, svcErr := vc.engine.CreateGatewayOrder(c.Request.Context(), userID, req.OrderID, models.MethodVNPay)
	if svcErr != nil {
		respondError(c, svcErr)
		return
	}
	respondOK(c, http.StatusCreated, "vnpay order created", resp)
}

// VnPayReturn handles GET /payment/order/vnpay_return, the browser
// redirect. The IPN is authoritative; this verifies the same signed query
// so the storefront can show the outcome without waiting for the IPN.
func (vc *VNPayController) VnPayReturn(c *gin.Context) {
	payload := queryToMap(c)
	result, svcErr := vc.engine.HandleCallback(c.Request.Context(), models.MethodVNPay, payload)
	if svcErr != nil && svcErr.Kind != services.KindConflict {
		respondError(c, svcErr)
		return
	}
	respondOK(c, http.StatusOK, "vnpay return processed", gin.H{
		"status":      result.Status,
		"payment_ref": result.PaymentRef,
	})
}

// VnPayIPN handles GET /payment/order/vnpay-ipn.
func (vc *VNPayController) VnPayIPN(c *gin.Context) {
	payload := queryToMap(c)
	_, svcErr := vc.engine.HandleCallback(c.Request.Context(), models.MethodVNPay, payload)
	if svcErr == nil {
		c.JSON(http.StatusOK, vnpayAck{RspCode: "00", Message: "Confirm Success"})
		return
	}

	switch svcErr.Kind {
	case services.KindSignature:
		c.JSON(http.StatusOK, vnpayAck{RspCode: "97", Message: "Invalid Checksum"})
	case services.KindNotFound:
		c.JSON(http.StatusOK, vnpayAck{RspCode: "01", Message: "Order not found"})
	case services.KindConflict:
		c.JSON(http.StatusOK, vnpayAck{RspCode: "02", Message: "Order already confirmed"})
	default:
		vc.logger.Error("vnpay ipn processing failed", zap.Error(svcErr))
		c.JSON(http.StatusOK, vnpayAck{RspCode: "99", Message: "Unknown error"})
	}
}
