package controllers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"payment-service/middleware"
	"payment-service/models"
	"payment-service/services"
)

// ZaloPayController serves the ZaloPay create/notify/return endpoints.
// Notify acknowledgments use ZaloPay's contract: return_code 1 success,
// 2 retryable failure, negative codes permanent rejection. A -1 tells
// ZaloPay to stop retrying (bad signature); 0 on conflict marks the
// notify as already handled.
type ZaloPayController struct {
	engine *services.PaymentEngine
	logger *zap.Logger
}

func NewZaloPayController(engine *services.PaymentEngine, logger *zap.Logger) *ZaloPayController {
	return &ZaloPayController{engine: engine, logger: logger}
}

type zaloAck struct {
	ReturnCode    int    `json:"return_code"`
	ReturnMessage string `json:"return_message"`
}

// CreateZaloPayPayment handles POST /payment/zalopay/createZaloPayPayment.
func (zc *ZaloPayController) CreateZaloPayPayment(c *gin.Context) {
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

	resp, svcErr := zc.engine.CreateGatewayOrder(c.Request.Context(), userID, req.OrderID, models.MethodZaloPay)
	if svcErr != nil {
		respondError(c, svcErr)
		return
	}
	respondOK(c, http.StatusCreated, "zalopay payment created", resp)
}

// HandleZaloPayNotify handles POST /payment/zalopay/handleZaloPayNotify.
// ZaloPay posts {data, mac}; data is a JSON string whose fields feed the
// key2 MAC verification.
func (zc *ZaloPayController) HandleZaloPayNotify(c *gin.Context) {
	var body struct {
		Data string `json:"data"`
		Mac  string `json:"mac"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusOK, zaloAck{ReturnCode: -1, ReturnMessage: "invalid payload"})
		return
	}

	var inner map[string]interface{}
	if err := json.Unmarshal([]byte(body.Data), &inner); err != nil {
		c.JSON(http.StatusOK, zaloAck{ReturnCode: -1, ReturnMessage: "invalid data"})
		return
	}
	payload := flattenJSON(inner)
	payload["mac"] = body.Mac

	_, svcErr := zc.engine.HandleCallback(c.Request.Context(), models.MethodZaloPay, payload)
	if svcErr == nil {
		c.JSON(http.StatusOK, zaloAck{ReturnCode: 1, ReturnMessage: "success"})
		return
	}

	switch svcErr.Kind {
	case services.KindSignature:
		c.JSON(http.StatusOK, zaloAck{ReturnCode: -1, ReturnMessage: "invalid mac"})
	case services.KindConflict:
		c.JSON(http.StatusOK, zaloAck{ReturnCode: 0, ReturnMessage: "already processed"})
	case services.KindNotFound:
		c.JSON(http.StatusOK, zaloAck{ReturnCode: -2, ReturnMessage: "payment not found"})
	default:
		zc.logger.Error("zalopay notify processing failed", zap.Error(svcErr))
		c.JSON(http.StatusOK, zaloAck{ReturnCode: 2, ReturnMessage: "internal error, retry"})
	}
}

// HandZaloPayReturn handles GET /payment/zalopay/handZaloPayReturn, the
// browser redirect after checkout.
func (zc *ZaloPayController) HandZaloPayReturn(c *gin.Context) {
	payload := queryToMap(c)
	result, svcErr := zc.engine.HandleCallback(c.Request.Context(), models.MethodZaloPay, payload)
	if svcErr != nil && svcErr.Kind != services.KindConflict {
		respondError(c, svcErr)
		return
	}
	respondOK(c, http.StatusOK, "zalopay return processed", gin.H{
		"status":      result.Status,
		"payment_ref": result.PaymentRef,
	})
}
