package controllers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"payment-service/middleware"
	"payment-service/models"
	"payment-service/services"
)

// MoMoController serves the MoMo create/return/IPN endpoints.
type MoMoController struct {
	engine *services.PaymentEngine
	logger *zap.Logger
}

func NewMoMoController(engine *services.PaymentEngine, logger *zap.Logger) *MoMoController {
	return &MoMoController{engine: engine, logger: logger}
}

type createGatewayOrderRequest struct {
	OrderID uuid.UUID `json:"order_id" binding:"required"`
}

// CreateMomoOrder handles POST /payment/momo/createMomoOrder.
func (mc *MoMoController) CreateMomoOrder(c *gin.Context) {
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

	resp, svcErr := mc.engine.CreateGatewayOrder(c.Request.Context(), userID, req.OrderID, models.MethodMoMo)
	if svcErr != nil {
		respondError(c, svcErr)
		return
	}
	respondOK(c, http.StatusCreated, "momo order created", resp)
}

// ReturnMomoOrder handles GET /payment/momo/returnMomoOrder, the browser
// redirect. The IPN is authoritative; this endpoint verifies and applies
// the same signed payload so the user sees the outcome immediately.
func (mc *MoMoController) ReturnMomoOrder(c *gin.Context) {
	payload := queryToMap(c)
	result, svcErr := mc.engine.HandleCallback(c.Request.Context(), models.MethodMoMo, payload)
	if svcErr != nil && svcErr.Kind != services.KindConflict {
		respondError(c, svcErr)
		return
	}
	respondOK(c, http.StatusOK, "momo return processed", gin.H{
		"status":      result.Status,
		"payment_ref": result.PaymentRef,
	})
}

// MomoWebhook handles POST /payment/momo/momoWebhook. MoMo expects a 204
// acknowledgment; anything else triggers its retry schedule, so internal
// errors after signature verification still acknowledge.
func (mc *MoMoController) MomoWebhook(c *gin.Context) {
	var body map[string]interface{}
	if err := json.NewDecoder(c.Request.Body).Decode(&body); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	_, svcErr := mc.engine.HandleCallback(c.Request.Context(), models.MethodMoMo, flattenJSON(body))
	if svcErr != nil {
		switch svcErr.Kind {
		case services.KindSignature:
			c.Status(http.StatusBadRequest)
			return
		case services.KindConflict:
			// Duplicate delivery; already settled.
		default:
			mc.logger.Error("momo webhook processing failed", zap.Error(svcErr))
		}
	}
	c.Status(http.StatusNoContent)
}

// queryToMap flattens request query parameters into the adapter payload
// shape, keeping the first value per key.
func queryToMap(c *gin.Context) map[string]string {
	out := make(map[string]string)
	for key, values := range c.Request.URL.Query() {
		if len(values) > 0 {
			out[key] = values[0]
		}
	}
	return out
}

// flattenJSON stringifies a decoded JSON object for signature verification.
// JSON numbers arrive as float64; integral values must not pick up a
// decimal point or the recomputed signature changes.
func flattenJSON(body map[string]interface{}) map[string]string {
	out := make(map[string]string, len(body))
	for key, value := range body {
		switch v := value.(type) {
		case string:
			out[key] = v
		case float64:
			if v == float64(int64(v)) {
				out[key] = strconv.FormatInt(int64(v), 10)
			} else {
				out[key] = strconv.FormatFloat(v, 'f', -1, 64)
			}
		case bool:
			out[key] = strconv.FormatBool(v)
		case nil:
			out[key] = ""
		default:
			b, _ := json.Marshal(v)
			out[key] = string(b)
		}
	}
	return out
}
