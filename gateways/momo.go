package gateways

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"payment-service/config"
	"payment-service/models"
)

// MoMo result codes the engine distinguishes. 1005 means the payment
// session is expired or nonexistent and must release stock instead of
// recording a generic failure.
const (
	momoResultSuccess = 0
	momoResultExpired = 1005
)

const (
	momoRequestType = "captureWallet"
	momoMaxAttempts = 3
	momoHTTPTimeout = 30 * time.Second
)

// momoCallbackKeys is the fixed parameter set MoMo signs on IPN callbacks,
// already in alphabetical order.
var momoCallbackKeys = []string{
	"accessKey", "amount", "extraData", "message", "orderId", "orderInfo",
	"orderType", "partnerCode", "payType", "requestId", "responseTime",
	"resultCode", "transId",
}

type MoMoGateway struct {
	cfg     config.MoMoConfig
	client  *http.Client
	backoff time.Duration
	logger  *zap.Logger
}

func NewMoMoGateway(cfg config.MoMoConfig, logger *zap.Logger) *MoMoGateway {
	return &MoMoGateway{
		cfg:     cfg,
		client:  &http.Client{Timeout: momoHTTPTimeout},
		backoff: time.Second,
		logger:  logger,
	}
}

type momoCreateResponse struct {
	PartnerCode  string `json:"partnerCode"`
	RequestID    string `json:"requestId"`
	OrderID      string `json:"orderId"`
	Amount       int64  `json:"amount"`
	ResponseTime int64  `json:"responseTime"`
	Message      string `json:"message"`
	ResultCode   int    `json:"resultCode"`
	PayURL       string `json:"payUrl"`
	QRCodeURL    string `json:"qrCodeUrl"`
}

// CreatePayment posts a create-order request to MoMo, retrying transient
// failures with bounded exponential backoff before surfacing an error.
func (g *MoMoGateway) CreatePayment(ctx context.Context, order *models.Order, payment *models.Payment) (*CreateResult, error) {
	// orderId is our payment id so callbacks correlate back to the
	// payment; requestId is the per-attempt correlation ref.
	requestID := uuid.NewString()
	orderID := payment.ID.String()
	amount := strconv.FormatInt(payment.Amount, 10)
	orderInfo := "Thanh toan don hang " + payment.OrderID.String()
	extraData := ""

	// Create-request signature: alphabetically ordered key=value pairs
	// joined with &, HMAC-SHA256 with the partner secret, hex encoded.
	raw := "accessKey=" + g.cfg.AccessKey +
		"&amount=" + amount +
		"&extraData=" + extraData +
		"&ipnUrl=" + g.cfg.NotifyURL +
		"&orderId=" + orderID +
		"&orderInfo=" + orderInfo +
		"&partnerCode=" + g.cfg.PartnerCode +
		"&redirectUrl=" + g.cfg.ReturnURL +
		"&requestId=" + requestID +
		"&requestType=" + momoRequestType
	signature := hmacSHA256Hex(g.cfg.SecretKey, raw)

	body := map[string]interface{}{
		"partnerCode": g.cfg.PartnerCode,
		"accessKey":   g.cfg.AccessKey,
		"requestId":   requestID,
		"amount":      amount,
		"orderId":     orderID,
		"orderInfo":   orderInfo,
		"redirectUrl": g.cfg.ReturnURL,
		"ipnUrl":      g.cfg.NotifyURL,
		"extraData":   extraData,
		"requestType": momoRequestType,
		"signature":   signature,
		"lang":        "vi",
	}
	payloadBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal momo request: %w", err)
	}

	var resp momoCreateResponse
	err = retry(ctx, momoMaxAttempts, g.backoff, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.Endpoint, bytes.NewReader(payloadBytes))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		httpResp, err := g.client.Do(req)
		if err != nil {
			g.logger.Warn("momo create request failed, will retry", zap.Error(err))
			return err
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: momo returned HTTP %d", ErrProvider, httpResp.StatusCode)
		}
		return json.NewDecoder(httpResp.Body).Decode(&resp)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: momo create order: %v", ErrProvider, err)
	}

	if resp.ResultCode != momoResultSuccess {
		return nil, fmt.Errorf("%w: momo resultCode=%d message=%s", ErrProvider, resp.ResultCode, resp.Message)
	}

	return &CreateResult{
		TransactionRef: requestID,
		PayURL:         resp.PayURL,
		Raw: map[string]interface{}{
			"partnerCode":  resp.PartnerCode,
			"requestId":    resp.RequestID,
			"orderId":      resp.OrderID,
			"amount":       resp.Amount,
			"responseTime": resp.ResponseTime,
			"message":      resp.Message,
			"resultCode":   resp.ResultCode,
			"payUrl":       resp.PayURL,
			"qrCodeUrl":    resp.QRCodeURL,
		},
	}, nil
}

// VerifyCallback recomputes the IPN signature over MoMo's fixed parameter
// set and normalizes the result code.
func (g *MoMoGateway) VerifyCallback(payload map[string]string) (*CallbackResult, error) {
	got := payload["signature"]
	if got == "" {
		return nil, ErrInvalidSignature
	}

	pairs := make([]string, 0, len(momoCallbackKeys))
	for _, k := range momoCallbackKeys {
		v := payload[k]
		if k == "accessKey" && v == "" {
			v = g.cfg.AccessKey
		}
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	raw := strings.Join(pairs, "&")

	want := hmacSHA256Hex(g.cfg.SecretKey, raw)
	if !hmac.Equal([]byte(want), []byte(got)) {
		return nil, ErrInvalidSignature
	}

	code, err := strconv.Atoi(payload["resultCode"])
	if err != nil {
		return nil, fmt.Errorf("%w: momo resultCode %q is not numeric", ErrProvider, payload["resultCode"])
	}
	amount, _ := strconv.ParseInt(payload["amount"], 10, 64)

	status := CallbackFailed
	switch code {
	case momoResultSuccess:
		status = CallbackSuccess
	case momoResultExpired:
		status = CallbackExpired
	}

	return &CallbackResult{
		Status:        status,
		PaymentRef:    payload["orderId"],
		TransactionID: payload["transId"],
		Amount:        amount,
		Code:          payload["resultCode"],
		Raw:           rawMap(payload),
	}, nil
}

func hmacSHA256Hex(key, data string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

func rawMap(payload map[string]string) map[string]interface{} {
	raw := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		raw[k] = v
	}
	return raw
}
