package gateways

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"payment-service/config"
	"payment-service/models"
)

const (
	vnpVersion     = "2.1.0"
	vnpCommand     = "pay"
	vnpSuccessCode = "00"
)

type VNPayGateway struct {
	cfg    config.VNPayConfig
	logger *zap.Logger

	// now is injected for deterministic create-date tests.
	now func() time.Time
}

func NewVNPayGateway(cfg config.VNPayConfig, logger *zap.Logger) *VNPayGateway {
	return &VNPayGateway{cfg: cfg, logger: logger, now: time.Now}
}

// CreatePayment builds the signed redirect URL. VNPay is redirect-only:
// there is no server-to-server create call, the signature over the query
// string is the whole request.
func (g *VNPayGateway) CreatePayment(ctx context.Context, order *models.Order, payment *models.Payment) (*CreateResult, error) {
	now := g.now()
	txnRef := payment.ID.String()

	params := map[string]string{
		"vnp_Version":    vnpVersion,
		"vnp_Command":    vnpCommand,
		"vnp_TmnCode":    g.cfg.TmnCode,
		"vnp_Amount":     strconv.FormatInt(payment.Amount*100, 10),
		"vnp_CurrCode":   string(payment.Currency),
		"vnp_TxnRef":     txnRef,
		"vnp_OrderInfo":  normalizeOrderInfo("Thanh toan don hang " + payment.OrderID.String()),
		"vnp_OrderType":  "other",
		"vnp_Locale":     "vn",
		"vnp_ReturnUrl":  g.cfg.ReturnURL,
		"vnp_IpAddr":     "127.0.0.1",
		"vnp_CreateDate": now.Format("20060102150405"),
		"vnp_ExpireDate": now.Add(15 * time.Minute).Format("20060102150405"),
	}

	hashData := vnpHashData(params)
	secureHash := hmacSHA512Hex(g.cfg.HashSecret, hashData)

	payURL := g.cfg.PayURL + "?" + hashData + "&vnp_SecureHash=" + secureHash

	return &CreateResult{
		TransactionRef: txnRef,
		PayURL:         payURL,
		Raw: map[string]interface{}{
			"vnp_TxnRef":     txnRef,
			"vnp_Amount":     params["vnp_Amount"],
			"vnp_CreateDate": params["vnp_CreateDate"],
			"payUrl":         payURL,
		},
	}, nil
}

// VerifyCallback recomputes vnp_SecureHash over every vnp_ parameter except
// the hash itself and compares case-insensitively.
func (g *VNPayGateway) VerifyCallback(payload map[string]string) (*CallbackResult, error) {
	got := payload["vnp_SecureHash"]
	if got == "" {
		return nil, ErrInvalidSignature
	}

	params := make(map[string]string, len(payload))
	for k, v := range payload {
		if k == "vnp_SecureHash" || k == "vnp_SecureHashType" {
			continue
		}
		if strings.HasPrefix(k, "vnp_") {
			params[k] = v
		}
	}

	want := hmacSHA512Hex(g.cfg.HashSecret, vnpHashData(params))
	if !strings.EqualFold(want, got) {
		return nil, ErrInvalidSignature
	}

	// vnp_Amount carries the amount multiplied by 100.
	rawAmount, _ := strconv.ParseInt(payload["vnp_Amount"], 10, 64)

	status := CallbackFailed
	if payload["vnp_ResponseCode"] == vnpSuccessCode && payload["vnp_TransactionStatus"] == vnpSuccessCode {
		status = CallbackSuccess
	}

	return &CallbackResult{
		Status:        status,
		PaymentRef:    payload["vnp_TxnRef"],
		TransactionID: payload["vnp_TransactionNo"],
		Amount:        rawAmount / 100,
		Code:          payload["vnp_ResponseCode"],
		Raw:           rawMap(payload),
	}, nil
}

// vnpHashData sorts parameters alphabetically and joins URL-encoded
// key=value pairs with &. Go's QueryEscape already encodes spaces as +,
// which is the encoding VNPay signs.
func vnpHashData(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, url.QueryEscape(k)+"="+url.QueryEscape(params[k]))
	}
	return strings.Join(pairs, "&")
}

// normalizeOrderInfo collapses runs of whitespace before the field is
// percent-encoded, so the signed form uses + for every space.
func normalizeOrderInfo(info string) string {
	return strings.Join(strings.Fields(info), " ")
}

func hmacSHA512Hex(key, data string) string {
	mac := hmac.New(sha512.New, []byte(key))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}
