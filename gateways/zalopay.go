package gateways

import (
	"bytes"
	"context"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"payment-service/config"
	"payment-service/models"
)

const (
	zaloSuccessStatus = 1
	zaloHTTPTimeout   = 15 * time.Second
)

type ZaloPayGateway struct {
	cfg    config.ZaloPayConfig
	client *http.Client
	logger *zap.Logger
	now    func() time.Time
}

func NewZaloPayGateway(cfg config.ZaloPayConfig, logger *zap.Logger) *ZaloPayGateway {
	return &ZaloPayGateway{
		cfg:    cfg,
		client: &http.Client{Timeout: zaloHTTPTimeout},
		logger: logger,
		now:    time.Now,
	}
}

type zaloCreateResponse struct {
	ReturnCode    int    `json:"return_code"`
	ReturnMessage string `json:"return_message"`
	OrderURL      string `json:"order_url"`
	ZPTransToken  string `json:"zp_trans_token"`
}

// CreatePayment posts a create-order request. The request MAC is keyed with
// key1 over the pipe-joined create tuple; key2 is reserved for callbacks.
func (g *ZaloPayGateway) CreatePayment(ctx context.Context, order *models.Order, payment *models.Payment) (*CreateResult, error) {
	now := g.now()
	// ZaloPay requires app_trans_id to be prefixed with the current date.
	appTransID := now.Format("060102") + "_" + payment.ID.String()
	appTime := strconv.FormatInt(now.UnixMilli(), 10)
	appUser := payment.UserID.String()
	amount := strconv.FormatInt(payment.Amount, 10)
	embedData := fmt.Sprintf(`{"redirecturl":%q}`, g.cfg.ReturnURL)
	item := "[]"

	mac := g.RequestMAC(g.cfg.AppID, appTransID, appUser, amount, appTime, embedData, item)

	form := url.Values{}
	form.Set("app_id", g.cfg.AppID)
	form.Set("app_trans_id", appTransID)
	form.Set("app_user", appUser)
	form.Set("app_time", appTime)
	form.Set("amount", amount)
	form.Set("embed_data", embedData)
	form.Set("item", item)
	form.Set("description", "Thanh toan don hang "+payment.OrderID.String())
	form.Set("callback_url", g.cfg.NotifyURL)
	form.Set("mac", mac)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.Endpoint, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	httpResp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: zalopay create order: %v", ErrProvider, err)
	}
	defer httpResp.Body.Close()

	var resp zaloCreateResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: decode zalopay response: %v", ErrProvider, err)
	}
	if resp.ReturnCode != zaloSuccessStatus {
		return nil, fmt.Errorf("%w: zalopay return_code=%d message=%s", ErrProvider, resp.ReturnCode, resp.ReturnMessage)
	}

	return &CreateResult{
		TransactionRef: appTransID,
		PayURL:         resp.OrderURL,
		Raw: map[string]interface{}{
			"app_trans_id":   appTransID,
			"return_code":    resp.ReturnCode,
			"return_message": resp.ReturnMessage,
			"order_url":      resp.OrderURL,
			"zp_trans_token": resp.ZPTransToken,
		},
	}, nil
}

// RequestMAC signs the outbound create tuple with key1: all fields cast to
// trimmed strings and pipe-joined.
func (g *ZaloPayGateway) RequestMAC(appID, appTransID, appUser, amount, appTime, embedData, item string) string {
	data := strings.Join([]string{
		strings.TrimSpace(appID),
		strings.TrimSpace(appTransID),
		strings.TrimSpace(appUser),
		strings.TrimSpace(amount),
		strings.TrimSpace(appTime),
		strings.TrimSpace(embedData),
		strings.TrimSpace(item),
	}, "|")
	return hmacSHA256Hex(g.cfg.Key1, data)
}

// VerifyCallback checks the notify MAC, which is keyed with key2 over a
// different tuple than the request MAC: app_id|app_trans_id|amount|status.
func (g *ZaloPayGateway) VerifyCallback(payload map[string]string) (*CallbackResult, error) {
	got := payload["mac"]
	if got == "" {
		return nil, ErrInvalidSignature
	}

	data := strings.Join([]string{
		strings.TrimSpace(payload["app_id"]),
		strings.TrimSpace(payload["app_trans_id"]),
		strings.TrimSpace(payload["amount"]),
		strings.TrimSpace(payload["status"]),
	}, "|")
	want := hmacSHA256Hex(g.cfg.Key2, data)
	if !hmac.Equal([]byte(want), []byte(got)) {
		return nil, ErrInvalidSignature
	}

	amount, _ := strconv.ParseInt(payload["amount"], 10, 64)
	status := CallbackFailed
	if payload["status"] == strconv.Itoa(zaloSuccessStatus) {
		status = CallbackSuccess
	}

	// app_trans_id is yymmdd_<payment id>; strip the date prefix to get
	// back our ref.
	ref := payload["app_trans_id"]
	if i := strings.Index(ref, "_"); i >= 0 {
		ref = ref[i+1:]
	}

	return &CallbackResult{
		Status:        status,
		PaymentRef:    ref,
		TransactionID: payload["zp_trans_id"],
		Amount:        amount,
		Code:          payload["status"],
		Raw:           rawMap(payload),
	}, nil
}
