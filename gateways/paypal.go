package gateways

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"payment-service/config"
	"payment-service/models"
)

const paypalHTTPTimeout = 15 * time.Second

// tokenSkew is subtracted from the provider-reported expiry so a cached
// token is never used in its final seconds.
const tokenSkew = 60 * time.Second

type PayPalGateway struct {
	cfg    config.PayPalConfig
	client *http.Client
	rdb    *redis.Client
	logger *zap.Logger
}

func NewPayPalGateway(cfg config.PayPalConfig, rdb *redis.Client, logger *zap.Logger) *PayPalGateway {
	return &PayPalGateway{
		cfg:    cfg,
		client: &http.Client{Timeout: paypalHTTPTimeout},
		rdb:    rdb,
		logger: logger,
	}
}

// tokenKey is keyed by environment so a sandbox/live switch invalidates the
// cached bearer instead of reusing it cross-environment.
func (g *PayPalGateway) tokenKey() string {
	return "paypal:access_token:" + g.cfg.Env
}

// AccessToken returns a cached client-credentials bearer token, fetching a
// fresh one from PayPal when the cache is empty.
func (g *PayPalGateway) AccessToken(ctx context.Context) (string, error) {
	if token, err := g.rdb.Get(ctx, g.tokenKey()).Result(); err == nil && token != "" {
		return token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.cfg.BaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(g.cfg.ClientID, g.cfg.Secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: paypal token request: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: paypal token returned HTTP %d", ErrProvider, resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decode paypal token: %v", ErrProvider, err)
	}

	ttl := time.Duration(body.ExpiresIn)*time.Second - tokenSkew
	if ttl > 0 {
		if err := g.rdb.Set(ctx, g.tokenKey(), body.AccessToken, ttl).Err(); err != nil {
			g.logger.Warn("failed to cache paypal token", zap.Error(err))
		}
	}
	return body.AccessToken, nil
}

func (g *PayPalGateway) call(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	token, err := g.AccessToken(ctx)
	if err != nil {
		return err
	}

	var body *bytes.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: paypal %s %s: %v", ErrProvider, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: paypal %s %s returned HTTP %d", ErrProvider, method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

type paypalOrderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
}

// CreatePayment creates a PayPal order; the returned ref is PayPal's order
// id, which the capture endpoint needs back.
func (g *PayPalGateway) CreatePayment(ctx context.Context, order *models.Order, payment *models.Payment) (*CreateResult, error) {
	value := fmt.Sprintf("%d", payment.Amount)
	if payment.Currency == models.CurrencyUSD {
		// PayPal wants decimal amounts; USD order amounts are stored in
		// cents.
		value = fmt.Sprintf("%d.%02d", payment.Amount/100, payment.Amount%100)
	}

	payload := map[string]interface{}{
		"intent": "CAPTURE",
		"purchase_units": []map[string]interface{}{{
			"reference_id": payment.ID.String(),
			"custom_id":    payment.OrderID.String(),
			"amount": map[string]string{
				"currency_code": string(payment.Currency),
				"value":         value,
			},
		}},
	}

	var resp paypalOrderResponse
	if err := g.call(ctx, http.MethodPost, "/v2/checkout/orders", payload, &resp); err != nil {
		return nil, err
	}

	approveURL := ""
	for _, l := range resp.Links {
		if l.Rel == "approve" {
			approveURL = l.Href
		}
	}

	return &CreateResult{
		TransactionRef: resp.ID,
		PayURL:         approveURL,
		Raw: map[string]interface{}{
			"id":     resp.ID,
			"status": resp.Status,
		},
	}, nil
}

type paypalCaptureResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		ReferenceID string `json:"reference_id"`
		CustomID    string `json:"custom_id"`
		Payments    struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
				Amount struct {
					Value        string `json:"value"`
					CurrencyCode string `json:"currency_code"`
				} `json:"amount"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

// CaptureOrder captures an approved PayPal order and returns the normalized
// outcome for the engine.
func (g *PayPalGateway) CaptureOrder(ctx context.Context, paypalOrderID string) (*CallbackResult, error) {
	var resp paypalCaptureResponse
	if err := g.call(ctx, http.MethodPost, "/v2/checkout/orders/"+paypalOrderID+"/capture", struct{}{}, &resp); err != nil {
		return nil, err
	}

	result := &CallbackResult{
		Status: CallbackFailed,
		Code:   resp.Status,
		Raw:    map[string]interface{}{"id": resp.ID, "status": resp.Status},
	}
	if resp.Status == "COMPLETED" {
		result.Status = CallbackSuccess
	}
	if len(resp.PurchaseUnits) > 0 {
		pu := resp.PurchaseUnits[0]
		result.PaymentRef = pu.ReferenceID
		if len(pu.Payments.Captures) > 0 {
			result.TransactionID = pu.Payments.Captures[0].ID
		}
	}
	return result, nil
}

// VerifyWebhook authenticates a webhook through PayPal's dedicated
// verification endpoint; PayPal webhooks carry no local HMAC to recompute.
func (g *PayPalGateway) VerifyWebhook(ctx context.Context, headers http.Header, body json.RawMessage) (bool, error) {
	payload := map[string]interface{}{
		"auth_algo":         headers.Get("Paypal-Auth-Algo"),
		"cert_url":          headers.Get("Paypal-Cert-Url"),
		"transmission_id":   headers.Get("Paypal-Transmission-Id"),
		"transmission_sig":  headers.Get("Paypal-Transmission-Sig"),
		"transmission_time": headers.Get("Paypal-Transmission-Time"),
		"webhook_id":        g.cfg.WebhookID,
		"webhook_event":     body,
	}

	var resp struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := g.call(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", payload, &resp); err != nil {
		return false, err
	}
	return resp.VerificationStatus == "SUCCESS", nil
}

// VerifyCallback implements the Gateway interface for redirect-style
// callbacks; webhook authenticity goes through VerifyWebhook instead.
func (g *PayPalGateway) VerifyCallback(payload map[string]string) (*CallbackResult, error) {
	ref := payload["token"]
	if ref == "" {
		return nil, fmt.Errorf("%w: missing paypal order token", ErrProvider)
	}
	return &CallbackResult{
		Status:     CallbackSuccess,
		PaymentRef: ref,
		Raw:        rawMap(payload),
	}, nil
}
