package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type MoMoConfig struct {
	PartnerCode string
	AccessKey   string
	SecretKey   string
	Endpoint    string
	ReturnURL   string
	NotifyURL   string
}

type VNPayConfig struct {
	TmnCode    string
	HashSecret string
	PayURL     string
	ReturnURL  string
}

type ZaloPayConfig struct {
	AppID     string
	Key1      string
	Key2      string
	Endpoint  string
	ReturnURL string
	NotifyURL string
}

type PayPalConfig struct {
	ClientID  string
	Secret    string
	BaseURL   string // sandbox or live
	WebhookID string
	Env       string
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
}

type Config struct {
	Port     string
	Env      string
	MongoURI string
	MongoDB  string

	RedisAddr     string
	RedisPassword string

	JWTSecret string

	MoMo    MoMoConfig
	VNPay   VNPayConfig
	ZaloPay ZaloPayConfig
	PayPal  PayPalConfig
	Stripe  StripeConfig

	// PaymentExpiry is how long a pending MoMo/ZaloPay/VietQR payment is
	// valid before the expiry sweep cancels it.
	PaymentExpiry time.Duration
	// ExpirySweepInterval is the cadence of the background sweep.
	ExpirySweepInterval time.Duration

	PaymentSNSTopicARN string
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:          getEnv("PORT", "8087"),
		Env:           getEnv("APP_ENV", "development"),
		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:       getEnv("MONGO_DB", "phone_store"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		MoMo: MoMoConfig{
			PartnerCode: os.Getenv("MOMO_PARTNER_CODE"),
			AccessKey:   os.Getenv("MOMO_ACCESS_KEY"),
			SecretKey:   os.Getenv("MOMO_SECRET_KEY"),
			Endpoint:    getEnv("MOMO_ENDPOINT", "https://test-payment.momo.vn/v2/gateway/api/create"),
			ReturnURL:   os.Getenv("MOMO_RETURN_URL"),
			NotifyURL:   os.Getenv("MOMO_NOTIFY_URL"),
		},
		VNPay: VNPayConfig{
			TmnCode:    os.Getenv("VNPAY_TMN_CODE"),
			HashSecret: os.Getenv("VNPAY_HASH_SECRET"),
			PayURL:     getEnv("VNPAY_PAY_URL", "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html"),
			ReturnURL:  os.Getenv("VNPAY_RETURN_URL"),
		},
		ZaloPay: ZaloPayConfig{
			AppID:     os.Getenv("ZALOPAY_APP_ID"),
			Key1:      os.Getenv("ZALOPAY_KEY1"),
			Key2:      os.Getenv("ZALOPAY_KEY2"),
			Endpoint:  getEnv("ZALOPAY_ENDPOINT", "https://sb-openapi.zalopay.vn/v2/create"),
			ReturnURL: os.Getenv("ZALOPAY_RETURN_URL"),
			NotifyURL: os.Getenv("ZALOPAY_NOTIFY_URL"),
		},
		PayPal: PayPalConfig{
			ClientID:  os.Getenv("PAYPAL_CLIENT_ID"),
			Secret:    os.Getenv("PAYPAL_SECRET"),
			WebhookID: os.Getenv("PAYPAL_WEBHOOK_ID"),
			Env:       getEnv("PAYPAL_ENV", "sandbox"),
		},
		Stripe: StripeConfig{
			SecretKey:     os.Getenv("STRIPE_API_KEY"),
			WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
			SuccessURL:    getEnv("STRIPE_SUCCESS_URL", "http://localhost:3000/payment/success"),
			CancelURL:     getEnv("STRIPE_CANCEL_URL", "http://localhost:3000/payment/cancel"),
		},
		PaymentExpiry:       getDuration("PAYMENT_EXPIRY_MINUTES", 15) * time.Minute,
		ExpirySweepInterval: getDuration("EXPIRY_SWEEP_SECONDS", 60) * time.Second,
		PaymentSNSTopicARN:  getEnv("PAYMENT_SNS_TOPIC_ARN", "arn:aws:sns:eu-west-2:000000000000:payment-events"),
	}

	if cfg.PayPal.Env == "live" {
		cfg.PayPal.BaseURL = "https://api-m.paypal.com"
	} else {
		cfg.PayPal.BaseURL = "https://api-m.sandbox.paypal.com"
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("missing required environment variable JWT_SECRET")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getDuration(key string, fallback int64) time.Duration {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil && n > 0 {
			return time.Duration(n)
		}
	}
	return time.Duration(fallback)
}
