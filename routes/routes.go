package routes

import (
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"payment-service/controllers"
	"payment-service/middleware"
)

// Controllers bundles everything the router mounts.
type Controllers struct {
	Payment *controllers.PaymentController
	MoMo    *controllers.MoMoController
	VNPay   *controllers.VNPayController
	ZaloPay *controllers.ZaloPayController
	PayPal  *controllers.PayPalController
	Stripe  *controllers.StripeController
}

// Register mounts all payment routes. Webhook and return endpoints are
// provider-authenticated by signature, not by bearer token, so they sit
// outside the auth group behind a rate limit.
func Register(r *gin.Engine, ctl Controllers, jwtSecret string) {
	r.GET("/health", ctl.Payment.Health)

	webhookLimit := middleware.RateLimit(rate.Limit(20), 40)

	payment := r.Group("/payment")
	{
		// Provider callbacks.
		payment.GET("/momo/returnMomoOrder", webhookLimit, ctl.MoMo.ReturnMomoOrder)
		payment.POST("/momo/momoWebhook", webhookLimit, ctl.MoMo.MomoWebhook)
		payment.GET("/order/vnpay_return", webhookLimit, ctl.VNPay.VnPayReturn)
		payment.GET("/order/vnpay-ipn", webhookLimit, ctl.VNPay.VnPayIPN)
		payment.POST("/zalopay/handleZaloPayNotify", webhookLimit, ctl.ZaloPay.HandleZaloPayNotify)
		payment.GET("/zalopay/handZaloPayReturn", webhookLimit, ctl.ZaloPay.HandZaloPayReturn)
		payment.GET("/paypal/captureOrder", webhookLimit, ctl.PayPal.CaptureOrder)
		payment.POST("/paypal/webhook", webhookLimit, ctl.PayPal.Webhook)
		payment.GET("/stripe/captureSession", webhookLimit, ctl.Stripe.CaptureSession)
		payment.POST("/stripe/webhook", webhookLimit, ctl.Stripe.Webhook)

		auth := payment.Group("", middleware.Auth(jwtSecret))
		{
			auth.POST("/add", ctl.Payment.AddPayment)
			auth.GET("/:id", ctl.Payment.GetPayment)
			auth.PUT("/:id", ctl.Payment.UpdatePayment)
			auth.GET("/:id/transactions", ctl.Payment.ListTransactions)

			auth.POST("/momo/createMomoOrder", ctl.MoMo.CreateMomoOrder)
			auth.POST("/vnpay/createVnPayOrder", ctl.VNPay.CreateVnPayOrder)
			auth.POST("/zalopay/createZaloPayPayment", ctl.ZaloPay.CreateZaloPayPayment)
			auth.POST("/paypal/createOrder", ctl.PayPal.CreateOrder)
			auth.POST("/stripe/createCheckoutSession", ctl.Stripe.CreateCheckoutSession)

			admin := auth.Group("", middleware.AdminOnly())
			{
				admin.GET("", ctl.Payment.ListPayments)
				admin.DELETE("/:id", ctl.Payment.DeletePayment)
				admin.POST("/refund/:id", ctl.Payment.RefundPayment)
				admin.POST("/payment/:id/confirm", ctl.Payment.ConfirmPayment)
			}
		}
	}
}
