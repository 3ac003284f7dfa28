package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"payment-service/awsx"
	"payment-service/config"
	"payment-service/controllers"
	"payment-service/database"
	"payment-service/gateways"
	"payment-service/models"
	"payment-service/repository"
	"payment-service/routes"
	"payment-service/services"
)

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, db, err := database.Connect(connectCtx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		logger.Fatal("failed to connect to mongo", zap.Error(err))
	}
	defer database.Close(client)

	if err := repository.EnsurePaymentIndexes(connectCtx, db); err != nil {
		logger.Fatal("failed to ensure payment indexes", zap.Error(err))
	}

	rdb, err := database.ConnectRedis(connectCtx, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	payments := repository.NewMongoPaymentRepo(db)
	transactions := repository.NewMongoTransactionRepo(db)
	orders := repository.NewMongoOrderRepo(db)
	phones := repository.NewMongoPhoneRepo(db)
	users := repository.NewMongoUserRepo(db)
	notifications := repository.NewMongoNotificationRepo(db)

	// SNS is a best-effort side-channel; without AWS credentials the sink
	// still writes in-app notifications.
	var publisher services.SNSPublisher
	if awsCfg, err := awsx.LoadConfig(connectCtx); err != nil {
		logger.Warn("aws config unavailable, sns publishing disabled", zap.Error(err))
	} else {
		publisher = awsx.NewSNSClient(awsCfg)
	}

	sink := services.NewNotificationService(notifications, users, publisher, cfg.PaymentSNSTopicARN, logger)
	stock := services.NewStockCoordinator(phones, logger)

	registry := gateways.NewRegistry()
	registry.Register(models.MethodMoMo, gateways.NewMoMoGateway(cfg.MoMo, logger))
	registry.Register(models.MethodVNPay, gateways.NewVNPayGateway(cfg.VNPay, logger))
	registry.Register(models.MethodZaloPay, gateways.NewZaloPayGateway(cfg.ZaloPay, logger))
	paypalGW := gateways.NewPayPalGateway(cfg.PayPal, rdb, logger)
	registry.Register(models.MethodPayPal, paypalGW)
	stripeGW := gateways.NewStripeGateway(cfg.Stripe, logger)
	registry.Register(models.MethodStripe, stripeGW)

	engine := services.NewPaymentEngine(
		payments, transactions, orders, phones, users,
		stock, sink, registry, cfg.PaymentExpiry, logger,
	)

	worker := services.NewExpiryWorker(engine, cfg.ExpirySweepInterval, logger)
	go worker.Run(ctx)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	routes.Register(router, routes.Controllers{
		Payment: controllers.NewPaymentController(engine, logger),
		MoMo:    controllers.NewMoMoController(engine, logger),
		VNPay:   controllers.NewVNPayController(engine, logger),
		ZaloPay: controllers.NewZaloPayController(engine, logger),
		PayPal:  controllers.NewPayPalController(engine, paypalGW, logger),
		Stripe:  controllers.NewStripeController(engine, stripeGW, logger),
	}, cfg.JWTSecret)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("payment service listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
