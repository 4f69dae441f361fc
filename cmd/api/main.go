package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"

	"github.com/commercekit/checkout-saga/internal/address"
	"github.com/commercekit/checkout-saga/internal/aws"
	"github.com/commercekit/checkout-saga/internal/checkout"
	"github.com/commercekit/checkout-saga/internal/handlers"
	"github.com/commercekit/checkout-saga/internal/idempotency"
	"github.com/commercekit/checkout-saga/internal/inventory"
	"github.com/commercekit/checkout-saga/internal/orders"
	"github.com/commercekit/checkout-saga/internal/payment"
	"github.com/commercekit/checkout-saga/internal/shipping"
)

func setupRouter(cfg handlers.HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.RegisterRoutes(r, cfg)

	return r
}

func buildQuoter() *shipping.Quoter {
	carriers := []shipping.CarrierAdapter{
		&shipping.TableCarrier{
			CarrierName:   "table",
			BaseCents:     600,
			CentsPerKilo:  150,
			Currency:      "USD",
			EstimatedDays: 5,
		},
	}
	tenants := map[string]shipping.TenantRateConfig{
		"": {
			Origin: address.Address{
				Line1:      envOr("SHIP_ORIGIN_LINE1", "1 Warehouse Way"),
				City:       envOr("SHIP_ORIGIN_CITY", "Oakland"),
				Region:     envOr("SHIP_ORIGIN_REGION", "CA"),
				PostalCode: envOr("SHIP_ORIGIN_ZIP", "94607"),
				Country:    "US",
			},
			Fallback: shipping.Rate{
				Carrier:       "fallback",
				Service:       "ground",
				AmountCents:   1500,
				Currency:      "USD",
				EstimatedDays: 7,
			},
		},
	}
	return shipping.NewQuoter(shipping.NewRateCache(15*time.Minute), carriers, tenants, shipping.DefaultQuoterConfig())
}

func buildPaymentAdapter() payment.Adapter {
	switch os.Getenv("PAYMENT_PROVIDER") {
	case "", "sandbox":
		return payment.SandboxAdapter{}
	default:
		log.Fatalf("unknown PAYMENT_PROVIDER %q", os.Getenv("PAYMENT_PROVIDER"))
		return nil
	}
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func main() {
	clients, err := aws.NewAWSClients(context.Background())
	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}

	metrics := aws.NewMetrics(clients.CloudWatch, envOr("METRICS_NAMESPACE", "CheckoutSaga"))
	orderStore := orders.NewStore(clients.DynamoDB, os.Getenv("ORDERS_TABLE"))
	stock := inventory.NewManager(clients.DynamoDB,
		os.Getenv("INVENTORY_LEVELS_TABLE"), os.Getenv("RESERVATIONS_TABLE"), 30*time.Minute)

	orchestrator := &checkout.Orchestrator{
		Ledger:    idempotency.NewStore(clients.DynamoDB, os.Getenv("IDEMPOTENCY_TABLE"), 48*time.Hour, 30*time.Second),
		Stock:     stock,
		Orders:    orderStore,
		Quoter:    buildQuoter(),
		Payments:  buildPaymentAdapter(),
		Addresses: address.BasicNormalizer{},
		Compensator: &checkout.CompensationEngine{
			Orders:  orderStore,
			Stock:   stock,
			Log:     checkout.NewCompensationLog(clients.DynamoDB, os.Getenv("COMPENSATION_LOG_TABLE")),
			Metrics: metrics,
		},
		Metrics:     metrics,
		SagaTimeout: 30 * time.Second,
	}

	cfg := handlers.HandlerConfig{
		Committer:     orchestrator,
		Quoter:        orchestrator,
		Orders:        orderStore,
		Publisher:     aws.NewPublisher(clients.SQS, os.Getenv("WEBHOOK_QUEUE_URL")),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		Metrics:       metrics,
	}

	r := setupRouter(cfg)

	// RUN_LOCAL=true serves plain HTTP for development instead of Lambda.
	if os.Getenv("RUN_LOCAL") == "true" {
		addr := ":8080"
		log.Printf("running local server on %s", addr)
		if err := r.Run(addr); err != nil {
			log.Fatalf("failed to run local server: %v", err)
		}
		return
	}

	adapter := ginadapter.New(r)
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (interface{}, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
