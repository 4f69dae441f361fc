package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/commercekit/checkout-saga/internal/aws"
	"github.com/commercekit/checkout-saga/internal/checkout"
	"github.com/commercekit/checkout-saga/internal/idempotency"
	"github.com/commercekit/checkout-saga/internal/inventory"
	"github.com/commercekit/checkout-saga/internal/orders"
	"github.com/commercekit/checkout-saga/internal/webhook"
)

func buildProcessor(ctx context.Context) *Processor {
	clients, err := aws.NewAWSClients(ctx)
	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}

	metrics := aws.NewMetrics(clients.CloudWatch, envOr("METRICS_NAMESPACE", "CheckoutSaga"))
	orderStore := orders.NewStore(clients.DynamoDB, os.Getenv("ORDERS_TABLE"))
	stock := inventory.NewManager(clients.DynamoDB,
		os.Getenv("INVENTORY_LEVELS_TABLE"), os.Getenv("RESERVATIONS_TABLE"), 30*time.Minute)
	ledger := idempotency.NewStore(clients.DynamoDB, os.Getenv("IDEMPOTENCY_TABLE"), 48*time.Hour, 30*time.Second)

	reconciler := &webhook.Reconciler{
		Events: webhook.NewEventStore(clients.DynamoDB, os.Getenv("WEBHOOK_EVENTS_TABLE"), 72*time.Hour),
		Orders: orderStore,
		Stock:  stock,
		Ledger: ledger,
		Compensator: &checkout.CompensationEngine{
			Orders:  orderStore,
			Stock:   stock,
			Log:     checkout.NewCompensationLog(clients.DynamoDB, os.Getenv("COMPENSATION_LOG_TABLE")),
			Metrics: metrics,
		},
		Metrics: metrics,
	}

	return &Processor{
		Reconciler:     reconciler,
		Stock:          stock,
		Ledger:         ledger,
		UncertainAfter: 24 * time.Hour,
	}
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func main() {
	ctx := context.Background()
	p := buildProcessor(ctx)

	// RUN_LOCAL=true runs one sweep pass (or processes LOCAL_SQS_BODY as a
	// single queued event) and exits, for development against a local stack.
	if os.Getenv("RUN_LOCAL") == "true" {
		if body := os.Getenv("LOCAL_SQS_BODY"); body != "" {
			ev := events.SQSEvent{Records: []events.SQSMessage{{Body: body}}}
			if err := p.HandleSQS(ctx, ev); err != nil {
				log.Fatalf("local handler error: %v", err)
			}
			return
		}
		if err := p.RunSweeps(ctx); err != nil {
			log.Fatalf("local sweep error: %v", err)
		}
		return
	}

	// One binary serves both triggers: SQS delivers webhook events, the
	// scheduler invokes the sweeps. Dispatch on the raw event shape.
	lambda.Start(func(ctx context.Context, raw json.RawMessage) error {
		var sqsEvent events.SQSEvent
		if err := json.Unmarshal(raw, &sqsEvent); err == nil && len(sqsEvent.Records) > 0 {
			return p.HandleSQS(ctx, sqsEvent)
		}
		return p.RunSweeps(ctx)
	})
}
