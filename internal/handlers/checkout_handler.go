package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/commercekit/checkout-saga/internal/aws"
	"github.com/commercekit/checkout-saga/internal/checkout"
	"github.com/commercekit/checkout-saga/internal/orders"
	"github.com/commercekit/checkout-saga/internal/payment"
	"github.com/commercekit/checkout-saga/internal/validation"
	"github.com/commercekit/checkout-saga/internal/webhook"
)

// Committer runs the commit saga for one request.
type Committer interface {
	Commit(ctx context.Context, tenantID, key string, req validation.CommitRequest) (checkout.CommitResult, error)
}

// Previewer quotes shipping and issues the address fingerprint for a later
// commit.
type Previewer interface {
	Preview(ctx context.Context, tenantID string, req validation.QuoteRequest) (checkout.PreviewResult, error)
}

// OrderReader serves order lookups.
type OrderReader interface {
	Get(ctx context.Context, orderID string) (*orders.Order, error)
}

// EventPublisher hands verified webhook payloads to the worker queue.
type EventPublisher interface {
	Send(ctx context.Context, messageBody string, attributes map[string]string) error
}

// HandlerConfig groups dependencies for the HTTP layer.
type HandlerConfig struct {
	Committer     Committer
	Quoter        Previewer
	Orders        OrderReader
	Publisher     EventPublisher
	WebhookSecret string
	Metrics       *aws.Metrics
}

// RegisterRoutes wires the checkout API onto the router.
func RegisterRoutes(r *gin.Engine, cfg HandlerConfig) {
	v := validation.New()

	r.POST("/checkout/commit", func(c *gin.Context) {
		ctx := c.Request.Context()

		tenantID := c.GetHeader("X-Tenant-ID")
		if tenantID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_tenant_id"})
			return
		}
		key := c.GetHeader("Idempotency-Key")
		if key == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_idempotency_key"})
			return
		}

		var req validation.CommitRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			// BindAndValidate already wrote a 400
			return
		}

		res, err := cfg.Committer.Commit(ctx, tenantID, key, req)
		if err != nil {
			kind := checkout.KindOf(err)
			c.JSON(checkout.HTTPStatus(kind), gin.H{"error": kind, "detail": err.Error()})
			return
		}

		if res.PaymentPending {
			// Capture outcome unknown; the reconciler finishes the saga.
			c.JSON(http.StatusAccepted, gin.H{
				"order_id":        res.OrderID,
				"status":          res.Status,
				"payment_pending": true,
			})
			return
		}

		status := http.StatusCreated
		if res.Replayed {
			status = http.StatusOK
		}
		c.Header("Location", fmt.Sprintf("/orders/%s", res.OrderID))
		c.JSON(status, gin.H{"order_id": res.OrderID, "status": res.Status})
	})

	r.POST("/checkout/quote", func(c *gin.Context) {
		tenantID := c.GetHeader("X-Tenant-ID")
		if tenantID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_tenant_id"})
			return
		}

		var req validation.QuoteRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}

		res, err := cfg.Quoter.Preview(c.Request.Context(), tenantID, req)
		if err != nil {
			kind := checkout.KindOf(err)
			c.JSON(checkout.HTTPStatus(kind), gin.H{"error": kind, "detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	})

	r.GET("/orders/:order_id", func(c *gin.Context) {
		tenantID := c.GetHeader("X-Tenant-ID")
		if tenantID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_tenant_id"})
			return
		}

		ord, err := cfg.Orders.Get(c.Request.Context(), c.Param("order_id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "order_lookup_failed"})
			return
		}
		// A foreign tenant's order is indistinguishable from a missing one.
		if ord == nil || ord.TenantID != tenantID {
			c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
			return
		}
		c.JSON(http.StatusOK, ord)
	})

	r.POST("/webhooks/payment", func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
			return
		}

		sig := c.GetHeader("X-Provider-Signature")
		if err := payment.VerifySignature(body, sig, cfg.WebhookSecret, time.Now()); err != nil {
			cfg.Metrics.Count(c.Request.Context(), "WebhookRejected", 1, nil)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
			return
		}

		var evt webhook.PaymentEvent
		if err := json.Unmarshal(body, &evt); err != nil || evt.EventID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed_event"})
			return
		}

		// Ack fast, process async: the worker consumes from the queue.
		attrs := map[string]string{
			"event_id":   evt.EventID,
			"event_type": evt.Type,
		}
		if err := cfg.Publisher.Send(c.Request.Context(), string(body), attrs); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue_failed"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"received": true})
	})
}
