// Package webhooks handles inbound lifecycle events relayed from payment processors. The relay
// normalises each processor's payload into an ingest.LifecycleEvent and authenticates with a
// shared secret (middleware.WebhookSecretMiddleware) before the body is read here.
package webhooks

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sitelicense/license-server/internal/api/apierror"
	"github.com/sitelicense/license-server/internal/ingest"
)

// maxEventBytes bounds the size of one event body
const maxEventBytes = 64 << 10

// Applier applies a lifecycle event exactly once
type Applier interface {
	Apply(ctx context.Context, ev ingest.LifecycleEvent) (*ingest.Result, error)
}

// LifecycleHandler receives lifecycle events
type LifecycleHandler struct {
	ingestor Applier
}

// NewLifecycleHandler creates a new lifecycle webhook handler
func NewLifecycleHandler(ingestor Applier) *LifecycleHandler {
	return &LifecycleHandler{ingestor: ingestor}
}

// @Summary      Receive a lifecycle event
// @Description  Applies a normalised purchase, renewal, cancellation, payment_failed or refund event.
// @Description  Events are idempotent on (source_processor, source_transaction_id, event_kind): a redelivery
// @Description  returns the stored outcome with replayed=true and changes nothing. Ignored events (no matching
// @Description  license, transition not allowed) are acknowledged with state=ignored so the relay stops retrying.
// @Tags         Webhooks
// @Accept       json
// @Produce      json
// @Param        X-Webhook-Secret  header  string                 true  "Shared relay secret"
// @Param        body              body    ingest.LifecycleEvent  true  "Normalised event"
// @Success      200  {object}  ingest.Result
// @Failure      400  {object}  map[string]interface{}  "Invalid event, with per-field messages"
// @Failure      401  {object}  map[string]interface{}  "Missing or wrong secret"
// @Failure      409  {object}  map[string]interface{}  "The same event is being applied right now, retryable"
// @Failure      503  {object}  map[string]interface{}  "Storage fault, retryable"
// @Router       /api/v1/events/lifecycle [post]
// HandleEvent processes POST /api/v1/events/lifecycle
func (h *LifecycleHandler) HandleEvent(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxEventBytes)

	var ev ingest.LifecycleEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		apierror.BadRequest(c, "Invalid event body: "+err.Error())
		return
	}

	res, err := h.ingestor.Apply(c.Request.Context(), ev)
	if err != nil {
		apierror.Write(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}
