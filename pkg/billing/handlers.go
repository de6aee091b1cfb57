package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime/debug"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/jacqui/squarelet/pkg/httputil"
)

// WebhookHandlers is the HTTP ingress for gateway webhook events
type WebhookHandlers struct {
	service *Service
	policy  *RetryPolicy
	logger  *logrus.Logger
}

// NewWebhookHandlers creates the webhook ingress handlers
func NewWebhookHandlers(service *Service, policy *RetryPolicy, logger *logrus.Logger) *WebhookHandlers {
	return &WebhookHandlers{
		service: service,
		policy:  policy,
		logger:  logger,
	}
}

// RegisterRoutes registers the webhook routes on the router
func (h *WebhookHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/webhooks/stripe", h.HandleWebhook).Methods(http.MethodPost)
}

// webhookEnvelope is the outer shape of a gateway event
type webhookEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// HandleWebhook dispatches a gateway event to its handler. Charge events
// are acknowledged immediately and processed in the background so gateway
// delivery timeouts never race the retry policy's backoff.
func (h *WebhookHandlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	var envelope webhookEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		httputil.WriteBadRequest(w, "invalid webhook payload")
		return
	}

	logger := h.logger.WithFields(logrus.Fields{
		"event": envelope.ID,
		"type":  envelope.Type,
	})

	switch envelope.Type {
	case "charge.succeeded":
		var event ChargeEvent
		if err := json.Unmarshal(envelope.Data.Object, &event); err != nil {
			httputil.WriteBadRequest(w, "invalid charge payload")
			return
		}
		h.safeGo(func(ctx context.Context) {
			h.service.ProcessChargeSucceeded(ctx, h.policy, &event)
		})
		httputil.WriteAccepted(w)

	case "invoice.payment_failed":
		var event InvoiceFailedEvent
		if err := json.Unmarshal(envelope.Data.Object, &event); err != nil {
			httputil.WriteBadRequest(w, "invalid invoice payload")
			return
		}
		if err := h.service.HandleInvoiceFailed(r.Context(), &event); err != nil {
			logger.WithError(err).Error("failed to handle payment failure")
			httputil.WriteInternalError(w, err)
			return
		}
		httputil.WriteSuccess(w, map[string]string{"status": "processed"})

	default:
		// acknowledge unhandled event types so the gateway stops resending
		logger.Debug("ignoring unhandled webhook type")
		httputil.WriteSuccess(w, map[string]string{"status": "ignored"})
	}
}

// safeGo runs fn in a goroutine detached from the request, recovering
// panics so one bad event cannot take the server down.
func (h *WebhookHandlers) safeGo(fn func(context.Context)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				h.logger.WithFields(logrus.Fields{
					"panic": r,
					"stack": string(debug.Stack()),
				}).Error("panic in webhook processing")
			}
		}()
		fn(context.Background())
	}()
}
