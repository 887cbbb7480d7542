package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fitpay/internal/core"
	"fitpay/internal/gateway"
	"fitpay/internal/settlement"
	"fitpay/internal/types"
)

// Callback bodies are small JSON documents; anything bigger is abuse.
const maxCallbackBody = 256 * 1024

// EventStore archives raw callback payloads before any parsing happens.
type EventStore interface {
	Insert(ctx context.Context, provider types.PaymentMethod, externalRef string, payload []byte) error
}

// CallbackProcessor applies a verified callback event.
type CallbackProcessor interface {
	Process(ctx context.Context, ev *gateway.CallbackEvent) (*settlement.Result, error)
}

// WebhooksHandler terminates the four provider callback endpoints. Each
// endpoint archives the raw body, then verifies, parses and processes:
// archiving comes first so a delivery that fails verification can still
// be investigated.
type WebhooksHandler struct {
	router    *gateway.Router
	events    EventStore
	processor CallbackProcessor
	logger    *slog.Logger
}

func NewWebhooksHandler(router *gateway.Router, events EventStore, processor CallbackProcessor, logger *slog.Logger) *WebhooksHandler {
	return &WebhooksHandler{
		router:    router,
		events:    events,
		processor: processor,
		logger:    logger,
	}
}

func (h *WebhooksHandler) RegisterRoutes(r chi.Router) {
	r.Post("/v1/webhooks/paytabs", h.handle(types.MethodCard, func(r *http.Request) gateway.CallbackHeader {
		return gateway.CallbackHeader{Signature: r.Header.Get("Signature")}
	}))
	r.Post("/v1/webhooks/stcpay", h.handle(types.MethodWallet, signedHeader))
	r.Post("/v1/webhooks/sadad", h.handle(types.MethodBillPay, signedHeader))
	r.Post("/v1/webhooks/tamara", h.handle(types.MethodBNPL, signedHeader))
}

func signedHeader(r *http.Request) gateway.CallbackHeader {
	return gateway.CallbackHeader{
		Signature: r.Header.Get("X-Signature"),
		APIKey:    r.Header.Get("X-API-Key"),
		Timestamp: r.Header.Get("X-Timestamp"),
	}
}

func (h *WebhooksHandler) handle(method types.PaymentMethod, headerFn func(*http.Request) gateway.CallbackHeader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBody))
		if err != nil {
			core.Error(w, h.logger, types.NewAppError(types.ErrCodeValidationPayloadTooBig,
				"callback body too large or unreadable", err))
			return
		}

		if err := h.events.Insert(ctx, method, "", body); err != nil {
			// The audit copy is best effort; the settlement path is the
			// source of truth.
			h.logger.WarnContext(ctx, "failed to archive callback payload",
				"provider", method, "error", err)
		}

		adapter, err := h.router.CallbackAdapter(method)
		if err != nil {
			core.Error(w, h.logger, err)
			return
		}
		ev, err := adapter.ParseCallback(body, headerFn(r))
		if err != nil {
			core.Error(w, h.logger, err)
			return
		}

		result, err := h.processor.Process(ctx, ev)
		if err != nil {
			core.Error(w, h.logger, err)
			return
		}

		h.logger.InfoContext(ctx, "callback processed",
			"provider", method,
			"status", ev.Status,
			"disposition", result.Disposition,
			"provider_tx_ref", ev.ProviderTxRef,
		)
		core.JSON(w, http.StatusOK, result)
	}
}
