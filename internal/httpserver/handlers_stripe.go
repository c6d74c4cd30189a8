package httpserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	apierrors "github.com/CedrosPay/holdledger/internal/errors"
	"github.com/CedrosPay/holdledger/internal/logger"
	stripesvc "github.com/CedrosPay/holdledger/internal/stripe"
	"github.com/CedrosPay/holdledger/pkg/responders"
)

// maxWebhookBytes matches Stripe's documented event size ceiling.
const maxWebhookBytes = 512 << 10

// handleStripeWebhook verifies a Stripe delivery and mints the hold it
// describes. Non-2xx responses make Stripe redeliver, so only store failures
// return 5xx.
func (h *handlers) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	if h.stripe == nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeConfigError, "stripe webhook intake not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		log.Error().
			Err(err).
			Msg("stripe.webhook.read_body_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, fmt.Sprintf("read body: %v", err))
		return
	}

	event, err := h.stripe.ParseWebhook(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		log.Warn().
			Err(err).
			Msg("stripe.webhook.invalid_signature")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidWebhook, err.Error())
		return
	}

	outcome, err := h.stripe.HandleHold(r.Context(), event)
	if err != nil {
		code := apierrors.FromLedgerError(err)
		if errors.Is(err, stripesvc.ErrInvalidWebhook) {
			code = apierrors.ErrCodeInvalidWebhook
		}
		apierrors.WriteSimpleError(w, code, apierrors.PublicMessage(code, err))
		return
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"received": true,
		"type":     event.Type,
		"outcome":  outcome,
	})
}
