package stripe

import (
	"fmt"

	stripeapi "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/form"

	"github.com/CedrosPay/holdledger/internal/ledger"
	"github.com/CedrosPay/holdledger/internal/money"
)

// Directive actions.
const (
	DirectiveCapture = "capture"
	DirectiveCancel  = "cancel"
)

// cancelReason is sent when none of a hold was spent.
const cancelReason = "abandoned"

// Directive is the Stripe call the payment pipeline should make for one hold.
// Endpoint and Body are the rendered form request; the typed params are kept
// for callers that drive stripe-go directly.
type Directive struct {
	AccountID       string `json:"account_id"`
	PaymentIntentID string `json:"payment_intent_id"`
	Action          string `json:"action"`
	AmountToCapture int64  `json:"amount_to_capture,omitempty"`
	Currency        string `json:"currency"`
	Endpoint        string `json:"endpoint"`
	Body            string `json:"body"`
	IdempotencyKey  string `json:"idempotency_key"`

	Capture *stripeapi.PaymentIntentCaptureParams `json:"-"`
	Cancel  *stripeapi.PaymentIntentCancelParams  `json:"-"`
}

// RenderDirectives converts settlement instructions into Stripe capture or
// cancel calls. Capturing less than the hold releases the remainder, so a
// partial capture needs no separate release.
func RenderDirectives(adapter *money.StripeAdapter, instructions []ledger.CaptureInstruction) ([]Directive, error) {
	out := make([]Directive, 0, len(instructions))
	for _, in := range instructions {
		d, err := renderDirective(adapter, in)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func renderDirective(adapter *money.StripeAdapter, in ledger.CaptureInstruction) (Directive, error) {
	currency, minor, err := adapter.ToStripeAmount(in.Amount)
	if err != nil {
		return Directive{}, fmt.Errorf("stripe: render %s: %w", in.IntentID, err)
	}

	d := Directive{
		AccountID:       in.AccountID,
		PaymentIntentID: in.IntentID,
		Currency:        currency,
	}
	values := &form.Values{}

	if minor > 0 {
		params := &stripeapi.PaymentIntentCaptureParams{
			AmountToCapture: stripeapi.Int64(minor),
		}
		d.IdempotencyKey = "capture_" + in.IntentID
		params.SetIdempotencyKey(d.IdempotencyKey)
		form.AppendTo(values, params)

		d.Action = DirectiveCapture
		d.AmountToCapture = minor
		d.Endpoint = "/v1/payment_intents/" + in.IntentID + "/capture"
		d.Capture = params
	} else {
		params := &stripeapi.PaymentIntentCancelParams{
			CancellationReason: stripeapi.String(cancelReason),
		}
		d.IdempotencyKey = "cancel_" + in.IntentID
		params.SetIdempotencyKey(d.IdempotencyKey)
		form.AppendTo(values, params)

		d.Action = DirectiveCancel
		d.Endpoint = "/v1/payment_intents/" + in.IntentID + "/cancel"
		d.Cancel = params
	}

	d.Body = values.Encode()
	return d, nil
}
