package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	stripeapi "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/webhook"

	"github.com/CedrosPay/holdledger/internal/config"
	"github.com/CedrosPay/holdledger/internal/ledger"
	"github.com/CedrosPay/holdledger/internal/logger"
	"github.com/CedrosPay/holdledger/internal/metrics"
	"github.com/CedrosPay/holdledger/internal/money"
)

// EventHoldAuthorized fires when a manual-capture PaymentIntent's capturable
// amount changes, which is when a card hold is placed or incremented.
const EventHoldAuthorized = "payment_intent.amount_capturable_updated"

const defaultAccountMetadataKey = "account_id"

// Webhook outcomes reported in metrics and HandleHold results.
const (
	OutcomeMinted    = "minted"
	OutcomeToppedUp  = "topped_up"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeRejected  = "rejected"
)

var (
	ErrWebhookNotConfigured = errors.New("stripe: webhook secret not configured")
	ErrInvalidWebhook       = errors.New("stripe: invalid webhook")
)

// Minter is the slice of the ledger used by webhook intake. MintOnce must
// refuse an intent already pledged to the account, so a redelivered hold is
// never minted twice.
type Minter interface {
	Owner() string
	MintOnce(ctx context.Context, caller, account, intentID string, amount money.Amount) (ledger.MintResult, error)
}

// Client turns verified Stripe hold webhooks into ledger mints. It never
// calls the Stripe API.
type Client struct {
	cfg     config.StripeConfig
	minter  Minter
	token   money.Token
	adapter *money.StripeAdapter
	metrics *metrics.Metrics
}

// NewClient wires webhook intake to the ledger.
func NewClient(cfg config.StripeConfig, minter Minter, token money.Token, metricsCollector *metrics.Metrics) *Client {
	if cfg.AccountMetadataKey == "" {
		cfg.AccountMetadataKey = defaultAccountMetadataKey
	}
	return &Client{
		cfg:     cfg,
		minter:  minter,
		token:   token,
		adapter: money.NewStripeAdapter(token),
		metrics: metricsCollector,
	}
}

// Adapter returns the amount converter for the ledger token.
func (c *Client) Adapter() *money.StripeAdapter {
	return c.adapter
}

// WebhookEvent wraps the subset of event fields we care about.
type WebhookEvent struct {
	ID              string
	Type            string
	PaymentIntentID string
	AccountID       string
	CaptureMethod   string
	Status          string
	Capturable      int64
	Currency        string
}

// ParseWebhook validates event signatures and normalises the payload.
func (c *Client) ParseWebhook(payload []byte, signature string) (WebhookEvent, error) {
	if c.cfg.WebhookSecret == "" {
		return WebhookEvent{}, ErrWebhookNotConfigured
	}
	event, err := webhook.ConstructEvent(payload, signature, c.cfg.WebhookSecret)
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: construct event: %v", ErrInvalidWebhook, err)
	}
	if event.Type != EventHoldAuthorized {
		return WebhookEvent{ID: event.ID, Type: event.Type}, nil
	}

	var intent stripeapi.PaymentIntent
	if err := jsonExtract(event.Data.Raw, &intent); err != nil {
		return WebhookEvent{}, err
	}
	if intent.ID == "" {
		return WebhookEvent{}, fmt.Errorf("%w: payment intent id missing", ErrInvalidWebhook)
	}

	// Nil-safe metadata access
	accountID := ""
	if intent.Metadata != nil {
		accountID = strings.TrimSpace(intent.Metadata[c.cfg.AccountMetadataKey])
	}
	if accountID == "" {
		return WebhookEvent{}, fmt.Errorf("%w: metadata %q missing on %s", ErrInvalidWebhook, c.cfg.AccountMetadataKey, intent.ID)
	}

	return WebhookEvent{
		ID:              event.ID,
		Type:            event.Type,
		PaymentIntentID: intent.ID,
		AccountID:       accountID,
		CaptureMethod:   string(intent.CaptureMethod),
		Status:          string(intent.Status),
		Capturable:      intent.AmountCapturable,
		Currency:        string(intent.Currency),
	}, nil
}

// HandleHold mints the hold described by event as the ledger owner and
// returns the outcome. Each PaymentIntent is minted at most once per account
// whatever the ledger's unique_intents setting. Redelivered webhooks are
// absorbed: an intent already pledged, or a capturable amount that did not
// grow under the topup policy, is reported as OutcomeDuplicate with a nil
// error. Under the multi policy an incremental authorization is not minted;
// only mint_policy topup follows a growing hold.
func (c *Client) HandleHold(ctx context.Context, event WebhookEvent) (string, error) {
	outcome, err := c.handleHold(ctx, event)
	if c.metrics != nil {
		c.metrics.ObserveWebhook(event.Type, outcome)
	}
	log := logger.FromContext(ctx)
	if err != nil {
		log.Warn().Err(err).
			Str("event_id", event.ID).
			Str("payment_intent", event.PaymentIntentID).
			Msg("stripe.webhook.rejected")
		return outcome, err
	}
	log.Info().
		Str("event_id", event.ID).
		Str("event_type", event.Type).
		Str("payment_intent", event.PaymentIntentID).
		Str("account", logger.TruncateAddress(event.AccountID)).
		Str("outcome", outcome).
		Msg("stripe.webhook")
	return outcome, nil
}

func (c *Client) handleHold(ctx context.Context, event WebhookEvent) (string, error) {
	if event.Type != EventHoldAuthorized {
		return OutcomeIgnored, nil
	}
	if event.CaptureMethod != string(stripeapi.PaymentIntentCaptureMethodManual) {
		return OutcomeRejected, fmt.Errorf("%w: %s is not a manual-capture intent", ErrInvalidWebhook, event.PaymentIntentID)
	}
	// A capturable amount of zero means the hold was captured or canceled.
	if event.Capturable == 0 || event.Status != string(stripeapi.PaymentIntentStatusRequiresCapture) {
		return OutcomeIgnored, nil
	}

	amount, err := c.adapter.FromStripeAmount(event.Currency, event.Capturable)
	if err != nil {
		return OutcomeRejected, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}

	res, err := c.minter.MintOnce(ctx, c.minter.Owner(), event.AccountID, event.PaymentIntentID, amount)
	var dup *ledger.DuplicateIntentError
	switch {
	case errors.As(err, &dup):
		if amount > dup.Pledged {
			log := logger.FromContext(ctx)
			log.Warn().
				Str("event_id", event.ID).
				Str("payment_intent", event.PaymentIntentID).
				Str("account", logger.TruncateAddress(event.AccountID)).
				Str("pledged", dup.Pledged.Format(c.token)).
				Str("unminted", (amount - dup.Pledged).Format(c.token)).
				Msg("stripe.webhook.hold_increase_not_minted")
		}
		return OutcomeDuplicate, nil
	case errors.Is(err, ledger.ErrDuplicateIntent), errors.Is(err, ledger.ErrBalanceDecrease):
		return OutcomeDuplicate, nil
	case err != nil:
		return OutcomeRejected, err
	case res.ToppedUp:
		return OutcomeToppedUp, nil
	default:
		return OutcomeMinted, nil
	}
}

func jsonExtract(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: payload empty", ErrInvalidWebhook)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode payload: %v", ErrInvalidWebhook, err)
	}
	return nil
}
