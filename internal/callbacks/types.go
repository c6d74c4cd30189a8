package callbacks

import (
	"context"
	"errors"
	"time"

	"github.com/CedrosPay/holdledger/internal/money"
	"github.com/google/uuid"
)

const (
	EventMintRecorded        = "mint.recorded"
	EventSettlementCompleted = "settlement.completed"
)

// Actions carried by each settlement instruction.
const (
	ActionCapture = "capture" // capture Capture from the hold, release the rest
	ActionRelease = "release" // nothing was spent; cancel the hold
)

// Notifier delivers ledger events to the external capture pipeline.
type Notifier interface {
	MintRecorded(ctx context.Context, event MintEvent)
	SettlementCompleted(ctx context.Context, event SettlementEvent)
}

// NoopNotifier ignores all events.
type NoopNotifier struct{}

func (NoopNotifier) MintRecorded(context.Context, MintEvent)             {}
func (NoopNotifier) SettlementCompleted(context.Context, SettlementEvent) {}

// MintEvent announces a new or topped-up hold.
// EventID is the idempotency key; consumers must deduplicate on it.
type MintEvent struct {
	EventID        string    `json:"eventId"`
	EventType      string    `json:"eventType"`
	EventTimestamp time.Time `json:"eventTimestamp"`

	AccountID string       `json:"accountId"`
	IntentID  string       `json:"intentId"`
	Amount    money.Amount `json:"amount"`    // pledge amount after the mint
	Deposited money.Amount `json:"deposited"` // tokens credited by this call
	Policy    string       `json:"policy"`
	Token     string       `json:"token"`
}

// SettlementEvent carries the capture instructions produced by one settlement call.
// EventID is the idempotency key; consumers must deduplicate on it.
type SettlementEvent struct {
	EventID        string    `json:"eventId"`
	EventType      string    `json:"eventType"`
	EventTimestamp time.Time `json:"eventTimestamp"`

	Mode         string        `json:"mode"` // "account" or "batch"
	Token        string        `json:"token"`
	Currency     string        `json:"currency,omitempty"`
	Instructions []Instruction `json:"instructions"`
	SettledAt    time.Time     `json:"settledAt"`
}

// Instruction tells the pipeline what to do with one authorization hold.
type Instruction struct {
	AccountID string       `json:"accountId"`
	IntentID  string       `json:"intentId"`
	Action    string       `json:"action"`
	Capture   money.Amount `json:"capture"`
	Burned    money.Amount `json:"burned"`
	Pledged   money.Amount `json:"pledged"`
}

// ErrRelayDisabled is returned when no relay URL is configured.
var ErrRelayDisabled = errors.New("callbacks: relay disabled")

// generateEventID returns "evt_" followed by a random UUID.
func generateEventID() string {
	return "evt_" + uuid.NewString()
}

func prepareEventFields(eventID *string, eventType *string, eventTimestamp *time.Time, defaultEventType string) {
	if *eventID == "" {
		*eventID = generateEventID()
	}
	if *eventType == "" {
		*eventType = defaultEventType
	}
	if eventTimestamp.IsZero() {
		*eventTimestamp = time.Now().UTC()
	}
}

// PrepareMintEvent fills idempotency fields; an existing EventID is preserved.
func PrepareMintEvent(event *MintEvent) {
	prepareEventFields(&event.EventID, &event.EventType, &event.EventTimestamp, EventMintRecorded)
}

// PrepareSettlementEvent fills idempotency fields and derives each
// instruction's action from its capture amount.
func PrepareSettlementEvent(event *SettlementEvent) {
	prepareEventFields(&event.EventID, &event.EventType, &event.EventTimestamp, EventSettlementCompleted)
	if event.SettledAt.IsZero() {
		event.SettledAt = event.EventTimestamp
	}
	for i := range event.Instructions {
		if event.Instructions[i].Action != "" {
			continue
		}
		if event.Instructions[i].Capture > 0 {
			event.Instructions[i].Action = ActionCapture
		} else {
			event.Instructions[i].Action = ActionRelease
		}
	}
}
