package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/CedrosPay/holdledger/internal/ledger"
	"github.com/CedrosPay/holdledger/internal/logger"
	stripesvc "github.com/CedrosPay/holdledger/internal/stripe"
	"github.com/CedrosPay/holdledger/pkg/responders"
)

type burnWindowResponse struct {
	Open bool `json:"open"`
}

func (h *handlers) burnWindow(w http.ResponseWriter, r *http.Request) {
	open, err := h.ledger.BurnWindowOpen(r.Context())
	if err != nil {
		writeLedgerError(w, r, "burn_window", err)
		return
	}
	responders.JSON(w, http.StatusOK, burnWindowResponse{Open: open})
}

func (h *handlers) startBurn(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	if err := h.ledger.StartBurn(r.Context(), caller); err != nil {
		writeLedgerError(w, r, "start_burn", err)
		return
	}
	responders.JSON(w, http.StatusOK, burnWindowResponse{Open: true})
}

func (h *handlers) completeBurn(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	if err := h.ledger.CompleteBurn(r.Context(), caller); err != nil {
		writeLedgerError(w, r, "complete_burn", err)
		return
	}
	responders.JSON(w, http.StatusOK, burnWindowResponse{Open: false})
}

func (h *handlers) pendingAccounts(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	accounts, err := h.ledger.PendingAccounts(r.Context(), limit)
	if err != nil {
		writeLedgerError(w, r, "pending_accounts", err)
		return
	}
	responders.List[string](w, http.StatusOK, accounts)
}

// settleResponse carries the capture instructions and, when Stripe intake
// is configured, the rendered Stripe calls for each hold.
type settleResponse struct {
	Instructions []ledger.CaptureInstruction `json:"instructions"`
	Directives   []stripesvc.Directive       `json:"directives,omitempty"`
	Count        int                         `json:"count"`
}

func (h *handlers) settleAccount(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	out, err := h.ledger.CaptureAndBurnFor(r.Context(), caller, chi.URLParam(r, "account"))
	if err != nil {
		writeLedgerError(w, r, "settle_account", err)
		return
	}
	h.writeSettlement(w, r, out)
}

func (h *handlers) settleAll(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	out, err := h.ledger.CaptureAndBurnAll(r.Context(), caller, limit)
	if err != nil {
		writeLedgerError(w, r, "settle_batch", err)
		return
	}
	h.writeSettlement(w, r, out)
}

func (h *handlers) writeSettlement(w http.ResponseWriter, r *http.Request, out []ledger.CaptureInstruction) {
	resp := settleResponse{Instructions: out, Count: len(out)}
	if h.stripe != nil && len(out) > 0 {
		directives, err := stripesvc.RenderDirectives(h.stripe.Adapter(), out)
		if err != nil {
			// The settlement is committed; report it even if rendering failed.
			log := logger.FromContext(r.Context())
			log.Error().Err(err).Int("instructions", len(out)).Msg("stripe.render_failed")
		} else {
			resp.Directives = directives
		}
	}
	responders.JSON(w, http.StatusOK, resp)
}
