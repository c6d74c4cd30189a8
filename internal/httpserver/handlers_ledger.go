package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/CedrosPay/holdledger/internal/errors"
	"github.com/CedrosPay/holdledger/internal/ledger"
	"github.com/CedrosPay/holdledger/internal/money"
	"github.com/CedrosPay/holdledger/internal/storage"
	"github.com/CedrosPay/holdledger/pkg/responders"
)

type amountResponse struct {
	Amount    money.Amount `json:"amount"`
	Formatted string       `json:"formatted"`
	Symbol    string       `json:"symbol"`
}

func (h *handlers) amount(a money.Amount) amountResponse {
	meta := h.ledger.Token()
	return amountResponse{Amount: a, Formatted: a.Format(meta), Symbol: meta.Symbol}
}

// health reports liveness and whether the store answers a read.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	now := time.Now()
	status, statusCode := "ok", http.StatusOK
	open, err := h.ledger.BurnWindowOpen(ctx)
	if err != nil {
		status, statusCode = "degraded", http.StatusServiceUnavailable
	}

	responders.JSON(w, statusCode, map[string]any{
		"status":         status,
		"uptime":         now.Sub(serverStartTime).String(),
		"timestamp":      now.UTC(),
		"storageOk":      err == nil,
		"burnWindow":     open,
		"storageBackend": h.cfg.Storage.Backend,
		"routePrefix":    h.cfg.Server.RoutePrefix,
	})
}

type tokenInfoResponse struct {
	money.Token
	Owner      string `json:"owner"`
	MintPolicy string `json:"mint_policy"`
}

func (h *handlers) tokenInfo(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, tokenInfoResponse{
		Token:      h.ledger.Token(),
		Owner:      h.ledger.Owner(),
		MintPolicy: h.ledger.Policy().MintPolicy,
	})
}

func (h *handlers) totalSupply(w http.ResponseWriter, r *http.Request) {
	supply, err := h.ledger.TotalSupply(r.Context())
	if err != nil {
		writeLedgerError(w, r, "total_supply", err)
		return
	}
	responders.JSON(w, http.StatusOK, h.amount(supply))
}

type balanceResponse struct {
	Account    string `json:"account"`
	Registered bool   `json:"registered"`
	amountResponse
}

func (h *handlers) balanceOf(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	registered, err := h.ledger.IsRegistered(r.Context(), account)
	if err != nil {
		writeLedgerError(w, r, "is_registered", err)
		return
	}
	balance, err := h.ledger.BalanceOf(r.Context(), account)
	if err != nil {
		writeLedgerError(w, r, "balance_of", err)
		return
	}
	responders.JSON(w, http.StatusOK, balanceResponse{
		Account:        account,
		Registered:     registered,
		amountResponse: h.amount(balance),
	})
}

func (h *handlers) intents(w http.ResponseWriter, r *http.Request) {
	pledges, err := h.ledger.Pledges(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		writeLedgerError(w, r, "pledges", err)
		return
	}
	responders.List[storage.Pledge](w, http.StatusOK, pledges)
}

func (h *handlers) preview(w http.ResponseWriter, r *http.Request) {
	allocs, err := h.ledger.Preview(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		writeLedgerError(w, r, "preview", err)
		return
	}
	responders.List[ledger.Allocation](w, http.StatusOK, allocs)
}

func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	created, err := h.ledger.Register(r.Context(), account)
	if err != nil {
		writeLedgerError(w, r, "register", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	responders.JSON(w, status, map[string]any{
		"account":    account,
		"registered": true,
		"created":    created,
	})
}

type mintRequest struct {
	Account  string       `json:"account"`
	IntentID string       `json:"intent_id"`
	Amount   money.Amount `json:"amount"`
}

func (h *handlers) mint(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req mintRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}

	res, err := h.ledger.Mint(r.Context(), caller, req.Account, req.IntentID, req.Amount)
	if err != nil {
		writeLedgerError(w, r, "mint", err)
		return
	}
	responders.JSON(w, http.StatusOK, res)
}

type transferRequest struct {
	To     string       `json:"to"`
	Amount money.Amount `json:"amount"`
}

func (h *handlers) transfer(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}
	if req.To == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "to is required")
		return
	}

	if err := h.ledger.Transfer(r.Context(), caller, req.To, req.Amount); err != nil {
		writeLedgerError(w, r, "transfer", err)
		return
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"from":   caller,
		"to":     req.To,
		"amount": req.Amount,
	})
}
