package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/CedrosPay/holdledger/internal/auth"
	apierrors "github.com/CedrosPay/holdledger/internal/errors"
	"github.com/CedrosPay/holdledger/internal/httputil"
	"github.com/CedrosPay/holdledger/internal/idempotency"
	"github.com/CedrosPay/holdledger/internal/money"
)

const userAgent = "holdctl/1"

// client talks to a holdledgerd instance. key is only loaded for commands
// that sign.
type client struct {
	baseURL string
	http    *http.Client
	key     func() (solana.PrivateKey, error)
	now     func() time.Time
}

func newClient(baseURL string, timeout time.Duration, key func() (solana.PrivateKey, error)) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httputil.NewClient(timeout, httputil.WithUserAgent(userAgent)),
		key:     key,
		now:     time.Now,
	}
}

// apiError is a non-2xx response decoded from the server's error envelope.
type apiError struct {
	Status  int
	Code    apierrors.ErrorCode
	Message string
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

type request struct {
	method         string
	path           string
	query          url.Values
	body           any
	signed         bool
	idempotencyKey string
}

// do sends req and returns the raw JSON response body.
func (c *client) do(ctx context.Context, req request) (json.RawMessage, error) {
	var raw []byte
	if req.body != nil {
		var err error
		if raw, err = json.Marshal(req.body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	target := c.baseURL + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	if raw != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.idempotencyKey != "" {
		httpReq.Header.Set(idempotency.HeaderKey, req.idempotencyKey)
	}
	if req.signed {
		key, err := c.key()
		if err != nil {
			return nil, err
		}
		if err := auth.SignRequest(httpReq, raw, key, c.now()); err != nil {
			return nil, err
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		var envelope apierrors.ErrorResponse
		if json.Unmarshal(body, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return nil, apiErr
	}
	return body, nil
}

// token fetches the ledger's token description.
func (c *client) token(ctx context.Context) (money.Token, error) {
	raw, err := c.do(ctx, request{method: http.MethodGet, path: "/v1/token"})
	if err != nil {
		return money.Token{}, err
	}
	var tok money.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return money.Token{}, fmt.Errorf("decode token: %w", err)
	}
	return tok, nil
}

// parseAmount accepts atomic units ("1050") or, when the value has a
// decimal point, major units in the server's token ("10.50").
func (c *client) parseAmount(ctx context.Context, s string) (money.Amount, error) {
	if !strings.Contains(s, ".") {
		return money.ParseAtomic(s)
	}
	tok, err := c.token(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch token decimals: %w", err)
	}
	return money.FromMajor(tok, s)
}
