// Package auth identifies API callers by Ed25519 wallet keys. Every signed
// request carries the signer's base58 public key, a unix timestamp and a
// signature over a canonical message built from the request itself.
package auth

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
)

const (
	HeaderSigner    = "X-Signer"
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"

	messagePrefix = "holdledger"

	// MaxSignedBodyBytes bounds the body read for signature verification.
	MaxSignedBodyBytes = 1 << 20
)

var (
	ErrMissingSignature = errors.New("auth: signature required: include X-Signer, X-Signature and X-Timestamp headers")
	ErrInvalidSignature = errors.New("auth: signature verification failed")
	ErrExpired          = errors.New("auth: signed timestamp outside the allowed window")
)

// SignatureVerifier handles Ed25519 signature verification for HTTP requests.
type SignatureVerifier struct {
	maxAge time.Duration
	now    func() time.Time
}

// NewSignatureVerifier creates a verifier accepting timestamps within maxAge
// of the server clock. maxAge <= 0 defaults to five minutes.
func NewSignatureVerifier(maxAge time.Duration) *SignatureVerifier {
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &SignatureVerifier{maxAge: maxAge, now: time.Now}
}

// VerificationHeaders contains the signature headers from a request.
type VerificationHeaders struct {
	Signer    string // base58 public key
	Signature string // base64 signature
	Timestamp string // unix seconds
}

// CanonicalMessage is the exact byte string a caller signs. target is the
// request path plus its raw query, if any.
func CanonicalMessage(method, target string, timestamp int64, body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("%s:%s:%s:%d:%s", messagePrefix, method, target, timestamp, hex.EncodeToString(sum[:]))
}

// ExtractHeaders extracts signature verification headers from an HTTP request.
func (sv *SignatureVerifier) ExtractHeaders(r *http.Request) (VerificationHeaders, error) {
	headers := VerificationHeaders{
		Signer:    r.Header.Get(HeaderSigner),
		Signature: r.Header.Get(HeaderSignature),
		Timestamp: r.Header.Get(HeaderTimestamp),
	}

	if headers.Signature == "" || headers.Signer == "" || headers.Timestamp == "" {
		return headers, ErrMissingSignature
	}

	return headers, nil
}

// VerifySignature verifies that the signature is valid for message and signer.
func (sv *SignatureVerifier) VerifySignature(headers VerificationHeaders, message string) error {
	signatureBytes, err := base64.StdEncoding.DecodeString(headers.Signature)
	if err != nil {
		return fmt.Errorf("%w: invalid signature encoding: %v", ErrInvalidSignature, err)
	}
	if len(signatureBytes) != 64 {
		return fmt.Errorf("%w: signature must be 64 bytes", ErrInvalidSignature)
	}

	signerPubKey, err := solana.PublicKeyFromBase58(headers.Signer)
	if err != nil {
		return fmt.Errorf("%w: invalid signer address: %v", ErrInvalidSignature, err)
	}

	signature := solana.SignatureFromBytes(signatureBytes)
	if !signature.Verify(signerPubKey, []byte(message)) {
		return ErrInvalidSignature
	}

	return nil
}

// VerifyRequest authenticates r and returns the signer. The body is read and
// restored so handlers can decode it again.
func (sv *SignatureVerifier) VerifyRequest(r *http.Request) (string, error) {
	headers, err := sv.ExtractHeaders(r)
	if err != nil {
		return "", err
	}

	ts, err := strconv.ParseInt(headers.Timestamp, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}

	body, err := readAndRestoreBody(r)
	if err != nil {
		return "", err
	}

	// Verify the cryptographic signature before looking at the clock or identity.
	message := CanonicalMessage(r.Method, requestTarget(r.URL), ts, body)
	if err := sv.VerifySignature(headers, message); err != nil {
		return "", err
	}

	skew := sv.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > sv.maxAge {
		return "", ErrExpired
	}

	return headers.Signer, nil
}

func requestTarget(u *url.URL) string {
	if u.RawQuery == "" {
		return u.Path
	}
	return u.Path + "?" + u.RawQuery
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxSignedBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > MaxSignedBodyBytes {
		return nil, fmt.Errorf("%w: body too large to sign", ErrInvalidSignature)
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// SignRequest adds signature headers to req for the given key. body must be
// the exact bytes sent as the request body.
func SignRequest(req *http.Request, body []byte, key solana.PrivateKey, now time.Time) error {
	ts := now.Unix()
	message := CanonicalMessage(req.Method, requestTarget(req.URL), ts, body)
	sig, err := key.Sign([]byte(message))
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	req.Header.Set(HeaderSigner, key.PublicKey().String())
	req.Header.Set(HeaderSignature, base64.StdEncoding.EncodeToString(sig[:]))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	return nil
}
