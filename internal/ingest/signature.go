package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// SignatureHeader carries "sha256=<hex>" computed over the raw request body.
const SignatureHeader = "X-Signature"

const signaturePrefix = "sha256="

// ErrSignature is matched by every *SignatureError.
var ErrSignature = errors.New("ingest: invalid signature")

// SignatureError rejects a webhook before its body is parsed.
type SignatureError struct {
	Reason string
}

func (e *SignatureError) Error() string {
	return ErrSignature.Error() + ": " + e.Reason
}

func (e *SignatureError) Is(target error) bool { return target == ErrSignature }

// Verifier checks HMAC-SHA256 webhook signatures with a shared secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify compares the header against the HMAC of body in constant time.
func (v *Verifier) Verify(body []byte, header string) error {
	if v == nil || len(v.secret) == 0 {
		return &SignatureError{Reason: "webhook secret not configured"}
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return &SignatureError{Reason: "missing signature header"}
	}
	if !strings.HasPrefix(strings.ToLower(header), signaturePrefix) {
		return &SignatureError{Reason: "unsupported signature scheme"}
	}
	provided, err := hex.DecodeString(header[len(signaturePrefix):])
	if err != nil {
		return &SignatureError{Reason: "signature is not hex"}
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return &SignatureError{Reason: "signature mismatch"}
	}
	return nil
}

// Sign returns the header value a sender would attach to body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
