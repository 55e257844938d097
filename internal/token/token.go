package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Token is the payload encoded into a class check-in QR code. It is never
// persisted; the signature alone makes it tamper-evident.
type Token struct {
	ClassID   string    `json:"class_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Signature string    `json:"sig"`
}

// Signer mints and verifies short-lived class tokens with a per-environment
// HMAC secret.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer from the environment secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Issue mints a token for classID valid for ttl from now.
func (s *Signer) Issue(classID string, ttl time.Duration, now time.Time) Token {
	issued := now.UTC()
	return Token{
		ClassID:   classID,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(ttl),
		Signature: s.sign(classID, issued),
	}
}

// Verify reports whether tok is a valid, unexpired token for classID at the
// given instant. It is pure and never returns an error: a wrong class, past
// expiry, or bad signature is simply false.
func (s *Signer) Verify(tok Token, classID string, now time.Time) bool {
	if tok.ClassID != classID {
		return false
	}
	if now.After(tok.ExpiresAt) {
		return false
	}
	want := s.sign(tok.ClassID, tok.IssuedAt)
	return hmac.Equal([]byte(tok.Signature), []byte(want))
}

func (s *Signer) sign(classID string, issuedAt time.Time) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s|%d", classID, issuedAt.Unix())
	return hex.EncodeToString(mac.Sum(nil))
}

// Encode renders the token as the base64url string embedded in a QR code.
func Encode(tok Token) string {
	b, _ := json.Marshal(tok)
	return base64.RawURLEncoding.EncodeToString(b)
}

// Decode parses a QR payload back into a Token. The signature is not checked
// here; callers must Verify.
func Decode(s string) (Token, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Token{}, errors.New("token: malformed encoding")
	}
	var tok Token
	if err := json.Unmarshal(b, &tok); err != nil {
		return Token{}, errors.New("token: malformed payload")
	}
	return tok, nil
}
