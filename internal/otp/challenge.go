// Package otp issues and verifies one-time passcodes bound to an identity and a purpose.
//
// Each (identity, purpose) pair holds at most one pending challenge. A new
// request overwrites the previous one, and a successful verification deletes it.
package otp

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/Skotchmaster/deed_portal/internal/autherr"
)

type Purpose string

const (
	PurposeSignup Purpose = "signup"
	PurposeLogin  Purpose = "login"
	PurposeReset  Purpose = "reset"
)

func ParsePurpose(s string) (Purpose, error) {
	p := Purpose(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PurposeSignup, PurposeLogin, PurposeReset:
		return p, nil
	default:
		return "", fmt.Errorf("%w: unknown otp purpose %q", autherr.ErrInvalidInput, s)
	}
}

// Challenge is the stored state of a pending code. The code itself is never stored.
type Challenge struct {
	Identity  string    `json:"identity"`
	Purpose   Purpose   `json:"purpose"`
	CodeHash  string    `json:"code_hash"`
	ExpiresAt time.Time `json:"expires_at"`
	Attempts  int       `json:"attempts"`
}

func (c *Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

func hashCode(identity string, purpose Purpose, code string) string {
	sum := sha256.Sum256([]byte(string(purpose) + ":" + identity + ":" + code))
	return hex.EncodeToString(sum[:])
}

func generateCode(length int) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", length, n), nil
}
