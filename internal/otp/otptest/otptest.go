// Package otptest provides redis and dispatch doubles for code that issues OTP challenges.
package otptest

import (
	"context"
	"regexp"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func NewRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

type Sent struct {
	Identity string
	Message  string
}

var codePattern = regexp.MustCompile(`\b\d{4,6}\b`)

// Dispatcher records every message and can be told to fail.
type Dispatcher struct {
	mu   sync.Mutex
	sent []Sent
	Err  error
}

func (d *Dispatcher) Send(_ context.Context, identity, message string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	d.sent = append(d.sent, Sent{Identity: identity, Message: message})
	return nil
}

func (d *Dispatcher) Sent() []Sent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Sent, len(d.sent))
	copy(out, d.sent)
	return out
}

// LastCode returns the code from the most recent message sent to identity.
func (d *Dispatcher) LastCode(identity string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.sent) - 1; i >= 0; i-- {
		if d.sent[i].Identity == identity {
			return codePattern.FindString(d.sent[i].Message)
		}
	}
	return ""
}
