package otp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Skotchmaster/deed_portal/internal/autherr"
	"github.com/Skotchmaster/deed_portal/internal/config"
	"github.com/Skotchmaster/deed_portal/internal/logging"
)

type Config struct {
	Length             int
	TTL                time.Duration
	MaxAttempts        int
	RegenerateOnExpiry bool
}

func DefaultConfig() Config {
	return Config{Length: 6, TTL: 10 * time.Minute, MaxAttempts: 5}
}

func (c Config) validate() error {
	if c.Length < config.MinOTPLength || c.Length > config.MaxOTPLength {
		return fmt.Errorf("%w: otp length must be in [%d,%d]", autherr.ErrInvalidInput, config.MinOTPLength, config.MaxOTPLength)
	}
	if c.TTL < config.MinOTPTTL || c.TTL > config.MaxOTPTTL {
		return fmt.Errorf("%w: otp ttl must be in [%s,%s]", autherr.ErrInvalidInput, config.MinOTPTTL, config.MaxOTPTTL)
	}
	return nil
}

type Manager struct {
	store      Store
	dispatcher Dispatcher
	cfg        Config
	now        func() time.Time
	generate   func(length int) (string, error)
}

func NewManager(store Store, dispatcher Dispatcher, cfg Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Manager{
		store:      store,
		dispatcher: dispatcher,
		cfg:        cfg,
		now:        time.Now,
		generate:   generateCode,
	}, nil
}

// WithClock replaces the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) TTL() time.Duration { return m.cfg.TTL }

// Request creates a fresh challenge, replacing any pending one, and dispatches the code.
// The challenge is stored before dispatch; a dispatch failure leaves it pending.
func (m *Manager) Request(ctx context.Context, identity string, purpose Purpose) error {
	identity = NormalizeIdentity(identity)
	if identity == "" {
		return fmt.Errorf("%w: identity is required", autherr.ErrInvalidInput)
	}
	if _, err := ParsePurpose(string(purpose)); err != nil {
		return err
	}

	code, err := m.generate(m.cfg.Length)
	if err != nil {
		return err
	}

	c := &Challenge{
		Identity:  identity,
		Purpose:   purpose,
		CodeHash:  hashCode(identity, purpose, code),
		ExpiresAt: m.now().Add(m.cfg.TTL),
	}
	if err := m.store.Save(ctx, c, m.cfg.TTL); err != nil {
		return err
	}

	l := logging.FromContext(ctx)
	if err := m.dispatcher.Send(ctx, identity, m.message(purpose, code)); err != nil {
		l.Error("otp_dispatch_failed", "purpose", purpose, "err", err)
		return fmt.Errorf("%w: %v", autherr.ErrDispatchFailed, err)
	}
	l.Info("otp_requested", "purpose", purpose)
	return nil
}

// Verify consumes the pending challenge when code matches.
func (m *Manager) Verify(ctx context.Context, identity string, purpose Purpose, code string) error {
	identity = NormalizeIdentity(identity)
	if identity == "" || code == "" {
		return autherr.ErrOTPNotFound
	}

	err := m.store.Consume(ctx, identity, purpose, hashCode(identity, purpose, code), m.now(), m.cfg.MaxAttempts)
	if errors.Is(err, autherr.ErrOTPExpired) && m.cfg.RegenerateOnExpiry {
		if rerr := m.Request(ctx, identity, purpose); rerr != nil {
			return errors.Join(err, rerr)
		}
		return fmt.Errorf("%w: a new code has been sent", autherr.ErrOTPExpired)
	}
	return err
}

// Cancel drops any pending challenge.
func (m *Manager) Cancel(ctx context.Context, identity string, purpose Purpose) error {
	return m.store.Delete(ctx, NormalizeIdentity(identity), purpose)
}

func (m *Manager) message(purpose Purpose, code string) string {
	minutes := int(m.cfg.TTL / time.Minute)
	switch purpose {
	case PurposeSignup:
		return fmt.Sprintf("Your deed portal verification code is %s. It expires in %d minutes.", code, minutes)
	case PurposeReset:
		return fmt.Sprintf("Your deed portal password reset code is %s. It expires in %d minutes.", code, minutes)
	default:
		return fmt.Sprintf("Your deed portal sign-in code is %s. It expires in %d minutes.", code, minutes)
	}
}
