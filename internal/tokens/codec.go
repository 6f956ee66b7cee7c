package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Skotchmaster/deed_portal/internal/autherr"
)

type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

// Claims is the signed claim set shared by access and refresh tokens.
// Refresh tokens leave Role empty: the role is re-read from the principal on rotation.
type Claims struct {
	Role string `json:"role,omitempty"`
	Type Type   `json:"typ"`
	jwt.RegisteredClaims
}

func (c Claims) PrincipalID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: subject is not a principal id", autherr.ErrTokenMalformed)
	}
	return id, nil
}

// Codec signs and verifies one kind of token with its own secret.
type Codec struct {
	secret []byte
	typ    Type
	now    func() time.Time
}

func NewCodec(secret []byte, typ Type) *Codec {
	return &Codec{secret: secret, typ: typ, now: time.Now}
}

// WithClock returns a copy of the codec that reads time from now.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	cp := *c
	cp.now = now
	return &cp
}

func (c *Codec) Type() Type { return c.typ }

// Issue signs claims valid for ttl and returns the token with its expiry.
// The expiry carries the one-second precision of the exp claim.
func (c *Codec) Issue(claims Claims, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("%w: ttl must be positive", autherr.ErrInvalidInput)
	}
	if len(c.secret) == 0 {
		return "", time.Time{}, errors.New("token codec has no secret")
	}

	now := c.now()
	claims.Type = c.typ
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", c.typ, err)
	}
	return signed, claims.ExpiresAt.Time, nil
}

// Verify checks signature and expiry only. A token is expired from its exp instant on.
func (c *Codec) Verify(raw string) (*Claims, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", autherr.ErrTokenMalformed)
	}

	var claims Claims
	tkn, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return nil, classify(err)
	}
	if !tkn.Valid {
		return nil, autherr.ErrTokenSignatureInvalid
	}
	if claims.Type != c.typ {
		return nil, fmt.Errorf("%w: unexpected token type %q", autherr.ErrTokenMalformed, claims.Type)
	}
	return &claims, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", autherr.ErrTokenSignatureInvalid, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return autherr.ErrTokenExpired
	default:
		return fmt.Errorf("%w: %v", autherr.ErrTokenMalformed, err)
	}
}
