package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the verified identity carried by a token.
type Claims struct {
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Config configures a Verifier. Issuer and Audience are checked only when set.
type Config struct {
	Key      []byte
	Issuer   string
	Audience string
	Leeway   time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Verifier checks HS256 tokens.
type Verifier struct {
	cfg    Config
	parser *jwt.Parser
}

// NewVerifier returns a Verifier for cfg. The key must be non-empty.
func NewVerifier(cfg Config) (*Verifier, error) {
	if len(cfg.Key) == 0 {
		return nil, ErrHMACKeyMissing
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(cfg.Now))
	}
	return &Verifier{cfg: cfg, parser: jwt.NewParser(opts...)}, nil
}

// Verify parses and validates raw, returning the caller identity.
func (v *Verifier) Verify(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, ErrTokenMissing
	}

	var rc jwt.RegisteredClaims
	_, err := v.parser.ParseWithClaims(raw, &rc, func(*jwt.Token) (any, error) {
		return v.cfg.Key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	sub := strings.TrimSpace(rc.Subject)
	if sub == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}

	c := Claims{UserID: sub}
	if rc.IssuedAt != nil {
		c.IssuedAt = rc.IssuedAt.Time
	}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time
	}
	return c, nil
}

// Issue signs a token for userID valid for ttl. Parley never logs users in; this serves dev tooling
// (ws-smoke) and tests.
func Issue(cfg Config, userID string, ttl time.Duration) (string, error) {
	if len(cfg.Key) == 0 {
		return "", ErrHMACKeyMissing
	}
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("token: empty subject")
	}
	now := time.Now()
	if cfg.Now != nil {
		now = cfg.Now()
	}

	rc := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if cfg.Audience != "" {
		rc.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, rc).SignedString(cfg.Key)
}
