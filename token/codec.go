package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Type distinguishes the intended use of a signed token.
type Type string

const (
	// TypeAccess marks short-lived tokens verified without store access.
	TypeAccess Type = "access"
	// TypeRefresh marks rotating tokens backed by a store record.
	TypeRefresh Type = "refresh"
)

var (
	// ErrMalformed is returned when the token is not a parseable JWT.
	ErrMalformed = errors.New("malformed token")
	// ErrBadSignature is returned when the signature does not verify.
	ErrBadSignature = errors.New("bad token signature")
	// ErrExpired is returned when the token is past its exp claim.
	ErrExpired = errors.New("token expired")
	// ErrWrongType is returned when token_type does not match the expected use.
	ErrWrongType = errors.New("wrong token type")
)

// Claims is the fixed claim set carried by every token this subsystem
// issues. Field names are part of the wire contract and must not change.
type Claims struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	TokenType Type   `json:"token_type"`
	jwt.RegisteredClaims
}

// Config holds codec construction parameters. The signing secret is
// supplied by the caller at startup; the codec never generates key material.
type Config struct {
	Secret []byte
	Issuer string
	Leeway time.Duration
	// Now overrides the clock, for tests. Nil means time.Now.
	Now func() time.Time
}

// Codec signs and verifies compact HS256 tokens. It is a pure function
// of its inputs and the shared secret; it holds no per-token state.
type Codec struct {
	config Config
}

// NewCodec validates cfg and returns a ready Codec.
func NewCodec(cfg Config) (*Codec, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("hs256 requires a signing secret")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Codec{config: cfg}, nil
}

// Issue signs a token of the given type for the identity fields in c.
// The jti must already be set by the caller; iat and exp are stamped here.
func (c *Codec) Issue(claims Claims, tokenType Type, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errors.New("invalid token ttl")
	}
	if claims.ID == "" {
		return "", errors.New("missing jti")
	}

	now := c.config.Now()
	claims.TokenType = tokenType
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	if c.config.Issuer != "" {
		claims.Issuer = c.config.Issuer
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.config.Secret)
}

// Verify checks signature, then expiry, then token_type, and returns the
// decoded claims. Failures map onto exactly one of the codec sentinel
// errors so callers can classify without string matching.
func (c *Codec) Verify(tokenStr string, expected Type) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.config.Now),
		jwt.WithExpirationRequired(),
	}
	if c.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(c.config.Leeway))
	}
	if c.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(c.config.Issuer))
	}

	parser := jwt.NewParser(options...)
	parsed, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return c.config.Secret, nil
	})
	if err != nil {
		return nil, classifyParseError(err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrMalformed
	}
	if claims.TokenType != expected {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrWrongType, claims.TokenType, expected)
	}

	return claims, nil
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrBadSignature
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformed
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}
