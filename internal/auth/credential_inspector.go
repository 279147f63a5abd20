package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingCredential = errors.New("credential inspector: credential required")
	ErrInvalidCredential = errors.New("credential inspector: invalid credential")
	ErrExpiredCredential = errors.New("credential inspector: credential expired")
)

// CredentialClaims mirrors the JWT payload of field service session tokens.
type CredentialClaims struct {
	UserID    string   `json:"user_id"`
	UserEmail string   `json:"user_email"`
	UserRoles []string `json:"user_roles"`
	jwt.RegisteredClaims
}

// Credential summarizes an inspected session credential. Opaque credentials
// are not JWTs and carry no subject or expiry.
type Credential struct {
	Subject   string
	Email     string
	ExpiresAt time.Time
	Opaque    bool
	Verified  bool
}

// CredentialInspectorConfig describes how session credentials are checked.
// Without a signing secret, JWT claims are read but signatures are not verified.
type CredentialInspectorConfig struct {
	SigningSecret []byte
	Clock         func() time.Time
}

// CredentialInspector decides whether a stored credential may be used to
// open the realtime connection.
type CredentialInspector struct {
	signingSecret []byte
	clock         func() time.Time
}

// NewCredentialInspector constructs an inspector with the provided configuration.
func NewCredentialInspector(cfg CredentialInspectorConfig) *CredentialInspector {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &CredentialInspector{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		clock:         clock,
	}
}

// Inspect parses the credential and rejects expired or, when a signing secret
// is configured, unverifiable tokens.
func (i *CredentialInspector) Inspect(credential string) (Credential, error) {
	token := strings.TrimSpace(credential)
	if token == "" {
		return Credential{}, ErrMissingCredential
	}
	if strings.Count(token, ".") != 2 {
		if len(i.signingSecret) > 0 {
			return Credential{}, fmt.Errorf("%w: not a signed token", ErrInvalidCredential)
		}
		return Credential{Opaque: true}, nil
	}

	claims := &CredentialClaims{}
	verified := len(i.signingSecret) > 0
	if verified {
		parsed, err := jwt.ParseWithClaims(
			token,
			claims,
			func(t *jwt.Token) (interface{}, error) {
				if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
					return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidCredential, t.Method.Alg())
				}
				return i.signingSecret, nil
			},
			jwt.WithTimeFunc(i.clock),
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				return Credential{}, ErrExpiredCredential
			}
			return Credential{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
		}
		if parsed == nil || !parsed.Valid {
			return Credential{}, ErrInvalidCredential
		}
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return Credential{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
		}
		if claims.ExpiresAt != nil && !i.clock().Before(claims.ExpiresAt.Time) {
			return Credential{}, ErrExpiredCredential
		}
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		subject = strings.TrimSpace(claims.UserID)
	}
	inspected := Credential{Subject: subject, Email: claims.UserEmail, Verified: verified}
	if claims.ExpiresAt != nil {
		inspected.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	return inspected, nil
}

// Usable reports whether Inspect accepts the credential.
func (i *CredentialInspector) Usable(credential string) bool {
	_, err := i.Inspect(credential)
	return err == nil
}
