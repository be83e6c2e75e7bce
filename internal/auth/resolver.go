package auth

import (
	"log/slog"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// CookieName is the CMS session cookie, fixed by contract with the
// credential-issuing side.
const CookieName = "payload-token"

type Outcome int

const (
	// OutcomeAnonymous allows the connection with no identity attached.
	OutcomeAnonymous Outcome = iota
	// OutcomeAuthenticated allows the connection and attaches the identity.
	OutcomeAuthenticated
	// OutcomeRejected refuses the connection (strict mode only).
	OutcomeRejected
)

type Resolution struct {
	Outcome  Outcome
	Identity *Identity
}

// Resolver turns handshake credentials into a Resolution. It never returns
// an error: in permissive mode every failure path degrades to anonymous,
// in strict mode failures become OutcomeRejected instead.
type Resolver struct {
	secret      []byte
	requireAuth bool
	log         *slog.Logger
}

func NewResolver(secret string, requireAuth bool, log *slog.Logger) *Resolver {
	return &Resolver{secret: []byte(secret), requireAuth: requireAuth, log: log}
}

// Resolve applies token-source precedence (explicit token first, then the
// payload-token cookie from the raw Cookie header) and verifies the result.
func (r *Resolver) Resolve(token, rawCookies string) Resolution {
	if token == "" {
		token = cookieValue(rawCookies, CookieName)
	}
	if token == "" {
		return r.noIdentity()
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return r.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		r.log.Warn("socket auth failed",
			"token_prefix", tokenPrefix(token),
			"err", err,
			"strict", r.requireAuth)
		return r.noIdentity()
	}
	if claims.UserID == "" {
		r.log.Warn("token verified but carries no subject id",
			"token_prefix", tokenPrefix(token))
		return r.noIdentity()
	}

	identity := claims.Identity()
	return Resolution{Outcome: OutcomeAuthenticated, Identity: &identity}
}

func (r *Resolver) noIdentity() Resolution {
	if r.requireAuth {
		return Resolution{Outcome: OutcomeRejected}
	}
	return Resolution{Outcome: OutcomeAnonymous}
}

// cookieValue extracts a single cookie from a raw Cookie header: split on
// ';', then on the first '=', trimming whitespace around both parts.
func cookieValue(header, name string) string {
	for _, part := range strings.Split(header, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		if strings.TrimSpace(k) == name {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// tokenPrefix keeps log lines non-reversible: never the whole token.
func tokenPrefix(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}
