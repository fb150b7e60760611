// Package auth authenticates bearer tokens and checks their scopes.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/zeebo/blake3"
)

// Scopes understood by the API.
const (
	ScopeExecute = "execute"
	ScopeCancel  = "cancel"
	ScopeRead    = "read"
	ScopeAll     = "*"
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// Principal is an authenticated caller. ID is a fingerprint of the token and
// is safe to log; the token itself is never kept.
type Principal struct {
	ID     string
	Scopes map[string]struct{}
}

// Allows reports whether p holds any of required. No requirement always passes.
func (p Principal) Allows(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Fingerprint returns a short, stable, non-reversible name for a token.
func Fingerprint(token string) string {
	sum := blake3.Sum256([]byte(token))
	return "tok_" + hex.EncodeToString(sum[:6])
}

func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errors.New("invalid Authorization header format")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// Authenticate matches a presented bearer token against configured tokens.
// Every token is compared so timing does not reveal which one matched.
func Authenticate(presented string, tokens []TokenConfig) (Principal, bool) {
	if presented == "" {
		return Principal{}, false
	}
	matched := -1
	for i, t := range tokens {
		eq := subtle.ConstantTimeCompare([]byte(presented), []byte(t.Token)) == 1
		if eq && matched < 0 {
			matched = i
		}
	}
	if matched < 0 {
		return Principal{}, false
	}
	return Principal{
		ID:     Fingerprint(presented),
		Scopes: expandScopes(tokens[matched].Scopes),
	}, true
}

// expandScopes drops blanks and adds read to execute and cancel tokens.
func expandScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes)+1)
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			out[s] = struct{}{}
		}
	}
	for _, implies := range []string{ScopeExecute, ScopeCancel} {
		if _, ok := out[implies]; ok {
			out[ScopeRead] = struct{}{}
		}
	}
	return out
}
