// Package auth carries the per-request context (protocol, user agent,
// cache-control, principal) and implements basic-auth API key verification
// and the write-surface rate limit.
package auth

import (
	"context"
	"crypto/subtle"
	"strings"

	"golang.org/x/time/rate"

	rterrors "helios-runtime/internal/errors"
)

// Protocol identifies the surface a request arrived on.
type Protocol string

const (
	ProtocolHTTP     Protocol = "http"
	ProtocolFlight   Protocol = "flight"
	ProtocolInternal Protocol = "internal"
)

// CacheControl is the request's cache directive.
type CacheControl string

const (
	CacheControlDefault CacheControl = "default"
	CacheControlNoCache CacheControl = "no-cache"
)

// Group is the principal's access level.
type Group string

const (
	GroupReadOnly  Group = "read"
	GroupReadWrite Group = "read_write"
)

// Principal is an authenticated caller.
type Principal struct {
	KeyID string
	Group Group
}

// CanWrite reports whether the principal may use the write surface.
func (p Principal) CanWrite() bool {
	return p.Group == GroupReadWrite
}

// RequestContext is the per-request metadata observed by the core.
type RequestContext struct {
	Protocol     Protocol
	UserAgent    string
	CacheControl CacheControl
	Principal    *Principal
}

type contextKey struct{}

// WithRequestContext attaches rc to ctx.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// FromContext returns the request context, defaulting to an internal one.
func FromContext(ctx context.Context) *RequestContext {
	if rc, ok := ctx.Value(contextKey{}).(*RequestContext); ok {
		return rc
	}
	return &RequestContext{Protocol: ProtocolInternal, CacheControl: CacheControlDefault}
}

// ============================================================================
// API KEYS
// ============================================================================

// apiKey is one configured key with its access group.
type apiKey struct {
	value []byte
	group Group
}

// KeySet verifies presented API keys. A configured key string ending in
// `:rw` grants read-write; `:ro` or no suffix grants read-only.
type KeySet struct {
	keys []apiKey
}

// NewKeySet parses configured key strings.
func NewKeySet(configured []string) *KeySet {
	ks := &KeySet{}
	for _, raw := range configured {
		group := GroupReadOnly
		value := raw
		switch {
		case strings.HasSuffix(raw, ":rw"):
			group = GroupReadWrite
			value = strings.TrimSuffix(raw, ":rw")
		case strings.HasSuffix(raw, ":ro"):
			value = strings.TrimSuffix(raw, ":ro")
		}
		ks.keys = append(ks.keys, apiKey{value: []byte(value), group: group})
	}
	return ks
}

// Enabled reports whether any keys are configured; with none, auth is open.
func (ks *KeySet) Enabled() bool {
	return ks != nil && len(ks.keys) > 0
}

// Verify checks a presented key against every configured key in constant
// time, never exiting early on a mismatch.
func (ks *KeySet) Verify(presented string) (*Principal, error) {
	if !ks.Enabled() {
		return &Principal{KeyID: "anonymous", Group: GroupReadWrite}, nil
	}
	presentedBytes := []byte(presented)
	var match *apiKey
	for i := range ks.keys {
		key := &ks.keys[i]
		if subtle.ConstantTimeEq(int32(len(key.value)), int32(len(presentedBytes))) == 1 &&
			subtle.ConstantTimeCompare(key.value, presentedBytes) == 1 {
			match = key
		}
	}
	if match == nil {
		return nil, rterrors.Unauthenticated("INVALID_API_KEY", "invalid API key").Build()
	}
	return &Principal{KeyID: keyID(match.value), Group: match.group}, nil
}

// keyID is a short non-sensitive identifier for telemetry: the key's first
// four characters.
func keyID(key []byte) string {
	if len(key) <= 4 {
		return string(key)
	}
	return string(key[:4]) + "..."
}

// RequireWrite rejects principals without write access.
func RequireWrite(rc *RequestContext) error {
	if rc.Principal == nil {
		return rterrors.Unauthenticated("MISSING_CREDENTIALS", "write surface requires authentication").Build()
	}
	if !rc.Principal.CanWrite() {
		return rterrors.PermissionDenied("READ_ONLY_KEY",
			"API key does not grant write access").Build()
	}
	return nil
}

// ============================================================================
// WRITE RATE LIMIT
// ============================================================================

// WriteLimiter applies a global token bucket to the write surface.
type WriteLimiter struct {
	limiter *rate.Limiter
}

// NewWriteLimiter allows writesPerMinute sustained writes with an equal
// burst. Zero disables limiting.
func NewWriteLimiter(writesPerMinute int) *WriteLimiter {
	if writesPerMinute <= 0 {
		return &WriteLimiter{}
	}
	return &WriteLimiter{
		limiter: rate.NewLimiter(rate.Limit(float64(writesPerMinute)/60.0), writesPerMinute),
	}
}

// Allow consumes one write token.
func (l *WriteLimiter) Allow() error {
	if l == nil || l.limiter == nil {
		return nil
	}
	if !l.limiter.Allow() {
		return rterrors.ResourceExhausted("WRITE_RATE_LIMIT", "write rate limit exceeded").Build()
	}
	return nil
}
