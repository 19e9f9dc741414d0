package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rterrors "helios-runtime/internal/errors"
)

func TestKeySet_SuffixClassification(t *testing.T) {
	ks := NewKeySet([]string{"alpha:rw", "beta:ro", "gamma"})

	rw, err := ks.Verify("alpha")
	require.NoError(t, err)
	assert.Equal(t, GroupReadWrite, rw.Group)

	ro, err := ks.Verify("beta")
	require.NoError(t, err)
	assert.Equal(t, GroupReadOnly, ro.Group)

	bare, err := ks.Verify("gamma")
	require.NoError(t, err)
	assert.Equal(t, GroupReadOnly, bare.Group)
}

func TestKeySet_RejectsUnknownKey(t *testing.T) {
	ks := NewKeySet([]string{"alpha:rw"})

	_, err := ks.Verify("wrong")

	require.Error(t, err)
	assert.True(t, rterrors.IsKind(err, rterrors.KindUnauthenticated))
}

func TestKeySet_OpenWhenNoKeysConfigured(t *testing.T) {
	ks := NewKeySet(nil)

	principal, err := ks.Verify("anything")

	require.NoError(t, err)
	assert.Equal(t, GroupReadWrite, principal.Group)
}

func TestRequireWrite(t *testing.T) {
	readOnly := &RequestContext{Principal: &Principal{Group: GroupReadOnly}}
	err := RequireWrite(readOnly)
	require.Error(t, err)
	assert.True(t, rterrors.IsKind(err, rterrors.KindPermissionDenied))

	missing := &RequestContext{}
	err = RequireWrite(missing)
	require.Error(t, err)
	assert.True(t, rterrors.IsKind(err, rterrors.KindUnauthenticated))

	writer := &RequestContext{Principal: &Principal{Group: GroupReadWrite}}
	assert.NoError(t, RequireWrite(writer))
}

func TestWriteLimiter_RejectsWithResourceExhausted(t *testing.T) {
	// Arrange: one write per minute, burst of one.
	limiter := NewWriteLimiter(1)

	// Act
	first := limiter.Allow()
	second := limiter.Allow()

	// Assert
	assert.NoError(t, first)
	require.Error(t, second)
	assert.True(t, rterrors.IsKind(second, rterrors.KindResourceExhausted))
}

func TestWriteLimiter_DisabledAllowsEverything(t *testing.T) {
	limiter := NewWriteLimiter(0)
	for i := 0; i < 1000; i++ {
		require.NoError(t, limiter.Allow())
	}
}

func TestRequestContext_RoundTrip(t *testing.T) {
	rc := &RequestContext{Protocol: ProtocolFlight, CacheControl: CacheControlNoCache}
	ctx := WithRequestContext(context.Background(), rc)

	assert.Same(t, rc, FromContext(ctx))

	// A bare context yields the internal default.
	fallback := FromContext(context.Background())
	assert.Equal(t, ProtocolInternal, fallback.Protocol)
}
