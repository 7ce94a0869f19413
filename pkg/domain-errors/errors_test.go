package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New(CodeQuotaExhausted, "no scan credits left")
	assert.Equal(t, "quota_exhausted: no scan credits left", err.Error())
	assert.Equal(t, CodeQuotaExhausted, GetCode(err))
}

func TestNewf(t *testing.T) {
	err := Newf(CodeBadRequest, "unknown policy %q", "typo")
	assert.Equal(t, `bad_request: unknown policy "typo"`, err.Error())
}

func TestWrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(cause, CodeStoreUnavailable, "quota accounting unavailable")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, CodeStoreUnavailable, GetCode(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWrap_NilPassthrough(t *testing.T) {
	assert.NoError(t, Wrap(nil, CodeInternal, "whatever"))
}

func TestHasCode(t *testing.T) {
	inner := New(CodeUpstreamTimeout, "llm timed out")
	outer := Wrap(fmt.Errorf("attempt 3: %w", inner), CodeUpstreamError, "llm failed")

	assert.True(t, HasCode(outer, CodeUpstreamError))
	assert.True(t, HasCode(outer, CodeUpstreamTimeout), "codes deeper in the chain are found")
	assert.False(t, HasCode(outer, CodeLockHeld))
	assert.False(t, HasCode(nil, CodeInternal))
}

func TestGetCode_Uncoded(t *testing.T) {
	assert.Equal(t, CodeInternal, GetCode(errors.New("plain")))
}

func TestUnwrapChain(t *testing.T) {
	sentinel := errors.New("base")
	err := Wrap(Wrap(sentinel, CodeUpstreamError, "mid"), CodeCircuitOpen, "top")

	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, CodeCircuitOpen, de.Code)
	assert.ErrorIs(t, err, sentinel)
}
