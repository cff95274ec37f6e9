package amqpError

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromReplyCode_SoftErrorMapsToChannelClosed(t *testing.T) {
	err := FromReplyCode(uint16(NotFound), "no queue 'orders'", 50, 10, false)

	assert.Equal(t, KindRemoteClosedChannel, err.Kind)
	assert.Equal(t, NotFound, err.Code)
	assert.Equal(t, "no queue 'orders'", err.Reason)
}

func TestFromReplyCode_HardErrorMapsToRemoteClosedConnection(t *testing.T) {
	err := FromReplyCode(uint16(ChannelError), "channel error", 20, 40, false)

	assert.Equal(t, KindRemoteClosedConnection, err.Kind)
}

func TestFromReplyCode_AccessRefusedDuringHandshakeIsAuthFailure(t *testing.T) {
	err := FromReplyCode(uint16(AccessRefused), "bad credentials", 10, 40, true)

	assert.Equal(t, KindAuthFailure, err.Kind)
}

func TestFromReplyCode_AccessRefusedOutsideHandshakeIsChannelClosed(t *testing.T) {
	err := FromReplyCode(uint16(AccessRefused), "not allowed", 50, 10, false)

	assert.Equal(t, KindRemoteClosedChannel, err.Kind)
}

func TestErrorIs_MatchesByKind(t *testing.T) {
	err := New(KindChannelClosed, "channel 3 closed")

	assert.True(t, errors.Is(err, ErrChannelClosed))
	assert.False(t, errors.Is(err, ErrRpcTimeout))
}

func TestErrorIs_RequiresMatchingCodeWhenSentinelHasOne(t *testing.T) {
	withCode := &Error{Kind: KindRemoteClosedChannel, Code: NotFound}
	sentinelWithDifferentCode := &Error{Kind: KindRemoteClosedChannel, Code: PreconditionFailed}

	assert.False(t, errors.Is(withCode, sentinelWithDifferentCode))
}

func TestWrap_UnwrapsToCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindConnectionReset, cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestAs_RecoversTypedError(t *testing.T) {
	var target *Error
	err := error(New(KindRpcTimeout, "no reply within deadline"))

	require.True(t, As(err, &target))
	assert.Equal(t, KindRpcTimeout, target.Kind)
}

func TestAmqpError_IsHard(t *testing.T) {
	assert.True(t, ChannelError.IsHard())
	assert.False(t, NotFound.IsHard())
}
