package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransferState_SeedsFromReceived(t *testing.T) {
	// 10 bytes, chunk size 4: chunks of 4, 4 and 2 bytes
	state := newTransferState(10, 4, []int{0, 2}, 3)

	assert.Equal(t, int64(6), state.uploaded())
	assert.True(t, state.has(0))
	assert.False(t, state.has(1))
	assert.True(t, state.has(2))
}

func TestTransferState_IgnoresOutOfRangeSeed(t *testing.T) {
	state := newTransferState(10, 4, []int{-1, 5}, 3)

	assert.Equal(t, int64(0), state.uploaded())
}

func TestTransferState_MarkReceivedDeduplicates(t *testing.T) {
	state := newTransferState(10, 4, nil, 3)

	assert.Equal(t, int64(4), state.markReceived(0))
	assert.Equal(t, int64(0), state.markReceived(0))
	assert.Equal(t, int64(2), state.markReceived(2))
	assert.Equal(t, int64(0), state.markReceived(2))

	assert.Equal(t, int64(6), state.uploaded())
}
