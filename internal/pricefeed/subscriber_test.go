package pricefeed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeAnswerReadsFirstWordAsFixedPoint8(t *testing.T) {
	// 300000000000 == 3000.00000000 at 8 decimals
	data := "0x00000000000000000000000000000000000000000000000000000045d964b800"
	price, ok := decodeAnswer(data)
	require.True(t, ok)
	require.InDelta(t, 3000.0, price, 0.001)
}

func TestDecodeAnswerRejectsShortData(t *testing.T) {
	_, ok := decodeAnswer("0x01")
	require.False(t, ok)
}

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	b := minBackoff
	for i := 0; i < 10; i++ {
		b = nextBackoff(b)
	}
	require.Equal(t, maxBackoff, b)
	require.Equal(t, maxBackoff, nextBackoff(maxBackoff))
}

func TestTaskHealthyRequiresRecentMessage(t *testing.T) {
	task := &Task{}
	require.False(t, task.Healthy(), "never connected")

	task.connected = true
	task.lastMessageAt = time.Now()
	require.True(t, task.Healthy())

	task.lastMessageAt = time.Now().Add(-healthyMessageWindow - time.Second)
	require.False(t, task.Healthy())
}
