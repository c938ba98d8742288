package latestonlychannel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLatestOnlyChannelEmptyBlocks(t *testing.T) {
	inputCh := make(chan int)
	outputCh := Wrap(inputCh)

	select {
	case <-outputCh:
		t.Fatalf("should have blocked")
	case <-time.After(10 * time.Millisecond):
	}

	close(inputCh)
}

func TestLatestOnlyChannelSingle(t *testing.T) {
	inputCh := make(chan int)
	outputCh := Wrap(inputCh)

	inputCh <- 1
	require.Equal(t, 1, <-outputCh)

	inputCh <- 2
	require.Equal(t, 2, <-outputCh)

	close(inputCh)

	_, ok := <-outputCh
	require.False(t, ok, "output channel was not closed")
}

func TestLatestOnlyChannelCoalesces(t *testing.T) {
	inputCh := make(chan int)
	outputCh := Wrap(inputCh)

	inputCh <- 1
	inputCh <- 2
	inputCh <- 3
	require.Equal(t, 3, <-outputCh)

	inputCh <- 4
	inputCh <- 5
	inputCh <- 6
	require.Equal(t, 6, <-outputCh)

	// an already delivered value is not repeated
	select {
	case v := <-outputCh:
		t.Fatalf("unexpected value %d", v)
	case <-time.After(10 * time.Millisecond):
	}

	close(inputCh)

	_, ok := <-outputCh
	require.False(t, ok, "output channel was not closed")
}
