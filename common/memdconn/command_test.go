package memdconn

import (
	"strings"
	"testing"
	"time"

	"github.com/couchbase/fastcouch-go/common/memdproto"
	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestCommandWriteValueInChunks(t *testing.T) {
	value := []byte("0123456789abcdef")
	cmd := NewSet(1, "key", value, nil, nil)
	cmd.BeginWriting(false)

	require.Equal(t, memdproto.SetExtrasLen, cmd.ExtrasLen())
	require.Equal(t, memdproto.SetExtrasLen+3+len(value), cmd.BodyLen())

	var out []byte
	buf := make([]byte, 5)
	for offset := 0; offset < cmd.ValueLen(); {
		n := cmd.WriteValue(buf, offset)
		require.Greater(t, n, 0)
		out = append(out, buf[:n]...)
		offset += n
	}
	require.Equal(t, value, out)
	require.Equal(t, 0, cmd.WriteValue(buf, len(value)))
}

func TestCommandExtrasAndKey(t *testing.T) {
	buf := []byte{9, 9, 9, 9, 9, 9, 9, 9, 9, 9}

	set := NewSet(1, "ab", nil, nil, nil)
	require.Equal(t, 8, set.WriteExtras(buf))
	require.Equal(t, make([]byte, 8), buf[:8])

	get := NewGet(2, "hello", nil, nil)
	require.Equal(t, 0, get.WriteExtras(buf))
	require.Equal(t, 5, get.WriteKey(buf))
	require.Equal(t, "hello", string(buf[:5]))
}

func TestCommandBeginWritingCompression(t *testing.T) {
	value := []byte(strings.Repeat("compressible ", 20))
	cmd := NewSet(1, "key", value, nil, nil)

	cmd.BeginWriting(true)
	require.Equal(t, memdproto.DatatypeFlagCompressed, cmd.Datatype())
	require.Less(t, cmd.ValueLen(), len(value))

	decoded, err := snappy.Decode(nil, cmd.body)
	require.NoError(t, err)
	require.Equal(t, value, decoded)

	// a later attempt on a connection without snappy writes the raw value
	cmd.BeginWriting(false)
	require.Equal(t, uint8(0), cmd.Datatype())
	require.Equal(t, len(value), cmd.ValueLen())

	// short values are never compressed
	short := NewSet(2, "key", []byte("tiny"), nil, nil)
	short.BeginWriting(true)
	require.Equal(t, uint8(0), short.Datatype())
}

func TestCommandParseAndComplete(t *testing.T) {
	var calls int
	var gotStatus memdproto.Status
	var gotValue string
	var gotCas uint64
	var gotState interface{}

	cmd := NewGet(7, "Hello", func(status memdproto.Status, value string, cas uint64, state interface{}) {
		calls++
		gotStatus, gotValue, gotCas, gotState = status, value, cas, state
	}, "my-state")

	body := []byte(`{"Str":"World"}`)
	cmd.SetResponse(memdproto.StatusSuccess, 99, 0)
	cmd.Parse(memdproto.StatusSuccess, body[:4], nil, nil, 0, len(body))
	cmd.Parse(memdproto.StatusSuccess, body[4:], nil, nil, 4, len(body))
	cmd.NotifyComplete()
	cmd.NotifyComplete()
	cmd.NotifyCompleteWithStatus(memdproto.StatusDisconnectedWhilePending)

	require.Equal(t, 1, calls)
	assert.Equal(t, memdproto.StatusSuccess, gotStatus)
	assert.Equal(t, string(body), gotValue)
	assert.Equal(t, uint64(99), gotCas)
	assert.Equal(t, "my-state", gotState)
	assert.True(t, cmd.IsCompleted())
}

func TestCommandCompressedGetValue(t *testing.T) {
	raw := []byte(strings.Repeat("abc", 50))
	compressed := snappy.Encode(nil, raw)

	var gotValue string
	cmd := NewGet(1, "k", func(status memdproto.Status, value string, cas uint64, state interface{}) {
		gotValue = value
	}, nil)
	cmd.SetResponse(memdproto.StatusSuccess, 1, memdproto.DatatypeFlagCompressed)
	cmd.Parse(memdproto.StatusSuccess, compressed, nil, nil, 0, len(compressed))
	cmd.NotifyComplete()

	require.Equal(t, string(raw), gotValue)
}

func TestCommandCorruptCompressedValue(t *testing.T) {
	var gotStatus memdproto.Status
	cmd := NewGet(1, "k", func(status memdproto.Status, value string, cas uint64, state interface{}) {
		gotStatus = status
	}, nil)
	cmd.SetResponse(memdproto.StatusSuccess, 1, memdproto.DatatypeFlagCompressed)
	cmd.Parse(memdproto.StatusSuccess, []byte{0xff, 0xff, 0xff}, nil, nil, 0, 3)
	cmd.NotifyComplete()

	require.Equal(t, memdproto.StatusInternalError, gotStatus)
	require.NotEmpty(t, cmd.ErrorMessage())
}

func TestCommandHooksRunBeforeCallback(t *testing.T) {
	var order []string
	cmd := NewDelete(3, "k", func(status memdproto.Status, value string, cas uint64, state interface{}) {
		order = append(order, "callback")
	}, nil)
	cmd.AddCompletionHook(func(c *Command) {
		order = append(order, "hook")
		require.Equal(t, memdproto.StatusKeyNotFound, c.Status())
	})

	cmd.NotifyCompleteWithStatus(memdproto.StatusKeyNotFound)
	require.Equal(t, []string{"hook", "callback"}, order)
}

func TestCommandCompletionStopsDeadlineTimer(t *testing.T) {
	var fired atomic.Bool
	cmd := NewGet(4, "k", nil, nil)
	cmd.SetDeadline(time.Now().Add(time.Hour))

	cmd.armDeadline(func() { fired.Store(true) })
	timer := cmd.deadlineTimer
	require.NotNil(t, timer)

	// moving to another connection replaces the timer
	cmd.armDeadline(func() { fired.Store(true) })
	require.NotSame(t, timer, cmd.deadlineTimer)
	assert.False(t, timer.Stop())
	timer = cmd.deadlineTimer

	cmd.NotifyCompleteWithStatus(memdproto.StatusKeyNotFound)
	assert.Nil(t, cmd.deadlineTimer)
	assert.False(t, timer.Stop())

	cmd.armDeadline(func() { fired.Store(true) })
	assert.Nil(t, cmd.deadlineTimer)
	assert.False(t, fired.Load())
}

func TestCommandVbucketAssignment(t *testing.T) {
	cmd := NewGet(1, "k", nil, nil)
	_, ok := cmd.VbucketID()
	require.False(t, ok)

	cmd.SetVbucketID(12)
	vb, ok := cmd.VbucketID()
	require.True(t, ok)
	require.Equal(t, uint16(12), vb)

	require.Equal(t, 1, cmd.IncrementRetries())
	require.Equal(t, 2, cmd.IncrementRetries())
}
