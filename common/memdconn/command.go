package memdconn

import (
	"fmt"
	"sync"
	"time"

	"github.com/couchbase/fastcouch-go/common/memdproto"
	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/golang/snappy"
	"go.uber.org/atomic"
)

// Callback receives the outcome of a command.  value is empty for commands
// that do not read a document.
type Callback func(status memdproto.Status, value string, cas uint64, state interface{})

// minCompressLen is the smallest value worth running through snappy.
const minCompressLen = 32

// Command is a single request/response cycle.  A command is owned by at most
// one connection at a time; the router takes it back on retry or terminal
// failure.
type Command struct {
	opcode   memd.CmdCode
	opaque   uint32
	key      string
	value    []byte
	cas      uint64
	callback Callback
	state    interface{}
	deadline time.Time

	vbucket    uint16
	hasVbucket bool
	retries    int

	// per-attempt write state, reset by BeginWriting
	body     []byte
	datatype uint8

	resStatus   memdproto.Status
	resCas      uint64
	resDatatype uint8
	resValue    []byte
	errMessage  string

	hooks     []func(*Command)
	completed atomic.Bool

	timerLock     sync.Mutex
	deadlineTimer *time.Timer
}

func newCommand(opcode memd.CmdCode, opaque uint32, key string, value []byte, cas uint64, cb Callback, state interface{}) *Command {
	return &Command{
		opcode:   opcode,
		opaque:   opaque,
		key:      key,
		value:    value,
		cas:      cas,
		callback: cb,
		state:    state,
	}
}

func NewGet(opaque uint32, key string, cb Callback, state interface{}) *Command {
	return newCommand(memdproto.OpGet, opaque, key, nil, 0, cb, state)
}

func NewSet(opaque uint32, key string, value []byte, cb Callback, state interface{}) *Command {
	return newCommand(memdproto.OpSet, opaque, key, value, 0, cb, state)
}

// NewCheckAndSet builds a Set that only succeeds while the stored document
// still carries cas.
func NewCheckAndSet(opaque uint32, key string, value []byte, cas uint64, cb Callback, state interface{}) *Command {
	return newCommand(memdproto.OpSet, opaque, key, value, cas, cb, state)
}

func NewDelete(opaque uint32, key string, cb Callback, state interface{}) *Command {
	return newCommand(memdproto.OpDelete, opaque, key, nil, 0, cb, state)
}

func NewQuit(opaque uint32, cb Callback, state interface{}) *Command {
	return newCommand(memdproto.OpQuit, opaque, "", nil, 0, cb, state)
}

func NewNoop(opaque uint32, cb Callback, state interface{}) *Command {
	return newCommand(memdproto.OpNoop, opaque, "", nil, 0, cb, state)
}

func (c *Command) Opcode() memd.CmdCode { return c.opcode }
func (c *Command) Opaque() uint32       { return c.opaque }
func (c *Command) Key() string          { return c.key }
func (c *Command) Cas() uint64          { return c.cas }
func (c *Command) State() interface{}   { return c.state }

func (c *Command) String() string {
	return fmt.Sprintf("%s(opaque=%d key=%q vb=%d)", c.opcode.Name(), c.opaque, c.key, c.vbucket)
}

// SetDeadline arms a per-command deadline enforced by the connection that
// owns the command.  The zero time disables it.
func (c *Command) SetDeadline(deadline time.Time) { c.deadline = deadline }
func (c *Command) Deadline() time.Time            { return c.deadline }

// armDeadline schedules fn for the command's deadline, replacing the timer
// of any previous connection.  Nothing is scheduled once completed.
func (c *Command) armDeadline(fn func()) {
	c.timerLock.Lock()
	defer c.timerLock.Unlock()

	if c.deadlineTimer != nil {
		c.deadlineTimer.Stop()
		c.deadlineTimer = nil
	}
	if c.completed.Load() {
		return
	}
	c.deadlineTimer = time.AfterFunc(time.Until(c.deadline), fn)
}

func (c *Command) stopDeadline() {
	c.timerLock.Lock()
	defer c.timerLock.Unlock()

	if c.deadlineTimer != nil {
		c.deadlineTimer.Stop()
		c.deadlineTimer = nil
	}
}

// VbucketID returns the shard the command was assigned on its first send.
func (c *Command) VbucketID() (uint16, bool) { return c.vbucket, c.hasVbucket }

func (c *Command) SetVbucketID(vbID uint16) {
	c.vbucket = vbID
	c.hasVbucket = true
}

// IncrementRetries bumps and returns the number of times the command has been
// rerouted after a recoverable server status.
func (c *Command) IncrementRetries() int {
	c.retries++
	return c.retries
}

// AddCompletionHook registers fn to run just before the callback fires.
func (c *Command) AddCompletionHook(fn func(*Command)) {
	c.hooks = append(c.hooks, fn)
}

func (c *Command) IsCompleted() bool { return c.completed.Load() }

func (c *Command) ExtrasLen() int {
	if c.opcode == memdproto.OpSet {
		return memdproto.SetExtrasLen
	}
	return 0
}

// ValueLen is the number of value bytes this attempt will write.  Only valid
// after BeginWriting.
func (c *Command) ValueLen() int { return len(c.body) }

// BodyLen is the total body length for the frame header.
func (c *Command) BodyLen() int { return c.ExtrasLen() + len(c.key) + len(c.body) }

// Datatype is the request datatype chosen by BeginWriting.
func (c *Command) Datatype() uint8 { return c.datatype }

// BeginWriting resets the per-attempt encoder state.  When the connection
// negotiated snappy, large Set values are compressed for this attempt.
func (c *Command) BeginWriting(snappyEnabled bool) {
	c.body = c.value
	c.datatype = 0

	if !snappyEnabled || c.opcode != memdproto.OpSet || len(c.value) < minCompressLen {
		return
	}

	compressed := snappy.Encode(make([]byte, snappy.MaxEncodedLen(len(c.value))), c.value)
	if len(compressed) < len(c.value) {
		c.body = compressed
		c.datatype = memdproto.DatatypeFlagCompressed
	}
}

// WriteExtras fills buf with the request extras.  Set carries zeroed flags
// and expiry.
func (c *Command) WriteExtras(buf []byte) int {
	n := c.ExtrasLen()
	for i := 0; i < n; i++ {
		buf[i] = 0
	}
	return n
}

func (c *Command) WriteKey(buf []byte) int {
	return copy(buf, c.key)
}

// WriteValue copies as much of the value as fits in buf, starting at offset.
func (c *Command) WriteValue(buf []byte, offset int) int {
	if offset >= len(c.body) {
		return 0
	}
	return copy(buf, c.body[offset:])
}

// SetResponse records the header fields of the response.
func (c *Command) SetResponse(status memdproto.Status, cas uint64, datatype uint8) {
	c.resStatus = status
	c.resCas = cas
	c.resDatatype = datatype
}

// Parse receives one chunk of a successful response's value.
func (c *Command) Parse(status memdproto.Status, chunk, extras, key []byte, previouslyRead, totalValue int) {
	if c.opcode != memdproto.OpGet || status != memdproto.StatusSuccess {
		return
	}

	if previouslyRead == 0 {
		c.resValue = make([]byte, 0, totalValue)
	}
	c.resValue = append(c.resValue, chunk...)
}

func (c *Command) SetErrorMessage(msg string) { c.errMessage = msg }
func (c *Command) ErrorMessage() string       { return c.errMessage }

// Status is the response status recorded so far.
func (c *Command) Status() memdproto.Status { return c.resStatus }

// NotifyComplete fires the callback with the recorded response.
func (c *Command) NotifyComplete() {
	c.NotifyCompleteWithStatus(c.resStatus)
}

// NotifyCompleteWithStatus fires the callback with status.  Only the first
// call has any effect.
func (c *Command) NotifyCompleteWithStatus(status memdproto.Status) {
	if !c.completed.CompareAndSwap(false, true) {
		return
	}
	c.stopDeadline()

	var value string
	if status == memdproto.StatusSuccess && c.opcode == memdproto.OpGet && len(c.resValue) > 0 {
		decoded, err := c.decodeValue()
		if err != nil {
			status = memdproto.StatusInternalError
			c.errMessage = err.Error()
		} else {
			value = string(decoded)
		}
	}
	c.resStatus = status

	for _, hook := range c.hooks {
		hook(c)
	}

	if c.callback != nil {
		c.callback(status, value, c.resCas, c.state)
	}
}

func (c *Command) decodeValue() ([]byte, error) {
	if c.resDatatype&memdproto.DatatypeFlagCompressed == 0 {
		return c.resValue, nil
	}

	out, err := snappy.Decode(nil, c.resValue)
	if err != nil {
		return nil, fmt.Errorf("compressed value could not be decompressed: %w", err)
	}
	return out, nil
}
