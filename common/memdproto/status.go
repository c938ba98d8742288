package memdproto

import "fmt"

// Status is a response status as carried in a response frame header, or one
// of the client-local synthetic statuses above 0x8000 that never appear on
// the wire.
type Status uint16

const (
	StatusSuccess        = Status(0x00)
	StatusKeyNotFound    = Status(0x01)
	StatusKeyExists      = Status(0x02)
	StatusTooBig         = Status(0x03)
	StatusInvalidArgs    = Status(0x04)
	StatusNotStored      = Status(0x05)
	StatusBadDelta       = Status(0x06)
	StatusNotMyVbucket   = Status(0x07)
	StatusAuthError      = Status(0x20)
	StatusUnknownCommand = Status(0x81)
	StatusOutOfMemory    = Status(0x82)
	StatusNotSupported   = Status(0x83)
	StatusInternalError  = Status(0x84)
	StatusBusy           = Status(0x85)
	StatusTmpFail        = Status(0x86)

	StatusDisconnectedBeforeSend   = Status(0x8000)
	StatusDisconnectedWhilePending = Status(0x8001)
	StatusNoReachableOwner         = Status(0x8002)
	StatusTimedOut                 = Status(0x8003)
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusKeyNotFound:
		return "key not found"
	case StatusKeyExists:
		return "key exists"
	case StatusTooBig:
		return "value too large"
	case StatusInvalidArgs:
		return "invalid arguments"
	case StatusNotStored:
		return "item not stored"
	case StatusBadDelta:
		return "non-numeric value"
	case StatusNotMyVbucket:
		return "not my vbucket"
	case StatusAuthError:
		return "authentication error"
	case StatusUnknownCommand:
		return "unknown command"
	case StatusOutOfMemory:
		return "out of memory"
	case StatusNotSupported:
		return "not supported"
	case StatusInternalError:
		return "internal error"
	case StatusBusy:
		return "busy"
	case StatusTmpFail:
		return "temporary failure"
	case StatusDisconnectedBeforeSend:
		return "disconnected before send"
	case StatusDisconnectedWhilePending:
		return "disconnected while pending"
	case StatusNoReachableOwner:
		return "no reachable owner"
	case StatusTimedOut:
		return "timed out"
	}

	return fmt.Sprintf("status(0x%04x)", uint16(s))
}

// IsRecoverable reports whether the router should retry a command that
// received this status rather than complete it.
func (s Status) IsRecoverable() bool {
	switch s {
	case StatusNotMyVbucket, StatusBusy, StatusTmpFail:
		return true
	}
	return false
}

// IsSynthetic reports whether the status was produced by the client rather
// than by a server.
func (s Status) IsSynthetic() bool {
	return s >= StatusDisconnectedBeforeSend
}
