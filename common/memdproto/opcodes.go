package memdproto

import (
	"errors"

	"github.com/couchbase/gocbcore/v10/memd"
)

var (
	ErrMalformedHeader = errors.New("malformed frame header")
)

const (
	OpGet    = memd.CmdGet
	OpSet    = memd.CmdSet
	OpDelete = memd.CmdDelete
	OpQuit   = memd.CmdCode(0x07)
	OpNoop   = memd.CmdNoop
	OpHello  = memd.CmdHello
)

// SetExtrasLen is the size of the flags+expiry extras on a Set request.
const SetExtrasLen = 8

// DatatypeFlagCompressed marks a value body as snappy compressed.
const DatatypeFlagCompressed = uint8(0x02)

// HelloFeature identifies a protocol feature negotiated through HELLO.
type HelloFeature uint16

const (
	FeatureDatatype = HelloFeature(0x01)
	FeatureSnappy   = HelloFeature(0x0a)
)
