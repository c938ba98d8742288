package memdproto

import (
	"encoding/binary"
	"fmt"

	"github.com/couchbase/gocbcore/v10/memd"
)

// HeaderLen is the size of a memcached binary protocol frame header.
const HeaderLen = 24

// MaxKeyLen is the longest key the data service accepts.
const MaxKeyLen = 250

// Header holds the fixed fields of a request or response frame.  For
// responses, the slot that carries the vbucket id on requests carries the
// status instead, so Vbucket and Status alias the same two bytes.
type Header struct {
	Magic     memd.CmdMagic
	Opcode    memd.CmdCode
	KeyLen    uint16
	ExtrasLen uint8
	Datatype  uint8
	Vbucket   uint16
	Status    Status
	TotalBody uint32
	Opaque    uint32
	Cas       uint64
}

// ValueLen returns the number of value bytes that follow the extras and key.
func (h *Header) ValueLen() int {
	return int(h.TotalBody) - int(h.ExtrasLen) - int(h.KeyLen)
}

func (h *Header) String() string {
	return fmt.Sprintf("magic=0x%02x opcode=%s keyLen=%d extrasLen=%d datatype=0x%02x vb=%d status=%s body=%d opaque=%d cas=%d",
		uint8(h.Magic), h.Opcode.Name(), h.KeyLen, h.ExtrasLen, h.Datatype, h.Vbucket, h.Status, h.TotalBody, h.Opaque, h.Cas)
}

// EncodeHeader writes hdr into the first HeaderLen bytes of buf.  Request
// frames carry the vbucket in bytes 6-7, response frames carry the status.
func EncodeHeader(buf []byte, hdr *Header) {
	if len(buf) < HeaderLen {
		panic("memdproto: buffer too short for header")
	}

	buf[0] = uint8(hdr.Magic)
	buf[1] = uint8(hdr.Opcode)
	binary.BigEndian.PutUint16(buf[2:], hdr.KeyLen)
	buf[4] = hdr.ExtrasLen
	buf[5] = hdr.Datatype
	if hdr.Magic == memd.CmdMagicRes {
		binary.BigEndian.PutUint16(buf[6:], uint16(hdr.Status))
	} else {
		binary.BigEndian.PutUint16(buf[6:], hdr.Vbucket)
	}
	binary.BigEndian.PutUint32(buf[8:], hdr.TotalBody)
	binary.BigEndian.PutUint32(buf[12:], hdr.Opaque)
	binary.BigEndian.PutUint64(buf[16:], hdr.Cas)
}

// DecodeHeader reads the first HeaderLen bytes of buf into hdr.  Bytes 6-7
// populate both Vbucket and Status so callers can read whichever applies to
// the frame direction.
func DecodeHeader(buf []byte, hdr *Header) {
	if len(buf) < HeaderLen {
		panic("memdproto: buffer too short for header")
	}

	hdr.Magic = memd.CmdMagic(buf[0])
	hdr.Opcode = memd.CmdCode(buf[1])
	hdr.KeyLen = binary.BigEndian.Uint16(buf[2:])
	hdr.ExtrasLen = buf[4]
	hdr.Datatype = buf[5]
	slot := binary.BigEndian.Uint16(buf[6:])
	hdr.Vbucket = slot
	hdr.Status = Status(slot)
	hdr.TotalBody = binary.BigEndian.Uint32(buf[8:])
	hdr.Opaque = binary.BigEndian.Uint32(buf[12:])
	hdr.Cas = binary.BigEndian.Uint64(buf[16:])
}

// ValidateResponseHeader checks the fields of a decoded response header that
// would otherwise lead the reader to misframe the stream.
func ValidateResponseHeader(hdr *Header) error {
	if hdr.Magic != memd.CmdMagicRes {
		return fmt.Errorf("%w: unexpected magic 0x%02x", ErrMalformedHeader, uint8(hdr.Magic))
	}
	if int(hdr.ExtrasLen)+int(hdr.KeyLen) > int(hdr.TotalBody) {
		return fmt.Errorf("%w: extras (%d) and key (%d) exceed body length %d",
			ErrMalformedHeader, hdr.ExtrasLen, hdr.KeyLen, hdr.TotalBody)
	}
	return nil
}
