package memdconn

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/couchbase/fastcouch-go/common/memdproto"
	"github.com/couchbase/gocbcore/v10/memd"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type DialOptions struct {
	ConnOptions

	Address     string
	DialTimeout time.Duration

	// EnableCompression negotiates snappy through HELLO before the
	// connection starts pipelining.
	EnableCompression bool
	ClientName        string

	// Dialer overrides the TCP dialer, mostly for tests.
	Dialer func(ctx context.Context, network, address string) (net.Conn, error)
}

// Dial opens a connection to opts.Address and, if requested, negotiates
// snappy before handing the socket to NewConn.
func Dial(ctx context.Context, opts *DialOptions) (*Conn, error) {
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	dialFn := opts.Dialer
	if dialFn == nil {
		dialer := &net.Dialer{}
		dialFn = dialer.DialContext
	}

	netConn, err := dialFn(dialCtx, "tcp", opts.Address)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", opts.Address)
	}

	connOpts := opts.ConnOptions
	if connOpts.ServerID == "" {
		connOpts.ServerID = opts.Address
	}

	if opts.EnableCompression {
		if deadline, ok := dialCtx.Deadline(); ok {
			_ = netConn.SetDeadline(deadline)
		}

		enabled, err := negotiateHello(netConn, opts.ClientName, []memdproto.HelloFeature{
			memdproto.FeatureDatatype,
			memdproto.FeatureSnappy,
		})
		if err != nil {
			_ = netConn.Close()
			return nil, errors.Wrap(err, "hello negotiation failed")
		}

		_ = netConn.SetDeadline(time.Time{})

		for _, feature := range enabled {
			if feature == memdproto.FeatureSnappy {
				connOpts.SnappyEnabled = true
			}
		}

		if connOpts.Logger != nil {
			connOpts.Logger.Debug("negotiated hello features",
				zap.String("server", connOpts.ServerID),
				zap.Bool("snappy", connOpts.SnappyEnabled))
		}
	}

	return NewConn(netConn, &connOpts), nil
}

// negotiateHello runs a synchronous HELLO exchange and returns the features
// the server enabled.
func negotiateHello(rw io.ReadWriter, clientName string, features []memdproto.HelloFeature) ([]memdproto.HelloFeature, error) {
	value := make([]byte, 2*len(features))
	for i, feature := range features {
		binary.BigEndian.PutUint16(value[i*2:], uint16(feature))
	}

	frame := make([]byte, memdproto.HeaderLen+len(clientName)+len(value))
	memdproto.EncodeHeader(frame, &memdproto.Header{
		Magic:     memd.CmdMagicReq,
		Opcode:    memdproto.OpHello,
		KeyLen:    uint16(len(clientName)),
		TotalBody: uint32(len(clientName) + len(value)),
	})
	copy(frame[memdproto.HeaderLen:], clientName)
	copy(frame[memdproto.HeaderLen+len(clientName):], value)

	_, err := rw.Write(frame)
	if err != nil {
		return nil, err
	}

	hdrBuf := make([]byte, memdproto.HeaderLen)
	_, err = io.ReadFull(rw, hdrBuf)
	if err != nil {
		return nil, err
	}

	var hdr memdproto.Header
	memdproto.DecodeHeader(hdrBuf, &hdr)
	err = memdproto.ValidateResponseHeader(&hdr)
	if err != nil {
		return nil, err
	}

	body := make([]byte, hdr.TotalBody)
	_, err = io.ReadFull(rw, body)
	if err != nil {
		return nil, err
	}

	if hdr.Opcode != memdproto.OpHello {
		return nil, errors.Errorf("unexpected response opcode %s to hello", hdr.Opcode.Name())
	}
	if hdr.Status != memdproto.StatusSuccess {
		return nil, errors.Errorf("hello failed with status %s", hdr.Status)
	}

	enabledBytes := body[int(hdr.ExtrasLen)+int(hdr.KeyLen):]
	enabled := make([]memdproto.HelloFeature, 0, len(enabledBytes)/2)
	for i := 0; i+1 < len(enabledBytes); i += 2 {
		enabled = append(enabled, memdproto.HelloFeature(binary.BigEndian.Uint16(enabledBytes[i:])))
	}

	return enabled, nil
}
