// Package protocol implements the length-prefixed frame format the server reads
// call envelopes from.
//
// A fixed 14-byte header precedes every body, so the reader always knows how
// many bytes belong to the current frame:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ crp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// Framing errors are connection-fatal; body decoding errors are not, they are
// answered per call by the server.
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	MagicNumber byte = 0x63 // 'c'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodySize bounds a single frame body.
	MaxBodySize uint32 = 16 << 20
)

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Client → Server call
	MsgTypeResponse  MsgType = 1 // Server → Client response
	MsgTypeHeartbeat MsgType = 2 // KeepAlive probe, body optional
)

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON    byte = 0
	CodecTypeMsgpack byte = 1
)

var (
	ErrBadMagic     = errors.New("invalid magic number")
	ErrBadVersion   = errors.New("unsupported version")
	ErrBadCodec     = errors.New("unsupported codec type")
	ErrBadMsgType   = errors.New("unsupported message type")
	ErrBodyTooLarge = errors.New("frame body too large")
)

// Header represents the fixed 14-byte frame header.
type Header struct {
	CodecType byte
	MsgType   MsgType
	Seq       uint32 // Matches a response frame to its request frame
	BodyLen   uint32
}

// Encode writes a complete frame (header + body) to w. BodyLen is taken from body.
// The caller must serialise concurrent writers sharing w.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) > MaxBodySize {
		return errors.Wrapf(ErrBodyTooLarge, "%d bytes", len(body))
	}
	buf := make([]byte, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	// one Write per frame so a frame is never split by another writer's bytes
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, errors.Wrapf(ErrBadMagic, "%x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, errors.Wrapf(ErrBadVersion, "%d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeMsgpack {
		return nil, nil, errors.Wrapf(ErrBadCodec, "%d", headerBuf[4])
	}
	msgType := MsgType(headerBuf[5])
	if msgType != MsgTypeRequest && msgType != MsgTypeResponse && msgType != MsgTypeHeartbeat {
		return nil, nil, errors.Wrapf(ErrBadMsgType, "%d", msgType)
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodySize {
		return nil, nil, errors.Wrapf(ErrBodyTooLarge, "%d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}
