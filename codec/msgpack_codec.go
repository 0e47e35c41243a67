package codec

import (
	"bytes"

	"github.com/vmihailenco/msgpack"
)

// MsgpackCodec encodes envelopes as MessagePack. Result values without msgpack
// tags fall back to their json tags, so both codecs put the same keys on the wire.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf).UseJSONTag(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *MsgpackCodec) Decode(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data)).UseJSONTag(true)
	return dec.Decode(v)
}

func (c *MsgpackCodec) Type() CodecType {
	return CodecTypeMsgpack
}
