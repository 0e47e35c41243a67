// Package codec converts call envelopes to and from frame bodies.
//
// The codec type travels in every frame header, so one server can talk JSON to
// some clients and MessagePack to others. Responses are always encoded with
// the codec of the request they answer.
package codec

type CodecType byte

const (
	CodecTypeJSON    CodecType = 0
	CodecTypeMsgpack CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=MessagePack
}

// GetCodec returns the codec for codecType, falling back to JSON.
func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeMsgpack {
		return &MsgpackCodec{}
	}

	return &JSONCodec{}
}

// ParseCodecType maps a configuration name ("json", "msgpack") to a CodecType.
func ParseCodecType(name string) (CodecType, bool) {
	switch name {
	case "", "json":
		return CodecTypeJSON, true
	case "msgpack", "messagepack":
		return CodecTypeMsgpack, true
	}
	return 0, false
}
