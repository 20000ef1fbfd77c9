package tunnelproto

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Wire layout: one encoding byte followed by the CBOR payload, zstd
// compressed when the encoding byte says so.
const (
	encodingRaw  byte = 0x00
	encodingZstd byte = 0x01

	// CompressThreshold is the encoded size above which payloads are
	// compressed.
	CompressThreshold = 1024

	maxDecodedSize = 64 << 20

	// Structural bounds; header maps are the only large containers.
	maxNestedLevels  = 16
	maxMapPairs      = 4096
	maxArrayElements = 4096
)

var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("tunnelproto: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxNestedLevels:  maxNestedLevels,
		MaxArrayElements: maxArrayElements,
		MaxMapPairs:      maxMapPairs,
	}.DecMode()
	if err != nil {
		panic("tunnelproto: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("tunnelproto: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		panic("tunnelproto: zstd decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v as CBOR and frames it with the encoding byte.
func Marshal(v any) ([]byte, error) {
	raw, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor encode: %w", err)
	}
	if len(raw) > CompressThreshold {
		compressed := zstdEncoder.EncodeAll(raw, make([]byte, 1, len(raw)/2+1))
		if len(compressed)-1 < len(raw) {
			compressed[0] = encodingZstd
			return compressed, nil
		}
	}
	out := make([]byte, 1+len(raw))
	out[0] = encodingRaw
	copy(out[1:], raw)
	return out, nil
}

// Unmarshal reverses [Marshal]. Payloads whose CBOR body exceeds 64MiB,
// raw or after decompression, are rejected before decoding.
func Unmarshal(data []byte, v any) error {
	return unmarshal(data, v, maxDecodedSize)
}

func unmarshal(data []byte, v any, limit int) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	body := data[1:]
	if len(body) > limit {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrMalformed, len(body), limit)
	}
	switch data[0] {
	case encodingRaw:
	case encodingZstd:
		decoded, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return fmt.Errorf("%w: zstd: %v", ErrMalformed, err)
		}
		if len(decoded) > limit {
			return fmt.Errorf("%w: decompressed payload of %d bytes exceeds %d", ErrMalformed, len(decoded), limit)
		}
		body = decoded
	default:
		return fmt.Errorf("%w: unknown encoding 0x%02x", ErrMalformed, data[0])
	}
	if err := decMode.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: cbor: %v", ErrMalformed, err)
	}
	return nil
}

// EncodeMessage marshals a request-topic message.
func EncodeMessage(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return Marshal(m)
}

// DecodeMessage unmarshals and validates a request-topic message.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// EncodeFrame marshals a response frame.
func EncodeFrame(f ResponseFrame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return Marshal(f)
}

// DecodeFrame unmarshals and validates a response frame.
func DecodeFrame(data []byte) (ResponseFrame, error) {
	var f ResponseFrame
	if err := Unmarshal(data, &f); err != nil {
		return ResponseFrame{}, err
	}
	if err := f.Validate(); err != nil {
		return ResponseFrame{}, err
	}
	return f, nil
}
