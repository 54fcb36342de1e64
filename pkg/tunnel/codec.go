package tunnel

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultMaxFrameSize caps the decompressed size of a single frame.
const DefaultMaxFrameSize = 16 << 20

var (
	// ErrMalformedFrame indicates bytes that do not decode as a frame.
	ErrMalformedFrame = errors.New("malformed tunnel frame")
	// ErrUnknownTag indicates a frame tag outside the defined union.
	ErrUnknownTag = errors.New("unknown frame tag")
	// ErrPayloadTooLarge indicates a frame above the configured size cap.
	ErrPayloadTooLarge = errors.New("frame payload too large")
)

// envelope is the outer wire object: the numeric tag plus the kind-specific
// payload, msgpack-encoded and zstd-compressed as one block.
type envelope struct {
	Tag     uint8              `msgpack:"t"`
	Payload msgpack.RawMessage `msgpack:"p"`
}

// Codec encodes and decodes tunnel frames. It is safe for concurrent use.
type Codec struct {
	maxFrameSize int
	enc          *zstd.Encoder
	dec          *zstd.Decoder
}

// NewCodec creates a codec with the default frame size cap.
func NewCodec() *Codec {
	return NewCodecWithLimit(DefaultMaxFrameSize)
}

// NewCodecWithLimit creates a codec with a custom frame size cap.
func NewCodecWithLimit(maxFrameSize int) *Codec {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}

	// EncodeAll/DecodeAll with nil writers operate in block mode; both are
	// concurrency-safe in this configuration.
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(maxFrameSize)+1))

	return &Codec{
		maxFrameSize: maxFrameSize,
		enc:          enc,
		dec:          dec,
	}
}

// Encode serializes a frame to one compressed binary message.
func (c *Codec) Encode(frame Frame) ([]byte, error) {
	payload, err := msgpack.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", frame.Kind(), err)
	}

	raw, err := msgpack.Marshal(&envelope{
		Tag:     uint8(frame.Kind()),
		Payload: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", frame.Kind(), err)
	}

	if len(raw) > c.maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds cap of %d", ErrPayloadTooLarge, len(raw), c.maxFrameSize)
	}

	return c.enc.EncodeAll(raw, nil), nil
}

// Decode parses one compressed binary message back into a frame. Unknown tags
// and malformed payloads are rejected deterministically; callers treat either
// as a protocol error and close the session.
func (c *Codec) Decode(data []byte) (Frame, error) {
	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompression failed: %v", ErrMalformedFrame, err)
	}
	if len(raw) > c.maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds cap of %d", ErrPayloadTooLarge, len(raw), c.maxFrameSize)
	}

	var env envelope
	if err := msgpack.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrMalformedFrame, err)
	}

	frame, err := newFrame(Kind(env.Tag))
	if err != nil {
		return nil, err
	}
	if err := msgpack.Unmarshal(env.Payload, frame); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, frame.Kind(), err)
	}
	return frame, nil
}

// MaxFrameSize returns the configured decompressed size cap.
func (c *Codec) MaxFrameSize() int {
	return c.maxFrameSize
}

func newFrame(kind Kind) (Frame, error) {
	switch kind {
	case KindAuth:
		return &Auth{}, nil
	case KindAuthResult:
		return &AuthResult{}, nil
	case KindConfigSync:
		return &ConfigSync{}, nil
	case KindConfigAck:
		return &ConfigAck{}, nil
	case KindHeartbeat:
		return &Heartbeat{}, nil
	case KindHeartbeatAck:
		return &HeartbeatAck{}, nil
	case KindRequest:
		return &Request{}, nil
	case KindResponse:
		return &Response{}, nil
	case KindRequestBodyChunk:
		return &RequestBodyChunk{}, nil
	case KindResponseBodyChunk:
		return &ResponseBodyChunk{}, nil
	case KindDisconnect:
		return &Disconnect{}, nil
	case KindError:
		return &Error{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, kind)
	}
}
