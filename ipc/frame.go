// Package ipc implements the length-prefixed msgpack framing used to carry
// messages between tasks on the Redis transport and to record message
// traces on disk.
//
// A frame is a 4-byte big-endian payload length followed by the payload.
// Every payload is a msgpack map with a "type" discriminant.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/chrisbazley/cblibrary/types"
)

// Frame size constants.
const (
	// MaxFrameSize is the maximum frame size (64 KiB), including length prefix.
	// RAMTransmit payloads are bounded by the receiver's buffer, so this is
	// generous.
	MaxFrameSize = 64 * 1024
	// MaxPayloadSize is the maximum payload size (MaxFrameSize - 4 bytes).
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
)

// Type discriminants.
const (
	// EnvelopeType marks a message delivery or bounce.
	EnvelopeType = "envelope"
	// TraceHeaderType marks the first frame of a trace file.
	TraceHeaderType = "trace_header"
)

// Envelope carries one message between tasks.
type Envelope struct {
	Type string `msgpack:"type" json:"-"`
	// Seq orders envelopes within a trace. Zero on the wire.
	Seq uint64 `msgpack:"seq,omitempty" json:"seq,omitempty"`
	// Mode is the transport delivery mode the message was sent with.
	Mode int8 `msgpack:"mode" json:"mode"`
	// Bounced is set when the envelope returns an unanswered recorded
	// message to its sender.
	Bounced bool             `msgpack:"bounced,omitempty" json:"bounced,omitempty"`
	From    types.TaskHandle `msgpack:"from" json:"from"`
	To      types.TaskHandle `msgpack:"to" json:"to"`
	Message *types.Message   `msgpack:"message" json:"message"`
}

// TraceHeader opens a trace file.
type TraceHeader struct {
	Type     string `msgpack:"type" json:"-"`
	Version  string `msgpack:"version" json:"version"`
	Scenario string `msgpack:"scenario" json:"scenario"`
	Started  string `msgpack:"started" json:"started"`
}

// FrameErrorKind classifies frame errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated or incomplete frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a frame exceeding MaxFrameSize.
	FrameErrorTooLarge
	// FrameErrorDecode indicates a msgpack decoding error.
	FrameErrorDecode
	// FrameErrorEncode indicates a msgpack encoding or write error.
	FrameErrorEncode
)

// FrameError represents a frame encoding or decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the stream cannot be read further. A frame that
// fails to decode can be skipped; a partial or oversized frame cannot.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorPartial || e.Kind == FrameErrorTooLarge
}

// IsFatalFrameError returns true if the error is a fatal frame error.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// FrameDecoder decodes length-prefixed msgpack frames from a stream.
type FrameDecoder struct {
	reader io.Reader
}

// NewFrameDecoder creates a new frame decoder.
func NewFrameDecoder(r io.Reader) *FrameDecoder {
	return &FrameDecoder{reader: r}
}

// ReadFrame reads a single frame from the stream and returns its payload.
//
// Errors:
//   - io.EOF: stream ended cleanly (no more frames)
//   - *FrameError with Kind=FrameErrorPartial: incomplete frame (fatal)
//   - *FrameError with Kind=FrameErrorTooLarge: frame exceeds limit (fatal)
func (d *FrameDecoder) ReadFrame() ([]byte, error) {
	var lengthBuf [LengthPrefixSize]byte
	_, err := io.ReadFull(d.reader, lengthBuf[:])
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read length prefix",
			Err:  err,
		}
	}

	payloadSize := binary.BigEndian.Uint32(lengthBuf[:])
	if payloadSize > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", payloadSize, MaxPayloadSize),
		}
	}

	payload := make([]byte, payloadSize)
	_, err = io.ReadFull(d.reader, payload)
	if err != nil {
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read payload",
			Err:  err,
		}
	}

	return payload, nil
}

// FrameEncoder writes length-prefixed msgpack frames to a stream.
type FrameEncoder struct {
	writer io.Writer
}

// NewFrameEncoder creates a new frame encoder.
func NewFrameEncoder(w io.Writer) *FrameEncoder {
	return &FrameEncoder{writer: w}
}

// WriteFrame writes payload with its length prefix.
func (e *FrameEncoder) WriteFrame(payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", len(payload), MaxPayloadSize),
		}
	}
	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)
	if _, err := e.writer.Write(buf); err != nil {
		return &FrameError{Kind: FrameErrorEncode, Msg: "failed to write frame", Err: err}
	}
	return nil
}

// WriteEnvelope encodes and writes an envelope.
func (e *FrameEncoder) WriteEnvelope(env *Envelope) error {
	payload, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return e.WriteFrame(payload)
}

// WriteTraceHeader encodes and writes a trace header.
func (e *FrameEncoder) WriteTraceHeader(h *TraceHeader) error {
	h.Type = TraceHeaderType
	payload, err := msgpack.Marshal(h)
	if err != nil {
		return &FrameError{Kind: FrameErrorEncode, Msg: "failed to encode trace header", Err: err}
	}
	return e.WriteFrame(payload)
}

// EncodeEnvelope encodes an envelope payload without a length prefix.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	env.Type = EnvelopeType
	payload, err := msgpack.Marshal(env)
	if err != nil {
		return nil, &FrameError{Kind: FrameErrorEncode, Msg: "failed to encode envelope", Err: err}
	}
	return payload, nil
}

// frameTypeProbe is used to peek at the type field without full decode.
type frameTypeProbe struct {
	Type string `msgpack:"type"`
}

// DecodeFrame decodes a payload and returns either an *Envelope or a
// *TraceHeader, discriminated by its type field.
func DecodeFrame(payload []byte) (any, error) {
	var probe frameTypeProbe
	if err := msgpack.Unmarshal(payload, &probe); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode frame type",
			Err:  err,
		}
	}

	switch probe.Type {
	case EnvelopeType:
		return DecodeEnvelope(payload)
	case TraceHeaderType:
		return DecodeTraceHeader(payload)
	default:
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  fmt.Sprintf("unknown frame type %q", probe.Type),
		}
	}
}

// DecodeEnvelope decodes a payload as an Envelope.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(payload, &env); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode envelope",
			Err:  err,
		}
	}
	if env.Message == nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "envelope has no message"}
	}
	return &env, nil
}

// DecodeTraceHeader decodes a payload as a TraceHeader.
func DecodeTraceHeader(payload []byte) (*TraceHeader, error) {
	var h TraceHeader
	if err := msgpack.Unmarshal(payload, &h); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode trace header",
			Err:  err,
		}
	}
	return &h, nil
}
