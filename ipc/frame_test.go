package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/chrisbazley/cblibrary/types"
)

// encodeFrame encodes a payload with length prefix.
func encodeFrame(payload []byte) []byte {
	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)
	return buf
}

func dataSaveEnvelope() *Envelope {
	return &Envelope{
		Seq:  1,
		Mode: 1,
		From: 2,
		To:   3,
		Message: &types.Message{
			Size:   48,
			Sender: 2,
			MyRef:  17,
			Action: types.ActionDataSave,
			Transfer: &types.DataTransfer{
				Window:   0x100,
				Icon:     -1,
				X:        640,
				Y:        512,
				EstSize:  1024,
				FileType: types.FileTypeText,
				Name:     "TextFile",
			},
		},
	}
}

func TestFrameEncoder_EnvelopeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewFrameEncoder(&buf)

	want := dataSaveEnvelope()
	if err := enc.WriteEnvelope(want); err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}

	decoder := NewFrameDecoder(&buf)
	payload, err := decoder.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}

	result, err := DecodeFrame(payload)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	got, ok := result.(*Envelope)
	if !ok {
		t.Fatalf("DecodeFrame returned %T, want *Envelope", result)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("envelope mismatch (-want +got):\n%s", diff)
	}

	if _, err := decoder.ReadFrame(); err != io.EOF {
		t.Errorf("expected io.EOF after last frame, got: %v", err)
	}
}

func TestFrameEncoder_RAMTransmitCarriesData(t *testing.T) {
	payload, err := EncodeEnvelope(&Envelope{
		Message: &types.Message{
			Action: types.ActionRAMTransmit,
			RAM:    &types.RAMBlock{Buffer: 7, Size: 5, Data: []byte("hello")},
		},
	})
	if err != nil {
		t.Fatalf("EncodeEnvelope failed: %v", err)
	}

	env, err := DecodeEnvelope(payload)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if got := string(env.Message.RAM.Data); got != "hello" {
		t.Errorf("Data = %q, want %q", got, "hello")
	}
	if env.Message.Transfer != nil {
		t.Error("absent body decoded as non-nil")
	}
}

func TestFrameDecoder_TraceStream(t *testing.T) {
	var buf bytes.Buffer
	enc := NewFrameEncoder(&buf)

	if err := enc.WriteTraceHeader(&TraceHeader{Version: "0.3.0", Scenario: "ram", Started: "2026-01-15T10:00:00Z"}); err != nil {
		t.Fatal(err)
	}
	for i := uint64(1); i <= 3; i++ {
		env := dataSaveEnvelope()
		env.Seq = i
		if err := enc.WriteEnvelope(env); err != nil {
			t.Fatal(err)
		}
	}

	decoder := NewFrameDecoder(&buf)
	var kinds []string
	var seqs []uint64
	for {
		payload, err := decoder.ReadFrame()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadFrame failed: %v", err)
		}
		result, err := DecodeFrame(payload)
		if err != nil {
			t.Fatalf("DecodeFrame failed: %v", err)
		}
		switch v := result.(type) {
		case *TraceHeader:
			kinds = append(kinds, "header")
			if v.Scenario != "ram" {
				t.Errorf("Scenario = %q, want ram", v.Scenario)
			}
		case *Envelope:
			kinds = append(kinds, "envelope")
			seqs = append(seqs, v.Seq)
		}
	}

	if diff := cmp.Diff([]string{"header", "envelope", "envelope", "envelope"}, kinds); diff != "" {
		t.Errorf("frame kinds (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint64{1, 2, 3}, seqs); diff != "" {
		t.Errorf("sequence numbers (-want +got):\n%s", diff)
	}
}

func TestFrameDecoder_PartialFrame(t *testing.T) {
	payload, _ := EncodeEnvelope(dataSaveEnvelope())
	frame := encodeFrame(payload)

	// Keep only the length prefix and half the payload
	truncated := frame[:LengthPrefixSize+len(payload)/2]

	decoder := NewFrameDecoder(bytes.NewReader(truncated))
	_, err := decoder.ReadFrame()
	if err == nil {
		t.Fatal("expected error for truncated frame")
	}
	if !IsFatalFrameError(err) {
		t.Errorf("expected fatal frame error, got: %v", err)
	}

	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected *FrameError, got %T", err)
	}
	if frameErr.Kind != FrameErrorPartial {
		t.Errorf("Kind = %v, want FrameErrorPartial", frameErr.Kind)
	}
}

func TestFrameDecoder_OversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint32(MaxPayloadSize+1))

	_, err := NewFrameDecoder(&buf).ReadFrame()
	if !IsFatalFrameError(err) {
		t.Fatalf("expected fatal frame error, got: %v", err)
	}
	var frameErr *FrameError
	if errors.As(err, &frameErr) && frameErr.Kind != FrameErrorTooLarge {
		t.Errorf("Kind = %v, want FrameErrorTooLarge", frameErr.Kind)
	}
}

func TestFrameEncoder_OversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	err := NewFrameEncoder(&buf).WriteFrame(make([]byte, MaxPayloadSize+1))

	var frameErr *FrameError
	if !errors.As(err, &frameErr) || frameErr.Kind != FrameErrorTooLarge {
		t.Fatalf("err = %v, want FrameErrorTooLarge", err)
	}
	if buf.Len() != 0 {
		t.Errorf("wrote %d bytes for a rejected frame", buf.Len())
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disc full") }

func TestFrameEncoder_WriteError(t *testing.T) {
	err := NewFrameEncoder(failingWriter{}).WriteFrame([]byte{0x80})

	var frameErr *FrameError
	if !errors.As(err, &frameErr) || frameErr.Kind != FrameErrorEncode {
		t.Fatalf("err = %v, want FrameErrorEncode", err)
	}
	if frameErr.IsFatal() {
		t.Error("encode errors should not be fatal to a reader")
	}
}

func TestFrameDecoder_EmptyStream(t *testing.T) {
	_, err := NewFrameDecoder(bytes.NewReader(nil)).ReadFrame()
	if err != io.EOF {
		t.Errorf("expected io.EOF, got: %v", err)
	}
}

func TestFrameDecoder_TruncatedLengthPrefix(t *testing.T) {
	_, err := NewFrameDecoder(bytes.NewReader([]byte{0x00, 0x00})).ReadFrame()

	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected *FrameError, got %T", err)
	}
	if frameErr.Kind != FrameErrorPartial {
		t.Errorf("Kind = %v, want FrameErrorPartial", frameErr.Kind)
	}
}

// Decode errors are non-fatal: the frame was read correctly, only its
// content could not be decoded.
func TestDecodeFrame_Errors(t *testing.T) {
	unknown, _ := msgpack.Marshal(map[string]any{"type": "artifact_chunk"})
	noMessage, _ := msgpack.Marshal(map[string]any{"type": EnvelopeType, "mode": 0})

	tests := []struct {
		name    string
		payload []byte
	}{
		{"malformed msgpack", []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"unknown type", unknown},
		{"envelope without message", noMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame(tt.payload)
			var frameErr *FrameError
			if !errors.As(err, &frameErr) {
				t.Fatalf("expected *FrameError, got %T (%v)", err, err)
			}
			if frameErr.Kind != FrameErrorDecode {
				t.Errorf("Kind = %v, want FrameErrorDecode", frameErr.Kind)
			}
			if IsFatalFrameError(err) {
				t.Error("decode errors should not be fatal")
			}
		})
	}
}

func TestFrameError_Unwrap(t *testing.T) {
	err := &FrameError{Kind: FrameErrorPartial, Msg: "test", Err: io.ErrUnexpectedEOF}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("Unwrap should allow errors.Is to find underlying error")
	}
	if got := err.Error(); got != "test: unexpected EOF" {
		t.Errorf("Error() = %q", got)
	}
	if IsFatalFrameError(errors.New("regular error")) || IsFatalFrameError(nil) || IsFatalFrameError(io.EOF) {
		t.Error("non-frame errors should not be fatal frame errors")
	}
}
