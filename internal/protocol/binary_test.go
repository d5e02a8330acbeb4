package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"testing"
)

func TestBinaryChunkRoundTrip(t *testing.T) {
	samples := []float32{0, 0.5, -0.5, 1, -1, 0.123456}
	var buf bytes.Buffer
	if err := WriteBinaryChunk(&buf, 3, 24000, samples); err != nil {
		t.Fatalf("write: %v", err)
	}
	if buf.Len() != binaryHeaderSize+4*len(samples) {
		t.Fatalf("unexpected frame size %d", buf.Len())
	}

	msg, err := ReadBinaryMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Kind != BinaryChunk {
		t.Fatalf("unexpected kind %v", msg.Kind)
	}
	if msg.ChunkID != 3 || msg.SampleRate != 24000 {
		t.Fatalf("header mismatch: id=%d rate=%d", msg.ChunkID, msg.SampleRate)
	}
	if len(msg.Samples) != len(samples) {
		t.Fatalf("sample count mismatch: %d", len(msg.Samples))
	}
	for i := range samples {
		if msg.Samples[i] != samples[i] {
			t.Fatalf("sample %d: got %v, want %v", i, msg.Samples[i], samples[i])
		}
	}
}

func TestBinaryChunkBitExact(t *testing.T) {
	// Values with no clean decimal form must survive untouched.
	patterns := []uint32{
		0x00000000, // +0
		0x80000000, // -0
		0x7F800000, // +Inf
		0xFF800000, // -Inf
		0x7FC00001, // NaN with payload
		0x00000001, // smallest subnormal
		0x3F9D70A4, // 1.23-ish
	}
	samples := make([]float32, len(patterns))
	for i, p := range patterns {
		samples[i] = math.Float32frombits(p)
	}

	var buf bytes.Buffer
	if err := WriteBinaryChunk(&buf, 0, 22050, samples); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg, err := ReadBinaryMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	for i, p := range patterns {
		if got := math.Float32bits(msg.Samples[i]); got != p {
			t.Fatalf("sample %d: bits %#08x, want %#08x", i, got, p)
		}
	}
}

func TestBinaryEndFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteBinaryEnd(&buf, 7); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := buf.Bytes()
	if len(frame) != binaryHeaderSize {
		t.Fatalf("end frame must be header-only, got %d bytes", len(frame))
	}
	if got := binary.LittleEndian.Uint32(frame[4:8]); got != endMarker {
		t.Fatalf("unexpected tag %#08x", got)
	}
	if got := binary.LittleEndian.Uint32(frame[12:16]); got != 0 {
		t.Fatalf("end frame rate field must be zero, got %d", got)
	}

	msg, err := ReadBinaryMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Kind != BinaryEnd || msg.TotalChunks != 7 {
		t.Fatalf("unexpected end message: %+v", msg)
	}
}

func TestBinaryErrorFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteBinaryError(&buf, "model exploded: Ünïcödé"); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg, err := ReadBinaryMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Kind != BinaryError {
		t.Fatalf("unexpected kind %v", msg.Kind)
	}
	if msg.Message != "model exploded: Ünïcödé" {
		t.Fatalf("message mangled: %q", msg.Message)
	}
}

func TestBinaryRejectsBadMagic(t *testing.T) {
	frame := make([]byte, binaryHeaderSize)
	copy(frame, "JUNK")
	_, err := ReadBinaryMessage(bytes.NewReader(frame))
	if err == nil {
		t.Fatal("expected bad magic error")
	}
}

func TestBinaryTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteBinaryChunk(&buf, 1, 24000, []float32{1, 2, 3, 4}); err != nil {
		t.Fatalf("write: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-5]
	_, err := ReadBinaryMessage(bytes.NewReader(truncated))
	if err == nil {
		t.Fatal("expected truncation error")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
}

func TestBinaryEmptyChunk(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteBinaryChunk(&buf, 0, 24000, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg, err := ReadBinaryMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Kind != BinaryChunk || len(msg.Samples) != 0 {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestBinaryStreamSequence(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteBinaryChunk(&buf, 0, 24000, []float32{0.1}); err != nil {
		t.Fatalf("chunk 0: %v", err)
	}
	if err := WriteBinaryChunk(&buf, 1, 24000, []float32{0.2, 0.3}); err != nil {
		t.Fatalf("chunk 1: %v", err)
	}
	if err := WriteBinaryEnd(&buf, 2); err != nil {
		t.Fatalf("end: %v", err)
	}

	for want := uint32(0); want < 2; want++ {
		msg, err := ReadBinaryMessage(&buf)
		if err != nil {
			t.Fatalf("read chunk %d: %v", want, err)
		}
		if msg.Kind != BinaryChunk || msg.ChunkID != want {
			t.Fatalf("expected chunk %d, got %+v", want, msg)
		}
	}
	msg, err := ReadBinaryMessage(&buf)
	if err != nil {
		t.Fatalf("read end: %v", err)
	}
	if msg.Kind != BinaryEnd || msg.TotalChunks != 2 {
		t.Fatalf("expected end with 2 chunks, got %+v", msg)
	}
}
