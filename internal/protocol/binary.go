package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// SPKR binary framing. Once a connection switches to binary streaming it
// stays binary for the rest of its life. All integers are little-endian.
//
//	chunk: [magic "SPKR":4][chunk id:4][sample count:4][sample rate:4][float32 samples]
//	end:   [magic "SPKR":4][0xFFFFFFFF:4][total chunks:4][0:4]
//	error: [magic "SPKR":4][0xFFFFFFFE:4][message byte length:4][0:4][utf-8 message]
const (
	binaryMagic      = "SPKR"
	binaryHeaderSize = 16

	endMarker   uint32 = 0xFFFFFFFF
	errorMarker uint32 = 0xFFFFFFFE
)

// ErrBadMagic reports a binary frame that does not start with "SPKR".
var ErrBadMagic = errors.New("bad frame magic")

// BinaryKind discriminates decoded binary messages.
type BinaryKind int

const (
	BinaryChunk BinaryKind = iota
	BinaryEnd
	BinaryError
)

// BinaryMessage is one decoded SPKR frame. Fields are populated per Kind:
// chunks carry ChunkID/SampleRate/Samples, end frames carry TotalChunks,
// error frames carry Message.
type BinaryMessage struct {
	Kind        BinaryKind
	ChunkID     uint32
	SampleRate  int
	Samples     []float32
	TotalChunks int
	Message     string
}

// WriteBinaryChunk emits one audio chunk frame. Header and samples are
// assembled into a single buffer and written with one Write so a frame is
// never split across writes.
func WriteBinaryChunk(w io.Writer, chunkID uint32, sampleRate int, samples []float32) error {
	buf := make([]byte, binaryHeaderSize+4*len(samples))
	putBinaryHeader(buf, chunkID, uint32(len(samples)), uint32(sampleRate))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[binaryHeaderSize+4*i:], math.Float32bits(s))
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write chunk frame: %w", err)
	}
	return nil
}

// WriteBinaryEnd emits the end-of-stream frame carrying the chunk total.
func WriteBinaryEnd(w io.Writer, totalChunks int) error {
	buf := make([]byte, binaryHeaderSize)
	putBinaryHeader(buf, endMarker, uint32(totalChunks), 0)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write end frame: %w", err)
	}
	return nil
}

// WriteBinaryError emits a terminal error frame. No frames follow it.
func WriteBinaryError(w io.Writer, message string) error {
	msg := []byte(message)
	buf := make([]byte, binaryHeaderSize+len(msg))
	putBinaryHeader(buf, errorMarker, uint32(len(msg)), 0)
	copy(buf[binaryHeaderSize:], msg)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write error frame: %w", err)
	}
	return nil
}

func putBinaryHeader(buf []byte, tag, count, rate uint32) {
	copy(buf[0:4], binaryMagic)
	binary.LittleEndian.PutUint32(buf[4:8], tag)
	binary.LittleEndian.PutUint32(buf[8:12], count)
	binary.LittleEndian.PutUint32(buf[12:16], rate)
}

// ReadBinaryMessage decodes one SPKR frame from r. Bodies are read with
// io.ReadFull, so a short read surfaces as io.ErrUnexpectedEOF rather than a
// truncated message.
func ReadBinaryMessage(r io.Reader) (BinaryMessage, error) {
	var header [binaryHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return BinaryMessage{}, fmt.Errorf("read frame header: %w", err)
	}
	if string(header[0:4]) != binaryMagic {
		return BinaryMessage{}, fmt.Errorf("%w: %q", ErrBadMagic, header[0:4])
	}

	tag := binary.LittleEndian.Uint32(header[4:8])
	count := binary.LittleEndian.Uint32(header[8:12])
	rate := binary.LittleEndian.Uint32(header[12:16])

	switch tag {
	case endMarker:
		return BinaryMessage{Kind: BinaryEnd, TotalChunks: int(count)}, nil
	case errorMarker:
		msg := make([]byte, count)
		if _, err := io.ReadFull(r, msg); err != nil {
			return BinaryMessage{}, fmt.Errorf("read error frame body: %w", err)
		}
		return BinaryMessage{Kind: BinaryError, Message: string(msg)}, nil
	default:
		body := make([]byte, 4*count)
		if _, err := io.ReadFull(r, body); err != nil {
			return BinaryMessage{}, fmt.Errorf("read chunk frame body: %w", err)
		}
		samples := make([]float32, count)
		for i := range samples {
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[4*i:]))
		}
		return BinaryMessage{
			Kind:       BinaryChunk,
			ChunkID:    tag,
			SampleRate: int(rate),
			Samples:    samples,
		}, nil
	}
}
