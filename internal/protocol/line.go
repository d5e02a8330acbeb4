package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// maxLineBytes bounds one control-protocol line. Requests are small; the
// limit exists so a broken client cannot grow the read buffer without bound.
const maxLineBytes = 1 << 20

// LineReader yields one non-blank line of the control protocol at a time.
type LineReader struct {
	scanner *bufio.Scanner
}

// NewLineReader wraps r for newline-delimited reads.
func NewLineReader(r io.Reader) *LineReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &LineReader{scanner: s}
}

// Next returns the next non-blank line with surrounding whitespace trimmed.
// It returns io.EOF when the peer closes the connection cleanly.
func (lr *LineReader) Next() ([]byte, error) {
	for lr.scanner.Scan() {
		line := bytes.TrimSpace(lr.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
	if err := lr.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// ParseRequest decodes one line into a Request. The caller turns a failure
// into a parse-error Response rather than dropping the connection.
func ParseRequest(line []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, fmt.Errorf("parse request: %w", err)
	}
	return req, nil
}

// LineWriter serializes control-protocol messages onto one writer. Each
// message is marshaled and written with its trailing newline in a single
// Write so concurrent event and response emission never interleaves bytes.
type LineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLineWriter wraps w for newline-delimited writes.
func NewLineWriter(w io.Writer) *LineWriter {
	return &LineWriter{w: w}
}

// Write marshals msg and appends it to the stream as one line.
func (lw *LineWriter) Write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	data = append(data, '\n')

	lw.mu.Lock()
	defer lw.mu.Unlock()
	if _, err := lw.w.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}
