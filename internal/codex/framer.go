package codex

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// LineFramer splits a byte stream into newline-terminated lines. Partial
// lines stay buffered until the rest arrives.
type LineFramer struct {
	buf []byte
}

// Feed appends chunk and returns every line it completed, without the line
// terminator. Blank lines are skipped. Returned slices do not alias chunk or
// the internal buffer.
func (f *LineFramer) Feed(chunk []byte) [][]byte {
	f.buf = append(f.buf, chunk...)

	var lines [][]byte
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(f.buf[:i], []byte{'\r'})
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, bytes.Clone(line))
		}
		f.buf = f.buf[i+1:]
	}

	if len(f.buf) == 0 {
		f.buf = nil
	}
	return lines
}

// Buffered returns the number of bytes waiting for a line terminator.
func (f *LineFramer) Buffered() int {
	return len(f.buf)
}

// Decode parses one line into a Message. Lines that are not JSON objects or
// carry neither an id nor a method are rejected.
func Decode(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("decode line: %w", err)
	}
	if msg.Kind() == KindInvalid {
		return nil, fmt.Errorf("decode line: message has neither id nor method")
	}
	return &msg, nil
}
