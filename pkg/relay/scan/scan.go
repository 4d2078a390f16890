// Package scan locates CRLF-terminated lines in a buffered byte stream.
//
// The search is bounded: a terminator is only accepted when its CR byte sits
// strictly before the limit. Bytes are pulled from the underlying reader
// incrementally, so a short line never waits for a full buffer.
package scan

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// LineLimit is the ceiling applied to request lines.
const LineLimit = 4096

var (
	// ErrLineTooLong indicates that no CRLF was found within the limit.
	// It is distinct from io.EOF: the peer is still connected but sent a
	// malformed or oversized line.
	ErrLineTooLong = errors.New("scan: line too long")

	// ErrBufferTooSmall indicates the reader cannot hold limit+1 bytes,
	// which is needed to confirm a CR sitting on the last allowed offset.
	ErrBufferTooSmall = errors.New("scan: buffer too small for limit")
)

// IndexCRLF returns the offset of the first CR that is immediately followed
// by LF, searching offsets [0, limit) from the current read position of r.
// It returns -1 when no such pair starts within the limit.
//
// A CR that is not followed by LF is skipped and the search resumes on the
// next byte. The search position never moves backward.
//
// When the stream ends before the outcome is known, IndexCRLF returns io.EOF
// if nothing was buffered and io.ErrUnexpectedEOF otherwise. Other read
// errors (timeouts included) are returned unchanged.
//
// Nothing is consumed from r.
func IndexCRLF(r *bufio.Reader, limit int) (int, error) {
	if limit <= 0 {
		return -1, nil
	}
	if limit >= r.Size() {
		return -1, ErrBufferTooSmall
	}

	from := 0
	for {
		// Peeking what is already buffered never blocks.
		buf, _ := r.Peek(r.Buffered())

		end := len(buf)
		if end > limit {
			end = limit
		}

		for from < end {
			i := bytes.IndexByte(buf[from:end], '\r')
			if i < 0 {
				from = end
				break
			}
			i += from
			if i+1 >= len(buf) {
				// CR is the last buffered byte, need one more.
				from = i
				break
			}
			if buf[i+1] == '\n' {
				return i, nil
			}
			from = i + 1
		}

		if from >= limit {
			return -1, nil
		}

		if _, err := r.Peek(len(buf) + 1); err != nil {
			if err == io.EOF {
				if len(buf) == 0 {
					return -1, io.EOF
				}
				return -1, io.ErrUnexpectedEOF
			}
			return -1, err
		}
	}
}

// ReadLine reads one CRLF-terminated line bounded by limit. The returned
// slice is a copy and excludes the terminator; the reader is left positioned
// on the first byte after the CRLF.
func ReadLine(r *bufio.Reader, limit int) ([]byte, error) {
	i, err := IndexCRLF(r, limit)
	if err != nil {
		return nil, err
	}
	if i < 0 {
		return nil, ErrLineTooLong
	}

	buf, err := r.Peek(i + 2)
	if err != nil {
		return nil, err
	}
	line := make([]byte, i)
	copy(line, buf[:i])

	if _, err := r.Discard(i + 2); err != nil {
		return nil, err
	}
	return line, nil
}
