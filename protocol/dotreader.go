package protocol

import (
	"bufio"
	"errors"
	"io"
)

var (
	// ErrMessageTooLarge is returned by ReadDotEncoded when the message
	// exceeds the given maximum size. The caller can still reply to the
	// client normally, since ReadDotEncoded always consumes up to and
	// including the terminating line before returning.
	ErrMessageTooLarge = errors.New("protocol: message too large")

	// ErrInvalidLineEnding is returned when the input contains a lone \r
	// that isn't immediately followed by \n.
	ErrInvalidLineEnding = errors.New("protocol: invalid line ending")
)

// ReadDotEncoded reads a dot-terminated message body from r: lines up to,
// and not including, one that is just "." - or up to max bytes, whichever
// comes first. Dot-stuffed lines (RFC 5321 §4.5.2) have their leading '.'
// removed, and every line ending in the result is canonicalized to a
// single '\n' (mirroring what net/textproto.DotReader does).
//
// A line may end in "\r\n" or a bare "\n"; both are accepted, since message
// content relayed in from a non-conforming client, or from a non-SMTP
// source, sometimes only has the latter. A lone '\r' with anything other
// than '\n' right after it has no accepted reading and is rejected with
// ErrInvalidLineEnding.
//
// If the message exceeds max bytes, ReadDotEncoded still reads all the way
// to the terminating line before returning ErrMessageTooLarge: stopping
// early would let the remainder of the oversized message be reinterpreted
// as SMTP commands by whatever reads next, a classic smuggling vector.
func ReadDotEncoded(r *bufio.Reader, max int64) ([]byte, error) {
	buf := make([]byte, 0, 1024)
	var n int64

	sawCR := false
	// Start as if at the beginning of a line, so dot-stuffing (and the
	// all-dot terminator) on the very first line works without a special
	// case.
	atLineStart := true
	lineLen := 0       // bytes seen on the current line, CR/LF excluded
	lineIsDot := false // true iff the current line is exactly "." so far

	for {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return buf, io.ErrUnexpectedEOF
			}
			return buf, err
		}
		n++

		switch b {
		case '\r':
			if sawCR {
				return buf, ErrInvalidLineEnding
			}
			sawCR = true
		case '\n':
			if lineLen == 1 && lineIsDot {
				if n > max {
					return buf, ErrMessageTooLarge
				}
				return buf, nil
			}
			if int64(len(buf)) < max {
				buf = append(buf, '\n')
			}
			sawCR = false
			atLineStart = true
			lineLen = 0
			lineIsDot = false
		default:
			if sawCR {
				return buf, ErrInvalidLineEnding
			}
			stuffed := atLineStart && b == '.'
			lineLen++
			lineIsDot = lineLen == 1 && b == '.'
			atLineStart = false
			if !stuffed && int64(len(buf)) < max {
				buf = append(buf, b)
			}
		}
	}
}
