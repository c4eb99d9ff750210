package protocol

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestReadDotEncoded(t *testing.T) {
	cases := []struct {
		input   string
		max     int64
		want    string
		wantErr error
	}{
		// EOF before any input -> unexpected EOF.
		{"", 0, "", io.ErrUnexpectedEOF},
		{"", 1, "", io.ErrUnexpectedEOF},

		// EOF after exceeding max -> unexpected EOF.
		{"abcdef", 2, "ab", io.ErrUnexpectedEOF},

		// A bare \n (no preceding \r) is a valid line ending on its own;
		// it's just an empty first line here, so we keep reading.
		{"\n", 0, "", io.ErrUnexpectedEOF},
		{"\n", 1, "\n", io.ErrUnexpectedEOF},
		{"\n", 2, "\n", io.ErrUnexpectedEOF},
		{"\n\r\n.\r\n", 10, "\n\n", nil},

		// \r and then EOF -> unexpected EOF; we never got to assess the
		// line ending.
		{"\r", 2, "", io.ErrUnexpectedEOF},

		// Lonely \r (not followed by \n) -> invalid line ending.
		{"abc\rdef", 10, "abc", ErrInvalidLineEnding},
		{"abc\r\rdef", 10, "abc", ErrInvalidLineEnding},

		// Bare \n is tolerated as a line ending, CRLF or not.
		{"abc\ndef", 10, "abc\ndef", io.ErrUnexpectedEOF},
		{"abc\ndef\n.\n", 20, "abc\ndef\n", nil},
		{"abc\r\ndef\n.\r\n", 20, "abc\ndef\n", nil},

		// Various valid cases.
		{"abc\r\n.\r\n", 10, "abc\n", nil},
		{"\r\n.\r\n", 10, "\n", nil},

		// Start with the final dot - the smallest "message" (empty).
		{".\r\n", 10, "", nil},

		// Max bytes reached -> message too large.
		{"abc\r\n.\r\n", 5, "abc\n", ErrMessageTooLarge},
		{"abcdefg\r\n.\r\n", 5, "abcde", ErrMessageTooLarge},
		{"ab\r\ncdefg\r\n.\r\n", 5, "ab\ncd", ErrMessageTooLarge},

		// Dot-stuffing. https://www.rfc-editor.org/rfc/rfc5321#section-4.5.2
		{"abc\r\n.def\r\n.\r\n", 20, "abc\ndef\n", nil},
		{"abc\r\n..def\r\n.\r\n", 20, "abc\n.def\n", nil},
		{"abc\r\n..\r\n.\r\n", 20, "abc\n.\n", nil},
		{".x\r\n.\r\n", 20, "x\n", nil},
		{"..\r\n.\r\n", 20, ".\n", nil},
	}

	for i, c := range cases {
		r := bufio.NewReader(strings.NewReader(c.input))
		got, err := ReadDotEncoded(r, c.max)
		if err != c.wantErr {
			t.Errorf("case %d %q: got error %v, want %v", i, c.input, err, c.wantErr)
		}
		if !bytes.Equal(got, []byte(c.want)) {
			t.Errorf("case %d %q: got %q, want %q", i, c.input, got, c.want)
		}
	}
}

type badReader struct{}

func (badReader) Read(p []byte) (int, error) {
	return 0, io.ErrNoProgress
}

func TestReadDotEncodedReadError(t *testing.T) {
	r := bufio.NewReader(badReader{})
	_, err := ReadDotEncoded(r, 10)
	if err != io.ErrNoProgress {
		t.Errorf("got error %v, want %v", err, io.ErrNoProgress)
	}
}
