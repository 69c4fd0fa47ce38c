package smtpsrv

import (
	"bufio"
	"bytes"
	"errors"
)

var (
	errLineTooLong       = errors.New("line too long")
	errInvalidLineEnding = errors.New("invalid line ending")
)

// maxLineOctets is the line length the driver enforces on every line it
// reads, command or DATA body alike, per RFC 5321's 1000-octet limit on a
// transmitted line (CRLF included).
const maxLineOctets = 998

// readRawLine reads one line from r. It is tolerant of a bare-LF
// terminator (bufio.Reader.ReadLine strips a trailing CR only, so a plain
// "\n" line is accepted as-is), but an embedded bare CR that is not the
// line's own trailing CRLF is rejected as malformed framing. On a
// too-long physical line the remainder is drained so the dialog can
// continue, matching the driver's "discard remainder, reply 500, keep
// going" rule rather than closing the connection outright.
func readRawLine(r *bufio.Reader) ([]byte, error) {
	l, more, err := r.ReadLine()
	if err != nil {
		return nil, err
	}

	if more || len(l) > maxLineOctets {
		for more && err == nil {
			_, more, err = r.ReadLine()
		}
		return nil, errLineTooLong
	}

	if bytes.IndexByte(l, '\r') >= 0 {
		return nil, errInvalidLineEnding
	}

	return l, nil
}
