// Package mimeevent implements a streaming, line-at-a-time MIME event
// parser. It is meant to be fed one already-unstuffed DATA line at a time
// by a driver that owns the SMTP DATA phase; it holds no copy of the whole
// message, and each emitted event borrows or owns only the current line.
package mimeevent

import (
	"bytes"
	"mime"
	"strings"
)

// Kind identifies the sort of Event emitted by the parser.
type Kind int

// Event kinds, in roughly the order a single-part message produces them.
const (
	HeaderStart Kind = iota
	Header
	HeadersEnd
	BodyLine
	PartStart
	PartEnd
	MessageEnd
)

func (k Kind) String() string {
	switch k {
	case HeaderStart:
		return "HeaderStart"
	case Header:
		return "Header"
	case HeadersEnd:
		return "HeadersEnd"
	case BodyLine:
		return "BodyLine"
	case PartStart:
		return "PartStart"
	case PartEnd:
		return "PartEnd"
	case MessageEnd:
		return "MessageEnd"
	default:
		return "Unknown"
	}
}

// Event is one unit of parsed structure. Only the fields relevant to Kind
// are populated.
type Event struct {
	Kind Kind

	// Header.
	Name  string
	Value string

	// BodyLine.
	Line []byte

	// PartStart.
	ContentType string
	Params      map[string]string
}

// scanState is the parser's small state machine, named after the phase of
// the current MIME entity being read.
type scanState int

const (
	scanHeaders scanState = iota
	scanBody
)

// level tracks one nested multipart entity: its boundary marker, the
// Content-Type it was opened with, and whether a part within it is
// currently open (i.e. a PartStart has been emitted without a matching
// PartEnd yet).
type level struct {
	boundary    string
	contentType string
	params      map[string]string
	partOpen    bool
}

// Parser is a push-mode, stateful MIME event parser. Zero value is not
// usable; construct with New.
type Parser struct {
	state scanState

	// Header-folding accumulation for the entity currently being scanned.
	headerName string
	headerVal  strings.Builder
	haveHeader bool

	// Nested multipart boundaries, innermost last.
	stack []level

	done bool
}

// New returns a ready-to-use Parser, positioned at the start of a
// top-level message's headers.
func New() *Parser {
	p := &Parser{state: scanHeaders}
	return p
}

// Feed processes one line (CRLF/LF already stripped) and returns the
// events it produces, in order. Feed must not be called again once it has
// returned a MessageEnd event.
func (p *Parser) Feed(line []byte) []Event {
	if p.done {
		return nil
	}

	if p.state == scanHeaders {
		return p.feedHeaderLine(line)
	}
	return p.feedBodyLine(line)
}

func (p *Parser) feedHeaderLine(line []byte) []Event {
	var events []Event

	if p.headerName == "" && !p.haveHeader {
		events = append(events, Event{Kind: HeaderStart})
	}

	if len(line) == 0 {
		// Blank line: end of this entity's headers.
		if p.haveHeader {
			events = append(events, p.flushHeader())
		}
		events = append(events, Event{Kind: HeadersEnd})
		p.state = scanBody
		return events
	}

	if (line[0] == ' ' || line[0] == '\t') && p.haveHeader {
		// Folded continuation of the previous header.
		p.headerVal.WriteByte(' ')
		p.headerVal.WriteString(strings.TrimSpace(string(line)))
		return events
	}

	if p.haveHeader {
		events = append(events, p.flushHeader())
	}

	name, val := splitHeader(line)
	p.headerName = name
	p.headerVal.Reset()
	p.headerVal.WriteString(val)
	p.haveHeader = true

	return events
}

func (p *Parser) flushHeader() Event {
	e := Event{Kind: Header, Name: p.headerName, Value: p.headerVal.String()}
	p.headerName = ""
	p.headerVal.Reset()
	p.haveHeader = false
	return e
}

func splitHeader(line []byte) (name, value string) {
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return strings.TrimSpace(string(line)), ""
	}
	name = strings.TrimSpace(string(line[:i]))
	value = strings.TrimSpace(string(line[i+1:]))
	return name, value
}

func (p *Parser) feedBodyLine(line []byte) []Event {
	var events []Event

	if len(p.stack) > 0 {
		top := &p.stack[len(p.stack)-1]
		s := string(line)

		switch s {
		case "--" + top.boundary + "--":
			// Closing delimiter: ends the current part (if any) and the
			// multipart entity itself.
			if top.partOpen {
				events = append(events, Event{Kind: PartEnd})
			}
			p.stack = p.stack[:len(p.stack)-1]
			if len(p.stack) == 0 {
				events = append(events, Event{Kind: MessageEnd})
				p.done = true
			} else {
				p.state = scanBody
			}
			return events

		case "--" + top.boundary:
			// Opening (or separator) delimiter: ends the previous part, if
			// any, and starts a new one whose headers follow immediately.
			if top.partOpen {
				events = append(events, Event{Kind: PartEnd})
			}
			top.partOpen = true
			events = append(events, Event{
				Kind:        PartStart,
				ContentType: top.contentType,
				Params:      top.params,
			})
			p.state = scanHeaders
			p.headerName = ""
			p.haveHeader = false
			return events
		}
	}

	events = append(events, Event{Kind: BodyLine, Line: append([]byte(nil), line...)})
	return events
}

// OpenMultipart must be called by the caller once it observes a
// multipart/* Content-Type header (via DetectBoundary or its own parsing of
// the accumulated Header events), so the parser knows to watch for that
// boundary. It only pushes a new nesting level; PartStart is emitted later,
// once the first "--boundary" delimiter line is actually seen, and the
// part's own headers follow as the normal Header/HeadersEnd events.
func (p *Parser) OpenMultipart(contentType, boundary string, params map[string]string) {
	p.stack = append(p.stack, level{boundary: boundary, contentType: contentType, params: params})
}

// Done reports whether the parser has emitted MessageEnd.
func (p *Parser) Done() bool { return p.done }

// DetectBoundary parses a Content-Type header value, returning the
// boundary parameter when present (i.e. when the type is multipart/*).
func DetectBoundary(contentType string) (mediaType string, boundary string, params map[string]string, err error) {
	mediaType, params, err = mime.ParseMediaType(contentType)
	if err != nil {
		return "", "", nil, err
	}
	return mediaType, params["boundary"], params, nil
}
