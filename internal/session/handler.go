package session

// Verdict is the result of a Handler upcall that can accept or reject.
type Verdict struct {
	ok      bool
	code    int
	message string
}

// Accept returns a Verdict that allows the operation to proceed, replied to
// with the given SMTP reply code (e.g. 250) and message.
func Accept(code int, message string) Verdict {
	return Verdict{ok: true, code: code, message: message}
}

// Reject returns a Verdict that refuses the operation, replied to with the
// given SMTP reply code (4xx or 5xx) and message.
func Reject(code int, message string) Verdict {
	return Verdict{ok: false, code: code, message: message}
}

// Handler is the set of upcalls an embedder supplies to observe and police
// an SMTP session. All upcalls are synchronous; the engine treats them as
// opaque side effects and never interprets their internals beyond the
// returned Verdict.
//
// Handler implementations are invoked from whichever worker goroutine owns
// the session, one at a time, in protocol order — but a single embedder may
// have many sessions live concurrently, each calling into its own Handler
// value from a different goroutine. An embedder that shares one Handler
// value across sessions (rather than constructing one per connection) must
// make that value safe for concurrent use.
type Handler interface {
	// HELO/EHLO upcall. domain is the argument given by the client.
	HELO(remoteIP, domain string) Verdict

	// MAIL upcall. from is the reverse-path ("" for the null sender).
	MAIL(remoteIP, helo, from string) Verdict

	// RCPT upcall, once per recipient.
	RCPT(to string) Verdict

	// AuthPlain upcall for the AUTH PLAIN mechanism.
	AuthPlain(authz, authn, password string) Verdict

	// AuthLogin upcall for the AUTH LOGIN mechanism.
	AuthLogin(user, password string) Verdict

	// DataStart is called once DATA is accepted, before any DataLine call.
	DataStart(helo, from string, is8Bit bool, to []string)

	// DataLine is called once per line of message body, dot-unstuffed and
	// without the trailing CRLF.
	DataLine(line []byte)

	// DataEnd is called once the terminating line has been seen. Its
	// Verdict becomes the final reply to DATA.
	DataEnd() Verdict
}

// NopHandler is a Handler that accepts everything and discards all data.
// Embed it to implement only the upcalls a particular policy cares about.
type NopHandler struct{}

func (NopHandler) HELO(remoteIP, domain string) Verdict { return Accept(250, "OK") }
func (NopHandler) MAIL(remoteIP, helo, from string) Verdict {
	return Accept(250, "OK")
}
func (NopHandler) RCPT(to string) Verdict { return Accept(250, "OK") }
func (NopHandler) AuthPlain(authz, authn, password string) Verdict {
	return Reject(535, "authentication not configured")
}
func (NopHandler) AuthLogin(user, password string) Verdict {
	return Reject(535, "authentication not configured")
}
func (NopHandler) DataStart(helo, from string, is8Bit bool, to []string) {}
func (NopHandler) DataLine(line []byte)                                 {}
func (NopHandler) DataEnd() Verdict                                      { return Accept(250, "OK") }

var _ Handler = NopHandler{}
