package smtpsrv

import (
	"crypto/tls"
	"net"
)

// SslAcceptor performs a server-side TLS handshake over conn in place,
// returning a net.Conn with the same read/write contract plus the
// negotiated connection state. It is the single seam a second TLS
// back-end would implement without the driver changing at all.
type SslAcceptor interface {
	Accept(conn net.Conn) (net.Conn, *tls.ConnectionState, error)
}

// StdlibAcceptor is the only SslAcceptor wired in this tree: it is backed
// by crypto/tls. No alternative TLS stack (a cgo binding, BoringSSL, uTLS)
// appears anywhere in the retrieved corpus, so a second implementation is
// left as a documented extension point rather than fabricated.
type StdlibAcceptor struct {
	Config *tls.Config
}

// Accept implements SslAcceptor.
func (a StdlibAcceptor) Accept(conn net.Conn) (net.Conn, *tls.ConnectionState, error) {
	srv := tls.Server(conn, a.Config)
	if err := srv.Handshake(); err != nil {
		return nil, nil, err
	}
	cs := srv.ConnectionState()
	return srv, &cs, nil
}

var _ SslAcceptor = StdlibAcceptor{}

// TLSObserver is an optional interface a session.Handler may implement to
// learn the negotiated TLS state once a STARTTLS upgrade completes. The
// driver checks for it via a type assertion rather than growing
// session.Handler's required method set, since most handlers don't care.
type TLSObserver interface {
	ObservedTLS(cs *tls.ConnectionState)
}
