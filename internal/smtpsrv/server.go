// Package smtpsrv implements the SMTP connection driver and server built
// around the pure protocol engine in internal/session.
package smtpsrv

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/mailward/internal/expvarom"
	"blitiri.com.ar/go/mailward/internal/session"
	"blitiri.com.ar/go/mailward/internal/systemd"
)

// HandlerFactory builds one session.Handler per accepted connection. This
// lets an embedder keep per-connection state (e.g. a DNSBL lookup cache)
// without that state leaking between unrelated clients.
type HandlerFactory func() session.Handler

// Server represents an SMTP server instance: a set of listeners, a TLS
// adaptor, a bounded worker pool, and a factory for the session.Handler
// that implements the embedder's actual mail policy.
type Server struct {
	// Main hostname, used in the greeting banner and the HELO/EHLO reply.
	Hostname string

	// MaxMessageSize enforced during DATA, independent of any client-side
	// SIZE= hint. 0 means no limit.
	MaxMessageSize int64

	// MaxWorkers bounds the number of connections served concurrently.
	MaxWorkers int

	// IdleTimeout is the per-command deadline; TotalTimeout bounds the
	// whole connection, including DATA.
	IdleTimeout  time.Duration
	TotalTimeout time.Duration

	// ShutdownGrace is how long Shutdown waits for in-flight connections
	// to finish on their own before returning anyway.
	ShutdownGrace time.Duration

	// Use the HAProxy PROXY protocol on incoming connections.
	HAProxyEnabled bool

	// AdvertiseUTF8 controls whether SMTPUTF8 is offered in EHLO.
	AdvertiseUTF8 bool

	// AllowPlainAuth controls whether AUTH is offered before STARTTLS.
	AllowPlainAuth bool

	addrs     []string
	listeners []net.Listener

	tlsConfig *tls.Config
	acceptor  SslAcceptor

	handlerFactory HandlerFactory

	pool *pool

	mu       sync.Mutex
	shutdown bool
}

// NewServer returns a Server that hands every connection to h. Use
// NewServerWithFactory instead when per-connection handler state is
// needed.
func NewServer(h session.Handler) *Server {
	return NewServerWithFactory(func() session.Handler { return h })
}

// NewServerWithFactory returns an empty Server using f to build a fresh
// session.Handler for each accepted connection.
func NewServerWithFactory(f HandlerFactory) *Server {
	return &Server{
		MaxWorkers:     256,
		IdleTimeout:    5 * time.Minute,
		TotalTimeout:   20 * time.Minute,
		ShutdownGrace:  10 * time.Second,
		AllowPlainAuth: false,
		handlerFactory: f,
		tlsConfig:      &tls.Config{},
	}
}

// AddCerts loads a TLS certificate pair for STARTTLS support.
func (s *Server) AddCerts(certPath, keyPath string) error {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return err
	}
	s.tlsConfig.Certificates = append(s.tlsConfig.Certificates, cert)
	return nil
}

// AddAddr adds an address for the server to listen on.
func (s *Server) AddAddr(a string) {
	s.addrs = append(s.addrs, a)
}

// AddListeners adds pre-built listeners (e.g. from a test harness).
func (s *Server) AddListeners(ls []net.Listener) {
	s.listeners = append(s.listeners, ls...)
}

// AdoptSystemdListeners picks up any sockets passed down via systemd socket
// activation (LISTEN_FDS / LISTEN_PID) whose name matches socketName.
func (s *Server) AdoptSystemdListeners(socketName string) error {
	byName, err := systemd.Listeners()
	if err != nil {
		return err
	}
	s.listeners = append(s.listeners, byName[socketName]...)
	return nil
}

// MetricsHandler exposes the server's expvarom counters for a /metrics
// style endpoint.
func (s *Server) MetricsHandler() http.Handler {
	return expvarom.MetricsHandler()
}

// ListenAndServe listens on every configured address and adopted listener,
// serving connections until Shutdown is called. It blocks until all serve
// loops have returned.
func (s *Server) ListenAndServe() error {
	if len(s.tlsConfig.Certificates) > 0 {
		s.acceptor = StdlibAcceptor{Config: s.tlsConfig}
	}
	s.pool = newPool(s.MaxWorkers)

	var wg sync.WaitGroup

	// Listeners adopted before ListenAndServe was called (systemd socket
	// activation, or pre-built test listeners via AddListeners). Snapshot
	// them before we start appending freshly-dialed ones below, so each
	// listener is served exactly once.
	s.mu.Lock()
	adopted := append([]net.Listener{}, s.listeners...)
	s.mu.Unlock()

	for _, l := range adopted {
		log.Infof("mailward: listening on %s (adopted)", l.Addr())
		wg.Add(1)
		go func(l net.Listener) {
			defer wg.Done()
			s.serve(l)
		}(l)
	}

	for _, addr := range s.addrs {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		log.Infof("mailward: listening on %s", l.Addr())
		s.mu.Lock()
		s.listeners = append(s.listeners, l)
		s.mu.Unlock()

		wg.Add(1)
		go func(l net.Listener) {
			defer wg.Done()
			s.serve(l)
		}(l)
	}

	wg.Wait()
	return nil
}

func (s *Server) serve(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			down := s.shutdown
			s.mu.Unlock()
			if down {
				return
			}
			log.Errorf("mailward: accept error on %s: %v", l.Addr(), err)
			return
		}
		s.pool.dispatch(conn, s.handle)
	}
}

func (s *Server) handle(netConn net.Conn) {
	h := s.handlerFactory()
	cfg := session.Config{
		LocalName:         s.Hostname,
		MaxMessageSize:    s.MaxMessageSize,
		TLSAvailable:      len(s.tlsConfig.Certificates) > 0,
		AdvertiseSMTPUTF8: s.AdvertiseUTF8,
		AllowPlainAuth:    s.AllowPlainAuth,
	}

	c := newConn(netConn, s.Hostname, cfg, h, s.tlsConfig, s.acceptor,
		s.IdleTimeout, s.TotalTimeout, s.HAProxyEnabled)
	c.Handle()
}

// Shutdown stops accepting new connections and waits up to ShutdownGrace
// for in-flight connections to finish.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	ls := append([]net.Listener{}, s.listeners...)
	s.mu.Unlock()

	for _, l := range ls {
		l.Close()
	}
	if s.pool != nil {
		s.pool.drain(s.ShutdownGrace)
	}
}
