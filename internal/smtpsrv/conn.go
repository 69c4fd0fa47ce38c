// Package smtpsrv implements the connection driver, bounded threadpool
// acceptor, and TLS adaptor around the pure protocol engine in
// internal/session: it owns sockets and turns session.Response values
// into wire bytes, but never computes protocol semantics itself.
package smtpsrv

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"blitiri.com.ar/go/mailward/internal/expvarom"
	"blitiri.com.ar/go/mailward/internal/haproxy"
	"blitiri.com.ar/go/mailward/internal/session"
	"blitiri.com.ar/go/mailward/internal/trace"
)

var (
	commandCount = expvarom.NewMap("mailward/smtpIn/commandCount",
		"command", "count of SMTP commands received, by command")
	responseCodeCount = expvarom.NewMap("mailward/smtpIn/responseCodeCount",
		"code", "response codes returned to SMTP commands")
	tlsCount = expvarom.NewMap("mailward/smtpIn/tlsCount",
		"status", "count of TLS usage in incoming connections")
)

// Conn drives one accepted connection. It owns the socket and the
// buffered reader/writer atop it, feeds parsed commands and raw DATA
// lines to a session.Session, and serializes whatever Response comes
// back.
type Conn struct {
	hostname string

	netConn net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer

	tlsConfig *tls.Config
	acceptor  SslAcceptor

	remoteAddr net.Addr
	haproxy    bool

	idleTimeout time.Duration
	deadline    time.Time

	sessCfg session.Config
	handler session.Handler
	sess    *session.Session

	tr *trace.Trace
}

func newConn(netConn net.Conn, hostname string, sessCfg session.Config, h session.Handler,
	tlsConfig *tls.Config, acceptor SslAcceptor, idle, total time.Duration, haproxyEnabled bool) *Conn {
	return &Conn{
		hostname:    hostname,
		netConn:     netConn,
		tlsConfig:   tlsConfig,
		acceptor:    acceptor,
		idleTimeout: idle,
		deadline:    time.Now().Add(total),
		sessCfg:     sessCfg,
		handler:     h,
		haproxy:     haproxyEnabled,
	}
}

// Close the connection.
func (c *Conn) Close() { c.netConn.Close() }

// Handle runs the connection's whole protocol loop: greeting, command
// dispatch, STARTTLS upgrade, and DATA accumulation, until the session
// closes or the connection is dropped.
func (c *Conn) Handle() {
	defer c.Close()

	c.tr = trace.New("SMTP.Conn", c.netConn.RemoteAddr().String())
	defer c.tr.Finish()

	c.netConn.SetDeadline(time.Now().Add(c.idleTimeout))

	c.reader = bufio.NewReader(c.netConn)
	c.writer = bufio.NewWriter(c.netConn)

	c.remoteAddr = c.netConn.RemoteAddr()
	if c.haproxy {
		src, dst, err := haproxy.Handshake(c.reader)
		if err != nil {
			c.tr.Errorf("haproxy handshake: %v", err)
			return
		}
		c.remoteAddr = src
		c.tr.Debugf("haproxy handshake: %v -> %v", src, dst)
	}

	c.sess = session.New(remoteIPOf(c.remoteAddr), c.sessCfg, c.handler)
	c.tr.Debugf("connected")

	c.writeLine(fmt.Sprintf("220 %s ESMTP mailward", c.hostname))

	var errCount int
	for {
		if time.Since(c.deadline) > 0 {
			c.tr.Errorf("connection deadline exceeded")
			return
		}
		c.netConn.SetDeadline(time.Now().Add(c.idleTimeout))

		line, err := readRawLine(c.reader)
		if err != nil {
			if err == errLineTooLong || err == errInvalidLineEnding {
				if werr := c.writeResponse(session.Response{
					Code: 500, Lines: []string{"5.5.1 line too long or malformed"},
				}); werr != nil {
					return
				}
				continue
			}
			if err == io.EOF {
				c.tr.Debugf("client closed the connection")
			} else {
				c.tr.Errorf("read error: %v", err)
			}
			return
		}

		cmd := session.ParseCommand(string(line), c.sess.AwaitingAuthResponse())
		commandCount.Add(cmd.Kind.String(), 1)

		resp := c.step(cmd)
		responseCodeCount.Add(strconv.Itoa(resp.Code), 1)

		if resp.Code >= 400 {
			errCount++
		}
		if resp.Action != session.ActionNoReply {
			if err := c.writeResponse(resp); err != nil {
				return
			}
		}
		if errCount >= 3 {
			// https://tools.ietf.org/html/rfc5321#section-4.3.2
			c.tr.Errorf("too many errors, closing connection")
			c.writeLine("421 4.5.0 too many errors, bye")
			return
		}

		switch resp.Action {
		case session.ActionReplyAndClose:
			return
		case session.ActionReplyAndUpgradeTLS:
			if c.reader.Buffered() > 0 {
				c.tr.Errorf("pipelined data before TLS handshake, closing")
				c.writeLine("554 5.5.1 pipelined data before TLS handshake")
				return
			}
			if err := c.upgradeTLS(); err != nil {
				c.tr.Errorf("TLS handshake: %v", err)
				return
			}
			c.sess.CompleteTLSUpgrade()
		case session.ActionReplyThenAwaitData:
			if !c.dataPhase() {
				return
			}
		}
	}
}

// step calls into the session, recovering from a handler panic so an
// embedder bug never takes the whole process down; it is surfaced as a
// 451 and the connection is closed.
func (c *Conn) step(cmd session.Command) (resp session.Response) {
	defer func() {
		if r := recover(); r != nil {
			c.tr.Errorf("handler panic: %v", r)
			resp = session.Response{
				Code:   451,
				Lines:  []string{"4.3.0 internal error"},
				Action: session.ActionReplyAndClose,
			}
		}
	}()
	return c.sess.Step(cmd)
}

// dataPhase streams raw DATA lines (not yet dot-unstuffed; that is the
// session's job) to the session until it reports the message complete,
// then writes the final response. A handler panic during DATA is surfaced
// as a 451 and the connection is closed, as in step.
func (c *Conn) dataPhase() bool {
	if c.tlsConfig != nil {
		if _, ok := c.netConn.(*tls.Conn); ok {
			tlsCount.Add("tls", 1)
		} else {
			tlsCount.Add("plain", 1)
		}
	}

	// DATA has no per-command timeout; use the connection's total deadline.
	c.netConn.SetDeadline(c.deadline)

	for {
		line, err := readRawLine(c.reader)
		if err != nil {
			c.tr.Debugf("DATA read error: %v", err)
			return false
		}
		resp, panicked := func() (resp *session.Response, panicked bool) {
			defer func() {
				if r := recover(); r != nil {
					c.tr.Errorf("handler panic: %v", r)
					panicked = true
				}
			}()
			return c.sess.DataLine(line), false
		}()
		if panicked {
			c.writeLine("451 4.3.0 internal error")
			return false
		}
		if resp != nil {
			responseCodeCount.Add(strconv.Itoa(resp.Code), 1)
			return c.writeResponse(*resp) == nil
		}
	}
}

func (c *Conn) upgradeTLS() error {
	upgraded, cstate, err := c.acceptor.Accept(c.netConn)
	if err != nil {
		return err
	}
	c.netConn = upgraded
	c.reader = bufio.NewReader(c.netConn)
	c.writer = bufio.NewWriter(c.netConn)
	if cstate.ServerName != "" {
		c.tr.Debugf("SNI: %s", cstate.ServerName)
	}
	if obs, ok := c.handler.(TLSObserver); ok {
		obs.ObservedTLS(cstate)
	}
	return nil
}

func (c *Conn) writeResponse(r session.Response) error {
	defer c.writer.Flush()
	return writeMultiline(c.writer, r.Code, r.Lines)
}

func (c *Conn) writeLine(s string) {
	fmt.Fprintf(c.writer, "%s\r\n", s)
	c.writer.Flush()
}

// writeMultiline writes a (possibly multi-line) SMTP reply: every line but
// the last uses "<code>-<text>", the last uses "<code> <text>", per
// https://tools.ietf.org/html/rfc5321#section-4.2.1.
func writeMultiline(w io.Writer, code int, lines []string) error {
	if len(lines) == 0 {
		lines = []string{""}
	}
	for i := 0; i < len(lines)-1; i++ {
		if _, err := fmt.Fprintf(w, "%d-%s\r\n", code, lines[i]); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%d %s\r\n", code, lines[len(lines)-1])
	return err
}

// remoteIPOf extracts the bare IP string from a net.Addr, for TCP
// addresses; other address kinds fall back to their string form.
func remoteIPOf(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	return addr.String()
}
