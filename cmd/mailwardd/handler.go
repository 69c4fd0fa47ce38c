package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/mailward/internal/dnsbl"
	"blitiri.com.ar/go/mailward/internal/envelope"
	"blitiri.com.ar/go/mailward/internal/session"
	"blitiri.com.ar/go/mailward/internal/tlsconst"

	maildir "github.com/sloonz/go-maildir"
)

// ExampleHandler wires session.Handler to a DNSBL policy check and a
// flat per-recipient maildir delivery sink. It is deliberately the simplest
// thing that can receive real mail, not a template for a production
// server: no aliasing, no local-domain restriction, no DKIM.
type ExampleHandler struct {
	root    string
	checker *dnsbl.Checker

	mu       sync.Mutex
	maildirs map[string]*maildir.Maildir
}

// NewExampleHandler returns an ExampleHandler delivering under root
// (one maildir subdirectory per recipient address) and consulting zones as
// DNSBL blocklists for incoming connections.
func NewExampleHandler(root string, zones []string) *ExampleHandler {
	return &ExampleHandler{
		root:     root,
		checker:  &dnsbl.Checker{Zones: zones},
		maildirs: map[string]*maildir.Maildir{},
	}
}

// NewSession builds a fresh per-connection Handler. ExampleHandler's shared
// state (the maildir cache, the DNSBL checker) is safe for concurrent use,
// so every connection gets its own handlerSession wrapping the same shared
// *ExampleHandler, rather than cloned state.
func (h *ExampleHandler) NewSession() session.Handler {
	return &handlerSession{parent: h}
}

// handlerSession carries the per-connection state (the envelope being
// built) around the shared ExampleHandler.
type handlerSession struct {
	session.NopHandler
	parent *ExampleHandler

	remoteIP string
	from     string
	to       []string
	body     []byte
	tlsInfo  string
}

// ObservedTLS implements smtpsrv.TLSObserver: it is called once a STARTTLS
// handshake completes, letting the Received header reflect the actual
// negotiated cipher.
func (s *handlerSession) ObservedTLS(cs *tls.ConnectionState) {
	s.tlsInfo = fmt.Sprintf("%s/%s", tlsconst.VersionName(cs.Version),
		tlsconst.CipherSuiteName(cs.CipherSuite))
}

func (s *handlerSession) HELO(remoteIP, domain string) session.Verdict {
	s.remoteIP = remoteIP

	ip := net.ParseIP(remoteIP)
	if ip != nil && len(s.parent.checker.Zones) > 0 {
		blocked, zone, err := s.parent.checker.IsBlocked(context.Background(), ip)
		if err != nil {
			log.Errorf("mailwardd: dnsbl check for %s: %v", remoteIP, err)
		} else if blocked {
			return session.Reject(554, fmt.Sprintf("5.7.1 %s listed in %s", remoteIP, zone))
		}
	}

	return session.Accept(250, "2.0.0 OK")
}

func (s *handlerSession) MAIL(remoteIP, helo, from string) session.Verdict {
	s.from = from
	return session.Accept(250, "2.1.0 OK")
}

func (s *handlerSession) RCPT(to string) session.Verdict {
	s.to = append(s.to, to)
	return session.Accept(250, "2.1.5 OK")
}

func (s *handlerSession) DataStart(helo, from string, is8Bit bool, to []string) {
	s.body = s.body[:0]
}

func (s *handlerSession) DataLine(line []byte) {
	s.body = append(s.body, line...)
	s.body = append(s.body, '\n')
}

func (s *handlerSession) DataEnd() session.Verdict {
	tlsInfo := s.tlsInfo
	if tlsInfo == "" {
		tlsInfo = "none"
	}
	received := fmt.Sprintf("from %s by mailwardd with ESMTP; TLS=%s", s.remoteIP, tlsInfo)
	msg := envelope.AddHeader(s.body, "Received", received)

	for _, rcpt := range s.to {
		md, err := s.parent.maildirFor(rcpt)
		if err != nil {
			log.Errorf("mailwardd: opening maildir for %s: %v", rcpt, err)
			return session.Reject(451, "4.3.0 local delivery error")
		}
		if err := deliver(md, msg); err != nil {
			log.Errorf("mailwardd: delivering to %s: %v", rcpt, err)
			return session.Reject(451, "4.3.0 local delivery error")
		}
	}

	return session.Accept(250, fmt.Sprintf("2.0.0 delivered to %d recipient(s)", len(s.to)))
}

// maildirFor returns the (lazily created) maildir for rcpt's address,
// caching it across connections.
func (h *ExampleHandler) maildirFor(rcpt string) (*maildir.Maildir, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if md, ok := h.maildirs[rcpt]; ok {
		return md, nil
	}

	dir := filepath.Join(h.root, filepath.Base(rcpt))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	md, err := maildir.New(dir, true)
	if err != nil {
		return nil, err
	}
	h.maildirs[rcpt] = md
	return md, nil
}

// deliver writes msg as a single new maildir message, using the library's
// write-then-close delivery handshake so a crash mid-write never leaves a
// partial message visible in new/.
func deliver(md *maildir.Maildir, msg []byte) error {
	d, err := md.NewDelivery()
	if err != nil {
		return err
	}
	if _, err := d.Write(msg); err != nil {
		d.Close()
		return err
	}
	return d.Close()
}
