package smtpsrv

import (
	"bufio"
	"net"
	"net/smtp"
	"testing"
	"time"

	"blitiri.com.ar/go/mailward/internal/session"
	"blitiri.com.ar/go/mailward/internal/testlib"
)

// collectingHandler records every delivered message, for assertions from
// the test client side.
type collectingHandler struct {
	session.NopHandler
	from string
	to   []string
	body []byte
}

func (h *collectingHandler) MAIL(remoteIP, helo, from string) session.Verdict {
	h.from = from
	return session.Accept(250, "2.1.0 OK")
}

func (h *collectingHandler) RCPT(to string) session.Verdict {
	h.to = append(h.to, to)
	return session.Accept(250, "2.1.5 OK")
}

func (h *collectingHandler) DataStart(helo, from string, is8Bit bool, to []string) {
	h.body = nil
}

func (h *collectingHandler) DataLine(line []byte) {
	h.body = append(h.body, line...)
	h.body = append(h.body, '\n')
}

func newTestServer(t *testing.T, h session.Handler) (*Server, string) {
	t.Helper()
	addr := testlib.GetFreePort()
	srv := NewServer(h)
	srv.Hostname = "mx.example.org"
	srv.IdleTimeout = 5 * time.Second
	srv.TotalTimeout = 10 * time.Second
	srv.AddAddr(addr)

	go srv.ListenAndServe()
	if !testlib.WaitFor(func() bool {
		c, err := smtp.Dial(addr)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, 2*time.Second) {
		t.Fatalf("server never came up on %s", addr)
	}

	return srv, addr
}

func TestServerPlainDelivery(t *testing.T) {
	h := &collectingHandler{}
	srv, addr := newTestServer(t, h)
	defer srv.Shutdown()

	c, err := smtp.Dial(addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if err := c.Hello("client.example"); err != nil {
		t.Fatalf("HELO: %v", err)
	}
	if err := c.Mail("sender@example.org"); err != nil {
		t.Fatalf("MAIL: %v", err)
	}
	if err := c.Rcpt("recipient@example.org"); err != nil {
		t.Fatalf("RCPT: %v", err)
	}
	w, err := c.Data()
	if err != nil {
		t.Fatalf("DATA: %v", err)
	}
	if _, err := w.Write([]byte("Subject: test\r\n\r\nhello\r\n")); err != nil {
		t.Fatalf("write body: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close body: %v", err)
	}
	c.Quit()

	if h.from != "sender@example.org" {
		t.Errorf("from = %q", h.from)
	}
	if len(h.to) != 1 || h.to[0] != "recipient@example.org" {
		t.Errorf("to = %v", h.to)
	}
}

func TestServerSTARTTLS(t *testing.T) {
	dir := testlib.MustTempDir(t)
	defer testlib.RemoveIfOk(t, dir)

	clientTLSConfig, err := testlib.GenerateCert(dir)
	if err != nil {
		t.Fatalf("GenerateCert: %v", err)
	}

	h := &collectingHandler{}
	addr := testlib.GetFreePort()
	srv := NewServer(h)
	srv.Hostname = "mx.example.org"
	srv.IdleTimeout = 5 * time.Second
	srv.TotalTimeout = 10 * time.Second
	srv.AddAddr(addr)
	if err := srv.AddCerts(dir+"/cert.pem", dir+"/key.pem"); err != nil {
		t.Fatalf("AddCerts: %v", err)
	}

	go srv.ListenAndServe()
	defer srv.Shutdown()
	if !testlib.WaitFor(func() bool {
		c, err := smtp.Dial(addr)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, 2*time.Second) {
		t.Fatalf("server never came up on %s", addr)
	}

	c, err := smtp.Dial(addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if err := c.Hello("client.example"); err != nil {
		t.Fatalf("HELO: %v", err)
	}
	if ok, _ := c.Extension("STARTTLS"); !ok {
		t.Fatalf("STARTTLS not advertised")
	}
	if err := c.StartTLS(clientTLSConfig); err != nil {
		t.Fatalf("StartTLS: %v", err)
	}
}

func TestServerTooBusyRejects(t *testing.T) {
	h := &collectingHandler{}
	addr := testlib.GetFreePort()
	srv := NewServer(h)
	srv.Hostname = "mx.example.org"
	srv.MaxWorkers = 1
	srv.IdleTimeout = 5 * time.Second
	srv.TotalTimeout = 10 * time.Second
	srv.AddAddr(addr)

	go srv.ListenAndServe()
	defer srv.Shutdown()
	if !testlib.WaitFor(func() bool {
		c, err := smtp.Dial(addr)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, 2*time.Second) {
		t.Fatalf("server never came up on %s", addr)
	}

	// Hold the only worker slot open with a connection that never speaks.
	held, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial 1: %v", err)
	}
	defer held.Close()
	bufio.NewReader(held).ReadString('\n') // consume the greeting

	// A second connection should be rejected outright: saturated pools
	// reply 421 and close rather than queue.
	var rejected string
	testlib.WaitFor(func() bool {
		c2, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		defer c2.Close()
		line, _ := bufio.NewReader(c2).ReadString('\n')
		rejected = line
		return len(line) >= 3 && line[:3] == "421"
	}, 2*time.Second)
	if len(rejected) < 3 || rejected[:3] != "421" {
		t.Fatalf("expected a 421 rejection, got %q", rejected)
	}
}
