// Command mailwardd is a standalone SMTP receive-side daemon built on top
// of internal/smtpsrv. It exists as a runnable example of the library, not
// as a production mail server: delivery is a flat maildir per recipient
// address, and policy is a single reverse-DNS/blocklist check.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/mailward/internal/smtpsrv"
)

const (
	exitOK        = 0
	exitBadConfig = 2
	exitBindFail  = 64
)

// addrList implements flag.Value so -address can be repeated.
type addrList []string

func (a *addrList) String() string     { return fmt.Sprint([]string(*a)) }
func (a *addrList) Set(v string) error { *a = append(*a, v); return nil }

func main() {
	os.Exit(run())
}

func run() int {
	var (
		addrs      addrList
		blocklists addrList
		name       = flag.String("name", "", "FQDN to advertise in the greeting and EHLO response")
		certPath   = flag.String("cert", "", "TLS certificate path (requires -key)")
		keyPath    = flag.String("key", "", "TLS private key path (requires -cert)")
		maxSize    = flag.Int64("max-size", 50*1024*1024, "maximum accepted message size, in bytes")
		maxWorkers = flag.Int("max-workers", 256, "maximum number of connections served concurrently")
		maildirDir = flag.String("maildir", "", "directory to deliver accepted messages into, one maildir per recipient")
		systemdSkt = flag.String("systemd-socket", "smtp", "name of the systemd socket-activation listener to adopt, if any")
	)
	flag.Var(&addrs, "address", "address to listen on, host:port (repeatable)")
	flag.Var(&blocklists, "blocklist", "DNSBL zone to check incoming connections against (repeatable)")
	flag.Parse()

	if *name == "" {
		fmt.Fprintln(os.Stderr, "mailwardd: -name is required")
		return exitBadConfig
	}
	if (*certPath == "") != (*keyPath == "") {
		fmt.Fprintln(os.Stderr, "mailwardd: -cert and -key must be given together")
		return exitBadConfig
	}
	if *maildirDir == "" {
		fmt.Fprintln(os.Stderr, "mailwardd: -maildir is required")
		return exitBadConfig
	}

	if err := os.MkdirAll(*maildirDir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "mailwardd: creating maildir root: %v\n", err)
		return exitBadConfig
	}

	handler := NewExampleHandler(*maildirDir, blocklists)

	srv := smtpsrv.NewServerWithFactory(handler.NewSession)
	srv.Hostname = *name
	srv.MaxMessageSize = *maxSize
	srv.MaxWorkers = *maxWorkers

	if *certPath != "" {
		if err := srv.AddCerts(*certPath, *keyPath); err != nil {
			fmt.Fprintf(os.Stderr, "mailwardd: loading certificate: %v\n", err)
			return exitBadConfig
		}
	}

	if err := srv.AdoptSystemdListeners(*systemdSkt); err != nil {
		log.Errorf("mailwardd: socket activation: %v", err)
	}

	for _, a := range addrs {
		srv.AddAddr(a)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "mailwardd: %v\n", err)
		return exitBindFail
	case <-sigCh:
		log.Infof("mailwardd: shutting down")
		srv.Shutdown()
		return exitOK
	}
}
