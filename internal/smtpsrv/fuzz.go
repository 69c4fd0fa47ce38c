// Fuzz testing for package smtpsrv. Based on server_test.go.

// +build gofuzz

package smtpsrv

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"net/textproto"
	"os"
	"strings"
	"time"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/mailward/internal/session"
	"blitiri.com.ar/go/mailward/internal/testlib"
)

var smtpAddr = ""

// Fuzz feeds data as a sequence of SMTP command lines to a live server. It
// panics only if it cannot connect; a read or write error just ends the
// dialog.
func Fuzz(data []byte) int {
	conn, err := net.Dial("tcp", smtpAddr)
	if err != nil {
		panic(fmt.Errorf("failed to dial: %v", err))
	}
	defer conn.Close()

	tconn := textproto.NewConn(conn)
	defer tconn.Close()

	// Consume the greeting.
	if _, _, err := tconn.ReadResponse(-1); err != nil {
		return 0
	}

	scanner := bufio.NewScanner(bytes.NewBuffer(data))
	for scanner.Scan() {
		line := scanner.Text()
		cmd := strings.TrimSpace(strings.ToUpper(line))

		if err = tconn.PrintfLine(line); err != nil {
			break
		}
		if _, _, err = tconn.ReadResponse(-1); err != nil {
			break
		}
		if cmd == "DATA" {
			err = exchangeData(scanner, tconn)
			if err != nil {
				break
			}
		}
	}
	return 0
}

func exchangeData(scanner *bufio.Scanner, tconn *textproto.Conn) error {
	for scanner.Scan() {
		line := scanner.Text()
		if err := tconn.PrintfLine(line); err != nil {
			return err
		}
		if line == "." {
			break
		}
	}
	_, _, err := tconn.ReadResponse(-1)
	return err
}

func init() {
	log.Default.Level = log.Error

	smtpAddr = testlib.GetFreePort()

	srv := NewServer(session.NopHandler{})
	srv.Hostname = "localhost"
	srv.MaxMessageSize = 50 * 1024 * 1025
	srv.IdleTimeout = 5 * time.Second
	srv.TotalTimeout = 30 * time.Second
	srv.AddAddr(smtpAddr)

	go srv.ListenAndServe()

	if !testlib.WaitFor(func() bool {
		c, err := net.Dial("tcp", smtpAddr)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, 10*time.Second) {
		fmt.Fprintf(os.Stderr, "%v not reachable\n", smtpAddr)
		os.Exit(1)
	}
}
