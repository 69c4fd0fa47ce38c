package smtpsrv

import (
	"net"
	"sync"
	"time"

	"blitiri.com.ar/go/mailward/internal/expvarom"
)

var (
	activeConns = expvarom.NewInt("mailward/smtpIn/activeConnections",
		"connections currently being served")
	rejectedConns = expvarom.NewInt("mailward/smtpIn/rejectedConnections",
		"connections rejected because the worker pool was saturated")
)

// pool bounds the number of connections served concurrently. It replaces
// an unbounded goroutine-per-connection accept loop with a buffered-channel
// semaphore: once maxWorkers connections are in flight, new connections get
// an immediate 421 and are closed rather than queued, so a flood of
// connections degrades gracefully instead of exhausting memory.
type pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func newPool(maxWorkers int) *pool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &pool{sem: make(chan struct{}, maxWorkers)}
}

// dispatch runs handle(conn) in a new goroutine if a worker slot is free;
// otherwise it rejects conn immediately with a transient-failure reply and
// closes it without ever calling handle.
func (p *pool) dispatch(conn net.Conn, handle func(net.Conn)) {
	select {
	case p.sem <- struct{}{}:
	default:
		rejectedConns.Add(1)
		rejectSaturated(conn)
		return
	}

	activeConns.Add(1)
	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.sem
			activeConns.Add(-1)
			p.wg.Done()
		}()
		handle(conn)
	}()
}

// rejectSaturated tells a connection the server is too busy, without
// spending a worker slot or the normal session machinery on it.
func rejectSaturated(conn net.Conn) {
	defer conn.Close()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	conn.Write([]byte("421 4.3.2 too busy, try again later\r\n"))
}

// drain waits up to grace for in-flight connections to finish on their own,
// then returns regardless, so shutdown has a bounded worst case.
func (p *pool) drain(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
	}
}
