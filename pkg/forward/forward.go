package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rexliu/phonebridge/pkg/logging"
	"github.com/rexliu/phonebridge/pkg/rpc"
)

const acceptPoll = 500 * time.Millisecond

// Strategy is one way of obtaining a live socket to a device's bridge
// listener. Dial reports which endpoint it reached on success; on failure
// the error explains why this strategy could not serve (tool unavailable,
// device not found, connect refused) so the forwarder can log all attempts.
type Strategy interface {
	Name() string
	Dial(ctx context.Context, udid string) (net.Conn, string, error)
}

// Forwarder bridges local loopback connections to a remote bridge listener,
// resolving the remote endpoint fresh for every local connection.
type Forwarder struct {
	port       int
	udid       string
	strategies []Strategy
	logger     *logging.Logger

	ln      *net.TCPListener
	stopped atomic.Bool
	done    chan struct{}
}

// NewForwarder builds a forwarder for udid. Strategies are tried in the
// given order, stopping at the first that yields a socket.
func NewForwarder(port int, udid string, strategies []Strategy, logger *logging.Logger) *Forwarder {
	return &Forwarder{
		port:       port,
		udid:       udid,
		strategies: strategies,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Start binds the local loopback listener and begins accepting.
func (f *Forwarder) Start(ctx context.Context) error {
	if len(f.strategies) == 0 {
		return errors.New("no connection strategies configured")
	}
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(f.port)))
	if err != nil {
		return err
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return err
	}
	f.ln = ln
	go func() {
		<-ctx.Done()
		f.Shutdown()
	}()
	go f.acceptLoop(ctx)
	return nil
}

// Addr reports the bound listen address.
func (f *Forwarder) Addr() net.Addr {
	if f.ln == nil {
		return nil
	}
	return f.ln.Addr()
}

// Shutdown stops accepting local connections. Established pairings keep
// relaying until either side closes.
func (f *Forwarder) Shutdown() {
	if f.stopped.CompareAndSwap(false, true) {
		if f.ln != nil {
			f.ln.Close()
		}
	}
}

// Wait blocks until the accept loop has exited.
func (f *Forwarder) Wait() {
	<-f.done
}

func (f *Forwarder) acceptLoop(ctx context.Context) {
	defer close(f.done)
	for {
		if f.stopped.Load() || ctx.Err() != nil {
			return
		}
		f.ln.SetDeadline(time.Now().Add(acceptPoll))
		conn, err := f.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if f.stopped.Load() || ctx.Err() != nil {
				return
			}
			f.logger.Printf("accept error: %v", err)
			continue
		}
		go f.handleClient(ctx, conn)
	}
}

func (f *Forwarder) handleClient(ctx context.Context, local net.Conn) {
	if !rpc.IsLoopback(local.RemoteAddr()) {
		f.logger.Printf("rejected non-loopback connection from %s", local.RemoteAddr())
		local.Close()
		return
	}
	remote, via, err := f.connectRemote(ctx)
	if err != nil {
		f.logger.Printf("could not reach device %s: %v", f.udid, err)
		local.Close()
		return
	}
	f.logger.Printf("connected to %s via %s", f.udid, via)
	Relay(local, remote)
}

// connectRemote tries each strategy in order, stopping at the first success.
// The returned error names every strategy tried and why it failed; transport
// failures are the dominant field failure mode, so the detail matters.
func (f *Forwarder) connectRemote(ctx context.Context) (net.Conn, string, error) {
	var failures []string
	for _, s := range f.strategies {
		conn, via, err := s.Dial(ctx, f.udid)
		if err == nil {
			return conn, fmt.Sprintf("%s (%s)", s.Name(), via), nil
		}
		failures = append(failures, fmt.Sprintf("%s: %v", s.Name(), err))
	}
	return nil, "", fmt.Errorf("all strategies failed: %s", strings.Join(failures, "; "))
}

// Relay pumps bytes in both directions until either side reaches
// end-of-stream or errors, then closes both connections. Each direction runs
// in its own goroutine, so neither can starve the other.
func Relay(a, b net.Conn) {
	done := make(chan struct{}, 2)
	pump := func(dst, src net.Conn) {
		io.Copy(dst, src)
		done <- struct{}{}
	}
	go pump(a, b)
	go pump(b, a)
	<-done
	a.Close()
	b.Close()
	<-done
}
