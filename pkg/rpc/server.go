package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rexliu/phonebridge/pkg/logging"
)

// acceptPoll bounds each Accept wait so a stop request is observed promptly.
const acceptPoll = 500 * time.Millisecond

// HandlerFunc processes one request's params and returns a result value.
// A returned error becomes the response's error message verbatim.
type HandlerFunc func(ctx context.Context, params Params) (any, error)

// SessionFunc builds the handler table for one accepted connection. It is
// invoked once per connection, so any state the handlers close over is owned
// by that connection alone.
type SessionFunc func() map[string]HandlerFunc

// Server accepts loopback TCP connections and serves newline-delimited JSON
// requests, one independent session per connection.
type Server struct {
	host        string
	port        int
	idleTimeout time.Duration
	sessions    SessionFunc
	logger      *logging.Logger

	ln      *net.TCPListener
	stopped atomic.Bool
	done    chan struct{}
}

// NewServer constructs a server for the given loopback address.
func NewServer(host string, port int, sessions SessionFunc, logger *logging.Logger) *Server {
	return &Server{
		host:     host,
		port:     port,
		sessions: sessions,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// SetIdleTimeout bounds each per-connection line read; zero disables it.
func (s *Server) SetIdleTimeout(d time.Duration) {
	s.idleTimeout = d
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if s.sessions == nil {
		return errors.New("nil session factory")
	}
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		return err
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()
	go s.acceptLoop(ctx)
	return nil
}

// Addr reports the bound listen address.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops accepting new connections. In-flight connections finish
// their current line; they are not forcibly closed. Safe to call repeatedly.
func (s *Server) Shutdown() {
	if s.stopped.CompareAndSwap(false, true) {
		if s.ln != nil {
			s.ln.Close()
		}
	}
}

// Wait blocks until the accept loop has exited.
func (s *Server) Wait() {
	<-s.done
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer close(s.done)
	for {
		if s.stopped.Load() || ctx.Err() != nil {
			return
		}
		s.ln.SetDeadline(time.Now().Add(acceptPoll))
		conn, err := s.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if s.stopped.Load() || ctx.Err() != nil {
				return
			}
			s.logger.Printf("accept error: %v", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	if !IsLoopback(conn.RemoteAddr()) {
		// Origin restriction, not authentication: non-loopback peers are
		// dropped before any data is read or written.
		s.logger.Printf("rejected non-loopback connection from %s", conn.RemoteAddr())
		return
	}
	trace := NewTraceID()
	s.logger.Printf("conn %s accepted", trace)

	handlers := s.sessions()
	scanner := NewLineScanner(conn)
	for !s.stopped.Load() && ctx.Err() == nil {
		if s.idleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
		line, err := scanner.Next()
		if err != nil {
			if err != io.EOF {
				s.logger.Printf("conn %s read error: %v", trace, err)
			}
			return
		}
		resp := s.handleLine(ctx, handlers, line)
		payload, err := EncodeLine(resp)
		if err != nil {
			s.logger.Printf("conn %s encode error: %v", trace, err)
			return
		}
		if _, err := conn.Write(payload); err != nil {
			s.logger.Printf("conn %s write error: %v", trace, err)
			return
		}
	}
}

// handleLine turns one request line into exactly one response. It never
// panics: any failure while handling the line becomes an error response so a
// single bad request cannot take down the connection or the listener.
func (s *Server) handleLine(ctx context.Context, handlers map[string]HandlerFunc, line []byte) *Response {
	req, errResp := ParseRequest(line)
	if errResp != nil {
		return errResp
	}
	handler, ok := handlers[req.Method]
	if !ok {
		return ErrorResponse(req.ID, "Unsupported command: "+req.Method)
	}
	result, err := s.invoke(ctx, handler, req.Params)
	if err != nil {
		return ErrorResponse(req.ID, err.Error())
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return ErrorResponse(req.ID, "Internal error: "+err.Error())
	}
	return &Response{ID: req.ID, Result: raw}
}

func (s *Server) invoke(ctx context.Context, handler HandlerFunc, params Params) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("Internal error: %v", r)
		}
	}()
	return handler(ctx, params)
}

// IsLoopback reports whether addr originates from a loopback interface.
func IsLoopback(addr net.Addr) bool {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.IsLoopback()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
