package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rexliu/phonebridge/pkg/logging"
)

func testSessions(srv **Server) SessionFunc {
	return func() map[string]HandlerFunc {
		var stored string
		return map[string]HandlerFunc{
			"echo": func(_ context.Context, params Params) (any, error) {
				return params, nil
			},
			"remember": func(_ context.Context, params Params) (any, error) {
				stored, _ = params["value"].(string)
				return map[string]any{"status": "ok"}, nil
			},
			"recall": func(_ context.Context, _ Params) (any, error) {
				if stored == "" {
					return nil, fmt.Errorf("nothing stored")
				}
				return map[string]any{"value": stored}, nil
			},
			"boom": func(_ context.Context, _ Params) (any, error) {
				panic("exploded")
			},
			"stop": func(_ context.Context, _ Params) (any, error) {
				(*srv).Shutdown()
				return map[string]any{}, nil
			},
		}
	}
}

func startTestServer(t *testing.T) *Server {
	t.Helper()
	var srv *Server
	srv = NewServer("127.0.0.1", 0, testSessions(&srv), logging.New("test"))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func dialTest(t *testing.T, srv *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn, bufio.NewReader(conn)
}

func readResponse(t *testing.T, br *bufio.Reader) *Response {
	t.Helper()
	line, err := br.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("decode response %q: %v", line, err)
	}
	return &resp
}

func TestServerOrderingWithinConnection(t *testing.T) {
	srv := startTestServer(t)
	conn, br := dialTest(t, srv)

	// Two requests in a single write must produce two responses in order.
	payload := `{"id":1,"method":"echo","params":{"n":1}}` + "\n" +
		`{"id":2,"method":"echo","params":{"n":2}}` + "\n"
	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
	for want := 1; want <= 2; want++ {
		resp := readResponse(t, br)
		if string(resp.ID) != fmt.Sprint(want) {
			t.Fatalf("response %d has id %s", want, resp.ID)
		}
		if resp.Error != nil {
			t.Fatalf("response %d errored: %s", want, resp.Error.Message)
		}
	}
}

func TestServerUnsupportedMethod(t *testing.T) {
	srv := startTestServer(t)
	conn, br := dialTest(t, srv)
	fmt.Fprintf(conn, `{"id":1,"method":"frobnicate"}`+"\n")
	resp := readResponse(t, br)
	if resp.Error == nil || resp.Error.Message != "Unsupported command: frobnicate" {
		t.Fatalf("error = %+v", resp.Error)
	}
}

func TestServerFramingErrorDoesNotKillConnection(t *testing.T) {
	srv := startTestServer(t)
	conn, br := dialTest(t, srv)

	fmt.Fprintf(conn, "this is not json\n")
	resp := readResponse(t, br)
	if resp.Error == nil || resp.Error.Message != "Invalid JSON payload" {
		t.Fatalf("error = %+v", resp.Error)
	}
	if string(resp.ID) != "null" {
		t.Fatalf("id = %s, want null", resp.ID)
	}

	// Connection is still usable afterwards.
	fmt.Fprintf(conn, `{"id":9,"method":"echo","params":{}}`+"\n")
	resp = readResponse(t, br)
	if resp.Error != nil {
		t.Fatalf("follow-up request failed: %s", resp.Error.Message)
	}
}

func TestServerPanicBecomesInternalError(t *testing.T) {
	srv := startTestServer(t)
	conn, br := dialTest(t, srv)
	fmt.Fprintf(conn, `{"id":1,"method":"boom"}`+"\n")
	resp := readResponse(t, br)
	if resp.Error == nil || !strings.HasPrefix(resp.Error.Message, "Internal error:") {
		t.Fatalf("error = %+v", resp.Error)
	}

	// The connection survives the panic.
	fmt.Fprintf(conn, `{"id":2,"method":"echo","params":{}}`+"\n")
	if resp := readResponse(t, br); resp.Error != nil {
		t.Fatalf("connection dead after panic: %s", resp.Error.Message)
	}
}

func TestServerSessionIsolation(t *testing.T) {
	srv := startTestServer(t)
	conn1, br1 := dialTest(t, srv)
	conn2, br2 := dialTest(t, srv)

	fmt.Fprintf(conn1, `{"id":1,"method":"remember","params":{"value":"alpha"}}`+"\n")
	if resp := readResponse(t, br1); resp.Error != nil {
		t.Fatalf("remember failed: %s", resp.Error.Message)
	}

	// The second connection must not see the first connection's state.
	fmt.Fprintf(conn2, `{"id":1,"method":"recall"}`+"\n")
	if resp := readResponse(t, br2); resp.Error == nil {
		t.Fatalf("state leaked across connections: %s", resp.Result)
	}

	fmt.Fprintf(conn1, `{"id":2,"method":"recall"}`+"\n")
	resp := readResponse(t, br1)
	if resp.Error != nil {
		t.Fatalf("recall failed on owning connection: %s", resp.Error.Message)
	}
	if !strings.Contains(string(resp.Result), "alpha") {
		t.Fatalf("result = %s", resp.Result)
	}
}

func TestServerStop(t *testing.T) {
	srv := startTestServer(t)
	conn, br := dialTest(t, srv)

	fmt.Fprintf(conn, `{"id":1,"method":"stop"}`+"\n")
	resp := readResponse(t, br)
	if resp.Error != nil {
		t.Fatalf("stop errored: %s", resp.Error.Message)
	}

	doneCh := make(chan struct{})
	go func() {
		srv.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("accept loop did not exit after stop")
	}

	if c, err := net.DialTimeout("tcp", srv.Addr().String(), 200*time.Millisecond); err == nil {
		c.Close()
		t.Fatal("listener still accepting after stop")
	}
}

func TestServerIdleTimeout(t *testing.T) {
	var srv *Server
	srv = NewServer("127.0.0.1", 0, testSessions(&srv), logging.New("test"))
	srv.SetIdleTimeout(100 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	conn, br := dialTest(t, srv)
	// Send nothing: the server should close a stalled connection.
	if _, err := br.ReadByte(); err == nil {
		t.Fatal("expected connection close on idle timeout")
	}
	conn.Close()
}

func TestIsLoopback(t *testing.T) {
	cases := []struct {
		addr net.Addr
		want bool
	}{
		{&net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}, true},
		{&net.TCPAddr{IP: net.ParseIP("::1"), Port: 1}, true},
		{&net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 1}, false},
		{&net.TCPAddr{IP: net.ParseIP("192.168.1.2"), Port: 1}, false},
	}
	for _, tc := range cases {
		if got := IsLoopback(tc.addr); got != tc.want {
			t.Fatalf("IsLoopback(%v) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}
