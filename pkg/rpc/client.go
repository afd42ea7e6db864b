package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

// ClientOptions bound a client's connect, read, and response-size behavior.
type ClientOptions struct {
	ConnectTimeout   time.Duration
	ReadTimeout      time.Duration
	MaxResponseBytes int
}

// Client issues requests over a single connection, one at a time. The server
// processes lines serially per connection, so callers must not pipeline.
type Client struct {
	conn net.Conn
	br   *bufio.Reader
	opts ClientOptions
}

// Dial connects to an RPC endpoint.
func Dial(host string, port int, opts ClientOptions) (*Client, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, opts.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{conn: conn, br: bufio.NewReader(conn), opts: opts}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends one request and reads its response line.
func (c *Client) Call(id any, method string, params Params) (*Response, error) {
	rawID, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = Params{}
	}
	payload, err := EncodeLine(Request{ID: rawID, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	if c.opts.ReadTimeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.opts.ReadTimeout))
	}
	if _, err := c.conn.Write(payload); err != nil {
		return nil, err
	}
	line, err := readLineCapped(c.br, c.opts.MaxResponseBytes)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 {
		return nil, fmt.Errorf("empty response (server closed the connection)")
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		head := line
		if len(head) > 200 {
			head = head[:200]
		}
		return nil, fmt.Errorf("invalid JSON response: %v. Head=%q", err, head)
	}
	return &resp, nil
}

// CallOnce dials, issues one request, and closes the connection.
func CallOnce(host string, port int, opts ClientOptions, id any, method string, params Params) (*Response, error) {
	client, err := Dial(host, port, opts)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	return client.Call(id, method, params)
}

// readLineCapped reads up to the next newline, enforcing max. On a clean EOF
// it returns whatever arrived before the stream closed.
func readLineCapped(r *bufio.Reader, max int) ([]byte, error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return buf, nil
			}
			return nil, err
		}
		if b == '\n' {
			return buf, nil
		}
		buf = append(buf, b)
		if max > 0 && len(buf) > max {
			return nil, fmt.Errorf("response exceeded max size (%d bytes)", max)
		}
	}
}
