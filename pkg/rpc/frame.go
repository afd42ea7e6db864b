package rpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
)

// EncodeLine marshals msg compactly and appends the line terminator. JSON
// string escaping already guarantees no literal newlines inside the payload.
func EncodeLine(msg any) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(payload, '\n'), nil
}

// LineScanner extracts newline-terminated messages from a byte stream.
type LineScanner struct {
	r *bufio.Reader
}

// NewLineScanner wraps r for line-at-a-time message extraction.
func NewLineScanner(r io.Reader) *LineScanner {
	return &LineScanner{r: bufio.NewReader(r)}
}

// Next returns the next message line without its terminator, skipping blank
// lines. Trailing bytes with no newline when the stream closes are discarded;
// Next reports io.EOF.
func (s *LineScanner) Next() ([]byte, error) {
	for {
		line, err := s.r.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

var jsonNull = []byte("null")

// ParseRequest validates one decoded line. On a framing error it returns the
// error response to write back: the id echoes whatever id was parsable from
// the line, or null when the line was not even valid JSON.
func ParseRequest(line []byte) (Request, *Response) {
	var probe struct {
		ID     json.RawMessage `json:"id"`
		Method json.RawMessage `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return Request{}, ErrorResponse(probe.ID, "Invalid JSON payload")
	}
	if probe.Method == nil || bytes.Equal(probe.Method, jsonNull) {
		return Request{}, ErrorResponse(probe.ID, "Missing 'method' field")
	}
	var method string
	if err := json.Unmarshal(probe.Method, &method); err != nil {
		return Request{}, ErrorResponse(probe.ID, "Field 'method' must be a string")
	}
	params := Params{}
	if probe.Params != nil {
		if bytes.Equal(probe.Params, jsonNull) {
			return Request{}, ErrorResponse(probe.ID, "Field 'params' must be an object")
		}
		if err := json.Unmarshal(probe.Params, &params); err != nil {
			return Request{}, ErrorResponse(probe.ID, "Field 'params' must be an object")
		}
	}
	return Request{ID: probe.ID, Method: method, Params: params}, nil
}
