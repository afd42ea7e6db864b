package rpc

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
)

func TestEncodeLine(t *testing.T) {
	payload, err := EncodeLine(Request{ID: json.RawMessage("1"), Method: "get_tree"})
	if err != nil {
		t.Fatalf("EncodeLine: %v", err)
	}
	if !bytes.HasSuffix(payload, []byte("\n")) {
		t.Fatalf("payload missing terminator: %q", payload)
	}
	if bytes.Count(payload, []byte("\n")) != 1 {
		t.Fatalf("payload has embedded newlines: %q", payload)
	}
}

func TestEncodeLineEscapesNewlines(t *testing.T) {
	payload, err := EncodeLine(map[string]string{"tree": "Hierarchy\nNode"})
	if err != nil {
		t.Fatalf("EncodeLine: %v", err)
	}
	if bytes.Count(payload, []byte("\n")) != 1 {
		t.Fatalf("string newline leaked into framing: %q", payload)
	}
}

func TestLineScannerTwoLinesOneBuffer(t *testing.T) {
	input := `{"id":1,"method":"get_tree"}` + "\n" + `{"id":2,"method":"tap"}` + "\n"
	s := NewLineScanner(strings.NewReader(input))
	first, err := s.Next()
	if err != nil {
		t.Fatalf("first line: %v", err)
	}
	second, err := s.Next()
	if err != nil {
		t.Fatalf("second line: %v", err)
	}
	if !strings.Contains(string(first), `"get_tree"`) || !strings.Contains(string(second), `"tap"`) {
		t.Fatalf("lines out of order: %q, %q", first, second)
	}
	if _, err := s.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestLineScannerSkipsBlankLines(t *testing.T) {
	s := NewLineScanner(strings.NewReader("\n  \n{\"id\":1,\"method\":\"x\"}\n"))
	line, err := s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(line) != `{"id":1,"method":"x"}` {
		t.Fatalf("got %q", line)
	}
}

func TestLineScannerDiscardsPartialTrailingLine(t *testing.T) {
	s := NewLineScanner(strings.NewReader(`{"id":1,"method":"x"`))
	if _, err := s.Next(); err != io.EOF {
		t.Fatalf("partial line should yield EOF, got %v", err)
	}
}

func TestParseRequest(t *testing.T) {
	cases := []struct {
		name    string
		line    string
		method  string
		wantErr string
		wantID  string
	}{
		{name: "valid", line: `{"id":7,"method":"tap","params":{"x":1}}`, method: "tap", wantID: "7"},
		{name: "missing params defaults empty", line: `{"id":"a","method":"get_tree"}`, method: "get_tree", wantID: `"a"`},
		{name: "not json", line: `{{{`, wantErr: "Invalid JSON payload", wantID: "null"},
		{name: "not an object", line: `[1,2]`, wantErr: "Invalid JSON payload", wantID: "null"},
		{name: "missing method", line: `{"id":3}`, wantErr: "Missing 'method' field", wantID: "3"},
		{name: "null method", line: `{"id":3,"method":null}`, wantErr: "Missing 'method' field", wantID: "3"},
		{name: "non-string method", line: `{"id":3,"method":12}`, wantErr: "Field 'method' must be a string", wantID: "3"},
		{name: "non-object params", line: `{"id":3,"method":"tap","params":[1]}`, wantErr: "Field 'params' must be an object", wantID: "3"},
		{name: "null params", line: `{"id":3,"method":"tap","params":null}`, wantErr: "Field 'params' must be an object", wantID: "3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, errResp := ParseRequest([]byte(tc.line))
			if tc.wantErr != "" {
				if errResp == nil {
					t.Fatalf("expected framing error %q, got request %+v", tc.wantErr, req)
				}
				if errResp.Error == nil || errResp.Error.Message != tc.wantErr {
					t.Fatalf("error = %+v, want %q", errResp.Error, tc.wantErr)
				}
				raw, err := json.Marshal(errResp)
				if err != nil {
					t.Fatalf("marshal response: %v", err)
				}
				var echoed struct {
					ID json.RawMessage `json:"id"`
				}
				if err := json.Unmarshal(raw, &echoed); err != nil {
					t.Fatalf("unmarshal response: %v", err)
				}
				if string(echoed.ID) != tc.wantID {
					t.Fatalf("echoed id = %s, want %s", echoed.ID, tc.wantID)
				}
				return
			}
			if errResp != nil {
				t.Fatalf("unexpected framing error: %+v", errResp.Error)
			}
			if req.Method != tc.method {
				t.Fatalf("method = %q, want %q", req.Method, tc.method)
			}
			if req.Params == nil {
				t.Fatal("params not defaulted to an empty map")
			}
			if string(req.ID) != tc.wantID {
				t.Fatalf("id = %s, want %s", req.ID, tc.wantID)
			}
		})
	}
}

func TestResponseExactlyOneBranch(t *testing.T) {
	ok, err := json.Marshal(&Response{ID: json.RawMessage("1"), Result: json.RawMessage(`{"tree":"Hierarchy"}`)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if bytes.Contains(ok, []byte(`"error"`)) {
		t.Fatalf("success response carries error branch: %s", ok)
	}
	bad, err := json.Marshal(ErrorResponse(json.RawMessage("1"), "nope"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if bytes.Contains(bad, []byte(`"result"`)) {
		t.Fatalf("error response carries result branch: %s", bad)
	}
}
