package gpadmin

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func TestParseRequestInitialFetch(t *testing.T) {
	raw := "POST /admin HTTP/1.1\r\n" +
		"Host: test\r\n" +
		"Content-Length: 0\r\n" +
		"X-Admin-Protocol: globalPlatform.v1.0\r\n" +
		"\r\n"
	req, err := ParseRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.Method != "POST" || req.Path != "/admin" || len(req.Body) != 0 {
		t.Fatalf("unexpected request: %+v", req)
	}
	if !SupportedProtocol(req.AdminProtocol) {
		t.Fatalf("expected supported protocol, got %q", req.AdminProtocol)
	}
}

func TestParseRequestWithBody(t *testing.T) {
	body := []byte{0x90, 0x00}
	raw := "POST /admin HTTP/1.1\r\n" +
		"Content-Type: application/vnd.globalplatform.card-content-mgt-response\r\n" +
		"Content-Length: 2\r\n" +
		"\r\n" +
		string(body)
	req, err := ParseRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !bytes.Equal(req.Body, body) {
		t.Fatalf("body mismatch: %x", req.Body)
	}
	if req.AdminProtocol != DefaultProtocol {
		t.Fatalf("expected default protocol, got %q", req.AdminProtocol)
	}
}

func TestParseRequestBareLF(t *testing.T) {
	raw := "POST /admin HTTP/1.1\nContent-Length: 0\n\n"
	req, err := ParseRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("parse with bare LF: %v", err)
	}
	if req.Path != "/admin" {
		t.Fatalf("unexpected path: %q", req.Path)
	}
}

func TestParseRequestMissingContentLength(t *testing.T) {
	raw := "POST /admin HTTP/1.1\r\n\r\n"
	_, err := ParseRequest(bufio.NewReader(strings.NewReader(raw)))
	if err == nil {
		t.Fatalf("expected error for missing content-length")
	}
	pe, ok := err.(*ParseError)
	if !ok || pe.Status != 400 {
		t.Fatalf("expected 400 parse error, got %v", err)
	}
}

func TestParseRequestBodyTooLarge(t *testing.T) {
	raw := "POST /admin HTTP/1.1\r\nContent-Length: 999999\r\n\r\n"
	_, err := ParseRequest(bufio.NewReader(strings.NewReader(raw)))
	pe, ok := err.(*ParseError)
	if !ok || pe.Status != 413 {
		t.Fatalf("expected 413, got %v", err)
	}
}

func TestWriteCommandResponse(t *testing.T) {
	var buf bytes.Buffer
	resp := CommandResponse([]byte{0x00, 0xA4, 0x04, 0x00})
	if err := Write(&buf, resp, false); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "200 OK") || !strings.Contains(out, ContentTypeCommand) ||
		!strings.Contains(out, "Connection: keep-alive") {
		t.Fatalf("unexpected response: %s", out)
	}
}

func TestWriteNoContentClosing(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, NoContentResponse(), true); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "204 No Content") || !strings.Contains(out, "Connection: close") {
		t.Fatalf("unexpected response: %s", out)
	}
}

func TestWriteRequestThenParseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte{0x90, 0x00}
	if err := WriteRequest(&buf, "sim", "/admin", body); err != nil {
		t.Fatalf("write request: %v", err)
	}
	req, err := ParseRequest(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("parse round trip: %v", err)
	}
	if !bytes.Equal(req.Body, body) || req.Path != "/admin" || req.Host != "sim" {
		t.Fatalf("unexpected round-tripped request: %+v", req)
	}
}

func TestParseResponseCommand(t *testing.T) {
	var buf bytes.Buffer
	resp := CommandResponse([]byte{0x00, 0xA4, 0x04, 0x00})
	if err := Write(&buf, resp, false); err != nil {
		t.Fatalf("write: %v", err)
	}
	parsed, err := ParseResponse(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if parsed.Status != 200 || !bytes.Equal(parsed.Body, resp.Body) {
		t.Fatalf("unexpected parsed response: %+v", parsed)
	}
}

func TestParseResponseNoContent(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, NoContentResponse(), true); err != nil {
		t.Fatalf("write: %v", err)
	}
	parsed, err := ParseResponse(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if parsed.Status != 204 {
		t.Fatalf("expected 204, got %d", parsed.Status)
	}
}
