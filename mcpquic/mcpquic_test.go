package mcpquic

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

// WHAT: the magic preamble written by a client must be exactly the
// MCP1 marker, and a server reading it back must accept it.
// WHY: the raw-QUIC listener uses the preamble to tell MCP streams
// apart from stray HTTP/3 traffic hitting the wrong port.
func TestMagicBytesRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	if err := SendMagicBytes(&buf); err != nil {
		t.Fatal(err)
	}
	if buf.String() != MagicBytesMCP {
		t.Fatalf("magic: got %q, want %q", buf.String(), MagicBytesMCP)
	}
	if err := ValidateMagicBytes(&buf); err != nil {
		t.Fatal(err)
	}
}

// WHAT: a stream opening with anything other than MCP1 is rejected
// with ErrInvalidMagicBytes; a truncated preamble is also an error.
func TestValidateMagicBytesRejects(t *testing.T) {
	err := ValidateMagicBytes(bytes.NewReader([]byte("HTTP")))
	if err == nil {
		t.Fatal("expected error for invalid magic bytes")
	}
	if !errors.Is(err, ErrInvalidMagicBytes) {
		t.Fatalf("expected ErrInvalidMagicBytes, got: %v", err)
	}

	if err := ValidateMagicBytes(bytes.NewReader([]byte("MC"))); err == nil {
		t.Fatal("expected error for short input")
	}
}

// WHAT: the production QUIC profile keeps the documented timeouts and
// never allows 0-RTT.
// WHY: 0-RTT data is replayable, and tool calls are not idempotent.
func TestProductionQUICConfig(t *testing.T) {
	cfg := ProductionQUICConfig()
	if cfg.MaxIdleTimeout != DefaultIdleTimeout {
		t.Fatalf("idle timeout: got %v", cfg.MaxIdleTimeout)
	}
	if cfg.KeepAlivePeriod != DefaultKeepAlive {
		t.Fatalf("keepalive: got %v", cfg.KeepAlivePeriod)
	}
	if cfg.Allow0RTT {
		t.Fatal("0-RTT should be disabled")
	}
}

// WHAT: the self-signed development config carries one certificate,
// pins TLS 1.3, and advertises the MCP ALPN protocol.
func TestSelfSignedTLSConfig(t *testing.T) {
	cfg, err := SelfSignedTLSConfig()
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("certs: got %d", len(cfg.Certificates))
	}
	if cfg.MinVersion != 0x0304 { // tls.VersionTLS13
		t.Fatalf("min version: got %x", cfg.MinVersion)
	}
	foundMCP := false
	for _, p := range cfg.NextProtos {
		if p == ALPNProtocolMCP {
			foundMCP = true
		}
	}
	if !foundMCP {
		t.Fatalf("ALPN: mcp protocol not found in %v", cfg.NextProtos)
	}
}

// WHAT: ClientTLSConfig only skips certificate verification when asked,
// and always pins TLS 1.3.
func TestClientTLSConfig(t *testing.T) {
	insecure := ClientTLSConfig(true)
	if !insecure.InsecureSkipVerify {
		t.Fatal("expected InsecureSkipVerify=true")
	}
	if insecure.MinVersion != 0x0304 {
		t.Fatalf("min version: got %x", insecure.MinVersion)
	}

	secure := ClientTLSConfig(false)
	if secure.InsecureSkipVerify {
		t.Fatal("expected InsecureSkipVerify=false")
	}
}

// WHAT: wire constants are part of the protocol and must never drift.
func TestWireConstants(t *testing.T) {
	if ALPNProtocolMCP != "mcp-quic-v1" {
		t.Fatalf("ALPN: got %q", ALPNProtocolMCP)
	}
	if MagicBytesMCP != "MCP1" {
		t.Fatalf("magic: got %q", MagicBytesMCP)
	}
	if MaxMessageSize != 10*1024*1024 {
		t.Fatalf("max message: got %d", MaxMessageSize)
	}
}

// WHAT: ConnectionError renders the remote address and hex error code,
// and unwraps to the underlying cause.
func TestConnectionError(t *testing.T) {
	inner := errors.New("timeout")
	ce := &ConnectionError{
		RemoteAddr: "127.0.0.1:8443",
		Code:       ConnErrorProtocolViolation,
		Err:        inner,
	}

	msg := ce.Error()
	if !strings.Contains(msg, "127.0.0.1:8443") {
		t.Fatalf("error missing remote addr: %s", msg)
	}
	if !strings.Contains(msg, "0x03") {
		t.Fatalf("error missing code: %s", msg)
	}

	if !errors.Is(ce, inner) {
		t.Fatal("Unwrap should return inner error")
	}
}

func TestSentinelErrors(t *testing.T) {
	if ErrInvalidMagicBytes == nil {
		t.Fatal("ErrInvalidMagicBytes should not be nil")
	}
	if ErrUnsupportedALPN == nil {
		t.Fatal("ErrUnsupportedALPN should not be nil")
	}
	if ErrConnectionClosed == nil {
		t.Fatal("ErrConnectionClosed should not be nil")
	}
}

// WHAT: a client built with a nil TLS config gets the secure default,
// and a caller-provided config is used as-is.
func TestNewClient(t *testing.T) {
	c := NewClient("localhost:8443", nil)
	if c.addr != "localhost:8443" {
		t.Fatalf("addr: got %q", c.addr)
	}
	if c.tlsCfg == nil {
		t.Fatal("TLS config should not be nil with default")
	}
	if c.tlsCfg.InsecureSkipVerify {
		t.Fatal("default TLS should be secure (verify server cert)")
	}

	custom := ClientTLSConfig(false)
	c2 := NewClient("srv:9000", custom)
	if c2.tlsCfg != custom {
		t.Fatal("custom TLS config not applied")
	}
}

// WHAT: H3TLSConfig derives an h3-only ALPN config, keeping the base
// certificates and min version, without mutating the base.
// WHY: the chassis shares one certificate between the HTTP/3 server
// and the raw MCP listener; mutating the shared config would leak the
// wrong ALPN list into the other listener.
func TestH3TLSConfig(t *testing.T) {
	base, err := SelfSignedTLSConfig()
	if err != nil {
		t.Fatal(err)
	}
	h3 := H3TLSConfig(base)
	if len(h3.NextProtos) != 1 || h3.NextProtos[0] != "h3" {
		t.Fatalf("ALPN: got %v, want [h3]", h3.NextProtos)
	}
	if h3.MinVersion != base.MinVersion {
		t.Fatal("MinVersion should be preserved from base")
	}
	if len(h3.Certificates) != len(base.Certificates) {
		t.Fatal("Certificates should be preserved from base")
	}
	if base.NextProtos[0] == "h3" {
		t.Fatal("base config should not be mutated")
	}
}

// WHAT: client calls made before Connect fail fast instead of
// panicking on a nil session.
func TestClientNotConnected(t *testing.T) {
	c := NewClient("localhost:1234", nil)

	if _, err := c.ListTools(nil); err == nil {
		t.Fatal("expected error when not connected")
	}
	if _, err := c.CallTool(nil, "test", nil); err == nil {
		t.Fatal("expected error when not connected")
	}
	if err := c.Ping(nil); err == nil {
		t.Fatal("expected error when not connected")
	}
}
