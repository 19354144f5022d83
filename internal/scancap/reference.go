package scancap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/tlsfleet/crawlercore/internal/model"
)

// ReferenceFactory builds ReferenceScanner instances. It is the default
// Scanner wired into local runs and tests; it performs a real TLS
// handshake and reports the negotiated parameters, rather than
// delegating to any external scan engine.
type ReferenceFactory struct {
	HandshakeTimeout time.Duration
}

// CreateScanner implements Factory.
func (f ReferenceFactory) CreateScanner(bulkScanID string, parallelConnectionThreads, parallelScanThreads int) (Scanner, error) {
	timeout := f.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ReferenceScanner{handshakeTimeout: timeout}, nil
}

// ReferenceScanner performs a bare TLS handshake against the target and
// reports the negotiated version, cipher suite, and leaf certificate
// subject. It has no connection pool of its own; Init/Cleanup are no-ops
// since net.Dial needs no warmup.
type ReferenceScanner struct {
	handshakeTimeout time.Duration
}

// Init implements Scanner.
func (s *ReferenceScanner) Init(ctx context.Context) error { return nil }

// Cleanup implements Scanner.
func (s *ReferenceScanner) Cleanup(ctx context.Context) error { return nil }

// Scan implements Scanner.
func (s *ReferenceScanner) Scan(ctx context.Context, job model.ScanJobDescription, progress ProgressFunc) (map[string]any, error) {
	target := job.ScanTarget
	if !target.HasIP() {
		return nil, fmt.Errorf("scancap: target has no resolved IP")
	}

	addr := net.JoinHostPort(target.IP, fmt.Sprintf("%d", target.Port))
	dialer := &net.Dialer{Timeout: s.handshakeTimeout}

	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{
		ServerName:         target.Hostname,
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, fmt.Errorf("scancap: handshake with %s: %w", addr, err)
	}
	defer conn.Close()

	state := conn.ConnectionState()
	if progress != nil {
		progress(map[string]any{"stage": "handshake_complete"})
	}

	doc := map[string]any{
		"tlsVersion":   tlsVersionName(state.Version),
		"cipherSuite":  tls.CipherSuiteName(state.CipherSuite),
		"serverName":   state.ServerName,
		"peerCertsLen": len(state.PeerCertificates),
	}
	if len(state.PeerCertificates) > 0 {
		doc["leafSubject"] = state.PeerCertificates[0].Subject.String()
		doc["leafNotAfter"] = state.PeerCertificates[0].NotAfter
	}
	return doc, nil
}

func tlsVersionName(v uint16) string {
	switch v {
	case tls.VersionTLS10:
		return "TLS1.0"
	case tls.VersionTLS11:
		return "TLS1.1"
	case tls.VersionTLS12:
		return "TLS1.2"
	case tls.VersionTLS13:
		return "TLS1.3"
	default:
		return fmt.Sprintf("unknown(0x%04x)", v)
	}
}
