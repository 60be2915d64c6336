// Package chassis boots the shared serving surface: an HTTP/1+2 server with
// an HTTP/3 twin on the same port number (UDP), an Alt-Svc header to steer
// clients to QUIC, and an optional MCP-over-QUIC listener.
package chassis

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/quic-go/quic-go/http3"

	"github.com/hazyhaar/sillage/mcpquic"
)

// Config describes a chassis instance.
type Config struct {
	// Addr is the listen address for both the TCP HTTP server and the
	// UDP HTTP/3 server (e.g. ":8443").
	Addr string

	// Handler serves all HTTP routes.
	Handler http.Handler

	// MCPServer, when set, is exposed over QUIC on MCPAddr.
	MCPServer *mcp.Server

	// MCPAddr is the MCP-over-QUIC listen address. Defaults to ":9444".
	MCPAddr string

	// TLSConfig overrides the auto-generated development certificate.
	TLSConfig *tls.Config

	Logger *slog.Logger
}

// Server is the unified serving chassis.
type Server struct {
	addr       string
	mcpAddr    string
	handler    http.Handler
	tlsCfg     *tls.Config
	mcpHandler *mcpquic.Handler
	mcpServer  *mcp.Server
	logger     *slog.Logger

	httpSrv *http.Server
	h3Srv   *http3.Server
}

// New builds a Server. Without an explicit TLSConfig it generates a
// self-signed development certificate.
func New(cfg Config) (*Server, error) {
	if cfg.Handler == nil {
		return nil, errors.New("chassis: Handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tlsCfg := cfg.TLSConfig
	if tlsCfg == nil {
		var err error
		tlsCfg, err = DevelopmentTLSConfig()
		if err != nil {
			return nil, err
		}
	}

	s := &Server{
		addr:    cfg.Addr,
		mcpAddr: cfg.MCPAddr,
		handler: cfg.Handler,
		tlsCfg:  tlsCfg,
		logger:  logger,
	}
	if s.mcpAddr == "" {
		s.mcpAddr = ":9444"
	}
	if cfg.MCPServer != nil {
		s.mcpServer = cfg.MCPServer
		s.mcpHandler = mcpquic.NewHandler(cfg.MCPServer, logger)
	}
	return s, nil
}

// Run starts the TCP and HTTP/3 servers, plus the MCP listener when
// configured, and blocks until ctx is cancelled or a server fails.
func (s *Server) Run(ctx context.Context) error {
	handler := altSvcMiddleware(s.addr, s.handler)

	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           handler,
		TLSConfig:         s.tlsCfg.Clone(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.h3Srv = &http3.Server{
		Addr:       s.addr,
		Handler:    handler,
		TLSConfig:  mcpquic.H3TLSConfig(s.tlsCfg),
		QUICConfig: mcpquic.ProductionQUICConfig(),
	}

	errCh := make(chan error, 3)

	go func() {
		s.logger.Info("chassis HTTP listening", "addr", s.addr)
		if err := s.httpSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("chassis: http: %w", err)
		}
	}()

	go func() {
		s.logger.Info("chassis HTTP/3 listening", "addr", s.addr)
		if err := s.h3Srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("chassis: http3: %w", err)
		}
	}()

	if s.mcpHandler != nil {
		mcpTLS := s.tlsCfg.Clone()
		mcpTLS.NextProtos = []string{mcpquic.ALPNProtocolMCP}
		ql, err := mcpquic.NewListener(s.mcpAddr, mcpTLS, s.mcpServer, s.logger)
		if err != nil {
			return fmt.Errorf("chassis: mcp listener: %w", err)
		}
		go func() {
			defer ql.Close()
			if err := ql.Serve(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("chassis: mcp: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("chassis shutdown", "error", err)
	}
	s.h3Srv.Close()
	s.logger.Info("chassis stopped")
	return nil
}

// altSvcMiddleware advertises the HTTP/3 endpoint on every TCP response so
// capable clients upgrade to QUIC on their next request.
func altSvcMiddleware(addr string, next http.Handler) http.Handler {
	_, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		port = "8080"
	}
	value := fmt.Sprintf(`h3=":%s"; ma=86400`, port)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Alt-Svc", value)
		next.ServeHTTP(w, r)
	})
}

// GenerateSelfSignedCert builds an ECDSA P-256 localhost certificate for
// development. Not for production use.
func GenerateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("chassis: generate key: %w", err)
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("chassis: serial number: %w", err)
	}

	notBefore := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"sillage development"},
			CommonName:   "localhost",
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("chassis: create certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("chassis: marshal key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("chassis: load key pair: %w", err)
	}
	return cert, nil
}

// DevelopmentTLSConfig returns a TLS config with a fresh self-signed
// certificate, advertising both HTTP/3 and MCP ALPNs.
func DevelopmentTLSConfig() (*tls.Config, error) {
	cert, err := GenerateSelfSignedCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h3", mcpquic.ALPNProtocolMCP},
	}, nil
}
