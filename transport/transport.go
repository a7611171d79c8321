// Package transport provides the single request-signing capability shared by
// the repository client and the search client. A Transport is anything that
// satisfies http.RoundTripper; the two supported modes are a shared-secret
// header and mutual TLS, selected once at startup by configuration rather
// than expressed through client inheritance.
package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"
)

// Transport is the capability both REST clients depend on.
type Transport = http.RoundTripper

// PoolConfig controls connection reuse for both transport modes.
type PoolConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// DefaultPoolConfig returns pooling defaults suitable for a single-host REST client.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
}

func baseTransport(pool PoolConfig) *http.Transport {
	return &http.Transport{
		MaxIdleConns:        pool.MaxIdleConns,
		MaxIdleConnsPerHost: pool.MaxIdleConnsPerHost,
		IdleConnTimeout:     pool.IdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}
}

// secretTransport injects a fixed shared-secret header on every outbound
// request before delegating to the pooled base transport.
type secretTransport struct {
	header string
	secret string
	base   http.RoundTripper
}

// NewSecretTransport returns a Transport that sets header to secret on every
// request. This is the shared-secret auth mode.
func NewSecretTransport(header, secret string, pool PoolConfig) Transport {
	return &secretTransport{
		header: header,
		secret: secret,
		base:   baseTransport(pool),
	}
}

func (t *secretTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	cloned.Header.Set(t.header, t.secret)
	return t.base.RoundTrip(cloned)
}

// TLSConfig describes a client keystore and a truststore for the mutual-TLS
// transport mode. Keystore and truststore are PEM-encoded; the keystore pairs
// a certificate with its private key.
type TLSConfig struct {
	KeystoreCertPath string
	KeystoreKeyPath  string
	TruststorePath   string
	ServerName       string
}

// NewMutualTLSTransport loads the client keystore and truststore and returns a
// Transport that presents the client certificate and trusts only the
// configured CA bundle. This is the mutual-TLS auth mode.
func NewMutualTLSTransport(cfg TLSConfig, pool PoolConfig) (Transport, error) {
	cert, err := tls.LoadX509KeyPair(cfg.KeystoreCertPath, cfg.KeystoreKeyPath)
	if err != nil {
		return nil, fmt.Errorf("transport: load client keystore: %w", err)
	}

	caBytes, err := os.ReadFile(cfg.TruststorePath)
	if err != nil {
		return nil, fmt.Errorf("transport: read truststore: %w", err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("transport: no usable certificates in truststore %s", cfg.TruststorePath)
	}

	base := baseTransport(pool)
	base.TLSClientConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caPool,
		ServerName:   cfg.ServerName,
		MinVersion:   tls.VersionTLS12,
	}
	return base, nil
}
