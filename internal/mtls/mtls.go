// Package mtls loads the client certificate used to authenticate to the
// management server.
package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/breeze-rmm/autoupdate/internal/logging"
)

var log = logging.L("mtls")

// Files names PEM files on disk. All fields are optional.
type Files struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// BuildTLSConfig returns a client TLS config with the certificate pair and
// extra root CA loaded, or nil when no files are set.
func BuildTLSConfig(f Files) (*tls.Config, error) {
	if f.CertFile == "" && f.KeyFile == "" && f.CAFile == "" {
		return nil, nil
	}
	if (f.CertFile == "") != (f.KeyFile == "") {
		return nil, errors.New("client certificate and key must be set together")
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if f.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load mTLS key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}

		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("failed to parse client certificate: %w", err)
		}
		now := time.Now()
		switch {
		case IsExpired(leaf, now):
			log.Warn("client certificate has expired", "notAfter", leaf.NotAfter)
		case NeedsRenewal(leaf, now):
			log.Warn("client certificate is due for renewal", "notAfter", leaf.NotAfter)
		}
	}

	if f.CAFile != "" {
		pem, err := os.ReadFile(f.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", f.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// IsExpired reports whether cert is outside its validity window at now.
func IsExpired(cert *x509.Certificate, now time.Time) bool {
	return now.After(cert.NotAfter) || now.Before(cert.NotBefore)
}

// NeedsRenewal reports whether two thirds of cert's lifetime have passed.
func NeedsRenewal(cert *x509.Certificate, now time.Time) bool {
	lifetime := cert.NotAfter.Sub(cert.NotBefore)
	return now.After(cert.NotBefore.Add(lifetime * 2 / 3))
}
