package mtls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writePair writes a self-signed certificate and key valid from notBefore
// for lifetime and returns their paths.
func writePair(t *testing.T, notBefore time.Time, lifetime time.Duration) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "device"},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(lifetime),
		IsCA:         true,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	tmpl.BasicConstraintsValid = true
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	certPath := filepath.Join(dir, "client.crt")
	keyPath := filepath.Join(dir, "client.key")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600); err != nil {
		t.Fatal(err)
	}
	return certPath, keyPath
}

func TestBuildTLSConfigEmpty(t *testing.T) {
	cfg, err := BuildTLSConfig(Files{})
	if err != nil || cfg != nil {
		t.Fatalf("BuildTLSConfig(empty) = %v, %v", cfg, err)
	}
}

func TestBuildTLSConfigRequiresPair(t *testing.T) {
	if _, err := BuildTLSConfig(Files{CertFile: "client.crt"}); err == nil {
		t.Fatal("expected error for certificate without key")
	}
}

func TestBuildTLSConfigLoadsPairAndCA(t *testing.T) {
	certPath, keyPath := writePair(t, time.Now().Add(-time.Hour), 24*time.Hour)

	cfg, err := BuildTLSConfig(Files{CertFile: certPath, KeyFile: keyPath, CAFile: certPath})
	if err != nil {
		t.Fatalf("BuildTLSConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected one client certificate, got %d", len(cfg.Certificates))
	}
	if cfg.RootCAs == nil {
		t.Fatal("RootCAs not set")
	}
}

func TestBuildTLSConfigBadCA(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "ca.pem")
	os.WriteFile(bad, []byte("not a certificate"), 0600)
	if _, err := BuildTLSConfig(Files{CAFile: bad}); err == nil {
		t.Fatal("expected error for CA file without certificates")
	}
}

func TestExpiryAndRenewal(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cert := &x509.Certificate{NotBefore: start, NotAfter: start.Add(90 * 24 * time.Hour)}

	if IsExpired(cert, start.Add(24*time.Hour)) || NeedsRenewal(cert, start.Add(24*time.Hour)) {
		t.Error("fresh certificate reported expired or due")
	}
	if !NeedsRenewal(cert, start.Add(61*24*time.Hour)) {
		t.Error("certificate past two thirds of its lifetime should need renewal")
	}
	if !IsExpired(cert, start.Add(91*24*time.Hour)) {
		t.Error("certificate past NotAfter should be expired")
	}
	if !IsExpired(cert, start.Add(-time.Hour)) {
		t.Error("certificate before NotBefore should be expired")
	}
}
