package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"net"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()
	cert, err := Generate(24*time.Hour, "10.1.2.3", "pull.example")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(cert.TLSCert.Certificate) == 0 {
		t.Fatal("no certificate data")
	}

	x509Cert, err := x509.ParseCertificate(cert.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}
	if validity := x509Cert.NotAfter.Sub(x509Cert.NotBefore); validity != 24*time.Hour {
		t.Errorf("validity: got %v, want 24h", validity)
	}
	if x509Cert.NotAfter.Before(time.Now()) {
		t.Error("cert is already expired")
	}
	if want := sha256.Sum256(cert.TLSCert.Certificate[0]); cert.Fingerprint != want {
		t.Error("fingerprint mismatch")
	}
	if err := x509Cert.VerifyHostname("pull.example"); err != nil {
		t.Errorf("extra DNS name: %v", err)
	}
	found := false
	for _, ip := range x509Cert.IPAddresses {
		if ip.Equal(net.ParseIP("10.1.2.3")) {
			found = true
		}
	}
	if !found {
		t.Error("extra IP address missing")
	}
	if len(cert.ServerConfig().Certificates) != 1 {
		t.Error("server config should carry the certificate")
	}
}

func TestGenerateDefaultValidity(t *testing.T) {
	t.Parallel()
	cert, err := Generate(0)
	if err != nil {
		t.Fatal(err)
	}
	if got := time.Until(cert.NotAfter); got < DefaultValidity-2*time.Minute {
		t.Errorf("validity: got %v", got)
	}
}

func TestFingerprintRoundTrip(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	fp, err := ParseFingerprint(cert.FingerprintBase64())
	if err != nil {
		t.Fatal(err)
	}
	if fp != cert.Fingerprint {
		t.Error("parsed fingerprint differs")
	}

	if _, err := ParseFingerprint("!!"); err == nil {
		t.Error("invalid base64: expected error")
	}
	if _, err := ParseFingerprint("AAAA"); err == nil {
		t.Error("short fingerprint: expected error")
	}
}

func TestPinnedClientConfig(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	other, err := Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	verify := PinnedClientConfig(cert.Fingerprint).VerifyPeerCertificate
	if err := verify(cert.TLSCert.Certificate, nil); err != nil {
		t.Errorf("pinned cert rejected: %v", err)
	}
	if err := verify(other.TLSCert.Certificate, nil); !errors.Is(err, ErrFingerprintMismatch) {
		t.Errorf("other cert: got %v", err)
	}
	if err := verify(nil, nil); !errors.Is(err, ErrFingerprintMismatch) {
		t.Errorf("no certs: got %v", err)
	}
}
