package server

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

type testPKI struct {
	caPath, serverCertPath, serverKeyPath, clientCertPath, clientKeyPath string
}

type issuedCert struct {
	der []byte
	key *ecdsa.PrivateKey
}

// writeTestCertificates writes a CA plus a localhost server pair and a client pair signed by it.
func writeTestCertificates(t *testing.T, dir string) (caPath, serverCertPath, serverKeyPath, clientCertPath, clientKeyPath string) {
	t.Helper()
	pki := newTestPKI(t, dir)
	return pki.caPath, pki.serverCertPath, pki.serverKeyPath, pki.clientCertPath, pki.clientKeyPath
}

func newTestPKI(t *testing.T, dir string) testPKI {
	t.Helper()

	ca := issue(t, &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "dlq-replayer test CA"},
		KeyUsage:              x509.KeyUsageCertSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}, nil)
	caCert, err := x509.ParseCertificate(ca.der)
	if err != nil {
		t.Fatalf("parse CA: %v", err)
	}

	server := issue(t, &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}, &signer{cert: caCert, key: ca.key})
	client := issue(t, &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "prometheus"},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}, &signer{cert: caCert, key: ca.key})

	pki := testPKI{
		caPath:         filepath.Join(dir, "ca.pem"),
		serverCertPath: filepath.Join(dir, "server.pem"),
		serverKeyPath:  filepath.Join(dir, "server-key.pem"),
		clientCertPath: filepath.Join(dir, "client.pem"),
		clientKeyPath:  filepath.Join(dir, "client-key.pem"),
	}
	writePEM(t, pki.caPath, "CERTIFICATE", ca.der)
	writePEM(t, pki.serverCertPath, "CERTIFICATE", server.der)
	writePEM(t, pki.serverKeyPath, "EC PRIVATE KEY", marshalKey(t, server.key))
	writePEM(t, pki.clientCertPath, "CERTIFICATE", client.der)
	writePEM(t, pki.clientKeyPath, "EC PRIVATE KEY", marshalKey(t, client.key))
	return pki
}

type signer struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

// issue creates a key and a certificate for template, self-signed when parent is nil.
func issue(t *testing.T, template *x509.Certificate, parent *signer) issuedCert {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template.NotBefore = time.Now().Add(-time.Hour)
	template.NotAfter = time.Now().Add(24 * time.Hour)

	parentCert, parentKey := template, key
	if parent != nil {
		parentCert, parentKey = parent.cert, parent.key
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parentCert, &key.PublicKey, parentKey)
	if err != nil {
		t.Fatalf("create certificate %s: %v", template.Subject.CommonName, err)
	}
	return issuedCert{der: der, key: key}
}

func marshalKey(t *testing.T, key *ecdsa.PrivateKey) []byte {
	t.Helper()
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return der
}

func writePEM(t *testing.T, path, blockType string, der []byte) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
