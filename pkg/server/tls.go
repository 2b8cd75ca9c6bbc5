package server

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/nimburion/dlqreplay/pkg/config"
)

// managementTLSConfig builds the mutual TLS listener config for the management port:
// the server presents TLSCertFile/TLSKeyFile and only accepts clients signed by TLSCAFile.
func managementTLSConfig(cfg config.ManagementConfig) (*tls.Config, error) {
	var missing []string
	for name, path := range map[string]string{
		"tls_cert_file": cfg.TLSCertFile,
		"tls_key_file":  cfg.TLSKeyFile,
		"tls_ca_file":   cfg.TLSCAFile,
	} {
		if strings.TrimSpace(path) == "" {
			missing = append(missing, "management."+name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("mTLS needs %s", strings.Join(missing, ", "))
	}

	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server key pair: %w", err)
	}
	pool, err := loadCertPool(cfg.TLSCAFile)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read client CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, errors.New("client CA bundle " + path + " has no PEM certificates")
	}
	return pool, nil
}
