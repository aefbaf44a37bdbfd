package util

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSOptions describes client side TLS settings shared by source and sink connectors.
type TLSOptions struct {
	Enable     bool   `mapstructure:"enable"`
	CAFile     string `mapstructure:"caFile"`
	CertFile   string `mapstructure:"certFile"`
	KeyFile    string `mapstructure:"keyFile"`
	SkipVerify bool   `mapstructure:"skipVerify"`
}

// TLSConfig builds a *tls.Config from opts. It returns nil when TLS is disabled.
func TLSConfig(opts TLSOptions) (*tls.Config, error) {
	if !opts.Enable {
		return nil, nil
	}

	t := &tls.Config{
		InsecureSkipVerify: opts.SkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if opts.CAFile != "" {
		caCert, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates found in %s", opts.CAFile)
		}
		t.RootCAs = pool
	}

	if opts.CertFile != "" || opts.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		t.Certificates = []tls.Certificate{cert}
	}

	return t, nil
}
