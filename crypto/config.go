package crypto

import (
	"fmt"

	"crypto/tls"
	"crypto/x509"
	"os"
)

// Functions

// NewPublicTLSConfig returns a TLS config that is to be used when exposing
// the hub endpoint to the public Internet. It defines very strict defaults.
// Good parts of them were taken from the excellent post
// "Achieving a Perfect SSL Labs Score with Go":
// https://blog.bracelab.com/achieving-perfect-ssl-labs-score-with-go
func NewPublicTLSConfig(certPath string, keyPath string) (*tls.Config, error) {

	var err error

	config := &tls.Config{
		Certificates:     make([]tls.Certificate, 1),
		MinVersion:       tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{tls.CurveP521, tls.CurveP384, tls.CurveP256},
	}

	// Put certificate specified via arguments as the
	// only certificate into config.
	config.Certificates[0], err = tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS cert and key: %v", err)
	}

	return config, nil
}

// NewClientTLSConfig returns the TLS config a client replica dials the hub
// with. An empty rootCertPath trusts the system pools; supplying a path
// additionally trusts that certificate, which is how clients verify a hub
// running on a self-signed certificate.
func NewClientTLSConfig(rootCertPath string) (*tls.Config, error) {

	config := &tls.Config{
		MinVersion:       tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{tls.CurveP521, tls.CurveP384, tls.CurveP256},
	}

	if rootCertPath != "" {

		rootCert, err := os.ReadFile(rootCertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read root certificate: %v", err)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(rootCert) {
			return nil, fmt.Errorf("no certificate found in '%s'", rootCertPath)
		}

		config.RootCAs = pool
	}

	return config, nil
}
