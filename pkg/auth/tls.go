package auth

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/ransomeye/core/pkg/faults"
)

// ServerTLSConfig builds the TLS configuration for the core API
// listener. When clientCAPath is set, client certificates signed by
// that CA are verified and surface as agent principals; callers
// without a certificate still pass the handshake and must present a
// bearer token instead.
func ServerTLSConfig(certPath, keyPath, clientCAPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, faults.Validationf("auth: load server keypair: %v", err)
	}
	conf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if clientCAPath != "" {
		pem, err := os.ReadFile(clientCAPath)
		if err != nil {
			return nil, faults.Validationf("auth: read client CA: %v", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, faults.Validationf("auth: no certificates in %s", clientCAPath)
		}
		conf.ClientCAs = pool
		conf.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return conf, nil
}
