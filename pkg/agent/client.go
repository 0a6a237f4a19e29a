package agent

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"os"
	"time"

	"github.com/ransomeye/core/pkg/faults"
)

// NewMTLSClient builds the HTTP client the agent uses against the core:
// client cert auth, pinned CA pool, bounded request timeout.
func NewMTLSClient(certPath, keyPath, caPath string, timeout time.Duration) (*http.Client, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, faults.Validationf("agent: load client keypair: %v", err)
	}
	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, faults.Validationf("agent: read CA bundle: %v", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, faults.Validationf("agent: CA bundle has no certificates")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				Certificates: []tls.Certificate{cert},
				RootCAs:      pool,
				MinVersion:   tls.VersionTLS12,
			},
		},
	}, nil
}
