package https

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	httpproto "github.com/mountebank-testing/imposters/internal/protocols/http"
)

// Options configures the TLS side of an https imposter
type Options struct {
	// Cert and Key are PEM encoded; both empty means a self-signed pair
	Cert string
	Key  string
	// MutualAuth asks clients for a certificate
	MutualAuth bool
}

var (
	defaultPair     tls.Certificate
	defaultPairErr  error
	defaultPairOnce sync.Once
)

// Listen binds a TLS listener on host:port and returns the bound port
func Listen(host string, port int, opts Options) (net.Listener, int, error) {
	certificate, err := loadCertificate(opts)
	if err != nil {
		return nil, 0, err
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{certificate},
		MinVersion:   tls.VersionTLS12,
	}
	if opts.MutualAuth {
		tlsConfig.ClientAuth = tls.RequestClientCert
	}

	listener, bound, err := httpproto.Listen(host, port)
	if err != nil {
		return nil, 0, err
	}
	return tls.NewListener(listener, tlsConfig), bound, nil
}

func loadCertificate(opts Options) (tls.Certificate, error) {
	if opts.Cert != "" || opts.Key != "" {
		certificate, err := tls.X509KeyPair([]byte(opts.Cert), []byte(opts.Key))
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to load key pair: %w", err)
		}
		return certificate, nil
	}

	defaultPairOnce.Do(func() {
		certPEM, keyPEM, err := SelfSignedPEM("localhost")
		if err != nil {
			defaultPairErr = err
			return
		}
		defaultPair, defaultPairErr = tls.X509KeyPair(certPEM, keyPEM)
	})
	return defaultPair, defaultPairErr
}

// SelfSignedPEM creates a PEM encoded certificate and key for host, valid
// for one year
func SelfSignedPEM(host string) ([]byte, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generating serial: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: host, Organization: []string{"mountebank"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{host},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}
