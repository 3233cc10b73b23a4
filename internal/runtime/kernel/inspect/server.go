package inspect

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/quic-go/quic-go/http3"
)

// ShutdownFunc stops a server started by Start or StartHTTP3.
type ShutdownFunc func(ctx context.Context) error

// Start serves h over HTTP on addr and returns the bound address.
func Start(addr string, h http.Handler) (string, ShutdownFunc, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("inspector listen: %w", err)
	}
	server := &http.Server{Handler: h, ReadHeaderTimeout: 3 * time.Second}
	go func() { _ = server.Serve(ln) }()
	return ln.Addr().String(), server.Shutdown, nil
}

// StartHTTP3 serves h over HTTP/3 on the UDP address addr. A nil tlsCfg
// selects a self-signed certificate for localhost.
func StartHTTP3(addr string, tlsCfg *tls.Config, h http.Handler) (string, ShutdownFunc, error) {
	if tlsCfg == nil {
		var err error
		tlsCfg, err = SelfSignedTLS([]string{"localhost", "127.0.0.1"}, 24*time.Hour)
		if err != nil {
			return "", nil, err
		}
	}
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("inspector listen: %w", err)
	}
	server := &http3.Server{TLSConfig: http3.ConfigureTLSConfig(tlsCfg), Handler: h}
	done := make(chan struct{})
	go func() {
		_ = server.Serve(pc)
		close(done)
	}()

	shutdown := func(ctx context.Context) error {
		err := server.Close()
		_ = pc.Close()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		return err
	}
	return pc.LocalAddr().String(), shutdown, nil
}

// SelfSignedTLS creates an in-memory self-signed certificate for hosts.
func SelfSignedTLS(hosts []string, validFor time.Duration) (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{pair}, MinVersion: tls.VersionTLS13}, nil
}

// HTTP3Client returns a client for an inspector served over HTTP/3. The
// caller closes it with CloseHTTP3Client.
func HTTP3Client(tlsCfg *tls.Config, timeout time.Duration) *http.Client {
	return &http.Client{Transport: &http3.Transport{TLSClientConfig: tlsCfg}, Timeout: timeout}
}

// CloseHTTP3Client releases the client's QUIC connections.
func CloseHTTP3Client(c *http.Client) {
	if tr, ok := c.Transport.(*http3.Transport); ok {
		_ = tr.Close()
	}
}
