package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	rootCAValidity   = 10 * 365 * 24 * time.Hour
	nodeCertValidity = 90 * 24 * time.Hour
	rootKeySize      = 4096
	nodeKeySize      = 2048
)

// CertAuthority is the fleet's embedded certificate authority. The
// coordinator generates it once during security bootstrap; the sealed
// key travels through the fleet store so every member can issue its own
// node certificate after a restart.
type CertAuthority struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

// NewCertAuthority generates a self-signed root for the named fleet.
func NewCertAuthority(fleet string) (*CertAuthority, error) {
	key, err := rsa.GenerateKey(rand.Reader, rootKeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate root key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{fleet},
			CommonName:   fleet + " Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create root certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse root certificate: %w", err)
	}

	return &CertAuthority{cert: cert, key: key}, nil
}

// CAFromPEM reconstructs a CertAuthority from its PEM encoding.
func CAFromPEM(certPEM, keyPEM []byte) (*CertAuthority, error) {
	cert, err := ParseCertPEM(certPEM)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in CA key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA key: %w", err)
	}

	return &CertAuthority{cert: cert, key: key}, nil
}

// CertPEM returns the root certificate in PEM form.
func (ca *CertAuthority) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.cert.Raw})
}

// KeyPEM returns the root private key in PEM form. Seal it before it
// leaves the process.
func (ca *CertAuthority) KeyPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(ca.key)})
}

// IssueNodeCert issues a TLS certificate for one engine node, valid for
// both server and client use on the HTTP and transport layers.
func (ca *CertAuthority) IssueNodeCert(node string, dnsNames []string, ips []net.IP) (certPEM, keyPEM []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, nodeKeySize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate node key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: ca.cert.Subject.Organization,
			CommonName:   node,
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(nodeCertValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		DNSNames:    dnsNames,
		IPAddresses: ips,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create node certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM, nil
}

// ParseCertPEM decodes one PEM-encoded certificate.
func ParseCertPEM(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// ExpiresWithin reports whether the certificate expires inside the
// given window.
func ExpiresWithin(certPEM []byte, window time.Duration) (bool, error) {
	cert, err := ParseCertPEM(certPEM)
	if err != nil {
		return false, err
	}
	return time.Until(cert.NotAfter) < window, nil
}

// RemainingHours returns the whole hours until the certificate expires,
// negative once it has.
func RemainingHours(certPEM []byte) (int, error) {
	cert, err := ParseCertPEM(certPEM)
	if err != nil {
		return 0, err
	}
	return int(time.Until(cert.NotAfter).Hours()), nil
}

// WriteNodeCertFiles lays a node's certificate material out in the
// engine's certificate directory.
func WriteNodeCertFiles(dir string, certPEM, keyPEM, caPEM []byte) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}
	files := map[string][]byte{
		certFiles[CertNode]: certPEM,
		certFiles[CertKey]:  keyPEM,
		certFiles[CertCA]:   caPEM,
	}
	for name, data := range files {
		mode := os.FileMode(0o640)
		if name == certFiles[CertKey] {
			mode = 0o600
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, mode); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return nil
}
