package security

import (
	"os"
	"path/filepath"
	"time"
)

// CertType identifies one piece of a node's TLS material.
type CertType string

const (
	CertNode CertType = "node"
	CertKey  CertType = "key"
	CertCA   CertType = "ca"
)

var certFiles = map[CertType]string{
	CertNode: "node.cert",
	CertKey:  "node.key",
	CertCA:   "root-ca.cert",
}

// TLSMaterial reads the node's certificate directory as laid out by
// WriteNodeCertFiles. The lifecycle controller treats missing material
// as "certificates not distributed yet", a wait condition rather than
// an error.
type TLSMaterial struct {
	dir string
}

// NewTLSMaterial creates a view over a certificate directory.
func NewTLSMaterial(dir string) *TLSMaterial {
	return &TLSMaterial{dir: dir}
}

// Dir returns the certificate directory.
func (t *TLSMaterial) Dir() string { return t.dir }

// IsFullyConfigured reports whether every expected file is present.
func (t *TLSMaterial) IsFullyConfigured() bool {
	for _, name := range certFiles {
		if _, err := os.Stat(filepath.Join(t.dir, name)); err != nil {
			return false
		}
	}
	return true
}

// CACert returns the fleet root certificate, or nil when the material
// has not been distributed yet.
func (t *TLSMaterial) CACert() []byte {
	data, err := os.ReadFile(filepath.Join(t.dir, certFiles[CertCA]))
	if err != nil {
		return nil
	}
	return data
}

// Certificates returns the PEM material by type.
func (t *TLSMaterial) Certificates() (map[CertType][]byte, error) {
	out := make(map[CertType][]byte, len(certFiles))
	for typ, name := range certFiles {
		data, err := os.ReadFile(filepath.Join(t.dir, name))
		if err != nil {
			return nil, err
		}
		out[typ] = data
	}
	return out, nil
}

// ExpiringWithin reports whether the node certificate expires inside
// the window. Missing material reports false; the admission gate
// already holds starts until it exists.
func (t *TLSMaterial) ExpiringWithin(window time.Duration) (bool, error) {
	data, err := os.ReadFile(filepath.Join(t.dir, certFiles[CertNode]))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ExpiresWithin(data, window)
}
