// Package store holds the certificate-side collaborators of the ACME core:
// an idempotent CSR builder and a place to put issued PEM chains.
package store

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/blockadesystems/certforge/internal/keys"
	"github.com/blockadesystems/certforge/internal/model"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "store"))
}

// CertificateStore is what the order process needs from the outside world:
// a CSR for finalize and a sink for the downloaded chain.
//
// CreateCSR is idempotent: repeated calls for the same request before Upload
// return byte-identical DER. Finalize retries therefore always carry the
// same CSR.
type CertificateStore interface {
	CreateCSR(req *model.CertificateRequest) ([]byte, error)
	Upload(name string, pemChain []byte) error
}

// FileStore keeps certificate keys and issued chains on disk under a data
// directory, one pair of files per certificate name.
type FileStore struct {
	dir string

	mu      sync.Mutex
	pending map[string]*pendingCSR // request fingerprint -> generated key + CSR
}

type pendingCSR struct {
	key  crypto.Signer
	der  []byte
	name string
}

// NewFileStore creates the data directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create certificate store directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir, pending: make(map[string]*pendingCSR)}, nil
}

// CreateCSR generates a key pair and a DER-encoded CSR for the request. The
// result is cached by request fingerprint until the matching Upload, so
// repeated calls are byte-identical.
func (s *FileStore) CreateCSR(req *model.CertificateRequest) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fp := req.Fingerprint()
	if cached, ok := s.pending[fp]; ok {
		return cached.der, nil
	}

	key, err := keys.GenerateCertificateKey(req.KeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate certificate key for %q: %w", req.Name, err)
	}

	template := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: req.CommonName},
		DNSNames: req.DNSNames,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSR for %q: %w", req.Name, err)
	}

	s.pending[fp] = &pendingCSR{key: key, der: der, name: req.Name}
	logger.Info("CSR created",
		zap.String("name", req.Name),
		zap.String("common_name", req.CommonName),
		zap.Strings("dns_names", req.DNSNames))
	return der, nil
}

// Upload writes the issued chain, and the private key generated for its CSR,
// to disk. The pending CSR cache entry for that name is released.
func (s *FileStore) Upload(name string, pemChain []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	certPath := filepath.Join(s.dir, name+".crt")
	if err := os.WriteFile(certPath, pemChain, 0644); err != nil {
		return fmt.Errorf("failed to write certificate chain %s: %w", certPath, err)
	}

	for fp, pending := range s.pending {
		if pending.name != name {
			continue
		}
		encoded, err := keys.EncodePrivateKey(pending.key)
		if err != nil {
			return err
		}
		keyPath := filepath.Join(s.dir, name+".key")
		if err := os.WriteFile(keyPath, encoded, 0600); err != nil {
			return fmt.Errorf("failed to write certificate key %s: %w", keyPath, err)
		}
		delete(s.pending, fp)
	}

	logger.Info("certificate stored", zap.String("name", name), zap.String("path", certPath))
	return nil
}

// Load returns a previously uploaded chain.
func (s *FileStore) Load(name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.dir, name+".crt"))
}
