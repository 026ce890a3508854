package security

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// CAStorage persists the CA certificate and private key. Backends are
// pluggable: FileCAStorage for development, an external secret store in
// production deployments.
type CAStorage interface {
	// Exists reports whether CA material has been stored.
	Exists(ctx context.Context) (bool, error)
	// Store persists the CA certificate and private key (both PEM).
	Store(ctx context.Context, certPEM, keyPEM []byte) error
	// Load retrieves the CA certificate and private key (both PEM).
	Load(ctx context.Context) (certPEM, keyPEM []byte, err error)
	// PublicPEM retrieves just the CA certificate.
	PublicPEM(ctx context.Context) ([]byte, error)
}

const (
	caCertFile = "ca.crt"
	caKeyFile  = "ca.key.enc"
)

// FileCAStorage keeps the CA on local disk with the private key
// encrypted under a passphrase-derived AES-256-GCM key.
//
// This backend is for development only: the passphrase and the
// encrypted key live on the same host, so it protects against casual
// file reads, not a compromised machine. Production deployments use an
// external secret store behind the same interface.
type FileCAStorage struct {
	dir string
	key []byte
}

// NewFileCAStorage creates a file-backed CA store rooted at dir.
func NewFileCAStorage(dir, passphrase string) (*FileCAStorage, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("CA storage passphrase cannot be empty")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create CA directory: %w", err)
	}
	return &FileCAStorage{
		dir: dir,
		key: DeriveKeyFromPassphrase(passphrase),
	}, nil
}

func (s *FileCAStorage) certPath() string { return filepath.Join(s.dir, caCertFile) }
func (s *FileCAStorage) keyPath() string  { return filepath.Join(s.dir, caKeyFile) }

func (s *FileCAStorage) Exists(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, err := os.Stat(s.certPath()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if _, err := os.Stat(s.keyPath()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *FileCAStorage) Store(ctx context.Context, certPEM, keyPEM []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encrypted, err := encryptWithKey(s.key, keyPEM)
	if err != nil {
		return fmt.Errorf("failed to encrypt CA key: %w", err)
	}
	if err := os.WriteFile(s.certPath(), certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write CA certificate: %w", err)
	}
	if err := os.WriteFile(s.keyPath(), encrypted, 0600); err != nil {
		return fmt.Errorf("failed to write CA key: %w", err)
	}
	return nil
}

func (s *FileCAStorage) Load(ctx context.Context) ([]byte, []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	certPEM, err := os.ReadFile(s.certPath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	encrypted, err := os.ReadFile(s.keyPath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA key: %w", err)
	}
	keyPEM, err := decryptWithKey(s.key, encrypted)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decrypt CA key: %w", err)
	}
	return certPEM, keyPEM, nil
}

func (s *FileCAStorage) PublicPEM(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(s.certPath())
}

// MemoryCAStorage keeps CA material in memory. Test use only.
type MemoryCAStorage struct {
	mu      sync.Mutex
	certPEM []byte
	keyPEM  []byte
}

func NewMemoryCAStorage() *MemoryCAStorage {
	return &MemoryCAStorage{}
}

func (s *MemoryCAStorage) Exists(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.certPEM != nil, nil
}

func (s *MemoryCAStorage) Store(ctx context.Context, certPEM, keyPEM []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.certPEM = append([]byte(nil), certPEM...)
	s.keyPEM = append([]byte(nil), keyPEM...)
	return nil
}

func (s *MemoryCAStorage) Load(ctx context.Context) ([]byte, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.certPEM == nil {
		return nil, nil, fmt.Errorf("no CA material stored")
	}
	return s.certPEM, s.keyPEM, nil
}

func (s *MemoryCAStorage) PublicPEM(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.certPEM == nil {
		return nil, fmt.Errorf("no CA material stored")
	}
	return s.certPEM, nil
}
