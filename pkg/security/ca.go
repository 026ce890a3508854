package security

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/url"
	"sync"
	"time"

	"github.com/fleetgrid/paddock/pkg/types"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

const (
	// Agent certificate validity is a policy constant, not caller input.
	agentCertValidity = 90 * 24 * time.Hour
	// Agent key size: 2048 bits (short-lived, faster)
	agentKeySize = 2048

	pemTypeCertificate = "CERTIFICATE"
	pemTypeRSAKey      = "RSA PRIVATE KEY"
)

// Config holds certificate authority settings.
type Config struct {
	KeyBits       int    // root key size in bits
	ValidityYears int    // root certificate validity
	TrustDomain   string // SPIFFE trust domain for agent identities
	Organization  string // X.509 subject organization
}

// DefaultConfig returns production defaults for the CA.
func DefaultConfig() Config {
	return Config{
		KeyBits:       4096,
		ValidityYears: 10,
		TrustDomain:   "paddock.local",
		Organization:  "Paddock Fleet",
	}
}

// IssuedCertificate is the material handed back to an agent after
// issuance. The private key leaves this process only inside the
// password-protected PKCS#12 bundle.
type IssuedCertificate struct {
	NodeID         string
	CertificatePEM []byte
	PKCS12         []byte
	PKCS12Password string
	Thumbprint     string
	SerialNumber   string
	NotBefore      time.Time
	NotAfter       time.Time
}

// CertAuthority owns the org-wide root CA and issues short-lived mTLS
// client certificates for node agents.
type CertAuthority struct {
	cfg     Config
	storage CAStorage
	clock   clockwork.Clock
	log     zerolog.Logger

	mu         sync.RWMutex
	cert       *x509.Certificate
	key        *rsa.PrivateKey
	thumbprint string
}

// NewCertAuthority creates a CA backed by the given storage provider.
// Initialize (or the first issuance) loads or generates the root.
func NewCertAuthority(cfg Config, storage CAStorage, clock clockwork.Clock, logger zerolog.Logger) *CertAuthority {
	if cfg.KeyBits == 0 {
		cfg.KeyBits = DefaultConfig().KeyBits
	}
	if cfg.ValidityYears == 0 {
		cfg.ValidityYears = DefaultConfig().ValidityYears
	}
	if cfg.TrustDomain == "" {
		cfg.TrustDomain = DefaultConfig().TrustDomain
	}
	if cfg.Organization == "" {
		cfg.Organization = DefaultConfig().Organization
	}
	return &CertAuthority{
		cfg:     cfg,
		storage: storage,
		clock:   clock,
		log:     logger,
	}
}

// Initialize loads the root CA from storage, generating and persisting
// a fresh one if none exists. It is idempotent and safe for concurrent
// first callers: the double-checked lock guarantees a single root is
// ever created.
func (ca *CertAuthority) Initialize(ctx context.Context) error {
	ca.mu.RLock()
	ready := ca.cert != nil
	ca.mu.RUnlock()
	if ready {
		return nil
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()
	if ca.cert != nil {
		return nil
	}

	exists, err := ca.storage.Exists(ctx)
	if err != nil {
		return fmt.Errorf("failed to probe CA storage: %w", err)
	}

	if exists {
		return ca.loadLocked(ctx)
	}
	return ca.generateLocked(ctx)
}

func (ca *CertAuthority) loadLocked(ctx context.Context) error {
	certPEM, keyPEM, err := ca.storage.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load CA: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != pemTypeCertificate {
		return fmt.Errorf("stored CA certificate is not PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil || keyBlock.Type != pemTypeRSAKey {
		return fmt.Errorf("stored CA key is not PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse CA key: %w", err)
	}

	ca.cert = cert
	ca.key = key
	ca.thumbprint = thumbprintOf(cert)
	ca.log.Info().Str("thumbprint", ca.thumbprint).Msg("loaded root CA from storage")
	return nil
}

func (ca *CertAuthority) generateLocked(ctx context.Context) error {
	key, err := rsa.GenerateKey(rand.Reader, ca.cfg.KeyBits)
	if err != nil {
		return fmt.Errorf("failed to generate root key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	ski, err := subjectKeyID(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to compute subject key id: %w", err)
	}

	now := ca.clock.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{ca.cfg.Organization},
			CommonName:   ca.cfg.Organization + " Root CA",
		},
		NotBefore:             now,
		NotAfter:              now.AddDate(ca.cfg.ValidityYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
		SubjectKeyId:          ski,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create root certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("failed to parse root certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: pemTypeRSAKey, Bytes: x509.MarshalPKCS1PrivateKey(key)})

	if err := ca.storage.Store(ctx, certPEM, keyPEM); err != nil {
		return fmt.Errorf("failed to persist CA: %w", err)
	}

	ca.cert = cert
	ca.key = key
	ca.thumbprint = thumbprintOf(cert)
	ca.log.Info().
		Str("thumbprint", ca.thumbprint).
		Time("not_after", cert.NotAfter).
		Msg("generated new root CA")
	return nil
}

// IssueCertificate issues a fresh mTLS client certificate for a node
// agent. Validity is the fixed 90-day policy window. Any cryptographic
// failure surfaces as certificate_generation_failed; key material is
// never logged.
func (ca *CertAuthority) IssueCertificate(ctx context.Context, nodeID string) (*IssuedCertificate, error) {
	if err := ca.Initialize(ctx); err != nil {
		ca.log.Error().Err(err).Msg("CA initialization failed")
		return nil, types.E(types.CodeCertificateGeneration, "certificate authority unavailable")
	}

	ca.mu.RLock()
	defer ca.mu.RUnlock()

	issued, err := ca.issueLocked(nodeID)
	if err != nil {
		ca.log.Error().Err(err).Str("node_id", nodeID).Msg("certificate issuance failed")
		return nil, types.E(types.CodeCertificateGeneration, "failed to issue certificate for node %s", nodeID)
	}

	ca.log.Info().
		Str("node_id", nodeID).
		Str("thumbprint", issued.Thumbprint).
		Str("serial", issued.SerialNumber).
		Time("not_after", issued.NotAfter).
		Msg("issued agent certificate")
	return issued, nil
}

// RenewCertificate issues a replacement certificate for a node. The
// caller is responsible for validating the node's current certificate
// before invoking renewal.
func (ca *CertAuthority) RenewCertificate(ctx context.Context, nodeID, currentThumbprint string) (*IssuedCertificate, error) {
	ca.log.Info().
		Str("node_id", nodeID).
		Str("current_thumbprint", currentThumbprint).
		Msg("renewing agent certificate")
	return ca.IssueCertificate(ctx, nodeID)
}

func (ca *CertAuthority) issueLocked(nodeID string) (*IssuedCertificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, agentKeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate agent key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	ski, err := subjectKeyID(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to compute subject key id: %w", err)
	}

	spiffeID := &url.URL{
		Scheme: "spiffe",
		Host:   ca.cfg.TrustDomain,
		Path:   "/nodes/" + nodeID,
	}

	now := ca.clock.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{ca.cfg.Organization},
			CommonName:   "node-" + nodeID,
		},
		NotBefore:             now,
		NotAfter:              now.Add(agentCertValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		SubjectKeyId:          ski,
		AuthorityKeyId:        ca.cert.SubjectKeyId,
		URIs:                  []*url.URL{spiffeID},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign agent certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse agent certificate: %w", err)
	}

	password, err := randomPassword()
	if err != nil {
		return nil, fmt.Errorf("failed to generate bundle password: %w", err)
	}

	bundle, err := pkcs12.Modern.Encode(key, cert, []*x509.Certificate{ca.cert}, password)
	if err != nil {
		return nil, fmt.Errorf("failed to encode PKCS#12 bundle: %w", err)
	}

	return &IssuedCertificate{
		NodeID:         nodeID,
		CertificatePEM: pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: certDER}),
		PKCS12:         bundle,
		PKCS12Password: password,
		Thumbprint:     thumbprintOf(cert),
		SerialNumber:   hex.EncodeToString(serial.Bytes()),
		NotBefore:      cert.NotBefore,
		NotAfter:       cert.NotAfter,
	}, nil
}

// CACertificatePEM returns the root certificate for agent trust-store
// provisioning.
func (ca *CertAuthority) CACertificatePEM(ctx context.Context) ([]byte, error) {
	if err := ca.Initialize(ctx); err != nil {
		return nil, err
	}
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeCertificate, Bytes: ca.cert.Raw}), nil
}

// Thumbprint returns the SHA-256 thumbprint of the root certificate.
func (ca *CertAuthority) Thumbprint() string {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.thumbprint
}

// ValidateCertificate reports whether certPEM chains to this CA.
//
// Revocation and wall-clock validity are intentionally not checked
// here: both are authoritative in the certificate records the store
// holds. The chain must have at least two elements and its terminal
// element must be this CA, which rejects self-signed and foreign-CA
// certificates.
func (ca *CertAuthority) ValidateCertificate(ctx context.Context, certPEM []byte) bool {
	if err := ca.Initialize(ctx); err != nil {
		ca.log.Error().Err(err).Msg("CA initialization failed during validation")
		return false
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != pemTypeCertificate {
		return false
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return false
	}

	ca.mu.RLock()
	defer ca.mu.RUnlock()

	roots := x509.NewCertPool()
	roots.AddCert(ca.cert)

	chains, err := cert.Verify(x509.VerifyOptions{
		Roots: roots,
		// Pin verification time inside the leaf's own window so an
		// expired-on-the-wall-clock certificate still chains; the
		// database validity window is what gates acceptance.
		CurrentTime: cert.NotBefore.Add(time.Second),
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil || len(chains) == 0 {
		return false
	}

	chain := chains[0]
	if len(chain) < 2 {
		return false
	}
	return thumbprintOf(chain[len(chain)-1]) == ca.thumbprint
}

// randomSerial returns a random positive 128-bit serial number.
func randomSerial() (*big.Int, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	buf[0] &= 0x7f // clear MSB so the serial stays positive
	return new(big.Int).SetBytes(buf), nil
}

// randomPassword returns a fresh 256-bit hex-encoded password.
func randomPassword() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func subjectKeyID(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	sum := sha1.Sum(der)
	return sum[:], nil
}

func thumbprintOf(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}
