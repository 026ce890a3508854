package enroll

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fleetgrid/paddock/pkg/audit"
	"github.com/fleetgrid/paddock/pkg/storage"
	"github.com/fleetgrid/paddock/pkg/types"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	// tokenBytes is the entropy of a plaintext enrollment token.
	tokenBytes = 32
	// tokenHexLen is the length of a well-formed plaintext token.
	tokenHexLen = tokenBytes * 2

	// DefaultTokenValidity applies when the caller requests none.
	DefaultTokenValidity = time.Hour
)

// TokenService manages one-time enrollment tokens. Plaintext tokens are
// returned to the caller exactly once; only the SHA-256 hash is stored.
type TokenService struct {
	store  storage.Store
	clock  clockwork.Clock
	log    zerolog.Logger
	audit  audit.Sink
	maxTTL time.Duration
}

// NewTokenService creates a token service. Requested validities are
// clamped to maxTTL.
func NewTokenService(store storage.Store, clock clockwork.Clock, logger zerolog.Logger, auditSink audit.Sink, maxTTL time.Duration) *TokenService {
	if maxTTL <= 0 {
		maxTTL = 24 * time.Hour
	}
	return &TokenService{
		store:  store,
		clock:  clock,
		log:    logger,
		audit:  auditSink,
		maxTTL: maxTTL,
	}
}

// CreateToken mints a new enrollment token for an org and returns the
// plaintext alongside the stored record. The plaintext is not
// recoverable afterwards.
func (s *TokenService) CreateToken(ctx context.Context, orgID, createdBy, label string, validity time.Duration) (string, *types.EnrollmentToken, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("failed to generate token: %w", err)
	}
	plaintext := hex.EncodeToString(buf)

	if validity <= 0 {
		validity = DefaultTokenValidity
	}
	if validity > s.maxTTL {
		validity = s.maxTTL
	}

	now := s.clock.Now()
	tok := &types.EnrollmentToken{
		ID:              uuid.New().String(),
		OrgID:           orgID,
		TokenHash:       hashToken(plaintext),
		Label:           label,
		CreatedByUserID: createdBy,
		CreatedAt:       now,
		ExpiresAt:       now.Add(validity),
	}

	err := s.store.Update(ctx, func(tx storage.Tx) error {
		return tx.CreateEnrollmentToken(tok)
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to store token: %w", err)
	}

	s.audit.Log(ctx, audit.Entry{
		Action:       "enrollment_token.create",
		ResourceType: "enrollment_token",
		ResourceID:   tok.ID,
		ResourceName: label,
		OrgID:        orgID,
		Outcome:      "success",
		Details:      map[string]string{"expires_at": tok.ExpiresAt.Format(time.RFC3339)},
	})
	s.log.Info().
		Str("token_id", tok.ID).
		Str("org_id", orgID).
		Str("hash_prefix", tok.TokenHash[:8]).
		Time("expires_at", tok.ExpiresAt).
		Msg("created enrollment token")

	return plaintext, tok, nil
}

// ValidateToken looks up a plaintext token by hash and returns its
// record when it is still usable. Malformed or unknown input yields
// (nil, nil): invalid tokens are an expected condition, not an error.
func (s *TokenService) ValidateToken(ctx context.Context, plaintext string) (*types.EnrollmentToken, error) {
	if len(plaintext) != tokenHexLen {
		s.log.Debug().Int("length", len(plaintext)).Msg("rejected malformed enrollment token")
		return nil, nil
	}

	var tok *types.EnrollmentToken
	err := s.store.View(ctx, func(tx storage.Tx) error {
		var err error
		tok, err = lookupUsable(tx, plaintext, s.clock.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// MarkUsed consumes the token for a node within the caller's
// transaction. Calling it on an already-used, revoked or expired token
// is a logged no-op so at-least-once retries stay harmless.
func (s *TokenService) MarkUsed(tx storage.Tx, tok *types.EnrollmentToken, nodeID string) error {
	now := s.clock.Now()
	if !tok.Usable(now) {
		s.log.Warn().
			Str("token_id", tok.ID).
			Bool("revoked", tok.IsRevoked).
			Bool("used", tok.UsedAt != nil).
			Msg("mark-used skipped for unusable token")
		return nil
	}

	tok.UsedAt = &now
	tok.UsedByNodeID = nodeID
	return tx.UpdateEnrollmentToken(tok)
}

// RevokeToken revokes a token the org owns. Returns false when the
// token does not exist or belongs to a different org.
func (s *TokenService) RevokeToken(ctx context.Context, orgID, tokenID string) (bool, error) {
	revoked := false
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		tok, err := tx.GetEnrollmentToken(tokenID)
		if err != nil {
			return err
		}
		if tok == nil || tok.OrgID != orgID {
			return nil
		}
		tok.IsRevoked = true
		revoked = true
		return tx.UpdateEnrollmentToken(tok)
	})
	if err != nil {
		return false, err
	}

	outcome := "not_found"
	if revoked {
		outcome = "success"
	}
	s.audit.Log(ctx, audit.Entry{
		Action:       "enrollment_token.revoke",
		ResourceType: "enrollment_token",
		ResourceID:   tokenID,
		OrgID:        orgID,
		Outcome:      outcome,
	})
	return revoked, nil
}

// GetActiveTokens returns the org's tokens that are still redeemable.
func (s *TokenService) GetActiveTokens(ctx context.Context, orgID string) ([]*types.EnrollmentToken, error) {
	now := s.clock.Now()
	var active []*types.EnrollmentToken
	err := s.store.View(ctx, func(tx storage.Tx) error {
		tokens, err := tx.ListEnrollmentTokensByOrg(orgID)
		if err != nil {
			return err
		}
		for _, tok := range tokens {
			if tok.Usable(now) {
				active = append(active, tok)
			}
		}
		return nil
	})
	return active, err
}

// lookupUsable finds a usable token by plaintext hash inside tx.
func lookupUsable(tx storage.Tx, plaintext string, now time.Time) (*types.EnrollmentToken, error) {
	tok, err := tx.GetEnrollmentTokenByHash(hashToken(plaintext))
	if err != nil {
		return nil, err
	}
	if tok == nil || !tok.Usable(now) {
		return nil, nil
	}
	return tok, nil
}

func hashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
