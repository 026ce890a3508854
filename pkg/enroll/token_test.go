package enroll

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgrid/paddock/pkg/audit"
	"github.com/fleetgrid/paddock/pkg/storage"
)

func newTokenFixture(t *testing.T) (*TokenService, *clockwork.FakeClock) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := NewTokenService(store, clock, zerolog.Nop(), audit.Nop{}, 24*time.Hour)
	return svc, clock
}

func TestCreateAndValidateToken(t *testing.T) {
	svc, _ := newTokenFixture(t)
	ctx := context.Background()

	plaintext, tok, err := svc.CreateToken(ctx, "org-1", "user-1", "rack 4 batch", time.Hour)
	require.NoError(t, err)
	assert.Len(t, plaintext, tokenHexLen)
	assert.NotEqual(t, plaintext, tok.TokenHash, "plaintext must never be stored")

	found, err := svc.ValidateToken(ctx, plaintext)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, tok.ID, found.ID)
	assert.Equal(t, "org-1", found.OrgID)
}

func TestValidateTokenMalformed(t *testing.T) {
	svc, _ := newTokenFixture(t)

	found, err := svc.ValidateToken(context.Background(), "not-a-token")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestValidateTokenUnknown(t *testing.T) {
	svc, _ := newTokenFixture(t)

	// Well-formed but never issued.
	unknown := "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
	found, err := svc.ValidateToken(context.Background(), unknown)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestTokenSingleUse(t *testing.T) {
	svc, _ := newTokenFixture(t)
	ctx := context.Background()

	plaintext, _, err := svc.CreateToken(ctx, "org-1", "user-1", "", time.Hour)
	require.NoError(t, err)

	tok, err := svc.ValidateToken(ctx, plaintext)
	require.NoError(t, err)
	require.NotNil(t, tok)

	err = svc.store.Update(ctx, func(tx storage.Tx) error {
		return svc.MarkUsed(tx, tok, "node-1")
	})
	require.NoError(t, err)

	// A consumed token no longer validates.
	found, err := svc.ValidateToken(ctx, plaintext)
	require.NoError(t, err)
	assert.Nil(t, found)

	// Marking again is a harmless no-op.
	err = svc.store.Update(ctx, func(tx storage.Tx) error {
		return svc.MarkUsed(tx, tok, "node-2")
	})
	require.NoError(t, err)

	var stored string
	err = svc.store.View(ctx, func(tx storage.Tx) error {
		current, err := tx.GetEnrollmentToken(tok.ID)
		if err != nil {
			return err
		}
		stored = current.UsedByNodeID
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "node-1", stored, "first consumer wins")
}

func TestTokenValidityClamped(t *testing.T) {
	svc, clock := newTokenFixture(t)

	_, tok, err := svc.CreateToken(context.Background(), "org-1", "user-1", "", 100*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(24*time.Hour), tok.ExpiresAt)
}

func TestTokenExpires(t *testing.T) {
	svc, clock := newTokenFixture(t)
	ctx := context.Background()

	plaintext, _, err := svc.CreateToken(ctx, "org-1", "user-1", "", time.Hour)
	require.NoError(t, err)

	clock.Advance(time.Hour + time.Second)

	found, err := svc.ValidateToken(ctx, plaintext)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestRevokeToken(t *testing.T) {
	svc, _ := newTokenFixture(t)
	ctx := context.Background()

	plaintext, tok, err := svc.CreateToken(ctx, "org-1", "user-1", "", time.Hour)
	require.NoError(t, err)

	// Wrong org cannot revoke.
	revoked, err := svc.RevokeToken(ctx, "org-2", tok.ID)
	require.NoError(t, err)
	assert.False(t, revoked)

	revoked, err = svc.RevokeToken(ctx, "org-1", tok.ID)
	require.NoError(t, err)
	assert.True(t, revoked)

	found, err := svc.ValidateToken(ctx, plaintext)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestGetActiveTokens(t *testing.T) {
	svc, clock := newTokenFixture(t)
	ctx := context.Background()

	_, active, err := svc.CreateToken(ctx, "org-1", "user-1", "active", 2*time.Hour)
	require.NoError(t, err)
	_, revokeMe, err := svc.CreateToken(ctx, "org-1", "user-1", "revoked", 2*time.Hour)
	require.NoError(t, err)
	_, _, err = svc.CreateToken(ctx, "org-1", "user-1", "expiring", time.Minute)
	require.NoError(t, err)
	_, _, err = svc.CreateToken(ctx, "org-2", "user-2", "other org", 2*time.Hour)
	require.NoError(t, err)

	_, err = svc.RevokeToken(ctx, "org-1", revokeMe.ID)
	require.NoError(t, err)
	clock.Advance(5 * time.Minute)

	tokens, err := svc.GetActiveTokens(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, active.ID, tokens[0].ID)
}
