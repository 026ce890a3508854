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
	"github.com/fleetgrid/paddock/pkg/metrics"
	"github.com/fleetgrid/paddock/pkg/security"
	"github.com/fleetgrid/paddock/pkg/storage"
	"github.com/fleetgrid/paddock/pkg/types"
)

type enrollFixture struct {
	store  storage.Store
	tokens *TokenService
	svc    *Service
	clock  *clockwork.FakeClock
}

func newEnrollFixture(t *testing.T) *enrollFixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	ca := security.NewCertAuthority(security.Config{KeyBits: 2048}, security.NewMemoryCAStorage(), clock, zerolog.Nop())
	tokens := NewTokenService(store, clock, zerolog.Nop(), audit.Nop{}, 24*time.Hour)
	svc := NewService(store, ca, tokens, clock, zerolog.Nop(), audit.Nop{}, metrics.Nop{})

	return &enrollFixture{store: store, tokens: tokens, svc: svc, clock: clock}
}

func (f *enrollFixture) token(t *testing.T, orgID string) string {
	t.Helper()
	plaintext, _, err := f.tokens.CreateToken(context.Background(), orgID, "user-1", "", time.Hour)
	require.NoError(t, err)
	return plaintext
}

func validRequest(token string) Request {
	return Request{
		Token:        token,
		Platform:     types.PlatformLinux,
		AgentVersion: "1.4.0",
		Hardware: HardwareDescriptor{
			Hostname:          "srv-01",
			OSVersion:         "Ubuntu 24.04",
			CPUCores:          8,
			MemoryBytes:       16 << 30,
			DiskBytes:         500 << 30,
			NetworkInterfaces: []string{"eth0"},
		},
	}
}

func TestEnroll(t *testing.T) {
	f := newEnrollFixture(t)
	ctx := context.Background()

	result, err := f.svc.Enroll(ctx, validRequest(f.token(t, "org-1")))
	require.NoError(t, err)

	assert.Equal(t, "srv-01", result.NodeName)
	assert.Equal(t, "org-1", result.OrgID)
	assert.Equal(t, types.NodeStatusEnrolling, result.Status)
	// 16 GiB and 8 cores both yield 4 servers.
	assert.Equal(t, 4, result.MaxGameServers)
	assert.NotEmpty(t, result.Thumbprint)
	assert.NotEmpty(t, result.CertificatePEM)
	assert.NotEmpty(t, result.CACertPEM)
	assert.NotEmpty(t, result.PKCS12)
	assert.NotEmpty(t, result.PKCS12Password)

	err = f.store.View(ctx, func(tx storage.Tx) error {
		node, err := tx.GetNode(result.NodeID)
		require.NoError(t, err)
		require.NotNil(t, node)
		assert.Equal(t, types.NodeStatusEnrolling, node.Status)
		assert.Equal(t, "srv-01", node.Hardware.Hostname)

		capacity, err := tx.GetNodeCapacity(result.NodeID)
		require.NoError(t, err)
		require.NotNil(t, capacity)
		assert.Equal(t, 4, capacity.MaxGameServers)
		assert.Equal(t, int64(16<<30), capacity.AvailableMemoryBytes)

		certs, err := tx.ListCertificatesByNode(result.NodeID)
		require.NoError(t, err)
		require.Len(t, certs, 1)
		assert.Equal(t, result.Thumbprint, certs[0].Thumbprint)
		return nil
	})
	require.NoError(t, err)

	// Enrollment commits node.enrolled and node.certificate_issued
	// into the outbox atomically with the node.
	entries, err := f.store.PendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, types.EventNodeEnrolled, entries[0].Event.Type)
	assert.Equal(t, types.EventCertificateIssued, entries[1].Event.Type)
}

func TestEnrollConsumesToken(t *testing.T) {
	f := newEnrollFixture(t)
	ctx := context.Background()
	token := f.token(t, "org-1")

	_, err := f.svc.Enroll(ctx, validRequest(token))
	require.NoError(t, err)

	// The same token cannot enroll a second node.
	req := validRequest(token)
	req.Hardware.Hostname = "srv-02"
	_, err = f.svc.Enroll(ctx, req)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.CodeInvalidToken))
}

func TestEnrollRejections(t *testing.T) {
	f := newEnrollFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		mutate   func(r *Request)
		wantCode types.Code
	}{
		{
			name:     "unsupported platform",
			mutate:   func(r *Request) { r.Platform = "freebsd" },
			wantCode: types.CodeInvalidPlatform,
		},
		{
			name:     "missing hostname",
			mutate:   func(r *Request) { r.Hardware.Hostname = "   " },
			wantCode: types.CodeInvalidHardware,
		},
		{
			name:     "bogus token",
			mutate:   func(r *Request) { r.Token = "deadbeef" },
			wantCode: types.CodeInvalidToken,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest(f.token(t, "org-1"))
			tt.mutate(&req)
			_, err := f.svc.Enroll(ctx, req)
			require.Error(t, err)
			assert.True(t, types.IsCode(err, tt.wantCode), "got %v", err)
		})
	}

	// Rejections must not leave partial state behind.
	err := f.store.View(ctx, func(tx storage.Tx) error {
		nodes, err := tx.ListNodes()
		require.NoError(t, err)
		assert.Empty(t, nodes)
		return nil
	})
	require.NoError(t, err)
}

func TestEnrollExpiredToken(t *testing.T) {
	f := newEnrollFixture(t)
	token := f.token(t, "org-1")

	f.clock.Advance(2 * time.Hour)

	_, err := f.svc.Enroll(context.Background(), validRequest(token))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.CodeInvalidToken))
}

func TestEnrollHostnameCollision(t *testing.T) {
	f := newEnrollFixture(t)
	ctx := context.Background()

	first, err := f.svc.Enroll(ctx, validRequest(f.token(t, "org-1")))
	require.NoError(t, err)
	assert.Equal(t, "srv-01", first.NodeName)

	second, err := f.svc.Enroll(ctx, validRequest(f.token(t, "org-1")))
	require.NoError(t, err)
	assert.Equal(t, "srv-01-2", second.NodeName)

	// Same hostname in a different org does not collide.
	other, err := f.svc.Enroll(ctx, validRequest(f.token(t, "org-2")))
	require.NoError(t, err)
	assert.Equal(t, "srv-01", other.NodeName)
}

func TestEnrollSanitizesHostname(t *testing.T) {
	f := newEnrollFixture(t)

	req := validRequest(f.token(t, "org-1"))
	req.Hardware.Hostname = "Rack_4/Server 01"
	result, err := f.svc.Enroll(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "rack-4-server-01", result.NodeName)
}

func TestSeedMaxGameServers(t *testing.T) {
	tests := []struct {
		name string
		hw   HardwareDescriptor
		want int
	}{
		{"memory bound", HardwareDescriptor{MemoryBytes: 8 << 30, CPUCores: 32}, 2},
		{"cpu bound", HardwareDescriptor{MemoryBytes: 64 << 30, CPUCores: 4}, 2},
		{"balanced", HardwareDescriptor{MemoryBytes: 16 << 30, CPUCores: 8}, 4},
		{"tiny box still gets one", HardwareDescriptor{MemoryBytes: 2 << 30, CPUCores: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, seedMaxGameServers(tt.hw))
		})
	}
}
