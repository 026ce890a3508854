package node

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
	"github.com/fleetgrid/paddock/pkg/types"
)

type nodeFixture struct {
	store storage.Store
	svc   *Service
	clock *clockwork.FakeClock
}

func newNodeFixture(t *testing.T) *nodeFixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := NewService(store, clock, zerolog.Nop(), audit.Nop{}, 5*time.Minute)
	return &nodeFixture{store: store, svc: svc, clock: clock}
}

type seedSpec struct {
	id        string
	orgID     string
	name      string
	status    types.NodeStatus
	platform  types.Platform
	tags      []string
	score     float64
	hasHealth bool
	servers   int
	heartbeat *time.Time
}

func (f *nodeFixture) seed(t *testing.T, spec seedSpec) {
	t.Helper()
	if spec.orgID == "" {
		spec.orgID = "org-1"
	}
	if spec.platform == "" {
		spec.platform = types.PlatformLinux
	}
	now := f.clock.Now()
	err := f.store.Update(context.Background(), func(tx storage.Tx) error {
		if err := tx.CreateNode(&types.Node{
			ID:            spec.id,
			OrgID:         spec.orgID,
			Name:          spec.name,
			DisplayName:   spec.name,
			Status:        spec.status,
			Platform:      spec.platform,
			Tags:          spec.tags,
			LastHeartbeat: spec.heartbeat,
			CreatedAt:     now,
			UpdatedAt:     now,
		}); err != nil {
			return err
		}
		if !spec.hasHealth {
			return nil
		}
		return tx.PutNodeHealth(&types.NodeHealth{
			NodeID:            spec.id,
			HealthScore:       spec.score,
			ActiveGameServers: spec.servers,
			ReportedAt:        now,
		})
	})
	require.NoError(t, err)
}

func (f *nodeFixture) seedFleet(t *testing.T) {
	t.Helper()
	f.seed(t, seedSpec{id: "n1", name: "alpha", status: types.NodeStatusOnline, tags: []string{"eu", "ssd"}, hasHealth: true, score: 90, servers: 2})
	f.seed(t, seedSpec{id: "n2", name: "bravo", status: types.NodeStatusDegraded, hasHealth: true, score: 40})
	f.seed(t, seedSpec{id: "n3", name: "charlie", status: types.NodeStatusOffline, platform: types.PlatformWindows, tags: []string{"eu"}})
	f.seed(t, seedSpec{id: "n4", name: "delta", orgID: "org-2", status: types.NodeStatusOnline, hasHealth: true, score: 75, servers: 1})
}

func names(result *ListResult) []string {
	out := make([]string, 0, len(result.Nodes))
	for _, v := range result.Nodes {
		out = append(out, v.Node.Name)
	}
	return out
}

func TestListNodesFiltering(t *testing.T) {
	f := newNodeFixture(t)
	ctx := context.Background()
	f.seedFleet(t)

	tests := []struct {
		name   string
		filter ListFilter
		want   []string
	}{
		{"all sorted by name", ListFilter{}, []string{"alpha", "bravo", "charlie", "delta"}},
		{"by org", ListFilter{OrgID: "org-1"}, []string{"alpha", "bravo", "charlie"}},
		{"by status", ListFilter{Status: []types.NodeStatus{types.NodeStatusOnline, types.NodeStatusDegraded}}, []string{"alpha", "bravo", "delta"}},
		{"by platform", ListFilter{Platform: types.PlatformWindows}, []string{"charlie"}},
		{"by min score", ListFilter{MinHealthScore: ptrFloat(70)}, []string{"alpha", "delta"}},
		{"by max score", ListFilter{MaxHealthScore: ptrFloat(50)}, []string{"bravo"}},
		{"with active servers", ListFilter{HasActiveServers: ptrBool(true)}, []string{"alpha", "delta"}},
		{"without active servers", ListFilter{HasActiveServers: ptrBool(false)}, []string{"bravo", "charlie"}},
		{"by search", ListFilter{Search: "ARL"}, []string{"charlie"}},
		{"by single tag", ListFilter{Tags: []string{"ssd"}}, []string{"alpha"}},
		{"by tags any match", ListFilter{Tags: []string{"eu", "ssd"}}, []string{"alpha", "charlie"}},
		{"by unused tag", ListFilter{Tags: []string{"gpu"}}, []string{}},
		{"unknown sort key falls back to name", ListFilter{SortBy: "bogus"}, []string{"alpha", "bravo", "charlie", "delta"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.filter.SortBy = ParseSortKey(string(tt.filter.SortBy))
			result, err := f.svc.ListNodes(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(result))
		})
	}
}

func TestListNodesSorting(t *testing.T) {
	f := newNodeFixture(t)
	ctx := context.Background()
	f.seedFleet(t)

	result, err := f.svc.ListNodes(ctx, ListFilter{SortBy: SortByHealthScore, SortDesc: true})
	require.NoError(t, err)
	// Nodes without telemetry sort below every scored node.
	assert.Equal(t, []string{"alpha", "delta", "bravo", "charlie"}, names(result))

	result, err = f.svc.ListNodes(ctx, ListFilter{SortBy: SortByActiveServers})
	require.NoError(t, err)
	assert.Equal(t, "charlie", result.Nodes[0].Node.Name)
}

func TestListNodesPagination(t *testing.T) {
	f := newNodeFixture(t)
	ctx := context.Background()
	f.seedFleet(t)

	page1, err := f.svc.ListNodes(ctx, ListFilter{Page: 1, PageSize: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, page1.TotalCount)
	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, names(page1))

	page2, err := f.svc.ListNodes(ctx, ListFilter{Page: 2, PageSize: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"delta"}, names(page2))

	// A page past the end is empty, not an error.
	page9, err := f.svc.ListNodes(ctx, ListFilter{Page: 9, PageSize: 3})
	require.NoError(t, err)
	assert.Empty(t, page9.Nodes)
	assert.Equal(t, 4, page9.TotalCount)
}

func TestUpdateNodeRename(t *testing.T) {
	f := newNodeFixture(t)
	ctx := context.Background()
	f.seedFleet(t)

	updated, err := f.svc.UpdateNode(ctx, "n1", UpdateRequest{Name: ptrString("alpha-prime")})
	require.NoError(t, err)
	assert.Equal(t, "alpha-prime", updated.Name)

	// Renaming onto an existing name in the same org is rejected.
	_, err = f.svc.UpdateNode(ctx, "n2", UpdateRequest{Name: ptrString("alpha-prime")})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.CodeNameAlreadyExists))

	// The org boundary scopes uniqueness: org-2 may reuse the name.
	updated, err = f.svc.UpdateNode(ctx, "n4", UpdateRequest{Name: ptrString("alpha-prime")})
	require.NoError(t, err)
	assert.Equal(t, "alpha-prime", updated.Name)

	updated, err = f.svc.UpdateNodeTags(ctx, "n1", []string{"eu", "nvme"})
	require.NoError(t, err)
	assert.Equal(t, []string{"eu", "nvme"}, updated.Tags)
}

func TestMaintenanceLifecycle(t *testing.T) {
	f := newNodeFixture(t)
	ctx := context.Background()
	hb := f.clock.Now()
	f.seed(t, seedSpec{id: "n1", name: "alpha", status: types.NodeStatusOnline, heartbeat: &hb})

	updated, err := f.svc.EnterMaintenance(ctx, "n1", "kernel upgrade")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusMaintenance, updated.Status)

	_, err = f.svc.EnterMaintenance(ctx, "n1", "again")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.CodeAlreadyInMaintenance))

	// Exit with a recent heartbeat comes back Online.
	updated, err = f.svc.ExitMaintenance(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOnline, updated.Status)

	_, err = f.svc.ExitMaintenance(ctx, "n1")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.CodeNotInMaintenance))

	// Exit with a stale heartbeat comes back Offline.
	_, err = f.svc.EnterMaintenance(ctx, "n1", "")
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	updated, err = f.svc.ExitMaintenance(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOffline, updated.Status)
}

func TestDecommissionNode(t *testing.T) {
	f := newNodeFixture(t)
	ctx := context.Background()
	f.seed(t, seedSpec{id: "n1", name: "alpha", status: types.NodeStatusOnline})

	err := f.store.Update(ctx, func(tx storage.Tx) error {
		return tx.CreateCertificate(&types.AgentCertificate{
			ID:         "cert-1",
			NodeID:     "n1",
			Thumbprint: "abc",
			IssuedAt:   f.clock.Now(),
		})
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.DecommissionNode(ctx, "n1", "hardware retired"))

	// The node disappears from queries and its certificates are revoked.
	_, err = f.svc.GetNode(ctx, "n1")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.CodeNodeNotFound))

	err = f.store.View(ctx, func(tx storage.Tx) error {
		n, err := tx.GetNodeAny("n1")
		require.NoError(t, err)
		require.NotNil(t, n)
		assert.Equal(t, types.NodeStatusDecommissioned, n.Status)
		assert.True(t, n.Deleted())

		certs, err := tx.ListCertificatesByNode("n1")
		require.NoError(t, err)
		require.Len(t, certs, 1)
		assert.True(t, certs[0].IsRevoked)
		assert.Equal(t, "node decommissioned", certs[0].RevocationReason)
		return nil
	})
	require.NoError(t, err)

	// Decommissioning is terminal.
	err = f.svc.DecommissionNode(ctx, "n1", "again")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.CodeNodeNotFound))
}

func ptrFloat(v float64) *float64 { return &v }
func ptrBool(v bool) *bool        { return &v }
func ptrString(v string) *string  { return &v }
