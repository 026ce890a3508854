package enroll

import (
	"context"
	"strings"
	"time"

	"github.com/fleetgrid/paddock/pkg/audit"
	"github.com/fleetgrid/paddock/pkg/metrics"
	"github.com/fleetgrid/paddock/pkg/security"
	"github.com/fleetgrid/paddock/pkg/storage"
	"github.com/fleetgrid/paddock/pkg/types"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	// Capacity seeding heuristic: one game server per 4 GiB of memory
	// and per 2 CPU cores, whichever is tighter, minimum one.
	bytesPerGameServer = 4 << 30
	coresPerGameServer = 2
)

// HardwareDescriptor is the agent-reported hardware snapshot submitted
// with an enrollment request.
type HardwareDescriptor struct {
	Hostname          string
	OSVersion         string
	CPUCores          int
	MemoryBytes       int64
	DiskBytes         int64
	NetworkInterfaces []string
}

// Request is an enrollment attempt from a node agent.
type Request struct {
	Token        string
	Platform     types.Platform
	AgentVersion string
	Hardware     HardwareDescriptor
}

// Result is everything a freshly enrolled agent needs: its identity and
// the certificate material for mTLS. The PKCS#12 password is returned
// exactly once.
type Result struct {
	NodeID         string
	NodeName       string
	OrgID          string
	Status         types.NodeStatus
	MaxGameServers int
	Thumbprint     string
	CertificatePEM []byte
	CACertPEM      []byte
	PKCS12         []byte
	PKCS12Password string
	NotBefore      time.Time
	NotAfter       time.Time
}

// Service orchestrates node enrollment: token validation, node
// creation, certificate issuance and capacity seeding commit as one
// durable unit.
type Service struct {
	store   storage.Store
	ca      *security.CertAuthority
	tokens  *TokenService
	clock   clockwork.Clock
	log     zerolog.Logger
	audit   audit.Sink
	metrics metrics.Sink
}

// NewService creates the enrollment orchestrator.
func NewService(store storage.Store, ca *security.CertAuthority, tokens *TokenService, clock clockwork.Clock, logger zerolog.Logger, auditSink audit.Sink, sink metrics.Sink) *Service {
	return &Service{
		store:   store,
		ca:      ca,
		tokens:  tokens,
		clock:   clock,
		log:     logger,
		audit:   auditSink,
		metrics: sink,
	}
}

// Enroll runs the enrollment protocol. Validation fails fast with a
// specific reason code before any durable or cryptographic side effect;
// the node, its hardware snapshot, capacity, certificate record, the
// consumed token and both domain events commit in one transaction, so
// a partially created node is never durably visible.
func (s *Service) Enroll(ctx context.Context, req Request) (*Result, error) {
	if !types.ValidPlatform(req.Platform) {
		return nil, s.fail(ctx, req, "", types.E(types.CodeInvalidPlatform, "unsupported platform %q", req.Platform))
	}
	if strings.TrimSpace(req.Hardware.Hostname) == "" {
		return nil, s.fail(ctx, req, "", types.E(types.CodeInvalidHardware, "hardware descriptor missing hostname"))
	}

	tok, err := s.tokens.ValidateToken(ctx, req.Token)
	if err != nil {
		return nil, s.fail(ctx, req, "", err)
	}
	if tok == nil {
		return nil, s.fail(ctx, req, "", types.E(types.CodeInvalidToken, "enrollment token invalid"))
	}

	// The certificate is generated before the commit transaction: if a
	// later step fails, the material is discarded and a retry simply
	// regenerates it.
	nodeID := uuid.New().String()
	issued, err := s.ca.IssueCertificate(ctx, nodeID)
	if err != nil {
		return nil, s.fail(ctx, req, tok.OrgID, err)
	}

	caPEM, err := s.ca.CACertificatePEM(ctx)
	if err != nil {
		return nil, s.fail(ctx, req, tok.OrgID, types.E(types.CodeCertificateGeneration, "certificate authority unavailable"))
	}

	now := s.clock.Now()
	maxServers := seedMaxGameServers(req.Hardware)

	var nodeName string
	err = s.store.Update(ctx, func(tx storage.Tx) error {
		// Revalidate inside the write transaction: the token may have
		// been consumed or revoked since the read above.
		current, err := lookupUsable(tx, req.Token, now)
		if err != nil {
			return err
		}
		if current == nil {
			return types.E(types.CodeInvalidToken, "enrollment token invalid")
		}

		nodeName, err = uniqueNodeName(tx, current.OrgID, req.Hardware.Hostname)
		if err != nil {
			return err
		}

		node := &types.Node{
			ID:           nodeID,
			OrgID:        current.OrgID,
			Name:         nodeName,
			DisplayName:  nodeName,
			Status:       types.NodeStatusEnrolling,
			Platform:     req.Platform,
			AgentVersion: req.AgentVersion,
			Hardware: &types.HardwareInventory{
				Hostname:          req.Hardware.Hostname,
				OSVersion:         req.Hardware.OSVersion,
				CPUCores:          req.Hardware.CPUCores,
				MemoryBytes:       req.Hardware.MemoryBytes,
				DiskBytes:         req.Hardware.DiskBytes,
				NetworkInterfaces: req.Hardware.NetworkInterfaces,
				CollectedAt:       now,
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.CreateNode(node); err != nil {
			return err
		}

		if err := tx.PutNodeCapacity(&types.NodeCapacity{
			NodeID:               nodeID,
			MaxGameServers:       maxServers,
			AvailableMemoryBytes: req.Hardware.MemoryBytes,
			AvailableDiskBytes:   req.Hardware.DiskBytes,
			UpdatedAt:            now,
		}); err != nil {
			return err
		}

		if err := tx.CreateCertificate(&types.AgentCertificate{
			ID:           uuid.New().String(),
			NodeID:       nodeID,
			Thumbprint:   issued.Thumbprint,
			SerialNumber: issued.SerialNumber,
			NotBefore:    issued.NotBefore,
			NotAfter:     issued.NotAfter,
			IssuedAt:     now,
		}); err != nil {
			return err
		}

		if err := s.tokens.MarkUsed(tx, current, nodeID); err != nil {
			return err
		}

		if err := tx.AppendEvent(&types.Event{
			ID:        uuid.New().String(),
			Type:      types.EventNodeEnrolled,
			NodeID:    nodeID,
			OrgID:     current.OrgID,
			Timestamp: now,
			Metadata: map[string]string{
				"name":     nodeName,
				"platform": string(req.Platform),
			},
		}); err != nil {
			return err
		}
		return tx.AppendEvent(&types.Event{
			ID:        uuid.New().String(),
			Type:      types.EventCertificateIssued,
			NodeID:    nodeID,
			OrgID:     current.OrgID,
			Timestamp: now,
			Metadata: map[string]string{
				"thumbprint": issued.Thumbprint,
				"serial":     issued.SerialNumber,
			},
		})
	})
	if err != nil {
		return nil, s.fail(ctx, req, tok.OrgID, err)
	}

	s.audit.Log(ctx, audit.Entry{
		Action:       "node.enroll",
		ResourceType: "node",
		ResourceID:   nodeID,
		ResourceName: nodeName,
		OrgID:        tok.OrgID,
		Outcome:      "success",
		Details: map[string]string{
			"platform":   string(req.Platform),
			"thumbprint": issued.Thumbprint,
		},
	})
	s.metrics.EnrollmentAttempt(string(req.Platform), "success")
	s.log.Info().
		Str("node_id", nodeID).
		Str("name", nodeName).
		Str("org_id", tok.OrgID).
		Int("max_game_servers", maxServers).
		Msg("node enrolled")

	return &Result{
		NodeID:         nodeID,
		NodeName:       nodeName,
		OrgID:          tok.OrgID,
		Status:         types.NodeStatusEnrolling,
		MaxGameServers: maxServers,
		Thumbprint:     issued.Thumbprint,
		CertificatePEM: issued.CertificatePEM,
		CACertPEM:      caPEM,
		PKCS12:         issued.PKCS12,
		PKCS12Password: issued.PKCS12Password,
		NotBefore:      issued.NotBefore,
		NotAfter:       issued.NotAfter,
	}, nil
}

// fail audits and counts a failed enrollment attempt, then returns the
// causing error (coerced to a coded failure).
func (s *Service) fail(ctx context.Context, req Request, orgID string, err error) error {
	code := types.CodeOf(err)
	s.audit.Log(ctx, audit.Entry{
		Action:       "node.enroll",
		ResourceType: "node",
		OrgID:        orgID,
		Outcome:      string(code),
		Details:      map[string]string{"hostname": req.Hardware.Hostname},
	})
	s.metrics.EnrollmentAttempt(string(req.Platform), string(code))

	if code == types.CodeInternal {
		s.log.Error().Err(err).Msg("enrollment failed")
		return types.E(types.CodeInternal, "enrollment failed")
	}
	s.log.Info().Str("reason", string(code)).Msg("enrollment rejected")
	return err
}

// seedMaxGameServers applies the initial capacity heuristic.
func seedMaxGameServers(hw HardwareDescriptor) int {
	byMemory := int(hw.MemoryBytes / bytesPerGameServer)
	byCPU := hw.CPUCores / coresPerGameServer
	n := byMemory
	if byCPU < n {
		n = byCPU
	}
	if n < 1 {
		n = 1
	}
	return n
}
