package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/fleetgrid/paddock/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketNodes             = []byte("nodes")
	bucketNodeHealth        = []byte("node_health")
	bucketNodeCapacity      = []byte("node_capacity")
	bucketReservations      = []byte("reservations")
	bucketReservationTokens = []byte("reservation_tokens") // token -> reservation id
	bucketTokens            = []byte("enrollment_tokens")
	bucketTokenHashes       = []byte("enrollment_token_hashes") // sha256 hex -> token id
	bucketCertificates      = []byte("agent_certificates")
	bucketOutbox            = []byte("outbox")
)

// BoltStore implements Store using BoltDB. BoltDB allows a single
// read-write transaction at a time, which gives Update the serialized
// semantics the Store contract requires.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the fleet database in dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "paddock.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNodes,
			bucketNodeHealth,
			bucketNodeCapacity,
			bucketReservations,
			bucketReservationTokens,
			bucketTokens,
			bucketTokenHashes,
			bucketCertificates,
			bucketOutbox,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// View runs fn in a read-only transaction.
func (s *BoltStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&boltTx{tx: btx})
	})
}

// Update runs fn in the single read-write transaction.
func (s *BoltStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&boltTx{tx: btx})
	})
}

// PendingEvents returns up to limit undispatched outbox entries in
// commit order.
func (s *BoltStore) PendingEvents(ctx context.Context, limit int) ([]*OutboxEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var entries []*OutboxEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOutbox).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var evt types.Event
			if err := json.Unmarshal(v, &evt); err != nil {
				return fmt.Errorf("failed to decode outbox entry: %w", err)
			}
			entries = append(entries, &OutboxEntry{
				Seq:   binary.BigEndian.Uint64(k),
				Event: &evt,
			})
			if limit > 0 && len(entries) >= limit {
				break
			}
		}
		return nil
	})
	return entries, err
}

// MarkDispatched deletes dispatched entries from the outbox.
func (s *BoltStore) MarkDispatched(ctx context.Context, seqs []uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		for _, seq := range seqs {
			var key [8]byte
			binary.BigEndian.PutUint64(key[:], seq)
			if err := b.Delete(key[:]); err != nil {
				return err
			}
		}
		return nil
	})
}

// boltTx adapts a bolt transaction to the Tx interface
type boltTx struct {
	tx *bolt.Tx
}

func put(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

// Node operations

func (t *boltTx) CreateNode(node *types.Node) error {
	return put(t.tx.Bucket(bucketNodes), node.ID, node)
}

func (t *boltTx) UpdateNode(node *types.Node) error {
	return t.CreateNode(node) // upsert
}

func (t *boltTx) GetNode(id string) (*types.Node, error) {
	node, err := t.GetNodeAny(id)
	if err != nil || node == nil {
		return nil, err
	}
	if node.Deleted() {
		return nil, nil
	}
	return node, nil
}

func (t *boltTx) GetNodeAny(id string) (*types.Node, error) {
	data := t.tx.Bucket(bucketNodes).Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	var node types.Node
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

func (t *boltTx) GetNodeByName(orgID, name string) (*types.Node, error) {
	var found *types.Node
	err := t.tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
		var node types.Node
		if err := json.Unmarshal(v, &node); err != nil {
			return err
		}
		if node.OrgID == orgID && node.Name == name && !node.Deleted() {
			found = &node
		}
		return nil
	})
	return found, err
}

func (t *boltTx) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := t.tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
		var node types.Node
		if err := json.Unmarshal(v, &node); err != nil {
			return err
		}
		if !node.Deleted() {
			nodes = append(nodes, &node)
		}
		return nil
	})
	return nodes, err
}

func (t *boltTx) ListNodesByOrg(orgID string) ([]*types.Node, error) {
	all, err := t.ListNodes()
	if err != nil {
		return nil, err
	}
	var nodes []*types.Node
	for _, n := range all {
		if n.OrgID == orgID {
			nodes = append(nodes, n)
		}
	}
	return nodes, nil
}

// Health operations

func (t *boltTx) PutNodeHealth(h *types.NodeHealth) error {
	return put(t.tx.Bucket(bucketNodeHealth), h.NodeID, h)
}

func (t *boltTx) GetNodeHealth(nodeID string) (*types.NodeHealth, error) {
	data := t.tx.Bucket(bucketNodeHealth).Get([]byte(nodeID))
	if data == nil {
		return nil, nil
	}
	var h types.NodeHealth
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Capacity operations

func (t *boltTx) PutNodeCapacity(c *types.NodeCapacity) error {
	return put(t.tx.Bucket(bucketNodeCapacity), c.NodeID, c)
}

func (t *boltTx) GetNodeCapacity(nodeID string) (*types.NodeCapacity, error) {
	data := t.tx.Bucket(bucketNodeCapacity).Get([]byte(nodeID))
	if data == nil {
		return nil, nil
	}
	var c types.NodeCapacity
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Reservation operations

func (t *boltTx) CreateReservation(r *types.CapacityReservation) error {
	if err := put(t.tx.Bucket(bucketReservations), r.ID, r); err != nil {
		return err
	}
	// Secondary index for token lookup
	return t.tx.Bucket(bucketReservationTokens).Put([]byte(r.ReservationToken), []byte(r.ID))
}

func (t *boltTx) UpdateReservation(r *types.CapacityReservation) error {
	return put(t.tx.Bucket(bucketReservations), r.ID, r)
}

func (t *boltTx) GetReservation(id string) (*types.CapacityReservation, error) {
	data := t.tx.Bucket(bucketReservations).Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	var r types.CapacityReservation
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *boltTx) GetReservationByToken(token string) (*types.CapacityReservation, error) {
	id := t.tx.Bucket(bucketReservationTokens).Get([]byte(token))
	if id == nil {
		return nil, nil
	}
	return t.GetReservation(string(id))
}

func (t *boltTx) ListReservationsByNode(nodeID string) ([]*types.CapacityReservation, error) {
	all, err := t.ListReservations()
	if err != nil {
		return nil, err
	}
	var out []*types.CapacityReservation
	for _, r := range all {
		if r.NodeID == nodeID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *boltTx) ListReservations() ([]*types.CapacityReservation, error) {
	var out []*types.CapacityReservation
	err := t.tx.Bucket(bucketReservations).ForEach(func(k, v []byte) error {
		var r types.CapacityReservation
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		out = append(out, &r)
		return nil
	})
	return out, err
}

// Enrollment token operations

func (t *boltTx) CreateEnrollmentToken(tok *types.EnrollmentToken) error {
	if err := put(t.tx.Bucket(bucketTokens), tok.ID, tok); err != nil {
		return err
	}
	return t.tx.Bucket(bucketTokenHashes).Put([]byte(tok.TokenHash), []byte(tok.ID))
}

func (t *boltTx) UpdateEnrollmentToken(tok *types.EnrollmentToken) error {
	return put(t.tx.Bucket(bucketTokens), tok.ID, tok)
}

func (t *boltTx) GetEnrollmentToken(id string) (*types.EnrollmentToken, error) {
	data := t.tx.Bucket(bucketTokens).Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	var tok types.EnrollmentToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

func (t *boltTx) GetEnrollmentTokenByHash(hash string) (*types.EnrollmentToken, error) {
	id := t.tx.Bucket(bucketTokenHashes).Get([]byte(hash))
	if id == nil {
		return nil, nil
	}
	return t.GetEnrollmentToken(string(id))
}

func (t *boltTx) ListEnrollmentTokensByOrg(orgID string) ([]*types.EnrollmentToken, error) {
	var out []*types.EnrollmentToken
	err := t.tx.Bucket(bucketTokens).ForEach(func(k, v []byte) error {
		var tok types.EnrollmentToken
		if err := json.Unmarshal(v, &tok); err != nil {
			return err
		}
		if tok.OrgID == orgID {
			out = append(out, &tok)
		}
		return nil
	})
	return out, err
}

// Certificate operations

func (t *boltTx) CreateCertificate(c *types.AgentCertificate) error {
	return put(t.tx.Bucket(bucketCertificates), c.ID, c)
}

func (t *boltTx) UpdateCertificate(c *types.AgentCertificate) error {
	return t.CreateCertificate(c)
}

func (t *boltTx) GetCertificate(id string) (*types.AgentCertificate, error) {
	data := t.tx.Bucket(bucketCertificates).Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	var c types.AgentCertificate
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *boltTx) ListCertificatesByNode(nodeID string) ([]*types.AgentCertificate, error) {
	var out []*types.AgentCertificate
	err := t.tx.Bucket(bucketCertificates).ForEach(func(k, v []byte) error {
		var c types.AgentCertificate
		if err := json.Unmarshal(v, &c); err != nil {
			return err
		}
		if c.NodeID == nodeID {
			out = append(out, &c)
		}
		return nil
	})
	return out, err
}

// Outbox operations

func (t *boltTx) AppendEvent(evt *types.Event) error {
	b := t.tx.Bucket(bucketOutbox)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], seq)
	return b.Put(key[:], data)
}
