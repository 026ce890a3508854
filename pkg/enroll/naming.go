package enroll

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/fleetgrid/paddock/pkg/storage"
)

// sanitizeHostname lowercases the hostname and collapses every run of
// characters outside [a-z0-9] into a single hyphen. The result may be
// empty.
func sanitizeHostname(hostname string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(hostname)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
		} else {
			pendingDash = true
		}
	}
	return b.String()
}

// baseNodeName derives the candidate node name from a hostname. When
// sanitization leaves nothing it falls back to a deterministic
// node-<hash8> slug so the same hostname always maps to the same base.
func baseNodeName(hostname string) string {
	if name := sanitizeHostname(hostname); name != "" {
		return name
	}
	sum := sha256.Sum256([]byte(hostname))
	return "node-" + hex.EncodeToString(sum[:4])
}

// uniqueNodeName resolves collisions against existing node names in the
// org by appending the next free numeric suffix: base, base-2, base-3.
func uniqueNodeName(tx storage.Tx, orgID, hostname string) (string, error) {
	base := baseNodeName(hostname)

	existing, err := tx.GetNodeByName(orgID, base)
	if err != nil {
		return "", err
	}
	if existing == nil {
		return base, nil
	}

	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s-%d", base, n)
		existing, err := tx.GetNodeByName(orgID, candidate)
		if err != nil {
			return "", err
		}
		if existing == nil {
			return candidate, nil
		}
	}
}
