/*
Package security implements Paddock's self-hosted certificate authority
and the storage of its key material.

The CertAuthority signs 90-day mTLS client certificates for node
agents. Each certificate carries a SPIFFE URI SAN of the form
spiffe://<trust-domain>/nodes/<node-id>, binding the workload identity
to the enrolled node. The root is generated lazily on first use behind
a double-checked lock, so concurrent first callers can never race two
roots into existence.

Agent private keys are generated per issuance and returned exactly once
inside a PKCS#12 bundle protected by a fresh random password; neither
the key nor the password is retained or logged.

CAStorage abstracts where the root lives. FileCAStorage (development
only) encrypts the private key at rest with AES-256-GCM under a
passphrase-derived key.
*/
package security
