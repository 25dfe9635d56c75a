// Package commitment implements the hiding/binding primitives of the batch ledger.
//
// Overview:
//   - Commit hides (sender, receiver, amount) behind a MiMC digest keyed by a secret salt
//   - Nullifier derives a per-spend tag from the commitment and the sender's spend secret
//   - Accumulator records every committed nullifier and rejects replays in O(1)
//
// Security Model:
//   - MiMC over the BLS12-377 scalar field, so the same digests can be recomputed inside gnark circuits
//   - Identifiers are mapped to field elements with SHA3-256 under a fixed domain tag
//   - Salts and spend secrets are sampled from crypto/rand via fr.Element.SetRandom
//
// Canonical layouts:
//   - commitment = MiMC(F(sender) || F(receiver) || F(amount) || F(salt))
//   - nullifier  = MiMC(commitment || F(sender) || F(spendSecret))
//   - F(x) is the 32-byte big-endian encoding of a reduced fr element
package commitment
