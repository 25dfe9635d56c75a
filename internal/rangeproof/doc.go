// Package rangeproof proves that committed transfer amounts lie in [0, MaxValue] without
// revealing them.
//
// Proofs are Groth16 over BLS12-377. Each circuit recomputes the MiMC commitment of package
// commitment from its private opening, so a proof is bound to one commitment (or one ordered
// list of commitments for the aggregate circuit) and cannot be replayed against another.
//
// The aggregate circuit has a fixed number of slots equal to the batch capacity. Batches with
// fewer transfers fill the remaining slots with the deterministic zero padding witness, which
// the verifier reconstructs, so proof size stays constant regardless of batch length.
package rangeproof
