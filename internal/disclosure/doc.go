// Package disclosure controls lawful access to hidden transfer contents.
//
// Every accepted transfer's sender, receiver and amount are sealed in a Vault under an escrow
// public key. The matching master key exists only as shares: a mandatory Custodian share and a
// court-combined share that any one oversight role can supply. Reconstruct enforces that policy
// with the algebra of the sharing itself, so the key cannot be rebuilt from oversight shares alone.
//
// A Service wraps the vault with time-limited requests. Shares are collected per request, an
// unlock decrypts exactly the requested record, and a background sweep expires stale requests.
package disclosure
