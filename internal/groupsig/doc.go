// Package groupsig lets validators vote anonymously but accountably.
//
// Any observer can check that a vote was signed by some member of the validator ring, but not
// which one. The holder of the opening key can recover the signer's identity from the signature.
package groupsig
