// Package consensus turns submitted transfers into finalized batches.
//
// Transfers are validated on submission and queued. A collector seals up to N queued transfers
// into a batch (Merkle root, aggregate range proof, optional proof-of-work seal) when N are
// waiting or the collection timeout fires. A voter hands each sealed batch to every active
// Validator in parallel and applies Decide to the votes: Q approvals are needed and every
// home bank of an account touched by the batch must approve. Finalized batches are applied
// to the ledger in one transaction and their nullifiers committed; rejected batches change
// nothing and their transfers return to the queue in submission order.
//
// Collection of the next batch overlaps voting on the current one. Voting is bounded by a
// timeout, after which missing votes count as Reject.
package consensus
