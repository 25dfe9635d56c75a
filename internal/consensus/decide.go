package consensus

import (
	"fmt"
	"sort"
)

// Outcome of evaluating the votes collected so far.
type Outcome int

const (
	OutcomeUndecided Outcome = iota
	OutcomeFinalize
	OutcomeReject
)

// Decide applies the batch voting rule. A batch finalizes when at least quorum of the active
// validators approve and every mandatory validator (the home bank of a sender or receiver)
// approves. A mandatory Reject overrides any quorum. Once closed is set (voting timed out or
// every active validator answered) missing votes count as Reject and the result is final.
// Before that, Decide returns OutcomeUndecided while either outcome is still possible.
func Decide(active []string, votes map[string]Decision, quorum int, mandatory []string, closed bool) (Outcome, string) {
	isActive := make(map[string]bool, len(active))
	approvals, pending := 0, 0
	for _, id := range active {
		isActive[id] = true
		d, voted := votes[id]
		switch {
		case !voted:
			pending++
		case d == Approve:
			approvals++
		}
	}
	if closed {
		pending = 0
	}

	mand := append([]string(nil), mandatory...)
	sort.Strings(mand)
	mandatoryPending := false
	for _, id := range mand {
		if !isActive[id] {
			return OutcomeReject, fmt.Sprintf("mandatory validator %s is not active", id)
		}
		d, voted := votes[id]
		switch {
		case !voted:
			mandatoryPending = true
		case d != Approve:
			return OutcomeReject, fmt.Sprintf("mandatory validator %s rejected", id)
		}
	}

	if approvals+pending < quorum {
		if closed {
			return OutcomeReject, fmt.Sprintf("quorum not reached: %d of %d approvals", approvals, quorum)
		}
		return OutcomeReject, fmt.Sprintf("quorum unreachable: at most %d of %d approvals", approvals+pending, quorum)
	}
	if approvals >= quorum && !mandatoryPending {
		return OutcomeFinalize, ""
	}
	if closed {
		return OutcomeReject, "mandatory validator did not vote before timeout"
	}
	return OutcomeUndecided, ""
}
