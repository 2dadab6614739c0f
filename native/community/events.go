package community

import (
	"loaner/core/events"
	"loaner/crypto"
)

const (
	EventTypeBorrowerAdded   = "community.borrower_added"
	EventTypeBorrowerLocked  = "community.borrower_locked"
	EventTypeBorrowerRemoved = "community.borrower_removed"
	EventTypeManagerAdded    = "community.manager_added"
	EventTypeManagerRemoved  = "community.manager_removed"
	EventTypeLoanSubmitted   = "community.loan_submitted"
	EventTypeVoteApprove     = "community.vote_approve"
	EventTypeVoteReject      = "community.vote_reject"
	EventTypeStakeWithdrawn  = "community.stake_withdrawn"
)

func (c *Community) event(eventType string, actor crypto.Address, attrs map[string]string) events.Payload {
	if attrs == nil {
		attrs = make(map[string]string, 2)
	}
	attrs["community"] = c.address.String()
	if !actor.IsZero() {
		attrs["actor"] = actor.String()
	}
	return events.New(eventType, attrs)
}
