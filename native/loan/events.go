package loan

import (
	"strconv"

	"loaner/core/events"
	"loaner/native/fixedpoint"
)

const (
	EventTypeCreated    = "loan.created"
	EventTypeSubmitted  = "loan.submitted"
	EventTypeApproved   = "loan.approved"
	EventTypeRetracted  = "loan.retracted"
	EventTypeFunded     = "loan.funded"
	EventTypeWithdrawn  = "loan.withdrawn"
	EventTypeRepaid     = "loan.repaid"
	EventTypeSettled    = "loan.settled"
	EventTypeDefaulted  = "loan.defaulted"
	EventTypeReclaimed  = "loan.reclaimed"
	EventTypeWrittenOff = "loan.written_off"
)

// newEvent builds the canonical payload for a loan transition. Callers hold
// the loan lock.
func newEvent(eventType string, l *Loan, extra map[string]string) events.Payload {
	attrs := map[string]string{
		"loan":     l.address.String(),
		"borrower": l.borrower.String(),
		"pool":     l.pool.String(),
		"status":   l.status.String(),
		"internal": l.internal.String(),
		"balance":  events.FormatAmount(l.balance),
	}
	switch eventType {
	case EventTypeCreated:
		attrs["amount"] = events.FormatAmount(l.amount)
		attrs["apy"] = fixedpoint.FormatAPY(l.apy)
		attrs["term"] = events.FormatUint(l.term)
	case EventTypeFunded:
		attrs["start"] = strconv.FormatInt(l.start, 10)
	}
	if !l.community.IsZero() {
		attrs["community"] = l.community.String()
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return events.New(eventType, attrs)
}
