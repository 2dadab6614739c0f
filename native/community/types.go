package community

import (
	"fmt"
	"math/big"
	"strings"

	"loaner/crypto"
)

// BorrowerState is a borrower's standing with a community.
type BorrowerState uint8

const (
	BorrowerNone BorrowerState = iota
	BorrowerValid
	BorrowerLocked
	BorrowerRemoved
)

func (s BorrowerState) String() string {
	switch s {
	case BorrowerNone:
		return "none"
	case BorrowerValid:
		return "valid"
	case BorrowerLocked:
		return "locked"
	case BorrowerRemoved:
		return "removed"
	default:
		return fmt.Sprintf("borrower(%d)", uint8(s))
	}
}

func (s BorrowerState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *BorrowerState) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "none", "":
		*s = BorrowerNone
	case "valid":
		*s = BorrowerValid
	case "locked":
		*s = BorrowerLocked
	case "removed":
		*s = BorrowerRemoved
	default:
		return fmt.Errorf("community: unknown borrower state %q", string(text))
	}
	return nil
}

// Policy is the quorum rule for loan review. A loan moves to Running once
// the approve stake reaches ApprovalThreshold from at least MinApprovals
// managers, and to Retracted symmetrically.
type Policy struct {
	ApprovalThreshold  *big.Int
	RejectionThreshold *big.Int
	MinApprovals       uint32
	MinRejections      uint32
}

// DefaultPolicy makes a single manager's stake sufficient either way.
func DefaultPolicy() Policy {
	return Policy{
		ApprovalThreshold:  big.NewInt(1),
		RejectionThreshold: big.NewInt(1),
		MinApprovals:       1,
		MinRejections:      1,
	}
}

// Normalize fills unset fields from DefaultPolicy.
func (p Policy) Normalize() Policy {
	def := DefaultPolicy()
	if p.ApprovalThreshold == nil || p.ApprovalThreshold.Sign() <= 0 {
		p.ApprovalThreshold = def.ApprovalThreshold
	} else {
		p.ApprovalThreshold = new(big.Int).Set(p.ApprovalThreshold)
	}
	if p.RejectionThreshold == nil || p.RejectionThreshold.Sign() <= 0 {
		p.RejectionThreshold = def.RejectionThreshold
	} else {
		p.RejectionThreshold = new(big.Int).Set(p.RejectionThreshold)
	}
	if p.MinApprovals == 0 {
		p.MinApprovals = def.MinApprovals
	}
	if p.MinRejections == 0 {
		p.MinRejections = def.MinRejections
	}
	return p
}

// Vote is one manager's stake on one loan. At most one side is nonzero.
type Vote struct {
	Approve *big.Int
	Reject  *big.Int
}

func (v Vote) empty() bool {
	return v.Approve.Sign() == 0 && v.Reject.Sign() == 0
}

// Tally aggregates every manager's stake on one loan.
type Tally struct {
	Approve   *big.Int
	Reject    *big.Int
	Approvers uint32
	Rejectors uint32
}

func (t Tally) clone() Tally {
	return Tally{
		Approve:   cloneBig(t.Approve),
		Reject:    cloneBig(t.Reject),
		Approvers: t.Approvers,
		Rejectors: t.Rejectors,
	}
}

// VoteRecord is the durable form of a vote.
type VoteRecord struct {
	Loan    crypto.Address
	Manager crypto.Address
	Vote
}

// BorrowerRecord is the durable form of a borrower's standing.
type BorrowerRecord struct {
	Borrower crypto.Address
	State    BorrowerState
}

// TallyRecord is the durable form of a loan tally.
type TallyRecord struct {
	Loan crypto.Address
	Tally
}

// Snapshot is the durable record of a community.
type Snapshot struct {
	Address   crypto.Address
	Pool      crypto.Address
	CreatedAt int64
	Policy    Policy
	Managers  []crypto.Address
	Borrowers []BorrowerRecord
	Loans     []crypto.Address
	Votes     []VoteRecord
	Tallies   []TallyRecord
	StakeHeld *big.Int
}

// View is the community query surface.
type View struct {
	Address   crypto.Address
	Pool      crypto.Address
	Policy    Policy
	Managers  []crypto.Address
	Borrowers int
	Loans     []crypto.Address
	StakeHeld *big.Int
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
