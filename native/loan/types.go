package loan

import (
	"fmt"
	"math/big"
	"strings"

	"loaner/crypto"
)

// Status is the community-facing loan status.
type Status uint8

const (
	StatusVoid Status = iota
	StatusPending
	StatusRetracted
	StatusRunning
	StatusSettled
	StatusDefaulted
)

var statusNames = map[Status]string{
	StatusVoid:      "void",
	StatusPending:   "pending",
	StatusRetracted: "retracted",
	StatusRunning:   "running",
	StatusSettled:   "settled",
	StatusDefaulted: "defaulted",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Terminal reports whether no further community-facing transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusRetracted, StatusSettled, StatusDefaulted:
		return true
	default:
		return false
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(text []byte) error {
	needle := strings.ToLower(strings.TrimSpace(string(text)))
	for status, name := range statusNames {
		if name == needle {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("loan: unknown status %q", string(text))
}

// InternalStatus is the loan-facing funding lifecycle. Values are ordered so
// that progression is monotonic.
type InternalStatus uint8

const (
	InternalAwaiting InternalStatus = iota
	InternalFunded
	InternalWithdrawn
	InternalSettled
	InternalDefaulted
)

var internalNames = map[InternalStatus]string{
	InternalAwaiting:  "awaiting",
	InternalFunded:    "funded",
	InternalWithdrawn: "withdrawn",
	InternalSettled:   "settled",
	InternalDefaulted: "defaulted",
}

func (s InternalStatus) String() string {
	if name, ok := internalNames[s]; ok {
		return name
	}
	return fmt.Sprintf("internal(%d)", uint8(s))
}

// Valid reports whether s is a known internal status.
func (s InternalStatus) Valid() bool {
	_, ok := internalNames[s]
	return ok
}

func (s InternalStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *InternalStatus) UnmarshalText(text []byte) error {
	needle := strings.ToLower(strings.TrimSpace(string(text)))
	for status, name := range internalNames {
		if name == needle {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("loan: unknown internal status %q", string(text))
}

// Terms are the immutable parameters of a loan request.
type Terms struct {
	Borrower crypto.Address
	Pool     crypto.Address
	// Amount is the principal in 18-decimal base units.
	Amount *big.Int
	// APY uses two decimals: 1000 is 10.00%.
	APY uint64
	// Term is the loan duration in seconds.
	Term uint64
}

// Snapshot is the durable record of a loan.
type Snapshot struct {
	Address   crypto.Address
	Borrower  crypto.Address
	Pool      crypto.Address
	Community crypto.Address
	Amount    *big.Int
	APY       uint64
	Term      uint64
	CreatedAt int64
	Start     int64
	Status    Status
	Internal  InternalStatus
	Balance   *big.Int
	RepaidAt  int64
	Repaid    bool
	Reclaimed bool
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Amount = cloneBig(s.Amount)
	out.Balance = cloneBig(s.Balance)
	return out
}

// View is the query surface of a loan: the durable record plus the derived
// debt and whole days remaining.
type View struct {
	Snapshot
	Debt     *big.Int
	DaysLeft uint64
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
