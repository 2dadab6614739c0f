// Package ledger defines the fungible asset ledger consumed by the lending
// protocol and provides an in-memory reference implementation.
package ledger

import (
	"fmt"
	"math/big"
	"sort"
	"sync"

	loanererrors "loaner/core/errors"
	"loaner/core/events"
	"loaner/crypto"
)

var (
	ErrInsufficientBalance   = fmt.Errorf("ledger: insufficient balance: %w", loanererrors.ErrInsufficientFunds)
	ErrInsufficientAllowance = fmt.Errorf("ledger: insufficient allowance: %w", loanererrors.ErrInsufficientFunds)
	ErrInvalidAmount         = fmt.Errorf("ledger: invalid amount: %w", loanererrors.ErrInvalidAmount)
	ErrZeroAddress           = fmt.Errorf("ledger: zero address: %w", loanererrors.ErrInvalidAmount)
)

// AssetLedger is the stable-currency ledger every protocol money movement goes
// through. Implementations must either apply a movement completely or return
// an error with no effect.
type AssetLedger interface {
	Transfer(from, to crypto.Address, amount *big.Int) error
	// TransferFrom moves amount from owner to to, consuming the allowance
	// owner granted to spender.
	TransferFrom(spender, owner, to crypto.Address, amount *big.Int) error
	Approve(owner, spender crypto.Address, amount *big.Int) error
	BalanceOf(addr crypto.Address) *big.Int
}

type allowanceKey struct {
	owner   crypto.Address
	spender crypto.Address
}

// Memory is a mutex-guarded in-process AssetLedger.
type Memory struct {
	mu         sync.Mutex
	balances   map[crypto.Address]*big.Int
	allowances map[allowanceKey]*big.Int
	emitter    events.Emitter
}

// NewMemory returns an empty ledger.
func NewMemory() *Memory {
	return &Memory{
		balances:   make(map[crypto.Address]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
		emitter:    events.NoopEmitter{},
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (m *Memory) SetEmitter(emitter events.Emitter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if emitter == nil {
		m.emitter = events.NoopEmitter{}
		return
	}
	m.emitter = emitter
}

// Mint credits amount to addr out of thin air. Only the development faucet
// and tests use it.
func (m *Memory) Mint(to crypto.Address, amount *big.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	if to.IsZero() {
		return ErrZeroAddress
	}
	m.mu.Lock()
	m.credit(to, amount)
	emitter := m.emitter
	m.mu.Unlock()
	emitter.Emit(events.Mint{To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

// Transfer implements AssetLedger.
func (m *Memory) Transfer(from, to crypto.Address, amount *big.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	if from.IsZero() || to.IsZero() {
		return ErrZeroAddress
	}
	m.mu.Lock()
	if err := m.move(from, to, amount); err != nil {
		m.mu.Unlock()
		return err
	}
	emitter := m.emitter
	m.mu.Unlock()
	emitter.Emit(events.Transfer{From: from, To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

// TransferFrom implements AssetLedger.
func (m *Memory) TransferFrom(spender, owner, to crypto.Address, amount *big.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	if owner.IsZero() || to.IsZero() || spender.IsZero() {
		return ErrZeroAddress
	}
	m.mu.Lock()
	key := allowanceKey{owner: owner, spender: spender}
	allowance := m.allowances[key]
	if allowance == nil || allowance.Cmp(amount) < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s may spend %s of %s", ErrInsufficientAllowance, spender, events.FormatAmount(allowance), owner)
	}
	if err := m.move(owner, to, amount); err != nil {
		m.mu.Unlock()
		return err
	}
	remaining := new(big.Int).Sub(allowance, amount)
	if remaining.Sign() == 0 {
		delete(m.allowances, key)
	} else {
		m.allowances[key] = remaining
	}
	emitter := m.emitter
	m.mu.Unlock()
	emitter.Emit(events.Transfer{From: owner, To: to, Spender: spender, Amount: new(big.Int).Set(amount)})
	return nil
}

// Approve implements AssetLedger. The allowance is replaced, not increased;
// approving zero revokes it.
func (m *Memory) Approve(owner, spender crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if owner.IsZero() || spender.IsZero() {
		return ErrZeroAddress
	}
	m.mu.Lock()
	key := allowanceKey{owner: owner, spender: spender}
	if amount.Sign() == 0 {
		delete(m.allowances, key)
	} else {
		m.allowances[key] = new(big.Int).Set(amount)
	}
	emitter := m.emitter
	m.mu.Unlock()
	emitter.Emit(events.Approval{Owner: owner, Spender: spender, Amount: new(big.Int).Set(amount)})
	return nil
}

// BalanceOf implements AssetLedger.
func (m *Memory) BalanceOf(addr crypto.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bal, ok := m.balances[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// Allowance returns the amount spender may still move out of owner.
func (m *Memory) Allowance(owner, spender crypto.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if allowance, ok := m.allowances[allowanceKey{owner: owner, spender: spender}]; ok {
		return new(big.Int).Set(allowance)
	}
	return big.NewInt(0)
}

// Account is the durable view of one ledger balance.
type Account struct {
	Address crypto.Address
	Balance *big.Int
}

// Allowance is the durable view of one spender allowance.
type Allowance struct {
	Owner   crypto.Address
	Spender crypto.Address
	Amount  *big.Int
}

// Snapshot captures every balance and allowance in deterministic order.
type Snapshot struct {
	Accounts   []Account
	Allowances []Allowance
}

// Snapshot returns a copy of the ledger contents.
func (m *Memory) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		Accounts:   make([]Account, 0, len(m.balances)),
		Allowances: make([]Allowance, 0, len(m.allowances)),
	}
	for addr, bal := range m.balances {
		snap.Accounts = append(snap.Accounts, Account{Address: addr, Balance: new(big.Int).Set(bal)})
	}
	for key, amount := range m.allowances {
		snap.Allowances = append(snap.Allowances, Allowance{Owner: key.owner, Spender: key.spender, Amount: new(big.Int).Set(amount)})
	}
	sort.Slice(snap.Accounts, func(i, j int) bool {
		return snap.Accounts[i].Address.String() < snap.Accounts[j].Address.String()
	})
	sort.Slice(snap.Allowances, func(i, j int) bool {
		a, b := snap.Allowances[i], snap.Allowances[j]
		if a.Owner != b.Owner {
			return a.Owner.String() < b.Owner.String()
		}
		return a.Spender.String() < b.Spender.String()
	})
	return snap
}

// Restore replaces the ledger contents with the snapshot.
func (m *Memory) Restore(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances = make(map[crypto.Address]*big.Int, len(snap.Accounts))
	m.allowances = make(map[allowanceKey]*big.Int, len(snap.Allowances))
	for _, acc := range snap.Accounts {
		if acc.Balance != nil && acc.Balance.Sign() > 0 {
			m.balances[acc.Address] = new(big.Int).Set(acc.Balance)
		}
	}
	for _, allowance := range snap.Allowances {
		if allowance.Amount != nil && allowance.Amount.Sign() > 0 {
			m.allowances[allowanceKey{owner: allowance.Owner, spender: allowance.Spender}] = new(big.Int).Set(allowance.Amount)
		}
	}
}

func (m *Memory) move(from, to crypto.Address, amount *big.Int) error {
	bal := m.balances[from]
	if bal == nil || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, from, events.FormatAmount(bal), amount)
	}
	if from == to {
		return nil
	}
	remaining := new(big.Int).Sub(bal, amount)
	if remaining.Sign() == 0 {
		delete(m.balances, from)
	} else {
		m.balances[from] = remaining
	}
	m.credit(to, amount)
	return nil
}

func (m *Memory) credit(to crypto.Address, amount *big.Int) {
	bal := m.balances[to]
	if bal == nil {
		bal = big.NewInt(0)
	}
	m.balances[to] = new(big.Int).Add(bal, amount)
}

func validateAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
