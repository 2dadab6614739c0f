// Package vault models the external yield market a pool may park idle
// liquidity in. The protocol treats it as an opaque interest-bearing account.
package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	loanererrors "loaner/core/errors"
	"loaner/crypto"
	"loaner/native/ledger"
)

var (
	ErrInsufficientPosition = fmt.Errorf("vault: insufficient position: %w", loanererrors.ErrInsufficientLiquidity)
	ErrInvalidAmount        = fmt.Errorf("vault: invalid amount: %w", loanererrors.ErrInvalidAmount)
	ErrUnavailable          = errors.New("vault: unavailable")
	errYieldUnsupported     = errors.New("vault: ledger cannot mint yield")
)

// Vault is the yield market consumed by pools. Deposit pulls funds from the
// depositor's ledger account, which must first approve Address as spender;
// Withdraw pays out to the recipient. BalanceOf reports the owner's position
// including accrued yield.
type Vault interface {
	Address() crypto.Address
	Deposit(ctx context.Context, from crypto.Address, amount *big.Int) error
	Withdraw(ctx context.Context, to crypto.Address, amount *big.Int) error
	BalanceOf(ctx context.Context, owner crypto.Address) (*big.Int, error)
}

type minter interface {
	Mint(to crypto.Address, amount *big.Int) error
}

// Memory is an in-process vault holding its funds in a ledger account of its
// own. Depositors must approve the vault address as a spender first.
type Memory struct {
	mu        sync.Mutex
	address   crypto.Address
	ledger    ledger.AssetLedger
	positions map[crypto.Address]*big.Int
}

// NewMemory returns a vault that custodies funds at address on the ledger.
func NewMemory(address crypto.Address, l ledger.AssetLedger) *Memory {
	return &Memory{address: address, ledger: l, positions: make(map[crypto.Address]*big.Int)}
}

// Address returns the vault's ledger account.
func (m *Memory) Address() crypto.Address { return m.address }

// Deposit implements Vault.
func (m *Memory) Deposit(ctx context.Context, from crypto.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ledger.TransferFrom(m.address, from, m.address, amount); err != nil {
		return fmt.Errorf("vault: deposit: %w", err)
	}
	m.positions[from] = new(big.Int).Add(m.position(from), amount)
	return nil
}

// Withdraw implements Vault.
func (m *Memory) Withdraw(ctx context.Context, to crypto.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pos := m.position(to)
	if pos.Cmp(amount) < 0 {
		return fmt.Errorf("%w: holds %s, requested %s", ErrInsufficientPosition, pos, amount)
	}
	if err := m.ledger.Transfer(m.address, to, amount); err != nil {
		return fmt.Errorf("vault: withdraw: %w", err)
	}
	m.setPosition(to, pos.Sub(pos, amount))
	return nil
}

// BalanceOf implements Vault.
func (m *Memory) BalanceOf(ctx context.Context, owner crypto.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position(owner), nil
}

// Accrue credits yield to an owner's position, minting the backing funds into
// the vault account. It stands in for the market's interest accrual.
func (m *Memory) Accrue(owner crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	mint, ok := m.ledger.(minter)
	if !ok {
		return errYieldUnsupported
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := mint.Mint(m.address, amount); err != nil {
		return fmt.Errorf("vault: accrue: %w", err)
	}
	m.positions[owner] = new(big.Int).Add(m.position(owner), amount)
	return nil
}

// Position is the durable view of one depositor's holding.
type Position struct {
	Owner  crypto.Address
	Amount *big.Int
}

// Positions returns every non-empty position ordered by owner.
func (m *Memory) Positions() []Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, 0, len(m.positions))
	for owner, amount := range m.positions {
		out = append(out, Position{Owner: owner, Amount: new(big.Int).Set(amount)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner.String() < out[j].Owner.String() })
	return out
}

// Restore replaces every position.
func (m *Memory) Restore(positions []Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = make(map[crypto.Address]*big.Int, len(positions))
	for _, pos := range positions {
		m.setPosition(pos.Owner, pos.Amount)
	}
}

func (m *Memory) position(owner crypto.Address) *big.Int {
	if pos, ok := m.positions[owner]; ok {
		return new(big.Int).Set(pos)
	}
	return big.NewInt(0)
}

func (m *Memory) setPosition(owner crypto.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		delete(m.positions, owner)
		return
	}
	m.positions[owner] = new(big.Int).Set(amount)
}
