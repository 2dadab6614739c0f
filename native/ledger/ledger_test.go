package ledger

import (
	"errors"
	"math/big"
	"testing"

	loanererrors "loaner/core/errors"
	"loaner/core/events"
	"loaner/crypto"
)

type recordingEmitter struct {
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) { r.events = append(r.events, evt) }

func addr(label string) crypto.Address { return crypto.NamedAddress("ledger-test/" + label) }

func TestTransferMovesBalances(t *testing.T) {
	l := NewMemory()
	rec := &recordingEmitter{}
	l.SetEmitter(rec)
	alice, bob := addr("alice"), addr("bob")
	if err := l.Mint(alice, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Transfer(alice, bob, big.NewInt(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := l.BalanceOf(alice); got.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("unexpected alice balance %s", got)
	}
	if got := l.BalanceOf(bob); got.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("unexpected bob balance %s", got)
	}
	if len(rec.events) != 2 || rec.events[1].EventType() != events.TypeTransfer {
		t.Fatalf("unexpected events: %+v", rec.events)
	}
	if attrs := rec.events[1].Event().Attributes; attrs["amount"] != "40" || attrs["to"] != bob.String() {
		t.Fatalf("unexpected transfer attributes: %+v", attrs)
	}
}

func TestTransferInsufficientBalanceLeavesState(t *testing.T) {
	l := NewMemory()
	alice, bob := addr("alice"), addr("bob")
	_ = l.Mint(alice, big.NewInt(10))
	err := l.Transfer(alice, bob, big.NewInt(11))
	if !errors.Is(err, loanererrors.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if l.BalanceOf(alice).Cmp(big.NewInt(10)) != 0 || l.BalanceOf(bob).Sign() != 0 {
		t.Fatalf("failed transfer must not move funds")
	}
}

func TestTransferFromConsumesAllowance(t *testing.T) {
	l := NewMemory()
	owner, spender, to := addr("owner"), addr("spender"), addr("to")
	_ = l.Mint(owner, big.NewInt(100))

	if err := l.TransferFrom(spender, owner, to, big.NewInt(1)); !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected allowance error, got %v", err)
	}
	if err := l.Approve(owner, spender, big.NewInt(50)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := l.TransferFrom(spender, owner, to, big.NewInt(30)); err != nil {
		t.Fatalf("transferFrom: %v", err)
	}
	if got := l.Allowance(owner, spender); got.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("unexpected remaining allowance %s", got)
	}
	if err := l.TransferFrom(spender, owner, to, big.NewInt(21)); !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected allowance error, got %v", err)
	}
	if got := l.BalanceOf(to); got.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("unexpected recipient balance %s", got)
	}
}

func TestTransferFromKeepsAllowanceOnBalanceFailure(t *testing.T) {
	l := NewMemory()
	owner, spender := addr("owner"), addr("spender")
	_ = l.Mint(owner, big.NewInt(5))
	_ = l.Approve(owner, spender, big.NewInt(10))
	if err := l.TransferFrom(spender, owner, spender, big.NewInt(10)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected balance error, got %v", err)
	}
	if got := l.Allowance(owner, spender); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("allowance must be untouched, got %s", got)
	}
}

func TestRejectsInvalidAmounts(t *testing.T) {
	l := NewMemory()
	alice, bob := addr("alice"), addr("bob")
	for _, amount := range []*big.Int{nil, big.NewInt(0), big.NewInt(-1)} {
		if err := l.Transfer(alice, bob, amount); !errors.Is(err, loanererrors.ErrInvalidAmount) {
			t.Fatalf("expected invalid amount for %v, got %v", amount, err)
		}
	}
	if err := l.Mint(crypto.Address{}, big.NewInt(1)); !errors.Is(err, ErrZeroAddress) {
		t.Fatalf("expected zero address error, got %v", err)
	}
}

func TestSnapshotRestore(t *testing.T) {
	l := NewMemory()
	alice, bob := addr("alice"), addr("bob")
	_ = l.Mint(alice, big.NewInt(7))
	_ = l.Approve(alice, bob, big.NewInt(3))
	snap := l.Snapshot()

	_ = l.Transfer(alice, bob, big.NewInt(7))
	l.Restore(snap)
	if l.BalanceOf(alice).Cmp(big.NewInt(7)) != 0 || l.BalanceOf(bob).Sign() != 0 {
		t.Fatalf("restore did not roll balances back")
	}
	if l.Allowance(alice, bob).Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("restore did not roll allowances back")
	}
}
