// Package loan implements the lifecycle of a single loan: funding by its pool,
// withdrawal and repayment by the borrower, closing, reclaim and default.
package loan

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	loanererrors "loaner/core/errors"
	"loaner/crypto"
	"loaner/native/common"
	"loaner/native/fixedpoint"
)

var (
	errNilLedger = errors.New("loan: ledger not configured")

	ErrNotBorrower      = fmt.Errorf("loan: caller is not the borrower: %w", loanererrors.ErrUnauthorized)
	ErrWrongPool        = fmt.Errorf("loan: caller is not the funding pool: %w", loanererrors.ErrUnauthorized)
	ErrWrongCommunity   = fmt.Errorf("loan: caller is not the reviewing community: %w", loanererrors.ErrUnauthorized)
	ErrBorrowerMismatch = fmt.Errorf("loan: borrower mismatch: %w", loanererrors.ErrInvalidBorrower)
	ErrInvalidTerms     = fmt.Errorf("loan: invalid terms: %w", loanererrors.ErrInvalidAmount)
	ErrInvalidAmount    = fmt.Errorf("loan: invalid amount: %w", loanererrors.ErrInvalidAmount)
	ErrAlreadyRepaid    = fmt.Errorf("loan: debt already covered: %w", loanererrors.ErrInvalidState)
	ErrAlreadyReclaimed = fmt.Errorf("loan: already reclaimed: %w", loanererrors.ErrInvalidState)
)

func invalidState(op string, l *Loan) error {
	return fmt.Errorf("loan: %s not allowed in %s/%s: %w", op, l.status, l.internal, loanererrors.ErrInvalidState)
}

// Loan is one loan's record and state machine. Every method locks the loan;
// pools and communities call the hand-off methods (Submit, Review, Fund,
// Release, WriteOff) while holding their own lock, never the reverse.
type Loan struct {
	mu  sync.Mutex
	env *common.Env

	address  crypto.Address
	borrower crypto.Address
	pool     crypto.Address
	amount   *big.Int
	apy      uint64
	term     uint64
	created  int64

	community crypto.Address
	start     int64
	status    Status
	internal  InternalStatus
	balance   *big.Int
	repaidAt  int64
	repaid    bool
	reclaimed bool
}

// New creates a loan in Void/Awaiting. No funds move.
func New(address crypto.Address, terms Terms, env *common.Env) (*Loan, error) {
	if env == nil || env.Ledger == nil {
		return nil, errNilLedger
	}
	if address.IsZero() || terms.Borrower.IsZero() || terms.Pool.IsZero() {
		return nil, fmt.Errorf("%w: addresses required", ErrInvalidTerms)
	}
	if terms.Amount == nil || terms.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidTerms)
	}
	if terms.Term == 0 || terms.Term > fixedpoint.MaxDays*fixedpoint.SecondsPerDay {
		return nil, fmt.Errorf("%w: term %d out of range", ErrInvalidTerms, terms.Term)
	}
	l := &Loan{
		env:      env,
		address:  address,
		borrower: terms.Borrower,
		pool:     terms.Pool,
		amount:   new(big.Int).Set(terms.Amount),
		apy:      terms.APY,
		term:     terms.Term,
		created:  env.Now(),
		balance:  big.NewInt(0),
	}
	env.Emit(newEvent(EventTypeCreated, l, nil))
	return l, nil
}

// Restore rebuilds a loan from its durable record.
func Restore(snap Snapshot, env *common.Env) (*Loan, error) {
	if env == nil || env.Ledger == nil {
		return nil, errNilLedger
	}
	if !snap.Status.Valid() || !snap.Internal.Valid() {
		return nil, fmt.Errorf("loan: corrupt record for %s", snap.Address)
	}
	if snap.Amount == nil || snap.Amount.Sign() <= 0 || snap.Term == 0 {
		return nil, fmt.Errorf("%w: record %s", ErrInvalidTerms, snap.Address)
	}
	return &Loan{
		env:       env,
		address:   snap.Address,
		borrower:  snap.Borrower,
		pool:      snap.Pool,
		amount:    cloneBig(snap.Amount),
		apy:       snap.APY,
		term:      snap.Term,
		created:   snap.CreatedAt,
		community: snap.Community,
		start:     snap.Start,
		status:    snap.Status,
		internal:  snap.Internal,
		balance:   cloneBig(snap.Balance),
		repaidAt:  snap.RepaidAt,
		repaid:    snap.Repaid || snap.RepaidAt != 0,
		reclaimed: snap.Reclaimed,
	}, nil
}

func (l *Loan) Address() crypto.Address  { return l.address }
func (l *Loan) Borrower() crypto.Address { return l.borrower }
func (l *Loan) Pool() crypto.Address     { return l.pool }
func (l *Loan) Amount() *big.Int         { return new(big.Int).Set(l.amount) }
func (l *Loan) APY() uint64              { return l.apy }
func (l *Loan) Term() uint64             { return l.term }

// Community returns the community the loan was submitted to, if any.
func (l *Loan) Community() crypto.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.community
}

// Status returns the community-facing status after applying any due default.
func (l *Loan) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refresh()
	return l.status
}

// Snapshot returns the durable record without deriving defaults, so that a
// snapshot taken under the barrier never mutates state.
func (l *Loan) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// View returns the query surface. A loan past its term with an uncovered debt
// is marked Defaulted first.
func (l *Loan) View() (View, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refresh()
	debt, err := l.debtAt(l.env.Now())
	if err != nil {
		return View{}, err
	}
	daysLeft := l.term / fixedpoint.SecondsPerDay
	if l.funded() {
		daysLeft = fixedpoint.DaysLeft(l.env.Now(), l.start, l.term)
	}
	return View{
		Snapshot: l.snapshotLocked(),
		Debt:     debt,
		DaysLeft: daysLeft,
	}, nil
}

// Debt returns principal plus interest accrued so far. Accrual stops at the
// end of the term and freezes once repayments cover the debt.
func (l *Loan) Debt() (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debtAt(l.env.Now())
}

// Submit binds the loan to community for review. The community has already
// checked the borrower's standing.
func (l *Loan) Submit(community, borrower crypto.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if borrower != l.borrower {
		return ErrBorrowerMismatch
	}
	if l.status != StatusVoid || l.internal != InternalAwaiting {
		return invalidState("submit", l)
	}
	l.community = community
	l.status = StatusPending
	l.env.Emit(newEvent(EventTypeSubmitted, l, nil))
	return nil
}

// Review runs fn with the loan locked on behalf of the community it was
// submitted to. fn sees the current status and returns the status to move to;
// only Pending may move, to Running or Retracted. An error from fn aborts with
// no change.
func (l *Loan) Review(community crypto.Address, fn func(Status) (Status, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.community.IsZero() || community != l.community {
		return ErrWrongCommunity
	}
	l.refresh()
	current := l.status
	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == current {
		return nil
	}
	if current != StatusPending || (next != StatusRunning && next != StatusRetracted) {
		return fmt.Errorf("loan: review cannot move %s to %s: %w", current, next, loanererrors.ErrInvalidState)
	}
	l.status = next
	eventType := EventTypeApproved
	if next == StatusRetracted {
		eventType = EventTypeRetracted
	}
	l.env.Emit(newEvent(eventType, l, nil))
	return nil
}

// Fund moves the loan from Awaiting to Funded on behalf of its pool. transfer
// performs the ledger movement of the principal into the loan account; if it
// fails nothing changes.
func (l *Loan) Fund(pool crypto.Address, transfer func(amount *big.Int) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pool != l.pool {
		return ErrWrongPool
	}
	if l.status != StatusRunning || l.internal != InternalAwaiting {
		return invalidState("fund", l)
	}
	if err := transfer(new(big.Int).Set(l.amount)); err != nil {
		return err
	}
	l.start = l.env.Now()
	l.balance = new(big.Int).Set(l.amount)
	l.internal = InternalFunded
	l.env.Emit(newEvent(EventTypeFunded, l, nil))
	return nil
}

// Withdraw pays the whole loan balance to beneficiary. Only the borrower may
// call it. It is allowed once funded, and again while repayments sit in the
// loan before the debt is covered.
func (l *Loan) Withdraw(caller, beneficiary crypto.Address) (*big.Int, error) {
	release := l.env.Enter()
	defer release()
	if err := l.env.Guard(common.ModuleLoan); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if caller != l.borrower {
		return nil, ErrNotBorrower
	}
	if beneficiary.IsZero() {
		beneficiary = caller
	}
	l.refresh()
	switch {
	case l.internal == InternalFunded:
	case l.internal == InternalWithdrawn && !l.repaid && l.balance.Sign() > 0:
	default:
		return nil, invalidState("withdraw", l)
	}
	amount := new(big.Int).Set(l.balance)
	if err := l.env.Ledger.Transfer(l.address, beneficiary, amount); err != nil {
		return nil, fmt.Errorf("loan: withdraw: %w", err)
	}
	l.balance = big.NewInt(0)
	l.internal = InternalWithdrawn
	l.env.Emit(newEvent(EventTypeWithdrawn, l, map[string]string{
		"beneficiary": beneficiary.String(),
		"amount":      amount.String(),
	}))
	return amount, nil
}

// Repay pulls up to amount from payer into the loan, never more than the
// outstanding debt. The payer must have approved the loan address as spender.
// It returns the amount actually pulled.
func (l *Loan) Repay(payer crypto.Address, amount *big.Int) (*big.Int, error) {
	release := l.env.Enter()
	defer release()
	if err := l.env.Guard(common.ModuleLoan); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refresh()
	if l.internal != InternalWithdrawn {
		return nil, invalidState("repay", l)
	}
	if l.repaid {
		return nil, ErrAlreadyRepaid
	}
	now := l.env.Now()
	debt, err := l.debtAt(now)
	if err != nil {
		return nil, err
	}
	due := new(big.Int).Sub(debt, l.balance)
	if due.Sign() <= 0 {
		l.repaidAt = now
		l.repaid = true
		return big.NewInt(0), nil
	}
	pull := new(big.Int).Set(amount)
	if pull.Cmp(due) > 0 {
		pull.Set(due)
	}
	if err := l.env.Ledger.TransferFrom(l.address, payer, l.address, pull); err != nil {
		return nil, fmt.Errorf("loan: repay: %w", err)
	}
	l.balance = new(big.Int).Add(l.balance, pull)
	if l.balance.Cmp(debt) >= 0 {
		l.repaidAt = now
		l.repaid = true
	}
	l.env.Emit(newEvent(EventTypeRepaid, l, map[string]string{
		"payer":  payer.String(),
		"amount": pull.String(),
		"debt":   debt.String(),
	}))
	return pull, nil
}

// Close settles a loan whose balance covers its debt. Any caller may close; a
// settled loan is left untouched.
func (l *Loan) Close() error {
	release := l.env.Enter()
	defer release()
	if err := l.env.Guard(common.ModuleLoan); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.internal == InternalSettled {
		return nil
	}
	l.refresh()
	if l.internal != InternalWithdrawn || !l.repaid {
		return invalidState("close", l)
	}
	debt, err := l.debtAt(l.env.Now())
	if err != nil {
		return err
	}
	if l.balance.Cmp(debt) < 0 {
		return invalidState("close", l)
	}
	l.internal = InternalSettled
	l.status = StatusSettled
	l.env.Emit(newEvent(EventTypeSettled, l, nil))
	return nil
}

// Release hands a settled loan's balance back to its pool. transfer moves the
// balance out of the loan account; it is skipped for an empty balance.
func (l *Loan) Release(pool crypto.Address, transfer func(balance *big.Int) error) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pool != l.pool {
		return nil, ErrWrongPool
	}
	if l.internal != InternalSettled {
		return nil, fmt.Errorf("loan: reclaim %s in %s: %w", l.address, l.internal, loanererrors.ErrLoanNotSettled)
	}
	return l.drain(EventTypeReclaimed, transfer)
}

// WriteOff hands whatever a defaulted loan still holds back to its pool.
func (l *Loan) WriteOff(pool crypto.Address, transfer func(balance *big.Int) error) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pool != l.pool {
		return nil, ErrWrongPool
	}
	l.refresh()
	if l.internal != InternalDefaulted {
		return nil, invalidState("write off", l)
	}
	return l.drain(EventTypeWrittenOff, transfer)
}

func (l *Loan) drain(eventType string, transfer func(*big.Int) error) (*big.Int, error) {
	if l.reclaimed {
		return nil, ErrAlreadyReclaimed
	}
	amount := new(big.Int).Set(l.balance)
	if amount.Sign() > 0 {
		if err := transfer(new(big.Int).Set(amount)); err != nil {
			return nil, err
		}
	}
	l.balance = big.NewInt(0)
	l.reclaimed = true
	l.env.Emit(newEvent(eventType, l, map[string]string{"amount": amount.String()}))
	return amount, nil
}

// refresh marks a loan Defaulted when its term has run out with the debt
// uncovered. No funds move.
func (l *Loan) refresh() {
	if l.internal != InternalFunded && l.internal != InternalWithdrawn {
		return
	}
	if l.repaid {
		return
	}
	now := l.env.Now()
	if now <= l.start+int64(l.term) {
		return
	}
	debt, err := l.debtAt(now)
	if err != nil || l.balance.Cmp(debt) >= 0 {
		return
	}
	l.internal = InternalDefaulted
	l.status = StatusDefaulted
	l.env.Emit(newEvent(EventTypeDefaulted, l, map[string]string{"debt": debt.String()}))
}

// funded reports whether the principal has been disbursed, which fixes start.
func (l *Loan) funded() bool {
	return l.internal != InternalAwaiting
}

func (l *Loan) debtAt(now int64) (*big.Int, error) {
	if !l.funded() {
		return new(big.Int).Set(l.amount), nil
	}
	until := now
	if l.repaid {
		until = l.repaidAt
	}
	var elapsed uint64
	if until > l.start {
		elapsed = uint64(until - l.start)
	}
	debt, err := fixedpoint.Debt(l.amount, l.apy, elapsed, l.term)
	if err != nil {
		return nil, fmt.Errorf("loan: debt: %w", err)
	}
	return debt, nil
}

func (l *Loan) snapshotLocked() Snapshot {
	return Snapshot{
		Address:   l.address,
		Borrower:  l.borrower,
		Pool:      l.pool,
		Community: l.community,
		Amount:    new(big.Int).Set(l.amount),
		APY:       l.apy,
		Term:      l.term,
		CreatedAt: l.created,
		Start:     l.start,
		Status:    l.status,
		Internal:  l.internal,
		Balance:   new(big.Int).Set(l.balance),
		RepaidAt:  l.repaidAt,
		Repaid:    l.repaid,
		Reclaimed: l.reclaimed,
	}
}
