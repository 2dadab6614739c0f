// Package community implements borrower admission, stake-backed loan review
// and loan routing for one lending community.
package community

import (
	"fmt"
	"math/big"
	"sort"
	"sync"

	loanererrors "loaner/core/errors"
	"loaner/core/events"
	"loaner/crypto"
	"loaner/native/common"
	"loaner/native/loan"
)

var (
	ErrNotManager       = fmt.Errorf("community: caller is not a manager: %w", loanererrors.ErrUnauthorized)
	ErrBorrowerNotValid = fmt.Errorf("community: borrower is not valid: %w", loanererrors.ErrInvalidBorrower)
	ErrUnknownBorrower  = fmt.Errorf("community: unknown borrower: %w", loanererrors.ErrNotFound)
	ErrForeignPool      = fmt.Errorf("community: loan is drawn on another pool: %w", loanererrors.ErrInvalidState)
	ErrUnknownLoan      = fmt.Errorf("community: loan was not submitted here: %w", loanererrors.ErrNotFound)
	ErrNotPending       = fmt.Errorf("community: loan is not pending: %w", loanererrors.ErrInvalidState)
	ErrOppositeVote     = fmt.Errorf("community: withdraw the opposite stake first: %w", loanererrors.ErrInvalidState)
	ErrStakeLocked      = fmt.Errorf("community: stake locked while the loan runs: %w", loanererrors.ErrStakeLocked)
	ErrStakeExceeded    = fmt.Errorf("community: withdrawal exceeds recorded stake: %w", loanererrors.ErrInsufficientFunds)
	ErrInvalidStake     = fmt.Errorf("community: stake must be positive: %w", loanererrors.ErrInvalidAmount)
	ErrLastManager      = fmt.Errorf("community: cannot remove the last manager: %w", loanererrors.ErrInvalidState)
	errNilLedger        = fmt.Errorf("community: ledger not configured")
)

type voteKey struct {
	loan    crypto.Address
	manager crypto.Address
}

// Community admits borrowers, routes their loans and runs stake-backed
// review. Staked funds sit in the community's own ledger account and are not
// part of pool accounting.
type Community struct {
	mu  sync.Mutex
	env *common.Env

	address crypto.Address
	pool    crypto.Address
	created int64
	policy  Policy

	managers  map[crypto.Address]struct{}
	borrowers map[crypto.Address]BorrowerState
	loans     []crypto.Address
	loanSet   map[crypto.Address]struct{}
	votes     map[voteKey]*Vote
	tallies   map[crypto.Address]*Tally
	stakeHeld *big.Int
}

// New creates a community with a single manager bound to pool.
func New(address, pool, manager crypto.Address, policy Policy, env *common.Env) (*Community, error) {
	if env == nil || env.Ledger == nil {
		return nil, errNilLedger
	}
	if address.IsZero() || pool.IsZero() || manager.IsZero() {
		return nil, fmt.Errorf("community: addresses required: %w", loanererrors.ErrInvalidAmount)
	}
	c := newCommunity(address, pool, policy, env)
	c.created = env.Now()
	c.managers[manager] = struct{}{}
	return c, nil
}

func newCommunity(address, pool crypto.Address, policy Policy, env *common.Env) *Community {
	return &Community{
		env:       env,
		address:   address,
		pool:      pool,
		policy:    policy.Normalize(),
		managers:  make(map[crypto.Address]struct{}),
		borrowers: make(map[crypto.Address]BorrowerState),
		loanSet:   make(map[crypto.Address]struct{}),
		votes:     make(map[voteKey]*Vote),
		tallies:   make(map[crypto.Address]*Tally),
		stakeHeld: big.NewInt(0),
	}
}

// Restore rebuilds a community from its durable record.
func Restore(snap Snapshot, env *common.Env) (*Community, error) {
	if env == nil || env.Ledger == nil {
		return nil, errNilLedger
	}
	if len(snap.Managers) == 0 {
		return nil, fmt.Errorf("community: record %s has no managers", snap.Address)
	}
	c := newCommunity(snap.Address, snap.Pool, snap.Policy, env)
	c.created = snap.CreatedAt
	c.stakeHeld = cloneBig(snap.StakeHeld)
	for _, m := range snap.Managers {
		c.managers[m] = struct{}{}
	}
	for _, b := range snap.Borrowers {
		c.borrowers[b.Borrower] = b.State
	}
	for _, l := range snap.Loans {
		if _, dup := c.loanSet[l]; dup {
			continue
		}
		c.loanSet[l] = struct{}{}
		c.loans = append(c.loans, l)
	}
	for _, v := range snap.Votes {
		c.votes[voteKey{loan: v.Loan, manager: v.Manager}] = &Vote{Approve: cloneBig(v.Approve), Reject: cloneBig(v.Reject)}
	}
	for _, t := range snap.Tallies {
		tally := t.Tally.clone()
		c.tallies[t.Loan] = &tally
	}
	return c, nil
}

func (c *Community) Address() crypto.Address { return c.address }
func (c *Community) Pool() crypto.Address    { return c.pool }

// AddBorrower admits borrower as Valid. Re-adding a Valid borrower is a no-op.
func (c *Community) AddBorrower(manager, borrower crypto.Address) error {
	return c.setBorrower(manager, borrower, BorrowerValid)
}

// LockBorrower suspends a borrower; locked borrowers cannot submit loans.
func (c *Community) LockBorrower(manager, borrower crypto.Address) error {
	return c.setBorrower(manager, borrower, BorrowerLocked)
}

// RemoveBorrower expels a borrower.
func (c *Community) RemoveBorrower(manager, borrower crypto.Address) error {
	return c.setBorrower(manager, borrower, BorrowerRemoved)
}

func (c *Community) setBorrower(manager, borrower crypto.Address, state BorrowerState) error {
	release := c.env.Enter()
	defer release()
	if err := c.env.Guard(common.ModuleCommunity); err != nil {
		return err
	}
	if borrower.IsZero() {
		return fmt.Errorf("community: borrower address required: %w", loanererrors.ErrInvalidBorrower)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isManager(manager) {
		return ErrNotManager
	}
	current := c.borrowers[borrower]
	if current == state {
		return nil
	}
	if state != BorrowerValid && current == BorrowerNone {
		return ErrUnknownBorrower
	}
	c.borrowers[borrower] = state
	eventType := EventTypeBorrowerAdded
	switch state {
	case BorrowerLocked:
		eventType = EventTypeBorrowerLocked
	case BorrowerRemoved:
		eventType = EventTypeBorrowerRemoved
	}
	c.env.Emit(c.event(eventType, manager, map[string]string{"borrower": borrower.String()}))
	return nil
}

// AddManager grants manager rights to candidate.
func (c *Community) AddManager(manager, candidate crypto.Address) error {
	release := c.env.Enter()
	defer release()
	if err := c.env.Guard(common.ModuleCommunity); err != nil {
		return err
	}
	if candidate.IsZero() {
		return fmt.Errorf("community: manager address required: %w", loanererrors.ErrInvalidAmount)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isManager(manager) {
		return ErrNotManager
	}
	if c.isManager(candidate) {
		return nil
	}
	c.managers[candidate] = struct{}{}
	c.env.Emit(c.event(EventTypeManagerAdded, manager, map[string]string{"manager": candidate.String()}))
	return nil
}

// RemoveManager revokes target's manager rights. Stakes target already posted
// stay withdrawable by target.
func (c *Community) RemoveManager(manager, target crypto.Address) error {
	release := c.env.Enter()
	defer release()
	if err := c.env.Guard(common.ModuleCommunity); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isManager(manager) {
		return ErrNotManager
	}
	if !c.isManager(target) {
		return fmt.Errorf("community: %s is not a manager: %w", target, loanererrors.ErrNotFound)
	}
	if len(c.managers) == 1 {
		return ErrLastManager
	}
	delete(c.managers, target)
	c.env.Emit(c.event(EventTypeManagerRemoved, manager, map[string]string{"manager": target.String()}))
	return nil
}

// Submit puts a borrower's loan up for review.
func (c *Community) Submit(borrower crypto.Address, l *loan.Loan) error {
	release := c.env.Enter()
	defer release()
	if err := c.env.Guard(common.ModuleCommunity); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.borrowers[borrower] != BorrowerValid {
		return fmt.Errorf("%w: %s is %s", ErrBorrowerNotValid, borrower, c.borrowers[borrower])
	}
	if l.Pool() != c.pool {
		return ErrForeignPool
	}
	if err := l.Submit(c.address, borrower); err != nil {
		return fmt.Errorf("community: submit: %w", err)
	}
	c.loanSet[l.Address()] = struct{}{}
	c.loans = append(c.loans, l.Address())
	c.tallies[l.Address()] = &Tally{Approve: big.NewInt(0), Reject: big.NewInt(0)}
	c.env.Emit(c.event(EventTypeLoanSubmitted, borrower, map[string]string{
		"loan":   l.Address().String(),
		"amount": events.FormatAmount(l.Amount()),
	}))
	return nil
}

// Approve stakes on a pending loan. The manager must have approved the
// community address as spender for stake. Reaching the approval quorum moves
// the loan to Running.
func (c *Community) Approve(manager crypto.Address, l *loan.Loan, stake *big.Int) error {
	return c.vote(manager, l, stake, true)
}

// Reject stakes against a pending loan. Reaching the rejection quorum
// retracts the loan.
func (c *Community) Reject(manager crypto.Address, l *loan.Loan, stake *big.Int) error {
	return c.vote(manager, l, stake, false)
}

func (c *Community) vote(manager crypto.Address, l *loan.Loan, stake *big.Int, approve bool) error {
	release := c.env.Enter()
	defer release()
	if err := c.env.Guard(common.ModuleCommunity); err != nil {
		return err
	}
	if stake == nil || stake.Sign() <= 0 {
		return ErrInvalidStake
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isManager(manager) {
		return ErrNotManager
	}
	loanAddr := l.Address()
	if _, ok := c.loanSet[loanAddr]; !ok {
		return ErrUnknownLoan
	}
	key := voteKey{loan: loanAddr, manager: manager}
	current := c.voteFor(key)
	if (approve && current.Reject.Sign() > 0) || (!approve && current.Approve.Sign() > 0) {
		return ErrOppositeVote
	}

	var outcome loan.Status
	err := l.Review(c.address, func(status loan.Status) (loan.Status, error) {
		if status != loan.StatusPending {
			return status, fmt.Errorf("%w: status %s", ErrNotPending, status)
		}
		if err := c.env.Ledger.TransferFrom(c.address, manager, c.address, stake); err != nil {
			return status, fmt.Errorf("community: stake: %w", err)
		}
		tally := c.tallyFor(loanAddr)
		next := current
		if approve {
			if next.Approve.Sign() == 0 {
				tally.Approvers++
			}
			next.Approve = new(big.Int).Add(next.Approve, stake)
			tally.Approve = new(big.Int).Add(tally.Approve, stake)
		} else {
			if next.Reject.Sign() == 0 {
				tally.Rejectors++
			}
			next.Reject = new(big.Int).Add(next.Reject, stake)
			tally.Reject = new(big.Int).Add(tally.Reject, stake)
		}
		c.votes[key] = &next
		c.tallies[loanAddr] = &tally
		c.stakeHeld = new(big.Int).Add(c.stakeHeld, stake)
		outcome = c.outcome(tally)
		return outcome, nil
	})
	if err != nil {
		return err
	}
	eventType := EventTypeVoteApprove
	if !approve {
		eventType = EventTypeVoteReject
	}
	c.env.Emit(c.event(eventType, manager, map[string]string{
		"loan":   loanAddr.String(),
		"stake":  stake.String(),
		"status": outcome.String(),
	}))
	return nil
}

// outcome applies the quorum rule; approval is checked first.
func (c *Community) outcome(t Tally) loan.Status {
	if t.Approve.Cmp(c.policy.ApprovalThreshold) >= 0 && t.Approvers >= c.policy.MinApprovals {
		return loan.StatusRunning
	}
	if t.Reject.Cmp(c.policy.RejectionThreshold) >= 0 && t.Rejectors >= c.policy.MinRejections {
		return loan.StatusRetracted
	}
	return loan.StatusPending
}

// Withdraw returns up to the manager's own stake on a loan. Stake is free
// while the loan is still pending, which is how a manager changes sides, and
// once the loan is retracted, settled or defaulted. A running loan locks it.
func (c *Community) Withdraw(manager crypto.Address, l *loan.Loan, stake *big.Int) error {
	release := c.env.Enter()
	defer release()
	if err := c.env.Guard(common.ModuleCommunity); err != nil {
		return err
	}
	if stake == nil || stake.Sign() <= 0 {
		return ErrInvalidStake
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	loanAddr := l.Address()
	if _, ok := c.loanSet[loanAddr]; !ok {
		return ErrUnknownLoan
	}
	key := voteKey{loan: loanAddr, manager: manager}
	current := c.voteFor(key)
	held := current.Approve
	approveSide := true
	if current.Reject.Sign() > 0 {
		held = current.Reject
		approveSide = false
	}
	if held.Cmp(stake) < 0 {
		return fmt.Errorf("%w: holds %s", ErrStakeExceeded, held)
	}

	err := l.Review(c.address, func(status loan.Status) (loan.Status, error) {
		if status == loan.StatusRunning {
			return status, ErrStakeLocked
		}
		if err := c.env.Ledger.Transfer(c.address, manager, stake); err != nil {
			return status, fmt.Errorf("community: release stake: %w", err)
		}
		remaining := new(big.Int).Sub(held, stake)
		next := Vote{Approve: big.NewInt(0), Reject: big.NewInt(0)}
		if approveSide {
			next.Approve = remaining
		} else {
			next.Reject = remaining
		}
		if next.empty() {
			delete(c.votes, key)
		} else {
			c.votes[key] = &next
		}
		if status == loan.StatusPending {
			tally := c.tallyFor(loanAddr)
			if approveSide {
				tally.Approve = new(big.Int).Sub(tally.Approve, stake)
				if remaining.Sign() == 0 {
					tally.Approvers--
				}
			} else {
				tally.Reject = new(big.Int).Sub(tally.Reject, stake)
				if remaining.Sign() == 0 {
					tally.Rejectors--
				}
			}
			c.tallies[loanAddr] = &tally
		}
		c.stakeHeld = new(big.Int).Sub(c.stakeHeld, stake)
		return status, nil
	})
	if err != nil {
		return err
	}
	c.env.Emit(c.event(EventTypeStakeWithdrawn, manager, map[string]string{
		"loan":  loanAddr.String(),
		"stake": stake.String(),
	}))
	return nil
}

// BorrowerState returns a borrower's standing.
func (c *Community) BorrowerState(borrower crypto.Address) BorrowerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.borrowers[borrower]
}

// IsManager reports whether addr is a manager.
func (c *Community) IsManager(addr crypto.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isManager(addr)
}

// Managers lists the managers in address order.
func (c *Community) Managers() []crypto.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.managerList()
}

// Loans lists submitted loans in submission order.
func (c *Community) Loans() []crypto.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]crypto.Address(nil), c.loans...)
}

// Vote returns a manager's stake on a loan.
func (c *Community) Vote(loanAddr, manager crypto.Address) Vote {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voteFor(voteKey{loan: loanAddr, manager: manager})
}

// Tally returns the aggregate stake on a loan.
func (c *Community) Tally(loanAddr crypto.Address) (Tally, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.loanSet[loanAddr]; !ok {
		return Tally{}, ErrUnknownLoan
	}
	return c.tallyFor(loanAddr), nil
}

// StakeHeld returns the total stake escrowed by the community.
func (c *Community) StakeHeld() *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.stakeHeld)
}

// View returns the community query surface.
func (c *Community) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return View{
		Address:   c.address,
		Pool:      c.pool,
		Policy:    c.policy.Normalize(),
		Managers:  c.managerList(),
		Borrowers: len(c.borrowers),
		Loans:     append([]crypto.Address(nil), c.loans...),
		StakeHeld: new(big.Int).Set(c.stakeHeld),
	}
}

// Audit checks that the recorded votes add up to the escrowed stake and that
// the ledger holds it.
func (c *Community) Audit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := big.NewInt(0)
	for key, v := range c.votes {
		if v.Approve.Sign() > 0 && v.Reject.Sign() > 0 {
			return fmt.Errorf("community: %s holds both sides on %s: %w", key.manager, key.loan, loanererrors.ErrInvalidState)
		}
		total.Add(total, v.Approve)
		total.Add(total, v.Reject)
	}
	if total.Cmp(c.stakeHeld) != 0 {
		return fmt.Errorf("community: votes sum to %s, escrow records %s: %w", total, c.stakeHeld, loanererrors.ErrInvalidState)
	}
	if bal := c.env.Ledger.BalanceOf(c.address); bal.Cmp(c.stakeHeld) < 0 {
		return fmt.Errorf("community: ledger holds %s, escrow records %s: %w", bal, c.stakeHeld, loanererrors.ErrInvalidState)
	}
	return nil
}

// Snapshot returns the durable record.
func (c *Community) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		Address:   c.address,
		Pool:      c.pool,
		CreatedAt: c.created,
		Policy:    c.policy.Normalize(),
		Managers:  c.managerList(),
		Loans:     append([]crypto.Address(nil), c.loans...),
		StakeHeld: new(big.Int).Set(c.stakeHeld),
	}
	for borrower, state := range c.borrowers {
		snap.Borrowers = append(snap.Borrowers, BorrowerRecord{Borrower: borrower, State: state})
	}
	sort.Slice(snap.Borrowers, func(i, j int) bool {
		return snap.Borrowers[i].Borrower.String() < snap.Borrowers[j].Borrower.String()
	})
	for key, v := range c.votes {
		snap.Votes = append(snap.Votes, VoteRecord{Loan: key.loan, Manager: key.manager, Vote: Vote{Approve: cloneBig(v.Approve), Reject: cloneBig(v.Reject)}})
	}
	sort.Slice(snap.Votes, func(i, j int) bool {
		a, b := snap.Votes[i], snap.Votes[j]
		if a.Loan != b.Loan {
			return a.Loan.String() < b.Loan.String()
		}
		return a.Manager.String() < b.Manager.String()
	})
	for _, addr := range c.loans {
		snap.Tallies = append(snap.Tallies, TallyRecord{Loan: addr, Tally: c.tallyFor(addr)})
	}
	return snap
}

func (c *Community) isManager(addr crypto.Address) bool {
	_, ok := c.managers[addr]
	return ok
}

func (c *Community) managerList() []crypto.Address {
	out := make([]crypto.Address, 0, len(c.managers))
	for m := range c.managers {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (c *Community) voteFor(key voteKey) Vote {
	if v, ok := c.votes[key]; ok {
		return Vote{Approve: cloneBig(v.Approve), Reject: cloneBig(v.Reject)}
	}
	return Vote{Approve: big.NewInt(0), Reject: big.NewInt(0)}
}

func (c *Community) tallyFor(loanAddr crypto.Address) Tally {
	if t, ok := c.tallies[loanAddr]; ok {
		return t.clone()
	}
	return Tally{Approve: big.NewInt(0), Reject: big.NewInt(0)}
}
