package loan

import (
	"errors"
	"math/big"
	"testing"

	loanererrors "loaner/core/errors"
	"loaner/core/events"
	"loaner/crypto"
	"loaner/native/common"
	"loaner/native/fixedpoint"
	"loaner/native/ledger"
)

type recordingEmitter struct {
	types []string
}

func (r *recordingEmitter) Emit(evt events.Event) { r.types = append(r.types, evt.EventType()) }

type harness struct {
	t         *testing.T
	now       int64
	ledger    *ledger.Memory
	env       *common.Env
	emitter   *recordingEmitter
	borrower  crypto.Address
	pool      crypto.Address
	community crypto.Address
	loan      *Loan
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		now:       1_700_000_000,
		ledger:    ledger.NewMemory(),
		emitter:   &recordingEmitter{},
		borrower:  crypto.NamedAddress("loan-test/borrower"),
		pool:      crypto.NamedAddress("loan-test/pool"),
		community: crypto.NamedAddress("loan-test/community"),
	}
	h.env = &common.Env{Ledger: h.ledger, Emitter: h.emitter, NowFn: func() int64 { return h.now }}
	l, err := New(crypto.NamedAddress("loan-test/loan"), Terms{
		Borrower: h.borrower,
		Pool:     h.pool,
		Amount:   fixedpoint.Units(1000),
		APY:      1000,
		Term:     fixedpoint.MustDays(30),
	}, h.env)
	if err != nil {
		t.Fatalf("new loan: %v", err)
	}
	h.loan = l
	return h
}

func (h *harness) approve() {
	h.t.Helper()
	if err := h.loan.Submit(h.community, h.borrower); err != nil {
		h.t.Fatalf("submit: %v", err)
	}
	err := h.loan.Review(h.community, func(Status) (Status, error) { return StatusRunning, nil })
	if err != nil {
		h.t.Fatalf("review: %v", err)
	}
}

func (h *harness) fund() {
	h.t.Helper()
	h.approve()
	if err := h.ledger.Mint(h.pool, fixedpoint.Units(1000)); err != nil {
		h.t.Fatalf("mint: %v", err)
	}
	err := h.loan.Fund(h.pool, func(amount *big.Int) error {
		return h.ledger.Transfer(h.pool, h.loan.Address(), amount)
	})
	if err != nil {
		h.t.Fatalf("fund: %v", err)
	}
}

func (h *harness) withdraw() {
	h.t.Helper()
	h.fund()
	if _, err := h.loan.Withdraw(h.borrower, crypto.Address{}); err != nil {
		h.t.Fatalf("withdraw: %v", err)
	}
}

func (h *harness) repay(amount *big.Int) *big.Int {
	h.t.Helper()
	if h.ledger.BalanceOf(h.borrower).Cmp(amount) < 0 {
		_ = h.ledger.Mint(h.borrower, new(big.Int).Sub(amount, h.ledger.BalanceOf(h.borrower)))
	}
	if err := h.ledger.Approve(h.borrower, h.loan.Address(), amount); err != nil {
		h.t.Fatalf("approve: %v", err)
	}
	pulled, err := h.loan.Repay(h.borrower, amount)
	if err != nil {
		h.t.Fatalf("repay: %v", err)
	}
	return pulled
}

func TestNewRejectsInvalidTerms(t *testing.T) {
	env := &common.Env{Ledger: ledger.NewMemory()}
	base := Terms{
		Borrower: crypto.NamedAddress("b"),
		Pool:     crypto.NamedAddress("p"),
		Amount:   big.NewInt(1),
		Term:     1,
	}
	zeroAmount := base
	zeroAmount.Amount = big.NewInt(0)
	zeroTerm := base
	zeroTerm.Term = 0
	hugeTerm := base
	hugeTerm.Term = ^uint64(0)
	for name, terms := range map[string]Terms{"amount": zeroAmount, "term": zeroTerm, "huge term": hugeTerm} {
		if _, err := New(crypto.NamedAddress("l"), terms, env); !errors.Is(err, loanererrors.ErrInvalidAmount) {
			t.Fatalf("%s: expected invalid terms, got %v", name, err)
		}
	}
	if _, err := New(crypto.NamedAddress("l"), base, &common.Env{}); err == nil {
		t.Fatalf("expected error without ledger")
	}
}

func TestSubmitChecksBorrowerAndState(t *testing.T) {
	h := newHarness(t)
	if err := h.loan.Submit(h.community, crypto.NamedAddress("loan-test/other")); !errors.Is(err, loanererrors.ErrInvalidBorrower) {
		t.Fatalf("expected invalid borrower, got %v", err)
	}
	if err := h.loan.Submit(h.community, h.borrower); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.loan.Submit(h.community, h.borrower); !errors.Is(err, loanererrors.ErrInvalidState) {
		t.Fatalf("expected invalid state on resubmit, got %v", err)
	}
	if h.loan.Status() != StatusPending || h.loan.Community() != h.community {
		t.Fatalf("unexpected loan after submit: %s %s", h.loan.Status(), h.loan.Community())
	}
}

func TestReviewOnlyByBoundCommunity(t *testing.T) {
	h := newHarness(t)
	if err := h.loan.Submit(h.community, h.borrower); err != nil {
		t.Fatalf("submit: %v", err)
	}
	err := h.loan.Review(crypto.NamedAddress("loan-test/intruder"), func(Status) (Status, error) { return StatusRunning, nil })
	if !errors.Is(err, loanererrors.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := h.loan.Review(h.community, func(Status) (Status, error) { return StatusRetracted, nil }); err != nil {
		t.Fatalf("retract: %v", err)
	}
	err = h.loan.Review(h.community, func(Status) (Status, error) { return StatusRunning, nil })
	if !errors.Is(err, loanererrors.ErrInvalidState) {
		t.Fatalf("retracted loans must not be approved, got %v", err)
	}
}

func TestFundTransitionsOnceAndIsAtomic(t *testing.T) {
	h := newHarness(t)
	h.approve()
	transferErr := errors.New("ledger down")
	err := h.loan.Fund(h.pool, func(*big.Int) error { return transferErr })
	if !errors.Is(err, transferErr) {
		t.Fatalf("expected transfer error, got %v", err)
	}
	if snap := h.loan.Snapshot(); snap.Internal != InternalAwaiting || snap.Start != 0 || snap.Balance.Sign() != 0 {
		t.Fatalf("failed funding must not change the loan: %+v", snap)
	}

	_ = h.ledger.Mint(h.pool, fixedpoint.Units(1000))
	fund := func(amount *big.Int) error { return h.ledger.Transfer(h.pool, h.loan.Address(), amount) }
	if err := h.loan.Fund(crypto.NamedAddress("loan-test/other-pool"), fund); !errors.Is(err, ErrWrongPool) {
		t.Fatalf("expected wrong pool, got %v", err)
	}
	if err := h.loan.Fund(h.pool, fund); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := h.loan.Fund(h.pool, fund); !errors.Is(err, loanererrors.ErrInvalidState) {
		t.Fatalf("second fund must fail with invalid state, got %v", err)
	}
	snap := h.loan.Snapshot()
	if snap.Internal != InternalFunded || snap.Start != h.now || snap.Balance.Cmp(fixedpoint.Units(1000)) != 0 {
		t.Fatalf("unexpected funded loan: %+v", snap)
	}
}

func TestFundRequiresRunning(t *testing.T) {
	h := newHarness(t)
	err := h.loan.Fund(h.pool, func(*big.Int) error { return nil })
	if !errors.Is(err, loanererrors.ErrInvalidState) {
		t.Fatalf("expected invalid state for void loan, got %v", err)
	}
}

func TestWithdrawOnlyBorrower(t *testing.T) {
	h := newHarness(t)
	h.fund()
	if _, err := h.loan.Withdraw(crypto.NamedAddress("loan-test/thief"), crypto.Address{}); !errors.Is(err, loanererrors.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	beneficiary := crypto.NamedAddress("loan-test/beneficiary")
	amount, err := h.loan.Withdraw(h.borrower, beneficiary)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if amount.Cmp(fixedpoint.Units(1000)) != 0 || h.ledger.BalanceOf(beneficiary).Cmp(amount) != 0 {
		t.Fatalf("beneficiary did not receive the balance")
	}
	snap := h.loan.Snapshot()
	if snap.Balance.Sign() != 0 || snap.Internal != InternalWithdrawn {
		t.Fatalf("unexpected loan after withdraw: %+v", snap)
	}
	if _, err := h.loan.Withdraw(h.borrower, beneficiary); !errors.Is(err, loanererrors.ErrInvalidState) {
		t.Fatalf("empty loan withdraw must fail, got %v", err)
	}
}

func TestRepayCloseSettles(t *testing.T) {
	h := newHarness(t)
	h.withdraw()
	h.now += int64(fixedpoint.MustDays(30))

	debt, err := h.loan.Debt()
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	if got := fixedpoint.FormatAmount(debt); got != "1008.219178082191780821" {
		t.Fatalf("unexpected debt %s", got)
	}
	if err := h.loan.Close(); !errors.Is(err, loanererrors.ErrInvalidState) {
		t.Fatalf("close before repayment must fail, got %v", err)
	}

	repayment, _ := fixedpoint.ParseAmount("1008.22")
	pulled := h.repay(repayment)
	if pulled.Cmp(debt) != 0 {
		t.Fatalf("repay should pull exactly the debt, pulled %s", pulled)
	}
	if left := h.ledger.BalanceOf(h.borrower); left.Sign() <= 0 {
		t.Fatalf("overpayment must stay with the payer")
	}

	h.now += int64(fixedpoint.MustDays(60))
	frozen, _ := h.loan.Debt()
	if frozen.Cmp(debt) != 0 {
		t.Fatalf("debt must freeze once covered: %s vs %s", frozen, debt)
	}
	if err := h.loan.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	before := h.loan.Snapshot()
	if before.Internal != InternalSettled || before.Status != StatusSettled {
		t.Fatalf("expected settled loan, got %+v", before)
	}
	emitted := len(h.emitter.types)
	if err := h.loan.Close(); err != nil {
		t.Fatalf("close must be idempotent, got %v", err)
	}
	after := h.loan.Snapshot()
	if after.Balance.Cmp(before.Balance) != 0 || after.Internal != before.Internal || len(h.emitter.types) != emitted {
		t.Fatalf("second close changed state")
	}
}

func TestPartialRepayAndRewithdraw(t *testing.T) {
	h := newHarness(t)
	h.withdraw()
	h.now += int64(fixedpoint.MustDays(10))
	h.repay(fixedpoint.Units(100))
	if bal := h.loan.Snapshot().Balance; bal.Cmp(fixedpoint.Units(100)) != 0 {
		t.Fatalf("unexpected balance after partial repay %s", bal)
	}
	if err := h.loan.Close(); !errors.Is(err, loanererrors.ErrInvalidState) {
		t.Fatalf("partial repayment must not close, got %v", err)
	}
	amount, err := h.loan.Withdraw(h.borrower, crypto.Address{})
	if err != nil || amount.Cmp(fixedpoint.Units(100)) != 0 {
		t.Fatalf("re-withdraw of repayment: %v %v", amount, err)
	}
}

func TestRepayRequiresWithdrawn(t *testing.T) {
	h := newHarness(t)
	h.fund()
	if _, err := h.loan.Repay(h.borrower, big.NewInt(1)); !errors.Is(err, loanererrors.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	h2 := newHarness(t)
	h2.withdraw()
	if _, err := h2.loan.Repay(h2.borrower, big.NewInt(1)); !errors.Is(err, loanererrors.ErrInsufficientFunds) {
		t.Fatalf("repay without allowance must surface the ledger error, got %v", err)
	}
	if h2.loan.Snapshot().Balance.Sign() != 0 {
		t.Fatalf("failed repay must not change balance")
	}
}

func TestDefaultDerivedOnQuery(t *testing.T) {
	h := newHarness(t)
	h.withdraw()
	h.now += int64(fixedpoint.MustDays(30))
	if h.loan.Status() != StatusRunning {
		t.Fatalf("loan is not late until the term has passed")
	}
	h.now++
	view, err := h.loan.View()
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.Status != StatusDefaulted || view.Internal != InternalDefaulted || view.DaysLeft != 0 {
		t.Fatalf("expected defaulted view, got %+v", view)
	}
	if _, err := h.loan.Repay(h.borrower, big.NewInt(1)); !errors.Is(err, loanererrors.ErrInvalidState) {
		t.Fatalf("defaulted loan must not accept repayments, got %v", err)
	}
}

func TestReleaseRequiresSettled(t *testing.T) {
	h := newHarness(t)
	h.withdraw()
	transfer := func(balance *big.Int) error { return h.ledger.Transfer(h.loan.Address(), h.pool, balance) }
	if _, err := h.loan.Release(h.pool, transfer); !errors.Is(err, loanererrors.ErrLoanNotSettled) {
		t.Fatalf("expected loan not settled, got %v", err)
	}
	h.now += int64(fixedpoint.MustDays(30))
	debt, _ := h.loan.Debt()
	h.repay(debt)
	if err := h.loan.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	released, err := h.loan.Release(h.pool, transfer)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Cmp(debt) != 0 || h.ledger.BalanceOf(h.pool).Cmp(debt) != 0 {
		t.Fatalf("pool should receive the settled balance")
	}
	if _, err := h.loan.Release(h.pool, transfer); !errors.Is(err, ErrAlreadyReclaimed) {
		t.Fatalf("expected double reclaim to fail, got %v", err)
	}
}

func TestWriteOffDefaulted(t *testing.T) {
	h := newHarness(t)
	h.fund()
	transfer := func(balance *big.Int) error { return h.ledger.Transfer(h.loan.Address(), h.pool, balance) }
	if _, err := h.loan.WriteOff(h.pool, transfer); !errors.Is(err, loanererrors.ErrInvalidState) {
		t.Fatalf("expected invalid state before default, got %v", err)
	}
	h.now += int64(fixedpoint.MustDays(31))
	recovered, err := h.loan.WriteOff(h.pool, transfer)
	if err != nil {
		t.Fatalf("write off: %v", err)
	}
	if recovered.Cmp(fixedpoint.Units(1000)) != 0 {
		t.Fatalf("unwithdrawn principal should be recovered, got %s", recovered)
	}
}

func TestInternalStatusNeverRegresses(t *testing.T) {
	h := newHarness(t)
	var seen []InternalStatus
	record := func() { seen = append(seen, h.loan.Snapshot().Internal) }
	record()
	h.withdraw()
	record()
	h.now += int64(fixedpoint.MustDays(5))
	h.repay(fixedpoint.Units(2000))
	record()
	_ = h.loan.Close()
	record()
	_ = h.loan.Close()
	record()
	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Fatalf("internal status regressed: %v", seen)
		}
	}
}

func TestPausedLoanModule(t *testing.T) {
	h := newHarness(t)
	h.fund()
	h.env.Pauses = common.NewPauses(common.ModuleLoan)
	if _, err := h.loan.Withdraw(h.borrower, crypto.Address{}); !errors.Is(err, loanererrors.ErrModulePaused) {
		t.Fatalf("expected module paused, got %v", err)
	}
}

func TestRestoreRoundTripsState(t *testing.T) {
	h := newHarness(t)
	h.withdraw()
	restored, err := Restore(h.loan.Snapshot(), h.env)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.Snapshot().Internal != InternalWithdrawn || restored.Community() != h.community {
		t.Fatalf("restored loan lost state: %+v", restored.Snapshot())
	}
}

func TestZeroClockStillAccruesAndDefaults(t *testing.T) {
	h := newHarness(t)
	h.now = 0
	h.withdraw()
	if snap := h.loan.Snapshot(); snap.Start != 0 || snap.Internal != InternalWithdrawn {
		t.Fatalf("expected a loan funded at time zero: %+v", snap)
	}
	h.now = int64(fixedpoint.MustDays(30))
	debt, err := h.loan.Debt()
	if err != nil {
		t.Fatalf("debt: %v", err)
	}
	if got := fixedpoint.FormatAmount(debt); got != "1008.219178082191780821" {
		t.Fatalf("debt must accrue from time zero, got %s", got)
	}
	h.now = int64(fixedpoint.MustDays(31))
	view, err := h.loan.View()
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.Status != StatusDefaulted || view.DaysLeft != 0 {
		t.Fatalf("expected default after the term, got %s with %d days left", view.Status, view.DaysLeft)
	}
}

func TestRepaidAtZeroClockCloses(t *testing.T) {
	h := newHarness(t)
	h.now = 0
	h.withdraw()
	if pulled := h.repay(fixedpoint.Units(1000)); pulled.Cmp(fixedpoint.Units(1000)) != 0 {
		t.Fatalf("expected the principal to be pulled, got %s", pulled)
	}
	snap := h.loan.Snapshot()
	if !snap.Repaid || snap.RepaidAt != 0 {
		t.Fatalf("expected repaid at time zero: %+v", snap)
	}
	if _, err := h.loan.Repay(h.borrower, big.NewInt(1)); !errors.Is(err, ErrAlreadyRepaid) {
		t.Fatalf("expected already repaid, got %v", err)
	}
	h.now = int64(fixedpoint.MustDays(40))
	if err := h.loan.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	restored, err := Restore(h.loan.Snapshot(), h.env)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !restored.Snapshot().Repaid {
		t.Fatalf("restore dropped the repaid flag")
	}
}
