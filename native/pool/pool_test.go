package pool

import (
	"context"
	"errors"
	"math/big"
	"testing"

	loanererrors "loaner/core/errors"
	"loaner/crypto"
	"loaner/native/common"
	"loaner/native/fixedpoint"
	"loaner/native/ledger"
	"loaner/native/loan"
	"loaner/native/vault"
)

type fixture struct {
	t         *testing.T
	now       int64
	ledger    *ledger.Memory
	env       *common.Env
	pool      *Pool
	community crypto.Address
	manager   crypto.Address
	seq       int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:         t,
		now:       1_700_000_000,
		ledger:    ledger.NewMemory(),
		community: crypto.NamedAddress("pool-test/community"),
		manager:   crypto.NamedAddress("pool-test/manager"),
	}
	f.env = &common.Env{Ledger: f.ledger, NowFn: func() int64 { return f.now }}
	p, err := New(crypto.NamedAddress("pool-test/pool"), f.community, f.manager, f.env)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	f.pool = p
	return f
}

func (f *fixture) join(label string, units int64) crypto.Address {
	f.t.Helper()
	funder := crypto.NamedAddress("pool-test/funder/" + label)
	amount := fixedpoint.Units(units)
	if err := f.ledger.Mint(funder, amount); err != nil {
		f.t.Fatalf("mint: %v", err)
	}
	if err := f.ledger.Approve(funder, f.pool.Address(), amount); err != nil {
		f.t.Fatalf("approve: %v", err)
	}
	if err := f.pool.Join(funder, amount); err != nil {
		f.t.Fatalf("join: %v", err)
	}
	return funder
}

func (f *fixture) runningLoan(units int64) *loan.Loan {
	f.t.Helper()
	f.seq++
	borrower := crypto.NamedAddress("pool-test/borrower")
	l, err := loan.New(crypto.CreateAddress(f.pool.Address(), uint64(f.seq)), loan.Terms{
		Borrower: borrower,
		Pool:     f.pool.Address(),
		Amount:   fixedpoint.Units(units),
		APY:      1000,
		Term:     fixedpoint.MustDays(30),
	}, f.env)
	if err != nil {
		f.t.Fatalf("new loan: %v", err)
	}
	if err := l.Submit(f.community, borrower); err != nil {
		f.t.Fatalf("submit: %v", err)
	}
	if err := l.Review(f.community, func(loan.Status) (loan.Status, error) { return loan.StatusRunning, nil }); err != nil {
		f.t.Fatalf("review: %v", err)
	}
	return l
}

func (f *fixture) assertConserved() {
	f.t.Helper()
	if _, err := f.pool.Audit(); err != nil {
		f.t.Fatalf("audit: %v", err)
	}
}

func (f *fixture) settle(l *loan.Loan) {
	f.t.Helper()
	borrower := l.Borrower()
	if _, err := l.Withdraw(borrower, crypto.Address{}); err != nil {
		f.t.Fatalf("withdraw: %v", err)
	}
	f.now += int64(fixedpoint.MustDays(30))
	debt, err := l.Debt()
	if err != nil {
		f.t.Fatalf("debt: %v", err)
	}
	_ = f.ledger.Mint(borrower, debt)
	_ = f.ledger.Approve(borrower, l.Address(), debt)
	if _, err := l.Repay(borrower, debt); err != nil {
		f.t.Fatalf("repay: %v", err)
	}
	if err := l.Close(); err != nil {
		f.t.Fatalf("close: %v", err)
	}
}

func TestJoinAndLeave(t *testing.T) {
	f := newFixture(t)
	funder := f.join("a", 1000)
	if got := f.pool.View().TotalLiquid; got.Cmp(fixedpoint.Units(1000)) != 0 {
		t.Fatalf("unexpected liquidity %s", got)
	}
	f.assertConserved()

	if err := f.pool.Leave(funder, fixedpoint.Units(1001)); !errors.Is(err, loanererrors.ErrInsufficientLiquidity) {
		t.Fatalf("expected insufficient liquidity, got %v", err)
	}
	// A funder cannot draw on other funders' idle liquidity.
	other := f.join("b", 1000)
	err := f.pool.Leave(other, fixedpoint.Units(1500))
	if !errors.Is(err, ErrFunderBalance) || !errors.Is(err, loanererrors.ErrInsufficientLiquidity) {
		t.Fatalf("expected funder balance failure, got %v", err)
	}
	if err := f.pool.Leave(funder, fixedpoint.Units(400)); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if got := f.ledger.BalanceOf(funder); got.Cmp(fixedpoint.Units(400)) != 0 {
		t.Fatalf("funder should get 400 back, got %s", got)
	}
	if got := f.pool.FunderBalance(other); got.Cmp(fixedpoint.Units(1000)) != 0 {
		t.Fatalf("failed leave must not touch the funder, got %s", got)
	}
	f.assertConserved()
}

func TestJoinWithoutAllowanceLeavesState(t *testing.T) {
	f := newFixture(t)
	funder := crypto.NamedAddress("pool-test/stingy")
	_ = f.ledger.Mint(funder, big.NewInt(10))
	if err := f.pool.Join(funder, big.NewInt(10)); !errors.Is(err, loanererrors.ErrInsufficientFunds) {
		t.Fatalf("expected ledger failure, got %v", err)
	}
	if f.pool.FunderBalance(funder).Sign() != 0 || f.pool.View().TotalLiquid.Sign() != 0 {
		t.Fatalf("failed join must not change the pool")
	}
}

func TestLeaveBlockedByLentLiquidity(t *testing.T) {
	f := newFixture(t)
	funder := f.join("a", 1000)
	l := f.runningLoan(800)
	if err := f.pool.Fund(l.Borrower(), l); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := f.pool.Leave(funder, fixedpoint.Units(300)); !errors.Is(err, loanererrors.ErrInsufficientLiquidity) {
		t.Fatalf("expected insufficient liquidity, got %v", err)
	}
	f.assertConserved()
}

func TestFundOnceOnly(t *testing.T) {
	f := newFixture(t)
	f.join("a", 1000)
	l := f.runningLoan(1000)
	if err := f.pool.Fund(crypto.NamedAddress("pool-test/stranger"), l); !errors.Is(err, loanererrors.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := f.pool.Fund(l.Borrower(), l); err != nil {
		t.Fatalf("fund: %v", err)
	}
	view := f.pool.View()
	if view.TotalLiquid.Sign() != 0 || view.Outstanding.Cmp(fixedpoint.Units(1000)) != 0 {
		t.Fatalf("unexpected pool after funding: %+v", view)
	}
	if l.Snapshot().Internal != loan.InternalFunded {
		t.Fatalf("loan must be funded")
	}
	if err := f.pool.Fund(l.Borrower(), l); !errors.Is(err, loanererrors.ErrInvalidState) {
		t.Fatalf("second fund must fail with invalid state, got %v", err)
	}
	f.assertConserved()
}

func TestFundChecksLiquidityAndStatus(t *testing.T) {
	f := newFixture(t)
	f.join("a", 100)
	l := f.runningLoan(1000)
	if err := f.pool.Fund(f.manager, l); !errors.Is(err, loanererrors.ErrInsufficientLiquidity) {
		t.Fatalf("expected insufficient liquidity, got %v", err)
	}
	if l.Snapshot().Internal != loan.InternalAwaiting {
		t.Fatalf("loan must stay awaiting")
	}

	pending, err := loan.New(crypto.NamedAddress("pool-test/pending"), loan.Terms{
		Borrower: l.Borrower(), Pool: f.pool.Address(), Amount: big.NewInt(1), Term: 1,
	}, f.env)
	if err != nil {
		t.Fatalf("new loan: %v", err)
	}
	_ = pending.Submit(f.community, l.Borrower())
	if err := f.pool.Fund(f.manager, pending); !errors.Is(err, loanererrors.ErrInvalidState) {
		t.Fatalf("pending loan must not be funded, got %v", err)
	}
}

func TestFundRejectsForeignLoans(t *testing.T) {
	f := newFixture(t)
	f.join("a", 1000)
	other := crypto.NamedAddress("pool-test/other-pool")
	l, _ := loan.New(crypto.NamedAddress("pool-test/foreign"), loan.Terms{
		Borrower: crypto.NamedAddress("pool-test/borrower"), Pool: other, Amount: big.NewInt(1), Term: 1,
	}, f.env)
	if err := f.pool.Fund(f.manager, l); !errors.Is(err, ErrForeignLoan) {
		t.Fatalf("expected foreign loan, got %v", err)
	}
}

func TestReclaimApportionsInterest(t *testing.T) {
	f := newFixture(t)
	a := f.join("a", 750)
	b := f.join("b", 250)
	l := f.runningLoan(1000)
	if err := f.pool.Fund(l.Borrower(), l); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := f.pool.Reclaim(a, l); !errors.Is(err, loanererrors.ErrLoanNotSettled) {
		t.Fatalf("expected loan not settled, got %v", err)
	}
	f.settle(l)
	released, err := f.pool.Reclaim(a, l)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if got := fixedpoint.FormatAmount(released); got != "1008.219178082191780821" {
		t.Fatalf("unexpected reclaimed amount %s", got)
	}
	if f.pool.View().TotalLiquid.Cmp(released) != 0 {
		t.Fatalf("liquidity should equal the reclaimed balance")
	}
	interest := new(big.Int).Sub(released, fixedpoint.Units(1000))
	gainA := new(big.Int).Sub(f.pool.FunderBalance(a), fixedpoint.Units(750))
	gainB := new(big.Int).Sub(f.pool.FunderBalance(b), fixedpoint.Units(250))
	if new(big.Int).Add(gainA, gainB).Cmp(interest) != 0 {
		t.Fatalf("interest not fully apportioned: %s + %s != %s", gainA, gainB, interest)
	}
	if gainA.Cmp(new(big.Int).Mul(gainB, big.NewInt(3))) < 0 {
		t.Fatalf("larger funder should earn at least three times more: %s vs %s", gainA, gainB)
	}
	f.assertConserved()

	if _, err := f.pool.Reclaim(a, l); !errors.Is(err, loanererrors.ErrInvalidState) {
		t.Fatalf("double reclaim must fail, got %v", err)
	}
}

func TestWriteOffChargesLoss(t *testing.T) {
	f := newFixture(t)
	funder := f.join("a", 1000)
	l := f.runningLoan(1000)
	if err := f.pool.Fund(l.Borrower(), l); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := l.Withdraw(l.Borrower(), crypto.Address{}); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	_ = f.ledger.Approve(l.Borrower(), l.Address(), fixedpoint.Units(400))
	if _, err := l.Repay(l.Borrower(), fixedpoint.Units(400)); err != nil {
		t.Fatalf("repay: %v", err)
	}
	f.now += int64(fixedpoint.MustDays(31))

	if _, err := f.pool.WriteOff(funder, l); !errors.Is(err, loanererrors.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	recovered, err := f.pool.WriteOff(f.manager, l)
	if err != nil {
		t.Fatalf("write off: %v", err)
	}
	if recovered.Cmp(fixedpoint.Units(400)) != 0 {
		t.Fatalf("unexpected recovery %s", recovered)
	}
	if got := f.pool.FunderBalance(funder); got.Cmp(fixedpoint.Units(400)) != 0 {
		t.Fatalf("funder should absorb the 600 loss, holds %s", got)
	}
	f.assertConserved()
}

func TestFlushPullHarvest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	funder := f.join("a", 1000)
	v := vault.NewMemory(crypto.NamedAddress("pool-test/vault"), f.ledger)

	if err := f.pool.Flush(ctx, f.manager, fixedpoint.Units(1)); !errors.Is(err, ErrNoVault) {
		t.Fatalf("expected no vault, got %v", err)
	}
	f.pool.SetVault(v)
	if err := f.pool.Flush(ctx, funder, fixedpoint.Units(1)); !errors.Is(err, loanererrors.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := f.pool.Flush(ctx, f.manager, fixedpoint.Units(600)); err != nil {
		t.Fatalf("flush: %v", err)
	}
	view := f.pool.View()
	if view.TotalLiquid.Cmp(fixedpoint.Units(400)) != 0 || view.MarketDeposit.Cmp(fixedpoint.Units(600)) != 0 {
		t.Fatalf("unexpected pool after flush: %+v", view)
	}
	f.assertConserved()

	if err := v.Accrue(f.pool.Address(), fixedpoint.Units(6)); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	yield, err := f.pool.Harvest(ctx, f.manager)
	if err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if yield.Cmp(fixedpoint.Units(6)) != 0 || f.pool.FunderBalance(funder).Cmp(fixedpoint.Units(1006)) != 0 {
		t.Fatalf("unexpected harvest %s", yield)
	}
	f.assertConserved()

	if err := f.pool.Pull(ctx, f.manager, fixedpoint.Units(601)); !errors.Is(err, loanererrors.ErrInsufficientLiquidity) {
		t.Fatalf("expected insufficient market deposit, got %v", err)
	}
	if err := f.pool.Pull(ctx, f.manager, fixedpoint.Units(600)); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if got := f.pool.View().TotalLiquid; got.Cmp(fixedpoint.Units(1006)) != 0 {
		t.Fatalf("unexpected liquidity after pull %s", got)
	}
	f.assertConserved()
}

type failingVault struct{ addr crypto.Address }

func (v failingVault) Address() crypto.Address { return v.addr }
func (failingVault) Deposit(context.Context, crypto.Address, *big.Int) error {
	return vault.ErrUnavailable
}
func (failingVault) Withdraw(context.Context, crypto.Address, *big.Int) error {
	return vault.ErrUnavailable
}
func (failingVault) BalanceOf(context.Context, crypto.Address) (*big.Int, error) {
	return nil, vault.ErrUnavailable
}

func TestVaultFailureLeavesMarketDeposit(t *testing.T) {
	f := newFixture(t)
	f.join("a", 1000)
	f.pool.SetVault(failingVault{addr: crypto.NamedAddress("pool-test/down")})
	if err := f.pool.Flush(context.Background(), f.manager, fixedpoint.Units(10)); !errors.Is(err, vault.ErrUnavailable) {
		t.Fatalf("expected vault error, got %v", err)
	}
	view := f.pool.View()
	if view.MarketDeposit.Sign() != 0 || view.TotalLiquid.Cmp(fixedpoint.Units(1000)) != 0 {
		t.Fatalf("vault failure must not move accounting: %+v", view)
	}
	if f.ledger.Allowance(f.pool.Address(), crypto.NamedAddress("pool-test/down")).Sign() != 0 {
		t.Fatalf("approval should be revoked after a failed deposit")
	}
}

func TestApportionRemainderGoesToLargest(t *testing.T) {
	f := newFixture(t)
	a := crypto.NamedAddress("pool-test/a")
	b := crypto.NamedAddress("pool-test/b")
	c := crypto.NamedAddress("pool-test/c")
	f.pool.funders[a] = big.NewInt(1)
	f.pool.funders[b] = big.NewInt(1)
	f.pool.funders[c] = big.NewInt(2)
	shares, err := f.pool.apportion(big.NewInt(3))
	if err != nil {
		t.Fatalf("apportion: %v", err)
	}
	sum := big.NewInt(0)
	for _, s := range shares {
		sum.Add(sum, s)
	}
	if sum.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("shares must sum to delta, got %s", sum)
	}
	if shares[c].Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("largest funder should take the remainder, got %s", shares[c])
	}

	loss, err := f.pool.apportion(big.NewInt(-4))
	if err != nil {
		t.Fatalf("apportion loss: %v", err)
	}
	if loss[a].Cmp(big.NewInt(-1)) != 0 || loss[c].Cmp(big.NewInt(-2)) != 0 {
		t.Fatalf("unexpected loss split: %v", loss)
	}
}

func TestPausedPool(t *testing.T) {
	f := newFixture(t)
	f.env.Pauses = common.NewPauses(common.ModulePool)
	if err := f.pool.Join(f.manager, big.NewInt(1)); !errors.Is(err, loanererrors.ErrModulePaused) {
		t.Fatalf("expected module paused, got %v", err)
	}
}

func TestRestoreKeepsBooks(t *testing.T) {
	f := newFixture(t)
	f.join("a", 1000)
	l := f.runningLoan(300)
	if err := f.pool.Fund(l.Borrower(), l); err != nil {
		t.Fatalf("fund: %v", err)
	}
	restored, err := Restore(f.pool.Snapshot(), f.env)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if _, err := restored.Audit(); err != nil {
		t.Fatalf("restored pool audit: %v", err)
	}
	if got := restored.View().Outstanding; got.Cmp(fixedpoint.Units(300)) != 0 {
		t.Fatalf("outstanding principal lost on restore: %s", got)
	}
}
