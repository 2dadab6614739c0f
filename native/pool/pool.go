// Package pool implements custody of funder capital for one community: joins
// and exits, loan funding, parking idle liquidity in a yield vault and
// reclaiming settled loans.
package pool

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	loanererrors "loaner/core/errors"
	"loaner/crypto"
	"loaner/native/common"
	"loaner/native/loan"
	"loaner/native/vault"
)

var (
	ErrNotFundsManager    = fmt.Errorf("pool: caller is not the funds manager: %w", loanererrors.ErrUnauthorized)
	ErrNotFundingParty    = fmt.Errorf("pool: only the borrower or funds manager may fund: %w", loanererrors.ErrUnauthorized)
	ErrInvalidAmount      = fmt.Errorf("pool: invalid amount: %w", loanererrors.ErrInvalidAmount)
	ErrFunderBalance      = fmt.Errorf("pool: funder balance too low: %w", loanererrors.ErrInsufficientLiquidity)
	ErrLiquidity          = fmt.Errorf("pool: not enough liquidity: %w", loanererrors.ErrInsufficientLiquidity)
	ErrMarketDeposit      = fmt.Errorf("pool: market deposit too low: %w", loanererrors.ErrInsufficientLiquidity)
	ErrForeignLoan        = fmt.Errorf("pool: loan is not drawn on this pool: %w", loanererrors.ErrInvalidState)
	ErrForeignCommunity   = fmt.Errorf("pool: loan was not approved by this pool's community: %w", loanererrors.ErrInvalidState)
	ErrAlreadyFunded      = fmt.Errorf("pool: loan already funded: %w", loanererrors.ErrInvalidState)
	ErrNotRunning         = fmt.Errorf("pool: loan is not running: %w", loanererrors.ErrInvalidState)
	ErrNoVault            = fmt.Errorf("pool: no vault configured: %w", loanererrors.ErrInvalidState)
	ErrConservation       = fmt.Errorf("pool: conservation violated: %w", loanererrors.ErrInvalidState)
	errNilLedger          = fmt.Errorf("pool: ledger not configured")
	errApportionNoFunders = fmt.Errorf("pool: cannot apportion without funders: %w", loanererrors.ErrInvalidState)
)

// Pool holds funder deposits for one community. All amounts are 18-decimal
// base units. The conservation invariant
//
//	totalLiquid + marketDeposit + Σ outstanding == Σ funders
//
// holds after every operation.
type Pool struct {
	mu    sync.Mutex
	env   *common.Env
	vault vault.Vault

	address      crypto.Address
	community    crypto.Address
	fundsManager crypto.Address
	created      int64

	funders       map[crypto.Address]*big.Int
	outstanding   map[crypto.Address]*big.Int
	totalLiquid   *big.Int
	marketDeposit *big.Int
}

// New creates an empty pool bound to community.
func New(address, community, fundsManager crypto.Address, env *common.Env) (*Pool, error) {
	if env == nil || env.Ledger == nil {
		return nil, errNilLedger
	}
	if address.IsZero() || community.IsZero() || fundsManager.IsZero() {
		return nil, fmt.Errorf("pool: addresses required: %w", loanererrors.ErrInvalidAmount)
	}
	return &Pool{
		env:           env,
		address:       address,
		community:     community,
		fundsManager:  fundsManager,
		created:       env.Now(),
		funders:       make(map[crypto.Address]*big.Int),
		outstanding:   make(map[crypto.Address]*big.Int),
		totalLiquid:   big.NewInt(0),
		marketDeposit: big.NewInt(0),
	}, nil
}

// Restore rebuilds a pool from its durable record.
func Restore(snap Snapshot, env *common.Env) (*Pool, error) {
	p, err := New(snap.Address, snap.Community, snap.FundsManager, env)
	if err != nil {
		return nil, err
	}
	p.created = snap.CreatedAt
	p.totalLiquid = cloneBig(snap.TotalLiquid)
	p.marketDeposit = cloneBig(snap.MarketDeposit)
	for _, b := range snap.Funders {
		if b.Amount != nil && b.Amount.Sign() > 0 {
			p.funders[b.Address] = new(big.Int).Set(b.Amount)
		}
	}
	for _, b := range snap.Outstanding {
		p.outstanding[b.Address] = cloneBig(b.Amount)
	}
	return p, nil
}

// SetVault configures the external yield vault. Passing nil disables
// flush/pull/harvest.
func (p *Pool) SetVault(v vault.Vault) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vault = v
}

func (p *Pool) Address() crypto.Address      { return p.address }
func (p *Pool) Community() crypto.Address    { return p.community }
func (p *Pool) FundsManager() crypto.Address { return p.fundsManager }

// Join deposits amount from funder. The funder must have approved the pool
// address as spender.
func (p *Pool) Join(funder crypto.Address, amount *big.Int) error {
	release := p.env.Enter()
	defer release()
	if err := p.env.Guard(common.ModulePool); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.env.Ledger.TransferFrom(p.address, funder, p.address, amount); err != nil {
		return fmt.Errorf("pool: join: %w", err)
	}
	p.funders[funder] = new(big.Int).Add(p.funderBalance(funder), amount)
	p.totalLiquid = new(big.Int).Add(p.totalLiquid, amount)
	p.env.Emit(p.event(EventTypeJoined, funder, amount, nil))
	return nil
}

// Leave pays amount back to funder out of idle liquidity.
func (p *Pool) Leave(funder crypto.Address, amount *big.Int) error {
	release := p.env.Enter()
	defer release()
	if err := p.env.Guard(common.ModulePool); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	balance := p.funderBalance(funder)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: holds %s", ErrFunderBalance, balance)
	}
	if p.totalLiquid.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s idle", ErrLiquidity, p.totalLiquid)
	}
	if err := p.env.Ledger.Transfer(p.address, funder, amount); err != nil {
		return fmt.Errorf("pool: leave: %w", err)
	}
	p.setFunder(funder, balance.Sub(balance, amount))
	p.totalLiquid = new(big.Int).Sub(p.totalLiquid, amount)
	p.env.Emit(p.event(EventTypeLeft, funder, amount, nil))
	return nil
}

// Fund disburses an approved loan's principal. The loan moves to Funded in
// the same step; a loan can be funded once.
func (p *Pool) Fund(caller crypto.Address, l *loan.Loan) error {
	release := p.env.Enter()
	defer release()
	if err := p.env.Guard(common.ModulePool); err != nil {
		return err
	}
	if caller != l.Borrower() && caller != p.fundsManager {
		return ErrNotFundingParty
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if l.Pool() != p.address {
		return ErrForeignLoan
	}
	if _, funded := p.outstanding[l.Address()]; funded {
		return ErrAlreadyFunded
	}
	if l.Community() != p.community {
		return ErrForeignCommunity
	}
	if status := l.Status(); status != loan.StatusRunning {
		return fmt.Errorf("%w: status %s", ErrNotRunning, status)
	}
	amount := l.Amount()
	if p.totalLiquid.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s idle, loan needs %s", ErrLiquidity, p.totalLiquid, amount)
	}
	err := l.Fund(p.address, func(principal *big.Int) error {
		return p.env.Ledger.Transfer(p.address, l.Address(), principal)
	})
	if err != nil {
		return fmt.Errorf("pool: fund: %w", err)
	}
	p.outstanding[l.Address()] = amount
	p.totalLiquid = new(big.Int).Sub(p.totalLiquid, amount)
	p.env.Emit(p.event(EventTypeFunded, caller, amount, map[string]string{"loan": l.Address().String()}))
	return nil
}

// Reclaim returns a settled loan's balance to idle liquidity. Interest above
// the principal is credited to funders pro-rata.
func (p *Pool) Reclaim(caller crypto.Address, l *loan.Loan) (*big.Int, error) {
	release := p.env.Enter()
	defer release()
	if err := p.env.Guard(common.ModulePool); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if l.Pool() != p.address {
		return nil, ErrForeignLoan
	}
	released, err := l.Release(p.address, func(balance *big.Int) error {
		return p.env.Ledger.Transfer(l.Address(), p.address, balance)
	})
	if err != nil {
		return nil, fmt.Errorf("pool: reclaim: %w", err)
	}
	interest, err := p.settleOutstanding(l.Address(), released)
	if err != nil {
		return nil, err
	}
	p.env.Emit(p.event(EventTypeReclaimed, caller, released, map[string]string{
		"loan":     l.Address().String(),
		"interest": interest.String(),
	}))
	return released, nil
}

// WriteOff closes the books on a defaulted loan. Whatever the loan still
// holds returns to idle liquidity and the shortfall is charged to funders
// pro-rata.
func (p *Pool) WriteOff(caller crypto.Address, l *loan.Loan) (*big.Int, error) {
	release := p.env.Enter()
	defer release()
	if err := p.env.Guard(common.ModulePool); err != nil {
		return nil, err
	}
	if caller != p.fundsManager {
		return nil, ErrNotFundsManager
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if l.Pool() != p.address {
		return nil, ErrForeignLoan
	}
	recovered, err := l.WriteOff(p.address, func(balance *big.Int) error {
		return p.env.Ledger.Transfer(l.Address(), p.address, balance)
	})
	if err != nil {
		return nil, fmt.Errorf("pool: write off: %w", err)
	}
	delta, err := p.settleOutstanding(l.Address(), recovered)
	if err != nil {
		return nil, err
	}
	p.env.Emit(p.event(EventTypeWrittenOff, caller, recovered, map[string]string{
		"loan":  l.Address().String(),
		"delta": delta.String(),
	}))
	return recovered, nil
}

// settleOutstanding retires a loan's principal, credits the returned amount
// to idle liquidity and apportions the difference to funders. It runs after
// the ledger movement has succeeded.
func (p *Pool) settleOutstanding(loanAddr crypto.Address, returned *big.Int) (*big.Int, error) {
	principal := p.outstanding[loanAddr]
	if principal == nil {
		principal = big.NewInt(0)
	}
	delta := new(big.Int).Sub(returned, principal)
	shares, err := p.apportion(delta)
	if err != nil {
		return nil, err
	}
	for funder, share := range shares {
		p.setFunder(funder, new(big.Int).Add(p.funderBalance(funder), share))
	}
	delete(p.outstanding, loanAddr)
	p.totalLiquid = new(big.Int).Add(p.totalLiquid, returned)
	return delta, nil
}

// Flush parks idle liquidity in the vault.
func (p *Pool) Flush(ctx context.Context, caller crypto.Address, amount *big.Int) error {
	release := p.env.Enter()
	defer release()
	if err := p.env.Guard(common.ModulePool); err != nil {
		return err
	}
	if caller != p.fundsManager {
		return ErrNotFundsManager
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.vault == nil {
		return ErrNoVault
	}
	if p.totalLiquid.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s idle", ErrLiquidity, p.totalLiquid)
	}
	spender := p.vault.Address()
	if err := p.env.Ledger.Approve(p.address, spender, amount); err != nil {
		return fmt.Errorf("pool: flush: %w", err)
	}
	if err := p.vault.Deposit(ctx, p.address, amount); err != nil {
		_ = p.env.Ledger.Approve(p.address, spender, big.NewInt(0))
		return fmt.Errorf("pool: flush: %w", err)
	}
	p.totalLiquid = new(big.Int).Sub(p.totalLiquid, amount)
	p.marketDeposit = new(big.Int).Add(p.marketDeposit, amount)
	p.env.Emit(p.event(EventTypeFlushed, caller, amount, nil))
	return nil
}

// Pull brings parked funds back from the vault into idle liquidity.
func (p *Pool) Pull(ctx context.Context, caller crypto.Address, amount *big.Int) error {
	release := p.env.Enter()
	defer release()
	if err := p.env.Guard(common.ModulePool); err != nil {
		return err
	}
	if caller != p.fundsManager {
		return ErrNotFundsManager
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.vault == nil {
		return ErrNoVault
	}
	if p.marketDeposit.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s parked", ErrMarketDeposit, p.marketDeposit)
	}
	if err := p.vault.Withdraw(ctx, p.address, amount); err != nil {
		return fmt.Errorf("pool: pull: %w", err)
	}
	p.marketDeposit = new(big.Int).Sub(p.marketDeposit, amount)
	p.totalLiquid = new(big.Int).Add(p.totalLiquid, amount)
	p.env.Emit(p.event(EventTypePulled, caller, amount, nil))
	return nil
}

// Harvest withdraws vault yield above the parked principal and credits it to
// funders pro-rata. It returns the harvested amount, zero when there is none.
func (p *Pool) Harvest(ctx context.Context, caller crypto.Address) (*big.Int, error) {
	release := p.env.Enter()
	defer release()
	if err := p.env.Guard(common.ModulePool); err != nil {
		return nil, err
	}
	if caller != p.fundsManager {
		return nil, ErrNotFundsManager
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.vault == nil {
		return nil, ErrNoVault
	}
	position, err := p.vault.BalanceOf(ctx, p.address)
	if err != nil {
		return nil, fmt.Errorf("pool: harvest: %w", err)
	}
	yield := new(big.Int).Sub(position, p.marketDeposit)
	if yield.Sign() <= 0 {
		return big.NewInt(0), nil
	}
	shares, err := p.apportion(yield)
	if err != nil {
		return nil, err
	}
	if err := p.vault.Withdraw(ctx, p.address, yield); err != nil {
		return nil, fmt.Errorf("pool: harvest: %w", err)
	}
	for funder, share := range shares {
		p.setFunder(funder, new(big.Int).Add(p.funderBalance(funder), share))
	}
	p.totalLiquid = new(big.Int).Add(p.totalLiquid, yield)
	p.env.Emit(p.event(EventTypeHarvested, caller, yield, nil))
	return yield, nil
}

// FunderBalance returns a funder's share of the pool.
func (p *Pool) FunderBalance(funder crypto.Address) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.funderBalance(funder)
}

// View returns the pool query surface.
func (p *Pool) View() View {
	p.mu.Lock()
	defer p.mu.Unlock()
	outstanding := big.NewInt(0)
	loans := make([]crypto.Address, 0, len(p.outstanding))
	for addr, principal := range p.outstanding {
		outstanding.Add(outstanding, principal)
		loans = append(loans, addr)
	}
	sortAddresses(loans)
	return View{
		Address:       p.address,
		Community:     p.community,
		FundsManager:  p.fundsManager,
		TotalLiquid:   new(big.Int).Set(p.totalLiquid),
		MarketDeposit: new(big.Int).Set(p.marketDeposit),
		Outstanding:   outstanding,
		TotalFunded:   p.sumFunders(),
		Funders:       len(p.funders),
		Loans:         loans,
	}
}

// Audit checks conservation of funds and that the ledger actually holds the
// idle liquidity.
func (p *Pool) Audit() (AuditReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	outstanding := big.NewInt(0)
	for _, principal := range p.outstanding {
		outstanding.Add(outstanding, principal)
	}
	report := AuditReport{
		Pool:          p.address,
		TotalLiquid:   new(big.Int).Set(p.totalLiquid),
		MarketDeposit: new(big.Int).Set(p.marketDeposit),
		Outstanding:   outstanding,
		Funders:       p.sumFunders(),
		LedgerBalance: p.env.Ledger.BalanceOf(p.address),
	}
	accounted := new(big.Int).Add(report.TotalLiquid, report.MarketDeposit)
	accounted.Add(accounted, report.Outstanding)
	if accounted.Cmp(report.Funders) != 0 {
		return report, fmt.Errorf("%w: %s accounted vs %s deposited", ErrConservation, accounted, report.Funders)
	}
	if report.LedgerBalance.Cmp(report.TotalLiquid) < 0 {
		return report, fmt.Errorf("%w: ledger holds %s, liquidity %s", ErrConservation, report.LedgerBalance, report.TotalLiquid)
	}
	return report, nil
}

// Snapshot returns the durable record.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Address:       p.address,
		Community:     p.community,
		FundsManager:  p.fundsManager,
		CreatedAt:     p.created,
		TotalLiquid:   new(big.Int).Set(p.totalLiquid),
		MarketDeposit: new(big.Int).Set(p.marketDeposit),
		Funders:       sortedBalances(p.funders),
		Outstanding:   sortedBalances(p.outstanding),
	}
}

func (p *Pool) funderBalance(funder crypto.Address) *big.Int {
	if bal, ok := p.funders[funder]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

func (p *Pool) setFunder(funder crypto.Address, amount *big.Int) {
	if amount.Sign() <= 0 {
		delete(p.funders, funder)
		return
	}
	p.funders[funder] = amount
}

func (p *Pool) sumFunders() *big.Int {
	total := big.NewInt(0)
	for _, bal := range p.funders {
		total.Add(total, bal)
	}
	return total
}

func sortedBalances(m map[crypto.Address]*big.Int) []Balance {
	out := make([]Balance, 0, len(m))
	for addr, amount := range m {
		out = append(out, Balance{Address: addr, Amount: new(big.Int).Set(amount)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.String() < out[j].Address.String() })
	return out
}

func sortAddresses(addrs []crypto.Address) {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
