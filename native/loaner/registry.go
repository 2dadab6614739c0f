// Package loaner is the top-level directory of the lending protocol. The
// Registry binds admins, creates communities with their pools, hosts the loan
// factory and takes consistent snapshots and audits across every entity.
package loaner

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	loanererrors "loaner/core/errors"
	"loaner/core/events"
	"loaner/crypto"
	"loaner/native/common"
	"loaner/native/community"
	"loaner/native/fixedpoint"
	"loaner/native/loan"
	"loaner/native/pool"
	"loaner/native/vault"
)

var (
	ErrNotAdmin          = fmt.Errorf("loaner: caller is not an admin: %w", loanererrors.ErrUnauthorized)
	ErrLastAdmin         = fmt.Errorf("loaner: cannot remove the last admin: %w", loanererrors.ErrInvalidState)
	ErrUnknownCommunity  = fmt.Errorf("loaner: unknown community: %w", loanererrors.ErrNotFound)
	ErrUnknownPool       = fmt.Errorf("loaner: unknown pool: %w", loanererrors.ErrNotFound)
	ErrUnknownLoan       = fmt.Errorf("loaner: unknown loan: %w", loanererrors.ErrNotFound)
	ErrUnknownModule     = fmt.Errorf("loaner: unknown module: %w", loanererrors.ErrNotFound)
	ErrInvalidLoanAmount = fmt.Errorf("loaner: loan amount must be positive: %w", loanererrors.ErrInvalidAmount)
	ErrInvalidLoanTerm   = fmt.Errorf("loaner: loan term out of bounds: %w", loanererrors.ErrInvalidAmount)
	ErrAPYTooHigh        = fmt.Errorf("loaner: apy above limit: %w", loanererrors.ErrInvalidAmount)
	errNilLedger         = errors.New("loaner: ledger not configured")
)

var (
	registryAddress = crypto.NamedAddress("loaner/registry")
	factoryAddress  = crypto.NamedAddress("loaner/loan-factory")
)

// RegistryAddress is the deployer of communities and pools.
func RegistryAddress() crypto.Address { return registryAddress }

// FactoryAddress is the deployer of loans.
func FactoryAddress() crypto.Address { return factoryAddress }

// Registry owns every community, pool and loan of one deployment.
type Registry struct {
	mu     sync.RWMutex
	env    *common.Env
	pauses *common.Pauses
	params Params
	vault  vault.Vault

	admins         map[crypto.Address]struct{}
	communities    map[crypto.Address]*community.Community
	communityOrder []crypto.Address
	pools          map[crypto.Address]*pool.Pool
	poolOrder      []crypto.Address
	loans          map[crypto.Address]*loan.Loan
	loanOrder      []crypto.Address
	nonce          uint64
	factoryNonce   uint64
	quotas         map[crypto.Address]common.QuotaNow
}

// NewRegistry creates an empty registry. The environment's pause switch and
// barrier are installed by the registry when unset.
func NewRegistry(params Params, env *common.Env) (*Registry, error) {
	if env == nil || env.Ledger == nil {
		return nil, errNilLedger
	}
	pauses, ok := env.Pauses.(*common.Pauses)
	if !ok || pauses == nil {
		pauses = common.NewPauses()
		env.Pauses = pauses
	}
	if env.Barrier == nil {
		env.Barrier = &common.Barrier{}
	}
	if env.Emitter == nil {
		env.Emitter = events.NoopEmitter{}
	}
	params.Policy = params.Policy.Normalize()
	r := &Registry{
		env:         env,
		pauses:      pauses,
		params:      params,
		admins:      make(map[crypto.Address]struct{}),
		communities: make(map[crypto.Address]*community.Community),
		pools:       make(map[crypto.Address]*pool.Pool),
		loans:       make(map[crypto.Address]*loan.Loan),
		quotas:      make(map[crypto.Address]common.QuotaNow),
	}
	for _, admin := range params.Admins {
		if !admin.IsZero() {
			r.admins[admin] = struct{}{}
		}
	}
	return r, nil
}

// Env exposes the shared collaborators.
func (r *Registry) Env() *common.Env { return r.env }

// Params returns the protocol parameters.
func (r *Registry) Params() Params { return r.params }

// SetVault attaches a yield vault to every current and future pool.
func (r *Registry) SetVault(v vault.Vault) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vault = v
	for _, p := range r.pools {
		p.SetVault(v)
	}
}

// Vault returns the configured vault, if any.
func (r *Registry) Vault() vault.Vault {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.vault
}

// IsAdmin reports whether addr administers the registry.
func (r *Registry) IsAdmin(addr crypto.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.admins[addr]
	return ok
}

// Admins lists admins in address order.
func (r *Registry) Admins() []crypto.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]crypto.Address, 0, len(r.admins))
	for admin := range r.admins {
		out = append(out, admin)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// AddAdmin grants admin rights.
func (r *Registry) AddAdmin(caller, admin crypto.Address) error {
	release := r.env.Enter()
	defer release()
	if admin.IsZero() {
		return fmt.Errorf("loaner: admin address required: %w", loanererrors.ErrInvalidAmount)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.admins[caller]; !ok {
		return ErrNotAdmin
	}
	if _, ok := r.admins[admin]; ok {
		return nil
	}
	r.admins[admin] = struct{}{}
	r.env.Emit(registryEvent(EventTypeAdminAdded, caller, map[string]string{"admin": admin.String()}))
	return nil
}

// RemoveAdmin revokes admin rights. The last admin stays.
func (r *Registry) RemoveAdmin(caller, admin crypto.Address) error {
	release := r.env.Enter()
	defer release()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.admins[caller]; !ok {
		return ErrNotAdmin
	}
	if _, ok := r.admins[admin]; !ok {
		return fmt.Errorf("loaner: %s is not an admin: %w", admin, loanererrors.ErrNotFound)
	}
	if len(r.admins) == 1 {
		return ErrLastAdmin
	}
	delete(r.admins, admin)
	r.env.Emit(registryEvent(EventTypeAdminRemoved, caller, map[string]string{"admin": admin.String()}))
	return nil
}

// SetPause pauses or resumes a protocol module.
func (r *Registry) SetPause(caller crypto.Address, module string, paused bool) error {
	if !common.KnownModule(module) {
		return fmt.Errorf("%w: %q", ErrUnknownModule, module)
	}
	if !r.IsAdmin(caller) {
		return ErrNotAdmin
	}
	r.pauses.Set(module, paused)
	eventType := EventTypeModuleResumed
	if paused {
		eventType = EventTypeModulePaused
	}
	r.env.Emit(registryEvent(eventType, caller, map[string]string{"module": module}))
	return nil
}

// Paused lists paused modules.
func (r *Registry) Paused() []string { return r.pauses.List() }

// AddCommunity creates a community managed by manager and binds it to a new
// pool whose funds manager is also manager.
func (r *Registry) AddCommunity(caller, manager crypto.Address) (*community.Community, *pool.Pool, error) {
	release := r.env.Enter()
	defer release()
	if err := r.env.Guard(common.ModuleCommunity); err != nil {
		return nil, nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.admins[caller]; !ok {
		return nil, nil, ErrNotAdmin
	}
	communityAddr := crypto.CreateAddress(registryAddress, r.nonce)
	poolAddr := crypto.CreateAddress(registryAddress, r.nonce+1)
	c, err := community.New(communityAddr, poolAddr, manager, r.params.Policy, r.env)
	if err != nil {
		return nil, nil, err
	}
	p, err := pool.New(poolAddr, communityAddr, manager, r.env)
	if err != nil {
		return nil, nil, err
	}
	if r.vault != nil {
		p.SetVault(r.vault)
	}
	r.nonce += 2
	r.communities[communityAddr] = c
	r.communityOrder = append(r.communityOrder, communityAddr)
	r.pools[poolAddr] = p
	r.poolOrder = append(r.poolOrder, poolAddr)
	r.env.Emit(registryEvent(EventTypeCommunityAdded, caller, map[string]string{
		"community": communityAddr.String(),
		"manager":   manager.String(),
	}))
	r.env.Emit(registryEvent(EventTypePoolAdded, caller, map[string]string{
		"pool":         poolAddr.String(),
		"community":    communityAddr.String(),
		"fundsManager": manager.String(),
	}))
	return c, p, nil
}

// CreateLoanToken is the loan factory: it creates a Void/Awaiting loan for
// caller drawn on pool. No funds move.
func (r *Registry) CreateLoanToken(caller, poolAddr crypto.Address, amount *big.Int, term, apy uint64) (*loan.Loan, error) {
	release := r.env.Enter()
	defer release()
	if err := r.env.Guard(common.ModuleLoan); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidLoanAmount
	}
	if term == 0 || (r.params.MaxTerm > 0 && term > r.params.MaxTerm) {
		return nil, fmt.Errorf("%w: %d seconds", ErrInvalidLoanTerm, term)
	}
	if r.params.MaxAPY > 0 && apy > r.params.MaxAPY {
		return nil, fmt.Errorf("%w: %s%% > %s%%", ErrAPYTooHigh, fixedpoint.FormatAPY(apy), fixedpoint.FormatAPY(r.params.MaxAPY))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pools[poolAddr]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, poolAddr)
	}
	var usage common.QuotaNow
	quotaActive := r.params.Quota.Enabled()
	if quotaActive {
		next, err := common.CheckQuota(r.params.Quota, r.params.Quota.Epoch(r.env.Now()), r.quotas[caller], 1, fixedpoint.WholeUnits(amount))
		if err != nil {
			return nil, fmt.Errorf("loaner: borrower %s: %w", caller, err)
		}
		usage = next
	}
	addr := crypto.CreateAddress(factoryAddress, r.factoryNonce)
	l, err := loan.New(addr, loan.Terms{Borrower: caller, Pool: poolAddr, Amount: amount, APY: apy, Term: term}, r.env)
	if err != nil {
		return nil, err
	}
	if quotaActive {
		r.quotas[caller] = usage
	}
	r.factoryNonce++
	r.loans[addr] = l
	r.loanOrder = append(r.loanOrder, addr)
	r.env.Emit(registryEvent(EventTypeLoanTokenCreated, caller, map[string]string{
		"loan": addr.String(),
		"pool": poolAddr.String(),
	}))
	return l, nil
}

// Community looks up a community.
func (r *Registry) Community(addr crypto.Address) (*community.Community, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.communities[addr]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCommunity, addr)
}

// Pool looks up a pool.
func (r *Registry) Pool(addr crypto.Address) (*pool.Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.pools[addr]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownPool, addr)
}

// Loan looks up a loan.
func (r *Registry) Loan(addr crypto.Address) (*loan.Loan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if l, ok := r.loans[addr]; ok {
		return l, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownLoan, addr)
}

// Communities lists communities in creation order.
func (r *Registry) Communities() []*community.Community {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*community.Community, 0, len(r.communityOrder))
	for _, addr := range r.communityOrder {
		out = append(out, r.communities[addr])
	}
	return out
}

// Pools lists pools in creation order.
func (r *Registry) Pools() []*pool.Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*pool.Pool, 0, len(r.poolOrder))
	for _, addr := range r.poolOrder {
		out = append(out, r.pools[addr])
	}
	return out
}

// Loans lists loans in creation order.
func (r *Registry) Loans() []*loan.Loan {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*loan.Loan, 0, len(r.loanOrder))
	for _, addr := range r.loanOrder {
		out = append(out, r.loans[addr])
	}
	return out
}
