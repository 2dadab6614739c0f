package loaner

import (
	"fmt"
	"sort"

	"loaner/crypto"
	"loaner/native/common"
	"loaner/native/community"
	"loaner/native/ledger"
	"loaner/native/loan"
	"loaner/native/pool"
	"loaner/native/vault"
)

// QuotaRecord is a borrower's factory usage in the current epoch.
type QuotaRecord struct {
	Borrower crypto.Address
	Usage    common.QuotaNow
}

// State is a consistent cut of the whole registry.
type State struct {
	TakenAt      int64
	Admins       []crypto.Address
	Paused       []string
	Nonce        uint64
	FactoryNonce uint64
	Quotas       []QuotaRecord
	Communities  []community.Snapshot
	Pools        []pool.Snapshot
	Loans        []loan.Snapshot
	// Ledger and VaultPositions are present when the in-process reference
	// ledger and vault are in use.
	Ledger         *ledger.Snapshot
	VaultPositions []vault.Position
}

type ledgerSnapshotter interface {
	Snapshot() ledger.Snapshot
	Restore(ledger.Snapshot)
}

type positionKeeper interface {
	Positions() []vault.Position
	Restore([]vault.Position)
}

type unwrapper interface {
	Unwrap() vault.Vault
}

func findPositionKeeper(v vault.Vault) positionKeeper {
	for v != nil {
		if keeper, ok := v.(positionKeeper); ok {
			return keeper
		}
		u, ok := v.(unwrapper)
		if !ok {
			return nil
		}
		v = u.Unwrap()
	}
	return nil
}

// Snapshot captures every entity while no mutation is in flight.
func (r *Registry) Snapshot() (State, error) {
	var st State
	err := r.env.Barrier.Freeze(func() error {
		r.mu.RLock()
		defer r.mu.RUnlock()
		st.TakenAt = r.env.Now()
		for admin := range r.admins {
			st.Admins = append(st.Admins, admin)
		}
		sort.Slice(st.Admins, func(i, j int) bool { return st.Admins[i].String() < st.Admins[j].String() })
		st.Paused = r.pauses.List()
		st.Nonce = r.nonce
		st.FactoryNonce = r.factoryNonce
		for borrower, usage := range r.quotas {
			st.Quotas = append(st.Quotas, QuotaRecord{Borrower: borrower, Usage: usage})
		}
		sort.Slice(st.Quotas, func(i, j int) bool { return st.Quotas[i].Borrower.String() < st.Quotas[j].Borrower.String() })
		for _, addr := range r.communityOrder {
			st.Communities = append(st.Communities, r.communities[addr].Snapshot())
		}
		for _, addr := range r.poolOrder {
			st.Pools = append(st.Pools, r.pools[addr].Snapshot())
		}
		for _, addr := range r.loanOrder {
			st.Loans = append(st.Loans, r.loans[addr].Snapshot())
		}
		if snapper, ok := r.env.Ledger.(ledgerSnapshotter); ok {
			snap := snapper.Snapshot()
			st.Ledger = &snap
		}
		if keeper := findPositionKeeper(r.vault); keeper != nil {
			st.VaultPositions = keeper.Positions()
		}
		return nil
	})
	return st, err
}

// Restore rebuilds a registry from a snapshot. v, when non-nil, is attached
// to every pool and receives the recorded vault positions.
func Restore(st State, params Params, env *common.Env, v vault.Vault) (*Registry, error) {
	params.Admins = append([]crypto.Address(nil), st.Admins...)
	r, err := NewRegistry(params, env)
	if err != nil {
		return nil, err
	}
	for _, module := range st.Paused {
		r.pauses.Set(module, true)
	}
	r.nonce = st.Nonce
	r.factoryNonce = st.FactoryNonce
	for _, q := range st.Quotas {
		r.quotas[q.Borrower] = q.Usage
	}
	for _, snap := range st.Communities {
		c, err := community.Restore(snap, env)
		if err != nil {
			return nil, err
		}
		r.communities[snap.Address] = c
		r.communityOrder = append(r.communityOrder, snap.Address)
	}
	for _, snap := range st.Pools {
		if _, ok := r.communities[snap.Community]; !ok {
			return nil, fmt.Errorf("loaner: pool %s references %w", snap.Address, ErrUnknownCommunity)
		}
		p, err := pool.Restore(snap, env)
		if err != nil {
			return nil, err
		}
		r.pools[snap.Address] = p
		r.poolOrder = append(r.poolOrder, snap.Address)
	}
	for _, snap := range st.Loans {
		if _, ok := r.pools[snap.Pool]; !ok {
			return nil, fmt.Errorf("loaner: loan %s references %w", snap.Address, ErrUnknownPool)
		}
		l, err := loan.Restore(snap, env)
		if err != nil {
			return nil, err
		}
		r.loans[snap.Address] = l
		r.loanOrder = append(r.loanOrder, snap.Address)
	}
	if st.Ledger != nil {
		if snapper, ok := env.Ledger.(ledgerSnapshotter); ok {
			snapper.Restore(*st.Ledger)
		}
	}
	if v != nil {
		if keeper := findPositionKeeper(v); keeper != nil {
			keeper.Restore(st.VaultPositions)
		}
		r.SetVault(v)
	}
	return r, nil
}
