package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"loaner/crypto"
	"loaner/native/common"
	"loaner/native/fixedpoint"
	"loaner/native/ledger"
	"loaner/native/loan"
	"loaner/native/loaner"
	"loaner/native/vault"
	"loaner/storage"
)

type fixture struct {
	registry *loaner.Registry
	loans    []*loan.Loan
	now      int64
}

func buildRegistry(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: 1_700_000_000}
	l := ledger.NewMemory()
	env := &common.Env{Ledger: l, NowFn: func() int64 { return f.now }}
	admin := crypto.NamedAddress("state-test/admin")
	manager := crypto.NamedAddress("state-test/manager")
	borrower := crypto.NamedAddress("state-test/borrower")
	funder := crypto.NamedAddress("state-test/funder")

	params := loaner.DefaultParams()
	params.Admins = []crypto.Address{admin}
	params.Quota = common.Quota{MaxRequestsPerEpoch: 10, EpochSeconds: 86400}
	r, err := loaner.NewRegistry(params, env)
	require.NoError(t, err)
	r.SetVault(vault.NewMemory(crypto.NamedAddress("state-test/vault"), l))
	f.registry = r

	c, p, err := r.AddCommunity(admin, manager)
	require.NoError(t, err)
	require.NoError(t, l.Mint(funder, fixedpoint.Units(1000)))
	require.NoError(t, l.Approve(funder, p.Address(), fixedpoint.Units(1000)))
	require.NoError(t, p.Join(funder, fixedpoint.Units(1000)))
	require.NoError(t, c.AddBorrower(manager, borrower))

	running, err := r.CreateLoanToken(borrower, p.Address(), fixedpoint.Units(400), fixedpoint.MustDays(30), 1000)
	require.NoError(t, err)
	require.NoError(t, c.Submit(borrower, running))
	require.NoError(t, l.Mint(manager, fixedpoint.Units(50)))
	require.NoError(t, l.Approve(manager, c.Address(), fixedpoint.Units(50)))
	require.NoError(t, c.Approve(manager, running, fixedpoint.Units(50)))
	require.NoError(t, p.Fund(borrower, running))

	pending, err := r.CreateLoanToken(borrower, p.Address(), fixedpoint.Units(10), fixedpoint.MustDays(7), 0)
	require.NoError(t, err)
	require.NoError(t, c.Submit(borrower, pending))
	require.NoError(t, r.SetPause(admin, common.ModuleCommunity, true))
	f.loans = []*loan.Loan{running, pending}
	return f
}

func roundTrip(t *testing.T, db storage.Database) {
	f := buildRegistry(t)
	st, err := f.registry.Snapshot()
	require.NoError(t, err)

	store := NewStore(db)
	_, _, err = store.Load()
	require.ErrorIs(t, err, ErrNoSnapshot)

	saved, err := store.Save(st)
	require.NoError(t, err)
	require.Equal(t, 2, saved.Loans)

	loaded, m, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, saved.Checksum, m.Checksum)
	require.Equal(t, st.Admins, loaded.Admins)
	require.Equal(t, st.Paused, loaded.Paused)
	require.Equal(t, st.Nonce, loaded.Nonce)
	require.Equal(t, st.FactoryNonce, loaded.FactoryNonce)
	require.Equal(t, st.Quotas, loaded.Quotas)
	require.Len(t, loaded.Loans, 2)
	for i := range st.Loans {
		require.Equal(t, st.Loans[i].Address, loaded.Loans[i].Address)
		require.Equal(t, st.Loans[i].Status, loaded.Loans[i].Status)
		require.Equal(t, st.Loans[i].Internal, loaded.Loans[i].Internal)
		require.Zero(t, st.Loans[i].Balance.Cmp(loaded.Loans[i].Balance))
	}
	require.Len(t, loaded.Communities, 1)
	require.Zero(t, st.Communities[0].StakeHeld.Cmp(loaded.Communities[0].StakeHeld))
	require.Len(t, loaded.Communities[0].Votes, 1)
	require.NotNil(t, loaded.Ledger)
	require.Len(t, loaded.Ledger.Accounts, len(st.Ledger.Accounts))

	freshLedger := ledger.NewMemory()
	env := &common.Env{Ledger: freshLedger, NowFn: func() int64 { return f.now }}
	restored, err := loaner.Restore(loaded, loaner.DefaultParams(), env, vault.NewMemory(crypto.NamedAddress("state-test/vault"), freshLedger))
	require.NoError(t, err)
	report, err := restored.Audit()
	require.NoError(t, err)
	require.True(t, report.OK())
	rl, err := restored.Loan(f.loans[0].Address())
	require.NoError(t, err)
	require.Equal(t, loan.StatusRunning, rl.Status())

	// A second save replaces the first, including fewer entities.
	st.Loans = st.Loans[:1]
	_, err = store.Save(st)
	require.NoError(t, err)
	again, _, err := store.Load()
	require.NoError(t, err)
	require.Len(t, again.Loans, 1)
}

func TestStoreRoundTripMemDB(t *testing.T) {
	roundTrip(t, storage.NewMemDB())
}

func TestStoreRoundTripLevelDB(t *testing.T) {
	db, err := storage.NewLevelDB(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	defer db.Close()
	roundTrip(t, db)
}

func TestStoreDetectsTampering(t *testing.T) {
	f := buildRegistry(t)
	st, err := f.registry.Snapshot()
	require.NoError(t, err)
	db := storage.NewMemDB()
	store := NewStore(db)
	_, err = store.Save(st)
	require.NoError(t, err)

	key := keyed(loanPrefix, 0)
	raw, err := db.Get(key)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	require.NoError(t, db.Put(key, raw))

	_, _, err = store.Load()
	require.ErrorIs(t, err, ErrCorrupt)
}
