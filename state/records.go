package state

import (
	"fmt"
	"math/big"

	"loaner/crypto"
	"loaner/native/common"
	"loaner/native/community"
	"loaner/native/ledger"
	"loaner/native/loan"
	"loaner/native/loaner"
	"loaner/native/pool"
	"loaner/native/vault"
)

// The records below are the RLP forms of the registry snapshot. Addresses are
// stored in their bech32 form and timestamps as unsigned seconds.

type balanceRecord struct {
	Address string
	Amount  *big.Int
}

type quotaRecord struct {
	Borrower   string
	ReqCount   uint32
	AmountUsed uint64
	EpochID    uint64
}

type registryRecord struct {
	TakenAt      uint64
	Admins       []string
	Paused       []string
	Nonce        uint64
	FactoryNonce uint64
	Quotas       []quotaRecord
}

type borrowerRecord struct {
	Borrower string
	State    uint8
}

type voteRecord struct {
	Loan    string
	Manager string
	Approve *big.Int
	Reject  *big.Int
}

type tallyRecord struct {
	Loan      string
	Approve   *big.Int
	Reject    *big.Int
	Approvers uint32
	Rejectors uint32
}

type communityRecord struct {
	Address            string
	Pool               string
	CreatedAt          uint64
	ApprovalThreshold  *big.Int
	RejectionThreshold *big.Int
	MinApprovals       uint32
	MinRejections      uint32
	Managers           []string
	Borrowers          []borrowerRecord
	Loans              []string
	Votes              []voteRecord
	Tallies            []tallyRecord
	StakeHeld          *big.Int
}

type poolRecord struct {
	Address       string
	Community     string
	FundsManager  string
	CreatedAt     uint64
	TotalLiquid   *big.Int
	MarketDeposit *big.Int
	Funders       []balanceRecord
	Outstanding   []balanceRecord
}

type loanRecord struct {
	Address   string
	Borrower  string
	Pool      string
	Community string
	Amount    *big.Int
	APY       uint64
	Term      uint64
	CreatedAt uint64
	Start     uint64
	Status    uint8
	Internal  uint8
	Balance   *big.Int
	RepaidAt  uint64
	Reclaimed bool
	Repaid    bool `rlp:"optional"`
}

type allowanceRecord struct {
	Owner   string
	Spender string
	Amount  *big.Int
}

type ledgerRecord struct {
	Accounts   []balanceRecord
	Allowances []allowanceRecord
}

func seconds(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func encodeAddresses(addrs []crypto.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

func decodeAddress(raw string) (crypto.Address, error) {
	if raw == "" {
		return crypto.Address{}, nil
	}
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return addr, nil
}

func decodeAddresses(raw []string) ([]crypto.Address, error) {
	out := make([]crypto.Address, 0, len(raw))
	for _, r := range raw {
		addr, err := decodeAddress(r)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

func encodeBalances(in []pool.Balance) []balanceRecord {
	out := make([]balanceRecord, len(in))
	for i, b := range in {
		out[i] = balanceRecord{Address: b.Address.String(), Amount: bigOrZero(b.Amount)}
	}
	return out
}

func decodeBalances(in []balanceRecord) ([]pool.Balance, error) {
	out := make([]pool.Balance, 0, len(in))
	for _, b := range in {
		addr, err := decodeAddress(b.Address)
		if err != nil {
			return nil, err
		}
		out = append(out, pool.Balance{Address: addr, Amount: bigOrZero(b.Amount)})
	}
	return out, nil
}

func encodeRegistry(st loaner.State) registryRecord {
	rec := registryRecord{
		TakenAt:      seconds(st.TakenAt),
		Admins:       encodeAddresses(st.Admins),
		Paused:       append([]string{}, st.Paused...),
		Nonce:        st.Nonce,
		FactoryNonce: st.FactoryNonce,
	}
	for _, q := range st.Quotas {
		rec.Quotas = append(rec.Quotas, quotaRecord{
			Borrower:   q.Borrower.String(),
			ReqCount:   q.Usage.ReqCount,
			AmountUsed: q.Usage.AmountUsed,
			EpochID:    q.Usage.EpochID,
		})
	}
	return rec
}

func decodeRegistry(rec registryRecord, st *loaner.State) error {
	admins, err := decodeAddresses(rec.Admins)
	if err != nil {
		return err
	}
	st.TakenAt = int64(rec.TakenAt)
	st.Admins = admins
	st.Paused = rec.Paused
	st.Nonce = rec.Nonce
	st.FactoryNonce = rec.FactoryNonce
	for _, q := range rec.Quotas {
		borrower, err := decodeAddress(q.Borrower)
		if err != nil {
			return err
		}
		st.Quotas = append(st.Quotas, loaner.QuotaRecord{
			Borrower: borrower,
			Usage:    common.QuotaNow{ReqCount: q.ReqCount, AmountUsed: q.AmountUsed, EpochID: q.EpochID},
		})
	}
	return nil
}

func encodeCommunity(s community.Snapshot) communityRecord {
	rec := communityRecord{
		Address:            s.Address.String(),
		Pool:               s.Pool.String(),
		CreatedAt:          seconds(s.CreatedAt),
		ApprovalThreshold:  bigOrZero(s.Policy.ApprovalThreshold),
		RejectionThreshold: bigOrZero(s.Policy.RejectionThreshold),
		MinApprovals:       s.Policy.MinApprovals,
		MinRejections:      s.Policy.MinRejections,
		Managers:           encodeAddresses(s.Managers),
		Loans:              encodeAddresses(s.Loans),
		StakeHeld:          bigOrZero(s.StakeHeld),
	}
	for _, b := range s.Borrowers {
		rec.Borrowers = append(rec.Borrowers, borrowerRecord{Borrower: b.Borrower.String(), State: uint8(b.State)})
	}
	for _, v := range s.Votes {
		rec.Votes = append(rec.Votes, voteRecord{
			Loan:    v.Loan.String(),
			Manager: v.Manager.String(),
			Approve: bigOrZero(v.Approve),
			Reject:  bigOrZero(v.Reject),
		})
	}
	for _, t := range s.Tallies {
		rec.Tallies = append(rec.Tallies, tallyRecord{
			Loan:      t.Loan.String(),
			Approve:   bigOrZero(t.Approve),
			Reject:    bigOrZero(t.Reject),
			Approvers: t.Approvers,
			Rejectors: t.Rejectors,
		})
	}
	return rec
}

func decodeCommunity(rec communityRecord) (community.Snapshot, error) {
	var (
		s   community.Snapshot
		err error
	)
	if s.Address, err = decodeAddress(rec.Address); err != nil {
		return s, err
	}
	if s.Pool, err = decodeAddress(rec.Pool); err != nil {
		return s, err
	}
	s.CreatedAt = int64(rec.CreatedAt)
	s.Policy = community.Policy{
		ApprovalThreshold:  bigOrZero(rec.ApprovalThreshold),
		RejectionThreshold: bigOrZero(rec.RejectionThreshold),
		MinApprovals:       rec.MinApprovals,
		MinRejections:      rec.MinRejections,
	}
	if s.Managers, err = decodeAddresses(rec.Managers); err != nil {
		return s, err
	}
	if s.Loans, err = decodeAddresses(rec.Loans); err != nil {
		return s, err
	}
	for _, b := range rec.Borrowers {
		addr, err := decodeAddress(b.Borrower)
		if err != nil {
			return s, err
		}
		s.Borrowers = append(s.Borrowers, community.BorrowerRecord{Borrower: addr, State: community.BorrowerState(b.State)})
	}
	for _, v := range rec.Votes {
		loanAddr, err := decodeAddress(v.Loan)
		if err != nil {
			return s, err
		}
		manager, err := decodeAddress(v.Manager)
		if err != nil {
			return s, err
		}
		s.Votes = append(s.Votes, community.VoteRecord{
			Loan:    loanAddr,
			Manager: manager,
			Vote:    community.Vote{Approve: bigOrZero(v.Approve), Reject: bigOrZero(v.Reject)},
		})
	}
	for _, t := range rec.Tallies {
		loanAddr, err := decodeAddress(t.Loan)
		if err != nil {
			return s, err
		}
		s.Tallies = append(s.Tallies, community.TallyRecord{
			Loan: loanAddr,
			Tally: community.Tally{
				Approve:   bigOrZero(t.Approve),
				Reject:    bigOrZero(t.Reject),
				Approvers: t.Approvers,
				Rejectors: t.Rejectors,
			},
		})
	}
	s.StakeHeld = bigOrZero(rec.StakeHeld)
	return s, nil
}

func encodePool(s pool.Snapshot) poolRecord {
	return poolRecord{
		Address:       s.Address.String(),
		Community:     s.Community.String(),
		FundsManager:  s.FundsManager.String(),
		CreatedAt:     seconds(s.CreatedAt),
		TotalLiquid:   bigOrZero(s.TotalLiquid),
		MarketDeposit: bigOrZero(s.MarketDeposit),
		Funders:       encodeBalances(s.Funders),
		Outstanding:   encodeBalances(s.Outstanding),
	}
}

func decodePool(rec poolRecord) (pool.Snapshot, error) {
	var (
		s   pool.Snapshot
		err error
	)
	if s.Address, err = decodeAddress(rec.Address); err != nil {
		return s, err
	}
	if s.Community, err = decodeAddress(rec.Community); err != nil {
		return s, err
	}
	if s.FundsManager, err = decodeAddress(rec.FundsManager); err != nil {
		return s, err
	}
	s.CreatedAt = int64(rec.CreatedAt)
	s.TotalLiquid = bigOrZero(rec.TotalLiquid)
	s.MarketDeposit = bigOrZero(rec.MarketDeposit)
	if s.Funders, err = decodeBalances(rec.Funders); err != nil {
		return s, err
	}
	if s.Outstanding, err = decodeBalances(rec.Outstanding); err != nil {
		return s, err
	}
	return s, nil
}

func encodeLoan(s loan.Snapshot) loanRecord {
	return loanRecord{
		Address:   s.Address.String(),
		Borrower:  s.Borrower.String(),
		Pool:      s.Pool.String(),
		Community: s.Community.String(),
		Amount:    bigOrZero(s.Amount),
		APY:       s.APY,
		Term:      s.Term,
		CreatedAt: seconds(s.CreatedAt),
		Start:     seconds(s.Start),
		Status:    uint8(s.Status),
		Internal:  uint8(s.Internal),
		Balance:   bigOrZero(s.Balance),
		RepaidAt:  seconds(s.RepaidAt),
		Reclaimed: s.Reclaimed,
		Repaid:    s.Repaid,
	}
}

func decodeLoan(rec loanRecord) (loan.Snapshot, error) {
	var (
		s   loan.Snapshot
		err error
	)
	if s.Address, err = decodeAddress(rec.Address); err != nil {
		return s, err
	}
	if s.Borrower, err = decodeAddress(rec.Borrower); err != nil {
		return s, err
	}
	if s.Pool, err = decodeAddress(rec.Pool); err != nil {
		return s, err
	}
	if s.Community, err = decodeAddress(rec.Community); err != nil {
		return s, err
	}
	s.Amount = bigOrZero(rec.Amount)
	s.APY = rec.APY
	s.Term = rec.Term
	s.CreatedAt = int64(rec.CreatedAt)
	s.Start = int64(rec.Start)
	s.Status = loan.Status(rec.Status)
	s.Internal = loan.InternalStatus(rec.Internal)
	if !s.Status.Valid() || !s.Internal.Valid() {
		return s, fmt.Errorf("%w: loan %s has invalid status %d/%d", ErrCorrupt, rec.Address, rec.Status, rec.Internal)
	}
	s.Balance = bigOrZero(rec.Balance)
	s.RepaidAt = int64(rec.RepaidAt)
	s.Reclaimed = rec.Reclaimed
	s.Repaid = rec.Repaid || rec.RepaidAt != 0
	return s, nil
}

func encodeLedger(s *ledger.Snapshot) ledgerRecord {
	var rec ledgerRecord
	for _, a := range s.Accounts {
		rec.Accounts = append(rec.Accounts, balanceRecord{Address: a.Address.String(), Amount: bigOrZero(a.Balance)})
	}
	for _, a := range s.Allowances {
		rec.Allowances = append(rec.Allowances, allowanceRecord{
			Owner:   a.Owner.String(),
			Spender: a.Spender.String(),
			Amount:  bigOrZero(a.Amount),
		})
	}
	return rec
}

func decodeLedger(rec ledgerRecord) (*ledger.Snapshot, error) {
	snap := &ledger.Snapshot{}
	for _, a := range rec.Accounts {
		addr, err := decodeAddress(a.Address)
		if err != nil {
			return nil, err
		}
		snap.Accounts = append(snap.Accounts, ledger.Account{Address: addr, Balance: bigOrZero(a.Amount)})
	}
	for _, a := range rec.Allowances {
		owner, err := decodeAddress(a.Owner)
		if err != nil {
			return nil, err
		}
		spender, err := decodeAddress(a.Spender)
		if err != nil {
			return nil, err
		}
		snap.Allowances = append(snap.Allowances, ledger.Allowance{Owner: owner, Spender: spender, Amount: bigOrZero(a.Amount)})
	}
	return snap, nil
}

func encodePositions(in []vault.Position) []balanceRecord {
	out := make([]balanceRecord, len(in))
	for i, p := range in {
		out[i] = balanceRecord{Address: p.Owner.String(), Amount: bigOrZero(p.Amount)}
	}
	return out
}

func decodePositions(in []balanceRecord) ([]vault.Position, error) {
	out := make([]vault.Position, 0, len(in))
	for _, b := range in {
		addr, err := decodeAddress(b.Address)
		if err != nil {
			return nil, err
		}
		out = append(out, vault.Position{Owner: addr, Amount: bigOrZero(b.Amount)})
	}
	return out, nil
}
