package query

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"

	"loaner/crypto"
	"loaner/native/community"
	"loaner/native/fixedpoint"
	"loaner/native/loan"
	"loaner/native/loaner"
	"loaner/native/pool"
)

// CodecName is the content subtype clients must request, e.g. with
// grpc.CallContentSubtype(CodecName).
const CodecName = "json"

// jsonCodec carries the query messages as JSON so the service needs no
// generated protobuf types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type AddressRequest struct {
	Address crypto.Address `json:"address"`
}

type TallyRequest struct {
	Community crypto.Address `json:"community"`
	Loan      crypto.Address `json:"loan"`
}

type ListRequest struct{}

type Loan struct {
	Address        crypto.Address      `json:"address"`
	Borrower       crypto.Address      `json:"borrower"`
	Pool           crypto.Address      `json:"pool"`
	Community      crypto.Address      `json:"community"`
	Amount         string              `json:"amount"`
	APY            string              `json:"apy"`
	TermSeconds    uint64              `json:"term"`
	Status         loan.Status         `json:"status"`
	InternalStatus loan.InternalStatus `json:"internal_status"`
	Balance        string              `json:"balance"`
	Debt           string              `json:"debt"`
	Start          int64               `json:"start"`
	Repaid         bool                `json:"repaid"`
	DaysLeft       uint64              `json:"days_left"`
}

type LoanList struct {
	Loans []Loan `json:"loans"`
}

type Pool struct {
	Address       crypto.Address   `json:"address"`
	Community     crypto.Address   `json:"community"`
	FundsManager  crypto.Address   `json:"funds_manager"`
	TotalLiquid   string           `json:"total_liquid"`
	MarketDeposit string           `json:"market_deposit"`
	Outstanding   string           `json:"outstanding"`
	Funders       int              `json:"funders"`
	Loans         []crypto.Address `json:"loans"`
}

type Community struct {
	Address   crypto.Address   `json:"address"`
	Pool      crypto.Address   `json:"pool"`
	Managers  []crypto.Address `json:"managers"`
	Borrowers int              `json:"borrowers"`
	Loans     []crypto.Address `json:"loans"`
	StakeHeld string           `json:"stake_held"`
}

type Tally struct {
	Loan      crypto.Address `json:"loan"`
	Approve   string         `json:"approve"`
	Reject    string         `json:"reject"`
	Approvers uint32         `json:"approvers"`
	Rejectors uint32         `json:"rejectors"`
}

type Audit struct {
	TakenAt  int64    `json:"taken_at"`
	OK       bool     `json:"ok"`
	Pools    int      `json:"pools"`
	Loans    int      `json:"loans"`
	Failures []string `json:"failures,omitempty"`
}

func toLoan(v loan.View) Loan {
	return Loan{
		Address:        v.Address,
		Borrower:       v.Borrower,
		Pool:           v.Pool,
		Community:      v.Community,
		Amount:         fixedpoint.FormatAmount(v.Amount),
		APY:            fixedpoint.FormatAPY(v.APY),
		TermSeconds:    v.Term,
		Status:         v.Status,
		InternalStatus: v.Internal,
		Balance:        fixedpoint.FormatAmount(v.Balance),
		Debt:           fixedpoint.FormatAmount(v.Debt),
		Start:          v.Start,
		Repaid:         v.Repaid,
		DaysLeft:       v.DaysLeft,
	}
}

func toPool(v pool.View) Pool {
	return Pool{
		Address:       v.Address,
		Community:     v.Community,
		FundsManager:  v.FundsManager,
		TotalLiquid:   fixedpoint.FormatAmount(v.TotalLiquid),
		MarketDeposit: fixedpoint.FormatAmount(v.MarketDeposit),
		Outstanding:   fixedpoint.FormatAmount(v.Outstanding),
		Funders:       v.Funders,
		Loans:         v.Loans,
	}
}

func toCommunity(v community.View) Community {
	return Community{
		Address:   v.Address,
		Pool:      v.Pool,
		Managers:  v.Managers,
		Borrowers: v.Borrowers,
		Loans:     v.Loans,
		StakeHeld: fixedpoint.FormatAmount(v.StakeHeld),
	}
}

func toTally(loanAddr crypto.Address, t community.Tally) Tally {
	return Tally{
		Loan:      loanAddr,
		Approve:   fixedpoint.FormatAmount(t.Approve),
		Reject:    fixedpoint.FormatAmount(t.Reject),
		Approvers: t.Approvers,
		Rejectors: t.Rejectors,
	}
}

func toAudit(r loaner.AuditReport) Audit {
	return Audit{
		TakenAt:  r.TakenAt,
		OK:       r.OK(),
		Pools:    len(r.Pools),
		Loans:    r.Loans,
		Failures: r.Failures,
	}
}
