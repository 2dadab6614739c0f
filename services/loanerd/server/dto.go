package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"loaner/crypto"
	"loaner/native/community"
	"loaner/native/fixedpoint"
	"loaner/native/loan"
	"loaner/native/loaner"
	"loaner/native/pool"
)

const maxBodyBytes = 1 << 20

// Amounts travel as decimal strings with up to 18 fractional digits and APY
// figures as percentages, e.g. "10" or "7.25".

type amountRequest struct {
	Amount string `json:"amount"`
}

type stakeRequest struct {
	Stake string `json:"stake"`
}

type loanRefRequest struct {
	Loan crypto.Address `json:"loan"`
}

type addressRequest struct {
	Address crypto.Address `json:"address"`
}

type createCommunityRequest struct {
	Manager crypto.Address `json:"manager"`
}

type pauseRequest struct {
	Module string `json:"module"`
	Paused bool   `json:"paused"`
}

type createLoanRequest struct {
	Pool     crypto.Address `json:"pool"`
	Amount   string         `json:"amount"`
	TermDays uint64         `json:"term_days"`
	APY      string         `json:"apy"`
}

type withdrawLoanRequest struct {
	Beneficiary crypto.Address `json:"beneficiary"`
}

type transferRequest struct {
	To     crypto.Address `json:"to"`
	Amount string         `json:"amount"`
}

type approveRequest struct {
	Spender crypto.Address `json:"spender"`
	Amount  string         `json:"amount"`
}

type amountResponse struct {
	Amount string `json:"amount"`
}

type balanceResponse struct {
	Address crypto.Address `json:"address"`
	Balance string         `json:"balance"`
}

type policyResponse struct {
	ApprovalThreshold  string `json:"approval_threshold"`
	RejectionThreshold string `json:"rejection_threshold"`
	MinApprovals       uint32 `json:"min_approvals"`
	MinRejections      uint32 `json:"min_rejections"`
}

type communityResponse struct {
	Address   crypto.Address   `json:"address"`
	Pool      crypto.Address   `json:"pool"`
	Managers  []crypto.Address `json:"managers"`
	Borrowers int              `json:"borrowers"`
	Loans     []crypto.Address `json:"loans"`
	StakeHeld string           `json:"stake_held"`
	Policy    policyResponse   `json:"policy"`
}

type poolResponse struct {
	Address       crypto.Address   `json:"address"`
	Community     crypto.Address   `json:"community"`
	FundsManager  crypto.Address   `json:"funds_manager"`
	TotalLiquid   string           `json:"total_liquid"`
	MarketDeposit string           `json:"market_deposit"`
	Outstanding   string           `json:"outstanding"`
	TotalFunded   string           `json:"total_funded"`
	Funders       int              `json:"funders"`
	Loans         []crypto.Address `json:"loans"`
}

type loanResponse struct {
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
	CreatedAt      int64               `json:"created_at"`
	RepaidAt       int64               `json:"repaid_at,omitempty"`
	Repaid         bool                `json:"repaid"`
	DaysLeft       uint64              `json:"days_left"`
	Reclaimed      bool                `json:"reclaimed"`
}

type voteResponse struct {
	Loan    crypto.Address `json:"loan"`
	Manager crypto.Address `json:"manager"`
	Approve string         `json:"approve"`
	Reject  string         `json:"reject"`
}

type tallyResponse struct {
	Loan      crypto.Address `json:"loan"`
	Approve   string         `json:"approve"`
	Reject    string         `json:"reject"`
	Approvers uint32         `json:"approvers"`
	Rejectors uint32         `json:"rejectors"`
}

type borrowerResponse struct {
	Community crypto.Address          `json:"community"`
	Borrower  crypto.Address          `json:"borrower"`
	State     community.BorrowerState `json:"state"`
}

type createCommunityResponse struct {
	Community crypto.Address `json:"community"`
	Pool      crypto.Address `json:"pool"`
}

type auditResponse struct {
	TakenAt     int64             `json:"taken_at"`
	OK          bool              `json:"ok"`
	Communities int               `json:"communities"`
	Loans       int               `json:"loans"`
	Pools       []poolAuditRecord `json:"pools"`
	Failures    []string          `json:"failures,omitempty"`
}

type poolAuditRecord struct {
	Pool          crypto.Address `json:"pool"`
	TotalLiquid   string         `json:"total_liquid"`
	MarketDeposit string         `json:"market_deposit"`
	Outstanding   string         `json:"outstanding"`
	Funders       string         `json:"funders"`
	LedgerBalance string         `json:"ledger_balance"`
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// decodeOptionalJSON is decodeJSON for endpoints whose body may be omitted.
func decodeOptionalJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	v, err := fixedpoint.ParseAmount(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errBadRequest, field, err)
	}
	return v, nil
}

func pathAddress(r *http.Request, param string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(chi.URLParam(r, param))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %s: %v", errBadRequest, param, err)
	}
	return addr, nil
}

func requireAddress(field string, addr crypto.Address) error {
	if addr.IsZero() {
		return fmt.Errorf("%w: %s required", errBadRequest, field)
	}
	return nil
}

func toPolicy(p community.Policy) policyResponse {
	return policyResponse{
		ApprovalThreshold:  fixedpoint.FormatAmount(p.ApprovalThreshold),
		RejectionThreshold: fixedpoint.FormatAmount(p.RejectionThreshold),
		MinApprovals:       p.MinApprovals,
		MinRejections:      p.MinRejections,
	}
}

func toCommunity(v community.View) communityResponse {
	return communityResponse{
		Address:   v.Address,
		Pool:      v.Pool,
		Managers:  nonNil(v.Managers),
		Borrowers: v.Borrowers,
		Loans:     nonNil(v.Loans),
		StakeHeld: fixedpoint.FormatAmount(v.StakeHeld),
		Policy:    toPolicy(v.Policy),
	}
}

func toPool(v pool.View) poolResponse {
	return poolResponse{
		Address:       v.Address,
		Community:     v.Community,
		FundsManager:  v.FundsManager,
		TotalLiquid:   fixedpoint.FormatAmount(v.TotalLiquid),
		MarketDeposit: fixedpoint.FormatAmount(v.MarketDeposit),
		Outstanding:   fixedpoint.FormatAmount(v.Outstanding),
		TotalFunded:   fixedpoint.FormatAmount(v.TotalFunded),
		Funders:       v.Funders,
		Loans:         nonNil(v.Loans),
	}
}

func toLoan(v loan.View) loanResponse {
	return loanResponse{
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
		CreatedAt:      v.CreatedAt,
		RepaidAt:       v.RepaidAt,
		Repaid:         v.Repaid,
		DaysLeft:       v.DaysLeft,
		Reclaimed:      v.Reclaimed,
	}
}

func toTally(loanAddr crypto.Address, t community.Tally) tallyResponse {
	return tallyResponse{
		Loan:      loanAddr,
		Approve:   fixedpoint.FormatAmount(t.Approve),
		Reject:    fixedpoint.FormatAmount(t.Reject),
		Approvers: t.Approvers,
		Rejectors: t.Rejectors,
	}
}

func toAudit(report loaner.AuditReport) auditResponse {
	out := auditResponse{
		TakenAt:     report.TakenAt,
		OK:          report.OK(),
		Communities: report.Communities,
		Loans:       report.Loans,
		Pools:       make([]poolAuditRecord, 0, len(report.Pools)),
		Failures:    report.Failures,
	}
	for _, p := range report.Pools {
		out.Pools = append(out.Pools, poolAuditRecord{
			Pool:          p.Pool,
			TotalLiquid:   fixedpoint.FormatAmount(p.TotalLiquid),
			MarketDeposit: fixedpoint.FormatAmount(p.MarketDeposit),
			Outstanding:   fixedpoint.FormatAmount(p.Outstanding),
			Funders:       fixedpoint.FormatAmount(p.Funders),
			LedgerBalance: fixedpoint.FormatAmount(p.LedgerBalance),
		})
	}
	return out
}

func nonNil(in []crypto.Address) []crypto.Address {
	if in == nil {
		return []crypto.Address{}
	}
	return in
}
