package server

import (
	"fmt"
	"net/http"

	"loaner/crypto"
	"loaner/native/fixedpoint"
)

func (s *Server) listLoans(w http.ResponseWriter, _ *http.Request) {
	s.read(w, func() (interface{}, error) {
		loans := s.registry.Loans()
		out := make([]loanResponse, 0, len(loans))
		for _, l := range loans {
			view, err := l.View()
			if err != nil {
				return nil, err
			}
			out = append(out, toLoan(view))
		}
		return map[string][]loanResponse{"loans": out}, nil
	})
}

func (s *Server) getLoan(w http.ResponseWriter, r *http.Request) {
	s.read(w, func() (interface{}, error) {
		l, err := s.loanParam(r)
		if err != nil {
			return nil, err
		}
		view, err := l.View()
		if err != nil {
			return nil, err
		}
		return toLoan(view), nil
	})
}

func (s *Server) createLoan(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "loan", "create", func(caller crypto.Address) (interface{}, error) {
		var req createLoanRequest
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
		if err := requireAddress("pool", req.Pool); err != nil {
			return nil, err
		}
		amount, err := parseAmount("amount", req.Amount)
		if err != nil {
			return nil, err
		}
		apy, err := fixedpoint.ParseAPY(req.APY)
		if err != nil {
			return nil, fmt.Errorf("%w: apy: %v", errBadRequest, err)
		}
		term, err := fixedpoint.Days(req.TermDays)
		if err != nil {
			return nil, fmt.Errorf("%w: term_days: %v", errBadRequest, err)
		}
		l, err := s.registry.CreateLoanToken(caller, req.Pool, amount, term, apy)
		if err != nil {
			return nil, err
		}
		view, err := l.View()
		if err != nil {
			return nil, err
		}
		return toLoan(view), nil
	})
}

func (s *Server) withdrawLoan(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "loan", "withdraw", func(caller crypto.Address) (interface{}, error) {
		l, err := s.loanParam(r)
		if err != nil {
			return nil, err
		}
		var req withdrawLoanRequest
		if err := decodeOptionalJSON(r, &req); err != nil {
			return nil, err
		}
		beneficiary := req.Beneficiary
		if beneficiary.IsZero() {
			beneficiary = caller
		}
		paid, err := l.Withdraw(caller, beneficiary)
		if err != nil {
			return nil, err
		}
		return amountResponse{Amount: fixedpoint.FormatAmount(paid)}, nil
	})
}

func (s *Server) repayLoan(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "loan", "repay", func(caller crypto.Address) (interface{}, error) {
		l, err := s.loanParam(r)
		if err != nil {
			return nil, err
		}
		var req amountRequest
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
		amount, err := parseAmount("amount", req.Amount)
		if err != nil {
			return nil, err
		}
		pulled, err := l.Repay(caller, amount)
		if err != nil {
			return nil, err
		}
		view, err := l.View()
		if err != nil {
			return nil, err
		}
		return struct {
			loanResponse
			Pulled string `json:"pulled"`
		}{toLoan(view), fixedpoint.FormatAmount(pulled)}, nil
	})
}

// closeLoan marks a covered loan as settled. Anyone may trigger it.
func (s *Server) closeLoan(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "loan", "close", func(crypto.Address) (interface{}, error) {
		l, err := s.loanParam(r)
		if err != nil {
			return nil, err
		}
		if err := l.Close(); err != nil {
			return nil, err
		}
		view, err := l.View()
		if err != nil {
			return nil, err
		}
		return toLoan(view), nil
	})
}
