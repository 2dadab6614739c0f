package server

import (
	"math/big"
	"net/http"

	"loaner/crypto"
	"loaner/native/community"
	"loaner/native/fixedpoint"
	"loaner/native/loan"
)

func (s *Server) communityParam(r *http.Request) (*community.Community, error) {
	addr, err := pathAddress(r, "community")
	if err != nil {
		return nil, err
	}
	return s.registry.Community(addr)
}

func (s *Server) loanParam(r *http.Request) (*loan.Loan, error) {
	addr, err := pathAddress(r, "loan")
	if err != nil {
		return nil, err
	}
	return s.registry.Loan(addr)
}

func (s *Server) getCommunity(w http.ResponseWriter, r *http.Request) {
	s.read(w, func() (interface{}, error) {
		c, err := s.communityParam(r)
		if err != nil {
			return nil, err
		}
		return toCommunity(c.View()), nil
	})
}

func (s *Server) communityLoans(w http.ResponseWriter, r *http.Request) {
	s.read(w, func() (interface{}, error) {
		c, err := s.communityParam(r)
		if err != nil {
			return nil, err
		}
		out := make([]loanResponse, 0)
		for _, addr := range c.Loans() {
			l, err := s.registry.Loan(addr)
			if err != nil {
				return nil, err
			}
			view, err := l.View()
			if err != nil {
				return nil, err
			}
			out = append(out, toLoan(view))
		}
		return map[string][]loanResponse{"loans": out}, nil
	})
}

func (s *Server) getBorrower(w http.ResponseWriter, r *http.Request) {
	s.read(w, func() (interface{}, error) {
		c, err := s.communityParam(r)
		if err != nil {
			return nil, err
		}
		borrower, err := pathAddress(r, "borrower")
		if err != nil {
			return nil, err
		}
		return borrowerResponse{Community: c.Address(), Borrower: borrower, State: c.BorrowerState(borrower)}, nil
	})
}

func (s *Server) addBorrower(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "community", "add_borrower", func(caller crypto.Address) (interface{}, error) {
		c, err := s.communityParam(r)
		if err != nil {
			return nil, err
		}
		var req addressRequest
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
		if err := requireAddress("address", req.Address); err != nil {
			return nil, err
		}
		if err := c.AddBorrower(caller, req.Address); err != nil {
			return nil, err
		}
		return borrowerResponse{Community: c.Address(), Borrower: req.Address, State: c.BorrowerState(req.Address)}, nil
	})
}

func (s *Server) lockBorrower(w http.ResponseWriter, r *http.Request) {
	s.borrowerTransition(w, r, "lock_borrower", (*community.Community).LockBorrower)
}

func (s *Server) removeBorrower(w http.ResponseWriter, r *http.Request) {
	s.borrowerTransition(w, r, "remove_borrower", (*community.Community).RemoveBorrower)
}

func (s *Server) borrowerTransition(w http.ResponseWriter, r *http.Request, op string, fn func(*community.Community, crypto.Address, crypto.Address) error) {
	s.mutate(w, r, "community", op, func(caller crypto.Address) (interface{}, error) {
		c, err := s.communityParam(r)
		if err != nil {
			return nil, err
		}
		borrower, err := pathAddress(r, "borrower")
		if err != nil {
			return nil, err
		}
		if err := fn(c, caller, borrower); err != nil {
			return nil, err
		}
		return borrowerResponse{Community: c.Address(), Borrower: borrower, State: c.BorrowerState(borrower)}, nil
	})
}

func (s *Server) addManager(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "community", "add_manager", func(caller crypto.Address) (interface{}, error) {
		c, err := s.communityParam(r)
		if err != nil {
			return nil, err
		}
		var req addressRequest
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
		if err := requireAddress("address", req.Address); err != nil {
			return nil, err
		}
		if err := c.AddManager(caller, req.Address); err != nil {
			return nil, err
		}
		return map[string][]crypto.Address{"managers": c.Managers()}, nil
	})
}

func (s *Server) removeManager(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "community", "remove_manager", func(caller crypto.Address) (interface{}, error) {
		c, err := s.communityParam(r)
		if err != nil {
			return nil, err
		}
		manager, err := pathAddress(r, "manager")
		if err != nil {
			return nil, err
		}
		if err := c.RemoveManager(caller, manager); err != nil {
			return nil, err
		}
		return map[string][]crypto.Address{"managers": c.Managers()}, nil
	})
}

func (s *Server) submitLoan(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "community", "submit", func(caller crypto.Address) (interface{}, error) {
		c, err := s.communityParam(r)
		if err != nil {
			return nil, err
		}
		var req loanRefRequest
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
		l, err := s.registry.Loan(req.Loan)
		if err != nil {
			return nil, err
		}
		if err := c.Submit(caller, l); err != nil {
			return nil, err
		}
		view, err := l.View()
		if err != nil {
			return nil, err
		}
		return toLoan(view), nil
	})
}

func (s *Server) approveLoan(w http.ResponseWriter, r *http.Request) {
	s.stakeOp(w, r, "approve", (*community.Community).Approve)
}

func (s *Server) rejectLoan(w http.ResponseWriter, r *http.Request) {
	s.stakeOp(w, r, "reject", (*community.Community).Reject)
}

func (s *Server) withdrawStake(w http.ResponseWriter, r *http.Request) {
	s.stakeOp(w, r, "withdraw_stake", (*community.Community).Withdraw)
}

// stakeOp runs a vote or stake withdrawal and answers with the updated tally.
func (s *Server) stakeOp(w http.ResponseWriter, r *http.Request, op string, fn func(*community.Community, crypto.Address, *loan.Loan, *big.Int) error) {
	s.mutate(w, r, "community", op, func(caller crypto.Address) (interface{}, error) {
		c, err := s.communityParam(r)
		if err != nil {
			return nil, err
		}
		l, err := s.loanParam(r)
		if err != nil {
			return nil, err
		}
		var req stakeRequest
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
		stake, err := parseAmount("stake", req.Stake)
		if err != nil {
			return nil, err
		}
		if err := fn(c, caller, l, stake); err != nil {
			return nil, err
		}
		tally, err := c.Tally(l.Address())
		if err != nil {
			return nil, err
		}
		return struct {
			tallyResponse
			Status loan.Status `json:"status"`
		}{toTally(l.Address(), tally), l.Status()}, nil
	})
}

func (s *Server) getVote(w http.ResponseWriter, r *http.Request) {
	s.read(w, func() (interface{}, error) {
		c, err := s.communityParam(r)
		if err != nil {
			return nil, err
		}
		loanAddr, err := pathAddress(r, "loan")
		if err != nil {
			return nil, err
		}
		manager, err := pathAddress(r, "manager")
		if err != nil {
			return nil, err
		}
		v := c.Vote(loanAddr, manager)
		return voteResponse{
			Loan:    loanAddr,
			Manager: manager,
			Approve: fixedpoint.FormatAmount(v.Approve),
			Reject:  fixedpoint.FormatAmount(v.Reject),
		}, nil
	})
}

func (s *Server) getTally(w http.ResponseWriter, r *http.Request) {
	s.read(w, func() (interface{}, error) {
		c, err := s.communityParam(r)
		if err != nil {
			return nil, err
		}
		loanAddr, err := pathAddress(r, "loan")
		if err != nil {
			return nil, err
		}
		tally, err := c.Tally(loanAddr)
		if err != nil {
			return nil, err
		}
		return toTally(loanAddr, tally), nil
	})
}
