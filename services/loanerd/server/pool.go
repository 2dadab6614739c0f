package server

import (
	"math/big"
	"net/http"

	"loaner/crypto"
	"loaner/native/fixedpoint"
	"loaner/native/loan"
	"loaner/native/pool"
)

func (s *Server) poolParam(r *http.Request) (*pool.Pool, error) {
	addr, err := pathAddress(r, "pool")
	if err != nil {
		return nil, err
	}
	return s.registry.Pool(addr)
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	s.read(w, func() (interface{}, error) {
		p, err := s.poolParam(r)
		if err != nil {
			return nil, err
		}
		return toPool(p.View()), nil
	})
}

func (s *Server) getFunder(w http.ResponseWriter, r *http.Request) {
	s.read(w, func() (interface{}, error) {
		p, err := s.poolParam(r)
		if err != nil {
			return nil, err
		}
		funder, err := pathAddress(r, "funder")
		if err != nil {
			return nil, err
		}
		return balanceResponse{Address: funder, Balance: fixedpoint.FormatAmount(p.FunderBalance(funder))}, nil
	})
}

func (s *Server) joinPool(w http.ResponseWriter, r *http.Request) {
	s.amountOp(w, r, "join", func(p *pool.Pool, caller crypto.Address, amount *big.Int) error {
		return p.Join(caller, amount)
	})
}

func (s *Server) leavePool(w http.ResponseWriter, r *http.Request) {
	s.amountOp(w, r, "leave", func(p *pool.Pool, caller crypto.Address, amount *big.Int) error {
		return p.Leave(caller, amount)
	})
}

func (s *Server) flushPool(w http.ResponseWriter, r *http.Request) {
	s.amountOp(w, r, "flush", func(p *pool.Pool, caller crypto.Address, amount *big.Int) error {
		return p.Flush(r.Context(), caller, amount)
	})
}

func (s *Server) pullPool(w http.ResponseWriter, r *http.Request) {
	s.amountOp(w, r, "pull", func(p *pool.Pool, caller crypto.Address, amount *big.Int) error {
		return p.Pull(r.Context(), caller, amount)
	})
}

// amountOp runs a pool operation that takes an amount and answers with the
// updated pool view.
func (s *Server) amountOp(w http.ResponseWriter, r *http.Request, op string, fn func(*pool.Pool, crypto.Address, *big.Int) error) {
	s.mutate(w, r, "pool", op, func(caller crypto.Address) (interface{}, error) {
		p, err := s.poolParam(r)
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
		if err := fn(p, caller, amount); err != nil {
			return nil, err
		}
		return s.poolView(p), nil
	})
}

func (s *Server) harvestPool(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "pool", "harvest", func(caller crypto.Address) (interface{}, error) {
		p, err := s.poolParam(r)
		if err != nil {
			return nil, err
		}
		yield, err := p.Harvest(r.Context(), caller)
		if err != nil {
			return nil, err
		}
		s.poolView(p)
		return amountResponse{Amount: fixedpoint.FormatAmount(yield)}, nil
	})
}

func (s *Server) fundLoan(w http.ResponseWriter, r *http.Request) {
	s.loanOp(w, r, "fund", func(p *pool.Pool, caller crypto.Address, l *loan.Loan) (*big.Int, error) {
		return nil, p.Fund(caller, l)
	})
}

func (s *Server) reclaimLoan(w http.ResponseWriter, r *http.Request) {
	s.loanOp(w, r, "reclaim", (*pool.Pool).Reclaim)
}

func (s *Server) writeOffLoan(w http.ResponseWriter, r *http.Request) {
	s.loanOp(w, r, "write_off", (*pool.Pool).WriteOff)
}

// loanOp runs a pool operation against a loan named in the request body. The
// response carries the loan after the operation and, when the operation moved
// funds back into the pool, the amount returned.
func (s *Server) loanOp(w http.ResponseWriter, r *http.Request, op string, fn func(*pool.Pool, crypto.Address, *loan.Loan) (*big.Int, error)) {
	s.mutate(w, r, "pool", op, func(caller crypto.Address) (interface{}, error) {
		p, err := s.poolParam(r)
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
		returned, err := fn(p, caller, l)
		if err != nil {
			return nil, err
		}
		s.poolView(p)
		view, err := l.View()
		if err != nil {
			return nil, err
		}
		resp := struct {
			Loan     loanResponse `json:"loan"`
			Returned string       `json:"returned,omitempty"`
		}{Loan: toLoan(view)}
		if returned != nil {
			resp.Returned = fixedpoint.FormatAmount(returned)
		}
		return resp, nil
	})
}

// poolView refreshes the pool gauges and returns the rendered view.
func (s *Server) poolView(p *pool.Pool) poolResponse {
	v := p.View()
	s.metrics.SetPool(v.Address.String(), v.TotalLiquid, v.MarketDeposit, v.Outstanding)
	return toPool(v)
}
