package server

import (
	"fmt"
	"net/http"

	loanererrors "loaner/core/errors"
	"loaner/crypto"
	"loaner/native/fixedpoint"
)

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	s.read(w, func() (interface{}, error) {
		addr, err := pathAddress(r, "address")
		if err != nil {
			return nil, err
		}
		return balanceResponse{Address: addr, Balance: fixedpoint.FormatAmount(s.ledger.BalanceOf(addr))}, nil
	})
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "ledger", "approve", func(caller crypto.Address) (interface{}, error) {
		var req approveRequest
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
		if err := requireAddress("spender", req.Spender); err != nil {
			return nil, err
		}
		amount, err := parseAmount("amount", req.Amount)
		if err != nil {
			return nil, err
		}
		return nil, s.ledger.Approve(caller, req.Spender, amount)
	})
}

func (s *Server) transfer(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "ledger", "transfer", func(caller crypto.Address) (interface{}, error) {
		var req transferRequest
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
		if err := requireAddress("to", req.To); err != nil {
			return nil, err
		}
		amount, err := parseAmount("amount", req.Amount)
		if err != nil {
			return nil, err
		}
		if err := s.ledger.Transfer(caller, req.To, amount); err != nil {
			return nil, err
		}
		return balanceResponse{Address: caller, Balance: fixedpoint.FormatAmount(s.ledger.BalanceOf(caller))}, nil
	})
}

// mint is the development faucet. It is only routed when enabled and only
// registry admins may use it.
func (s *Server) mint(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "ledger", "mint", func(caller crypto.Address) (interface{}, error) {
		minter, ok := s.ledger.(Minter)
		if !s.allowMint || !ok {
			return nil, errMintDisabled
		}
		if !s.registry.IsAdmin(caller) {
			return nil, fmt.Errorf("mint: %w", loanererrors.ErrUnauthorized)
		}
		var req transferRequest
		if err := decodeJSON(r, &req); err != nil {
			return nil, err
		}
		if err := requireAddress("to", req.To); err != nil {
			return nil, err
		}
		amount, err := parseAmount("amount", req.Amount)
		if err != nil {
			return nil, err
		}
		if err := minter.Mint(req.To, amount); err != nil {
			return nil, err
		}
		return balanceResponse{Address: req.To, Balance: fixedpoint.FormatAmount(s.ledger.BalanceOf(req.To))}, nil
	})
}
