package events

import (
	"math/big"

	"loaner/core/types"
	"loaner/crypto"
)

const (
	// TypeTransfer is emitted for every asset ledger balance movement.
	TypeTransfer = "ledger.transfer"
	// TypeApproval is emitted when an owner sets a spender allowance.
	TypeApproval = "ledger.approval"
	// TypeMint is emitted when the development faucet credits an account.
	TypeMint = "ledger.mint"
)

type Transfer struct {
	From    crypto.Address
	To      crypto.Address
	Spender crypto.Address
	Amount  *big.Int
}

func (Transfer) EventType() string { return TypeTransfer }

func (e Transfer) Event() *types.Event {
	attrs := map[string]string{
		"from":   e.From.String(),
		"to":     e.To.String(),
		"amount": FormatAmount(e.Amount),
	}
	if !e.Spender.IsZero() {
		attrs["spender"] = e.Spender.String()
	}
	return &types.Event{Type: TypeTransfer, Attributes: attrs}
}

type Approval struct {
	Owner   crypto.Address
	Spender crypto.Address
	Amount  *big.Int
}

func (Approval) EventType() string { return TypeApproval }

func (e Approval) Event() *types.Event {
	return &types.Event{Type: TypeApproval, Attributes: map[string]string{
		"owner":   e.Owner.String(),
		"spender": e.Spender.String(),
		"amount":  FormatAmount(e.Amount),
	}}
}

type Mint struct {
	To     crypto.Address
	Amount *big.Int
}

func (Mint) EventType() string { return TypeMint }

func (e Mint) Event() *types.Event {
	return &types.Event{Type: TypeMint, Attributes: map[string]string{
		"to":     e.To.String(),
		"amount": FormatAmount(e.Amount),
	}}
}
