package pool

import (
	"math/big"

	"loaner/crypto"
)

// Balance pairs an address with an amount.
type Balance struct {
	Address crypto.Address
	Amount  *big.Int
}

// Snapshot is the durable record of a pool.
type Snapshot struct {
	Address       crypto.Address
	Community     crypto.Address
	FundsManager  crypto.Address
	CreatedAt     int64
	TotalLiquid   *big.Int
	MarketDeposit *big.Int
	Funders       []Balance
	Outstanding   []Balance
}

// View is the pool query surface.
type View struct {
	Address       crypto.Address
	Community     crypto.Address
	FundsManager  crypto.Address
	TotalLiquid   *big.Int
	MarketDeposit *big.Int
	Outstanding   *big.Int
	TotalFunded   *big.Int
	Funders       int
	Loans         []crypto.Address
}

// AuditReport is the outcome of a conservation check.
type AuditReport struct {
	Pool          crypto.Address
	TotalLiquid   *big.Int
	MarketDeposit *big.Int
	Outstanding   *big.Int
	Funders       *big.Int
	LedgerBalance *big.Int
}
