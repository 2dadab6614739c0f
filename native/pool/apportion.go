package pool

import (
	"math/big"
	"sort"

	"loaner/crypto"
)

// apportion splits delta across funders in proportion to their balances.
// Each share is floored; the leftover base units go one each to the largest
// funders (ties broken by address) so the shares sum to delta exactly. A
// negative delta is a loss and never takes a funder below zero.
func (p *Pool) apportion(delta *big.Int) (map[crypto.Address]*big.Int, error) {
	shares := make(map[crypto.Address]*big.Int, len(p.funders))
	if delta.Sign() == 0 {
		return shares, nil
	}
	total := p.sumFunders()
	if total.Sign() == 0 {
		return nil, errApportionNoFunders
	}
	magnitude := new(big.Int).Abs(delta)
	loss := delta.Sign() < 0
	if loss && magnitude.Cmp(total) > 0 {
		magnitude.Set(total)
	}

	type holding struct {
		addr    crypto.Address
		balance *big.Int
	}
	holders := make([]holding, 0, len(p.funders))
	for addr, bal := range p.funders {
		holders = append(holders, holding{addr: addr, balance: bal})
	}
	sort.Slice(holders, func(i, j int) bool {
		if c := holders[i].balance.Cmp(holders[j].balance); c != 0 {
			return c > 0
		}
		return holders[i].addr.String() < holders[j].addr.String()
	})

	assigned := big.NewInt(0)
	portions := make([]*big.Int, len(holders))
	for i, h := range holders {
		portion := new(big.Int).Mul(magnitude, h.balance)
		portion.Quo(portion, total)
		portions[i] = portion
		assigned.Add(assigned, portion)
	}
	remainder := new(big.Int).Sub(magnitude, assigned)
	one := big.NewInt(1)
	for remainder.Sign() > 0 {
		progressed := false
		for i, h := range holders {
			if remainder.Sign() == 0 {
				break
			}
			if loss && portions[i].Cmp(h.balance) >= 0 {
				continue
			}
			portions[i].Add(portions[i], one)
			remainder.Sub(remainder, one)
			progressed = true
		}
		if !progressed {
			break
		}
	}
	for i, h := range holders {
		if portions[i].Sign() == 0 {
			continue
		}
		if loss {
			portions[i].Neg(portions[i])
		}
		shares[h.addr] = portions[i]
	}
	return shares, nil
}
