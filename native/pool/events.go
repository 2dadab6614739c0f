package pool

import (
	"math/big"

	"loaner/core/events"
	"loaner/crypto"
)

const (
	EventTypeJoined     = "pool.joined"
	EventTypeLeft       = "pool.left"
	EventTypeFunded     = "pool.funded"
	EventTypeFlushed    = "pool.flushed"
	EventTypePulled     = "pool.pulled"
	EventTypeHarvested  = "pool.harvested"
	EventTypeReclaimed  = "pool.reclaimed"
	EventTypeWrittenOff = "pool.written_off"
)

func (p *Pool) event(eventType string, actor crypto.Address, amount *big.Int, extra map[string]string) events.Payload {
	attrs := map[string]string{
		"pool":          p.address.String(),
		"community":     p.community.String(),
		"amount":        events.FormatAmount(amount),
		"totalLiquid":   events.FormatAmount(p.totalLiquid),
		"marketDeposit": events.FormatAmount(p.marketDeposit),
	}
	if !actor.IsZero() {
		attrs["actor"] = actor.String()
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return events.New(eventType, attrs)
}
