package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/sony/gobreaker"

	loanererrors "loaner/core/errors"
	"loaner/crypto"
)

// BreakerConfig tunes the circuit breaker guarding an external vault.
type BreakerConfig struct {
	Name string
	// ConsecutiveFailures trips the breaker open.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenRequests bounds trial requests while half-open.
	HalfOpenRequests uint32
	OnStateChange    func(name string, from, to gobreaker.State)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Name == "" {
		c.Name = "vault"
	}
	if c.ConsecutiveFailures == 0 {
		c.ConsecutiveFailures = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.HalfOpenRequests == 0 {
		c.HalfOpenRequests = 1
	}
	return c
}

// Breaker wraps a Vault so a failing market stops being called until it
// recovers. Protocol errors (insufficient position, bad amounts) and caller
// cancellation do not count as failures.
type Breaker struct {
	next Vault
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker guards next with a circuit breaker.
func NewBreaker(next Vault, cfg BreakerConfig) *Breaker {
	cfg = cfg.withDefaults()
	threshold := cfg.ConsecutiveFailures
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) {
				return true
			}
			return loanererrors.Kind(err) != nil
		},
		OnStateChange: cfg.OnStateChange,
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Address implements Vault.
func (b *Breaker) Address() crypto.Address { return b.next.Address() }

// Unwrap returns the guarded vault.
func (b *Breaker) Unwrap() Vault { return b.next }

// State reports the breaker state.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

// Deposit implements Vault.
func (b *Breaker) Deposit(ctx context.Context, from crypto.Address, amount *big.Int) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Deposit(ctx, from, amount)
	})
	return wrapBreakerErr(err)
}

// Withdraw implements Vault.
func (b *Breaker) Withdraw(ctx context.Context, to crypto.Address, amount *big.Int) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Withdraw(ctx, to, amount)
	})
	return wrapBreakerErr(err)
}

// BalanceOf implements Vault.
func (b *Breaker) BalanceOf(ctx context.Context, owner crypto.Address) (*big.Int, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.BalanceOf(ctx, owner)
	})
	if err != nil {
		return nil, wrapBreakerErr(err)
	}
	bal, _ := out.(*big.Int)
	if bal == nil {
		bal = big.NewInt(0)
	}
	return bal, nil
}

func wrapBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
