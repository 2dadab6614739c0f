package loaner

import (
	"errors"
	"fmt"

	"loaner/native/pool"
)

// AuditReport summarises a registry-wide conservation check.
type AuditReport struct {
	TakenAt     int64
	Pools       []pool.AuditReport
	Communities int
	Loans       int
	Failures    []string
}

// OK reports whether every check passed.
func (a AuditReport) OK() bool { return len(a.Failures) == 0 }

// Audit checks every pool's conservation of funds and every community's stake
// escrow while no mutation is in flight.
func (r *Registry) Audit() (AuditReport, error) {
	var report AuditReport
	var errs []error
	err := r.env.Barrier.Freeze(func() error {
		r.mu.RLock()
		defer r.mu.RUnlock()
		report.TakenAt = r.env.Now()
		report.Communities = len(r.communities)
		report.Loans = len(r.loans)
		for _, addr := range r.poolOrder {
			pr, err := r.pools[addr].Audit()
			report.Pools = append(report.Pools, pr)
			if err != nil {
				errs = append(errs, err)
				report.Failures = append(report.Failures, err.Error())
			}
		}
		for _, addr := range r.communityOrder {
			if err := r.communities[addr].Audit(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", addr, err))
				report.Failures = append(report.Failures, err.Error())
			}
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	return report, errors.Join(errs...)
}
