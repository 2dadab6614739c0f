package common

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	loanererrors "loaner/core/errors"
)

// ErrModulePaused is returned by Guard when the module is paused.
var ErrModulePaused = loanererrors.ErrModulePaused

// Module names recognised by the pause switch.
const (
	ModuleLoan      = "loan"
	ModulePool      = "pool"
	ModuleCommunity = "community"
)

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return fmt.Errorf("%s: %w", module, ErrModulePaused)
	}
	return nil
}

// Pauses is an in-memory PauseView toggled by registry admins.
type Pauses struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewPauses returns a switchboard with the supplied modules paused.
func NewPauses(modules ...string) *Pauses {
	p := &Pauses{paused: make(map[string]bool)}
	for _, module := range modules {
		p.Set(module, true)
	}
	return p
}

// IsPaused implements PauseView.
func (p *Pauses) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused[normalizeModule(module)]
}

// Set pauses or resumes a module.
func (p *Pauses) Set(module string, paused bool) {
	module = normalizeModule(module)
	if module == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if paused {
		p.paused[module] = true
		return
	}
	delete(p.paused, module)
}

// List returns the paused modules in lexical order.
func (p *Pauses) List() []string {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.paused))
	for module := range p.paused {
		out = append(out, module)
	}
	sort.Strings(out)
	return out
}

// KnownModule reports whether the module name can be paused.
func KnownModule(module string) bool {
	switch normalizeModule(module) {
	case ModuleLoan, ModulePool, ModuleCommunity:
		return true
	default:
		return false
	}
}

func normalizeModule(module string) string {
	return strings.ToLower(strings.TrimSpace(module))
}
