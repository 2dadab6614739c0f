package common

import (
	"time"

	"loaner/core/events"
	"loaner/native/ledger"
)

// Env carries the collaborators shared by every entity of one registry: the
// asset ledger, the event sink, the pause switch, the snapshot barrier and the
// clock. The zero value is usable except for Ledger.
type Env struct {
	Ledger  ledger.AssetLedger
	Emitter events.Emitter
	Pauses  PauseView
	Barrier *Barrier
	NowFn   func() int64
}

// Now returns the current unix time from the configured clock.
func (e *Env) Now() int64 {
	if e == nil || e.NowFn == nil {
		return time.Now().Unix()
	}
	return e.NowFn()
}

// Emit forwards evt to the configured emitter.
func (e *Env) Emit(evt events.Event) {
	if e == nil || e.Emitter == nil || evt == nil {
		return
	}
	e.Emitter.Emit(evt)
}

// Guard fails when module is paused.
func (e *Env) Guard(module string) error {
	if e == nil {
		return nil
	}
	return Guard(e.Pauses, module)
}

// Enter registers a mutation with the barrier.
func (e *Env) Enter() func() {
	if e == nil {
		return func() {}
	}
	return e.Barrier.Enter()
}
