package common

import (
	"errors"
	"sync"
	"testing"
)

func TestGuardHonoursPauses(t *testing.T) {
	pauses := NewPauses(ModulePool)
	if err := Guard(pauses, ModuleLoan); err != nil {
		t.Fatalf("loan module should be live: %v", err)
	}
	if err := Guard(pauses, ModulePool); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	pauses.Set(" POOL ", false)
	if err := Guard(pauses, ModulePool); err != nil {
		t.Fatalf("pool should be resumed: %v", err)
	}
	if err := Guard(nil, ModulePool); err != nil {
		t.Fatalf("nil pause view must not block: %v", err)
	}
}

func TestPausesList(t *testing.T) {
	pauses := NewPauses(ModuleLoan, ModuleCommunity)
	got := pauses.List()
	if len(got) != 2 || got[0] != ModuleCommunity || got[1] != ModuleLoan {
		t.Fatalf("unexpected paused modules: %v", got)
	}
	if !KnownModule("Community") || KnownModule("swap") {
		t.Fatalf("unexpected module recognition")
	}
}

func TestBarrierFreezeExcludesMutations(t *testing.T) {
	var barrier Barrier
	var mu sync.Mutex
	active := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := barrier.Enter()
			mu.Lock()
			active++
			mu.Unlock()
			mu.Lock()
			active--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	err := barrier.Freeze(func() error {
		mu.Lock()
		defer mu.Unlock()
		if active != 0 {
			t.Fatalf("mutation in flight during freeze")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}

	var nilBarrier *Barrier
	nilBarrier.Enter()()
	if err := nilBarrier.Freeze(func() error { return nil }); err != nil {
		t.Fatalf("nil barrier freeze: %v", err)
	}
}
