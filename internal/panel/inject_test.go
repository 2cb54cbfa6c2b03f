package panel

import (
	"context"
	"testing"
	"time"

	"scriptdeck/internal/config"
	"scriptdeck/internal/store"
)

func newTestInjector(t *testing.T) *Injector {
	t.Helper()
	st := store.New(nil, store.OpenMirror(""))
	host := NewHost(context.Background(), NewRegistry(), st, config.PanelConfig{})
	// Intervals far beyond the test horizon: the loop must idle, not tick.
	return NewInjector(host, config.PanelConfig{
		HealInterval: "1h",
		EventPollMs:  3600000,
	})
}

// Watch must hand control back to the caller immediately: it runs from the
// session manager's navigation hooks, and a blocking hook would wedge
// session creation and starve the hooks registered after it.
func TestWatchReturnsImmediately(t *testing.T) {
	inj := newTestInjector(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		inj.Watch(ctx, "s1", nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch blocked its caller")
	}
}

func TestWatchGuardsDuplicateLoops(t *testing.T) {
	inj := newTestInjector(t)
	ctx, cancel := context.WithCancel(context.Background())

	// Re-inits across navigations call Watch repeatedly for one session.
	inj.Watch(ctx, "s1", nil)
	inj.Watch(ctx, "s1", nil)
	inj.Watch(ctx, "s1", nil)
	inj.Watch(ctx, "s2", nil)

	inj.mu.Lock()
	watching := len(inj.watching)
	pages := len(inj.pages)
	inj.mu.Unlock()
	if watching != 2 {
		t.Errorf("expected 2 watch loops, got %d", watching)
	}
	if pages != 2 {
		t.Errorf("expected 2 tracked pages, got %d", pages)
	}

	// Cancellation tears both loops down and clears the maps.
	cancel()
	deadline := time.After(2 * time.Second)
	for {
		inj.mu.Lock()
		left := len(inj.watching) + len(inj.pages)
		inj.mu.Unlock()
		if left == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("watch state not cleaned up, %d entries left", left)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestEnsureRejectsMissingPage(t *testing.T) {
	inj := newTestInjector(t)
	if err := inj.Ensure(context.Background(), nil); err == nil {
		t.Error("expected an error for a nil page")
	}
}
