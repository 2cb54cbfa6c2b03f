package browser

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"scriptdeck/internal/config"
	"scriptdeck/internal/panel"
	"scriptdeck/internal/rules"
	"scriptdeck/internal/store"
)

// liveSink is a goroutine-safe fact recorder; navigation watches add facts
// from their own goroutines.
type liveSink struct {
	mu    sync.Mutex
	facts []rules.Fact
}

func (s *liveSink) AddFacts(_ context.Context, facts []rules.Fact) error {
	s.mu.Lock()
	s.facts = append(s.facts, facts...)
	s.mu.Unlock()
	return nil
}

func (s *liveSink) RetractSession(string) {}

func (s *liveSink) has(predicate string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.facts {
		if f.Predicate == predicate {
			return true
		}
	}
	return false
}

func liveConfig(t *testing.T) config.BrowserConfig {
	t.Helper()
	if os.Getenv("SCRIPTDECK_LIVE_TEST") == "" {
		t.Skip("Skipping live browser tests (set SCRIPTDECK_LIVE_TEST to run)")
	}

	cfg := config.BrowserConfig{
		DebuggerURL:  os.Getenv("SCRIPTDECK_DEBUGGER_URL"),
		SessionStore: "",
	}
	if cfg.DebuggerURL == "" {
		cfg.Launch = []string{"chromium"}
	}
	return cfg
}

const overlayTestPage = `data:text/html,<html><body>
<main><h1>Doc</h1><p>hello world</p></main>
<div id="gate" style="position:fixed;top:0;left:0;width:100vw;height:100vh;z-index:9999;background:rgba(0,0,0,.8)">subscribe</div>
</body></html>`

// TestLiveSessionLifecycle drives a real Chrome: session creation, page
// facts, overlay scanning, and the injected panel.
func TestLiveSessionLifecycle(t *testing.T) {
	cfg := liveConfig(t)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	sink := &liveSink{}
	manager := NewSessionManager(cfg, sink)

	if err := manager.Start(ctx); err != nil {
		t.Fatalf("start browser: %v", err)
	}
	defer func() {
		if err := manager.Shutdown(ctx); err != nil {
			t.Logf("shutdown warning: %v", err)
		}
	}()

	if !manager.IsConnected() || manager.ControlURL() == "" {
		t.Fatal("expected a connected browser with a control URL")
	}

	sess, err := manager.CreateSession(ctx, overlayTestPage)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if !sink.has("page_url") {
		t.Error("expected page_url fact after session creation")
	}

	if err := manager.ScanOverlays(ctx, sess.ID); err != nil {
		t.Fatalf("scan overlays: %v", err)
	}
	reg := manager.Overlays(sess.ID)
	if reg == nil || reg.Count() == 0 {
		t.Fatal("expected the fixed full-viewport gate to be fingerprinted")
	}
	if !sink.has("overlay_node") {
		t.Error("expected overlay_node facts after the scan")
	}

	if err := manager.CloseSession(sess.ID); err != nil {
		t.Errorf("close session: %v", err)
	}
	if len(manager.List()) != 0 {
		t.Error("expected no sessions after close")
	}
}

// TestLivePanelInjection verifies the single-injection invariant against a
// real page: repeated Ensure calls leave exactly one panel root.
func TestLivePanelInjection(t *testing.T) {
	cfg := liveConfig(t)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	manager := NewSessionManager(cfg, &liveSink{})
	if err := manager.Start(ctx); err != nil {
		t.Fatalf("start browser: %v", err)
	}
	defer manager.Shutdown(ctx)

	sess, err := manager.CreateSession(ctx, "data:text/html,<html><body><p>plain</p></body></html>")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	page, ok := manager.Page(sess.ID)
	if !ok {
		t.Fatal("missing page for session")
	}

	st := store.New(nil, store.OpenMirror(""))
	host := panel.NewHost(ctx, panel.NewRegistry(), st, config.PanelConfig{})
	injector := panel.NewInjector(host, config.PanelConfig{})

	for i := 0; i < 3; i++ {
		if err := injector.Ensure(ctx, page); err != nil {
			t.Fatalf("ensure #%d: %v", i+1, err)
		}
	}

	res, err := page.Eval(`() => document.querySelectorAll('#deck-root').length`)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if res.Value.Int() != 1 {
		t.Errorf("expected exactly one panel root, got %d", res.Value.Int())
	}
}
