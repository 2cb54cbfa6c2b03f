package browser

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"scriptdeck/internal/config"
	"scriptdeck/internal/rules"

	"github.com/go-rod/rod"
)

// recordingSink captures facts without a real rules engine.
type recordingSink struct {
	facts     []rules.Fact
	retracted []string
}

func (s *recordingSink) AddFacts(_ context.Context, facts []rules.Fact) error {
	s.facts = append(s.facts, facts...)
	return nil
}

func (s *recordingSink) RetractSession(sessionID string) {
	s.retracted = append(s.retracted, sessionID)
}

func TestOverlayRegistryLifecycle(t *testing.T) {
	reg := NewOverlayRegistry()

	fp := &OverlayFingerprint{
		Selector: "div#paywall",
		TagName:  "div",
		ZIndex:   9999,
		Coverage: 0.95,
		Fixed:    true,
	}
	reg.Register(fp)

	if got := reg.Get("div#paywall"); got == nil || got.ZIndex != 9999 {
		t.Errorf("unexpected fingerprint: %+v", got)
	}
	if reg.Count() != 1 {
		t.Errorf("expected 1 overlay, got %d", reg.Count())
	}

	gen := reg.GenerationID()
	reg.RegisterBatch([]*OverlayFingerprint{
		{Selector: "div.modal", Coverage: 0.5},
		{Selector: "div#paywall", Coverage: 0.9}, // upsert
	})
	if reg.GenerationID() != gen+1 {
		t.Error("batch registration must bump the generation")
	}
	if reg.Count() != 2 {
		t.Errorf("expected 2 overlays after upsert, got %d", reg.Count())
	}

	reg.IncrementGeneration()
	if reg.Count() != 2 {
		t.Error("generation bump must not drop entries")
	}

	reg.Clear()
	if reg.Count() != 0 {
		t.Error("clear must drop all entries")
	}
	if reg.Get("div#paywall") != nil {
		t.Error("cleared fingerprint still resolvable")
	}
}

func TestSessionMetadataUpdates(t *testing.T) {
	m := NewSessionManager(config.BrowserConfig{}, &recordingSink{})

	meta := Session{ID: "s1", URL: "https://example.com", Status: "active", CreatedAt: time.Now()}
	m.sessions[meta.ID] = &sessionRecord{meta: meta, overlays: NewOverlayRegistry()}

	m.UpdateMetadata("s1", func(s Session) Session {
		s.URL = "https://example.com/next"
		s.Title = "Next"
		return s
	})

	got, ok := m.GetSession("s1")
	if !ok {
		t.Fatal("session missing")
	}
	if got.URL != "https://example.com/next" || got.Title != "Next" {
		t.Errorf("unexpected metadata: %+v", got)
	}

	// Unknown ids are a no-op.
	m.UpdateMetadata("ghost", func(s Session) Session {
		t.Error("updater must not run for unknown session")
		return s
	})
}

func TestSessionListAndOverlaysAccessors(t *testing.T) {
	m := NewSessionManager(config.BrowserConfig{}, nil)
	m.sessions["s1"] = &sessionRecord{meta: Session{ID: "s1"}, overlays: NewOverlayRegistry()}
	m.sessions["s2"] = &sessionRecord{meta: Session{ID: "s2"}}

	if got := len(m.List()); got != 2 {
		t.Errorf("expected 2 sessions, got %d", got)
	}
	if m.Overlays("s1") == nil {
		t.Error("expected overlay registry for s1")
	}
	if m.Overlays("s2") != nil {
		t.Error("expected nil registry when none was created")
	}
	if m.Overlays("ghost") != nil {
		t.Error("expected nil registry for unknown session")
	}
}

func TestEmitPageFacts(t *testing.T) {
	sink := &recordingSink{}
	m := NewSessionManager(config.BrowserConfig{}, sink)

	m.emitPageFacts(context.Background(), "s1", "https://example.com/a")

	if len(sink.facts) != 2 {
		t.Fatalf("expected page_url+page_host, got %d facts", len(sink.facts))
	}
	if sink.facts[0].Predicate != "page_url" || sink.facts[1].Predicate != "page_host" {
		t.Errorf("unexpected predicates: %+v", sink.facts)
	}

	// Empty URLs emit nothing.
	sink.facts = nil
	m.emitPageFacts(context.Background(), "s1", "")
	if len(sink.facts) != 0 {
		t.Errorf("expected no facts for empty url, got %+v", sink.facts)
	}
}

func TestCloseSessionRetractsFacts(t *testing.T) {
	sink := &recordingSink{}
	m := NewSessionManager(config.BrowserConfig{}, sink)
	m.sessions["s1"] = &sessionRecord{meta: Session{ID: "s1"}}

	if err := m.CloseSession("s1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(sink.retracted) != 1 || sink.retracted[0] != "s1" {
		t.Errorf("expected retraction for s1, got %v", sink.retracted)
	}
	if _, ok := m.GetSession("s1"); ok {
		t.Error("session still tracked after close")
	}

	if err := m.CloseSession("ghost"); err == nil {
		t.Error("expected error for unknown session")
	}
}

func TestPersistAndLoadSessions(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "data", "sessions.json")
	cfg := config.BrowserConfig{SessionStore: storePath}

	m := NewSessionManager(cfg, nil)
	m.sessions["s1"] = &sessionRecord{meta: Session{
		ID:        "s1",
		URL:       "https://example.com",
		Status:    "active",
		CreatedAt: time.Now(),
	}}

	if err := m.persistSessions(); err != nil {
		t.Fatalf("persist: %v", err)
	}

	raw, err := os.ReadFile(storePath)
	if err != nil {
		t.Fatalf("read store: %v", err)
	}
	var onDisk []Session
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatalf("store is not valid json: %v", err)
	}

	// A fresh manager loads them back as detached.
	m2 := NewSessionManager(cfg, nil)
	if err := m2.loadSessions(); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, ok := m2.GetSession("s1")
	if !ok {
		t.Fatal("restored session missing")
	}
	if got.Status != "detached" {
		t.Errorf("expected detached status, got %q", got.Status)
	}
	if _, hasPage := m2.Page("s1"); hasPage {
		t.Error("restored session must not claim a live page")
	}
}

func TestLoadSessionsMissingFileIsFine(t *testing.T) {
	cfg := config.BrowserConfig{SessionStore: filepath.Join(t.TempDir(), "nope.json")}
	m := NewSessionManager(cfg, nil)
	if err := m.loadSessions(); err != nil {
		t.Errorf("missing store should not error: %v", err)
	}
}

func TestPageHooksRun(t *testing.T) {
	m := NewSessionManager(config.BrowserConfig{}, nil)

	var ran []string
	m.OnPage(func(_ context.Context, sessionID string, _ *rod.Page) {
		ran = append(ran, sessionID)
	})
	m.OnPage(func(_ context.Context, sessionID string, _ *rod.Page) {
		ran = append(ran, sessionID+"-second")
	})

	m.runHooks(context.Background(), "s1", nil)

	if len(ran) != 2 || ran[0] != "s1" || ran[1] != "s1-second" {
		t.Errorf("unexpected hook runs: %v", ran)
	}
}
