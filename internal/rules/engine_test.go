package rules

import (
	"context"
	"fmt"
	"testing"
	"time"

	"scriptdeck/internal/config"
)

func testConfig() config.RulesConfig {
	return config.RulesConfig{
		Enable:          true,
		FactBufferLimit: 1000,
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(testConfig())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestEngineDisabled(t *testing.T) {
	e, err := NewEngine(config.RulesConfig{Enable: false})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	if !e.Ready() {
		t.Error("disabled engine should report ready")
	}
	if err := e.AddFacts(context.Background(), PageFacts("s1", "https://example.com/a")); err != nil {
		t.Errorf("AddFacts on disabled engine: %v", err)
	}
	if len(e.Facts()) != 0 {
		t.Error("disabled engine must not buffer facts")
	}
	// With deduction off, gating is pass-through.
	if !e.Applies(context.Background(), "selection-unlock", "s1") {
		t.Error("disabled engine should apply every script")
	}
}

func TestBuiltinSelectionUnlockApplies(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	facts := append(PageFacts("s1", "https://example.com/doc"),
		ScriptStateFact("selection-unlock", true))
	if err := e.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts: %v", err)
	}

	if !e.Applies(ctx, "selection-unlock", "s1") {
		t.Error("expected selection-unlock to apply")
	}
	if e.Applies(ctx, "selection-unlock", "s2") {
		t.Error("unknown session must not match")
	}
}

func TestBuiltinDisabledScriptDoesNotApply(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	facts := append(PageFacts("s1", "https://example.com/doc"),
		ScriptStateFact("selection-unlock", false))
	if err := e.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts: %v", err)
	}

	if e.Applies(ctx, "selection-unlock", "s1") {
		t.Error("disabled script must not apply")
	}
}

func TestBuiltinAdgateNeedsOverlay(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	facts := append(PageFacts("s1", "https://example.com/article"),
		ScriptStateFact("adgate-bypass", true))
	if err := e.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts: %v", err)
	}
	if e.Applies(ctx, "adgate-bypass", "s1") {
		t.Error("adgate-bypass must not apply without an overlay fact")
	}

	if err := e.AddFacts(ctx, []Fact{OverlayFact("s1", "div.paywall-modal")}); err != nil {
		t.Fatalf("AddFacts overlay: %v", err)
	}
	if !e.Applies(ctx, "adgate-bypass", "s1") {
		t.Error("expected adgate-bypass to apply once an overlay is seen")
	}
}

func TestBuiltinChatExportMatchesKnownHosts(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	facts := append(PageFacts("s1", "https://claude.ai/chat/abc"),
		ScriptStateFact("chat-export", true))
	facts = append(facts, PageFacts("s2", "https://example.com/chat")...)
	if err := e.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts: %v", err)
	}

	if !e.Applies(ctx, "chat-export", "s1") {
		t.Error("expected chat-export to apply on a known chat host")
	}
	if e.Applies(ctx, "chat-export", "s2") {
		t.Error("chat-export must not apply on unknown hosts")
	}
}

func TestAddRuleRuntimeAssertion(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	rule := `
Decl wiki_page(Session).
wiki_page(Session) :- page_host(Session, "en.wikipedia.org").
`
	if err := e.AddRule(rule); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	if err := e.AddFacts(ctx, PageFacts("s1", "https://en.wikipedia.org/wiki/Go")); err != nil {
		t.Fatalf("AddFacts: %v", err)
	}

	derived, err := e.Evaluate(ctx, "wiki_page")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(derived) != 1 || fmt.Sprintf("%v", derived[0].Args[0]) != "s1" {
		t.Errorf("unexpected derivation: %+v", derived)
	}
}

func TestAddRuleRejectsGarbage(t *testing.T) {
	e := newTestEngine(t)
	if err := e.AddRule("this is not mangle ::-"); err == nil {
		t.Error("expected parse error")
	}
}

func TestQueryBindsVariables(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	if err := e.AddFacts(ctx, PageFacts("s1", "https://example.com/a")); err != nil {
		t.Fatalf("AddFacts: %v", err)
	}

	results, err := e.Query(ctx, `page_host(Session, Host).`)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0]["Session"] != "s1" || results[0]["Host"] != "example.com" {
		t.Errorf("unexpected bindings: %v", results[0])
	}
}

func TestQueryConstantFilter(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	facts := append(PageFacts("s1", "https://example.com/a"),
		PageFacts("s2", "https://other.net/b")...)
	if err := e.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts: %v", err)
	}

	results, err := e.Query(ctx, `page_host(Session, "example.com").`)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0]["Session"] != "s1" {
		t.Errorf("unexpected results: %v", results)
	}
}

func TestFactBufferTrimsAndReindexes(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.FactBufferLimit = 10
	e, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	for i := 0; i < 30; i++ {
		f := Fact{
			Predicate: "page_url",
			Args:      []interface{}{fmt.Sprintf("s%d", i), "https://example.com"},
			Timestamp: time.Now(),
		}
		if err := e.AddFacts(ctx, []Fact{f}); err != nil {
			t.Fatalf("AddFacts: %v", err)
		}
	}

	if got := len(e.Facts()); got > 10 {
		t.Errorf("buffer exceeded limit: %d", got)
	}
	// Index entries must still resolve after trimming.
	for _, f := range e.FactsByPredicate("page_url") {
		if f.Predicate != "page_url" {
			t.Errorf("index returned wrong predicate: %+v", f)
		}
	}
}

func TestRetractSessionDropsPageFacts(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	facts := append(PageFacts("s1", "https://example.com/a"),
		ScriptStateFact("selection-unlock", true))
	facts = append(facts, PageFacts("s2", "https://other.net/b")...)
	if err := e.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts: %v", err)
	}

	e.RetractSession("s1")

	if e.Applies(ctx, "selection-unlock", "s1") {
		t.Error("retracted session must not match")
	}
	// Other sessions and non-session facts survive.
	if len(e.FactsByPredicate("script_state")) != 1 {
		t.Error("script_state facts must survive retraction")
	}
	results, err := e.Query(ctx, `page_url(Session, Url).`)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0]["Session"] != "s2" {
		t.Errorf("unexpected surviving facts: %v", results)
	}
}

func TestQueryTemporalWindow(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	old := Fact{
		Predicate: "overlay_node",
		Args:      []interface{}{"s1", "div.gate"},
		Timestamp: time.Now().Add(-time.Hour),
	}
	fresh := OverlayFact("s1", "div.modal")
	if err := e.AddFacts(ctx, []Fact{old, fresh}); err != nil {
		t.Fatalf("AddFacts: %v", err)
	}

	recent := e.QueryTemporal("overlay_node", time.Now().Add(-time.Minute), time.Time{})
	if len(recent) != 1 {
		t.Fatalf("expected 1 recent fact, got %d", len(recent))
	}
	if fmt.Sprintf("%v", recent[0].Args[1]) != "div.modal" {
		t.Errorf("unexpected fact: %+v", recent[0])
	}
}

func TestSamplingRateRampsUnderPressure(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.FactBufferLimit = 100
	e, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	if e.SamplingRate() != 1.0 {
		t.Fatalf("expected full rate at start, got %f", e.SamplingRate())
	}

	// Fill past 95% with high-value facts (never shed).
	for i := 0; i < 96; i++ {
		f := Fact{Predicate: "page_url", Args: []interface{}{fmt.Sprintf("s%d", i), "u"}}
		if err := e.AddFacts(ctx, []Fact{f}); err != nil {
			t.Fatalf("AddFacts: %v", err)
		}
	}
	if err := e.AddFacts(ctx, nil); err != nil {
		t.Fatalf("AddFacts: %v", err)
	}
	if e.SamplingRate() >= 1.0 {
		t.Errorf("expected shedding under pressure, rate=%f", e.SamplingRate())
	}
}

func TestPageFactsParsing(t *testing.T) {
	facts := PageFacts("s1", "https://sub.example.com:8443/path?q=1")
	if len(facts) != 2 {
		t.Fatalf("expected url+host facts, got %d", len(facts))
	}
	if facts[1].Args[1] != "sub.example.com" {
		t.Errorf("unexpected host: %v", facts[1].Args[1])
	}

	// Garbage URL still yields the url fact.
	facts = PageFacts("s1", "::notaurl")
	if len(facts) != 1 || facts[0].Predicate != "page_url" {
		t.Errorf("unexpected facts for bad url: %+v", facts)
	}
}

func TestScriptStateReplacedOnToggle(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	facts := append(PageFacts("s1", "https://example.com/doc"),
		ScriptStateFact("selection-unlock", true))
	if err := e.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts: %v", err)
	}
	if !e.Applies(ctx, "selection-unlock", "s1") {
		t.Fatal("expected selection-unlock to apply while enabled")
	}

	// Disabling must retract the old state fact, not sit beside it: the
	// store is monotone, so a lingering "enabled" fact keeps the
	// derivation alive forever.
	if err := e.AddFacts(ctx, []Fact{ScriptStateFact("selection-unlock", false)}); err != nil {
		t.Fatalf("AddFacts: %v", err)
	}
	if e.Applies(ctx, "selection-unlock", "s1") {
		t.Error("script_applies still derivable after disable")
	}

	states := e.FactsByPredicate("script_state")
	if len(states) != 1 {
		t.Fatalf("expected exactly one script_state fact, got %d", len(states))
	}
	if states[0].Args[1] != "disabled" {
		t.Errorf("expected disabled state, got %v", states[0].Args[1])
	}

	// Re-enable round-trips cleanly.
	if err := e.AddFacts(ctx, []Fact{ScriptStateFact("selection-unlock", true)}); err != nil {
		t.Fatalf("AddFacts: %v", err)
	}
	if !e.Applies(ctx, "selection-unlock", "s1") {
		t.Error("expected selection-unlock to apply again after re-enable")
	}
	// Other scripts' state is untouched by the replacement.
	if err := e.AddFacts(ctx, []Fact{ScriptStateFact("adgate-bypass", true)}); err != nil {
		t.Fatalf("AddFacts: %v", err)
	}
	if got := len(e.FactsByPredicate("script_state")); got != 2 {
		t.Errorf("expected two script_state facts, got %d", got)
	}
}
