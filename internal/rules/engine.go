// Package rules embeds a Mangle deductive database that decides which page
// scripts apply to which sessions. Sessions feed page facts in; scripts and
// MCP tools query derived predicates out.
package rules

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"scriptdeck/internal/config"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

// Fact is a normalized page observation emitted by the session watcher.
type Fact struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// QueryResult binds query variables to values.
type QueryResult map[string]interface{}

// Base predicates fed by sessions:
//
//	page_url(Session, Url)        current document URL
//	page_host(Session, Host)      current document host
//	overlay_node(Session, Sel)    a suspected gate/overlay element
//	script_state(Script, State)   "enabled" or "disabled"
//
// Derived:
//
//	script_applies(Script, Session)
const builtinRules = `
Decl page_url(Session, Url).
Decl page_host(Session, Host).
Decl overlay_node(Session, Selector).
Decl script_state(Script, State).
Decl chat_host(Host).
Decl script_applies(Script, Session).

chat_host("chat.openai.com").
chat_host("chatgpt.com").
chat_host("claude.ai").
chat_host("gemini.google.com").

script_applies("selection-unlock", Session) :-
  page_url(Session, _),
  script_state("selection-unlock", "enabled").

script_applies("adgate-bypass", Session) :-
  overlay_node(Session, _),
  script_state("adgate-bypass", "enabled").

script_applies("markdown-export", Session) :-
  page_url(Session, _),
  script_state("markdown-export", "enabled").

script_applies("chat-export", Session) :-
  page_host(Session, Host),
  chat_host(Host),
  script_state("chat-export", "enabled").
`

// overlay_node is the only high-volume predicate (DOM scans emit many); it
// may be shed under buffer pressure. Everything else is state-bearing and
// always kept.
func defaultLowValuePredicates() map[string]bool {
	return map[string]bool{
		"overlay_node": true,
	}
}

// Engine wraps the Mangle deductive database with page-fact management.
type Engine struct {
	cfg          config.RulesConfig
	mu           sync.RWMutex
	schemaLoaded bool

	programInfo *analysis.ProgramInfo
	store       factstore.FactStore

	// Temporal buffer with a predicate index for O(m) per-predicate reads.
	facts []Fact
	index map[string][]int

	// Load shedding for high-volume predicates.
	samplingRate       float64
	lowValuePredicates map[string]bool
}

// NewEngine builds the engine, loads the builtin site rules, then overlays
// the user schema from cfg.SchemaPath if set.
func NewEngine(cfg config.RulesConfig) (*Engine, error) {
	e := &Engine{
		cfg:                cfg,
		facts:              make([]Fact, 0, cfg.FactBufferLimit),
		index:              make(map[string][]int),
		store:              factstore.NewSimpleInMemoryStore(),
		samplingRate:       1.0,
		lowValuePredicates: defaultLowValuePredicates(),
	}

	if !cfg.Enable {
		return e, nil
	}

	if !cfg.DisableBuiltin {
		if err := e.loadSource([]byte(builtinRules)); err != nil {
			return nil, fmt.Errorf("builtin rules: %w", err)
		}
	}
	if cfg.SchemaPath != "" {
		if err := e.LoadSchema(cfg.SchemaPath); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// LoadSchema parses and analyzes a Mangle source file, merging it over any
// already-loaded program.
func (e *Engine) LoadSchema(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	if err := e.loadSource(data); err != nil {
		return fmt.Errorf("schema %s: %w", path, err)
	}
	return nil
}

func (e *Engine) loadSource(data []byte) error {
	sourceUnit, err := parse.Unit(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	existingDecls := e.declsLocked()
	programInfo, err := analysis.AnalyzeOneUnit(sourceUnit, existingDecls)
	if err != nil {
		return fmt.Errorf("analyze: %w", err)
	}

	if e.programInfo == nil {
		e.programInfo = programInfo
	} else {
		for k, v := range programInfo.Decls {
			e.programInfo.Decls[k] = v
		}
		e.programInfo.Rules = append(e.programInfo.Rules, programInfo.Rules...)
		e.programInfo.InitialFacts = append(e.programInfo.InitialFacts, programInfo.InitialFacts...)
	}
	e.schemaLoaded = true
	return nil
}

// AddRule adds a Mangle rule at runtime, analyzed against the loaded
// program's declarations.
func (e *Engine) AddRule(ruleSource string) error {
	if !e.cfg.Enable {
		return nil
	}

	sourceUnit, err := parse.Unit(bytes.NewReader([]byte(ruleSource)))
	if err != nil {
		return fmt.Errorf("parse rule: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	newProgramInfo, err := analysis.AnalyzeOneUnit(sourceUnit, e.declsLocked())
	if err != nil {
		return fmt.Errorf("analyze rule: %w", err)
	}

	if e.programInfo == nil {
		e.programInfo = newProgramInfo
		e.schemaLoaded = true
	} else {
		for k, v := range newProgramInfo.Decls {
			e.programInfo.Decls[k] = v
		}
		e.programInfo.Rules = append(e.programInfo.Rules, newProgramInfo.Rules...)
	}
	return nil
}

func (e *Engine) declsLocked() map[ast.PredicateSym]ast.Decl {
	decls := make(map[ast.PredicateSym]ast.Decl)
	if e.programInfo != nil {
		for k, v := range e.programInfo.Decls {
			if v != nil {
				decls[k] = *v
			}
		}
	}
	return decls
}

// AddFacts appends facts to the temporal buffer and the Mangle store, then
// re-evaluates the program so derived predicates stay current.
func (e *Engine) AddFacts(ctx context.Context, facts []Fact) error {
	if !e.cfg.Enable {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.updateSamplingRate()

	filtered := make([]Fact, 0, len(facts))
	for _, f := range facts {
		if e.shouldAcceptFact(f) {
			filtered = append(filtered, f)
		}
	}

	// script_state is functional per script: a new state fact replaces the
	// old one. The store is monotone, so it must be rebuilt from the
	// surviving buffer or derivations from the stale state linger.
	replaced := false
	for _, f := range filtered {
		if f.Predicate == "script_state" && len(f.Args) > 0 {
			if e.retractScriptStateLocked(fmt.Sprintf("%v", f.Args[0])) {
				replaced = true
			}
		}
	}
	if replaced {
		e.rebuildIndex()
		e.store = factstore.NewSimpleInMemoryStore()
		for _, f := range e.facts {
			e.store.Add(factToAtom(f))
		}
	}

	baseIdx := len(e.facts)
	e.facts = append(e.facts, filtered...)
	if e.cfg.FactBufferLimit > 0 && len(e.facts) > e.cfg.FactBufferLimit {
		trim := len(e.facts) - e.cfg.FactBufferLimit
		e.facts = e.facts[trim:]
		e.rebuildIndex()
	} else {
		for i, f := range filtered {
			e.index[f.Predicate] = append(e.index[f.Predicate], baseIdx+i)
		}
	}

	for _, f := range filtered {
		e.store.Add(factToAtom(f))
	}

	if e.schemaLoaded && e.programInfo != nil {
		if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
			return fmt.Errorf("eval program after fact insertion: %w", err)
		}
	}
	return nil
}

// RetractSession is called when a session navigates or closes: page facts
// keyed by the session id are dropped from the buffer so stale URLs and
// overlays stop matching. The Mangle store is rebuilt from the surviving
// buffer.
func (e *Engine) RetractSession(sessionID string) {
	if !e.cfg.Enable {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.facts[:0]
	for _, f := range e.facts {
		if sessionFact(f.Predicate) && len(f.Args) > 0 && fmt.Sprintf("%v", f.Args[0]) == sessionID {
			continue
		}
		kept = append(kept, f)
	}
	e.facts = kept
	e.rebuildIndex()

	e.store = factstore.NewSimpleInMemoryStore()
	for _, f := range e.facts {
		e.store.Add(factToAtom(f))
	}
	if e.schemaLoaded && e.programInfo != nil {
		_ = engine.EvalProgram(e.programInfo, e.store)
	}
}

// retractScriptStateLocked drops any buffered script_state fact for script.
// Reports whether anything was removed. Caller holds e.mu and rebuilds the
// index and store when it returns true.
func (e *Engine) retractScriptStateLocked(script string) bool {
	removed := false
	kept := e.facts[:0]
	for _, f := range e.facts {
		if f.Predicate == "script_state" && len(f.Args) > 0 && fmt.Sprintf("%v", f.Args[0]) == script {
			removed = true
			continue
		}
		kept = append(kept, f)
	}
	e.facts = kept
	return removed
}

func sessionFact(predicate string) bool {
	switch predicate {
	case "page_url", "page_host", "overlay_node", "script_applies":
		return true
	}
	return false
}

func (e *Engine) updateSamplingRate() {
	if e.cfg.FactBufferLimit <= 0 {
		e.samplingRate = 1.0
		return
	}

	fillRatio := float64(len(e.facts)) / float64(e.cfg.FactBufferLimit)
	switch {
	case fillRatio < 0.5:
		e.samplingRate = 1.0
	case fillRatio < 0.7:
		e.samplingRate = 0.8
	case fillRatio < 0.85:
		e.samplingRate = 0.5
	case fillRatio < 0.95:
		e.samplingRate = 0.2
	default:
		e.samplingRate = 0.1
	}
}

func (e *Engine) shouldAcceptFact(f Fact) bool {
	if !e.lowValuePredicates[f.Predicate] {
		return true
	}
	if e.samplingRate >= 1.0 {
		return true
	}
	return rand.Float64() < e.samplingRate
}

// SamplingRate returns the current shedding rate for diagnostics.
func (e *Engine) SamplingRate() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.samplingRate
}

// Query executes a Mangle query, returning one binding set per satisfying
// fact. Falls back to the temporal buffer when the store has no match.
func (e *Engine) Query(ctx context.Context, queryStr string) ([]QueryResult, error) {
	if !e.cfg.Enable || !e.schemaLoaded {
		return nil, fmt.Errorf("rules engine not ready")
	}

	sourceUnit, err := parse.Unit(bytes.NewReader([]byte(queryStr)))
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	if len(sourceUnit.Clauses) == 0 {
		return nil, fmt.Errorf("no query found")
	}
	queryAtom := sourceUnit.Clauses[0].Head

	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]QueryResult, 0)
	err = e.store.GetFacts(queryAtom, func(atom ast.Atom) error {
		result := make(QueryResult)
		for i, arg := range queryAtom.Args {
			if i >= len(atom.Args) {
				break
			}
			if varArg, ok := arg.(ast.Variable); ok {
				result[varArg.Symbol] = convertConstant(atom.Args[i])
			} else if constArg, ok := arg.(ast.Constant); ok {
				// Constant in the query must match the fact.
				if fmt.Sprintf("%v", convertConstant(constArg)) != fmt.Sprintf("%v", convertConstant(atom.Args[i])) {
					return nil
				}
			}
		}
		results = append(results, result)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}

	if len(results) == 0 {
		results = append(results, e.queryBufferLocked(queryAtom.Predicate.Symbol, queryAtom.Args)...)
	}
	return results, nil
}

// queryBufferLocked matches the query pattern against the temporal buffer.
// Covers arity mismatches between stored atoms and the declared predicate.
func (e *Engine) queryBufferLocked(predicate string, queryArgs []ast.BaseTerm) []QueryResult {
	results := make([]QueryResult, 0)
	for _, idx := range e.index[predicate] {
		if idx < 0 || idx >= len(e.facts) {
			continue
		}
		f := e.facts[idx]
		if len(queryArgs) > 0 && len(f.Args) < len(queryArgs) {
			continue
		}

		result := make(QueryResult)
		matches := true
		for i, qArg := range queryArgs {
			if i >= len(f.Args) {
				break
			}
			if varArg, ok := qArg.(ast.Variable); ok {
				result[varArg.Symbol] = f.Args[i]
			} else if constArg, ok := qArg.(ast.Constant); ok {
				if fmt.Sprintf("%v", f.Args[i]) != fmt.Sprintf("%v", convertConstant(constArg)) {
					matches = false
					break
				}
			}
		}
		if matches {
			results = append(results, result)
		}
	}
	return results
}

// Evaluate runs full program evaluation and returns derived facts for one
// predicate.
func (e *Engine) Evaluate(ctx context.Context, predicate string) ([]Fact, error) {
	if !e.cfg.Enable || !e.schemaLoaded {
		return nil, fmt.Errorf("rules engine not ready")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := engine.EvalProgram(e.programInfo, e.store); err != nil {
		return nil, fmt.Errorf("eval program: %w", err)
	}

	arity := -1
	for sym := range e.programInfo.Decls {
		if sym.Symbol == predicate {
			arity = sym.Arity
			break
		}
	}

	predSym := ast.PredicateSym{Symbol: predicate, Arity: arity}
	var queryAtom ast.Atom
	if arity >= 0 {
		args := make([]ast.BaseTerm, arity)
		for i := range args {
			args[i] = ast.Variable{Symbol: fmt.Sprintf("V%d", i)}
		}
		queryAtom = ast.Atom{Predicate: predSym, Args: args}
	} else {
		queryAtom = ast.Atom{Predicate: predSym}
	}

	facts := make([]Fact, 0)
	err := e.store.GetFacts(queryAtom, func(atom ast.Atom) error {
		facts = append(facts, atomToFact(atom))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get facts: %w", err)
	}
	return facts, nil
}

// Applies reports whether script_applies(script, session) is currently
// derivable. This is the hot path sessions hit before injecting a script.
func (e *Engine) Applies(ctx context.Context, script, sessionID string) bool {
	if !e.cfg.Enable {
		// With the engine off, every enabled script applies everywhere.
		return true
	}
	derived, err := e.Evaluate(ctx, "script_applies")
	if err != nil {
		return false
	}
	for _, f := range derived {
		if len(f.Args) >= 2 &&
			fmt.Sprintf("%v", f.Args[0]) == script &&
			fmt.Sprintf("%v", f.Args[1]) == sessionID {
			return true
		}
	}
	return false
}

// QueryTemporal returns buffered facts for a predicate within a time window.
func (e *Engine) QueryTemporal(predicate string, after, before time.Time) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make([]Fact, 0)
	for _, idx := range e.index[predicate] {
		if idx < 0 || idx >= len(e.facts) {
			continue
		}
		f := e.facts[idx]
		if (after.IsZero() || f.Timestamp.After(after)) &&
			(before.IsZero() || f.Timestamp.Before(before)) {
			results = append(results, f)
		}
	}
	return results
}

// FactsByPredicate returns buffered facts for a predicate via the index.
func (e *Engine) FactsByPredicate(predicate string) []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()

	indices := e.index[predicate]
	results := make([]Fact, 0, len(indices))
	for _, idx := range indices {
		if idx >= 0 && idx < len(e.facts) {
			results = append(results, e.facts[idx])
		}
	}
	return results
}

// Facts returns a copy of the whole buffer for diagnostics.
func (e *Engine) Facts() []Fact {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Fact, len(e.facts))
	copy(out, e.facts)
	return out
}

// Ready reports whether the engine can serve queries.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.schemaLoaded || !e.cfg.Enable
}

func factToAtom(f Fact) ast.Atom {
	args := make([]ast.BaseTerm, len(f.Args))
	for i, arg := range f.Args {
		args[i] = toConstant(arg)
	}
	return ast.Atom{
		Predicate: ast.PredicateSym{Symbol: f.Predicate, Arity: len(f.Args)},
		Args:      args,
	}
}

func atomToFact(atom ast.Atom) Fact {
	args := make([]interface{}, len(atom.Args))
	for i, arg := range atom.Args {
		args[i] = convertConstant(arg)
	}
	return Fact{
		Predicate: atom.Predicate.Symbol,
		Args:      args,
		Timestamp: time.Now(),
	}
}

func toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case float64:
		return ast.Float64(val)
	case bool:
		if val {
			return ast.String("true")
		}
		return ast.String("false")
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func convertConstant(c ast.BaseTerm) interface{} {
	if c == nil {
		return nil
	}
	switch term := c.(type) {
	case ast.Constant:
		if term.Type == ast.StringType {
			val, _ := term.StringValue()
			return val
		} else if term.Type == ast.NumberType {
			return term.NumberValue
		} else if term.Type == ast.Float64Type {
			if val, err := term.Float64Value(); err == nil {
				return val
			}
		}
		return term.String()
	case ast.Variable:
		return term.Symbol
	default:
		return fmt.Sprintf("%v", c)
	}
}

func (e *Engine) rebuildIndex() {
	e.index = make(map[string][]int)
	for i, f := range e.facts {
		e.index[f.Predicate] = append(e.index[f.Predicate], i)
	}
}
