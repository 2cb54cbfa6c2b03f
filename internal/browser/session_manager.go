package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"scriptdeck/internal/config"
	"scriptdeck/internal/rules"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
)

// Session describes the public metadata for a tracked browser tab.
type Session struct {
	ID         string    `json:"id"`
	TargetID   string    `json:"target_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title,omitempty"`
	Status     string    `json:"status,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

type sessionRecord struct {
	meta     Session
	page     *rod.Page
	overlays *OverlayRegistry
	cancel   context.CancelFunc
}

// FactSink is the slice of the rules engine the session layer needs.
type FactSink interface {
	AddFacts(ctx context.Context, facts []rules.Fact) error
	RetractSession(sessionID string)
}

// PageHook runs after a session's page commits a navigation. Scripts hang
// their re-apply logic here; the panel injector hangs its re-mount.
type PageHook func(ctx context.Context, sessionID string, page *rod.Page)

// SessionManager owns the Chrome connection and tracks active sessions.
type SessionManager struct {
	cfg        config.BrowserConfig
	sink       FactSink
	mu         sync.RWMutex
	browser    *rod.Browser
	sessions   map[string]*sessionRecord
	controlURL string
	hooks      []PageHook
}

func NewSessionManager(cfg config.BrowserConfig, sink FactSink) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		sink:     sink,
		sessions: make(map[string]*sessionRecord),
	}
}

// OnPage registers a hook invoked after every committed navigation and once
// right after a session is created or attached.
func (m *SessionManager) OnPage(h PageHook) {
	m.mu.Lock()
	m.hooks = append(m.hooks, h)
	m.mu.Unlock()
}

// Start connects to an existing Chrome or launches one via Rod's launcher.
func (m *SessionManager) Start(ctx context.Context) error {
	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		log.Printf("Stale browser connection detected, reconnecting...")
		_ = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
		m.mu.Lock()
		m.sessions = make(map[string]*sessionRecord)
		m.mu.Unlock()
	}

	if err := m.loadSessions(); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" && len(m.cfg.Launch) > 0 {
		bin := m.cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
		for _, rawFlag := range m.cfg.Launch[1:] {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		url, err := launch.Launch()
		if err != nil {
			// Fallback: let Rod pick the port and defaults.
			fallback := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
			if alt, altErr := fallback.Launch(); altErr == nil {
				controlURL = alt
			} else {
				return fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
		} else {
			controlURL = url
		}
	}

	if controlURL == "" {
		return errors.New("no debugger_url or launch command provided")
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.browser = browser
	m.controlURL = controlURL
	log.Printf("Browser connected at %s", controlURL)
	return nil
}

// ControlURL returns the WebSocket debugger URL for the connected browser.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsConnected reports whether the browser is currently connected.
func (m *SessionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Shutdown closes tracked pages and the underlying browser.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, record := range m.sessions {
		if record.cancel != nil {
			record.cancel()
		}
		if record.page != nil {
			_ = record.page.Close()
		}
		delete(m.sessions, id)
	}

	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	m.controlURL = ""
	log.Printf("Browser shutdown complete")
	return err
}

// List returns lightweight metadata for all known sessions.
func (m *SessionManager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]Session, 0, len(m.sessions))
	for _, record := range m.sessions {
		results = append(results, record.meta)
	}
	return results
}

// CreateSession opens a new page in an incognito context and tracks it.
func (m *SessionManager) CreateSession(ctx context.Context, url string) (*Session, error) {
	if m.browser == nil {
		return nil, errors.New("browser not connected")
	}

	incognito, err := m.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}

	page, err := incognito.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		log.Printf("warning: failed to set viewport: %v", err)
	}

	// Best-effort load; a slow page should not fail session creation.
	_ = page.Timeout(m.cfg.NavigationTimeout()).Navigate(url)

	meta := Session{
		ID:         uuid.NewString(),
		TargetID:   string(page.TargetID),
		URL:        url,
		Status:     "active",
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	}

	m.track(ctx, meta, page)
	_ = m.persistSessions()
	return &meta, nil
}

// Attach binds to an existing target by TargetID.
func (m *SessionManager) Attach(ctx context.Context, targetID string) (*Session, error) {
	if m.browser == nil {
		return nil, errors.New("browser not connected")
	}

	page, err := m.browser.PageFromTarget(proto.TargetTargetID(targetID))
	if err != nil {
		return nil, fmt.Errorf("attach to target %s: %w", targetID, err)
	}

	meta := Session{
		ID:         uuid.NewString(),
		TargetID:   targetID,
		Status:     "attached",
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	}

	m.track(ctx, meta, page)
	_ = m.persistSessions()
	return &meta, nil
}

func (m *SessionManager) track(ctx context.Context, meta Session, page *rod.Page) {
	watchCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.sessions[meta.ID] = &sessionRecord{
		meta:     meta,
		page:     page,
		overlays: NewOverlayRegistry(),
		cancel:   cancel,
	}
	m.mu.Unlock()

	m.startPageWatch(watchCtx, meta.ID, page)
	m.emitPageFacts(ctx, meta.ID, meta.URL)
	m.runHooks(ctx, meta.ID, page)
}

// ForkSession clones cookies and storage from an existing session into a
// fresh incognito context. Useful for retrying a gated page with state
// intact but the gate's DOM not yet re-mounted.
func (m *SessionManager) ForkSession(ctx context.Context, sessionID, url string) (*Session, error) {
	srcPage, ok := m.Page(sessionID)
	if !ok {
		return nil, fmt.Errorf("unknown session: %s", sessionID)
	}

	srcMeta, _ := m.GetSession(sessionID)

	cookiesRes, err := proto.NetworkGetCookies{}.Call(srcPage)
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}

	localJSON := snapshotStorage(srcPage, "localStorage")
	sessionJSON := snapshotStorage(srcPage, "sessionStorage")

	targetURL := url
	if targetURL == "" {
		targetURL = srcMeta.URL
		if targetURL == "" {
			targetURL = "about:blank"
		}
	}

	dest, err := m.CreateSession(ctx, targetURL)
	if err != nil {
		return nil, fmt.Errorf("create forked session: %w", err)
	}

	destPage, ok := m.Page(dest.ID)
	if !ok {
		return dest, nil
	}

	params := make([]*proto.NetworkCookieParam, 0, len(cookiesRes.Cookies))
	for _, c := range cookiesRes.Cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: c.SameSite,
			Priority: c.Priority,
		})
	}
	if len(params) > 0 {
		_ = destPage.SetCookies(params)
	}

	restoreStorage(destPage, localJSON, sessionJSON)
	m.UpdateMetadata(dest.ID, func(s Session) Session {
		s.Status = "forked"
		return s
	})

	_ = m.persistSessions()
	return dest, nil
}

// Page returns the underlying Rod page for a session when present.
func (m *SessionManager) Page(sessionID string) (*rod.Page, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return rec.page, true
}

// Overlays returns the overlay registry for a session, or nil.
func (m *SessionManager) Overlays(sessionID string) *OverlayRegistry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok || rec.overlays == nil {
		return nil
	}
	return rec.overlays
}

// UpdateMetadata lets tools refresh metadata, e.g. URL/title after
// navigation.
func (m *SessionManager) UpdateMetadata(sessionID string, updater func(Session) Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	rec.meta = updater(rec.meta)
}

// GetSession returns the current session metadata when available.
func (m *SessionManager) GetSession(sessionID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return rec.meta, true
}

// CloseSession detaches and closes one session's page.
func (m *SessionManager) CloseSession(sessionID string) error {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown session: %s", sessionID)
	}
	if rec.cancel != nil {
		rec.cancel()
	}
	if m.sink != nil {
		m.sink.RetractSession(sessionID)
	}
	_ = m.persistSessions()
	if rec.page != nil {
		return rec.page.Close()
	}
	return nil
}

func (m *SessionManager) runHooks(ctx context.Context, sessionID string, page *rod.Page) {
	m.mu.RLock()
	hooks := make([]PageHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.RUnlock()

	for _, h := range hooks {
		h(ctx, sessionID, page)
	}
}

func (m *SessionManager) emitPageFacts(ctx context.Context, sessionID, url string) {
	if m.sink == nil || url == "" {
		return
	}
	if err := m.sink.AddFacts(ctx, rules.PageFacts(sessionID, url)); err != nil {
		log.Printf("[session:%s] page fact error: %v", sessionID, err)
	}
}

// startPageWatch follows a session's navigations: retracts stale page facts,
// emits fresh ones, rescans for overlays, and re-runs the page hooks so
// scripts and the panel survive the new document.
func (m *SessionManager) startPageWatch(ctx context.Context, sessionID string, page *rod.Page) {
	go func() {
		waitNav := page.Context(ctx).EachEvent(func(ev *proto.PageFrameNavigated) {
			now := time.Now()

			if reg := m.Overlays(sessionID); reg != nil {
				prev := reg.Count()
				reg.Clear()
				if prev > 0 {
					log.Printf("[session:%s] navigation cleared %d cached overlays (new URL: %s)", sessionID, prev, ev.Frame.URL)
				}
			}

			if m.sink != nil {
				m.sink.RetractSession(sessionID)
			}
			m.emitPageFacts(ctx, sessionID, ev.Frame.URL)

			m.UpdateMetadata(sessionID, func(s Session) Session {
				s.URL = ev.Frame.URL
				s.LastActive = now
				return s
			})

			go func() {
				// Let the new document settle before scanning and
				// re-injecting.
				select {
				case <-ctx.Done():
					return
				case <-time.After(200 * time.Millisecond):
				}
				if err := m.ScanOverlays(ctx, sessionID); err != nil {
					log.Printf("[session:%s] overlay scan error: %v", sessionID, err)
				}
				m.runHooks(ctx, sessionID, page)
			}()
		})
		waitNav()
	}()
}

// overlayScanJS finds fixed/sticky elements with a high z-index covering a
// large share of the viewport. Visits at most 400 nodes so hostile pages
// with huge DOMs cannot stall the session.
const overlayScanJS = `
() => {
	const out = [];
	const vw = window.innerWidth, vh = window.innerHeight;
	const area = vw * vh;
	if (!area) return out;

	const bodyStyle = window.getComputedStyle(document.body || document.documentElement);
	const scrollLocked = bodyStyle.overflow === 'hidden' || bodyStyle.overflowY === 'hidden';

	const nodes = document.querySelectorAll('body *');
	const limit = Math.min(nodes.length, 400);
	for (let i = 0; i < limit; i++) {
		const el = nodes[i];
		const style = window.getComputedStyle(el);
		if (style.position !== 'fixed' && style.position !== 'sticky') continue;
		if (style.display === 'none' || style.visibility === 'hidden') continue;

		const z = parseInt(style.zIndex, 10);
		if (isNaN(z) || z < 100) continue;

		const rect = el.getBoundingClientRect();
		const coverage = (rect.width * rect.height) / area;
		if (coverage < 0.4) continue;

		let selector = el.tagName.toLowerCase();
		if (el.id) selector += '#' + el.id;
		else if (el.classList.length) selector += '.' + el.classList[0];

		out.push({
			selector,
			tag_name: el.tagName.toLowerCase(),
			id: el.id || '',
			classes: Array.from(el.classList),
			z_index: z,
			coverage,
			fixed: style.position === 'fixed',
			scroll_lock: scrollLocked
		});
	}
	return out;
}
`

// ScanOverlays runs one overlay scan for a session, caching fingerprints
// and emitting overlay_node facts.
func (m *SessionManager) ScanOverlays(ctx context.Context, sessionID string) error {
	page, ok := m.Page(sessionID)
	if !ok {
		return fmt.Errorf("unknown session: %s", sessionID)
	}

	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           overlayScanJS,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil || res == nil {
		return err
	}

	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return err
	}

	var found []OverlayFingerprint
	if err := json.Unmarshal(raw, &found); err != nil {
		return err
	}
	if len(found) == 0 {
		return nil
	}

	now := time.Now()
	fps := make([]*OverlayFingerprint, 0, len(found))
	facts := make([]rules.Fact, 0, len(found))
	for i := range found {
		fp := found[i]
		fp.GeneratedAt = now
		fps = append(fps, &fp)
		facts = append(facts, rules.OverlayFact(sessionID, fp.Selector))
	}

	if reg := m.Overlays(sessionID); reg != nil {
		reg.RegisterBatch(fps)
	}
	if m.sink != nil {
		if err := m.sink.AddFacts(ctx, facts); err != nil {
			log.Printf("[session:%s] overlay fact error: %v", sessionID, err)
		}
	}
	return nil
}

func snapshotStorage(page *rod.Page, store string) string {
	jsFunc := fmt.Sprintf(`() => {
		try {
			const out = {};
			for (const key of Object.keys(%s)) {
				out[key] = %s.getItem(key);
			}
			return JSON.stringify(out);
		} catch (e) {
			return "{}";
		}
	}`, store, store)

	res, err := page.Evaluate(&rod.EvalOptions{
		JS:           jsFunc,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil || res == nil || res.Value.Nil() {
		return "{}"
	}
	return res.Value.String()
}

func restoreStorage(page *rod.Page, localJSON, sessionJSON string) {
	_, _ = page.Evaluate(&rod.EvalOptions{
		JS: `
		(local, session) => {
			try {
				const l = JSON.parse(local || "{}");
				Object.entries(l).forEach(([k, v]) => localStorage.setItem(k, v));
			} catch (e) {}
			try {
				const s = JSON.parse(session || "{}");
				Object.entries(s).forEach(([k, v]) => sessionStorage.setItem(k, v));
			} catch (e) {}
		}
		`,
		JSArgs:       []interface{}{localJSON, sessionJSON},
		ByValue:      true,
		AwaitPromise: true,
		UserGesture:  true,
	})
}

// persistSessions writes session metadata to disk for continuity across
// restarts.
func (m *SessionManager) persistSessions() error {
	if m.cfg.SessionStore == "" {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		sessions = append(sessions, rec.meta)
	}

	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(m.cfg.SessionStore), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.cfg.SessionStore, data, 0o644)
}

// loadSessions loads persisted metadata (does not auto-attach to pages).
func (m *SessionManager) loadSessions() error {
	if m.cfg.SessionStore == "" {
		return nil
	}

	data, err := os.ReadFile(m.cfg.SessionStore)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var sessions []Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sessions {
		// Marked detached; attach-session can rebind to a live target.
		s.Status = "detached"
		m.sessions[s.ID] = &sessionRecord{meta: s, page: nil}
	}
	return nil
}
