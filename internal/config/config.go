package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level scriptdeck config.
	WorkspaceDirName = ".scriptdeck"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the scriptdeck server.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Browser BrowserConfig `yaml:"browser"`
	Panel   PanelConfig   `yaml:"panel"`
	Store   StoreConfig   `yaml:"store"`
	Scripts ScriptsConfig `yaml:"scripts"`
	Rules   RulesConfig   `yaml:"rules"`
	MCP     MCPConfig     `yaml:"mcp"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command to start Chrome in detached mode (e.g., ["chrome", "--remote-debugging-port=9222"]).
	Launch []string `yaml:"launch"`
	// AutoStart controls whether the server launches/attaches to Chrome at startup.
	AutoStart bool `yaml:"auto_start"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Default timeout when attaching to an existing target (e.g., "10s").
	DefaultAttachTimeout string `yaml:"default_attach_timeout"`
	// Optional path to persist session metadata between server restarts.
	SessionStore string `yaml:"session_store"`
	// Viewport width for new sessions (default: 1920).
	ViewportWidth int `yaml:"viewport_width"`
	// Viewport height for new sessions (default: 1080).
	ViewportHeight int `yaml:"viewport_height"`
}

// PanelConfig tunes the shared in-page settings panel.
type PanelConfig struct {
	// Default screen corner for the floating control: top-left, top-right,
	// bottom-left, bottom-right. Overridden by the persisted position.
	DefaultPosition string `yaml:"default_position"`
	// How often the injected subtree is checked and re-attached if a page
	// script removed it (e.g., "2s").
	HealInterval string `yaml:"heal_interval"`
	// Poll interval in ms for draining the in-page UI event buffer.
	EventPollMs int `yaml:"event_poll_ms"`
}

// StoreConfig configures the two-layer key/value store.
type StoreConfig struct {
	// Path to the sqlite database backing the primary adapter.
	Path string `yaml:"path"`
	// Path to the JSON mirror written synchronously on every put.
	MirrorPath string `yaml:"mirror_path"`
}

// ScriptsConfig configures the builtin page scripts.
type ScriptsConfig struct {
	// Script ids enabled on first run (before any persisted state exists).
	DefaultEnabled []string `yaml:"default_enabled"`
	// Directory export scripts write Markdown/JSON artifacts into.
	ExportDir string `yaml:"export_dir"`
	// How many export artifacts to keep before rotation (default: 20).
	MaxExports int `yaml:"max_exports"`
	// Locator retry budget when a script looks for the panel host.
	DiscoveryAttempts int `yaml:"discovery_attempts"`
	// Delay between locator retries (e.g., "100ms").
	DiscoveryInterval string `yaml:"discovery_interval"`
}

// RulesConfig controls the embedded deductive engine.
type RulesConfig struct {
	Enable          bool   `yaml:"enable"`
	SchemaPath      string `yaml:"schema_path"`
	DisableBuiltin  bool   `yaml:"disable_builtin_rules"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "scriptdeck",
			Version: "0.2.1",
			LogFile: "scriptdeck.log",
		},
		Browser: BrowserConfig{
			AutoStart:                true,
			DefaultNavigationTimeout: "15s",
			DefaultAttachTimeout:     "10s",
			SessionStore:             "sessions.json",
			ViewportWidth:            1920,
			ViewportHeight:           1080,
		},
		Panel: PanelConfig{
			DefaultPosition: "bottom-right",
			HealInterval:    "2s",
			EventPollMs:     250,
		},
		Store: StoreConfig{
			Path:       "scriptdeck.db",
			MirrorPath: "state.json",
		},
		Scripts: ScriptsConfig{
			DefaultEnabled:    []string{"selection-unlock"},
			ExportDir:         "exports",
			MaxExports:        20,
			DiscoveryAttempts: 20,
			DiscoveryInterval: "100ms",
		},
		Rules: RulesConfig{
			Enable:          true,
			FactBufferLimit: 2048,
		},
		MCP: MCPConfig{
			SSEPort: 0,
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .scriptdeck/config.yaml file.
// Returns the workspace root directory (parent of .scriptdeck/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .scriptdeck/config.yaml <- explicit --config <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	// Layer 1: Workspace config (if not disabled)
	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			// Verify the explicit workspace dir has a config
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	// Layer 2: Explicit config file (--config flag)
	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .scriptdeck/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	// Check if already exists
	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	// Create directory structure
	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "rules"),
		filepath.Join(wsDir, "data"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	// Write template config
	templateConfig := `# scriptdeck project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.

# browser:
#   headless: false
#   viewport_width: 1280
#   viewport_height: 720

# panel:
#   default_position: "bottom-left"

# scripts:
#   default_enabled:
#     - selection-unlock
#     - adgate-bypass
#   export_dir: ".scriptdeck/data/exports"

# rules:
#   schema_path: ".scriptdeck/rules/sites.mg"
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	// Write .gitignore for data directory
	gitignoreContent := "# Runtime data (state, sessions, exports) - do not version control\ndata/\n"
	gitignorePath := filepath.Join(wsDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Browser.SessionStore = resolve(cfg.Browser.SessionStore)
	cfg.Store.Path = resolve(cfg.Store.Path)
	cfg.Store.MirrorPath = resolve(cfg.Store.MirrorPath)
	cfg.Scripts.ExportDir = resolve(cfg.Scripts.ExportDir)
	cfg.Rules.SchemaPath = resolve(cfg.Rules.SchemaPath)
	return cfg
}

// Validate ensures required fields exist so the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Browser.AutoStart {
		if c.Browser.DebuggerURL == "" && len(c.Browser.Launch) == 0 {
			return errors.New("browser.debugger_url or browser.launch must be provided")
		}
	}
	if !validPosition(c.Panel.DefaultPosition) {
		return fmt.Errorf("panel.default_position %q is not a screen corner", c.Panel.DefaultPosition)
	}
	return nil
}

func validPosition(p string) bool {
	switch p {
	case "", "top-left", "top-right", "bottom-left", "bottom-right":
		return true
	}
	return false
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	if b.DefaultNavigationTimeout == "" {
		return 15 * time.Second
	}
	d, err := time.ParseDuration(b.DefaultNavigationTimeout)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// AttachTimeout returns the parsed attach timeout with a sane default.
func (b BrowserConfig) AttachTimeout() time.Duration {
	if b.DefaultAttachTimeout == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(b.DefaultAttachTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true // default to headless
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1920
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 1080
	}
	return b.ViewportHeight
}

// Position returns the default panel corner with a sane default.
func (p PanelConfig) Position() string {
	if p.DefaultPosition == "" {
		return "bottom-right"
	}
	return p.DefaultPosition
}

// GetHealInterval returns the parsed heal interval with a sane default.
func (p PanelConfig) GetHealInterval() time.Duration {
	if p.HealInterval == "" {
		return 2 * time.Second
	}
	d, err := time.ParseDuration(p.HealInterval)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// GetEventPollInterval returns the UI event poll interval with a sane default.
func (p PanelConfig) GetEventPollInterval() time.Duration {
	if p.EventPollMs <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(p.EventPollMs) * time.Millisecond
}

// GetMaxExports returns the export rotation budget with a sane default.
func (s ScriptsConfig) GetMaxExports() int {
	if s.MaxExports <= 0 {
		return 20
	}
	return s.MaxExports
}

// GetDiscoveryAttempts returns the locator retry budget with a sane default.
func (s ScriptsConfig) GetDiscoveryAttempts() int {
	if s.DiscoveryAttempts <= 0 {
		return 20
	}
	return s.DiscoveryAttempts
}

// GetDiscoveryInterval returns the delay between locator retries.
func (s ScriptsConfig) GetDiscoveryInterval() time.Duration {
	if s.DiscoveryInterval == "" {
		return 100 * time.Millisecond
	}
	d, err := time.ParseDuration(s.DiscoveryInterval)
	if err != nil {
		return 100 * time.Millisecond
	}
	return d
}
