package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"scriptdeck/internal/browser"
	"scriptdeck/internal/config"
	"scriptdeck/internal/export"
	"scriptdeck/internal/locate"
	mcpserver "scriptdeck/internal/mcp"
	"scriptdeck/internal/panel"
	"scriptdeck/internal/rules"
	"scriptdeck/internal/scripts"
	"scriptdeck/internal/store"

	"github.com/go-rod/rod"
)

func main() {
	configPath := flag.String("config", "", "Path to an explicit scriptdeck config file")
	workspaceDir := flag.String("workspace-dir", "", "Use this directory as the workspace root instead of walking up")
	noWorkspace := flag.Bool("no-workspace", false, "Skip workspace discovery")
	initWorkspace := flag.Bool("init", false, "Create a .scriptdeck/ workspace in the current directory and exit")
	ssePort := flag.Int("sse-port", 0, "Optional SSE port override (falls back to config)")
	flag.Parse()

	if *initWorkspace {
		cwd, err := os.Getwd()
		if err != nil {
			log.Fatalf("getting working directory: %v", err)
		}
		if err := config.InitWorkspace(cwd); err != nil {
			log.Fatalf("initializing workspace: %v", err)
		}
		log.Printf("workspace created at %s/%s", cwd, config.WorkspaceDirName)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, wsDir, err := config.LoadWithWorkspace(*configPath, config.WorkspaceOptions{
		Disable:     *noWorkspace,
		ExplicitDir: *workspaceDir,
	})
	if err != nil {
		// Before we can redirect logs, write to stderr as last resort
		log.Fatalf("failed to load config: %v", err)
	}

	// Redirect logging to file for stdio mode (stderr interferes with MCP protocol)
	if cfg.MCP.SSEPort == 0 && *ssePort == 0 && cfg.Server.LogFile != "" {
		logFile, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			log.SetOutput(logFile)
			defer logFile.Close()
		} else {
			// If we can't open log file, disable logging to avoid stderr pollution
			log.SetOutput(io.Discard)
		}
	}
	if *ssePort != 0 {
		cfg.MCP.SSEPort = *ssePort
	}
	if wsDir != "" {
		log.Printf("using workspace at %s", wsDir)
	}

	engine, err := rules.NewEngine(cfg.Rules)
	if err != nil {
		log.Fatalf("failed to initialize rules engine: %v", err)
	}

	st := openStore(ctx, cfg.Store)
	defer st.Close()

	sessions := browser.NewSessionManager(cfg.Browser, engine)

	registry := panel.NewRegistry()
	host := panel.NewHost(ctx, registry, st, cfg.Panel)

	locator := locate.New()
	locator.Publish(host.Registry())

	injector := panel.NewInjector(host, cfg.Panel)
	sessions.OnPage(func(hookCtx context.Context, sessionID string, page *rod.Page) {
		if page == nil {
			return
		}
		injector.Watch(hookCtx, sessionID, page)
	})

	exports, err := export.NewWriter(cfg.Scripts.ExportDir, cfg.Scripts.GetMaxExports())
	if err != nil {
		log.Fatalf("failed to initialize export writer: %v", err)
	}

	deps := &scripts.Deps{
		Store:    st,
		Rules:    engine,
		Locator:  locator,
		Sessions: sessions,
		Exports:  exports,
		Cfg:      cfg.Scripts,
	}
	modules := scripts.Catalog(deps)
	scripts.InstallAll(ctx, deps, modules)

	if cfg.Browser.AutoStart {
		if err := sessions.Start(ctx); err != nil {
			log.Fatalf("failed to initialize Rod session manager: %v", err)
		}
	} else {
		log.Printf("browser auto-start disabled; use MCP tools to launch/attach later")
	}

	server, err := mcpserver.NewServer(cfg, sessions, engine, host, modules, exports)
	if err != nil {
		log.Fatalf("failed to initialize MCP server: %v", err)
	}

	var startErr error
	if cfg.MCP.SSEPort > 0 {
		log.Printf("starting scriptdeck MCP SSE server on port %d", cfg.MCP.SSEPort)
		startErr = server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		log.Printf("starting scriptdeck MCP stdio server")
		startErr = server.Start(ctx)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Browser.AttachTimeout())
	defer cancel()
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		log.Printf("session shutdown: %v", err)
	}

	if startErr != nil && !errors.Is(startErr, context.Canceled) {
		log.Fatalf("server exited with error: %v", startErr)
	}
}

// openStore builds the two-layer store; a failing sqlite adapter degrades to
// the JSON mirror alone.
func openStore(_ context.Context, cfg config.StoreConfig) *store.Store {
	mirror := store.OpenMirror(cfg.MirrorPath)

	adapter, err := store.OpenSQLite(cfg.Path)
	if err != nil {
		log.Printf("sqlite store unavailable (%v); continuing with mirror only", err)
		return store.New(nil, mirror)
	}
	return store.New(adapter, mirror)
}
