package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDiscoverWorkspace_Found(t *testing.T) {
	// Create a temp dir with .scriptdeck/config.yaml
	tmpDir := t.TempDir()
	wsDir := filepath.Join(tmpDir, WorkspaceDirName)
	if err := os.MkdirAll(wsDir, 0755); err != nil {
		t.Fatalf("failed to create workspace dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(wsDir, WorkspaceConfigFile), []byte("server:\n  name: test\n"), 0644); err != nil {
		t.Fatalf("failed to write workspace config: %v", err)
	}

	result, err := DiscoverWorkspace(tmpDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != tmpDir {
		t.Errorf("expected %q, got %q", tmpDir, result)
	}
}

func TestDiscoverWorkspace_WalkUp(t *testing.T) {
	// Create the workspace at the root, then start the search 2 levels deep
	tmpDir := t.TempDir()
	wsDir := filepath.Join(tmpDir, WorkspaceDirName)
	if err := os.MkdirAll(wsDir, 0755); err != nil {
		t.Fatalf("failed to create workspace dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(wsDir, WorkspaceConfigFile), []byte("server:\n  name: test\n"), 0644); err != nil {
		t.Fatalf("failed to write workspace config: %v", err)
	}

	nested := filepath.Join(tmpDir, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("failed to create nested dirs: %v", err)
	}

	result, err := DiscoverWorkspace(nested)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != tmpDir {
		t.Errorf("expected %q, got %q", tmpDir, result)
	}
}

func TestDiscoverWorkspace_NotFound(t *testing.T) {
	tmpDir := t.TempDir()

	result, err := DiscoverWorkspace(tmpDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "" {
		t.Errorf("expected empty result, got %q", result)
	}
}

func TestLoadWithWorkspace_Layering(t *testing.T) {
	tmpDir := t.TempDir()
	wsDir := filepath.Join(tmpDir, WorkspaceDirName)
	if err := os.MkdirAll(wsDir, 0755); err != nil {
		t.Fatalf("failed to create workspace dir: %v", err)
	}
	wsConfig := `
server:
  name: workspace-name
browser:
  auto_start: false
panel:
  default_position: "top-right"
`
	if err := os.WriteFile(filepath.Join(wsDir, WorkspaceConfigFile), []byte(wsConfig), 0644); err != nil {
		t.Fatalf("failed to write workspace config: %v", err)
	}

	explicit := filepath.Join(tmpDir, "override.yaml")
	if err := os.WriteFile(explicit, []byte("server:\n  name: explicit-name\n"), 0644); err != nil {
		t.Fatalf("failed to write explicit config: %v", err)
	}

	cfg, gotWs, err := LoadWithWorkspace(explicit, WorkspaceOptions{ExplicitDir: tmpDir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotWs != tmpDir {
		t.Errorf("expected workspace %q, got %q", tmpDir, gotWs)
	}
	// Explicit config overrides workspace config
	if cfg.Server.Name != "explicit-name" {
		t.Errorf("expected explicit name to win, got %q", cfg.Server.Name)
	}
	// Workspace values survive where explicit config is silent
	if cfg.Panel.DefaultPosition != "top-right" {
		t.Errorf("expected workspace position to survive, got %q", cfg.Panel.DefaultPosition)
	}
}

func TestLoadWithWorkspace_ResolvesRelativePaths(t *testing.T) {
	tmpDir := t.TempDir()
	wsDir := filepath.Join(tmpDir, WorkspaceDirName)
	if err := os.MkdirAll(wsDir, 0755); err != nil {
		t.Fatalf("failed to create workspace dir: %v", err)
	}
	wsConfig := `
browser:
  auto_start: false
store:
  path: ".scriptdeck/data/deck.db"
scripts:
  export_dir: ".scriptdeck/data/exports"
`
	if err := os.WriteFile(filepath.Join(wsDir, WorkspaceConfigFile), []byte(wsConfig), 0644); err != nil {
		t.Fatalf("failed to write workspace config: %v", err)
	}

	cfg, _, err := LoadWithWorkspace("", WorkspaceOptions{ExplicitDir: tmpDir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantDB := filepath.Join(tmpDir, ".scriptdeck", "data", "deck.db")
	if cfg.Store.Path != wantDB {
		t.Errorf("expected resolved store path %q, got %q", wantDB, cfg.Store.Path)
	}
	wantExports := filepath.Join(tmpDir, ".scriptdeck", "data", "exports")
	if cfg.Scripts.ExportDir != wantExports {
		t.Errorf("expected resolved export dir %q, got %q", wantExports, cfg.Scripts.ExportDir)
	}
}

func TestLoadWithWorkspace_Disabled(t *testing.T) {
	tmpDir := t.TempDir()
	wsDir := filepath.Join(tmpDir, WorkspaceDirName)
	if err := os.MkdirAll(wsDir, 0755); err != nil {
		t.Fatalf("failed to create workspace dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(wsDir, WorkspaceConfigFile), []byte("server:\n  name: ws\n"), 0644); err != nil {
		t.Fatalf("failed to write workspace config: %v", err)
	}

	cfg, gotWs, err := LoadWithWorkspace("", WorkspaceOptions{Disable: true, ExplicitDir: tmpDir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotWs != "" {
		t.Errorf("expected no workspace when disabled, got %q", gotWs)
	}
	if cfg.Server.Name != "scriptdeck" {
		t.Errorf("expected default name when disabled, got %q", cfg.Server.Name)
	}
}

func TestInitWorkspace(t *testing.T) {
	tmpDir := t.TempDir()

	if err := InitWorkspace(tmpDir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, p := range []string{
		filepath.Join(tmpDir, WorkspaceDirName, WorkspaceConfigFile),
		filepath.Join(tmpDir, WorkspaceDirName, ".gitignore"),
		filepath.Join(tmpDir, WorkspaceDirName, "rules"),
		filepath.Join(tmpDir, WorkspaceDirName, "data"),
	} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("expected %s to exist: %v", p, err)
		}
	}

	// Second init must fail
	if err := InitWorkspace(tmpDir); err == nil {
		t.Error("expected error for existing workspace")
	}
}
