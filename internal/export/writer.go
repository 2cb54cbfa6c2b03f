// Package export persists the artifacts page scripts produce: Markdown
// captures of articles and JSON transcripts of chat threads. The export
// directory is rotated so long-running servers do not accumulate files
// without bound.
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultMaxArtifacts = 20

// Artifact describes one saved export.
type Artifact struct {
	ID        string    `json:"id"`
	Script    string    `json:"script"`
	SessionID string    `json:"session_id,omitempty"`
	Title     string    `json:"title"`
	Format    string    `json:"format"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Writer saves artifacts into a single directory with rotation.
type Writer struct {
	mu  sync.Mutex
	dir string
	max int
}

// NewWriter creates the export directory if needed.
func NewWriter(dir string, max int) (*Writer, error) {
	if dir == "" {
		dir = "exports"
	}
	if max <= 0 {
		max = DefaultMaxArtifacts
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Writer{dir: dir, max: max}, nil
}

// SaveMarkdown writes a Markdown artifact and rotates the directory.
func (w *Writer) SaveMarkdown(script, sessionID, title, content string) (Artifact, error) {
	return w.save(script, sessionID, title, "markdown", ".md", []byte(content))
}

// SaveJSON marshals payload and writes it as a JSON artifact.
func (w *Writer) SaveJSON(script, sessionID, title string, payload interface{}) (Artifact, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return Artifact{}, fmt.Errorf("marshal artifact: %w", err)
	}
	return w.save(script, sessionID, title, "json", ".json", data)
}

func (w *Writer) save(script, sessionID, title, format, ext string, data []byte) (Artifact, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateLocked(); err != nil {
		return Artifact{}, fmt.Errorf("rotate exports: %w", err)
	}

	id := uuid.NewString()
	name := fmt.Sprintf("%s_%s_%s%s", script, slug(title), id[:8], ext)
	path := filepath.Join(w.dir, name)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Artifact{}, fmt.Errorf("write artifact: %w", err)
	}

	return Artifact{
		ID:        id,
		Script:    script,
		SessionID: sessionID,
		Title:     title,
		Format:    format,
		Path:      path,
		CreatedAt: time.Now(),
	}, nil
}

// List returns saved artifacts, newest first. Metadata is reconstructed
// from the directory; only fields recoverable from disk are set.
func (w *Writer) List() ([]Artifact, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}

	var out []Artifact
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".md" && ext != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		format := "markdown"
		if ext == ".json" {
			format = "json"
		}
		out = append(out, Artifact{
			Script:    strings.SplitN(e.Name(), "_", 2)[0],
			Title:     e.Name(),
			Format:    format,
			Path:      filepath.Join(w.dir, e.Name()),
			CreatedAt: info.ModTime(),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// rotateLocked keeps the newest max-1 files, making room for the next one.
func (w *Writer) rotateLocked() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}

	var files []struct {
		Name string
		Time time.Time
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".md" && ext != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, struct {
			Name string
			Time time.Time
		}{e.Name(), info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Time.After(files[j].Time)
	})

	if len(files) >= w.max {
		keep := w.max - 1
		if keep < 0 {
			keep = 0
		}
		for i := keep; i < len(files); i++ {
			_ = os.Remove(filepath.Join(w.dir, files[i].Name))
		}
	}
	return nil
}

// slug reduces a title to a filesystem-safe fragment.
func slug(title string) string {
	title = strings.ToLower(strings.TrimSpace(title))
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_', r == '/':
			b.WriteByte('-')
		}
		if b.Len() >= 40 {
			break
		}
	}
	s := strings.Trim(b.String(), "-")
	if s == "" {
		return "untitled"
	}
	return s
}
