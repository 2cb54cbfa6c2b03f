package export

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"
)

func TestWriterSaveMarkdown(t *testing.T) {
	w, err := NewWriter(t.TempDir(), 5)
	if err != nil {
		t.Fatal(err)
	}

	art, err := w.SaveMarkdown("markdown-export", "s1", "My Article: Part 2", "# My Article\n\nbody\n")
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	if art.Format != "markdown" || art.ID == "" {
		t.Errorf("unexpected artifact: %+v", art)
	}
	content, err := os.ReadFile(art.Path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !strings.HasPrefix(string(content), "# My Article") {
		t.Errorf("unexpected content: %s", content)
	}
	if !strings.Contains(art.Path, "my-article") {
		t.Errorf("expected slugged title in path, got %s", art.Path)
	}
}

func TestWriterSaveJSON(t *testing.T) {
	w, err := NewWriter(t.TempDir(), 5)
	if err != nil {
		t.Fatal(err)
	}

	payload := map[string]interface{}{"messages": []string{"hi", "hello"}}
	art, err := w.SaveJSON("chat-export", "s1", "thread", payload)
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	raw, err := os.ReadFile(art.Path)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("artifact is not valid json: %v", err)
	}
}

func TestWriterRotation(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 3)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if _, err := w.SaveMarkdown("markdown-export", "s1", "doc", "body"); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
		time.Sleep(10 * time.Millisecond) // distinct mod times
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("expected 3 files after rotation, got %d", len(entries))
	}
}

func TestWriterList(t *testing.T) {
	w, err := NewWriter(t.TempDir(), 10)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := w.SaveMarkdown("markdown-export", "s1", "first", "a"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := w.SaveJSON("chat-export", "s1", "second", map[string]string{}); err != nil {
		t.Fatal(err)
	}

	arts, err := w.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(arts) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(arts))
	}
	// Newest first.
	if arts[0].Script != "chat-export" || arts[1].Script != "markdown-export" {
		t.Errorf("unexpected order: %+v", arts)
	}
}

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"Hello World":      "hello-world",
		"  Weird///Chars! ": "weird---chars",
		"":                 "untitled",
		"日本語":              "untitled",
	}
	for in, want := range cases {
		if got := slug(in); got != want {
			t.Errorf("slug(%q) = %q, want %q", in, got, want)
		}
	}
}
