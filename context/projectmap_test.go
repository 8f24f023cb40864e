package context

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGenerateProjectMapDetectsGoAndEntryPoint(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "go.mod"), "module example\n")
	mustWrite(t, filepath.Join(dir, "main.go"), "package main\n")
	if err := os.Mkdir(filepath.Join(dir, "node_modules"), 0o755); err != nil {
		t.Fatal(err)
	}
	mustWrite(t, filepath.Join(dir, "node_modules", "ignored.go"), "package ignored\n")

	pm, err := GenerateProjectMap("proj-1", dir, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateProjectMap: %v", err)
	}
	if pm.PrimaryLanguage != "Go" {
		t.Fatalf("primary language = %q, want Go", pm.PrimaryLanguage)
	}
	found := false
	for _, e := range pm.EntryPoints {
		if e == "main.go" {
			found = true
		}
	}
	if !found {
		t.Fatalf("entry points = %v, want main.go present", pm.EntryPoints)
	}
	for _, stack := range pm.TechStack {
		if stack == "node_modules" {
			t.Fatalf("tech stack leaked ignored directory: %v", pm.TechStack)
		}
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
