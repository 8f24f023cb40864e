package backup

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kolobosdimitrios/conductor/store"
)

func newTestService(t *testing.T) (*Service, *store.Store, *store.Project) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	st := store.New(db)

	webRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(webRoot, "index.php"), []byte("<?php echo 1;"), 0o644); err != nil {
		t.Fatalf("seed web root: %v", err)
	}

	project := &store.Project{Name: "demo", Code: "DEMO", WebPath: webRoot}
	if err := st.CreateProject(project); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	svc := New(st, t.TempDir(), 2)
	return svc, st, project
}

func TestCreateWritesArchiveWithManifest(t *testing.T) {
	svc, _, project := newTestService(t)

	path, err := svc.Create(context.Background(), project.ID, TriggerManual)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("archive missing: %v", err)
	}

	staging := t.TempDir()
	if err := unzipTree(path, staging); err != nil {
		t.Fatalf("unzipTree: %v", err)
	}
	manifestBytes, err := os.ReadFile(filepath.Join(staging, "manifest.json"))
	if err != nil {
		t.Fatalf("reading manifest: %v", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		t.Fatalf("decoding manifest: %v", err)
	}
	if !manifest.HasWeb || manifest.HasDatabase {
		t.Fatalf("manifest = %+v", manifest)
	}
	if manifest.Trigger != TriggerManual {
		t.Fatalf("trigger = %v", manifest.Trigger)
	}

	if _, err := os.Stat(filepath.Join(staging, "web", "index.php")); err != nil {
		t.Fatalf("web file missing from archive: %v", err)
	}
}

func TestCreatePrunesOldestBeyondMaxBackups(t *testing.T) {
	svc, _, project := newTestService(t)

	var paths []string
	for i := 0; i < 3; i++ {
		path, err := svc.Create(context.Background(), project.ID, TriggerAuto)
		if err != nil {
			t.Fatalf("Create #%d: %v", i, err)
		}
		paths = append(paths, path)
		// Force distinct mtimes/names since the timestamp granularity is
		// seconds and the loop runs fast.
		time.Sleep(1100 * time.Millisecond)
	}

	subdir := filepath.Dir(paths[0])
	entries, err := os.ReadDir(subdir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var zipCount int
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".zip" {
			zipCount++
		}
	}
	if zipCount != 2 {
		t.Fatalf("zipCount = %d, want 2 after pruning", zipCount)
	}
	if _, err := os.Stat(paths[0]); !os.IsNotExist(err) {
		t.Fatalf("expected oldest archive %s to be pruned", paths[0])
	}
}

func TestRestoreReplacesWebRoot(t *testing.T) {
	svc, _, project := newTestService(t)

	archivePath, err := svc.Create(context.Background(), project.ID, TriggerManual)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := os.WriteFile(filepath.Join(project.WebPath, "index.php"), []byte("<?php echo 2;"), 0o644); err != nil {
		t.Fatalf("mutate web root: %v", err)
	}
	if err := os.WriteFile(filepath.Join(project.WebPath, "new-file.txt"), []byte("new"), 0o644); err != nil {
		t.Fatalf("add file: %v", err)
	}

	if err := svc.Restore(context.Background(), project.ID, archivePath); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(project.WebPath, "index.php"))
	if err != nil {
		t.Fatalf("reading restored file: %v", err)
	}
	if string(content) != "<?php echo 1;" {
		t.Fatalf("content = %q, want original", content)
	}
	if _, err := os.Stat(filepath.Join(project.WebPath, "new-file.txt")); !os.IsNotExist(err) {
		t.Fatal("expected new-file.txt to be removed by restore")
	}
}
