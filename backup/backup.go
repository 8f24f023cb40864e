// Package backup snapshots a project's file roots and database into a
// single retained zip archive, and restores one back in place.
package backup

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/kolobosdimitrios/conductor/store"
)

// Trigger names the event that caused a backup to be taken.
type Trigger string

const (
	TriggerAuto       Trigger = "auto"
	TriggerManual     Trigger = "manual"
	TriggerClose      Trigger = "close"
	TriggerReopen     Trigger = "reopen"
	TriggerPreRestore Trigger = "pre_restore"
)

// Manifest is the JSON metadata written alongside the project's files
// and database dump inside every archive.
type Manifest struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	ProjectCode string    `json:"project_code"`
	Trigger     Trigger   `json:"trigger"`
	CreatedAt   time.Time `json:"created_at"`
	HasWeb      bool      `json:"has_web"`
	HasApp      bool      `json:"has_app"`
	HasDatabase bool      `json:"has_database"`
}

// Service creates and restores project backup archives. A failed
// backup never aborts ticket processing: callers log the returned
// error and continue, matching the daemon's own best-effort backup
// discipline.
type Service struct {
	store      *store.Store
	backupDir  string
	maxBackups int
}

// New returns a Service writing archives under backupDir, retaining at
// most maxBackups per project.
func New(st *store.Store, backupDir string, maxBackups int) *Service {
	return &Service{store: st, backupDir: backupDir, maxBackups: maxBackups}
}

// Create snapshots projectID's web/app roots and database (if
// configured) into a single zip archive under
// <backupDir>/<CODE>/<CODE>_<timestamp>_<trigger>.zip, pruning the
// oldest archives beyond maxBackups. Returns the path written.
func (s *Service) Create(ctx context.Context, projectID string, trigger Trigger) (string, error) {
	project, err := s.store.GetProject(projectID)
	if err != nil {
		return "", fmt.Errorf("backup: loading project: %w", err)
	}

	subdir := filepath.Join(s.backupDir, project.Code)
	if err := os.MkdirAll(subdir, 0o755); err != nil {
		return "", fmt.Errorf("backup: creating backup dir: %w", err)
	}

	staging, err := os.MkdirTemp("", "conductor-backup-")
	if err != nil {
		return "", fmt.Errorf("backup: creating staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	manifest := Manifest{
		ID:          uuid.NewString(),
		ProjectID:   project.ID,
		ProjectCode: project.Code,
		Trigger:     trigger,
		CreatedAt:   time.Now(),
	}

	if project.WebPath != "" {
		if err := copyTree(project.WebPath, filepath.Join(staging, "web")); err != nil {
			return "", fmt.Errorf("backup: copying web root: %w", err)
		}
		manifest.HasWeb = true
	}
	if project.AppPath != "" {
		if err := copyTree(project.AppPath, filepath.Join(staging, "app")); err != nil {
			return "", fmt.Errorf("backup: copying app root: %w", err)
		}
		manifest.HasApp = true
	}
	if project.DBName != "" && project.DBUser != "" {
		if err := dumpDatabase(ctx, project, filepath.Join(staging, "database")); err != nil {
			return "", fmt.Errorf("backup: dumping database: %w", err)
		}
		manifest.HasDatabase = true
	}

	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("backup: encoding manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staging, "manifest.json"), manifestBytes, 0o644); err != nil {
		return "", fmt.Errorf("backup: writing manifest: %w", err)
	}

	timestamp := manifest.CreatedAt.Format("20060102_150405")
	name := fmt.Sprintf("%s_%s_%s.zip", project.Code, timestamp, trigger)
	finalPath := filepath.Join(subdir, name)
	tmpPath := finalPath + ".tmp"

	size, err := zipTree(staging, tmpPath)
	if err != nil {
		return "", fmt.Errorf("backup: writing archive: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("backup: finalizing archive: %w", err)
	}

	if err := s.prune(subdir); err != nil {
		_ = s.store.AppendDaemonLog("warn", "backup", fmt.Sprintf("pruning old backups for %s: %v", project.Code, err))
	}

	_ = s.store.AppendDaemonLog("info", "backup", fmt.Sprintf("created %s (%s)", name, humanize.Bytes(uint64(size))))
	return finalPath, nil
}

// Restore pre-backs-up projectID (trigger pre_restore), then replaces
// its web/app roots and re-applies the database dump from archivePath.
func (s *Service) Restore(ctx context.Context, projectID, archivePath string) error {
	project, err := s.store.GetProject(projectID)
	if err != nil {
		return fmt.Errorf("restore: loading project: %w", err)
	}

	if _, err := s.Create(ctx, projectID, TriggerPreRestore); err != nil {
		_ = s.store.AppendDaemonLog("warn", "backup", fmt.Sprintf("pre-restore backup failed: %v", err))
	}

	staging, err := os.MkdirTemp("", "conductor-restore-")
	if err != nil {
		return fmt.Errorf("restore: creating staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := unzipTree(archivePath, staging); err != nil {
		return fmt.Errorf("restore: extracting archive: %w", err)
	}

	if project.WebPath != "" {
		if err := replaceTree(filepath.Join(staging, "web"), project.WebPath); err != nil {
			return fmt.Errorf("restore: replacing web root: %w", err)
		}
	}
	if project.AppPath != "" {
		if err := replaceTree(filepath.Join(staging, "app"), project.AppPath); err != nil {
			return fmt.Errorf("restore: replacing app root: %w", err)
		}
	}

	dbDir := filepath.Join(staging, "database")
	if _, err := os.Stat(dbDir); err == nil {
		if err := restoreDatabase(ctx, project, dbDir); err != nil {
			return fmt.Errorf("restore: restoring database: %w", err)
		}
	}

	_ = s.store.AppendDaemonLog("info", "backup", fmt.Sprintf("restored %s from %s", project.Code, filepath.Base(archivePath)))
	return nil
}

// prune removes every archive under dir beyond maxBackups, oldest
// first by modification time.
func (s *Service) prune(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	type archive struct {
		path    string
		modTime time.Time
	}
	var archives []archive
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".zip") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		archives = append(archives, archive{path: filepath.Join(dir, e.Name()), modTime: info.ModTime()})
	}
	sort.Slice(archives, func(i, j int) bool { return archives[i].modTime.After(archives[j].modTime) })
	if len(archives) <= s.maxBackups {
		return nil
	}
	for _, a := range archives[s.maxBackups:] {
		if err := os.Remove(a.path); err != nil {
			return err
		}
	}
	return nil
}

func copyTree(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target, info.Mode())
	})
}

func replaceTree(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return copyTree(src, dst)
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// zipTree writes every file under root into a new zip archive at
// destPath, syncing and closing it before the caller renames it into
// place so a crash mid-write never leaves a half-written backup at its
// final name.
func zipTree(root, destPath string) (int64, error) {
	f, err := os.Create(destPath)
	if err != nil {
		return 0, err
	}
	w := zip.NewWriter(f)

	walkErr := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		header.Method = zip.Deflate
		entry, err := w.CreateHeader(header)
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(entry, in)
		return err
	})
	if walkErr != nil {
		w.Close()
		f.Close()
		return 0, walkErr
	}
	if err := w.Close(); err != nil {
		f.Close()
		return 0, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, err
	}
	info, statErr := f.Stat()
	closeErr := f.Close()
	if statErr != nil {
		return 0, statErr
	}
	if closeErr != nil {
		return 0, closeErr
	}
	return info.Size(), nil
}

func unzipTree(archivePath, destRoot string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		target := filepath.Join(destRoot, f.Name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		in, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode())
		if err != nil {
			in.Close()
			return err
		}
		_, copyErr := io.Copy(out, in)
		in.Close()
		out.Close()
		if copyErr != nil {
			return copyErr
		}
	}
	return nil
}

// dumpDatabase shells out to mysqldump for a schema-only and a
// data-only dump, matching the daemon's own two-command split so a
// restore can apply schema before data.
func dumpDatabase(ctx context.Context, project *store.Project, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	host := project.DBHost
	if host == "" {
		host = "localhost"
	}
	if err := runMysqldump(ctx, host, project.DBUser, project.DBPassword, project.DBName,
		[]string{"--no-data"}, filepath.Join(dir, "schema.sql")); err != nil {
		return err
	}
	return runMysqldump(ctx, host, project.DBUser, project.DBPassword, project.DBName,
		[]string{"--no-create-info"}, filepath.Join(dir, "data.sql"))
}

func runMysqldump(ctx context.Context, host, user, password, dbName string, extraArgs []string, outPath string) error {
	args := append([]string{"-h", host, "-u", user}, extraArgs...)
	args = append(args, dbName)
	cmd := exec.CommandContext(ctx, "mysqldump", args...) // #nosec G204 -- args built from project config, not user input
	cmd.Env = append(os.Environ(), "MYSQL_PWD="+password)

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()
	cmd.Stdout = out

	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("mysqldump: %w: %s", err, stderr.String())
	}
	return nil
}

func restoreDatabase(ctx context.Context, project *store.Project, dir string) error {
	host := project.DBHost
	if host == "" {
		host = "localhost"
	}
	for _, file := range []string{"schema.sql", "data.sql"} {
		path := filepath.Join(dir, file)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := runMysqlImport(ctx, host, project.DBUser, project.DBPassword, project.DBName, path); err != nil {
			return err
		}
	}
	return nil
}

func runMysqlImport(ctx context.Context, host, user, password, dbName, sqlFile string) error {
	in, err := os.Open(sqlFile)
	if err != nil {
		return err
	}
	defer in.Close()

	cmd := exec.CommandContext(ctx, "mysql", "-h", host, "-u", user, dbName) // #nosec G204 -- args built from project config, not user input
	cmd.Env = append(os.Environ(), "MYSQL_PWD="+password)
	cmd.Stdin = in

	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("mysql import of %s: %w: %s", filepath.Base(sqlFile), err, stderr.String())
	}
	return nil
}
