package workspace

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/codegate/internal/errs"
)

// fsWorkspaceManager manages per-job workspace directories on local disk.
type fsWorkspaceManager struct {
	baseDir string
	now     func() time.Time
}

var _ Manager = (*fsWorkspaceManager)(nil)

// NewFSManager creates a filesystem-backed workspace manager rooted at baseDir.
func NewFSManager(baseDir string) (*fsWorkspaceManager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace base directory: %w", err)
	}

	return &fsWorkspaceManager{
		baseDir: abs,
		now:     time.Now,
	}, nil
}

// BaseDir returns the directory under which workspaces are created.
func (m *fsWorkspaceManager) BaseDir() string { return m.baseDir }

type seed struct {
	path string
	data []byte
}

// Create makes <baseDir>/<uuid> and writes files into it. Every path and
// payload is validated before anything touches the disk.
func (m *fsWorkspaceManager) Create(ctx context.Context, files []FileEntry) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	id := uuid.NewString()
	dir := filepath.Join(m.baseDir, id)

	seeds := make([]seed, 0, len(files))
	for _, f := range files {
		target, err := resolveSeedPath(dir, f.Path)
		if err != nil {
			return Workspace{}, err
		}
		data, err := f.Bytes()
		if err != nil {
			return Workspace{}, errs.Wrap(errs.KindWorkspace, err, "invalid file content")
		}
		seeds = append(seeds, seed{path: target, data: data})
	}

	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return Workspace{}, errs.Wrap(errs.KindWorkspace, err, "create workspace base directory")
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		return Workspace{}, errs.Wrap(errs.KindWorkspace, err, "create workspace")
	}

	for _, s := range seeds {
		if err := writeSeed(s); err != nil {
			_ = os.RemoveAll(dir)
			return Workspace{}, errs.Wrap(errs.KindWorkspace, err, "seed workspace")
		}
	}

	return Workspace{ID: id, Dir: dir}, nil
}

func writeSeed(s seed) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create parent of %q: %w", s.path, err)
	}
	if err := os.WriteFile(s.path, s.data, 0o644); err != nil {
		return fmt.Errorf("write %q: %w", s.path, err)
	}
	return nil
}

// resolveSeedPath maps a client-supplied relative path to a location under dir.
func resolveSeedPath(dir, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", errs.New(errs.KindWorkspace, "file path is empty")
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return "", errs.New(errs.KindWorkspace, "absolute paths not allowed: %s", p)
	}
	cleaned := filepath.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", errs.New(errs.KindWorkspace, "path traversal detected: %s", p)
	}
	if cleaned == "." {
		return "", errs.New(errs.KindWorkspace, "file path resolves to the workspace root: %s", p)
	}
	return filepath.Join(dir, cleaned), nil
}

// Snapshot fingerprints every regular file under dir with BLAKE3-256.
func (m *fsWorkspaceManager) Snapshot(ctx context.Context, dir string) (Snapshot, error) {
	digests := make(map[string]string)
	err := walkFiles(ctx, dir, func(rel, path string) error {
		d, err := digestFile(path)
		if err != nil {
			// Unreadable files are skipped.
			return nil
		}
		digests[rel] = d
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{digests: digests}, nil
}

// Diff walks dir again and returns files that are absent from snap or whose
// fingerprint changed. UTF-8 content is returned as-is; anything else is
// base64-encoded.
func (m *fsWorkspaceManager) Diff(ctx context.Context, dir string, snap Snapshot) ([]FileEntry, error) {
	changed := []FileEntry{}
	err := walkFiles(ctx, dir, func(rel, path string) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		sum := blake3.Sum256(data)
		if prev, ok := snap.Digest(rel); ok && prev == hex.EncodeToString(sum[:]) {
			return nil
		}
		changed = append(changed, encodeEntry(rel, data))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

func encodeEntry(rel string, data []byte) FileEntry {
	if utf8.Valid(data) {
		return FileEntry{Path: rel, Content: string(data), Encoding: EncodingUTF8}
	}
	return FileEntry{Path: rel, Content: base64.StdEncoding.EncodeToString(data), Encoding: EncodingBase64}
}

// Destroy removes dir recursively. dir must live under the base directory.
func (m *fsWorkspaceManager) Destroy(dir string) error {
	rel, err := filepath.Rel(m.baseDir, dir)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return errs.New(errs.KindWorkspace, "refusing to remove %q outside workspace root", dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return errs.Wrap(errs.KindWorkspace, err, "destroy workspace")
	}
	return nil
}

// Cleanup removes workspace directories older than olderThan based on directory
// modification time.
func (m *fsWorkspaceManager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read workspace base directory: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	report := CleanupReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() {
			continue
		}
		// Only directories this manager could have created.
		if _, err := uuid.Parse(entry.Name()); err != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read workspace entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(m.baseDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return report, fmt.Errorf("remove workspace %q: %w", entry.Name(), err)
		}
		report.DeletedDirs++
	}

	return report, nil
}

// walkFiles calls fn for each regular file under root with its
// slash-separated relative path. Unreadable directories are skipped and
// symlinks are neither followed nor reported.
func walkFiles(ctx context.Context, root string, fn func(rel, path string) error) error {
	info, err := os.Stat(root)
	if err != nil {
		return errs.Wrap(errs.KindWorkspace, err, "open workspace")
	}
	if !info.IsDir() {
		return errs.New(errs.KindWorkspace, "workspace %q is not a directory", root)
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if path == root {
				return walkErr
			}
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		return fn(filepath.ToSlash(rel), path)
	})
}

func digestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
