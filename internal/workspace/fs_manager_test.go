package workspace

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/codegate/internal/errs"
)

func newManager(t *testing.T) *fsWorkspaceManager {
	t.Helper()
	mgr, err := NewFSManager(filepath.Join(t.TempDir(), "workspaces"))
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}
	return mgr
}

func TestNewFSManagerRejectsEmpty(t *testing.T) {
	if _, err := NewFSManager("  "); err == nil {
		t.Fatal("NewFSManager(\"\") error = nil, want error")
	}
}

func TestFSWorkspaceManagerCreateSeedsFiles(t *testing.T) {
	mgr := newManager(t)

	ws, err := mgr.Create(context.Background(), []FileEntry{
		{Path: "app.ts", Content: "console.log(1)"},
		{Path: "src/deep/util.ts", Content: "export {}", Encoding: EncodingUTF8},
		{Path: "bin.dat", Content: base64.StdEncoding.EncodeToString([]byte{0xff, 0x00, 0x01}), Encoding: EncodingBase64},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if filepath.Dir(ws.Dir) != mgr.BaseDir() {
		t.Fatalf("Create() dir = %q, want child of %q", ws.Dir, mgr.BaseDir())
	}

	got, err := os.ReadFile(filepath.Join(ws.Dir, "src", "deep", "util.ts"))
	if err != nil {
		t.Fatalf("ReadFile(util.ts) error = %v", err)
	}
	if string(got) != "export {}" {
		t.Fatalf("util.ts = %q, want %q", got, "export {}")
	}

	bin, err := os.ReadFile(filepath.Join(ws.Dir, "bin.dat"))
	if err != nil {
		t.Fatalf("ReadFile(bin.dat) error = %v", err)
	}
	if string(bin) != string([]byte{0xff, 0x00, 0x01}) {
		t.Fatalf("bin.dat = %v, want decoded base64", bin)
	}
}

func TestFSWorkspaceManagerCreateUniqueDirs(t *testing.T) {
	mgr := newManager(t)
	a, err := mgr.Create(context.Background(), nil)
	if err != nil {
		t.Fatalf("Create(a) error = %v", err)
	}
	b, err := mgr.Create(context.Background(), nil)
	if err != nil {
		t.Fatalf("Create(b) error = %v", err)
	}
	if a.Dir == b.Dir || a.ID == b.ID {
		t.Fatalf("Create() returned the same workspace twice: %q", a.Dir)
	}
}

func TestFSWorkspaceManagerCreateRejectsUnsafePaths(t *testing.T) {
	tests := []struct {
		name string
		path string
		msg  string
	}{
		{"parent traversal", "../escape.txt", "path traversal detected"},
		{"nested traversal", "a/../../escape.txt", "path traversal detected"},
		{"absolute", "/etc/passwd", "absolute paths not allowed"},
		{"empty", "", "file path is empty"},
		{"root", "a/..", "workspace root"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := newManager(t)

			_, err := mgr.Create(context.Background(), []FileEntry{
				{Path: "ok.txt", Content: "first"},
				{Path: tt.path, Content: "x"},
			})
			if err == nil {
				t.Fatalf("Create(%q) error = nil, want workspace error", tt.path)
			}
			if !errs.Is(err, errs.KindWorkspace) {
				t.Fatalf("Create(%q) kind = %v, want WORKSPACE_ERROR", tt.path, errs.KindOf(err))
			}
			if !strings.Contains(err.Error(), tt.msg) {
				t.Fatalf("Create(%q) error = %q, want %q", tt.path, err, tt.msg)
			}

			// Nothing was written, not even the valid entry before the bad one.
			entries, _ := os.ReadDir(mgr.BaseDir())
			if len(entries) != 0 {
				t.Fatalf("base dir has %d entries after rejected Create, want 0", len(entries))
			}
			if _, err := os.Stat(filepath.Join(filepath.Dir(mgr.BaseDir()), "escape.txt")); !os.IsNotExist(err) {
				t.Fatalf("escape.txt exists outside the workspace, err = %v", err)
			}
		})
	}
}

func TestFSWorkspaceManagerCreateInvalidBase64(t *testing.T) {
	mgr := newManager(t)
	_, err := mgr.Create(context.Background(), []FileEntry{
		{Path: "x.bin", Content: "!!!not-base64", Encoding: EncodingBase64},
	})
	if !errs.Is(err, errs.KindWorkspace) {
		t.Fatalf("Create() error = %v, want workspace error", err)
	}
}

func TestFSWorkspaceManagerSnapshotAndDiff(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()

	ws, err := mgr.Create(ctx, []FileEntry{
		{Path: "app.ts", Content: "v1"},
		{Path: "keep.txt", Content: "same"},
		{Path: "gone.txt", Content: "bye"},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	snap, err := mgr.Snapshot(ctx, ws.Dir)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Len() != 3 {
		t.Fatalf("Snapshot() len = %d, want 3", snap.Len())
	}

	mustWrite(t, filepath.Join(ws.Dir, "app.ts"), []byte("v2"))
	mustWrite(t, filepath.Join(ws.Dir, "output.txt"), []byte("result"))
	mustWrite(t, filepath.Join(ws.Dir, "out", "img.bin"), []byte{0xfe, 0xfd})
	if err := os.Remove(filepath.Join(ws.Dir, "gone.txt")); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	diff, err := mgr.Diff(ctx, ws.Dir, snap)
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	sort.Slice(diff, func(i, j int) bool { return diff[i].Path < diff[j].Path })

	want := []FileEntry{
		{Path: "app.ts", Content: "v2", Encoding: EncodingUTF8},
		{Path: "out/img.bin", Content: base64.StdEncoding.EncodeToString([]byte{0xfe, 0xfd}), Encoding: EncodingBase64},
		{Path: "output.txt", Content: "result", Encoding: EncodingUTF8},
	}
	if len(diff) != len(want) {
		t.Fatalf("Diff() = %+v, want %+v", diff, want)
	}
	for i := range want {
		if diff[i] != want[i] {
			t.Fatalf("Diff()[%d] = %+v, want %+v", i, diff[i], want[i])
		}
	}
}

func TestFSWorkspaceManagerDiffUnchanged(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	ws, err := mgr.Create(ctx, []FileEntry{{Path: "a.txt", Content: "a"}})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	snap, err := mgr.Snapshot(ctx, ws.Dir)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	diff, err := mgr.Diff(ctx, ws.Dir, snap)
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	if diff == nil || len(diff) != 0 {
		t.Fatalf("Diff() = %#v, want empty non-nil slice", diff)
	}
}

func TestFSWorkspaceManagerWalkSkipsSymlinks(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()
	ws, err := mgr.Create(ctx, nil)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	snap, err := mgr.Snapshot(ctx, ws.Dir)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	outside := filepath.Join(t.TempDir(), "secret.txt")
	mustWrite(t, outside, []byte("secret"))
	if err := os.Symlink(outside, filepath.Join(ws.Dir, "link.txt")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	diff, err := mgr.Diff(ctx, ws.Dir, snap)
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	if len(diff) != 0 {
		t.Fatalf("Diff() reported symlink: %+v", diff)
	}
}

func TestFSWorkspaceManagerDestroy(t *testing.T) {
	mgr := newManager(t)
	ws, err := mgr.Create(context.Background(), []FileEntry{{Path: "a/b/c.txt", Content: "x"}})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := mgr.Destroy(ws.Dir); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if _, err := os.Stat(ws.Dir); !os.IsNotExist(err) {
		t.Fatalf("workspace should be deleted, err = %v", err)
	}
	// Idempotent.
	if err := mgr.Destroy(ws.Dir); err != nil {
		t.Fatalf("Destroy() second call error = %v", err)
	}
}

func TestFSWorkspaceManagerDestroyOutsideRoot(t *testing.T) {
	mgr := newManager(t)
	other := t.TempDir()
	for _, dir := range []string{other, mgr.BaseDir(), filepath.Join(mgr.BaseDir(), "..")} {
		if err := mgr.Destroy(dir); err == nil {
			t.Fatalf("Destroy(%q) error = nil, want refusal", dir)
		}
	}
	if _, err := os.Stat(other); err != nil {
		t.Fatalf("directory outside root was touched, err = %v", err)
	}
}

func TestFSWorkspaceManagerCleanup(t *testing.T) {
	mgr := newManager(t)

	oldWS, err := mgr.Create(context.Background(), nil)
	if err != nil {
		t.Fatalf("Create(old) error = %v", err)
	}
	newWS, err := mgr.Create(context.Background(), nil)
	if err != nil {
		t.Fatalf("Create(new) error = %v", err)
	}
	foreign := filepath.Join(mgr.BaseDir(), "not-a-workspace")
	if err := os.Mkdir(foreign, 0o755); err != nil {
		t.Fatalf("Mkdir(foreign) error = %v", err)
	}

	oldTime := time.Now().Add(-48 * time.Hour)
	for _, dir := range []string{oldWS.Dir, foreign} {
		if err := os.Chtimes(dir, oldTime, oldTime); err != nil {
			t.Fatalf("Chtimes(%s) error = %v", dir, err)
		}
	}

	report, err := mgr.Cleanup(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if report.DeletedDirs != 1 {
		t.Fatalf("Cleanup() deleted = %d, want 1", report.DeletedDirs)
	}

	if _, err := os.Stat(oldWS.Dir); !os.IsNotExist(err) {
		t.Fatalf("old workspace should be deleted, err = %v", err)
	}
	if _, err := os.Stat(newWS.Dir); err != nil {
		t.Fatalf("new workspace should still exist, err = %v", err)
	}
	if _, err := os.Stat(foreign); err != nil {
		t.Fatalf("foreign directory should be left alone, err = %v", err)
	}
}

func TestFSWorkspaceManagerCleanupMissingBase(t *testing.T) {
	mgr := newManager(t)
	report, err := mgr.Cleanup(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if report.DeletedDirs != 0 {
		t.Fatalf("Cleanup() deleted = %d, want 0", report.DeletedDirs)
	}
}

func mustWrite(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func TestFSWorkspaceManagerWalkSkipsUnreadableDirectories(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	mgr := newManager(t)
	ctx := context.Background()
	ws, err := mgr.Create(ctx, []FileEntry{
		{Path: "a.txt", Content: "a"},
		{Path: "locked/inner.txt", Content: "hidden"},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	locked := filepath.Join(ws.Dir, "locked")
	if err := os.Chmod(locked, 0); err != nil {
		t.Fatalf("Chmod() error = %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	snap, err := mgr.Snapshot(ctx, ws.Dir)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if _, ok := snap.Digest("a.txt"); !ok {
		t.Fatal("Snapshot() missing a.txt")
	}
	if _, ok := snap.Digest("locked/inner.txt"); ok {
		t.Fatal("Snapshot() read inside an unreadable directory")
	}

	mustWrite(t, filepath.Join(ws.Dir, "b.txt"), []byte("b"))
	diff, err := mgr.Diff(ctx, ws.Dir, snap)
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	if len(diff) != 1 || diff[0].Path != "b.txt" {
		t.Fatalf("Diff() = %+v, want only b.txt", diff)
	}
}
