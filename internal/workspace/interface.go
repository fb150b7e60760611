package workspace

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"
)

// Encodings accepted in FileEntry.Encoding.
const (
	EncodingUTF8   = "utf-8"
	EncodingBase64 = "base64"
)

// FileEntry is a file travelling into or out of a workspace.
type FileEntry struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
}

// Bytes returns the decoded content.
func (f FileEntry) Bytes() ([]byte, error) {
	switch f.Encoding {
	case "", EncodingUTF8:
		return []byte(f.Content), nil
	case EncodingBase64:
		b, err := base64.StdEncoding.DecodeString(f.Content)
		if err != nil {
			return nil, fmt.Errorf("decode base64 content of %q: %w", f.Path, err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q for %q", f.Encoding, f.Path)
	}
}

// Workspace is a job-scoped scratch directory.
type Workspace struct {
	ID  string
	Dir string
}

// Snapshot records a content fingerprint for every regular file in a
// workspace at one point in time. It is immutable once taken.
type Snapshot struct {
	digests map[string]string
}

// Len returns the number of files in the snapshot.
func (s Snapshot) Len() int { return len(s.digests) }

// Digest returns the fingerprint recorded for the slash-separated relative path.
func (s Snapshot) Digest(path string) (string, bool) {
	d, ok := s.digests[path]
	return d, ok
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
}

// Manager governs the lifecycle of per-job workspaces.
type Manager interface {
	// Create makes a fresh workspace and seeds it with files.
	Create(ctx context.Context, files []FileEntry) (Workspace, error)

	// Snapshot fingerprints every regular file under dir.
	Snapshot(ctx context.Context, dir string) (Snapshot, error)

	// Diff reports files under dir that are new or changed since snap.
	// Deleted files are not reported.
	Diff(ctx context.Context, dir string, snap Snapshot) ([]FileEntry, error)

	// Destroy removes dir. Removing an absent workspace succeeds.
	Destroy(dir string) error

	// Cleanup removes stale workspaces older than olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
