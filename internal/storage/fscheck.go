package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem marks a path that lives on a network mount.
var ErrNetworkFilesystem = errors.New("network filesystem")

var networkFilesystems = map[string]bool{
	"9p": true, "afpfs": true, "afs": true, "ceph": true, "cifs": true,
	"nfs": true, "smb2": true, "smbfs": true, "webdav": true,
}

// CheckLocalFilesystem fails with ErrNetworkFilesystem when path, or the
// closest parent that exists, is on a network mount. Platforms without
// detection pass.
func CheckLocalFilesystem(path string) error {
	return checkLocal(path, detectFilesystemType)
}

func checkLocal(path string, detect func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	existing, err := closestExisting(path)
	if err != nil {
		return err
	}
	fsType, err := detect(existing)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}
	if networkFilesystems[strings.ToLower(strings.TrimSpace(fsType))] {
		return fmt.Errorf("%w: %s is on %s; use local disk", ErrNetworkFilesystem, path, fsType)
	}
	return nil
}

func closestExisting(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	for {
		_, err := os.Stat(p)
		switch {
		case err == nil:
			return p, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("stat %q: %w", p, err)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		p = parent
	}
}
