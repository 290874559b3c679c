package fsutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideWorkspace is returned when a path resolves outside the workspace root.
var ErrOutsideWorkspace = errors.New("path outside workspace")

// AtomicWrite writes private state atomically using the pattern:
// 1. Write to .<basename>.tmp.<pid>.<rand>
// 2. fsync(tmp)
// 3. rename(tmp, final)
// 4. fsync(dir)
//
// Files are created with 0600 permissions and missing directories with 0700.
// Readers never observe a partial write.
func AtomicWrite(path string, data []byte) error {
	return writeAtomic(path, data, 0600, 0700)
}

// AtomicWriteFile is AtomicWrite for user-visible files: perm is applied to
// the file and missing parent directories are created 0755.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	return writeAtomic(path, data, perm, 0755)
}

func writeAtomic(path string, data []byte, perm, dirPerm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath, err := generateTempPath(path)
	if err != nil {
		return fmt.Errorf("failed to generate temp path: %w", err)
	}

	tmpFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, perm)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	success := false
	defer func() {
		tmpFile.Close()
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	// OpenFile is subject to the umask; the final file gets exactly perm.
	if err := tmpFile.Chmod(perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	if err := syncDir(dir); err != nil {
		return fmt.Errorf("failed to sync directory: %w", err)
	}

	success = true
	return nil
}

// generateTempPath creates a temporary filename in the same directory as the target
// Format: .<basename>.tmp.<pid>.<rand>
func generateTempPath(path string) (string, error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	pid := os.Getpid()

	randBytes := make([]byte, 4)
	if _, err := rand.Read(randBytes); err != nil {
		return "", fmt.Errorf("failed to generate random suffix: %w", err)
	}
	randSuffix := hex.EncodeToString(randBytes)

	tmpName := fmt.Sprintf(".%s.tmp.%d.%s", base, pid, randSuffix)
	return filepath.Join(dir, tmpName), nil
}

// syncDir opens a directory and calls fsync on it
func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open directory: %w", err)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		return fmt.Errorf("failed to sync directory: %w", err)
	}

	return nil
}

// ResolveWorkspacePath resolves p against the workspace root and returns the
// canonical absolute path. p may be relative or absolute; either way the
// result, after following symlinks of the longest existing prefix, must stay
// inside the root or the error wraps ErrOutsideWorkspace.
func ResolveWorkspacePath(workspace, p string) (string, error) {
	rootAbs, err := filepath.Abs(workspace)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace: %w", err)
	}
	rootAbs, err = filepath.EvalSymlinks(rootAbs)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace: %w", err)
	}

	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("empty path")
	}

	var cleanPath string
	if filepath.IsAbs(p) {
		cleanPath = filepath.Clean(p)
	} else {
		cleanPath = filepath.Join(rootAbs, p)
	}
	if !within(rootAbs, cleanPath) {
		// An absolute path may still name the workspace through a symlinked spelling.
		resolved, err := resolveExisting(cleanPath)
		if err != nil || !within(rootAbs, resolved) {
			return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, p)
		}
		return resolved, nil
	}

	resolved, err := resolveExisting(cleanPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve symlinks: %w", err)
	}
	if !within(rootAbs, resolved) {
		return "", fmt.Errorf("%w: symlink escapes workspace: %s", ErrOutsideWorkspace, p)
	}
	return resolved, nil
}

// resolveExisting follows symlinks in the longest existing prefix of path
// and re-appends the missing tail.
func resolveExisting(path string) (string, error) {
	existing := path
	var tail []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return path, nil
		}
		tail = append([]string{filepath.Base(existing)}, tail...)
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{resolved}, tail...)...), nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// RelativeTo returns path relative to the workspace, using forward slashes.
// Paths outside the workspace are returned unchanged.
func RelativeTo(workspace, path string) string {
	rel, err := filepath.Rel(workspace, path)
	if err != nil || !within(workspace, path) {
		return path
	}
	return filepath.ToSlash(rel)
}

// ReadFileSafe reads a workspace file with a size limit. truncated reports
// whether the file was longer than maxBytes.
func ReadFileSafe(workspace, p string, maxBytes int64) (content []byte, truncated bool, err error) {
	fullPath, err := ResolveWorkspacePath(workspace, p)
	if err != nil {
		return nil, false, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, false, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return nil, false, fmt.Errorf("%s is a directory", p)
	}

	content, err = io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read file: %w", err)
	}
	if int64(len(content)) > maxBytes {
		return content[:maxBytes], true, nil
	}
	return content, false, nil
}

// WriteResult describes a file written by WriteWorkspaceFile.
type WriteResult struct {
	Path    string `json:"path"`
	SHA256  string `json:"sha256"`
	Size    int64  `json:"size"`
	Created bool   `json:"created"`
}

// WriteWorkspaceFile atomically writes content to a workspace path, creating
// missing parent directories. An existing file keeps its permissions; new
// files are 0644.
func WriteWorkspaceFile(workspace, p string, content []byte) (WriteResult, error) {
	fullPath, err := ResolveWorkspacePath(workspace, p)
	if err != nil {
		return WriteResult{}, err
	}

	perm := os.FileMode(0644)
	created := true
	if info, err := os.Stat(fullPath); err == nil {
		if info.IsDir() {
			return WriteResult{}, fmt.Errorf("%s is a directory", p)
		}
		perm = info.Mode().Perm()
		created = false
	}

	if err := AtomicWriteFile(fullPath, content, perm); err != nil {
		return WriteResult{}, err
	}

	hash := sha256.Sum256(content)
	return WriteResult{
		Path:    p,
		SHA256:  fmt.Sprintf("sha256:%x", hash),
		Size:    int64(len(content)),
		Created: created,
	}, nil
}
