package executor

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/iambrandonn/satto/internal/fsutil"
	"github.com/iambrandonn/satto/internal/protocol"
	"github.com/iambrandonn/satto/internal/search"
)

// ListIgnoredDirs are never descended into by a recursive listing.
var ListIgnoredDirs = []string{
	"node_modules", "__pycache__", "env", "venv",
	"target/dependency", "build/dependencies",
	"dist", "out", "bundle", "vendor", "tmp", "temp", "deps", "pkg", "Pods",
}

// ListFiles lists dir breadth first, returning paths relative to root with
// a trailing slash on directories. truncated reports that limit was hit.
func ListFiles(root, dir string, recursive bool, limit int, ignorer *search.Ignorer) ([]string, bool, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var results []string
	queue := []string{dir}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		entries, err := os.ReadDir(current)
		if err != nil {
			if current == dir {
				return nil, false, err
			}
			continue
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, entry := range entries {
			if len(results) >= limit {
				return results, true, nil
			}
			path := filepath.Join(current, entry.Name())
			rel := fsutil.RelativeTo(root, path)
			if entry.IsDir() {
				results = append(results, rel+"/")
				if recursive && !skipDir(path, entry.Name(), ignorer) {
					queue = append(queue, path)
				}
				continue
			}
			if recursive && ignorer.Ignored(path, false) {
				continue
			}
			results = append(results, rel)
		}
	}
	return results, false, nil
}

func skipDir(path, name string, ignorer *search.Ignorer) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	slashed := filepath.ToSlash(path)
	for _, ignored := range ListIgnoredDirs {
		if name == ignored || strings.HasSuffix(slashed, "/"+ignored) {
			return true
		}
	}
	return ignorer.Ignored(path, true)
}

func (e *Executor) listFiles(req *protocol.ActionRequest) (output, error) {
	dir, err := e.resolve(req.Param("path"))
	if err != nil {
		return output{}, err
	}
	recursive, _ := strconv.ParseBool(strings.TrimSpace(req.Param("recursive")))

	if isRootOrHome(dir) {
		return output{
			text: dir + "\n\n(Listing the filesystem root or home directory is not allowed.)",
			data: map[string]any{"count": 0},
		}, nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return output{}, failuref("not_found", "directory not found: %s", req.Param("path"))
		}
		return output{}, failure("io", err)
	}
	if !info.IsDir() {
		return output{}, failuref("not_a_directory", "%s is not a directory", req.Param("path"))
	}

	files, truncated, err := ListFiles(e.opts.Root, dir, recursive, DefaultListLimit, search.NewIgnorer(e.opts.Root, e.opts.IgnorePatterns))
	if err != nil {
		return output{}, failure("io", err)
	}
	return output{
		text: formatFileList(files, truncated),
		data: map[string]any{"count": len(files), "truncated": truncated},
	}, nil
}

// Overview lists the workspace recursively for the first request of a task.
func (e *Executor) Overview() string {
	if isRootOrHome(e.opts.Root) {
		return "(Desktop, home or filesystem root; files are not listed automatically.)"
	}
	files, truncated, err := ListFiles(e.opts.Root, e.opts.Root, true, DefaultListLimit, search.NewIgnorer(e.opts.Root, e.opts.IgnorePatterns))
	if err != nil {
		return "(Could not list files: " + err.Error() + ")"
	}
	return formatFileList(files, truncated)
}

func formatFileList(files []string, truncated bool) string {
	if len(files) == 0 {
		return "No files found."
	}
	sorted := append([]string(nil), files...)
	sort.Strings(sorted)
	text := strings.Join(sorted, "\n")
	if truncated {
		text += "\n\n(File list truncated. Use list_files on specific subdirectories if you need to explore further.)"
	}
	return text
}

func isRootOrHome(dir string) bool {
	clean := filepath.Clean(dir)
	if clean == string(filepath.Separator) {
		return true
	}
	home, err := os.UserHomeDir()
	return err == nil && home != "" && clean == filepath.Clean(home)
}

func (e *Executor) searchFiles(ctx context.Context, req *protocol.ActionRequest) (output, error) {
	dir, err := e.resolve(req.Param("path"))
	if err != nil {
		return output{}, err
	}
	res, err := e.opts.Search.Search(ctx, search.Query{
		Root:        e.opts.Root,
		Dir:         dir,
		Regex:       req.Param("regex"),
		FilePattern: req.Param("file_pattern"),
		Ignore:      e.opts.IgnorePatterns,
		MaxResults:  search.MaxResults,
	})
	if err != nil {
		return output{}, failure("search", err)
	}
	return output{
		text: search.Format(res),
		data: map[string]any{"matches": len(res.Matches), "truncated": res.Truncated, "backend": e.opts.Search.Name()},
	}, nil
}
