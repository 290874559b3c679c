package executor

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/iambrandonn/satto/internal/fsutil"
	"github.com/iambrandonn/satto/internal/protocol"
)

func (e *Executor) readFile(req *protocol.ActionRequest) (output, error) {
	path := req.Param("path")
	if _, err := e.resolve(path); err != nil {
		return output{}, err
	}

	content, truncated, err := fsutil.ReadFileSafe(e.opts.Root, path, e.opts.ReadLimit)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return output{}, failuref("not_found", "file not found: %s", path)
		}
		return output{}, failure("io", err)
	}
	if isBinary(content) {
		return output{}, failuref("binary", "cannot read binary file: %s", path)
	}

	text := string(content)
	if truncated {
		text += fmt.Sprintf("\n\n[File truncated: showing the first %s]", humanize.IBytes(uint64(e.opts.ReadLimit)))
	}
	return output{
		text: text,
		data: map[string]any{"bytes": len(content), "truncated": truncated},
	}, nil
}

func (e *Executor) writeFile(req *protocol.ActionRequest) (output, error) {
	path := req.Param("path")
	if _, err := e.resolve(path); err != nil {
		return output{}, err
	}

	result, err := fsutil.WriteWorkspaceFile(e.opts.Root, path, []byte(req.Param("content")))
	if err != nil {
		if errors.Is(err, fsutil.ErrOutsideWorkspace) {
			return output{}, err
		}
		return output{}, failure("io", err)
	}
	return output{
		text: fmt.Sprintf("The content was successfully saved to %s (%s).", path, humanize.IBytes(uint64(result.Size))),
		data: map[string]any{"bytes_written": result.Size, "sha256": result.SHA256, "created": result.Created},
	}, nil
}

func (e *Executor) replaceInFile(req *protocol.ActionRequest) (output, error) {
	path := req.Param("path")
	abs, err := e.resolve(path)
	if err != nil {
		return output{}, err
	}

	original, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return output{}, failuref("not_found", "file not found: %s", path)
		}
		return output{}, failure("io", err)
	}

	updated, err := ApplyDiff(string(original), req.Param("diff"))
	if err != nil {
		return output{}, failure("diff_mismatch", err)
	}

	result, err := fsutil.WriteWorkspaceFile(e.opts.Root, path, []byte(updated))
	if err != nil {
		return output{}, failure("io", err)
	}
	return output{
		text: fmt.Sprintf("The content was successfully saved to %s.\n\nHere is the full, updated content of the file:\n\n<final_file_content path=%q>\n%s\n</final_file_content>", path, path, updated),
		data: map[string]any{"bytes_written": result.Size, "sha256": result.SHA256},
	}, nil
}

func isBinary(content []byte) bool {
	head := content
	if len(head) > 8000 {
		head = head[:8000]
	}
	return bytes.IndexByte(head, 0) >= 0
}
