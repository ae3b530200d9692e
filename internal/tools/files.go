package tools

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kexinoh/free-OKC/internal/workspace"
)

const defaultReadLimit = 2000

var imageMIMEs = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
}

// displayPath maps a resolved internal path back to the mount path the
// model works with.
func displayPath(ws *workspace.Manager, resolved string) string {
	paths := ws.Paths()
	rel, err := filepath.Rel(paths.InternalRoot, resolved)
	if err != nil || strings.HasPrefix(rel, "..") {
		return resolved
	}
	return path.Join(paths.Mount, filepath.ToSlash(rel))
}

// ReadFileTool reads workspace files. Text files honour offset/limit
// windows; images come back as base64 data URLs.
type ReadFileTool struct {
	ws *workspace.Manager
}

func NewReadFileTool(ws *workspace.Manager) *ReadFileTool { return &ReadFileTool{ws: ws} }

func (t *ReadFileTool) Name() string { return "mshtools-read_file" }

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	resolved, err := t.ws.Resolve(stringArg(args, "file_path"))
	if err != nil {
		return ErrorResult(err.Error())
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return Errorf("file not found: %s", displayPath(t.ws, resolved))
	}
	if info.IsDir() {
		return Errorf("%s is a directory", displayPath(t.ws, resolved))
	}

	if mime, ok := imageMIMEs[strings.ToLower(filepath.Ext(resolved))]; ok {
		data, err := os.ReadFile(resolved)
		if err != nil {
			return Errorf("read %s: %v", displayPath(t.ws, resolved), err)
		}
		url := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))
		return DataResult(
			fmt.Sprintf("Read image %s (%d bytes)", displayPath(t.ws, resolved), len(data)),
			map[string]interface{}{"mime_type": mime, "data_url": url},
		)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return Errorf("read %s: %v", displayPath(t.ws, resolved), err)
	}
	lines := strings.Split(string(data), "\n")

	offset := intArg(args, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	if offset >= len(lines) {
		return Errorf("offset %d is past the end of the file (%d lines)", offset, len(lines))
	}
	limit := intArg(args, "limit", defaultReadLimit)
	if limit <= 0 {
		limit = defaultReadLimit
	}
	end := offset + limit
	truncated := false
	if end < len(lines) {
		truncated = true
	} else {
		end = len(lines)
	}

	output := strings.Join(lines[offset:end], "\n")
	if truncated {
		output += fmt.Sprintf("\n... (truncated at line %d of %d)", end, len(lines))
	}
	return NewResult(output)
}

// WriteFileTool writes or appends one file, creating parents.
type WriteFileTool struct {
	ws *workspace.Manager
}

func NewWriteFileTool(ws *workspace.Manager) *WriteFileTool { return &WriteFileTool{ws: ws} }

func (t *WriteFileTool) Name() string { return "mshtools-write_file" }

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	resolved, err := t.ws.Resolve(stringArg(args, "file_path"))
	if err != nil {
		return ErrorResult(err.Error())
	}
	content := stringArg(args, "content")
	if err := writeWorkspaceFile(resolved, content, boolArg(args, "append")); err != nil {
		return ErrorResult(err.Error())
	}
	verb := "Wrote"
	if boolArg(args, "append") {
		verb = "Appended"
	}
	return NewResult(fmt.Sprintf("%s %d bytes to %s", verb, len(content), displayPath(t.ws, resolved)))
}

// EditFileTool replaces an exact substring. The target must be unique
// unless replace_all is set.
type EditFileTool struct {
	ws *workspace.Manager
}

func NewEditFileTool(ws *workspace.Manager) *EditFileTool { return &EditFileTool{ws: ws} }

func (t *EditFileTool) Name() string { return "mshtools-edit_file" }

func (t *EditFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	resolved, err := t.ws.Resolve(stringArg(args, "file_path"))
	if err != nil {
		return ErrorResult(err.Error())
	}
	oldString := stringArg(args, "old_string")
	newString := stringArg(args, "new_string")
	if oldString == "" {
		return ErrorResult("old_string is required")
	}
	if oldString == newString {
		return ErrorResult("old_string and new_string are identical")
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return Errorf("read %s: %v", displayPath(t.ws, resolved), err)
	}
	content := string(data)
	count := strings.Count(content, oldString)
	if count == 0 {
		return Errorf("old_string not found in %s", displayPath(t.ws, resolved))
	}
	if count > 1 && !boolArg(args, "replace_all") {
		return Errorf("old_string occurs %d times in %s; pass replace_all or make it unique", count, displayPath(t.ws, resolved))
	}

	replaced := count
	if boolArg(args, "replace_all") {
		content = strings.ReplaceAll(content, oldString, newString)
	} else {
		content = strings.Replace(content, oldString, newString, 1)
		replaced = 1
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return Errorf("write %s: %v", displayPath(t.ws, resolved), err)
	}
	return NewResult(fmt.Sprintf("Replaced %d occurrence(s) in %s", replaced, displayPath(t.ws, resolved)))
}

// FilesWriteTool writes several files in one call.
type FilesWriteTool struct {
	ws *workspace.Manager
}

func NewFilesWriteTool(ws *workspace.Manager) *FilesWriteTool { return &FilesWriteTool{ws: ws} }

func (t *FilesWriteTool) Name() string { return "mshtools-files_write" }

func (t *FilesWriteTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	list, ok := args["files"].([]interface{})
	if !ok || len(list) == 0 {
		return ErrorResult("'files' must be a non-empty array")
	}
	var written []string
	for i, item := range list {
		entry, ok := item.(map[string]interface{})
		if !ok {
			return Errorf("files[%d] must be an object", i)
		}
		resolved, err := t.ws.Resolve(stringArg(entry, "file_path"))
		if err != nil {
			return Errorf("files[%d]: %v", i, err)
		}
		if err := writeWorkspaceFile(resolved, stringArg(entry, "content"), false); err != nil {
			return Errorf("files[%d]: %v", i, err)
		}
		written = append(written, displayPath(t.ws, resolved))
	}
	if len(written) == 1 {
		return NewResult("Wrote file " + written[0])
	}
	return NewResult(fmt.Sprintf("Wrote files (%d):\n%s", len(written), strings.Join(written, "\n")))
}

func writeWorkspaceFile(resolved, content string, appendMode bool) error {
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return err
	}
	return f.Close()
}
