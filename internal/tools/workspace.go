package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

// WorkspaceName is the registry name of the workspace capability.
const WorkspaceName = "workspace"

const (
	// maxReadBytes caps read_file results.
	maxReadBytes = 1 << 20
	// maxListEntries caps list_files results.
	maxListEntries = 500
)

// Workspace performs file actions confined to a root directory.
type Workspace struct {
	root string
}

var _ Capability = (*Workspace)(nil)

// NewWorkspace creates a Workspace rooted at root, which must exist.
func NewWorkspace(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", abs)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &Workspace{root: resolved}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string { return w.root }

func (w *Workspace) Name() string { return WorkspaceName }

func (w *Workspace) Actions() []string {
	return []string{
		string(pipeline.ActionCreateFile),
		string(pipeline.ActionModifyFile),
		string(pipeline.ActionDeleteFile),
		string(pipeline.ActionReadFile),
		string(pipeline.ActionListFiles),
	}
}

// Invoke implements Capability. Every action takes a relative "path";
// create_file and modify_file also take "content". list_files defaults
// the path to the root and takes an optional base name "pattern".
func (w *Workspace) Invoke(ctx context.Context, action string, args map[string]any) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if pipeline.ActionKind(action) == pipeline.ActionListFiles {
		return w.list(ctx, args)
	}
	rel, err := stringArg(args, "path")
	if err != nil {
		return Result{}, err
	}
	path, err := w.resolve(rel)
	if err != nil {
		return Result{}, err
	}

	switch pipeline.ActionKind(action) {
	case pipeline.ActionCreateFile:
		content, err := stringArg(args, "content")
		if err != nil {
			return Result{}, err
		}
		if _, err := os.Stat(path); err == nil {
			return Result{}, fmt.Errorf("%w: %s already exists", ErrActionFailed, rel)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrActionFailed, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrActionFailed, err)
		}
		return Result{Message: "created " + rel, Resources: []string{rel}}, nil

	case pipeline.ActionModifyFile:
		content, err := stringArg(args, "content")
		if err != nil {
			return Result{}, err
		}
		info, err := os.Stat(path)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrActionFailed, err)
		}
		if err := os.WriteFile(path, []byte(content), info.Mode().Perm()); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrActionFailed, err)
		}
		return Result{Message: "modified " + rel, Resources: []string{rel}}, nil

	case pipeline.ActionDeleteFile:
		if err := os.Remove(path); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrActionFailed, err)
		}
		return Result{Message: "deleted " + rel, Resources: []string{rel}}, nil

	case pipeline.ActionReadFile:
		f, err := os.Open(path)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrActionFailed, err)
		}
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, maxReadBytes))
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrActionFailed, err)
		}
		return Result{
			Message: "read " + rel,
			Data:    map[string]any{"content": string(data)},
		}, nil
	}
	return Result{}, fmt.Errorf("%s: %w", action, ErrUnsupportedAction)
}

func (w *Workspace) list(ctx context.Context, args map[string]any) (Result, error) {
	rel := optionalString(args, "path", ".")
	pattern := optionalString(args, "pattern", "")
	if _, err := filepath.Match(pattern, ""); err != nil {
		return Result{}, fmt.Errorf("%w: bad pattern %q", ErrActionFailed, pattern)
	}
	dir, err := w.resolve(rel)
	if err != nil {
		return Result{}, err
	}
	ignored, err := loadIgnore(w.root)
	if err != nil {
		return Result{}, fmt.Errorf("%w: read ignore files: %v", ErrActionFailed, err)
	}

	files := []string{}
	truncated := false
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		r, err := filepath.Rel(w.root, p)
		if err != nil || r == "." {
			return err
		}
		r = filepath.ToSlash(r)
		if ignored.Match(r, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if pattern != "" {
			if ok, _ := filepath.Match(pattern, d.Name()); !ok {
				return nil
			}
		}
		if len(files) == maxListEntries {
			truncated = true
			return filepath.SkipAll
		}
		files = append(files, r)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrActionFailed, err)
	}
	return Result{
		Message: fmt.Sprintf("listed %d files under %s", len(files), rel),
		Data:    map[string]any{"files": files, "truncated": truncated},
	}, nil
}

// resolve maps a relative path into the root, rejecting escapes. Symlinks
// along the existing part of the path are followed and the target must
// still lie under the root.
func (w *Workspace) resolve(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: path must be relative: %q", ErrActionFailed, rel)
	}
	path := filepath.Join(w.root, filepath.Clean(rel))
	if !w.within(path) {
		return "", fmt.Errorf("%w: path escapes workspace: %q", ErrActionFailed, rel)
	}
	resolved, err := realPath(path)
	if err != nil {
		return "", fmt.Errorf("%w: resolve %q: %v", ErrActionFailed, rel, err)
	}
	if !w.within(resolved) {
		return "", fmt.Errorf("%w: path escapes workspace through a symlink: %q", ErrActionFailed, rel)
	}
	return resolved, nil
}

func (w *Workspace) within(path string) bool {
	r, err := filepath.Rel(w.root, path)
	return err == nil && r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator))
}

// realPath evaluates symlinks in the longest existing prefix of path and
// appends the parts that do not exist yet.
func realPath(path string) (string, error) {
	var missing []string
	cur := path
	for {
		if _, err := os.Lstat(cur); err == nil {
			break
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		missing = append([]string{filepath.Base(cur)}, missing...)
		cur = parent
	}
	resolved, err := filepath.EvalSymlinks(cur)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{resolved}, missing...)...), nil
}
