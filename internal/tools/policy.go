package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

// Policy classifies action kinds for the agentic loop and routes them to
// capabilities when a step names none.
type Policy struct {
	// Critical action kinds abort the loop when their step fails.
	Critical []pipeline.ActionKind `toml:"critical"`
	// Signoff action kinds require an architecture approval gate.
	Signoff []pipeline.ActionKind `toml:"signoff"`
	// Routes maps an action kind to the capability that performs it.
	Routes map[string]string `toml:"routes"`
}

type policyFile struct {
	Policy Policy `toml:"policy"`
}

// DefaultPolicy is used when no policy file is configured.
func DefaultPolicy() *Policy {
	return &Policy{
		Critical: []pipeline.ActionKind{
			pipeline.ActionGitBranch,
			pipeline.ActionGitCommit,
			pipeline.ActionGitPush,
		},
		Signoff: []pipeline.ActionKind{
			pipeline.ActionArchitectureChange,
			pipeline.ActionDependencyChange,
		},
		Routes: map[string]string{
			string(pipeline.ActionCreateFile):         WorkspaceName,
			string(pipeline.ActionModifyFile):         WorkspaceName,
			string(pipeline.ActionDeleteFile):         WorkspaceName,
			string(pipeline.ActionReadFile):           WorkspaceName,
			string(pipeline.ActionListFiles):          WorkspaceName,
			string(pipeline.ActionArchitectureChange): WorkspaceName,
			string(pipeline.ActionDependencyChange):   WorkspaceName,
			string(pipeline.ActionGitBranch):          GitName,
			string(pipeline.ActionGitCommit):          GitName,
			string(pipeline.ActionGitPush):            GitName,
		},
	}
}

// LoadPolicy reads a TOML policy file:
//
//	[policy]
//	critical = ["git_commit", "git_push"]
//	signoff  = ["architecture_change"]
//	[policy.routes]
//	create_file = "workspace"
//
// Route entries are merged over the default routes. A missing file yields
// DefaultPolicy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultPolicy(), nil
	}
	var file policyFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("decode policy %s: %w", path, err)
	}
	p := file.Policy
	for _, k := range append(append([]pipeline.ActionKind(nil), p.Critical...), p.Signoff...) {
		if !k.Valid() {
			return nil, fmt.Errorf("policy %s: unknown action kind %q", path, k)
		}
	}
	routes := DefaultPolicy().Routes
	for k, v := range p.Routes {
		routes[k] = v
	}
	p.Routes = routes
	return &p, nil
}

// IsCritical reports whether failure of kind aborts the loop.
func (p *Policy) IsCritical(kind pipeline.ActionKind) bool {
	return contains(p.Critical, kind)
}

// RequiresSignoff reports whether kind needs architecture approval.
func (p *Policy) RequiresSignoff(kind pipeline.ActionKind) bool {
	return contains(p.Signoff, kind)
}

// CapabilitiesFor returns the capabilities a step runs on: its own list,
// or the route for its action kind.
func (p *Policy) CapabilitiesFor(step pipeline.Step) []string {
	if len(step.Capabilities) > 0 {
		return step.Capabilities
	}
	if c, ok := p.Routes[string(step.Action)]; ok {
		return []string{c}
	}
	return nil
}

func contains(kinds []pipeline.ActionKind, k pipeline.ActionKind) bool {
	for _, c := range kinds {
		if c == k {
			return true
		}
	}
	return false
}

// PolicyWatcher holds the current policy and reloads it when the file
// changes. An invalid edit keeps the previous policy.
type PolicyWatcher struct {
	path    string
	current atomic.Pointer[Policy]
	watcher *fsnotify.Watcher
	logger  *zap.Logger
	stop    chan struct{}
	reloads chan struct{}
}

// NewPolicyWatcher loads path and prepares a watcher on its directory.
func NewPolicyWatcher(path string, logger *zap.Logger) (*PolicyWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p, err := LoadPolicy(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create policy watcher: %w", err)
	}
	w := &PolicyWatcher{
		path:    path,
		watcher: watcher,
		logger:  logger,
		stop:    make(chan struct{}),
		reloads: make(chan struct{}, 1),
	}
	w.current.Store(p)
	return w, nil
}

// Current returns the active policy.
func (w *PolicyWatcher) Current() *Policy {
	return w.current.Load()
}

// Reloaded signals after each successful reload, for tests and logs.
func (w *PolicyWatcher) Reloaded() <-chan struct{} {
	return w.reloads
}

// Start watches the policy file's directory until ctx ends or Stop.
// Watching the directory survives editors that replace the file.
func (w *PolicyWatcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch policy dir: %w", err)
	}
	go w.run(ctx)
	return nil
}

// Stop ends watching.
func (w *PolicyWatcher) Stop() {
	select {
	case <-w.stop:
		return
	default:
		close(w.stop)
		_ = w.watcher.Close()
	}
}

func (w *PolicyWatcher) run(ctx context.Context) {
	target := filepath.Clean(w.path)
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watcher error", zap.Error(err))
		}
	}
}

func (w *PolicyWatcher) reload() {
	p, err := LoadPolicy(w.path)
	if err != nil {
		w.logger.Warn("policy reload failed, keeping previous policy", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.current.Store(p)
	w.logger.Info("policy reloaded", zap.String("path", w.path))
	select {
	case w.reloads <- struct{}{}:
	default:
	}
}

// PolicySource yields the policy in force.
type PolicySource interface {
	Current() *Policy
}

// StaticPolicy is a PolicySource that never changes.
type StaticPolicy struct {
	Policy *Policy
}

// Current implements PolicySource.
func (s StaticPolicy) Current() *Policy {
	if s.Policy == nil {
		return DefaultPolicy()
	}
	return s.Policy
}

var _ PolicySource = (*PolicyWatcher)(nil)
