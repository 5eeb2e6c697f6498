package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/fyrsmithlabs/shipline/internal/pipeline"
)

// GitName is the registry name of the git capability.
const GitName = "git"

// GitConfig configures the git capability.
type GitConfig struct {
	// Path is the repository working tree.
	Path        string
	Remote      string
	AuthorName  string
	AuthorEmail string
	// Token authenticates pushes over HTTPS.
	Token string
}

// Git performs version-control actions with go-git.
type Git struct {
	repo *git.Repository
	cfg  GitConfig
	now  func() time.Time
}

var _ Capability = (*Git)(nil)

// NewGit opens the repository at cfg.Path.
func NewGit(cfg GitConfig) (*Git, error) {
	repo, err := git.PlainOpen(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", cfg.Path, err)
	}
	if cfg.Remote == "" {
		cfg.Remote = git.DefaultRemoteName
	}
	if cfg.AuthorName == "" {
		cfg.AuthorName = "shipline"
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = "shipline@localhost"
	}
	return &Git{repo: repo, cfg: cfg, now: time.Now}, nil
}

func (g *Git) Name() string { return GitName }

func (g *Git) Actions() []string {
	return []string{
		string(pipeline.ActionGitBranch),
		string(pipeline.ActionGitCommit),
		string(pipeline.ActionGitPush),
		"head",
	}
}

// Invoke implements Capability.
//
//   - git_branch: "name" (required), creates and checks out the branch
//   - git_commit: "message" (required), stages all changes and commits
//   - git_push: optional "branch", pushes it (default: current) to the remote
//   - head: returns the current branch and commit
func (g *Git) Invoke(ctx context.Context, action string, args map[string]any) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	switch action {
	case string(pipeline.ActionGitBranch):
		return g.branch(args)
	case string(pipeline.ActionGitCommit):
		return g.commit(args)
	case string(pipeline.ActionGitPush):
		return g.push(ctx, args)
	case "head":
		return g.head()
	}
	return Result{}, fmt.Errorf("%s: %w", action, ErrUnsupportedAction)
}

func (g *Git) branch(args map[string]any) (Result, error) {
	name, err := stringArg(args, "name")
	if err != nil {
		return Result{}, err
	}
	wt, err := g.repo.Worktree()
	if err != nil {
		return Result{}, fmt.Errorf("%w: worktree: %v", ErrActionFailed, err)
	}
	ref := plumbing.NewBranchReferenceName(name)
	_, lookupErr := g.repo.Reference(ref, false)
	opts := &git.CheckoutOptions{Branch: ref, Create: errors.Is(lookupErr, plumbing.ErrReferenceNotFound), Keep: true}
	if err := wt.Checkout(opts); err != nil {
		return Result{}, fmt.Errorf("%w: checkout %s: %v", ErrActionFailed, name, err)
	}
	return Result{Message: "checked out " + name, Resources: []string{ref.String()}}, nil
}

func (g *Git) commit(args map[string]any) (Result, error) {
	msg, err := stringArg(args, "message")
	if err != nil {
		return Result{}, err
	}
	wt, err := g.repo.Worktree()
	if err != nil {
		return Result{}, fmt.Errorf("%w: worktree: %v", ErrActionFailed, err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return Result{}, fmt.Errorf("%w: stage changes: %v", ErrActionFailed, err)
	}
	status, err := wt.Status()
	if err != nil {
		return Result{}, fmt.Errorf("%w: status: %v", ErrActionFailed, err)
	}
	if status.IsClean() {
		return Result{}, fmt.Errorf("%w: nothing to commit", ErrActionFailed)
	}
	changed := make([]string, 0, len(status))
	for path := range status {
		changed = append(changed, path)
	}
	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: g.cfg.AuthorName, Email: g.cfg.AuthorEmail, When: g.now()},
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: commit: %v", ErrActionFailed, err)
	}
	return Result{
		Message:   "committed " + hash.String()[:12],
		Resources: changed,
		Data:      map[string]any{"commit": hash.String()},
	}, nil
}

func (g *Git) push(ctx context.Context, args map[string]any) (Result, error) {
	branch := optionalString(args, "branch", "")
	if branch == "" {
		head, err := g.repo.Head()
		if err != nil {
			return Result{}, fmt.Errorf("%w: head: %v", ErrActionFailed, err)
		}
		if !head.Name().IsBranch() {
			return Result{}, fmt.Errorf("%w: detached HEAD", ErrActionFailed)
		}
		branch = head.Name().Short()
	}
	ref := plumbing.NewBranchReferenceName(branch)
	opts := &git.PushOptions{
		RemoteName: g.cfg.Remote,
		RefSpecs:   []config.RefSpec{config.RefSpec(ref.String() + ":" + ref.String())},
	}
	if g.cfg.Token != "" {
		opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: g.cfg.Token}
	}
	if err := g.repo.PushContext(ctx, opts); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		if errors.Is(err, git.ErrRemoteNotFound) {
			return Result{}, fmt.Errorf("remote %s: %w", g.cfg.Remote, ErrNotConnected)
		}
		return Result{}, fmt.Errorf("%w: push %s: %v", ErrActionFailed, branch, err)
	}
	return Result{Message: "pushed " + branch, Resources: []string{ref.String()}}, nil
}

func (g *Git) head() (Result, error) {
	head, err := g.repo.Head()
	if err != nil {
		return Result{}, fmt.Errorf("%w: head: %v", ErrActionFailed, err)
	}
	branch := ""
	if head.Name().IsBranch() {
		branch = head.Name().Short()
	}
	return Result{
		Message: head.Hash().String(),
		Data:    map[string]any{"branch": branch, "commit": head.Hash().String()},
	}, nil
}
