package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initRepo creates a repository with one commit on master.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir
}

func TestGit_BranchCommitHead(t *testing.T) {
	ctx := context.Background()
	dir := initRepo(t)
	g, err := NewGit(GitConfig{Path: dir})
	require.NoError(t, err)

	_, err = g.Invoke(ctx, "git_branch", map[string]any{"name": "shipline/task-1"})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))
	res, err := g.Invoke(ctx, "git_commit", map[string]any{"message": "add main"})
	require.NoError(t, err)
	assert.Contains(t, res.Resources, "main.go")
	commit := res.Data["commit"].(string)

	head, err := g.Invoke(ctx, "head", nil)
	require.NoError(t, err)
	assert.Equal(t, "shipline/task-1", head.Data["branch"])
	assert.Equal(t, commit, head.Data["commit"])

	// Checking out an existing branch does not fail.
	_, err = g.Invoke(ctx, "git_branch", map[string]any{"name": "shipline/task-1"})
	require.NoError(t, err)
}

func TestGit_CommitNothing(t *testing.T) {
	g, err := NewGit(GitConfig{Path: initRepo(t)})
	require.NoError(t, err)
	_, err = g.Invoke(context.Background(), "git_commit", map[string]any{"message": "empty"})
	assert.ErrorIs(t, err, ErrActionFailed)
}

func TestGit_PushWithoutRemote(t *testing.T) {
	g, err := NewGit(GitConfig{Path: initRepo(t)})
	require.NoError(t, err)
	_, err = g.Invoke(context.Background(), "git_push", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestGit_PushToBareRemote(t *testing.T) {
	dir := initRepo(t)
	remoteDir := t.TempDir()
	_, err := git.PlainInit(remoteDir, true)
	require.NoError(t, err)

	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	_, err = repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{remoteDir}})
	require.NoError(t, err)

	g, err := NewGit(GitConfig{Path: dir})
	require.NoError(t, err)
	res, err := g.Invoke(context.Background(), "git_push", nil)
	require.NoError(t, err)
	assert.Equal(t, "pushed master", res.Message)
}

func TestNewGit_NotARepo(t *testing.T) {
	_, err := NewGit(GitConfig{Path: t.TempDir()})
	assert.Error(t, err)
}
