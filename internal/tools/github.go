package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// GitHubName is the registry name of the GitHub capability.
const GitHubName = "github"

// GitHubConfig configures the GitHub capability.
type GitHubConfig struct {
	Token      string
	Owner      string
	Repo       string
	BaseBranch string
	Retry      RetryConfig
	Logger     *zap.Logger
}

// GitHub opens pull requests and comments through the GitHub API.
type GitHub struct {
	client *github.Client
	cfg    GitHubConfig
}

var _ Capability = (*GitHub)(nil)

// NewGitHubClient creates an authenticated GitHub client.
func NewGitHubClient(ctx context.Context, token string) (*github.Client, error) {
	if token == "" {
		return nil, fmt.Errorf("GitHub token not set")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	return github.NewClient(tc), nil
}

// NewGitHub creates the capability over client.
func NewGitHub(client *github.Client, cfg GitHubConfig) (*GitHub, error) {
	if client == nil {
		return nil, fmt.Errorf("github client is required")
	}
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github owner and repo are required")
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cfg.Retry.ApplyDefaults()
	return &GitHub{client: client, cfg: cfg}, nil
}

func (g *GitHub) Name() string { return GitHubName }

func (g *GitHub) Actions() []string {
	return []string{"create_pull_request", "comment"}
}

// Invoke implements Capability.
//
//   - create_pull_request: "title", "head" (required), "body", "base"
//   - comment: "number", "body" (required)
func (g *GitHub) Invoke(ctx context.Context, action string, args map[string]any) (Result, error) {
	switch action {
	case "create_pull_request":
		return g.createPullRequest(ctx, args)
	case "comment":
		return g.comment(ctx, args)
	}
	return Result{}, fmt.Errorf("%s: %w", action, ErrUnsupportedAction)
}

func (g *GitHub) createPullRequest(ctx context.Context, args map[string]any) (Result, error) {
	title, err := stringArg(args, "title")
	if err != nil {
		return Result{}, err
	}
	head, err := stringArg(args, "head")
	if err != nil {
		return Result{}, err
	}
	req := &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(head),
		Base:  github.String(optionalString(args, "base", g.cfg.BaseBranch)),
		Body:  github.String(optionalString(args, "body", "")),
	}
	var pr *github.PullRequest
	resp, err := g.retry(ctx, "create pull request", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		pr, resp, err = g.client.PullRequests.Create(ctx, g.cfg.Owner, g.cfg.Repo, req)
		return resp, err
	})
	if err != nil {
		return Result{}, classifyGitHubError("create pull request", resp, err)
	}
	return Result{
		Message:   fmt.Sprintf("opened pull request #%d", pr.GetNumber()),
		Resources: []string{pr.GetHTMLURL()},
		Data:      map[string]any{"number": pr.GetNumber(), "url": pr.GetHTMLURL()},
	}, nil
}

func (g *GitHub) comment(ctx context.Context, args map[string]any) (Result, error) {
	number, err := intArg(args, "number")
	if err != nil {
		return Result{}, err
	}
	body, err := stringArg(args, "body")
	if err != nil {
		return Result{}, err
	}
	var c *github.IssueComment
	resp, err := g.retry(ctx, "comment", func() (*github.Response, error) {
		var resp *github.Response
		var err error
		c, resp, err = g.client.Issues.CreateComment(ctx, g.cfg.Owner, g.cfg.Repo, number, &github.IssueComment{Body: github.String(body)})
		return resp, err
	})
	if err != nil {
		return Result{}, classifyGitHubError("comment", resp, err)
	}
	return Result{Message: "commented on #" + strconv.Itoa(number), Resources: []string{c.GetHTMLURL()}}, nil
}

func classifyGitHubError(op string, resp *github.Response, err error) error {
	var netErr interface{ Timeout() bool }
	if resp == nil && errors.As(err, &netErr) {
		return fmt.Errorf("github %s: %w: %v", op, ErrNotConnected, err)
	}
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return fmt.Errorf("github %s: %w: %v", op, ErrNotConnected, err)
	}
	return fmt.Errorf("github %s: %w: %v", op, ErrActionFailed, err)
}

// intArg accepts JSON numbers and numeric strings.
func intArg(args map[string]any, key string) (int, error) {
	switch v := args[key].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: argument %q must be a number", ErrActionFailed, key)
}
