// Package pr opens the pull request that publishes a parallel run's
// integration branch. Two providers exist: the gh CLI, which reuses the
// user's gh authentication, and the GitHub REST API via go-github, which
// needs a token in GITHUB_TOKEN or GH_TOKEN.
package pr

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/Iron-Ham/ralph/internal/config"
	"github.com/Iron-Ham/ralph/internal/errors"
)

// Request describes a pull request to open.
type Request struct {
	Title     string
	Body      string
	Head      string
	Base      string
	Draft     bool
	Reviewers []string
	Labels    []string
}

// Creator opens pull requests and returns the new PR's URL.
type Creator interface {
	Create(ctx context.Context, req Request) (string, error)
}

// RepoLocator resolves the GitHub owner and name of the current repository.
type RepoLocator interface {
	GitHubRepository() (owner, name string, err error)
}

// BuildRequest assembles a Request from the PR settings and the run summary.
func BuildRequest(s config.PRSettings, data TemplateData) (Request, error) {
	if data.LinkedIssue == "" {
		data.LinkedIssue = ExtractIssueReference(data.Task)
	}
	body, err := RenderTemplate(s.Template, data)
	if err != nil {
		return Request{}, err
	}
	return Request{
		Title:     Title(data.Task, data.RunID),
		Body:      body,
		Head:      data.Branch,
		Base:      data.Base,
		Draft:     s.Draft,
		Reviewers: ResolveReviewers(data.ChangedFiles, s.DefaultReviewers, s.ReviewersByPath),
		Labels:    s.Labels,
	}, nil
}

// New returns the Creator for the configured provider. dir is the directory
// gh runs in; repo is consulted only by the API provider.
func New(ctx context.Context, s config.PRSettings, dir string, repo RepoLocator) (Creator, error) {
	switch s.Provider {
	case "", config.ProviderGH:
		return NewGHCreator(dir), nil
	case config.ProviderAPI:
		owner, name, err := repo.GitHubRepository()
		if err != nil {
			return nil, err
		}
		token := os.Getenv("GITHUB_TOKEN")
		if token == "" {
			token = os.Getenv("GH_TOKEN")
		}
		return NewAPICreator(ctx, owner, name, token)
	default:
		return nil, fmt.Errorf("%w: unknown pr provider %q", errors.ErrConfig, s.Provider)
	}
}

// GHCreator opens pull requests with the gh CLI.
type GHCreator struct {
	dir string
	run func(ctx context.Context, dir string, args ...string) ([]byte, error)
}

// NewGHCreator creates a GHCreator running gh in dir.
func NewGHCreator(dir string) *GHCreator {
	return &GHCreator{dir: dir, run: runGH}
}

func runGH(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Create runs `gh pr create` and returns the URL gh prints.
func (g *GHCreator) Create(ctx context.Context, req Request) (string, error) {
	output, err := g.run(ctx, g.dir, ghArgs(req)...)
	if err != nil {
		return "", fmt.Errorf("failed to create PR: %w\n%s", err, string(output))
	}
	// gh prints progress lines before the URL.
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	return strings.TrimSpace(lines[len(lines)-1]), nil
}

func ghArgs(req Request) []string {
	args := []string{"pr", "create",
		"--title", req.Title,
		"--body", req.Body,
		"--head", req.Head,
	}
	if req.Base != "" {
		args = append(args, "--base", req.Base)
	}
	if req.Draft {
		args = append(args, "--draft")
	}
	for _, reviewer := range req.Reviewers {
		args = append(args, "--reviewer", reviewer)
	}
	for _, label := range req.Labels {
		args = append(args, "--label", label)
	}
	return args
}

// APICreator opens pull requests through the GitHub REST API.
type APICreator struct {
	client *github.Client
	owner  string
	repo   string
}

// NewAPICreator creates an APICreator authenticated with token.
func NewAPICreator(ctx context.Context, owner, repo, token string) (*APICreator, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: GITHUB_TOKEN is not set", errors.ErrConfig)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return newAPICreator(oauth2.NewClient(ctx, ts), owner, repo), nil
}

func newAPICreator(httpClient *http.Client, owner, repo string) *APICreator {
	return &APICreator{client: github.NewClient(httpClient), owner: owner, repo: repo}
}

// withBaseURL points the client at another API root, e.g. GitHub Enterprise.
func (a *APICreator) withBaseURL(raw string) error {
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: invalid API URL %q", errors.ErrConfig, raw)
	}
	a.client.BaseURL = u
	return nil
}

// Create opens the pull request, then requests reviewers and adds labels.
// Reviewers of the form org/team are requested as team reviewers.
func (a *APICreator) Create(ctx context.Context, req Request) (string, error) {
	pull, _, err := a.client.PullRequests.Create(ctx, a.owner, a.repo, &github.NewPullRequest{
		Title: github.String(req.Title),
		Head:  github.String(req.Head),
		Base:  github.String(req.Base),
		Body:  github.String(req.Body),
		Draft: github.Bool(req.Draft),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create PR: %w", err)
	}
	number := pull.GetNumber()

	if len(req.Reviewers) > 0 {
		var reviewers github.ReviewersRequest
		for _, r := range req.Reviewers {
			if _, team, ok := strings.Cut(r, "/"); ok {
				reviewers.TeamReviewers = append(reviewers.TeamReviewers, team)
			} else {
				reviewers.Reviewers = append(reviewers.Reviewers, r)
			}
		}
		if _, _, err := a.client.PullRequests.RequestReviewers(ctx, a.owner, a.repo, number, reviewers); err != nil {
			return pull.GetHTMLURL(), fmt.Errorf("PR #%d created but requesting reviewers failed: %w", number, err)
		}
	}

	if len(req.Labels) > 0 {
		if _, _, err := a.client.Issues.AddLabelsToIssue(ctx, a.owner, a.repo, number, req.Labels); err != nil {
			return pull.GetHTMLURL(), fmt.Errorf("PR #%d created but adding labels failed: %w", number, err)
		}
	}
	return pull.GetHTMLURL(), nil
}
