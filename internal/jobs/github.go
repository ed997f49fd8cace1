package jobs

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/go-github/v60/github"

	"github.com/loomdev/loom/internal/domain"
)

// GitHubSink pushes artifacts to a GitHub repository as a single commit
// through the git data API.
type GitHubSink struct {
	client *github.Client
}

// NewGitHubSink builds a sink authenticating with a personal access token.
func NewGitHubSink(token string) *GitHubSink {
	return &GitHubSink{client: github.NewClient(nil).WithAuthToken(token)}
}

var _ GitSink = (*GitHubSink)(nil)

// Push writes one file per artifact under artifacts/ on the job's branch
// and returns the commit SHA.
func (s *GitHubSink) Push(ctx context.Context, job *domain.GitSyncJob, artifacts []*domain.Artifact) (string, error) {
	owner, repo, err := splitRepoURL(job.RepoURL)
	if err != nil {
		return "", err
	}

	ref, _, err := s.client.Git.GetRef(ctx, owner, repo, "refs/heads/"+job.Branch)
	if err != nil {
		return "", fmt.Errorf("resolve branch %s: %w", job.Branch, err)
	}

	entries := make([]*github.TreeEntry, 0, len(artifacts))
	for _, a := range artifacts {
		text, _ := a.Content["text"].(string)
		entries = append(entries, &github.TreeEntry{
			Path:    github.String(artifactPath(a)),
			Mode:    github.String("100644"),
			Type:    github.String("blob"),
			Content: github.String(text),
		})
	}
	tree, _, err := s.client.Git.CreateTree(ctx, owner, repo, *ref.Object.SHA, entries)
	if err != nil {
		return "", fmt.Errorf("create tree: %w", err)
	}

	message := fmt.Sprintf("Sync artifacts for task %s", job.TaskID)
	commit, _, err := s.client.Git.CreateCommit(ctx, owner, repo, &github.Commit{
		Message: github.String(message),
		Tree:    tree,
		Parents: []*github.Commit{{SHA: ref.Object.SHA}},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("create commit: %w", err)
	}

	ref.Object.SHA = commit.SHA
	if _, _, err := s.client.Git.UpdateRef(ctx, owner, repo, ref, false); err != nil {
		return "", fmt.Errorf("update ref: %w", err)
	}
	return commit.GetSHA(), nil
}

func artifactPath(a *domain.Artifact) string {
	return fmt.Sprintf("artifacts/%s_v%d.md", a.Type, a.Version)
}

// splitRepoURL extracts owner and repo from an https GitHub URL.
func splitRepoURL(raw string) (owner, repo string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", domain.Ef(domain.CodeInvalidInput, "invalid repo url %q", raw)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", domain.Ef(domain.CodeInvalidInput, "repo url %q must name owner/repo", raw)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}
