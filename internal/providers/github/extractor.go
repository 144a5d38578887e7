// Package github implements the GitHub extractors and transformers.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	gogithub "github.com/google/go-github/v57/github"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
	"golang.org/x/oauth2"
)

// Raw payload type discriminators.
const (
	TypeRepositories = "github_repositories"
	TypePullRequests = "github_pull_requests"
	TypePRActivity   = "github_pr_activity"
)

// SecondaryPRActivity is the secondary step type for per-PR commits,
// reviews and comments.
const SecondaryPRActivity = "pr_activity"

// PageSize is the page size requested from the GitHub API.
const PageSize = 50

// Extractor fetches one GitHub page per call for its configured step.
type Extractor struct {
	step string
}

// NewExtractors builds one extractor per GitHub step.
func NewExtractors() []*Extractor {
	return []*Extractor{
		{step: "repositories"},
		{step: "pull_requests"},
	}
}

func (e *Extractor) Provider() string { return "github" }
func (e *Extractor) Step() string     { return e.step }

// newClient builds a token-authenticated client per call; base URL and
// credential vary per integration.
func newClient(ctx context.Context, baseURL, token string) (*gogithub.Client, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	client := gogithub.NewClient(tc)
	if baseURL != "" && !strings.Contains(baseURL, "api.github.com") {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to configure enterprise URLs: %w", err)
		}
	}
	return client, nil
}

// classify maps a GitHub API failure onto the pipeline error taxonomy.
func classify(resp *gogithub.Response, err error) error {
	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return models.AuthError(fmt.Sprintf("github rejected credentials (status %d)", resp.StatusCode), err)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return models.Retryable(fmt.Sprintf("github returned status %d", resp.StatusCode), err)
		case resp.StatusCode == http.StatusUnprocessableEntity:
			return models.SchemaError("github rejected the request", err)
		}
	}
	return models.Retryable("github request failed", err)
}

func (e *Extractor) Extract(ctx context.Context, req interfaces.ExtractRequest) (*interfaces.ExtractResult, error) {
	client, err := newClient(ctx, req.Integration.BaseURL, req.Credential)
	if err != nil {
		return nil, err
	}
	if req.Secondary {
		return e.extractPRActivity(ctx, client, req)
	}
	switch e.step {
	case "repositories":
		return e.extractRepositories(ctx, client, req)
	case "pull_requests":
		return e.extractPullRequests(ctx, client, req)
	}
	return nil, fmt.Errorf("unknown github step %q", e.step)
}

func (e *Extractor) extractRepositories(ctx context.Context, client *gogithub.Client, req interfaces.ExtractRequest) (*interfaces.ExtractResult, error) {
	page := 1
	if req.Cursor != "" {
		n, err := strconv.Atoi(req.Cursor)
		if err != nil {
			return nil, models.Poison(fmt.Sprintf("bad github cursor %q", req.Cursor), err)
		}
		page = n
	}

	repos, resp, err := client.Repositories.List(ctx, "", &gogithub.RepositoryListOptions{
		Sort:        "full_name",
		ListOptions: gogithub.ListOptions{Page: page, PerPage: PageSize},
	})
	if err != nil {
		return nil, classify(resp, err)
	}

	payload, err := json.Marshal(repos)
	if err != nil {
		return nil, fmt.Errorf("failed to encode repositories payload: %w", err)
	}

	result := &interfaces.ExtractResult{
		Batches:  []interfaces.RawBatch{{Type: TypeRepositories, Payload: payload}},
		LastPage: resp.NextPage == 0,
	}
	if !result.LastPage {
		result.NextCursor = strconv.Itoa(resp.NextPage)
	}
	return result, nil
}

// prCursor walks every repository's pull request pages in repo order.
type prCursor struct {
	RepoPage int `json:"repo_page"`
	RepoIdx  int `json:"repo_idx"`
	PRPage   int `json:"pr_page"`
}

func decodePRCursor(cursor string) (prCursor, error) {
	c := prCursor{RepoPage: 1, PRPage: 1}
	if cursor == "" {
		return c, nil
	}
	if err := json.Unmarshal([]byte(cursor), &c); err != nil {
		return c, models.Poison(fmt.Sprintf("bad github pr cursor %q", cursor), err)
	}
	return c, nil
}

func (c prCursor) encode() string {
	body, _ := json.Marshal(c)
	return string(body)
}

func (e *Extractor) extractPullRequests(ctx context.Context, client *gogithub.Client, req interfaces.ExtractRequest) (*interfaces.ExtractResult, error) {
	cursor, err := decodePRCursor(req.Cursor)
	if err != nil {
		return nil, err
	}

	repos, repoResp, err := client.Repositories.List(ctx, "", &gogithub.RepositoryListOptions{
		Sort:        "full_name",
		ListOptions: gogithub.ListOptions{Page: cursor.RepoPage, PerPage: PageSize},
	})
	if err != nil {
		return nil, classify(repoResp, err)
	}
	if cursor.RepoIdx >= len(repos) {
		if repoResp.NextPage == 0 {
			return &interfaces.ExtractResult{LastPage: true}, nil
		}
		next := prCursor{RepoPage: repoResp.NextPage, PRPage: 1}
		return &interfaces.ExtractResult{NextCursor: next.encode()}, nil
	}

	repo := repos[cursor.RepoIdx]
	owner, name := repo.GetOwner().GetLogin(), repo.GetName()

	prs, resp, err := client.PullRequests.List(ctx, owner, name, &gogithub.PullRequestListOptions{
		State:       "all",
		ListOptions: gogithub.ListOptions{Page: cursor.PRPage, PerPage: PageSize},
	})
	if err != nil {
		return nil, classify(resp, err)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"repository":    repo.GetFullName(),
		"pull_requests": prs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode pull requests payload: %w", err)
	}

	result := &interfaces.ExtractResult{
		Batches: []interfaces.RawBatch{{Type: TypePullRequests, Payload: payload}},
	}
	for _, pr := range prs {
		result.Secondary = append(result.Secondary, interfaces.SecondaryExtraction{
			StepType:         SecondaryPRActivity,
			ParentExternalID: fmt.Sprintf("%s#%d", repo.GetFullName(), pr.GetNumber()),
		})
	}

	switch {
	case resp.NextPage != 0:
		next := cursor
		next.PRPage = resp.NextPage
		result.NextCursor = next.encode()
	case cursor.RepoIdx+1 < len(repos):
		next := prCursor{RepoPage: cursor.RepoPage, RepoIdx: cursor.RepoIdx + 1, PRPage: 1}
		result.NextCursor = next.encode()
	case repoResp.NextPage != 0:
		next := prCursor{RepoPage: repoResp.NextPage, PRPage: 1}
		result.NextCursor = next.encode()
	default:
		result.LastPage = true
	}
	return result, nil
}

func (e *Extractor) extractPRActivity(ctx context.Context, client *gogithub.Client, req interfaces.ExtractRequest) (*interfaces.ExtractResult, error) {
	repoFull, number, err := splitPRRef(req.ParentExternalID)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(repoFull, "/", 2)
	owner, name := parts[0], parts[1]

	commits, resp, err := client.PullRequests.ListCommits(ctx, owner, name, number, &gogithub.ListOptions{PerPage: 100})
	if err != nil {
		return nil, classify(resp, err)
	}
	reviews, resp, err := client.PullRequests.ListReviews(ctx, owner, name, number, &gogithub.ListOptions{PerPage: 100})
	if err != nil {
		return nil, classify(resp, err)
	}
	comments, resp, err := client.PullRequests.ListComments(ctx, owner, name, number, &gogithub.PullRequestListCommentsOptions{
		ListOptions: gogithub.ListOptions{PerPage: 100},
	})
	if err != nil {
		return nil, classify(resp, err)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"pr":         req.ParentExternalID,
		"repository": repoFull,
		"number":     number,
		"commits":    commits,
		"reviews":    reviews,
		"comments":   comments,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode pr activity payload: %w", err)
	}
	return &interfaces.ExtractResult{
		Batches:  []interfaces.RawBatch{{Type: TypePRActivity, Payload: payload}},
		LastPage: true,
	}, nil
}

func splitPRRef(ref string) (string, int, error) {
	idx := strings.LastIndex(ref, "#")
	if idx <= 0 || !strings.Contains(ref[:idx], "/") {
		return "", 0, models.Poison(fmt.Sprintf("bad pull request reference %q", ref), nil)
	}
	number, err := strconv.Atoi(ref[idx+1:])
	if err != nil {
		return "", 0, models.Poison(fmt.Sprintf("bad pull request reference %q", ref), err)
	}
	return ref[:idx], number, nil
}
