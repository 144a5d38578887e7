package github

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// Transformer normalizes raw GitHub payloads for its configured step.
type Transformer struct {
	step string
}

// NewTransformers builds one transformer per GitHub step.
func NewTransformers() []*Transformer {
	return []*Transformer{
		{step: "repositories"},
		{step: "pull_requests"},
	}
}

func (t *Transformer) Provider() string { return "github" }
func (t *Transformer) Step() string     { return t.step }

func (t *Transformer) Transform(ctx context.Context, raw *models.RawExtractionRecord) (*interfaces.TransformResult, error) {
	var records []models.DomainRecord
	var err error

	switch raw.Type {
	case TypeRepositories:
		records, err = transformRepositories(raw)
	case TypePullRequests:
		records, err = transformPullRequests(raw)
	case TypePRActivity:
		records, err = transformPRActivity(raw)
	default:
		return nil, models.Poison(fmt.Sprintf("unknown github payload type %q", raw.Type), nil)
	}
	if err != nil {
		return nil, err
	}

	for _, record := range records {
		record.SetTenantID(raw.TenantID)
	}
	return &interfaces.TransformResult{Records: records}, nil
}

func transformRepositories(raw *models.RawExtractionRecord) ([]models.DomainRecord, error) {
	var repos []struct {
		ID            int64  `json:"id"`
		FullName      string `json:"full_name"`
		Description   string `json:"description"`
		DefaultBranch string `json:"default_branch"`
		Language      string `json:"language"`
	}
	if err := json.Unmarshal(raw.Payload, &repos); err != nil {
		return nil, models.SchemaError("failed to parse github repositories payload", err)
	}

	records := make([]models.DomainRecord, 0, len(repos))
	for _, repo := range repos {
		records = append(records, &models.Repository{
			ExternalID:    strconv.FormatInt(repo.ID, 10),
			FullName:      repo.FullName,
			Description:   repo.Description,
			DefaultBranch: repo.DefaultBranch,
			Language:      repo.Language,
		})
	}
	return records, nil
}

func transformPullRequests(raw *models.RawExtractionRecord) ([]models.DomainRecord, error) {
	var payload struct {
		Repository   string `json:"repository"`
		PullRequests []struct {
			Number int    `json:"number"`
			Title  string `json:"title"`
			Body   string `json:"body"`
			State  string `json:"state"`
			User   struct {
				Login string `json:"login"`
			} `json:"user"`
		} `json:"pull_requests"`
	}
	if err := json.Unmarshal(raw.Payload, &payload); err != nil {
		return nil, models.SchemaError("failed to parse github pull requests payload", err)
	}

	records := make([]models.DomainRecord, 0, len(payload.PullRequests))
	for _, pr := range payload.PullRequests {
		records = append(records, &models.PullRequest{
			ExternalID: fmt.Sprintf("%s#%d", payload.Repository, pr.Number),
			Repository: payload.Repository,
			Number:     pr.Number,
			Title:      pr.Title,
			Body:       pr.Body,
			State:      pr.State,
			Author:     pr.User.Login,
			UpdatedAt:  time.Now(),
		})
	}
	return records, nil
}

func transformPRActivity(raw *models.RawExtractionRecord) ([]models.DomainRecord, error) {
	var payload struct {
		PR      string `json:"pr"`
		Commits []struct {
			SHA    string `json:"sha"`
			Commit struct {
				Message string `json:"message"`
				Author  struct {
					Name string `json:"name"`
				} `json:"author"`
			} `json:"commit"`
		} `json:"commits"`
		Reviews []struct {
			ID   int64  `json:"id"`
			User struct {
				Login string `json:"login"`
			} `json:"user"`
			State string `json:"state"`
			Body  string `json:"body"`
		} `json:"reviews"`
		Comments []struct {
			ID   int64  `json:"id"`
			User struct {
				Login string `json:"login"`
			} `json:"user"`
			Body string `json:"body"`
		} `json:"comments"`
	}
	if err := json.Unmarshal(raw.Payload, &payload); err != nil {
		return nil, models.SchemaError("failed to parse github pr activity payload", err)
	}

	var records []models.DomainRecord
	for _, commit := range payload.Commits {
		records = append(records, &models.PRCommit{
			ExternalID:   commit.SHA,
			PRExternalID: payload.PR,
			SHA:          commit.SHA,
			Message:      commit.Commit.Message,
			Author:       commit.Commit.Author.Name,
		})
	}
	for _, review := range payload.Reviews {
		records = append(records, &models.PRReview{
			ExternalID:   strconv.FormatInt(review.ID, 10),
			PRExternalID: payload.PR,
			Reviewer:     review.User.Login,
			State:        review.State,
			Body:         review.Body,
		})
	}
	for _, comment := range payload.Comments {
		records = append(records, &models.PRComment{
			ExternalID:   strconv.FormatInt(comment.ID, 10),
			PRExternalID: payload.PR,
			Author:       comment.User.Login,
			Body:         comment.Body,
		})
	}
	return records, nil
}
