package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// Raw payload type discriminators. Transformers switch on these.
const (
	TypeStatuses  = "jira_statuses"
	TypeProjects  = "jira_projects"
	TypeIssueType = "jira_issue_types"
	TypeIssues    = "jira_issues"
	TypeSprints   = "jira_sprints"
	TypeDevStatus = "jira_dev_status"
)

// SecondaryDevStatus is the secondary step type for per-issue development
// information.
const SecondaryDevStatus = "dev_status"

// Extractor fetches one Jira page per call for its configured step.
type Extractor struct {
	client *Client
	step   string
}

// NewExtractors builds one extractor per Jira step, sharing a client so the
// rate limit applies across steps.
func NewExtractors() []*Extractor {
	client := NewClient()
	steps := []string{"statuses", "projects", "hierarchies", "issues_with_changelogs", "sprint_reports"}
	out := make([]*Extractor, 0, len(steps))
	for _, step := range steps {
		out = append(out, &Extractor{client: client, step: step})
	}
	return out
}

func (e *Extractor) Provider() string { return "jira" }
func (e *Extractor) Step() string     { return e.step }

func (e *Extractor) Extract(ctx context.Context, req interfaces.ExtractRequest) (*interfaces.ExtractResult, error) {
	if req.Secondary {
		return e.extractDevStatus(ctx, req)
	}
	switch e.step {
	case "statuses":
		return e.extractStatuses(ctx, req)
	case "projects":
		return e.extractProjects(ctx, req)
	case "hierarchies":
		return e.extractIssueTypes(ctx, req)
	case "issues_with_changelogs":
		return e.extractIssues(ctx, req)
	case "sprint_reports":
		return e.extractSprints(ctx, req)
	}
	return nil, fmt.Errorf("unknown jira step %q", e.step)
}

// startAt decodes the opaque cursor into a page offset.
func startAt(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(cursor)
	if err != nil {
		return 0, models.Poison(fmt.Sprintf("bad jira cursor %q", cursor), err)
	}
	return n, nil
}

// extractStatuses fetches the status list; the endpoint is not paginated.
func (e *Extractor) extractStatuses(ctx context.Context, req interfaces.ExtractRequest) (*interfaces.ExtractResult, error) {
	body, err := e.client.get(ctx, req.Integration.BaseURL, req.Credential, "/rest/api/2/status", nil, nil)
	if err != nil {
		return nil, err
	}
	return &interfaces.ExtractResult{
		Batches:  []interfaces.RawBatch{{Type: TypeStatuses, Payload: body}},
		LastPage: true,
	}, nil
}

func (e *Extractor) extractProjects(ctx context.Context, req interfaces.ExtractRequest) (*interfaces.ExtractResult, error) {
	offset, err := startAt(req.Cursor)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("startAt", strconv.Itoa(offset))
	params.Set("maxResults", strconv.Itoa(PageSize))

	var page struct {
		IsLast     bool              `json:"isLast"`
		MaxResults int               `json:"maxResults"`
		Values     []json.RawMessage `json:"values"`
	}
	body, err := e.client.get(ctx, req.Integration.BaseURL, req.Credential, "/rest/api/2/project/search", params, &page)
	if err != nil {
		return nil, err
	}

	result := &interfaces.ExtractResult{
		Batches:  []interfaces.RawBatch{{Type: TypeProjects, Payload: body}},
		LastPage: page.IsLast || len(page.Values) == 0,
	}
	if !result.LastPage {
		result.NextCursor = strconv.Itoa(offset + len(page.Values))
	}
	return result, nil
}

// extractIssueTypes fetches the issue type list; hierarchy relations are
// derived from it at transform time. Not paginated.
func (e *Extractor) extractIssueTypes(ctx context.Context, req interfaces.ExtractRequest) (*interfaces.ExtractResult, error) {
	body, err := e.client.get(ctx, req.Integration.BaseURL, req.Credential, "/rest/api/2/issuetype", nil, nil)
	if err != nil {
		return nil, err
	}
	return &interfaces.ExtractResult{
		Batches:  []interfaces.RawBatch{{Type: TypeIssueType, Payload: body}},
		LastPage: true,
	}, nil
}

func (e *Extractor) extractIssues(ctx context.Context, req interfaces.ExtractRequest) (*interfaces.ExtractResult, error) {
	offset, err := startAt(req.Cursor)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("startAt", strconv.Itoa(offset))
	params.Set("maxResults", strconv.Itoa(PageSize))
	params.Set("expand", "changelog")
	params.Set("jql", "order by key")

	var page struct {
		Total  int `json:"total"`
		Issues []struct {
			ID     string `json:"id"`
			Key    string `json:"key"`
			Fields struct {
				// customfield_10000 is the Jira Cloud development summary;
				// its presence marks issues with linked code activity.
				DevSummary json.RawMessage `json:"customfield_10000"`
			} `json:"fields"`
		} `json:"issues"`
	}
	body, err := e.client.get(ctx, req.Integration.BaseURL, req.Credential, "/rest/api/2/search", params, &page)
	if err != nil {
		return nil, err
	}

	result := &interfaces.ExtractResult{
		Batches:  []interfaces.RawBatch{{Type: TypeIssues, Payload: body}},
		LastPage: offset+len(page.Issues) >= page.Total || len(page.Issues) == 0,
	}
	if !result.LastPage {
		result.NextCursor = strconv.Itoa(offset + len(page.Issues))
	}
	for _, issue := range page.Issues {
		if len(issue.Fields.DevSummary) > 0 && string(issue.Fields.DevSummary) != "null" {
			result.Secondary = append(result.Secondary, interfaces.SecondaryExtraction{
				StepType:         SecondaryDevStatus,
				ParentExternalID: issue.ID,
			})
		}
	}
	return result, nil
}

// extractDevStatus fetches the development detail for one issue; a secondary
// extraction is always a single page.
func (e *Extractor) extractDevStatus(ctx context.Context, req interfaces.ExtractRequest) (*interfaces.ExtractResult, error) {
	params := url.Values{}
	params.Set("issueId", req.ParentExternalID)
	params.Set("applicationType", "GitHub")
	params.Set("dataType", "repository")

	body, err := e.client.get(ctx, req.Integration.BaseURL, req.Credential, "/rest/dev-status/1.0/issue/detail", params, nil)
	if err != nil {
		return nil, err
	}
	wrapped, err := json.Marshal(map[string]interface{}{
		"issue_id": req.ParentExternalID,
		"detail":   json.RawMessage(body),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to wrap dev status payload: %w", err)
	}
	return &interfaces.ExtractResult{
		Batches:  []interfaces.RawBatch{{Type: TypeDevStatus, Payload: wrapped}},
		LastPage: true,
	}, nil
}

func (e *Extractor) extractSprints(ctx context.Context, req interfaces.ExtractRequest) (*interfaces.ExtractResult, error) {
	offset, err := startAt(req.Cursor)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("startAt", strconv.Itoa(offset))
	params.Set("maxResults", strconv.Itoa(PageSize))

	var page struct {
		IsLast bool `json:"isLast"`
		Values []struct {
			ID int64 `json:"id"`
		} `json:"values"`
	}
	_, err = e.client.get(ctx, req.Integration.BaseURL, req.Credential, "/rest/agile/1.0/board", params, &page)
	if err != nil {
		return nil, err
	}

	// One batch per board: the board's sprint list with issue membership.
	var batches []interfaces.RawBatch
	for _, board := range page.Values {
		path := fmt.Sprintf("/rest/agile/1.0/board/%d/sprint", board.ID)
		body, err := e.client.get(ctx, req.Integration.BaseURL, req.Credential, path, nil, nil)
		if err != nil {
			return nil, err
		}
		wrapped, err := json.Marshal(map[string]interface{}{
			"board_id": board.ID,
			"sprints":  json.RawMessage(body),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to wrap sprint payload: %w", err)
		}
		batches = append(batches, interfaces.RawBatch{Type: TypeSprints, Payload: wrapped})
	}

	result := &interfaces.ExtractResult{
		Batches:  batches,
		LastPage: page.IsLast || len(page.Values) == 0,
	}
	if !result.LastPage {
		result.NextCursor = strconv.Itoa(offset + len(page.Values))
	}
	return result, nil
}
