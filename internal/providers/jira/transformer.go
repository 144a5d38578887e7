package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// jiraTimeFormat is the timestamp layout used by Jira REST responses.
const jiraTimeFormat = "2006-01-02T15:04:05.000-0700"

// Transformer normalizes raw Jira payloads for its configured step. The
// unknown->typed boundary lives here: payloads are parsed once and every
// downstream consumer sees typed rows.
type Transformer struct {
	step string
}

// NewTransformers builds one transformer per Jira step.
func NewTransformers() []*Transformer {
	steps := []string{"statuses", "projects", "hierarchies", "issues_with_changelogs", "sprint_reports"}
	out := make([]*Transformer, 0, len(steps))
	for _, step := range steps {
		out = append(out, &Transformer{step: step})
	}
	return out
}

func (t *Transformer) Provider() string { return "jira" }
func (t *Transformer) Step() string     { return t.step }

func (t *Transformer) Transform(ctx context.Context, raw *models.RawExtractionRecord) (*interfaces.TransformResult, error) {
	var records []models.DomainRecord
	var err error

	switch raw.Type {
	case TypeStatuses:
		records, err = transformStatuses(raw)
	case TypeProjects:
		records, err = transformProjects(raw)
	case TypeIssueType:
		records, err = transformIssueTypes(raw)
	case TypeIssues:
		records, err = transformIssues(raw)
	case TypeDevStatus:
		records, err = transformDevStatus(raw)
	case TypeSprints:
		records, err = transformSprints(raw)
	default:
		return nil, models.Poison(fmt.Sprintf("unknown jira payload type %q", raw.Type), nil)
	}
	if err != nil {
		return nil, err
	}

	for _, record := range records {
		record.SetTenantID(raw.TenantID)
	}
	return &interfaces.TransformResult{Records: records}, nil
}

func transformStatuses(raw *models.RawExtractionRecord) ([]models.DomainRecord, error) {
	var statuses []struct {
		ID             string `json:"id"`
		Name           string `json:"name"`
		StatusCategory struct {
			Key string `json:"key"`
		} `json:"statusCategory"`
	}
	if err := json.Unmarshal(raw.Payload, &statuses); err != nil {
		return nil, models.SchemaError("failed to parse jira statuses payload", err)
	}

	records := make([]models.DomainRecord, 0, len(statuses))
	for _, s := range statuses {
		records = append(records, &models.WorkItemStatus{
			ExternalID: s.ID,
			Name:       s.Name,
			Category:   s.StatusCategory.Key,
		})
	}
	return records, nil
}

func transformProjects(raw *models.RawExtractionRecord) ([]models.DomainRecord, error) {
	var page struct {
		Values []struct {
			ID          string `json:"id"`
			Key         string `json:"key"`
			Name        string `json:"name"`
			Description string `json:"description"`
			Lead        struct {
				DisplayName string `json:"displayName"`
			} `json:"lead"`
		} `json:"values"`
	}
	if err := json.Unmarshal(raw.Payload, &page); err != nil {
		return nil, models.SchemaError("failed to parse jira projects payload", err)
	}

	records := make([]models.DomainRecord, 0, len(page.Values))
	for _, p := range page.Values {
		records = append(records, &models.Project{
			ExternalID:  p.ID,
			Key:         p.Key,
			Name:        p.Name,
			Description: p.Description,
			Lead:        p.Lead.DisplayName,
			UpdatedAt:   time.Now(),
		})
	}
	return records, nil
}

func transformIssueTypes(raw *models.RawExtractionRecord) ([]models.DomainRecord, error) {
	var types []struct {
		ID             string `json:"id"`
		Name           string `json:"name"`
		Subtask        bool   `json:"subtask"`
		HierarchyLevel int    `json:"hierarchyLevel"`
	}
	if err := json.Unmarshal(raw.Payload, &types); err != nil {
		return nil, models.SchemaError("failed to parse jira issue types payload", err)
	}

	records := make([]models.DomainRecord, 0, len(types))
	for _, it := range types {
		records = append(records, &models.Hierarchy{
			ExternalID:       "issuetype-" + it.ID,
			ParentExternalID: "level-" + strconv.Itoa(it.HierarchyLevel+1),
			ChildExternalID:  it.ID,
			Relation:         "issue_type_level",
		})
	}
	return records, nil
}

func transformIssues(raw *models.RawExtractionRecord) ([]models.DomainRecord, error) {
	var page struct {
		Issues []struct {
			ID     string `json:"id"`
			Key    string `json:"key"`
			Fields struct {
				Summary     string `json:"summary"`
				Description string `json:"description"`
				Status      struct {
					Name string `json:"name"`
				} `json:"status"`
				Assignee struct {
					DisplayName string `json:"displayName"`
				} `json:"assignee"`
				IssueType struct {
					Name string `json:"name"`
				} `json:"issuetype"`
				Project struct {
					Key string `json:"key"`
				} `json:"project"`
			} `json:"fields"`
			Changelog struct {
				Histories []struct {
					ID      string `json:"id"`
					Created string `json:"created"`
					Items   []struct {
						Field      string `json:"field"`
						FromString string `json:"fromString"`
						ToString   string `json:"toString"`
					} `json:"items"`
				} `json:"histories"`
			} `json:"changelog"`
		} `json:"issues"`
	}
	if err := json.Unmarshal(raw.Payload, &page); err != nil {
		return nil, models.SchemaError("failed to parse jira issues payload", err)
	}

	var records []models.DomainRecord
	for _, issue := range page.Issues {
		records = append(records, &models.WorkItem{
			ExternalID:  issue.Key,
			ProjectKey:  issue.Fields.Project.Key,
			Title:       issue.Fields.Summary,
			Description: issue.Fields.Description,
			Status:      issue.Fields.Status.Name,
			Assignee:    issue.Fields.Assignee.DisplayName,
			ItemType:    issue.Fields.IssueType.Name,
			UpdatedAt:   time.Now(),
		})
		for _, history := range issue.Changelog.Histories {
			changedAt, _ := time.Parse(jiraTimeFormat, history.Created)
			for i, item := range history.Items {
				records = append(records, &models.Changelog{
					ExternalID:         fmt.Sprintf("%s-%s-%d", issue.Key, history.ID, i),
					WorkItemExternalID: issue.Key,
					Field:              item.Field,
					FromValue:          item.FromString,
					ToValue:            item.ToString,
					ChangedAt:          changedAt,
				})
			}
		}
	}
	return records, nil
}

func transformDevStatus(raw *models.RawExtractionRecord) ([]models.DomainRecord, error) {
	var payload struct {
		IssueID string `json:"issue_id"`
		Detail  struct {
			Detail []struct {
				Repositories []struct {
					Commits []struct {
						ID        string `json:"id"`
						DisplayID string `json:"displayId"`
						Message   string `json:"message"`
						Author    struct {
							Name string `json:"name"`
						} `json:"author"`
					} `json:"commits"`
				} `json:"repositories"`
			} `json:"detail"`
		} `json:"detail"`
	}
	if err := json.Unmarshal(raw.Payload, &payload); err != nil {
		return nil, models.SchemaError("failed to parse jira dev status payload", err)
	}

	var records []models.DomainRecord
	for _, detail := range payload.Detail.Detail {
		for _, repo := range detail.Repositories {
			for _, commit := range repo.Commits {
				records = append(records, &models.PRCommit{
					ExternalID:   commit.ID,
					PRExternalID: payload.IssueID,
					SHA:          commit.DisplayID,
					Message:      commit.Message,
					Author:       commit.Author.Name,
				})
			}
		}
	}
	return records, nil
}

func transformSprints(raw *models.RawExtractionRecord) ([]models.DomainRecord, error) {
	var payload struct {
		BoardID int64 `json:"board_id"`
		Sprints struct {
			Values []struct {
				ID    int64  `json:"id"`
				Name  string `json:"name"`
				State string `json:"state"`
			} `json:"values"`
		} `json:"sprints"`
	}
	if err := json.Unmarshal(raw.Payload, &payload); err != nil {
		return nil, models.SchemaError("failed to parse jira sprints payload", err)
	}

	records := make([]models.DomainRecord, 0, len(payload.Sprints.Values))
	for _, sprint := range payload.Sprints.Values {
		records = append(records, &models.Hierarchy{
			ExternalID:       fmt.Sprintf("board-%d-sprint-%d", payload.BoardID, sprint.ID),
			ParentExternalID: fmt.Sprintf("board-%d", payload.BoardID),
			ChildExternalID:  fmt.Sprintf("sprint-%d", sprint.ID),
			Relation:         "board_sprint",
		})
	}
	return records, nil
}
