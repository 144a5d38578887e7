package jira

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/colligo/internal/models"
)

func transformerFor(t *testing.T, step string) *Transformer {
	t.Helper()
	for _, tr := range NewTransformers() {
		if tr.Step() == step {
			return tr
		}
	}
	t.Fatalf("no transformer for step %s", step)
	return nil
}

func rawRecord(payloadType, payload string) *models.RawExtractionRecord {
	return &models.RawExtractionRecord{
		TenantID: 7,
		Type:     payloadType,
		Payload:  []byte(payload),
	}
}

func TestTransformStatuses(t *testing.T) {
	tr := transformerFor(t, "statuses")
	raw := rawRecord(TypeStatuses, `[
		{"id": "1", "name": "To Do", "statusCategory": {"key": "new"}},
		{"id": "3", "name": "Done", "statusCategory": {"key": "done"}}
	]`)

	result, err := tr.Transform(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, result.Records, 2)

	status, ok := result.Records[0].(*models.WorkItemStatus)
	require.True(t, ok)
	assert.Equal(t, "1", status.ExternalID)
	assert.Equal(t, "To Do", status.Name)
	assert.Equal(t, "new", status.Category)
	assert.Equal(t, int64(7), status.GetTenantID())
}

func TestTransformProjects(t *testing.T) {
	tr := transformerFor(t, "projects")
	raw := rawRecord(TypeProjects, `{"values": [
		{"id": "10001", "key": "PLAT", "name": "Platform", "description": "Core platform", "lead": {"displayName": "Dana"}}
	]}`)

	result, err := tr.Transform(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, result.Records, 1)

	project, ok := result.Records[0].(*models.Project)
	require.True(t, ok)
	assert.Equal(t, "10001", project.ExternalID)
	assert.Equal(t, "PLAT", project.Key)
	assert.Equal(t, "Dana", project.Lead)
}

func TestTransformIssuesWithChangelogs(t *testing.T) {
	tr := transformerFor(t, "issues_with_changelogs")
	raw := rawRecord(TypeIssues, `{"issues": [{
		"id": "20001",
		"key": "PLAT-42",
		"fields": {
			"summary": "Fix login timeout",
			"description": "Session expires early",
			"status": {"name": "In Progress"},
			"assignee": {"displayName": "Dana"},
			"issuetype": {"name": "Bug"},
			"project": {"key": "PLAT"}
		},
		"changelog": {"histories": [{
			"id": "900",
			"created": "2026-08-01T10:00:00.000+0000",
			"items": [
				{"field": "status", "fromString": "To Do", "toString": "In Progress"},
				{"field": "assignee", "fromString": "", "toString": "Dana"}
			]
		}]}
	}]}`)

	result, err := tr.Transform(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, result.Records, 3)

	item, ok := result.Records[0].(*models.WorkItem)
	require.True(t, ok)
	assert.Equal(t, "PLAT-42", item.ExternalID)
	assert.Equal(t, "PLAT", item.ProjectKey)
	assert.Equal(t, "In Progress", item.Status)
	assert.Equal(t, "Bug", item.ItemType)

	change, ok := result.Records[1].(*models.Changelog)
	require.True(t, ok)
	assert.Equal(t, "PLAT-42-900-0", change.ExternalID)
	assert.Equal(t, "PLAT-42", change.WorkItemExternalID)
	assert.Equal(t, "status", change.Field)
	assert.Equal(t, "To Do", change.FromValue)
	assert.Equal(t, "In Progress", change.ToValue)
	assert.False(t, change.ChangedAt.IsZero())
}

func TestTransformIssueTypes(t *testing.T) {
	tr := transformerFor(t, "hierarchies")
	raw := rawRecord(TypeIssueType, `[
		{"id": "10100", "name": "Epic", "subtask": false, "hierarchyLevel": 1}
	]`)

	result, err := tr.Transform(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, result.Records, 1)

	h, ok := result.Records[0].(*models.Hierarchy)
	require.True(t, ok)
	assert.Equal(t, "issuetype-10100", h.ExternalID)
	assert.Equal(t, "level-2", h.ParentExternalID)
	assert.Equal(t, "issue_type_level", h.Relation)
}

func TestTransformDevStatus(t *testing.T) {
	tr := transformerFor(t, "issues_with_changelogs")
	raw := rawRecord(TypeDevStatus, `{
		"issue_id": "PLAT-42",
		"detail": {"detail": [{"repositories": [{"commits": [
			{"id": "abc123full", "displayId": "abc123", "message": "Fix timeout", "author": {"name": "Dana"}}
		]}]}]}
	}`)

	result, err := tr.Transform(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, result.Records, 1)

	commit, ok := result.Records[0].(*models.PRCommit)
	require.True(t, ok)
	assert.Equal(t, "abc123full", commit.ExternalID)
	assert.Equal(t, "PLAT-42", commit.PRExternalID)
	assert.Equal(t, "abc123", commit.SHA)
	assert.Equal(t, "Dana", commit.Author)
}

func TestTransformSprints(t *testing.T) {
	tr := transformerFor(t, "sprint_reports")
	raw := rawRecord(TypeSprints, `{
		"board_id": 5,
		"sprints": {"values": [
			{"id": 31, "name": "Sprint 31", "state": "closed"},
			{"id": 32, "name": "Sprint 32", "state": "active"}
		]}
	}`)

	result, err := tr.Transform(context.Background(), raw)
	require.NoError(t, err)
	require.Len(t, result.Records, 2)

	h, ok := result.Records[0].(*models.Hierarchy)
	require.True(t, ok)
	assert.Equal(t, "board-5-sprint-31", h.ExternalID)
	assert.Equal(t, "board-5", h.ParentExternalID)
	assert.Equal(t, "sprint-31", h.ChildExternalID)
	assert.Equal(t, "board_sprint", h.Relation)
}

func TestTransformRejectsUnknownType(t *testing.T) {
	tr := transformerFor(t, "statuses")
	raw := rawRecord("mystery_type", `{}`)

	_, err := tr.Transform(context.Background(), raw)
	assert.Equal(t, models.KindPoisonMessage, models.Classify(err))
}

func TestTransformRejectsMalformedPayload(t *testing.T) {
	tr := transformerFor(t, "statuses")
	raw := rawRecord(TypeStatuses, `{"not": "an array"}`)

	_, err := tr.Transform(context.Background(), raw)
	assert.Equal(t, models.KindProviderSchema, models.Classify(err))
}
