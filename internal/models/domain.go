package models

import "time"

// DomainRecord is implemented by every normalized provider entity. Rows are
// keyed by (tenant_id, external_id) with a surrogate integer id; transform
// upserts on that pair so redelivered raw records converge on the same row
// state.
type DomainRecord interface {
	// TableName is the relational table (also the gorm table override).
	TableName() string
	// GetTenantID / SetTenantID scope the row to its tenant.
	GetTenantID() int64
	SetTenantID(id int64)
	// GetExternalID is the provider-side identity of the row.
	GetExternalID() string
	// FieldMap exposes the row's embeddable content by field name. The
	// embedding text assembler picks an ordered subset per table from
	// configuration.
	FieldMap() map[string]string
}

// Project is a normalized provider project (Jira project, GitHub org/space).
type Project struct {
	ID          int64     `gorm:"primaryKey" json:"id"`
	TenantID    int64     `gorm:"uniqueIndex:idx_projects_tenant_ext" json:"tenant_id"`
	ExternalID  string    `gorm:"size:255;uniqueIndex:idx_projects_tenant_ext" json:"external_id"`
	Key         string    `gorm:"size:64" json:"key"`
	Name        string    `gorm:"size:512" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	Lead        string    `gorm:"size:255" json:"lead"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Project) TableName() string         { return "projects" }
func (p *Project) GetTenantID() int64     { return p.TenantID }
func (p *Project) SetTenantID(id int64)   { p.TenantID = id }
func (p *Project) GetExternalID() string  { return p.ExternalID }
func (p *Project) FieldMap() map[string]string {
	return map[string]string{"key": p.Key, "name": p.Name, "description": p.Description, "lead": p.Lead}
}

// WorkItem is a normalized issue / ticket.
type WorkItem struct {
	ID          int64     `gorm:"primaryKey" json:"id"`
	TenantID    int64     `gorm:"uniqueIndex:idx_work_items_tenant_ext" json:"tenant_id"`
	ExternalID  string    `gorm:"size:255;uniqueIndex:idx_work_items_tenant_ext" json:"external_id"`
	ProjectKey  string    `gorm:"size:64;index:idx_work_items_project" json:"project_key"`
	Title       string    `gorm:"size:1024" json:"title"`
	Description string    `gorm:"type:text" json:"description"`
	Status      string    `gorm:"size:128" json:"status"`
	Assignee    string    `gorm:"size:255" json:"assignee"`
	ItemType    string    `gorm:"size:64" json:"item_type"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (WorkItem) TableName() string        { return "work_items" }
func (w *WorkItem) GetTenantID() int64    { return w.TenantID }
func (w *WorkItem) SetTenantID(id int64)  { w.TenantID = id }
func (w *WorkItem) GetExternalID() string { return w.ExternalID }
func (w *WorkItem) FieldMap() map[string]string {
	return map[string]string{
		"title": w.Title, "description": w.Description, "status": w.Status,
		"assignee": w.Assignee, "item_type": w.ItemType, "project_key": w.ProjectKey,
	}
}

// WorkItemStatus is a provider workflow status definition.
type WorkItemStatus struct {
	ID         int64  `gorm:"primaryKey" json:"id"`
	TenantID   int64  `gorm:"uniqueIndex:idx_statuses_tenant_ext" json:"tenant_id"`
	ExternalID string `gorm:"size:255;uniqueIndex:idx_statuses_tenant_ext" json:"external_id"`
	Name       string `gorm:"size:255" json:"name"`
	Category   string `gorm:"size:64" json:"category"`
}

func (WorkItemStatus) TableName() string        { return "statuses" }
func (s *WorkItemStatus) GetTenantID() int64    { return s.TenantID }
func (s *WorkItemStatus) SetTenantID(id int64)  { s.TenantID = id }
func (s *WorkItemStatus) GetExternalID() string { return s.ExternalID }
func (s *WorkItemStatus) FieldMap() map[string]string {
	return map[string]string{"name": s.Name, "category": s.Category}
}

// Hierarchy records a parent/child relation between work items.
type Hierarchy struct {
	ID               int64  `gorm:"primaryKey" json:"id"`
	TenantID         int64  `gorm:"uniqueIndex:idx_hierarchies_tenant_ext" json:"tenant_id"`
	ExternalID       string `gorm:"size:255;uniqueIndex:idx_hierarchies_tenant_ext" json:"external_id"`
	ParentExternalID string `gorm:"size:255" json:"parent_external_id"`
	ChildExternalID  string `gorm:"size:255" json:"child_external_id"`
	Relation         string `gorm:"size:64" json:"relation"`
}

func (Hierarchy) TableName() string        { return "hierarchies" }
func (h *Hierarchy) GetTenantID() int64    { return h.TenantID }
func (h *Hierarchy) SetTenantID(id int64)  { h.TenantID = id }
func (h *Hierarchy) GetExternalID() string { return h.ExternalID }
func (h *Hierarchy) FieldMap() map[string]string {
	return map[string]string{"relation": h.Relation}
}

// Workflow is a provider workflow definition (status graph).
type Workflow struct {
	ID         int64  `gorm:"primaryKey" json:"id"`
	TenantID   int64  `gorm:"uniqueIndex:idx_workflows_tenant_ext" json:"tenant_id"`
	ExternalID string `gorm:"size:255;uniqueIndex:idx_workflows_tenant_ext" json:"external_id"`
	Name       string `gorm:"size:255" json:"name"`
	Definition string `gorm:"type:text" json:"definition"`
}

func (Workflow) TableName() string        { return "workflows" }
func (w *Workflow) GetTenantID() int64    { return w.TenantID }
func (w *Workflow) SetTenantID(id int64)  { w.TenantID = id }
func (w *Workflow) GetExternalID() string { return w.ExternalID }
func (w *Workflow) FieldMap() map[string]string {
	return map[string]string{"name": w.Name, "definition": w.Definition}
}

// Repository is a normalized source-control repository.
type Repository struct {
	ID            int64  `gorm:"primaryKey" json:"id"`
	TenantID      int64  `gorm:"uniqueIndex:idx_repositories_tenant_ext" json:"tenant_id"`
	ExternalID    string `gorm:"size:255;uniqueIndex:idx_repositories_tenant_ext" json:"external_id"`
	FullName      string `gorm:"size:512" json:"full_name"`
	Description   string `gorm:"type:text" json:"description"`
	DefaultBranch string `gorm:"size:255" json:"default_branch"`
	Language      string `gorm:"size:64" json:"language"`
}

func (Repository) TableName() string        { return "repositories" }
func (r *Repository) GetTenantID() int64    { return r.TenantID }
func (r *Repository) SetTenantID(id int64)  { r.TenantID = id }
func (r *Repository) GetExternalID() string { return r.ExternalID }
func (r *Repository) FieldMap() map[string]string {
	return map[string]string{"full_name": r.FullName, "description": r.Description, "language": r.Language}
}

// PullRequest is a normalized pull/merge request.
type PullRequest struct {
	ID         int64     `gorm:"primaryKey" json:"id"`
	TenantID   int64     `gorm:"uniqueIndex:idx_pull_requests_tenant_ext" json:"tenant_id"`
	ExternalID string    `gorm:"size:255;uniqueIndex:idx_pull_requests_tenant_ext" json:"external_id"`
	Repository string    `gorm:"size:512" json:"repository"`
	Number     int       `json:"number"`
	Title      string    `gorm:"size:1024" json:"title"`
	Body       string    `gorm:"type:text" json:"body"`
	State      string    `gorm:"size:32" json:"state"`
	Author     string    `gorm:"size:255" json:"author"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (PullRequest) TableName() string        { return "pull_requests" }
func (p *PullRequest) GetTenantID() int64    { return p.TenantID }
func (p *PullRequest) SetTenantID(id int64)  { p.TenantID = id }
func (p *PullRequest) GetExternalID() string { return p.ExternalID }
func (p *PullRequest) FieldMap() map[string]string {
	return map[string]string{
		"title": p.Title, "body": p.Body, "state": p.State,
		"author": p.Author, "repository": p.Repository,
	}
}

// PRCommit is a commit attached to a pull request.
type PRCommit struct {
	ID           int64  `gorm:"primaryKey" json:"id"`
	TenantID     int64  `gorm:"uniqueIndex:idx_pr_commits_tenant_ext" json:"tenant_id"`
	ExternalID   string `gorm:"size:255;uniqueIndex:idx_pr_commits_tenant_ext" json:"external_id"`
	PRExternalID string `gorm:"size:255;index:idx_pr_commits_pr" json:"pr_external_id"`
	SHA          string `gorm:"size:64" json:"sha"`
	Message      string `gorm:"type:text" json:"message"`
	Author       string `gorm:"size:255" json:"author"`
}

func (PRCommit) TableName() string        { return "pr_commits" }
func (c *PRCommit) GetTenantID() int64    { return c.TenantID }
func (c *PRCommit) SetTenantID(id int64)  { c.TenantID = id }
func (c *PRCommit) GetExternalID() string { return c.ExternalID }
func (c *PRCommit) FieldMap() map[string]string {
	return map[string]string{"message": c.Message, "author": c.Author}
}

// PRReview is a review attached to a pull request.
type PRReview struct {
	ID           int64  `gorm:"primaryKey" json:"id"`
	TenantID     int64  `gorm:"uniqueIndex:idx_pr_reviews_tenant_ext" json:"tenant_id"`
	ExternalID   string `gorm:"size:255;uniqueIndex:idx_pr_reviews_tenant_ext" json:"external_id"`
	PRExternalID string `gorm:"size:255;index:idx_pr_reviews_pr" json:"pr_external_id"`
	Reviewer     string `gorm:"size:255" json:"reviewer"`
	State        string `gorm:"size:32" json:"state"`
	Body         string `gorm:"type:text" json:"body"`
}

func (PRReview) TableName() string        { return "pr_reviews" }
func (r *PRReview) GetTenantID() int64    { return r.TenantID }
func (r *PRReview) SetTenantID(id int64)  { r.TenantID = id }
func (r *PRReview) GetExternalID() string { return r.ExternalID }
func (r *PRReview) FieldMap() map[string]string {
	return map[string]string{"body": r.Body, "state": r.State, "reviewer": r.Reviewer}
}

// PRComment is a comment attached to a pull request.
type PRComment struct {
	ID           int64  `gorm:"primaryKey" json:"id"`
	TenantID     int64  `gorm:"uniqueIndex:idx_pr_comments_tenant_ext" json:"tenant_id"`
	ExternalID   string `gorm:"size:255;uniqueIndex:idx_pr_comments_tenant_ext" json:"external_id"`
	PRExternalID string `gorm:"size:255;index:idx_pr_comments_pr" json:"pr_external_id"`
	Author       string `gorm:"size:255" json:"author"`
	Body         string `gorm:"type:text" json:"body"`
}

func (PRComment) TableName() string        { return "pr_comments" }
func (c *PRComment) GetTenantID() int64    { return c.TenantID }
func (c *PRComment) SetTenantID(id int64)  { c.TenantID = id }
func (c *PRComment) GetExternalID() string { return c.ExternalID }
func (c *PRComment) FieldMap() map[string]string {
	return map[string]string{"body": c.Body, "author": c.Author}
}

// Changelog is a single field-change entry from a work item history.
type Changelog struct {
	ID                 int64     `gorm:"primaryKey" json:"id"`
	TenantID           int64     `gorm:"uniqueIndex:idx_changelogs_tenant_ext" json:"tenant_id"`
	ExternalID         string    `gorm:"size:255;uniqueIndex:idx_changelogs_tenant_ext" json:"external_id"`
	WorkItemExternalID string    `gorm:"size:255;index:idx_changelogs_item" json:"work_item_external_id"`
	Field              string    `gorm:"size:128" json:"field"`
	FromValue          string    `gorm:"size:512" json:"from_value"`
	ToValue            string    `gorm:"size:512" json:"to_value"`
	ChangedAt          time.Time `json:"changed_at"`
}

func (Changelog) TableName() string        { return "changelogs" }
func (c *Changelog) GetTenantID() int64    { return c.TenantID }
func (c *Changelog) SetTenantID(id int64)  { c.TenantID = id }
func (c *Changelog) GetExternalID() string { return c.ExternalID }
func (c *Changelog) FieldMap() map[string]string {
	return map[string]string{"field": c.Field, "from_value": c.FromValue, "to_value": c.ToValue}
}

// DomainTables lists every normalized table model for migrations and for
// the store's table-name -> prototype lookup.
var DomainTables = []DomainRecord{
	&Project{}, &WorkItem{}, &WorkItemStatus{}, &Hierarchy{}, &Workflow{},
	&Repository{}, &PullRequest{}, &PRCommit{}, &PRReview{}, &PRComment{}, &Changelog{},
}
