package models

import "time"

// Tier is the coarse priority class for a tenant. Extraction queues are
// shared per tier so worker parallelism can be tuned independently of
// individual tenants.
type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// AllTiers lists every tier value in priority order. Used when declaring
// the per-tier extraction queues on startup.
var AllTiers = []Tier{TierFree, TierBasic, TierPremium, TierEnterprise}

// Valid reports whether t is a known tier value.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierBasic, TierPremium, TierEnterprise:
		return true
	}
	return false
}

// Tenant is an isolated customer of the platform. Tenant identity and tier
// are immutable during a job run.
type Tenant struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:255" json:"name"`
	Tier      Tier      `gorm:"size:32;default:free" json:"tier"`
	TimeZone  string    `gorm:"size:64" json:"time_zone"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName implements the gorm naming convention override.
func (Tenant) TableName() string { return "tenants" }

// Integration holds per-tenant provider endpoint configuration. The
// credential itself is an opaque token stored separately (key/value store)
// and referenced by CredentialKey, so integration rows never carry secrets.
type Integration struct {
	ID            int64     `gorm:"primaryKey" json:"id"`
	TenantID      int64     `gorm:"index:idx_integrations_tenant" json:"tenant_id"`
	Provider      string    `gorm:"size:64" json:"provider"`
	BaseURL       string    `gorm:"size:512" json:"base_url"`
	CredentialKey string    `gorm:"size:255" json:"credential_key"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

// TableName implements the gorm naming convention override.
func (Integration) TableName() string { return "integrations" }
