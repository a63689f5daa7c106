// Package models contains shared data models used across the issuehunter codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Tenant represents a workspace. Every other entity belongs to a tenant.
type Tenant struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// TenantTarget is one owner of a log batch: a tenant and the stage inside that
// tenant the emitting function belongs to. A cloud account linked to several
// tenants resolves to several targets.
type TenantTarget struct {
	TenantID     uuid.UUID `db:"tenant_id"      json:"tenant_id"`
	StageID      uuid.UUID `db:"stage_id"       json:"stage_id"`
	AWSAccountID string    `db:"aws_account_id" json:"aws_account_id"`
}
