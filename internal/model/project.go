package model

import "time"

type Project struct {
	ID               string           `json:"id" db:"id"`
	OrganizationID   string           `json:"organization_id" db:"organization_id"`
	Name             string           `json:"name" db:"name"`
	Template         string           `json:"template" db:"template"`
	IsActive         bool             `json:"is_active" db:"is_active"`
	MessageHistory   *string          `json:"-" db:"message_history"`
	DeploymentStatus DeploymentStatus `json:"deployment_status" db:"deployment_status"`
	WorkerURL        *string          `json:"worker_url,omitempty" db:"worker_url"`
	CustomDomain     *string          `json:"custom_domain,omitempty" db:"custom_domain"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at" db:"updated_at"`
}
