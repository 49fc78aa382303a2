package domain

import "time"

// DomainStatus tracks hostname verification and routing.
type DomainStatus string

const (
	DomainPending   DomainStatus = "PENDING"
	DomainVerifying DomainStatus = "VERIFYING"
	DomainActive    DomainStatus = "ACTIVE"
)

// Domain is a public hostname bound to a project.
type Domain struct {
	ID           string       `json:"id"`
	ProjectID    string       `json:"projectId"`
	Name         string       `json:"name"`
	SSLEnabled   bool         `json:"sslEnabled"`
	SSLAutoRenew bool         `json:"sslAutoRenew"`
	DNSProvider  string       `json:"dnsProvider,omitempty"`
	Status       DomainStatus `json:"status"`
	VerifiedAt   *time.Time   `json:"verifiedAt,omitempty"`
	SSLExpiresAt *time.Time   `json:"sslExpiresAt,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}
