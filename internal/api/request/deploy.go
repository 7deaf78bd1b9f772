package request

// Deploy is the body of POST /deploy.
type Deploy struct {
	ProjectID    string  `json:"projectId" validate:"required,ident"`
	OrgID        string  `json:"orgId" validate:"required,ident"`
	UserID       string  `json:"userId" validate:"required,ident"`
	CustomDomain *string `json:"customDomain" validate:"omitempty,fqdn"`
}
