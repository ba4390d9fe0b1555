package models

// TemplateStatus is the provider review state of a message template
type TemplateStatus string

const (
	TemplateStatusDraft    TemplateStatus = "DRAFT"
	TemplateStatusPending  TemplateStatus = "PENDING"
	TemplateStatusApproved TemplateStatus = "APPROVED"
	TemplateStatusRejected TemplateStatus = "REJECTED"
)

// Template is a pre-approved, parameterized message body. Templates are owned
// by the CRM backend and only ever read here.
type Template struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Category  string           `json:"category"`
	Language  string           `json:"language"`
	Status    TemplateStatus   `json:"status"`
	Body      string           `json:"body"`
	Variables []string         `json:"variables,omitempty"`
	Header    string           `json:"header,omitempty"`
	Footer    string           `json:"footer,omitempty"`
	Buttons   []TemplateButton `json:"buttons,omitempty"`
}

type TemplateButton struct {
	Type string `json:"type"`
	Text string `json:"text"`
	URL  string `json:"url,omitempty"`
}

func (t *Template) IsApproved() bool {
	return t != nil && t.Status == TemplateStatusApproved
}
