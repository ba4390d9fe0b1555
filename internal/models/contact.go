package models

// Contact is one resolved campaign target.
type Contact struct {
	ID         string            `json:"id"`
	Phone      string            `json:"phone"`
	Name       string            `json:"name,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}
