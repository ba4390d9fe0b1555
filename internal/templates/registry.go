// Package templates defines the read-only template registry contract and
// renders template parameters.
package templates

import (
	"context"
	"regexp"

	"whatsauto/internal/errors"
	"whatsauto/internal/models"
)

// Registry looks up message templates owned by the CRM backend.
type Registry interface {
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	ListApproved(ctx context.Context, category string) ([]models.Template, error)
}

// RequireApproved loads id and rejects it as a configuration error unless it
// is APPROVED. Rules and campaigns call it at save time.
func RequireApproved(ctx context.Context, registry Registry, id string) (*models.Template, error) {
	tpl, err := registry.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if tpl == nil {
		return nil, errors.NewNotFoundError("template", id)
	}
	if !tpl.IsApproved() {
		return nil, errors.NewConfigError("templateId", models.ReasonTemplateNotApproved).
			WithContext("template_id", id).
			WithContext("template_status", string(tpl.Status))
	}
	return tpl, nil
}

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Placeholders returns the variable names used in body, in order of first use.
func Placeholders(body string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, match := range placeholderPattern.FindAllStringSubmatch(body, -1) {
		if !seen[match[1]] {
			seen[match[1]] = true
			names = append(names, match[1])
		}
	}
	return names
}

// Params orders values by the template's variables for the provider's
// positional body parameters. Missing values render as empty strings.
func Params(tpl *models.Template, values map[string]string) []string {
	names := tpl.Variables
	if len(names) == 0 {
		names = Placeholders(tpl.Body)
	}
	params := make([]string, len(names))
	for i, name := range names {
		params[i] = values[name]
	}
	return params
}

// ContactValues merges static values with the per-contact variables name and
// phone plus the contact's attributes. Static values win.
func ContactValues(static map[string]string, contact models.Contact) map[string]string {
	values := make(map[string]string, len(static)+len(contact.Attributes)+2)
	for k, v := range contact.Attributes {
		values[k] = v
	}
	if contact.Name != "" {
		values["name"] = contact.Name
	}
	values["phone"] = contact.Phone
	for k, v := range static {
		values[k] = v
	}
	return values
}
