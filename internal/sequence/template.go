package sequence

import (
	"regexp"

	"github.com/acme/voice-campaign-engine/internal/domain"
)

var placeholder = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// Variables returns the template variables of a contact.
func Variables(c *domain.Contact) map[string]string {
	if c == nil {
		return map[string]string{}
	}
	return map[string]string{
		"first_name": c.FirstName,
		"last_name":  c.LastName,
		"company":    c.Company,
		"email":      c.Email,
		"phone":      c.Phone,
	}
}

// Render substitutes {{name}} placeholders. Unknown names render empty.
func Render(tmpl string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := placeholder.FindStringSubmatch(match)[1]
		return vars[name]
	})
}
