// Package render fills outreach templates with contact, site and sender fields.
package render

import (
	"regexp"
	"strings"

	"outreach/internal/model"
)

// Key is a recognized placeholder name.
type Key string

// Recognized placeholders. Anything else is left in the text as written.
const (
	FirstName   Key = "first_name"
	Name        Key = "name"
	Email       Key = "email"
	Role        Key = "role"
	Domain      Key = "domain"
	SiteURL     Key = "site_url"
	Platform    Key = "platform"
	SenderName  Key = "sender_name"
	SenderEmail Key = "sender_email"
	Company     Key = "company"
)

var known = map[Key]bool{
	FirstName: true, Name: true, Email: true, Role: true, Domain: true,
	SiteURL: true, Platform: true, SenderName: true, SenderEmail: true, Company: true,
}

// placeholderRe matches {{key}} and {{key|fallback}}.
var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z_]+)\s*(?:\|([^}]*))?\}\}`)

// Vars holds placeholder values.
type Vars map[Key]string

// Sender identifies who the message is from.
type Sender struct {
	Name    string
	Email   string
	Company string
}

// NewVars collects placeholder values for a contact of a site.
func NewVars(c *model.Contact, site *model.Site, sender Sender) Vars {
	v := Vars{
		SenderName:  sender.Name,
		SenderEmail: sender.Email,
		Company:     sender.Company,
	}
	if c != nil {
		v[Email] = c.Email
		v[Name] = c.Name
		v[Role] = c.Role
		if first, _, _ := strings.Cut(strings.TrimSpace(c.Name), " "); first != "" {
			v[FirstName] = first
		}
	}
	if site != nil {
		v[Domain] = site.Domain
		v[SiteURL] = "https://" + site.Domain
		v[Platform] = site.Platform
	}
	return v
}

// Message is a rendered template.
type Message struct {
	Subject   string
	Body      string
	Preheader string
}

// Render substitutes placeholders in every template field.
func Render(t *model.Template, vars Vars) Message {
	return Message{
		Subject:   Text(t.Subject, vars),
		Body:      Text(t.Body, vars),
		Preheader: Text(t.Preheader, vars),
	}
}

// Text substitutes recognized placeholders that have a value. A placeholder
// without a value uses its "|fallback" if given and is otherwise kept as is.
// Unknown placeholders are never touched.
func Text(s string, vars Vars) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		parts := placeholderRe.FindStringSubmatch(m)
		key := Key(strings.ToLower(parts[1]))
		if !known[key] {
			return m
		}
		if v := vars[key]; v != "" {
			return v
		}
		if strings.Contains(m, "|") {
			return strings.TrimSpace(parts[2])
		}
		return m
	})
}

// Unresolved returns the recognized placeholders left in s.
func Unresolved(s string) []string {
	var out []string
	for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
		if known[Key(strings.ToLower(m[1]))] {
			out = append(out, m[0])
		}
	}
	return out
}
