package criteria

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"outreach/internal/model"
)

// Document is a YAML file of templates and requirement sets.
//
//	templates:
//	  - name: hosting-intro
//	    subject: "Quick question about {{domain}}"
//	    body: "Hi {{first_name}}, ..."
//	requirement_sets:
//	  - name: hosting
//	    priority: 10
//	    template: hosting-intro
//	    criteria:
//	      min_word_count: 500
//	      required_keywords: [cloud, hosting]
type Document struct {
	Templates       []TemplateEntry `yaml:"templates"`
	RequirementSets []SetEntry      `yaml:"requirement_sets"`
}

// TemplateEntry is a message template entry of a Document.
type TemplateEntry struct {
	Name      string `yaml:"name"`
	Subject   string `yaml:"subject"`
	Body      string `yaml:"body"`
	Preheader string `yaml:"preheader"`
}

// SetEntry is a requirement set entry of a Document.
type SetEntry struct {
	Name     string         `yaml:"name"`
	Active   *bool          `yaml:"active"`
	Priority int            `yaml:"priority"`
	Template string         `yaml:"template"`
	Criteria model.Criteria `yaml:"criteria"`
}

// LoadYAML decodes and validates a requirement document.
func LoadYAML(r io.Reader) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}

	templates := make(map[string]bool, len(doc.Templates))
	for _, t := range doc.Templates {
		if t.Name == "" || t.Subject == "" || t.Body == "" {
			return nil, fmt.Errorf("template %q: name, subject and body are required", t.Name)
		}
		templates[t.Name] = true
	}
	seen := make(map[string]bool, len(doc.RequirementSets))
	for _, rs := range doc.RequirementSets {
		if rs.Name == "" {
			return nil, fmt.Errorf("requirement set without a name")
		}
		if seen[rs.Name] {
			return nil, fmt.Errorf("requirement set %q is defined twice", rs.Name)
		}
		seen[rs.Name] = true
		if rs.Template != "" && !templates[rs.Template] {
			return nil, fmt.Errorf("requirement set %q: unknown template %q", rs.Name, rs.Template)
		}
		if err := Validate(rs.Criteria); err != nil {
			return nil, fmt.Errorf("requirement set %q: %w", rs.Name, err)
		}
	}
	return &doc, nil
}

// Store is the persistence needed to import a Document.
type Store interface {
	UpsertTemplate(ctx context.Context, t *model.Template) error
	UpsertRequirementSet(ctx context.Context, rs *model.RequirementSet) error
}

// Import upserts the templates and requirement sets of doc by name.
// It returns the imported requirement sets.
func Import(ctx context.Context, store Store, doc *Document) ([]model.RequirementSet, error) {
	templateIDs := make(map[string]int64, len(doc.Templates))
	for _, entry := range doc.Templates {
		t := model.Template{Name: entry.Name, Subject: entry.Subject, Body: entry.Body, Preheader: entry.Preheader}
		if err := store.UpsertTemplate(ctx, &t); err != nil {
			return nil, fmt.Errorf("import template %q: %w", entry.Name, err)
		}
		templateIDs[entry.Name] = t.ID
	}

	sets := make([]model.RequirementSet, 0, len(doc.RequirementSets))
	for _, entry := range doc.RequirementSets {
		rs := model.RequirementSet{
			Name:     entry.Name,
			IsActive: entry.Active == nil || *entry.Active,
			Priority: entry.Priority,
			Criteria: entry.Criteria,
		}
		if id, ok := templateIDs[entry.Template]; ok {
			rs.TemplateID = &id
		}
		if err := store.UpsertRequirementSet(ctx, &rs); err != nil {
			return nil, fmt.Errorf("import requirement set %q: %w", entry.Name, err)
		}
		sets = append(sets, rs)
	}
	return sets, nil
}
