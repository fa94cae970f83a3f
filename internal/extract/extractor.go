package extract

import (
	"context"
	"fmt"
	"log/slog"

	"outreach/internal/model"
	"outreach/internal/storage"
)

// Extractor persists the contacts found in a crawled site.
type Extractor struct {
	store storage.Storage
	log   *slog.Logger
}

// NewExtractor creates an Extractor.
func NewExtractor(store storage.Storage, log *slog.Logger) *Extractor {
	return &Extractor{store: store, log: log}
}

// Run extracts contacts from the site snapshot and stores the new ones.
// Addresses already stored for the site are skipped, so re-running on the
// same snapshot creates nothing. It returns the number of contacts created.
func (e *Extractor) Run(ctx context.Context, site *model.Site) (int, error) {
	if site.Snapshot == nil {
		return 0, fmt.Errorf("site %d has no snapshot", site.ID)
	}

	created := 0
	for _, c := range Extract(site.Snapshot) {
		contact := &model.Contact{
			SiteID:   site.ID,
			Email:    c.Email,
			Name:     c.Name,
			Phone:    c.Phone,
			Role:     c.Role,
			Source:   c.Source,
			Priority: c.Priority,
		}
		ok, err := e.store.CreateContact(ctx, contact)
		if err != nil {
			return created, fmt.Errorf("store contact %s: %w", c.Email, err)
		}
		if ok {
			created++
		}
	}

	e.log.Info("contacts extracted", "site_id", site.ID, "domain", site.Domain, "created", created)
	return created, nil
}
