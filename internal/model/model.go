// Package model defines the domain types used across the application.
package model

import "time"

// SiteStatus is the crawl lifecycle state of a site.
type SiteStatus string

// Site lifecycle states.
const (
	SitePending   SiteStatus = "pending"
	SiteCrawling  SiteStatus = "crawling"
	SiteCompleted SiteStatus = "completed"
	SiteFailed    SiteStatus = "failed"
	SitePerReview SiteStatus = "per_review"
)

// Site is a crawlable web property under qualification.
type Site struct {
	ID              int64
	Domain          string
	Status          SiteStatus
	CrawlAttempts   int
	CrawlStartedAt  *time.Time
	CrawlFinishedAt *time.Time
	LastError       string
	Snapshot        *Snapshot
	PageCount       int
	WordCount       int
	Platform        string
	Qualified       bool
	RequirementID   *int64
	TemplateID      *int64
	MatchDetails    []MatchDetail
	CreatedAt       time.Time
}

// Page is the text content of a single fetched page.
type Page struct {
	URL    string   `json:"url"`
	Title  string   `json:"title,omitempty"`
	Header string   `json:"header,omitempty"`
	Footer string   `json:"footer,omitempty"`
	Body   string   `json:"body"`
	Mailto []string `json:"mailto,omitempty"`
}

// Text returns every text region of the page joined by newlines.
func (p Page) Text() string {
	return p.Title + "\n" + p.Header + "\n" + p.Body + "\n" + p.Footer
}

// Snapshot is the page corpus captured by a successful crawl.
type Snapshot struct {
	Pages []Page `json:"pages"`
	// Markup holds raw page source used for platform detection.
	Markup string `json:"markup,omitempty"`
}

// Corpus returns the concatenated text of all pages.
func (s *Snapshot) Corpus() string {
	if s == nil {
		return ""
	}
	var total int
	for _, p := range s.Pages {
		total += len(p.Title) + len(p.Header) + len(p.Body) + len(p.Footer) + 4
	}
	buf := make([]byte, 0, total)
	for _, p := range s.Pages {
		buf = append(buf, p.Text()...)
		buf = append(buf, '\n')
	}
	return string(buf)
}

// URLs returns the URLs of all pages in the snapshot.
func (s *Snapshot) URLs() []string {
	if s == nil {
		return nil
	}
	urls := make([]string, 0, len(s.Pages))
	for _, p := range s.Pages {
		urls = append(urls, p.URL)
	}
	return urls
}

// Criteria is the predicate document of a requirement set.
// Zero values mean "no constraint".
type Criteria struct {
	MinPages         int      `json:"min_pages,omitempty" yaml:"min_pages"`
	MaxPages         int      `json:"max_pages,omitempty" yaml:"max_pages"`
	MinWordCount     int      `json:"min_word_count,omitempty" yaml:"min_word_count"`
	MaxWordCount     int      `json:"max_word_count,omitempty" yaml:"max_word_count"`
	AllowedPlatforms []string `json:"allowed_platforms,omitempty" yaml:"allowed_platforms"`
	BlockedPlatforms []string `json:"blocked_platforms,omitempty" yaml:"blocked_platforms"`
	RequiredKeywords []string `json:"required_keywords,omitempty" yaml:"required_keywords"`
	ExcludeKeywords  []string `json:"exclude_keywords,omitempty" yaml:"exclude_keywords"`
	RequiredURLPaths []string `json:"required_url_patterns,omitempty" yaml:"required_url_patterns"`
}

// RequirementSet is a named group of AND-combined qualification predicates.
type RequirementSet struct {
	ID         int64
	Name       string
	IsActive   bool
	Priority   int
	TemplateID *int64
	Criteria   Criteria
	CreatedAt  time.Time
}

// PredicateResult is the outcome of one predicate of a requirement set.
type PredicateResult struct {
	Predicate string   `json:"predicate"`
	Passed    bool     `json:"passed"`
	Required  any      `json:"required"`
	Actual    any      `json:"actual"`
	Missing   []string `json:"missing,omitempty"`
	Found     []string `json:"found,omitempty"`
	Message   string   `json:"message"`
}

// MatchDetail records how a site fared against one requirement set.
type MatchDetail struct {
	RequirementID   int64             `json:"requirement_id"`
	RequirementName string            `json:"requirement_name"`
	Passed          bool              `json:"passed"`
	Predicates      []PredicateResult `json:"predicates"`
	EvaluatedAt     time.Time         `json:"evaluated_at"`
}

// SourceTag records where on a site a contact was found.
type SourceTag string

// Supported source tags.
const (
	SourceContactPage SourceTag = "contact-page"
	SourceAboutPage   SourceTag = "about-page"
	SourceTeamPage    SourceTag = "team-page"
	SourceHeader      SourceTag = "header"
	SourceFooter      SourceTag = "footer"
	SourceBody        SourceTag = "body"
)

// Contact is an email address extracted from a site.
type Contact struct {
	ID               int64
	SiteID           int64
	Email            string
	Name             string
	Phone            string
	Role             string
	Source           SourceTag
	Priority         int
	Validated        bool
	Valid            bool
	ValidationReason string
	ValidatedAt      *time.Time
	Contacted        bool
	FirstContactedAt *time.Time
	LastContactedAt  *time.Time
	ContactCount     int
	CreatedAt        time.Time
}

// Template is an outreach message template.
type Template struct {
	ID        int64
	Name      string
	Subject   string
	Body      string
	Preheader string
	CreatedAt time.Time
}

// SendAccount is a rate-limited outbound mail identity.
type SendAccount struct {
	ID            int64
	Name          string
	FromEmail     string
	Host          string
	Port          int
	Username      string
	CredentialRef string
	DailyLimit    int
	HourlyLimit   int
	SentToday     int
	SentThisHour  int
	Priority      int
	IsActive      bool
	SuccessCount  int
	FailureCount  int
	LastUsedAt    *time.Time
	CreatedAt     time.Time
}

// RemainingToday returns the unused daily capacity.
func (a SendAccount) RemainingToday() int {
	return max(a.DailyLimit-a.SentToday, 0)
}

// RemainingThisHour returns the unused hourly capacity.
func (a SendAccount) RemainingThisHour() int {
	return max(a.HourlyLimit-a.SentThisHour, 0)
}

// ReviewStatus is the moderation state of a review item.
type ReviewStatus string

// Review item states.
const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
	ReviewSent     ReviewStatus = "sent"
	ReviewFailed   ReviewStatus = "failed"
)

// ReviewItem is a generated outreach message awaiting human approval.
type ReviewItem struct {
	ID           int64
	SiteID       int64
	ContactID    int64
	TemplateID   int64
	AccountID    *int64
	Recipient    string
	Subject      string
	Body         string
	Preheader    string
	Status       ReviewStatus
	Reviewer     string
	ReviewNotes  string
	ReviewedAt   *time.Time
	Priority     int
	SendAttempts int
	LastError    string
	SentAt       *time.Time
	CreatedAt    time.Time
}

// DeliveryStatus is the outcome recorded for a delivery attempt.
type DeliveryStatus string

// Delivery outcomes.
const (
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
	DeliveryBounced DeliveryStatus = "bounced"
)

// SentRecord is an immutable audit row of a delivery attempt.
type SentRecord struct {
	ID           int64
	ReviewItemID int64
	ContactID    int64
	Recipient    string
	AccountID    *int64
	TemplateID   int64
	MessageID    string
	Subject      string
	Body         string
	Status       DeliveryStatus
	Error        string
	CreatedAt    time.Time
}

// BlockType is the kind of value a block entry matches.
type BlockType string

// Block entry types.
const (
	BlockEmail  BlockType = "email"
	BlockDomain BlockType = "domain"
)

// BlockSource records how a block entry was added.
type BlockSource string

// Block entry provenance.
const (
	BlockManual       BlockSource = "manual"
	BlockImported     BlockSource = "imported"
	BlockAutoDetected BlockSource = "auto-detected"
)

// BlockEntry forbids contacting an email address or a whole domain.
type BlockEntry struct {
	ID        int64
	Type      BlockType
	Value     string
	Reason    string
	Source    BlockSource
	CreatedAt time.Time
}

// Stats summarizes pipeline state.
type Stats struct {
	Sites           map[SiteStatus]int
	QualifiedSites  int
	Contacts        int
	ValidContacts   int
	Reviews         map[ReviewStatus]int
	RemainingDaily  int
	RemainingHourly int
}
