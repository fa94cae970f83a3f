// Package extract finds and ranks contact addresses in a crawl snapshot.
package extract

import (
	"cmp"
	"net/mail"
	"regexp"
	"slices"
	"strings"
	"unicode"

	"outreach/internal/model"
	"outreach/internal/pagekind"
)

const (
	baseScore = 50
	nameBonus = 10
	roleBonus = 5
	maxScore  = 100
)

var sourceBonus = map[model.SourceTag]int{
	model.SourceContactPage: 30,
	model.SourceTeamPage:    25,
	model.SourceAboutPage:   20,
	model.SourceHeader:      15,
	model.SourceFooter:      10,
	model.SourceBody:        5,
}

const defaultBonus = 5

// Score returns the contact priority: base 50 plus the source bonus, 10 for
// a recovered name and 5 for a recovered role, capped at 100.
func Score(tag model.SourceTag, hasName, hasRole bool) int {
	bonus, ok := sourceBonus[tag]
	if !ok {
		bonus = defaultBonus
	}
	s := baseScore + bonus
	if hasName {
		s += nameBonus
	}
	if hasRole {
		s += roleBonus
	}
	return min(s, maxScore)
}

// Candidate is an extracted contact before persistence.
type Candidate struct {
	Email    string
	Name     string
	Phone    string
	Role     string
	Source   model.SourceTag
	Priority int
}

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,24}`)
	// Matches "jane [at] example [dot] com" and "jane(at)example(dot)com".
	obfuscatedRe = regexp.MustCompile(`(?i)([a-z0-9._%+\-]+)\s*[\[(]\s*at\s*[\])]\s*([a-z0-9\-]+(?:\s*[\[(]\s*dot\s*[\])]\s*[a-z0-9\-]+)+)`)
	dotRe        = regexp.MustCompile(`(?i)\s*[\[(]\s*dot\s*[\])]\s*`)
	phoneRe      = regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`)
	nameRe       = regexp.MustCompile(`\b([A-Z][a-z]+(?:[-'][A-Z][a-z]+)?)\s+([A-Z][a-z]+(?:[-'][A-Z][a-z]+)?)\b`)
)

// assetTLDs are file extensions that look like TLDs in "logo@2x.png".
var assetTLDs = map[string]bool{
	"png": true, "jpg": true, "jpeg": true, "gif": true, "svg": true, "webp": true,
	"css": true, "js": true, "ico": true, "avif": true,
}

// ignoredDomains never hold real contacts.
var ignoredDomains = map[string]bool{
	"example.com": true, "example.org": true, "domain.com": true, "email.com": true,
	"sentry.io": true, "wixpress.com": true, "sentry-next.wixpress.com": true,
}

// genericMailboxes are local parts that never carry a person's name.
var genericMailboxes = map[string]bool{
	"info": true, "contact": true, "hello": true, "sales": true, "support": true, "office": true,
	"admin": true, "team": true, "mail": true, "help": true, "press": true, "marketing": true,
	"billing": true, "noreply": true, "no-reply": true, "webmaster": true, "hr": true, "jobs": true,
	"careers": true, "enquiries": true, "inquiries": true, "kontakt": true, "privacy": true,
}

// roleWords are job titles recognized next to an address.
var roleWords = []string{
	"chief executive officer", "chief marketing officer", "chief technology officer",
	"managing director", "marketing manager", "sales manager", "head of marketing", "head of sales",
	"co-founder", "founder", "owner", "ceo", "cto", "cmo", "coo", "president", "partner",
	"director", "manager", "editor", "editor-in-chief", "webmaster", "marketing", "sales",
	"geschäftsführer", "inhaber", "gérant", "directeur", "fundador", "propietario", "titolare",
}

// region is a block of page text tagged with where it came from.
type region struct {
	source model.SourceTag
	text   string
}

// Extract returns the contacts found in a snapshot, deduplicated
// case-insensitively and ordered by priority, highest first. When an address
// appears in several places the best-scoring occurrence is kept.
func Extract(snap *model.Snapshot) []Candidate {
	if snap == nil {
		return nil
	}
	best := make(map[string]Candidate)
	for _, page := range snap.Pages {
		for _, r := range pageRegions(page) {
			for _, c := range scanRegion(r) {
				if prev, ok := best[c.Email]; ok && !better(c, prev) {
					continue
				}
				best[c.Email] = c
			}
		}
	}

	out := make([]Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Candidate) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return strings.Compare(a.Email, b.Email)
	})
	return out
}

func better(a, b Candidate) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Name != "" && b.Name == ""
}

// pageRegions tags each text block of a page. Dedicated contact, team and
// about pages tag every region with the page kind.
func pageRegions(p model.Page) []region {
	var pageTag model.SourceTag
	switch pagekind.Classify(p.URL) {
	case pagekind.Contact:
		pageTag = model.SourceContactPage
	case pagekind.Team:
		pageTag = model.SourceTeamPage
	case pagekind.About:
		pageTag = model.SourceAboutPage
	}
	tag := func(fallback model.SourceTag) model.SourceTag {
		if pageTag != "" {
			return pageTag
		}
		return fallback
	}

	regions := []region{
		{tag(model.SourceHeader), p.Header},
		{tag(model.SourceFooter), p.Footer},
		{tag(model.SourceBody), p.Title + "\n" + p.Body},
	}
	if len(p.Mailto) > 0 {
		regions = append(regions, region{tag(model.SourceBody), strings.Join(p.Mailto, "\n")})
	}
	return regions
}

func scanRegion(r region) []Candidate {
	if strings.TrimSpace(r.text) == "" {
		return nil
	}
	var out []Candidate
	for _, line := range strings.Split(r.text, "\n") {
		line = deobfuscate(line)
		found := emailRe.FindAllString(line, -1)
		if len(found) == 0 {
			continue
		}
		// Names, roles and phones are looked up around the addresses, not in them.
		around := emailRe.ReplaceAllString(line, " ")
		for _, raw := range found {
			email, ok := normalize(raw)
			if !ok {
				continue
			}
			c := Candidate{
				Email:  email,
				Source: r.source,
				Role:   findRole(around),
				Phone:  findPhone(around),
			}
			c.Name = findName(around, email)
			c.Priority = Score(c.Source, c.Name != "", c.Role != "")
			out = append(out, c)
		}
	}
	return out
}

func deobfuscate(line string) string {
	return obfuscatedRe.ReplaceAllStringFunc(line, func(m string) string {
		parts := obfuscatedRe.FindStringSubmatch(m)
		return parts[1] + "@" + dotRe.ReplaceAllString(parts[2], ".")
	})
}

// normalize lowercases an address and drops asset names and placeholders.
func normalize(raw string) (string, bool) {
	email := strings.ToLower(strings.Trim(raw, ".-_"))
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || domain == "" {
		return "", false
	}
	tld := domain[strings.LastIndex(domain, ".")+1:]
	if assetTLDs[tld] || ignoredDomains[domain] {
		return "", false
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return "", false
	}
	return email, true
}

func findRole(line string) string {
	lower := strings.ToLower(line)
	for _, r := range roleWords {
		idx := strings.Index(lower, r)
		if idx < 0 {
			continue
		}
		end := idx + len(r)
		if !wordBoundary(lower, idx-1) || !wordBoundary(lower, end) {
			continue
		}
		if len(lower) == len(line) {
			return line[idx:end]
		}
		return lower[idx:end]
	}
	return ""
}

func wordBoundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	return !unicode.IsLetter(rune(s[i]))
}

func findPhone(line string) string {
	m := phoneRe.FindString(line)
	digits := 0
	for _, r := range m {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	if digits < 7 || digits > 15 {
		return ""
	}
	return strings.TrimSpace(m)
}

// findName looks for a capitalized first and last name on the line, falling
// back to a "first.last" local part.
func findName(line, email string) string {
	for _, m := range nameRe.FindAllStringSubmatch(line, -1) {
		if !isRoleWord(m[1]) && !isRoleWord(m[2]) {
			return m[1] + " " + m[2]
		}
	}

	local, _, _ := strings.Cut(email, "@")
	if genericMailboxes[local] {
		return ""
	}
	first, last, ok := strings.Cut(local, ".")
	if !ok || !isAlpha(first) || !isAlpha(last) || len(first) < 2 || len(last) < 2 {
		return ""
	}
	return title(first) + " " + title(last)
}

func isRoleWord(w string) bool {
	lw := strings.ToLower(w)
	for _, r := range roleWords {
		if r == lw {
			return true
		}
	}
	switch lw {
	case "contact", "email", "mail", "phone", "call", "write", "send", "us", "our", "the", "team", "sales",
		"support", "office", "head", "chief", "managing", "marketing":
		return true
	}
	return false
}

func isAlpha(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return s != ""
}

func title(s string) string {
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
