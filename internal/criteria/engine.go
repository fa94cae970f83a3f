// Package criteria implements the requirement-set evaluation engine.
package criteria

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"outreach/internal/model"
)

// regexPrefix marks a keyword or URL pattern as a regular expression.
const regexPrefix = "re:"

// Input is the crawled site data predicates are evaluated against.
type Input struct {
	PageCount int
	WordCount int
	Platform  string
	Corpus    string
	URLs      []string
}

// InputFromSite builds an evaluation input from a crawled site.
func InputFromSite(site *model.Site) Input {
	return Input{
		PageCount: site.PageCount,
		WordCount: site.WordCount,
		Platform:  site.Platform,
		Corpus:    site.Snapshot.Corpus(),
		URLs:      site.Snapshot.URLs(),
	}
}

// Result is the outcome of evaluating a site against all active sets.
type Result struct {
	Qualified bool
	// Matched is the highest priority set that passed, if any.
	Matched *model.RequirementSet
	Details []model.MatchDetail
}

// predicate evaluates one criterion. ok is false when the criterion is not
// configured in the set and must be skipped.
type predicate struct {
	name string
	eval func(c model.Criteria, in *evalInput) (res model.PredicateResult, ok bool)
}

// predicates is evaluated in order; a set passes only if every configured
// predicate passes.
var predicates = []predicate{
	{"min_pages", minPages},
	{"max_pages", maxPages},
	{"min_word_count", minWords},
	{"max_word_count", maxWords},
	{"allowed_platforms", allowedPlatforms},
	{"blocked_platforms", blockedPlatforms},
	{"required_keywords", requiredKeywords},
	{"exclude_keywords", excludeKeywords},
	{"required_url_patterns", requiredURLPatterns},
}

// evalInput caches the lowercased corpus across predicates.
type evalInput struct {
	Input
	lowerCorpus string
	lowerURLs   []string
}

func newEvalInput(in Input) *evalInput {
	urls := make([]string, len(in.URLs))
	for i, u := range in.URLs {
		urls[i] = strings.ToLower(u)
	}
	return &evalInput{Input: in, lowerCorpus: strings.ToLower(in.Corpus), lowerURLs: urls}
}

// Evaluate checks a site against every active set. The site qualifies if any
// set passes; all predicates within a set must pass. Sets are expected in
// priority order and the first passing one is reported as Matched. Details
// are recorded for every evaluated set regardless of the outcome.
func Evaluate(sets []model.RequirementSet, in Input, at time.Time) Result {
	ei := newEvalInput(in)
	var res Result
	for i := range sets {
		rs := &sets[i]
		if !rs.IsActive {
			continue
		}
		detail := evaluateSet(rs, ei, at)
		res.Details = append(res.Details, detail)
		if detail.Passed && res.Matched == nil {
			res.Qualified = true
			res.Matched = rs
		}
	}
	return res
}

// EvaluateSet checks a site against a single requirement set.
func EvaluateSet(rs *model.RequirementSet, in Input, at time.Time) model.MatchDetail {
	return evaluateSet(rs, newEvalInput(in), at)
}

func evaluateSet(rs *model.RequirementSet, in *evalInput, at time.Time) model.MatchDetail {
	detail := model.MatchDetail{
		RequirementID:   rs.ID,
		RequirementName: rs.Name,
		Passed:          true,
		Predicates:      []model.PredicateResult{},
		EvaluatedAt:     at,
	}
	for _, p := range predicates {
		r, ok := p.eval(rs.Criteria, in)
		if !ok {
			continue
		}
		r.Predicate = p.name
		if !r.Passed {
			detail.Passed = false
		}
		detail.Predicates = append(detail.Predicates, r)
	}
	return detail
}

func minPages(c model.Criteria, in *evalInput) (model.PredicateResult, bool) {
	if c.MinPages <= 0 {
		return model.PredicateResult{}, false
	}
	passed := in.PageCount >= c.MinPages
	return model.PredicateResult{
		Passed:   passed,
		Required: c.MinPages,
		Actual:   in.PageCount,
		Message:  compareMessage("pages", in.PageCount, ">=", c.MinPages, passed),
	}, true
}

func maxPages(c model.Criteria, in *evalInput) (model.PredicateResult, bool) {
	if c.MaxPages <= 0 {
		return model.PredicateResult{}, false
	}
	passed := in.PageCount <= c.MaxPages
	return model.PredicateResult{
		Passed:   passed,
		Required: c.MaxPages,
		Actual:   in.PageCount,
		Message:  compareMessage("pages", in.PageCount, "<=", c.MaxPages, passed),
	}, true
}

func minWords(c model.Criteria, in *evalInput) (model.PredicateResult, bool) {
	if c.MinWordCount <= 0 {
		return model.PredicateResult{}, false
	}
	passed := in.WordCount >= c.MinWordCount
	return model.PredicateResult{
		Passed:   passed,
		Required: c.MinWordCount,
		Actual:   in.WordCount,
		Message:  compareMessage("words", in.WordCount, ">=", c.MinWordCount, passed),
	}, true
}

func maxWords(c model.Criteria, in *evalInput) (model.PredicateResult, bool) {
	if c.MaxWordCount <= 0 {
		return model.PredicateResult{}, false
	}
	passed := in.WordCount <= c.MaxWordCount
	return model.PredicateResult{
		Passed:   passed,
		Required: c.MaxWordCount,
		Actual:   in.WordCount,
		Message:  compareMessage("words", in.WordCount, "<=", c.MaxWordCount, passed),
	}, true
}

func allowedPlatforms(c model.Criteria, in *evalInput) (model.PredicateResult, bool) {
	if len(c.AllowedPlatforms) == 0 {
		return model.PredicateResult{}, false
	}
	passed := containsFold(c.AllowedPlatforms, in.Platform)
	msg := fmt.Sprintf("platform %q is allowed", in.Platform)
	if !passed {
		msg = fmt.Sprintf("platform %q is not in %v", platformLabel(in.Platform), c.AllowedPlatforms)
	}
	return model.PredicateResult{
		Passed:   passed,
		Required: c.AllowedPlatforms,
		Actual:   in.Platform,
		Message:  msg,
	}, true
}

func blockedPlatforms(c model.Criteria, in *evalInput) (model.PredicateResult, bool) {
	if len(c.BlockedPlatforms) == 0 {
		return model.PredicateResult{}, false
	}
	blocked := in.Platform != "" && containsFold(c.BlockedPlatforms, in.Platform)
	msg := fmt.Sprintf("platform %q is not blocked", platformLabel(in.Platform))
	if blocked {
		msg = fmt.Sprintf("platform %q is blocked", in.Platform)
	}
	return model.PredicateResult{
		Passed:   !blocked,
		Required: c.BlockedPlatforms,
		Actual:   in.Platform,
		Message:  msg,
	}, true
}

func requiredKeywords(c model.Criteria, in *evalInput) (model.PredicateResult, bool) {
	if len(c.RequiredKeywords) == 0 {
		return model.PredicateResult{}, false
	}
	var found, missing []string
	for _, kw := range c.RequiredKeywords {
		if matchText(in.lowerCorpus, kw) {
			found = append(found, kw)
		} else {
			missing = append(missing, kw)
		}
	}
	passed := len(missing) == 0
	msg := fmt.Sprintf("all %d required keywords found", len(found))
	if !passed {
		msg = fmt.Sprintf("missing keywords: %s", strings.Join(missing, ", "))
	}
	return model.PredicateResult{
		Passed:   passed,
		Required: c.RequiredKeywords,
		Actual:   len(found),
		Missing:  missing,
		Found:    found,
		Message:  msg,
	}, true
}

func excludeKeywords(c model.Criteria, in *evalInput) (model.PredicateResult, bool) {
	if len(c.ExcludeKeywords) == 0 {
		return model.PredicateResult{}, false
	}
	var found []string
	for _, kw := range c.ExcludeKeywords {
		if matchText(in.lowerCorpus, kw) {
			found = append(found, kw)
		}
	}
	passed := len(found) == 0
	msg := "no excluded keywords found"
	if !passed {
		msg = fmt.Sprintf("excluded keywords found: %s", strings.Join(found, ", "))
	}
	return model.PredicateResult{
		Passed:   passed,
		Required: c.ExcludeKeywords,
		Actual:   len(found),
		Found:    found,
		Message:  msg,
	}, true
}

func requiredURLPatterns(c model.Criteria, in *evalInput) (model.PredicateResult, bool) {
	if len(c.RequiredURLPaths) == 0 {
		return model.PredicateResult{}, false
	}
	var found, missing []string
	for _, pattern := range c.RequiredURLPaths {
		matched := false
		for _, u := range in.lowerURLs {
			if matchText(u, pattern) {
				matched = true
				break
			}
		}
		if matched {
			found = append(found, pattern)
		} else {
			missing = append(missing, pattern)
		}
	}
	passed := len(missing) == 0
	msg := fmt.Sprintf("all %d URL patterns found", len(found))
	if !passed {
		msg = fmt.Sprintf("missing URL patterns: %s", strings.Join(missing, ", "))
	}
	return model.PredicateResult{
		Passed:   passed,
		Required: c.RequiredURLPaths,
		Actual:   len(in.URLs),
		Missing:  missing,
		Found:    found,
		Message:  msg,
	}, true
}

// matchText reports whether lowered text contains the keyword. Keywords with
// the "re:" prefix are case-insensitive regular expressions.
func matchText(lowered, keyword string) bool {
	if pattern, ok := strings.CutPrefix(keyword, regexPrefix); ok {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return false
		}
		return re.MatchString(lowered)
	}
	return strings.Contains(lowered, strings.ToLower(keyword))
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func platformLabel(p string) string {
	if p == "" {
		return "unknown"
	}
	return p
}

func compareMessage(what string, actual int, op string, required int, passed bool) string {
	verdict := "ok"
	if !passed {
		verdict = "failed"
	}
	return fmt.Sprintf("%s: %d %s %d %s", what, actual, op, required, verdict)
}

// PageBudget returns how many pages the fetcher should collect: the largest
// min_pages across active sets plus margin, never below floor.
func PageBudget(sets []model.RequirementSet, margin, floor int) int {
	largest := 0
	for _, rs := range sets {
		if rs.IsActive && rs.Criteria.MinPages > largest {
			largest = rs.Criteria.MinPages
		}
	}
	if largest == 0 {
		return floor
	}
	return max(largest+margin, floor)
}

// Validate checks a criteria document for contradictory bounds and invalid
// regular expressions.
func Validate(c model.Criteria) error {
	if c.MinPages < 0 || c.MaxPages < 0 || c.MinWordCount < 0 || c.MaxWordCount < 0 {
		return fmt.Errorf("bounds must not be negative")
	}
	if c.MaxPages > 0 && c.MinPages > c.MaxPages {
		return fmt.Errorf("min_pages %d exceeds max_pages %d", c.MinPages, c.MaxPages)
	}
	if c.MaxWordCount > 0 && c.MinWordCount > c.MaxWordCount {
		return fmt.Errorf("min_word_count %d exceeds max_word_count %d", c.MinWordCount, c.MaxWordCount)
	}
	for _, group := range [][]string{c.RequiredKeywords, c.ExcludeKeywords, c.RequiredURLPaths} {
		for _, kw := range group {
			if err := ValidateRegex(kw); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateRegex checks a "re:" keyword for a valid regular expression.
// Plain keywords are always valid.
func ValidateRegex(keyword string) error {
	pattern, ok := strings.CutPrefix(keyword, regexPrefix)
	if !ok {
		return nil
	}
	if _, err := regexp.Compile("(?i)" + pattern); err != nil {
		return fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	return nil
}
