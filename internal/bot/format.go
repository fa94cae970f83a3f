package bot

import (
	"fmt"
	"strings"

	"outreach/internal/model"
)

// maxBodyRunes keeps a formatted item well under Telegram's 4096 character
// message limit.
const maxBodyRunes = 3000

var siteOrder = []model.SiteStatus{
	model.SitePending, model.SiteCrawling, model.SiteCompleted, model.SitePerReview, model.SiteFailed,
}

var reviewOrder = []model.ReviewStatus{
	model.ReviewPending, model.ReviewApproved, model.ReviewRejected, model.ReviewSent, model.ReviewFailed,
}

// FormatReviewItem formats a review item for moderation.
func FormatReviewItem(item *model.ReviewItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d [%s] priority %d\n", item.ID, item.Status, item.Priority)
	fmt.Fprintf(&b, "To: %s\n", item.Recipient)
	fmt.Fprintf(&b, "Subject: %s\n", item.Subject)
	if item.Preheader != "" {
		fmt.Fprintf(&b, "Preheader: %s\n", item.Preheader)
	}
	b.WriteString("\n")
	b.WriteString(truncate(item.Body, maxBodyRunes))
	if item.Reviewer != "" {
		fmt.Fprintf(&b, "\n\nReviewed by %s", item.Reviewer)
		if item.ReviewedAt != nil {
			fmt.Fprintf(&b, " at %s", item.ReviewedAt.Format("2006-01-02 15:04 UTC"))
		}
		if item.ReviewNotes != "" {
			fmt.Fprintf(&b, ": %s", item.ReviewNotes)
		}
	}
	if item.LastError != "" {
		fmt.Fprintf(&b, "\nLast error: %s", item.LastError)
	}
	return b.String()
}

// FormatPendingList formats pending items as a compact list.
func FormatPendingList(items []model.ReviewItem) string {
	if len(items) == 0 {
		return "No pending items."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Pending items (%d):\n", len(items))
	for _, it := range items {
		fmt.Fprintf(&b, "\n#%d [%d] %s\n   %s\n", it.ID, it.Priority, it.Recipient, truncate(it.Subject, 80))
	}
	b.WriteString("\nUse /show <id> to review an item.")
	return b.String()
}

// FormatStats formats pipeline counters.
func FormatStats(st *model.Stats) string {
	var b strings.Builder
	b.WriteString("Sites:\n")
	for _, s := range siteOrder {
		fmt.Fprintf(&b, "  %s: %d\n", s, st.Sites[s])
	}
	fmt.Fprintf(&b, "  qualified: %d\n", st.QualifiedSites)
	fmt.Fprintf(&b, "\nContacts: %d (%d valid)\n", st.Contacts, st.ValidContacts)
	b.WriteString("\nReview items:\n")
	for _, s := range reviewOrder {
		fmt.Fprintf(&b, "  %s: %d\n", s, st.Reviews[s])
	}
	fmt.Fprintf(&b, "\nRemaining quota: %d today, %d this hour", st.RemainingDaily, st.RemainingHourly)
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
