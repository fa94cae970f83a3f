package pagekind

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		url  string
		want Kind
	}{
		{"https://example.com/", Unknown},
		{"https://example.com/contact", Contact},
		{"https://example.com/Contact-Us/", Contact},
		{"https://example.de/kontakt.html", Contact},
		{"https://example.de/impressum", Contact},
		{"https://example.com/en/about-us", About},
		{"https://example.fr/a-propos", About},
		{"https://example.com/company/team", Team},
		{"https://example.es/equipo", Team},
		{"https://example.ru/%D0%BA%D0%BE%D0%BD%D1%82%D0%B0%D0%BA%D1%82%D1%8B", Contact},
		{"https://example.com/blog/how-we-contact-customers", Blog},
		{"https://example.com/careers", Careers},
		{"https://example.com/privacy-policy", Privacy},
		{"/faq", FAQ},
		{"https://example.com/pricing", Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, Classify(tt.url)); diff != "" {
				t.Errorf("Classify(%q) mismatch (-want +got):\n%s", tt.url, diff)
			}
		})
	}
}

func TestRankPrefersContactSurfaces(t *testing.T) {
	order := []Kind{Contact, Team, About, Services, Careers, Unknown, Blog}
	for i := 1; i < len(order); i++ {
		if Rank(order[i-1]) > Rank(order[i]) {
			t.Errorf("Rank(%q)=%d should not exceed Rank(%q)=%d",
				order[i-1], Rank(order[i-1]), order[i], Rank(order[i]))
		}
	}
}
