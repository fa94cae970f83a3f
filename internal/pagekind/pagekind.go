// Package pagekind classifies site pages by the keywords found in their URL paths.
package pagekind

import (
	"net/url"
	"strings"
)

// Kind is a page category recognized from URL path keywords.
type Kind string

// Known page kinds.
const (
	Unknown  Kind = ""
	Contact  Kind = "contact"
	About    Kind = "about"
	Team     Kind = "team"
	Services Kind = "services"
	Careers  Kind = "careers"
	FAQ      Kind = "faq"
	Privacy  Kind = "privacy"
	Terms    Kind = "terms"
	Blog     Kind = "blog"
)

// Family is a page kind with its per-language path keywords.
type Family struct {
	Kind     Kind
	Keywords map[string][]string
}

// Families is the ordered keyword table. Earlier families win when a path
// matches more than one, so the most contact-relevant kinds come first.
var Families = []Family{
	{Contact, map[string][]string{
		"en": {"contact", "contact-us", "get-in-touch", "reach-us"},
		"de": {"kontakt", "impressum"},
		"fr": {"contact", "nous-contacter", "contactez"},
		"es": {"contacto", "contactar", "contactenos"},
		"it": {"contatti", "contattaci"},
		"nl": {"contact", "neem-contact"},
		"pt": {"contato", "fale-conosco"},
		"ru": {"kontakty", "контакты", "svyaz"},
	}},
	{Team, map[string][]string{
		"en": {"team", "our-team", "people", "staff", "leadership"},
		"de": {"team", "mitarbeiter", "unser-team"},
		"fr": {"equipe", "notre-equipe"},
		"es": {"equipo", "nuestro-equipo"},
		"it": {"squadra", "il-team"},
		"nl": {"ons-team", "medewerkers"},
		"pt": {"equipe", "nossa-equipe"},
		"ru": {"komanda", "команда", "sotrudniki"},
	}},
	{About, map[string][]string{
		"en": {"about", "about-us", "who-we-are", "company"},
		"de": {"ueber-uns", "uber-uns", "unternehmen"},
		"fr": {"a-propos", "qui-sommes-nous"},
		"es": {"sobre-nosotros", "quienes-somos", "nosotros"},
		"it": {"chi-siamo", "azienda"},
		"nl": {"over-ons"},
		"pt": {"sobre", "quem-somos"},
		"ru": {"o-nas", "о-нас", "o-kompanii"},
	}},
	{Services, map[string][]string{
		"en": {"services", "solutions", "what-we-do", "products"},
		"de": {"leistungen", "dienstleistungen"},
		"fr": {"services", "prestations"},
		"es": {"servicios", "soluciones"},
		"it": {"servizi"},
		"nl": {"diensten"},
		"pt": {"servicos"},
		"ru": {"uslugi", "услуги"},
	}},
	{Careers, map[string][]string{
		"en": {"careers", "jobs", "join-us", "hiring"},
		"de": {"karriere", "jobs", "stellenangebote"},
		"fr": {"carrieres", "recrutement", "emplois"},
		"es": {"empleo", "trabaja-con-nosotros", "carreras"},
		"it": {"lavora-con-noi", "carriere"},
		"nl": {"vacatures", "werken-bij"},
		"pt": {"carreiras", "trabalhe-conosco"},
		"ru": {"vakansii", "вакансии", "karera"},
	}},
	{FAQ, map[string][]string{
		"en": {"faq", "faqs", "help", "support"},
		"de": {"hilfe", "haeufige-fragen"},
		"fr": {"aide", "questions-frequentes"},
		"es": {"preguntas-frecuentes", "ayuda"},
		"it": {"domande-frequenti", "aiuto"},
		"nl": {"veelgestelde-vragen"},
		"pt": {"perguntas-frequentes", "ajuda"},
		"ru": {"voprosy", "вопросы", "pomosh"},
	}},
	{Privacy, map[string][]string{
		"en": {"privacy", "privacy-policy", "gdpr", "cookies"},
		"de": {"datenschutz"},
		"fr": {"confidentialite", "politique-de-confidentialite"},
		"es": {"privacidad", "politica-de-privacidad"},
		"it": {"privacy", "informativa"},
		"nl": {"privacybeleid"},
		"pt": {"privacidade"},
		"ru": {"konfidencialnost", "политика"},
	}},
	{Terms, map[string][]string{
		"en": {"terms", "terms-of-service", "tos", "legal"},
		"de": {"agb", "nutzungsbedingungen"},
		"fr": {"mentions-legales", "cgv", "conditions"},
		"es": {"terminos", "aviso-legal", "condiciones"},
		"it": {"termini", "condizioni"},
		"nl": {"voorwaarden"},
		"pt": {"termos"},
		"ru": {"usloviya", "условия", "oferta"},
	}},
	{Blog, map[string][]string{
		"en": {"blog", "news", "articles", "insights"},
		"de": {"aktuelles", "neuigkeiten"},
		"fr": {"actualites", "blog"},
		"es": {"noticias", "blog"},
		"it": {"notizie", "blog"},
		"nl": {"nieuws"},
		"pt": {"noticias"},
		"ru": {"novosti", "новости", "stati"},
	}},
}

// Classify returns the page kind of a URL or path, or Unknown.
// Matching is done per path segment, case-insensitively.
func Classify(rawURL string) Kind {
	segments := pathSegments(rawURL)
	if len(segments) == 0 {
		return Unknown
	}
	for _, f := range Families {
		for _, words := range f.Keywords {
			for _, w := range words {
				for _, seg := range segments {
					if seg == w || strings.HasPrefix(seg, w+".") {
						return f.Kind
					}
				}
			}
		}
	}
	return Unknown
}

// Rank orders kinds by how likely a page of that kind lists contacts.
// Lower is better; Unknown pages rank last.
func Rank(k Kind) int {
	switch k {
	case Contact:
		return 0
	case Team:
		return 1
	case About:
		return 2
	case Services, FAQ:
		return 3
	case Careers, Terms, Privacy:
		return 4
	case Blog:
		return 6
	default:
		return 5
	}
}

func pathSegments(rawURL string) []string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && (u.Scheme != "" || u.Host != "") {
		p = u.Path
	}
	if unescaped, err := url.PathUnescape(p); err == nil {
		p = unescaped
	}
	p = strings.ToLower(strings.Trim(p, "/"))
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
