package crawl

import "strings"

// Signature maps a platform tag to the markers that identify it.
type Signature struct {
	Platform string
	Markers  []string
}

// Signatures is checked in order and the first match wins. Markers are
// lowercase substrings of page markup.
var Signatures = []Signature{
	{"shopify", []string{"cdn.shopify.com", "shopify.theme", "myshopify.com"}},
	{"wordpress", []string{"wp-content/", "wp-includes/", "wp-json"}},
	{"wix", []string{"static.wixstatic.com", "wix.com website builder", "_wixcidx"}},
	{"squarespace", []string{"static1.squarespace.com", "squarespace-cdn.com", "<!-- this is squarespace. -->"}},
	{"webflow", []string{"data-wf-page", "webflow.js", "assets.website-files.com"}},
	{"tilda", []string{"tildacdn.com", "tilda.ws", "t-records"}},
	{"bigcommerce", []string{"cdn11.bigcommerce.com", "bigcommerce.com/s-"}},
	{"magento", []string{"mage/cookies", "magento_", "/static/version"}},
	{"drupal", []string{"drupal.settings", "/sites/default/files/", "data-drupal-"}},
	{"joomla", []string{"/media/jui/", "/components/com_", "content=\"joomla"}},
	{"ghost", []string{"content=\"ghost", "ghost.io", "/ghost/api/"}},
	{"hubspot", []string{"js.hs-scripts.com", "hs-sites.com", "hubspot"}},
	{"nextjs", []string{"__next_data__", "/_next/static/"}},
	{"gatsby", []string{"___gatsby", "gatsby-chunk-mapping"}},
}

// DetectPlatform returns the first platform whose markers appear in markup,
// or an empty string if none match.
func DetectPlatform(markup string) string {
	if markup == "" {
		return ""
	}
	lower := strings.ToLower(markup)
	for _, sig := range Signatures {
		for _, m := range sig.Markers {
			if strings.Contains(lower, m) {
				return sig.Platform
			}
		}
	}
	return ""
}

// CountWords returns the number of whitespace-separated tokens in text.
func CountWords(text string) int {
	return len(strings.Fields(text))
}
