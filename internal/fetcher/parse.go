package fetcher

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"outreach/internal/model"
)

type parsedPage struct {
	page     model.Page
	links    []string
	feeds    []string
	markup   string
	finalURL *url.URL
}

var (
	headerSelector = "header, [role=banner], #header, .header, .site-header"
	footerSelector = "footer, [role=contentinfo], #footer, .footer, .site-footer"
	noiseSelector  = "script, style, noscript, template, svg, iframe, nav"
	feedSelector   = `link[type*="rss+xml"], link[type*="atom+xml"]`
)

// blockTags end a line of extracted text.
var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "td": true, "th": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "aside": true, "address": true, "blockquote": true,
	"header": true, "footer": true, "dd": true, "dt": true, "pre": true, "ul": true, "ol": true,
	"table": true, "form": true, "hr": true, "main": true, "nav": true,
}

func parsePage(body []byte, pageURL *url.URL) (*parsedPage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	p := &parsedPage{finalURL: pageURL}
	p.markup = string(body)
	if len(p.markup) > maxMarkupSize {
		p.markup = p.markup[:maxMarkupSize]
	}

	doc.Find(feedSelector).Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			if u, err := pageURL.Parse(strings.TrimSpace(href)); err == nil {
				p.feeds = append(p.feeds, u.String())
			}
		}
	})

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if addr, ok := mailtoAddress(href); ok {
			p.page.Mailto = append(p.page.Mailto, addr)
			return
		}
		p.links = append(p.links, href)
	})

	p.page.URL = pageURL.String()
	p.page.Title = strings.TrimSpace(doc.Find("title").First().Text())
	if p.page.Title == "" {
		p.page.Title = strings.TrimSpace(doc.Find(`meta[property="og:title"]`).AttrOr("content", ""))
	}

	doc.Find(noiseSelector).Remove()

	p.page.Header = regionText(doc.Find(headerSelector).First())
	p.page.Footer = regionText(doc.Find(footerSelector).Last())
	doc.Find(headerSelector).Remove()
	doc.Find(footerSelector).Remove()

	body0 := doc.Find("body")
	if body0.Length() == 0 {
		body0 = doc.Selection
	}
	p.page.Body = regionText(body0)
	return p, nil
}

func mailtoAddress(href string) (string, bool) {
	if len(href) < 7 || !strings.EqualFold(href[:7], "mailto:") {
		return "", false
	}
	addr := href[7:]
	if i := strings.IndexByte(addr, '?'); i >= 0 {
		addr = addr[:i]
	}
	if un, err := url.PathUnescape(addr); err == nil {
		addr = un
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", false
	}
	return addr, true
}

// regionText renders the text of s with one line per block element and
// collapsed whitespace inside lines.
func regionText(s *goquery.Selection) string {
	if s.Length() == 0 {
		return ""
	}
	var b strings.Builder
	for _, n := range s.Nodes {
		writeText(&b, n)
	}
	var lines []string
	for line := range strings.SplitSeq(b.String(), "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func writeText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(strings.ReplaceAll(n.Data, "\n", " "))
		return
	case html.ElementNode:
		if blockTags[n.Data] {
			b.WriteByte('\n')
			defer b.WriteByte('\n')
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(b, c)
	}
}
