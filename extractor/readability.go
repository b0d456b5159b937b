package extractor

import (
	"bytes"
	"fmt"
	nurl "net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
)

// minContentLength is the minimum TextContent length (in characters) for
// readability output to count as an article.
const minContentLength = 50

// readArticle runs the Mozilla Readability algorithm over body. Unlike a
// best-effort cleaner, a readability ruleset that finds no article fails,
// so the orchestrator can try a browser render instead.
func (e *Extractor) readArticle(body []byte, pageURL string) (map[string]any, error) {
	parsedURL, err := nurl.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid page url: %v", ErrExtractionFailed, err)
	}

	article, err := readability.FromReader(bytes.NewReader(body), parsedURL)
	if err != nil {
		return nil, fmt.Errorf("%w: readability: %v", ErrExtractionFailed, err)
	}

	text := collapseSpace(article.TextContent)
	if len(text) < minContentLength {
		return nil, fmt.Errorf("%w: readability found %d characters of content", ErrMarkersMissing, len(text))
	}

	content, err := toMarkdown(e.md, article.Content, domainOf(pageURL))
	if err != nil {
		return nil, fmt.Errorf("%w: markdown: %v", ErrExtractionFailed, err)
	}

	return map[string]any{
		"title":     strings.TrimSpace(article.Title),
		"byline":    strings.TrimSpace(article.Byline),
		"excerpt":   strings.TrimSpace(article.Excerpt),
		"site_name": strings.TrimSpace(article.SiteName),
		"text":      text,
		"content":   strings.TrimSpace(content),
	}, nil
}
