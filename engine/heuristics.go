package engine

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// Thresholds for the JavaScript-shell heuristic.
const (
	minVisibleText     = 200
	scriptHeavyCount   = 10
	scriptHeavyMaxText = 500
)

var (
	reNoscript = regexp.MustCompile(`<noscript[^>]*>[^<]*(enable|activate|turn on|requires?)\s+javascript`)
	// Mount points left empty by client-side frameworks.
	reEmptyRoot = regexp.MustCompile(`<div\s+id="(root|app|__next|__nuxt)"\s*>\s*</div>`)
)

// NeedsBrowser reports whether HTML fetched over plain HTTP looks like a
// JavaScript shell that only a browser can turn into content.
func NeedsBrowser(body []byte) bool {
	if !looksLikeHTML(body) {
		return false
	}
	text := VisibleText(body)
	if len(text) < minVisibleText {
		return true
	}

	lower := strings.ToLower(string(body))
	if reEmptyRoot.MatchString(lower) {
		return true
	}
	if reNoscript.MatchString(lower) {
		return true
	}
	return strings.Count(lower, "<script") > scriptHeavyCount && len(text) < scriptHeavyMaxText
}

// looksLikeHTML keeps JSON and plain-text responses away from the heuristic.
func looksLikeHTML(body []byte) bool {
	head := bytes.ToLower(bytes.TrimSpace(body[:min(len(body), 1024)]))
	return bytes.HasPrefix(head, []byte("<!doctype html")) ||
		bytes.Contains(head, []byte("<html")) ||
		bytes.Contains(head, []byte("<body")) ||
		bytes.Contains(head, []byte("<head"))
}

// VisibleText extracts the visible text from within <body>, stripping all
// tags and <script>/<style>/<noscript> content.
func VisibleText(body []byte) string {
	tokenizer := html.NewTokenizer(bytes.NewReader(body))
	var buf strings.Builder
	inBody := false
	skipDepth := 0

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(buf.String())
		case html.StartTagToken:
			tn, _ := tokenizer.TagName()
			switch string(tn) {
			case "body":
				inBody = true
			case "script", "style", "noscript":
				skipDepth++
			}
		case html.EndTagToken:
			tn, _ := tokenizer.TagName()
			switch string(tn) {
			case "script", "style", "noscript":
				if skipDepth > 0 {
					skipDepth--
				}
			}
		case html.TextToken:
			if inBody && skipDepth == 0 {
				if text := strings.TrimSpace(string(tokenizer.Text())); text != "" {
					buf.WriteString(text)
					buf.WriteByte(' ')
				}
			}
		}
	}
}
