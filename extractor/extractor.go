// Package extractor turns fetched HTML into structured data according to
// declarative rulesets.
package extractor

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/PuerkitoBio/goquery"
	"github.com/use-agent/fetchd/models"
)

var (
	// ErrExtractionFailed means the document could not satisfy the ruleset.
	ErrExtractionFailed = errors.New("extraction failed")
	// ErrMarkersMissing means the page lacks the content a ruleset expects,
	// which usually indicates a JavaScript shell.
	ErrMarkersMissing = fmt.Errorf("%w: content markers missing", ErrExtractionFailed)
)

// Extractor applies rulesets to documents. It holds no per-call state and
// is safe for concurrent use.
type Extractor struct {
	md *converter.Converter
}

// New creates an Extractor.
func New() *Extractor {
	return &Extractor{md: newMarkdownConverter()}
}

// Extract applies rs to body. The same inputs always produce the same output.
func (e *Extractor) Extract(body []byte, rs *Ruleset, pageURL string) (models.Extracted, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parse html: %v", ErrExtractionFailed, err)
	}

	for i, m := range rs.markers {
		if doc.FindMatcher(m).Length() == 0 {
			return nil, fmt.Errorf("%w: %q", ErrMarkersMissing, rs.Markers[i])
		}
	}

	out := make(models.Extracted, len(rs.Fields)+4)
	if rs.Mode == ModeReadability {
		article, err := e.readArticle(body, pageURL)
		if err != nil {
			return nil, err
		}
		for k, v := range article {
			out[k] = v
		}
	}

	domain := domainOf(pageURL)
	for i := range rs.Fields {
		v, err := e.field(doc.Selection, &rs.Fields[i], domain)
		if err != nil {
			return nil, err
		}
		out[rs.Fields[i].Name] = v
	}
	return out, nil
}

// field evaluates one field relative to scope.
func (e *Extractor) field(scope *goquery.Selection, f *Field, domain string) (any, error) {
	sel := scope
	if f.matcher != nil {
		sel = scope.FindMatcher(f.matcher)
	}

	if len(f.Fields) > 0 {
		return e.items(sel, f, domain)
	}

	if f.Multiple {
		values := make([]string, 0, sel.Length())
		var firstErr error
		sel.EachWithBreak(func(_ int, s *goquery.Selection) bool {
			v, err := e.value(s, f, domain)
			if err != nil {
				firstErr = err
				return false
			}
			if v != "" {
				values = append(values, v)
			}
			return true
		})
		if firstErr != nil {
			return nil, firstErr
		}
		if f.Required && len(values) == 0 {
			return nil, missing(f)
		}
		return values, nil
	}

	v := ""
	if sel.Length() > 0 {
		var err error
		if v, err = e.value(sel.First(), f, domain); err != nil {
			return nil, err
		}
	}
	if f.Required && v == "" {
		return nil, missing(f)
	}
	return v, nil
}

// items evaluates nested fields against each match.
func (e *Extractor) items(sel *goquery.Selection, f *Field, domain string) (any, error) {
	if !f.Multiple {
		if sel.Length() == 0 {
			if f.Required {
				return nil, missing(f)
			}
			return map[string]any{}, nil
		}
		return e.item(sel.First(), f, domain)
	}

	items := make([]map[string]any, 0, sel.Length())
	for i := range sel.Length() {
		item, err := e.item(sel.Eq(i), f, domain)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if f.Required && len(items) == 0 {
		return nil, missing(f)
	}
	return items, nil
}

func (e *Extractor) item(s *goquery.Selection, f *Field, domain string) (map[string]any, error) {
	item := make(map[string]any, len(f.Fields))
	for i := range f.Fields {
		v, err := e.field(s, &f.Fields[i], domain)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name, err)
		}
		item[f.Fields[i].Name] = v
	}
	return item, nil
}

// value renders a single element according to the field's attr and format.
func (e *Extractor) value(s *goquery.Selection, f *Field, domain string) (string, error) {
	if f.Attr != "" {
		v, _ := s.Attr(f.Attr)
		return strings.TrimSpace(v), nil
	}
	switch f.Format {
	case FormatHTML:
		h, err := s.Html()
		return strings.TrimSpace(h), err
	case FormatOuterHTML:
		h, err := goquery.OuterHtml(s)
		return strings.TrimSpace(h), err
	case FormatMarkdown:
		h, err := goquery.OuterHtml(s)
		if err != nil {
			return "", err
		}
		md, err := toMarkdown(e.md, h, domain)
		if err != nil {
			return "", fmt.Errorf("%w: markdown for %q: %v", ErrExtractionFailed, f.Name, err)
		}
		return strings.TrimSpace(md), nil
	default:
		return collapseSpace(s.Text()), nil
	}
}

func missing(f *Field) error {
	return fmt.Errorf("%w: required field %q matched nothing", ErrExtractionFailed, f.Name)
}

// collapseSpace trims and folds runs of whitespace into single spaces.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// domainOf returns the scheme and host used to absolutize links in markdown.
func domainOf(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
