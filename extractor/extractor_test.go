package extractor_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/use-agent/fetchd/extractor"
	"github.com/use-agent/fetchd/models"
)

const problemPageHTML = `<!DOCTYPE html>
<html>
<head>
  <title>Two Sum - Problems</title>
  <meta name="description" content="Find two numbers that add up to target.">
  <link rel="canonical" href="https://example.com/problems/two-sum">
</head>
<body>
  <h1 class="title">  Two   Sum </h1>
  <span class="difficulty">Easy</span>
  <div class="content"><p>Given an array of <code>nums</code>, see <a href="/docs">docs</a>.</p></div>
  <ul class="tags">
    <li><a href="/tag/array">Array</a></li>
    <li><a href="/tag/hash-table">Hash Table</a></li>
  </ul>
  <table class="examples">
    <tr class="example"><td class="in">[2,7,11,15], 9</td><td class="out">[0,1]</td></tr>
    <tr class="example"><td class="in">[3,2,4], 6</td><td class="out">[1,2]</td></tr>
  </table>
</body>
</html>`

const rulesYAML = `
rulesets:
  - id: problem
    ttl: 10m
    markers: ["h1.title"]
    fields:
      - name: title
        selector: h1.title
        required: true
      - name: difficulty
        selector: .difficulty
      - name: premium
        selector: .premium-badge
      - name: tags
        selector: ul.tags a
        multiple: true
      - name: tag_links
        selector: ul.tags a
        attr: href
        multiple: true
      - name: content
        selector: div.content
        format: markdown
      - name: content_html
        selector: div.content
        format: html
      - name: examples
        selector: tr.example
        multiple: true
        fields:
          - name: input
            selector: td.in
            required: true
          - name: output
            selector: td.out
  - id: strict
    fields:
      - name: solution
        selector: .solution
        required: true
  - id: spa
    markers: ["#app .loaded"]
    fields:
      - name: title
        selector: title
`

func loadBook(t *testing.T) *extractor.RuleBook {
	t.Helper()
	rb, err := extractor.ParseRuleBook([]byte(rulesYAML))
	require.NoError(t, err)
	return rb
}

func extract(t *testing.T, rulesID, body string) (models.Extracted, error) {
	t.Helper()
	rs, err := loadBook(t).Get(rulesID)
	require.NoError(t, err)
	return extractor.New().Extract([]byte(body), rs, "https://example.com/problems/two-sum")
}

func TestExtract_Fields(t *testing.T) {
	got, err := extract(t, "problem", problemPageHTML)
	require.NoError(t, err)

	assert.Equal(t, "Two Sum", got["title"])
	assert.Equal(t, "Easy", got["difficulty"])
	assert.Equal(t, "", got["premium"], "missing optional field is empty")
	assert.Equal(t, []string{"Array", "Hash Table"}, got["tags"])
	assert.Equal(t, []string{"/tag/array", "/tag/hash-table"}, got["tag_links"])
	assert.Contains(t, got["content"], "`nums`")
	assert.Contains(t, got["content"], "https://example.com/docs")
	assert.Contains(t, got["content_html"], "<code>nums</code>")

	examples, ok := got["examples"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, examples, 2)
	assert.Equal(t, "[2,7,11,15], 9", examples[0]["input"])
	assert.Equal(t, "[1,2]", examples[1]["output"])
}

func TestExtract_RequiredMissing(t *testing.T) {
	_, err := extract(t, "strict", problemPageHTML)
	require.Error(t, err)
	assert.True(t, errors.Is(err, extractor.ErrExtractionFailed))
	assert.False(t, errors.Is(err, extractor.ErrMarkersMissing))
	assert.Contains(t, err.Error(), "solution")
}

func TestExtract_NestedRequiredMissing(t *testing.T) {
	body := strings.Replace(problemPageHTML, `<td class="in">[3,2,4], 6</td>`, "", 1)
	_, err := extract(t, "problem", body)
	assert.ErrorIs(t, err, extractor.ErrExtractionFailed)
}

func TestExtract_MarkersMissing(t *testing.T) {
	shell := `<html><head><title>App</title></head><body><div id="app"></div></body></html>`
	_, err := extract(t, "spa", shell)
	assert.ErrorIs(t, err, extractor.ErrMarkersMissing)
	assert.ErrorIs(t, err, extractor.ErrExtractionFailed)

	rendered := `<html><head><title>App</title></head><body><div id="app"><div class="loaded">hi</div></div></body></html>`
	got, err := extract(t, "spa", rendered)
	require.NoError(t, err)
	assert.Equal(t, "App", got["title"])
}

func TestExtract_Idempotent(t *testing.T) {
	first, err := extract(t, "problem", problemPageHTML)
	require.NoError(t, err)
	second, err := extract(t, "problem", problemPageHTML)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestExtract_DefaultRuleset(t *testing.T) {
	rb, err := extractor.NewRuleBook()
	require.NoError(t, err)
	rs, err := rb.Get("")
	require.NoError(t, err)

	got, err := extractor.New().Extract([]byte(problemPageHTML), rs, "https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, "Two Sum - Problems", got["title"])
	assert.Equal(t, "Find two numbers that add up to target.", got["description"])
	assert.Equal(t, "https://example.com/problems/two-sum", got["canonical"])
	assert.Equal(t, []string{"Two Sum"}, got["headings"])
}

func TestExtract_DefaultRulesetOnEmptyDocument(t *testing.T) {
	rs := extractor.DefaultRuleset()
	got, err := extractor.New().Extract([]byte(""), rs, "https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, "", got["title"])
	assert.Equal(t, []string{}, got["headings"])
}

func TestRuleBook_TTLAndIDs(t *testing.T) {
	rb := loadBook(t)
	rs, err := rb.Get("problem")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, rs.TTL)
	assert.Equal(t, extractor.ModeSelectors, rs.Mode)
	assert.Equal(t, []string{"default", "problem", "spa", "strict"}, rb.IDs())

	_, err = rb.Get("nope")
	assert.ErrorIs(t, err, extractor.ErrUnknownRuleset)
}

func TestRuleBook_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad selector": `rulesets: [{id: x, fields: [{name: a, selector: "div[["}]}]`,
		"bad marker":   `rulesets: [{id: x, markers: ["a[["], fields: [{name: a, selector: p}]}]`,
		"no name":      `rulesets: [{id: x, fields: [{selector: p}]}]`,
		"dup field":    `rulesets: [{id: x, fields: [{name: a, selector: p}, {name: a, selector: b}]}]`,
		"bad format":   `rulesets: [{id: x, fields: [{name: a, selector: p, format: pdf}]}]`,
		"bad mode":     `rulesets: [{id: x, mode: magic, fields: [{name: a, selector: p}]}]`,
		"no id":        `rulesets: [{fields: [{name: a, selector: p}]}]`,
		"dup id":       `rulesets: [{id: x, fields: [{name: a, selector: p}]}, {id: x, fields: [{name: a, selector: p}]}]`,
		"no fields":    `rulesets: [{id: x}]`,
		"no selector":  `rulesets: [{id: x, fields: [{name: a}]}]`,
		"not yaml":     `rulesets: [`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := extractor.ParseRuleBook([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestRuleBook_DoesNotMutateInput(t *testing.T) {
	in := extractor.Ruleset{ID: "x", Fields: []extractor.Field{{Name: "a", Selector: "p"}}}
	_, err := extractor.NewRuleBook(in)
	require.NoError(t, err)
	assert.Equal(t, extractor.Format(""), in.Fields[0].Format)
}

func TestExtract_Readability(t *testing.T) {
	doc := `<html><head><title>Release notes</title></head><body>
<nav>Home | About</nav>
<article><h1>Release notes</h1>
<p>` + strings.Repeat("This release improves the fetch pipeline considerably. ", 12) + `</p>
<p>` + strings.Repeat("Circuit breakers now track each host separately. ", 12) + `</p>
</article></body></html>`

	rb, err := extractor.ParseRuleBook([]byte(`rulesets: [{id: article, mode: readability}]`))
	require.NoError(t, err)
	rs, err := rb.Get("article")
	require.NoError(t, err)

	got, err := extractor.New().Extract([]byte(doc), rs, "https://example.com/notes")
	require.NoError(t, err)
	assert.Contains(t, got["text"], "Circuit breakers now track each host separately.")
	assert.NotEmpty(t, got["content"])

	_, err = extractor.New().Extract([]byte(`<html><body><p>short</p></body></html>`), rs, "https://example.com/")
	assert.ErrorIs(t, err, extractor.ErrExtractionFailed)
}
