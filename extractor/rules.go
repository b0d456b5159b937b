package extractor

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/andybalholm/cascadia"
	"gopkg.in/yaml.v3"
)

// DefaultRulesetID names the ruleset used when a target names none.
const DefaultRulesetID = "default"

// ErrUnknownRuleset is returned when a target names a ruleset that is not loaded.
var ErrUnknownRuleset = errors.New("unknown extraction ruleset")

// Mode selects how a ruleset reads the document.
type Mode string

const (
	ModeSelectors   Mode = "selectors"
	ModeReadability Mode = "readability"
)

// Format selects how a matched element becomes a value.
type Format string

const (
	FormatText      Format = "text"
	FormatHTML      Format = "html"
	FormatOuterHTML Format = "outer_html"
	FormatMarkdown  Format = "markdown"
)

// Field maps the elements matched by a CSS selector to one output key.
type Field struct {
	Name     string `yaml:"name"`
	Selector string `yaml:"selector"`
	// Attr reads an attribute instead of the element content.
	Attr     string `yaml:"attr,omitempty"`
	Format   Format `yaml:"format,omitempty"`
	Required bool   `yaml:"required,omitempty"`
	Multiple bool   `yaml:"multiple,omitempty"`
	// Fields turns each match into an object evaluated relative to it.
	Fields []Field `yaml:"fields,omitempty"`

	matcher cascadia.Selector
}

// Ruleset is a declarative description of the data to pull from a page.
type Ruleset struct {
	ID   string        `yaml:"id"`
	Mode Mode          `yaml:"mode,omitempty"`
	TTL  time.Duration `yaml:"ttl,omitempty"`
	// Markers must all match for the page to count as having real content.
	// Missing markers trigger browser escalation in auto mode.
	Markers []string `yaml:"markers,omitempty"`
	Fields  []Field  `yaml:"fields"`

	markers []cascadia.Selector
}

type rulesFile struct {
	Rulesets []Ruleset `yaml:"rulesets"`
}

// RuleBook holds compiled rulesets by ID. It is read-only after loading.
type RuleBook struct {
	byID map[string]*Ruleset
}

// DefaultRuleset returns the built-in page metadata ruleset.
func DefaultRuleset() *Ruleset {
	rs := &Ruleset{
		ID: DefaultRulesetID,
		Fields: []Field{
			{Name: "title", Selector: "title"},
			{Name: "description", Selector: `meta[name="description"]`, Attr: "content"},
			{Name: "canonical", Selector: `link[rel="canonical"]`, Attr: "href"},
			{Name: "headings", Selector: "h1", Multiple: true},
		},
	}
	if err := rs.compile(); err != nil {
		panic(err)
	}
	return rs
}

// NewRuleBook compiles rulesets. The built-in default is added unless one of
// the rulesets overrides it.
func NewRuleBook(rulesets ...Ruleset) (*RuleBook, error) {
	rb := &RuleBook{byID: make(map[string]*Ruleset, len(rulesets)+1)}
	for i := range rulesets {
		rs := rulesets[i]
		rs.Fields = cloneFields(rs.Fields)
		if rs.ID == "" {
			return nil, fmt.Errorf("ruleset %d: missing id", i)
		}
		if _, dup := rb.byID[rs.ID]; dup {
			return nil, fmt.Errorf("ruleset %q: duplicate id", rs.ID)
		}
		if err := rs.compile(); err != nil {
			return nil, fmt.Errorf("ruleset %q: %w", rs.ID, err)
		}
		rb.byID[rs.ID] = &rs
	}
	if _, ok := rb.byID[DefaultRulesetID]; !ok {
		rb.byID[DefaultRulesetID] = DefaultRuleset()
	}
	return rb, nil
}

// ParseRuleBook decodes a YAML document of the form `rulesets: [...]`.
func ParseRuleBook(data []byte) (*RuleBook, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode rulesets: %w", err)
	}
	return NewRuleBook(f.Rulesets...)
}

// LoadRuleBook reads rulesets from a YAML file. An empty path yields only
// the built-in default.
func LoadRuleBook(path string) (*RuleBook, error) {
	if path == "" {
		return NewRuleBook()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rulesets: %w", err)
	}
	return ParseRuleBook(data)
}

// Get returns the ruleset for id; "" selects the default.
func (rb *RuleBook) Get(id string) (*Ruleset, error) {
	if id == "" {
		id = DefaultRulesetID
	}
	rs, ok := rb.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRuleset, id)
	}
	return rs, nil
}

// IDs returns the loaded ruleset IDs in sorted order.
func (rb *RuleBook) IDs() []string {
	ids := make([]string, 0, len(rb.byID))
	for id := range rb.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (rs *Ruleset) compile() error {
	switch rs.Mode {
	case "":
		rs.Mode = ModeSelectors
	case ModeSelectors, ModeReadability:
	default:
		return fmt.Errorf("unknown mode %q", rs.Mode)
	}
	if rs.TTL < 0 {
		return fmt.Errorf("negative ttl")
	}
	if rs.Mode == ModeSelectors && len(rs.Fields) == 0 {
		return fmt.Errorf("no fields")
	}

	rs.markers = nil
	for _, m := range rs.Markers {
		sel, err := cascadia.Compile(m)
		if err != nil {
			return fmt.Errorf("marker %q: %w", m, err)
		}
		rs.markers = append(rs.markers, sel)
	}
	return compileFields(rs.Fields, false)
}

func compileFields(fields []Field, nested bool) error {
	seen := make(map[string]struct{}, len(fields))
	for i := range fields {
		f := &fields[i]
		if f.Name == "" {
			return fmt.Errorf("field %d: missing name", i)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("field %q: duplicate name", f.Name)
		}
		seen[f.Name] = struct{}{}

		switch f.Format {
		case "":
			f.Format = FormatText
		case FormatText, FormatHTML, FormatOuterHTML, FormatMarkdown:
		default:
			return fmt.Errorf("field %q: unknown format %q", f.Name, f.Format)
		}

		// Inside an item an empty selector means the item itself.
		if f.Selector == "" {
			if !nested {
				return fmt.Errorf("field %q: missing selector", f.Name)
			}
		} else {
			sel, err := cascadia.Compile(f.Selector)
			if err != nil {
				return fmt.Errorf("field %q: selector %q: %w", f.Name, f.Selector, err)
			}
			f.matcher = sel
		}

		if len(f.Fields) > 0 {
			if f.Attr != "" {
				return fmt.Errorf("field %q: attr and nested fields are exclusive", f.Name)
			}
			if err := compileFields(f.Fields, true); err != nil {
				return fmt.Errorf("field %q: %w", f.Name, err)
			}
		}
	}
	return nil
}

// cloneFields deep-copies fields so compiling never mutates caller data.
func cloneFields(fields []Field) []Field {
	if fields == nil {
		return nil
	}
	out := make([]Field, len(fields))
	for i, f := range fields {
		f.Fields = cloneFields(f.Fields)
		out[i] = f
	}
	return out
}
