package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNeedsBrowser(t *testing.T) {
	article := "<html><body><article>" + strings.Repeat("Real server-rendered prose. ", 30) + "</article></body></html>"

	tests := []struct {
		name string
		body string
		want bool
	}{
		{"server rendered", article, false},
		{"empty root", `<html><body><div id="root"></div>` + strings.Repeat("<p>filler text here</p>", 30) + `</body></html>`, true},
		{"tiny body", `<html><body><p>Loading…</p></body></html>`, true},
		{"noscript warning", `<html><body><noscript>You need to enable JavaScript to run this app.</noscript>` + strings.Repeat("<p>text</p>", 60) + `</body></html>`, true},
		{"json is not html", `{"data":{"question":{"title":"Two Sum"}}}`, false},
		{"script heavy", `<html><head>` + strings.Repeat(`<script src="x.js"></script>`, 12) + `</head><body>` + strings.Repeat("word ", 60) + `</body></html>`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NeedsBrowser([]byte(tt.body)))
		})
	}
}

func TestVisibleText(t *testing.T) {
	body := `<html><head><title>T</title><style>p{}</style></head><body><p>Hello</p><script>var x=1</script><p>World</p></body></html>`
	assert.Equal(t, "Hello World", VisibleText([]byte(body)))
}

func TestIsTrackerDomain(t *testing.T) {
	assert.True(t, isTrackerDomain("pagead2.googlesyndication.com"))
	assert.True(t, isTrackerDomain("DoubleClick.net"))
	assert.False(t, isTrackerDomain("example.com"))
	assert.False(t, isTrackerDomain(""))
}

func TestBlockPolicy(t *testing.T) {
	bp := newBlockPolicy([]string{"Image", "Bogus"}, false)
	assert.False(t, bp.empty())
	assert.Len(t, bp.types, 1)
	assert.True(t, newBlockPolicy(nil, false).empty())
	assert.False(t, newBlockPolicy(nil, true).empty())
}
