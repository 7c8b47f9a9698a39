package dom

import (
	"strings"
	"testing"

	"github.com/andybalholm/cascadia"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

const page = `<html><body>
<nav id="menu"><a href="/">Home</a><a href="/about">About</a><span>x</span><a href="/blog">Blog</a></nav>
<div class="card"><p>one</p><button>Buy</button></div>
<h2>Title</h2>
</body></html>`

func parse(t *testing.T) *html.Node {
	t.Helper()
	doc, err := html.Parse(strings.NewReader(page))
	require.NoError(t, err)
	return doc
}

func find(t *testing.T, doc *html.Node, selector string) *html.Node {
	t.Helper()
	sel, err := cascadia.Parse(selector)
	require.NoError(t, err)
	n := cascadia.Query(doc, sel)
	require.NotNil(t, n, "no match for %s", selector)
	return n
}

func TestToken_Structural(t *testing.T) {
	doc := parse(t)
	m, err := NewMapper(nil)
	require.NoError(t, err)

	tests := []struct {
		selector string
		want     string
	}{
		{"body", "1body1"},
		{"nav > a:nth-of-type(1)", "3a1"},
		{"nav > a:nth-of-type(3)", "3a3"},
		{"nav > span", "3span1"},
		{"div.card > button", "3button1"},
		{"h2", "2h21"},
	}
	for _, tt := range tests {
		t.Run(tt.selector, func(t *testing.T) {
			token, ok := m.Token(find(t, doc, tt.selector))
			require.True(t, ok)
			assert.Equal(t, tt.want, token)
		})
	}
}

func TestToken_LiteralMatchesAncestor(t *testing.T) {
	doc := parse(t)
	m, err := NewMapper(map[string]string{
		"#menu":   "nav",
		".card p": "cardtext",
	})
	require.NoError(t, err)

	token, ok := m.Token(find(t, doc, "nav > a:nth-of-type(2)"))
	require.True(t, ok)
	assert.Equal(t, "nav", token)

	token, _ = m.Token(find(t, doc, ".card > p"))
	assert.Equal(t, "cardtext", token)

	token, _ = m.Token(find(t, doc, ".card > button"))
	assert.Equal(t, "3button1", token)
}

func TestToken_NonElement(t *testing.T) {
	m, _ := NewMapper(nil)
	_, ok := m.Token(nil)
	assert.False(t, ok)
	_, ok = m.Token(&html.Node{Type: html.TextNode, Data: "x"})
	assert.False(t, ok)
}

func TestNewMapper_InvalidSelector(t *testing.T) {
	_, err := NewMapper(map[string]string{"[[": "x"})
	assert.ErrorIs(t, err, ErrInvalidSelector)
}

func TestParseElement(t *testing.T) {
	tests := []struct {
		token string
		want  Element
		ok    bool
	}{
		{"3button2", Element{Depth: 3, Tag: "button", Index: 2}, true},
		{"12div10", Element{Depth: 12, Tag: "div", Index: 10}, true},
		{"2h21", Element{Depth: 2, Tag: "h2", Index: 1}, true},
		{"4my-widget1", Element{Depth: 4, Tag: "my-widget", Index: 1}, true},
		{"nav", Element{}, false},
		{"3div", Element{}, false},
		{"42", Element{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			got, ok := ParseElement(tt.token)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
