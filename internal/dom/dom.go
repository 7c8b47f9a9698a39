// Package dom derives BEAT element tokens from HTML element nodes.
//
// An element token is the element's depth below the document root, its tag
// name and its 1-based index among same-tag siblings, e.g. "3button2".
// Elements matching a configured CSS selector, directly or through an
// ancestor, use the selector's literal token instead.
package dom

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// ErrInvalidSelector is returned when a literal mapping selector does not compile.
var ErrInvalidSelector = errors.New("invalid element selector")

type literal struct {
	selector string
	matcher  cascadia.Sel
	token    string
}

// Mapper resolves element nodes to tokens.
type Mapper struct {
	literals []literal
}

// NewMapper compiles a selector→token table. Selectors are tried in sorted
// order so the result does not depend on map iteration.
func NewMapper(table map[string]string) (*Mapper, error) {
	selectors := make([]string, 0, len(table))
	for sel := range table {
		selectors = append(selectors, sel)
	}
	sort.Strings(selectors)

	m := &Mapper{}
	for _, sel := range selectors {
		compiled, err := cascadia.Parse(sel)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidSelector, sel, err)
		}
		m.literals = append(m.literals, literal{selector: sel, matcher: compiled, token: table[sel]})
	}
	return m, nil
}

// Token returns the token for target. The boolean is false when target is
// not an element node.
func (m *Mapper) Token(target *html.Node) (string, bool) {
	if target == nil || target.Type != html.ElementNode {
		return "", false
	}
	if m != nil && len(m.literals) > 0 {
		for n := target; n != nil && n.Type == html.ElementNode; n = n.Parent {
			for _, l := range m.literals {
				if l.matcher.Match(n) {
					return l.token, true
				}
			}
		}
	}
	return Depth(target) + Tag(target) + SiblingIndex(target), true
}

// Depth returns the number of element ancestors of n as a decimal string.
func Depth(n *html.Node) string {
	depth := 0
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode {
			depth++
		}
	}
	return strconv.Itoa(depth)
}

// Tag returns the lowercase tag name with characters outside [a-z0-9-]
// removed so the token stays delimiter-safe.
func Tag(n *html.Node) string {
	var b strings.Builder
	for _, r := range strings.ToLower(n.Data) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SiblingIndex returns the 1-based position of n among its parent's element
// children with the same tag.
func SiblingIndex(n *html.Node) string {
	index := 1
	for s := n.PrevSibling; s != nil; s = s.PrevSibling {
		if s.Type == html.ElementNode && s.Data == n.Data {
			index++
		}
	}
	return strconv.Itoa(index)
}

// Element is a decoded element token.
type Element struct {
	Depth int
	Tag   string
	Index int
}

// ParseElement splits a generated element token. Heading tags (h1-h6) end in
// a digit, which is resolved in favour of the tag. Literal tokens do not
// parse and return false.
func ParseElement(token string) (Element, bool) {
	i := 0
	for i < len(token) && isDigit(token[i]) {
		i++
	}
	if i == 0 {
		return Element{}, false
	}
	depth, _ := strconv.Atoi(token[:i])

	j := len(token)
	for j > i && isDigit(token[j-1]) {
		j--
	}
	if j == i || j == len(token) {
		return Element{}, false
	}
	tag := token[i:j]
	if tag == "h" && len(token)-j >= 2 && token[j] >= '1' && token[j] <= '6' {
		tag += token[j : j+1]
		j++
	}
	index, _ := strconv.Atoi(token[j:])
	if index < 1 {
		return Element{}, false
	}
	return Element{Depth: depth, Tag: tag, Index: index}, true
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
