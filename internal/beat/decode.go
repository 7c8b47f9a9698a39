package beat

import "strconv"

// Decode parses a flow into units. Writes can be cut mid-token by a capacity
// limit, so an unparseable tail is dropped instead of failing; the number of
// dropped bytes is returned.
func Decode(flow string, a Alphabet) ([]Unit, int) {
	p := parser{s: flow, a: a}
	var units []Unit
	for p.pos < len(p.s) {
		start := p.pos
		u, ok := p.unit()
		if !ok {
			return units, len(p.s) - start
		}
		units = append(units, u)
		if p.cut >= 0 {
			return units, len(p.s) - p.cut
		}
	}
	return units, 0
}

type parser struct {
	s   string
	a   Alphabet
	pos int
	// cut is set when a unit parsed but trailing repeat data after it did not.
	cut int
}

func (p *parser) unit() (Unit, bool) {
	p.cut = -1
	marker := p.s[p.pos]
	p.pos++
	switch marker {
	case p.a.Time:
		n, ok := p.number()
		return Unit{Kind: KindTime, Ticks: n}, ok
	case p.a.TabRef:
		start := p.pos
		if _, ok := p.number(); !ok {
			return Unit{}, false
		}
		return Unit{Kind: KindTabRef, Token: p.s[start:p.pos]}, true
	case p.a.Page:
		return p.marker(KindPage, true)
	case p.a.Element:
		return p.marker(KindElement, false)
	default:
		return Unit{}, false
	}
}

func (p *parser) marker(kind Kind, loops bool) (Unit, bool) {
	start := p.pos
	if loops {
		for p.pos < len(p.s) && p.s[p.pos] == p.a.Loop {
			p.pos++
		}
	}
	bodyStart := p.pos
	for p.pos < len(p.s) && !p.a.IsMarker(p.s[p.pos]) {
		p.pos++
	}
	if p.pos == bodyStart {
		return Unit{}, false
	}
	u := Unit{Kind: kind, Token: p.s[start:p.pos]}
	for p.pos < len(p.s) && p.s[p.pos] == p.a.Repeat {
		repeatStart := p.pos
		p.pos++
		n, ok := p.number()
		if !ok {
			p.cut = repeatStart
			p.pos = len(p.s)
			break
		}
		u.Repeats = append(u.Repeats, n)
	}
	return u, true
}

func (p *parser) number() (int, bool) {
	start := p.pos
	for p.pos < len(p.s) && p.s[p.pos] >= '0' && p.s[p.pos] <= '9' {
		p.pos++
	}
	if p.pos == start {
		return 0, false
	}
	n, err := strconv.Atoi(p.s[start:p.pos])
	if err != nil {
		return 0, false
	}
	return n, true
}
