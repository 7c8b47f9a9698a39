package beat

import (
	"strconv"

	"github.com/valyala/bytebufferpool"
)

// Kind identifies the type of a flow unit.
type Kind int

const (
	// KindPage is a page view marker.
	KindPage Kind = iota
	// KindElement is an element activation marker.
	KindElement
	// KindTime is an elapsed-ticks unit.
	KindTime
	// KindTabRef points at another tab's session slot.
	KindTabRef
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindPage:
		return "page"
	case KindElement:
		return "element"
	case KindTime:
		return "time"
	case KindTabRef:
		return "tab"
	default:
		return "unknown"
	}
}

// Unit is one entry of a behavior flow. Markers (page, element) may carry
// Repeats, the tick gaps of fold-compressed repetitions of the same marker.
type Unit struct {
	Kind    Kind
	Token   string
	Ticks   int
	Repeats []int
}

// Slot returns the referenced slot number of a KindTabRef unit.
func (u Unit) Slot() int {
	if u.Kind != KindTabRef {
		return 0
	}
	n, _ := strconv.Atoi(u.Token)
	return n
}

func (u Unit) writeTo(buf *bytebufferpool.ByteBuffer, a Alphabet) {
	switch u.Kind {
	case KindTime:
		buf.WriteByte(a.Time)
		buf.WriteString(strconv.Itoa(u.Ticks))
		return
	case KindTabRef:
		buf.WriteByte(a.TabRef)
		buf.WriteString(u.Token)
		return
	case KindPage:
		buf.WriteByte(a.Page)
	case KindElement:
		buf.WriteByte(a.Element)
	}
	buf.WriteString(u.Token)
	for _, r := range u.Repeats {
		buf.WriteByte(a.Repeat)
		buf.WriteString(strconv.Itoa(r))
	}
}

// Encode concatenates units into a flow string.
func Encode(units []Unit, a Alphabet) string {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	for _, u := range units {
		u.writeTo(buf, a)
	}
	return buf.String()
}

// Expand flattens repeat-compressed markers into the plain time-ordered
// stream they stand for.
func Expand(units []Unit) []Unit {
	out := make([]Unit, 0, len(units))
	for _, u := range units {
		if len(u.Repeats) == 0 {
			out = append(out, u)
			continue
		}
		out = append(out, Unit{Kind: u.Kind, Token: u.Token})
		for _, r := range u.Repeats {
			out = append(out, Unit{Kind: KindTime, Ticks: r})
			out = append(out, Unit{Kind: u.Kind, Token: u.Token})
		}
	}
	return out
}

// TotalTicks sums every elapsed tick in units, including repeat gaps.
func TotalTicks(units []Unit) int {
	total := 0
	for _, u := range units {
		total += u.Ticks
		for _, r := range u.Repeats {
			total += r
		}
	}
	return total
}
