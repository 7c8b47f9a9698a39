package logger

import (
	"fmt"

	"github.com/fatih/color"

	"github.com/harrison/rhythm/internal/store"
)

// colorScheme defines consistent colors for session states.
// Green: open sessions still recording
// Yellow: closed sessions awaiting a batch
// Red: blocked sessions that will be discarded
type colorScheme struct {
	enabled bool
	open    *color.Color
	closed  *color.Color
	blocked *color.Color
}

func newColorScheme(enabled bool) *colorScheme {
	return &colorScheme{
		enabled: enabled,
		open:    color.New(color.FgGreen),
		closed:  color.New(color.FgYellow),
		blocked: color.New(color.FgRed),
	}
}

// state renders a state name padded to a fixed width so gauges line up.
func (cs *colorScheme) state(s store.State) string {
	name := fmt.Sprintf("%-7s", s.String())
	if !cs.enabled {
		return name
	}
	switch s {
	case store.StateOpen:
		return cs.open.Sprint(name)
	case store.StateClosed:
		return cs.closed.Sprint(name)
	default:
		return cs.blocked.Sprint(name)
	}
}
