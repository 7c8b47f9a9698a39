package logger

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
)

// Gauge renders how much of a slot's byte cap a record uses.
// Format: "[=====     ] 2000/4000 B (50%)"
type Gauge struct {
	used  int
	limit int
	width int
	color bool
}

// NewGauge creates a gauge. A width below 1 defaults to 10 and a limit
// below 1 is treated as 1.
func NewGauge(used, limit, width int, useColor bool) *Gauge {
	if width < 1 {
		width = 10
	}
	if limit < 1 {
		limit = 1
	}
	if used < 0 {
		used = 0
	}
	return &Gauge{used: used, limit: limit, width: width, color: useColor}
}

// Percent returns usage as a whole percentage, capped at 100.
func (g *Gauge) Percent() int {
	p := g.used * 100 / g.limit
	if p > 100 {
		return 100
	}
	return p
}

// Render returns the gauge line. The bar turns yellow past 75% and red
// once the cap is reached.
func (g *Gauge) Render() string {
	filled := g.used * g.width / g.limit
	if filled > g.width {
		filled = g.width
	}
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", g.width-filled)
	if g.color {
		bar = g.barColor().Sprint(bar)
	}
	return fmt.Sprintf("[%s] %d/%d B (%d%%)", bar, g.used, g.limit, g.Percent())
}

func (g *Gauge) barColor() *color.Color {
	switch p := g.Percent(); {
	case p >= 100:
		return color.New(color.FgRed)
	case p > 75:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgGreen)
	}
}
