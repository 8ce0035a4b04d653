package status

import (
	"fmt"
	"strings"
)

const barCells = 12

// Bar draws percent as a 12-cell gauge followed by the value, e.g.
// "[■■■■■■□□□□□□] 50.00%". Values outside 0..100 are clamped for the gauge only.
func Bar(percent float64) string {
	p := percent
	if p < 0 || p != p {
		p = 0
	}

	if p > 100 {
		p = 100
	}

	filled := int(barCells * p / 100)

	return fmt.Sprintf("[%s%s] %.2f%%", strings.Repeat("■", filled), strings.Repeat("□", barCells-filled), percent)
}

// Percent returns done/total as a percentage, or 0 when total is unknown.
func Percent(done, total int64) float64 {
	if total <= 0 {
		return 0
	}

	return float64(done) * 100 / float64(total)
}
