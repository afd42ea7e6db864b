package uitree

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Rect is a rectangle in device screen coordinates.
type Rect struct {
	X float64
	Y float64
	W float64
	H float64
}

var (
	coordRe = regexp.MustCompile(`^\{\{\s*(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)\s*\}\s*,\s*\{\s*(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)\s*\}\}$`)
	boundsRe = regexp.MustCompile(`^\[(-?\d+),(-?\d+)\]\[(-?\d+),(-?\d+)\]$`)
)

// ParseRect parses the brace-pair coordinate form {{x, y}, {w, h}}.
func ParseRect(text string) (Rect, error) {
	m := coordRe.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return Rect{}, fmt.Errorf("coordinate must look like {{x, y}, {w, h}}; got '%s'", text)
	}
	vals := make([]float64, 4)
	for i := 0; i < 4; i++ {
		v, err := strconv.ParseFloat(m[i+1], 64)
		if err != nil {
			return Rect{}, fmt.Errorf("coordinate must look like {{x, y}, {w, h}}; got '%s'", text)
		}
		vals[i] = v
	}
	return Rect{X: vals[0], Y: vals[1], W: vals[2], H: vals[3]}, nil
}

// FormatRect renders a rectangle in the brace-pair form. Formatting is
// byte-exact (one decimal place) because callers round-trip the string as an
// opaque element handle.
func FormatRect(x, y, w, h float64) string {
	return fmt.Sprintf("{{%.1f, %.1f}, {%.1f, %.1f}}", x, y, w, h)
}

// String renders r in the brace-pair form.
func (r Rect) String() string {
	return FormatRect(r.X, r.Y, r.W, r.H)
}

// ParseBounds parses the two-corner bracket form [x1,y1][x2,y2] produced by
// the device-side hierarchy dump. A mismatch reports ok=false rather than an
// error; the caller treats missing bounds as "no frame".
func ParseBounds(text string) (Rect, bool) {
	m := boundsRe.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return Rect{}, false
	}
	vals := make([]float64, 4)
	for i := 0; i < 4; i++ {
		v, err := strconv.ParseFloat(m[i+1], 64)
		if err != nil {
			return Rect{}, false
		}
		vals[i] = v
	}
	return Rect{
		X: vals[0],
		Y: vals[1],
		W: math.Max(0, vals[2]-vals[0]),
		H: math.Max(0, vals[3]-vals[1]),
	}, true
}

// Center returns the rectangle's center rounded to the nearest integer pixel.
func (r Rect) Center() (int, int) {
	return int(math.Round(r.X + r.W/2)), int(math.Round(r.Y + r.H/2))
}
