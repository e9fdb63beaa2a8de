//go:build uifrontend

package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
)

// generateTrayIcon draws a 22x22 template icon: a ring around a play
// triangle. macOS tints template icons for the menu bar theme.
func generateTrayIcon() []byte {
	const size = 22
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			if inIcon(float64(x)+0.5, float64(y)+0.5) {
				img.SetNRGBA(x, y, color.NRGBA{A: 255})
			}
		}
	}
	var buf bytes.Buffer
	png.Encode(&buf, img)
	return buf.Bytes()
}

func inIcon(px, py float64) bool {
	const (
		c     = 11.0
		outer = 10.0
		inner = 8.0
	)
	r := math.Hypot(px-c, py-c)
	if r <= outer && r >= inner {
		return true
	}
	// Triangle pointing right, x from 8 to 16.
	if px < 8 || px > 16 {
		return false
	}
	half := 5 * (16 - px) / 8
	return math.Abs(py-c) <= half
}
