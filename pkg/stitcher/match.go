package stitcher

import (
	"bytes"
	"image"
	"math"
)

// maxSampleCols bounds how many columns the correlation samples per row.
const maxSampleCols = 256

// matchOverlap locates the bottom overlapPx strip of acc inside the top
// 2*overlapPx strip of shot using normalized cross-correlation. It returns
// the row offset of the best match in shot and the match score in [-1, 1].
func matchOverlap(acc, shot *image.RGBA, overlapPx int) (int, float64) {
	accH := acc.Bounds().Dy()
	shotH := shot.Bounds().Dy()
	w := shot.Bounds().Dx()

	tplH := overlapPx
	if tplH > accH {
		tplH = accH
	}
	windowH := 2 * overlapPx
	if windowH > shotH {
		windowH = shotH
	}
	if tplH < 1 || windowH < tplH {
		return 0, 0
	}

	colStep := w / maxSampleCols
	if colStep < 1 {
		colStep = 1
	}

	tpl := grayRows(acc, accH-tplH, accH, colStep)
	win := grayRows(shot, 0, windowH, colStep)

	// Template sums are offset-independent.
	var sa, saa float64
	for _, row := range tpl {
		for _, v := range row {
			sa += v
			saa += v * v
		}
	}
	n := float64(len(tpl) * len(tpl[0]))
	varA := saa - sa*sa/n

	bestOffset, bestScore := 0, math.Inf(-1)
	for dy := 0; dy+tplH <= windowH; dy++ {
		var sb, sbb, sab float64
		for ty := 0; ty < tplH; ty++ {
			trow := tpl[ty]
			wrow := win[dy+ty]
			for i, a := range trow {
				b := wrow[i]
				sb += b
				sbb += b * b
				sab += a * b
			}
		}
		varB := sbb - sb*sb/n
		cov := sab - sa*sb/n

		var score float64
		if varA > 1e-9 && varB > 1e-9 {
			score = cov / math.Sqrt(varA*varB)
		}
		if score > bestScore {
			bestScore = score
			bestOffset = dy
		}
	}
	if math.IsInf(bestScore, -1) {
		return 0, 0
	}
	return bestOffset, bestScore
}

// grayRows converts rows [y0,y1) of img to luminance values, sampling
// every colStep-th column.
func grayRows(img *image.RGBA, y0, y1, colStep int) [][]float64 {
	b := img.Bounds()
	w := b.Dx()
	cols := (w + colStep - 1) / colStep

	out := make([][]float64, y1-y0)
	for y := y0; y < y1; y++ {
		row := make([]float64, cols)
		for i, x := 0, 0; x < w; i, x = i+1, x+colStep {
			off := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			r := float64(img.Pix[off])
			g := float64(img.Pix[off+1])
			bl := float64(img.Pix[off+2])
			row[i] = 0.299*r + 0.587*g + 0.114*bl
		}
		out[y-y0] = row
	}
	return out
}

// framesEqual reports whether two captures are pixel-identical.
func framesEqual(a, b *image.RGBA) bool {
	if a.Bounds().Dx() != b.Bounds().Dx() || a.Bounds().Dy() != b.Bounds().Dy() {
		return false
	}
	w, h := a.Bounds().Dx(), a.Bounds().Dy()
	for y := 0; y < h; y++ {
		ao := a.PixOffset(a.Bounds().Min.X, a.Bounds().Min.Y+y)
		bo := b.PixOffset(b.Bounds().Min.X, b.Bounds().Min.Y+y)
		if !bytes.Equal(a.Pix[ao:ao+w*4], b.Pix[bo:bo+w*4]) {
			return false
		}
	}
	return true
}
