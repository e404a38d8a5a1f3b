// seehuhn.de/go/preview - cached PDF page previews
// Copyright (C) 2026  Jochen Voss <voss@seehuhn.de>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package raster fills vector outlines with anti-aliased coverage.
//
// It is used for the decorations drawn by this module itself: placeholder
// frames on sheets and the outlines produced by the wireframe page
// renderer.  Page content is rasterised by a document backend instead.
// Paths can be filled with either winding rule, or stroked with PDF
// line caps, line joins and dash patterns.
package raster

import (
	"cmp"
	"math"
	"slices"

	"seehuhn.de/go/geom/matrix"
	"seehuhn.de/go/geom/path"
	"seehuhn.de/go/geom/rect"
	"seehuhn.de/go/geom/vec"
	"seehuhn.de/go/pdf/graphics"
)

// Rule selects how overlapping subpaths are combined.
type Rule int

const (
	// NonZero fills every point with a nonzero winding number.
	NonZero Rule = iota

	// EvenOdd fills every point with an odd winding number.
	EvenOdd
)

// segment is a non-horizontal line segment in device coordinates.
type segment struct {
	x0, y0 float64
	x1, y1 float64
	dxdy   float64
}

func (s *segment) top() float64    { return min(s.y0, s.y1) }
func (s *segment) bottom() float64 { return max(s.y0, s.y1) }

// Rasteriser converts paths to per-pixel coverage values.
// A Rasteriser is not safe for concurrent use, but it can be reused for
// any number of paths.  Internal buffers are kept between calls.
type Rasteriser struct {
	// CTM maps path coordinates to device pixels.
	CTM matrix.Matrix

	// Clip is the output region in device coordinates.
	// The coordinates must be integers.
	Clip rect.Rect

	// Flatness is the curve flattening tolerance in device pixels.
	Flatness float64

	// Stroke parameters, in user space units where applicable.
	Width      float64
	Cap        graphics.LineCapStyle
	Join       graphics.LineJoinStyle
	MiterLimit float64
	Dash       []float64
	DashPhase  float64

	segs   []segment
	active []int
	cover  []float32
	area   []float32
	cuts   []float64

	bbox  rect.Rect
	empty bool

	strokeState
}

// NewRasteriser returns a Rasteriser with the identity CTM, the given
// clip rectangle and the PDF default stroke parameters.
func NewRasteriser(clip rect.Rect) *Rasteriser {
	r := &Rasteriser{}
	r.Reset(clip)
	return r
}

// Reset restores the default parameters and sets a new clip rectangle.
// Buffer capacity is retained.
func (r *Rasteriser) Reset(clip rect.Rect) {
	r.CTM = matrix.Identity
	r.Clip = clip
	r.Flatness = defaultFlatness
	r.Width = 1
	r.Cap = graphics.LineCapButt
	r.Join = graphics.LineJoinMiter
	r.MiterLimit = defaultMiterLimit
	r.Dash = nil
	r.DashPhase = 0
	r.segs = r.segs[:0]
	r.active = r.active[:0]
}

// FillNonZero rasterises p using the nonzero winding rule.
// Coverage is delivered one scanline at a time; the slice passed to emit
// is only valid during the call.
func (r *Rasteriser) FillNonZero(p path.Path, emit func(y, xMin int, coverage []float32)) {
	r.fill(p, NonZero, emit)
}

// FillEvenOdd rasterises p using the even-odd rule.
// Coverage is delivered one scanline at a time; the slice passed to emit
// is only valid during the call.
func (r *Rasteriser) FillEvenOdd(p path.Path, emit func(y, xMin int, coverage []float32)) {
	r.fill(p, EvenOdd, emit)
}

// Fill rasterises p with the given rule.
func (r *Rasteriser) Fill(p path.Path, rule Rule, emit func(y, xMin int, coverage []float32)) {
	r.fill(p, rule, emit)
}

func (r *Rasteriser) fill(p path.Path, rule Rule, emit func(y, xMin int, coverage []float32)) {
	r.begin()
	r.flatten(p)
	r.scan(rule, emit)
}

// begin discards the segments of the previous path.
func (r *Rasteriser) begin() {
	r.segs = r.segs[:0]
	r.empty = true
}

// scan computes the coverage of the segments collected since the last
// call to begin.
func (r *Rasteriser) scan(rule Rule, emit func(y, xMin int, coverage []float32)) {
	xMin, xMax, yMin, yMax, ok := r.bounds()
	if !ok {
		return
	}
	width := xMax - xMin
	r.cover = slices.Grow(r.cover[:0], width)[:width]
	r.area = slices.Grow(r.area[:0], width)[:width]

	slices.SortFunc(r.segs, func(a, b segment) int {
		return cmp.Compare(a.top(), b.top())
	})

	r.active = r.active[:0]
	next := 0
	for y := yMin; y < yMax; y++ {
		lo, hi := float64(y), float64(y+1)

		for next < len(r.segs) && r.segs[next].top() < hi {
			r.active = append(r.active, next)
			next++
		}

		// retire segments which ended above this scanline
		k := 0
		for _, idx := range r.active {
			if r.segs[idx].bottom() > lo {
				r.active[k] = idx
				k++
			}
		}
		r.active = r.active[:k]
		if k == 0 {
			continue
		}

		clear(r.cover)
		clear(r.area)
		for _, idx := range r.active {
			r.accumulate(&r.segs[idx], y, xMin, xMax)
		}

		if rule == NonZero {
			integrateNonZero(r.cover, r.area)
		} else {
			integrateEvenOdd(r.cover, r.area)
		}
		if run, offs := trim(r.cover); run != nil {
			emit(y, xMin+offs, run)
		}
	}
}

// flatten converts p into line segments in device space.  Open subpaths
// are closed implicitly.
func (r *Rasteriser) flatten(p path.Path) {
	var cur, start vec.Vec2
	for cmd, pts := range p {
		switch cmd {
		case path.CmdMoveTo:
			if cur != start {
				r.line(cur, start)
			}
			cur = pts[0]
			start = cur
		case path.CmdLineTo:
			r.line(cur, pts[0])
			cur = pts[0]
		case path.CmdQuadTo:
			r.quad(cur, pts[0], pts[1], r.line)
			cur = pts[1]
		case path.CmdCubeTo:
			r.cubic(cur, pts[0], pts[1], pts[2], r.line)
			cur = pts[2]
		case path.CmdClose:
			if cur != start {
				r.line(cur, start)
			}
			cur = start
		}
	}
	if cur != start {
		r.line(cur, start)
	}
}

// bounds returns the integer bounding box of the collected segments,
// clipped to r.Clip.
func (r *Rasteriser) bounds() (xMin, xMax, yMin, yMax int, ok bool) {
	if r.empty {
		return 0, 0, 0, 0, false
	}
	xMin = max(int(math.Floor(r.bbox.LLx)), int(r.Clip.LLx))
	xMax = min(int(math.Floor(r.bbox.URx))+1, int(r.Clip.URx))
	yMin = max(int(math.Floor(r.bbox.LLy)), int(r.Clip.LLy))
	yMax = min(int(math.Floor(r.bbox.URy))+1, int(r.Clip.URy))
	if xMin >= xMax || yMin >= yMax {
		return 0, 0, 0, 0, false
	}
	return xMin, xMax, yMin, yMax, true
}

// line appends the device space image of the segment a-b.
func (r *Rasteriser) line(a, b vec.Vec2) {
	m := r.CTM
	x0 := m[0]*a.X + m[2]*a.Y + m[4]
	y0 := m[1]*a.X + m[3]*a.Y + m[5]
	x1 := m[0]*b.X + m[2]*b.Y + m[4]
	y1 := m[1]*b.X + m[3]*b.Y + m[5]

	dy := y1 - y0
	if math.Abs(dy) < horizontalThreshold {
		return
	}
	r.segs = append(r.segs, segment{x0: x0, y0: y0, x1: x1, y1: y1, dxdy: (x1 - x0) / dy})

	if r.empty {
		r.bbox = rect.Rect{LLx: min(x0, x1), LLy: min(y0, y1), URx: max(x0, x1), URy: max(y0, y1)}
		r.empty = false
		return
	}
	r.bbox.LLx = min(r.bbox.LLx, x0, x1)
	r.bbox.LLy = min(r.bbox.LLy, y0, y1)
	r.bbox.URx = max(r.bbox.URx, x0, x1)
	r.bbox.URy = max(r.bbox.URy, y0, y1)
}

// deviceLength returns the length of v after applying the linear part of
// the CTM.
func (r *Rasteriser) deviceLength(v vec.Vec2) float64 {
	m := r.CTM
	return math.Hypot(m[0]*v.X+m[2]*v.Y, m[1]*v.X+m[3]*v.Y)
}

// quad splits a quadratic Bézier curve into chords which deviate from
// the curve by at most r.Flatness device pixels, and passes them to emit.
func (r *Rasteriser) quad(p0, p1, p2 vec.Vec2, emit func(a, b vec.Vec2)) {
	dev := r.deviceLength(p0.Sub(p1.Mul(2)).Add(p2).Mul(0.25))
	n := 1
	if dev > r.Flatness {
		n = int(math.Ceil(math.Sqrt(dev / r.Flatness)))
	}
	prev := p0
	for i := 1; i <= n; i++ {
		t := float64(i) / float64(n)
		s := 1 - t
		pt := p0.Mul(s * s).Add(p1.Mul(2 * s * t)).Add(p2.Mul(t * t))
		emit(prev, pt)
		prev = pt
	}
}

// cubic is like quad, but for cubic Bézier curves.
func (r *Rasteriser) cubic(p0, p1, p2, p3 vec.Vec2, emit func(a, b vec.Vec2)) {
	// Wang's formula
	dev := max(r.deviceLength(p0.Sub(p1.Mul(2)).Add(p2)), r.deviceLength(p1.Sub(p2.Mul(2)).Add(p3)))
	n := 1
	if nf := math.Sqrt(3 * dev / (4 * r.Flatness)); nf > 1 {
		n = int(math.Ceil(nf))
	}
	prev := p0
	for i := 1; i <= n; i++ {
		t := float64(i) / float64(n)
		s := 1 - t
		pt := p0.Mul(s * s * s).
			Add(p1.Mul(3 * s * s * t)).
			Add(p2.Mul(3 * s * t * t)).
			Add(p3.Mul(t * t * t))
		emit(prev, pt)
		prev = pt
	}
}

// Each pixel of a scanline collects two numbers.  cover is the signed
// height of all segment pieces inside the pixel column, area is the part
// of that height lying to the right of the segment within the pixel.
// Walking the scanline left to right, the coverage of pixel i is the sum
// of cover over all pixels left of i, plus area[i].  Pieces left of the
// scanline window are folded into pixel 0.

// accumulate adds the contribution of s to scanline y.
func (r *Rasteriser) accumulate(s *segment, y, xMin, xMax int) {
	yTop := max(float64(y), s.top())
	yBot := min(float64(y+1), s.bottom())
	if yBot <= yTop {
		return
	}
	sign := float32(1)
	if s.y1 < s.y0 {
		sign = -1
	}

	xa := s.x0 + s.dxdy*(yTop-s.y0)
	xb := s.x0 + s.dxdy*(yBot-s.y0)
	left := int(math.Floor(min(xa, xb)))
	right := int(math.Floor(max(xa, xb)))
	if left >= xMax {
		return
	}

	r.cuts = append(r.cuts[:0], yTop, yBot)
	if left != right {
		dydx := 1 / s.dxdy
		for x := left + 1; x <= right; x++ {
			yx := s.y0 + dydx*(float64(x)-s.x0)
			if yx > yTop && yx < yBot {
				r.cuts = append(r.cuts, yx)
			}
		}
		slices.Sort(r.cuts)
	}

	for i := 1; i < len(r.cuts); i++ {
		ya, yb := r.cuts[i-1], r.cuts[i]
		if yb <= ya {
			continue
		}
		c := sign * float32(yb-ya)
		xm := s.x0 + s.dxdy*((ya+yb)/2-s.y0)
		px := int(math.Floor(xm))
		switch {
		case px < xMin:
			r.cover[0] += c
			r.area[0] += c
		case px < xMax:
			r.cover[px-xMin] += c
			r.area[px-xMin] += c * float32(1-(xm-float64(px)))
		}
	}
}

// integrateNonZero turns cover/area into coverage, in place in cover.
func integrateNonZero(cover, area []float32) {
	var run float32
	for i := range cover {
		v := run + area[i]
		run += cover[i]
		if v < 0 {
			v = -v
		}
		cover[i] = min(v, 1)
	}
}

// integrateEvenOdd turns cover/area into coverage, in place in cover.
func integrateEvenOdd(cover, area []float32) {
	var run float32
	for i := range cover {
		v := run + area[i]
		run += cover[i]
		if v < 0 {
			v = -v
		}
		v -= 2 * float32(int(v/2))
		if v > 1 {
			v = 2 - v
		}
		cover[i] = v
	}
}

// trim strips zero coverage from both ends of a scanline.
func trim(cov []float32) ([]float32, int) {
	lo, hi := 0, len(cov)
	for lo < hi && cov[lo] == 0 {
		lo++
	}
	if lo == hi {
		return nil, 0
	}
	for cov[hi-1] == 0 {
		hi--
	}
	return cov[lo:hi], lo
}

const (
	// defaultFlatness is the curve flattening tolerance in device pixels.
	// A quarter pixel is below what is visible at preview resolutions.
	defaultFlatness = 0.25

	// horizontalThreshold is the smallest vertical extent of a segment
	// which contributes coverage.
	horizontalThreshold = 1e-10

	// defaultMiterLimit is the PDF default.  Miter joins turn into bevels
	// at corners sharper than about 11.5 degrees.
	defaultMiterLimit = 10.0
)
