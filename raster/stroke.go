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

package raster

import (
	"math"
	"slices"

	"seehuhn.de/go/geom/path"
	"seehuhn.de/go/geom/vec"
	"seehuhn.de/go/pdf/graphics"
)

// edge is a piece of a flattened path in user space.
type edge struct {
	a, b vec.Vec2
	t    vec.Vec2 // unit tangent from a to b
	n    vec.Vec2 // t rotated by 90° counterclockwise
}

// run is a range of connected edges: a subpath or a single dash.
type run struct {
	start, end int
	closed     bool
}

// strokeState holds the buffers of the stroker.  They are kept between
// calls to avoid allocations.
type strokeState struct {
	edges []edge
	runs  []run
	dots  []vec.Vec2

	dashEdges []edge
	dashRuns  []run

	outline []vec.Vec2
	polys   []int
}

// Stroke fills the area covered by a pen of r.Width moving along p.
// Line ends and corners are drawn according to r.Cap, r.Join and
// r.MiterLimit.  If r.Dash is non-empty, the path is broken into dashes
// first.  Coverage is delivered like for Fill.
func (r *Rasteriser) Stroke(p path.Path, emit func(y, xMin int, coverage []float32)) {
	r.collectEdges(p)

	r.outline = r.outline[:0]
	r.polys = r.polys[:0]

	// All polygons wind clockwise, so that overlapping pieces never
	// cancel out.  A subpath without extent only shows up with round caps.
	if r.Cap == graphics.LineCapRound {
		for _, pt := range r.dots {
			start := len(r.outline)
			r.arc(pt, r.Width/2, vec.Vec2{X: 1}, -2*math.Pi, true)
			r.endPolygon(start)
		}
	}

	edges, runs := r.edges, r.runs
	if len(r.Dash) > 0 {
		r.applyDash()
		edges, runs = r.dashEdges, r.dashRuns
	}
	for _, rn := range runs {
		seq := edges[rn.start:rn.end]
		start := len(r.outline)
		if len(seq) == 1 && seq[0].a == seq[0].b {
			// zero-length dash
			switch r.Cap {
			case graphics.LineCapRound:
				r.arc(seq[0].a, r.Width/2, vec.Vec2{X: 1}, -2*math.Pi, true)
			case graphics.LineCapSquare:
				r.square(seq[0].a, seq[0].t, r.Width/2)
			}
		} else {
			r.outlineRun(seq, rn.closed)
		}
		r.endPolygon(start)
	}

	r.begin()
	for i, start := range r.polys {
		end := len(r.outline)
		if i+1 < len(r.polys) {
			end = r.polys[i+1]
		}
		poly := r.outline[start:end]
		for j := 1; j < len(poly); j++ {
			r.line(poly[j-1], poly[j])
		}
		r.line(poly[len(poly)-1], poly[0])
	}
	r.scan(NonZero, emit)
}

// endPolygon keeps the outline points from start on as a new polygon, or
// drops them if they cannot enclose any area.
func (r *Rasteriser) endPolygon(start int) {
	if len(r.outline)-start < 3 {
		r.outline = r.outline[:start]
		return
	}
	r.polys = append(r.polys, start)
}

// collectEdges flattens p into r.edges.  Subpaths which have no
// direction are recorded in r.dots.
func (r *Rasteriser) collectEdges(p path.Path) {
	r.edges = r.edges[:0]
	r.runs = r.runs[:0]
	r.dots = r.dots[:0]

	var cur, start vec.Vec2
	first := 0
	open := false
	drawn := false

	finish := func(closed bool) {
		switch {
		case len(r.edges) > first:
			r.runs = append(r.runs, run{start: first, end: len(r.edges), closed: closed})
		case drawn || closed:
			r.dots = append(r.dots, start)
		}
		first = len(r.edges)
		open = false
		drawn = false
	}

	for cmd, pts := range p {
		if cmd == path.CmdMoveTo {
			if open {
				finish(false)
			}
			cur = pts[0]
			start = cur
			first = len(r.edges)
			open = true
			continue
		}
		if !open {
			continue
		}
		switch cmd {
		case path.CmdLineTo:
			r.addEdge(cur, pts[0])
			cur = pts[0]
		case path.CmdQuadTo:
			r.quad(cur, pts[0], pts[1], r.addEdge)
			cur = pts[1]
		case path.CmdCubeTo:
			r.cubic(cur, pts[0], pts[1], pts[2], r.addEdge)
			cur = pts[2]
		case path.CmdClose:
			if cur != start {
				r.addEdge(cur, start)
			}
			cur = start
			finish(true)
			continue
		}
		drawn = true
	}
	if open {
		finish(false)
	}
}

func (r *Rasteriser) addEdge(a, b vec.Vec2) {
	d := b.Sub(a)
	l := d.Length()
	if l < zeroLengthThreshold {
		return
	}
	t := d.Mul(1 / l)
	r.edges = append(r.edges, edge{a: a, b: b, t: t, n: vec.Vec2{X: -t.Y, Y: t.X}})
}

// turn returns the sine of the angle from direction t1 to t2.
// Positive values are counterclockwise turns.
func turn(t1, t2 vec.Vec2) float64 {
	return t1.X*t2.Y - t1.Y*t2.X
}

// outlineRun appends the outline of one run as a single polygon.  The
// polygon goes forward along the +n side and comes back along the -n
// side.  Joins are added on the outer side of each corner, on the inner
// side the two offset lines are cut at their intersection.
func (r *Rasteriser) outlineRun(seq []edge, closed bool) {
	if len(seq) == 0 {
		return
	}
	d := r.Width / 2
	first, last := &seq[0], &seq[len(seq)-1]

	if closed {
		// +n side, including the corner where the path closes
		r.outline = append(r.outline, first.a.Add(first.n.Mul(d)))
		for i := range seq {
			e := &seq[i]
			next := first
			if i+1 < len(seq) {
				next = &seq[i+1]
			}
			r.corner(e, next, d, true, true)
		}
		// -n side, backwards
		r.corner(last, first, d, false, true)
		for i := len(seq) - 1; i > 0; i-- {
			r.corner(&seq[i-1], &seq[i], d, false, true)
		}
		r.outline = append(r.outline, first.a.Sub(first.n.Mul(d)))
		return
	}

	r.endCap(first.a, first.t.Neg(), d)
	skip := false
	for i := range seq {
		e := &seq[i]
		if !skip {
			r.outline = append(r.outline, e.a.Add(e.n.Mul(d)))
		}
		skip = false
		if i+1 < len(seq) {
			skip = r.corner(e, &seq[i+1], d, true, false)
		} else {
			r.outline = append(r.outline, e.b.Add(e.n.Mul(d)))
		}
	}
	r.endCap(last.b, last.t, d)
	skip = false
	for i := len(seq) - 1; i >= 0; i-- {
		e := &seq[i]
		if !skip {
			r.outline = append(r.outline, e.b.Sub(e.n.Mul(d)))
		}
		skip = false
		if i > 0 {
			skip = r.corner(&seq[i-1], e, d, false, false)
		} else {
			r.outline = append(r.outline, e.a.Sub(e.n.Mul(d)))
		}
	}
}

// corner adds the outline points for the corner between edges e and
// next, on the +n side if plus is set and on the -n side otherwise.  For
// closed runs both offset points of the corner are written.  For open
// runs the offset point at the start of the following edge is left to
// the caller, and corner reports whether the caller must skip it because
// it has been replaced by an intersection point.
func (r *Rasteriser) corner(e, next *edge, d float64, plus, closed bool) bool {
	p := e.b
	// offsets before and after the corner, in the order of traversal
	before, after := p.Add(e.n.Mul(d)), p.Add(next.n.Mul(d))
	if !plus {
		before, after = p.Sub(next.n.Mul(d)), p.Sub(e.n.Mul(d))
	}

	s := turn(e.t, next.t)
	switch {
	case math.Abs(s) < collinearityThreshold:
		r.outline = append(r.outline, before)
		if closed {
			r.outline = append(r.outline, after)
		}
		return false
	case (s > 0) == plus:
		// inner side
		if pt, ok := innerPoint(p, e.t, next.t, d, plus); ok {
			r.outline = append(r.outline, pt)
			return true
		}
		r.outline = append(r.outline, before, after)
		return !closed
	default:
		r.outline = append(r.outline, before)
		r.join(p, e.t, next.t, d, plus)
		if closed {
			r.outline = append(r.outline, after)
		}
		return false
	}
}

// innerPoint returns the point where the offset lines on the inner side
// of a corner at p meet.
func innerPoint(p, t1, t2 vec.Vec2, d float64, plus bool) (vec.Vec2, bool) {
	c := t1.Dot(t2)
	if c > 1-1e-9 {
		return vec.Vec2{}, false
	}
	h := math.Sqrt((1 + c) / 2) // cosine of half the turning angle
	if h < 1e-9 {
		return vec.Vec2{}, false
	}
	dir := t1.Rot90().Add(t2.Rot90())
	if !plus {
		dir = dir.Neg()
	}
	l := dir.Length()
	if l < 1e-9 {
		return vec.Vec2{}, false
	}
	return p.Add(dir.Mul(d / (h * l))), true
}

// endCap adds the line cap at the end point p of a run.  t points away from
// the run.
func (r *Rasteriser) endCap(p, t vec.Vec2, d float64) {
	n := t.Rot90()
	switch r.Cap {
	case graphics.LineCapSquare:
		q := p.Add(t.Mul(d))
		r.outline = append(r.outline, q.Add(n.Mul(d)), q.Sub(n.Mul(d)))
	case graphics.LineCapRound:
		r.arc(p, d, n, -math.Pi, true)
	}
}

// join adds the outer part of a line join at p, where the direction
// changes from t1 to t2.
func (r *Rasteriser) join(p, t1, t2 vec.Vec2, d float64, plus bool) {
	c := t1.Dot(t2)
	s := turn(t1, t2)
	if c < cuspCosineThreshold {
		// the path reverses, draw two caps
		r.endCap(p, t1, d)
		r.endCap(p, t2.Neg(), d)
		return
	}

	switch r.Join {
	case graphics.LineJoinMiter:
		h := math.Sqrt((1 + c) / 2)
		if h > 0 && 1/h <= r.MiterLimit+1e-10 {
			dir := t1.Rot90().Add(t2.Rot90())
			if !plus {
				dir = dir.Neg()
			}
			if l := dir.Length(); l > zeroLengthThreshold {
				r.outline = append(r.outline, p.Add(dir.Mul(d/(h*l))))
			}
		}
		// miter limit exceeded: bevel
	case graphics.LineJoinRound:
		angle := math.Acos(max(-1, min(1, c)))
		if s < 0 {
			angle = -angle
		}
		if plus {
			r.arc(p, d, t1.Rot90(), angle, false)
		} else {
			r.arc(p, d, t2.Rot90().Neg(), -angle, false)
		}
	}
}

// arc adds points on the circle with the given radius around center,
// starting in direction from and sweeping by the given angle.  Positive angles are
// counterclockwise.
func (r *Rasteriser) arc(center vec.Vec2, radius float64, from vec.Vec2, sweep float64, withStart bool) {
	dev := max(r.deviceLength(vec.Vec2{X: radius}), r.deviceLength(vec.Vec2{Y: radius}))
	n := 1
	if dev >= r.Flatness {
		// chords of angle θ stay within Flatness of the circle
		step := 2 * math.Acos(1-r.Flatness/dev)
		if step <= 0 || math.IsNaN(step) {
			step = math.Pi / 4
		}
		n = max(1, int(math.Ceil(math.Abs(sweep)/step)))
	}

	i := 1
	if withStart {
		i = 0
	}
	for ; i <= n; i++ {
		sin, cos := math.Sincos(sweep * float64(i) / float64(n))
		dir := vec.Vec2{X: from.X*cos - from.Y*sin, Y: from.X*sin + from.Y*cos}
		r.outline = append(r.outline, center.Add(dir.Mul(radius)))
	}
}

// square adds a square of side 2d centred at p and aligned with t.
func (r *Rasteriser) square(p, t vec.Vec2, d float64) {
	u, n := t.Mul(d), t.Rot90().Mul(d)
	r.outline = append(r.outline,
		p.Add(u).Add(n), p.Add(u).Sub(n), p.Sub(u).Sub(n), p.Sub(u).Add(n))
}

// applyDash breaks the runs in r.edges into dashes, stored in
// r.dashEdges and r.dashRuns.  Odd-length patterns are repeated twice,
// so that alternate repetitions swap dashes and gaps.
func (r *Rasteriser) applyDash() {
	r.dashEdges = r.dashEdges[:0]
	r.dashRuns = r.dashRuns[:0]

	total := 0.0
	for _, v := range r.Dash {
		total += v
	}
	if len(r.Dash)%2 == 1 {
		total *= 2
	}
	if total <= 0 {
		// no usable pattern, stroke solid
		r.dashEdges = append(r.dashEdges, r.edges...)
		r.dashRuns = append(r.dashRuns, r.runs...)
		return
	}
	offset := math.Mod(r.DashPhase, total)
	if offset < 0 {
		offset += total
	}

	for _, sub := range r.runs {
		seq := r.edges[sub.start:sub.end]

		// pattern position at the start of the subpath
		idx := 0
		pos := offset
		for r.dashLen(idx) > 0 && pos >= r.dashLen(idx) {
			pos -= r.dashLen(idx)
			idx++
		}
		left := r.dashLen(idx) - pos
		on := idx%2 == 0

		if on && left == 0 {
			// the subpath starts with a dot
			e := seq[0]
			e.b = e.a
			r.dashRuns = append(r.dashRuns, run{start: len(r.dashEdges), end: len(r.dashEdges) + 1})
			r.dashEdges = append(r.dashEdges, e)
			idx++
			left = r.dashLen(idx)
			on = idx%2 == 0
		}

		startedOn := on
		firstRun := -1
		cur := len(r.dashEdges)
		i, at := 0, 0.0
		for i < len(seq) {
			e := seq[i]
			l := e.b.Sub(e.a).Length()
			if left >= l-at {
				if on {
					piece := e
					if at > 0 {
						piece.a = along(e, at/l)
					}
					r.dashEdges = append(r.dashEdges, piece)
				}
				left -= l - at
				i++
				at = 0
				continue
			}

			end := at + left
			if on {
				from, to := along(e, at/l), along(e, end/l)
				if to.Sub(from).Length() > zeroLengthThreshold {
					r.dashEdges = append(r.dashEdges, edge{a: from, b: to, t: e.t, n: e.n})
				} else if len(r.dashEdges) == cur {
					// zero-length dash, keeps the direction for its caps
					r.dashEdges = append(r.dashEdges, edge{a: from, b: from, t: e.t, n: e.n})
				}
				if len(r.dashEdges) > cur {
					if firstRun < 0 {
						firstRun = len(r.dashRuns)
					}
					r.dashRuns = append(r.dashRuns, run{start: cur, end: len(r.dashEdges)})
					cur = len(r.dashEdges)
				}
			}
			at = end
			idx++
			left = r.dashLen(idx)
			on = idx%2 == 0
		}

		if len(r.dashEdges) > cur {
			if sub.closed && startedOn && on && firstRun >= 0 {
				// the last dash runs on into the first one
				fr := r.dashRuns[firstRun]
				r.dashEdges = append(r.dashEdges, r.dashEdges[fr.start:fr.end]...)
				r.dashRuns = slices.Delete(r.dashRuns, firstRun, firstRun+1)
			}
			r.dashRuns = append(r.dashRuns, run{start: cur, end: len(r.dashEdges)})
		}
	}
}

// along returns the point at fraction f of the way from e.a to e.b.
func along(e edge, f float64) vec.Vec2 {
	return e.a.Add(e.b.Sub(e.a).Mul(f))
}

// dashLen returns the length of element i of the dash pattern.
func (r *Rasteriser) dashLen(i int) float64 {
	return r.Dash[i%len(r.Dash)]
}

const (
	// zeroLengthThreshold is the shortest edge which is stroked.
	zeroLengthThreshold = 1e-10

	// collinearityThreshold is the turning angle, as a sine, below which
	// two edges are treated as collinear.
	collinearityThreshold = 1e-6

	// cuspCosineThreshold detects paths which turn back on themselves.
	cuspCosineThreshold = -0.9999
)
