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
	"seehuhn.de/go/geom/path"
	"seehuhn.de/go/geom/vec"
)

// Builder collects the commands of a path.  The zero value is an empty
// path, ready to use.
type Builder struct {
	cmds []path.Command
	pts  []vec.Vec2
}

// MoveTo starts a new subpath at p.
func (b *Builder) MoveTo(p vec.Vec2) *Builder {
	b.cmds = append(b.cmds, path.CmdMoveTo)
	b.pts = append(b.pts, p)
	return b
}

// LineTo adds a straight line to p.
func (b *Builder) LineTo(p vec.Vec2) *Builder {
	b.cmds = append(b.cmds, path.CmdLineTo)
	b.pts = append(b.pts, p)
	return b
}

// QuadTo adds a quadratic Bézier curve with control point c, ending at p.
func (b *Builder) QuadTo(c, p vec.Vec2) *Builder {
	b.cmds = append(b.cmds, path.CmdQuadTo)
	b.pts = append(b.pts, c, p)
	return b
}

// CubeTo adds a cubic Bézier curve with control points c1 and c2, ending
// at p.
func (b *Builder) CubeTo(c1, c2, p vec.Vec2) *Builder {
	b.cmds = append(b.cmds, path.CmdCubeTo)
	b.pts = append(b.pts, c1, c2, p)
	return b
}

// Close closes the current subpath.
func (b *Builder) Close() *Builder {
	b.cmds = append(b.cmds, path.CmdClose)
	return b
}

// Rect adds the axis-aligned rectangle with corners (x0, y0) and (x1, y1)
// as a closed subpath.
func (b *Builder) Rect(x0, y0, x1, y1 float64) *Builder {
	return b.MoveTo(vec.Vec2{X: x0, Y: y0}).
		LineTo(vec.Vec2{X: x1, Y: y0}).
		LineTo(vec.Vec2{X: x1, Y: y1}).
		LineTo(vec.Vec2{X: x0, Y: y1}).
		Close()
}

// RoundRect is like Rect, but the corners are replaced by quarter circles
// of the given radius.  The radius is reduced if the rectangle is too
// small for it.
func (b *Builder) RoundRect(x0, y0, x1, y1, radius float64) *Builder {
	x0, x1 = min(x0, x1), max(x0, x1)
	y0, y1 = min(y0, y1), max(y0, y1)
	radius = max(0, min(radius, (x1-x0)/2, (y1-y0)/2))
	if radius == 0 {
		return b.Rect(x0, y0, x1, y1)
	}
	k := radius * (1 - kappa)
	return b.MoveTo(vec.Vec2{X: x0 + radius, Y: y0}).
		LineTo(vec.Vec2{X: x1 - radius, Y: y0}).
		CubeTo(vec.Vec2{X: x1 - k, Y: y0}, vec.Vec2{X: x1, Y: y0 + k}, vec.Vec2{X: x1, Y: y0 + radius}).
		LineTo(vec.Vec2{X: x1, Y: y1 - radius}).
		CubeTo(vec.Vec2{X: x1, Y: y1 - k}, vec.Vec2{X: x1 - k, Y: y1}, vec.Vec2{X: x1 - radius, Y: y1}).
		LineTo(vec.Vec2{X: x0 + radius, Y: y1}).
		CubeTo(vec.Vec2{X: x0 + k, Y: y1}, vec.Vec2{X: x0, Y: y1 - k}, vec.Vec2{X: x0, Y: y1 - radius}).
		LineTo(vec.Vec2{X: x0, Y: y0 + radius}).
		CubeTo(vec.Vec2{X: x0, Y: y0 + k}, vec.Vec2{X: x0 + k, Y: y0}, vec.Vec2{X: x0 + radius, Y: y0}).
		Close()
}

// Path returns an iterator over the commands collected so far.
func (b *Builder) Path() path.Path {
	return func(yield func(path.Command, []vec.Vec2) bool) {
		k := 0
		for _, cmd := range b.cmds {
			n := numPoints(cmd)
			if !yield(cmd, b.pts[k:k+n:k+n]) {
				return
			}
			k += n
		}
	}
}

// Reset removes all commands, keeping the allocated memory.
func (b *Builder) Reset() {
	b.cmds = b.cmds[:0]
	b.pts = b.pts[:0]
}

// Rectangle returns a closed path for the axis-aligned rectangle with
// corners (x0, y0) and (x1, y1).
func Rectangle(x0, y0, x1, y1 float64) path.Path {
	return new(Builder).Rect(x0, y0, x1, y1).Path()
}

// Line returns the open path from a to b.
func Line(a, b vec.Vec2) path.Path {
	return new(Builder).MoveTo(a).LineTo(b).Path()
}

func numPoints(cmd path.Command) int {
	switch cmd {
	case path.CmdMoveTo, path.CmdLineTo:
		return 1
	case path.CmdQuadTo:
		return 2
	case path.CmdCubeTo:
		return 3
	default:
		return 0
	}
}

// kappa is the relative control point distance of the cubic Bézier
// curve which best approximates a quarter circle.
const kappa = 0.5522847498
