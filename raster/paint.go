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
	"image"
	"image/color"

	"seehuhn.de/go/geom/path"
	"seehuhn.de/go/geom/rect"
)

// Paint fills p with colour c on dst, using source-over compositing.
// The fill is restricted to the intersection of r.Clip and the bounds
// of dst.
func (r *Rasteriser) Paint(dst *image.RGBA, p path.Path, c color.Color, rule Rule) {
	r.composite(dst, c, func(emit func(y, xMin int, coverage []float32)) {
		r.fill(p, rule, emit)
	})
}

// PaintStroke strokes p with colour c on dst, using the current stroke
// parameters.  Clipping is as for Paint.
func (r *Rasteriser) PaintStroke(dst *image.RGBA, p path.Path, c color.Color) {
	r.composite(dst, c, func(emit func(y, xMin int, coverage []float32)) {
		r.Stroke(p, emit)
	})
}

func (r *Rasteriser) composite(dst *image.RGBA, c color.Color, draw func(emit func(y, xMin int, coverage []float32))) {
	b := dst.Bounds()
	clip := r.Clip
	clip.LLx = max(clip.LLx, float64(b.Min.X))
	clip.LLy = max(clip.LLy, float64(b.Min.Y))
	clip.URx = min(clip.URx, float64(b.Max.X))
	clip.URy = min(clip.URy, float64(b.Max.Y))
	if clip.LLx >= clip.URx || clip.LLy >= clip.URy {
		return
	}
	saved := r.Clip
	r.Clip = clip
	defer func() { r.Clip = saved }()

	// premultiplied, 16 bit
	sr, sg, sb, sa := c.RGBA()
	draw(func(y, xMin int, coverage []float32) {
		offs := dst.PixOffset(xMin, y)
		row := dst.Pix[offs : offs+4*len(coverage)]
		for i, cov := range coverage {
			a := uint32(cov*0xffff + 0.5)
			if a == 0 {
				continue
			}
			pr, pg, pb, pa := sr*a/0xffff, sg*a/0xffff, sb*a/0xffff, sa*a/0xffff
			k := 0xffff - pa
			px := row[4*i : 4*i+4 : 4*i+4]
			px[0] = uint8((uint32(px[0])*0x101*k/0xffff + pr) >> 8)
			px[1] = uint8((uint32(px[1])*0x101*k/0xffff + pg) >> 8)
			px[2] = uint8((uint32(px[2])*0x101*k/0xffff + pb) >> 8)
			px[3] = uint8((uint32(px[3])*0x101*k/0xffff + pa) >> 8)
		}
	})
}

// ClipFor returns the clip rectangle covering all of img.
func ClipFor(img image.Image) rect.Rect {
	b := img.Bounds()
	return rect.Rect{
		LLx: float64(b.Min.X), LLy: float64(b.Min.Y),
		URx: float64(b.Max.X), URy: float64(b.Max.Y),
	}
}
