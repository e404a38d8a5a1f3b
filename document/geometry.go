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

package document

import (
	"fmt"
	"image"
	"math"
)

// PageGeometry describes the intrinsic size of one page.
type PageGeometry struct {
	// PageNumber is the 1-based position of the page in the document.
	PageNumber int

	// Width and Height give the size of the visible page box in PDF
	// points, before the intrinsic rotation is applied.
	Width, Height float64

	// Rotation is the clockwise rotation of the page on display,
	// one of 0, 90, 180 or 270.
	Rotation int
}

// DisplaySize returns the page size in points after the intrinsic
// rotation has been applied.
func (g PageGeometry) DisplaySize() (w, h float64) {
	if g.Rotation == 90 || g.Rotation == 270 {
		return g.Height, g.Width
	}
	return g.Width, g.Height
}

// PixelSize returns the size in pixels of the page rendered at the given
// scale, where scale 1 means one pixel per point.
// Both dimensions are at least 1.
func (g PageGeometry) PixelSize(scale float64) image.Point {
	w, h := g.DisplaySize()
	return image.Point{
		X: max(1, int(math.Round(w*scale))),
		Y: max(1, int(math.Round(h*scale))),
	}
}

// Validate checks that g describes a usable page.
func (g PageGeometry) Validate() error {
	switch {
	case g.PageNumber < 1:
		return fmt.Errorf("invalid page number %d", g.PageNumber)
	case !(g.Width > 0) || !(g.Height > 0) || math.IsInf(g.Width, 0) || math.IsInf(g.Height, 0):
		return fmt.Errorf("page %d: invalid size %gx%g", g.PageNumber, g.Width, g.Height)
	case g.Rotation != 0 && g.Rotation != 90 && g.Rotation != 180 && g.Rotation != 270:
		return fmt.Errorf("page %d: invalid rotation %d", g.PageNumber, g.Rotation)
	}
	return nil
}

// normalizeRotation maps any multiple of 90 to [0, 360).
// Other values are rounded to the nearest quarter turn.
func normalizeRotation(deg int) int {
	q := int(math.Round(float64(deg) / 90))
	q %= 4
	if q < 0 {
		q += 4
	}
	return 90 * q
}
