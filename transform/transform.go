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

// Package transform holds the per-page geometric edits chosen by the user
// and the paper normalization derived from the page geometry.
package transform

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"seehuhn.de/go/preview/document"
)

// ErrInvalidTransform is returned for transforms which violate the bounds
// on crop, rotation, scale or offset.
var ErrInvalidTransform = errors.New("invalid transform")

// cropTolerance absorbs rounding errors in crop rectangles computed by
// callers, e.g. x+width slightly above 1.
const cropTolerance = 1e-9

// Crop is a rectangle in normalized page coordinates: (0,0) is the top left
// corner of the page and (1,1) the bottom right corner.
type Crop struct {
	X, Y, Width, Height float64
}

// Validate checks that c has positive size and lies inside the unit square.
func (c Crop) Validate() error {
	for _, v := range []float64{c.X, c.Y, c.Width, c.Height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: crop %v is not finite", ErrInvalidTransform, c)
		}
	}
	switch {
	case c.Width <= 0 || c.Height <= 0:
		return fmt.Errorf("%w: crop %v has empty size", ErrInvalidTransform, c)
	case c.X < -cropTolerance || c.Y < -cropTolerance ||
		c.X+c.Width > 1+cropTolerance || c.Y+c.Height > 1+cropTolerance:
		return fmt.Errorf("%w: crop %v outside [0,1]x[0,1]", ErrInvalidTransform, c)
	}
	return nil
}

// PageTransform is the edit applied to one page.
// The zero value is not valid; use Identity.
type PageTransform struct {
	// Crop selects the visible part of the page.  Nil means the whole page.
	Crop *Crop

	// Rotation is the clockwise rotation in degrees, a multiple of 90.
	// Negative values and values above 360 are allowed.
	Rotation int

	// Scale is the zoom factor in percent.  100 leaves the size unchanged.
	Scale float64

	// OffsetX and OffsetY move the content in the output, in points.
	OffsetX, OffsetY float64
}

// Identity returns the transform which leaves a page unchanged.
func Identity() PageTransform {
	return PageTransform{Scale: 100}
}

// NormalizedRotation returns the rotation mapped to [0, 360).
func (t PageTransform) NormalizedRotation() int {
	r := t.Rotation % 360
	if r < 0 {
		r += 360
	}
	return r
}

// IsIdentity reports whether t leaves the page unchanged.
func (t PageTransform) IsIdentity() bool {
	return t.Crop == nil && t.NormalizedRotation() == 0 && t.Scale == 100 &&
		t.OffsetX == 0 && t.OffsetY == 0
}

// Validate checks the invariants of t.
func (t PageTransform) Validate() error {
	if t.Crop != nil {
		if err := t.Crop.Validate(); err != nil {
			return err
		}
	}
	if t.Rotation%90 != 0 {
		return fmt.Errorf("%w: rotation %d is not a multiple of 90", ErrInvalidTransform, t.Rotation)
	}
	if !(t.Scale > 0) || math.IsInf(t.Scale, 0) {
		return fmt.Errorf("%w: scale %g", ErrInvalidTransform, t.Scale)
	}
	if math.IsNaN(t.OffsetX) || math.IsInf(t.OffsetX, 0) ||
		math.IsNaN(t.OffsetY) || math.IsInf(t.OffsetY, 0) {
		return fmt.Errorf("%w: offset (%g, %g)", ErrInvalidTransform, t.OffsetX, t.OffsetY)
	}
	return nil
}

// Equal reports whether t and o describe the same transform.
func (t PageTransform) Equal(o PageTransform) bool {
	if (t.Crop == nil) != (o.Crop == nil) {
		return false
	}
	if t.Crop != nil && *t.Crop != *o.Crop {
		return false
	}
	return t.NormalizedRotation() == o.NormalizedRotation() &&
		t.Scale == o.Scale && t.OffsetX == o.OffsetX && t.OffsetY == o.OffsetY
}

// Key returns a string which identifies the transform.  Two transforms
// have the same key if and only if they are Equal.
func (t PageTransform) Key() string {
	var b strings.Builder
	if t.Crop != nil {
		b.WriteString("c")
		for i, v := range []float64{t.Crop.X, t.Crop.Y, t.Crop.Width, t.Crop.Height} {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
		b.WriteByte('/')
	}
	fmt.Fprintf(&b, "r%d/s%s/o%s,%s",
		t.NormalizedRotation(),
		strconv.FormatFloat(t.Scale, 'g', -1, 64),
		strconv.FormatFloat(t.OffsetX, 'g', -1, 64),
		strconv.FormatFloat(t.OffsetY, 'g', -1, 64))
	return b.String()
}

func (t PageTransform) clone() PageTransform {
	if t.Crop != nil {
		c := *t.Crop
		t.Crop = &c
	}
	return t
}

// Update is a partial transform.  Nil fields keep their current value.
type Update struct {
	Crop      *Crop
	ClearCrop bool
	Rotation  *int
	Scale     *float64
	OffsetX   *float64
	OffsetY   *float64
}

// Apply returns t with the fields of u merged in.
func (u Update) Apply(t PageTransform) PageTransform {
	t = t.clone()
	if u.ClearCrop {
		t.Crop = nil
	}
	if u.Crop != nil {
		c := *u.Crop
		t.Crop = &c
	}
	if u.Rotation != nil {
		t.Rotation = *u.Rotation
	}
	if u.Scale != nil {
		t.Scale = *u.Scale
	}
	if u.OffsetX != nil {
		t.OffsetX = *u.OffsetX
	}
	if u.OffsetY != nil {
		t.OffsetY = *u.OffsetY
	}
	return t
}

// Orientation distinguishes portrait from landscape pages.
type Orientation int

const (
	Portrait Orientation = iota
	Landscape
)

func (o Orientation) String() string {
	if o == Landscape {
		return "landscape"
	}
	return "portrait"
}

// Normalization maps a page onto the reference paper size.
// The page, turned by its intrinsic rotation, is scaled by Scale and
// placed at (OffsetX, OffsetY) on a sheet of TargetWidth × TargetHeight
// points.
type Normalization struct {
	Scale            float64
	OffsetX, OffsetY float64
	TargetWidth      float64
	TargetHeight     float64
	Orientation      Orientation
}

// Normalize fits the page described by g into paper, turned to match the
// orientation of the page, and centres it.
func Normalize(g document.PageGeometry, paper PaperSize) Normalization {
	w, h := g.DisplaySize()
	o := Portrait
	if w > h {
		o = Landscape
	}
	tw, th := paper.Oriented(o)
	s := min(tw/w, th/h)
	return Normalization{
		Scale:        s,
		OffsetX:      (tw - w*s) / 2,
		OffsetY:      (th - h*s) / 2,
		TargetWidth:  tw,
		TargetHeight: th,
		Orientation:  o,
	}
}

// IdentityNormalization returns the normalization which keeps the page at
// its own size.
func IdentityNormalization(g document.PageGeometry) Normalization {
	w, h := g.DisplaySize()
	o := Portrait
	if w > h {
		o = Landscape
	}
	return Normalization{
		Scale:        1,
		TargetWidth:  w,
		TargetHeight: h,
		Orientation:  o,
	}
}
