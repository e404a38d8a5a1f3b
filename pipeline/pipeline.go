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

// Package pipeline turns a raw page bitmap into the edited page image.
//
// The stages are applied in a fixed order: normalize, crop, rotate, scale,
// offset.  Normalization places the page on the reference paper, so that
// crop rectangles refer to the same frame whatever the page size.
// Rotation comes before scaling, so that the auto-fit factor can be
// computed from the rotated content box.  The offset is a translation of
// the final output.
//
// All stages are folded into one affine map from raw bitmap pixels to
// output pixels, so the raw bitmap is resampled at most once.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
	"seehuhn.de/go/geom/matrix"

	"seehuhn.de/go/preview/document"
	"seehuhn.de/go/preview/transform"
)

// Provider renders the raw page at the given scale, in pixels per point.
type Provider func(ctx context.Context, scale float64) (*image.RGBA, error)

// Layout is the geometry of one pipeline run.  All lengths are in pixels.
type Layout struct {
	// PixelsPerPoint converts points on the normalized frame to pixels.
	PixelsPerPoint float64

	// RawScale is the scale at which the raw page is requested.
	RawScale float64

	// RawSize is the size of the raw bitmap the layout was computed for.
	RawSize image.Point

	// FrameWidth and FrameHeight give the size of the normalized frame.
	FrameWidth, FrameHeight float64

	// Crop is the visible part of the frame, as (x, y, width, height).
	Crop [4]float64

	// Rotation is the clockwise rotation in degrees, in [0, 360).
	Rotation int

	// AutoFit is the shrink factor applied to rotated content at default
	// zoom.  It is 1 if auto-fit is not in effect.
	AutoFit float64

	// Scale is the effective content scale: user scale times AutoFit.
	Scale float64

	// Canvas is the size of the output bitmap.
	Canvas image.Point

	// Matrix maps raw bitmap coordinates to output coordinates.
	Matrix matrix.Matrix

	// Source is the part of the raw bitmap which is drawn.
	Source image.Rectangle
}

// Apply maps a point of the raw bitmap to the output.
func (l *Layout) Apply(x, y float64) (float64, float64) {
	m := l.Matrix
	return m[0]*x + m[2]*y + m[4], m[1]*x + m[3]*y + m[5]
}

// Plan computes the layout for rendering a page into an output of about
// target pixels.  The raw bitmap is assumed to have the exact size
// implied by its scale.
//
// Without user edits the output fits inside target.  Crop makes the output
// smaller, scale above 100 may make it larger.
func Plan(g document.PageGeometry, n transform.Normalization, t transform.PageTransform, target image.Point) (*Layout, error) {
	if err := check(n, t, target); err != nil {
		return nil, err
	}
	p := pixelsPerPoint(n, target)
	return plan(g, n, t, target, g.PixelSize(p*n.Scale)), nil
}

func check(n transform.Normalization, t transform.PageTransform, target image.Point) error {
	if target.X <= 0 || target.Y <= 0 {
		return fmt.Errorf("invalid target size %dx%d", target.X, target.Y)
	}
	if !(n.Scale > 0) || !(n.TargetWidth > 0) || !(n.TargetHeight > 0) {
		return errors.New("invalid normalization")
	}
	return t.Validate()
}

func pixelsPerPoint(n transform.Normalization, target image.Point) float64 {
	return min(float64(target.X)/n.TargetWidth, float64(target.Y)/n.TargetHeight)
}

func plan(g document.PageGeometry, n transform.Normalization, t transform.PageTransform, target image.Point, raw image.Point) *Layout {
	l := &Layout{
		PixelsPerPoint: pixelsPerPoint(n, target),
		RawSize:        raw,
		Rotation:       t.NormalizedRotation(),
	}
	l.RawScale = l.PixelsPerPoint * n.Scale

	// normalize
	w, h := g.DisplaySize()
	pw, ph := w*n.Scale, h*n.Scale
	px, py := l.PixelsPerPoint, l.PixelsPerPoint
	if n.OffsetX == 0 && n.OffsetY == 0 && n.TargetWidth == pw && n.TargetHeight == ph {
		// The page fills the frame: use the raw pixels as frame pixels,
		// whatever rounding the backend applied.
		px = float64(raw.X) / n.TargetWidth
		py = float64(raw.Y) / n.TargetHeight
	}
	l.FrameWidth = n.TargetWidth * px
	l.FrameHeight = n.TargetHeight * py
	toFrame := matrix.Matrix{
		pw * px / float64(raw.X), 0,
		0, ph * py / float64(raw.Y),
		n.OffsetX * px, n.OffsetY * py,
	}

	// crop
	cx, cy, cw, ch := 0.0, 0.0, l.FrameWidth, l.FrameHeight
	if c := t.Crop; c != nil {
		cx, cy = c.X*l.FrameWidth, c.Y*l.FrameHeight
		cw, ch = c.Width*l.FrameWidth, c.Height*l.FrameHeight
	}
	l.Crop = [4]float64{cx, cy, cw, ch}
	toCrop := matrix.Matrix{1, 0, 0, 1, -cx, -cy}

	// rotate, in quarter turns about the crop box
	var rot matrix.Matrix
	rw, rh := cw, ch
	switch l.Rotation {
	case 90:
		rot = matrix.Matrix{0, 1, -1, 0, ch, 0}
		rw, rh = ch, cw
	case 180:
		rot = matrix.Matrix{-1, 0, 0, -1, cw, ch}
	case 270:
		rot = matrix.Matrix{0, -1, 1, 0, 0, cw}
		rw, rh = ch, cw
	default:
		rot = matrix.Identity
	}

	// scale; auto-fit only applies at exactly 100%
	l.AutoFit = 1
	if (l.Rotation == 90 || l.Rotation == 270) && t.Scale == 100 {
		l.AutoFit = min(float64(target.X)/ch, float64(target.Y)/cw, 1)
	}
	l.Scale = t.Scale / 100 * l.AutoFit
	scale := matrix.Scale(l.Scale, l.Scale)

	l.Canvas = image.Point{
		X: max(1, int(math.Round(rw*l.Scale))),
		Y: max(1, int(math.Round(rh*l.Scale))),
	}

	// offset, in output pixels per content point
	offset := matrix.Matrix{1, 0, 0, 1, t.OffsetX * px * l.Scale, t.OffsetY * py * l.Scale}

	l.Matrix = toFrame.Mul(toCrop).Mul(rot).Mul(scale).Mul(offset)

	// the crop box, in raw bitmap coordinates
	x0, y0 := (cx-toFrame[4])/toFrame[0], (cy-toFrame[5])/toFrame[3]
	x1, y1 := x0+cw/toFrame[0], y0+ch/toFrame[3]
	src := image.Rect(
		int(math.Round(x0)), int(math.Round(y0)),
		int(math.Round(x1)), int(math.Round(y1)),
	)
	l.Source = src.Intersect(image.Rectangle{Max: raw})
	return l
}

// Options control how the output is drawn.
type Options struct {
	// Background fills the output before the page is drawn.  Transparent
	// colours are made opaque.  Nil means white.
	Background color.Color

	// Interpolator resamples the raw bitmap.  Nil means draw.BiLinear.
	Interpolator draw.Interpolator
}

// Render runs the pipeline.  It requests the raw page from provider at the
// scale given by Plan and returns the edited page.
func Render(ctx context.Context, g document.PageGeometry, n transform.Normalization, t transform.PageTransform, provider Provider, target image.Point, opts *Options) (*image.RGBA, error) {
	if err := check(n, t, target); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &Options{}
	}

	p := pixelsPerPoint(n, target)
	raw, err := provider(ctx, p*n.Scale)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// the backend may round differently, so plan for the actual bitmap
	rb := raw.Bounds()
	l := plan(g, n, t, target, rb.Size())

	out := image.NewRGBA(image.Rectangle{Max: l.Canvas})
	draw.Draw(out, out.Bounds(), image.NewUniform(opaque(opts.Background)), image.Point{}, draw.Src)
	if l.Source.Empty() {
		return out, nil
	}

	m := l.Matrix
	if rb.Min != (image.Point{}) {
		m = matrix.Matrix{1, 0, 0, 1, -float64(rb.Min.X), -float64(rb.Min.Y)}.Mul(m)
	}
	sr := l.Source.Add(rb.Min)

	if dx, dy, ok := integerShift(m); ok {
		draw.Draw(out, sr.Add(image.Point{X: dx, Y: dy}), raw, sr.Min, draw.Over)
	} else {
		ip := opts.Interpolator
		if ip == nil {
			ip = draw.BiLinear
		}
		aff := f64.Aff3{m[0], m[2], m[4], m[1], m[3], m[5]}
		ip.Transform(out, aff, raw, sr, draw.Over, nil)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// integerShift reports whether m is a translation by whole pixels.
func integerShift(m matrix.Matrix) (dx, dy int, ok bool) {
	const eps = 1e-9
	if math.Abs(m[0]-1) > eps || math.Abs(m[1]) > eps || math.Abs(m[2]) > eps || math.Abs(m[3]-1) > eps {
		return 0, 0, false
	}
	x, y := math.Round(m[4]), math.Round(m[5])
	if math.Abs(m[4]-x) > eps || math.Abs(m[5]-y) > eps {
		return 0, 0, false
	}
	return int(x), int(y), true
}

// opaque returns c without transparency.
func opaque(c color.Color) color.Color {
	if c == nil {
		return color.White
	}
	nc := color.NRGBAModel.Convert(c).(color.NRGBA)
	nc.A = 0xff
	return nc
}
