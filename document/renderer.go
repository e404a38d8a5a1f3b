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
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"

	"github.com/gen2brain/go-fitz"
	"seehuhn.de/go/geom/matrix"
	"seehuhn.de/go/geom/vec"
	"seehuhn.de/go/pdf/graphics"

	"seehuhn.de/go/preview/raster"
)

// Renderer rasterises the pages of one open document.
type Renderer interface {
	// LoadPage returns the parse handle for a page.
	LoadPage(ctx context.Context, g PageGeometry) (Page, error)

	// Close releases the document.  No page handles are used afterwards.
	Close() error
}

// Page is the parse handle of a single page.  Source never calls the
// methods of one Page concurrently.
type Page interface {
	// Render draws the page at the given scale, in pixels per point.
	Render(ctx context.Context, scale float64) (*image.RGBA, error)
	Close() error
}

// Backend opens a Renderer for a document.
type Backend func(ctx context.Context, src ByteSource) (Renderer, error)

// FitzBackend renders pages with MuPDF.
func FitzBackend(ctx context.Context, src ByteSource) (Renderer, error) {
	return &FitzRenderer{src: src}, nil
}

// FitzRenderer is a Renderer using MuPDF through go-fitz.
// MuPDF needs the complete file, which is read on the first page load.
type FitzRenderer struct {
	src ByteSource

	once sync.Once
	doc  *fitz.Document
	err  error
}

func (f *FitzRenderer) open() (*fitz.Document, error) {
	f.once.Do(func() {
		data, err := readAll(f.src)
		if err != nil {
			f.err = fmt.Errorf("read document: %w", err)
			return
		}
		f.doc, f.err = fitz.NewFromMemory(data)
	})
	return f.doc, f.err
}

// LoadPage implements Renderer.
func (f *FitzRenderer) LoadPage(ctx context.Context, g PageGeometry) (Page, error) {
	doc, err := f.open()
	if err != nil {
		return nil, err
	}
	if n := doc.NumPage(); g.PageNumber > n {
		return nil, pageNotFound(g.PageNumber, n)
	}
	return &fitzPage{doc: doc, idx: g.PageNumber - 1}, nil
}

// Close implements Renderer.
func (f *FitzRenderer) Close() error {
	if f.doc == nil {
		return nil
	}
	return f.doc.Close()
}

type fitzPage struct {
	doc *fitz.Document
	idx int
}

func (p *fitzPage) Render(ctx context.Context, scale float64) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// MuPDF cannot be interrupted, the result is discarded instead.
	img, err := p.doc.ImageDPI(p.idx, 72*scale)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return img, nil
}

func (p *fitzPage) Close() error {
	return nil
}

// WireframeBackend returns a WireframeRenderer with default colours.
// It never reads the document bytes.
func WireframeBackend(ctx context.Context, src ByteSource) (Renderer, error) {
	return &WireframeRenderer{}, nil
}

// WireframeRenderer draws page outlines instead of page content.
// Each page shows its border, both diagonals and one tally mark per page
// number (up to 20) along the top edge.
type WireframeRenderer struct {
	// Paper is the page colour.  Nil means white.
	Paper color.Color

	// Ink is the line colour.  Nil means mid grey.
	Ink color.Color
}

// LoadPage implements Renderer.
func (w *WireframeRenderer) LoadPage(ctx context.Context, g PageGeometry) (Page, error) {
	return &wirePage{r: w, g: g}, nil
}

// Close implements Renderer.
func (w *WireframeRenderer) Close() error {
	return nil
}

type wirePage struct {
	r  *WireframeRenderer
	g  PageGeometry
	rs *raster.Rasteriser
}

func (p *wirePage) Render(ctx context.Context, scale float64) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	size := p.g.PixelSize(scale)
	img := image.NewRGBA(image.Rectangle{Max: size})

	paper, ink := p.r.Paper, p.r.Ink
	if paper == nil {
		paper = color.White
	}
	if ink == nil {
		ink = color.Gray{Y: 0x80}
	}
	draw.Draw(img, img.Bounds(), image.NewUniform(paper), image.Point{}, draw.Src)

	if p.rs == nil {
		p.rs = raster.NewRasteriser(raster.ClipFor(img))
	} else {
		p.rs.Reset(raster.ClipFor(img))
	}
	// draw in PDF points
	rs := p.rs
	rs.CTM = matrix.Scale(scale, scale)
	w, h := p.g.DisplaySize()

	rs.Width = max(2, 1/scale)
	in := rs.Width / 2
	rs.PaintStroke(img, raster.Rectangle(in, in, w-in, h-in), ink)

	rs.Width /= 2
	diagonals := new(raster.Builder).
		MoveTo(vec.Vec2{}).LineTo(vec.Vec2{X: w, Y: h}).
		MoveTo(vec.Vec2{X: w}).LineTo(vec.Vec2{Y: h})
	rs.PaintStroke(img, diagonals.Path(), ink)

	// one tally mark per page, up to 20
	rs.Width = 2
	rs.Cap = graphics.LineCapRound
	marks := new(raster.Builder)
	for i := range min(p.g.PageNumber, 20) {
		x := 9 + 6*float64(i)
		marks.MoveTo(vec.Vec2{X: x, Y: 7}).LineTo(vec.Vec2{X: x, Y: 17})
	}
	rs.PaintStroke(img, marks.Path(), ink)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return img, nil
}

func (p *wirePage) Close() error {
	p.rs = nil
	return nil
}
