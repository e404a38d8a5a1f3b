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

// Package sheet lays out several pages on one output sheet.
//
// The included pages of a document, in order, are cut into groups of N
// pages (N is 1, 2 or 4), and every group forms one sheet.  Excluding a
// page moves all later pages forward.  Sheets are composed from page
// images in [cache.NUp] mode and are kept in the sheet tier of the cache.
package sheet

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
	"seehuhn.de/go/geom/vec"
	"seehuhn.de/go/pdf/graphics"

	"seehuhn.de/go/preview/cache"
	"seehuhn.de/go/preview/document"
	"seehuhn.de/go/preview/raster"
	"seehuhn.de/go/preview/transform"
)

var (
	// ErrInvalidLayout is returned for an unsupported number of pages
	// per sheet.
	ErrInvalidLayout = errors.New("pages per sheet must be 1, 2 or 4")

	// ErrSheetNotFound indicates a sheet number outside [1, SheetCount].
	ErrSheetNotFound = errors.New("sheet not found")
)

// Default values for Options.
const (
	DefaultGap    = 12.0
	DefaultMargin = 18.0
)

// Options configure a Compositor.
type Options struct {
	// PagesPerSheet is the initial value of N.  Zero means 1.
	PagesPerSheet int

	// Paper gives the proportions of the sheet used for Gap and Margin and
	// for thumbnails.  The zero value means A4.
	Paper transform.PaperSize

	// Gap is the space between cells and Margin the space around the
	// grid, both in points on Paper.  Negative values mean zero, zero
	// values are replaced by the defaults.
	Gap, Margin float64

	// Background fills the sheet.  Nil means white.
	Background color.Color

	// Placeholder is the colour of the marks in empty cells.  Nil means
	// light grey.
	Placeholder color.Color

	// Logger receives debug messages.  Nil means slog.Default().
	Logger *slog.Logger
}

// Compositor composes sheets from the pages of one document.  It is safe
// for concurrent use.
type Compositor struct {
	cache     *cache.Cache
	pageCount int
	paper     transform.PaperSize
	gap       float64
	margin    float64
	bg        color.Color
	mark      color.Color
	log       *slog.Logger

	mu       sync.Mutex
	n        int
	excluded map[int]bool

	// layout counts changes of n and excluded.  It is written with mu
	// held and read without.
	layout atomic.Uint64
}

// New returns a compositor for a document with the given number of pages,
// drawing page images from c.
func New(c *cache.Cache, pageCount int, opts Options) (*Compositor, error) {
	n := opts.PagesPerSheet
	if n == 0 {
		n = 1
	}
	if !validN(n) {
		return nil, fmt.Errorf("%w, not %d", ErrInvalidLayout, n)
	}
	s := &Compositor{
		cache:     c,
		pageCount: pageCount,
		paper:     opts.Paper,
		gap:       spacing(opts.Gap, DefaultGap),
		margin:    spacing(opts.Margin, DefaultMargin),
		bg:        opts.Background,
		mark:      opts.Placeholder,
		log:       opts.Logger,
		n:         n,
		excluded:  make(map[int]bool),
	}
	if s.paper.Width <= 0 || s.paper.Height <= 0 {
		s.paper = transform.A4
	}
	if s.bg == nil {
		s.bg = color.White
	}
	if s.mark == nil {
		s.mark = color.Gray{Y: 0xc0}
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s, nil
}

func validN(n int) bool {
	return n == 1 || n == 2 || n == 4
}

func spacing(v, def float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v == 0:
		return def
	}
	return v
}

// PagesPerSheet returns the current value of N.
func (s *Compositor) PagesPerSheet() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// SetPagesPerSheet changes N.  All cached sheets are discarded.
func (s *Compositor) SetPagesPerSheet(n int) error {
	if !validN(n) {
		return fmt.Errorf("%w, not %d", ErrInvalidLayout, n)
	}
	s.mu.Lock()
	changed := s.n != n
	s.n = n
	if changed {
		s.layout.Add(1)
	}
	s.mu.Unlock()

	if changed {
		dropped := s.cache.PurgeTier(cache.Sheet)
		s.log.Debug("Sheet layout changed.", "pages_per_sheet", n, "dropped", dropped)
	}
	return nil
}

// Exclude removes a page from the sheets, or puts it back.  All cached
// sheets are discarded if the set of included pages changes.
func (s *Compositor) Exclude(page int, excluded bool) error {
	if page < 1 || page > s.pageCount {
		return fmt.Errorf("page %d of %d: %w", page, s.pageCount, document.ErrPageNotFound)
	}
	s.mu.Lock()
	changed := s.excluded[page] != excluded
	if excluded {
		s.excluded[page] = true
	} else {
		delete(s.excluded, page)
	}
	if changed {
		s.layout.Add(1)
	}
	s.mu.Unlock()

	if changed {
		dropped := s.cache.PurgeTier(cache.Sheet)
		s.log.Debug("Sheet membership changed.", "page", page, "excluded", excluded, "dropped", dropped)
	}
	return nil
}

// IncludedPages returns the numbers of all pages which are not excluded,
// in increasing order.
func (s *Compositor) IncludedPages() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.included()
}

func (s *Compositor) included() []int {
	pages := make([]int, 0, s.pageCount-len(s.excluded))
	for p := 1; p <= s.pageCount; p++ {
		if !s.excluded[p] {
			pages = append(pages, p)
		}
	}
	return pages
}

// SheetCount returns the number of sheets.
func (s *Compositor) SheetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (len(s.included()) + s.n - 1) / s.n
}

// SheetPages returns the pages shown on a sheet, in order.
// Sheets are numbered from 1.
func (s *Compositor) SheetPages(sheet int) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sheetPages(sheet)
}

func (s *Compositor) sheetPages(sheet int) ([]int, error) {
	pages := s.included()
	count := (len(pages) + s.n - 1) / s.n
	if sheet < 1 || sheet > count {
		return nil, fmt.Errorf("sheet %d of %d: %w", sheet, count, ErrSheetNotFound)
	}
	start := (sheet - 1) * s.n
	return slices.Clone(pages[start:min(start+s.n, len(pages))]), nil
}

// Grid returns the number of columns and rows used for n pages per sheet.
// Two pages are placed side by side on landscape sheets and one above the
// other on portrait sheets.
func Grid(n int, landscape bool) (cols, rows int) {
	switch n {
	case 2:
		if landscape {
			return 2, 1
		}
		return 1, 2
	case 4:
		return 2, 2
	default:
		return 1, 1
	}
}

// Cells returns the cell rectangles of a sheet of the given size, in the
// order in which pages are placed.
func (s *Compositor) Cells(width, height int) []image.Rectangle {
	return s.cells(s.PagesPerSheet(), width, height)
}

func (s *Compositor) cells(n, width, height int) []image.Rectangle {
	w, h := float64(width), float64(height)
	cols, rows := Grid(n, w > h)

	o := transform.Portrait
	if w > h {
		o = transform.Landscape
	}
	pw, ph := s.paper.Oriented(o)
	k := min(w/pw, h/ph)
	margin, gap := s.margin*k, s.gap*k

	cw := (w - 2*margin - float64(cols-1)*gap) / float64(cols)
	ch := (h - 2*margin - float64(rows-1)*gap) / float64(rows)
	if cw < 1 || ch < 1 {
		margin, gap = 0, 0
		cw, ch = w/float64(cols), h/float64(rows)
	}

	res := make([]image.Rectangle, 0, cols*rows)
	for r := range rows {
		for c := range cols {
			x0 := margin + float64(c)*(cw+gap)
			y0 := margin + float64(r)*(ch+gap)
			res = append(res, image.Rect(
				int(math.Round(x0)), int(math.Round(y0)),
				int(math.Round(x0+cw)), int(math.Round(y0+ch)),
			))
		}
	}
	return res
}

// layoutKey describes the contents of a sheet, for the cache key.
func layoutKey(n int, pages []int) string {
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = strconv.Itoa(p)
	}
	return fmt.Sprintf("n%d/%s", n, strings.Join(parts, ","))
}

// RenderSheet returns the image of a sheet of width × height pixels.
// The returned image is shared with the cache and must not be modified.
func (s *Compositor) RenderSheet(ctx context.Context, sheet, width, height int) (*image.RGBA, error) {
	s.mu.Lock()
	n := s.n
	pages, err := s.sheetPages(sheet)
	layout := s.layout.Load()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	cols, rows := Grid(n, width > height)
	if width < cols || height < rows {
		return nil, fmt.Errorf("sheet %d: invalid size %dx%d", sheet, width, height)
	}

	key := cache.Key{
		Page:      sheet,
		Transform: layoutKey(n, pages),
		Width:     width,
		Height:    height,
	}
	build := func(ctx context.Context) (*image.RGBA, error) {
		return s.compose(ctx, n, pages, width, height)
	}
	// A layout change while composing has already purged the sheet tier.
	current := func() bool { return s.layout.Load() == layout }
	return s.cache.Sheet(ctx, key, pages, build, current)
}

// Thumbnail returns a small image of a sheet, fitted into a square of
// maxDim pixels.  The sheet has the proportions of the paper, turned to
// landscape for two pages per sheet.
func (s *Compositor) Thumbnail(ctx context.Context, sheet, maxDim int) (*image.RGBA, error) {
	if maxDim <= 0 {
		return nil, fmt.Errorf("sheet %d: invalid thumbnail size %d", sheet, maxDim)
	}
	o := transform.Portrait
	if s.PagesPerSheet() == 2 {
		o = transform.Landscape
	}
	pw, ph := s.paper.Oriented(o)
	k := float64(maxDim) / max(pw, ph)
	w := max(2, int(math.Round(pw*k)))
	h := max(2, int(math.Round(ph*k)))
	return s.RenderSheet(ctx, sheet, w, h)
}

func (s *Compositor) compose(ctx context.Context, n int, pages []int, width, height int) (*image.RGBA, error) {
	cells := s.cells(n, width, height)

	members := make([]*image.RGBA, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	for i, page := range pages {
		cell := cells[i]
		g.Go(func() error {
			img, err := s.cache.Preview(gctx, page, max(1, cell.Dx()), max(1, cell.Dy()), cache.NUp)
			if err != nil {
				return err
			}
			members[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(out, out.Bounds(), image.NewUniform(s.bg), image.Point{}, draw.Src)
	for i, cell := range cells {
		if i < len(members) {
			place(out, cell, members[i])
		} else {
			s.placeholder(out, cell)
		}
	}
	return out, nil
}

// place draws img centred in cell.  Images larger than the cell are
// scaled down to fit.
func place(dst *image.RGBA, cell image.Rectangle, img *image.RGBA) {
	size := img.Rect.Size()
	if size.X <= cell.Dx() && size.Y <= cell.Dy() {
		draw.Draw(dst, centre(cell, size), img, img.Rect.Min, draw.Over)
		return
	}
	k := min(float64(cell.Dx())/float64(size.X), float64(cell.Dy())/float64(size.Y))
	size = image.Point{
		X: max(1, int(float64(size.X)*k)),
		Y: max(1, int(float64(size.Y)*k)),
	}
	draw.ApproxBiLinear.Scale(dst, centre(cell, size), img, img.Rect, draw.Over, nil)
}

func centre(cell image.Rectangle, size image.Point) image.Rectangle {
	p := cell.Min.Add(image.Point{X: (cell.Dx() - size.X) / 2, Y: (cell.Dy() - size.Y) / 2})
	return image.Rectangle{Min: p, Max: p.Add(size)}
}

// placeholder marks an empty cell with a dashed border and a cross.
func (s *Compositor) placeholder(dst *image.RGBA, cell image.Rectangle) {
	x0, y0 := float64(cell.Min.X), float64(cell.Min.Y)
	x1, y1 := float64(cell.Max.X), float64(cell.Max.Y)
	lw := max(1, float64(min(cell.Dx(), cell.Dy()))/150)

	rs := raster.NewRasteriser(raster.ClipFor(dst))
	rs.Width = lw
	rs.Cap = graphics.LineCapRound
	rs.Join = graphics.LineJoinRound
	rs.Dash = []float64{6 * lw, 6 * lw}
	frame := new(raster.Builder).RoundRect(x0+lw/2, y0+lw/2, x1-lw/2, y1-lw/2, 4*lw)
	rs.PaintStroke(dst, frame.Path(), s.mark)

	rs.Cap = graphics.LineCapButt
	rs.Dash = nil
	cross := new(raster.Builder).
		MoveTo(vec.Vec2{X: x0, Y: y0}).LineTo(vec.Vec2{X: x1, Y: y1}).
		MoveTo(vec.Vec2{X: x1, Y: y0}).LineTo(vec.Vec2{X: x0, Y: y1})
	rs.PaintStroke(dst, cross.Path(), s.mark)
}
