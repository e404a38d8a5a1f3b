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
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"seehuhn.de/go/geom/rect"
	"seehuhn.de/go/pdf"
	"seehuhn.de/go/pdf/pagetree"
)

// Parser extracts the page geometry of a document.
type Parser interface {
	Parse(ctx context.Context, src ByteSource) ([]PageGeometry, error)
}

// PDFParser reads page geometry from the page tree of a PDF file.
// Only the objects along the page tree are read, so with a ChunkedSource
// most of the content streams are never fetched.
type PDFParser struct {
	// Options are passed to the PDF reader.  May be nil.
	Options *pdf.ReaderOptions
}

// letter is used for pages without a usable MediaBox.
var letter = rect.Rect{URx: 612, URy: 792}

// Parse implements Parser.
func (p PDFParser) Parse(ctx context.Context, src ByteSource) ([]PageGeometry, error) {
	r, err := pdf.NewReader(io.NewSectionReader(src, 0, src.Size()), p.Options)
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	defer r.Close()

	var pages []PageGeometry
	it := pagetree.NewIterator(r)
	for _, dict := range it.All() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		g, err := pageGeometry(r, dict)
		if err != nil {
			return nil, &ParseError{Err: fmt.Errorf("page %d: %w", len(pages)+1, err)}
		}
		g.PageNumber = len(pages) + 1
		pages = append(pages, g)
	}
	if it.Err != nil {
		return nil, &ParseError{Err: it.Err}
	}
	if len(pages) == 0 {
		return nil, &ParseError{Err: errors.New("no pages")}
	}
	return pages, nil
}

// pageGeometry reads the visible box and rotation of a page dictionary
// with inherited attributes already filled in.
func pageGeometry(r pdf.Getter, dict pdf.Dict) (PageGeometry, error) {
	media, err := readBox(r, dict["MediaBox"])
	if err != nil {
		return PageGeometry{}, err
	}
	if media == nil {
		media = &letter
	}
	visible := *media
	crop, err := readBox(r, dict["CropBox"])
	if err != nil {
		return PageGeometry{}, err
	}
	if crop != nil {
		visible = rect.Rect{
			LLx: max(crop.LLx, media.LLx),
			LLy: max(crop.LLy, media.LLy),
			URx: min(crop.URx, media.URx),
			URy: min(crop.URy, media.URy),
		}
		if visible.URx <= visible.LLx || visible.URy <= visible.LLy {
			visible = *media
		}
	}

	rot, err := pdf.Optional(pdf.GetInteger(r, dict["Rotate"]))
	if err != nil {
		return PageGeometry{}, err
	}

	g := PageGeometry{
		Width:    visible.URx - visible.LLx,
		Height:   visible.URy - visible.LLy,
		Rotation: normalizeRotation(int(rot)),
	}
	if !(g.Width > 0) || !(g.Height > 0) {
		return PageGeometry{}, fmt.Errorf("empty page box %v", visible)
	}
	return g, nil
}

// readBox reads a rectangle given as an array of four numbers.  The result
// is nil if the entry is missing or malformed.
func readBox(r pdf.Getter, obj pdf.Object) (*rect.Rect, error) {
	arr, err := pdf.Optional(pdf.GetArray(r, obj))
	if err != nil {
		return nil, err
	}
	if len(arr) != 4 {
		return nil, nil
	}
	var v [4]float64
	for i, o := range arr {
		x, err := pdf.Optional(pdf.GetNumber(r, o))
		if err != nil {
			return nil, err
		}
		v[i] = float64(x)
		if math.IsNaN(v[i]) || math.IsInf(v[i], 0) {
			return nil, nil
		}
	}
	return &rect.Rect{
		LLx: min(v[0], v[2]),
		LLy: min(v[1], v[3]),
		URx: max(v[0], v[2]),
		URy: max(v[1], v[3]),
	}, nil
}

// validate runs the structural checks of pdfcpu in relaxed mode.
func validate(src ByteSource) error {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.Validate(io.NewSectionReader(src, 0, src.Size()), conf); err != nil {
		return &ParseError{Err: fmt.Errorf("validation failed: %w", err)}
	}
	return nil
}
