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

package transform

import (
	"fmt"
	"strings"
)

// PaperSize is a named paper format in portrait orientation.
type PaperSize struct {
	Name   string
	Width  float64 // in PDF points (1" = 72pt)
	Height float64 // in PDF points
}

var (
	A3     = PaperSize{Name: "A3", Width: 841.88976, Height: 1190.55118} // 297mm x 420mm
	A4     = PaperSize{Name: "A4", Width: 595.27559, Height: 841.88976}  // 210mm x 297mm
	A5     = PaperSize{Name: "A5", Width: 419.52756, Height: 595.27559}  // 148mm x 210mm
	Letter = PaperSize{Name: "Letter", Width: 612, Height: 792}          // 8.5" x 11"
	Legal  = PaperSize{Name: "Legal", Width: 612, Height: 1008}          // 8.5" x 14"
)

var papers = []PaperSize{A3, A4, A5, Letter, Legal}

// PaperByName looks up a paper size, ignoring case.
func PaperByName(name string) (PaperSize, error) {
	for _, p := range papers {
		if strings.EqualFold(p.Name, name) {
			return p, nil
		}
	}
	return PaperSize{}, fmt.Errorf("unknown paper size %q", name)
}

// Oriented returns the paper size turned to the given orientation.
func (p PaperSize) Oriented(o Orientation) (w, h float64) {
	if o == Landscape {
		return p.Height, p.Width
	}
	return p.Width, p.Height
}
