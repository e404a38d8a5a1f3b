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

package cache

import (
	"fmt"
	"strconv"
)

// Tier is a quality class of cached images.  Each tier has its own
// capacity.
type Tier int

const (
	Thumbnail Tier = iota
	Standard
	High
	Sheet

	numTiers = iota
)

func (t Tier) String() string {
	switch t {
	case Thumbnail:
		return "thumbnail"
	case Standard:
		return "standard"
	case High:
		return "high"
	case Sheet:
		return "sheet"
	default:
		return "Tier(" + strconv.Itoa(int(t)) + ")"
	}
}

// ParseTier converts a tier name to a Tier.
func ParseTier(name string) (Tier, error) {
	for t := range Tier(numTiers) {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown cache tier %q", name)
}

func (t Tier) valid() bool {
	return t >= 0 && t < numTiers
}

// Mode selects how a page is prepared before the user transform is
// applied.
type Mode int

const (
	// Normal mode maps the page onto the reference paper first.
	Normal Mode = iota

	// NUp mode keeps the page at its own size.  It is used for pages
	// placed on a sheet, where the sheet already defines the paper.
	NUp
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "normal"
	case NUp:
		return "nup"
	default:
		return "Mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// Key identifies a cached image.  For page images, Transform is the key of
// the page transform at render time.  For sheets, Page is the sheet number
// and Transform describes the sheet layout.
type Key struct {
	Page          int
	Transform     string
	Width, Height int
	Mode          Mode
	Tier          Tier
}

// String returns the registry key of k.
func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%s/%dx%d/%s", k.Tier, k.Page, k.Mode, k.Width, k.Height, k.Transform)
}

// rawKey identifies a raw page bitmap.
type rawKey struct {
	page  int
	mode  Mode
	scale float64
}

func (k rawKey) flight() flightKey {
	return flightKey{page: k.page, mode: k.mode}
}

// flightKey identifies a raw render in progress.  Renders are shared
// between all scales of a page.
type flightKey struct {
	page int
	mode Mode
}

func (k flightKey) String() string {
	return fmt.Sprintf("%d/%s", k.page, k.mode)
}
