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
	"errors"
	"math"
	"testing"

	"seehuhn.de/go/preview/document"
)

type pages []document.PageGeometry

func (p pages) PageCount() int { return len(p) }

func (p pages) Geometry(page int) (document.PageGeometry, error) {
	if page < 1 || page > len(p) {
		return document.PageGeometry{}, document.ErrPageNotFound
	}
	return p[page-1], nil
}

// geometryCounter counts geometry lookups.
type geometryCounter struct {
	pages
	calls int
}

func (g *geometryCounter) Geometry(page int) (document.PageGeometry, error) {
	g.calls++
	return g.pages.Geometry(page)
}

func letterPages(n int) pages {
	res := make(pages, n)
	for i := range res {
		res[i] = document.PageGeometry{PageNumber: i + 1, Width: 612, Height: 792}
	}
	return res
}

func ptr[T any](v T) *T { return &v }

func TestGetDefault(t *testing.T) {
	s := NewStore(letterPages(3), A4, nil)
	if got := s.Get(2); !got.IsIdentity() {
		t.Errorf("Get(2) = %+v, want identity", got)
	}
}

func TestSetMerges(t *testing.T) {
	s := NewStore(letterPages(3), A4, nil)

	if _, err := s.Set(1, Update{Rotation: ptr(90)}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Set(1, Update{Scale: ptr(150.0), Crop: &Crop{X: 0.1, Y: 0.1, Width: 0.5, Height: 0.5}})
	if err != nil {
		t.Fatal(err)
	}
	if got.Rotation != 90 || got.Scale != 150 || got.Crop == nil || got.Crop.Width != 0.5 {
		t.Errorf("merged transform = %+v", got)
	}
	if s.Get(1).Key() != got.Key() {
		t.Error("Get does not return the merged transform")
	}

	got, err = s.Set(1, Update{ClearCrop: true})
	if err != nil {
		t.Fatal(err)
	}
	if got.Crop != nil || got.Rotation != 90 {
		t.Errorf("after ClearCrop: %+v", got)
	}
}

func TestSetInvalid(t *testing.T) {
	s := NewStore(letterPages(3), A4, nil)
	good := &Crop{X: 0.25, Y: 0.25, Width: 0.5, Height: 0.5}
	if _, err := s.Set(2, Update{Crop: good}); err != nil {
		t.Fatal(err)
	}

	bad := []Update{
		{Crop: &Crop{X: 0.6, Y: 0, Width: 0.5, Height: 0.5}},
		{Crop: &Crop{X: -0.1, Y: 0, Width: 0.5, Height: 0.5}},
		{Crop: &Crop{X: 0, Y: 0, Width: 0, Height: 0.5}},
		{Crop: &Crop{X: math.NaN(), Y: 0, Width: 0.5, Height: 0.5}},
		{Rotation: ptr(45)},
		{Scale: ptr(0.0)},
		{Scale: ptr(-10.0)},
		{OffsetX: ptr(math.Inf(1))},
	}
	for i, u := range bad {
		if _, err := s.Set(2, u); !errors.Is(err, ErrInvalidTransform) {
			t.Errorf("%d: got %v, want ErrInvalidTransform", i, err)
		}
		if got := s.Get(2); got.Crop == nil || *got.Crop != *good || got.Scale != 100 {
			t.Errorf("%d: previous transform not kept: %+v", i, got)
		}
	}

	if _, err := s.Set(7, Update{Rotation: ptr(90)}); !errors.Is(err, document.ErrPageNotFound) {
		t.Errorf("unknown page: got %v", err)
	}
}

func TestCropTolerance(t *testing.T) {
	c := Crop{X: 0.1, Y: 0.2, Width: 0.9 + 1e-12, Height: 0.8}
	if err := c.Validate(); err != nil {
		t.Errorf("rounding error rejected: %v", err)
	}
}

func TestSubscribe(t *testing.T) {
	s := NewStore(letterPages(3), A4, nil)

	var events []Event
	cancel := s.Subscribe(func(ev Event) { events = append(events, ev) })

	s.Set(3, Update{Rotation: ptr(-90)})
	s.Set(3, Update{Rotation: ptr(270)}) // same normalized rotation, no event
	s.Set(3, Update{Crop: &Crop{X: 2, Width: 1, Height: 1}})
	s.Reset(3)

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Page != 3 || events[0].New.NormalizedRotation() != 270 || !events[0].Old.IsIdentity() {
		t.Errorf("first event = %+v", events[0])
	}
	if !events[1].New.IsIdentity() {
		t.Errorf("second event = %+v", events[1])
	}
	if len(s.Edited()) != 0 {
		t.Errorf("Edited = %v after Reset", s.Edited())
	}

	cancel()
	s.Set(1, Update{Scale: ptr(120.0)})
	if len(events) != 2 {
		t.Error("event delivered after cancel")
	}
}

func TestNormalizationMemoised(t *testing.T) {
	g := &geometryCounter{pages: pages{
		{PageNumber: 1, Width: 612, Height: 792},
		{PageNumber: 2, Width: 400, Height: 200},
		{PageNumber: 3, Width: 400, Height: 200, Rotation: 90},
	}}
	s := NewStore(g, A4, nil)

	n1, err := s.Normalization(1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Normalization(1); err != nil {
		t.Fatal(err)
	}
	if g.calls != 1 {
		t.Errorf("geometry read %d times, want 1", g.calls)
	}
	if n1.Orientation != Portrait || n1.TargetWidth != A4.Width || n1.TargetHeight != A4.Height {
		t.Errorf("page 1: %+v", n1)
	}

	n2, _ := s.Normalization(2)
	if n2.Orientation != Landscape || n2.TargetWidth != A4.Height {
		t.Errorf("page 2: %+v", n2)
	}
	n3, _ := s.Normalization(3)
	if n3.Orientation != Portrait {
		t.Errorf("page 3: %+v", n3)
	}

	if _, err := s.Normalization(9); !errors.Is(err, document.ErrPageNotFound) {
		t.Errorf("unknown page: %v", err)
	}
}

func TestNormalize(t *testing.T) {
	// a Letter page fitted onto A4: width limits the scale
	n := Normalize(document.PageGeometry{PageNumber: 1, Width: 612, Height: 792}, A4)
	wantScale := A4.Width / 612
	if math.Abs(n.Scale-wantScale) > 1e-12 {
		t.Errorf("scale = %g, want %g", n.Scale, wantScale)
	}
	if math.Abs(n.OffsetX) > 1e-9 {
		t.Errorf("OffsetX = %g, want 0", n.OffsetX)
	}
	wantY := (A4.Height - 792*wantScale) / 2
	if math.Abs(n.OffsetY-wantY) > 1e-9 {
		t.Errorf("OffsetY = %g, want %g", n.OffsetY, wantY)
	}

	id := IdentityNormalization(document.PageGeometry{PageNumber: 1, Width: 100, Height: 50, Rotation: 270})
	if id.Scale != 1 || id.OffsetX != 0 || id.TargetWidth != 50 || id.TargetHeight != 100 {
		t.Errorf("identity normalization = %+v", id)
	}
}

func TestKey(t *testing.T) {
	a := PageTransform{Rotation: -90, Scale: 100}
	b := PageTransform{Rotation: 270, Scale: 100}
	if a.Key() != b.Key() || !a.Equal(b) {
		t.Errorf("keys differ: %q %q", a.Key(), b.Key())
	}
	c := PageTransform{Rotation: 270, Scale: 100, Crop: &Crop{Width: 1, Height: 1}}
	if a.Key() == c.Key() || a.Equal(c) {
		t.Error("crop not part of the key")
	}
}

func TestPaperByName(t *testing.T) {
	p, err := PaperByName("letter")
	if err != nil || p != Letter {
		t.Errorf("PaperByName(letter) = %v, %v", p, err)
	}
	if _, err := PaperByName("B7"); err == nil {
		t.Error("unknown paper accepted")
	}
}
