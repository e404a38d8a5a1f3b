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
	"log/slog"
	"slices"
	"sync"

	"seehuhn.de/go/preview/document"
)

// GeometrySource provides the intrinsic page geometry.
// It is implemented by *document.Source.
type GeometrySource interface {
	PageCount() int
	Geometry(page int) (document.PageGeometry, error)
}

// Event describes a change of the transform of one page.
type Event struct {
	Page     int
	Old, New PageTransform
}

type subscriber struct {
	id int
	fn func(Event)
}

// Store keeps the transform of every page.  Pages which were never edited
// have the identity transform.
//
// Changes are announced to subscribers, which is how caches learn that
// their entries for a page are stale.
type Store struct {
	geom  GeometrySource
	paper PaperSize
	log   *slog.Logger

	mu         sync.RWMutex
	transforms map[int]PageTransform
	norms      map[int]Normalization

	subMu  sync.Mutex
	subs   []subscriber
	nextID int
}

// NewStore returns an empty Store for the pages of geom.  Normalization
// maps pages onto the given paper size.  If logger is nil, slog.Default()
// is used.
func NewStore(geom GeometrySource, paper PaperSize, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		geom:       geom,
		paper:      paper,
		log:        logger,
		transforms: make(map[int]PageTransform),
		norms:      make(map[int]Normalization),
	}
}

// Paper returns the reference paper size.
func (s *Store) Paper() PaperSize {
	return s.paper
}

// Get returns the transform of a page.  The identity is returned for pages
// without an edit, including page numbers outside the document.
func (s *Store) Get(page int) PageTransform {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.transforms[page]; ok {
		return t.clone()
	}
	return Identity()
}

// Set merges u into the transform of a page.  If the result is invalid, an
// error wrapping ErrInvalidTransform is returned and the previous transform
// is kept.  Subscribers are notified if the transform changed.
func (s *Store) Set(page int, u Update) (PageTransform, error) {
	if _, err := s.geom.Geometry(page); err != nil {
		return PageTransform{}, err
	}

	s.mu.Lock()
	old, ok := s.transforms[page]
	if !ok {
		old = Identity()
	}
	t := u.Apply(old)
	if err := t.Validate(); err != nil {
		s.mu.Unlock()
		s.log.Debug("Transform rejected.", "page", page, "error", err)
		return old.clone(), err
	}
	if t.Equal(old) {
		s.mu.Unlock()
		return t.clone(), nil
	}
	if t.IsIdentity() {
		delete(s.transforms, page)
	} else {
		s.transforms[page] = t
	}
	s.mu.Unlock()

	s.log.Debug("Transform changed.", "page", page, "transform", t.Key())
	s.notify(Event{Page: page, Old: old, New: t.clone()})
	return t.clone(), nil
}

// Reset restores the identity transform of a page.
func (s *Store) Reset(page int) error {
	zero, hundred := 0, 100.0
	zeroF := 0.0
	_, err := s.Set(page, Update{
		ClearCrop: true,
		Rotation:  &zero,
		Scale:     &hundred,
		OffsetX:   &zeroF,
		OffsetY:   &zeroF,
	})
	return err
}

// Edited returns the numbers of all pages with a non-identity transform,
// in increasing order.
func (s *Store) Edited() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pages := make([]int, 0, len(s.transforms))
	for p := range s.transforms {
		pages = append(pages, p)
	}
	slices.Sort(pages)
	return pages
}

// Normalization returns the paper normalization of a page.  The value is
// computed on first use and then kept.
func (s *Store) Normalization(page int) (Normalization, error) {
	s.mu.RLock()
	n, ok := s.norms[page]
	s.mu.RUnlock()
	if ok {
		return n, nil
	}

	g, err := s.geom.Geometry(page)
	if err != nil {
		return Normalization{}, err
	}
	n = Normalize(g, s.paper)

	s.mu.Lock()
	s.norms[page] = n
	s.mu.Unlock()
	return n, nil
}

// Subscribe registers fn to be called after every change.  Callbacks run
// on the goroutine which made the change, after the store is unlocked, in
// the order of subscription.  The returned function removes the
// subscription.
func (s *Store) Subscribe(fn func(Event)) (cancel func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		s.subs = slices.DeleteFunc(s.subs, func(sub subscriber) bool { return sub.id == id })
	}
}

func (s *Store) notify(ev Event) {
	s.subMu.Lock()
	subs := slices.Clone(s.subs)
	s.subMu.Unlock()
	for _, sub := range subs {
		sub.fn(ev)
	}
}
