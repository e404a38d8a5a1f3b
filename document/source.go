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

// Package document opens PDF documents and renders their pages to bitmaps.
//
// A [Source] owns the parsed document.  It reports the geometry of every
// page and renders raw page bitmaps at a given scale.  Renders of the same
// page are serialised, since page handles are not reentrant; different
// pages may render concurrently.
package document

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"
)

// Source is an open document.
type Source struct {
	pages   []PageGeometry
	backend Renderer
	log     *slog.Logger

	// life is held for reading during renders and for writing by Close.
	life sync.RWMutex

	mu     sync.Mutex
	closed bool
	slots  map[int]*pageSlot
}

// pageSlot serialises access to the handle of one page.
type pageSlot struct {
	sem  chan struct{}
	page Page
}

type options struct {
	parser   Parser
	backend  Backend
	validate bool
	logger   *slog.Logger
}

// Option configures Open and NewSource.
type Option func(*options)

// WithParser sets the parser used to read page geometry.
// The default is PDFParser.
func WithParser(p Parser) Option {
	return func(o *options) { o.parser = p }
}

// WithBackend sets the page renderer.  The default is FitzBackend.
func WithBackend(b Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithValidation enables structural validation of the file before
// parsing.  Validation failures are reported as ParseError.
func WithValidation(on bool) Option {
	return func(o *options) { o.validate = on }
}

// WithLogger sets the logger.  The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func makeOptions(opts []Option) *options {
	o := &options{
		parser:  PDFParser{},
		backend: FitzBackend,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// Open parses the document in src.
func Open(ctx context.Context, src ByteSource, opts ...Option) (*Source, error) {
	o := makeOptions(opts)
	if src == nil || src.Size() == 0 {
		return nil, &ParseError{Err: errors.New("empty document")}
	}

	start := time.Now()
	if o.validate {
		if err := validate(src); err != nil {
			return nil, err
		}
	}

	pages, err := o.parser.Parse(ctx, src)
	if err != nil {
		var perr *ParseError
		if errors.As(err, &perr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &ParseError{Err: err}
	}

	r, err := o.backend(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("open renderer: %w", err)
	}

	s, err := newSource(pages, r, o)
	if err != nil {
		r.Close()
		return nil, err
	}
	o.logger.Debug("Document opened.",
		"pages", len(pages), "bytes", src.Size(), "duration", time.Since(start))
	return s, nil
}

// NewSource returns a Source for a document with known page geometry.
// The page numbers must be 1, 2, ..., len(pages) in order.
func NewSource(pages []PageGeometry, r Renderer, opts ...Option) (*Source, error) {
	return newSource(pages, r, makeOptions(opts))
}

func newSource(pages []PageGeometry, r Renderer, o *options) (*Source, error) {
	if len(pages) == 0 {
		return nil, &ParseError{Err: errors.New("no pages")}
	}
	for i, g := range pages {
		if g.PageNumber != i+1 {
			return nil, &ParseError{Err: fmt.Errorf("page %d has number %d", i+1, g.PageNumber)}
		}
		if err := g.Validate(); err != nil {
			return nil, &ParseError{Err: err}
		}
	}
	return &Source{
		pages:   slices.Clone(pages),
		backend: r,
		log:     o.logger,
		slots:   make(map[int]*pageSlot),
	}, nil
}

// PageCount returns the number of pages.
func (s *Source) PageCount() int {
	return len(s.pages)
}

// Pages returns the geometry of all pages.
func (s *Source) Pages() []PageGeometry {
	return slices.Clone(s.pages)
}

// Geometry returns the geometry of a page.
func (s *Source) Geometry(page int) (PageGeometry, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return PageGeometry{}, ErrClosed
	}
	if page < 1 || page > len(s.pages) {
		return PageGeometry{}, pageNotFound(page, len(s.pages))
	}
	return s.pages[page-1], nil
}

// RenderRaw renders a page without any transformation.  The result has
// size g.PixelSize(scale), up to rounding differences in the backend.
//
// Concurrent calls for the same page are run one after the other.
// If ctx is cancelled, the result is discarded and ctx.Err() is returned.
func (s *Source) RenderRaw(ctx context.Context, page int, scale float64) (*image.RGBA, error) {
	if !(scale > 0) || math.IsInf(scale, 0) {
		return nil, fmt.Errorf("page %d: invalid scale %g", page, scale)
	}

	s.life.RLock()
	defer s.life.RUnlock()

	slot, g, err := s.slot(page)
	if err != nil {
		return nil, err
	}

	select {
	case slot.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-slot.sem }()

	if s.isClosed() {
		return nil, ErrClosed
	}

	if slot.page == nil {
		p, err := s.backend.LoadPage(ctx, g)
		if err != nil {
			return nil, fmt.Errorf("load page %d: %w", page, err)
		}
		slot.page = p
		s.log.Debug("Page handle loaded.", "page", page)
	}

	img, err := slot.page.Render(ctx, scale)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, fmt.Errorf("render page %d: %w", page, err)
	}
	return img, nil
}

func (s *Source) slot(page int) (*pageSlot, PageGeometry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, PageGeometry{}, ErrClosed
	}
	if page < 1 || page > len(s.pages) {
		return nil, PageGeometry{}, pageNotFound(page, len(s.pages))
	}
	slot := s.slots[page]
	if slot == nil {
		slot = &pageSlot{sem: make(chan struct{}, 1)}
		s.slots[page] = slot
	}
	return slot, s.pages[page-1], nil
}

func (s *Source) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close waits for running renders to finish and then releases all page
// handles and the document.  Closing a closed Source has no effect.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.life.Lock()
	defer s.life.Unlock()

	var errs []error
	for page, slot := range s.slots {
		if slot.page == nil {
			continue
		}
		if err := slot.page.Close(); err != nil {
			errs = append(errs, fmt.Errorf("page %d: %w", page, err))
		}
		slot.page = nil
	}
	if err := s.backend.Close(); err != nil {
		errs = append(errs, err)
	}
	s.log.Debug("Document closed.", "loadedPages", len(s.slots))
	return errors.Join(errs...)
}
