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

// Package preview renders cached previews of PDF pages.
//
// An [Engine] ties together the parts of the rendering pipeline for one
// document: the document source, the per-page transforms, the render
// cache with its handle registry, the sheet compositor for N-up output
// and the batch loader for progressive loading of many pages.
//
// Typical use:
//
//	e, err := preview.Open(ctx, document.Bytes(data), preview.DefaultConfig())
//	if err != nil { ... }
//	defer e.Close()
//	img, err := e.Preview(ctx, 1, 800, 800)
package preview

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"time"

	"seehuhn.de/go/preview/batch"
	"seehuhn.de/go/preview/blob"
	"seehuhn.de/go/preview/cache"
	"seehuhn.de/go/preview/document"
	"seehuhn.de/go/preview/pipeline"
	"seehuhn.de/go/preview/sheet"
	"seehuhn.de/go/preview/transform"
)

// Engine renders the pages of one document.  It is safe for concurrent
// use.
type Engine struct {
	cfg     Config
	log     *slog.Logger
	format  blob.Format
	closers []io.Closer

	src    *document.Source
	store  *transform.Store
	reg    *blob.Registry
	cache  *cache.Cache
	sheets *sheet.Compositor
	loader *batch.Loader[*image.RGBA]
}

type options struct {
	logger  *slog.Logger
	backend document.Backend
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the logger used by all parts of the engine.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBackend selects the page rasteriser.  This overrides
// Config.Wireframe.
func WithBackend(b document.Backend) Option {
	return func(o *options) { o.backend = b }
}

// Open parses the document in src and prepares it for rendering.
func Open(ctx context.Context, src document.ByteSource, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.backend == nil {
		o.backend = document.FitzBackend
		if cfg.Wireframe {
			o.backend = document.WireframeBackend
		}
	}

	doc, err := document.Open(ctx, src,
		document.WithBackend(o.backend),
		document.WithValidation(cfg.CheckStructure),
		document.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	e, err := newEngine(doc, cfg, o.logger)
	if err != nil {
		doc.Close()
		return nil, err
	}
	return e, nil
}

// OpenFile is like Open, but reads the document from a file.  The file
// stays open until the engine is closed.
func OpenFile(ctx context.Context, path string, cfg Config, opts ...Option) (*Engine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	src, err := document.File(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	e, err := Open(ctx, src, cfg, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	e.closers = append(e.closers, f)
	return e, nil
}

func newEngine(doc *document.Source, cfg Config, logger *slog.Logger) (*Engine, error) {
	paper, err := transform.PaperByName(cfg.Paper)
	if err != nil {
		return nil, err
	}
	bg, err := ParseColor(cfg.Background)
	if err != nil {
		return nil, err
	}
	format, err := blob.ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}

	store := transform.NewStore(doc, paper, logger)
	reg := blob.NewRegistry(logger)
	rawLimit := cfg.RawLimit
	if rawLimit == 0 {
		rawLimit = -1
	}
	c, err := cache.New(doc, store, reg, cache.Options{
		Limits:       cfg.Tiers.limits(),
		ThumbnailMax: cfg.ThumbnailMax,
		StandardMax:  cfg.StandardMax,
		RawLimit:     rawLimit,
		Pipeline:     pipeline.Options{Background: bg},
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	sheets, err := sheet.New(c, doc.PageCount(), sheet.Options{
		PagesPerSheet: cfg.PagesPerSheet,
		Paper:         paper,
		Gap:           spacing(cfg.SheetGap),
		Margin:        spacing(cfg.SheetMargin),
		Background:    bg,
		Logger:        logger,
	})
	if err != nil {
		c.Close()
		return nil, err
	}
	delay := time.Duration(cfg.BatchDelay)
	if delay == 0 {
		delay = -1
	}
	loader := batch.New[*image.RGBA](batch.Options{
		BatchSize: cfg.BatchSize,
		Delay:     delay,
		Logger:    logger,
	})

	return &Engine{
		cfg:    cfg,
		log:    logger,
		format: format,
		src:    doc,
		store:  store,
		reg:    reg,
		cache:  c,
		sheets: sheets,
		loader: loader,
	}, nil
}

// spacing maps a configured spacing to the sheet option, where zero
// selects the default.
func spacing(v float64) float64 {
	if v == 0 {
		return -1
	}
	return v
}

// PageCount returns the number of pages.
func (e *Engine) PageCount() int {
	return e.src.PageCount()
}

// Geometry returns the size and rotation of a page.
func (e *Engine) Geometry(page int) (document.PageGeometry, error) {
	return e.src.Geometry(page)
}

// Transforms gives access to the page transforms.  Changing a transform
// invalidates all cached images of the page.
func (e *Engine) Transforms() *transform.Store {
	return e.store
}

// Sheets gives access to the sheet compositor.
func (e *Engine) Sheets() *sheet.Compositor {
	return e.sheets
}

// Preview returns a page, drawn with its transform, fitted into
// width × height pixels.  The image is shared and must not be modified.
func (e *Engine) Preview(ctx context.Context, page, width, height int) (*image.RGBA, error) {
	return e.cache.Preview(ctx, page, width, height, cache.Normal)
}

// Thumbnail returns a page fitted into a square of the configured
// thumbnail size.
func (e *Engine) Thumbnail(ctx context.Context, page int) (*image.RGBA, error) {
	return e.cache.PreviewTier(ctx, page, e.cfg.ThumbnailMax, e.cfg.ThumbnailMax, cache.Normal, cache.Thumbnail)
}

// Encoded returns the image of Preview compressed in the configured
// format.
func (e *Engine) Encoded(ctx context.Context, page, width, height int) ([]byte, error) {
	return e.cache.Encoded(ctx, page, width, height, cache.Normal, e.format, e.cfg.Quality)
}

// Format returns the format used by Encoded.
func (e *Engine) Format() blob.Format {
	return e.format
}

// LoadPreviews renders the previews of the given pages in the
// background, a few pages at a time.  onPage is called for every page as
// soon as its preview is ready or has failed, onAll once at the end.
func (e *Engine) LoadPreviews(ctx context.Context, pages []int, width, height int, onPage func(batch.Result[*image.RGBA]), onAll func(batch.Summary)) *batch.Job {
	render := func(ctx context.Context, page int) (*image.RGBA, error) {
		return e.Preview(ctx, page, width, height)
	}
	return e.loader.Queue(ctx, pages, render, onPage, onAll)
}

// PageState returns the loading state of a page.
func (e *Engine) PageState(page int) batch.State {
	return e.loader.State(page)
}

// Stats returns the current cache statistics.
func (e *Engine) Stats() cache.Stats {
	return e.cache.Stats()
}

// Close releases all images and the document.  Close must not be called
// while LoadPreviews jobs are running.
func (e *Engine) Close() error {
	errs := []error{e.cache.Close(), e.src.Close()}
	for _, c := range e.closers {
		errs = append(errs, c.Close())
	}
	e.closers = nil
	e.log.Debug("Engine closed.", "handles_released", e.reg.Released())
	return errors.Join(errs...)
}
