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

// Package cache keeps rendered page images in memory.
//
// Images are grouped into tiers by quality (thumbnail, standard, high) plus
// a tier for composed sheets.  Every tier is a separate LRU list with its
// own capacity.  Below the tiers, raw page bitmaps are kept in a small LRU
// keyed by page, mode and scale, so that different transforms of one page
// share a single raw render.
//
// Concurrent misses for the same raw bitmap are merged into one render.
// Changing the transform of a page removes all images of that page,
// including sheets which show it.  Every cached image owns a handle in a
// [blob.Registry]; the handle is revoked when the image leaves the cache.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"

	"seehuhn.de/go/preview/blob"
	"seehuhn.de/go/preview/document"
	"seehuhn.de/go/preview/pipeline"
	"seehuhn.de/go/preview/transform"
)

// RawSource renders untransformed pages.
// It is implemented by *document.Source.
type RawSource interface {
	PageCount() int
	Geometry(page int) (document.PageGeometry, error)
	RenderRaw(ctx context.Context, page int, scale float64) (*image.RGBA, error)
}

// TransformSource provides the page transforms and announces changes.
// It is implemented by *transform.Store.
type TransformSource interface {
	Get(page int) transform.PageTransform
	Normalization(page int) (transform.Normalization, error)
	Subscribe(fn func(transform.Event)) (cancel func())
}

// Default values for Options.
const (
	DefaultThumbnailMax = 256
	DefaultStandardMax  = 1024
	DefaultRawLimit     = 8
)

// DefaultLimits returns the default number of entries per tier.
func DefaultLimits() map[Tier]int {
	return map[Tier]int{
		Thumbnail: 64,
		Standard:  16,
		High:      4,
		Sheet:     8,
	}
}

// Options configure a Cache.
type Options struct {
	// Limits gives the maximum number of entries per tier.  Tiers with
	// limit 0, or missing from a non-nil map, do not keep images.
	// Nil means DefaultLimits().
	Limits map[Tier]int

	// ThumbnailMax and StandardMax select the tier of a request by the
	// larger of its target width and height: up to ThumbnailMax pixels is
	// a thumbnail, up to StandardMax a standard preview, anything larger
	// is high quality.  Zero values are replaced by the defaults.
	ThumbnailMax int
	StandardMax  int

	// RawLimit is the number of raw page bitmaps kept.  Zero means
	// DefaultRawLimit, a negative value disables the raw level.
	RawLimit int

	// Pipeline controls how pages are drawn.
	Pipeline pipeline.Options

	// Logger receives debug and warning messages.  Nil means
	// slog.Default().
	Logger *slog.Logger
}

// Cache is the render cache of one document.  It is safe for concurrent
// use.
type Cache struct {
	src        RawSource
	transforms TransformSource
	reg        *blob.Registry
	log        *slog.Logger
	pipe       pipeline.Options

	thumbMax, stdMax int
	unsubscribe      func()

	group singleflight.Group

	mu       sync.Mutex
	closed   bool
	limits   [numTiers]int
	tiers    [numTiers]*simplelru.LRU[Key, *entry]
	raw      *simplelru.LRU[rawKey, *image.RGBA]
	gen      map[int]uint64
	inflight map[flightKey]int
	counters counters
}

type entry struct {
	key    Key
	img    *image.RGBA
	pages  []int
	handle *blob.ObjectURL
}

type counters struct {
	hits, misses   int
	evictions      int
	upgrades       int
	invalidated    int
	aborted        int
	rawHits        int
	rawRenders     int
	sharedRenders  int
	staleDiscarded int
}

// New returns a cache for the pages of src, drawn with the transforms of
// transforms.  Image handles are registered with reg.
func New(src RawSource, transforms TransformSource, reg *blob.Registry, opts Options) (*Cache, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limits := opts.Limits
	if limits == nil {
		limits = DefaultLimits()
	}
	c := &Cache{
		src:        src,
		transforms: transforms,
		reg:        reg,
		log:        logger,
		pipe:       opts.Pipeline,
		thumbMax:   opts.ThumbnailMax,
		stdMax:     opts.StandardMax,
		gen:        make(map[int]uint64),
		inflight:   make(map[flightKey]int),
	}
	if c.thumbMax <= 0 {
		c.thumbMax = DefaultThumbnailMax
	}
	if c.stdMax <= 0 {
		c.stdMax = DefaultStandardMax
	}
	if c.stdMax < c.thumbMax {
		return nil, fmt.Errorf("standard size %d below thumbnail size %d", c.stdMax, c.thumbMax)
	}

	for t, n := range limits {
		if !t.valid() {
			return nil, fmt.Errorf("unknown cache tier %d", int(t))
		}
		if n < 0 {
			return nil, fmt.Errorf("negative limit %d for %s tier", n, t)
		}
		if n == 0 {
			continue
		}
		lru, err := simplelru.NewLRU[Key, *entry](n, c.released)
		if err != nil {
			return nil, fmt.Errorf("%s tier: %w", t, err)
		}
		c.limits[t] = n
		c.tiers[t] = lru
	}

	rawLimit := opts.RawLimit
	if rawLimit == 0 {
		rawLimit = DefaultRawLimit
	}
	if rawLimit > 0 {
		raw, err := simplelru.NewLRU[rawKey, *image.RGBA](rawLimit, nil)
		if err != nil {
			return nil, fmt.Errorf("raw level: %w", err)
		}
		c.raw = raw
	}

	c.unsubscribe = transforms.Subscribe(func(ev transform.Event) {
		c.Invalidate(ev.Page)
	})
	return c, nil
}

// released is called by the tier lists whenever an entry leaves the cache.
func (c *Cache) released(key Key, e *entry) {
	c.reg.Revoke(key.String())
	c.log.Debug("Cache entry released.", "key", key.String())
}

// TierFor returns the tier used for a target size.
func (c *Cache) TierFor(width, height int) Tier {
	m := max(width, height)
	switch {
	case m <= c.thumbMax:
		return Thumbnail
	case m <= c.stdMax:
		return Standard
	default:
		return High
	}
}

// Preview returns the image of a page, drawn with its current transform to
// fit a target of width × height pixels.  The tier is chosen by the target
// size.
//
// The returned image is shared with the cache and must not be modified.
func (c *Cache) Preview(ctx context.Context, page, width, height int, mode Mode) (*image.RGBA, error) {
	return c.PreviewTier(ctx, page, width, height, mode, c.TierFor(width, height))
}

// PreviewTier is like Preview, but stores the image in the given tier.
func (c *Cache) PreviewTier(ctx context.Context, page, width, height int, mode Mode, tier Tier) (*image.RGBA, error) {
	e, err := c.get(ctx, page, width, height, mode, tier)
	if err != nil {
		return nil, err
	}
	return e.img, nil
}

// Encoded returns the image of a page, as by Preview, compressed in the
// given format.
func (c *Cache) Encoded(ctx context.Context, page, width, height int, mode Mode, f blob.Format, quality int) ([]byte, error) {
	e, err := c.get(ctx, page, width, height, mode, c.TierFor(width, height))
	if err != nil {
		return nil, err
	}
	return e.encode(f, quality)
}

func (c *Cache) get(ctx context.Context, page, width, height int, mode Mode, tier Tier) (*entry, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("page %d: invalid target size %dx%d", page, width, height)
	}
	if !tier.valid() || tier == Sheet {
		return nil, fmt.Errorf("page %d: cannot store a page image in the %s tier", page, tier)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, document.ErrClosed
	}
	gen := c.gen[page]
	c.mu.Unlock()

	g, err := c.src.Geometry(page)
	if err != nil {
		return nil, err
	}
	t := c.transforms.Get(page)
	key := Key{
		Page:      page,
		Transform: t.Key(),
		Width:     width,
		Height:    height,
		Mode:      mode,
		Tier:      tier,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, document.ErrClosed
	}
	if e, ok := c.lookup(key); ok {
		c.mu.Unlock()
		return e, nil
	}
	c.counters.misses++
	c.mu.Unlock()

	var n transform.Normalization
	if mode == NUp {
		n = transform.IdentityNormalization(g)
	} else if n, err = c.transforms.Normalization(page); err != nil {
		return nil, err
	}

	provider := func(ctx context.Context, scale float64) (*image.RGBA, error) {
		return c.rawBitmap(ctx, rawKey{page: page, mode: mode, scale: scale})
	}
	img, err := pipeline.Render(ctx, g, n, t, provider, image.Point{X: width, Y: height}, &c.pipe)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, c.fail(ctx, page, err)
	}
	return c.insert(&entry{key: key, img: img, pages: []int{page}}, []uint64{gen}, nil), nil
}

// lookup returns a cached entry and marks it as recently used.
// The caller must hold c.mu.
func (c *Cache) lookup(key Key) (*entry, bool) {
	lru := c.tiers[key.Tier]
	if lru == nil {
		return nil, false
	}
	e, ok := lru.Get(key)
	if ok {
		c.counters.hits++
		c.reg.Touch(key.String())
	}
	return e, ok
}

// insert stores e, unless one of its pages changed since gens were
// recorded or current reports false.  current is called with c.mu held
// and may be nil.  If another caller stored an image under the same key
// in the meantime, that entry is returned instead.
func (c *Cache) insert(e *entry, gens []uint64, current func() bool) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return e
	}
	for i, p := range e.pages {
		if c.gen[p] != gens[i] {
			c.counters.staleDiscarded++
			c.log.Debug("Stale image not cached.", "page", p, "key", e.key.String())
			return e
		}
	}
	if current != nil && !current() {
		c.counters.staleDiscarded++
		c.log.Debug("Outdated sheet not cached.", "key", e.key.String())
		return e
	}
	lru := c.tiers[e.key.Tier]
	if lru == nil {
		return e
	}
	if old, ok := lru.Get(e.key); ok {
		return old
	}

	e.handle = blob.NewObjectURL(e.img)
	c.reg.Register(e.key.String(), e.handle, blob.Metadata{
		Pages: e.pages,
		Tier:  e.key.Tier.String(),
		Bytes: int64(len(e.img.Pix)),
	})
	if lru.Add(e.key, e) {
		c.counters.evictions++
	}
	c.upgrade(e.key)
	return e
}

// upgrade removes the images of the page of key from all lower tiers.
// The caller must hold c.mu.
func (c *Cache) upgrade(key Key) {
	if key.Tier == Sheet {
		return
	}
	for t := Thumbnail; t < key.Tier; t++ {
		lru := c.tiers[t]
		if lru == nil {
			continue
		}
		for _, k := range lru.Keys() {
			if k.Page == key.Page && k.Mode == key.Mode {
				lru.Remove(k)
				c.counters.upgrades++
				c.log.Debug("Lower quality image dropped.", "page", k.Page, "tier", t.String())
			}
		}
	}
}

// rawBitmap returns the raw bitmap for k, from the raw level or by
// rendering.  Concurrent calls for the same page and mode share one
// render, even if they ask for different scales; the pipeline resamples
// whatever bitmap it gets.  If a shared render is aborted by the caller
// which started it, the others try again until they either get a bitmap
// or start a render of their own.
func (c *Cache) rawBitmap(ctx context.Context, k rawKey) (*image.RGBA, error) {
	fk := k.flight()
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, document.ErrClosed
		}
		if c.raw != nil {
			if img, ok := c.raw.Get(k); ok {
				c.counters.rawHits++
				c.mu.Unlock()
				return img, nil
			}
		}
		if c.inflight[fk] > 0 {
			c.counters.sharedRenders++
		}
		c.inflight[fk]++
		c.mu.Unlock()

		var leader atomic.Bool
		ch := c.group.DoChan(fk.String(), func() (any, error) {
			leader.Store(true)
			return c.renderRaw(ctx, k)
		})

		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			if leader.Load() {
				// later callers must not join a render which is
				// about to fail
				c.group.Forget(fk.String())
			}
			c.leave(fk)
			return nil, ctx.Err()
		}
		c.leave(fk)

		if res.Err == nil {
			return res.Val.(*image.RGBA), nil
		}
		if !leader.Load() && isAbort(res.Err) && ctx.Err() == nil {
			c.log.Debug("Shared render aborted, retrying.", "page", k.page)
			continue
		}
		return nil, res.Err
	}
}

func (c *Cache) leave(k flightKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[k]--; c.inflight[k] <= 0 {
		delete(c.inflight, k)
	}
}

func (c *Cache) renderRaw(ctx context.Context, k rawKey) (*image.RGBA, error) {
	c.mu.Lock()
	c.counters.rawRenders++
	c.mu.Unlock()

	img, err := c.src.RenderRaw(ctx, k.page, k.scale)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if !c.closed && c.raw != nil {
		c.raw.Add(k, img)
	}
	c.mu.Unlock()
	return img, nil
}

// waiters returns the number of callers waiting for raw renders of a page.
func (c *Cache) waiters(page int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, count := range c.inflight {
		if k.page == page {
			n += count
		}
	}
	return n
}

// fail converts a render error into the error returned to the caller.
func (c *Cache) fail(ctx context.Context, page int, err error) error {
	var renderErr *RenderError
	switch {
	case errors.Is(err, ErrRenderAborted), errors.As(err, &renderErr),
		errors.Is(err, document.ErrClosed), errors.Is(err, document.ErrPageNotFound),
		errors.Is(err, transform.ErrInvalidTransform):
		return err
	case ctx.Err() != nil || isAbort(err):
		c.mu.Lock()
		c.counters.aborted++
		c.mu.Unlock()
		c.log.Debug("Render aborted.", "page", page)
		cause := ctx.Err()
		if cause == nil {
			cause = err
		}
		return errors.Join(ErrRenderAborted, cause)
	}
	c.log.Warn("Render failed.", "page", page, "error", err)
	return &RenderError{Page: page, Err: err}
}

func isAbort(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Sheet returns the image cached under key in the sheet tier, or calls
// build to create it.  The image is removed from the cache when the
// transform of one of the given pages changes.
//
// If current is not nil, it is called once build has finished.  When it
// returns false, the new image is returned to the caller but not cached.
// current must not call methods of c.
func (c *Cache) Sheet(ctx context.Context, key Key, pages []int, build func(context.Context) (*image.RGBA, error), current func() bool) (*image.RGBA, error) {
	key.Tier = Sheet
	key.Mode = NUp

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, document.ErrClosed
	}
	if e, ok := c.lookup(key); ok {
		c.mu.Unlock()
		return e.img, nil
	}
	c.counters.misses++
	gens := make([]uint64, len(pages))
	for i, p := range pages {
		gens[i] = c.gen[p]
	}
	c.mu.Unlock()

	img, err := build(ctx)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, c.fail(ctx, key.Page, err)
	}
	e := c.insert(&entry{key: key, img: img, pages: slices.Clone(pages)}, gens, current)
	return e.img, nil
}

// Invalidate removes all images showing the given page, in all tiers, and
// returns their number.  Renders of the page which are in progress are not
// cached when they complete.
//
// The cache calls Invalidate itself whenever the transform of a page
// changes.
func (c *Cache) Invalidate(page int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen[page]++
	n := 0
	for _, lru := range c.tiers {
		if lru == nil {
			continue
		}
		for _, k := range lru.Keys() {
			e, ok := lru.Peek(k)
			if ok && slices.Contains(e.pages, page) {
				lru.Remove(k)
				n++
			}
		}
	}
	c.counters.invalidated += n
	if n > 0 {
		c.log.Debug("Page invalidated.", "page", page, "entries", n)
	}
	return n
}

// PurgeTier removes all images of one tier and returns their number.
func (c *Cache) PurgeTier(t Tier) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !t.valid() || c.tiers[t] == nil {
		return 0
	}
	n := c.tiers[t].Len()
	c.tiers[t].Purge()
	return n
}

// Cached reports whether the image which Preview would return for the
// given arguments is in the cache.  The recency of the entry is not
// changed.
func (c *Cache) Cached(page, width, height int, mode Mode) bool {
	key := Key{
		Page:      page,
		Transform: c.transforms.Get(page).Key(),
		Width:     width,
		Height:    height,
		Mode:      mode,
		Tier:      c.TierFor(width, height),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	lru := c.tiers[key.Tier]
	return lru != nil && lru.Contains(key)
}

// Keys returns the keys of a tier, from least to most recently used.
func (c *Cache) Keys(t Tier) []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !t.valid() || c.tiers[t] == nil {
		return nil
	}
	return c.tiers[t].Keys()
}

// Close removes all images and revokes their handles.  Afterwards, all
// methods which render return document.ErrClosed.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, lru := range c.tiers {
		if lru != nil {
			lru.Purge()
		}
	}
	if c.raw != nil {
		c.raw.Purge()
	}
	c.mu.Unlock()

	c.unsubscribe()
	if n := c.reg.Clear(); n > 0 {
		c.log.Warn("Handles left after cache close.", "handles", n)
	}
	return nil
}

func (e *entry) encode(f blob.Format, quality int) ([]byte, error) {
	if e.handle != nil {
		data, err := e.handle.Bytes(f, quality)
		if !errors.Is(err, blob.ErrReleased) {
			return data, err
		}
	}
	var buf bytes.Buffer
	if err := blob.Encode(&buf, e.img, f, quality); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
