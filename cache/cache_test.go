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
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"seehuhn.de/go/preview/blob"
	"seehuhn.de/go/preview/document"
	"seehuhn.de/go/preview/transform"
)

// fakeSource renders every page as a grey rectangle and counts the
// renders per page.
type fakeSource struct {
	pages []document.PageGeometry

	mu      sync.Mutex
	renders map[int]int
	gate    chan struct{}
	started chan int
	fail    map[int]error

	// uninterruptible renders ignore cancellation while blocked
	uninterruptible bool
}

func newFakeSource(n int) *fakeSource {
	s := &fakeSource{
		renders: make(map[int]int),
		fail:    make(map[int]error),
	}
	for i := range n {
		s.pages = append(s.pages, document.PageGeometry{PageNumber: i + 1, Width: 612, Height: 792})
	}
	return s
}

func (s *fakeSource) PageCount() int { return len(s.pages) }

func (s *fakeSource) Geometry(page int) (document.PageGeometry, error) {
	if page < 1 || page > len(s.pages) {
		return document.PageGeometry{}, fmt.Errorf("page %d: %w", page, document.ErrPageNotFound)
	}
	return s.pages[page-1], nil
}

func (s *fakeSource) RenderRaw(ctx context.Context, page int, scale float64) (*image.RGBA, error) {
	g, err := s.Geometry(page)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.renders[page]++
	gate, started, fail := s.gate, s.started, s.fail[page]
	uninterruptible := s.uninterruptible
	s.mu.Unlock()

	if started != nil {
		started <- page
	}
	switch {
	case gate == nil:
	case uninterruptible:
		<-gate
	default:
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}

	img := image.NewRGBA(image.Rectangle{Max: g.PixelSize(scale)})
	grey := color.RGBA{R: 0x80, G: 0x80, B: 0x80, A: 0xff}
	for y := range img.Rect.Dy() {
		for x := range img.Rect.Dx() {
			img.SetRGBA(x, y, grey)
		}
	}
	return img, nil
}

func (s *fakeSource) count(page int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renders[page]
}

func (s *fakeSource) block() (gate chan struct{}, started chan int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = make(chan struct{})
	s.started = make(chan int, 16)
	return s.gate, s.started
}

type fixture struct {
	src   *fakeSource
	store *transform.Store
	reg   *blob.Registry
	cache *Cache
}

func newFixture(t *testing.T, pages int, opts Options) *fixture {
	t.Helper()
	src := newFakeSource(pages)
	store := transform.NewStore(src, transform.A4, nil)
	reg := blob.NewRegistry(nil)
	c, err := New(src, store, reg, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return &fixture{src: src, store: store, reg: reg, cache: c}
}

func pagesOf(keys []Key) []int {
	var res []int
	for _, k := range keys {
		res = append(res, k.Page)
	}
	return res
}

func equalInts(a, b []int) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// waitFor polls cond until it holds or a second has passed.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHit(t *testing.T) {
	f := newFixture(t, 3, Options{})
	ctx := context.Background()

	a, err := f.cache.Preview(ctx, 2, 120, 120, Normal)
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.cache.Preview(ctx, 2, 120, 120, Normal)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("second call returned a different image")
	}
	if n := f.src.count(2); n != 1 {
		t.Errorf("%d raw renders, want 1", n)
	}
	s := f.cache.Stats()
	if s.Hits != 1 || s.Misses != 1 {
		t.Errorf("hits %d, misses %d", s.Hits, s.Misses)
	}
	if f.reg.Len() != 1 {
		t.Errorf("%d handles registered", f.reg.Len())
	}
}

func TestEvictOldest(t *testing.T) {
	f := newFixture(t, 10, Options{Limits: map[Tier]int{Thumbnail: 3}})
	ctx := context.Background()

	for page := 1; page <= 5; page++ {
		if _, err := f.cache.Preview(ctx, page, 64, 64, Normal); err != nil {
			t.Fatal(err)
		}
	}
	if got := pagesOf(f.cache.Keys(Thumbnail)); !equalInts(got, []int{3, 4, 5}) {
		t.Errorf("cached pages %v, want [3 4 5]", got)
	}
	for page := 1; page <= 5; page++ {
		want := page >= 3
		if got := f.cache.Cached(page, 64, 64, Normal); got != want {
			t.Errorf("page %d: cached=%t", page, got)
		}
	}
	if f.reg.Len() != 3 || f.reg.Released() != 2 {
		t.Errorf("registry: %d live, %d released", f.reg.Len(), f.reg.Released())
	}
	if s := f.cache.Stats(); s.Evictions != 2 {
		t.Errorf("%d evictions, want 2", s.Evictions)
	}
}

func TestEvictLeastRecentlyTouched(t *testing.T) {
	f := newFixture(t, 10, Options{Limits: map[Tier]int{Thumbnail: 3}})
	ctx := context.Background()

	steps := []struct {
		page int
		want []int
	}{
		{1, []int{1}},
		{2, []int{1, 2}},
		{3, []int{1, 2, 3}},
		{1, []int{2, 3, 1}}, // hit
		{4, []int{3, 1, 4}}, // evicts 2, not 1
		{3, []int{1, 4, 3}}, // hit
		{5, []int{4, 3, 5}}, // evicts 1
		{2, []int{3, 5, 2}}, // evicts 4
	}
	for i, step := range steps {
		if _, err := f.cache.Preview(ctx, step.page, 64, 64, Normal); err != nil {
			t.Fatal(err)
		}
		got := pagesOf(f.cache.Keys(Thumbnail))
		if !equalInts(got, step.want) {
			t.Errorf("step %d: cached %v, want %v", i, got, step.want)
		}
		if len(got) > 3 {
			t.Errorf("step %d: %d entries above limit", i, len(got))
		}
	}
	// the raw level still holds page 2
	if n := f.src.count(2); n != 1 {
		t.Errorf("page 2 rendered %d times", n)
	}
}

func TestConcurrentMissesShareRender(t *testing.T) {
	f := newFixture(t, 3, Options{})
	gate, started := f.src.block()

	results := make(chan error, 2)
	images := make(chan *image.RGBA, 2)
	for range 2 {
		go func() {
			img, err := f.cache.Preview(context.Background(), 1, 100, 100, Normal)
			images <- img
			results <- err
		}()
	}
	<-started
	waitFor(t, "second caller", func() bool { return f.cache.waiters(1) == 2 })
	close(gate)

	for range 2 {
		if err := <-results; err != nil {
			t.Fatal(err)
		}
		if img := <-images; img == nil {
			t.Fatal("nil image")
		}
	}
	if n := f.src.count(1); n != 1 {
		t.Errorf("%d raw renders, want 1", n)
	}
	if s := f.cache.Stats(); s.SharedRenders != 1 {
		t.Errorf("%d shared renders, want 1", s.SharedRenders)
	}
	if got := f.cache.Keys(Thumbnail); len(got) != 1 {
		t.Errorf("%d entries, want 1", len(got))
	}
}

func TestDifferentSizesShareRender(t *testing.T) {
	f := newFixture(t, 3, Options{})
	gate, started := f.src.block()

	sizes := []int{100, 120}
	images := make([]*image.RGBA, len(sizes))
	errs := make([]error, len(sizes))
	var wg sync.WaitGroup
	for i, sz := range sizes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			images[i], errs[i] = f.cache.Preview(context.Background(), 1, sz, sz, Normal)
		}()
	}
	<-started
	waitFor(t, "second caller", func() bool { return f.cache.waiters(1) == 2 })
	close(gate)
	wg.Wait()

	for i, sz := range sizes {
		if errs[i] != nil {
			t.Fatal(errs[i])
		}
		b := images[i].Bounds()
		if max(b.Dx(), b.Dy()) != sz {
			t.Errorf("preview %d: size %v, want %d pixels on the long side", i, b.Size(), sz)
		}
	}
	if n := f.src.count(1); n != 1 {
		t.Errorf("%d raw renders, want 1", n)
	}
	if len(f.cache.Keys(Thumbnail)) != 2 {
		t.Errorf("%d entries, want 2", len(f.cache.Keys(Thumbnail)))
	}
}

func TestCancelledRenderNotCached(t *testing.T) {
	f := newFixture(t, 3, Options{})
	gate, started := f.src.block()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.cache.Preview(ctx, 2, 100, 100, Normal)
		done <- err
	}()
	<-started
	cancel()

	err := <-done
	if !errors.Is(err, ErrRenderAborted) || !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want aborted render", err)
	}
	if f.cache.Cached(2, 100, 100, Normal) || f.reg.Len() != 0 {
		t.Error("cancelled render left a cache entry")
	}

	close(gate)
	if _, err := f.cache.Preview(context.Background(), 2, 100, 100, Normal); err != nil {
		t.Fatal(err)
	}
	if n := f.src.count(2); n != 2 {
		t.Errorf("%d raw renders, want 2", n)
	}
	if !f.cache.Cached(2, 100, 100, Normal) {
		t.Error("fresh render not cached")
	}
}

func TestAbortedLeaderRetried(t *testing.T) {
	f := newFixture(t, 3, Options{})
	gate, started := f.src.block()

	leaderCtx, cancel := context.WithCancel(context.Background())
	leader := make(chan error, 1)
	go func() {
		_, err := f.cache.Preview(leaderCtx, 1, 100, 100, Normal)
		leader <- err
	}()
	<-started

	follower := make(chan error, 1)
	go func() {
		_, err := f.cache.Preview(context.Background(), 1, 100, 100, Normal)
		follower <- err
	}()
	waitFor(t, "follower", func() bool { return f.cache.waiters(1) == 2 })

	cancel()
	if err := <-leader; !errors.Is(err, ErrRenderAborted) {
		t.Fatalf("leader: %v", err)
	}
	close(gate)
	if err := <-follower; err != nil {
		t.Fatalf("follower: %v", err)
	}
	if n := f.src.count(1); n != 2 {
		t.Errorf("%d raw renders, want 2", n)
	}
}

func TestFollowerOutlivesAbortedLeaders(t *testing.T) {
	f := newFixture(t, 3, Options{})
	f.src.uninterruptible = true
	gate1, started := f.src.block()

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := f.cache.Preview(ctxA, 1, 100, 100, Normal)
		errA <- err
	}()
	<-started

	follower := make(chan error, 1)
	go func() {
		_, err := f.cache.Preview(context.Background(), 1, 100, 100, Normal)
		follower <- err
	}()
	waitFor(t, "follower", func() bool { return f.cache.waiters(1) == 2 })

	// The first leader gives up, a second one starts a new render while
	// the first render is still running.
	cancelA()
	if err := <-errA; !errors.Is(err, ErrRenderAborted) {
		t.Fatalf("first leader: %v", err)
	}
	gate2, started := f.src.block()
	ctxB, cancelB := context.WithCancel(context.Background())
	errB := make(chan error, 1)
	go func() {
		_, err := f.cache.Preview(ctxB, 1, 100, 100, Normal)
		errB <- err
	}()
	<-started

	// The follower moves on to the second render, whose leader then
	// gives up as well.
	close(gate1)
	waitFor(t, "follower to join the second render", func() bool {
		return f.cache.Stats().SharedRenders == 3
	})
	cancelB()
	if err := <-errB; !errors.Is(err, ErrRenderAborted) {
		t.Fatalf("second leader: %v", err)
	}
	close(gate2)

	if err := <-follower; err != nil {
		t.Fatalf("follower: %v", err)
	}
	if n := f.src.count(1); n != 3 {
		t.Errorf("%d raw renders, want 3", n)
	}
	if !f.cache.Cached(1, 100, 100, Normal) {
		t.Error("follower's image not cached")
	}
}

func TestEditInvalidates(t *testing.T) {
	f := newFixture(t, 3, Options{})
	ctx := context.Background()

	full, err := f.cache.Preview(ctx, 2, 200, 200, Normal)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.cache.Preview(ctx, 1, 200, 200, Normal); err != nil {
		t.Fatal(err)
	}
	if _, err := f.cache.Preview(ctx, 2, 200, 200, NUp); err != nil {
		t.Fatal(err)
	}

	_, err = f.store.Set(2, transform.Update{Crop: &transform.Crop{X: 0.1, Y: 0.1, Width: 0.5, Height: 0.5}})
	if err != nil {
		t.Fatal(err)
	}
	if got := pagesOf(f.cache.Keys(Thumbnail)); !equalInts(got, []int{1}) {
		t.Errorf("after edit: cached pages %v, want [1]", got)
	}
	if f.reg.Len() != 1 {
		t.Errorf("%d live handles, want 1", f.reg.Len())
	}

	cropped, err := f.cache.Preview(ctx, 2, 200, 200, Normal)
	if err != nil {
		t.Fatal(err)
	}
	fw, fh := float64(full.Rect.Dx()), float64(full.Rect.Dy())
	cw, ch := float64(cropped.Rect.Dx()), float64(cropped.Rect.Dy())
	if math.Abs(cw-0.5*fw) > 1 || math.Abs(ch-0.5*fh) > 1 {
		t.Errorf("cropped %vx%v, full %vx%v", cw, ch, fw, fh)
	}
	// one raw render per mode, the crop reuses the normal one
	if n := f.src.count(2); n != 2 {
		t.Errorf("page 2 rendered %d times, want 2", n)
	}
}

func TestQualityUpgrade(t *testing.T) {
	f := newFixture(t, 3, Options{})
	ctx := context.Background()

	if _, err := f.cache.Preview(ctx, 1, 100, 100, Normal); err != nil {
		t.Fatal(err)
	}
	if _, err := f.cache.Preview(ctx, 1, 100, 100, NUp); err != nil {
		t.Fatal(err)
	}
	if _, err := f.cache.Preview(ctx, 2, 100, 100, Normal); err != nil {
		t.Fatal(err)
	}
	if _, err := f.cache.Preview(ctx, 1, 600, 600, Normal); err != nil {
		t.Fatal(err)
	}

	var left []string
	for _, k := range f.cache.Keys(Thumbnail) {
		left = append(left, fmt.Sprintf("%d/%s", k.Page, k.Mode))
	}
	if got := strings.Join(left, " "); got != "1/nup 2/normal" {
		t.Errorf("thumbnails left: %q", got)
	}
	if len(f.cache.Keys(Standard)) != 1 {
		t.Error("standard entry missing")
	}
	if s := f.cache.Stats(); s.Upgrades != 1 {
		t.Errorf("%d upgrades, want 1", s.Upgrades)
	}
	if f.reg.Len() != 3 {
		t.Errorf("%d live handles, want 3", f.reg.Len())
	}
}

func TestStaleResultNotCached(t *testing.T) {
	f := newFixture(t, 3, Options{})
	gate, started := f.src.block()

	done := make(chan error, 1)
	go func() {
		_, err := f.cache.Preview(context.Background(), 3, 100, 100, Normal)
		done <- err
	}()
	<-started
	rot := 90
	if _, err := f.store.Set(3, transform.Update{Rotation: &rot}); err != nil {
		t.Fatal(err)
	}
	close(gate)

	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if len(f.cache.Keys(Thumbnail)) != 0 {
		t.Error("image for the old transform was cached")
	}
	if s := f.cache.Stats(); s.StaleDiscarded != 1 {
		t.Errorf("StaleDiscarded = %d", s.StaleDiscarded)
	}
}

func TestRenderFailure(t *testing.T) {
	f := newFixture(t, 3, Options{})
	broken := errors.New("broken content stream")
	f.src.fail[3] = broken

	_, err := f.cache.Preview(context.Background(), 3, 100, 100, Normal)
	var renderErr *RenderError
	if !errors.As(err, &renderErr) || renderErr.Page != 3 || !errors.Is(err, broken) {
		t.Fatalf("got %v, want RenderError for page 3", err)
	}
	if f.reg.Len() != 0 || len(f.cache.Keys(Thumbnail)) != 0 {
		t.Error("failed render left an entry")
	}

	if _, err := f.cache.Preview(context.Background(), 9, 100, 100, Normal); !errors.Is(err, document.ErrPageNotFound) {
		t.Errorf("page 9: %v", err)
	}
	if _, err := f.cache.Preview(context.Background(), 1, 0, 100, Normal); err == nil {
		t.Error("empty target accepted")
	}
}

func TestDisabledTier(t *testing.T) {
	f := newFixture(t, 3, Options{Limits: map[Tier]int{Standard: 2}, RawLimit: -1})
	ctx := context.Background()

	for range 2 {
		if _, err := f.cache.Preview(ctx, 1, 100, 100, Normal); err != nil {
			t.Fatal(err)
		}
	}
	if n := f.src.count(1); n != 2 {
		t.Errorf("%d renders with thumbnail tier disabled, want 2", n)
	}
	if f.reg.Len() != 0 {
		t.Errorf("%d handles for an uncached tier", f.reg.Len())
	}

	if _, err := New(f.src, f.store, f.reg, Options{Limits: map[Tier]int{High: -1}}); err == nil {
		t.Error("negative limit accepted")
	}
}

func TestSheet(t *testing.T) {
	f := newFixture(t, 4, Options{})
	ctx := context.Background()

	builds := 0
	build := func(ctx context.Context) (*image.RGBA, error) {
		builds++
		return image.NewRGBA(image.Rect(0, 0, 40, 30)), nil
	}
	key := Key{Page: 1, Transform: "2-up", Width: 40, Height: 30}

	a, err := f.cache.Sheet(ctx, key, []int{1, 2}, build, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.cache.Sheet(ctx, key, []int{1, 2}, build, nil)
	if err != nil {
		t.Fatal(err)
	}
	if a != b || builds != 1 {
		t.Errorf("sheet built %d times", builds)
	}

	// pages not on the sheet do not affect it
	f.cache.Invalidate(3)
	if len(f.cache.Keys(Sheet)) != 1 {
		t.Error("sheet dropped for an unrelated page")
	}

	scale := 50.0
	if _, err := f.store.Set(2, transform.Update{Scale: &scale}); err != nil {
		t.Fatal(err)
	}
	if len(f.cache.Keys(Sheet)) != 0 {
		t.Error("sheet kept after member edit")
	}
	if _, err := f.cache.Sheet(ctx, key, []int{1, 2}, build, nil); err != nil {
		t.Fatal(err)
	}
	if builds != 2 {
		t.Errorf("sheet built %d times, want 2", builds)
	}
	if n := f.cache.PurgeTier(Sheet); n != 1 {
		t.Errorf("PurgeTier = %d", n)
	}

	outdated := func() bool { return false }
	c, err := f.cache.Sheet(ctx, key, []int{1, 2}, build, outdated)
	if err != nil || c == nil {
		t.Fatalf("outdated sheet: %v", err)
	}
	if len(f.cache.Keys(Sheet)) != 0 {
		t.Error("outdated sheet cached")
	}

	failing := func(ctx context.Context) (*image.RGBA, error) { return nil, errors.New("no ink") }
	var renderErr *RenderError
	if _, err := f.cache.Sheet(ctx, key, []int{1, 2}, failing, nil); !errors.As(err, &renderErr) {
		t.Errorf("failed build: %v", err)
	}
}

func TestEncoded(t *testing.T) {
	f := newFixture(t, 3, Options{})
	ctx := context.Background()

	data, err := f.cache.Encoded(ctx, 1, 100, 100, Normal, blob.PNG, 0)
	if err != nil {
		t.Fatal(err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	preview, _ := f.cache.Preview(ctx, 1, 100, 100, Normal)
	if img.Bounds().Size() != preview.Rect.Size() {
		t.Errorf("encoded %v, preview %v", img.Bounds(), preview.Rect)
	}
	again, err := f.cache.Encoded(ctx, 1, 100, 100, Normal, blob.PNG, 0)
	if err != nil {
		t.Fatal(err)
	}
	if &again[0] != &data[0] {
		t.Error("encoding not reused")
	}
	if _, err := f.cache.Encoded(ctx, 1, 100, 100, Normal, blob.JPEG, 500); err == nil {
		t.Error("invalid quality accepted")
	}
}

func TestClose(t *testing.T) {
	f := newFixture(t, 3, Options{})
	ctx := context.Background()
	for page := 1; page <= 3; page++ {
		if _, err := f.cache.Preview(ctx, page, 100, 100, Normal); err != nil {
			t.Fatal(err)
		}
	}

	if err := f.cache.Close(); err != nil {
		t.Fatal(err)
	}
	if f.reg.Len() != 0 || f.reg.Released() != 3 {
		t.Errorf("after close: %d live, %d released", f.reg.Len(), f.reg.Released())
	}
	if _, err := f.cache.Preview(ctx, 1, 100, 100, Normal); !errors.Is(err, document.ErrClosed) {
		t.Errorf("Preview after close: %v", err)
	}
	if err := f.cache.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}

	// edits after close are not delivered
	rot := 180
	if _, err := f.store.Set(1, transform.Update{Rotation: &rot}); err != nil {
		t.Fatal(err)
	}
}

func TestStatsLogValue(t *testing.T) {
	f := newFixture(t, 3, Options{})
	if _, err := f.cache.Preview(context.Background(), 1, 100, 100, Normal); err != nil {
		t.Fatal(err)
	}
	s := f.cache.Stats()
	if s.Tiers[Thumbnail].Entries != 1 || s.Tiers[Thumbnail].Share <= 0 || s.RawEntries != 1 {
		t.Errorf("stats %+v", s)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("Cache state.", "stats", s)
	out := buf.String()
	for _, want := range []string{`"thumbnail":{"entries":1`, `"misses":1`, `"raw":{`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %s lacks %s", out, want)
		}
	}
}

func TestTierFor(t *testing.T) {
	f := newFixture(t, 1, Options{ThumbnailMax: 100, StandardMax: 500})
	cases := []struct {
		w, h int
		want Tier
	}{
		{100, 50, Thumbnail},
		{101, 50, Standard},
		{20, 500, Standard},
		{501, 10, High},
	}
	for _, tc := range cases {
		if got := f.cache.TierFor(tc.w, tc.h); got != tc.want {
			t.Errorf("TierFor(%d, %d) = %s, want %s", tc.w, tc.h, got, tc.want)
		}
	}
	if _, err := ParseTier("sheet"); err != nil {
		t.Error(err)
	}
}
