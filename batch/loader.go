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

// Package batch renders lists of pages a few at a time.
//
// A [Loader] admits the queued pages in micro-batches.  The pages of one
// micro-batch are rendered concurrently, and the next micro-batch is
// admitted a short delay after the previous one completed.  This bounds
// the rendering work in flight, while results are still reported page by
// page as soon as they are ready.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// State is the loading state of a page.
type State int

const (
	Pending State = iota
	Loading
	Loaded
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// Default values for Options.
const (
	DefaultBatchSize = 2
	DefaultDelay     = 40 * time.Millisecond
)

// Options configure a Loader.
type Options struct {
	// BatchSize is the number of pages rendered at the same time.
	// Zero means DefaultBatchSize.
	BatchSize int

	// Delay is the pause between micro-batches.  Zero means DefaultDelay,
	// a negative value means no pause.
	Delay time.Duration

	// Logger receives debug and warning messages.  Nil means
	// slog.Default().
	Logger *slog.Logger
}

// RenderFunc renders one page.
type RenderFunc[T any] func(ctx context.Context, page int) (T, error)

// Result is the outcome of rendering one page.
type Result[T any] struct {
	Page  int
	Value T
	Err   error
}

// Summary describes a completed queue.  Page lists are in increasing
// order.
type Summary struct {
	Loaded []int
	Failed []int

	// Skipped lists the pages which were not rendered because the queue
	// was cancelled, including pages whose render was aborted.
	Skipped []int

	Cancelled bool
}

// Loader renders queued pages in micro-batches and keeps the state of
// every page it has seen.  It is safe for concurrent use.
type Loader[T any] struct {
	size  int
	delay time.Duration
	log   *slog.Logger

	mu     sync.Mutex
	states map[int]State
}

// New returns a Loader.
func New[T any](opts Options) *Loader[T] {
	l := &Loader[T]{
		size:   opts.BatchSize,
		delay:  opts.Delay,
		log:    opts.Logger,
		states: make(map[int]State),
	}
	if l.size <= 0 {
		l.size = DefaultBatchSize
	}
	if l.delay == 0 {
		l.delay = DefaultDelay
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	return l
}

// State returns the state of a page.  Pages which were never queued are
// Pending.
func (l *Loader[T]) State(page int) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.states[page]
}

// States returns a snapshot of the states of all queued pages.
func (l *Loader[T]) States() map[int]State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return maps.Clone(l.states)
}

func (l *Loader[T]) setState(page int, s State) {
	l.mu.Lock()
	l.states[page] = s
	l.mu.Unlock()
}

// Job is a queue being processed in the background.
type Job struct {
	cancel  context.CancelFunc
	done    chan struct{}
	summary Summary
}

// Cancel stops the admission of further micro-batches and cancels the
// renders in flight.  It does not wait; use Wait for that.
func (j *Job) Cancel() {
	j.cancel()
}

// Done returns a channel which is closed when the job has finished.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job has finished and returns its summary.
func (j *Job) Wait() Summary {
	<-j.done
	return j.summary
}

// Queue starts rendering pages in the background, in the given order.
// onPageDone is called once per page as soon as its render completes;
// onAllDone is called once after all pages are done.  Either callback may
// be nil.  Calls to onPageDone are not concurrent.
func (l *Loader[T]) Queue(ctx context.Context, pages []int, render RenderFunc[T], onPageDone func(Result[T]), onAllDone func(Summary)) *Job {
	ctx, cancel := context.WithCancel(ctx)
	j := &Job{cancel: cancel, done: make(chan struct{})}
	pages = slices.Clone(pages)
	l.markPending(pages)

	go func() {
		defer cancel()
		j.summary = l.run(ctx, pages, render, onPageDone)
		if onAllDone != nil {
			onAllDone(j.summary)
		}
		close(j.done)
	}()
	return j
}

// Run is like Queue but blocks until all pages are done.
func (l *Loader[T]) Run(ctx context.Context, pages []int, render RenderFunc[T], onPageDone func(Result[T])) Summary {
	l.markPending(pages)
	return l.run(ctx, pages, render, onPageDone)
}

func (l *Loader[T]) markPending(pages []int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range pages {
		if l.states[p] != Loading {
			l.states[p] = Pending
		}
	}
}

func (l *Loader[T]) run(ctx context.Context, pages []int, render RenderFunc[T], onPageDone func(Result[T])) Summary {
	var (
		s  Summary
		mu sync.Mutex
	)
	for start := 0; start < len(pages); start += l.size {
		if start > 0 && l.delay > 0 {
			timer := time.NewTimer(l.delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
			}
		}
		if ctx.Err() != nil {
			s.Skipped = append(s.Skipped, pages[start:]...)
			break
		}

		batch := pages[start:min(start+l.size, len(pages))]
		l.log.Debug("Batch admitted.", "pages", batch)

		var g errgroup.Group
		g.SetLimit(l.size)
		for _, page := range batch {
			l.setState(page, Loading)
			g.Go(func() error {
				v, err := render(ctx, page)

				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					l.setState(page, Loaded)
					s.Loaded = append(s.Loaded, page)
				case aborted(ctx, err):
					l.setState(page, Pending)
					s.Skipped = append(s.Skipped, page)
				default:
					l.setState(page, Failed)
					s.Failed = append(s.Failed, page)
					l.log.Warn("Page failed.", "page", page, "error", err)
				}
				if onPageDone != nil {
					onPageDone(Result[T]{Page: page, Value: v, Err: err})
				}
				return nil
			})
		}
		g.Wait()
	}

	s.Cancelled = ctx.Err() != nil
	slices.Sort(s.Loaded)
	slices.Sort(s.Failed)
	slices.Sort(s.Skipped)
	l.log.Debug("Queue done.",
		"loaded", len(s.Loaded), "failed", len(s.Failed),
		"skipped", len(s.Skipped), "cancelled", s.Cancelled)
	return s
}

// aborted reports whether err is the result of cancelling ctx.
func aborted(ctx context.Context, err error) bool {
	return ctx.Err() != nil &&
		(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}
