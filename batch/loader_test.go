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

package batch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMicroBatches(t *testing.T) {
	l := New[int](Options{BatchSize: 2, Delay: -1})

	var (
		mu       sync.Mutex
		started  []int
		inFlight atomic.Int32
		maxSeen  atomic.Int32
	)
	render := func(ctx context.Context, page int) (int, error) {
		mu.Lock()
		started = append(started, page)
		mu.Unlock()
		n := inFlight.Add(1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return 10 * page, nil
	}

	var results []Result[int]
	allDone := 0
	job := l.Queue(context.Background(), []int{1, 2, 3, 4, 5}, render,
		func(r Result[int]) { results = append(results, r) },
		func(Summary) { allDone++ })
	s := job.Wait()

	if fmt.Sprint(s.Loaded) != "[1 2 3 4 5]" || len(s.Failed) != 0 || len(s.Skipped) != 0 || s.Cancelled {
		t.Errorf("summary %+v", s)
	}
	if allDone != 1 {
		t.Errorf("onAllDone called %d times", allDone)
	}
	if len(results) != 5 {
		t.Fatalf("%d page results", len(results))
	}
	for _, r := range results {
		if r.Err != nil || r.Value != 10*r.Page {
			t.Errorf("result %+v", r)
		}
	}
	if m := maxSeen.Load(); m > 2 {
		t.Errorf("%d renders in flight", m)
	}

	// pages are admitted batch by batch
	for i, want := range [][]int{{1, 2}, {3, 4}, {5}} {
		got := slices.Clone(started[2*i : min(2*i+2, len(started))])
		slices.Sort(got)
		if !slices.Equal(got, want) {
			t.Errorf("batch %d started %v, want %v", i, got, want)
		}
	}
	for p := 1; p <= 5; p++ {
		if l.State(p) != Loaded {
			t.Errorf("page %d: %s", p, l.State(p))
		}
	}
}

func TestFailureDoesNotStopQueue(t *testing.T) {
	l := New[string](Options{BatchSize: 2, Delay: -1})
	broken := errors.New("broken page")
	fail := true
	render := func(ctx context.Context, page int) (string, error) {
		if page == 2 && fail {
			return "", broken
		}
		return "ok", nil
	}

	var failures []Result[string]
	s := l.Run(context.Background(), []int{1, 2, 3, 4}, render, func(r Result[string]) {
		if r.Err != nil {
			failures = append(failures, r)
		}
	})
	if fmt.Sprint(s.Loaded) != "[1 3 4]" || fmt.Sprint(s.Failed) != "[2]" {
		t.Errorf("summary %+v", s)
	}
	if len(failures) != 1 || !errors.Is(failures[0].Err, broken) {
		t.Errorf("failures %+v", failures)
	}
	if l.State(2) != Failed {
		t.Errorf("page 2: %s", l.State(2))
	}

	// failed pages are retried by queueing them again
	fail = false
	s = l.Run(context.Background(), []int{2}, render, nil)
	if fmt.Sprint(s.Loaded) != "[2]" || l.State(2) != Loaded {
		t.Errorf("retry: %+v, state %s", s, l.State(2))
	}
}

func TestCancel(t *testing.T) {
	l := New[int](Options{BatchSize: 2, Delay: -1})
	blocked := make(chan int, 2)
	render := func(ctx context.Context, page int) (int, error) {
		if page < 3 {
			return page, nil
		}
		blocked <- page
		<-ctx.Done()
		return 0, ctx.Err()
	}

	var done []Summary
	job := l.Queue(context.Background(), []int{1, 2, 3, 4, 5, 6}, render, nil,
		func(s Summary) { done = append(done, s) })
	<-blocked
	<-blocked
	if l.State(3) != Loading || l.State(5) != Pending {
		t.Errorf("states while running: %v", l.States())
	}
	job.Cancel()
	s := job.Wait()

	if fmt.Sprint(s.Loaded) != "[1 2]" || fmt.Sprint(s.Skipped) != "[3 4 5 6]" || !s.Cancelled {
		t.Errorf("summary %+v", s)
	}
	if len(done) != 1 {
		t.Errorf("onAllDone called %d times", len(done))
	}
	for p := 3; p <= 6; p++ {
		if l.State(p) != Pending {
			t.Errorf("page %d: %s", p, l.State(p))
		}
	}
	select {
	case <-job.Done():
	default:
		t.Error("Done not closed")
	}
}

func TestPageDoneBeforeBatchEnds(t *testing.T) {
	l := New[int](Options{BatchSize: 2, Delay: -1})
	release := make(chan struct{})
	render := func(ctx context.Context, page int) (int, error) {
		if page == 2 {
			<-release
		}
		return page, nil
	}

	var order []int
	s := l.Run(context.Background(), []int{1, 2}, render, func(r Result[int]) {
		order = append(order, r.Page)
		if r.Page == 1 {
			// page 2 can only finish after page 1 was reported
			close(release)
		}
	})
	if fmt.Sprint(order) != "[1 2]" || len(s.Loaded) != 2 {
		t.Errorf("order %v, summary %+v", order, s)
	}
}

func TestDelay(t *testing.T) {
	l := New[int](Options{BatchSize: 1, Delay: 20 * time.Millisecond})
	render := func(ctx context.Context, page int) (int, error) { return page, nil }

	start := time.Now()
	l.Run(context.Background(), []int{1, 2, 3}, render, nil)
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("three batches took %v, want at least two delays", elapsed)
	}
}

func TestDefaults(t *testing.T) {
	l := New[int](Options{})
	if l.size != DefaultBatchSize || l.delay != DefaultDelay {
		t.Errorf("size %d, delay %v", l.size, l.delay)
	}
	if l.State(42) != Pending || Failed.String() != "failed" {
		t.Error("unexpected state")
	}
}
