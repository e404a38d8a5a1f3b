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

// Package blob keeps track of the externally visible handles of rendered
// page images.
//
// The [Registry] is the single owner of all handles.  Other components
// refer to handles by key only, and every handle is released exactly once:
// when it is revoked, when it is superseded by a new handle for the same
// key, or when the registry is cleared.
package blob

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Metadata describes the image behind a handle.
type Metadata struct {
	// Pages lists the document pages shown in the image.
	Pages []int

	// Tier names the cache tier which owns the handle.
	Tier string

	// Bytes is the memory held by the image.
	Bytes int64
}

type record struct {
	handle  Handle
	meta    Metadata
	touched time.Time
}

// Registry maps keys to handles.  It is safe for concurrent use.
type Registry struct {
	log *slog.Logger
	now func() time.Time

	mu       sync.Mutex
	records  map[string]*record
	bytes    int64
	released int
}

// NewRegistry returns an empty registry.  If logger is nil, slog.Default()
// is used.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		log:     logger,
		now:     time.Now,
		records: make(map[string]*record),
	}
}

// Register stores h under key.  A different handle already registered
// under the same key is revoked.
func (r *Registry) Register(key string, h Handle, meta Metadata) {
	r.mu.Lock()
	old := r.records[key]
	if old != nil {
		r.bytes -= old.meta.Bytes
	}
	r.records[key] = &record{handle: h, meta: meta, touched: r.now()}
	r.bytes += meta.Bytes
	if old != nil && old.handle == h {
		old = nil
	}
	if old != nil {
		r.released++
	}
	r.mu.Unlock()

	if old != nil {
		r.log.Debug("Handle superseded.", "key", key)
		r.release(key, old.handle)
	}
}

// Touch records a use of the handle registered under key.  It reports
// whether such a handle exists.
func (r *Registry) Touch(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if ok {
		rec.touched = r.now()
	}
	return ok
}

// LastTouched returns the time of the last registration or touch of key.
func (r *Registry) LastTouched(key string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok {
		return time.Time{}, false
	}
	return rec.touched, true
}

// Revoke releases the handle registered under key and forgets it.
// Revoking an unknown or already revoked key has no effect.  The return
// value reports whether a handle was released.
func (r *Registry) Revoke(key string) bool {
	r.mu.Lock()
	rec, ok := r.records[key]
	if ok {
		delete(r.records, key)
		r.bytes -= rec.meta.Bytes
		r.released++
	}
	r.mu.Unlock()

	if ok {
		r.release(key, rec.handle)
	}
	return ok
}

// Clear revokes all handles and returns their number.
func (r *Registry) Clear() int {
	r.mu.Lock()
	records := r.records
	r.records = make(map[string]*record)
	r.bytes = 0
	r.released += len(records)
	r.mu.Unlock()

	for key, rec := range records {
		r.release(key, rec.handle)
	}
	if len(records) > 0 {
		r.log.Debug("Registry cleared.", "handles", len(records))
	}
	return len(records)
}

func (r *Registry) release(key string, h Handle) {
	if err := h.Release(); err != nil {
		r.log.Warn("Cannot release handle.", "key", key, "url", h.URL(), "error", err)
	}
}

// Lookup returns the handle registered under key.
func (r *Registry) Lookup(key string) (Handle, Metadata, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok {
		return nil, Metadata{}, false
	}
	return rec.handle, rec.meta, true
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.records))
	for key := range r.records {
		keys = append(keys, key)
	}
	r.mu.Unlock()
	slices.Sort(keys)
	return keys
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Bytes returns the total memory of all live handles, as given in their
// metadata.
func (r *Registry) Bytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes
}

// Released returns the number of handles released so far.
func (r *Registry) Released() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}
