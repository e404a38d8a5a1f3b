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
	"log/slog"
)

// TierStats describes the contents of one tier.
type TierStats struct {
	Tier    Tier
	Entries int
	Limit   int
	Bytes   int64

	// Share is the fraction of all resident bytes held by the tier.
	Share float64
}

// Stats is a snapshot of the cache state, for logging.
type Stats struct {
	Tiers []TierStats

	// Entries and Bytes sum over all tiers and the raw level.
	Entries int
	Bytes   int64

	RawEntries int
	RawBytes   int64

	// Handles is the number of live handles in the registry.
	Handles int

	Hits, Misses   int
	Evictions      int
	Upgrades       int
	Invalidated    int
	Aborted        int
	StaleDiscarded int
	RawHits        int
	RawRenders     int
	SharedRenders  int
}

// Stats returns the current statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		Hits:           c.counters.hits,
		Misses:         c.counters.misses,
		Evictions:      c.counters.evictions,
		Upgrades:       c.counters.upgrades,
		Invalidated:    c.counters.invalidated,
		Aborted:        c.counters.aborted,
		StaleDiscarded: c.counters.staleDiscarded,
		RawHits:        c.counters.rawHits,
		RawRenders:     c.counters.rawRenders,
		SharedRenders:  c.counters.sharedRenders,
	}
	for t := range Tier(numTiers) {
		ts := TierStats{Tier: t, Limit: c.limits[t]}
		if lru := c.tiers[t]; lru != nil {
			for _, e := range lru.Values() {
				ts.Entries++
				ts.Bytes += int64(len(e.img.Pix))
			}
		}
		s.Tiers = append(s.Tiers, ts)
		s.Entries += ts.Entries
		s.Bytes += ts.Bytes
	}
	if c.raw != nil {
		for _, img := range c.raw.Values() {
			s.RawEntries++
			s.RawBytes += int64(len(img.Pix))
		}
	}
	c.mu.Unlock()

	s.Entries += s.RawEntries
	s.Bytes += s.RawBytes
	if s.Bytes > 0 {
		for i := range s.Tiers {
			s.Tiers[i].Share = float64(s.Tiers[i].Bytes) / float64(s.Bytes)
		}
	}
	s.Handles = c.reg.Len()
	return s
}

// LogValue implements slog.LogValuer.
func (s Stats) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int("entries", s.Entries),
		slog.Int64("bytes", s.Bytes),
		slog.Int("handles", s.Handles),
		slog.Int("hits", s.Hits),
		slog.Int("misses", s.Misses),
		slog.Int("evictions", s.Evictions),
		slog.Int("upgrades", s.Upgrades),
		slog.Int("invalidated", s.Invalidated),
		slog.Int("aborted", s.Aborted),
		slog.Group("raw",
			slog.Int("entries", s.RawEntries),
			slog.Int64("bytes", s.RawBytes),
			slog.Int("hits", s.RawHits),
			slog.Int("renders", s.RawRenders),
			slog.Int("shared", s.SharedRenders),
		),
	}
	for _, ts := range s.Tiers {
		attrs = append(attrs, slog.Group(ts.Tier.String(),
			slog.Int("entries", ts.Entries),
			slog.Int("limit", ts.Limit),
			slog.Int64("bytes", ts.Bytes),
			slog.Float64("share", ts.Share),
		))
	}
	return slog.GroupValue(attrs...)
}
