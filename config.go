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

package preview

import (
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"os"
	"strconv"
	"strings"
	"time"

	"seehuhn.de/go/preview/batch"
	"seehuhn.de/go/preview/blob"
	"seehuhn.de/go/preview/cache"
	"seehuhn.de/go/preview/transform"
)

// Config holds the construction-time settings of an Engine.
type Config struct {
	// Tiers gives the number of images kept per cache tier.
	// A limit of 0 disables caching for the tier.
	Tiers TierLimits `json:"tiers"`

	// ThumbnailMax and StandardMax are the largest target sizes, in
	// pixels, stored in the thumbnail and standard tiers.
	ThumbnailMax int `json:"thumbnail_max"`
	StandardMax  int `json:"standard_max"`

	// RawLimit is the number of raw page bitmaps kept.  0 disables the
	// raw level.
	RawLimit int `json:"raw_limit"`

	// BatchSize is the number of pages rendered at the same time by
	// LoadPreviews, and BatchDelay the pause between micro-batches.
	// A delay of 0 disables the pause.
	BatchSize  int      `json:"batch_size"`
	BatchDelay Duration `json:"batch_delay"`

	// Paper names the reference paper size, e.g. "A4" or "Letter".
	Paper string `json:"paper"`

	// Background is the colour behind page content, as "#rrggbb".
	Background string `json:"background"`

	// PagesPerSheet is the initial sheet layout: 1, 2 or 4.
	PagesPerSheet int `json:"pages_per_sheet"`

	// SheetGap and SheetMargin are in points on the reference paper.
	SheetGap    float64 `json:"sheet_gap"`
	SheetMargin float64 `json:"sheet_margin"`

	// CheckStructure enables a structural check of the document on open.
	CheckStructure bool `json:"validate"`

	// Wireframe draws page outlines instead of page content.
	Wireframe bool `json:"wireframe"`

	// Format and Quality control Engine.Encoded.
	Format  string `json:"format"`
	Quality int    `json:"quality"`
}

// TierLimits gives the capacity of every cache tier.
type TierLimits struct {
	Thumbnail int `json:"thumbnail"`
	Standard  int `json:"standard"`
	High      int `json:"high"`
	Sheet     int `json:"sheet"`
}

func (t TierLimits) limits() map[cache.Tier]int {
	return map[cache.Tier]int{
		cache.Thumbnail: t.Thumbnail,
		cache.Standard:  t.Standard,
		cache.High:      t.High,
		cache.Sheet:     t.Sheet,
	}
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	limits := cache.DefaultLimits()
	return Config{
		Tiers: TierLimits{
			Thumbnail: limits[cache.Thumbnail],
			Standard:  limits[cache.Standard],
			High:      limits[cache.High],
			Sheet:     limits[cache.Sheet],
		},
		ThumbnailMax:  cache.DefaultThumbnailMax,
		StandardMax:   cache.DefaultStandardMax,
		RawLimit:      cache.DefaultRawLimit,
		BatchSize:     batch.DefaultBatchSize,
		BatchDelay:    Duration(batch.DefaultDelay),
		Paper:         transform.A4.Name,
		Background:    "#ffffff",
		PagesPerSheet: 1,
		SheetGap:      12,
		SheetMargin:   18,
		Format:        "png",
		Quality:       blob.DefaultQuality,
	}
}

// LoadConfig reads a JSON configuration file.  Settings missing from the
// file keep their default values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the settings for consistency.
func (c *Config) Validate() error {
	var errs []error
	for name, n := range map[string]int{
		"tiers.thumbnail": c.Tiers.Thumbnail,
		"tiers.standard":  c.Tiers.Standard,
		"tiers.high":      c.Tiers.High,
		"tiers.sheet":     c.Tiers.Sheet,
		"raw_limit":       c.RawLimit,
	} {
		if n < 0 {
			errs = append(errs, fmt.Errorf("%s: negative limit %d", name, n))
		}
	}
	if c.ThumbnailMax <= 0 || c.StandardMax < c.ThumbnailMax {
		errs = append(errs, fmt.Errorf("invalid tier sizes %d/%d", c.ThumbnailMax, c.StandardMax))
	}
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch_size: %d < 1", c.BatchSize))
	}
	if c.BatchDelay < 0 {
		errs = append(errs, fmt.Errorf("batch_delay: negative delay %s", c.BatchDelay))
	}
	if _, err := transform.PaperByName(c.Paper); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseColor(c.Background); err != nil {
		errs = append(errs, err)
	}
	if c.PagesPerSheet != 1 && c.PagesPerSheet != 2 && c.PagesPerSheet != 4 {
		errs = append(errs, fmt.Errorf("pages_per_sheet: %d is not 1, 2 or 4", c.PagesPerSheet))
	}
	if c.SheetGap < 0 || c.SheetMargin < 0 {
		errs = append(errs, errors.New("negative sheet spacing"))
	}
	if _, err := blob.ParseFormat(c.Format); err != nil {
		errs = append(errs, err)
	}
	if c.Quality < 1 || c.Quality > 100 {
		errs = append(errs, fmt.Errorf("quality: %d outside 1-100", c.Quality))
	}
	return errors.Join(errs...)
}

// Duration is a time.Duration which is written as a string like "40ms"
// in JSON.  Plain numbers are read as nanoseconds.
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case float64:
		*d = Duration(v)
	case string:
		dd, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*d = Duration(dd)
	default:
		return fmt.Errorf("invalid duration %s", data)
	}
	return nil
}

// ParseColor reads a colour written as "#rrggbb" or "#rrggbbaa".
func ParseColor(s string) (color.NRGBA, error) {
	hex, ok := strings.CutPrefix(s, "#")
	if !ok || (len(hex) != 6 && len(hex) != 8) {
		return color.NRGBA{}, fmt.Errorf("invalid colour %q", s)
	}
	if len(hex) == 6 {
		hex += "ff"
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid colour %q", s)
	}
	return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}
