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

// Command pdfpreview writes preview images of the pages of a PDF file.
//
// Usage:
//
//	pdfpreview [flags] file.pdf
//
// For every selected page, a preview fitted into a square of -size pixels
// is written to the output directory.  Afterwards, the pages are composed
// onto sheets with -nup pages each, and the sheets are written as well.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"seehuhn.de/go/preview"
	"seehuhn.de/go/preview/batch"
	"seehuhn.de/go/preview/blob"
	"seehuhn.de/go/preview/transform"
)

type options struct {
	configPath string
	outDir     string
	size       int
	nup        int
	format     string
	quality    int
	rotate     int
	crop       string
	pages      string
	wireframe  bool
	verbose    bool
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: pdfpreview [flags] <pdf>\n")
		flag.PrintDefaults()
	}
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "JSON configuration file")
	flag.StringVar(&opts.outDir, "out", "preview_output", "output directory")
	flag.IntVar(&opts.size, "size", 512, "maximum width and height of the images, in pixels")
	flag.IntVar(&opts.nup, "nup", 0, "pages per sheet (1, 2 or 4)")
	flag.StringVar(&opts.format, "format", "", "image format (png or jpeg)")
	flag.IntVar(&opts.quality, "quality", 0, "JPEG quality (1-100)")
	flag.IntVar(&opts.rotate, "rotate", 0, "clockwise rotation of all pages, in degrees")
	flag.StringVar(&opts.crop, "crop", "", "crop rectangle x,y,w,h in page fractions")
	flag.StringVar(&opts.pages, "pages", "", "pages to render, e.g. 1-3,7 (default all)")
	flag.BoolVar(&opts.wireframe, "wireframe", false, "draw page outlines instead of content")
	flag.BoolVar(&opts.verbose, "v", false, "verbose logging")
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, logger, flag.Arg(0), &opts); err != nil {
		logger.Error("pdfpreview failed.", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, path string, opts *options) error {
	cfg := preview.DefaultConfig()
	if opts.configPath != "" {
		var err error
		cfg, err = preview.LoadConfig(opts.configPath)
		if err != nil {
			return err
		}
	}
	if opts.nup != 0 {
		cfg.PagesPerSheet = opts.nup
	}
	if opts.format != "" {
		cfg.Format = opts.format
	}
	if opts.quality != 0 {
		cfg.Quality = opts.quality
	}
	if opts.wireframe {
		cfg.Wireframe = true
	}
	if opts.size <= 0 {
		return fmt.Errorf("invalid size %d", opts.size)
	}

	e, err := preview.OpenFile(ctx, path, cfg, preview.WithLogger(logger))
	if err != nil {
		return err
	}
	defer e.Close()

	pages, err := parsePages(opts.pages, e.PageCount())
	if err != nil {
		return err
	}
	if err := applyEdits(e.Transforms(), pages, opts); err != nil {
		return err
	}
	if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
		return err
	}
	ext := e.Format().Extension()

	var writeErrs []error
	job := e.LoadPreviews(ctx, pages, opts.size, opts.size, func(r batch.Result[*image.RGBA]) {
		if r.Err != nil {
			return
		}
		data, err := e.Encoded(ctx, r.Page, opts.size, opts.size)
		if err == nil {
			name := filepath.Join(opts.outDir, fmt.Sprintf("page-%03d%s", r.Page, ext))
			err = os.WriteFile(name, data, 0o644)
		}
		if err != nil {
			writeErrs = append(writeErrs, fmt.Errorf("page %d: %w", r.Page, err))
		}
	}, nil)
	summary := job.Wait()
	logger.Info("Pages rendered.",
		"loaded", len(summary.Loaded), "failed", summary.Failed, "cancelled", summary.Cancelled)
	if summary.Cancelled {
		return ctx.Err()
	}

	sheets := e.Sheets()
	for i := 1; i <= sheets.SheetCount(); i++ {
		img, err := sheets.Thumbnail(ctx, i, opts.size)
		if err != nil {
			writeErrs = append(writeErrs, fmt.Errorf("sheet %d: %w", i, err))
			continue
		}
		if err := writeImage(filepath.Join(opts.outDir, fmt.Sprintf("sheet-%03d%s", i, ext)), img, e.Format(), cfg.Quality); err != nil {
			writeErrs = append(writeErrs, err)
		}
	}

	logger.Info("Done.", "sheets", sheets.SheetCount(), "stats", e.Stats())
	if len(summary.Failed) > 0 {
		writeErrs = append(writeErrs, fmt.Errorf("%d pages failed", len(summary.Failed)))
	}
	return errors.Join(writeErrs...)
}

func writeImage(name string, img image.Image, f blob.Format, quality int) error {
	out, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := blob.Encode(out, img, f, quality); err != nil {
		out.Close()
		return fmt.Errorf("%s: %w", name, err)
	}
	return out.Close()
}

func applyEdits(store *transform.Store, pages []int, opts *options) error {
	var u transform.Update
	if opts.rotate != 0 {
		u.Rotation = &opts.rotate
	}
	if opts.crop != "" {
		c, err := parseCrop(opts.crop)
		if err != nil {
			return err
		}
		u.Crop = c
	}
	if u.Rotation == nil && u.Crop == nil {
		return nil
	}
	for _, p := range pages {
		if _, err := store.Set(p, u); err != nil {
			return err
		}
	}
	return nil
}

func parseCrop(s string) (*transform.Crop, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("crop %q: want x,y,w,h", s)
	}
	var v [4]float64
	for i, part := range parts {
		x, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("crop %q: %w", s, err)
		}
		v[i] = x
	}
	return &transform.Crop{X: v[0], Y: v[1], Width: v[2], Height: v[3]}, nil
}

// parsePages reads a page list like "1-3,7".  The empty string selects all
// pages.
func parsePages(s string, count int) ([]int, error) {
	if s == "" {
		pages := make([]int, count)
		for i := range pages {
			pages[i] = i + 1
		}
		return pages, nil
	}
	var pages []int
	for part := range strings.SplitSeq(s, ",") {
		lo, hi, isRange := strings.Cut(strings.TrimSpace(part), "-")
		first, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("page list %q: %w", s, err)
		}
		last := first
		if isRange {
			if last, err = strconv.Atoi(hi); err != nil {
				return nil, fmt.Errorf("page list %q: %w", s, err)
			}
		}
		if first < 1 || last > count || first > last {
			return nil, fmt.Errorf("page list %q: invalid range %d-%d for %d pages", s, first, last, count)
		}
		for p := first; p <= last; p++ {
			pages = append(pages, p)
		}
	}
	return pages, nil
}
