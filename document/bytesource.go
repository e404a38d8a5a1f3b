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

package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// ByteSource gives random access to the bytes of a document.
type ByteSource interface {
	io.ReaderAt
	Size() int64
}

// Bytes returns a ByteSource for an in-memory document.
func Bytes(data []byte) ByteSource {
	return bytes.NewReader(data)
}

// File returns a ByteSource reading from f.
// The caller remains responsible for closing f.
func File(f *os.File) (ByteSource, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return io.NewSectionReader(f, 0, fi.Size()), nil
}

// RangeFetcher retrieves byte ranges of a remote document.
type RangeFetcher interface {
	// FetchRange returns the n bytes starting at offset off.
	// A short result is only allowed at the end of the document.
	FetchRange(ctx context.Context, off, n int64) ([]byte, error)
}

// ChunkedSource is a ByteSource which loads fixed-size chunks from a
// RangeFetcher on first access.  Loaded chunks are kept, so that every
// byte is fetched at most once.
type ChunkedSource struct {
	fetch     RangeFetcher
	size      int64
	chunkSize int64

	mu     sync.Mutex
	chunks map[int64][]byte
	loads  int
}

// DefaultChunkSize is used by Chunked when chunkSize is not positive.
const DefaultChunkSize = 64 * 1024

// Chunked returns a ByteSource for a document of the given size, read
// through f in chunks of chunkSize bytes.
func Chunked(f RangeFetcher, size int64, chunkSize int) *ChunkedSource {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &ChunkedSource{
		fetch:     f,
		size:      size,
		chunkSize: int64(chunkSize),
		chunks:    make(map[int64][]byte),
	}
}

// Size returns the total document size.
func (c *ChunkedSource) Size() int64 {
	return c.size
}

// Fetches returns the number of chunks loaded so far.
func (c *ChunkedSource) Fetches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads
}

// ReadAt implements io.ReaderAt.
func (c *ChunkedSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= c.size {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) && off < c.size {
		idx := off / c.chunkSize
		chunk, err := c.chunk(idx)
		if err != nil {
			return n, err
		}
		k := copy(p[n:], chunk[off-idx*c.chunkSize:])
		if k == 0 {
			return n, io.ErrUnexpectedEOF
		}
		n += k
		off += int64(k)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (c *ChunkedSource) chunk(idx int64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if data, ok := c.chunks[idx]; ok {
		return data, nil
	}

	start := idx * c.chunkSize
	n := min(c.chunkSize, c.size-start)
	data, err := c.fetch.FetchRange(context.Background(), start, n)
	if err != nil {
		return nil, fmt.Errorf("fetch bytes %d-%d: %w", start, start+n-1, err)
	}
	if int64(len(data)) < n {
		return nil, fmt.Errorf("fetch bytes %d-%d: %w", start, start+n-1, io.ErrUnexpectedEOF)
	}
	c.chunks[idx] = data[:n]
	c.loads++
	return data[:n], nil
}

// readAll materialises the complete contents of src.
func readAll(src ByteSource) ([]byte, error) {
	buf := make([]byte, src.Size())
	if _, err := io.ReadFull(io.NewSectionReader(src, 0, src.Size()), buf); err != nil {
		return nil, err
	}
	return buf, nil
}
