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
	"io"
	"testing"
)

type memFetcher struct {
	data  []byte
	calls int
	fail  bool
}

func (m *memFetcher) FetchRange(ctx context.Context, off, n int64) ([]byte, error) {
	m.calls++
	if m.fail {
		return nil, errors.New("network down")
	}
	end := min(off+n, int64(len(m.data)))
	return bytes.Clone(m.data[off:end]), nil
}

func TestChunkedReadAt(t *testing.T) {
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	f := &memFetcher{data: data}
	cs := Chunked(f, int64(len(data)), 100)

	buf := make([]byte, 150)
	n, err := cs.ReadAt(buf, 250)
	if err != nil || n != 150 {
		t.Fatalf("ReadAt = %d, %v", n, err)
	}
	if !bytes.Equal(buf, data[250:400]) {
		t.Error("wrong data")
	}
	if cs.Fetches() != 2 {
		t.Errorf("%d chunks fetched, want 2", cs.Fetches())
	}

	// overlapping reads reuse loaded chunks
	if _, err := cs.ReadAt(buf[:50], 300); err != nil {
		t.Fatal(err)
	}
	if f.calls != 2 {
		t.Errorf("%d fetches, want 2", f.calls)
	}

	// reads past the end
	n, err = cs.ReadAt(buf, 900)
	if n != 100 || err != io.EOF {
		t.Errorf("ReadAt at end = %d, %v", n, err)
	}
	if !bytes.Equal(buf[:100], data[900:]) {
		t.Error("wrong data at end")
	}
	if _, err := cs.ReadAt(buf, 1000); err != io.EOF {
		t.Errorf("ReadAt beyond end: %v", err)
	}
}

func TestChunkedFetchError(t *testing.T) {
	cs := Chunked(&memFetcher{data: make([]byte, 10), fail: true}, 10, 0)
	if _, err := cs.ReadAt(make([]byte, 4), 0); err == nil {
		t.Error("fetch error not reported")
	}
}
