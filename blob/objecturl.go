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

package blob

import (
	"bytes"
	"errors"
	"image"
	"sync"

	"github.com/google/uuid"
)

// ErrReleased is returned when a released handle is used.
var ErrReleased = errors.New("handle released")

// Handle is an externally visible reference to a rendered image.
type Handle interface {
	// URL identifies the handle.  It stays valid until Release is called.
	URL() string

	// Release frees the resources held by the handle.
	Release() error
}

// ObjectURL is a Handle for an in-memory page image.  Compressed forms of
// the image are produced on demand and kept until the handle is released.
type ObjectURL struct {
	url string

	mu       sync.Mutex
	img      *image.RGBA
	encoded  map[encoding][]byte
	released bool
}

type encoding struct {
	format  Format
	quality int
}

// NewObjectURL returns a handle for img.
func NewObjectURL(img *image.RGBA) *ObjectURL {
	return &ObjectURL{
		url: "blob:preview/" + uuid.NewString(),
		img: img,
	}
}

// URL implements the Handle interface.
func (o *ObjectURL) URL() string {
	return o.url
}

// Image returns the image behind the handle.
func (o *ObjectURL) Image() (*image.RGBA, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		return nil, ErrReleased
	}
	return o.img, nil
}

// Bytes returns the image compressed in the given format.
// The result must not be modified.
func (o *ObjectURL) Bytes(f Format, quality int) ([]byte, error) {
	if f == PNG {
		quality = 0
	} else if quality == 0 {
		quality = DefaultQuality
	}
	k := encoding{format: f, quality: quality}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		return nil, ErrReleased
	}
	if data, ok := o.encoded[k]; ok {
		return data, nil
	}

	var buf bytes.Buffer
	if err := Encode(&buf, o.img, f, quality); err != nil {
		return nil, err
	}
	if o.encoded == nil {
		o.encoded = make(map[encoding][]byte)
	}
	o.encoded[k] = buf.Bytes()
	return buf.Bytes(), nil
}

// Size returns the number of bytes held by the handle.
func (o *ObjectURL) Size() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released {
		return 0
	}
	n := int64(len(o.img.Pix))
	for _, data := range o.encoded {
		n += int64(len(data))
	}
	return n
}

// Release implements the Handle interface.  Calls after the first one
// have no effect.
func (o *ObjectURL) Release() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.released = true
	o.img = nil
	o.encoded = nil
	return nil
}
