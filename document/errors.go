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
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by all operations on a closed Source.
	ErrClosed = errors.New("document closed")

	// ErrPageNotFound indicates a page number outside [1, PageCount].
	ErrPageNotFound = errors.New("page not found")
)

// ParseError reports that the document bytes could not be opened.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return "cannot parse document: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// pageNotFound wraps ErrPageNotFound with the offending page number.
func pageNotFound(page, count int) error {
	return fmt.Errorf("page %d of %d: %w", page, count, ErrPageNotFound)
}
