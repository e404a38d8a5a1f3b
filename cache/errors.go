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
	"errors"
	"fmt"
)

// ErrRenderAborted is returned when a render is cancelled.  The error is
// joined with the context error, so errors.Is also matches
// context.Canceled or context.DeadlineExceeded.
var ErrRenderAborted = errors.New("render aborted")

// RenderError reports that a page could not be drawn.
type RenderError struct {
	Page int
	Err  error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("page %d: render failed: %v", e.Page, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}
