// Drawbridge
// Copyright (C) 2025 Moatworks, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package terminal

import (
	"bytes"
	"sync"
)

// scrollback is a bounded output ring kept per terminal so that list
// responses can include a snapshot of recent output. When the cap is
// exceeded the oldest bytes are dropped, advanced to the next newline so a
// snapshot never starts mid-line.
type scrollback struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newScrollback(max int) *scrollback {
	return &scrollback{max: max}
}

func (s *scrollback) write(p []byte) {
	if len(p) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, p...)
	if len(s.buf) <= s.max {
		return
	}
	cut := len(s.buf) - s.max
	if nl := bytes.IndexByte(s.buf[cut:], '\n'); nl >= 0 {
		cut += nl + 1
	}
	s.buf = append(s.buf[:0:0], s.buf[cut:]...)
}

func (s *scrollback) snapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.buf)
}
