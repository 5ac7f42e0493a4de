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

package assistant

import (
	"fmt"
	"strings"
	"sync"

	"github.com/hinshun/vt10x"
)

// transcoder re-renders an instance's wide-terminal byte stream into the
// client's declared viewport. It is a headless ANSI emulator: every relayed
// output byte is written to it, and a snapshot serializes the emulated grid
// back into an escape sequence the client can replay.
//
// There is at most one transcoder per (socket, instance); replacing the
// declared dimensions replaces the transcoder.
type transcoder struct {
	mu         sync.Mutex
	vt         vt10x.Terminal
	cols, rows int
}

func newTranscoder(cols, rows int) *transcoder {
	vt := vt10x.New()
	vt.Resize(cols, rows)
	return &transcoder{vt: vt, cols: cols, rows: rows}
}

// feed writes relayed output bytes into the emulator. Write errors are
// swallowed: a malformed escape sequence must not break the relay path.
func (t *transcoder) feed(p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.vt.Write(p)
}

// snapshot serializes the emulated grid: clear screen, the visible rows with
// trailing blanks trimmed, then the cursor position. Feeding the result to
// an emulator with the same dimensions reproduces the grid.
func (t *transcoder) snapshot() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	state := t.vt.DumpState()

	buffer := state.PrimaryBuffer
	if state.AltScreen {
		buffer = state.AlternateBuffer
	}

	var sb strings.Builder
	sb.WriteString("\x1b[2J\x1b[H")
	for y, row := range buffer {
		line := make([]rune, 0, len(row))
		for _, glyph := range row {
			ch := glyph.Char
			if ch == 0 {
				ch = ' '
			}
			line = append(line, ch)
		}
		trimmed := strings.TrimRight(string(line), " ")
		if trimmed != "" {
			fmt.Fprintf(&sb, "\x1b[%d;1H%s", y+1, trimmed)
		}
	}
	fmt.Fprintf(&sb, "\x1b[%d;%dH", state.CursorY+1, state.CursorX+1)
	return sb.String()
}
