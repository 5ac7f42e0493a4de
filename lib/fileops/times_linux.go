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

//go:build linux

package fileops

import (
	"os"
	"syscall"
	"time"
)

// fileTimes extracts access and change times from the platform stat. The
// change time stands in for creation time; Linux does not expose birth time
// through stat.
func fileTimes(info os.FileInfo) (accessed, created time.Time) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime(), info.ModTime()
	}
	accessed = time.Unix(st.Atim.Sec, st.Atim.Nsec)
	created = time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
	return accessed, created
}
