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

package pathguard

import (
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	g, err := New([]string{"/etc", "/sys", "/proc", "~/.ssh"})
	require.NoError(t, err)

	tests := []struct {
		name      string
		requested string
		want      string
		rejected  bool
	}{
		{name: "plain allowed path", requested: "/tmp/ok.txt", want: "/tmp/ok.txt"},
		{name: "normalization collapses dots", requested: "/tmp/./a//b/../c.txt", want: "/tmp/a/c.txt"},
		{name: "forbidden prefix", requested: "/etc/passwd", rejected: true},
		{name: "traversal into forbidden prefix", requested: "/tmp/../etc/passwd", rejected: true},
		{name: "forbidden prefix exactly", requested: "/etc", rejected: true},
		{name: "prefix is a path boundary", requested: "/etcetera/notes.txt", want: "/etcetera/notes.txt"},
		{name: "home-relative prefix", requested: "/home/tester/.ssh/id_ed25519", rejected: true},
		{name: "home outside prefix", requested: "/home/tester/code/main.go", want: "/home/tester/code/main.go"},
		{name: "relative path", requested: "notes/todo.txt", rejected: true},
		{name: "escaping relative path", requested: "../../etc/passwd", rejected: true},
		{name: "empty path", requested: "", rejected: true},
		{name: "root", requested: "/", want: "/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := g.Validate(tt.requested)
			if tt.rejected {
				require.Error(t, err)
				require.True(t, trace.IsBadParameter(err))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.True(t, filepath.IsAbs(got))
		})
	}
}

func TestNewRejectsRelativePrefix(t *testing.T) {
	_, err := New([]string{"etc"})
	require.True(t, trace.IsBadParameter(err))
}

func TestNewDefault(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	g, err := NewDefault()
	require.NoError(t, err)

	_, err = g.Validate("/proc/self/environ")
	require.Error(t, err)
	_, err = g.Validate("/home/tester/.aws/credentials")
	require.Error(t, err)
	got, err := g.Validate("/home/tester/project/README.md")
	require.NoError(t, err)
	require.Equal(t, "/home/tester/project/README.md", got)
}
