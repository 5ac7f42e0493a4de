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

package synchub

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"io"

	"github.com/gravitational/trace"

	"github.com/moatworks/drawbridge/lib/utils"
)

// DecodeCompressedPatches decodes the compressed form of a push: the patch
// array serialized to JSON, gzipped, then base64-encoded.
func DecodeCompressedPatches(data string) ([]Patch, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, trace.BadParameter("compressed patches are not valid base64: %v", err)
	}
	reader, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, trace.BadParameter("compressed patches are not valid gzip: %v", err)
	}
	defer reader.Close()
	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, trace.BadParameter("decompressing patches: %v", err)
	}
	var patches []Patch
	if err := utils.FastUnmarshal(decompressed, &patches); err != nil {
		return nil, trace.BadParameter("decompressed patches are not valid JSON: %v", err)
	}
	return patches, nil
}
