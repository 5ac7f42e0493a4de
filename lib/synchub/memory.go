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
	"sync"
	"time"

	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryStore keeps patch logs in an LRU cache of per-key slices. Whole logs
// are evicted least-recently-used once the key cap is reached, and a single
// log is head-trimmed once it exceeds the per-key patch cap. Lost patches
// only cost a full resync on the next pull.
type MemoryStore struct {
	mu            sync.Mutex
	logs          *lru.Cache[StoreKey, []Patch]
	patchesPerKey int
}

// NewMemoryStore returns a store bounded to maxKeys logs of at most
// patchesPerKey patches each.
func NewMemoryStore(maxKeys, patchesPerKey int) (*MemoryStore, error) {
	if maxKeys <= 0 || patchesPerKey <= 0 {
		return nil, trace.BadParameter("memory store bounds must be positive, got keys=%v patches=%v", maxKeys, patchesPerKey)
	}
	logs, err := lru.New[StoreKey, []Patch](maxKeys)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &MemoryStore{logs: logs, patchesPerKey: patchesPerKey}, nil
}

// Append adds the patches to the key's log, trimming the oldest entries past
// the per-key cap.
func (s *MemoryStore) Append(key StoreKey, patches []Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, _ := s.logs.Get(key)
	log = append(log, patches...)
	if excess := len(log) - s.patchesPerKey; excess > 0 {
		log = append([]Patch(nil), log[excess:]...)
	}
	s.logs.Add(key, log)
	return nil
}

// Since returns the key's patches received strictly after the cursor.
func (s *MemoryStore) Since(key StoreKey, since time.Time) ([]Patch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs.Get(key)
	if !ok {
		return nil, nil
	}
	out := make([]Patch, 0, len(log))
	for _, p := range log {
		if p.ReceivedAt.After(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

// Close implements Store. The memory store has nothing to release.
func (s *MemoryStore) Close() error { return nil }
