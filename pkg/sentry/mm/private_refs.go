// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mm

import (
	gosync "github.com/ocisandbox/gosentry/pkg/sync"

	"github.com/ocisandbox/gosentry/pkg/segment"
	"github.com/ocisandbox/gosentry/pkg/sentry/pgalloc"
)

// privateRefSet tracks, per physical-store file offset, how many private
// PMAs across every MemoryManager sharing a physical store currently point
// at it. It exists solely to answer one question cheaply: when a write
// faults on a need_cow PMA, is this MemoryManager already the only owner,
// so the copy can be skipped? Every MemoryManager constructed against the
// same physical store must share one privateRefSet.
type privateRefSet struct {
	mu  gosync.Mutex
	set *segment.Set[int32]
}

type privateRefSetFuncs struct{}

func (privateRefSetFuncs) Merge(_ segment.Range, v1 int32, _ segment.Range, v2 int32) (int32, bool) {
	if v1 == v2 {
		return v1, true
	}
	return 0, false
}

func (privateRefSetFuncs) Split(_ segment.Range, v int32, _ uint64) (int32, int32) {
	return v, v
}

func newPrivateRefSet() *privateRefSet {
	return &privateRefSet{set: segment.NewSet[int32](privateRefSetFuncs{})}
}

// isSoleRef reports whether every byte of fr is known to be backed by
// exactly one private PMA. A range this set has never been told about is
// conservatively treated as shared, forcing a real copy rather than risking
// clobbering another owner's page.
func (s *privateRefSet) isSoleRef(fr pgalloc.FileRange) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := segment.Range{Start: fr.Start, End: fr.End}
	seg, ok := s.set.FindSegment(r.Start)
	if !ok || !seg.Range().IsSupersetOf(r) {
		return false
	}
	return seg.Value() <= 1
}

// setSoleRef records fr as freshly, solely owned: the state of a PMA just
// after an anonymous allocation or a CoW copy.
func (s *privateRefSet) setSoleRef(fr pgalloc.FileRange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := segment.Range{Start: fr.Start, End: fr.End}
	if seg, ok := s.set.FindSegment(r.Start); ok {
		iso := s.set.Isolate(seg, r)
		s.set.Remove(iso)
	}
	s.set.Add(r, 1)
}

// forget drops fr from the set entirely, used when its PMA is removed.
func (s *privateRefSet) forget(fr pgalloc.FileRange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := segment.Range{Start: fr.Start, End: fr.End}
	seg, ok := s.set.FindSegment(r.Start)
	if !ok {
		return
	}
	iso := s.set.Isolate(seg, r)
	s.set.Remove(iso)
}
