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
	"bytes"
	"testing"

	"github.com/ocisandbox/gosentry/pkg/context"
	"github.com/ocisandbox/gosentry/pkg/hostarch"
	"github.com/ocisandbox/gosentry/pkg/segment"
	"github.com/ocisandbox/gosentry/pkg/sentry/limits"
	"github.com/ocisandbox/gosentry/pkg/sentry/pgalloc"
	"github.com/ocisandbox/gosentry/pkg/sentry/platform"
)

// fakePlatform answers the address-space-shape questions MemoryManager
// needs without ever installing a real tracee mapping. Tests exercise
// every path that doesn't require SetAddressSpace (accounting, the VMA
// and PMA sets, and I/O through the physical store's internal mappings),
// which mapASLocked/unmapASLocked already support gracefully when
// mm.as is nil.
type fakePlatform struct{}

func (fakePlatform) MinUserAddress() hostarch.Addr    { return hostarch.PageSize }
func (fakePlatform) MaxUserAddress() hostarch.Addr     { return 1 << 47 }
func (fakePlatform) SupportsAddressSpaceIO() bool      { return false }
func (fakePlatform) NewAddressSpace() (platform.AddressSpace, error) {
	panic("fakePlatform: NewAddressSpace not needed by these tests")
}

func newTestMM(t *testing.T, ls *limits.LimitSet) (*MemoryManager, *pgalloc.MemoryFile) {
	t.Helper()
	mf, err := pgalloc.New(pgalloc.Opts{})
	if err != nil {
		t.Fatalf("pgalloc.New: %v", err)
	}
	t.Cleanup(func() { mf.Close() })

	mm := New(fakePlatform{}, mf, nil, ls)
	if _, err := mm.SetMmapLayout(); err != nil {
		t.Fatalf("SetMmapLayout: %v", err)
	}
	t.Cleanup(mm.Destroy)
	return mm, mf
}

func mustMMapAnon(t *testing.T, mm *MemoryManager, length uint64, perms hostarch.AccessType) hostarch.AddrRange {
	t.Helper()
	ctx := context.Background("test")
	ar, err := mm.MMap(ctx, MMapOpts{
		Length:   length,
		Private:  true,
		Perms:    perms,
		MaxPerms: hostarch.AnyAccess(),
	})
	if err != nil {
		t.Fatalf("MMap: %v", err)
	}
	return ar
}

// TestMMapCopyRoundTrip checks that bytes written with CopyOut into a
// fresh anonymous mapping read back unchanged through CopyIn, and that
// usageAS grows by exactly the mapped length (§8.2, §4.10.7).
func TestMMapCopyRoundTrip(t *testing.T) {
	mm, _ := newTestMM(t, nil)

	ar := mustMMapAnon(t, mm, hostarch.PageSize, hostarch.ReadWrite())
	if got, want := mm.UsageAS(), uint64(hostarch.PageSize); got != want {
		t.Fatalf("UsageAS() = %d, want %d", got, want)
	}

	want := bytes.Repeat([]byte{0xAB}, 64)
	if n, err := mm.CopyOut(ar.Start, want, IOOpts{}); err != nil || n != len(want) {
		t.Fatalf("CopyOut: n=%d err=%v", n, err)
	}

	got := make([]byte, len(want))
	if n, err := mm.CopyIn(ar.Start, got, IOOpts{}); err != nil || n != len(got) {
		t.Fatalf("CopyIn: n=%d err=%v", n, err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("CopyIn round trip = %v, want %v", got, want)
	}
}

// TestBrkGrowBeyondDataLimitIsRejected checks that Brk refuses to grow
// the heap past RLIMIT_DATA and leaves the break unchanged, matching
// Linux's never-fail brk(2) semantics (§4.10.5, §7).
func TestBrkGrowBeyondDataLimitIsRejected(t *testing.T) {
	ls := limits.NewLimitSet()
	if err := ls.Set(limits.Data, limits.Limit{Cur: hostarch.PageSize, Max: hostarch.PageSize}); err != nil {
		t.Fatalf("Set(Data): %v", err)
	}
	mm, _ := newTestMM(t, ls)

	start := mm.layout.BottomUpBase.PageRoundDown()
	mm.SetBrkStart(start)
	ctx := context.Background("test")

	withinLimit := mm.Brk(ctx, start+hostarch.PageSize)
	if withinLimit != start+hostarch.PageSize {
		t.Fatalf("Brk within limit: got %d, want %d", uint64(withinLimit), uint64(start+hostarch.PageSize))
	}
	if got, want := mm.DataAS(), uint64(hostarch.PageSize); got != want {
		t.Fatalf("DataAS() after growth = %d, want %d", got, want)
	}

	beyondLimit := mm.Brk(ctx, start+2*hostarch.PageSize)
	if beyondLimit != withinLimit {
		t.Errorf("Brk beyond RLIMIT_DATA: got %d, want unchanged break %d", uint64(beyondLimit), uint64(withinLimit))
	}
	if got, want := mm.DataAS(), uint64(hostarch.PageSize); got != want {
		t.Errorf("DataAS() after rejected growth = %d, want %d (unchanged)", got, want)
	}
}

// TestIOAfterMprotectDeniesWrite checks that Mprotect narrowing a
// mapping to read-only is reflected immediately in CopyOut, and that
// dataAS is debited once the VMA stops counting as private writable
// data (§4.10.3, §8.2).
func TestIOAfterMprotectDeniesWrite(t *testing.T) {
	mm, _ := newTestMM(t, nil)
	ar := mustMMapAnon(t, mm, hostarch.PageSize, hostarch.ReadWrite())

	if got, want := mm.DataAS(), uint64(hostarch.PageSize); got != want {
		t.Fatalf("DataAS() before mprotect = %d, want %d", got, want)
	}

	if err := mm.Mprotect(ar.Start, hostarch.PageSize, hostarch.Read(), false); err != nil {
		t.Fatalf("Mprotect: %v", err)
	}
	if got := mm.DataAS(); got != 0 {
		t.Errorf("DataAS() after mprotect to read-only = %d, want 0", got)
	}

	buf := make([]byte, 16)
	if _, err := mm.CopyOut(ar.Start, buf, IOOpts{}); err == nil {
		t.Errorf("CopyOut after mprotect(PROT_READ) succeeded, want PermissionDeniedError")
	} else if _, ok := err.(*PermissionDeniedError); !ok {
		t.Errorf("CopyOut after mprotect(PROT_READ): got %T (%v), want *PermissionDeniedError", err, err)
	}

	if _, err := mm.CopyIn(ar.Start, buf, IOOpts{}); err != nil {
		t.Errorf("CopyIn after mprotect(PROT_READ): %v", err)
	}
}

// TestIOAfterMunmapFails checks that I/O into a range that has been
// unmapped reports a bad address instead of silently succeeding
// (§4.10.2, §7).
func TestIOAfterMunmapFails(t *testing.T) {
	mm, _ := newTestMM(t, nil)
	ar := mustMMapAnon(t, mm, hostarch.PageSize, hostarch.ReadWrite())

	if err := mm.Munmap(ar.Start, hostarch.PageSize); err != nil {
		t.Fatalf("Munmap: %v", err)
	}
	if got := mm.UsageAS(); got != 0 {
		t.Errorf("UsageAS() after munmap = %d, want 0", got)
	}

	buf := make([]byte, 16)
	if _, err := mm.CopyIn(ar.Start, buf, IOOpts{}); err == nil {
		t.Errorf("CopyIn after munmap succeeded, want BadAddressError")
	} else if _, ok := err.(*BadAddressError); !ok {
		t.Errorf("CopyIn after munmap: got %T (%v), want *BadAddressError", err, err)
	}
}

// TestMRemapMustMoveRelocatesMapping checks that an MRemapMustMove moves
// both the accounting and the mapped bytes to the destination, and that
// the source range stops being addressable (§4.10.4).
func TestMRemapMustMoveRelocatesMapping(t *testing.T) {
	mm, _ := newTestMM(t, nil)
	ar := mustMMapAnon(t, mm, hostarch.PageSize, hostarch.ReadWrite())

	payload := bytes.Repeat([]byte{0x42}, 32)
	if _, err := mm.CopyOut(ar.Start, payload, IOOpts{}); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}

	dst := mm.layout.TopDownBase.PageRoundDown() - 3*hostarch.PageSize
	newAR, err := mm.MRemap(ar.Start, hostarch.PageSize, hostarch.PageSize, MRemapOpts{
		Move:   MRemapMustMove,
		NewAddr: dst,
	})
	if err != nil {
		t.Fatalf("MRemap: %v", err)
	}
	if newAR.Start != dst {
		t.Fatalf("MRemap destination = %d, want %d", uint64(newAR.Start), uint64(dst))
	}

	buf := make([]byte, len(payload))
	if _, err := mm.CopyIn(newAR.Start, buf, IOOpts{}); err != nil {
		t.Fatalf("CopyIn at new address: %v", err)
	}
	if !bytes.Equal(buf, payload) {
		t.Errorf("CopyIn at new address = %v, want %v", buf, payload)
	}

	if _, err := mm.CopyIn(ar.Start, buf, IOOpts{}); err == nil {
		t.Errorf("CopyIn at old address after MustMove succeeded, want BadAddressError")
	} else if _, ok := err.(*BadAddressError); !ok {
		t.Errorf("CopyIn at old address: got %T (%v), want *BadAddressError", err, err)
	}
}

// TestFindGapTopDownSkipsOccupiedRanges checks that a top-down gap
// search steps over existing VMAs to land a request in the nearest
// hole below its starting point that is actually large enough, rather
// than the first (too-small) hole it meets (§4.10.1 step 2, §8.5).
func TestFindGapTopDownSkipsOccupiedRanges(t *testing.T) {
	mm, _ := newTestMM(t, nil)

	minAddr := uint64(mm.p.MinUserAddress())
	// Lay out three occupied regions. Between the top two sits a
	// one-page hole, too small for a 2-page request; between the
	// bottom two sits a four-page hole that can satisfy it. Starting
	// the search inside the one-page hole forces it to step down past
	// region2 before it finds a gap that fits.
	occupied := []segment.Range{
		{Start: minAddr + 10*hostarch.PageSize, End: minAddr + 11*hostarch.PageSize}, // region1 (highest)
		{Start: minAddr + 8*hostarch.PageSize, End: minAddr + 9*hostarch.PageSize},   // region2: 1-page hole above this
		{Start: minAddr + 3*hostarch.PageSize, End: minAddr + 4*hostarch.PageSize},   // region3: 4-page hole above this
	}
	for _, r := range occupied {
		mm.vmas.Add(r, vma{realPerms: hostarch.ReadWrite(), maxPerms: hostarch.AnyAccess(), private: true})
	}

	bounds := hostarch.AddrRange{Start: hostarch.Addr(minAddr), End: mm.p.MaxUserAddress()}
	from := hostarch.Addr(minAddr + 9*hostarch.PageSize) // inside the 1-page hole between region2 and region1
	ar, ok := mm.findGapTopDownLocked(from, 2*hostarch.PageSize, bounds)
	if !ok {
		t.Fatalf("findGapTopDownLocked: no gap found")
	}

	wantAR := hostarch.AddrRange{Start: hostarch.Addr(minAddr + 6*hostarch.PageSize), End: hostarch.Addr(minAddr + 8*hostarch.PageSize)}
	if ar != wantAR {
		t.Errorf("gap found at %v, want %v (top of the 4-page hole between region3 and region2, skipping the 1-page hole at [%d,%d))",
			ar, wantAR, minAddr+9*hostarch.PageSize, minAddr+10*hostarch.PageSize)
	}
	if ar.Length() != 2*hostarch.PageSize {
		t.Errorf("gap length = %d, want %d", ar.Length(), 2*hostarch.PageSize)
	}
	for _, r := range occupied {
		occAR := hostarch.AddrRange{Start: hostarch.Addr(r.Start), End: hostarch.Addr(r.End)}
		if ar.Overlaps(occAR) {
			t.Errorf("gap %v overlaps occupied range %v", ar, occAR)
		}
	}
}
