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

package safemem

// BlockSeq is a lazy sequence of Blocks. offset and limit let take/drop be
// O(1): they never copy or mutate the underlying slice of Blocks.
type BlockSeq struct {
	blocks []Block
	offset int
	limit  uint64
}

// BlockSeqOf returns a BlockSeq containing exactly one Block.
func BlockSeqOf(b Block) BlockSeq {
	return BlockSeq{blocks: []Block{b}, limit: uint64(b.Len())}
}

// BlockSeqFromSlice returns a BlockSeq over the given Blocks, dropping any
// leading empty ones so that NumBytes() and IsEmpty() agree.
func BlockSeqFromSlice(blocks []Block) BlockSeq {
	i := 0
	for i < len(blocks) && blocks[i].Len() == 0 {
		i++
	}
	rest := blocks[i:]
	var total uint64
	for _, b := range rest {
		total += uint64(b.Len())
	}
	return BlockSeq{blocks: rest, limit: total}
}

// IsEmpty reports whether the sequence has no bytes left.
func (bs BlockSeq) IsEmpty() bool {
	return len(bs.blocks) == 0
}

// NumBytes returns the total number of bytes remaining in the sequence.
// It is invariant across any sequence of Head/Tail/TakeFirst/DropFirst
// calls that together traverse the same bytes.
func (bs BlockSeq) NumBytes() uint64 {
	return bs.limit
}

// Head returns the first Block in the sequence, clipped to offset/limit.
func (bs BlockSeq) Head() Block {
	if len(bs.blocks) == 0 {
		panic("safemem: Head of empty BlockSeq")
	}
	b := bs.blocks[0].DropFirst(bs.offset)
	if uint64(b.Len()) > bs.limit {
		b = b.TakeFirst(int(bs.limit))
	}
	return b
}

// Tail returns the sequence with the first Block removed.
func (bs BlockSeq) Tail() BlockSeq {
	if len(bs.blocks) == 0 {
		panic("safemem: Tail of empty BlockSeq")
	}
	headLen := uint64(bs.blocks[0].Len() - bs.offset)
	if headLen >= bs.limit {
		return BlockSeq{}
	}
	return BlockSeq{blocks: bs.blocks[1:], limit: bs.limit - headLen}
}

// DropFirst returns the sequence with the first n bytes removed.
func (bs BlockSeq) DropFirst(n uint64) BlockSeq {
	if n == 0 {
		return bs
	}
	if n >= bs.limit {
		return BlockSeq{}
	}
	for {
		headLen := uint64(bs.blocks[0].Len() - bs.offset)
		if n < headLen {
			bs.offset += int(n)
			bs.limit -= n
			return bs
		}
		n -= headLen
		bs.blocks = bs.blocks[1:]
		bs.offset = 0
		bs.limit -= headLen
		if n == 0 {
			return bs
		}
	}
}

// TakeFirst returns the sequence truncated to at most n bytes.
func (bs BlockSeq) TakeFirst(n uint64) BlockSeq {
	if n == 0 {
		return BlockSeq{}
	}
	if bs.limit > n {
		bs.limit = n
	}
	return bs
}

// CopySeq copies bytes from srcs to dsts, repeatedly copying the head
// block of each and advancing both, until either is exhausted or a short
// copy occurs. It returns the total number of bytes copied.
func CopySeq(dsts, srcs BlockSeq) uint64 {
	var done uint64
	for !dsts.IsEmpty() && !srcs.IsEmpty() {
		dst := dsts.Head()
		src := srcs.Head()
		n := Copy(dst, src)
		done += uint64(n)
		if n == 0 {
			break
		}
		dsts = dsts.DropFirst(uint64(n))
		srcs = srcs.DropFirst(uint64(n))
	}
	return done
}

// ZeroSeq zeroes every block in dsts and returns the total bytes zeroed.
func ZeroSeq(dsts BlockSeq) uint64 {
	var done uint64
	for !dsts.IsEmpty() {
		b := dsts.Head()
		done += uint64(Zero(b))
		dsts = dsts.Tail()
	}
	return done
}
