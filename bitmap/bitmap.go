// Package bitmap materializes a bit-vector allocator view over a contiguous
// run of chunks on a disk. The view owns its region: construction acquires
// every underlying chunk's mutation lock in ascending index order and holds
// them until Close, so multi-bit operations (find then set) are atomic with
// respect to any other would-be view of the same chunks. Two views over
// overlapping ranges must not coexist.
package bitmap

import (
	"chunkfs/common"
	"chunkfs/disk"
	"chunkfs/util"
)

// BitRange describes a run of bits. BitCount == 0 means no run was found.
type BitRange struct {
	StartIdx uint64
	BitCount uint64
}

func (r BitRange) Empty() bool {
	return r.BitCount == 0
}

func (r BitRange) SetRange(bm *BitMap) {
	for idx := r.StartIdx; idx < r.StartIdx+r.BitCount; idx++ {
		bm.Set(idx)
	}
}

func (r BitRange) ClrRange(bm *BitMap) {
	for idx := r.StartIdx; idx < r.StartIdx+r.BitCount; idx++ {
		bm.Clr(idx)
	}
}

// runTable maps every byte value to the start offset and length of its first
// maximal run of zero bits, so the scan in FindUnsetBits does O(1) work per
// byte. 0xff maps to a zero-length run.
var runTable [256]BitRange

func init() {
	for v := 0; v < 256; v++ {
		for j := uint64(0); j < 8; j++ {
			if v&(1<<j) == 0 {
				k := j + 1
				for k < 8 && v&(1<<k) == 0 {
					k++
				}
				runTable[v] = BitRange{StartIdx: j, BitCount: k - j}
				break
			}
		}
	}
}

type BitMap struct {
	d          *disk.Disk
	sizeInBits uint64
	chunks     []*disk.Chunk
}

// New pins the view's chunks, locking each one for the lifetime of the view.
// The caller must Close the view to release the region.
func New(d *disk.Disk, chunkStart common.Cnum, sizeInBits uint64) (*BitMap, error) {
	bm := &BitMap{d: d, sizeInBits: sizeInBits}
	for idx := uint64(0); idx < bm.SizeChunks(); idx++ {
		c, err := d.GetChunk(chunkStart + idx)
		if err != nil {
			bm.Close()
			return nil, err
		}
		c.Mu.Lock()
		bm.chunks = append(bm.chunks, c)
	}
	util.DPrintf(5, "bitmap: pinned %d chunks at %d for %d bits",
		len(bm.chunks), chunkStart, sizeInBits)
	return bm, nil
}

// Close releases the region: every chunk lock is dropped and every handle
// released, flushing chunks nothing else holds.
func (bm *BitMap) Close() {
	for _, c := range bm.chunks {
		c.Mu.Unlock()
		c.Release()
	}
	bm.chunks = nil
}

func (bm *BitMap) SizeInBits() uint64 {
	return bm.sizeInBits
}

// SizeBytes reserves one byte past the last logical bit for padding.
func (bm *BitMap) SizeBytes() uint64 {
	return bm.sizeInBits/8 + 2
}

func (bm *BitMap) SizeChunks() uint64 {
	return bm.SizeBytes()/bm.d.ChunkSize() + 1
}

func (bm *BitMap) byteAt(byteIdx uint64) *byte {
	cs := bm.d.ChunkSize()
	return &bm.chunks[byteIdx/cs].Data[byteIdx%cs]
}

func (bm *BitMap) Get(idx uint64) bool {
	return *bm.byteAt(idx/8)&(1<<(idx%8)) != 0
}

func (bm *BitMap) Set(idx uint64) {
	*bm.byteAt(idx / 8) |= 1 << (idx % 8)
}

func (bm *BitMap) Clr(idx uint64) {
	*bm.byteAt(idx / 8) &^= 1 << (idx % 8)
}

// ClearAll zeroes the whole region, then re-marks the padding bits past
// sizeInBits as used so the run search never hands out phantom space.
func (bm *BitMap) ClearAll() {
	for _, c := range bm.chunks {
		clear(c.Data)
	}
	for idx := bm.sizeInBits; idx < bm.sizeInBits+8; idx++ {
		bm.Set(idx)
	}
}

// FindUnsetBits returns the first maximal run of contiguous unset bits, of
// length capped at length, scanning low to high one byte at a time. A byte's
// leading run (from the table) only extends the run in progress when it
// begins exactly where the previous byte's run ended; otherwise the scan
// stops and returns what has accumulated. An empty result means no free bit
// exists.
func (bm *BitMap) FindUnsetBits(length uint64) BitRange {
	var run BitRange
	if length == 0 {
		return run
	}

	// Scan only the bytes covering logical bits; the padding set past
	// sizeInBits stops any run at the boundary of a partial final byte.
	nbytes := util.RoundUp(bm.sizeInBits, 8)
	for byteIdx := uint64(0); byteIdx < nbytes; byteIdx++ {
		b := runTable[*bm.byteAt(byteIdx)]
		if b.Empty() {
			if !run.Empty() {
				break
			}
			continue
		}

		start := byteIdx*8 + b.StartIdx
		if run.Empty() {
			run = BitRange{StartIdx: start, BitCount: b.BitCount}
		} else if start == run.StartIdx+run.BitCount {
			run.BitCount += b.BitCount
		} else {
			break
		}

		if run.BitCount >= length {
			break
		}
	}

	run.BitCount = util.Min(run.BitCount, length)
	return run
}
