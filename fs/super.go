package fs

import (
	"bytes"
	"math"
	"sync"

	"github.com/tchajed/marshal"
	"lukechampine.com/blake3"

	"chunkfs/bitmap"
	"chunkfs/common"
	"chunkfs/disk"
	"chunkfs/util"
)

const (
	// SuperBlockChunks is the number of chunks reserved at the front of the
	// disk for the superblock record itself.
	SuperBlockChunks uint64 = 1

	superMagic    uint64 = 0x636875_6e6b6673 // "chunkfs"
	superRecordSz uint64 = 8 * 8
	superSumSz    uint64 = 32
)

// SuperBlock is the root structure of a formatted disk: geometry, the
// offsets of the block-usage bitmap, inode table and data regions, and the
// chunk allocator. The three regions are disjoint and laid out in ascending
// chunk order.
type SuperBlock struct {
	d         *disk.Disk
	sizeBytes uint64
	chunkSize uint64

	blockMapOffset       common.Cnum
	blockMapSizeChunks   uint64
	inodeTableOffset     common.Cnum
	inodeTableSizeChunks uint64
	dataOffset           common.Cnum

	mu       sync.Mutex // serializes chunk allocation
	blockMap *bitmap.BitMap
	Inodes   *INodeTable
}

func NewSuperBlock(d *disk.Disk) *SuperBlock {
	if d.ChunkSize() < superRecordSz+superSumSz {
		panic("fs: chunk size too small to hold the superblock record")
	}
	if d.ChunkSize() < common.INODESZ {
		panic("fs: chunk size too small to hold an inode record")
	}
	return &SuperBlock{
		d:         d,
		sizeBytes: d.SizeBytes(),
		chunkSize: d.ChunkSize(),
	}
}

func (sb *SuperBlock) PointersPerChunk() uint64 {
	return sb.chunkSize / common.CNUMSZ
}

func (sb *SuperBlock) DataOffset() common.Cnum {
	return sb.dataOffset
}

// Init formats the disk: the block-usage bitmap goes immediately after the
// superblock's reserved chunk, sized to cover every chunk on the disk; the
// inode table follows, sized as the given fraction of the remaining chunks
// (rounded, at least one); everything after is the data region. All
// metadata chunks are marked used in the block map, the inode table is
// formatted, and the superblock record is persisted.
func (sb *SuperBlock) Init(inodeTableFraction float64) error {
	sb.blockMapOffset = SuperBlockChunks

	bm, err := bitmap.New(sb.d, sb.blockMapOffset, sb.d.SizeChunks())
	if err != nil {
		return err
	}
	sb.blockMapSizeChunks = bm.SizeChunks()
	sb.inodeTableOffset = sb.blockMapOffset + sb.blockMapSizeChunks

	remaining := sb.d.SizeChunks() - sb.inodeTableOffset
	tableChunks := uint64(math.Round(inodeTableFraction * float64(remaining)))
	if tableChunks == 0 {
		tableChunks = 1
	}
	if tableChunks >= remaining {
		bm.Close()
		return common.ErrOutOfSpace
	}
	sb.inodeTableSizeChunks = tableChunks
	sb.dataOffset = sb.inodeTableOffset + tableChunks

	bm.ClearAll()
	bitmap.BitRange{StartIdx: 0, BitCount: sb.dataOffset}.SetRange(bm)
	sb.blockMap = bm

	t, err := newINodeTable(sb, sb.inodeTableOffset, tableChunks)
	if err != nil {
		bm.Close()
		return err
	}
	t.Format()
	sb.Inodes = t

	util.DPrintf(1, "super: init map@%d+%d itable@%d+%d data@%d",
		sb.blockMapOffset, sb.blockMapSizeChunks,
		sb.inodeTableOffset, sb.inodeTableSizeChunks, sb.dataOffset)
	return sb.writeRecord()
}

// LoadFromDisk reconstructs the layout of a previously formatted disk from
// its persisted superblock record, without reinitializing any content.
func LoadFromDisk(d *disk.Disk) (*SuperBlock, error) {
	sb := NewSuperBlock(d)

	c, err := d.GetChunk(0)
	if err != nil {
		return nil, err
	}
	c.Mu.Lock()
	payload := append([]byte(nil), c.Data[:superRecordSz]...)
	sum := append([]byte(nil), c.Data[superRecordSz:superRecordSz+superSumSz]...)
	c.Mu.Unlock()
	c.Release()

	want := blake3.Sum256(payload)
	if !bytes.Equal(sum, want[:]) {
		return nil, common.ErrBadSuperBlock
	}

	dec := marshal.NewDec(payload)
	if dec.GetInt() != superMagic {
		return nil, common.ErrBadSuperBlock
	}
	if dec.GetInt() != sb.chunkSize || dec.GetInt() != d.SizeChunks() {
		return nil, common.ErrBadSuperBlock
	}
	sb.blockMapOffset = dec.GetInt()
	sb.blockMapSizeChunks = dec.GetInt()
	sb.inodeTableOffset = dec.GetInt()
	sb.inodeTableSizeChunks = dec.GetInt()
	sb.dataOffset = dec.GetInt()

	bm, err := bitmap.New(d, sb.blockMapOffset, d.SizeChunks())
	if err != nil {
		return nil, err
	}
	sb.blockMap = bm

	t, err := newINodeTable(sb, sb.inodeTableOffset, sb.inodeTableSizeChunks)
	if err != nil {
		bm.Close()
		return nil, err
	}
	sb.Inodes = t
	return sb, nil
}

func (sb *SuperBlock) writeRecord() error {
	enc := marshal.NewEnc(superRecordSz)
	enc.PutInt(superMagic)
	enc.PutInt(sb.chunkSize)
	enc.PutInt(sb.d.SizeChunks())
	enc.PutInt(sb.blockMapOffset)
	enc.PutInt(sb.blockMapSizeChunks)
	enc.PutInt(sb.inodeTableOffset)
	enc.PutInt(sb.inodeTableSizeChunks)
	enc.PutInt(sb.dataOffset)
	payload := enc.Finish()
	sum := blake3.Sum256(payload)

	c, err := sb.d.GetChunk(0)
	if err != nil {
		return err
	}
	c.Mu.Lock()
	copy(c.Data[:superRecordSz], payload)
	copy(c.Data[superRecordSz:superRecordSz+superSumSz], sum[:])
	c.Mu.Unlock()
	c.Release()
	return nil
}

// AllocateChunk marks the first free chunk used and returns a handle to it.
// The chunk's bytes are whatever it last held; zeroing is the caller's job.
func (sb *SuperBlock) AllocateChunk() (*disk.Chunk, error) {
	sb.mu.Lock()
	r := sb.blockMap.FindUnsetBits(1)
	if r.Empty() {
		sb.mu.Unlock()
		return nil, common.ErrOutOfSpace
	}
	sb.blockMap.Set(r.StartIdx)
	sb.mu.Unlock()

	util.DPrintf(10, "super: allocated chunk %d", r.StartIdx)
	return sb.d.GetChunk(r.StartIdx)
}

// FreeChunk returns a data chunk to the allocator. Freeing a metadata chunk
// is an invariant violation.
func (sb *SuperBlock) FreeChunk(idx common.Cnum) error {
	if idx >= sb.d.SizeChunks() {
		return common.ErrChunkOutOfRange
	}
	if idx < sb.dataOffset {
		panic("fs: freeing a metadata chunk")
	}
	sb.mu.Lock()
	sb.blockMap.Clr(idx)
	sb.mu.Unlock()
	return nil
}

// Close releases the block map and inode table views so the disk can pass
// TryClose once all other handles are gone.
func (sb *SuperBlock) Close() {
	if sb.Inodes != nil {
		sb.Inodes.Close()
		sb.Inodes = nil
	}
	if sb.blockMap != nil {
		sb.blockMap.Close()
		sb.blockMap = nil
	}
}
