package fs

import (
	"sync"

	"chunkfs/bitmap"
	"chunkfs/cache"
	"chunkfs/common"
	"chunkfs/util"
)

// INodeTable is a fixed-capacity array of inode slots in a reserved disk
// region. The leading chunks of the region hold the slot-usage bitmap, the
// remainder the flat array. Hot inodes are served as shared live handles
// through an object cache.
type INodeTable struct {
	sb             *SuperBlock
	offset         common.Cnum // first chunk of the region (the usage bitmap)
	sizeChunks     uint64      // whole region, bitmap included
	ilistOffset    common.Cnum // first chunk of the inode array
	inodesPerChunk uint64
	inodeCount     uint64

	mu     sync.Mutex
	used   *bitmap.BitMap
	inodes *cache.Cache[common.Inum, *INode]
}

type inodeRef struct {
	ino *INode
}

func (r inodeRef) Value() (*INode, bool) {
	if r.ino.refs == 0 {
		return nil, false
	}
	return r.ino, true
}

func newINodeTable(sb *SuperBlock, offset common.Cnum, sizeChunks uint64) (*INodeTable, error) {
	perChunk := sb.chunkSize / common.INODESZ
	used, err := bitmap.New(sb.d, offset, perChunk*sizeChunks)
	if err != nil {
		return nil, err
	}
	t := &INodeTable{
		sb:             sb,
		offset:         offset,
		sizeChunks:     sizeChunks,
		ilistOffset:    offset + used.SizeChunks(),
		inodesPerChunk: perChunk,
		inodeCount:     perChunk * (sizeChunks - used.SizeChunks()),
		used:           used,
		inodes:         cache.New[common.Inum, *INode](),
	}
	util.DPrintf(5, "itable: %d inodes in %d chunks at %d (ilist at %d)",
		t.inodeCount, sizeChunks, offset, t.ilistOffset)
	return t, nil
}

func (t *INodeTable) InodeCount() uint64 {
	return t.inodeCount
}

// Format clears the usage bitmap: every slot free, no data scrubbed.
func (t *INodeTable) Format() {
	t.mu.Lock()
	t.used.ClearAll()
	t.mu.Unlock()
}

// slotLoc locates the chunk and byte offset of slot idx.
func (t *INodeTable) slotLoc(idx common.Inum) (common.Cnum, uint64) {
	return t.ilistOffset + idx/t.inodesPerChunk,
		(idx % t.inodesPerChunk) * common.INODESZ
}

// GetInode returns a live handle to inode idx. A handle already shared with
// other callers is returned from the cache; otherwise the record is read out
// of its slot. The handle must eventually be Released.
func (t *INodeTable) GetInode(idx common.Inum) (*INode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx >= t.inodeCount {
		return nil, common.ErrInodeOutOfRange
	}
	if !t.used.Get(idx) {
		return nil, common.ErrInodeNotInUse
	}

	if ino, ok := t.inodes.Get(idx); ok {
		ino.refs++
		return ino, nil
	}

	cnum, off := t.slotLoc(idx)
	c, err := t.sb.d.GetChunk(cnum)
	if err != nil {
		return nil, err
	}
	c.Mu.Lock()
	data := decodeINodeData(c.Data[off : off+common.INODESZ])
	c.Mu.Unlock()
	c.Release()

	ino := &INode{Inum: idx, D: data, sb: t.sb, refs: 1}
	t.inodes.Put(idx, inodeRef{ino})
	return ino, nil
}

// SetInode marks slot idx in use and persists the record into it. Any live
// cached handle for idx is refreshed so later GetInode calls don't serve a
// stale copy.
func (t *INodeTable) SetInode(idx common.Inum, data *INodeData) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx >= t.inodeCount {
		return common.ErrInodeOutOfRange
	}
	t.used.Set(idx)

	cnum, off := t.slotLoc(idx)
	c, err := t.sb.d.GetChunk(cnum)
	if err != nil {
		return err
	}
	c.Mu.Lock()
	copy(c.Data[off:off+common.INODESZ], data.encode())
	c.Mu.Unlock()
	c.Release()

	if ino, ok := t.inodes.Get(idx); ok {
		ino.D = *data
	}
	return nil
}

// FreeInode clears the usage bit for idx. The slot's bytes are left as-is;
// reuse goes through SetInode.
func (t *INodeTable) FreeInode(idx common.Inum) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if idx >= t.inodeCount {
		return common.ErrInodeOutOfRange
	}
	if !t.used.Get(idx) {
		return common.ErrInodeNotInUse
	}
	t.used.Clr(idx)
	return nil
}

// Close releases the usage-bitmap view, unpinning its chunks.
func (t *INodeTable) Close() {
	t.mu.Lock()
	t.used.Close()
	t.mu.Unlock()
}
