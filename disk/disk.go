// Package disk implements a chunk-granular disk: a fixed geometry of
// chunkCount chunks of chunkSize bytes over a backing byte store, fronted by
// a cache so that every part of the engine holding the same chunk shares one
// in-memory copy of it.
package disk

import (
	"sync"

	"chunkfs/cache"
	"chunkfs/common"
	"chunkfs/util"
)

// A Chunk mirrors one on-disk chunk in memory.
//
// Mu guards Data; any code mutating chunk bytes must hold it. The chunk is
// shared: every GetChunk for the same index returns the same Chunk while at
// least one handle is outstanding. Each successful GetChunk must be paired
// with exactly one Release; the last Release flushes Data back to the disk.
type Chunk struct {
	Mu   sync.Mutex
	Data []byte

	idx    common.Cnum
	size   uint64
	parent *Disk
	refs   uint64 // guarded by parent.mu
}

func (c *Chunk) Idx() common.Cnum {
	return c.idx
}

func (c *Chunk) Size() uint64 {
	return c.size
}

// Release drops one handle to the chunk. When the last handle goes away the
// chunk's bytes are written back to the disk; this is the only point where
// mutations become durable.
func (c *Chunk) Release() {
	d := c.parent
	d.mu.Lock()
	if c.refs == 0 {
		panic("disk: chunk released more times than acquired")
	}
	c.refs--
	if c.refs == 0 {
		util.DPrintf(10, "chunk %d: last release, flushing", c.idx)
		d.flushChunk(c)
	}
	d.mu.Unlock()
}

// chunkRef is the non-owning entry the chunk cache keeps. The chunk is live
// while handles are outstanding; refs is read under the disk mutex, which
// serializes every cache operation.
type chunkRef struct {
	c *Chunk
}

func (r chunkRef) Value() (*Chunk, bool) {
	if r.c.refs == 0 {
		return nil, false
	}
	return r.c, true
}

// Disk owns the backing store and the chunk cache. mu guards cache
// bookkeeping and backing-store copies during materialization and flush; it
// is held briefly per call, never across a logical operation. Chunk contents
// are guarded by each chunk's own mutex instead.
type Disk struct {
	chunkCount uint64
	chunkSize  uint64

	mu     sync.Mutex
	store  store
	chunks *cache.Cache[common.Cnum, *Chunk]
}

func newDisk(s store, chunkCount uint64, chunkSize uint64) *Disk {
	return &Disk{
		chunkCount: chunkCount,
		chunkSize:  chunkSize,
		store:      s,
		chunks:     cache.New[common.Cnum, *Chunk](),
	}
}

// NewDisk creates an all-zero in-memory disk.
func NewDisk(chunkCount uint64, chunkSize uint64) *Disk {
	return newDisk(make(memStore, chunkCount*chunkSize), chunkCount, chunkSize)
}

func (d *Disk) SizeChunks() uint64 {
	return d.chunkCount
}

func (d *Disk) ChunkSize() uint64 {
	return d.chunkSize
}

func (d *Disk) SizeBytes() uint64 {
	return d.chunkCount * d.chunkSize
}

// GetChunk returns a shared handle to chunk idx, materializing it from the
// backing store on a cache miss. Concurrent calls for the same index converge
// on the same Chunk. The handle must eventually be Released.
func (d *Disk) GetChunk(idx common.Cnum) (*Chunk, error) {
	if idx >= d.chunkCount {
		return nil, common.ErrChunkOutOfRange
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.chunks.Get(idx); ok {
		c.refs++
		util.DPrintf(15, "chunk %d: cache hit, refs %d", idx, c.refs)
		return c, nil
	}

	c := &Chunk{
		Data:   make([]byte, d.chunkSize),
		idx:    idx,
		size:   d.chunkSize,
		parent: d,
		refs:   1,
	}
	d.store.readAt(idx*d.chunkSize, c.Data)
	d.chunks.Put(idx, chunkRef{c})
	util.DPrintf(15, "chunk %d: materialized", idx)
	return c, nil
}

// flushChunk copies the chunk's bytes back into the backing store. Caller
// holds d.mu. A chunk belonging to another disk or with the wrong geometry
// is an invariant violation, not a recoverable error.
func (d *Disk) flushChunk(c *Chunk) {
	if c.size != d.chunkSize {
		panic("disk: flush of chunk with mismatched size")
	}
	if c.parent != d {
		panic("disk: flush of chunk belonging to another disk")
	}
	d.store.writeAt(c.idx*d.chunkSize, c.Data)
}

// TryClose shuts the disk down if no chunk handles remain outstanding.
// It is fail-fast: with live handles elsewhere it returns ErrDiskBusy
// rather than blocking, since closing under live aliases is unsafe.
func (d *Disk) TryClose() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.chunks.Sweep(true)
	if d.chunks.Len() > 0 {
		return common.ErrDiskBusy
	}
	return d.store.close()
}
