// Package fs implements the storage layout on top of a chunk disk: the
// superblock describing region geometry, the block-usage allocator, and the
// inode table with direct and multi-level indirect chunk addressing. It is
// the substrate a directory/path layer would be built on.
package fs

import (
	"github.com/tchajed/goose/machine"
	"github.com/tchajed/marshal"

	"chunkfs/common"
	"chunkfs/disk"
	"chunkfs/util"
)

const (
	// NDIRECT direct addresses, then one single-, one double- and one
	// triple-indirect address.
	NDIRECT uint64 = 8
	NADDRS  uint64 = NDIRECT + 3

	slotSingle = NDIRECT
	slotDouble = NDIRECT + 1
	slotTriple = NDIRECT + 2
)

// Mode field bits: rwxrwxrwx (owner, group, other), directory, special.
const (
	ModePerm uint16 = 0o777
	ModeDir  uint16 = 1 << 9
	ModeSpec uint16 = 1 << 10
)

// INodeData is the fixed-size on-disk inode record. It is exactly what
// encode/decode round-trip through an inode table slot; there are no
// variable-length parts.
type INodeData struct {
	UID    uint64
	Mtime  uint64 // last-modified timestamp
	Size   uint64 // file size in bytes
	Refcnt uint64
	Addrs  [NADDRS]common.Cnum
	Mode   uint16
}

func (d *INodeData) encode() []byte {
	enc := marshal.NewEnc(common.INODESZ)
	enc.PutInt(d.UID)
	enc.PutInt(d.Mtime)
	enc.PutInt(d.Size)
	enc.PutInt(d.Refcnt)
	for _, a := range d.Addrs {
		enc.PutInt(a)
	}
	enc.PutInt(uint64(d.Mode))
	return enc.Finish()
}

func decodeINodeData(buf []byte) INodeData {
	var d INodeData
	dec := marshal.NewDec(buf)
	d.UID = dec.GetInt()
	d.Mtime = dec.GetInt()
	d.Size = dec.GetInt()
	d.Refcnt = dec.GetInt()
	for i := range d.Addrs {
		d.Addrs[i] = dec.GetInt()
	}
	d.Mode = uint16(dec.GetInt())
	return d
}

// An INode is a live handle to one inode: the record plus the superblock it
// resolves chunk addresses through. Handles are shared through the table's
// object cache; each GetInode must be paired with one Release.
type INode struct {
	Inum common.Inum
	D    INodeData

	sb   *SuperBlock
	refs uint64 // guarded by the table mutex
}

// Release drops one handle to the inode. Unlike chunks, dropping the last
// handle has no flush side effect; SetInode is the only persist path.
func (ino *INode) Release() {
	t := ino.sb.Inodes
	t.mu.Lock()
	if ino.refs == 0 {
		panic("fs: inode released more times than acquired")
	}
	ino.refs--
	t.mu.Unlock()
}

// ResolveIndirection maps a logical chunk number within the file to the
// physical chunk holding it, descending the indirection tree as needed. With
// alloc set, unset pointers along the path are filled by allocating fresh
// zeroed chunks; the updated address array is only persisted when the caller
// stores the record back with SetInode. Without alloc, an unset pointer
// resolves to a nil chunk, meaning the region is unallocated.
//
// The returned chunk handle must be Released by the caller.
func (ino *INode) ResolveIndirection(chunkNum uint64, alloc bool) (*disk.Chunk, error) {
	p := ino.sb.PointersPerChunk()

	// Tiered capacities: NDIRECT direct chunks, then p, p² and p³ more
	// through each level of indirection.
	var slot uint64
	var depth int
	var offs [3]uint64
	switch {
	case chunkNum < NDIRECT:
		slot = chunkNum
	case chunkNum < NDIRECT+p:
		n := chunkNum - NDIRECT
		slot, depth = slotSingle, 1
		offs[0] = n
	case chunkNum < NDIRECT+p+p*p:
		n := chunkNum - NDIRECT - p
		slot, depth = slotDouble, 2
		offs[0], offs[1] = n/p, n%p
	case chunkNum < NDIRECT+p+p*p+p*p*p:
		n := chunkNum - NDIRECT - p - p*p
		slot, depth = slotTriple, 3
		offs[0], offs[1], offs[2] = n/(p*p), (n/p)%p, n%p
	default:
		return nil, common.ErrFileTooLarge
	}
	util.DPrintf(10, "inode %d: resolve chunk %d slot %d depth %d",
		ino.Inum, chunkNum, slot, depth)

	var cur *disk.Chunk
	if addr := ino.D.Addrs[slot]; addr != common.NULLCNUM {
		c, err := ino.sb.d.GetChunk(addr)
		if err != nil {
			return nil, err
		}
		cur = c
	} else {
		if !alloc {
			return nil, nil
		}
		c, err := ino.sb.AllocateChunk()
		if err != nil {
			return nil, err
		}
		zeroChunk(c)
		ino.D.Addrs[slot] = c.Idx()
		cur = c
	}

	for level := 0; level < depth; level++ {
		off := offs[level] * common.CNUMSZ
		cur.Mu.Lock()
		next := machine.UInt64Get(cur.Data[off : off+common.CNUMSZ])
		if next != common.NULLCNUM {
			cur.Mu.Unlock()
			cur.Release()
			c, err := ino.sb.d.GetChunk(next)
			if err != nil {
				return nil, err
			}
			cur = c
			continue
		}

		if !alloc {
			cur.Mu.Unlock()
			cur.Release()
			return nil, nil
		}
		c, err := ino.sb.AllocateChunk()
		if err != nil {
			cur.Mu.Unlock()
			cur.Release()
			return nil, err
		}
		zeroChunk(c)
		machine.UInt64Put(cur.Data[off:off+common.CNUMSZ], c.Idx())
		cur.Mu.Unlock()
		cur.Release()
		cur = c
	}
	return cur, nil
}

// Read copies up to len(p) bytes starting at byte offset off into p, clamped
// to the declared file size, crossing chunk boundaries by repeated
// resolution. Reading within the declared size over an unallocated chunk
// allocates that chunk rather than synthesizing zeroes without one, so a
// read can mutate the disk.
func (ino *INode) Read(off uint64, p []byte) (uint64, error) {
	if off >= ino.D.Size {
		return 0, nil
	}
	cs := ino.sb.chunkSize
	n := util.Min(uint64(len(p)), ino.D.Size-off)

	var done uint64
	for done < n {
		pos := off + done
		c, err := ino.ResolveIndirection(pos/cs, true)
		if err != nil {
			return done, err
		}
		cnt := util.Min(n-done, cs-pos%cs)
		c.Mu.Lock()
		copy(p[done:done+cnt], c.Data[pos%cs:pos%cs+cnt])
		c.Mu.Unlock()
		c.Release()
		done += cnt
	}
	return done, nil
}

// zeroChunk scrubs a freshly allocated chunk; the allocator hands chunks out
// with whatever bytes they last held.
func zeroChunk(c *disk.Chunk) {
	c.Mu.Lock()
	clear(c.Data)
	c.Mu.Unlock()
}
