package common

// Cnum is the number of a physical chunk on a disk.
type Cnum = uint64

// Inum indexes a slot in an inode table.
type Inum = uint64

const (
	// NULLCNUM marks an unallocated chunk address in an inode or an
	// indirect-pointer chunk.
	NULLCNUM Cnum = 0

	// INODESZ is the on-disk size of one inode record.
	INODESZ uint64 = 128

	// CNUMSZ is the on-disk size of one chunk address.
	CNUMSZ uint64 = 8
)
