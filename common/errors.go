package common

import "errors"

// Errors surfaced by the storage engine. All are local, synchronous failures;
// the caller decides whether to retry (for example after freeing space).
// Invariant violations (flushing a chunk into the wrong disk, releasing a
// handle twice) are programming errors and panic instead.
var (
	ErrChunkOutOfRange = errors.New("chunk index out of range")
	ErrDiskBusy        = errors.New("disk busy: chunks still referenced")
	ErrInodeOutOfRange = errors.New("inode index out of range")
	ErrInodeNotInUse   = errors.New("inode not in use")
	ErrOutOfSpace      = errors.New("no space left on disk")
	ErrFileTooLarge    = errors.New("file offset beyond addressable range")
	ErrBadSuperBlock   = errors.New("superblock record is invalid")
)
