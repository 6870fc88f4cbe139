package disk_test

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sync/errgroup"

	"chunkfs/common"
	"chunkfs/disk"
)

func TestGetChunkOutOfRange(t *testing.T) {
	d := disk.NewDisk(16, 64)
	_, err := d.GetChunk(16)
	assert.Equal(t, common.ErrChunkOutOfRange, err)
	_, err = d.GetChunk(1 << 40)
	assert.Equal(t, common.ErrChunkOutOfRange, err)
}

func TestGetChunkAliasing(t *testing.T) {
	assert := assert.New(t)
	d := disk.NewDisk(16, 64)

	c1, err := d.GetChunk(3)
	assert.NoError(err)
	c2, err := d.GetChunk(3)
	assert.NoError(err)
	assert.Same(c1, c2, "handles for the same index must alias one chunk")

	c1.Mu.Lock()
	c1.Data[0] = 0xab
	c1.Mu.Unlock()
	assert.Equal(byte(0xab), c2.Data[0], "mutation is visible through the alias")

	c1.Release()
	c2.Release()
}

func TestWriteBackOnLastRelease(t *testing.T) {
	assert := assert.New(t)
	d := disk.NewDisk(16, 64)

	c, err := d.GetChunk(5)
	assert.NoError(err)
	c.Mu.Lock()
	c.Data[7] = 0x5a
	c.Mu.Unlock()
	c.Release()

	c, err = d.GetChunk(5)
	assert.NoError(err)
	assert.Equal(byte(0x5a), c.Data[7], "re-fetch observes the written-back mutation")
	c.Release()
}

func TestReleaseUnderflowPanics(t *testing.T) {
	d := disk.NewDisk(4, 64)
	c, err := d.GetChunk(0)
	assert.NoError(t, err)
	c.Release()
	assert.Panics(t, func() { c.Release() })
}

func TestTryClose(t *testing.T) {
	assert := assert.New(t)
	d := disk.NewDisk(16, 64)

	c, err := d.GetChunk(0)
	assert.NoError(err)
	assert.Equal(common.ErrDiskBusy, d.TryClose(), "close with a live handle must fail")

	c.Release()
	assert.NoError(d.TryClose())
}

func TestConcurrentGetChunkConverges(t *testing.T) {
	assert := assert.New(t)
	d := disk.NewDisk(16, 64)

	var mu sync.Mutex
	var seen []*disk.Chunk
	var eg errgroup.Group
	for i := 0; i < 8; i++ {
		eg.Go(func() error {
			c, err := d.GetChunk(9)
			if err != nil {
				return err
			}
			mu.Lock()
			seen = append(seen, c)
			mu.Unlock()
			return nil
		})
	}
	assert.NoError(eg.Wait())

	for _, c := range seen[1:] {
		assert.Same(seen[0], c, "concurrent fetches must converge on one chunk")
	}
	for _, c := range seen {
		c.Release()
	}
	assert.NoError(d.TryClose())
}

func TestFileDiskRoundTrip(t *testing.T) {
	assert := assert.New(t)
	path := filepath.Join(t.TempDir(), "disk.img")

	d, err := disk.NewFileDisk(path, 8, 64)
	assert.NoError(err)

	c, err := d.GetChunk(2)
	assert.NoError(err)
	c.Mu.Lock()
	c.Data[0] = 0xcd
	c.Mu.Unlock()
	c.Release()
	assert.NoError(d.TryClose())

	d, err = disk.NewFileDisk(path, 8, 64)
	assert.NoError(err)
	c, err = d.GetChunk(2)
	assert.NoError(err)
	assert.Equal(byte(0xcd), c.Data[0], "image retains writes across reopen")
	c.Release()
	assert.NoError(d.TryClose())
}
