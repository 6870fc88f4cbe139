package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"chunkfs/disk"
)

func mkMap(t *testing.T, sizeInBits uint64) (*disk.Disk, *BitMap) {
	t.Helper()
	d := disk.NewDisk(32, 64)
	bm, err := New(d, 1, sizeInBits)
	assert.NoError(t, err)
	bm.ClearAll()
	return d, bm
}

func TestRunTable(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(BitRange{StartIdx: 0, BitCount: 8}, runTable[0x00])
	assert.Equal(BitRange{StartIdx: 0, BitCount: 0}, runTable[0xff])
	assert.Equal(BitRange{StartIdx: 1, BitCount: 7}, runTable[0x01])
	assert.Equal(BitRange{StartIdx: 0, BitCount: 1}, runTable[0x06], "run stops at the first set bit")
	assert.Equal(BitRange{StartIdx: 4, BitCount: 4}, runTable[0x0f])
	assert.Equal(BitRange{StartIdx: 7, BitCount: 1}, runTable[0x7f])
}

func TestGetSetClr(t *testing.T) {
	assert := assert.New(t)
	_, bm := mkMap(t, 1000)
	defer bm.Close()

	// bit 600 lives in the view's second chunk
	assert.False(bm.Get(600))
	bm.Set(600)
	assert.True(bm.Get(600))
	assert.False(bm.Get(599))
	assert.False(bm.Get(601))
	bm.Clr(600)
	assert.False(bm.Get(600))
}

func TestClearAllPadding(t *testing.T) {
	assert := assert.New(t)
	_, bm := mkMap(t, 100)
	defer bm.Close()

	for idx := uint64(0); idx < 100; idx++ {
		assert.False(bm.Get(idx))
	}
	for idx := uint64(100); idx < 108; idx++ {
		assert.True(bm.Get(idx), "padding bit %d must be set", idx)
	}
}

func TestFindUnsetAllZero(t *testing.T) {
	assert := assert.New(t)
	_, bm := mkMap(t, 100)
	defer bm.Close()

	assert.Equal(BitRange{StartIdx: 0, BitCount: 4}, bm.FindUnsetBits(4))
	assert.Equal(BitRange{StartIdx: 0, BitCount: 100}, bm.FindUnsetBits(100))
	assert.Equal(BitRange{StartIdx: 0, BitCount: 100}, bm.FindUnsetBits(500),
		"padding stops the run at the logical size")
}

func TestFindUnsetSkipsUsedPrefix(t *testing.T) {
	assert := assert.New(t)
	_, bm := mkMap(t, 100)
	defer bm.Close()

	BitRange{StartIdx: 0, BitCount: 10}.SetRange(bm)
	assert.Equal(BitRange{StartIdx: 10, BitCount: 5}, bm.FindUnsetBits(5))

	bm.Set(12)
	r := bm.FindUnsetBits(5)
	assert.Equal(BitRange{StartIdx: 10, BitCount: 2}, r,
		"scan returns the first run even when it is short")
}

func TestFindUnsetNeverOverlaps(t *testing.T) {
	assert := assert.New(t)
	_, bm := mkMap(t, 256)
	defer bm.Close()

	for _, idx := range []uint64{0, 3, 17, 64, 65, 200} {
		bm.Set(idx)
	}
	for length := uint64(1); length <= 64; length++ {
		r := bm.FindUnsetBits(length)
		assert.LessOrEqual(r.BitCount, length)
		for idx := r.StartIdx; idx < r.StartIdx+r.BitCount; idx++ {
			assert.False(bm.Get(idx), "returned run overlaps set bit %d", idx)
		}
	}
}

func TestFindUnsetExhausted(t *testing.T) {
	assert := assert.New(t)
	_, bm := mkMap(t, 64)
	defer bm.Close()

	BitRange{StartIdx: 0, BitCount: 64}.SetRange(bm)
	assert.True(bm.FindUnsetBits(1).Empty())
}

func TestCloseReleasesRegion(t *testing.T) {
	assert := assert.New(t)
	d, bm := mkMap(t, 100)

	assert.Error(d.TryClose(), "view holds its chunks")
	bm.Close()
	assert.NoError(d.TryClose())
}
