package ext2_test

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/iansmith/alteo/internal/block"
	"github.com/iansmith/alteo/internal/fs/ext2"
	"github.com/stretchr/testify/require"
)

// memDriver backs block.Driver with a plain byte slice, letting tests
// hand-assemble a tiny ext2 image in memory.
type memDriver struct {
	data []byte
}

func (d *memDriver) ReadSectors(lba uint32, count uint8, buf []byte) error {
	off := int(lba) * block.SectorSize
	n := int(count) * block.SectorSize
	copy(buf[:n], d.data[off:off+n])
	return nil
}

func (d *memDriver) WriteSectors(lba uint32, count uint8, buf []byte) error { return nil }
func (d *memDriver) Flush() error                                          { return nil }

func putLE16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// buildImage assembles a minimal 1 KiB-block ext2 image with a single
// block group: superblock, one group descriptor block, an inode table
// holding inode 2 (root dir, pointing at one data block containing a
// single file entry, with no "." or ".." entries) and inode 5 (that
// file), and that file's data block.
func buildImage(t *testing.T) []byte {
	t.Helper()
	const blockSize = 1024
	const numBlocks = 16
	img := make([]byte, numBlocks*blockSize)

	sb := img[1024 : 1024+264]
	putLE32(sb[0:], 32)   // s_inodes_count
	putLE32(sb[4:], numBlocks) // s_blocks_count
	putLE32(sb[20:], 1)   // s_first_data_block (block size 1024 -> first data block 1)
	putLE32(sb[24:], 0)   // s_log_block_size -> 1024 << 0 = 1024
	putLE32(sb[32:], 8192) // s_blocks_per_group
	putLE32(sb[40:], 32)  // s_inodes_per_group
	putLE16(sb[56:], 0xEF53)
	putLE32(sb[76:], 1)   // s_rev_level (dynamic, so s_inode_size is read)
	putLE16(sb[88:], 128) // s_inode_size

	// Group descriptor table at block 2 (first_data_block(1) + 1).
	gd := img[2*blockSize : 2*blockSize+32]
	putLE32(gd[8:], 3) // bg_inode_table at block 3

	// Inode table at block 3: inode 2 (root) is the second entry
	// (1-based numbering, group 0, index (2-1)=1).
	inodeSize := 128
	inodeTable := img[3*blockSize:]
	rootInodeOff := 1 * inodeSize
	putLE16(inodeTable[rootInodeOff+0:], 0x4000) // i_mode: directory
	putLE32(inodeTable[rootInodeOff+4:], blockSize) // i_size
	putLE32(inodeTable[rootInodeOff+40:], 4)     // i_block[0] = data block 4

	// Root directory data block 4: one entry "greeting.txt" -> inode 5.
	dirBlock := img[4*blockSize : 4*blockSize+blockSize]
	writeDirEntry(dirBlock, 0, 5, "greeting.txt", 1)
	// Terminate with a zero-rec_len sentinel is implicit: remaining bytes
	// are zero, and the directory walk in lookupInDir and ReadDir treats
	// rec_len==0 as end.

	// Inode 5 (index (5-1)=4 within group 0): a regular file with one
	// direct block (block 6) containing "hello ext2".
	fileInodeOff := 4 * inodeSize
	content := []byte("hello ext2")
	putLE16(inodeTable[fileInodeOff+0:], 0x8000) // i_mode: regular file
	putLE32(inodeTable[fileInodeOff+4:], uint32(len(content)))
	putLE32(inodeTable[fileInodeOff+40:], 6) // i_block[0] = data block 6

	copy(img[6*blockSize:], content)

	return img
}

// writeDirEntry writes one ext2 directory entry at off, with rec_len
// sized to exactly fit the name (no padding; fine for a single-entry
// test block since the reader stops at rec_len==0 elsewhere).
func writeDirEntry(block []byte, off int, inode uint32, name string, fileType uint8) {
	putLE32(block[off:], inode)
	recLen := uint16(8 + len(name))
	putLE16(block[off+4:], recLen)
	block[off+6] = byte(len(name))
	block[off+7] = fileType
	copy(block[off+8:], name)
}

func mountTestImage(t *testing.T) *ext2.FS {
	t.Helper()
	img := buildImage(t)
	layer := block.Init(logr.Discard())
	id, err := layer.RegisterDriver("ata0", uint64(len(img)/block.SectorSize), &memDriver{data: img})
	require.NoError(t, err)

	fs, err := ext2.Mount(layer, id)
	require.NoError(t, err)
	return fs
}

func TestMountParsesSuperblock(t *testing.T) {
	fs := mountTestImage(t)
	require.NotNil(t, fs)
}

func TestReadFileReturnsContent(t *testing.T) {
	fs := mountTestImage(t)
	ops := ext2.Ops{}

	handle, err := ops.Open(fs, "/greeting.txt", 0)
	require.NoError(t, err)

	buf := make([]byte, 32)
	n, err := ops.Read(fs, handle, 0, buf)
	require.NoError(t, err)
	require.Equal(t, "hello ext2", string(buf[:n]))
}

func TestReadDirListsRootEntries(t *testing.T) {
	fs := mountTestImage(t)
	ops := ext2.Ops{}

	entries, err := ops.ReadDir(fs, "/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "greeting.txt", entries[0].Name)
}

func TestWriteIsRejected(t *testing.T) {
	fs := mountTestImage(t)
	ops := ext2.Ops{}

	handle, err := ops.Open(fs, "/greeting.txt", 0)
	require.NoError(t, err)
	_, err = ops.Write(fs, handle, 0, []byte("x"))
	require.Error(t, err)
}
