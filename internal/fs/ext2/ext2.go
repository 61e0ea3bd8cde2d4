// Package ext2 is a read-only ext2 reader mounted through the VFS
// contract. On-disk structures (superblock, group descriptor, inode) are
// parsed by hand from fixed byte offsets rather than a struct overlay,
// since several fields are revision-dependent or sparse depending on the
// filesystem's feature flags.
package ext2

import (
	"strings"

	"github.com/iansmith/alteo/internal/block"
	"github.com/iansmith/alteo/internal/kerr"
	"github.com/iansmith/alteo/internal/vfs"
)

const (
	superblockOffset = 1024
	ext2Magic        = 0xEF53
	rootInode        = 2

	inodeDirectBlocks = 12
	fileTypeUnknown   = 0
	fileTypeRegular   = 1
	fileTypeDirectory = 2
)

// Superblock holds the on-disk ext2 superblock's fields this reader
// needs. Parsed by hand from byte offsets rather than a struct overlay:
// ext2's superblock has several sparse, revision-dependent fields, and a
// hand-rolled field reader keeps this adapter honest about exactly which
// bytes it actually consumes.
type Superblock struct {
	InodesCount      uint32
	BlocksCount      uint32
	FirstDataBlock   uint32
	LogBlockSize     uint32
	BlocksPerGroup   uint32
	InodesPerGroup   uint32
	Magic            uint16
	InodeSize        uint16
	RevLevel         uint32
}

func parseSuperblock(raw []byte) (*Superblock, error) {
	if len(raw) < 264 {
		return nil, kerr.ErrInvalid
	}
	sb := &Superblock{
		InodesCount:    readLE32(raw[0:]),
		BlocksCount:    readLE32(raw[4:]),
		FirstDataBlock: readLE32(raw[20:]),
		LogBlockSize:   readLE32(raw[24:]),
		BlocksPerGroup: readLE32(raw[32:]),
		InodesPerGroup: readLE32(raw[40:]),
		Magic:          readLE16(raw[56:]),
		RevLevel:       readLE32(raw[76:]),
	}
	if sb.Magic != ext2Magic {
		return nil, kerr.ErrInvalid
	}
	if sb.RevLevel == 0 {
		sb.InodeSize = 128
	} else {
		sb.InodeSize = readLE16(raw[88:])
	}
	return sb, nil
}

func readLE16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func readLE32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// groupDesc is the on-disk block group descriptor's fields this reader
// needs; sizeof(groupDesc) on disk is 32 bytes.
const groupDescSize = 32

type groupDesc struct {
	InodeTableBlock uint32
}

func parseGroupDesc(raw []byte) groupDesc {
	return groupDesc{InodeTableBlock: readLE32(raw[8:])}
}

// Inode is the on-disk ext2 inode's fields this reader needs.
type Inode struct {
	Mode    uint16
	Size    uint32
	Blocks  [inodeDirectBlocks]uint32
	Single  uint32
	Double  uint32
	Triple  uint32
}

const inodeFieldsSize = 4 + 4 + 4*15 // mode+size skipped fields + i_block[15]

func parseInode(raw []byte) Inode {
	var in Inode
	in.Mode = readLE16(raw[0:])
	in.Size = readLE32(raw[4:])
	blockArrayOff := 40
	for i := 0; i < inodeDirectBlocks; i++ {
		in.Blocks[i] = readLE32(raw[blockArrayOff+i*4:])
	}
	in.Single = readLE32(raw[blockArrayOff+12*4:])
	in.Double = readLE32(raw[blockArrayOff+13*4:])
	in.Triple = readLE32(raw[blockArrayOff+14*4:])
	return in
}

const (
	modeTypeMask = 0xF000
	modeDir      = 0x4000
	modeFile     = 0x8000
)

// FS is one mounted ext2 volume's opaque state, handed back to every
// vfs.MountOps call.
type FS struct {
	blocks   *block.Layer
	deviceID int
	sb       *Superblock
	blockSize uint32
}

// Mount reads the superblock from deviceID and returns an FS ready to
// hand to vfs.VFS.Mount. Group descriptors are not read here; readInode
// reads the one it needs on each inode lookup.
func Mount(blocks *block.Layer, deviceID int) (*FS, error) {
	raw := make([]byte, 1024)
	if err := readBytes(blocks, deviceID, superblockOffset, raw); err != nil {
		return nil, err
	}
	sb, err := parseSuperblock(raw)
	if err != nil {
		return nil, err
	}

	return &FS{
		blocks:    blocks,
		deviceID:  deviceID,
		sb:        sb,
		blockSize: 1024 << sb.LogBlockSize,
	}, nil
}

// readBytes reads an arbitrary byte range through the block layer,
// sector-aligning the request (the block layer only understands whole
// 512-byte sectors).
func readBytes(blocks *block.Layer, deviceID int, byteOffset uint64, out []byte) error {
	startSector := uint32(byteOffset / block.SectorSize)
	endByte := byteOffset + uint64(len(out))
	endSector := uint32((endByte + block.SectorSize - 1) / block.SectorSize)
	count := endSector - startSector

	buf := make([]byte, count*block.SectorSize)
	cur := startSector
	for remaining := count; remaining > 0; {
		n := remaining
		if n > 255 {
			n = 255
		}
		off := (cur - startSector) * block.SectorSize
		if err := blocks.Read(deviceID, cur, uint8(n), buf[off:off+n*block.SectorSize]); err != nil {
			return err
		}
		cur += n
		remaining -= n
	}

	innerOff := byteOffset % block.SectorSize
	copy(out, buf[innerOff:])
	return nil
}

func (f *FS) readDiskBlock(blockNum uint32) ([]byte, error) {
	if blockNum == 0 {
		return make([]byte, f.blockSize), nil
	}
	buf := make([]byte, f.blockSize)
	if err := readBytes(f.blocks, f.deviceID, uint64(blockNum)*uint64(f.blockSize), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (f *FS) groupDescTableBlock() uint32 {
	if f.blockSize == 1024 {
		return f.sb.FirstDataBlock + 1
	}
	return 1
}

// readInode loads inode number ino (1-based).
func (f *FS) readInode(ino uint32) (Inode, error) {
	group := (ino - 1) / f.sb.InodesPerGroup
	indexInGroup := (ino - 1) % f.sb.InodesPerGroup

	gdBlock := f.groupDescTableBlock()
	gdPerBlock := f.blockSize / groupDescSize
	gdBlockOffset := group / gdPerBlock
	gdIndexInBlock := group % gdPerBlock

	raw, err := f.readDiskBlock(gdBlock + gdBlockOffset)
	if err != nil {
		return Inode{}, err
	}
	gd := parseGroupDesc(raw[gdIndexInBlock*groupDescSize:])

	inodesPerBlock := f.blockSize / uint32(f.sb.InodeSize)
	inodeBlock := gd.InodeTableBlock + indexInGroup/inodesPerBlock
	inodeOffsetInBlock := (indexInGroup % inodesPerBlock) * uint32(f.sb.InodeSize)

	blockData, err := f.readDiskBlock(inodeBlock)
	if err != nil {
		return Inode{}, err
	}
	return parseInode(blockData[inodeOffsetInBlock:]), nil
}

// resolveFileBlock returns the disk block number for logical block index
// idx within an inode.
func (f *FS) resolveFileBlock(in Inode, idx uint32) (uint32, error) {
	pointersPerBlock := f.blockSize / 4

	if idx < inodeDirectBlocks {
		return in.Blocks[idx], nil
	}
	idx -= inodeDirectBlocks

	if idx < pointersPerBlock {
		if in.Single == 0 {
			return 0, nil
		}
		table, err := f.readDiskBlock(in.Single)
		if err != nil {
			return 0, err
		}
		return readLE32(table[idx*4:]), nil
	}
	idx -= pointersPerBlock

	doubleSpan := pointersPerBlock * pointersPerBlock
	if idx < doubleSpan {
		if in.Double == 0 {
			return 0, nil
		}
		outer, err := f.readDiskBlock(in.Double)
		if err != nil {
			return 0, err
		}
		innerBlockNum := readLE32(outer[(idx/pointersPerBlock)*4:])
		if innerBlockNum == 0 {
			return 0, nil
		}
		inner, err := f.readDiskBlock(innerBlockNum)
		if err != nil {
			return 0, err
		}
		return readLE32(inner[(idx%pointersPerBlock)*4:]), nil
	}

	// Triple-indirect horizon: unimplemented. Files larger than this read as zero past
	// this point rather than failing the whole read.
	return 0, nil
}

// ReadFile reads [offset, offset+len(buf)) from inode ino, clipped to the
// inode's recorded size.
func (f *FS) ReadFile(ino uint32, offset uint64, buf []byte) (int, error) {
	in, err := f.readInode(ino)
	if err != nil {
		return 0, err
	}

	size := uint64(in.Size)
	if offset >= size {
		return 0, nil
	}
	end := offset + uint64(len(buf))
	if end > size {
		end = size
	}

	total := 0
	for cur := offset; cur < end; {
		blockIdx := uint32(cur / uint64(f.blockSize))
		offInBlock := cur % uint64(f.blockSize)
		diskBlock, err := f.resolveFileBlock(in, blockIdx)
		if err != nil {
			return total, err
		}
		data, err := f.readDiskBlock(diskBlock)
		if err != nil {
			return total, err
		}

		take := uint64(f.blockSize) - offInBlock
		if cur+take > end {
			take = end - cur
		}
		copy(buf[total:], data[offInBlock:uint64(offInBlock)+take])

		total += int(take)
		cur += take
	}
	return total, nil
}

// lookupInDir scans a directory inode's data blocks for name, using each
// entry's rec_len.
func (f *FS) lookupInDir(dirIno uint32, name string) (uint32, uint8, bool, error) {
	in, err := f.readInode(dirIno)
	if err != nil {
		return 0, 0, false, err
	}

	numBlocks := (uint64(in.Size) + uint64(f.blockSize) - 1) / uint64(f.blockSize)
	for b := uint32(0); uint64(b) < numBlocks; b++ {
		diskBlock, err := f.resolveFileBlock(in, b)
		if err != nil {
			return 0, 0, false, err
		}
		data, err := f.readDiskBlock(diskBlock)
		if err != nil {
			return 0, 0, false, err
		}

		for off := 0; off < len(data); {
			inode := readLE32(data[off:])
			recLen := readLE16(data[off+4:])
			if recLen == 0 {
				break
			}
			nameLen := data[off+6]
			fileType := data[off+7]
			entryName := string(data[off+8 : off+8+int(nameLen)])

			if inode != 0 && entryName != "." && entryName != ".." && entryName == name {
				return inode, fileType, true, nil
			}
			off += int(recLen)
		}
	}
	return 0, 0, false, nil
}

// resolvePath walks from the root inode (2) through each path component.
func (f *FS) resolvePath(path string) (uint32, error) {
	if path == "" || path == "/" {
		return rootInode, nil
	}
	cur := uint32(rootInode)
	for _, comp := range strings.Split(strings.Trim(path, "/"), "/") {
		if comp == "" {
			continue
		}
		next, _, ok, err := f.lookupInDir(cur, comp)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, kerr.ErrNotFound
		}
		cur = next
	}
	return cur, nil
}

// fsFd is what ext2's Open hands back through vfs.MountOps: the resolved
// inode number, since ext2 has no notion of a "handle" beyond that.
type fsFd struct {
	ino uint32
}

// Ops adapts FS onto vfs.MountOps.
type Ops struct{}

func (Ops) Open(state interface{}, path string, flags int) (interface{}, error) {
	f := state.(*FS)
	ino, err := f.resolvePath(path)
	if err != nil {
		return nil, err
	}
	return fsFd{ino: ino}, nil
}

func (Ops) Close(state interface{}, handle interface{}) error { return nil }

func (Ops) Read(state interface{}, handle interface{}, offset uint64, buf []byte) (int, error) {
	f := state.(*FS)
	h := handle.(fsFd)
	return f.ReadFile(h.ino, offset, buf)
}

func (Ops) Write(state interface{}, handle interface{}, offset uint64, buf []byte) (int, error) {
	return 0, vfs.ErrReadOnly
}

func (Ops) ReadDir(state interface{}, path string) ([]vfs.DirEntry, error) {
	f := state.(*FS)
	ino, err := f.resolvePath(path)
	if err != nil {
		return nil, err
	}
	in, err := f.readInode(ino)
	if err != nil {
		return nil, err
	}

	var out []vfs.DirEntry
	numBlocks := (uint64(in.Size) + uint64(f.blockSize) - 1) / uint64(f.blockSize)
	for b := uint32(0); uint64(b) < numBlocks; b++ {
		diskBlock, err := f.resolveFileBlock(in, b)
		if err != nil {
			return nil, err
		}
		data, err := f.readDiskBlock(diskBlock)
		if err != nil {
			return nil, err
		}
		for off := 0; off < len(data); {
			inode := readLE32(data[off:])
			recLen := readLE16(data[off+4:])
			if recLen == 0 {
				break
			}
			nameLen := data[off+6]
			fileType := data[off+7]
			name := string(data[off+8 : off+8+int(nameLen)])
			if inode != 0 && name != "." && name != ".." {
				t := vfs.NodeFile
				if fileType == fileTypeDirectory {
					t = vfs.NodeDir
				}
				out = append(out, vfs.DirEntry{Name: name, Type: t})
			}
			off += int(recLen)
		}
	}
	return out, nil
}

func (Ops) Mkdir(state interface{}, path string) error                    { return vfs.ErrReadOnly }
func (Ops) Create(state interface{}, path string, perms uint16) error     { return vfs.ErrReadOnly }
func (Ops) Delete(state interface{}, path string) error                  { return vfs.ErrReadOnly }

func (Ops) Stat(state interface{}, path string) (vfs.Stat, error) {
	f := state.(*FS)
	ino, err := f.resolvePath(path)
	if err != nil {
		return vfs.Stat{}, err
	}
	in, err := f.readInode(ino)
	if err != nil {
		return vfs.Stat{}, err
	}
	t := vfs.NodeFile
	if in.Mode&modeTypeMask == modeDir {
		t = vfs.NodeDir
	}
	return vfs.Stat{Type: t, Perms: in.Mode &^ modeTypeMask, Size: uint64(in.Size)}, nil
}
