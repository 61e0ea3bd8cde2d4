// Package block is the uniform block device layer: a driver
// table keyed by integer id, and a write-back LRU page cache sitting
// between callers and every registered driver. Each driver is a plain
// read/write/flush vtable over opaque controller state, generalized to a
// table of arbitrarily many named drivers instead of one fixed
// controller.
package block

import (
	"sync"

	"github.com/go-logr/logr"
	"github.com/iansmith/alteo/internal/kerr"
)

const (
	SectorSize      = 512
	CacheBlockBytes = 4096
	sectorsPerCache = CacheBlockBytes / SectorSize // 8

	maxDevices     = 16
	maxCacheBlocks = 64

	maxSectorsPerCall = 255 // the ATA collaborator's limit; chunked below
)

// Driver is the vtable a backend implements. lba/count are in sectors.
type Driver interface {
	ReadSectors(lba uint32, count uint8, buf []byte) error
	WriteSectors(lba uint32, count uint8, buf []byte) error
	Flush() error
}

// Device is one registered block device record.
type Device struct {
	Active       bool
	Name         string
	TotalSectors uint64
	SectorSize   uint32
	Driver       Driver
}

type cacheBlock struct {
	valid       bool
	dirty       bool
	deviceID    int
	alignedLBA  uint32
	accessCount uint64
	data        [CacheBlockBytes]byte
}

// Layer owns the device table and the shared cache.
type Layer struct {
	mu      sync.Mutex
	devices [maxDevices]Device
	cache   [maxCacheBlocks]cacheBlock
	clock   uint64
	log     logr.Logger
}

var global *Layer

// Init constructs an empty layer. cmd/kernel then calls RegisterDriver
// once, as "ata0", for the drive internal/platform/ata detects, if any.
func Init(log logr.Logger) *Layer {
	l := &Layer{log: log}
	global = l
	if log.GetSink() != nil {
		log.Info("block layer initialized", "maxDevices", maxDevices, "maxCacheBlocks", maxCacheBlocks)
	}
	return l
}

// Global returns the singleton built by Init.
func Global() *Layer { return global }

// RegisterDriver installs drv under name, returning its device id, or
// kerr.ErrExhausted if the device table is full.
func (l *Layer) RegisterDriver(name string, totalSectors uint64, drv Driver) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.devices {
		if !l.devices[i].Active {
			l.devices[i] = Device{
				Active:       true,
				Name:         name,
				TotalSectors: totalSectors,
				SectorSize:   SectorSize,
				Driver:       drv,
			}
			if l.log.GetSink() != nil {
				l.log.Info("block device registered", "id", i, "name", name, "totalSectors", totalSectors)
			}
			return i, nil
		}
	}
	return -1, kerr.ErrExhausted
}

func alignedLBA(lba uint32) uint32 {
	return lba - (lba % sectorsPerCache)
}

// findOrAllocCache returns the cache slot for (deviceID, aligned), loading
// it from the driver on a miss. Returns (nil, false) when the driver's
// fill read fails, or when no slot can be picked (never happens in
// practice since eviction always succeeds); callers then fall through
// to a direct driver access.
func (l *Layer) findOrAllocCache(deviceID int, aligned uint32) (*cacheBlock, bool) {
	for i := range l.cache {
		c := &l.cache[i]
		if c.valid && c.deviceID == deviceID && c.alignedLBA == aligned {
			l.clock++
			c.accessCount = l.clock
			return c, true
		}
	}

	slot := l.pickEvictionSlot()
	if slot == nil {
		return nil, false
	}

	if slot.valid && slot.dirty {
		l.writeBack(slot)
	}

	dev := &l.devices[deviceID]
	var buf [CacheBlockBytes]byte
	if err := dev.Driver.ReadSectors(aligned, sectorsPerCache, buf[:]); err != nil {
		return nil, false
	}

	l.clock++
	*slot = cacheBlock{
		valid:       true,
		dirty:       false,
		deviceID:    deviceID,
		alignedLBA:  aligned,
		accessCount: l.clock,
		data:        buf,
	}
	return slot, true
}

// pickEvictionSlot prefers an invalid (never-used) slot; otherwise the
// smallest access counter (LRU).
func (l *Layer) pickEvictionSlot() *cacheBlock {
	for i := range l.cache {
		if !l.cache[i].valid {
			return &l.cache[i]
		}
	}

	var lru *cacheBlock
	for i := range l.cache {
		c := &l.cache[i]
		if lru == nil || c.accessCount < lru.accessCount {
			lru = c
		}
	}
	return lru
}

func (l *Layer) writeBack(c *cacheBlock) {
	dev := &l.devices[c.deviceID]
	_ = dev.Driver.WriteSectors(c.alignedLBA, sectorsPerCache, c.data[:])
	c.dirty = false
}

// Read copies count sectors starting at lba from device into buf; falls back to a direct uncached driver read if cache
// allocation fails.
func (l *Layer) Read(deviceID int, lba uint32, count uint8, buf []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if deviceID < 0 || deviceID >= maxDevices || !l.devices[deviceID].Active {
		return kerr.ErrInvalid
	}
	if len(buf) < int(count)*SectorSize {
		return kerr.ErrInvalid
	}

	remaining := count
	curLBA := lba
	outOff := 0

	for remaining > 0 {
		aligned := alignedLBA(curLBA)
		block, ok := l.findOrAllocCache(deviceID, aligned)
		if !ok {
			return l.directRead(deviceID, curLBA, remaining, buf[outOff:])
		}

		offsetInBlock := int(curLBA-aligned) * SectorSize
		sectorsInBlock := sectorsPerCache - int(curLBA-aligned)
		take := sectorsInBlock
		if int(remaining) < take {
			take = int(remaining)
		}

		copy(buf[outOff:outOff+take*SectorSize], block.data[offsetInBlock:offsetInBlock+take*SectorSize])

		outOff += take * SectorSize
		curLBA += uint32(take)
		remaining -= uint8(take)
	}
	return nil
}

func (l *Layer) directRead(deviceID int, lba uint32, count uint8, buf []byte) error {
	return chunkedDriverCall(count, func(chunkLBA uint32, chunkCount uint8, chunkBuf []byte) error {
		return l.devices[deviceID].Driver.ReadSectors(chunkLBA, chunkCount, chunkBuf)
	}, lba, buf)
}

// Write copies count sectors from buf to device starting at lba: cache-allocate, fill from disk first if the write does
// not cover a whole cache block, copy in, mark dirty.
func (l *Layer) Write(deviceID int, lba uint32, count uint8, buf []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if deviceID < 0 || deviceID >= maxDevices || !l.devices[deviceID].Active {
		return kerr.ErrInvalid
	}
	if len(buf) < int(count)*SectorSize {
		return kerr.ErrInvalid
	}

	remaining := count
	curLBA := lba
	inOff := 0

	for remaining > 0 {
		aligned := alignedLBA(curLBA)
		block, ok := l.findOrAllocCache(deviceID, aligned)
		if !ok {
			return l.directWrite(deviceID, curLBA, remaining, buf[inOff:])
		}

		offsetInBlock := int(curLBA-aligned) * SectorSize
		sectorsInBlock := sectorsPerCache - int(curLBA-aligned)
		take := sectorsInBlock
		if int(remaining) < take {
			take = int(remaining)
		}

		copy(block.data[offsetInBlock:offsetInBlock+take*SectorSize], buf[inOff:inOff+take*SectorSize])
		block.dirty = true

		inOff += take * SectorSize
		curLBA += uint32(take)
		remaining -= uint8(take)
	}
	return nil
}

func (l *Layer) directWrite(deviceID int, lba uint32, count uint8, buf []byte) error {
	return chunkedDriverCall(count, func(chunkLBA uint32, chunkCount uint8, chunkBuf []byte) error {
		return l.devices[deviceID].Driver.WriteSectors(chunkLBA, chunkCount, chunkBuf)
	}, lba, buf)
}

// chunkedDriverCall splits a call exceeding maxSectorsPerCall into
// multiple driver invocations.
func chunkedDriverCall(count uint8, call func(lba uint32, n uint8, buf []byte) error, lba uint32, buf []byte) error {
	remaining := count
	curLBA := lba
	off := 0
	for remaining > 0 {
		n := remaining
		if n > maxSectorsPerCall {
			n = maxSectorsPerCall
		}
		if err := call(curLBA, n, buf[off:off+int(n)*SectorSize]); err != nil {
			return err
		}
		off += int(n) * SectorSize
		curLBA += uint32(n)
		remaining -= n
	}
	return nil
}

// Flush writes back every dirty cache block belonging to deviceID and
// calls the driver's Flush.
func (l *Layer) Flush(deviceID int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if deviceID < 0 || deviceID >= maxDevices || !l.devices[deviceID].Active {
		return kerr.ErrInvalid
	}

	for i := range l.cache {
		c := &l.cache[i]
		if c.valid && c.dirty && c.deviceID == deviceID {
			l.writeBack(c)
		}
	}
	return l.devices[deviceID].Driver.Flush()
}
