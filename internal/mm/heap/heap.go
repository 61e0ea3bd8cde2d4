// Package heap is kmalloc/kfree: an in-band, doubly linked free list
// (segment{next, prev, isAllocated, size}) over a single fixed
// kernel virtual arena backed by PMM frames. The doubly linked segment
// list makes coalescing a freed block's neighbors an O(1) check instead
// of a list re-scan, at the cost of one extra back-pointer per segment.
package heap

import (
	"sync"
	"unsafe"

	"github.com/go-logr/logr"
)

// Alignment is the minimum allocation alignment.
const Alignment = 8

type segment struct {
	next        *segment
	prev        *segment
	isAllocated bool
	size        uint32 // total size including this header
}

const segHeaderSize = unsafe.Sizeof(segment{})

// Heap is the single-writer-under-interrupt-disable kernel byte allocator.
// Like the PMM, it is a package-level singleton initialized once at boot.
type Heap struct {
	mu    sync.Mutex
	head  *segment
	base  uintptr
	limit uintptr
	log   logr.Logger
}

var global *Heap

// Init carves size bytes starting at virtBase (already mapped writable by
// the VMM) into one free segment.
func Init(log logr.Logger, virtBase uintptr, size uint32) *Heap {
	h := &Heap{base: virtBase, limit: virtBase + uintptr(size), log: log}
	head := (*segment)(unsafe.Pointer(virtBase))
	*head = segment{size: size}
	h.head = head
	global = h
	if log.GetSink() != nil {
		log.Info("heap initialized", "base", virtBase, "size", size)
	}
	return h
}

// Global returns the singleton Heap.
func Global() *Heap { return global }

func align(n uintptr, to uintptr) uintptr {
	rem := n % to
	if rem == 0 {
		return n
	}
	return n + (to - rem)
}

// Kmalloc returns a pointer to a block of at least size bytes, 8-byte
// aligned, or nil on exhaustion. Best-fit search over
// the segment list, splitting the chosen free segment when the remainder
// is large enough to host another header plus Alignment bytes.
func (h *Heap) Kmalloc(size uint32) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	need := align(uintptr(segHeaderSize)+uintptr(size), Alignment)

	var best *segment
	var bestSize uintptr = 1<<63 - 1
	for s := h.head; s != nil; s = s.next {
		if s.isAllocated || uintptr(s.size) < need {
			continue
		}
		if uintptr(s.size) < bestSize {
			best = s
			bestSize = uintptr(s.size)
		}
	}
	if best == nil {
		return nil
	}

	// Split if there's room for another header-sized free segment.
	if uintptr(best.size) >= need+uintptr(segHeaderSize)+Alignment {
		splitAt := uintptr(unsafe.Pointer(best)) + need
		newSeg := (*segment)(unsafe.Pointer(splitAt))
		*newSeg = segment{
			next: best.next,
			prev: best,
			size: uint32(uintptr(best.size) - need),
		}
		if newSeg.next != nil {
			newSeg.next.prev = newSeg
		}
		best.next = newSeg
		best.size = uint32(need)
	}

	best.isAllocated = true
	data := unsafe.Pointer(uintptr(unsafe.Pointer(best)) + segHeaderSize)
	return data
}

func segmentOf(ptr unsafe.Pointer) *segment {
	return (*segment)(unsafe.Pointer(uintptr(ptr) - segHeaderSize))
}

// Kfree marks the block free. kfree(nil) is a no-op; double-free is not
// detected, an accepted limitation. Adjacent free segments are coalesced
// to bound fragmentation in a long-running kernel.
func (h *Heap) Kfree(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	seg := segmentOf(ptr)
	seg.isAllocated = false

	if next := seg.next; next != nil && !next.isAllocated {
		seg.size += next.size
		seg.next = next.next
		if seg.next != nil {
			seg.next.prev = seg
		}
	}
	if prev := seg.prev; prev != nil && !prev.isAllocated {
		prev.size += seg.size
		prev.next = seg.next
		if prev.next != nil {
			prev.next.prev = prev
		}
	}
}
