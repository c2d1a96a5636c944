package memory

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

type allocatedHeader struct {
	size uint64
}

type heapFreeHeader struct {
	size uint64
	next atomic.Pointer[heapFreeHeader]
}

const allocatedHeaderSize = uint64(unsafe.Sizeof(allocatedHeader{}))
const heapFreeHeaderSize = uint64(unsafe.Sizeof(heapFreeHeader{}))
const heapFreeHeaderAlign = uint64(unsafe.Alignof(heapFreeHeader{}))

// HeapAllocator is a general-purpose, arbitrarily-sized allocator backed by
// a PageAllocator. It uses a first-fit free list; CAS retries make
// Allocate/Free safe to call concurrently.
type HeapAllocator struct {
	pageAllocator PageAllocator
	freeList      atomic.Pointer[heapFreeHeader]
}

// NewHeapAllocator creates a heap that grows by requesting pages from pa.
func NewHeapAllocator(pa PageAllocator) *HeapAllocator {
	return &HeapAllocator{pageAllocator: pa}
}

func heapHeaderAt(addr VirtualAddress) *heapFreeHeader {
	return (*heapFreeHeader)(unsafe.Pointer(uintptr(addr)))
}

func heapAddrOfHeader(h *heapFreeHeader) VirtualAddress {
	return VirtualAddress(uintptr(unsafe.Pointer(h)))
}

// freeListContains reports whether a block header at addr currently appears
// on the free list. Best-effort and point-in-time, like blockInFreeList in
// buddy.go: a concurrent Free of the same pointer can race past it, but it
// catches the common sequential double-free.
func (h *HeapAllocator) freeListContains(addr VirtualAddress) bool {
	cur := h.freeList.Load()
	for cur != nil {
		if heapAddrOfHeader(cur) == addr {
			return true
		}
		cur = cur.next.Load()
	}
	return false
}

func (h *HeapAllocator) pushFreeBlock(block *heapFreeHeader) {
	for {
		head := h.freeList.Load()
		block.next.Store(head)
		if h.freeList.CompareAndSwap(head, block) {
			return
		}
	}
}

// tryRemoveFit removes and returns the first free block at least
// desiredSize bytes, if one exists.
func (h *HeapAllocator) tryRemoveFit(desiredSize uint64) (*heapFreeHeader, bool) {
restart:
	var prev *atomic.Pointer[heapFreeHeader] = &h.freeList
	cur := prev.Load()
	for cur != nil {
		next := cur.next.Load()
		if cur.size >= desiredSize {
			if prev.CompareAndSwap(cur, next) {
				return cur, true
			}
			goto restart
		}
		prev = &cur.next
		cur = next
	}
	return nil, false
}

func paddingNeededFor(size, align uint64) uint64 {
	return alignUp(size, align) - size
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

// ErrUnsupportedAlignment is returned when an allocation requests an
// alignment greater than the backing page size.
var ErrUnsupportedAlignment = fmt.Errorf("memory: alignments greater than a page are unsupported")

// ErrCorruptHeader is returned by Free when the block preceding ptr claims a
// size smaller than (size, align) imply: ptr almost certainly was not
// returned by a prior Allocate(size, align) call.
var ErrCorruptHeader = fmt.Errorf("memory: heap block header does not match freed size")

// Allocate reserves size bytes aligned to align, which must not exceed the
// backing allocator's page size.
func (h *HeapAllocator) Allocate(size, align uint64) (VirtualAddress, error) {
	if align > h.pageAllocator.PageSize().Bytes() {
		return 0, ErrUnsupportedAlignment
	}
	if align == 0 {
		align = 1
	}
	padding := paddingNeededFor(allocatedHeaderSize, align)
	required := allocatedHeaderSize + padding + size

	if block, ok := h.tryRemoveFit(required); ok {
		blockAddr := heapAddrOfHeader(block)
		blockSize := block.size
		if blockSize-required > heapFreeHeaderSize {
			restOffset := alignUp(required, heapFreeHeaderAlign)
			rest := heapHeaderAt(blockAddr.Add(restOffset))
			rest.size = blockSize - restOffset
			rest.next.Store(nil)
			h.pushFreeBlock(rest)
		}

		hdr := (*allocatedHeader)(unsafe.Pointer(block))
		hdr.size = required
		return blockAddr.Add(allocatedHeaderSize + padding), nil
	}

	pageBytes := h.pageAllocator.PageSize().Bytes()
	pageCount := ceilDiv(required, pageBytes)
	if pageCount < 4 {
		pageCount = 4
	}
	pages, err := h.pageAllocator.Allocate(int(pageCount))
	if err != nil {
		return 0, err
	}
	blockAddr := pages.KernelVirtualAddress()
	hdr := (*allocatedHeader)(unsafe.Pointer(uintptr(blockAddr)))
	hdr.size = required
	return blockAddr.Add(allocatedHeaderSize + padding), nil
}

// Free releases a block previously returned by Allocate(size, align).
// Calling it with a mismatched (size, align) pair is undefined in the
// general case: the size check here is best-effort, matching the header
// rather than a dedicated validity check. A double-free of the same pointer
// is rejected if caught by a free-list membership scan; like the buddy
// allocator's equivalent check, that scan is not linearizable against a
// concurrent Free of the same pointer.
func (h *HeapAllocator) Free(ptr VirtualAddress, size, align uint64) error {
	if ptr == 0 {
		return nil
	}
	if align == 0 {
		align = 1
	}
	padding := paddingNeededFor(allocatedHeaderSize, align)
	headerOffset := padding + allocatedHeaderSize
	headerAddr := VirtualAddress(uint64(ptr) - headerOffset)

	hdr := (*allocatedHeader)(unsafe.Pointer(uintptr(headerAddr)))
	claimedSize := hdr.size
	totalSize := allocatedHeaderSize + padding + size
	if claimedSize < totalSize {
		return ErrCorruptHeader
	}
	if h.freeListContains(headerAddr) {
		return ErrUnknownPtr
	}

	block := heapHeaderAt(headerAddr)
	block.size = claimedSize
	block.next.Store(nil)
	h.pushFreeBlock(block)
	return nil
}
