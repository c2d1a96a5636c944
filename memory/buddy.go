package memory

import (
	"sync/atomic"
	"unsafe"
)

// MaxOrder bounds the largest block the buddy allocator will track: order
// MaxOrder-1 holds blocks of 2^(MaxOrder-1) pages.
const MaxOrder = 12

// freeHeader is written into the first bytes of a free block; it is the
// node type of a per-order lock-free Treiber stack.
type freeHeader struct {
	next atomic.Pointer[freeHeader]
}

func headerAt(addr PhysicalAddress) *freeHeader {
	return (*freeHeader)(unsafe.Pointer(uintptr(addr.KernelVirtualAddress())))
}

func addrOfHeader(h *freeHeader) PhysicalAddress {
	v, ok := VirtualAddress(uintptr(unsafe.Pointer(h))).ToPhysical()
	if !ok {
		panic("memory: free header pointer outside kernel address space")
	}
	return v
}

// BuddyPageAllocator is a lock-free allocator of power-of-two page blocks
// over one or more added physical memory regions. allocate/free are safe to
// call concurrently from any CPU.
type BuddyPageAllocator struct {
	baseAddr   PhysicalAddress
	endAddr    PhysicalAddress
	pageSize   PageSize
	freeBlocks [MaxOrder]atomic.Pointer[freeHeader]
}

// NewBuddyPageAllocator creates an allocator managing the physical range
// [baseAddr, endAddr) at the given page granularity. No memory is seeded
// into the free lists yet; call AddMemoryRegion for each usable sub-range.
func NewBuddyPageAllocator(pageSize PageSize, baseAddr, endAddr PhysicalAddress) *BuddyPageAllocator {
	return &BuddyPageAllocator{pageSize: pageSize, baseAddr: baseAddr, endAddr: endAddr}
}

// PageSize implements PageAllocator.
func (a *BuddyPageAllocator) PageSize() PageSize { return a.pageSize }

func (a *BuddyPageAllocator) blockSizeBytes(order int) uint64 {
	return a.pageSize.Bytes() << uint(order)
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func alignDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}

// AddMemoryRegion adds [start, start+length) to the pool of free memory.
// The range is aligned up to a page boundary internally, then greedily
// seeded as the largest possible aligned blocks, largest first.
func (a *BuddyPageAllocator) AddMemoryRegion(start PhysicalAddress, length uint64) {
	pageBytes := a.pageSize.Bytes()
	alignedStart := PhysicalAddress(alignUp(uint64(start), pageBytes))
	if uint64(alignedStart-start) > length {
		return
	}
	remaining := length - uint64(alignedStart-start)
	cur := alignedStart

	for remaining >= pageBytes {
		order := MaxOrder - 1
		for order > 0 {
			size := a.blockSizeBytes(order)
			if size <= remaining && uint64(cur)%size == 0 {
				break
			}
			order--
		}
		size := a.blockSizeBytes(order)
		a.pushFree(order, cur)
		cur = cur.Add(size)
		remaining -= size
	}
}

func (a *BuddyPageAllocator) pushFree(order int, addr PhysicalAddress) {
	h := headerAt(addr)
	for {
		head := a.freeBlocks[order].Load()
		h.next.Store(head)
		if a.freeBlocks[order].CompareAndSwap(head, h) {
			return
		}
	}
}

func (a *BuddyPageAllocator) popFree(order int) (PhysicalAddress, bool) {
	for {
		head := a.freeBlocks[order].Load()
		if head == nil {
			return 0, false
		}
		next := head.next.Load()
		if a.freeBlocks[order].CompareAndSwap(head, next) {
			return addrOfHeader(head), true
		}
	}
}

// tryRemoveBuddy removes a specific address from the free list at order, if
// present. It tolerates concurrent pushes/pops by restarting its scan on a
// CAS failure at the removal point.
func (a *BuddyPageAllocator) tryRemoveBuddy(order int, addr PhysicalAddress) bool {
restart:
	prev := &a.freeBlocks[order]
	cur := prev.Load()
	for cur != nil {
		if addrOfHeader(cur) == addr {
			next := cur.next.Load()
			if prev.CompareAndSwap(cur, next) {
				return true
			}
			goto restart
		}
		prev = &cur.next
		cur = cur.next.Load()
	}
	return false
}

// blockInFreeList reports whether addr currently appears in the free list
// at order. This is a point-in-time, best-effort check: concurrent
// modification can make the answer stale immediately after it's returned.
func (a *BuddyPageAllocator) blockInFreeList(order int, addr PhysicalAddress) bool {
	cur := a.freeBlocks[order].Load()
	for cur != nil {
		if addrOfHeader(cur) == addr {
			return true
		}
		cur = cur.next.Load()
	}
	return false
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func orderForPages(n int) int {
	order := 0
	p := 1
	for p < n {
		p <<= 1
		order++
	}
	return order
}

// Allocate implements PageAllocator. It returns a pointer aligned to
// page_size * next_pow2(n).
func (a *BuddyPageAllocator) Allocate(n int) (PhysicalAddress, error) {
	if n <= 0 {
		return 0, ErrInvalidSize
	}
	target := orderForPages(n)
	if target >= MaxOrder {
		return 0, ErrOutOfMemory
	}
	for order := target; order < MaxOrder; order++ {
		addr, ok := a.popFree(order)
		if !ok {
			continue
		}
		for o := order; o > target; o-- {
			upperHalf := addr.Add(a.blockSizeBytes(o - 1))
			a.pushFree(o-1, upperHalf)
		}
		return addr, nil
	}
	return 0, ErrOutOfMemory
}

// AllocateZeroed implements PageAllocator.
func (a *BuddyPageAllocator) AllocateZeroed(n int) (PhysicalAddress, error) {
	p, err := a.Allocate(n)
	if err != nil {
		return 0, err
	}
	size := uint64(nextPow2(n)) * a.pageSize.Bytes()
	buf := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(p.KernelVirtualAddress()))), size)
	for i := range buf {
		buf[i] = 0
	}
	return p, nil
}

// Free implements PageAllocator. (p, n) must exactly match a prior
// successful Allocate.
func (a *BuddyPageAllocator) Free(p PhysicalAddress, n int) error {
	if p.IsNull() || p < a.baseAddr || p >= a.endAddr {
		return ErrUnknownPtr
	}
	order := orderForPages(n)
	if order >= MaxOrder {
		return ErrUnknownPtr
	}

	addr := p
	var buddy PhysicalAddress
	for order < MaxOrder-1 {
		buddy = PhysicalAddress(uint64(addr) ^ a.blockSizeBytes(order))
		if buddy < a.baseAddr || buddy >= a.endAddr {
			break
		}
		if !a.tryRemoveBuddy(order, buddy) {
			break
		}
		if buddy < addr {
			addr = buddy
		}
		order++
	}

	if a.blockInFreeList(order, addr) {
		return ErrUnknownPtr
	}
	if order+1 < MaxOrder {
		if a.blockInFreeList(order+1, addr) {
			return ErrUnknownPtr
		}
		// addr may already be allocated as the upper half of a block one
		// order up that was itself freed and merged without ever removing
		// addr's own (still-allocated) buddy slot; block_in_free_list(order,
		// addr) alone can't see that, since the merged block lives at its
		// lower half's address, not addr's.
		buddy = PhysicalAddress(uint64(addr) ^ a.blockSizeBytes(order))
		if a.blockInFreeList(order+1, buddy) {
			return ErrUnknownPtr
		}
	}
	// addr may also lie inside a free block merged two or more orders up.
	for o := order + 2; o < MaxOrder; o++ {
		if a.blockInFreeList(o, PhysicalAddress(alignDown(uint64(addr), a.blockSizeBytes(o)))) {
			return ErrUnknownPtr
		}
	}

	a.pushFree(order, addr)
	return nil
}

// TotalPagesFree walks every free list and sums the pages they represent.
// Intended for tests and diagnostics; it is not a snapshot-consistent
// count under concurrent modification.
func (a *BuddyPageAllocator) TotalPagesFree() int {
	total := 0
	for order := 0; order < MaxOrder; order++ {
		cur := a.freeBlocks[order].Load()
		for cur != nil {
			total += 1 << uint(order)
			cur = cur.next.Load()
		}
	}
	return total
}
