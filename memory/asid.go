package memory

import (
	"sync/atomic"

	"github.com/andrew-pa/endless-hole/handle"
)

// AddressSpaceId is an ASID: a 16-bit tag identifying a process address
// space. Zero is reserved to mean "no ASID".
type AddressSpaceId uint16

// AddressSpaceIdPool hands out ASIDs tagged with a generation counter.
// Generations let ASIDs be recycled without confusing a stale TLB entry
// with a freshly issued one: whenever the pool exhausts its handles, it
// resets the underlying allocator and bumps the generation, invalidating
// every ASID issued under the previous generation.
type AddressSpaceIdPool struct {
	generation atomic.Uint32
	allocator  *handle.Allocator
}

// NewAddressSpaceIdPool creates a pool managing ASIDs 1..=maxASID.
func NewAddressSpaceIdPool(maxASID uint16) *AddressSpaceIdPool {
	return &AddressSpaceIdPool{allocator: handle.NewAllocator(uint32(maxASID))}
}

// DefaultAddressSpaceIdPool creates a pool using the full 16-bit ASID
// range.
func DefaultAddressSpaceIdPool() *AddressSpaceIdPool {
	return NewAddressSpaceIdPool(0xffff)
}

// Allocate returns a fresh (asid, generation) pair. If the pool is
// exhausted, it resets (all previously issued ASIDs become invalid) and
// increments the generation before allocating from the new generation.
func (p *AddressSpaceIdPool) Allocate() (AddressSpaceId, uint32) {
	if h, ok := p.allocator.NextHandle(); ok {
		return AddressSpaceId(h), p.generation.Load()
	}

	p.allocator.Reset()
	newGen := p.generation.Add(1)

	h, ok := p.allocator.NextHandle()
	if !ok {
		panic("memory: allocator should have an available handle after reset")
	}
	return AddressSpaceId(h), newGen
}

// Free releases a previously allocated ASID. It does not affect the
// generation counter: freed ASIDs can be reused within the same
// generation.
func (p *AddressSpaceIdPool) Free(asid AddressSpaceId) error {
	return p.allocator.FreeHandle(handle.Handle(asid))
}

// CurrentGeneration returns the pool's current generation counter.
func (p *AddressSpaceIdPool) CurrentGeneration() uint32 {
	return p.generation.Load()
}
