package memory

import (
	"fmt"
	"unsafe"
)

// Shareability describes what cache coherence a mapping requires across
// cores.
type Shareability int

const (
	// ShareabilityLocal memory is not shared; each core may cache it
	// independently.
	ShareabilityLocal Shareability = iota
	// ShareabilityCluster memory must stay coherent between cores sharing
	// an inner cache.
	ShareabilityCluster
	// ShareabilityGlobal memory must stay coherent across every core's
	// inner and outer caches. The default.
	ShareabilityGlobal
)

func (s Shareability) encode() uint64 {
	switch s {
	case ShareabilityLocal:
		return 0b00
	case ShareabilityGlobal:
		return 0b10
	case ShareabilityCluster:
		return 0b11
	default:
		panic(fmt.Sprintf("memory: unknown shareability %d", s))
	}
}

func (s Shareability) String() string {
	switch s {
	case ShareabilityLocal:
		return "Local"
	case ShareabilityCluster:
		return "Cluster"
	case ShareabilityGlobal:
		return "Global"
	default:
		return "Shareability(?)"
	}
}

func decodeShareability(v uint64) Shareability {
	switch v {
	case 0b00:
		return ShareabilityLocal
	case 0b10:
		return ShareabilityGlobal
	case 0b11:
		return ShareabilityCluster
	default:
		panic(fmt.Sprintf("memory: unknown shareability encoding 0b%b", v))
	}
}

// MemoryKind selects the cacheability of a mapping.
type MemoryKind int

const (
	// MemoryNormal is cached, read/write allocating memory. The default.
	MemoryNormal MemoryKind = iota
	// MemoryDevice is uncached, strictly-ordered memory, appropriate for
	// MMIO.
	MemoryDevice
)

func (k MemoryKind) encode() uint64 {
	switch k {
	case MemoryDevice:
		return 0b000
	case MemoryNormal:
		return 0b001
	default:
		panic(fmt.Sprintf("memory: unknown memory kind %d", k))
	}
}

func (k MemoryKind) String() string {
	switch k {
	case MemoryNormal:
		return "Normal"
	case MemoryDevice:
		return "Device"
	default:
		return "MemoryKind(?)"
	}
}

func decodeMemoryKind(v uint64) MemoryKind {
	switch v {
	case 0b000:
		return MemoryDevice
	case 0b001:
		return MemoryNormal
	default:
		panic(fmt.Sprintf("memory: unknown memory kind encoding 0b%b", v))
	}
}

// MAIRValue is the value that must be programmed into MAIR_EL1 for
// MemoryProperties to encode MemoryKind correctly: byte 0 is Device-nGnRE,
// byte 1 is Normal write-back cacheable memory (ARMv8-A D17.2.97).
const MAIRValue uint64 = 0x00_00_00_00_00_00_ff_04

// MemoryProperties is the set of attributes attached to one mapping.
type MemoryProperties struct {
	Kind             MemoryKind
	UserSpaceAccess  bool
	Writable         bool
	Executable       bool
	Shareability     Shareability
}

// DefaultMemoryProperties returns kernel-only, read-write, non-executable,
// globally-shared normal memory.
func DefaultMemoryProperties() MemoryProperties {
	return MemoryProperties{Kind: MemoryNormal, Writable: true, Shareability: ShareabilityGlobal}
}

func (p MemoryProperties) encode() uint64 {
	var notExec, notWrite, userAccess uint64
	if !p.Executable {
		notExec = 1
	}
	if !p.Writable {
		notWrite = 1
	}
	if p.UserSpaceAccess {
		userAccess = 1
	}
	return (notExec << 54) | (notExec << 53) | (p.Shareability.encode() << 8) |
		(notWrite << 7) | (userAccess << 6) | (p.Kind.encode() << 2)
}

func decodeMemoryProperties(raw uint64) MemoryProperties {
	return MemoryProperties{
		Executable:      (raw>>54)&0x1 == 0,
		Shareability:    decodeShareability((raw >> 8) & 0b11),
		Writable:        (raw>>7)&0x1 == 0,
		UserSpaceAccess: (raw>>6)&0x1 == 1,
		Kind:            decodeMemoryKind((raw >> 2) & 0b111),
	}
}

func (p MemoryProperties) String() string {
	rw := "R"
	if p.Writable {
		rw = "RW"
	}
	x := ""
	if p.Executable {
		x = "X"
	}
	priv := "K"
	if p.UserSpaceAccess {
		priv = "*"
	}
	return fmt.Sprintf("MemProps<%v %v %s%s %s>", p.Shareability, p.Kind, rw, x, priv)
}

// MapBlockSize selects the granularity of a mapping operation.
type MapBlockSize int

const (
	// MapPage maps single pages at level 3.
	MapPage MapBlockSize = iota
	// MapSmallBlock maps blocks at level 2 (2MiB with 4KiB pages, 32MiB
	// with 16KiB pages).
	MapSmallBlock
	// MapLargeBlock maps blocks at level 1 (1GiB with 4KiB pages; not
	// available with 16KiB pages).
	MapLargeBlock
)

// LargestSupportedBlockSize returns the largest block size the hardware
// supports for pageSize.
func LargestSupportedBlockSize(pageSize PageSize) MapBlockSize {
	if pageSize == FourKiB {
		return MapLargeBlock
	}
	return MapSmallBlock
}

const pageTableEntrySize = 8

func entriesPerTable(pageSize PageSize) int {
	return int(pageSize.Bytes() / pageTableEntrySize)
}

// LengthInPages returns the number of pages one block of this size spans.
// ok is false if size is not supported at pageSize (MapLargeBlock with
// SixteenKiB).
func (size MapBlockSize) LengthInPages(pageSize PageSize) (length int, ok bool) {
	entries := entriesPerTable(pageSize)
	switch size {
	case MapPage:
		return 1, true
	case MapSmallBlock:
		return entries, true
	case MapLargeBlock:
		if pageSize != FourKiB {
			return 0, false
		}
		return entries * entries, true
	default:
		return 0, false
	}
}

// LengthInBytes is LengthInPages scaled by pageSize.
func (size MapBlockSize) LengthInBytes(pageSize PageSize) (uint64, bool) {
	pages, ok := size.LengthInPages(pageSize)
	if !ok {
		return 0, false
	}
	return uint64(pages) * pageSize.Bytes(), true
}

// NotMappedError reports an address expected to be mapped that was not.
type NotMappedError struct{ Address VirtualAddress }

func (e *NotMappedError) Error() string {
	return fmt.Sprintf("memory: expected address %v to be mapped", e.Address)
}

// AlreadyMappedError reports an address that cannot be mapped as requested
// because it is already mapped incompatibly (e.g. with a different block
// size).
type AlreadyMappedError struct{ Address VirtualAddress }

func (e *AlreadyMappedError) Error() string {
	return fmt.Sprintf("memory: address %v is already incompatibly mapped", e.Address)
}

// InvalidTagError reports a virtual address whose tag doesn't match the
// table it was passed to (TTBR0 vs TTBR1).
type InvalidTagError struct{ Value VirtualAddress }

func (e *InvalidTagError) Error() string {
	return fmt.Sprintf("memory: address %v has the wrong tag for this table", e.Value)
}

// InvalidAlignmentError reports an address that isn't aligned to the
// requested block size.
type InvalidAlignmentError struct{ Value uint64 }

func (e *InvalidAlignmentError) Error() string {
	return fmt.Sprintf("memory: value 0x%x is improperly aligned for the requested block size", e.Value)
}

// ErrInvalidCount is returned when a mapping's page count is zero or would
// overflow the address space.
var ErrInvalidCount = fmt.Errorf("memory: invalid page count for mapping")

type decodedKind int

const (
	decodedEmpty decodedKind = iota
	decodedTable
	decodedBlock
	decodedPage
)

type decodedEntry struct {
	kind    decodedKind
	address PhysicalAddress
}

const entryAddressMask = 0x0000_ffff_ffff_f000

func decodeEntry(raw uint64, level int) decodedEntry {
	addr := PhysicalAddress(raw & entryAddressMask)
	switch {
	case raw&0b11 == 0b00:
		return decodedEntry{kind: decodedEmpty}
	case level == 3 && raw&0b11 == 0b11:
		return decodedEntry{kind: decodedPage, address: addr}
	case raw&0b11 == 0b11:
		return decodedEntry{kind: decodedTable, address: addr}
	case level <= 2 && raw&0b11 == 0b01:
		return decodedEntry{kind: decodedBlock, address: addr}
	default:
		panic(fmt.Sprintf("memory: invalid page table entry type/valid: level=%d entry=%b", level, raw&0b11))
	}
}

func entryForTable(tableAddress PhysicalAddress) uint64 {
	if uint64(tableAddress)&0xfff != 0 {
		panic("memory: table address must be page-aligned")
	}
	return 0b11 | (uint64(tableAddress) & entryAddressMask)
}

func entryForBlock(baseAddress PhysicalAddress, properties MemoryProperties) uint64 {
	if uint64(baseAddress)&0xfff != 0 {
		panic("memory: block address must be page-aligned")
	}
	return 0b01 | uint64(baseAddress) | properties.encode() | (1 << 10)
}

func entryForPage(baseAddress PhysicalAddress, properties MemoryProperties) uint64 {
	if uint64(baseAddress)&0xfff != 0 {
		panic("memory: page address must be page-aligned")
	}
	return 0b11 | uint64(baseAddress) | properties.encode() | (1 << 10)
}

// indexForLevel returns the index into the table at level for address,
// given the translation granule pageSize.
func indexForLevel(address VirtualAddress, level int, pageSize PageSize) int {
	var msb, lsb uint
	switch {
	case pageSize == FourKiB && level == 4:
		msb, lsb = 11, 0
	case pageSize == FourKiB && level == 3:
		msb, lsb = 20, 12
	case pageSize == FourKiB && level == 2:
		msb, lsb = 29, 21
	case pageSize == FourKiB && level == 1:
		msb, lsb = 38, 30
	case pageSize == FourKiB && level == 0:
		msb, lsb = 47, 39
	case pageSize == SixteenKiB && level == 4:
		msb, lsb = 13, 0
	case pageSize == SixteenKiB && level == 3:
		msb, lsb = 24, 14
	case pageSize == SixteenKiB && level == 2:
		msb, lsb = 35, 25
	case pageSize == SixteenKiB && level == 1:
		msb, lsb = 46, 36
	case pageSize == SixteenKiB && level == 0:
		msb, lsb = 47, 47
	default:
		panic("memory: unsupported page size/level combination")
	}
	width := msb - lsb + 1
	mask := uint64(1)<<width - 1
	return int((uint64(address) >> lsb) & mask)
}

func pagesPerEntry(level int, pageSize PageSize) int {
	entries := entriesPerTable(pageSize)
	switch pageSize {
	case FourKiB:
		switch level {
		case 0:
			return entries * entries * entries
		case 1:
			return entries * entries
		case 2:
			return entries
		case 3:
			return 1
		}
	case SixteenKiB:
		switch level {
		case 0:
			return 2 * entries * entries
		case 1:
			return entries * entries
		case 2:
			return entries
		case 3:
			return 1
		}
	}
	panic(fmt.Sprintf("memory: invalid level %d", level))
}

func entryPtr(table PhysicalAddress, index int) *uint64 {
	base := uintptr(table.KernelVirtualAddress())
	return (*uint64)(unsafe.Pointer(base + uintptr(index)*pageTableEntrySize))
}

// PageTables is a four-level ARMv8-A stage-1 translation table tree.
// A PageTables instance owns the table pages it points to exclusively;
// Map/Unmap require exclusive (&-style, i.e. single-goroutine) access, the
// same concurrency contract as the original.
type PageTables struct {
	pageAllocator  PageAllocator
	entriesPerPage int
	root           PhysicalAddress
	pageSize       PageSize
	// highTag is true for tables mapping addresses tagged 0xffff (TTBR1,
	// kernel), false for addresses tagged 0x0000 (TTBR0, user).
	highTag bool
}

// NewEmptyPageTables allocates a fresh, empty root table.
func NewEmptyPageTables(pageAllocator PageAllocator, highTag bool) (*PageTables, error) {
	root, err := pageAllocator.AllocateZeroed(1)
	if err != nil {
		return nil, err
	}
	return newPageTablesFromExisting(pageAllocator, root, highTag), nil
}

// PageTablesFromExisting wraps an already-populated root table in memory.
// The caller must guarantee rootTableAddress is a valid root table whose
// pages all came from pageAllocator and are not shared with any other
// PageTables instance.
func PageTablesFromExisting(pageAllocator PageAllocator, rootTableAddress PhysicalAddress, highTag bool) *PageTables {
	if rootTableAddress.IsNull() {
		panic("memory: root table address must not be null")
	}
	if !rootTableAddress.IsAlignedTo(pageAllocator.PageSize().Bytes()) {
		panic("memory: root table address must be page-aligned")
	}
	return newPageTablesFromExisting(pageAllocator, rootTableAddress, highTag)
}

func newPageTablesFromExisting(pageAllocator PageAllocator, root PhysicalAddress, highTag bool) *PageTables {
	return &PageTables{
		pageAllocator:  pageAllocator,
		pageSize:       pageAllocator.PageSize(),
		entriesPerPage: entriesPerTable(pageAllocator.PageSize()),
		root:           root,
		highTag:        highTag,
	}
}

// PhysicalAddress returns the physical address of the root table, suitable
// for programming into TTBR0_EL1/TTBR1_EL1.
func (pt *PageTables) PhysicalAddress() PhysicalAddress { return pt.root }

// HighTag reports whether this table maps TTBR1 (kernel, 0xffff) addresses.
func (pt *PageTables) HighTag() bool { return pt.highTag }

type tableWalker struct {
	pt             *PageTables
	endLevel       int
	blockSizeBytes uint64
	blockSizePages int
	createOnEmpty  bool
	f              func(entry *uint64, addr PhysicalAddress) error
}

func (w *tableWalker) nextTableForEntry(level int, address VirtualAddress, entry *uint64) (PhysicalAddress, error) {
	switch d := decodeEntry(*entry, level); d.kind {
	case decodedEmpty:
		if !w.createOnEmpty {
			return 0, &NotMappedError{Address: address}
		}
		next, err := w.pt.pageAllocator.AllocateZeroed(1)
		if err != nil {
			return 0, fmt.Errorf("memory: allocating page table: %w", err)
		}
		*entry = entryForTable(next)
		return next, nil
	case decodedTable:
		return d.address, nil
	default:
		return 0, &AlreadyMappedError{Address: address}
	}
}

func (w *tableWalker) step(level int, tableRoot PhysicalAddress, virtualStart VirtualAddress, physicalStart PhysicalAddress, count int) error {
	if count <= 0 {
		panic("memory: walker step called with count <= 0")
	}
	startIndex := indexForLevel(virtualStart, level, w.pt.pageSize)

	if level < w.endLevel {
		blocksPerEntry := pagesPerEntry(level, w.pt.pageSize) / w.blockSizePages
		index := startIndex
		numBlocks := 0
		for numBlocks < count {
			if index >= w.pt.entriesPerPage {
				panic("memory: walker index exceeded entries per table")
			}
			entry := entryPtr(tableRoot, index)
			byteOffset := uint64(numBlocks) * w.blockSizeBytes
			nextVS := virtualStart.Add(byteOffset)
			nextTable, err := w.nextTableForEntry(level, nextVS, entry)
			if err != nil {
				return err
			}
			startAtNextLevel := indexForLevel(nextVS, level+1, w.pt.pageSize)
			remaining := count - numBlocks
			avail := blocksPerEntry - startAtNextLevel
			actualBlocks := remaining
			if avail < actualBlocks {
				actualBlocks = avail
			}
			if err := w.step(level+1, nextTable, nextVS, physicalStart.Add(byteOffset), actualBlocks); err != nil {
				return err
			}
			index++
			numBlocks += actualBlocks
		}
		return nil
	}

	endIndex := startIndex + count
	if endIndex > w.pt.entriesPerPage {
		panic(fmt.Sprintf("memory: start_index(%d) + count(%d) = end_index(%d) > entries_per_table(%d)", startIndex, count, endIndex, w.pt.entriesPerPage))
	}
	for i := 0; i < count; i++ {
		addr := physicalStart.Add(uint64(i) * w.blockSizeBytes)
		entry := entryPtr(tableRoot, startIndex+i)
		if err := w.f(entry, addr); err != nil {
			return err
		}
	}
	return nil
}

func (pt *PageTables) forEachEntryOfSize(virtualStart VirtualAddress, physicalStart PhysicalAddress, count int, size MapBlockSize, createOnEmpty bool, f func(entry *uint64, addr PhysicalAddress) error) error {
	var endLevel int
	switch size {
	case MapPage:
		endLevel = 3
	case MapSmallBlock:
		endLevel = 2
	case MapLargeBlock:
		if pt.pageSize != FourKiB {
			panic("memory: large blocks not supported for >4KiB pages")
		}
		endLevel = 1
	}

	blockSizePages, ok := size.LengthInPages(pt.pageSize)
	if !ok {
		panic("memory: block size not supported at this page size")
	}
	blockSizeBytes := pt.pageSize.Bytes() * uint64(blockSizePages)

	if count <= 0 || uint64(count)*uint64(blockSizePages) >= (1<<48) {
		return ErrInvalidCount
	}
	if !virtualStart.IsAlignedTo(blockSizeBytes) {
		return &InvalidAlignmentError{Value: uint64(virtualStart)}
	}
	if !physicalStart.IsAlignedTo(blockSizeBytes) {
		return &InvalidAlignmentError{Value: uint64(physicalStart)}
	}

	w := &tableWalker{
		pt:             pt,
		endLevel:       endLevel,
		blockSizeBytes: blockSizeBytes,
		blockSizePages: blockSizePages,
		createOnEmpty:  createOnEmpty,
		f:              f,
	}
	return w.step(0, pt.root, virtualStart, physicalStart, count)
}

// Map establishes a mapping of count blocks of size size, starting at
// virtualStart mapping to physicalStart, with the given properties. Both
// addresses must be aligned to the block size.
//
// On any error the region may be left partially mapped.
func (pt *PageTables) Map(virtualStart VirtualAddress, physicalStart PhysicalAddress, count int, size MapBlockSize, properties MemoryProperties) error {
	if virtualStart.IsInKernelSpace() != pt.highTag {
		return &InvalidTagError{Value: virtualStart}
	}
	return pt.forEachEntryOfSize(virtualStart, physicalStart, count, size, true, func(entry *uint64, addr PhysicalAddress) error {
		if size == MapPage {
			*entry = entryForPage(addr, properties)
		} else {
			*entry = entryForBlock(addr, properties)
		}
		return nil
	})
}

// Unmap removes a mapping of count blocks of size size starting at
// virtualStart.
//
// On any error the region may be left partially unmapped.
func (pt *PageTables) Unmap(virtualStart VirtualAddress, count int, size MapBlockSize) error {
	if virtualStart.IsInKernelSpace() != pt.highTag {
		return &InvalidTagError{Value: virtualStart}
	}
	return pt.forEachEntryOfSize(virtualStart, 0, count, size, false, func(entry *uint64, _ PhysicalAddress) error {
		*entry = 0
		return nil
	})
}

// PhysicalAddressOf translates p through this table tree, returning ok=false
// if p is unmapped or carries the wrong tag for this table.
func (pt *PageTables) PhysicalAddressOf(p VirtualAddress) (PhysicalAddress, bool) {
	if p.IsInKernelSpace() != pt.highTag {
		return 0, false
	}

	level := 0
	table := pt.root
	for level <= 3 {
		index := indexForLevel(p, level, pt.pageSize)
		entry := entryPtr(table, index)
		d := decodeEntry(*entry, level)
		switch d.kind {
		case decodedEmpty:
			return 0, false
		case decodedTable:
			table = d.address
			level++
		case decodedBlock, decodedPage:
			var offsetMask uint64
			switch {
			case pt.pageSize == FourKiB && level == 3:
				offsetMask = 0xfff
			case pt.pageSize == FourKiB && level == 2:
				offsetMask = 0x1f_ffff
			case pt.pageSize == FourKiB && level == 1:
				offsetMask = 0x3fff_ffff
			case pt.pageSize == SixteenKiB && level == 3:
				offsetMask = 0x3fff
			case pt.pageSize == SixteenKiB && level == 2:
				offsetMask = 0x1ff_ffff
			default:
				panic(fmt.Sprintf("memory: invalid level %d at page size %v", level, pt.pageSize))
			}
			offset := uint64(p) & offsetMask
			return d.address.Add(offset), true
		}
	}
	return 0, false
}

func (pt *PageTables) dropTable(level int, table PhysicalAddress) {
	for i := 0; i < pt.entriesPerPage; i++ {
		entry := *entryPtr(table, i)
		if d := decodeEntry(entry, level); d.kind == decodedTable {
			pt.dropTable(level+1, d.address)
		}
	}
	_ = pt.pageAllocator.Free(table, 1)
}

// Close frees every table page owned by this PageTables, recursively. Go
// has no equivalent of a deterministic destructor, so callers must invoke
// this explicitly once the address space is no longer needed.
func (pt *PageTables) Close() {
	pt.dropTable(0, pt.root)
}
