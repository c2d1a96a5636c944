package devicetree

import (
	"bytes"
	"encoding/binary"
	"unsafe"
)

// DeviceTree is a parsed view over a flattened devicetree blob. All data
// returned from it borrows from the original backing buffer; nothing is
// copied.
type DeviceTree struct {
	raw       []byte
	header    blobHeader
	strings   []byte
	structure []byte
	memMap    []byte
}

// FromBytes validates and wraps a complete blob already held in a byte
// slice.
//
// Panics if the magic number doesn't match or the header's declared total
// size doesn't match the buffer length — a malformed blob at boot time is a
// fatal condition, not a recoverable error.
func FromBytes(buf []byte) *DeviceTree {
	h := blobHeader{buf: buf}
	return fromBytesAndHeader(buf, h)
}

func fromBytesAndHeader(buf []byte, h blobHeader) *DeviceTree {
	if h.magic() != headerExpectedMagic {
		panic("devicetree: bad magic number")
	}
	if int(h.totalSize()) != len(buf) {
		panic("devicetree: total_size does not match buffer length")
	}
	return &DeviceTree{
		raw:       buf,
		header:    h,
		strings:   buf[h.offDtStrings() : h.offDtStrings()+h.sizeDtStrings()],
		structure: buf[h.offDtStruct() : h.offDtStruct()+h.sizeDtStructs()],
		memMap:    buf[h.offMemRsvmap():h.offDtStruct()],
	}
}

// FromMemory constructs a DeviceTree from a raw memory address, reading the
// header first to discover the blob's total length before slicing the rest.
//
// ptr must point to a valid, fully-resident devicetree blob; this function
// is unsafe by nature, matching the boot-time contract that the DTB pointer
// handed off by the bootloader is trustworthy.
func FromMemory(ptr uintptr) *DeviceTree {
	hdrBuf := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), headerSize)
	h := blobHeader{buf: hdrBuf}
	total := h.totalSize()
	buf := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), total)
	return fromBytesAndHeader(buf, blobHeader{buf: buf})
}

// Header exposes the raw blob header fields.
type Header struct {
	TotalSize      uint32
	Version        uint32
	LastCompVersion uint32
	BootCpuidPhys  uint32
}

// Header returns the parsed blob header.
func (dt *DeviceTree) Header() Header {
	return Header{
		TotalSize:       dt.header.totalSize(),
		Version:         dt.header.version(),
		LastCompVersion: dt.header.lastCompVersion(),
		BootCpuidPhys:   dt.header.bootCpuidPhys(),
	}
}

// MemoryRegion returns the (address, length) of the blob itself in memory,
// as needed to exclude it from the pool of free physical RAM at boot.
func (dt *DeviceTree) MemoryRegion() (addr uintptr, length uint32) {
	return uintptr(unsafe.Pointer(&dt.raw[0])), dt.header.totalSize()
}

func (dt *DeviceTree) iterStructure() *structureIter {
	return &structureIter{dt: dt}
}

// IterNodeProperties returns an iterator over the properties of the node at
// path, or ok=false if no such node exists. path segments are separated by
// '/', e.g. "/intc@8000000/v2m@8020000". The empty path or "/" refers to the
// root node.
//
// #address-cells and #size-cells default to 2 and 1 respectively per
// section 2.3.5 of the Devicetree Specification when not overridden by an
// ancestor.
func (dt *DeviceTree) IterNodeProperties(path []byte) (*NodePropertyIter, bool) {
	segments := bytes.Split(path, []byte{'/'})
	segments = dropEmptyLeading(segments)
	var looking []byte
	if len(segments) > 0 {
		looking = segments[0]
		segments = segments[1:]
	}
	tokens := dt.iterStructure()
	var addressCells, sizeCells *uint32

	for {
		tok, ok := tokens.next()
		if !ok {
			return nil, false
		}
		switch tok.kind {
		case tokenBeginNode:
			if bytes.Equal(tok.name, looking) {
				if len(segments) == 0 || len(segments[0]) == 0 {
					ac, sc := uint32(2), uint32(1)
					if addressCells != nil {
						ac = *addressCells
					}
					if sizeCells != nil {
						sc = *sizeCells
					}
					return &NodePropertyIter{
						cur:                tokens,
						depth:              1,
						ParentAddressCells: ac,
						ParentSizeCells:    sc,
					}, true
				}
				looking = segments[0]
				segments = segments[1:]
			} else if len(tok.name) > 0 {
				// a non-matching node; the unnamed root is entered instead
				tokens.skipNode()
			}
		case tokenEndNode:
			return nil, false
		case tokenProp:
			switch string(tok.name) {
			case "#address-cells":
				v := binary.BigEndian.Uint32(tok.data)
				addressCells = &v
			case "#size-cells":
				v := binary.BigEndian.Uint32(tok.data)
				sizeCells = &v
			}
		}
	}
}

func dropEmptyLeading(segments [][]byte) [][]byte {
	for len(segments) > 0 && len(segments[0]) == 0 {
		segments = segments[1:]
	}
	return segments
}

// IterNodesNamed returns an iterator over the children of the node at path
// whose node-name (before any '@') equals nodeName, or ok=false if path
// itself was not found.
func (dt *DeviceTree) IterNodesNamed(path, nodeName []byte) (*NodesNamedIter, bool) {
	segments := dropEmptyLeading(bytes.Split(path, []byte{'/'}))
	var looking []byte
	if len(segments) > 0 {
		looking = segments[0]
		segments = segments[1:]
	}
	tokens := dt.iterStructure()
	var addressCells, sizeCells *uint32

	for {
		tok, ok := tokens.next()
		if !ok {
			return nil, false
		}
		switch tok.kind {
		case tokenBeginNode:
			if bytes.Equal(tok.name, looking) {
				if len(segments) == 0 || len(segments[0]) == 0 {
					ac, sc := uint32(2), uint32(1)
					if addressCells != nil {
						ac = *addressCells
					}
					if sizeCells != nil {
						sc = *sizeCells
					}
					return &NodesNamedIter{
						cur:                tokens,
						depth:              1,
						nodeName:           nodeName,
						parentAddressCells: ac,
						parentSizeCells:    sc,
					}, true
				}
				looking = segments[0]
				segments = segments[1:]
			} else if len(tok.name) > 0 {
				// a non-matching node; the unnamed root is entered instead
				tokens.skipNode()
			}
		case tokenEndNode:
			return nil, false
		case tokenProp:
			switch string(tok.name) {
			case "#address-cells":
				v := binary.BigEndian.Uint32(tok.data)
				addressCells = &v
			case "#size-cells":
				v := binary.BigEndian.Uint32(tok.data)
				sizeCells = &v
			}
		}
	}
}

// FindProperty looks up a single property by its full path, e.g.
// "/intc@8000000/v2m@8020000/phandle".
func (dt *DeviceTree) FindProperty(path []byte) (Value, bool) {
	idx := bytes.LastIndexByte(path, '/')
	if idx < 0 {
		return Value{}, false
	}
	nodePath, propName := path[:idx], path[idx+1:]
	it, ok := dt.IterNodeProperties(nodePath)
	if !ok {
		return Value{}, false
	}
	for {
		name, value, ok := it.Next()
		if !ok {
			return Value{}, false
		}
		if bytes.Equal(name, propName) {
			return value, true
		}
	}
}

// IterReservedMemoryRegions iterates over the blob's memory reservation
// block.
func (dt *DeviceTree) IterReservedMemoryRegions() *MemRegionIter {
	return NewMemRegionIter(dt.memMap)
}
