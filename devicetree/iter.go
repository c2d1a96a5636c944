package devicetree

import "encoding/binary"

func padEnd4B(numBytes int) int {
	if r := numBytes % 4; r != 0 {
		return numBytes + (4 - r)
	}
	return numBytes
}

// structureIter walks raw tokens in the structure block of a blob.
//
// The four-bytes-at-a-time stride comes directly from the FDT format: every
// token, and every token's payload, is padded to a 4-byte boundary.
type structureIter struct {
	dt     *DeviceTree
	offset int
}

// next returns the next token, or ok=false at the END token.
//
// panics if an unrecognized token value is encountered — this mirrors the
// boot-time "malformed DTBs panic" invariant, since an unknown token means
// the structure block is corrupt or from an incompatible format version.
func (it *structureIter) next() (token, bool) {
	for {
		it.offset += 4
		switch tokenType(binary.BigEndian.Uint32(it.dt.structure[it.offset-4:])) {
		case tokenBeginNode:
			nameEnd := it.offset
			for nameEnd < len(it.dt.structure) && it.dt.structure[nameEnd] != 0 {
				nameEnd++
			}
			name := it.dt.structure[it.offset:nameEnd]
			it.offset = padEnd4B(nameEnd + 1)
			return token{kind: tokenBeginNode, name: name}, true
		case tokenEndNode:
			return token{kind: tokenEndNode}, true
		case tokenProp:
			length := int(binary.BigEndian.Uint32(it.dt.structure[it.offset:]))
			it.offset += 4
			nameOffset := int(binary.BigEndian.Uint32(it.dt.structure[it.offset:]))
			it.offset += 4
			nameEnd := nameOffset
			for nameEnd < len(it.dt.strings) && it.dt.strings[nameEnd] != 0 {
				nameEnd++
			}
			name := it.dt.strings[nameOffset:nameEnd]
			data := it.dt.structure[it.offset : it.offset+length]
			it.offset += padEnd4B(length)
			return token{kind: tokenProp, name: name, data: data}, true
		case tokenNop:
			continue
		case tokenEnd:
			return token{}, false
		default:
			panic("devicetree: unknown structure token")
		}
	}
}

// skipNode consumes tokens up to and including the EndNode that closes the
// node whose BeginNode was just consumed.
func (it *structureIter) skipNode() {
	depth := 1
	for depth > 0 {
		tok, ok := it.next()
		if !ok {
			return
		}
		switch tok.kind {
		case tokenBeginNode:
			depth++
		case tokenEndNode:
			depth--
		}
	}
}

// MemRegionIter iterates over (address, size) pairs packed as big-endian
// uint64s, terminated by a (0, 0) sentinel. Used both for the memory
// reservation block and for the reg-like mem_map-shaped reserved regions
// list.
type MemRegionIter struct {
	data   []byte
	offset int
}

// NewMemRegionIter creates an iterator over the given raw property data.
func NewMemRegionIter(data []byte) *MemRegionIter {
	return &MemRegionIter{data: data}
}

// Next returns the next (address, size) pair, or ok=false at the terminator
// or end of data.
func (it *MemRegionIter) Next() (addr, size uint64, ok bool) {
	if it.offset+16 > len(it.data) {
		return 0, 0, false
	}
	addr = binary.BigEndian.Uint64(it.data[it.offset:])
	it.offset += 8
	size = binary.BigEndian.Uint64(it.data[it.offset:])
	it.offset += 8
	if addr == 0 && size == 0 {
		return 0, 0, false
	}
	return addr, size, true
}

// RegIter iterates over (address, size) pairs whose cell widths are given by
// the node's inherited #address-cells/#size-cells.
type RegIter struct {
	data          []byte
	offset        int
	addressCells  uint32
	sizeCells     uint32
}

func newRegIter(data []byte, addressCells, sizeCells uint32) *RegIter {
	return &RegIter{data: data, addressCells: addressCells, sizeCells: sizeCells}
}

func readCells(data []byte, cells uint32) uint64 {
	var v uint64
	for i := uint32(0); i < cells; i++ {
		v = (v << 32) | uint64(binary.BigEndian.Uint32(data[i*4:]))
	}
	return v
}

// Next returns the next (address, size) pair decoded according to the
// node's cell widths.
func (it *RegIter) Next() (addr, size uint64, ok bool) {
	entryLen := int(it.addressCells+it.sizeCells) * 4
	if entryLen == 0 || it.offset+entryLen > len(it.data) {
		return 0, 0, false
	}
	addr = readCells(it.data[it.offset:], it.addressCells)
	size = readCells(it.data[it.offset+int(it.addressCells)*4:], it.sizeCells)
	it.offset += entryLen
	return addr, size, true
}

// StringListIter iterates over NUL-terminated strings packed back-to-back,
// as used by `compatible` properties.
type StringListIter struct {
	data   []byte
	offset int
}

// Next returns the next NUL-terminated string (without its terminator), or
// ok=false when the data is exhausted.
func (it *StringListIter) Next() (string, bool) {
	if it.offset >= len(it.data) {
		return "", false
	}
	end := it.offset
	for end < len(it.data) && it.data[end] != 0 {
		end++
	}
	if end >= len(it.data) {
		return "", false
	}
	s := string(it.data[it.offset:end])
	it.offset = end + 1
	return s, true
}

// NodePropertyIter iterates over the properties directly attached to a
// single node, skipping over (but not yielding properties from) any
// descendant nodes.
type NodePropertyIter struct {
	cur                 *structureIter
	depth               int
	ParentAddressCells  uint32
	ParentSizeCells     uint32
}

// Next returns the next (name, Value) pair belonging to the target node, or
// ok=false once the node's EndNode has been reached.
func (it *NodePropertyIter) Next() (name []byte, value Value, ok bool) {
	if it.depth == 0 {
		return nil, Value{}, false
	}
	for {
		tok, more := it.cur.next()
		if !more {
			return nil, Value{}, false
		}
		switch tok.kind {
		case tokenBeginNode:
			it.depth++
		case tokenEndNode:
			it.depth--
			if it.depth == 0 {
				return nil, Value{}, false
			}
		case tokenProp:
			if it.depth == 1 {
				return tok.name, parseValue(tok.name, tok.data, it.ParentAddressCells, it.ParentSizeCells), true
			}
		}
	}
}

// NodesNamedIter iterates over the direct children of a node whose
// node-name (the part of "name@unit-address" before the '@') matches a
// requested name.
type NodesNamedIter struct {
	cur                 *structureIter
	depth               int
	nodeName            []byte
	parentAddressCells  uint32
	parentSizeCells     uint32
}

// NamedNode is one match yielded by NodesNamedIter.
type NamedNode struct {
	// UnitAddress is the part of the node's name after '@', or "" if absent.
	UnitAddress string
	Properties  *NodePropertyIter
}

func splitNodeName(full []byte) (name, unit []byte) {
	for i, b := range full {
		if b == '@' {
			return full[:i], full[i+1:]
		}
	}
	return full, nil
}

// Next returns the next matching child node, or ok=false once the parent
// node's EndNode has been reached.
//
// The returned NamedNode.Properties must be fully drained before calling
// Next again; both iterators walk the same underlying token stream.
func (it *NodesNamedIter) Next() (NamedNode, bool) {
	if it.depth == 0 {
		return NamedNode{}, false
	}
	for {
		tok, more := it.cur.next()
		if !more {
			return NamedNode{}, false
		}
		switch tok.kind {
		case tokenBeginNode:
			it.depth++
			if it.depth == 2 {
				name, unit := splitNodeName(tok.name)
				if string(name) == string(it.nodeName) {
					// the caller drains this child, EndNode included,
					// through Properties
					it.depth--
					props := &NodePropertyIter{
						cur:                it.cur,
						depth:              1,
						ParentAddressCells: it.parentAddressCells,
						ParentSizeCells:    it.parentSizeCells,
					}
					return NamedNode{UnitAddress: string(unit), Properties: props}, true
				}
				it.cur.skipNode()
				it.depth--
			}
		case tokenEndNode:
			it.depth--
			if it.depth == 0 {
				return NamedNode{}, false
			}
		}
	}
}
