// Package devicetree provides zero-copy, allocation-free access to a
// flattened devicetree blob (DTB), as produced by QEMU's `virt` machine and
// consumed at boot to discover RAM layout, CPU topology, and the interrupt
// controller and timer nodes.
package devicetree

import "encoding/binary"

// tokenType identifies one of the structural markers defined by section
// 5.4.1 of the Devicetree Specification.
type tokenType uint32

const (
	tokenBeginNode tokenType = 0x01
	tokenEndNode   tokenType = 0x02
	tokenProp      tokenType = 0x03
	tokenNop       tokenType = 0x04
	tokenEnd       tokenType = 0x09
)

// headerSize is the size in bytes of the fixed-format blob header.
const headerSize = 10 * 4

// headerExpectedMagic is the magic value that must appear at offset 0 of a
// valid blob.
const headerExpectedMagic uint32 = 0xd00d_feed

// blobHeader is a thin view over the first headerSize bytes of a blob.
type blobHeader struct {
	buf []byte
}

func (h blobHeader) magic() uint32           { return binary.BigEndian.Uint32(h.buf[0:]) }
func (h blobHeader) totalSize() uint32       { return binary.BigEndian.Uint32(h.buf[4:]) }
func (h blobHeader) offDtStruct() uint32     { return binary.BigEndian.Uint32(h.buf[8:]) }
func (h blobHeader) offDtStrings() uint32    { return binary.BigEndian.Uint32(h.buf[12:]) }
func (h blobHeader) offMemRsvmap() uint32    { return binary.BigEndian.Uint32(h.buf[16:]) }
func (h blobHeader) version() uint32         { return binary.BigEndian.Uint32(h.buf[20:]) }
func (h blobHeader) lastCompVersion() uint32 { return binary.BigEndian.Uint32(h.buf[24:]) }
func (h blobHeader) bootCpuidPhys() uint32   { return binary.BigEndian.Uint32(h.buf[28:]) }
func (h blobHeader) sizeDtStrings() uint32   { return binary.BigEndian.Uint32(h.buf[32:]) }
func (h blobHeader) sizeDtStructs() uint32   { return binary.BigEndian.Uint32(h.buf[36:]) }

// token is one item yielded while walking the structure block.
type token struct {
	kind tokenType
	// name is valid for tokenBeginNode and tokenProp.
	name []byte
	// data is valid for tokenProp only.
	data []byte
}
