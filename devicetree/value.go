package devicetree

import "encoding/binary"

// valueKind tags the dynamic type carried by a Value.
type valueKind int

const (
	kindU32 valueKind = iota
	kindU64
	kindPhandle
	kindString
	kindStringList
	kindBytes
	kindReg
)

// Value is a tagged union over the possible typed interpretations of a
// property's raw bytes, as determined by its name. Every accessor borrows
// directly from the original blob.
type Value struct {
	kind         valueKind
	name         []byte
	raw          []byte
	addressCells uint32
	sizeCells    uint32
}

// parseValue classifies raw property data by name, per the well-known
// property names defined by the Devicetree Specification. Unknown
// properties surface as raw bytes.
func parseValue(name, data []byte, addressCells, sizeCells uint32) Value {
	v := Value{name: name, raw: data, addressCells: addressCells, sizeCells: sizeCells}
	switch string(name) {
	case "compatible":
		v.kind = kindStringList
	case "model", "status", "device_type":
		v.kind = kindString
	case "phandle":
		v.kind = kindPhandle
	case "#address-cells", "#size-cells":
		v.kind = kindU32
	case "virtual-reg":
		v.kind = kindU32
	case "reg":
		v.kind = kindReg
	default:
		v.kind = kindBytes
	}
	return v
}

// UnexpectedTypeError is returned by a typed accessor when the Value's
// actual kind doesn't match what the accessor requires.
type UnexpectedTypeError struct {
	Name         string
	ExpectedType string
}

func (e *UnexpectedTypeError) Error() string {
	return "devicetree: property \"" + e.Name + "\": expected " + e.ExpectedType
}

// AsU32 returns the value as an unsigned 32-bit integer.
func (v Value) AsU32() (uint32, error) {
	if v.kind != kindU32 && v.kind != kindPhandle {
		return 0, &UnexpectedTypeError{Name: string(v.name), ExpectedType: "u32"}
	}
	return binary.BigEndian.Uint32(v.raw), nil
}

// AsU64 returns the value as an unsigned 64-bit integer.
func (v Value) AsU64() (uint64, error) {
	if v.kind != kindU64 {
		if len(v.raw) == 4 {
			return uint64(binary.BigEndian.Uint32(v.raw)), nil
		}
		return 0, &UnexpectedTypeError{Name: string(v.name), ExpectedType: "u64"}
	}
	return binary.BigEndian.Uint64(v.raw), nil
}

// AsPhandle returns the value as a phandle reference.
func (v Value) AsPhandle() (uint32, error) {
	if v.kind != kindPhandle {
		return 0, &UnexpectedTypeError{Name: string(v.name), ExpectedType: "phandle"}
	}
	return binary.BigEndian.Uint32(v.raw), nil
}

// AsString returns the value as a single NUL-terminated (or bare) string.
func (v Value) AsString() (string, error) {
	if v.kind != kindString {
		return "", &UnexpectedTypeError{Name: string(v.name), ExpectedType: "string"}
	}
	s := v.raw
	for i, b := range s {
		if b == 0 {
			s = s[:i]
			break
		}
	}
	return string(s), nil
}

// AsStrings returns the value as a list of strings packed back to back.
func (v Value) AsStrings() (*StringListIter, error) {
	if v.kind != kindStringList {
		return nil, &UnexpectedTypeError{Name: string(v.name), ExpectedType: "string-list"}
	}
	return &StringListIter{data: v.raw}, nil
}

// Contains reports whether a string-list value contains the given string.
func (v Value) Contains(s string) bool {
	it, err := v.AsStrings()
	if err != nil {
		return false
	}
	for {
		item, ok := it.Next()
		if !ok {
			return false
		}
		if item == s {
			return true
		}
	}
}

// AsBytes returns the value's raw bytes, valid for any kind.
func (v Value) AsBytes() ([]byte, error) {
	return v.raw, nil
}

// AsReg returns the value as an iterator of (address, size) pairs, using
// the cell widths inherited from the parent node.
func (v Value) AsReg() (*RegIter, error) {
	if v.kind != kindReg {
		return nil, &UnexpectedTypeError{Name: string(v.name), ExpectedType: "reg"}
	}
	return newRegIter(v.raw, v.addressCells, v.sizeCells), nil
}

// AddressCells returns the address cell width used to decode this value, if
// it is a reg value.
func (v Value) AddressCells() uint32 { return v.addressCells }

// SizeCells returns the size cell width used to decode this value, if it is
// a reg value.
func (v Value) SizeCells() uint32 { return v.sizeCells }
