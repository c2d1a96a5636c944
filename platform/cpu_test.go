package platform

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/andrew-pa/endless-hole/devicetree"
	"github.com/andrew-pa/endless-hole/memory"
)

// fdtBuilder is a minimal, local reimplementation of the FDT construction
// helper used elsewhere in this module's tests: just enough to build a
// small tree to exercise a device-tree-driven constructor.
type fdtBuilder struct {
	structure bytes.Buffer
	strings   bytes.Buffer
	stringOff map[string]uint32
}

func newFdtBuilder() *fdtBuilder {
	return &fdtBuilder{stringOff: map[string]uint32{}}
}

func (b *fdtBuilder) putU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func (b *fdtBuilder) pad4(buf *bytes.Buffer) {
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
}

func (b *fdtBuilder) beginNode(name string) {
	b.putU32(&b.structure, 0x01)
	b.structure.WriteString(name)
	b.structure.WriteByte(0)
	b.pad4(&b.structure)
}

func (b *fdtBuilder) endNode() { b.putU32(&b.structure, 0x02) }

func (b *fdtBuilder) nameOffset(name string) uint32 {
	if off, ok := b.stringOff[name]; ok {
		return off
	}
	off := uint32(b.strings.Len())
	b.strings.WriteString(name)
	b.strings.WriteByte(0)
	b.stringOff[name] = off
	return off
}

func (b *fdtBuilder) prop(name string, data []byte) {
	b.putU32(&b.structure, 0x03)
	b.putU32(&b.structure, uint32(len(data)))
	b.putU32(&b.structure, b.nameOffset(name))
	b.structure.Write(data)
	b.pad4(&b.structure)
}

func propString(s string) []byte {
	return append([]byte(s), 0)
}

func propU32(v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return tmp[:]
}

func (b *fdtBuilder) finish() []byte {
	b.putU32(&b.structure, 0x09)

	const headerLen = 10 * 4
	memRsvmap := make([]byte, 16)
	offMemRsvmap := uint32(headerLen)
	offDtStruct := offMemRsvmap + uint32(len(memRsvmap))
	offDtStrings := offDtStruct + uint32(b.structure.Len())
	total := offDtStrings + uint32(b.strings.Len())

	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:], 0xd00dfeed)
	binary.BigEndian.PutUint32(buf[4:], total)
	binary.BigEndian.PutUint32(buf[8:], offDtStruct)
	binary.BigEndian.PutUint32(buf[12:], offDtStrings)
	binary.BigEndian.PutUint32(buf[16:], offMemRsvmap)
	binary.BigEndian.PutUint32(buf[20:], 17)
	binary.BigEndian.PutUint32(buf[24:], 16)
	binary.BigEndian.PutUint32(buf[28:], 0)
	binary.BigEndian.PutUint32(buf[32:], uint32(b.strings.Len()))
	binary.BigEndian.PutUint32(buf[36:], uint32(b.structure.Len()))

	copy(buf[offMemRsvmap:], memRsvmap)
	copy(buf[offDtStruct:], b.structure.Bytes())
	copy(buf[offDtStrings:], b.strings.Bytes())
	return buf
}

// cpusTree builds a tree with n `/cpus/cpu@*` nodes, ids 0..n-1, each with
// the given enable-method.
func cpusTree(t *testing.T, n int, enableMethod string) *devicetree.DeviceTree {
	t.Helper()
	b := newFdtBuilder()
	b.beginNode("")
	b.prop("#address-cells", propU32(1))
	b.prop("#size-cells", propU32(0))
	b.beginNode("cpus")
	for i := 0; i < n; i++ {
		b.beginNode("cpu@" + string(rune('0'+i)))
		b.prop("reg", propU32(uint32(i)))
		b.prop("enable-method", propString(enableMethod))
		b.endNode()
	}
	b.endNode()
	b.endNode()
	return devicetree.FromBytes(b.finish())
}

func TestListCoresParsesIdsAndEnableMethod(t *testing.T) {
	tree := cpusTree(t, 4, "psci")
	cores, err := ListCores(tree)
	if err != nil {
		t.Fatalf("ListCores: %v", err)
	}
	if len(cores) != 4 {
		t.Fatalf("got %d cores, want 4", len(cores))
	}
	for i, c := range cores {
		if c.Id != Id(i) {
			t.Fatalf("core %d: got id %d, want %d", i, c.Id, i)
		}
		if !bytesEqualNulTerminated(c.EnableMethod, []byte("psci\x00")) {
			t.Fatalf("core %d: got enable-method %q, want psci", i, c.EnableMethod)
		}
	}
}

type mockPowerManager struct {
	method   []byte
	started  []Id
	args     []uintptr
	failWith map[Id]error
}

func (m *mockPowerManager) StartCore(targetCore Id, entryPointAddress memory.PhysicalAddress, arg uintptr) error {
	if err, ok := m.failWith[targetCore]; ok {
		return err
	}
	m.started = append(m.started, targetCore)
	m.args = append(m.args, arg)
	return nil
}

func (m *mockPowerManager) EnableMethodName() []byte { return m.method }

type mockPageAllocator struct {
	next memory.PhysicalAddress
}

func (a *mockPageAllocator) PageSize() memory.PageSize { return memory.FourKiB }

func (a *mockPageAllocator) Allocate(n int) (memory.PhysicalAddress, error) {
	p := a.next
	a.next += memory.PhysicalAddress(uint64(n) * memory.FourKiB.Bytes())
	return p, nil
}

func (a *mockPageAllocator) AllocateZeroed(n int) (memory.PhysicalAddress, error) {
	return a.Allocate(n)
}

func (a *mockPageAllocator) Free(p memory.PhysicalAddress, n int) error { return nil }

var _ memory.PageAllocator = (*mockPageAllocator)(nil)

func TestBootAllCoresSkipsBootCoreAndStartsTheRest(t *testing.T) {
	tree := cpusTree(t, 4, "psci")
	cores, err := ListCores(tree)
	if err != nil {
		t.Fatalf("ListCores: %v", err)
	}

	power := &mockPowerManager{method: []byte("psci\x00")}
	pa := &mockPageAllocator{}

	if err := BootAllCores(cores, power, memory.PhysicalAddress(0x4008_0000), pa); err != nil {
		t.Fatalf("BootAllCores: %v", err)
	}

	if len(power.started) != 3 {
		t.Fatalf("got %d cores started, want 3", len(power.started))
	}
	for i, id := range power.started {
		if id != Id(i+1) {
			t.Fatalf("started[%d]: got id %d, want %d", i, id, i+1)
		}
		if power.args[i] == 0 {
			t.Fatalf("started[%d]: got stack top arg 0", i)
		}
	}
}

func TestBootAllCoresRejectsUnsupportedEnableMethodOnBootCore(t *testing.T) {
	tree := cpusTree(t, 2, "psci")
	cores, err := ListCores(tree)
	if err != nil {
		t.Fatalf("ListCores: %v", err)
	}
	// Corrupt only the boot core's (id 0) enable-method; it is never
	// started, but a malformed devicetree entry for it must still be
	// reported rather than silently skipped.
	cores[0].EnableMethod = []byte("spin-table\x00")

	power := &mockPowerManager{method: []byte("psci\x00")}
	pa := &mockPageAllocator{}

	err = BootAllCores(cores, power, memory.PhysicalAddress(0x4008_0000), pa)
	if err == nil {
		t.Fatal("expected an error for an unsupported enable-method on the boot core")
	}
	bootErr, ok := err.(*BootAllCoresError)
	if !ok || bootErr.Core != 0 {
		t.Fatalf("got %v, want a BootAllCoresError naming core 0", err)
	}
}

func TestBootAllCoresRejectsUnsupportedEnableMethod(t *testing.T) {
	tree := cpusTree(t, 2, "spin-table")
	cores, err := ListCores(tree)
	if err != nil {
		t.Fatalf("ListCores: %v", err)
	}

	power := &mockPowerManager{method: []byte("psci\x00")}
	pa := &mockPageAllocator{}

	err = BootAllCores(cores, power, memory.PhysicalAddress(0x4008_0000), pa)
	if err == nil {
		t.Fatal("expected an error for an unsupported enable-method")
	}
	bootErr, ok := err.(*BootAllCoresError)
	if !ok || bootErr.Method == "" {
		t.Fatalf("got %v, want a BootAllCoresError naming the enable-method", err)
	}
}

func TestBootAllCoresPropagatesPowerManagerError(t *testing.T) {
	tree := cpusTree(t, 2, "psci")
	cores, err := ListCores(tree)
	if err != nil {
		t.Fatalf("ListCores: %v", err)
	}

	wantErr := &PowerManagerError{Kind: ErrAlreadyOn}
	power := &mockPowerManager{method: []byte("psci\x00"), failWith: map[Id]error{1: wantErr}}
	pa := &mockPageAllocator{}

	err = BootAllCores(cores, power, memory.PhysicalAddress(0x4008_0000), pa)
	if err == nil {
		t.Fatal("expected an error")
	}
	bootErr, ok := err.(*BootAllCoresError)
	if !ok || bootErr.Power != wantErr {
		t.Fatalf("got %v, want a BootAllCoresError wrapping %v", err, wantErr)
	}
}
